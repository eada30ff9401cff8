package server

import (
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/teranos/quill/ai/tracker"
	"github.com/teranos/quill/artifact"
	"github.com/teranos/quill/errors"
	"github.com/teranos/quill/logger"
	"github.com/teranos/quill/manifest"
	"github.com/teranos/quill/pulse/async"
	"github.com/teranos/quill/pulse/budget"
	"github.com/teranos/quill/version"
)

const defaultBatchListLimit = 50

// BatchDetail is a batch with its job counts and spend
type BatchDetail struct {
	Batch     *async.Batch         `json:"batch"`
	Counts    async.JobCounts      `json:"counts"`
	Budget    *budget.Status       `json:"budget"`
	Breakdown []budget.BackendCost `json:"cost_breakdown"`
}

// manifestFormat picks the manifest decoder from the request content type
func manifestFormat(r *http.Request) (manifest.Format, error) {
	ct := r.Header.Get("Content-Type")
	if ct == "" {
		return manifest.FormatJSON, nil
	}
	mediaType, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return "", errors.NewInvalidRequestError("invalid content type %q", ct)
	}
	switch {
	case mediaType == "application/json":
		return manifest.FormatJSON, nil
	case strings.HasSuffix(mediaType, "yaml"):
		return manifest.FormatYAML, nil
	case strings.HasSuffix(mediaType, "toml"):
		return manifest.FormatTOML, nil
	}
	return "", errors.NewInvalidRequestError("unsupported content type %q (want JSON, YAML or TOML)", mediaType)
}

// HandleCreateBatch creates a batch and its jobs from a manifest body.
// Jobs whose idempotency key exists are returned, not recreated. With
// ?enqueue=true the batch's queued jobs are enqueued right away.
func (s *Server) HandleCreateBatch(w http.ResponseWriter, r *http.Request) {
	enqueue, err := queryBool(r, "enqueue")
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	format, err := manifestFormat(r)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body: "+err.Error())
		return
	}

	m, err := manifest.Parse(body, format)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	batch, err := m.Batch()
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	params, keys := m.Submission()
	sub, err := s.queue.Submit(r.Context(), batch, params, keys)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}

	if sub.Batch == nil {
		s.logger.Infow("Batch not created, every job already exists", logger.FieldCount, len(sub.Jobs))
		writeJSON(w, http.StatusOK, sub)
		return
	}

	s.logger.Infow("Batch submitted",
		logger.FieldBatchID, sub.Batch.ID,
		logger.FieldCount, len(sub.Jobs),
		"created", sub.Created)

	if enqueue {
		if _, err := s.scheduler.EnqueueBatch(r.Context(), sub.Batch.ID); err != nil {
			s.writeErr(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusCreated, sub)
}

// HandleListBatches lists the most recent batches
func (s *Server) HandleListBatches(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultBatchListLimit)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	batches, err := s.queue.Store().ListBatches(r.Context(), limit)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if batches == nil {
		batches = []*async.Batch{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"batches": batches})
}

// HandleGetBatch returns a batch with counts, budget status and per-backend cost
func (s *Server) HandleGetBatch(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ctx := r.Context()

	batch, err := s.queue.Store().GetBatch(ctx, id)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	counts, err := s.queue.Store().CountJobs(ctx, id)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	status, err := s.budget.GetStatus(ctx, id)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	breakdown, err := s.budget.Store().BatchBreakdown(ctx, id)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if breakdown == nil {
		breakdown = []budget.BackendCost{}
	}
	writeJSON(w, http.StatusOK, BatchDetail{Batch: batch, Counts: counts, Budget: status, Breakdown: breakdown})
}

// HandleListBatchJobs lists a batch's jobs, optionally filtered by ?status=
func (s *Server) HandleListBatchJobs(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ctx := r.Context()

	var filter *async.JobStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		st := async.JobStatus(raw)
		if !async.IsValidStatus(string(st)) {
			s.writeErr(w, r, errors.NewInvalidRequestError("unknown job status %q", raw))
			return
		}
		filter = &st
	}

	if _, err := s.queue.Store().GetBatch(ctx, id); err != nil {
		s.writeErr(w, r, err)
		return
	}
	jobs, err := s.queue.Store().ListJobs(ctx, id, filter)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []*async.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs})
}

// HandleEnqueueBatch adds a batch's queued jobs to the scheduler backlog
func (s *Server) HandleEnqueueBatch(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	added, err := s.scheduler.EnqueueBatch(r.Context(), id)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"batch_id": id, "enqueued": added})
}

// budgetRequest sets or clears (null) a batch's spend limit
type budgetRequest struct {
	BudgetLimit *float64 `json:"budget_limit"`
}

// HandleUpdateBudget changes a batch's limit. A raised limit takes effect on
// the next admission tick, which is triggered immediately.
func (s *Server) HandleUpdateBudget(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req budgetRequest
	if !readJSON(w, r, &req) {
		return
	}
	if req.BudgetLimit != nil && *req.BudgetLimit < 0 {
		s.writeErr(w, r, errors.NewInvalidRequestError("budget limit must not be negative"))
		return
	}

	ctx := r.Context()
	if err := s.queue.Store().UpdateBatchBudget(ctx, id, req.BudgetLimit); err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.scheduler.Tick()

	status, err := s.budget.GetStatus(ctx, id)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// HandleGetJob returns one job
func (s *Server) HandleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.queue.GetJob(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// HandleJobArtifacts lists a job's artifacts in creation order, or only the
// newest revision per stage with ?latest=true
func (s *Server) HandleJobArtifacts(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ctx := r.Context()

	latestOnly, err := queryBool(r, "latest")
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if _, err := s.queue.GetJob(ctx, id); err != nil {
		s.writeErr(w, r, err)
		return
	}

	all, err := s.artifacts.List(ctx, id)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if latestOnly {
		all = latest(all)
	}
	if stage := r.URL.Query().Get("stage"); stage != "" {
		filtered := all[:0]
		for _, a := range all {
			if a.Stage == stage {
				filtered = append(filtered, a)
			}
		}
		all = filtered
	}
	if all == nil {
		all = []artifact.Artifact{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"artifacts": all})
}

// latest keeps the last revision of each stage, preserving creation order
func latest(all []artifact.Artifact) []artifact.Artifact {
	last := make(map[string]int, len(all))
	for i, a := range all {
		last[a.Stage] = i
	}
	out := make([]artifact.Artifact, 0, len(last))
	for i, a := range all {
		if last[a.Stage] == i {
			out = append(out, a)
		}
	}
	return out
}

// HandleJobUsage lists the model calls recorded for a job
func (s *Server) HandleJobUsage(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ctx := r.Context()

	if _, err := s.queue.GetJob(ctx, id); err != nil {
		s.writeErr(w, r, err)
		return
	}
	events, err := s.usage.ListForJob(ctx, id)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if events == nil {
		events = []tracker.UsageEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"usage": events})
}

// HandleRetryJob resets a failed job and enqueues it
func (s *Server) HandleRetryJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.scheduler.Retry(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

// HandleScheduler returns admission state and host memory
func (s *Server) HandleScheduler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.scheduler.GetSystemMetrics())
}

// HandlePricing lists the pricing profiles
func (s *Server) HandlePricing(w http.ResponseWriter, r *http.Request) {
	profiles, err := s.budget.Store().ListProfiles(r.Context())
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if profiles == nil {
		profiles = []budget.Profile{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"profiles": profiles})
}

// HandleHealth reports liveness and build information
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"version": version.Get(),
		"clients": s.clientCount(),
	})
}
