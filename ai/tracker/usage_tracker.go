// Package tracker is the append-only usage ledger. Every generation or
// repair attempt, successful or not, becomes one UsageEvent; the budget
// ledger prices these rows to compute batch spend.
package tracker

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/quill/errors"
)

// Kind distinguishes first attempts from schema repair calls
type Kind string

const (
	KindPrimary Kind = "primary"
	KindRepair  Kind = "repair"
)

// UsageEvent records one backend call
type UsageEvent struct {
	ID           string    `json:"id"`
	JobID        string    `json:"job_id"`
	Stage        string    `json:"stage"`
	BackendID    string    `json:"backend_id"`
	Provider     string    `json:"provider"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	LatencyMS    int64     `json:"latency_ms"`
	Success      bool      `json:"success"`
	Kind         Kind      `json:"kind"`
	Error        string    `json:"error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// UsageStats represents aggregated usage statistics
type UsageStats struct {
	TotalRequests      int     `json:"total_requests"`
	SuccessfulRequests int     `json:"successful_requests"`
	RepairRequests     int     `json:"repair_requests"`
	SuccessRate        float64 `json:"success_rate"`
	InputTokens        int     `json:"input_tokens"`
	OutputTokens       int     `json:"output_tokens"`
	UniqueBackends     int     `json:"unique_backends"`
}

// UsageTracker reads and appends usage events
type UsageTracker struct {
	db *sql.DB
}

// NewUsageTracker creates a usage tracker backed by db
func NewUsageTracker(db *sql.DB) *UsageTracker {
	return &UsageTracker{db: db}
}

// Record appends an event. ID and CreatedAt are filled in when empty.
func (t *UsageTracker) Record(ctx context.Context, event *UsageEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	if event.Kind == "" {
		event.Kind = KindPrimary
	}

	var errText sql.NullString
	if event.Error != "" {
		errText = sql.NullString{String: event.Error, Valid: true}
	}

	_, err := t.db.ExecContext(ctx, `
		INSERT INTO usage_events (
			id, job_id, stage, backend_id, provider, input_tokens, output_tokens,
			latency_ms, success, kind, error, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.JobID, event.Stage, event.BackendID, event.Provider,
		event.InputTokens, event.OutputTokens, event.LatencyMS, event.Success,
		string(event.Kind), errText, event.CreatedAt,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to record usage event for job %s", event.JobID)
	}
	return nil
}

// ListForJob returns a job's events in insertion order
func (t *UsageTracker) ListForJob(ctx context.Context, jobID string) ([]UsageEvent, error) {
	rows, err := t.db.QueryContext(ctx, `
		SELECT id, job_id, stage, backend_id, provider, input_tokens, output_tokens,
		       latency_ms, success, kind, error, created_at
		FROM usage_events
		WHERE job_id = ?
		ORDER BY seq`, jobID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to query usage events for job %s", jobID)
	}
	defer rows.Close()

	var events []UsageEvent
	for rows.Next() {
		var e UsageEvent
		var kind string
		var errText sql.NullString
		if err := rows.Scan(&e.ID, &e.JobID, &e.Stage, &e.BackendID, &e.Provider,
			&e.InputTokens, &e.OutputTokens, &e.LatencyMS, &e.Success, &kind, &errText, &e.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan usage event")
		}
		e.Kind = Kind(kind)
		e.Error = errText.String
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetUsageStats returns usage statistics since the given time
func (t *UsageTracker) GetUsageStats(ctx context.Context, since time.Time) (*UsageStats, error) {
	var stats UsageStats
	err := t.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(CASE WHEN success = 1 THEN 1 END),
			COUNT(CASE WHEN kind = 'repair' THEN 1 END),
			COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0),
			COUNT(DISTINCT backend_id)
		FROM usage_events
		WHERE created_at >= ?`, since).Scan(
		&stats.TotalRequests, &stats.SuccessfulRequests, &stats.RepairRequests,
		&stats.InputTokens, &stats.OutputTokens, &stats.UniqueBackends,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query usage stats")
	}

	if stats.TotalRequests > 0 {
		stats.SuccessRate = float64(stats.SuccessfulRequests) / float64(stats.TotalRequests)
	}
	return &stats, nil
}
