package async

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/quill/am"
	"github.com/teranos/quill/errors"
	"github.com/teranos/quill/logger"
)

const (
	// DefaultWorkers is the number of jobs that may execute at once
	DefaultWorkers = 3
	// DefaultPollInterval is how often budget-halted batches are re-checked
	// when no enqueue or completion triggers a tick
	DefaultPollInterval = 5 * time.Second
	// DefaultStopTimeout bounds how long Stop waits for running pipelines
	DefaultStopTimeout = 30 * time.Second
)

// BudgetLedger answers whether a batch may admit another job
type BudgetLedger interface {
	IsWithinBudget(ctx context.Context, batchID string) (bool, error)
}

// SchedulerConfig contains configuration for the scheduler
type SchedulerConfig struct {
	Workers      int           `json:"workers"`
	PollInterval time.Duration `json:"poll_interval"`
	StopTimeout  time.Duration `json:"stop_timeout"`
}

// DefaultSchedulerConfig returns the production defaults
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Workers:      DefaultWorkers,
		PollInterval: DefaultPollInterval,
		StopTimeout:  DefaultStopTimeout,
	}
}

// SchedulerConfigFromAM applies the pulse section over the defaults
func SchedulerConfigFromAM(cfg am.PulseConfig) SchedulerConfig {
	sc := DefaultSchedulerConfig()
	if cfg.Workers > 0 {
		sc.Workers = cfg.Workers
	}
	return sc
}

type backlogEntry struct {
	jobID string
	seq   uint64
}

// Scheduler is the admission controller. It keeps a FIFO backlog per batch
// and admits the globally oldest head whose batch is within budget, so an
// over-budget batch never blocks the others. All admission state lives
// behind one mutex.
type Scheduler struct {
	queue    *Queue
	ledger   BudgetLedger
	executor JobExecutor
	cfg      SchedulerConfig
	logger   *zap.SugaredLogger

	wg sync.WaitGroup

	mu        sync.Mutex
	started   bool
	ctx       context.Context // Run context, set by Start
	cancel    context.CancelFunc
	backlog   map[string][]backlogEntry // batch id -> FIFO
	inBacklog map[string]string         // job id -> batch id
	running   map[string]string         // job id -> batch id
	halted    map[string]bool           // batches found over budget at their last check
	seq       uint64
	active    int
	peak      int
}

// NewScheduler creates a scheduler. ledger may be nil, in which case every
// batch is within budget.
func NewScheduler(queue *Queue, ledger BudgetLedger, executor JobExecutor, cfg SchedulerConfig, log *zap.SugaredLogger) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	if log == nil {
		log = logger.ComponentLogger("scheduler")
	}

	return &Scheduler{
		queue:     queue,
		ledger:    ledger,
		executor:  executor,
		cfg:       cfg,
		logger:    log,
		backlog:   make(map[string][]backlogEntry),
		inBacklog: make(map[string]string),
		running:   make(map[string]string),
		halted:    make(map[string]bool),
	}
}

// Queue returns the job queue
func (s *Scheduler) Queue() *Queue {
	return s.queue
}

// Workers returns the concurrency limit
func (s *Scheduler) Workers() int {
	return s.cfg.Workers
}

// Start sweeps jobs left processing by a previous run to failed, reloads
// queued jobs into the backlog and only then begins admitting.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}

	swept, err := s.queue.Store().SweepInterrupted(ctx, interruptedMessage("no execution owner after restart"))
	if err != nil {
		s.mu.Unlock()
		return errors.Wrap(err, "failed to sweep interrupted jobs")
	}

	queued, err := s.queue.Store().ListQueued(ctx)
	if err != nil {
		s.mu.Unlock()
		return errors.Wrap(err, "failed to reload queued jobs")
	}
	for _, job := range queued {
		s.push(job)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.ctx, s.cancel = runCtx, cancel
	s.started = true
	s.mu.Unlock()

	if len(swept) > 0 {
		s.logger.Warnw("Swept interrupted jobs", logger.FieldCount, len(swept))
		settled := make(map[string]bool)
		for _, ref := range swept {
			_ = s.queue.reload(ctx, ref.ID)
			if !settled[ref.BatchID] {
				settled[ref.BatchID] = true
				s.settle(ctx, ref.BatchID)
			}
		}
	}

	if warning := s.checkMemoryPressure(); warning != "" {
		s.logger.Warnw("Memory pressure warning", "warning", warning, "workers", s.cfg.Workers)
	}
	s.logger.Infow("Scheduler started",
		"workers", s.cfg.Workers,
		logger.FieldBacklog, len(queued))

	s.wg.Add(1)
	go s.poll(runCtx)

	s.Tick()
	return nil
}

// Stop cancels running pipelines and waits for them to record their outcome
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Infow("Scheduler stopped")
	case <-time.After(s.cfg.StopTimeout):
		s.logger.Warnw("Scheduler stop timed out; pipelines still finishing", "timeout", s.cfg.StopTimeout)
	}
}

// Enqueue appends a queued job to its batch's backlog and ticks.
// Enqueueing a job already in the backlog or running is a no-op.
func (s *Scheduler) Enqueue(job *Job) bool {
	s.mu.Lock()
	added := s.push(job)
	s.mu.Unlock()

	if added {
		s.Tick()
	}
	return added
}

// EnqueueBatch enqueues every queued job of a batch and returns how many
// were newly added to the backlog.
func (s *Scheduler) EnqueueBatch(ctx context.Context, batchID string) (int, error) {
	if _, err := s.queue.Store().GetBatch(ctx, batchID); err != nil {
		return 0, err
	}
	queued := JobStatusQueued
	jobs, err := s.queue.Store().ListJobs(ctx, batchID, &queued)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	added := 0
	for _, job := range jobs {
		if s.push(job) {
			added++
		}
	}
	s.mu.Unlock()

	s.logger.Infow("Batch enqueued", logger.FieldBatchID, batchID, logger.FieldCount, added)
	s.Tick()
	return added, nil
}

// Retry re-queues a failed job with cleared error and progress and enqueues
// it. Retrying a queued job is a no-op; processing or published jobs are a
// conflict.
func (s *Scheduler) Retry(ctx context.Context, jobID string) (*Job, error) {
	job, reset, err := s.queue.ResetForRetry(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if reset {
		s.logger.Infow("Job reset for retry", logger.FieldJobID, jobID, logger.FieldBatchID, job.BatchID)
	}
	s.Enqueue(job)
	return job, nil
}

// push adds a job to its batch partition. REQUIRES: s.mu held.
func (s *Scheduler) push(job *Job) bool {
	if job == nil || job.Status != JobStatusQueued {
		return false
	}
	if _, ok := s.inBacklog[job.ID]; ok {
		return false
	}
	if _, ok := s.running[job.ID]; ok {
		return false
	}
	s.seq++
	s.backlog[job.BatchID] = append(s.backlog[job.BatchID], backlogEntry{jobID: job.ID, seq: s.seq})
	s.inBacklog[job.ID] = job.BatchID
	return true
}

// oldestHead returns the batch whose head entry was enqueued first,
// ignoring skipped batches. REQUIRES: s.mu held.
func (s *Scheduler) oldestHead(skipped map[string]bool) string {
	best := ""
	var bestSeq uint64
	for batchID, entries := range s.backlog {
		if len(entries) == 0 || skipped[batchID] {
			continue
		}
		if best == "" || entries[0].seq < bestSeq {
			best, bestSeq = batchID, entries[0].seq
		}
	}
	return best
}

// pop removes and returns a batch's head entry. REQUIRES: s.mu held.
func (s *Scheduler) pop(batchID string) backlogEntry {
	entries := s.backlog[batchID]
	head := entries[0]
	if len(entries) == 1 {
		delete(s.backlog, batchID)
	} else {
		s.backlog[batchID] = entries[1:]
	}
	delete(s.inBacklog, head.jobID)
	return head
}

// Tick admits jobs while slots are free. It runs after every enqueue and
// completion, and periodically so raised budget limits take effect.
func (s *Scheduler) Tick() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}

	skipped := make(map[string]bool)
	for s.active < s.cfg.Workers {
		batchID := s.oldestHead(skipped)
		if batchID == "" {
			return
		}

		within, err := s.withinBudget(batchID)
		if err != nil {
			s.logger.Warnw("Budget check failed; skipping batch this tick",
				logger.FieldBatchID, batchID,
				logger.FieldError, err.Error())
			skipped[batchID] = true
			continue
		}
		if !within {
			s.haltBatch(batchID)
			skipped[batchID] = true
			continue
		}
		delete(s.halted, batchID)

		head := s.pop(batchID)
		job, err := s.queue.MarkProcessing(s.ctx, head.jobID)
		if err != nil {
			// Changed state behind the backlog's back, e.g. already claimed
			s.logger.Warnw("Dropping backlog entry that could not be claimed",
				logger.FieldJobID, head.jobID,
				logger.FieldError, err.Error())
			continue
		}
		if _, err := s.queue.Store().SetBatchStatus(s.ctx, batchID, BatchStatusProcessing); err != nil {
			s.logger.Warnw("Failed to mark batch processing", logger.FieldBatchID, batchID, logger.FieldError, err.Error())
		}

		s.active++
		if s.active > s.peak {
			s.peak = s.active
		}
		s.running[job.ID] = batchID

		s.logger.Infow("Job admitted",
			logger.FieldJobID, job.ID,
			logger.FieldBatchID, batchID,
			logger.FieldActive, s.active,
			logger.FieldAttempt, job.Attempts)

		s.wg.Add(1)
		go s.execute(s.ctx, job)
	}
}

// withinBudget consults the ledger. REQUIRES: s.mu held.
func (s *Scheduler) withinBudget(batchID string) (bool, error) {
	if s.ledger == nil {
		return true, nil
	}
	return s.ledger.IsWithinBudget(s.ctx, batchID)
}

// haltBatch marks a batch budget_exceeded. Its jobs stay in the backlog and
// are re-checked on later ticks. REQUIRES: s.mu held.
func (s *Scheduler) haltBatch(batchID string) {
	changed, err := s.queue.Store().SetBatchStatus(s.ctx, batchID, BatchStatusBudgetExceeded)
	if err != nil {
		s.logger.Warnw("Failed to mark batch budget_exceeded", logger.FieldBatchID, batchID, logger.FieldError, err.Error())
	}
	if changed || !s.halted[batchID] {
		s.logger.Infow("Batch over budget; admission halted",
			logger.FieldBatchID, batchID,
			logger.FieldBacklog, len(s.backlog[batchID]))
	}
	s.halted[batchID] = true
}

// execute runs one admitted job on its own goroutine and records the outcome
func (s *Scheduler) execute(runCtx context.Context, job *Job) {
	defer s.wg.Done()

	ctx := logger.WithBatchID(logger.WithJobID(runCtx, job.ID), job.BatchID)
	log := logger.FromContext(ctx, s.logger)
	emitter := NewJobProgressEmitter(job.ID, s.queue, s.logger)

	start := time.Now()
	location, err := s.run(ctx, job, emitter)

	// Outcome writes must land even when Stop cancelled the run
	recordCtx := context.WithoutCancel(ctx)
	if err != nil {
		message := err.Error()
		if runCtx.Err() != nil && !IsInterrupted(message) {
			message = interruptedMessage("scheduler stopped: " + message)
		}
		class := ClassifyError(job.CurrentStage, err)
		log.Warnw("Job failed",
			"error_code", class.Code,
			logger.FieldDurationMS, time.Since(start).Milliseconds(),
			logger.FieldError, message)
		if failErr := s.queue.FailJob(recordCtx, job.ID, message); failErr != nil {
			log.Errorw("Failed to record job failure", logger.FieldError, failErr.Error())
		}
	} else {
		log.Infow("Job published",
			"location", location,
			logger.FieldDurationMS, time.Since(start).Milliseconds())
		if pubErr := s.queue.PublishJob(recordCtx, job.ID, location); pubErr != nil {
			log.Errorw("Failed to record job publication", logger.FieldError, pubErr.Error())
		}
	}

	s.mu.Lock()
	s.active--
	delete(s.running, job.ID)
	s.mu.Unlock()

	s.settle(recordCtx, job.BatchID)
	s.Tick()
}

// run calls the executor, turning a panic into a job error
func (s *Scheduler) run(ctx context.Context, job *Job, emitter ProgressEmitter) (location string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("pipeline panic: %v", r)
		}
	}()
	return s.executor.Execute(ctx, job, emitter)
}

// settle moves a batch to its terminal status once nothing is pending
func (s *Scheduler) settle(ctx context.Context, batchID string) {
	status, err := s.queue.Store().SettleBatch(ctx, batchID)
	if err != nil {
		s.logger.Warnw("Failed to settle batch status", logger.FieldBatchID, batchID, logger.FieldError, err.Error())
		return
	}
	if status == BatchStatusCompleted || status == BatchStatusFailed {
		s.logger.Infow("Batch finished", logger.FieldBatchID, batchID, logger.FieldStatus, string(status))
	}
}

// poll ticks on an interval until the scheduler stops
func (s *Scheduler) poll(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick()
		}
	}
}

// Stats is a point-in-time view of admission state
type Stats struct {
	Active         int            `json:"active"`
	Limit          int            `json:"limit"`
	Peak           int            `json:"peak"`
	Backlog        int            `json:"backlog"`
	BacklogByBatch map[string]int `json:"backlog_by_batch"`
	Halted         []string       `json:"budget_halted"`
	Running        []string       `json:"running"`
}

// Stats returns a snapshot of the admission state
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		Active:         s.active,
		Limit:          s.cfg.Workers,
		Peak:           s.peak,
		BacklogByBatch: make(map[string]int, len(s.backlog)),
	}
	for batchID, entries := range s.backlog {
		st.BacklogByBatch[batchID] = len(entries)
		st.Backlog += len(entries)
	}
	for batchID := range s.halted {
		st.Halted = append(st.Halted, batchID)
	}
	for jobID := range s.running {
		st.Running = append(st.Running, jobID)
	}
	sort.Strings(st.Halted)
	sort.Strings(st.Running)
	return st
}

// String renders the stats for CLI output
func (st Stats) String() string {
	return fmt.Sprintf("active %d/%d, backlog %d, halted batches %d", st.Active, st.Limit, st.Backlog, len(st.Halted))
}
