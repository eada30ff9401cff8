package async

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/teranos/quill/errors"
)

// Store handles persistence of batches and jobs. Every job status
// transition is a single conditional UPDATE so two callers can never
// both move the same job out of a given state.
type Store struct {
	db *sql.DB
}

// NewStore creates a new job store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// querier is the part of *sql.DB and *sql.Tx the insert paths need
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// CreateBatch inserts a new batch
func (s *Store) CreateBatch(ctx context.Context, b *Batch) error {
	return insertBatch(ctx, s.db, b)
}

func insertBatch(ctx context.Context, q querier, b *Batch) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO batches (id, name, source_ref, status, budget_limit, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.Name, b.SourceRef, b.Status, nullFloat(b.BudgetLimit), b.CreatedAt, b.UpdatedAt)
	if err != nil {
		err = errors.Wrap(err, "failed to create batch")
		return errors.WithDetail(err, fmt.Sprintf("Batch ID: %s", b.ID))
	}
	return nil
}

// GetBatch retrieves a batch by ID
func (s *Store) GetBatch(ctx context.Context, id string) (*Batch, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+batchSelectColumns+` FROM batches WHERE id = ?`, id)
	b, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("batch not found: %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get batch")
	}
	return b, nil
}

// ListBatches returns batches, newest first
func (s *Store) ListBatches(ctx context.Context, limit int) ([]*Batch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+batchSelectColumns+` FROM batches
		ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list batches")
	}
	defer rows.Close()

	var batches []*Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan batch")
		}
		batches = append(batches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating batches")
	}
	return batches, nil
}

// UpdateBatchBudget replaces a batch's spending limit; nil removes it
func (s *Store) UpdateBatchBudget(ctx context.Context, id string, limit *float64) error {
	if limit != nil && *limit < 0 {
		return errors.NewInvalidRequestError("budget limit must not be negative, got %.4f", *limit)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE batches SET budget_limit = ?, updated_at = ? WHERE id = ?`,
		nullFloat(limit), time.Now().UTC(), id)
	if err != nil {
		return errors.Wrapf(err, "failed to update budget of batch %s", id)
	}
	return requireRow(res, "batch", id)
}

// SetBatchStatus moves a batch to status and reports whether it changed
func (s *Store) SetBatchStatus(ctx context.Context, id string, status BatchStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE batches SET status = ?, updated_at = ? WHERE id = ? AND status != ?`,
		status, time.Now().UTC(), id, status)
	if err != nil {
		err = errors.Wrapf(err, "failed to set batch %s to %s", id, status)
		return false, errors.WithDetail(err, fmt.Sprintf("Batch ID: %s", id))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to get rows affected")
	}
	return n > 0, nil
}

// CountJobs counts a batch's jobs by status
func (s *Store) CountJobs(ctx context.Context, batchID string) (JobCounts, error) {
	var c JobCounts
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(status = 'queued'), 0),
			COALESCE(SUM(status = 'processing'), 0),
			COALESCE(SUM(status = 'failed'), 0),
			COALESCE(SUM(status = 'published'), 0)
		FROM jobs WHERE batch_id = ?`, batchID).Scan(&c.Queued, &c.Processing, &c.Failed, &c.Published)
	if err != nil {
		return c, errors.Wrapf(err, "failed to count jobs of batch %s", batchID)
	}
	return c, nil
}

// SettleBatch moves a batch with no queued or processing jobs to its
// terminal status: completed when any job published, failed otherwise.
// Batches with pending work keep their status.
func (s *Store) SettleBatch(ctx context.Context, batchID string) (BatchStatus, error) {
	counts, err := s.CountJobs(ctx, batchID)
	if err != nil {
		return "", err
	}
	if counts.Total() == 0 || counts.Queued+counts.Processing > 0 {
		b, err := s.GetBatch(ctx, batchID)
		if err != nil {
			return "", err
		}
		return b.Status, nil
	}

	status := BatchStatusFailed
	if counts.Published > 0 {
		status = BatchStatusCompleted
	}
	if _, err := s.SetBatchStatus(ctx, batchID, status); err != nil {
		return "", err
	}
	return status, nil
}

// CreateJob inserts a job unless its idempotency key already exists, in
// which case the existing job is returned and created is false.
func (s *Store) CreateJob(ctx context.Context, job *Job) (existing *Job, created bool, err error) {
	return insertJob(ctx, s.db, job)
}

func insertJob(ctx context.Context, q querier, job *Job) (*Job, bool, error) {
	res, err := q.ExecContext(ctx, `
		INSERT INTO jobs (
			id, batch_id, idempotency_key,
			site, topic, objective, target_word_count, language, category,
			status, current_stage, progress, attempts,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		job.ID, job.BatchID, job.IdempotencyKey,
		job.Params.Site, job.Params.Topic, job.Params.Objective, job.Params.TargetWordCount,
		job.Params.Language, job.Params.Category,
		job.Status, job.CurrentStage, job.Progress, job.Attempts,
		job.CreatedAt, job.UpdatedAt)
	if err != nil {
		err = errors.Wrap(err, "failed to create job")
		err = errors.WithDetail(err, fmt.Sprintf("Job ID: %s", job.ID))
		return nil, false, errors.WithDetail(err, fmt.Sprintf("Idempotency key: %s", job.IdempotencyKey))
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, errors.Wrap(err, "failed to get rows affected")
	}
	if n == 0 {
		prior, err := jobByKey(ctx, q, job.IdempotencyKey)
		if err != nil {
			return nil, false, err
		}
		return prior, false, nil
	}
	return job, true, nil
}

// GetJob retrieves a job by ID
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobSelectColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("job not found: %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get job")
	}
	return job, nil
}

// GetJobByKey retrieves a job by idempotency key
func (s *Store) GetJobByKey(ctx context.Context, key string) (*Job, error) {
	return jobByKey(ctx, s.db, key)
}

func jobByKey(ctx context.Context, q querier, key string) (*Job, error) {
	row := q.QueryRowContext(ctx, `SELECT `+jobSelectColumns+` FROM jobs WHERE idempotency_key = ?`, key)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("no job with idempotency key %s", key)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get job by idempotency key")
	}
	return job, nil
}

// ListJobs returns a batch's jobs in creation order, optionally filtered by status
func (s *Store) ListJobs(ctx context.Context, batchID string, status *JobStatus) ([]*Job, error) {
	query := `SELECT ` + jobSelectColumns + ` FROM jobs WHERE batch_id = ?`
	args := []interface{}{batchID}
	if status != nil {
		query += ` AND status = ?`
		args = append(args, *status)
	}
	query += ` ORDER BY created_at ASC, rowid ASC`

	return s.queryJobs(ctx, "jobs", query, args...)
}

// ListQueued returns every queued job across batches in creation order
func (s *Store) ListQueued(ctx context.Context) ([]*Job, error) {
	return s.queryJobs(ctx, "queued jobs", `
		SELECT `+jobSelectColumns+` FROM jobs
		WHERE status = 'queued'
		ORDER BY created_at ASC, rowid ASC`)
}

func (s *Store) queryJobs(ctx context.Context, what string, query string, args ...interface{}) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list %s", what)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "error iterating %s", what)
	}
	return jobs, nil
}

// MarkProcessing moves a queued job to processing. It is the only way a job
// starts executing, so at most one execution exists per job.
func (s *Store) MarkProcessing(ctx context.Context, id string) (*Job, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'processing', attempts = attempts + 1,
		    current_stage = '', progress = 0,
		    started_at = ?, completed_at = NULL, updated_at = ?
		WHERE id = ? AND status = 'queued'`, now, now, id)
	if err != nil {
		err = errors.Wrap(err, "failed to mark job as processing")
		return nil, errors.WithDetail(err, fmt.Sprintf("Job ID: %s", id))
	}
	if err := s.requireTransition(ctx, res, id, JobStatusQueued); err != nil {
		return nil, err
	}
	return s.GetJob(ctx, id)
}

// UpdateProgress records the current stage and progress of a processing job.
// Progress never decreases.
func (s *Store) UpdateProgress(ctx context.Context, id, stage string, progress int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET current_stage = ?, progress = MAX(progress, ?), updated_at = ?
		WHERE id = ? AND status = 'processing'`,
		stage, progress, time.Now().UTC(), id)
	if err != nil {
		err = errors.Wrap(err, "failed to update job progress")
		err = errors.WithDetail(err, fmt.Sprintf("Job ID: %s", id))
		return errors.WithDetail(err, fmt.Sprintf("Stage: %s", stage))
	}
	return nil
}

// Fail moves a processing job to failed with message recorded verbatim
func (s *Store) Fail(ctx context.Context, id, message string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'failed', error = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status = 'processing'`, message, now, now, id)
	if err != nil {
		err = errors.Wrap(err, "failed to mark job as failed")
		err = errors.WithDetail(err, fmt.Sprintf("Job ID: %s", id))
		return errors.WithDetail(err, fmt.Sprintf("Job error: %s", message))
	}
	return s.requireTransition(ctx, res, id, JobStatusProcessing)
}

// Publish moves a processing job to published and records where it went
func (s *Store) Publish(ctx context.Context, id, location string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'published', published_location = ?, progress = 100, error = NULL,
		    completed_at = ?, updated_at = ?
		WHERE id = ? AND status = 'processing'`, location, now, now, id)
	if err != nil {
		err = errors.Wrap(err, "failed to mark job as published")
		return errors.WithDetail(err, fmt.Sprintf("Job ID: %s", id))
	}
	return s.requireTransition(ctx, res, id, JobStatusProcessing)
}

// ResetForRetry moves a failed job back to queued with cleared error,
// progress and stage. It reports false when the job was not failed.
func (s *Store) ResetForRetry(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'queued', error = NULL, progress = 0, current_stage = '',
		    published_location = NULL, started_at = NULL, completed_at = NULL, updated_at = ?
		WHERE id = ? AND status = 'failed'`, time.Now().UTC(), id)
	if err != nil {
		err = errors.Wrap(err, "failed to reset job for retry")
		return false, errors.WithDetail(err, fmt.Sprintf("Job ID: %s", id))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to get rows affected")
	}
	return n > 0, nil
}

// JobRef identifies a job and its batch
type JobRef struct {
	ID      string
	BatchID string
}

// SweepInterrupted fails every processing job with message and returns the
// swept jobs. Run before admission starts: nothing can own them any more.
func (s *Store) SweepInterrupted(ctx context.Context, message string) ([]JobRef, error) {
	now := time.Now().UTC()
	rows, err := s.db.QueryContext(ctx, `
		UPDATE jobs
		SET status = 'failed', error = ?, completed_at = ?, updated_at = ?
		WHERE status = 'processing'
		RETURNING id, batch_id`, message, now, now)
	if err != nil {
		return nil, errors.Wrap(err, "failed to sweep interrupted jobs")
	}
	defer rows.Close()

	var swept []JobRef
	for rows.Next() {
		var ref JobRef
		if err := rows.Scan(&ref.ID, &ref.BatchID); err != nil {
			return nil, errors.Wrap(err, "failed to scan swept job")
		}
		swept = append(swept, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating swept jobs")
	}
	return swept, nil
}

// requireTransition turns a zero-row conditional update into a not-found
// or conflict error naming the job's actual status.
func (s *Store) requireTransition(ctx context.Context, res sql.Result, id string, from JobStatus) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if n > 0 {
		return nil
	}
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}
	err = errors.NewConflictError("job %s is %s, not %s", id, job.Status, from)
	return errors.WithDetail(err, fmt.Sprintf("Job ID: %s", id))
}

func requireRow(res sql.Result, what, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if n == 0 {
		return errors.NewNotFoundError("%s not found: %s", what, id)
	}
	return nil
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}
