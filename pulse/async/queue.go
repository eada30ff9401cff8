package async

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/teranos/quill/errors"
)

const (
	// SubscriberChannelBufferSize is the buffer size for subscriber channels
	SubscriberChannelBufferSize = 100
)

// Queue is the store plus change notification: every job write made
// through it is broadcast to subscribers.
type Queue struct {
	store       *Store
	mu          sync.RWMutex
	subscribers []chan *Job
}

// NewQueue creates a new job queue
func NewQueue(db *sql.DB) *Queue {
	return &Queue{
		store:       NewStore(db),
		subscribers: make([]chan *Job, 0),
	}
}

// Store returns the underlying store for reads
func (q *Queue) Store() *Store {
	return q.store
}

// Submission is the outcome of Submit
type Submission struct {
	Batch   *Batch `json:"batch"` // Nil when every job already existed
	Jobs    []*Job `json:"jobs"`
	Created int    `json:"created"` // Jobs inserted; the rest already existed
}

// Submit creates a batch and its jobs in one transaction. Jobs whose
// idempotency key already exists are not inserted again; the existing job
// is returned in their place. When no job is new the batch is not created
// and Submission.Batch is nil.
func (q *Queue) Submit(ctx context.Context, batch *Batch, params []Params, keys []string) (*Submission, error) {
	if len(keys) != 0 && len(keys) != len(params) {
		return nil, errors.NewInvalidRequestError("got %d idempotency keys for %d jobs", len(keys), len(params))
	}

	jobs := make([]*Job, 0, len(params))
	for i, p := range params {
		key := ""
		if len(keys) > 0 {
			key = keys[i]
		}
		job, err := NewJob(batch.ID, key, p)
		if err != nil {
			return nil, errors.Wrapf(err, "job %d", i+1)
		}
		jobs = append(jobs, job)
	}

	tx, err := q.store.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback() // Rollback if not committed

	if err := insertBatch(ctx, tx, batch); err != nil {
		return nil, err
	}

	sub := &Submission{Batch: batch}
	var created []*Job
	for i, job := range jobs {
		stored, isNew, err := insertJob(ctx, tx, job)
		if err != nil {
			return nil, errors.Wrapf(err, "job %d", i+1)
		}
		if isNew {
			created = append(created, stored)
		}
		sub.Jobs = append(sub.Jobs, stored)
	}
	sub.Created = len(created)

	if sub.Created == 0 {
		// Nothing new: drop the empty batch so it cannot sit in created forever
		if err := tx.Rollback(); err != nil {
			return nil, errors.Wrap(err, "failed to roll back empty batch")
		}
		sub.Batch = nil
		return sub, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit transaction")
	}
	for _, job := range created {
		q.notify(job)
	}
	return sub, nil
}

// CreateJob inserts one job idempotently
func (q *Queue) CreateJob(ctx context.Context, job *Job) (*Job, bool, error) {
	stored, created, err := q.store.CreateJob(ctx, job)
	if err != nil {
		return nil, false, err
	}
	if created {
		q.notify(stored)
	}
	return stored, created, nil
}

// GetJob retrieves a job by ID
func (q *Queue) GetJob(ctx context.Context, id string) (*Job, error) {
	return q.store.GetJob(ctx, id)
}

// MarkProcessing atomically claims a queued job
func (q *Queue) MarkProcessing(ctx context.Context, id string) (*Job, error) {
	job, err := q.store.MarkProcessing(ctx, id)
	if err != nil {
		return nil, err
	}
	q.notify(job)
	return job, nil
}

// UpdateProgress records stage progress of a processing job
func (q *Queue) UpdateProgress(ctx context.Context, id, stage string, percent int) error {
	if err := q.store.UpdateProgress(ctx, id, stage, percent); err != nil {
		return err
	}
	return q.reload(ctx, id)
}

// FailJob marks a processing job as failed with the message verbatim
func (q *Queue) FailJob(ctx context.Context, id, message string) error {
	if err := q.store.Fail(ctx, id, message); err != nil {
		return err
	}
	return q.reload(ctx, id)
}

// PublishJob marks a processing job as published
func (q *Queue) PublishJob(ctx context.Context, id, location string) error {
	if err := q.store.Publish(ctx, id, location); err != nil {
		return err
	}
	return q.reload(ctx, id)
}

// ResetForRetry re-queues a failed job. Queued jobs are left alone and
// reported as not reset; processing or published jobs are a conflict.
func (q *Queue) ResetForRetry(ctx context.Context, id string) (*Job, bool, error) {
	reset, err := q.store.ResetForRetry(ctx, id)
	if err != nil {
		return nil, false, err
	}
	job, err := q.store.GetJob(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if reset {
		q.notify(job)
		return job, true, nil
	}
	if job.Status == JobStatusQueued {
		return job, false, nil
	}
	err = errors.NewConflictError("job %s is %s; only failed jobs can be retried", id, job.Status)
	return nil, false, errors.WithDetail(err, fmt.Sprintf("Job ID: %s", id))
}

func (q *Queue) reload(ctx context.Context, id string) error {
	job, err := q.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	q.notify(job)
	return nil
}

// Subscribe returns a channel that receives job updates.
// The caller is responsible for calling Unsubscribe when done.
// The returned channel is buffered to prevent blocking the notifier.
func (q *Queue) Subscribe() chan *Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	ch := make(chan *Job, SubscriberChannelBufferSize)
	q.subscribers = append(q.subscribers, ch)
	return ch
}

// Unsubscribe removes a subscriber channel from the queue.
// The channel is NOT closed by this method - callers should close it themselves
// after unsubscribing if needed. This prevents double-close panics.
func (q *Queue) Unsubscribe(ch chan *Job) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, sub := range q.subscribers {
		if sub == ch {
			q.subscribers = append(q.subscribers[:i], q.subscribers[i+1:]...)
			return
		}
	}
}

// notify sends a job snapshot to all subscribers without blocking
func (q *Queue) notify(job *Job) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	for _, ch := range q.subscribers {
		select {
		case ch <- job:
		default:
			// Channel full, skip
		}
	}
}
