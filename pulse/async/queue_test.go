package async

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/quill/errors"
	qtest "github.com/teranos/quill/internal/testing"
)

func TestQueueSubmitIsIdempotentPerKey(t *testing.T) {
	ctx := context.Background()
	q := NewQueue(qtest.CreateTestDB(t))

	params := []Params{
		{Site: "coffee", Topic: "Cold brew", TargetWordCount: 900, Language: "en"},
		{Site: "coffee", Topic: "Pour over", TargetWordCount: 900, Language: "en"},
	}

	first, err := NewBatch("first upload", "a.csv", nil)
	require.NoError(t, err)
	sub, err := q.Submit(ctx, first, params, []string{"row-1", "row-2"})
	require.NoError(t, err)
	assert.Equal(t, 2, sub.Created)

	// Re-submitting the same rows returns the existing jobs
	second, err := NewBatch("second upload", "a.csv", nil)
	require.NoError(t, err)
	again, err := q.Submit(ctx, second, params, []string{"row-1", "row-3"})
	require.NoError(t, err)
	assert.Equal(t, 1, again.Created)
	assert.Equal(t, sub.Jobs[0].ID, again.Jobs[0].ID)
	assert.Equal(t, first.ID, again.Jobs[0].BatchID, "the existing job keeps its batch")
	assert.Equal(t, second.ID, again.Jobs[1].BatchID)
}

func TestQueueSubmitSkipsBatchWhenNothingIsNew(t *testing.T) {
	ctx := context.Background()
	q := NewQueue(qtest.CreateTestDB(t))
	params := []Params{validParams()}

	first, err := NewBatch("first upload", "a.csv", nil)
	require.NoError(t, err)
	sub, err := q.Submit(ctx, first, params, []string{"row-1"})
	require.NoError(t, err)
	require.Equal(t, 1, sub.Created)

	// When: the same rows are uploaded again
	second, err := NewBatch("second upload", "a.csv", nil)
	require.NoError(t, err)
	again, err := q.Submit(ctx, second, params, []string{"row-1"})
	require.NoError(t, err)

	// Then: the existing job is returned and no empty batch is left behind
	assert.Equal(t, 0, again.Created)
	assert.Nil(t, again.Batch)
	require.Len(t, again.Jobs, 1)
	assert.Equal(t, sub.Jobs[0].ID, again.Jobs[0].ID)

	_, err = q.Store().GetBatch(ctx, second.ID)
	assert.True(t, errors.IsNotFoundError(err))

	batches, err := q.Store().ListBatches(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, batches, 1)
}

func TestQueueSubmitRollsBackOnJobFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	q := NewQueue(db)
	ch := q.Subscribe()

	b, err := NewBatch("partial", "", nil)
	require.NoError(t, err)
	params := []Params{
		{Site: "coffee", Topic: "Cold brew", TargetWordCount: 900, Language: "en"},
		{Site: "coffee", Topic: "Pour over", TargetWordCount: 900, Language: "en"},
	}

	// Given: the second job insert fails
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO batches").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO jobs").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO jobs").WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	// When: the batch is submitted
	_, err = q.Submit(context.Background(), b, params, nil)

	// Then: the whole submission is rolled back and nobody is notified
	require.Error(t, err)
	assert.Contains(t, err.Error(), "job 2")
	assert.Contains(t, err.Error(), "failed to create job")
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.Empty(t, ch)
}

func TestQueueSubmitValidation(t *testing.T) {
	ctx := context.Background()
	q := NewQueue(qtest.CreateTestDB(t))
	b, err := NewBatch("bad", "", nil)
	require.NoError(t, err)

	_, err = q.Submit(ctx, b, []Params{validParams()}, []string{"a", "b"})
	assert.True(t, errors.IsInvalidRequestError(err))

	_, err = q.Submit(ctx, b, []Params{validParams(), {Site: "coffee"}}, nil)
	require.Error(t, err)
	assert.True(t, errors.IsInvalidRequestError(err))
	assert.Contains(t, err.Error(), "job 2")

	_, err = q.Store().GetBatch(ctx, b.ID)
	assert.True(t, errors.IsNotFoundError(err), "invalid submissions create nothing")
}

func TestQueueResetForRetryConflicts(t *testing.T) {
	ctx := context.Background()
	q := NewQueue(qtest.CreateTestDB(t))
	sub := submit(t, q, "conflicts", nil, 1)
	id := sub.Jobs[0].ID

	_, err := q.MarkProcessing(ctx, id)
	require.NoError(t, err)

	_, _, err = q.ResetForRetry(ctx, id)
	require.Error(t, err)
	assert.True(t, errors.IsConflictError(err))
	assert.Contains(t, err.Error(), "only failed jobs can be retried")

	require.NoError(t, q.FailJob(ctx, id, "boom"))
	job, reset, err := q.ResetForRetry(ctx, id)
	require.NoError(t, err)
	assert.True(t, reset)
	assert.Equal(t, JobStatusQueued, job.Status)
}

func TestQueueUnsubscribe(t *testing.T) {
	q := NewQueue(qtest.CreateTestDB(t))
	ch := q.Subscribe()
	q.Unsubscribe(ch)

	submit(t, q, "silent", nil, 1)
	select {
	case job := <-ch:
		t.Fatalf("unexpected update for %s", job.ID)
	default:
	}
}

func TestQueueNotifyNeverBlocks(t *testing.T) {
	q := NewQueue(qtest.CreateTestDB(t))
	ch := q.Subscribe()
	defer q.Unsubscribe(ch)

	// More updates than the buffer holds; nobody reads
	submit(t, q, "flood", nil, SubscriberChannelBufferSize+5)
	assert.Len(t, ch, SubscriberChannelBufferSize)
}
