package async

import (
	"database/sql"
)

// jobScanArgs holds the nullable columns of a job row
type jobScanArgs struct {
	ErrorMsg          sql.NullString
	PublishedLocation sql.NullString
	StartedAt         sql.NullTime
	CompletedAt       sql.NullTime
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// jobSelectColumns is the column list every job SELECT uses, in scan order
const jobSelectColumns = `id, batch_id, idempotency_key,
		site, topic, objective, target_word_count, language, category,
		status, current_stage, progress, error, published_location, attempts,
		created_at, updated_at, started_at, completed_at`

func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var args jobScanArgs

	err := row.Scan(
		&job.ID,
		&job.BatchID,
		&job.IdempotencyKey,
		&job.Params.Site,
		&job.Params.Topic,
		&job.Params.Objective,
		&job.Params.TargetWordCount,
		&job.Params.Language,
		&job.Params.Category,
		&job.Status,
		&job.CurrentStage,
		&job.Progress,
		&args.ErrorMsg,
		&args.PublishedLocation,
		&job.Attempts,
		&job.CreatedAt,
		&job.UpdatedAt,
		&args.StartedAt,
		&args.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	if args.ErrorMsg.Valid {
		job.Error = args.ErrorMsg.String
	}
	if args.PublishedLocation.Valid {
		job.PublishedLocation = args.PublishedLocation.String
	}
	if args.StartedAt.Valid {
		job.StartedAt = &args.StartedAt.Time
	}
	if args.CompletedAt.Valid {
		job.CompletedAt = &args.CompletedAt.Time
	}
	return &job, nil
}

const batchSelectColumns = `id, name, source_ref, status, budget_limit, created_at, updated_at`

func scanBatch(row rowScanner) (*Batch, error) {
	var b Batch
	var limit sql.NullFloat64

	if err := row.Scan(&b.ID, &b.Name, &b.SourceRef, &b.Status, &limit, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return nil, err
	}
	if limit.Valid {
		v := limit.Float64
		b.BudgetLimit = &v
	}
	return &b, nil
}
