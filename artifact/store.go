// Package artifact persists stage outputs. Artifacts are immutable: a
// stage re-run appends the next revision and never rewrites an earlier one.
package artifact

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/quill/errors"
)

// Artifact is the persisted, validated output of one stage execution
type Artifact struct {
	ID        string          `json:"id"`
	JobID     string          `json:"job_id"`
	Stage     string          `json:"stage"`
	Revision  int             `json:"revision"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// Store reads and appends artifacts
type Store struct {
	db *sql.DB
}

// NewStore creates an artifact store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Append persists payload as the next revision of (jobID, stage). The
// revision is computed in the same statement as the insert.
func (s *Store) Append(ctx context.Context, jobID, stage string, payload json.RawMessage) (*Artifact, error) {
	if !json.Valid(payload) {
		return nil, errors.NewInvalidRequestError("artifact payload for %s/%s is not valid JSON", jobID, stage)
	}

	a := &Artifact{
		ID:        uuid.NewString(),
		JobID:     jobID,
		Stage:     stage,
		Payload:   payload,
		CreatedAt: time.Now(),
	}

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO artifacts (id, job_id, stage, revision, payload, created_at)
		SELECT ?, ?, ?, COALESCE(MAX(revision), 0) + 1, ?, ?
		FROM artifacts WHERE job_id = ? AND stage = ?
		RETURNING revision`,
		a.ID, jobID, stage, string(payload), a.CreatedAt, jobID, stage,
	).Scan(&a.Revision)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to append %s artifact for job %s", stage, jobID)
	}
	return a, nil
}

// List returns every artifact of a job in creation order
func (s *Store) List(ctx context.Context, jobID string) ([]Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, stage, revision, payload, created_at
		FROM artifacts
		WHERE job_id = ?
		ORDER BY seq`, jobID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list artifacts for job %s", jobID)
	}
	defer rows.Close()

	var out []Artifact
	for rows.Next() {
		a, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// Latest returns the newest revision of each stage for a job
func (s *Store) Latest(ctx context.Context, jobID string) (map[string]Artifact, error) {
	all, err := s.List(ctx, jobID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Artifact, len(all))
	for _, a := range all {
		if cur, ok := out[a.Stage]; !ok || a.Revision > cur.Revision {
			out[a.Stage] = a
		}
	}
	return out, nil
}

// Get returns a specific revision; revision 0 means the newest
func (s *Store) Get(ctx context.Context, jobID, stage string, revision int) (*Artifact, error) {
	query := `SELECT id, job_id, stage, revision, payload, created_at FROM artifacts
		WHERE job_id = ? AND stage = ? AND revision = ?`
	args := []interface{}{jobID, stage, revision}
	if revision == 0 {
		query = `SELECT id, job_id, stage, revision, payload, created_at FROM artifacts
			WHERE job_id = ? AND stage = ? ORDER BY revision DESC LIMIT 1`
		args = args[:2]
	}

	a, err := scan(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("no %s artifact for job %s", stage, jobID)
	}
	return a, err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scan(row scanner) (*Artifact, error) {
	var a Artifact
	var payload string
	if err := row.Scan(&a.ID, &a.JobID, &a.Stage, &a.Revision, &payload, &a.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, errors.Wrap(err, "failed to scan artifact")
	}
	a.Payload = json.RawMessage(payload)
	return &a, nil
}
