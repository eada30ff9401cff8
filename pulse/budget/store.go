// Package budget prices recorded usage events and compares a batch's
// running spend against its limit. Prices come from the pricing_profiles
// table: a profile keyed by the full backend id wins over one keyed by the
// provider family; no active profile means the event is free.
package budget

import (
	"context"
	"database/sql"
	"time"

	"github.com/teranos/quill/ai/provider"
	"github.com/teranos/quill/errors"
)

// Profile is a price list entry in USD per million tokens
type Profile struct {
	Key              string    `json:"key"`
	InputPerMillion  float64   `json:"input_per_million"`
	OutputPerMillion float64   `json:"output_per_million"`
	Active           bool      `json:"active"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Store handles pricing profiles and spend queries
type Store struct {
	db *sql.DB
}

// NewStore creates a new budget store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// UpsertProfile inserts or replaces a pricing profile
func (s *Store) UpsertProfile(ctx context.Context, p Profile) error {
	if p.Key == "" {
		return errors.NewInvalidRequestError("pricing profile key is required")
	}
	if p.InputPerMillion < 0 || p.OutputPerMillion < 0 {
		return errors.NewInvalidRequestError("pricing profile %s has a negative price", p.Key)
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pricing_profiles (key, input_per_million, output_per_million, active, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			input_per_million = excluded.input_per_million,
			output_per_million = excluded.output_per_million,
			active = excluded.active,
			updated_at = excluded.updated_at`,
		p.Key, p.InputPerMillion, p.OutputPerMillion, p.Active, p.UpdatedAt)
	if err != nil {
		return errors.Wrapf(err, "failed to upsert pricing profile %s", p.Key)
	}
	return nil
}

// ListProfiles returns all pricing profiles ordered by key
func (s *Store) ListProfiles(ctx context.Context) ([]Profile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, input_per_million, output_per_million, active, updated_at
		FROM pricing_profiles
		ORDER BY key`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query pricing profiles")
	}
	defer rows.Close()

	var out []Profile
	for rows.Next() {
		var p Profile
		if err := rows.Scan(&p.Key, &p.InputPerMillion, &p.OutputPerMillion, &p.Active, &p.UpdatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan pricing profile")
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SeedDefaults inserts the given prices as active profiles, leaving keys
// that already exist untouched. It returns the number of profiles added.
func (s *Store) SeedDefaults(ctx context.Context, prices map[string]provider.Pricing) (int, error) {
	now := time.Now()
	added := 0
	for key, p := range prices {
		res, err := s.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO pricing_profiles (key, input_per_million, output_per_million, active, updated_at)
			VALUES (?, ?, ?, 1, ?)`,
			key, p.InputPerMillion, p.OutputPerMillion, now)
		if err != nil {
			return added, errors.Wrapf(err, "failed to seed pricing profile %s", key)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			added++
		}
	}
	return added, nil
}

// costExpr prices one usage_events row u. Backend-keyed profiles win over
// family-keyed ones; no active profile prices the row at zero.
const costExpr = `
	(u.input_tokens / 1000000.0) * COALESCE(pb.input_per_million, pf.input_per_million, 0) +
	(u.output_tokens / 1000000.0) * COALESCE(pb.output_per_million, pf.output_per_million, 0)`

const costJoins = `
	FROM usage_events u
	JOIN jobs j ON j.id = u.job_id
	LEFT JOIN pricing_profiles pb ON pb.key = u.backend_id AND pb.active = 1
	LEFT JOIN pricing_profiles pf ON pf.key = u.provider AND pf.active = 1`

// BatchSpend sums the priced usage of every job in the batch
func (s *Store) BatchSpend(ctx context.Context, batchID string) (float64, error) {
	var total float64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(`+costExpr+`), 0)`+costJoins+` WHERE j.batch_id = ?`,
		batchID).Scan(&total)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to query spend for batch %s", batchID)
	}
	return total, nil
}

// BatchLimit returns the batch's budget limit; ok is false when unlimited
func (s *Store) BatchLimit(ctx context.Context, batchID string) (limit float64, ok bool, err error) {
	var l sql.NullFloat64
	err = s.db.QueryRowContext(ctx, `SELECT budget_limit FROM batches WHERE id = ?`, batchID).Scan(&l)
	if err == sql.ErrNoRows {
		return 0, false, errors.NewNotFoundError("batch %s not found", batchID)
	}
	if err != nil {
		return 0, false, errors.Wrapf(err, "failed to query budget limit for batch %s", batchID)
	}
	return l.Float64, l.Valid, nil
}

// BackendCost is one row of a per-backend cost breakdown
type BackendCost struct {
	BackendID    string  `json:"backend_id"`
	Events       int     `json:"events"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	Cost         float64 `json:"cost"`
}

// BatchBreakdown groups a batch's priced usage by backend
func (s *Store) BatchBreakdown(ctx context.Context, batchID string) ([]BackendCost, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT u.backend_id, COUNT(*), COALESCE(SUM(u.input_tokens), 0), COALESCE(SUM(u.output_tokens), 0),
		       COALESCE(SUM(`+costExpr+`), 0)`+costJoins+`
		WHERE j.batch_id = ?
		GROUP BY u.backend_id
		ORDER BY u.backend_id`, batchID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to query cost breakdown for batch %s", batchID)
	}
	defer rows.Close()

	var out []BackendCost
	for rows.Next() {
		var c BackendCost
		if err := rows.Scan(&c.BackendID, &c.Events, &c.InputTokens, &c.OutputTokens, &c.Cost); err != nil {
			return nil, errors.Wrap(err, "failed to scan cost breakdown")
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
