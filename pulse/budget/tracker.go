package budget

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/teranos/quill/errors"
	"github.com/teranos/quill/logger"
)

// ErrBudgetExceeded halts admission for a batch. It is never stored as a job error.
var ErrBudgetExceeded = errors.New("budget exceeded")

// Status represents a batch's budget state
type Status struct {
	BatchID   string   `json:"batch_id"`
	Spend     float64  `json:"spend"`
	Limit     *float64 `json:"limit,omitempty"`
	Remaining *float64 `json:"remaining,omitempty"`
	Within    bool     `json:"within_budget"`
}

// Tracker is the budget ledger. Spend is always recomputed from the
// usage_events table, so it reflects every event committed before the call.
type Tracker struct {
	store  *Store
	logger *zap.SugaredLogger
}

// NewTracker creates a new budget tracker
func NewTracker(store *Store, log *zap.SugaredLogger) *Tracker {
	if log == nil {
		log = logger.ComponentLogger("budget")
	}
	return &Tracker{store: store, logger: log}
}

// Store exposes the pricing store backing the ledger
func (bt *Tracker) Store() *Store {
	return bt.store
}

// CurrentCost returns the batch's running spend
func (bt *Tracker) CurrentCost(ctx context.Context, batchID string) (float64, error) {
	return bt.store.BatchSpend(ctx, batchID)
}

// IsWithinBudget reports whether the batch may admit another job. A batch
// without a limit is always within budget; otherwise spend must be strictly
// below the limit.
func (bt *Tracker) IsWithinBudget(ctx context.Context, batchID string) (bool, error) {
	status, err := bt.GetStatus(ctx, batchID)
	if err != nil {
		return false, err
	}
	return status.Within, nil
}

// GetStatus returns spend, limit and remaining budget for a batch
func (bt *Tracker) GetStatus(ctx context.Context, batchID string) (*Status, error) {
	limit, limited, err := bt.store.BatchLimit(ctx, batchID)
	if err != nil {
		return nil, err
	}
	spend, err := bt.store.BatchSpend(ctx, batchID)
	if err != nil {
		return nil, err
	}

	status := &Status{BatchID: batchID, Spend: spend, Within: true}
	if limited {
		remaining := limit - spend
		status.Limit = &limit
		status.Remaining = &remaining
		status.Within = spend < limit
	}
	return status, nil
}

// CheckBudget returns ErrBudgetExceeded, with spend details, when the batch
// has reached its limit
func (bt *Tracker) CheckBudget(ctx context.Context, batchID string) error {
	status, err := bt.GetStatus(ctx, batchID)
	if err != nil {
		return errors.Wrap(err, "failed to get budget status")
	}
	if status.Within {
		return nil
	}

	bt.logger.Infow("Batch over budget",
		logger.FieldBatchID, batchID,
		logger.FieldCost, status.Spend,
		logger.FieldLimit, *status.Limit)

	err = errors.Mark(errors.Newf("batch %s spent $%.4f of $%.4f", batchID, status.Spend, *status.Limit), ErrBudgetExceeded)
	return errors.WithDetail(err, fmt.Sprintf("Batch ID: %s", batchID))
}
