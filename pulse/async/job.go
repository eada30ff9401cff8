// Package async admits article jobs under a concurrency and budget ceiling
// and persists their batch and job state.
package async

import (
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/quill/errors"
)

// JobStatus represents the current state of a job
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusFailed     JobStatus = "failed"
	JobStatusPublished  JobStatus = "published"
)

// IsValidStatus returns true if the status string is a valid JobStatus
func IsValidStatus(s string) bool {
	switch JobStatus(s) {
	case JobStatusQueued, JobStatusProcessing, JobStatusFailed, JobStatusPublished:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transition happens without a retry
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusFailed || s == JobStatusPublished
}

// BatchStatus represents the current state of a batch
type BatchStatus string

const (
	BatchStatusCreated        BatchStatus = "created"
	BatchStatusProcessing     BatchStatus = "processing"
	BatchStatusBudgetExceeded BatchStatus = "budget_exceeded"
	BatchStatusCompleted      BatchStatus = "completed"
	BatchStatusFailed         BatchStatus = "failed"
)

// SupportedLanguages are the article language codes the pipeline accepts
var SupportedLanguages = []string{"da", "de", "en", "es", "fi", "fr", "it", "nl", "no", "pl", "pt", "sv"}

// Params are the generation parameters of one article
type Params struct {
	Site            string `json:"site" yaml:"site" toml:"site"`
	Topic           string `json:"topic" yaml:"topic" toml:"topic"`
	Objective       string `json:"objective,omitempty" yaml:"objective" toml:"objective"`
	TargetWordCount int    `json:"target_word_count" yaml:"target_word_count" toml:"target_word_count"`
	Language        string `json:"language" yaml:"language" toml:"language"`
	Category        string `json:"category,omitempty" yaml:"category" toml:"category"`
}

// Validate normalizes the site key and checks required fields
func (p *Params) Validate() error {
	p.Site = strings.ToLower(strings.TrimSpace(p.Site))
	p.Topic = strings.TrimSpace(p.Topic)
	p.Language = strings.ToLower(strings.TrimSpace(p.Language))

	switch {
	case p.Site == "":
		return errors.NewInvalidRequestError("site is required")
	case p.Topic == "":
		return errors.NewInvalidRequestError("topic is required")
	case p.Language == "":
		return errors.NewInvalidRequestError("language is required")
	case !slices.Contains(SupportedLanguages, p.Language):
		return errors.NewInvalidRequestError("unsupported language %q (supported: %s)", p.Language, strings.Join(SupportedLanguages, ", "))
	case p.TargetWordCount <= 0:
		return errors.NewInvalidRequestError("target_word_count must be positive, got %d", p.TargetWordCount)
	}
	return nil
}

// DefaultIdempotencyKey derives a key from the fields that identify an article
func DefaultIdempotencyKey(p Params) string {
	sum := sha256.Sum256([]byte(p.Site + "|" + p.Topic + "|" + p.Language))
	return hex.EncodeToString(sum[:])
}

// Job is one article moving through the stage pipeline
type Job struct {
	ID                string     `json:"id"`
	BatchID           string     `json:"batch_id"`
	IdempotencyKey    string     `json:"idempotency_key"`
	Params            Params     `json:"params"`
	Status            JobStatus  `json:"status"`
	CurrentStage      string     `json:"current_stage,omitempty"`
	Progress          int        `json:"progress"`
	Error             string     `json:"error,omitempty"`
	PublishedLocation string     `json:"published_location,omitempty"`
	Attempts          int        `json:"attempts"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
}

// NewJob creates a queued job. An empty key falls back to DefaultIdempotencyKey.
func NewJob(batchID, idempotencyKey string, params Params) (*Job, error) {
	if batchID == "" {
		return nil, errors.NewInvalidRequestError("batch id is required")
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if idempotencyKey == "" {
		idempotencyKey = DefaultIdempotencyKey(params)
	}

	now := time.Now().UTC()
	return &Job{
		ID:             uuid.NewString(),
		BatchID:        batchID,
		IdempotencyKey: idempotencyKey,
		Params:         params,
		Status:         JobStatusQueued,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// Batch groups jobs created together under an optional spending cap
type Batch struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	SourceRef   string      `json:"source_ref,omitempty"`
	Status      BatchStatus `json:"status"`
	BudgetLimit *float64    `json:"budget_limit,omitempty"` // nil = unlimited
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// NewBatch creates a batch in the created state
func NewBatch(name, sourceRef string, budgetLimit *float64) (*Batch, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errors.NewInvalidRequestError("batch name is required")
	}
	if budgetLimit != nil && *budgetLimit < 0 {
		return nil, errors.NewInvalidRequestError("budget limit must not be negative, got %.4f", *budgetLimit)
	}

	now := time.Now().UTC()
	return &Batch{
		ID:          uuid.NewString(),
		Name:        name,
		SourceRef:   sourceRef,
		Status:      BatchStatusCreated,
		BudgetLimit: budgetLimit,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// JobCounts summarizes a batch's jobs by status
type JobCounts struct {
	Queued     int `json:"queued"`
	Processing int `json:"processing"`
	Failed     int `json:"failed"`
	Published  int `json:"published"`
}

// Total returns the number of jobs counted
func (c JobCounts) Total() int {
	return c.Queued + c.Processing + c.Failed + c.Published
}
