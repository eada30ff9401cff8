package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for structured logging.
const (
	FieldJobID     = "job_id"
	FieldBatchID   = "batch_id"
	FieldRequestID = "request_id"
	FieldComponent = "component"

	// Pipeline
	FieldStage    = "stage"
	FieldRevision = "revision"
	FieldProgress = "progress"
	FieldSite     = "site"

	// Gateway
	FieldBackend   = "backend"
	FieldProvider  = "provider"
	FieldKind      = "kind"
	FieldAttempt   = "attempt"
	FieldLatencyMS = "latency_ms"
	FieldTokensIn  = "input_tokens"
	FieldTokensOut = "output_tokens"

	// Budget
	FieldCost  = "cost"
	FieldLimit = "limit"

	// Scheduler
	FieldActive  = "active"
	FieldBacklog = "backlog"

	FieldMethod     = "method"
	FieldPath       = "path"
	FieldDurationMS = "duration_ms"
	FieldError      = "error"
	FieldStatus     = "status"
	FieldCount      = "count"
	FieldAddress    = "address"
)

type contextKey string

const (
	jobIDKey     contextKey = "logger_job_id"
	batchIDKey   contextKey = "logger_batch_id"
	requestIDKey contextKey = "logger_request_id"
)

// WithJobID adds a job ID to the context for logging
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobIDKey, jobID)
}

// WithBatchID adds a batch ID to the context for logging
func WithBatchID(ctx context.Context, batchID string) context.Context {
	return context.WithValue(ctx, batchIDKey, batchID)
}

// WithRequestID adds a request ID to the context for logging
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// FieldsFromContext extracts logging fields from context as key-value pairs
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if jobID, ok := ctx.Value(jobIDKey).(string); ok && jobID != "" {
		fields = append(fields, FieldJobID, jobID)
	}
	if batchID, ok := ctx.Value(batchIDKey).(string); ok && batchID != "" {
		fields = append(fields, FieldBatchID, batchID)
	}
	if requestID, ok := ctx.Value(requestIDKey).(string); ok && requestID != "" {
		fields = append(fields, FieldRequestID, requestID)
	}

	return fields
}

// FromContext returns base enriched with the fields carried by ctx.
// A nil base falls back to the global Logger.
func FromContext(ctx context.Context, base *zap.SugaredLogger) *zap.SugaredLogger {
	if base == nil {
		base = Logger
	}
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return base
	}
	return base.With(fields...)
}

// ComponentLogger returns a named logger for a specific component.
//
//	type Scheduler struct {
//	    logger *zap.SugaredLogger
//	}
//
//	s := &Scheduler{logger: logger.ComponentLogger("pulse.scheduler")}
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}
