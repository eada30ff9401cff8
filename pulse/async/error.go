package async

import (
	"context"
	"database/sql"
	"strings"

	"github.com/teranos/quill/errors"
	"github.com/teranos/quill/gateway"
)

// ErrInterruptedExecution marks jobs whose execution owner went away:
// swept on startup, or cut off by scheduler shutdown.
var ErrInterruptedExecution = errors.New("interrupted")

// interruptedMessage is the stored error of a swept job. The "interrupted:"
// prefix is what operators and IsInterrupted look for.
func interruptedMessage(reason string) string {
	return ErrInterruptedExecution.Error() + ": " + reason
}

// IsInterrupted reports whether a stored job error came from an interruption
func IsInterrupted(jobError string) bool {
	return strings.HasPrefix(jobError, ErrInterruptedExecution.Error()+":")
}

// ErrorCode represents the classification of a job failure
type ErrorCode string

const (
	ErrorCodeNoEnabledBackends ErrorCode = "no_enabled_backends"
	ErrorCodeBackendsExhausted ErrorCode = "all_backends_exhausted"
	ErrorCodeQualityGate       ErrorCode = "quality_gate"
	ErrorCodePublish           ErrorCode = "publish"
	ErrorCodeInterrupted       ErrorCode = "interrupted"
	ErrorCodeDatabaseError     ErrorCode = "database_error"
	ErrorCodeInvalidJob        ErrorCode = "invalid_job"
	ErrorCodeUnknown           ErrorCode = "unknown"
)

// ErrQualityGateFailed and ErrPublishFailed are marked onto pipeline errors
// so failures can be classified without parsing messages.
var (
	ErrQualityGateFailed = errors.New("quality gate failed")
	ErrPublishFailed     = errors.New("publish failed")
)

// ErrorContext provides structured error information for job failures
type ErrorContext struct {
	Stage     string    // Where the error occurred
	Code      ErrorCode // Error classification
	Message   string    // Human-readable message
	Retryable bool      // Would a manual retry plausibly succeed?
}

// ClassifyError categorizes a job failure by the sentinels it carries
func ClassifyError(stage string, err error) ErrorContext {
	if err == nil {
		return ErrorContext{Stage: stage, Code: ErrorCodeUnknown, Message: "unknown error"}
	}

	ctx := ErrorContext{Stage: stage, Message: err.Error()}
	switch {
	case errors.Is(err, ErrInterruptedExecution),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		ctx.Code = ErrorCodeInterrupted
		ctx.Retryable = true
	case errors.Is(err, gateway.ErrNoEnabledBackends):
		ctx.Code = ErrorCodeNoEnabledBackends
	case errors.Is(err, gateway.ErrAllBackendsExhausted):
		ctx.Code = ErrorCodeBackendsExhausted
		ctx.Retryable = true
	case errors.Is(err, ErrQualityGateFailed):
		ctx.Code = ErrorCodeQualityGate
		ctx.Retryable = true
	case errors.Is(err, ErrPublishFailed):
		ctx.Code = ErrorCodePublish
		ctx.Retryable = true
	case errors.IsInvalidRequestError(err):
		ctx.Code = ErrorCodeInvalidJob
	case errors.Is(err, sql.ErrConnDone), strings.Contains(strings.ToLower(err.Error()), "database"):
		ctx.Code = ErrorCodeDatabaseError
		ctx.Retryable = true
	default:
		ctx.Code = ErrorCodeUnknown
		ctx.Retryable = true
	}
	return ctx
}
