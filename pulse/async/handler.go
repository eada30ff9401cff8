package async

import (
	"context"
)

// JobExecutor runs one admitted job to completion and returns the
// published location. The scheduler owns every status transition; the
// executor only reports stage progress through the emitter.
type JobExecutor interface {
	Execute(ctx context.Context, job *Job, progress ProgressEmitter) (location string, err error)
}

// ExecutorFunc adapts a function to JobExecutor
type ExecutorFunc func(ctx context.Context, job *Job, progress ProgressEmitter) (string, error)

// Execute calls f
func (f ExecutorFunc) Execute(ctx context.Context, job *Job, progress ProgressEmitter) (string, error) {
	return f(ctx, job, progress)
}

// ProgressEmitter receives stage transitions of a running job
type ProgressEmitter interface {
	// EmitStage records that stage is current and the job is percent done
	EmitStage(ctx context.Context, stage string, percent int)
}
