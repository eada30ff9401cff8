package async

import (
	"context"

	"go.uber.org/zap"

	"github.com/teranos/quill/logger"
)

// JobProgressEmitter persists stage transitions of one job and fans them
// out to queue subscribers.
type JobProgressEmitter struct {
	jobID string
	queue *Queue
	log   *zap.SugaredLogger
}

// NewJobProgressEmitter creates a progress emitter for an admitted job
func NewJobProgressEmitter(jobID string, queue *Queue, baseLogger *zap.SugaredLogger) *JobProgressEmitter {
	return &JobProgressEmitter{
		jobID: jobID,
		queue: queue,
		log:   baseLogger.With(logger.FieldJobID, jobID),
	}
}

// EmitStage updates the stage marker and progress. A failed write is logged,
// never surfaced: progress is observational.
func (e *JobProgressEmitter) EmitStage(ctx context.Context, stage string, percent int) {
	if err := e.queue.UpdateProgress(ctx, e.jobID, stage, percent); err != nil {
		e.log.Warnw("Failed to update job progress",
			logger.FieldStage, stage,
			logger.FieldProgress, percent,
			logger.FieldError, err.Error())
		return
	}
	e.log.Debugw("Stage transition", logger.FieldStage, stage, logger.FieldProgress, percent)
}
