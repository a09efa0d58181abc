package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"

	"github.com/hibiken/asynq"

	"github.com/feichai0017/compliance-processor/pkg/logger"
	"github.com/feichai0017/compliance-processor/pkg/queue"
)

// adapt unwraps the queue.Task envelope and hides handler failures from
// asynq's retry machinery. Handlers persist their own terminal state.
func (w *AsynqWorker) adapt(h queue.Handler) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) (err error) {
		var task queue.Task
		if err := json.Unmarshal(t.Payload(), &task); err != nil {
			w.logger.Error("Failed to unmarshal task",
				logger.Error(err),
				logger.String("payload", string(t.Payload())),
			)
			return fmt.Errorf("failed to unmarshal task: %w: %w", err, asynq.SkipRetry)
		}

		log := w.logger.With(logger.String("taskId", task.ID), logger.String("type", task.Type))
		defer func() {
			if rec := recover(); rec != nil {
				log.Error("Task handler panicked",
					logger.Any("panic", rec),
					logger.String("stack", string(debug.Stack())),
				)
				err = fmt.Errorf("handler panic: %v: %w", rec, asynq.SkipRetry)
			}
		}()

		log.Debug("Processing task")
		if err := h(ctx, &task); err != nil {
			log.Warn("Task failed", logger.Error(err))
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		return nil
	}
}
