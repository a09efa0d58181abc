// Package worker consumes queued tasks from Redis with an asynq server.
package worker

import (
	"context"
	"sync"

	"github.com/hibiken/asynq"

	"github.com/feichai0017/compliance-processor/pkg/logger"
	"github.com/feichai0017/compliance-processor/pkg/queue"
)

type Worker interface {
	Start(ctx context.Context) error
	Stop() error
}

type Config struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Concurrency   int
	Queues        map[string]int
}

type AsynqWorker struct {
	server   *asynq.Server
	mux      *asynq.ServeMux
	logger   logger.Logger
	stopOnce sync.Once
}

func NewAsynqWorker(cfg Config, log logger.Logger) *AsynqWorker {
	queues := cfg.Queues
	if len(queues) == 0 {
		queues = queue.QueueWeights()
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	log = log.Named("worker")

	server := asynq.NewServer(
		asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB},
		asynq.Config{
			Concurrency: concurrency,
			Queues:      queues,
		},
	)

	return &AsynqWorker{
		server: server,
		mux:    asynq.NewServeMux(),
		logger: log,
	}
}

// Handle routes taskType to h. Call before Start.
func (w *AsynqWorker) Handle(taskType string, h queue.Handler) {
	w.mux.HandleFunc(taskType, w.adapt(h))
}

func (w *AsynqWorker) Start(ctx context.Context) error {
	if err := w.server.Start(w.mux); err != nil {
		return err
	}
	w.logger.Info("Worker started")

	go func() {
		<-ctx.Done()
		w.Stop()
	}()
	return nil
}

func (w *AsynqWorker) Stop() error {
	w.stopOnce.Do(func() {
		w.server.Shutdown()
		w.logger.Info("Worker stopped")
	})
	return nil
}
