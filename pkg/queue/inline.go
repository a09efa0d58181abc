package queue

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/feichai0017/compliance-processor/pkg/logger"
)

// InlineQueue runs tasks on an in-process worker pool.
type InlineQueue struct {
	logger   logger.Logger
	workers  int
	timeout  time.Duration
	handlers map[string]Handler

	ch   chan *Task
	wg   sync.WaitGroup
	once sync.Once

	mu     sync.Mutex
	closed bool
}

type InlineOption func(*InlineQueue)

func WithWorkers(n int) InlineOption {
	return func(q *InlineQueue) {
		if n > 0 {
			q.workers = n
		}
	}
}

func WithQueueSize(n int) InlineOption {
	return func(q *InlineQueue) {
		if n > 0 {
			q.ch = make(chan *Task, n)
		}
	}
}

func WithProcessTimeout(d time.Duration) InlineOption {
	return func(q *InlineQueue) {
		if d > 0 {
			q.timeout = d
		}
	}
}

func NewInlineQueue(log logger.Logger, opts ...InlineOption) *InlineQueue {
	q := &InlineQueue{
		logger:   log.Named("inline-queue"),
		workers:  4,
		timeout:  30 * time.Minute,
		handlers: make(map[string]Handler),
		ch:       make(chan *Task, 256),
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Register binds a handler to a task type. Call before Start.
func (q *InlineQueue) Register(taskType string, h Handler) {
	q.handlers[taskType] = h
}

func (q *InlineQueue) Start() {
	q.once.Do(func() {
		for i := 0; i < q.workers; i++ {
			q.wg.Add(1)
			go q.work(i + 1)
		}
	})
}

func (q *InlineQueue) work(workerID int) {
	defer q.wg.Done()
	for task := range q.ch {
		q.run(workerID, task)
	}
}

func (q *InlineQueue) run(workerID int, task *Task) {
	log := q.logger.With(logger.Int("workerId", workerID), logger.String("taskId", task.ID))
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("Task handler panicked",
				logger.Any("panic", rec),
				logger.String("stack", string(debug.Stack())),
			)
		}
	}()

	h, ok := q.handlers[task.Type]
	if !ok {
		log.Error("No handler registered", logger.String("type", task.Type))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
	defer cancel()
	if err := h(ctx, task); err != nil {
		log.Warn("Task failed", logger.String("type", task.Type), logger.Error(err))
	}
}

// Enqueue blocks while the buffer is full, until ctx is done.
func (q *InlineQueue) Enqueue(ctx context.Context, task *Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return fmt.Errorf("queue is shutting down")
	}
	if _, ok := q.handlers[task.Type]; !ok {
		return fmt.Errorf("no handler for task type %s", task.Type)
	}
	select {
	case q.ch <- task:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to enqueue task: %w", ctx.Err())
	}
}

// Shutdown stops accepting tasks and waits for queued ones to drain.
func (q *InlineQueue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.ch)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() { defer close(done); q.wg.Wait() }()

	select {
	case <-ctx.Done():
		q.logger.Warn("Shutdown interrupted before queue drained")
		return ctx.Err()
	case <-done:
		return nil
	}
}
