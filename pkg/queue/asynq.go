package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/feichai0017/compliance-processor/pkg/logger"
)

var queueNames = []string{"critical", "default", "low"}

// QueueConfig 定义队列配置
type QueueConfig struct {
	RedisAddr      string        `yaml:"redisAddr"`
	RedisPassword  string        `yaml:"redisPassword"`
	RedisDB        int           `yaml:"redisDB"`
	ProcessTimeout time.Duration `yaml:"processTimeout"`
	Concurrency    int           `yaml:"concurrency"`
	// Backend is asynq or inline.
	Backend string `yaml:"backend"`
}

func (c QueueConfig) RedisOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: c.RedisAddr, Password: c.RedisPassword, DB: c.RedisDB}
}

// AsynqQueue 实现
type AsynqQueue struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	timeout   time.Duration
	logger    logger.Logger
}

// NewAsynqQueue 创建新的队列实例
func NewAsynqQueue(cfg QueueConfig, log logger.Logger) *AsynqQueue {
	timeout := cfg.ProcessTimeout
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	return &AsynqQueue{
		client:    asynq.NewClient(cfg.RedisOpt()),
		inspector: asynq.NewInspector(cfg.RedisOpt()),
		timeout:   timeout,
		logger:    log.Named("queue"),
	}
}

// Enqueue 将任务加入队列. Tasks are never retried by asynq: handlers write
// a terminal state themselves and retry their own remote calls.
func (q *AsynqQueue) Enqueue(ctx context.Context, task *Task) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	opts := []asynq.Option{
		asynq.MaxRetry(0),
		asynq.Timeout(q.timeout),
		asynq.Queue(queueFor(task.Priority)),
	}
	if task.ID != "" {
		opts = append(opts, asynq.TaskID(task.ID))
	}

	info, err := q.client.EnqueueContext(ctx, asynq.NewTask(task.Type, payload), opts...)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			q.logger.Debug("Task already queued", logger.String("taskId", task.ID))
			return nil
		}
		return fmt.Errorf("failed to enqueue task: %w", err)
	}

	q.logger.Debug("Enqueued task",
		logger.String("taskId", info.ID),
		logger.String("type", task.Type),
		logger.String("queue", info.Queue),
	)
	return nil
}

// CancelTask 取消任务
func (q *AsynqQueue) CancelTask(_ context.Context, taskID string) error {
	var lastErr error
	for _, name := range queueNames {
		err := q.inspector.DeleteTask(name, taskID)
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return fmt.Errorf("failed to cancel task: %w", lastErr)
}

func (q *AsynqQueue) Close() error {
	if err := q.inspector.Close(); err != nil {
		q.logger.Warn("Failed to close inspector", logger.Error(err))
	}
	return q.client.Close()
}

// 根据优先选择队列
func queueFor(priority int) string {
	switch priority {
	case PriorityCritical:
		return "critical"
	case PriorityDefault:
		return "default"
	default:
		return "low"
	}
}

// QueueWeights are the asynq server weights matching queueFor.
func QueueWeights() map[string]int {
	return map[string]int{"critical": 6, "default": 3, "low": 1}
}
