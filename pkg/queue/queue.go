// Package queue moves background work out of the request path. Production
// uses asynq on Redis; tests and single-process development use an in-memory
// worker pool with the same contract.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// TaskType 定义任务类型
const (
	TaskTypeDocumentProcess = "document:process"
	TaskTypeJobRun          = "job:run"
)

// Task 定义任务结构
type Task struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Priority  int               `json:"priority"`
	Payload   json.RawMessage   `json:"payload"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// NewTask marshals payload into a task of the given type.
func NewTask(taskType, id string, payload interface{}) (*Task, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task payload: %w", err)
	}
	return &Task{
		ID:        id,
		Type:      taskType,
		Priority:  PriorityDefault,
		Payload:   raw,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Decode unmarshals the task payload into v.
func (t *Task) Decode(v interface{}) error {
	if err := json.Unmarshal(t.Payload, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s payload: %w", t.Type, err)
	}
	return nil
}

const (
	PriorityCritical = 1
	PriorityDefault  = 2
	PriorityLow      = 3
)

// Handler runs one task. Handlers own their error reporting: the queue logs
// a returned error but never retries.
type Handler func(ctx context.Context, task *Task) error

// Dispatcher is what producers depend on.
type Dispatcher interface {
	Enqueue(ctx context.Context, task *Task) error
}

// Canceler removes a task that has not started yet. Best effort.
type Canceler interface {
	CancelTask(ctx context.Context, taskID string) error
}

// DocumentPayload is the payload of document:process tasks.
type DocumentPayload struct {
	DocumentID string `json:"documentId"`
}

// JobPayload is the payload of job:run tasks.
type JobPayload struct {
	JobID string `json:"jobId"`
}
