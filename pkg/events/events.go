// Package events publishes job lifecycle notifications.
package events

import (
	"context"
	"strings"
	"time"
)

// JobEvent is emitted once per terminal job transition.
type JobEvent struct {
	JobID      string    `json:"jobId"`
	Type       string    `json:"type"`
	Status     string    `json:"status"`
	Owner      string    `json:"owner,omitempty"`
	Error      string    `json:"error,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

// RoutingKey is "job.<status>" in lower case, e.g. job.completed.
func (e JobEvent) RoutingKey() string {
	return "job." + strings.ToLower(e.Status)
}

type Publisher interface {
	PublishJobEvent(ctx context.Context, evt JobEvent) error
	Close() error
}

type nopPublisher struct{}

// NewNop returns a Publisher that drops every event.
func NewNop() Publisher { return nopPublisher{} }

func (nopPublisher) PublishJobEvent(context.Context, JobEvent) error { return nil }
func (nopPublisher) Close() error                                    { return nil }
