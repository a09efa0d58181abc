// Package job owns the lifecycle of asynchronous jobs.
package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/feichai0017/compliance-processor/internal/apperr"
	"github.com/feichai0017/compliance-processor/internal/models"
	"github.com/feichai0017/compliance-processor/internal/repository"
	"github.com/feichai0017/compliance-processor/pkg/events"
	"github.com/feichai0017/compliance-processor/pkg/logger"
)

const (
	CancelledMessage = "job cancelled"

	defaultPageSize = 20
	maxPageSize     = 100
)

// Tracker is the single source of truth for job state. Every mutation goes
// through the store's conditional update, so a job that already reached a
// terminal status is never rewritten.
type Tracker struct {
	store     repository.JobStore
	publisher events.Publisher
	log       logger.Logger
	now       func() time.Time
	newID     func() string
}

type Option func(*Tracker)

func WithPublisher(p events.Publisher) Option {
	return func(t *Tracker) { t.publisher = p }
}

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func WithIDGenerator(fn func() string) Option {
	return func(t *Tracker) { t.newID = fn }
}

func NewTracker(store repository.JobStore, log logger.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		store:     store,
		publisher: events.NewNop(),
		log:       log.Named("job-tracker"),
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

type CreateRequest struct {
	Type       models.JobType
	Query      string
	Owner      string
	DocumentID string
	Parameters json.RawMessage
}

// Update describes one status change. Nil Progress keeps the current value.
type Update struct {
	Status   models.JobStatus
	Progress *int
	Result   json.RawMessage
	Error    string
}

func (t *Tracker) CreateJob(ctx context.Context, req CreateRequest) (*models.Job, error) {
	if !req.Type.Valid() {
		return nil, apperr.Validation("unknown job type %q", req.Type)
	}
	if len(req.Parameters) > 0 && !json.Valid(req.Parameters) {
		return nil, apperr.Validation("job parameters must be valid JSON")
	}

	now := t.now()
	job := &models.Job{
		ID:         t.newID(),
		Type:       req.Type,
		Status:     models.JobPending,
		Query:      req.Query,
		DocumentID: models.StringPtr(req.DocumentID),
		Parameters: req.Parameters,
		StartTime:  now,
		Owner:      models.StringPtr(req.Owner),
		UpdatedAt:  now,
	}
	if err := t.store.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	t.log.Info("Job created",
		logger.JobID(job.ID),
		logger.String("type", string(job.Type)),
	)
	return job, nil
}

func (t *Tracker) GetJob(ctx context.Context, id string) (*models.Job, error) {
	return t.store.Get(ctx, id)
}

// UpdateStatus applies u to the job. Progress never decreases, a terminal
// status sets EndTime, and COMPLETED forces progress to 100. Updating a job
// that is already terminal returns apperr.ErrJobFinished.
func (t *Tracker) UpdateStatus(ctx context.Context, id string, u Update) (*models.Job, error) {
	job, err := t.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return nil, apperr.ErrJobFinished
	}

	status := u.Status
	if status == "" {
		status = job.Status
	}
	if !status.Valid() {
		return nil, apperr.Validation("unknown job status %q", status)
	}
	if status == models.JobPending && job.Status == models.JobProcessing {
		return nil, apperr.Validation("job %s cannot return to PENDING", id)
	}

	if u.Progress != nil {
		job.Progress = clampProgress(job.Progress, *u.Progress)
	}

	now := t.now()
	job.Status = status
	job.UpdatedAt = now
	switch status {
	case models.JobCompleted:
		job.Progress = 100
		job.Result = u.Result
		if len(job.Result) == 0 {
			job.Result = json.RawMessage(`{}`)
		}
		job.Error = nil
		job.EndTime = &now
	case models.JobFailed:
		msg := u.Error
		if msg == "" {
			msg = "unknown error"
		}
		job.Error = &msg
		job.Result = nil
		job.EndTime = &now
		if job.Progress == 100 {
			job.Progress = 99
		}
	default:
		if job.Progress == 100 {
			job.Progress = 99
		}
	}

	if err := t.store.UpdateActive(ctx, job); err != nil {
		return nil, err
	}
	if status.Terminal() {
		t.finished(ctx, job)
	}
	return job, nil
}

// SetProgress is a checkpoint write for a PROCESSING job.
func (t *Tracker) SetProgress(ctx context.Context, id string, progress int) (*models.Job, error) {
	return t.UpdateStatus(ctx, id, Update{Status: models.JobProcessing, Progress: &progress})
}

// Complete marshals result and moves the job to COMPLETED.
func (t *Tracker) Complete(ctx context.Context, id string, result interface{}) (*models.Job, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job result: %w", err)
	}
	return t.UpdateStatus(ctx, id, Update{Status: models.JobCompleted, Result: raw})
}

func (t *Tracker) Fail(ctx context.Context, id string, reason string) (*models.Job, error) {
	return t.UpdateStatus(ctx, id, Update{Status: models.JobFailed, Error: reason})
}

func (t *Tracker) ListJobs(ctx context.Context, filter models.JobFilter, page, pageSize int) (*models.JobPage, error) {
	if filter.Type != "" && !filter.Type.Valid() {
		return nil, apperr.Validation("unknown job type %q", filter.Type)
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, apperr.Validation("unknown job status %q", filter.Status)
	}
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	jobs, total, err := t.store.List(ctx, filter, (page-1)*pageSize, pageSize)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return &models.JobPage{Jobs: jobs, Total: total, Page: page, PageSize: pageSize}, nil
}

// CancelJob forces a PENDING or PROCESSING job into FAILED. Work already in
// flight keeps running; its next checkpoint sees the terminal state and stops.
func (t *Tracker) CancelJob(ctx context.Context, id string) (*models.Job, error) {
	job, err := t.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return nil, apperr.NotCancelable(id, string(job.Status))
	}

	now := t.now()
	msg := CancelledMessage
	job.Status = models.JobFailed
	job.Error = &msg
	job.Result = nil
	job.EndTime = &now
	job.UpdatedAt = now
	if job.Progress == 100 {
		job.Progress = 99
	}

	if err := t.store.UpdateActive(ctx, job); err != nil {
		if errors.Is(err, apperr.ErrJobFinished) {
			// lost the race against the runner's terminal write
			current, getErr := t.store.Get(ctx, id)
			if getErr != nil {
				return nil, getErr
			}
			return nil, apperr.NotCancelable(id, string(current.Status))
		}
		return nil, err
	}

	t.log.Info("Job cancelled", logger.JobID(id))
	t.finished(ctx, job)
	return job, nil
}

// CleanupOlderThan deletes terminal jobs whose last update precedes cutoff.
func (t *Tracker) CleanupOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	n, err := t.store.DeleteFinishedBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up jobs: %w", err)
	}
	if n > 0 {
		t.log.Info("Removed expired jobs",
			logger.Int64("count", n),
			logger.Time("cutoff", cutoff),
		)
	}
	return n, nil
}

func (t *Tracker) finished(ctx context.Context, job *models.Job) {
	evt := events.JobEvent{
		JobID:      job.ID,
		Type:       string(job.Type),
		Status:     string(job.Status),
		OccurredAt: job.UpdatedAt,
	}
	if job.Owner != nil {
		evt.Owner = *job.Owner
	}
	if job.Error != nil {
		evt.Error = *job.Error
	}
	if err := t.publisher.PublishJobEvent(ctx, evt); err != nil {
		t.log.Warn("Failed to publish job event", logger.JobID(job.ID), logger.Error(err))
	}
}

func clampProgress(current, requested int) int {
	if requested < current {
		return current
	}
	if requested > 100 {
		return 100
	}
	return requested
}
