package job

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/compliance-processor/internal/apperr"
	"github.com/feichai0017/compliance-processor/internal/models"
	"github.com/feichai0017/compliance-processor/internal/repository/memory"
	"github.com/feichai0017/compliance-processor/pkg/events"
	"github.com/feichai0017/compliance-processor/pkg/logger"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.JobEvent
	err    error
}

func (p *recordingPublisher) PublishJobEvent(_ context.Context, evt events.JobEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return p.err
}

func (p *recordingPublisher) Close() error { return nil }

func newTestTracker(t *testing.T, opts ...Option) (*Tracker, *memory.JobStore) {
	t.Helper()
	store := memory.NewJobStore()
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	seq := 0
	base := []Option{
		WithClock(func() time.Time {
			clock = clock.Add(time.Second)
			return clock
		}),
		WithIDGenerator(func() string {
			seq++
			return fmt.Sprintf("job-%03d", seq)
		}),
	}
	return NewTracker(store, logger.NewTestLogger(), append(base, opts...)...), store
}

func intPtr(v int) *int { return &v }

func TestCreateJob(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	job, err := tr.CreateJob(ctx, CreateRequest{Type: models.JobTypeSearch, Query: "gdpr", Owner: "u1"})
	require.NoError(t, err)
	assert.Equal(t, models.JobPending, job.Status)
	assert.Equal(t, 0, job.Progress)
	assert.Nil(t, job.EndTime)
	require.NoError(t, job.CheckInvariants())

	_, err = tr.CreateJob(ctx, CreateRequest{Type: "BOGUS"})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestGetJob_NotFound(t *testing.T) {
	tr, _ := newTestTracker(t)
	_, err := tr.GetJob(context.Background(), "missing")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestUpdateStatus_ProgressNeverDecreases(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()
	job, err := tr.CreateJob(ctx, CreateRequest{Type: models.JobTypeWebScraping})
	require.NoError(t, err)

	seen := []int{}
	for _, p := range []int{10, 40, 20, 60, 100, 90} {
		got, err := tr.SetProgress(ctx, job.ID, p)
		require.NoError(t, err)
		require.NoError(t, got.CheckInvariants())
		seen = append(seen, got.Progress)
	}
	assert.Equal(t, []int{10, 40, 40, 60, 99, 99}, seen)

	done, err := tr.Complete(ctx, job.ID, map[string]int{"pages": 3})
	require.NoError(t, err)
	assert.Equal(t, 100, done.Progress)
	assert.NotNil(t, done.EndTime)
	assert.JSONEq(t, `{"pages":3}`, string(done.Result))
	require.NoError(t, done.CheckInvariants())
}

func TestUpdateStatus_TerminalIsFinal(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()
	job, _ := tr.CreateJob(ctx, CreateRequest{Type: models.JobTypeSearch})

	failed, err := tr.Fail(ctx, job.ID, "search provider unavailable")
	require.NoError(t, err)
	require.NoError(t, failed.CheckInvariants())

	_, err = tr.Complete(ctx, job.ID, "late")
	assert.True(t, errors.Is(err, apperr.ErrJobFinished))

	stored, err := tr.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, stored.Status)
	assert.Equal(t, "search provider unavailable", *stored.Error)
}

func TestUpdateStatus_NoReturnToPending(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()
	job, _ := tr.CreateJob(ctx, CreateRequest{Type: models.JobTypeSearch})
	_, err := tr.SetProgress(ctx, job.ID, 10)
	require.NoError(t, err)

	_, err = tr.UpdateStatus(ctx, job.ID, Update{Status: models.JobPending})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestCancelJob(t *testing.T) {
	pub := &recordingPublisher{}
	tr, _ := newTestTracker(t, WithPublisher(pub))
	ctx := context.Background()

	pending, _ := tr.CreateJob(ctx, CreateRequest{Type: models.JobTypeSearch})
	processing, _ := tr.CreateJob(ctx, CreateRequest{Type: models.JobTypeSearch})
	_, err := tr.SetProgress(ctx, processing.ID, 50)
	require.NoError(t, err)

	for _, id := range []string{pending.ID, processing.ID} {
		got, err := tr.CancelJob(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.JobFailed, got.Status)
		assert.Equal(t, CancelledMessage, *got.Error)
		require.NoError(t, got.CheckInvariants())
	}

	before, _ := tr.GetJob(ctx, pending.ID)
	_, err = tr.CancelJob(ctx, pending.ID)
	assert.True(t, errors.Is(err, apperr.ErrNotCancelable))
	after, _ := tr.GetJob(ctx, pending.ID)
	assert.Equal(t, before, after)

	require.Len(t, pub.events, 2)
	assert.Equal(t, "job.failed", pub.events[0].RoutingKey())
}

func TestCancelJob_CompletedIsNotCancelable(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()
	job, _ := tr.CreateJob(ctx, CreateRequest{Type: models.JobTypeSearch})
	_, err := tr.Complete(ctx, job.ID, nil)
	require.NoError(t, err)

	_, err = tr.CancelJob(ctx, job.ID)
	assert.Equal(t, apperr.KindNotCancelable, apperr.KindOf(err))
}

func TestPublisherErrorIsNotFatal(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("broker down")}
	log := logger.NewTestLogger()
	store := memory.NewJobStore()
	tr := NewTracker(store, log, WithPublisher(pub))
	ctx := context.Background()

	job, _ := tr.CreateJob(ctx, CreateRequest{Type: models.JobTypeSearch})
	_, err := tr.Complete(ctx, job.ID, "ok")
	require.NoError(t, err)
	assert.Equal(t, 1, log.Count("WARN"))
}

func TestListJobs(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		owner := "alice"
		if i%2 == 1 {
			owner = "bob"
		}
		_, err := tr.CreateJob(ctx, CreateRequest{Type: models.JobTypeSearch, Owner: owner})
		require.NoError(t, err)
	}

	page, err := tr.ListJobs(ctx, models.JobFilter{Owner: "alice"}, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	require.Len(t, page.Jobs, 2)
	assert.Equal(t, "job-005", page.Jobs[0].ID)
	assert.Equal(t, "job-003", page.Jobs[1].ID)

	page, err = tr.ListJobs(ctx, models.JobFilter{}, 0, 1000)
	require.NoError(t, err)
	assert.Equal(t, 1, page.Page)
	assert.Equal(t, maxPageSize, page.PageSize)
	assert.Len(t, page.Jobs, 5)

	_, err = tr.ListJobs(ctx, models.JobFilter{Status: "DONE"}, 1, 10)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestCleanupOlderThan(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	old, _ := tr.CreateJob(ctx, CreateRequest{Type: models.JobTypeSearch})
	_, err := tr.Complete(ctx, old.ID, "x")
	require.NoError(t, err)
	active, _ := tr.CreateJob(ctx, CreateRequest{Type: models.JobTypeSearch})

	n, err := tr.CleanupOlderThan(ctx, time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = tr.GetJob(ctx, old.ID)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
	_, err = tr.GetJob(ctx, active.ID)
	assert.NoError(t, err)
}
