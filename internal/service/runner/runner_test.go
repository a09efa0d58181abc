package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/compliance-processor/internal/agent/analysis"
	"github.com/feichai0017/compliance-processor/internal/agent/scrape"
	"github.com/feichai0017/compliance-processor/internal/agent/search"
	"github.com/feichai0017/compliance-processor/internal/apperr"
	"github.com/feichai0017/compliance-processor/internal/models"
	"github.com/feichai0017/compliance-processor/internal/repository/memory"
	"github.com/feichai0017/compliance-processor/internal/service/job"
	"github.com/feichai0017/compliance-processor/internal/service/orchestration"
	"github.com/feichai0017/compliance-processor/pkg/logger"
	"github.com/feichai0017/compliance-processor/pkg/queue"
	"github.com/feichai0017/compliance-processor/pkg/retry"
)

// progressStore records the progress of every accepted update.
type progressStore struct {
	*memory.JobStore
	mu   sync.Mutex
	seen []int
}

func (s *progressStore) UpdateActive(ctx context.Context, j *models.Job) error {
	if err := s.JobStore.UpdateActive(ctx, j); err != nil {
		return err
	}
	s.mu.Lock()
	s.seen = append(s.seen, j.Progress)
	s.mu.Unlock()
	return nil
}

func (s *progressStore) progress() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.seen...)
}

type fakeFetcher struct {
	calls  atomic.Int32
	before func(url string)
}

func (f *fakeFetcher) Fetch(_ context.Context, url string) (*scrape.Page, error) {
	f.calls.Add(1)
	if f.before != nil {
		f.before(url)
	}
	return &scrape.Page{URL: url, Title: "Title " + url, Text: "body", StatusCode: 200}, nil
}

type fakeSearch struct {
	res   *search.Result
	panic bool
}

func (f *fakeSearch) Search(context.Context, search.Query) (*search.Result, error) {
	if f.panic {
		panic("search exploded")
	}
	return f.res, nil
}

type fakeOrchestrator struct {
	resp *orchestration.Response
	got  orchestration.Request
}

func (f *fakeOrchestrator) Process(_ context.Context, req orchestration.Request, onProgress orchestration.ProgressFunc) (*orchestration.Response, error) {
	f.got = req
	onProgress(orchestration.Progress{Phase: orchestration.PhasePrimary, Completed: 1, Total: 2})
	onProgress(orchestration.Progress{Phase: orchestration.PhasePrimary, Completed: 2, Total: 2})
	onProgress(orchestration.Progress{Phase: orchestration.PhaseSecondary, Completed: 1, Total: 1})
	return f.resp, nil
}

type nopDispatcher struct{ tasks []*queue.Task }

func (d *nopDispatcher) Enqueue(_ context.Context, t *queue.Task) error {
	d.tasks = append(d.tasks, t)
	return nil
}

// cancelingDispatcher also removes queued tasks by id.
type cancelingDispatcher struct {
	nopDispatcher
	canceled []string
	err      error
}

func (d *cancelingDispatcher) CancelTask(_ context.Context, taskID string) error {
	d.canceled = append(d.canceled, taskID)
	return d.err
}

type failingAnalysis struct{}

func (failingAnalysis) Analyze(context.Context, analysis.Request) (*analysis.Result, error) {
	return nil, apperr.NewRemoteError("analysis", 400, "rejected", nil)
}

type fixture struct {
	runner     *Runner
	tracker    *job.Tracker
	store      *progressStore
	fetcher    *fakeFetcher
	search     *fakeSearch
	orch       *fakeOrchestrator
	dispatcher *nopDispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logger.NewTestLogger()
	f := &fixture{
		store:      &progressStore{JobStore: memory.NewJobStore()},
		fetcher:    &fakeFetcher{},
		search:     &fakeSearch{res: &search.Result{}},
		orch:       &fakeOrchestrator{resp: &orchestration.Response{Status: orchestration.StatusSuccess, Errors: map[string]string{}}},
		dispatcher: &nopDispatcher{},
	}
	f.tracker = job.NewTracker(f.store, log)
	f.runner = NewRunner(f.tracker, f.orch, f.search, f.fetcher, f.dispatcher, log, Config{},
		WithRetryOptions(retry.WithSleep(func(context.Context, time.Duration) error { return nil })))
	return f
}

func urls(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("https://example.com/page/%d", i)
	}
	return out
}

func (f *fixture) submitScrape(t *testing.T, n, batch int) *models.Job {
	t.Helper()
	params, err := json.Marshal(Parameters{URLs: urls(n), BatchSize: batch})
	require.NoError(t, err)
	j, err := f.runner.Submit(context.Background(), SubmitRequest{Type: models.JobTypeWebScraping, Parameters: params})
	require.NoError(t, err)
	return j
}

func assertNonDecreasing(t *testing.T, values []int) {
	t.Helper()
	for i := 1; i < len(values); i++ {
		assert.GreaterOrEqual(t, values[i], values[i-1], "progress went backwards: %v", values)
	}
}

func TestScrape_TenURLsBatchOne(t *testing.T) {
	f := newFixture(t)
	j := f.submitScrape(t, 10, 1)
	require.Len(t, f.dispatcher.tasks, 1)
	assert.Equal(t, queue.TaskTypeJobRun, f.dispatcher.tasks[0].Type)

	require.NoError(t, f.runner.HandleTask(context.Background(), f.dispatcher.tasks[0]))

	got, err := f.tracker.GetJob(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, got.Status)
	assert.NoError(t, got.CheckInvariants())

	progress := f.store.progress()
	assertNonDecreasing(t, progress)
	assert.Equal(t, 100, progress[len(progress)-1])
	assert.Equal(t, []int{10, 20, 24, 28, 32, 36, 40, 44, 48, 52, 56, 60, 90, 100}, progress)

	var res ScrapeResult
	require.NoError(t, json.Unmarshal(got.Result, &res))
	assert.Len(t, res.Pages, 10)
	assert.Equal(t, 10, res.Succeeded)
	assert.Equal(t, "https://example.com/page/3", res.Pages[3].URL)
}

func TestScrape_CancelIsNotOverwritten(t *testing.T) {
	f := newFixture(t)
	j := f.submitScrape(t, 10, 1)
	f.fetcher.before = func(string) {
		_, err := f.tracker.CancelJob(context.Background(), j.ID)
		require.NoError(t, err)
		f.fetcher.before = nil
	}

	require.NoError(t, f.runner.Run(context.Background(), j.ID))

	got, err := f.tracker.GetJob(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, job.CancelledMessage, *got.Error)
	assert.Equal(t, int32(1), f.fetcher.calls.Load())
}

func TestRun_PanicBecomesFailed(t *testing.T) {
	f := newFixture(t)
	f.search.panic = true
	j, err := f.runner.Submit(context.Background(), SubmitRequest{Type: models.JobTypeWebSearch, Query: "gdpr"})
	require.NoError(t, err)

	require.NoError(t, f.runner.Run(context.Background(), j.ID))

	got, err := f.tracker.GetJob(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Contains(t, *got.Error, "search exploded")
	assert.NoError(t, got.CheckInvariants())
}

func TestRun_PanicInOrchestrationStageFailsJob(t *testing.T) {
	f := newFixture(t)
	f.search.panic = true
	log := logger.NewTestLogger()
	orch := orchestration.NewOrchestrator(nil, f.search, failingAnalysis{}, log, orchestration.Config{},
		orchestration.WithRetryOptions(retry.WithSleep(func(context.Context, time.Duration) error { return nil })))
	r := NewRunner(f.tracker, orch, f.search, f.fetcher, f.dispatcher, log, Config{})

	j, err := r.Submit(context.Background(), SubmitRequest{Type: models.JobTypeSearch, Query: "gdpr"})
	require.NoError(t, err)
	require.NoError(t, r.Run(context.Background(), j.ID))

	got, err := f.tracker.GetJob(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Contains(t, *got.Error, "internal error: search exploded")
	assert.NoError(t, got.CheckInvariants())
}

func TestCancelJob_RemovesQueuedTask(t *testing.T) {
	f := newFixture(t)
	d := &cancelingDispatcher{err: fmt.Errorf("task is active")}
	r := NewRunner(f.tracker, f.orch, f.search, f.fetcher, d, logger.NewTestLogger(), Config{})

	j, err := r.Submit(context.Background(), SubmitRequest{Type: models.JobTypeWebSearch, Query: "q"})
	require.NoError(t, err)

	got, err := r.CancelJob(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, got.Status)
	assert.Equal(t, []string{j.ID}, d.canceled)
	require.Len(t, d.tasks, 1)
	assert.Equal(t, j.ID, d.tasks[0].ID)

	_, err = r.CancelJob(context.Background(), j.ID)
	assert.Equal(t, apperr.KindNotCancelable, apperr.KindOf(err))
	assert.Len(t, d.canceled, 1)
}

func TestRun_WebSearchRanksGovernmentFirst(t *testing.T) {
	f := newFixture(t)
	f.search.res = &search.Result{Sources: []search.Source{
		{Title: "news", URL: "https://news.example.com/a"},
		{Title: "agency", URL: "https://www.ftc.gov/rules", IsGovernmentSource: true},
	}}
	j, err := f.runner.Submit(context.Background(), SubmitRequest{Type: models.JobTypeWebSearch, Query: "privacy"})
	require.NoError(t, err)
	require.NoError(t, f.runner.Run(context.Background(), j.ID))

	got, err := f.tracker.GetJob(context.Background(), j.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobCompleted, got.Status)

	var res WebSearchResult
	require.NoError(t, json.Unmarshal(got.Result, &res))
	require.Len(t, res.Sources, 2)
	assert.Equal(t, "agency", res.Sources[0].Title)
	assert.Equal(t, 1, res.GovernmentSources)
}

func TestRun_DocumentAnalysisUsesOrchestrator(t *testing.T) {
	f := newFixture(t)
	j, err := f.runner.Submit(context.Background(), SubmitRequest{
		Type: models.JobTypeDocumentAnalysis, Query: "obligations", DocumentID: "doc-1", Owner: "alice",
	})
	require.NoError(t, err)
	require.NoError(t, f.runner.Run(context.Background(), j.ID))

	assert.Equal(t, "doc-1", f.orch.got.DocumentID)
	assert.Equal(t, "alice", f.orch.got.Owner)
	assert.Equal(t, []int{10, 20, 40, 60, 90, 100}, f.store.progress())
}

func TestRun_FailedOrchestrationFailsJob(t *testing.T) {
	f := newFixture(t)
	f.orch.resp = &orchestration.Response{
		Status: orchestration.StatusFailed,
		Errors: map[string]string{orchestration.ErrKeySearch: "boom"},
	}
	j, err := f.runner.Submit(context.Background(), SubmitRequest{Type: models.JobTypeSearch, Query: "q"})
	require.NoError(t, err)
	require.NoError(t, f.runner.Run(context.Background(), j.ID))

	got, err := f.tracker.GetJob(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, got.Status)
	assert.Contains(t, *got.Error, "searchProcessing: boom")
}

func TestRun_SkipsFinishedJob(t *testing.T) {
	f := newFixture(t)
	j := f.submitScrape(t, 2, 1)
	_, err := f.tracker.CancelJob(context.Background(), j.ID)
	require.NoError(t, err)

	require.NoError(t, f.runner.Run(context.Background(), j.ID))
	assert.Zero(t, f.fetcher.calls.Load())
}

func TestSubmit_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cases := []SubmitRequest{
		{Type: models.JobTypeWebScraping},
		{Type: models.JobTypeSearch},
		{Type: models.JobTypeDocumentAnalysis, Query: "q"},
		{Type: "NOPE", Query: "q"},
		{Type: models.JobTypeWebSearch, Query: "q", Parameters: json.RawMessage(`{"urls": 5}`)},
	}
	for _, c := range cases {
		_, err := f.runner.Submit(ctx, c)
		assert.Equal(t, apperr.KindValidation, apperr.KindOf(err), "%+v", c)
	}
	assert.Empty(t, f.dispatcher.tasks)
}
