package app

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/compliance-processor/config"
	"github.com/feichai0017/compliance-processor/internal/agent/analysis"
	"github.com/feichai0017/compliance-processor/internal/agent/scrape"
	"github.com/feichai0017/compliance-processor/internal/agent/search"
	"github.com/feichai0017/compliance-processor/internal/models"
	"github.com/feichai0017/compliance-processor/internal/service/document"
	"github.com/feichai0017/compliance-processor/internal/service/runner"
	"github.com/feichai0017/compliance-processor/internal/testutil"
	"github.com/feichai0017/compliance-processor/pkg/logger"
)

type stubSearch struct{}

func (stubSearch) Search(_ context.Context, q search.Query) (*search.Result, error) {
	return &search.Result{Summary: "results for " + q.Text}, nil
}

type stubAnalysis struct{}

func (stubAnalysis) Analyze(context.Context, analysis.Request) (*analysis.Result, error) {
	return &analysis.Result{Summary: "fine"}, nil
}

type stubFetcher struct{}

func (stubFetcher) Fetch(_ context.Context, url string) (*scrape.Page, error) {
	return &scrape.Page{URL: url, Text: "page", StatusCode: 200}, nil
}

func newServices(t *testing.T) *Services {
	t.Helper()
	cfg := config.Default()
	cfg.OCR.Providers = []string{"pdf"}
	cfg.Search.BaseURL = "http://search.invalid"
	cfg.Analysis.BaseURL = "http://analysis.invalid"
	require.NoError(t, cfg.Validate())

	s, err := New(context.Background(), cfg, logger.NewTestLogger(),
		WithSearchProvider(stubSearch{}),
		WithAnalysisProvider(stubAnalysis{}),
		WithFetcher(stubFetcher{}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func waitJob(t *testing.T, s *Services, id string) *models.Job {
	t.Helper()
	var j *models.Job
	require.Eventually(t, func() bool {
		var err error
		j, err = s.Jobs.GetJob(context.Background(), id)
		return err == nil && j.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
	return j
}

func TestServices_RunsJobsInBackground(t *testing.T) {
	s := newServices(t)
	params, _ := json.Marshal(runner.Parameters{URLs: []string{"https://a.example", "https://b.example"}})

	j, err := s.Runner.Submit(context.Background(), runner.SubmitRequest{Type: models.JobTypeWebScraping, Parameters: params})
	require.NoError(t, err)
	assert.Equal(t, models.JobPending, j.Status)

	done := waitJob(t, s, j.ID)
	assert.Equal(t, models.JobCompleted, done.Status)
	assert.Equal(t, 100, done.Progress)
}

func TestServices_DocumentAnalysisEndToEnd(t *testing.T) {
	s := newServices(t)
	ctx := context.Background()

	doc, err := s.Documents.Upload(ctx, document.UploadRequest{
		Filename: "policy.pdf",
		Data:     testutil.BuildPDF(0, "Records must be retained for five years"),
		OwnerID:  "alice",
	})
	require.NoError(t, err)

	j, err := s.Runner.Submit(ctx, runner.SubmitRequest{
		Type: models.JobTypeDocumentAnalysis, Query: "retention", DocumentID: doc.ID, Owner: "alice",
	})
	require.NoError(t, err)

	done := waitJob(t, s, j.ID)
	require.Equal(t, models.JobCompleted, done.Status, "error: %v", done.Error)

	var resp struct {
		Status   string `json:"status"`
		Document struct {
			Text string `json:"text"`
		} `json:"document"`
	}
	require.NoError(t, json.Unmarshal(done.Result, &resp))
	assert.Equal(t, "SUCCESS", resp.Status)
	assert.Contains(t, resp.Document.Text, "five years")
}

func TestServices_Cleanup(t *testing.T) {
	s := newServices(t)
	ctx := context.Background()

	j, err := s.Runner.Submit(ctx, runner.SubmitRequest{Type: models.JobTypeWebSearch, Query: "q"})
	require.NoError(t, err)
	waitJob(t, s, j.ID)

	n, err := s.Cleanup(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = s.Cleanup(ctx, time.Now().UTC().Add(s.Config.Jobs.Retention+time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestNew_UnknownOCRProvider(t *testing.T) {
	cfg := config.Default()
	cfg.OCR.Providers = []string{"tesseract"}
	_, err := New(context.Background(), cfg, logger.NewTestLogger(),
		WithSearchProvider(stubSearch{}), WithAnalysisProvider(stubAnalysis{}))
	assert.Error(t, err)
}

func TestServices_CleanupRemovesFinishedBlobs(t *testing.T) {
	s := newServices(t)
	s.Config.Jobs.BlobRetention = time.Hour
	ctx := context.Background()

	doc, err := s.Documents.Upload(ctx, document.UploadRequest{
		Filename: "policy.pdf",
		Data:     testutil.BuildPDF(0, "Archive after one hour"),
		OwnerID:  "alice",
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		st, err := s.Documents.GetStatus(ctx, doc.ID)
		return err == nil && st.ProcessingStatus.Terminal()
	}, 5*time.Second, 10*time.Millisecond)

	_, err = s.Cleanup(ctx, time.Now().UTC().Add(2*time.Hour))
	require.NoError(t, err)

	_, err = s.Blobs.Get(ctx, doc.StorageKey)
	assert.Error(t, err)
}
