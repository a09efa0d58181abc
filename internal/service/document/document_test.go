package document

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ocr "github.com/feichai0017/compliance-processor/internal/agent/document"
	"github.com/feichai0017/compliance-processor/internal/agent/document/pdf"
	"github.com/feichai0017/compliance-processor/internal/apperr"
	"github.com/feichai0017/compliance-processor/internal/models"
	"github.com/feichai0017/compliance-processor/internal/repository/memory"
	"github.com/feichai0017/compliance-processor/internal/testutil"
	"github.com/feichai0017/compliance-processor/internal/utils/validator"
	"github.com/feichai0017/compliance-processor/pkg/cache"
	"github.com/feichai0017/compliance-processor/pkg/logger"
	"github.com/feichai0017/compliance-processor/pkg/queue"
	"github.com/feichai0017/compliance-processor/pkg/retry"
	"github.com/feichai0017/compliance-processor/pkg/storage"
)

const policyText = "Article 5\nPersonal data shall be processed lawfully.\n\nArticle 6\nProcessing is lawful only if consent is given."

type stubOCR struct {
	calls  atomic.Int32
	fail   func(call int32) error
	during func()
	text   string
}

func (s *stubOCR) Name() string         { return "stub" }
func (s *stubOCR) Supports(string) bool { return true }
func (s *stubOCR) ExtractText(_ context.Context, _ ocr.Input) (*ocr.Result, error) {
	n := s.calls.Add(1)
	if s.during != nil {
		s.during()
	}
	if s.fail != nil {
		if err := s.fail(n); err != nil {
			return nil, err
		}
	}
	return &ocr.Result{Pages: []ocr.Page{{Number: 1, Text: s.text}}, Provider: "stub"}, nil
}

type recordingDispatcher struct {
	mu    sync.Mutex
	tasks []*queue.Task
	err   error
}

func (d *recordingDispatcher) Enqueue(_ context.Context, task *queue.Task) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.tasks = append(d.tasks, task)
	return nil
}

type fixture struct {
	pipeline   *Pipeline
	docs       *memory.DocumentStore
	blobs      *storage.MemoryStorage
	cache      *cache.MemoryCache
	ocr        *stubOCR
	dispatcher *recordingDispatcher
}

func newFixture(t *testing.T, provider ocr.Provider, dispatcher queue.Dispatcher) *fixture {
	t.Helper()
	log := logger.NewTestLogger()
	f := &fixture{
		docs:  memory.NewDocumentStore(),
		blobs: storage.NewMemoryStorage(),
		cache: cache.NewMemoryCache(),
	}
	if provider == nil {
		f.ocr = &stubOCR{text: policyText}
		provider = f.ocr
	}
	if dispatcher == nil {
		f.dispatcher = &recordingDispatcher{}
		dispatcher = f.dispatcher
	}
	var seq atomic.Int32
	f.pipeline = NewPipeline(f.docs, f.blobs, f.cache, provider,
		validator.NewDocumentValidator(log, nil), dispatcher, log, DefaultServiceConfig(),
		WithIDGenerator(func() string { return fmt.Sprintf("doc-%02d", seq.Add(1)) }),
		WithRetryOptions(retry.WithSleep(func(context.Context, time.Duration) error { return nil })),
	)
	return f
}

func (f *fixture) upload(t *testing.T, owner string, data []byte) *models.Document {
	t.Helper()
	doc, err := f.pipeline.Upload(context.Background(), UploadRequest{
		Filename: "policy.pdf",
		Data:     data,
		OwnerID:  owner,
	})
	require.NoError(t, err)
	return doc
}

func TestUpload_StoresPendingAndSchedules(t *testing.T) {
	f := newFixture(t, nil, nil)
	data := testutil.BuildPDF(0, "Data retention policy")

	doc := f.upload(t, "alice", data)

	assert.Equal(t, models.StatusPending, doc.ProcessingStatus)
	assert.Equal(t, "application/pdf", doc.MediaType)
	assert.Equal(t, cache.ContentHash(data), doc.ContentHash)
	assert.Equal(t, models.SourcePublic, doc.SourceClassification)
	assert.True(t, f.blobs.Has(doc.StorageKey))
	require.Len(t, f.dispatcher.tasks, 1)
	assert.Equal(t, queue.TaskTypeDocumentProcess, f.dispatcher.tasks[0].Type)
	assert.Zero(t, f.ocr.calls.Load())
}

func TestUpload_RejectsInvalidInput(t *testing.T) {
	f := newFixture(t, nil, nil)

	_, err := f.pipeline.Upload(context.Background(), UploadRequest{Filename: "notes.txt", Data: []byte("hello"), OwnerID: "alice"})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	_, err = f.pipeline.Upload(context.Background(), UploadRequest{
		Filename: "policy.pdf", Data: testutil.BuildPDF(0, "x"), OwnerID: "alice", SourceClassification: "secret",
	})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	assert.Empty(t, f.dispatcher.tasks)
}

func TestUpload_DispatchFailureMarksFailed(t *testing.T) {
	dispatcher := &recordingDispatcher{err: fmt.Errorf("redis down")}
	f := newFixture(t, nil, dispatcher)

	_, err := f.pipeline.Upload(context.Background(), UploadRequest{
		Filename: "policy.pdf", Data: testutil.BuildPDF(0, "x"), OwnerID: "alice",
	})
	require.Error(t, err)

	doc, err := f.docs.Get(context.Background(), "doc-01")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, doc.ProcessingStatus)
}

func TestProcess_IdenticalContentSkipsSecondOCR(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	data := testutil.BuildPDF(0, "Identical bytes")

	first := f.upload(t, "alice", data)
	second := f.upload(t, "bob", data)

	a, err := f.pipeline.Process(ctx, first.ID)
	require.NoError(t, err)
	b, err := f.pipeline.Process(ctx, second.ID)
	require.NoError(t, err)

	assert.Equal(t, int32(1), f.ocr.calls.Load())
	assert.Equal(t, models.StatusProcessed, a.ProcessingStatus)
	assert.Equal(t, models.StatusProcessed, b.ProcessingStatus)
	assert.Equal(t, *a.ExtractedText, *b.ExtractedText)
	assert.Equal(t, *a.ConfidenceScore, *b.ConfidenceScore)

	// the hash hit warmed the second document's identity key
	_, ok := cache.Get[models.CacheEntry](ctx, f.cache, cache.DocumentKey(second.ID, "bob"))
	assert.True(t, ok)
}

func TestProcess_SecondClaimIsNoop(t *testing.T) {
	f := newFixture(t, nil, nil)
	doc := f.upload(t, "alice", testutil.BuildPDF(0, "once"))

	_, err := f.pipeline.Process(context.Background(), doc.ID)
	require.NoError(t, err)
	again, err := f.pipeline.Process(context.Background(), doc.ID)
	require.NoError(t, err)

	assert.Equal(t, models.StatusProcessed, again.ProcessingStatus)
	assert.Equal(t, int32(1), f.ocr.calls.Load())
}

func TestProcess_RetriesTransientOCRFailures(t *testing.T) {
	stub := &stubOCR{text: policyText, fail: func(n int32) error {
		if n <= 2 {
			return apperr.NewRemoteError("stub", 503, "unavailable", nil)
		}
		return nil
	}}
	f := newFixture(t, stub, nil)
	doc := f.upload(t, "alice", testutil.BuildPDF(0, "flaky"))

	got, err := f.pipeline.Process(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessed, got.ProcessingStatus)
	assert.Equal(t, int32(3), stub.calls.Load())
}

func TestProcess_FailureIsCachedForIdenticalContent(t *testing.T) {
	stub := &stubOCR{fail: func(int32) error {
		return apperr.NewRemoteError("stub", 400, "unsupported document", nil)
	}}
	f := newFixture(t, stub, nil)
	ctx := context.Background()
	data := testutil.BuildPDF(0, "unreadable")

	first := f.upload(t, "alice", data)
	got, err := f.pipeline.Process(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.ProcessingStatus)
	require.NotNil(t, got.Error)
	assert.Contains(t, *got.Error, "unsupported document")
	assert.Equal(t, int32(1), stub.calls.Load())

	second := f.upload(t, "alice", data)
	got, err = f.pipeline.Process(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.ProcessingStatus)
	assert.Equal(t, int32(1), stub.calls.Load())

	_, err = f.pipeline.Extract(ctx, second.ID)
	assert.Equal(t, apperr.KindPermanentRemote, apperr.KindOf(err))
}

func TestFailureTTLIsShorter(t *testing.T) {
	cfg := ServiceConfig{SuccessTTL: 7 * time.Hour}.withDefaults()
	assert.Equal(t, time.Hour, cfg.FailureTTL)
}

func TestDelete_SoleReferencerRemovesHashEntry(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	data := testutil.BuildPDF(0, "sole")
	doc := f.upload(t, "alice", data)
	_, err := f.pipeline.Process(ctx, doc.ID)
	require.NoError(t, err)

	require.NoError(t, f.pipeline.Delete(ctx, doc.ID))

	_, ok := f.cache.Get(ctx, cache.HashKey(doc.ContentHash))
	assert.False(t, ok)
	_, ok = f.cache.Get(ctx, cache.DocumentKey(doc.ID, "alice"))
	assert.False(t, ok)
	assert.False(t, f.blobs.Has(doc.StorageKey))
	_, err = f.pipeline.GetStatus(ctx, doc.ID)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestDelete_SharedHashEntrySurvives(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	data := testutil.BuildPDF(0, "shared")
	first := f.upload(t, "alice", data)
	second := f.upload(t, "alice", data)
	_, err := f.pipeline.Process(ctx, first.ID)
	require.NoError(t, err)

	require.NoError(t, f.pipeline.Delete(ctx, first.ID))

	_, ok := f.cache.Get(ctx, cache.HashKey(cache.ContentHash(data)))
	assert.True(t, ok)

	got, err := f.pipeline.Process(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessed, got.ProcessingStatus)
	assert.Equal(t, int32(1), f.ocr.calls.Load())
}

func TestDelete_Unknown(t *testing.T) {
	f := newFixture(t, nil, nil)
	err := f.pipeline.Delete(context.Background(), "missing")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestExtract_ProcessesPendingInline(t *testing.T) {
	f := newFixture(t, nil, nil)
	doc := f.upload(t, "alice", testutil.BuildPDF(0, "inline"))

	res, err := f.pipeline.Extract(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Equal(t, strings.TrimSpace(policyText), res.Text)
	assert.GreaterOrEqual(t, res.Confidence, 0.1)
}

// A 50KB PDF goes through the real queue and the real text-layer provider.
func TestScenario_UploadedPDFReachesProcessed(t *testing.T) {
	log := logger.NewTestLogger()
	q := queue.NewInlineQueue(log, queue.WithWorkers(2))
	f := newFixture(t, pdf.NewProcessor(log), q)
	q.Register(queue.TaskTypeDocumentProcess, f.pipeline.HandleTask)
	q.Start()
	defer q.Shutdown(context.Background())

	data := testutil.BuildPDF(50*1024, "Annual compliance report on data retention obligations")
	require.GreaterOrEqual(t, len(data), 50*1024)

	doc := f.upload(t, "alice", data)
	assert.Equal(t, models.StatusPending, doc.ProcessingStatus)

	require.Eventually(t, func() bool {
		st, err := f.pipeline.GetStatus(context.Background(), doc.ID)
		return err == nil && st.ProcessingStatus.Terminal()
	}, 5*time.Second, 10*time.Millisecond)

	got, err := f.pipeline.Get(context.Background(), doc.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusProcessed, got.ProcessingStatus)
	require.NotNil(t, got.ExtractedText)
	assert.Contains(t, *got.ExtractedText, "retention")
	require.NotNil(t, got.ConfidenceScore)
	assert.GreaterOrEqual(t, *got.ConfidenceScore, 0.1)
	assert.LessOrEqual(t, *got.ConfidenceScore, 1.0)
}

func TestProcess_DeletedDuringOCRLeavesNoCacheEntries(t *testing.T) {
	stub := &stubOCR{text: policyText}
	f := newFixture(t, stub, nil)
	ctx := context.Background()
	doc := f.upload(t, "alice", testutil.BuildPDF(0, "short lived"))
	stub.during = func() { require.NoError(t, f.pipeline.Delete(ctx, doc.ID)) }

	_, err := f.pipeline.Process(ctx, doc.ID)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	_, ok := cache.Get[models.CacheEntry](ctx, f.cache, cache.DocumentKey(doc.ID, "alice"))
	assert.False(t, ok)
	_, ok = cache.Get[models.CacheEntry](ctx, f.cache, cache.HashKey(doc.ContentHash))
	assert.False(t, ok)
}

func TestProcess_EmptyTextFails(t *testing.T) {
	f := newFixture(t, &stubOCR{text: "  \n "}, nil)
	doc := f.upload(t, "alice", testutil.BuildPDF(0, "blank scan"))

	got, err := f.pipeline.Process(context.Background(), doc.ID)
	require.NoError(t, err)

	assert.Equal(t, models.StatusFailed, got.ProcessingStatus)
	assert.Nil(t, got.ExtractedText)
	require.NotNil(t, got.Error)
	assert.Contains(t, *got.Error, "no extractable text")
}

func TestBlobInUse_OnlyWhileUnfinished(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	doc := f.upload(t, "alice", testutil.BuildPDF(0, "kept until processed"))

	require.NoError(t, f.blobs.CleanupBefore(ctx, time.Now().Add(time.Hour), f.pipeline.BlobInUse))
	assert.True(t, f.blobs.Has(doc.StorageKey))

	_, err := f.pipeline.Process(ctx, doc.ID)
	require.NoError(t, err)

	require.NoError(t, f.blobs.CleanupBefore(ctx, time.Now().Add(time.Hour), f.pipeline.BlobInUse))
	assert.False(t, f.blobs.Has(doc.StorageKey))
}
