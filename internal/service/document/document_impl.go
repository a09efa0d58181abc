package document

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	ocr "github.com/feichai0017/compliance-processor/internal/agent/document"
	"github.com/feichai0017/compliance-processor/internal/apperr"
	"github.com/feichai0017/compliance-processor/internal/models"
	"github.com/feichai0017/compliance-processor/internal/repository"
	"github.com/feichai0017/compliance-processor/internal/utils/validator"
	"github.com/feichai0017/compliance-processor/pkg/cache"
	"github.com/feichai0017/compliance-processor/pkg/logger"
	"github.com/feichai0017/compliance-processor/pkg/queue"
	"github.com/feichai0017/compliance-processor/pkg/retry"
	"github.com/feichai0017/compliance-processor/pkg/storage"
)

type Pipeline struct {
	docs       repository.DocumentStore
	blobs      storage.Storage
	cache      cache.Cache
	ocr        ocr.Provider
	validator  *validator.DocumentValidator
	dispatcher queue.Dispatcher
	logger     logger.Logger
	config     ServiceConfig

	now       func() time.Time
	newID     func() string
	retryOpts []retry.Option
}

type Option func(*Pipeline)

func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

func WithIDGenerator(fn func() string) Option {
	return func(p *Pipeline) { p.newID = fn }
}

// WithRetryOptions is mostly useful in tests to replace the backoff sleep.
func WithRetryOptions(opts ...retry.Option) Option {
	return func(p *Pipeline) { p.retryOpts = append(p.retryOpts, opts...) }
}

func NewPipeline(
	docs repository.DocumentStore,
	blobs storage.Storage,
	c cache.Cache,
	provider ocr.Provider,
	v *validator.DocumentValidator,
	dispatcher queue.Dispatcher,
	log logger.Logger,
	cfg ServiceConfig,
	opts ...Option,
) *Pipeline {
	p := &Pipeline{
		docs:       docs,
		blobs:      blobs,
		cache:      c,
		ocr:        provider,
		validator:  v,
		dispatcher: dispatcher,
		logger:     log.Named("document"),
		config:     cfg.withDefaults(),
		now:        func() time.Time { return time.Now().UTC() },
		newID:      func() string { return uuid.New().String() },
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Upload validates and stores the file, records it PENDING and schedules
// background processing. It returns before any OCR happens.
func (p *Pipeline) Upload(ctx context.Context, req UploadRequest) (*models.Document, error) {
	p.logger.Info("Starting file upload",
		logger.String("filename", req.Filename),
		logger.Int("size", len(req.Data)),
	)

	if strings.TrimSpace(req.OwnerID) == "" {
		return nil, apperr.Validation("ownerId is required")
	}
	class := req.SourceClassification
	if class == "" {
		class = models.SourcePublic
	}
	if !class.Valid() {
		return nil, apperr.Validation("invalid sourceClassification %q", class)
	}

	check := p.validator.Validate(req.Filename, req.Data)
	if err := check.Err(); err != nil {
		return nil, err
	}
	info := check.FileInfo

	now := p.now()
	doc := &models.Document{
		ID:                   p.newID(),
		OriginalName:         info.Filename,
		MediaType:            info.MimeType,
		SizeBytes:            info.Size,
		OwnerID:              req.OwnerID,
		SourceClassification: class,
		ProcessingStatus:     models.StatusPending,
		PageCount:            info.PageCount,
		ContentHash:          cache.ContentHash(req.Data),
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	doc.StorageKey = fmt.Sprintf("documents/%s/%s%s", doc.OwnerID, doc.ID, filepath.Ext(info.Filename))

	if _, err := p.blobs.Store(ctx, bytes.NewReader(req.Data), doc.StorageKey, doc.SizeBytes, doc.MediaType); err != nil {
		return nil, fmt.Errorf("failed to store file: %w", err)
	}
	if err := p.docs.Create(ctx, doc); err != nil {
		if delErr := p.blobs.Delete(ctx, doc.StorageKey); delErr != nil {
			p.logger.Warn("Failed to remove orphaned blob", logger.String("key", doc.StorageKey), logger.Error(delErr))
		}
		return nil, fmt.Errorf("failed to create document: %w", err)
	}

	task, err := queue.NewTask(queue.TaskTypeDocumentProcess, doc.ID, queue.DocumentPayload{DocumentID: doc.ID})
	if err == nil {
		err = p.dispatcher.Enqueue(ctx, task)
	}
	if err != nil {
		p.logger.Error("Failed to schedule processing", logger.DocumentID(doc.ID), logger.Error(err))
		if _, failErr := p.fail(ctx, doc.ID, "failed to schedule processing"); failErr != nil {
			p.logger.Warn("Failed to mark document failed", logger.DocumentID(doc.ID), logger.Error(failErr))
		}
		return nil, apperr.New(apperr.KindInternal, "failed to schedule processing", err)
	}

	p.logger.Info("Document accepted",
		logger.DocumentID(doc.ID),
		logger.String("mediaType", doc.MediaType),
		logger.String("contentHash", doc.ContentHash),
	)
	return doc, nil
}

// HandleTask is the queue entry point for document:process tasks.
func (p *Pipeline) HandleTask(ctx context.Context, task *queue.Task) error {
	var payload queue.DocumentPayload
	if err := task.Decode(&payload); err != nil {
		return err
	}
	if payload.DocumentID == "" {
		return apperr.Validation("task %s has no documentId", task.ID)
	}
	_, err := p.Process(ctx, payload.DocumentID)
	return err
}

// Process claims a PENDING document and drives it to PROCESSED or FAILED.
// A document already claimed elsewhere is returned unchanged.
func (p *Pipeline) Process(ctx context.Context, documentID string) (*models.Document, error) {
	doc, err := p.docs.Claim(ctx, documentID)
	if errors.Is(err, apperr.ErrAlreadyClaimed) {
		p.logger.Debug("Document already claimed", logger.DocumentID(documentID))
		return p.docs.Get(ctx, documentID)
	}
	if err != nil {
		return nil, err
	}

	log := p.logger.With(logger.DocumentID(doc.ID))
	idKey := cache.DocumentKey(doc.ID, doc.OwnerID)
	hashKey := cache.HashKey(doc.ContentHash)

	if entry, ok := cache.Get[models.CacheEntry](ctx, p.cache, idKey); ok {
		log.Info("Identity cache hit", logger.CacheKey(idKey))
		return p.finish(ctx, doc, entry)
	}
	if entry, ok := cache.Get[models.CacheEntry](ctx, p.cache, hashKey); ok {
		log.Info("Content hash cache hit", logger.CacheKey(hashKey))
		return p.complete(ctx, doc, entry, idKey)
	}

	data, err := storage.ReadAll(ctx, p.blobs, doc.StorageKey)
	if err != nil {
		log.Error("Failed to read stored file", logger.Error(err))
		return p.finish(ctx, doc, models.CacheEntry{
			Status:      models.StatusFailed,
			Error:       "stored file unavailable",
			ProcessedAt: p.now(),
		})
	}

	attempts := 0
	res, err := retry.Do(ctx, p.config.OCRRetry, retry.IsRetryable,
		func(ctx context.Context) (*ocr.Result, error) {
			attempts++
			return p.ocr.ExtractText(ctx, ocr.Input{Data: data, MediaType: doc.MediaType, StorageKey: doc.StorageKey})
		},
		append([]retry.Option{retry.WithOnRetry(func(attempt int, err error, wait time.Duration) {
			log.Warn("OCR attempt failed, retrying",
				logger.Int("attempt", attempt),
				logger.Duration("wait", wait),
				logger.Error(err),
			)
		})}, p.retryOpts...)...,
	)
	if err == nil && strings.TrimSpace(res.Text()) == "" {
		err = ocr.ErrNoText
	}

	if err != nil {
		log.Error("OCR failed", logger.Int("attempts", attempts), logger.Error(err))
		entry := models.CacheEntry{Status: models.StatusFailed, Error: err.Error(), ProcessedAt: p.now()}
		if ctx.Err() != nil {
			// shutdown or caller gave up: record the failure but let a
			// resubmission try again
			return p.finish(context.WithoutCancel(ctx), doc, entry)
		}
		return p.complete(ctx, doc, entry, idKey, hashKey)
	}

	text := res.Text()
	pages := doc.PageCount
	if len(res.Pages) > pages {
		pages = len(res.Pages)
	}
	if pages < 1 {
		pages = 1
	}
	entry := models.CacheEntry{
		Status: models.StatusProcessed,
		Result: &models.ExtractionResult{
			Text:       text,
			Confidence: Confidence(text, pages, p.config.BaselineCharsPerPage),
			PageCount:  pages,
		},
		ProcessedAt: p.now(),
	}
	log.Info("OCR completed",
		logger.String("provider", res.Provider),
		logger.Int("attempts", attempts),
		logger.Int("pages", pages),
		logger.Float64("confidence", entry.Result.Confidence),
	)
	return p.complete(ctx, doc, entry, idKey, hashKey)
}

// complete persists the outcome before caching it under keys, so a document
// deleted while its OCR ran leaves no cache entries behind.
func (p *Pipeline) complete(ctx context.Context, doc *models.Document, entry models.CacheEntry, keys ...string) (*models.Document, error) {
	out, err := p.finish(ctx, doc, entry)
	if err != nil {
		return nil, err
	}
	for _, key := range keys {
		p.setCache(ctx, key, entry)
	}
	// Delete may have run between Finish and the cache writes.
	if _, err := p.docs.Get(ctx, doc.ID); errors.Is(err, apperr.ErrNotFound) {
		p.forget(ctx, doc)
	}
	return out, nil
}

// forget drops the identity entry of doc, and the hash entry when no
// remaining document shares its content. It reports how many still do.
func (p *Pipeline) forget(ctx context.Context, doc *models.Document) int {
	p.cache.Delete(ctx, cache.DocumentKey(doc.ID, doc.OwnerID))
	remaining, err := p.docs.CountByContentHash(ctx, doc.ContentHash)
	if err != nil {
		p.logger.Warn("Failed to count documents sharing content", logger.DocumentID(doc.ID), logger.Error(err))
		return -1
	}
	if remaining == 0 {
		p.cache.Delete(ctx, cache.HashKey(doc.ContentHash))
	}
	return remaining
}

func (p *Pipeline) finish(ctx context.Context, doc *models.Document, entry models.CacheEntry) (*models.Document, error) {
	now := p.now()
	doc.ProcessingStatus = entry.Status
	doc.UpdatedAt = now
	doc.ProcessedAt = &now
	if entry.Status == models.StatusProcessed && entry.Result != nil {
		text := entry.Result.Text
		conf := entry.Result.Confidence
		doc.ExtractedText = &text
		doc.ConfidenceScore = &conf
		doc.Error = nil
		if entry.Result.PageCount > 0 {
			doc.PageCount = entry.Result.PageCount
		}
	} else {
		doc.ProcessingStatus = models.StatusFailed
		msg := entry.Error
		if msg == "" {
			msg = "processing failed"
		}
		doc.Error = &msg
	}

	if err := p.docs.Finish(ctx, doc); err != nil {
		return nil, fmt.Errorf("failed to persist document outcome: %w", err)
	}
	p.logger.Info("Document finished",
		logger.DocumentID(doc.ID),
		logger.String("status", string(doc.ProcessingStatus)),
	)
	return doc, nil
}

func (p *Pipeline) fail(ctx context.Context, documentID, reason string) (*models.Document, error) {
	doc, err := p.docs.Claim(ctx, documentID)
	if err != nil {
		return nil, err
	}
	return p.finish(ctx, doc, models.CacheEntry{Status: models.StatusFailed, Error: reason})
}

func (p *Pipeline) setCache(ctx context.Context, key string, entry models.CacheEntry) {
	ttl := p.config.SuccessTTL
	if entry.Status != models.StatusProcessed {
		ttl = p.config.FailureTTL
	}
	if !cache.Set(ctx, p.cache, key, entry, ttl) {
		p.logger.Warn("Failed to write cache entry", logger.CacheKey(key))
	}
}

func (p *Pipeline) Get(ctx context.Context, documentID string) (*models.Document, error) {
	return p.docs.Get(ctx, documentID)
}

func (p *Pipeline) GetStatus(ctx context.Context, documentID string) (*models.DocumentStatus, error) {
	doc, err := p.docs.Get(ctx, documentID)
	if err != nil {
		return nil, err
	}
	return doc.Status(), nil
}

// Delete removes the blob, the record and the identity cache entry. The
// hash entry goes too once no remaining document shares the content.
func (p *Pipeline) Delete(ctx context.Context, documentID string) error {
	doc, err := p.docs.Get(ctx, documentID)
	if err != nil {
		return err
	}

	if err := p.blobs.Delete(ctx, doc.StorageKey); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	if err := p.docs.Delete(ctx, doc.ID); err != nil {
		return err
	}

	remaining := p.forget(ctx, doc)

	p.logger.Info("Document deleted",
		logger.DocumentID(doc.ID),
		logger.Int("sharingContent", remaining),
	)
	return nil
}

// BlobInUse reports whether an unfinished document still needs the stored
// file at key. Lookup failures count as in use.
func (p *Pipeline) BlobInUse(ctx context.Context, key string) bool {
	inUse, err := p.docs.HasUnfinishedWithStorageKey(ctx, key)
	if err != nil {
		p.logger.Warn("Failed to check stored file usage", logger.String("key", key), logger.Error(err))
		return true
	}
	return inUse
}

// Extract returns the document's text, processing it inline while it is
// still PENDING and waiting a bounded time while another worker has it.
func (p *Pipeline) Extract(ctx context.Context, documentID string) (*models.ExtractionResult, error) {
	doc, err := p.docs.Get(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if doc.ProcessingStatus == models.StatusPending {
		if doc, err = p.Process(ctx, documentID); err != nil {
			return nil, err
		}
	}
	if doc.ProcessingStatus == models.StatusProcessing {
		if doc, err = p.await(ctx, documentID); err != nil {
			return nil, err
		}
	}

	switch doc.ProcessingStatus {
	case models.StatusProcessed:
		return &models.ExtractionResult{
			Text:       *doc.ExtractedText,
			Confidence: *doc.ConfidenceScore,
			PageCount:  doc.PageCount,
		}, nil
	default:
		msg := "processing failed"
		if doc.Error != nil {
			msg = *doc.Error
		}
		return nil, apperr.New(apperr.KindPermanentRemote, fmt.Sprintf("document %s failed: %s", doc.ID, msg), nil)
	}
}

func (p *Pipeline) await(ctx context.Context, documentID string) (*models.Document, error) {
	ctx, cancel := context.WithTimeout(ctx, p.config.ExtractWait)
	defer cancel()
	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, apperr.New(apperr.KindTransientRemote, "document is still processing", ctx.Err())
		case <-ticker.C:
			doc, err := p.docs.Get(ctx, documentID)
			if err != nil {
				return nil, err
			}
			if doc.ProcessingStatus.Terminal() {
				return doc, nil
			}
		}
	}
}
