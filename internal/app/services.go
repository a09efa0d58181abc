// Package app builds the service context shared by the API and worker
// processes. Everything is constructed once here and injected.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/feichai0017/compliance-processor/config"
	"github.com/feichai0017/compliance-processor/internal/agent"
	"github.com/feichai0017/compliance-processor/internal/agent/analysis"
	ocr "github.com/feichai0017/compliance-processor/internal/agent/document"
	"github.com/feichai0017/compliance-processor/internal/agent/document/image"
	"github.com/feichai0017/compliance-processor/internal/agent/document/pdf"
	"github.com/feichai0017/compliance-processor/internal/agent/scrape"
	"github.com/feichai0017/compliance-processor/internal/agent/search"
	"github.com/feichai0017/compliance-processor/internal/repository"
	"github.com/feichai0017/compliance-processor/internal/repository/memory"
	"github.com/feichai0017/compliance-processor/internal/repository/postgres"
	"github.com/feichai0017/compliance-processor/internal/service/document"
	"github.com/feichai0017/compliance-processor/internal/service/job"
	"github.com/feichai0017/compliance-processor/internal/service/orchestration"
	"github.com/feichai0017/compliance-processor/internal/service/runner"
	"github.com/feichai0017/compliance-processor/internal/utils/validator"
	"github.com/feichai0017/compliance-processor/pkg/cache"
	"github.com/feichai0017/compliance-processor/pkg/events"
	"github.com/feichai0017/compliance-processor/pkg/logger"
	"github.com/feichai0017/compliance-processor/pkg/queue"
	"github.com/feichai0017/compliance-processor/pkg/storage"
)

type Services struct {
	Config       *config.Config
	Logger       logger.Logger
	Jobs         *job.Tracker
	Documents    *document.Pipeline
	Orchestrator *orchestration.Orchestrator
	Runner       *runner.Runner
	Blobs        storage.Storage
	Dispatcher   queue.Dispatcher
	// Redis is nil when no component needs it.
	Redis redis.UniversalClient

	inline  *queue.InlineQueue
	closers []func() error
}

type options struct {
	providers map[string]ocr.Provider
	search    search.Provider
	analysis  analysis.Provider
	fetcher   scrape.Fetcher
}

type Option func(*options)

// WithOCRProvider supplies a provider by the name used in ocr.providers,
// e.g. the cgo-backed tesseract provider that only the binaries link.
func WithOCRProvider(name string, p ocr.Provider) Option {
	return func(o *options) { o.providers[name] = p }
}

func WithSearchProvider(p search.Provider) Option {
	return func(o *options) { o.search = p }
}

func WithAnalysisProvider(p analysis.Provider) Option {
	return func(o *options) { o.analysis = p }
}

func WithFetcher(f scrape.Fetcher) Option {
	return func(o *options) { o.fetcher = f }
}

func New(ctx context.Context, cfg *config.Config, log logger.Logger, opts ...Option) (s *Services, err error) {
	o := &options{providers: make(map[string]ocr.Provider)}
	for _, opt := range opts {
		opt(o)
	}

	s = &Services{Config: cfg, Logger: log}
	defer func() {
		if err != nil {
			_ = s.Close(context.Background())
		}
	}()

	jobStore, docStore, err := s.openStores(ctx)
	if err != nil {
		return nil, err
	}

	if needsRedis(cfg) {
		s.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		s.closers = append(s.closers, s.Redis.Close)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := s.Redis.Ping(pingCtx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
	}

	var c cache.Cache = cache.NewMemoryCache()
	if cfg.Cache.Backend == "redis" {
		c = cache.NewRedisCache(s.Redis, cfg.Cache.Prefix, log)
	}

	if s.Blobs, err = storage.NewStorage(ctx, cfg.Storage, log); err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	publisher := events.NewNop()
	if cfg.Events.Backend == "amqp" {
		rp, err := events.NewRabbitPublisher(cfg.Events.RabbitMQ, log)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize event publisher: %w", err)
		}
		publisher = rp
	}
	s.closers = append(s.closers, publisher.Close)

	providers, err := s.ocrProviders(ctx, o.providers)
	if err != nil {
		return nil, err
	}

	if o.search == nil {
		o.search = search.NewClient(cfg.Search)
	}
	if o.analysis == nil {
		if o.analysis, err = analysis.New(cfg.Analysis); err != nil {
			return nil, err
		}
	}
	if o.fetcher == nil {
		o.fetcher = scrape.NewHTTPFetcher(cfg.Scrape)
	}

	switch cfg.Queue.Backend {
	case "asynq":
		aq := queue.NewAsynqQueue(queue.QueueConfig{
			RedisAddr:      cfg.Redis.Addr,
			RedisPassword:  cfg.Redis.Password,
			RedisDB:        cfg.Redis.DB,
			ProcessTimeout: cfg.Queue.ProcessTimeout,
			Concurrency:    cfg.Queue.Concurrency,
			Backend:        cfg.Queue.Backend,
		}, log)
		s.closers = append(s.closers, aq.Close)
		s.Dispatcher = aq
	default:
		s.inline = queue.NewInlineQueue(log,
			queue.WithWorkers(cfg.Queue.Concurrency),
			queue.WithQueueSize(cfg.Queue.BufferSize),
			queue.WithProcessTimeout(cfg.Queue.ProcessTimeout),
		)
		s.Dispatcher = s.inline
	}

	s.Jobs = job.NewTracker(jobStore, log, job.WithPublisher(publisher))
	s.Documents = document.NewPipeline(
		docStore, s.Blobs, c,
		agent.NewProviderRegistry(log, providers...),
		validator.NewDocumentValidator(log, &cfg.Upload),
		s.Dispatcher, log,
		document.ServiceConfig{
			SuccessTTL:           cfg.Cache.SuccessTTL,
			FailureTTL:           cfg.Cache.FailureTTL,
			BaselineCharsPerPage: cfg.OCR.BaselineCharsPerPage,
			OCRRetry:             cfg.OCR.Retry,
			ExtractWait:          cfg.OCR.ExtractWait,
		},
	)
	s.Orchestrator = orchestration.NewOrchestrator(s.Documents, o.search, o.analysis, log, orchestration.Config{
		SearchRetry:   cfg.HTTPRetry,
		AnalysisRetry: cfg.HTTPRetry,
		MaxResults:    cfg.Search.MaxResults,
	})
	s.Runner = runner.NewRunner(s.Jobs, s.Orchestrator, o.search, o.fetcher, s.Dispatcher, log, runner.Config{
		ScrapeBatchSize: cfg.Jobs.ScrapeBatchSize,
		MaxResults:      cfg.Search.MaxResults,
		SearchRetry:     cfg.HTTPRetry,
		ScrapeRetry:     cfg.HTTPRetry,
	})

	if s.inline != nil {
		for taskType, h := range s.Handlers() {
			s.inline.Register(taskType, h)
		}
		s.inline.Start()
	}

	log.Info("Services initialized",
		logger.String("database", cfg.Database.Backend),
		logger.String("queue", cfg.Queue.Backend),
		logger.String("cache", cfg.Cache.Backend),
		logger.String("storage", string(cfg.Storage.Type)),
		logger.Strings("ocr", cfg.OCR.Providers),
	)
	return s, nil
}

func (s *Services) openStores(ctx context.Context) (repository.JobStore, repository.DocumentStore, error) {
	if s.Config.Database.Backend != "postgres" {
		return memory.NewJobStore(), memory.NewDocumentStore(), nil
	}
	pool, err := postgres.NewPool(ctx, s.Config.Database.Postgres, s.Logger)
	if err != nil {
		return nil, nil, err
	}
	s.closers = append(s.closers, func() error { pool.Close(); return nil })
	if err := postgres.Migrate(ctx, pool); err != nil {
		return nil, nil, err
	}
	return postgres.NewJobRepository(pool), postgres.NewDocumentRepository(pool), nil
}

func (s *Services) ocrProviders(ctx context.Context, supplied map[string]ocr.Provider) ([]ocr.Provider, error) {
	out := make([]ocr.Provider, 0, len(s.Config.OCR.Providers))
	for _, name := range s.Config.OCR.Providers {
		if p, ok := supplied[name]; ok {
			out = append(out, p)
			continue
		}
		switch name {
		case "pdf":
			out = append(out, pdf.NewProcessor(s.Logger))
		case "textract":
			tc := s.Config.OCR.Textract
			p, err := image.NewTextractProcessor(ctx, &tc, s.Logger)
			if err != nil {
				return nil, fmt.Errorf("failed to initialize textract: %w", err)
			}
			out = append(out, p)
		default:
			return nil, fmt.Errorf("ocr provider %q is not available in this process", name)
		}
	}
	return out, nil
}

// Handlers maps each background task type to its service entry point.
func (s *Services) Handlers() map[string]queue.Handler {
	return map[string]queue.Handler{
		queue.TaskTypeDocumentProcess: s.Documents.HandleTask,
		queue.TaskTypeJobRun:          s.Runner.HandleTask,
	}
}

// Cleanup removes finished jobs past their retention and, when configured,
// stale uploaded files that no unfinished document still needs.
func (s *Services) Cleanup(ctx context.Context, now time.Time) (int64, error) {
	n, err := s.Jobs.CleanupOlderThan(ctx, now.Add(-s.Config.Jobs.Retention))
	if err != nil {
		return 0, err
	}
	if s.Config.Jobs.BlobRetention > 0 {
		if err := s.Blobs.CleanupBefore(ctx, now.Add(-s.Config.Jobs.BlobRetention), s.Documents.BlobInUse); err != nil {
			return n, fmt.Errorf("failed to cleanup storage: %w", err)
		}
	}
	return n, nil
}

// RunCleanup runs Cleanup every interval until ctx is done.
func (s *Services) RunCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.Config.Jobs.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := s.Cleanup(ctx, now.UTC())
			if err != nil {
				s.Logger.Error("Cleanup failed", logger.Error(err))
				continue
			}
			if n > 0 {
				s.Logger.Info("Removed expired jobs", logger.Int64("count", n))
			}
		}
	}
}

// Close drains the inline queue and releases connections in reverse order.
func (s *Services) Close(ctx context.Context) error {
	var first error
	if s.inline != nil {
		if err := s.inline.Shutdown(ctx); err != nil {
			first = err
		}
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	s.closers = nil
	return first
}

func needsRedis(cfg *config.Config) bool {
	return cfg.Queue.Backend == "asynq" || cfg.Cache.Backend == "redis"
}
