// Package orchestration combines document extraction, web search and
// analysis into one request. Stage failures are collected per stage and
// never abort the sibling stages.
package orchestration

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/feichai0017/compliance-processor/internal/agent/analysis"
	"github.com/feichai0017/compliance-processor/internal/agent/search"
	"github.com/feichai0017/compliance-processor/internal/apperr"
	"github.com/feichai0017/compliance-processor/internal/models"
	"github.com/feichai0017/compliance-processor/pkg/logger"
	"github.com/feichai0017/compliance-processor/pkg/retry"
)

type Status string

const (
	StatusSuccess        Status = "SUCCESS"
	StatusPartialSuccess Status = "PARTIAL_SUCCESS"
	StatusFailed         Status = "FAILED"
)

// Keys of Response.Errors.
const (
	ErrKeyDocument = "documentProcessing"
	ErrKeySearch   = "searchProcessing"
	ErrKeyAnalysis = "analysisProcessing"
)

// Extractor is the slice of the document pipeline orchestration needs.
type Extractor interface {
	Extract(ctx context.Context, documentID string) (*models.ExtractionResult, error)
}

type Request struct {
	Query      string `json:"query"`
	DocumentID string `json:"documentId,omitempty"`
	Owner      string `json:"owner,omitempty"`
	MaxResults int    `json:"maxResults,omitempty"`
	Focus      string `json:"focus,omitempty"`
}

type Response struct {
	Status      Status                   `json:"status"`
	Document    *models.ExtractionResult `json:"document,omitempty"`
	Search      *search.Result           `json:"search,omitempty"`
	Analysis    *analysis.Result         `json:"analysis,omitempty"`
	Errors      map[string]string        `json:"errors"`
	StartedAt   time.Time                `json:"startedAt"`
	CompletedAt time.Time                `json:"completedAt"`
}

type Phase string

const (
	// PhasePrimary covers extraction and search, which run side by side.
	PhasePrimary   Phase = "primary"
	PhaseSecondary Phase = "secondary"
)

// Progress reports Completed of Total stages finished within Phase.
type Progress struct {
	Phase     Phase
	Completed int
	Total     int
}

type ProgressFunc func(Progress)

type Config struct {
	SearchRetry   retry.Policy `yaml:"searchRetry"`
	AnalysisRetry retry.Policy `yaml:"analysisRetry"`
	MaxResults    int          `yaml:"maxResults"`
	// MaxSnippets caps how many search snippets feed the analysis context.
	MaxSnippets int `yaml:"maxSnippets"`
}

func DefaultConfig() Config {
	return Config{
		SearchRetry:   retry.DefaultHTTPPolicy(),
		AnalysisRetry: retry.DefaultHTTPPolicy(),
		MaxResults:    10,
		MaxSnippets:   10,
	}
}

type Orchestrator struct {
	documents Extractor
	search    search.Provider
	analysis  analysis.Provider
	logger    logger.Logger
	config    Config
	now       func() time.Time
	retryOpts []retry.Option
}

type Option func(*Orchestrator)

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func WithRetryOptions(opts ...retry.Option) Option {
	return func(o *Orchestrator) { o.retryOpts = append(o.retryOpts, opts...) }
}

func NewOrchestrator(
	documents Extractor,
	searcher search.Provider,
	analyzer analysis.Provider,
	log logger.Logger,
	cfg Config,
	opts ...Option,
) *Orchestrator {
	d := DefaultConfig()
	if cfg.SearchRetry == (retry.Policy{}) {
		cfg.SearchRetry = d.SearchRetry
	}
	if cfg.AnalysisRetry == (retry.Policy{}) {
		cfg.AnalysisRetry = d.AnalysisRetry
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = d.MaxResults
	}
	if cfg.MaxSnippets <= 0 {
		cfg.MaxSnippets = d.MaxSnippets
	}
	o := &Orchestrator{
		documents: documents,
		search:    searcher,
		analysis:  analyzer,
		logger:    log.Named("orchestrator"),
		config:    cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Process runs every stage the request allows. The only error it returns is
// a validation error; stage failures land in Response.Errors.
func (o *Orchestrator) Process(ctx context.Context, req Request, onProgress ProgressFunc) (*Response, error) {
	req.Query = strings.TrimSpace(req.Query)
	req.DocumentID = strings.TrimSpace(req.DocumentID)
	if req.Query == "" && req.DocumentID == "" {
		return nil, apperr.Validation("a query or a documentId is required")
	}
	if onProgress == nil {
		onProgress = func(Progress) {}
	}
	if req.MaxResults <= 0 {
		req.MaxResults = o.config.MaxResults
	}

	log := o.logger.With(logger.String("query", req.Query), logger.DocumentID(req.DocumentID))
	resp := &Response{Errors: make(map[string]string), StartedAt: o.now()}
	attempted, succeeded := 0, 0

	var (
		mu   sync.Mutex
		done int
	)
	primary := 0
	if req.DocumentID != "" {
		primary++
	}
	if req.Query != "" {
		primary++
	}
	record := func(key string, err error) {
		mu.Lock()
		attempted++
		if err != nil {
			resp.Errors[key] = err.Error()
		} else {
			succeeded++
		}
		done++
		completed := done
		mu.Unlock()

		if err != nil {
			log.Warn("Stage failed", logger.String("stage", key), logger.Error(err))
		}
		onProgress(Progress{Phase: PhasePrimary, Completed: completed, Total: primary})
	}

	var g errgroup.Group
	if req.DocumentID != "" {
		g.Go(func() error {
			err := guard(log, ErrKeyDocument, func() error {
				res, err := o.documents.Extract(ctx, req.DocumentID)
				if err == nil {
					resp.Document = res
				}
				return err
			})
			record(ErrKeyDocument, err)
			return nil
		})
	}
	if req.Query != "" {
		g.Go(func() error {
			err := guard(log, ErrKeySearch, func() error {
				res, err := retry.Do(ctx, o.config.SearchRetry, retry.IsRetryable,
					func(ctx context.Context) (*search.Result, error) {
						return o.search.Search(ctx, search.Query{Text: req.Query, MaxResults: req.MaxResults, Focus: req.Focus})
					}, o.retryOpts...)
				if err == nil {
					res.Sources = search.RankGovernmentFirst(res.Sources)
					resp.Search = res
				}
				return err
			})
			record(ErrKeySearch, err)
			return nil
		})
	}
	_ = g.Wait()

	analysisCtx := o.analysisContext(resp)
	if req.Query != "" || analysisCtx != "" {
		attempted++
		var res *analysis.Result
		err := guard(log, ErrKeyAnalysis, func() (err error) {
			res, err = retry.Do(ctx, o.config.AnalysisRetry, retry.IsRetryable,
				func(ctx context.Context) (*analysis.Result, error) {
					return o.analysis.Analyze(ctx, analysis.Request{Context: analysisCtx, Query: req.Query})
				}, o.retryOpts...)
			return err
		})
		if err != nil {
			resp.Errors[ErrKeyAnalysis] = err.Error()
			log.Warn("Stage failed", logger.String("stage", ErrKeyAnalysis), logger.Error(err))
		} else {
			succeeded++
			resp.Analysis = res
		}
	}
	onProgress(Progress{Phase: PhaseSecondary, Completed: 1, Total: 1})

	resp.Status = overallStatus(attempted, succeeded)
	resp.CompletedAt = o.now()
	log.Info("Orchestration finished",
		logger.String("status", string(resp.Status)),
		logger.Int("attempted", attempted),
		logger.Int("succeeded", succeeded),
		logger.Duration("elapsed", resp.CompletedAt.Sub(resp.StartedAt)),
	)
	return resp, nil
}

// guard runs one stage and turns a panic into that stage's error.
func guard(log logger.Logger, stage string, fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("Stage panicked",
				logger.String("stage", stage),
				logger.Any("panic", rec),
				logger.Stack(),
			)
			err = fmt.Errorf("internal error: %v", rec)
		}
	}()
	return fn()
}

func overallStatus(attempted, succeeded int) Status {
	switch {
	case attempted == 0 || succeeded == 0:
		return StatusFailed
	case succeeded == attempted:
		return StatusSuccess
	default:
		return StatusPartialSuccess
	}
}

// analysisContext joins the extracted text with the search summary and
// snippets. Empty when neither stage produced anything.
func (o *Orchestrator) analysisContext(resp *Response) string {
	var b strings.Builder
	if resp.Document != nil && resp.Document.Text != "" {
		b.WriteString("Document:\n")
		b.WriteString(resp.Document.Text)
		b.WriteString("\n\n")
	}
	if resp.Search != nil {
		if resp.Search.Summary != "" {
			b.WriteString("Search summary:\n")
			b.WriteString(resp.Search.Summary)
			b.WriteString("\n\n")
		}
		for i, s := range resp.Search.Sources {
			if i == o.config.MaxSnippets {
				break
			}
			fmt.Fprintf(&b, "[%d] %s (%s)\n%s\n\n", i+1, s.Title, s.URL, s.Snippet)
		}
	}
	return strings.TrimSpace(b.String())
}
