// Package runner executes jobs in the background. Each run owns its job's
// updates from the PROCESSING claim to the single terminal write.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync/atomic"

	"github.com/feichai0017/compliance-processor/internal/agent/scrape"
	"github.com/feichai0017/compliance-processor/internal/agent/search"
	"github.com/feichai0017/compliance-processor/internal/apperr"
	"github.com/feichai0017/compliance-processor/internal/models"
	"github.com/feichai0017/compliance-processor/internal/service/job"
	"github.com/feichai0017/compliance-processor/internal/service/orchestration"
	"github.com/feichai0017/compliance-processor/pkg/logger"
	"github.com/feichai0017/compliance-processor/pkg/queue"
	"github.com/feichai0017/compliance-processor/pkg/retry"
)

// Checkpoints. Primary work moves progress from progressPrimary to
// progressPrimaryEnd in proportion to completed sub-batches.
const (
	progressClaimed    = 10
	progressPrimary    = 20
	progressPrimaryEnd = 60
	progressSecondary  = 90
)

// errStopped ends a run whose job was finished by someone else, normally a
// cancel.
var errStopped = errors.New("job finished elsewhere")

type Orchestrator interface {
	Process(ctx context.Context, req orchestration.Request, onProgress orchestration.ProgressFunc) (*orchestration.Response, error)
}

type Config struct {
	ScrapeBatchSize int          `yaml:"scrapeBatchSize"`
	MaxResults      int          `yaml:"maxResults"`
	SearchRetry     retry.Policy `yaml:"searchRetry"`
	ScrapeRetry     retry.Policy `yaml:"scrapeRetry"`
}

func DefaultConfig() Config {
	return Config{
		ScrapeBatchSize: 5,
		MaxResults:      10,
		SearchRetry:     retry.DefaultHTTPPolicy(),
		ScrapeRetry:     retry.DefaultHTTPPolicy(),
	}
}

// Parameters is the shape of Job.Parameters understood by the runner.
type Parameters struct {
	URLs       []string `json:"urls,omitempty"`
	BatchSize  int      `json:"batchSize,omitempty"`
	MaxResults int      `json:"maxResults,omitempty"`
	Focus      string   `json:"focus,omitempty"`
}

type SubmitRequest struct {
	Type       models.JobType  `json:"type"`
	Query      string          `json:"query"`
	Owner      string          `json:"owner,omitempty"`
	DocumentID string          `json:"documentId,omitempty"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

type Runner struct {
	tracker      *job.Tracker
	orchestrator Orchestrator
	search       search.Provider
	fetcher      scrape.Fetcher
	dispatcher   queue.Dispatcher
	logger       logger.Logger
	config       Config
	retryOpts    []retry.Option
}

type Option func(*Runner)

func WithRetryOptions(opts ...retry.Option) Option {
	return func(r *Runner) { r.retryOpts = append(r.retryOpts, opts...) }
}

func NewRunner(
	tracker *job.Tracker,
	orchestrator Orchestrator,
	searcher search.Provider,
	fetcher scrape.Fetcher,
	dispatcher queue.Dispatcher,
	log logger.Logger,
	cfg Config,
	opts ...Option,
) *Runner {
	d := DefaultConfig()
	if cfg.ScrapeBatchSize <= 0 {
		cfg.ScrapeBatchSize = d.ScrapeBatchSize
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = d.MaxResults
	}
	if cfg.SearchRetry == (retry.Policy{}) {
		cfg.SearchRetry = d.SearchRetry
	}
	if cfg.ScrapeRetry == (retry.Policy{}) {
		cfg.ScrapeRetry = d.ScrapeRetry
	}
	r := &Runner{
		tracker:      tracker,
		orchestrator: orchestrator,
		search:       searcher,
		fetcher:      fetcher,
		dispatcher:   dispatcher,
		logger:       log.Named("runner"),
		config:       cfg,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// CancelJob fails the job through the tracker and, when the dispatcher
// supports it, drops its job:run task so no worker picks it up. A task that
// already started is left alone; its next checkpoint stops it.
func (r *Runner) CancelJob(ctx context.Context, id string) (*models.Job, error) {
	j, err := r.tracker.CancelJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if c, ok := r.dispatcher.(queue.Canceler); ok {
		if err := c.CancelTask(ctx, id); err != nil {
			r.logger.Debug("Queued task not removed", logger.JobID(id), logger.Error(err))
		}
	}
	return j, nil
}

// Submit records a PENDING job and schedules it. It never waits for the
// work itself.
func (r *Runner) Submit(ctx context.Context, req SubmitRequest) (*models.Job, error) {
	params, err := decodeParameters(req.Parameters)
	if err != nil {
		return nil, err
	}
	req.Query = strings.TrimSpace(req.Query)
	switch req.Type {
	case models.JobTypeSearch, models.JobTypeWebSearch:
		if req.Query == "" {
			return nil, apperr.Validation("%s jobs need a query", req.Type)
		}
	case models.JobTypeDocumentAnalysis:
		if strings.TrimSpace(req.DocumentID) == "" {
			return nil, apperr.Validation("DOCUMENT_ANALYSIS jobs need a documentId")
		}
	case models.JobTypeWebScraping:
		if len(params.URLs) == 0 {
			return nil, apperr.Validation("WEB_SCRAPING jobs need at least one url")
		}
	default:
		return nil, apperr.Validation("unknown job type %q", req.Type)
	}

	j, err := r.tracker.CreateJob(ctx, job.CreateRequest{
		Type:       req.Type,
		Query:      req.Query,
		Owner:      req.Owner,
		DocumentID: req.DocumentID,
		Parameters: req.Parameters,
	})
	if err != nil {
		return nil, err
	}

	task, err := queue.NewTask(queue.TaskTypeJobRun, j.ID, queue.JobPayload{JobID: j.ID})
	if err == nil {
		err = r.dispatcher.Enqueue(ctx, task)
	}
	if err != nil {
		r.logger.Error("Failed to schedule job", logger.JobID(j.ID), logger.Error(err))
		if _, failErr := r.tracker.Fail(ctx, j.ID, "failed to schedule job"); failErr != nil {
			r.logger.Warn("Failed to mark job failed", logger.JobID(j.ID), logger.Error(failErr))
		}
		return nil, apperr.New(apperr.KindInternal, "failed to schedule job", err)
	}
	return j, nil
}

// HandleTask is the queue entry point for job:run tasks.
func (r *Runner) HandleTask(ctx context.Context, task *queue.Task) error {
	var payload queue.JobPayload
	if err := task.Decode(&payload); err != nil {
		return err
	}
	return r.Run(ctx, payload.JobID)
}

// run carries the per-execution state of one job.
type run struct {
	r       *Runner
	job     *models.Job
	log     logger.Logger
	stopped atomic.Bool
}

// checkpoint writes progress. Once the job turns out to be finished it
// returns errStopped and every later checkpoint is a no-op.
func (x *run) checkpoint(ctx context.Context, progress int) error {
	if x.stopped.Load() {
		return errStopped
	}
	_, err := x.r.tracker.SetProgress(ctx, x.job.ID, progress)
	if errors.Is(err, apperr.ErrJobFinished) {
		x.stopped.Store(true)
		x.log.Info("Job finished elsewhere, stopping", logger.Int("progress", progress))
		return errStopped
	}
	if err != nil {
		x.log.Warn("Failed to write checkpoint", logger.Int("progress", progress), logger.Error(err))
	}
	return nil
}

// primary maps done/total sub-batches onto the primary progress band.
func (x *run) primary(ctx context.Context, done, total int) error {
	if total <= 0 {
		total = 1
	}
	return x.checkpoint(ctx, progressPrimary+(progressPrimaryEnd-progressPrimary)*done/total)
}

// Run executes one job and always ends it with exactly one terminal
// update, unless the job was already finished by a cancel.
func (r *Runner) Run(ctx context.Context, jobID string) (err error) {
	log := r.logger.With(logger.JobID(jobID))

	defer func() {
		if rec := recover(); rec != nil {
			log.Error("Job panicked",
				logger.Any("panic", rec),
				logger.String("stack", string(debug.Stack())),
			)
			r.terminate(context.WithoutCancel(ctx), log, jobID, nil, fmt.Errorf("internal error: %v", rec))
			err = nil
		}
	}()

	j, err := r.tracker.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if j.Status.Terminal() {
		log.Info("Job already finished, skipping", logger.String("status", string(j.Status)))
		return nil
	}

	x := &run{r: r, job: j, log: log}
	if x.checkpoint(ctx, progressClaimed) != nil || x.checkpoint(ctx, progressPrimary) != nil {
		return nil
	}
	log.Info("Job started", logger.String("type", string(j.Type)))

	result, runErr := r.execute(ctx, x)
	if x.stopped.Load() || errors.Is(runErr, errStopped) {
		return nil
	}
	if runErr == nil && x.checkpoint(ctx, progressSecondary) != nil {
		return nil
	}
	r.terminate(ctx, log, jobID, result, runErr)
	return nil
}

func (r *Runner) terminate(ctx context.Context, log logger.Logger, jobID string, result interface{}, runErr error) {
	var err error
	if runErr != nil {
		_, err = r.tracker.Fail(ctx, jobID, runErr.Error())
	} else {
		_, err = r.tracker.Complete(ctx, jobID, result)
	}
	switch {
	case errors.Is(err, apperr.ErrJobFinished):
		log.Info("Job finished elsewhere, dropping outcome")
	case err != nil:
		log.Error("Failed to write terminal state", logger.Error(err))
	case runErr != nil:
		log.Warn("Job failed", logger.Error(runErr))
	default:
		log.Info("Job completed")
	}
}

func (r *Runner) execute(ctx context.Context, x *run) (interface{}, error) {
	params, err := decodeParameters(x.job.Parameters)
	if err != nil {
		return nil, err
	}

	switch x.job.Type {
	case models.JobTypeSearch:
		return r.orchestrate(ctx, x, orchestration.Request{Query: x.job.Query}, params)
	case models.JobTypeDocumentAnalysis:
		req := orchestration.Request{Query: x.job.Query}
		if x.job.DocumentID != nil {
			req.DocumentID = *x.job.DocumentID
		}
		return r.orchestrate(ctx, x, req, params)
	case models.JobTypeWebSearch:
		return r.webSearch(ctx, x, params)
	case models.JobTypeWebScraping:
		return r.scrape(ctx, x, params)
	}
	return nil, apperr.Validation("unknown job type %q", x.job.Type)
}

func (r *Runner) orchestrate(ctx context.Context, x *run, req orchestration.Request, params Parameters) (interface{}, error) {
	if x.job.Owner != nil {
		req.Owner = *x.job.Owner
	}
	req.MaxResults = params.MaxResults
	req.Focus = params.Focus

	resp, err := r.orchestrator.Process(ctx, req, func(p orchestration.Progress) {
		if p.Phase == orchestration.PhasePrimary {
			_ = x.primary(ctx, p.Completed, p.Total)
		}
	})
	if err != nil {
		return nil, err
	}
	if resp.Status == orchestration.StatusFailed {
		return nil, apperr.New(apperr.KindPermanentRemote, "all stages failed: "+joinErrors(resp.Errors), nil)
	}
	return resp, nil
}

type WebSearchResult struct {
	Query             string          `json:"query"`
	Summary           string          `json:"summary"`
	Sources           []search.Source `json:"sources"`
	GovernmentSources int             `json:"governmentSources"`
}

func (r *Runner) webSearch(ctx context.Context, x *run, params Parameters) (interface{}, error) {
	maxResults := params.MaxResults
	if maxResults <= 0 {
		maxResults = r.config.MaxResults
	}
	res, err := retry.Do(ctx, r.config.SearchRetry, retry.IsRetryable,
		func(ctx context.Context) (*search.Result, error) {
			return r.search.Search(ctx, search.Query{Text: x.job.Query, MaxResults: maxResults, Focus: params.Focus})
		}, r.retryOpts...)
	if err != nil {
		return nil, err
	}
	if err := x.primary(ctx, 1, 1); err != nil {
		return nil, err
	}

	out := &WebSearchResult{
		Query:   x.job.Query,
		Summary: res.Summary,
		Sources: search.RankGovernmentFirst(res.Sources),
	}
	for _, s := range out.Sources {
		if s.IsGovernmentSource {
			out.GovernmentSources++
		}
	}
	return out, nil
}

func decodeParameters(raw json.RawMessage) (Parameters, error) {
	var p Parameters
	if len(raw) == 0 || string(raw) == "null" {
		return p, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, apperr.Validation("invalid job parameters: %v", err)
	}
	return p, nil
}

func joinErrors(errs map[string]string) string {
	keys := []string{orchestration.ErrKeyDocument, orchestration.ErrKeySearch, orchestration.ErrKeyAnalysis}
	parts := make([]string, 0, len(errs))
	for _, k := range keys {
		if msg, ok := errs[k]; ok {
			parts = append(parts, k+": "+msg)
		}
	}
	return strings.Join(parts, "; ")
}
