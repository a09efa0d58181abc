package runner

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/feichai0017/compliance-processor/internal/agent/scrape"
	"github.com/feichai0017/compliance-processor/internal/apperr"
	"github.com/feichai0017/compliance-processor/pkg/logger"
	"github.com/feichai0017/compliance-processor/pkg/retry"
)

type ScrapeOutcome struct {
	URL        string `json:"url"`
	Title      string `json:"title,omitempty"`
	Text       string `json:"text,omitempty"`
	StatusCode int    `json:"statusCode,omitempty"`
	Error      string `json:"error,omitempty"`
}

type ScrapeResult struct {
	Pages     []ScrapeOutcome `json:"pages"`
	Succeeded int             `json:"succeeded"`
	Failed    int             `json:"failed"`
}

// scrape fetches the job's URLs in sequential sub-batches. URLs inside one
// sub-batch are fetched concurrently; progress moves once per sub-batch.
func (r *Runner) scrape(ctx context.Context, x *run, params Parameters) (interface{}, error) {
	size := params.BatchSize
	if size <= 0 {
		size = r.config.ScrapeBatchSize
	}
	urls := params.URLs
	batches := (len(urls) + size - 1) / size
	res := &ScrapeResult{Pages: make([]ScrapeOutcome, len(urls))}

	for b := 0; b < batches; b++ {
		start, end := b*size, (b+1)*size
		if end > len(urls) {
			end = len(urls)
		}

		var g errgroup.Group
		for i := start; i < end; i++ {
			i := i
			g.Go(func() error {
				res.Pages[i] = r.fetchOne(ctx, x.log, urls[i])
				return nil
			})
		}
		_ = g.Wait()

		if err := x.primary(ctx, b+1, batches); err != nil {
			return nil, err
		}
	}

	for _, p := range res.Pages {
		if p.Error == "" {
			res.Succeeded++
		} else {
			res.Failed++
		}
	}
	if res.Succeeded == 0 {
		return nil, apperr.New(apperr.KindPermanentRemote, fmt.Sprintf("all %d urls failed", len(urls)), nil)
	}
	return res, nil
}

func (r *Runner) fetchOne(ctx context.Context, log logger.Logger, url string) (out ScrapeOutcome) {
	out.URL = url
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("Fetch panicked", logger.String("url", url), logger.Any("panic", rec))
			out = ScrapeOutcome{URL: url, Error: fmt.Sprintf("internal error: %v", rec)}
		}
	}()

	page, err := retry.Do(ctx, r.config.ScrapeRetry, retry.IsRetryable,
		func(ctx context.Context) (*scrape.Page, error) {
			return r.fetcher.Fetch(ctx, url)
		}, r.retryOpts...)
	if err != nil {
		log.Warn("Fetch failed", logger.String("url", url), logger.Error(err))
		out.Error = err.Error()
		return out
	}
	out.Title = page.Title
	out.Text = page.Text
	out.StatusCode = page.StatusCode
	return out
}
