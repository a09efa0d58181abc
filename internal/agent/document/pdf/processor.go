// Package pdf reads the embedded text layer and page count of PDF files.
package pdf

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
	"golang.org/x/sync/errgroup"

	"github.com/feichai0017/compliance-processor/internal/agent/document"
	"github.com/feichai0017/compliance-processor/internal/apperr"
	"github.com/feichai0017/compliance-processor/pkg/logger"
)

const (
	providerName = "pdf-text"
	maxWorkers   = 4
)

// Processor extracts text from PDFs that carry a text layer. Scanned PDFs
// yield document.ErrNoText so an OCR provider can take over.
type Processor struct {
	logger logger.Logger
	// minChars below which the text layer is treated as absent
	minChars int
}

func NewProcessor(log logger.Logger) *Processor {
	return &Processor{
		logger:   log.Named(providerName),
		minChars: 16,
	}
}

func (p *Processor) Name() string { return providerName }

func (p *Processor) Supports(mimeType string) bool {
	return mimeType == "application/pdf"
}

func (p *Processor) ExtractText(ctx context.Context, in document.Input) (*document.Result, error) {
	reader, err := open(in.Data)
	if err != nil {
		return nil, err
	}

	numPages := reader.NumPage()
	pages := make([]document.Page, numPages)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxWorkers)
	for i := 1; i <= numPages; i++ {
		pageNum := i
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			text, err := pageText(reader, pageNum)
			if err != nil {
				return err
			}
			pages[pageNum-1] = document.Page{Number: pageNum, Text: text}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	total := 0
	for _, pg := range pages {
		total += len(strings.TrimSpace(pg.Text))
	}
	if total < p.minChars {
		p.logger.Debug("PDF has no usable text layer", logger.Int("pages", numPages))
		return nil, document.ErrNoText
	}

	return &document.Result{Provider: providerName, Pages: pages}, nil
}

func pageText(reader *pdf.Reader, n int) (text string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = apperr.Validation("malformed pdf page %d: %v", n, rec)
		}
	}()

	page := reader.Page(n)
	if page.V.IsNull() {
		return "", nil
	}
	text, err = page.GetPlainText(nil)
	if err != nil {
		return "", fmt.Errorf("failed to get text from page %d: %w", n, err)
	}
	return cleanText(text), nil
}

// PageCount returns the number of pages, or an error for data that is not a
// readable PDF.
func PageCount(data []byte) (int, error) {
	reader, err := open(data)
	if err != nil {
		return 0, err
	}
	return reader.NumPage(), nil
}

func open(data []byte) (r *pdf.Reader, err error) {
	// the parser panics on some malformed inputs
	defer func() {
		if rec := recover(); rec != nil {
			r, err = nil, apperr.Validation("malformed pdf: %v", rec)
		}
	}()

	br := bytes.NewReader(data)
	r, err = pdf.NewReader(br, br.Size())
	if err != nil {
		return nil, apperr.New(apperr.KindValidation, "failed to read pdf", err)
	}
	return r, nil
}

// cleanText normalises line endings and drops NUL bytes some generators emit.
func cleanText(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\x00", "")
	return strings.TrimSpace(text)
}
