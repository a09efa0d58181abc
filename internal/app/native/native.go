// Package native builds the OCR providers that need cgo. Only the binaries
// import it, so tests and tools can link internal/app without tesseract.
package native

import (
	"fmt"

	"github.com/feichai0017/compliance-processor/config"
	"github.com/feichai0017/compliance-processor/internal/agent/document/image/tesseract"
	"github.com/feichai0017/compliance-processor/internal/app"
	"github.com/feichai0017/compliance-processor/pkg/logger"
)

// Options returns app options for every cgo provider listed in
// ocr.providers.
func Options(cfg *config.Config, log logger.Logger) ([]app.Option, error) {
	var opts []app.Option
	for _, name := range cfg.OCR.Providers {
		if name != "tesseract" {
			continue
		}
		p, err := tesseract.NewProcessor(log, tesseract.Config{
			Languages:     cfg.OCR.Tesseract.Languages,
			PageSegMode:   cfg.OCR.Tesseract.PageSegMode,
			MinConfidence: cfg.OCR.Tesseract.MinConfidence,
			Preprocess:    cfg.OCR.Tesseract.Preprocess,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tesseract: %w", err)
		}
		opts = append(opts, app.WithOCRProvider("tesseract", p))
	}
	return opts, nil
}
