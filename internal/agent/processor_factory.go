package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/feichai0017/compliance-processor/internal/agent/document"
	"github.com/feichai0017/compliance-processor/internal/apperr"
	"github.com/feichai0017/compliance-processor/pkg/logger"
)

var extToMIME = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".tif":  "image/tiff",
	".tiff": "image/tiff",
	".pdf":  "application/pdf",
}

// MediaTypeForExt maps a file extension to the media type providers register for.
func MediaTypeForExt(ext string) (string, bool) {
	m, ok := extToMIME[strings.ToLower(ext)]
	return m, ok
}

// ProviderRegistry routes a document to the providers registered for its
// media type, in registration order. It is itself a document.Provider.
type ProviderRegistry struct {
	providers []document.Provider
	logger    logger.Logger
}

func NewProviderRegistry(log logger.Logger, providers ...document.Provider) *ProviderRegistry {
	return &ProviderRegistry{
		providers: providers,
		logger:    log.Named("ocr"),
	}
}

func (r *ProviderRegistry) Name() string { return "registry" }

func (r *ProviderRegistry) Supports(mediaType string) bool {
	return len(r.candidates(mediaType)) > 0
}

func (r *ProviderRegistry) ExtractText(ctx context.Context, in document.Input) (*document.Result, error) {
	candidates := r.candidates(in.MediaType)
	if len(candidates) == 0 {
		return nil, apperr.Validation("unsupported media type: %s", in.MediaType)
	}

	for i, p := range candidates {
		res, err := p.ExtractText(ctx, in)
		if err == nil {
			if res.Provider == "" {
				res.Provider = p.Name()
			}
			return res, nil
		}
		if errors.Is(err, document.ErrNoText) && i < len(candidates)-1 {
			r.logger.Debug("Provider found no text, falling back",
				logger.String("provider", p.Name()),
				logger.String("mediaType", in.MediaType),
			)
			continue
		}
		return nil, fmt.Errorf("%s: %w", p.Name(), err)
	}
	return nil, document.ErrNoText
}

func (r *ProviderRegistry) candidates(mediaType string) []document.Provider {
	mediaType = strings.ToLower(mediaType)
	var out []document.Provider
	for _, p := range r.providers {
		if p.Supports(mediaType) {
			out = append(out, p)
		}
	}
	return out
}
