package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/compliance-processor/internal/agent/document"
	"github.com/feichai0017/compliance-processor/internal/apperr"
	"github.com/feichai0017/compliance-processor/pkg/logger"
	"github.com/feichai0017/compliance-processor/pkg/retry"
)

type stubProvider struct {
	name  string
	types []string
	res   *document.Result
	err   error
	calls int
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) Supports(mediaType string) bool {
	for _, t := range s.types {
		if t == mediaType {
			return true
		}
	}
	return false
}

func (s *stubProvider) ExtractText(context.Context, document.Input) (*document.Result, error) {
	s.calls++
	return s.res, s.err
}

func TestRegistry_FallsBackOnNoText(t *testing.T) {
	textLayer := &stubProvider{name: "pdf-text", types: []string{"application/pdf"}, err: document.ErrNoText}
	ocr := &stubProvider{
		name:  "ocr",
		types: []string{"application/pdf", "image/png"},
		res:   &document.Result{Pages: []document.Page{{Number: 1, Text: "scanned"}}},
	}
	r := NewProviderRegistry(logger.NewTestLogger(), textLayer, ocr)

	res, err := r.ExtractText(context.Background(), document.Input{MediaType: "application/pdf"})
	require.NoError(t, err)
	assert.Equal(t, "scanned", res.Text())
	assert.Equal(t, "ocr", res.Provider)
	assert.Equal(t, 1, textLayer.calls)
	assert.Equal(t, 1, ocr.calls)
}

func TestRegistry_ProviderErrorIsNotMasked(t *testing.T) {
	remote := apperr.NewRemoteError("ocr", 503, "unavailable", nil)
	ocr := &stubProvider{name: "ocr", types: []string{"image/png"}, err: remote}
	r := NewProviderRegistry(logger.NewTestLogger(), ocr)

	_, err := r.ExtractText(context.Background(), document.Input{MediaType: "image/png"})
	var got *apperr.RemoteError
	require.True(t, errors.As(err, &got))
	assert.True(t, retry.IsRetryable(err))
}

func TestRegistry_UnsupportedMediaType(t *testing.T) {
	r := NewProviderRegistry(logger.NewTestLogger())
	_, err := r.ExtractText(context.Background(), document.Input{MediaType: "text/csv"})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	assert.False(t, retry.IsRetryable(err))
	assert.False(t, r.Supports("text/csv"))
}

func TestRegistry_LastProviderNoTextIsPermanent(t *testing.T) {
	only := &stubProvider{name: "pdf-text", types: []string{"application/pdf"}, err: document.ErrNoText}
	r := NewProviderRegistry(logger.NewTestLogger(), only)

	_, err := r.ExtractText(context.Background(), document.Input{MediaType: "application/pdf"})
	assert.True(t, errors.Is(err, document.ErrNoText))
	assert.False(t, retry.IsRetryable(err))
}

func TestMediaTypeForExt(t *testing.T) {
	m, ok := MediaTypeForExt(".PDF")
	assert.True(t, ok)
	assert.Equal(t, "application/pdf", m)
	_, ok = MediaTypeForExt(".exe")
	assert.False(t, ok)
}
