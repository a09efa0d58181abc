package converters

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/compliance-processor/internal/apperr"
	"github.com/feichai0017/compliance-processor/internal/models"
)

func TestJSONConverter_Convert(t *testing.T) {
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	processed := created.Add(1500 * time.Millisecond)
	conf := 0.87
	doc := &models.Document{
		ID:                   "doc-1",
		OriginalName:         "policy.pdf",
		MediaType:            "application/pdf",
		SizeBytes:            2048,
		PageCount:            2,
		SourceClassification: models.SourceGovernment,
		ContentHash:          "abc",
		ProcessingStatus:     models.StatusProcessed,
		ExtractedText:        models.StringPtr("Retention Policy\n\nRecords are kept for five years.\n\n  \n\nBackups are encrypted."),
		ConfidenceScore:      &conf,
		CreatedAt:            created,
		ProcessedAt:          &processed,
	}

	out, err := NewJSONConverter().Convert(doc)
	require.NoError(t, err)

	require.Len(t, out.Content, 3)
	assert.Equal(t, "heading", out.Content[0].Type)
	assert.Equal(t, "paragraph", out.Content[1].Type)
	assert.Equal(t, 3, out.Content[2].Position)
	assert.Equal(t, int64(1500), out.Metadata.ProcessingMs)
	assert.Equal(t, 0.87, out.Metadata.Confidence)
	assert.Equal(t, "government", out.Metadata.SourceClassification)
	assert.Equal(t, processed, out.ProcessedAt)
}

func TestJSONConverter_RequiresProcessed(t *testing.T) {
	_, err := NewJSONConverter().Convert(&models.Document{ID: "doc-1", ProcessingStatus: models.StatusPending})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	_, err = NewJSONConverter().Convert(nil)
	assert.Error(t, err)
}
