// Package document runs uploads through validation, storage and OCR, with
// content-addressed caching so identical bytes are only extracted once.
package document

import (
	"context"
	"time"

	"github.com/feichai0017/compliance-processor/internal/models"
	"github.com/feichai0017/compliance-processor/pkg/queue"
	"github.com/feichai0017/compliance-processor/pkg/retry"
)

type DocumentProcessor interface {
	Upload(ctx context.Context, req UploadRequest) (*models.Document, error)
	Process(ctx context.Context, documentID string) (*models.Document, error)
	HandleTask(ctx context.Context, task *queue.Task) error
	Get(ctx context.Context, documentID string) (*models.Document, error)
	GetStatus(ctx context.Context, documentID string) (*models.DocumentStatus, error)
	Extract(ctx context.Context, documentID string) (*models.ExtractionResult, error)
	Delete(ctx context.Context, documentID string) error
}

type UploadRequest struct {
	Filename             string
	Data                 []byte
	OwnerID              string
	SourceClassification models.SourceClassification
}

type ServiceConfig struct {
	SuccessTTL time.Duration `yaml:"successTTL"`
	// FailureTTL defaults to SuccessTTL/7.
	FailureTTL           time.Duration `yaml:"failureTTL"`
	BaselineCharsPerPage int           `yaml:"baselineCharsPerPage"`
	OCRRetry             retry.Policy  `yaml:"ocrRetry"`
	// ExtractWait bounds how long Extract waits on a document another
	// worker is processing.
	ExtractWait  time.Duration `yaml:"extractWait"`
	PollInterval time.Duration `yaml:"pollInterval"`
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		SuccessTTL:           24 * time.Hour,
		BaselineCharsPerPage: DefaultBaselineCharsPerPage,
		OCRRetry:             retry.DefaultOCRPolicy(),
		ExtractWait:          2 * time.Minute,
		PollInterval:         500 * time.Millisecond,
	}
}

func (c ServiceConfig) withDefaults() ServiceConfig {
	d := DefaultServiceConfig()
	if c.SuccessTTL <= 0 {
		c.SuccessTTL = d.SuccessTTL
	}
	if c.FailureTTL <= 0 {
		c.FailureTTL = c.SuccessTTL / 7
	}
	if c.BaselineCharsPerPage <= 0 {
		c.BaselineCharsPerPage = d.BaselineCharsPerPage
	}
	if c.OCRRetry == (retry.Policy{}) {
		c.OCRRetry = d.OCRRetry
	}
	if c.ExtractWait <= 0 {
		c.ExtractWait = d.ExtractWait
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	return c
}
