// Package repository declares the durable stores for jobs and documents.
// Implementations must be safe for concurrent use.
package repository

import (
	"context"
	"time"

	"github.com/feichai0017/compliance-processor/internal/models"
)

type JobStore interface {
	Create(ctx context.Context, job *models.Job) error
	// Get returns apperr.ErrNotFound for unknown ids.
	Get(ctx context.Context, id string) (*models.Job, error)
	// UpdateActive overwrites the mutable fields of job, but only while the
	// stored row is PENDING or PROCESSING. A finished row yields
	// apperr.ErrJobFinished and is left untouched.
	UpdateActive(ctx context.Context, job *models.Job) error
	// List returns one page ordered by start time, newest first, plus the
	// total number of matching jobs.
	List(ctx context.Context, filter models.JobFilter, offset, limit int) ([]*models.Job, int, error)
	// DeleteFinishedBefore removes COMPLETED/FAILED jobs last updated before cutoff.
	DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type DocumentStore interface {
	Create(ctx context.Context, doc *models.Document) error
	Get(ctx context.Context, id string) (*models.Document, error)
	// Claim moves a PENDING document to PROCESSING and returns it. Any other
	// status yields apperr.ErrAlreadyClaimed.
	Claim(ctx context.Context, id string) (*models.Document, error)
	// Finish stores a terminal outcome for a PROCESSING document.
	Finish(ctx context.Context, doc *models.Document) error
	Delete(ctx context.Context, id string) error
	// CountByContentHash counts documents whose bytes hash to contentHash.
	CountByContentHash(ctx context.Context, contentHash string) (int, error)
	// HasUnfinishedWithStorageKey reports whether a PENDING or PROCESSING
	// document still reads the blob at key.
	HasUnfinishedWithStorageKey(ctx context.Context, key string) (bool, error)
}
