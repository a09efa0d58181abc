package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/feichai0017/compliance-processor/internal/apperr"
	"github.com/feichai0017/compliance-processor/internal/models"
)

type DocumentRepository struct {
	pool *pgxpool.Pool
}

func NewDocumentRepository(pool *pgxpool.Pool) *DocumentRepository {
	return &DocumentRepository{pool: pool}
}

const documentColumns = `id, original_name, media_type, size_bytes, storage_key, owner_id, source_classification,
processing_status, extracted_text, confidence_score, page_count, content_hash, error, created_at, updated_at, processed_at`

func (r *DocumentRepository) Create(ctx context.Context, d *models.Document) error {
	const q = `
INSERT INTO documents (` + documentColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16);
`
	_, err := r.pool.Exec(ctx, q,
		d.ID, d.OriginalName, d.MediaType, d.SizeBytes, d.StorageKey, d.OwnerID,
		string(d.SourceClassification), string(d.ProcessingStatus),
		d.ExtractedText, d.ConfidenceScore, d.PageCount, d.ContentHash, d.Error,
		d.CreatedAt, d.UpdatedAt, d.ProcessedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert document: %w", err)
	}
	return nil
}

func (r *DocumentRepository) Get(ctx context.Context, id string) (*models.Document, error) {
	q := `SELECT ` + documentColumns + ` FROM documents WHERE id = $1;`
	d, err := scanDocument(r.pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("document", id)
		}
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return d, nil
}

func (r *DocumentRepository) Claim(ctx context.Context, id string) (*models.Document, error) {
	q := `
UPDATE documents SET processing_status = 'PROCESSING', updated_at = now()
WHERE id = $1 AND processing_status = 'PENDING'
RETURNING ` + documentColumns + `;`

	d, err := scanDocument(r.pool.QueryRow(ctx, q, id))
	if err == nil {
		return d, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to claim document: %w", err)
	}
	if _, getErr := r.Get(ctx, id); getErr != nil {
		return nil, getErr
	}
	return nil, apperr.ErrAlreadyClaimed
}

func (r *DocumentRepository) Finish(ctx context.Context, d *models.Document) error {
	if !d.ProcessingStatus.Terminal() {
		return apperr.ErrInvalidTransition
	}
	const q = `
UPDATE documents
SET processing_status = $2, extracted_text = $3, confidence_score = $4, page_count = $5,
    error = $6, updated_at = $7, processed_at = $8
WHERE id = $1 AND processing_status = 'PROCESSING';
`
	tag, err := r.pool.Exec(ctx, q,
		d.ID, string(d.ProcessingStatus), d.ExtractedText, d.ConfidenceScore, d.PageCount,
		d.Error, d.UpdatedAt, d.ProcessedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to finish document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := r.Get(ctx, d.ID); getErr != nil {
			return getErr
		}
		return apperr.ErrInvalidTransition
	}
	return nil
}

func (r *DocumentRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM documents WHERE id = $1;`, id)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("document", id)
	}
	return nil
}

func (r *DocumentRepository) CountByContentHash(ctx context.Context, contentHash string) (int, error) {
	var n int
	if err := r.pool.QueryRow(ctx, `SELECT count(*) FROM documents WHERE content_hash = $1;`, contentHash).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count documents by hash: %w", err)
	}
	return n, nil
}

func (r *DocumentRepository) HasUnfinishedWithStorageKey(ctx context.Context, key string) (bool, error) {
	var found bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM documents
			WHERE storage_key = $1 AND processing_status IN ('PENDING', 'PROCESSING')
		);`, key).Scan(&found)
	if err != nil {
		return false, fmt.Errorf("failed to look up document by storage key: %w", err)
	}
	return found, nil
}

func scanDocument(row pgx.Row) (*models.Document, error) {
	var (
		d      models.Document
		source string
		status string
	)
	if err := row.Scan(
		&d.ID, &d.OriginalName, &d.MediaType, &d.SizeBytes, &d.StorageKey, &d.OwnerID,
		&source, &status,
		&d.ExtractedText, &d.ConfidenceScore, &d.PageCount, &d.ContentHash, &d.Error,
		&d.CreatedAt, &d.UpdatedAt, &d.ProcessedAt,
	); err != nil {
		return nil, err
	}
	d.SourceClassification = models.SourceClassification(source)
	d.ProcessingStatus = models.ProcessingStatus(status)
	return &d, nil
}
