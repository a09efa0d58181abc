package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/feichai0017/compliance-processor/internal/apperr"
	"github.com/feichai0017/compliance-processor/internal/models"
)

type JobRepository struct {
	pool *pgxpool.Pool
}

func NewJobRepository(pool *pgxpool.Pool) *JobRepository {
	return &JobRepository{pool: pool}
}

const jobColumns = `id, type, status, progress, query, document_id, parameters, start_time, end_time, result, error, owner, updated_at`

func (r *JobRepository) Create(ctx context.Context, job *models.Job) error {
	const q = `
INSERT INTO jobs (` + jobColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13);
`
	_, err := r.pool.Exec(ctx, q,
		job.ID,
		string(job.Type),
		string(job.Status),
		job.Progress,
		job.Query,
		job.DocumentID,
		nullableJSON(job.Parameters),
		job.StartTime,
		job.EndTime,
		nullableJSON(job.Result),
		job.Error,
		job.Owner,
		job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

func (r *JobRepository) Get(ctx context.Context, id string) (*models.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1;`

	job, err := scanJob(r.pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("job", id)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

func (r *JobRepository) UpdateActive(ctx context.Context, job *models.Job) error {
	const q = `
UPDATE jobs
SET status = $2, progress = $3, result = $4, error = $5, end_time = $6, updated_at = $7
WHERE id = $1 AND status IN ('PENDING', 'PROCESSING');
`
	tag, err := r.pool.Exec(ctx, q,
		job.ID,
		string(job.Status),
		job.Progress,
		nullableJSON(job.Result),
		job.Error,
		job.EndTime,
		job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	// nothing matched: either the job is gone or it already finished
	var status string
	if err := r.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1;`, job.ID).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return apperr.NotFound("job", job.ID)
		}
		return fmt.Errorf("failed to read job status: %w", err)
	}
	return apperr.ErrJobFinished
}

func (r *JobRepository) List(ctx context.Context, filter models.JobFilter, offset, limit int) ([]*models.Job, int, error) {
	var (
		where []string
		args  []any
	)
	if filter.Owner != "" {
		args = append(args, filter.Owner)
		where = append(where, fmt.Sprintf("owner = $%d", len(args)))
	}
	if filter.Type != "" {
		args = append(args, string(filter.Type))
		where = append(where, fmt.Sprintf("type = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}

	clause := ""
	if len(where) > 0 {
		clause = "WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT count(*) FROM jobs `+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count jobs: %w", err)
	}

	args = append(args, limit, offset)
	q := fmt.Sprintf(`SELECT %s FROM jobs %s ORDER BY start_time DESC, id DESC LIMIT $%d OFFSET $%d;`,
		jobColumns, clause, len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]*models.Job, 0, limit)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate jobs: %w", err)
	}
	return jobs, total, nil
}

func (r *JobRepository) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	const q = `DELETE FROM jobs WHERE status IN ('COMPLETED', 'FAILED') AND updated_at < $1;`

	tag, err := r.pool.Exec(ctx, q, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete finished jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanJob(row pgx.Row) (*models.Job, error) {
	var (
		job     models.Job
		typ     string
		status  string
		params  []byte
		result  []byte
		endTime *time.Time
	)
	if err := row.Scan(
		&job.ID,
		&typ,
		&status,
		&job.Progress,
		&job.Query,
		&job.DocumentID,
		&params, // NULL => nil
		&job.StartTime,
		&endTime,
		&result,
		&job.Error,
		&job.Owner,
		&job.UpdatedAt,
	); err != nil {
		return nil, err
	}
	job.Type = models.JobType(typ)
	job.Status = models.JobStatus(status)
	job.Parameters = params
	job.Result = result
	job.EndTime = endTime
	return &job, nil
}

func nullableJSON(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}
