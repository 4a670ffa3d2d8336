package job

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/dbpg"

	"github.com/aliskhannn/asset-pipeline/internal/model"
)

const jobColumns = `
	id, batch_id, pipeline_id, input_filename, input_ref, input_size, status,
	diagnostics, outputs, error_message, created_at, started_at, heartbeat_at,
	completed_at, failed_at`

// Repository provides persistence and guarded state transitions for jobs.
type Repository struct {
	db *dbpg.DB
}

// NewRepository creates a new Repository with the given DB connection.
func NewRepository(db *dbpg.DB) *Repository {
	return &Repository{db: db}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (model.Job, error) {
	var (
		j                    model.Job
		status               string
		diagnostics, outputs []byte
	)
	err := s.Scan(
		&j.ID, &j.BatchID, &j.PipelineID, &j.InputFilename, &j.InputRef, &j.InputSize, &status,
		&diagnostics, &outputs, &j.ErrorMessage, &j.CreatedAt, &j.StartedAt, &j.HeartbeatAt,
		&j.CompletedAt, &j.FailedAt,
	)
	if err != nil {
		return model.Job{}, err
	}
	j.Status = model.Status(status)

	if err := json.Unmarshal(diagnostics, &j.Diagnostics); err != nil {
		return model.Job{}, fmt.Errorf("failed to unmarshal diagnostics: %w", err)
	}
	if err := json.Unmarshal(outputs, &j.Outputs); err != nil {
		return model.Job{}, fmt.Errorf("failed to unmarshal outputs: %w", err)
	}

	return j, nil
}

// CreateJobs inserts the jobs of one submission in a single transaction.
func (r *Repository) CreateJobs(ctx context.Context, jobs []model.Job) error {
	tx, err := r.db.Master.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("create: failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO jobs (id, batch_id, pipeline_id, input_filename, input_ref, input_size, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`)
	if err != nil {
		return fmt.Errorf("create: failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, j := range jobs {
		_, err := stmt.ExecContext(ctx, j.ID, j.BatchID, j.PipelineID, j.InputFilename, j.InputRef, j.InputSize, string(j.Status))
		if err != nil {
			return fmt.Errorf("create: failed to insert job %s: %w", j.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("create: failed to commit: %w", err)
	}

	return nil
}

// GetJob retrieves a job by ID.
func (r *Repository) GetJob(ctx context.Context, id uuid.UUID) (model.Job, error) {
	j, err := scanJob(r.db.Master.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Job{}, model.ErrJobNotFound
		}
		return model.Job{}, fmt.Errorf("get: failed to get job: %w", err)
	}

	return j, nil
}

// ListByBatch returns the jobs of a batch in submission order.
func (r *Repository) ListByBatch(ctx context.Context, batchID uuid.UUID) ([]model.Job, error) {
	return r.list(ctx, `SELECT `+jobColumns+` FROM jobs WHERE batch_id = $1 ORDER BY created_at, input_filename`, batchID)
}

// ListStalled returns processing jobs whose heartbeat is older than stall
// and queued jobs that have waited longer than stall.
func (r *Repository) ListStalled(ctx context.Context, stall time.Duration, limit int) ([]model.Job, error) {
	query := `SELECT ` + jobColumns + `
		FROM jobs
		WHERE (status = 'processing' AND COALESCE(heartbeat_at, started_at) < NOW() - make_interval(secs => $1))
		   OR (status = 'queued' AND created_at < NOW() - make_interval(secs => $1))
		ORDER BY created_at
		LIMIT $2`

	return r.list(ctx, query, stall.Seconds(), limit)
}

func (r *Repository) list(ctx context.Context, query string, args ...any) ([]model.Job, error) {
	rows, err := r.db.Master.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list: failed to query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("list: failed to scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list: rows error: %w", err)
	}

	return jobs, nil
}

// CountByStatus returns job counts per status for one batch.
func (r *Repository) CountByStatus(ctx context.Context, batchID uuid.UUID) ([]model.StatusCount, error) {
	return r.counts(ctx, `SELECT status, COUNT(*) FROM jobs WHERE batch_id = $1 GROUP BY status`, batchID)
}

// CountSince returns job counts per status for jobs created at or after
// since. A zero since counts every job.
func (r *Repository) CountSince(ctx context.Context, since time.Time) ([]model.StatusCount, error) {
	return r.counts(ctx, `SELECT status, COUNT(*) FROM jobs WHERE created_at >= $1 GROUP BY status`, since)
}

func (r *Repository) counts(ctx context.Context, query string, args ...any) ([]model.StatusCount, error) {
	rows, err := r.db.Master.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("count: failed to query jobs: %w", err)
	}
	defer rows.Close()

	var counts []model.StatusCount
	for rows.Next() {
		var (
			c      model.StatusCount
			status string
		)
		if err := rows.Scan(&status, &c.Count); err != nil {
			return nil, fmt.Errorf("count: failed to scan: %w", err)
		}
		c.Status = model.Status(status)
		counts = append(counts, c)
	}

	return counts, rows.Err()
}

// Claim moves a job to processing. It succeeds for queued jobs and for
// processing jobs whose heartbeat is older than stall. started_at is only
// ever set once.
func (r *Repository) Claim(ctx context.Context, id uuid.UUID, stall time.Duration) (bool, error) {
	query := `
		UPDATE jobs
		SET status = 'processing',
		    started_at = COALESCE(started_at, NOW()),
		    heartbeat_at = NOW()
		WHERE id = $1
		  AND (status = 'queued'
		       OR (status = 'processing' AND COALESCE(heartbeat_at, started_at) < NOW() - make_interval(secs => $2)))
	`

	return r.guarded(ctx, "claim", query, id, stall.Seconds())
}

// Release expires the heartbeat of a processing job so the next delivery
// can claim it. The job keeps its status and started_at.
func (r *Repository) Release(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.Master.ExecContext(ctx,
		`UPDATE jobs SET heartbeat_at = '-infinity' WHERE id = $1 AND status = 'processing'`, id)
	if err != nil {
		return fmt.Errorf("release: failed to update job: %w", err)
	}

	return nil
}

// Heartbeat refreshes heartbeat_at of a processing job.
func (r *Repository) Heartbeat(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET heartbeat_at = NOW() WHERE id = $1 AND status = 'processing'`, id)
	if err != nil {
		return fmt.Errorf("heartbeat: failed to update job: %w", err)
	}

	return nil
}

// Complete records the outputs and moves a processing job to completed.
// It reports false when the job is no longer processing or no longer exists.
func (r *Repository) Complete(ctx context.Context, id uuid.UUID, outputs []model.OutputFile, diag model.Diagnostics) (bool, error) {
	if outputs == nil {
		outputs = []model.OutputFile{}
	}
	outputsJSON, err := json.Marshal(outputs)
	if err != nil {
		return false, fmt.Errorf("complete: failed to marshal outputs: %w", err)
	}
	diagJSON, err := json.Marshal(diag)
	if err != nil {
		return false, fmt.Errorf("complete: failed to marshal diagnostics: %w", err)
	}

	query := `
		UPDATE jobs
		SET status = 'completed', outputs = $2, diagnostics = $3, completed_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`

	return r.guarded(ctx, "complete", query, id, string(outputsJSON), string(diagJSON))
}

// Fail moves a processing job to failed with a user-visible message.
func (r *Repository) Fail(ctx context.Context, id uuid.UUID, message string, diag model.Diagnostics) (bool, error) {
	diagJSON, err := json.Marshal(diag)
	if err != nil {
		return false, fmt.Errorf("fail: failed to marshal diagnostics: %w", err)
	}

	query := `
		UPDATE jobs
		SET status = 'failed', error_message = $2, diagnostics = $3, failed_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`

	return r.guarded(ctx, "fail", query, id, message, string(diagJSON))
}

// Reject fails a job that was never claimed, such as one that could not be
// enqueued.
func (r *Repository) Reject(ctx context.Context, id uuid.UUID, message string) (bool, error) {
	query := `
		UPDATE jobs
		SET status = 'failed', error_message = $2, failed_at = NOW()
		WHERE id = $1 AND status = 'queued'
	`

	return r.guarded(ctx, "reject", query, id, message)
}

func (r *Repository) guarded(ctx context.Context, op, query string, args ...any) (bool, error) {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("%s: failed to update job: %w", op, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%s: failed to get number of rows affected: %w", op, err)
	}

	return n > 0, nil
}

// DeleteJob deletes a job and returns the batch it belonged to.
func (r *Repository) DeleteJob(ctx context.Context, id uuid.UUID) (uuid.UUID, error) {
	var batchID uuid.UUID
	err := r.db.Master.QueryRowContext(ctx, `DELETE FROM jobs WHERE id = $1 RETURNING batch_id`, id).Scan(&batchID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return uuid.Nil, model.ErrJobNotFound
		}
		return uuid.Nil, fmt.Errorf("delete: failed to delete job: %w", err)
	}

	return batchID, nil
}
