package batch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/dbpg"

	"github.com/aliskhannn/asset-pipeline/internal/model"
	"github.com/aliskhannn/asset-pipeline/internal/repository"
)

const batchColumns = `
	id, customer_prefix, to_char(batch_date, 'YYYY-MM-DD'), batch_counter, base_directory_name,
	render_description, custom_name, name_customized, pipeline_id, total_files, total_size,
	status, completed_count, failed_count, created_at, updated_at, completed_at`

// Repository provides persistence for batches.
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

func scanBatch(s scanner) (model.Batch, error) {
	var (
		b          model.Batch
		customName sql.NullString
		status     string
	)
	err := s.Scan(
		&b.ID, &b.CustomerPrefix, &b.BatchDate, &b.BatchCounter, &b.BaseDirectoryName,
		&b.RenderDescription, &customName, &b.NameCustomized, &b.PipelineID, &b.TotalFiles, &b.TotalSize,
		&status, &b.CompletedCount, &b.FailedCount, &b.CreatedAt, &b.UpdatedAt, &b.CompletedAt,
	)
	if err != nil {
		return model.Batch{}, err
	}
	if customName.Valid {
		b.CustomName = &customName.String
	}
	b.Status = model.Status(status)

	return b, nil
}

// CreateBatch allocates the next counter for (prefix, date) and inserts the
// batch. Allocation holds a transaction-scoped advisory lock on the pair; the
// unique constraint is the backstop and surfaces as model.ErrCounterConflict.
func (r *Repository) CreateBatch(ctx context.Context, b model.Batch) (model.Batch, error) {
	tx, err := r.db.Master.BeginTx(ctx, nil)
	if err != nil {
		return model.Batch{}, fmt.Errorf("create: failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`SELECT pg_advisory_xact_lock(hashtext($1::text || '|' || $2::text))`,
		b.CustomerPrefix, b.BatchDate,
	)
	if err != nil {
		return model.Batch{}, fmt.Errorf("create: failed to lock counter: %w", err)
	}

	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(batch_counter), 0) + 1
		FROM batches
		WHERE customer_prefix = $1 AND batch_date = $2
	`, b.CustomerPrefix, b.BatchDate).Scan(&b.BatchCounter)
	if err != nil {
		return model.Batch{}, fmt.Errorf("create: failed to read counter: %w", err)
	}

	b.BaseDirectoryName = model.GenerateBaseName(b.CustomerPrefix, b.BatchDate, b.BatchCounter)

	query := `
		INSERT INTO batches (
			id, customer_prefix, batch_date, batch_counter, base_directory_name,
			render_description, pipeline_id, total_files, total_size, status
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING ` + batchColumns

	created, err := scanBatch(tx.QueryRowContext(ctx, query,
		b.ID, b.CustomerPrefix, b.BatchDate, b.BatchCounter, b.BaseDirectoryName,
		b.RenderDescription, b.PipelineID, b.TotalFiles, b.TotalSize, string(b.Status),
	))
	if err != nil {
		if repository.IsUniqueViolation(err) {
			return model.Batch{}, model.ErrCounterConflict
		}
		return model.Batch{}, fmt.Errorf("create: failed to insert batch: %w", err)
	}

	if err := tx.Commit(); err != nil {
		if repository.IsUniqueViolation(err) {
			return model.Batch{}, model.ErrCounterConflict
		}
		return model.Batch{}, fmt.Errorf("create: failed to commit: %w", err)
	}

	return created, nil
}

// GetBatch retrieves a batch by ID.
func (r *Repository) GetBatch(ctx context.Context, id uuid.UUID) (model.Batch, error) {
	query := `SELECT ` + batchColumns + ` FROM batches WHERE id = $1`

	b, err := scanBatch(r.db.Master.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Batch{}, model.ErrBatchNotFound
		}
		return model.Batch{}, fmt.Errorf("get: failed to get batch: %w", err)
	}

	return b, nil
}

var sortColumns = map[string]string{
	"created_at":  "created_at",
	"batch_date":  "batch_date",
	"total_files": "total_files",
	"status":      "status",
	"name":        "COALESCE(custom_name, base_directory_name)",
}

// ListBatches returns one page of batches and the total matching count.
func (r *Repository) ListBatches(ctx context.Context, f model.BatchFilter) ([]model.Batch, int, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.CustomerPrefix != "" {
		args = append(args, f.CustomerPrefix)
		where = append(where, fmt.Sprintf("customer_prefix = $%d", len(args)))
	}

	cond := ""
	if len(where) > 0 {
		cond = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM batches`+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("list: failed to count batches: %w", err)
	}

	order, ok := sortColumns[f.SortBy]
	if !ok {
		order = "created_at"
	}
	dir := "ASC"
	if f.SortDesc || f.SortBy == "" {
		dir = "DESC"
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, max(f.Offset, 0))

	query := fmt.Sprintf(`SELECT %s FROM batches%s ORDER BY %s %s LIMIT $%d OFFSET $%d`,
		batchColumns, cond, order, dir, len(args)-1, len(args))

	rows, err := r.db.Master.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list: failed to list batches: %w", err)
	}
	defer rows.Close()

	var batches []model.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("list: failed to scan batch: %w", err)
		}
		batches = append(batches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("list: rows error: %w", err)
	}

	return batches, total, nil
}

// Stats summarises every batch by status.
func (r *Repository) Stats(ctx context.Context) (model.BatchStats, error) {
	query := `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'queued'),
			COUNT(*) FILTER (WHERE status = 'processing'),
			COUNT(*) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COALESCE(SUM(total_files), 0),
			COALESCE(SUM(total_size), 0)
		FROM batches
	`

	var s model.BatchStats
	err := r.db.QueryRowContext(ctx, query).Scan(
		&s.Total, &s.Queued, &s.Processing, &s.Completed, &s.Failed, &s.TotalFiles, &s.TotalSize,
	)
	if err != nil {
		return model.BatchStats{}, fmt.Errorf("stats: failed to get batch stats: %w", err)
	}

	return s, nil
}

// UpdateAggregate rewrites the cached status and counts. completed_at is set
// once, the first time the batch reaches a terminal status.
func (r *Repository) UpdateAggregate(ctx context.Context, id uuid.UUID, status model.Status, completed, failed int) error {
	query := `
		UPDATE batches
		SET status = $2,
		    completed_count = $3,
		    failed_count = $4,
		    updated_at = NOW(),
		    completed_at = CASE
		        WHEN $2 IN ('completed', 'failed') THEN COALESCE(completed_at, NOW())
		        ELSE completed_at
		    END
		WHERE id = $1
	`

	res, err := r.db.ExecContext(ctx, query, id, string(status), completed, failed)
	if err != nil {
		return fmt.Errorf("update aggregate: failed to update batch: %w", err)
	}

	return affected(res, model.ErrBatchNotFound)
}

// Rename sets a custom name, which also exempts the batch from retention.
func (r *Repository) Rename(ctx context.Context, id uuid.UUID, name string) (model.Batch, error) {
	query := `
		UPDATE batches
		SET custom_name = $2, name_customized = TRUE, updated_at = NOW()
		WHERE id = $1
		RETURNING ` + batchColumns

	b, err := scanBatch(r.db.Master.QueryRowContext(ctx, query, id, name))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Batch{}, model.ErrBatchNotFound
		}
		return model.Batch{}, fmt.Errorf("rename: failed to rename batch: %w", err)
	}

	return b, nil
}

// ResetName drops the custom name and restores the derived one.
func (r *Repository) ResetName(ctx context.Context, id uuid.UUID) (model.Batch, error) {
	query := `
		UPDATE batches
		SET custom_name = NULL, name_customized = FALSE, updated_at = NOW()
		WHERE id = $1
		RETURNING ` + batchColumns

	b, err := scanBatch(r.db.Master.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Batch{}, model.ErrBatchNotFound
		}
		return model.Batch{}, fmt.Errorf("reset name: failed to reset batch name: %w", err)
	}

	return b, nil
}

// DeleteBatch deletes a batch; its jobs go with it.
func (r *Repository) DeleteBatch(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM batches WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete: failed to delete batch: %w", err)
	}

	return affected(res, model.ErrBatchNotFound)
}

// ListExpired returns batches in status created before cutoff that were
// never renamed.
func (r *Repository) ListExpired(ctx context.Context, status model.Status, cutoff time.Time) ([]model.Batch, error) {
	query := `SELECT ` + batchColumns + `
		FROM batches
		WHERE status = $1 AND created_at < $2 AND name_customized = FALSE
		ORDER BY created_at`

	return r.list(ctx, "list expired", query, string(status), cutoff)
}

// ListUnfinished returns queued or processing batches created before cutoff
// that were never renamed.
func (r *Repository) ListUnfinished(ctx context.Context, cutoff time.Time) ([]model.Batch, error) {
	query := `SELECT ` + batchColumns + `
		FROM batches
		WHERE status IN ('queued', 'processing') AND created_at < $1 AND name_customized = FALSE
		ORDER BY created_at`

	return r.list(ctx, "list unfinished", query, cutoff)
}

func (r *Repository) list(ctx context.Context, op, query string, args ...any) ([]model.Batch, error) {
	rows, err := r.db.Master.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to query batches: %w", op, err)
	}
	defer rows.Close()

	var batches []model.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: failed to scan batch: %w", op, err)
		}
		batches = append(batches, b)
	}

	return batches, rows.Err()
}

func affected(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get number of rows affected: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}
