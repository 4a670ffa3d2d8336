package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/dbpg"

	"github.com/aliskhannn/asset-pipeline/internal/model"
	"github.com/aliskhannn/asset-pipeline/internal/repository"
)

const pipelineColumns = `
	p.id, p.name, p.description, p.kind, p.version, p.config, p.protected, p.archived,
	p.archived_at, p.created_at, p.updated_at,
	EXISTS (SELECT 1 FROM pipeline_components c WHERE c.component_id = p.id)`

// Repository provides persistence for pipeline definitions.
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

func scanPipeline(s scanner) (model.Pipeline, error) {
	var (
		p      model.Pipeline
		kind   string
		config []byte
	)
	err := s.Scan(
		&p.ID, &p.Name, &p.Description, &kind, &p.Version, &config, &p.Protected, &p.Archived,
		&p.ArchivedAt, &p.CreatedAt, &p.UpdatedAt, &p.Referenced,
	)
	if err != nil {
		return model.Pipeline{}, err
	}
	p.Kind = model.PipelineKind(kind)

	if len(config) > 0 {
		var cfg model.AssetConfig
		if err := json.Unmarshal(config, &cfg); err != nil {
			return model.Pipeline{}, fmt.Errorf("failed to unmarshal config: %w", err)
		}
		p.Config = &cfg
	}

	return p, nil
}

// GetPipeline retrieves a pipeline with its components.
func (r *Repository) GetPipeline(ctx context.Context, id uuid.UUID) (model.Pipeline, error) {
	query := `SELECT ` + pipelineColumns + ` FROM pipelines p WHERE p.id = $1`

	p, err := scanPipeline(r.db.Master.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Pipeline{}, model.ErrPipelineNotFound
		}
		return model.Pipeline{}, fmt.Errorf("get: failed to get pipeline: %w", err)
	}

	if p.Kind == model.KindMultiAsset {
		if p.Components, err = r.components(ctx, id); err != nil {
			return model.Pipeline{}, err
		}
	}

	return p, nil
}

func (r *Repository) components(ctx context.Context, id uuid.UUID) ([]model.Component, error) {
	rows, err := r.db.Master.QueryContext(ctx, `
		SELECT component_id, suffix
		FROM pipeline_components
		WHERE pipeline_id = $1
		ORDER BY position
	`, id)
	if err != nil {
		return nil, fmt.Errorf("components: failed to query components: %w", err)
	}
	defer rows.Close()

	var comps []model.Component
	for rows.Next() {
		var (
			c      model.Component
			suffix sql.NullString
		)
		if err := rows.Scan(&c.PipelineID, &suffix); err != nil {
			return nil, fmt.Errorf("components: failed to scan component: %w", err)
		}
		if suffix.Valid {
			c.Suffix = &suffix.String
		}
		comps = append(comps, c)
	}

	return comps, rows.Err()
}

// ListPipelines returns pipelines ordered by name, without components.
func (r *Repository) ListPipelines(ctx context.Context, includeArchived bool) ([]model.Pipeline, error) {
	query := `SELECT ` + pipelineColumns + ` FROM pipelines p`
	if !includeArchived {
		query += ` WHERE NOT p.archived`
	}
	query += ` ORDER BY p.protected DESC, p.name`

	rows, err := r.db.Master.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list: failed to query pipelines: %w", err)
	}
	defer rows.Close()

	var pipelines []model.Pipeline
	for rows.Next() {
		p, err := scanPipeline(rows)
		if err != nil {
			return nil, fmt.Errorf("list: failed to scan pipeline: %w", err)
		}
		pipelines = append(pipelines, p)
	}

	return pipelines, rows.Err()
}

// CreatePipeline inserts a pipeline and its components.
func (r *Repository) CreatePipeline(ctx context.Context, p model.Pipeline) (model.Pipeline, error) {
	config, err := marshalConfig(p)
	if err != nil {
		return model.Pipeline{}, err
	}

	tx, err := r.db.Master.BeginTx(ctx, nil)
	if err != nil {
		return model.Pipeline{}, fmt.Errorf("create: failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO pipelines (id, name, description, kind, version, config)
		VALUES ($1, $2, $3, $4, 1, $5)
	`, p.ID, p.Name, p.Description, string(p.Kind), config)
	if err != nil {
		return model.Pipeline{}, fmt.Errorf("create: failed to insert pipeline: %w", err)
	}

	if err := insertComponents(ctx, tx, p); err != nil {
		return model.Pipeline{}, err
	}

	if err := tx.Commit(); err != nil {
		return model.Pipeline{}, fmt.Errorf("create: failed to commit: %w", err)
	}

	return r.GetPipeline(ctx, p.ID)
}

// UpdatePipeline replaces the definition and bumps its version.
func (r *Repository) UpdatePipeline(ctx context.Context, p model.Pipeline) (model.Pipeline, error) {
	config, err := marshalConfig(p)
	if err != nil {
		return model.Pipeline{}, err
	}

	tx, err := r.db.Master.BeginTx(ctx, nil)
	if err != nil {
		return model.Pipeline{}, fmt.Errorf("update: failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE pipelines
		SET name = $2, description = $3, kind = $4, config = $5,
		    version = version + 1, updated_at = NOW()
		WHERE id = $1
	`, p.ID, p.Name, p.Description, string(p.Kind), config)
	if err != nil {
		return model.Pipeline{}, fmt.Errorf("update: failed to update pipeline: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.Pipeline{}, model.ErrPipelineNotFound
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM pipeline_components WHERE pipeline_id = $1`, p.ID); err != nil {
		return model.Pipeline{}, fmt.Errorf("update: failed to clear components: %w", err)
	}
	if err := insertComponents(ctx, tx, p); err != nil {
		return model.Pipeline{}, err
	}

	if err := tx.Commit(); err != nil {
		return model.Pipeline{}, fmt.Errorf("update: failed to commit: %w", err)
	}

	return r.GetPipeline(ctx, p.ID)
}

// SetArchived archives or restores a pipeline.
func (r *Repository) SetArchived(ctx context.Context, id uuid.UUID, archived bool) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE pipelines
		SET archived = $2,
		    archived_at = CASE WHEN $2 THEN NOW() ELSE NULL END,
		    updated_at = NOW()
		WHERE id = $1
	`, id, archived)
	if err != nil {
		return fmt.Errorf("archive: failed to update pipeline: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.ErrPipelineNotFound
	}

	return nil
}

// DeletePipeline deletes a pipeline. Pipelines still used as a component or
// by existing jobs are reported as model.ErrPipelineReferenced.
func (r *Repository) DeletePipeline(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM pipelines WHERE id = $1`, id)
	if err != nil {
		if repository.IsForeignKeyViolation(err) {
			return model.ErrPipelineReferenced
		}
		return fmt.Errorf("delete: failed to delete pipeline: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.ErrPipelineNotFound
	}

	return nil
}

// marshalConfig returns the config as JSON text, or nil for SQL NULL.
func marshalConfig(p model.Pipeline) (any, error) {
	if p.Config == nil {
		return nil, nil
	}
	config, err := json.Marshal(p.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return string(config), nil
}

func insertComponents(ctx context.Context, tx *sql.Tx, p model.Pipeline) error {
	for i, c := range p.Components {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO pipeline_components (pipeline_id, position, component_id, suffix)
			VALUES ($1, $2, $3, $4)
		`, p.ID, i, c.PipelineID, c.Suffix)
		if err != nil {
			if repository.IsForeignKeyViolation(err) {
				return fmt.Errorf("%w: component %s does not exist", model.ErrInvalidPipeline, c.PipelineID)
			}
			return fmt.Errorf("failed to insert component %d: %w", i, err)
		}
	}
	return nil
}
