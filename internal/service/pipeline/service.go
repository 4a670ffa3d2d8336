// Package pipeline manages pipeline definitions.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/asset-pipeline/internal/model"
)

// store defines the interface for pipeline persistence.
type store interface {
	GetPipeline(ctx context.Context, id uuid.UUID) (model.Pipeline, error)
	ListPipelines(ctx context.Context, includeArchived bool) ([]model.Pipeline, error)
	CreatePipeline(ctx context.Context, p model.Pipeline) (model.Pipeline, error)
	UpdatePipeline(ctx context.Context, p model.Pipeline) (model.Pipeline, error)
	SetArchived(ctx context.Context, id uuid.UUID, archived bool) error
	DeletePipeline(ctx context.Context, id uuid.UUID) error
}

// invalidator drops resolved definitions cached by workers.
type invalidator interface {
	Invalidate()
}

// Service provides business logic for pipeline definitions.
type Service struct {
	store store
	cache invalidator
}

// NewService creates a new Service.
func NewService(s store, c invalidator) *Service {
	return &Service{store: s, cache: c}
}

// List returns pipelines. A nil archived lists every pipeline, otherwise only
// those whose archived flag matches.
func (s *Service) List(ctx context.Context, archived *bool) ([]model.Pipeline, error) {
	all, err := s.store.ListPipelines(ctx, archived == nil || *archived)
	if err != nil {
		return nil, fmt.Errorf("list pipelines: %w", err)
	}
	if archived == nil || !*archived {
		return all, nil
	}

	out := make([]model.Pipeline, 0, len(all))
	for _, p := range all {
		if p.Archived {
			out = append(out, p)
		}
	}
	return out, nil
}

// Get returns one pipeline with its components.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (model.Pipeline, error) {
	p, err := s.store.GetPipeline(ctx, id)
	if err != nil {
		return model.Pipeline{}, fmt.Errorf("get pipeline: %w", err)
	}
	return p, nil
}

// Create stores a new user pipeline at version 1.
func (s *Service) Create(ctx context.Context, p model.Pipeline) (model.Pipeline, error) {
	p.ID = uuid.New()
	p.Version = 1
	p.Protected = false
	p.Archived = false

	if err := s.check(ctx, p); err != nil {
		return model.Pipeline{}, fmt.Errorf("create pipeline: %w", err)
	}

	created, err := s.store.CreatePipeline(ctx, p)
	if err != nil {
		return model.Pipeline{}, fmt.Errorf("create pipeline: %w", err)
	}

	zlog.Logger.Info().Str("pipeline_id", created.ID.String()).Str("name", created.Name).Msg("pipeline created")
	return created, nil
}

// Update replaces a definition and bumps its version. Templates may be
// edited; they only refuse archive and delete.
func (s *Service) Update(ctx context.Context, p model.Pipeline) (model.Pipeline, error) {
	if _, err := s.store.GetPipeline(ctx, p.ID); err != nil {
		return model.Pipeline{}, fmt.Errorf("update pipeline: %w", err)
	}

	if err := s.check(ctx, p); err != nil {
		return model.Pipeline{}, fmt.Errorf("update pipeline: %w", err)
	}

	updated, err := s.store.UpdatePipeline(ctx, p)
	if err != nil {
		return model.Pipeline{}, fmt.Errorf("update pipeline: %w", err)
	}
	s.cache.Invalidate()

	zlog.Logger.Info().
		Str("pipeline_id", updated.ID.String()).
		Int("version", updated.Version).
		Msg("pipeline updated")
	return updated, nil
}

// check validates p and, for multi-asset pipelines, that every component
// exists and is a single-asset pipeline.
func (s *Service) check(ctx context.Context, p model.Pipeline) error {
	if err := p.Validate(); err != nil {
		return &model.IntakeError{Err: err}
	}
	if p.Kind != model.KindMultiAsset {
		return nil
	}

	for _, c := range p.Components {
		comp, err := s.store.GetPipeline(ctx, c.PipelineID)
		if err != nil {
			if errors.Is(err, model.ErrPipelineNotFound) {
				return &model.IntakeError{Err: fmt.Errorf("%w: component %s does not exist", model.ErrInvalidPipeline, c.PipelineID)}
			}
			return err
		}
		if comp.Kind != model.KindSingleAsset {
			return &model.IntakeError{Err: fmt.Errorf("%w: component %s is not a single-asset pipeline", model.ErrInvalidPipeline, c.PipelineID)}
		}
	}

	return nil
}

// Archive hides a pipeline from new submissions.
func (s *Service) Archive(ctx context.Context, id uuid.UUID) error {
	return s.setArchived(ctx, id, true)
}

// Unarchive makes an archived pipeline available again.
func (s *Service) Unarchive(ctx context.Context, id uuid.UUID) error {
	return s.setArchived(ctx, id, false)
}

func (s *Service) setArchived(ctx context.Context, id uuid.UUID, archived bool) error {
	p, err := s.store.GetPipeline(ctx, id)
	if err != nil {
		return fmt.Errorf("archive pipeline: %w", err)
	}
	if p.Protected {
		return fmt.Errorf("archive pipeline: %w", model.ErrPipelineProtected)
	}

	if err := s.store.SetArchived(ctx, id, archived); err != nil {
		return fmt.Errorf("archive pipeline: %w", err)
	}

	zlog.Logger.Info().Str("pipeline_id", id.String()).Bool("archived", archived).Msg("pipeline archive flag changed")
	return nil
}

// Delete removes a user pipeline. Templates and pipelines still referenced
// by another pipeline or by jobs are refused.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	p, err := s.store.GetPipeline(ctx, id)
	if err != nil {
		return fmt.Errorf("delete pipeline: %w", err)
	}
	if p.Protected {
		return fmt.Errorf("delete pipeline: %w", model.ErrPipelineProtected)
	}
	if p.Referenced {
		return fmt.Errorf("delete pipeline: %w", model.ErrPipelineReferenced)
	}

	if err := s.store.DeletePipeline(ctx, id); err != nil {
		return fmt.Errorf("delete pipeline: %w", err)
	}
	s.cache.Invalidate()

	zlog.Logger.Info().Str("pipeline_id", id.String()).Msg("pipeline deleted")
	return nil
}
