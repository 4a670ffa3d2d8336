package job

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"

	"github.com/aliskhannn/asset-pipeline/internal/model"
)

// pipelineStore defines the interface for loading pipeline definitions.
type pipelineStore interface {
	GetPipeline(ctx context.Context, id uuid.UUID) (model.Pipeline, error)
}

// Resolver flattens a pipeline into the asset configs a job runs. Results
// are cached for a short time so that a batch does not reload its pipeline
// for every file.
type Resolver struct {
	store pipelineStore
	cache *ttlcache.Cache[uuid.UUID, []model.ResolvedAsset]
}

// NewResolver creates a new Resolver.
func NewResolver(s pipelineStore, ttl time.Duration, capacity uint64) *Resolver {
	return &Resolver{
		store: s,
		cache: ttlcache.New(
			ttlcache.WithTTL[uuid.UUID, []model.ResolvedAsset](ttl),
			ttlcache.WithCapacity[uuid.UUID, []model.ResolvedAsset](capacity),
		),
	}
}

// Resolve returns the components of pipeline id in order. A single-asset
// pipeline resolves to itself. Failed lookups are not cached.
func (r *Resolver) Resolve(ctx context.Context, id uuid.UUID) ([]model.ResolvedAsset, error) {
	var loadErr error
	loader := ttlcache.LoaderFunc[uuid.UUID, []model.ResolvedAsset](
		func(cache *ttlcache.Cache[uuid.UUID, []model.ResolvedAsset], key uuid.UUID) *ttlcache.Item[uuid.UUID, []model.ResolvedAsset] {
			assets, err := r.load(ctx, key)
			if err != nil {
				loadErr = err
				return nil
			}
			return cache.Set(key, assets, ttlcache.DefaultTTL)
		},
	)

	item := r.cache.Get(id, ttlcache.WithLoader(loader))
	if item == nil {
		if loadErr == nil {
			loadErr = fmt.Errorf("resolve: pipeline %s not cached", id)
		}
		return nil, loadErr
	}

	return item.Value(), nil
}

// Invalidate drops every cached resolution. Editing one pipeline can change
// every multi-asset pipeline that uses it.
func (r *Resolver) Invalidate() {
	r.cache.DeleteAll()
}

func (r *Resolver) load(ctx context.Context, id uuid.UUID) ([]model.ResolvedAsset, error) {
	p, err := r.store.GetPipeline(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("resolve: failed to get pipeline %s: %w", id, err)
	}

	switch p.Kind {
	case model.KindSingleAsset:
		if p.Config == nil {
			return nil, fmt.Errorf("resolve: %w: pipeline %s has no config", model.ErrInvalidPipeline, id)
		}
		return []model.ResolvedAsset{{Name: p.Name, Config: *p.Config}}, nil

	case model.KindMultiAsset:
		assets := make([]model.ResolvedAsset, 0, len(p.Components))
		for _, c := range p.Components {
			cp, err := r.store.GetPipeline(ctx, c.PipelineID)
			if err != nil {
				if errors.Is(err, model.ErrPipelineNotFound) {
					return nil, fmt.Errorf("resolve: %w: component %s of %s is missing", model.ErrInvalidPipeline, c.PipelineID, id)
				}
				return nil, fmt.Errorf("resolve: failed to get component %s: %w", c.PipelineID, err)
			}
			if cp.Kind != model.KindSingleAsset || cp.Config == nil {
				return nil, fmt.Errorf("resolve: %w: component %s is not a single-asset pipeline", model.ErrInvalidPipeline, c.PipelineID)
			}

			cfg := *cp.Config
			if c.Suffix != nil {
				cfg.Suffix = *c.Suffix
			}
			assets = append(assets, model.ResolvedAsset{Name: cp.Name, Config: cfg})
		}
		return assets, nil

	default:
		return nil, fmt.Errorf("resolve: %w: unknown kind %q", model.ErrInvalidPipeline, p.Kind)
	}
}
