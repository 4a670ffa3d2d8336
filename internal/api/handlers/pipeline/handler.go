package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/ginext"

	"github.com/aliskhannn/asset-pipeline/internal/api/respond"
	"github.com/aliskhannn/asset-pipeline/internal/model"
)

// service defines the interface for pipeline definitions.
type service interface {
	List(ctx context.Context, archived *bool) ([]model.Pipeline, error)
	Get(ctx context.Context, id uuid.UUID) (model.Pipeline, error)
	Create(ctx context.Context, p model.Pipeline) (model.Pipeline, error)
	Update(ctx context.Context, p model.Pipeline) (model.Pipeline, error)
	Archive(ctx context.Context, id uuid.UUID) error
	Unarchive(ctx context.Context, id uuid.UUID) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// Handler provides HTTP handlers for pipeline endpoints.
type Handler struct {
	service service
}

// NewHandler creates a new Handler with the given service.
func NewHandler(s service) *Handler {
	return &Handler{service: s}
}

// Request is the editable part of a pipeline.
type Request struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	Kind        model.PipelineKind `json:"kind"`
	Config      *model.AssetConfig `json:"config"`
	Components  []model.Component  `json:"components"`
}

func (r Request) pipeline(id uuid.UUID) model.Pipeline {
	return model.Pipeline{
		ID:          id,
		Name:        r.Name,
		Description: r.Description,
		Kind:        r.Kind,
		Config:      r.Config,
		Components:  r.Components,
	}
}

func parseID(c *ginext.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respond.Fail(c, http.StatusBadRequest, fmt.Errorf("invalid id"))
		return uuid.Nil, false
	}
	return id, true
}

// List returns pipelines, filtered by ?archived=true|false when given.
func (h *Handler) List(c *ginext.Context) {
	var archived *bool
	if v := c.Query("archived"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			respond.Fail(c, http.StatusBadRequest, fmt.Errorf("invalid archived filter"))
			return
		}
		archived = &b
	}

	pipelines, err := h.service.List(c.Request.Context(), archived)
	if err != nil {
		respond.ServiceError(c, "failed to list pipelines", err)
		return
	}
	if pipelines == nil {
		pipelines = []model.Pipeline{}
	}

	respond.OK(c, pipelines)
}

// Get returns one pipeline.
func (h *Handler) Get(c *ginext.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	p, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		respond.ServiceError(c, "failed to get pipeline", err)
		return
	}

	respond.OK(c, p)
}

// Create adds a user pipeline.
func (h *Handler) Create(c *ginext.Context) {
	var req Request
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.Fail(c, http.StatusBadRequest, fmt.Errorf("invalid request body"))
		return
	}

	p, err := h.service.Create(c.Request.Context(), req.pipeline(uuid.Nil))
	if err != nil {
		respond.ServiceError(c, "failed to create pipeline", err)
		return
	}

	respond.Created(c, p)
}

// Update replaces a pipeline definition.
func (h *Handler) Update(c *ginext.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	var req Request
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.Fail(c, http.StatusBadRequest, fmt.Errorf("invalid request body"))
		return
	}

	p, err := h.service.Update(c.Request.Context(), req.pipeline(id))
	if err != nil {
		respond.ServiceError(c, "failed to update pipeline", err)
		return
	}

	respond.OK(c, p)
}

// Archive hides a pipeline from new submissions.
func (h *Handler) Archive(c *ginext.Context) {
	h.setArchived(c, true)
}

// Unarchive restores an archived pipeline.
func (h *Handler) Unarchive(c *ginext.Context) {
	h.setArchived(c, false)
}

func (h *Handler) setArchived(c *ginext.Context, archived bool) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	var err error
	if archived {
		err = h.service.Archive(c.Request.Context(), id)
	} else {
		err = h.service.Unarchive(c.Request.Context(), id)
	}
	if err != nil {
		respond.ServiceError(c, "failed to change pipeline archive flag", err)
		return
	}

	p, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		respond.ServiceError(c, "failed to get pipeline", err)
		return
	}

	respond.OK(c, p)
}

// Delete removes a user pipeline.
func (h *Handler) Delete(c *ginext.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	if err := h.service.Delete(c.Request.Context(), id); err != nil {
		respond.ServiceError(c, "failed to delete pipeline", err)
		return
	}

	c.Status(http.StatusNoContent)
}
