package retention

import (
	"context"

	"github.com/wb-go/wbf/ginext"

	"github.com/aliskhannn/asset-pipeline/internal/api/respond"
	"github.com/aliskhannn/asset-pipeline/internal/sweeper"
)

// previewer reports what the retention sweeper would delete.
type previewer interface {
	Preview(ctx context.Context) (sweeper.Preview, error)
}

// Handler serves the retention preview.
type Handler struct {
	sweeper previewer
}

// NewHandler creates a new Handler.
func NewHandler(p previewer) *Handler {
	return &Handler{sweeper: p}
}

// Preview lists the batches the next sweep would delete.
func (h *Handler) Preview(c *ginext.Context) {
	p, err := h.sweeper.Preview(c.Request.Context())
	if err != nil {
		respond.ServiceError(c, "failed to preview retention", err)
		return
	}

	respond.OK(c, p)
}

