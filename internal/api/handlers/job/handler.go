package job

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/ginext"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/asset-pipeline/internal/api/respond"
	"github.com/aliskhannn/asset-pipeline/internal/model"
	jobsvc "github.com/aliskhannn/asset-pipeline/internal/service/job"
)

// service defines the interface for job-related operations.
type service interface {
	GetJob(ctx context.Context, id uuid.UUID) (model.Job, error)
	DeleteJob(ctx context.Context, id uuid.UUID) error
	OpenOutput(ctx context.Context, id uuid.UUID, filename string) (*os.File, error)
	WriteOutputsZip(ctx context.Context, id uuid.UUID, w io.Writer) error
}

// Handler provides HTTP handlers for job endpoints.
type Handler struct {
	service service
}

// NewHandler creates a new Handler with the given service.
func NewHandler(s service) *Handler {
	return &Handler{service: s}
}

func parseID(c *ginext.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		zlog.Logger.Warn().Str("id", c.Param("id")).Msg("invalid job id")
		respond.Fail(c, http.StatusBadRequest, fmt.Errorf("invalid id"))
		return uuid.Nil, false
	}
	return id, true
}

// Get returns a job with its diagnostics and outputs.
func (h *Handler) Get(c *ginext.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	j, err := h.service.GetJob(c.Request.Context(), id)
	if err != nil {
		respond.ServiceError(c, "failed to get job", err)
		return
	}

	respond.OK(c, j)
}

// Delete removes a job with its files.
func (h *Handler) Delete(c *ginext.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	if err := h.service.DeleteJob(c.Request.Context(), id); err != nil {
		respond.ServiceError(c, "failed to delete job", err)
		return
	}

	c.Status(http.StatusNoContent)
}

// Download serves one output named by the "file" query parameter, or every
// output of the job as a ZIP archive.
func (h *Handler) Download(c *ginext.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	if name := c.Query("file"); name != "" {
		h.downloadFile(c, id, name)
		return
	}

	j, err := h.service.GetJob(c.Request.Context(), id)
	if err != nil {
		respond.ServiceError(c, "failed to get job", err)
		return
	}
	if len(j.Outputs) == 0 {
		respond.Fail(c, http.StatusNotFound, jobsvc.ErrOutputNotFound)
		return
	}

	name := strings.TrimSuffix(j.InputFilename, filepath.Ext(j.InputFilename)) + ".zip"
	err = respond.Zip(c, name, func(w io.Writer) error {
		return h.service.WriteOutputsZip(c.Request.Context(), id, w)
	})
	if err != nil {
		zlog.Logger.Err(err).Str("job_id", id.String()).Msg("job download interrupted")
	}
}

func (h *Handler) downloadFile(c *ginext.Context, id uuid.UUID, name string) {
	f, err := h.service.OpenOutput(c.Request.Context(), id, name)
	if err != nil {
		if errors.Is(err, jobsvc.ErrOutputNotFound) {
			respond.Fail(c, http.StatusNotFound, err)
			return
		}
		respond.ServiceError(c, "failed to open output", err)
		return
	}
	defer f.Close()

	size := int64(-1)
	if st, err := f.Stat(); err == nil {
		size = st.Size()
	}

	respond.File(c, name, size, f)
}
