package batch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/ginext"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/asset-pipeline/internal/api/respond"
	"github.com/aliskhannn/asset-pipeline/internal/model"
	batchsvc "github.com/aliskhannn/asset-pipeline/internal/service/batch"
)

// maxMemory is the part of a multipart form kept in memory; the rest
// spills to temporary files.
const maxMemory = 32 << 20

// service defines the interface for batch-related operations.
type service interface {
	SubmitBatch(ctx context.Context, sub batchsvc.Submission) (batchsvc.SubmitResult, error)
	GetBatch(ctx context.Context, id uuid.UUID) (model.Batch, error)
	ListBatches(ctx context.Context, f model.BatchFilter) ([]model.Batch, int, error)
	Stats(ctx context.Context) (model.BatchStats, error)
	DeleteBatch(ctx context.Context, id uuid.UUID) error
	RenameBatch(ctx context.Context, id uuid.UUID, name string) (model.Batch, error)
	ResetBatchName(ctx context.Context, id uuid.UUID) (model.Batch, error)
	BatchArchive(ctx context.Context, id uuid.UUID) (*batchsvc.Archive, error)
	Dashboard(ctx context.Context) (batchsvc.Dashboard, error)
}

// Handler provides HTTP handlers for submissions and batches.
type Handler struct {
	service service
}

// NewHandler creates a new Handler with the given service.
func NewHandler(s service) *Handler {
	return &Handler{service: s}
}

// FileRequest is one base64-encoded file of a JSON submission.
type FileRequest struct {
	FileName string `json:"file_name"`
	FileData []byte `json:"file_data"`
}

// SubmitRequest is a JSON batch submission.
type SubmitRequest struct {
	PipelineID  uuid.UUID     `json:"pipeline_id"`
	Description string        `json:"description"`
	Files       []FileRequest `json:"files"`
}

// JobRequest is a JSON submission of a single file.
type JobRequest struct {
	PipelineID uuid.UUID `json:"pipeline_id"`
	FileName   string    `json:"file_name"`
	FileData   []byte    `json:"file_data"`
}

// RenameRequest carries a custom batch name.
type RenameRequest struct {
	Name string `json:"name"`
}

// ListResponse is a page of batches.
type ListResponse struct {
	Batches []model.Batch `json:"batches"`
	Total   int           `json:"total"`
	Limit   int           `json:"limit"`
	Offset  int           `json:"offset"`
}

// Upload handles a multipart submission: one or more "files" parts with a
// "pipeline_id" and an optional "description" field.
func (h *Handler) Upload(c *ginext.Context) {
	if err := c.Request.ParseMultipartForm(maxMemory); err != nil {
		zlog.Logger.Err(err).Msg("failed to parse multipart form")
		respond.Fail(c, http.StatusBadRequest, fmt.Errorf("failed to parse multipart form"))
		return
	}
	defer func() { _ = c.Request.MultipartForm.RemoveAll() }()

	pipelineID, err := uuid.Parse(c.PostForm("pipeline_id"))
	if err != nil {
		respond.Fail(c, http.StatusBadRequest, fmt.Errorf("invalid pipeline_id"))
		return
	}

	headers := c.Request.MultipartForm.File["files"]
	uploads, closeAll, err := openUploads(headers)
	defer closeAll()
	if err != nil {
		zlog.Logger.Err(err).Msg("failed to open uploaded file")
		respond.Fail(c, http.StatusBadRequest, err)
		return
	}

	h.submit(c, batchsvc.Submission{
		Files:       uploads,
		PipelineID:  pipelineID,
		Description: c.PostForm("description"),
	})
}

// openUploads opens every multipart file. The returned func closes them.
func openUploads(headers []*multipart.FileHeader) ([]batchsvc.Upload, func(), error) {
	var files []multipart.File
	closeAll := func() {
		for _, f := range files {
			_ = f.Close()
		}
	}

	uploads := make([]batchsvc.Upload, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			return nil, closeAll, fmt.Errorf("failed to open %s", fh.Filename)
		}
		files = append(files, f)
		uploads = append(uploads, batchsvc.Upload{Filename: fh.Filename, Size: fh.Size, Reader: f})
	}

	return uploads, closeAll, nil
}

// SubmitJSON handles a batch submission with base64-encoded files.
func (h *Handler) SubmitJSON(c *ginext.Context) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		zlog.Logger.Err(err).Msg("failed to decode submission")
		respond.Fail(c, http.StatusBadRequest, fmt.Errorf("invalid request body"))
		return
	}

	uploads := make([]batchsvc.Upload, len(req.Files))
	for i, f := range req.Files {
		uploads[i] = inline(f.FileName, f.FileData)
	}

	h.submit(c, batchsvc.Submission{
		Files:       uploads,
		PipelineID:  req.PipelineID,
		Description: req.Description,
	})
}

// SubmitJob handles the submission of a single file, either as a multipart
// "file" part or as JSON.
func (h *Handler) SubmitJob(c *ginext.Context) {
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		if err := c.Request.ParseMultipartForm(maxMemory); err != nil {
			respond.Fail(c, http.StatusBadRequest, fmt.Errorf("failed to parse multipart form"))
			return
		}
		defer func() { _ = c.Request.MultipartForm.RemoveAll() }()

		pipelineID, err := uuid.Parse(c.PostForm("pipeline_id"))
		if err != nil {
			respond.Fail(c, http.StatusBadRequest, fmt.Errorf("invalid pipeline_id"))
			return
		}

		uploads, closeAll, err := openUploads(c.Request.MultipartForm.File["file"])
		defer closeAll()
		if err != nil {
			respond.Fail(c, http.StatusBadRequest, err)
			return
		}
		if len(uploads) != 1 {
			respond.Fail(c, http.StatusBadRequest, fmt.Errorf("exactly one file is required"))
			return
		}

		h.submit(c, batchsvc.Submission{Files: uploads, PipelineID: pipelineID})
		return
	}

	var req JobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.Fail(c, http.StatusBadRequest, fmt.Errorf("invalid request body"))
		return
	}

	h.submit(c, batchsvc.Submission{
		Files:      []batchsvc.Upload{inline(req.FileName, req.FileData)},
		PipelineID: req.PipelineID,
	})
}

func inline(name string, data []byte) batchsvc.Upload {
	return batchsvc.Upload{Filename: name, Size: int64(len(data)), Reader: bytes.NewReader(data)}
}

func (h *Handler) submit(c *ginext.Context, sub batchsvc.Submission) {
	res, err := h.service.SubmitBatch(c.Request.Context(), sub)
	if err != nil {
		respond.ServiceError(c, "failed to submit batch", err)
		return
	}

	respond.Created(c, res)
}

func parseID(c *ginext.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		respond.Fail(c, http.StatusBadRequest, fmt.Errorf("invalid %s", name))
		return uuid.Nil, false
	}
	return id, true
}

// Get returns a batch with its jobs.
func (h *Handler) Get(c *ginext.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	b, err := h.service.GetBatch(c.Request.Context(), id)
	if err != nil {
		respond.ServiceError(c, "failed to get batch", err)
		return
	}

	respond.OK(c, b)
}

// List returns a filtered page of batches.
func (h *Handler) List(c *ginext.Context) {
	f := model.BatchFilter{
		Status:         model.Status(c.Query("status")),
		CustomerPrefix: strings.ToUpper(c.Query("customer_prefix")),
		SortBy:         c.DefaultQuery("sort_by", "created_at"),
		SortDesc:       !strings.EqualFold(c.Query("order"), "asc"),
	}
	if f.Status != "" && !f.Status.Valid() {
		respond.Fail(c, http.StatusBadRequest, fmt.Errorf("invalid status %q", f.Status))
		return
	}

	var err error
	if f.Limit, err = queryInt(c, "limit", 50); err != nil {
		respond.Fail(c, http.StatusBadRequest, err)
		return
	}
	if f.Offset, err = queryInt(c, "offset", 0); err != nil {
		respond.Fail(c, http.StatusBadRequest, err)
		return
	}

	batches, total, err := h.service.ListBatches(c.Request.Context(), f)
	if err != nil {
		respond.ServiceError(c, "failed to list batches", err)
		return
	}
	if batches == nil {
		batches = []model.Batch{}
	}

	respond.OK(c, ListResponse{Batches: batches, Total: total, Limit: f.Limit, Offset: f.Offset})
}

func queryInt(c *ginext.Context, name string, def int) (int, error) {
	v := c.Query(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s", name)
	}
	return n, nil
}

// Stats returns batch totals.
func (h *Handler) Stats(c *ginext.Context) {
	st, err := h.service.Stats(c.Request.Context())
	if err != nil {
		respond.ServiceError(c, "failed to get batch stats", err)
		return
	}

	respond.OK(c, st)
}

// Delete removes a batch with its jobs and files.
func (h *Handler) Delete(c *ginext.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	if err := h.service.DeleteBatch(c.Request.Context(), id); err != nil {
		respond.ServiceError(c, "failed to delete batch", err)
		return
	}

	c.Status(http.StatusNoContent)
}

// Rename sets a custom batch name.
func (h *Handler) Rename(c *ginext.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	var req RenameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.Fail(c, http.StatusBadRequest, fmt.Errorf("invalid request body"))
		return
	}

	b, err := h.service.RenameBatch(c.Request.Context(), id, req.Name)
	if err != nil {
		respond.ServiceError(c, "failed to rename batch", err)
		return
	}

	respond.OK(c, b)
}

// ResetName drops the custom batch name.
func (h *Handler) ResetName(c *ginext.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	b, err := h.service.ResetBatchName(c.Request.Context(), id)
	if err != nil {
		respond.ServiceError(c, "failed to reset batch name", err)
		return
	}

	respond.OK(c, b)
}

// Download streams the outputs of a batch as a ZIP archive.
func (h *Handler) Download(c *ginext.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	a, err := h.service.BatchArchive(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, batchsvc.ErrNoOutputs) {
			respond.Fail(c, http.StatusNotFound, err)
			return
		}
		respond.ServiceError(c, "failed to prepare batch download", err)
		return
	}

	if err := respond.Zip(c, a.Name, a.WriteTo); err != nil {
		zlog.Logger.Err(err).Str("batch_id", id.String()).Msg("batch download interrupted")
	}
}

// Dashboard returns recent job counts.
func (h *Handler) Dashboard(c *ginext.Context) {
	d, err := h.service.Dashboard(c.Request.Context())
	if err != nil {
		respond.ServiceError(c, "failed to get dashboard", err)
		return
	}

	respond.OK(c, d)
}
