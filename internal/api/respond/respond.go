package respond

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"

	"github.com/wb-go/wbf/ginext"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/asset-pipeline/internal/model"
)

// Success represents a standard structure for successful responses.
type Success struct {
	Result interface{} `json:"result"`
}

// Error represents a standard structure for error responses.
type Error struct {
	Message string `json:"message"`
}

// JSON sends a JSON response with the specified HTTP status code and data.
func JSON(c *ginext.Context, status int, data interface{}) {
	c.JSON(status, data)
}

// OK sends a 200 OK JSON response, wrapping the given result in a Success struct.
func OK(c *ginext.Context, result interface{}) {
	JSON(c, http.StatusOK, Success{Result: result})
}

// Created sends a 201 Created JSON response, wrapping the given result in a Success struct.
func Created(c *ginext.Context, result interface{}) {
	JSON(c, http.StatusCreated, Success{Result: result})
}

// Fail sends an error JSON response with the specified HTTP status code.
func Fail(c *ginext.Context, status int, err error) {
	JSON(c, status, Error{Message: err.Error()})
}

// Status maps a service error to its HTTP status code.
func Status(err error) int {
	var intake *model.IntakeError

	switch {
	case errors.Is(err, model.ErrBatchNotFound),
		errors.Is(err, model.ErrJobNotFound),
		errors.Is(err, model.ErrPipelineNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrPipelineProtected),
		errors.Is(err, model.ErrPipelineReferenced):
		return http.StatusForbidden
	case errors.As(err, &intake):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// ServiceError logs err and responds with its mapped status. Client errors
// carry their message, server errors only msg.
func ServiceError(c *ginext.Context, msg string, err error) {
	status := Status(err)
	if status == http.StatusInternalServerError {
		zlog.Logger.Err(err).Msg(msg)
		Fail(c, status, errors.New(msg))
		return
	}

	zlog.Logger.Warn().Err(err).Msg(msg)
	Fail(c, status, err)
}

// attachment sets the headers of a file download.
func attachment(c *ginext.Context, name string) {
	c.Header("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
}

// File streams a stored file as a download. The content type follows the
// file extension.
func File(c *ginext.Context, name string, size int64, r io.Reader) {
	contentType := mime.TypeByExtension(filepath.Ext(name))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	attachment(c, name)
	c.DataFromReader(http.StatusOK, size, contentType, r, nil)
}

// Zip starts a ZIP download and streams the archive written by write. Once
// the body has started an error can only be logged by the caller.
func Zip(c *ginext.Context, name string, write func(w io.Writer) error) error {
	attachment(c, name)
	c.Header("Content-Type", "application/zip")
	c.Status(http.StatusOK)

	if err := write(c.Writer); err != nil {
		return fmt.Errorf("stream %s: %w", name, err)
	}
	return nil
}
