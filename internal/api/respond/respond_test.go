package respond

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/aliskhannn/asset-pipeline/internal/model"
)

func TestStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"batch not found", fmt.Errorf("get batch: %w", model.ErrBatchNotFound), http.StatusNotFound},
		{"job not found", model.ErrJobNotFound, http.StatusNotFound},
		{"pipeline not found", model.ErrPipelineNotFound, http.StatusNotFound},
		{"protected", fmt.Errorf("delete pipeline: %w", model.ErrPipelineProtected), http.StatusForbidden},
		{"referenced", model.ErrPipelineReferenced, http.StatusForbidden},
		{"intake", fmt.Errorf("submit: %w", &model.IntakeError{Err: model.ErrPrefixExtraction}), http.StatusBadRequest},
		{"archived pipeline at intake", &model.IntakeError{Err: model.ErrPipelineArchived}, http.StatusBadRequest},
		{"other", errors.New("db down"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Status(tt.err))
		})
	}
}
