package sweeper

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/aliskhannn/asset-pipeline/internal/model"
	"github.com/aliskhannn/asset-pipeline/internal/storage/object"
)

// batchDeleter defines the interface for removing a batch row. Jobs are
// removed with it.
type batchDeleter interface {
	DeleteBatch(ctx context.Context, id uuid.UUID) error
}

// outputStorage defines the interface for removing batch output directories.
type outputStorage interface {
	RemoveBatch(baseName string) error
}

// inputStorage defines the interface for removing stored inputs.
type inputStorage interface {
	DeletePrefix(ctx context.Context, prefix string) error
}

// Purger deletes a batch with everything it produced.
type Purger struct {
	batches batchDeleter
	outputs outputStorage
	inputs  inputStorage
}

// NewPurger creates a new Purger.
func NewPurger(b batchDeleter, out outputStorage, in inputStorage) *Purger {
	return &Purger{batches: b, outputs: out, inputs: in}
}

// Purge deletes the batch row first, then its output directory and stored
// inputs. A row that is already gone does not stop the file cleanup. File
// cleanup failures are collected and returned together.
func (p *Purger) Purge(ctx context.Context, b model.Batch) error {
	if err := p.batches.DeleteBatch(ctx, b.ID); err != nil && !errors.Is(err, model.ErrBatchNotFound) {
		return fmt.Errorf("purge: failed to delete batch %s: %w", b.ID, err)
	}

	var result error
	if err := p.outputs.RemoveBatch(b.BaseDirectoryName); err != nil {
		result = multierror.Append(result, fmt.Errorf("purge: outputs of %s: %w", b.BaseDirectoryName, err))
	}
	if err := p.inputs.DeletePrefix(ctx, object.BatchPrefix(b.BaseDirectoryName)); err != nil {
		result = multierror.Append(result, fmt.Errorf("purge: inputs of %s: %w", b.BaseDirectoryName, err))
	}

	return result
}
