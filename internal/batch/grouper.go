// Package batch derives batch identities for submissions and the aggregate
// status of a batch from its jobs.
package batch

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/asset-pipeline/internal/model"
)

const maxPrefixLen = 20

// prefixPattern matches "letters, separator, alphanumerics" at the start of a
// filename, ending at the next separator or the extension. The second group
// keeps only the leading letters when the token mixes letters and digits.
var prefixPattern = regexp.MustCompile(`^([A-Za-z]+)[_-]([A-Za-z]+|[A-Za-z0-9]+)[A-Za-z0-9]*(?:[_-]|\.)`)

// ExtractCustomerPrefix derives the customer prefix from the first filename.
func ExtractCustomerPrefix(filenames []string) (string, error) {
	if len(filenames) == 0 {
		return "", &model.IntakeError{Err: fmt.Errorf("%w: no files", model.ErrPrefixExtraction)}
	}

	m := prefixPattern.FindStringSubmatch(filenames[0])
	if m == nil {
		return "", &model.IntakeError{Err: fmt.Errorf("%w: %q", model.ErrPrefixExtraction, filenames[0])}
	}

	prefix := strings.ToUpper(m[1] + "_" + m[2])
	if len(prefix) > maxPrefixLen {
		prefix = prefix[:maxPrefixLen]
	}

	return prefix, nil
}

// InferDescription is the default description for n files.
func InferDescription(n int) string {
	if n <= 0 {
		return "Render"
	}
	return fmt.Sprintf("%d-file_Render", n)
}

// store defines the interface for persisting new batches. CreateBatch
// allocates the next counter for (prefix, date) and returns
// model.ErrCounterConflict if another submission took it first.
type store interface {
	CreateBatch(ctx context.Context, b model.Batch) (model.Batch, error)
}

// Grouper creates the batch record that a submission's jobs attach to.
type Grouper struct {
	store    store
	strategy retry.Strategy
	now      func() time.Time
}

// NewGrouper creates a new Grouper.
func NewGrouper(s store, strategy retry.Strategy) *Grouper {
	return &Grouper{store: s, strategy: strategy, now: time.Now}
}

// Submission is the input to Group.
type Submission struct {
	Filenames   []string
	TotalSize   int64
	Description string
	PipelineID  uuid.UUID
}

// Group derives the batch identity and inserts the batch in state queued.
// Counter conflicts are retried with the configured strategy.
func (g *Grouper) Group(ctx context.Context, sub Submission) (model.Batch, error) {
	prefix, err := ExtractCustomerPrefix(sub.Filenames)
	if err != nil {
		return model.Batch{}, err
	}

	description := strings.TrimSpace(sub.Description)
	if description == "" {
		description = InferDescription(len(sub.Filenames))
	}

	b := model.Batch{
		ID:                uuid.New(),
		CustomerPrefix:    prefix,
		BatchDate:         g.now().UTC().Format(model.DateLayout),
		RenderDescription: description,
		PipelineID:        sub.PipelineID,
		TotalFiles:        len(sub.Filenames),
		TotalSize:         sub.TotalSize,
		Status:            model.StatusQueued,
	}

	var (
		created model.Batch
		fatal   error
	)
	err = retry.Do(func() error {
		res, err := g.store.CreateBatch(ctx, b)
		if errors.Is(err, model.ErrCounterConflict) {
			zlog.Logger.Warn().
				Str("prefix", prefix).
				Str("date", b.BatchDate).
				Msg("batch counter conflict, retrying")
			return err
		}
		created, fatal = res, err
		return nil
	}, g.strategy)
	if err != nil {
		return model.Batch{}, fmt.Errorf("group: failed to allocate batch counter: %w", err)
	}
	if fatal != nil {
		return model.Batch{}, fmt.Errorf("group: failed to create batch: %w", fatal)
	}

	return created, nil
}
