// Package batch implements submission intake and batch queries.
package batch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/zlog"

	batchgroup "github.com/aliskhannn/asset-pipeline/internal/batch"
	"github.com/aliskhannn/asset-pipeline/internal/model"
	"github.com/aliskhannn/asset-pipeline/internal/storage/file"
	"github.com/aliskhannn/asset-pipeline/internal/storage/object"
)

var (
	ErrNoFiles      = errors.New("at least one file is required")
	ErrTooManyFiles = errors.New("too many files in one batch")
	ErrFileTooLarge = errors.New("file exceeds the size limit")
	ErrInvalidName  = errors.New("invalid name")
	ErrNoOutputs    = errors.New("batch has no outputs yet")
)

const maxCustomNameSize = 255

// grouper derives the batch identity and inserts the batch.
type grouper interface {
	Group(ctx context.Context, sub batchgroup.Submission) (model.Batch, error)
}

// batchStore defines the interface for batch persistence.
type batchStore interface {
	GetBatch(ctx context.Context, id uuid.UUID) (model.Batch, error)
	ListBatches(ctx context.Context, f model.BatchFilter) ([]model.Batch, int, error)
	Stats(ctx context.Context) (model.BatchStats, error)
	UpdateAggregate(ctx context.Context, id uuid.UUID, status model.Status, completed, failed int) error
	Rename(ctx context.Context, id uuid.UUID, name string) (model.Batch, error)
	ResetName(ctx context.Context, id uuid.UUID) (model.Batch, error)
}

// jobStore defines the interface for job persistence used by intake.
type jobStore interface {
	CreateJobs(ctx context.Context, jobs []model.Job) error
	ListByBatch(ctx context.Context, batchID uuid.UUID) ([]model.Job, error)
	Reject(ctx context.Context, id uuid.UUID, message string) (bool, error)
	CountByStatus(ctx context.Context, batchID uuid.UUID) ([]model.StatusCount, error)
	CountSince(ctx context.Context, since time.Time) ([]model.StatusCount, error)
}

// pipelineStore defines the interface for checking the requested pipeline.
type pipelineStore interface {
	GetPipeline(ctx context.Context, id uuid.UUID) (model.Pipeline, error)
}

// inputStorage defines the interface for storing input payloads.
type inputStorage interface {
	Save(ctx context.Context, key string, src io.Reader, size int64) error
	DeletePrefix(ctx context.Context, prefix string) error
}

// outputStorage defines the interface for reading batch outputs.
type outputStorage interface {
	WriteZip(w io.Writer, baseName string, entries []file.Entry) error
}

// producer defines the interface for enqueueing jobs.
type producer interface {
	Produce(ctx context.Context, payload model.JobPayload) error
}

// purger removes a batch with its files.
type purger interface {
	Purge(ctx context.Context, b model.Batch) error
}

// notifier receives job transitions.
type notifier interface {
	JobStatus(ctx context.Context, jobID, batchID uuid.UUID, status model.Status)
}

// Limits bounds a submission.
type Limits struct {
	MaxFiles    int
	MaxFileSize int64
}

// Service provides business logic for batches.
type Service struct {
	grouper   grouper
	batches   batchStore
	jobs      jobStore
	pipelines pipelineStore
	inputs    inputStorage
	outputs   outputStorage
	producer  producer
	purger    purger
	notifier  notifier
	limits    Limits
	now       func() time.Time
}

// NewService creates a new Service.
func NewService(
	g grouper,
	bs batchStore,
	js jobStore,
	ps pipelineStore,
	in inputStorage,
	out outputStorage,
	p producer,
	pg purger,
	n notifier,
	limits Limits,
) *Service {
	return &Service{
		grouper:   g,
		batches:   bs,
		jobs:      js,
		pipelines: ps,
		inputs:    in,
		outputs:   out,
		producer:  p,
		purger:    pg,
		notifier:  n,
		limits:    limits,
		now:       time.Now,
	}
}

// Upload is one submitted file.
type Upload struct {
	Filename string
	Size     int64
	Reader   io.Reader
}

// Submission is a request to process files with one pipeline.
type Submission struct {
	Files       []Upload
	PipelineID  uuid.UUID
	Description string
}

// SubmitResult identifies what a submission created.
type SubmitResult struct {
	BatchID  uuid.UUID    `json:"batch_id"`
	BaseName string       `json:"base_directory_name"`
	JobIDs   []uuid.UUID  `json:"job_ids"`
	Status   model.Status `json:"status"`
}

func intake(err error) error {
	return &model.IntakeError{Err: err}
}

// SubmitBatch creates a batch with one job per file, stores the inputs and
// enqueues the jobs. Nothing is created when the submission is rejected.
// A job that cannot be enqueued fails immediately.
func (s *Service) SubmitBatch(ctx context.Context, sub Submission) (SubmitResult, error) {
	if err := s.checkFiles(sub.Files); err != nil {
		return SubmitResult{}, err
	}

	p, err := s.pipelines.GetPipeline(ctx, sub.PipelineID)
	if err != nil {
		if errors.Is(err, model.ErrPipelineNotFound) {
			return SubmitResult{}, intake(err)
		}
		return SubmitResult{}, fmt.Errorf("submit: failed to get pipeline: %w", err)
	}
	if p.Archived {
		return SubmitResult{}, intake(model.ErrPipelineArchived)
	}

	names := make([]string, len(sub.Files))
	var total int64
	for i, f := range sub.Files {
		names[i] = filepath.Base(f.Filename)
		total += f.Size
	}

	b, err := s.grouper.Group(ctx, batchgroup.Submission{
		Filenames:   names,
		TotalSize:   total,
		Description: sub.Description,
		PipelineID:  p.ID,
	})
	if err != nil {
		return SubmitResult{}, fmt.Errorf("submit: %w", err)
	}

	log := zlog.Logger.With().Str("batch", b.BaseDirectoryName).Logger()

	jobs := make([]model.Job, len(sub.Files))
	for i, f := range sub.Files {
		id := uuid.New()
		key := object.InputKey(b.BaseDirectoryName, id, names[i])

		if err := s.inputs.Save(ctx, key, f.Reader, f.Size); err != nil {
			s.abandon(ctx, b)
			return SubmitResult{}, fmt.Errorf("submit: failed to store %s: %w", names[i], err)
		}

		jobs[i] = model.Job{
			ID:            id,
			BatchID:       b.ID,
			PipelineID:    p.ID,
			InputFilename: names[i],
			InputRef:      key,
			InputSize:     f.Size,
			Status:        model.StatusQueued,
		}
	}

	if err := s.jobs.CreateJobs(ctx, jobs); err != nil {
		s.abandon(ctx, b)
		return SubmitResult{}, fmt.Errorf("submit: failed to create jobs: %w", err)
	}

	res := SubmitResult{BatchID: b.ID, BaseName: b.BaseDirectoryName, Status: model.StatusQueued}

	rejected := 0
	for _, j := range jobs {
		res.JobIDs = append(res.JobIDs, j.ID)

		err := s.producer.Produce(ctx, model.JobPayload{
			JobID:      j.ID,
			BatchID:    j.BatchID,
			PipelineID: j.PipelineID,
			FileName:   j.InputFilename,
			InputRef:   j.InputRef,
		})
		if err == nil {
			continue
		}

		log.Err(err).Str("job_id", j.ID.String()).Msg("failed to enqueue job")
		if _, rErr := s.jobs.Reject(ctx, j.ID, "failed to enqueue job: "+err.Error()); rErr != nil {
			log.Err(rErr).Str("job_id", j.ID.String()).Msg("failed to mark job as failed")
			continue
		}
		rejected++
		s.notifier.JobStatus(ctx, j.ID, j.BatchID, model.StatusFailed)
	}

	if rejected > 0 {
		if b, err := s.refresh(ctx, b); err == nil {
			res.Status = b.Status
		}
	}

	log.Info().
		Int("files", len(jobs)).
		Int("rejected", rejected).
		Str("pipeline", p.Name).
		Msg("batch submitted")

	return res, nil
}

func (s *Service) checkFiles(files []Upload) error {
	if len(files) == 0 {
		return intake(ErrNoFiles)
	}
	if s.limits.MaxFiles > 0 && len(files) > s.limits.MaxFiles {
		return intake(fmt.Errorf("%w: %d files, maximum is %d", ErrTooManyFiles, len(files), s.limits.MaxFiles))
	}

	for _, f := range files {
		name := filepath.Base(f.Filename)
		if name == "" || name == "." || name == "/" {
			return intake(fmt.Errorf("%w: empty filename", ErrInvalidName))
		}
		if s.limits.MaxFileSize > 0 && f.Size > s.limits.MaxFileSize {
			return intake(fmt.Errorf("%w: %s", ErrFileTooLarge, name))
		}
	}

	return nil
}

// abandon removes a batch whose submission could not be completed.
func (s *Service) abandon(ctx context.Context, b model.Batch) {
	if err := s.purger.Purge(ctx, b); err != nil {
		zlog.Logger.Err(err).Str("batch", b.BaseDirectoryName).Msg("failed to clean up abandoned batch")
	}
}

// refresh recomputes the aggregate of b from its jobs and stores it when it
// changed.
func (s *Service) refresh(ctx context.Context, b model.Batch) (model.Batch, error) {
	counts, err := s.jobs.CountByStatus(ctx, b.ID)
	if err != nil {
		return b, fmt.Errorf("refresh: failed to count jobs: %w", err)
	}

	s.store(ctx, &b, batchgroup.FromCounts(counts))
	return b, nil
}

// store applies sum to b and rewrites the cache if it was stale.
func (s *Service) store(ctx context.Context, b *model.Batch, sum batchgroup.Summary) {
	stale := b.Status != sum.Status || b.CompletedCount != sum.Completed || b.FailedCount != sum.Failed
	sum.Apply(b)
	if !stale {
		return
	}

	if err := s.batches.UpdateAggregate(ctx, b.ID, sum.Status, sum.Completed, sum.Failed); err != nil {
		zlog.Logger.Warn().Err(err).Str("batch_id", b.ID.String()).Msg("failed to store batch aggregate")
	}
}

// GetBatch returns a batch with its jobs. The aggregate is derived from the
// jobs rather than read from the cache.
func (s *Service) GetBatch(ctx context.Context, id uuid.UUID) (model.Batch, error) {
	b, err := s.batches.GetBatch(ctx, id)
	if err != nil {
		return model.Batch{}, fmt.Errorf("get batch: %w", err)
	}

	jobs, err := s.jobs.ListByBatch(ctx, id)
	if err != nil {
		return model.Batch{}, fmt.Errorf("get batch: %w", err)
	}

	statuses := make([]model.Status, len(jobs))
	for i, j := range jobs {
		statuses[i] = j.Status
	}
	s.store(ctx, &b, batchgroup.Aggregate(statuses))
	b.Jobs = jobs

	return b, nil
}

// ListBatches returns a page of batches and the total number matching f.
func (s *Service) ListBatches(ctx context.Context, f model.BatchFilter) ([]model.Batch, int, error) {
	if f.Limit <= 0 || f.Limit > 100 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	batches, total, err := s.batches.ListBatches(ctx, f)
	if err != nil {
		return nil, 0, fmt.Errorf("list batches: %w", err)
	}

	for i := range batches {
		if batches[i].Status.Terminal() {
			continue
		}
		refreshed, err := s.refresh(ctx, batches[i])
		if err != nil {
			return nil, 0, fmt.Errorf("list batches: %w", err)
		}
		batches[i] = refreshed
	}

	return batches, total, nil
}

// Stats summarises all batches.
func (s *Service) Stats(ctx context.Context) (model.BatchStats, error) {
	st, err := s.batches.Stats(ctx)
	if err != nil {
		return model.BatchStats{}, fmt.Errorf("stats: %w", err)
	}
	return st, nil
}

// DeleteBatch removes a batch, its jobs, outputs and inputs.
func (s *Service) DeleteBatch(ctx context.Context, id uuid.UUID) error {
	b, err := s.batches.GetBatch(ctx, id)
	if err != nil {
		return fmt.Errorf("delete batch: %w", err)
	}

	if err := s.purger.Purge(ctx, b); err != nil {
		return fmt.Errorf("delete batch: %w", err)
	}

	zlog.Logger.Info().Str("batch", b.BaseDirectoryName).Msg("batch deleted")
	return nil
}

// RenameBatch sets a custom display name. Renamed batches are exempt from
// retention.
func (s *Service) RenameBatch(ctx context.Context, id uuid.UUID, name string) (model.Batch, error) {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > maxCustomNameSize {
		return model.Batch{}, intake(fmt.Errorf("%w: name must be 1-%d characters", ErrInvalidName, maxCustomNameSize))
	}

	b, err := s.batches.Rename(ctx, id, name)
	if err != nil {
		return model.Batch{}, fmt.Errorf("rename batch: %w", err)
	}
	return b, nil
}

// ResetBatchName drops the custom name.
func (s *Service) ResetBatchName(ctx context.Context, id uuid.UUID) (model.Batch, error) {
	b, err := s.batches.ResetName(ctx, id)
	if err != nil {
		return model.Batch{}, fmt.Errorf("reset batch name: %w", err)
	}
	return b, nil
}

// Archive is a batch download ready to be written.
type Archive struct {
	Name     string
	baseName string
	entries  []file.Entry
	outputs  outputStorage
}

// WriteTo streams the archive.
func (a *Archive) WriteTo(w io.Writer) error {
	return a.outputs.WriteZip(w, a.baseName, a.entries)
}

// BatchArchive collects the outputs of every completed job of a batch.
func (s *Service) BatchArchive(ctx context.Context, id uuid.UUID) (*Archive, error) {
	b, err := s.GetBatch(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("download batch: %w", err)
	}

	var entries []file.Entry
	for _, j := range b.Jobs {
		if j.Status != model.StatusCompleted {
			continue
		}
		for _, o := range j.Outputs {
			entries = append(entries, file.Entry{JobID: j.ID, Filename: o.Filename})
		}
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("download batch: %w", ErrNoOutputs)
	}

	return &Archive{
		Name:     b.DisplayName() + ".zip",
		baseName: b.BaseDirectoryName,
		entries:  entries,
		outputs:  s.outputs,
	}, nil
}

// Dashboard is a snapshot of recent activity.
type Dashboard struct {
	RecentHour []model.StatusCount `json:"recent_hour"`
	Today      []model.StatusCount `json:"today"`
	Batches    model.BatchStats    `json:"batches"`
	Timestamp  time.Time           `json:"timestamp"`
}

// Dashboard returns job counts by status for the last hour and for the
// current UTC day, with the batch totals.
func (s *Service) Dashboard(ctx context.Context) (Dashboard, error) {
	now := s.now().UTC()

	recent, err := s.jobs.CountSince(ctx, now.Add(-time.Hour))
	if err != nil {
		return Dashboard{}, fmt.Errorf("dashboard: %w", err)
	}

	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	today, err := s.jobs.CountSince(ctx, midnight)
	if err != nil {
		return Dashboard{}, fmt.Errorf("dashboard: %w", err)
	}

	st, err := s.batches.Stats(ctx)
	if err != nil {
		return Dashboard{}, fmt.Errorf("dashboard: %w", err)
	}

	return Dashboard{RecentHour: recent, Today: today, Batches: st, Timestamp: now}, nil
}
