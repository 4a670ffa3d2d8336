// Package job runs queued jobs through validation and the transform stages
// and serves job lookups, downloads and deletion.
package job

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/asset-pipeline/internal/batch"
	"github.com/aliskhannn/asset-pipeline/internal/model"
	"github.com/aliskhannn/asset-pipeline/internal/processor"
	"github.com/aliskhannn/asset-pipeline/internal/storage/file"
	"github.com/aliskhannn/asset-pipeline/internal/storage/object"
	"github.com/aliskhannn/asset-pipeline/internal/validator"
)

// jobStore defines the interface for job persistence and guarded transitions.
type jobStore interface {
	GetJob(ctx context.Context, id uuid.UUID) (model.Job, error)
	Claim(ctx context.Context, id uuid.UUID, stall time.Duration) (bool, error)
	Heartbeat(ctx context.Context, id uuid.UUID) error
	Release(ctx context.Context, id uuid.UUID) error
	Complete(ctx context.Context, id uuid.UUID, outputs []model.OutputFile, diag model.Diagnostics) (bool, error)
	Fail(ctx context.Context, id uuid.UUID, message string, diag model.Diagnostics) (bool, error)
	CountByStatus(ctx context.Context, batchID uuid.UUID) ([]model.StatusCount, error)
	DeleteJob(ctx context.Context, id uuid.UUID) (uuid.UUID, error)
}

// batchStore defines the interface for reading batches and rewriting their
// cached aggregate.
type batchStore interface {
	GetBatch(ctx context.Context, id uuid.UUID) (model.Batch, error)
	UpdateAggregate(ctx context.Context, id uuid.UUID, status model.Status, completed, failed int) error
}

// resolver flattens a pipeline into the asset configs to run.
type resolver interface {
	Resolve(ctx context.Context, id uuid.UUID) ([]model.ResolvedAsset, error)
}

// assetProcessor runs the transform stages for one asset.
type assetProcessor interface {
	Run(ctx context.Context, src processor.Source, asset model.ResolvedAsset) (processor.Output, error)
}

// inputStorage defines the interface for stored input payloads.
type inputStorage interface {
	Load(ctx context.Context, key string) (io.ReadCloser, error)
	DeletePrefix(ctx context.Context, prefix string) error
}

// outputStorage defines the interface for the job output directories.
type outputStorage interface {
	ResetJobDir(baseName string, jobID uuid.UUID) error
	Save(baseName string, jobID uuid.UUID, filename string, src io.Reader) (string, error)
	Open(baseName string, jobID uuid.UUID, filename string) (*os.File, error)
	RemoveJob(baseName string, jobID uuid.UUID) error
	WriteZip(w io.Writer, baseName string, entries []file.Entry) error
}

// notifier receives job transitions.
type notifier interface {
	JobStatus(ctx context.Context, jobID, batchID uuid.UUID, status model.Status)
}

// Options configures job execution.
type Options struct {
	HeartbeatInterval time.Duration
	StallInterval     time.Duration
}

// Service provides business logic for jobs.
type Service struct {
	jobs      jobStore
	batches   batchStore
	resolver  resolver
	processor assetProcessor
	inputs    inputStorage
	outputs   outputStorage
	notifier  notifier
	opts      Options
}

// NewService creates a new Service.
func NewService(
	js jobStore,
	bs batchStore,
	r resolver,
	p assetProcessor,
	in inputStorage,
	out outputStorage,
	n notifier,
	opts Options,
) *Service {
	return &Service{
		jobs:      js,
		batches:   bs,
		resolver:  r,
		processor: p,
		inputs:    in,
		outputs:   out,
		notifier:  n,
		opts:      opts,
	}
}

func persistence(op string, err error) error {
	return &model.PersistenceError{Op: op, Err: err}
}

// ProcessJob runs one delivery of a job. Deliveries of finished or deleted
// jobs and of jobs held by a live worker are no-ops. A returned error is
// always a *model.PersistenceError; job failures are recorded on the job.
func (s *Service) ProcessJob(ctx context.Context, payload model.JobPayload) error {
	log := zlog.Logger.With().Str("job_id", payload.JobID.String()).Logger()

	job, err := s.jobs.GetJob(ctx, payload.JobID)
	if err != nil {
		if errors.Is(err, model.ErrJobNotFound) {
			log.Warn().Msg("job no longer exists, discarding message")
			return nil
		}
		return persistence("get job", err)
	}

	if job.Status.Terminal() {
		log.Info().Str("status", string(job.Status)).Msg("job already finished, ignoring redelivery")
		return nil
	}

	claimed, err := s.jobs.Claim(ctx, job.ID, s.opts.StallInterval)
	if err != nil {
		return persistence("claim job", err)
	}
	if !claimed {
		log.Info().Msg("job is held by another worker")
		return nil
	}

	start := time.Now()
	s.notifier.JobStatus(ctx, job.ID, job.BatchID, model.StatusProcessing)
	s.refreshAggregate(ctx, job.BatchID)

	hbCtx, cancelHeartbeat := context.WithCancel(ctx)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		s.heartbeat(hbCtx, job.ID)
	}()
	stopHeartbeat := func() {
		cancelHeartbeat()
		<-hbDone
	}
	defer stopHeartbeat()

	b, err := s.batches.GetBatch(ctx, job.BatchID)
	if err != nil {
		if errors.Is(err, model.ErrBatchNotFound) {
			log.Warn().Msg("batch no longer exists, discarding job")
			return nil
		}
		return s.release(ctx, job.ID, stopHeartbeat, persistence("get batch", err))
	}

	outputs, diag, runErr := s.run(ctx, b, job, payload)
	if runErr != nil && model.IsPersistence(runErr) {
		return s.release(ctx, job.ID, stopHeartbeat, runErr)
	}

	status := model.StatusCompleted
	var updated bool
	if runErr != nil {
		status = model.StatusFailed
		var stageErr *model.StageError
		if errors.As(runErr, &stageErr) {
			diag.FailedStage = &stageErr.Stage
		}
		updated, err = s.jobs.Fail(ctx, job.ID, runErr.Error(), diag)
	} else {
		updated, err = s.jobs.Complete(ctx, job.ID, outputs, diag)
	}
	if err != nil {
		return s.release(ctx, job.ID, stopHeartbeat, persistence("finish job", err))
	}
	if !updated {
		log.Warn().Msg("job changed while running, result discarded")
		return nil
	}

	recordOutcome(ctx, status, time.Since(start), len(outputs))
	s.notifier.JobStatus(ctx, job.ID, job.BatchID, status)
	s.refreshAggregate(ctx, job.BatchID)

	ev := log.Info()
	if runErr != nil {
		ev = log.Warn().Err(runErr)
	}
	ev.Str("status", string(status)).
		Int("outputs", len(outputs)).
		Int("warnings", len(diag.Warnings)).
		Dur("elapsed", time.Since(start)).
		Msg("job finished")

	return nil
}

// release gives up the claim after a persistence failure so that the retried
// delivery can claim the job again. The heartbeat is stopped first so it
// cannot renew the released claim.
func (s *Service) release(ctx context.Context, id uuid.UUID, stopHeartbeat func(), cause error) error {
	stopHeartbeat()

	relCtx := context.WithoutCancel(ctx)
	if err := s.jobs.Release(relCtx, id); err != nil {
		zlog.Logger.Warn().Err(err).Str("job_id", id.String()).Msg("failed to release job claim")
	}

	return cause
}

// run validates the input and produces every component's output. The
// returned error is a *model.StageError when the job must fail, or a
// *model.PersistenceError when it must be retried.
func (s *Service) run(ctx context.Context, b model.Batch, job model.Job, payload model.JobPayload) ([]model.OutputFile, model.Diagnostics, error) {
	var diag model.Diagnostics

	data, err := s.input(ctx, job, payload)
	if err != nil {
		return nil, diag, err
	}

	insp, result := validator.Check(data)
	diag.Validation = &result
	if result.Status == model.Rejected {
		return nil, diag, model.NewStageError(model.StageValidation, errors.New(strings.Join(result.Errors, "; ")))
	}
	diag.Warnings = append(diag.Warnings, result.Warnings...)

	assets, err := s.resolver.Resolve(ctx, job.PipelineID)
	if err != nil {
		if errors.Is(err, model.ErrPipelineNotFound) || errors.Is(err, model.ErrInvalidPipeline) {
			return nil, diag, model.NewStageError(model.StagePipeline, err)
		}
		return nil, diag, persistence("resolve pipeline", err)
	}

	img, err := processor.Decode(data)
	if err != nil {
		return nil, diag, model.NewStageError(model.StageValidation, err)
	}

	if err := s.outputs.ResetJobDir(b.BaseDirectoryName, job.ID); err != nil {
		return nil, diag, model.NewStageError(model.StageStore, err)
	}

	src := processor.Source{Filename: job.InputFilename, Image: img, ICC: insp.ICC}

	var (
		outputs []model.OutputFile
		lastErr error
	)
	for _, asset := range assets {
		if err := ctx.Err(); err != nil {
			return nil, diag, persistence("run job", err)
		}

		out, err := s.processor.Run(ctx, src, asset)
		if err == nil {
			_, err = s.outputs.Save(b.BaseDirectoryName, job.ID, out.Filename, bytes.NewReader(out.Data))
			if err != nil {
				err = model.NewStageError(model.StageStore, err)
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, diag, persistence("run job", ctx.Err())
			}
			lastErr = err
			if len(assets) > 1 {
				diag.Warnings = append(diag.Warnings, fmt.Sprintf("component %s failed: %v", asset.Name, err))
			}
			continue
		}

		diag.Warnings = append(diag.Warnings, out.Warnings...)
		outputs = append(outputs, model.OutputFile{
			Filename:         out.Filename,
			Component:        out.Component,
			Suffix:           out.Suffix,
			Format:           out.Format,
			Width:            out.Width,
			Height:           out.Height,
			SizeBytes:        int64(len(out.Data)),
			ProcessingTimeMS: out.Duration.Milliseconds(),
			Optimized:        out.Optimized,
		})
	}

	if len(outputs) == 0 {
		if lastErr == nil {
			lastErr = model.NewStageError(model.StagePipeline, errors.New("pipeline has no components"))
		}
		return nil, diag, lastErr
	}

	return outputs, diag, nil
}

// input returns the payload bytes, inline or from object storage.
func (s *Service) input(ctx context.Context, job model.Job, payload model.JobPayload) ([]byte, error) {
	if len(payload.FileData) > 0 {
		return payload.FileData, nil
	}

	ref := job.InputRef
	if ref == "" {
		ref = payload.InputRef
	}

	rc, err := s.inputs.Load(ctx, ref)
	if err != nil {
		return nil, persistence("load input", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, persistence("read input", err)
	}

	return data, nil
}

func (s *Service) heartbeat(ctx context.Context, id uuid.UUID) {
	if s.opts.HeartbeatInterval <= 0 {
		return
	}

	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.jobs.Heartbeat(ctx, id); err != nil && ctx.Err() == nil {
				zlog.Logger.Warn().Err(err).Str("job_id", id.String()).Msg("failed to refresh heartbeat")
			}
		}
	}
}

// refreshAggregate rewrites the cached batch status from its jobs.
func (s *Service) refreshAggregate(ctx context.Context, batchID uuid.UUID) {
	if err := s.RefreshBatch(ctx, batchID); err != nil && !errors.Is(err, model.ErrBatchNotFound) {
		zlog.Logger.Warn().Err(err).Str("batch_id", batchID.String()).Msg("failed to refresh batch aggregate")
	}
}

// RefreshBatch recomputes the cached aggregate of one batch from its jobs.
func (s *Service) RefreshBatch(ctx context.Context, batchID uuid.UUID) error {
	return RefreshAggregate(ctx, s.jobs, s.batches, batchID)
}

// statusCounter counts the jobs of a batch per status.
type statusCounter interface {
	CountByStatus(ctx context.Context, batchID uuid.UUID) ([]model.StatusCount, error)
}

// aggregateWriter rewrites the cached aggregate of a batch.
type aggregateWriter interface {
	UpdateAggregate(ctx context.Context, id uuid.UUID, status model.Status, completed, failed int) error
}

// RefreshAggregate recomputes the batch aggregate and stores it.
func RefreshAggregate(ctx context.Context, c statusCounter, w aggregateWriter, batchID uuid.UUID) error {
	counts, err := c.CountByStatus(ctx, batchID)
	if err != nil {
		return fmt.Errorf("refresh aggregate: %w", err)
	}

	sum := batch.FromCounts(counts)
	if err := w.UpdateAggregate(ctx, batchID, sum.Status, sum.Completed, sum.Failed); err != nil {
		return fmt.Errorf("refresh aggregate: %w", err)
	}

	return nil
}

// GetJob returns a job by id.
func (s *Service) GetJob(ctx context.Context, id uuid.UUID) (model.Job, error) {
	j, err := s.jobs.GetJob(ctx, id)
	if err != nil {
		return model.Job{}, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// DeleteJob removes a job, its outputs and its stored input, then refreshes
// the batch aggregate. A worker still running the job finds it gone and
// discards its result.
func (s *Service) DeleteJob(ctx context.Context, id uuid.UUID) error {
	j, err := s.jobs.GetJob(ctx, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}

	b, err := s.batches.GetBatch(ctx, j.BatchID)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}

	if _, err := s.jobs.DeleteJob(ctx, id); err != nil {
		return fmt.Errorf("delete job: %w", err)
	}

	log := zlog.Logger.With().Str("job_id", id.String()).Logger()
	if err := s.outputs.RemoveJob(b.BaseDirectoryName, id); err != nil {
		log.Warn().Err(err).Msg("failed to remove job outputs")
	}
	if err := s.inputs.DeletePrefix(ctx, object.JobPrefix(b.BaseDirectoryName, id)); err != nil {
		log.Warn().Err(err).Msg("failed to remove job input")
	}

	s.refreshAggregate(ctx, b.ID)
	log.Info().Msg("job deleted")

	return nil
}

// ErrOutputNotFound is returned when a job has no output with the requested
// name.
var ErrOutputNotFound = errors.New("output not found")

// OpenOutput opens one output file of a job.
func (s *Service) OpenOutput(ctx context.Context, id uuid.UUID, filename string) (*os.File, error) {
	j, b, err := s.jobWithBatch(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("open output: %w", err)
	}

	for _, o := range j.Outputs {
		if o.Filename == filename {
			f, err := s.outputs.Open(b.BaseDirectoryName, j.ID, filename)
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					return nil, fmt.Errorf("open output: %w", ErrOutputNotFound)
				}
				return nil, fmt.Errorf("open output: %w", err)
			}
			return f, nil
		}
	}

	return nil, fmt.Errorf("open output: %w", ErrOutputNotFound)
}

// WriteOutputsZip streams every output of a job as a ZIP archive.
func (s *Service) WriteOutputsZip(ctx context.Context, id uuid.UUID, w io.Writer) error {
	j, b, err := s.jobWithBatch(ctx, id)
	if err != nil {
		return fmt.Errorf("download job: %w", err)
	}
	if len(j.Outputs) == 0 {
		return fmt.Errorf("download job: %w", ErrOutputNotFound)
	}

	entries := make([]file.Entry, 0, len(j.Outputs))
	for _, o := range j.Outputs {
		entries = append(entries, file.Entry{JobID: j.ID, Filename: o.Filename})
	}

	if err := s.outputs.WriteZip(w, b.BaseDirectoryName, entries); err != nil {
		return fmt.Errorf("download job: %w", err)
	}

	return nil
}

// jobWithBatch loads a job together with the batch that names its directory.
func (s *Service) jobWithBatch(ctx context.Context, id uuid.UUID) (model.Job, model.Batch, error) {
	j, err := s.jobs.GetJob(ctx, id)
	if err != nil {
		return model.Job{}, model.Batch{}, err
	}
	b, err := s.batches.GetBatch(ctx, j.BatchID)
	if err != nil {
		return model.Job{}, model.Batch{}, err
	}
	return j, b, nil
}
