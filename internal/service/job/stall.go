package job

import (
	"context"
	"time"

	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/asset-pipeline/internal/model"
)

// stalledLister defines the interface for finding jobs nobody is working on.
type stalledLister interface {
	ListStalled(ctx context.Context, stall time.Duration, limit int) ([]model.Job, error)
}

// producer defines the interface for enqueueing jobs.
type producer interface {
	Produce(ctx context.Context, payload model.JobPayload) error
}

// StallWatcher re-enqueues jobs whose worker stopped sending heartbeats and
// queued jobs whose message was lost.
type StallWatcher struct {
	jobs     stalledLister
	producer producer
	interval time.Duration
	stall    time.Duration
	limit    int
}

// NewStallWatcher creates a new StallWatcher.
func NewStallWatcher(jobs stalledLister, p producer, interval, stall time.Duration, limit int) *StallWatcher {
	return &StallWatcher{jobs: jobs, producer: p, interval: interval, stall: stall, limit: limit}
}

// Run checks for stalled jobs until ctx is canceled.
func (w *StallWatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Check(ctx); err != nil && ctx.Err() == nil {
				zlog.Logger.Err(err).Msg("failed to check for stalled jobs")
			}
		}
	}
}

// Check re-enqueues one page of stalled jobs and returns how many were
// handed back to the queue. The guarded claim keeps a job that is still
// alive from running twice.
func (w *StallWatcher) Check(ctx context.Context) (int, error) {
	jobs, err := w.jobs.ListStalled(ctx, w.stall, w.limit)
	if err != nil {
		return 0, err
	}

	requeued := 0
	for _, j := range jobs {
		payload := model.JobPayload{
			JobID:      j.ID,
			BatchID:    j.BatchID,
			PipelineID: j.PipelineID,
			FileName:   j.InputFilename,
			InputRef:   j.InputRef,
		}
		if err := w.producer.Produce(ctx, payload); err != nil {
			zlog.Logger.Warn().Err(err).Str("job_id", j.ID.String()).Msg("failed to requeue stalled job")
			continue
		}

		requeued++
		zlog.Logger.Info().
			Str("job_id", j.ID.String()).
			Str("status", string(j.Status)).
			Msg("requeued stalled job")
	}

	if requeued > 0 {
		stalledJobs.Add(ctx, int64(requeued))
	}

	return requeued, nil
}
