// Package sweeper deletes finished batches once their retention period has
// passed.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/asset-pipeline/internal/model"
)

// expiredLister defines the interface for finding batches past retention.
// ListUnfinished returns the queued or processing batches created before
// cutoff, whose cached status may lag behind their jobs.
type expiredLister interface {
	ListExpired(ctx context.Context, status model.Status, cutoff time.Time) ([]model.Batch, error)
	ListUnfinished(ctx context.Context, cutoff time.Time) ([]model.Batch, error)
}

// refresher recomputes the cached status of a batch from its jobs.
type refresher interface {
	RefreshBatch(ctx context.Context, id uuid.UUID) error
}

// purger removes one batch and its files.
type purger interface {
	Purge(ctx context.Context, b model.Batch) error
}

// Options configures retention.
type Options struct {
	Enabled       bool
	Interval      time.Duration
	CompletedDays int
	FailedDays    int
}

// Policy is the retention period of one batch status.
type Policy struct {
	Status model.Status `json:"status"`
	Days   int          `json:"days"`
}

// Eligible reports whether b may be deleted under p at now. Renamed batches
// are kept indefinitely.
func (p Policy) Eligible(b model.Batch, now time.Time) bool {
	return b.Status == p.Status &&
		!b.NameCustomized &&
		b.CreatedAt.Before(p.cutoff(now))
}

func (p Policy) cutoff(now time.Time) time.Time {
	return now.AddDate(0, 0, -p.Days)
}

// Report summarises one sweep.
type Report struct {
	Deleted int `json:"deleted"`
	Failed  int `json:"failed"`
}

// PreviewClass is the outcome a sweep would have for one policy.
type PreviewClass struct {
	Policy
	Count     int           `json:"count"`
	TotalSize int64         `json:"total_size"`
	Batches   []model.Batch `json:"batches"`
}

// Preview lists what the next sweep would delete.
type Preview struct {
	Enabled bool           `json:"enabled"`
	Classes []PreviewClass `json:"classes"`
}

// Sweeper periodically deletes expired batches.
type Sweeper struct {
	store     expiredLister
	purger    purger
	refresher refresher
	opts      Options
	now       func() time.Time
}

// New creates a new Sweeper. Before each sweep the aggregates of unfinished
// batches old enough to expire are recomputed through r.
func New(store expiredLister, p purger, r refresher, opts Options) *Sweeper {
	return &Sweeper{store: store, purger: p, refresher: r, opts: opts, now: time.Now}
}

// Policies returns the configured retention periods.
func (s *Sweeper) Policies() []Policy {
	return []Policy{
		{Status: model.StatusCompleted, Days: s.opts.CompletedDays},
		{Status: model.StatusFailed, Days: s.opts.FailedDays},
	}
}

// Run sweeps once immediately and then on every interval until ctx is
// canceled. It returns at once when retention is disabled.
func (s *Sweeper) Run(ctx context.Context) {
	if !s.opts.Enabled {
		zlog.Logger.Info().Msg("retention disabled, sweeper not started")
		return
	}

	zlog.Logger.Info().
		Dur("interval", s.opts.Interval).
		Int("completed_days", s.opts.CompletedDays).
		Int("failed_days", s.opts.FailedDays).
		Msg("starting retention sweeper")

	s.sweepAndLog(ctx)

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepAndLog(ctx)
		}
	}
}

func (s *Sweeper) sweepAndLog(ctx context.Context) {
	report, err := s.Sweep(ctx)
	if err != nil {
		zlog.Logger.Err(err).Int("deleted", report.Deleted).Int("failed", report.Failed).Msg("retention sweep finished with errors")
		return
	}
	zlog.Logger.Info().Int("deleted", report.Deleted).Msg("retention sweep finished")
}

// refreshUnfinished recomputes the aggregates of queued or processing
// batches created before the latest policy cutoff, so a batch whose cached
// status missed its final update is still swept.
func (s *Sweeper) refreshUnfinished(ctx context.Context, now time.Time) error {
	policies := s.Policies()
	latest := policies[0].cutoff(now)
	for _, p := range policies[1:] {
		if c := p.cutoff(now); c.After(latest) {
			latest = c
		}
	}

	batches, err := s.store.ListUnfinished(ctx, latest)
	if err != nil {
		return fmt.Errorf("refresh: list unfinished batches: %w", err)
	}

	var result error
	for _, b := range batches {
		if err := s.refresher.RefreshBatch(ctx, b.ID); err != nil && !errors.Is(err, model.ErrBatchNotFound) {
			result = multierror.Append(result, fmt.Errorf("refresh: batch %s: %w", b.BaseDirectoryName, err))
		}
	}

	return result
}

// Sweep deletes every eligible batch. A failing batch does not stop the
// sweep; all failures are returned together.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	var (
		report Report
		result error
	)

	now := s.now()
	if err := s.refreshUnfinished(ctx, now); err != nil {
		result = multierror.Append(result, err)
	}
	for _, p := range s.Policies() {
		batches, err := s.store.ListExpired(ctx, p.Status, p.cutoff(now))
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("sweep: list %s batches: %w", p.Status, err))
			continue
		}

		for _, b := range batches {
			if !p.Eligible(b, now) {
				continue
			}
			if err := s.purger.Purge(ctx, b); err != nil {
				report.Failed++
				result = multierror.Append(result, err)
				zlog.Logger.Warn().Err(err).Str("batch", b.BaseDirectoryName).Msg("failed to purge batch")
				continue
			}

			report.Deleted++
			zlog.Logger.Info().
				Str("batch", b.BaseDirectoryName).
				Str("status", string(b.Status)).
				Time("created_at", b.CreatedAt).
				Msg("batch deleted by retention")
		}
	}

	return report, result
}

// Preview reports what Sweep would delete now without deleting anything.
func (s *Sweeper) Preview(ctx context.Context) (Preview, error) {
	out := Preview{Enabled: s.opts.Enabled}

	now := s.now()
	if err := s.refreshUnfinished(ctx, now); err != nil {
		zlog.Logger.Warn().Err(err).Msg("preview: failed to refresh unfinished batches")
	}
	for _, p := range s.Policies() {
		batches, err := s.store.ListExpired(ctx, p.Status, p.cutoff(now))
		if err != nil {
			return Preview{}, fmt.Errorf("preview: list %s batches: %w", p.Status, err)
		}

		class := PreviewClass{Policy: p, Batches: []model.Batch{}}
		for _, b := range batches {
			if !p.Eligible(b, now) {
				continue
			}
			class.Count++
			class.TotalSize += b.TotalSize
			class.Batches = append(class.Batches, b)
		}
		out.Classes = append(out.Classes, class)
	}

	return out, nil
}
