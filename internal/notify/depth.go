package notify

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/wb-go/wbf/zlog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/aliskhannn/asset-pipeline/internal/model"
)

var queuedDepth, processingDepth atomic.Int64

func init() {
	meter := otel.Meter("github.com/aliskhannn/asset-pipeline/internal/notify")

	_, err := meter.Int64ObservableGauge(
		"asset_pipeline.queue.depth",
		metric.WithDescription("Number of jobs waiting or running"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(queuedDepth.Load(), metric.WithAttributes(attribute.String("status", string(model.StatusQueued))))
			o.Observe(processingDepth.Load(), metric.WithAttributes(attribute.String("status", string(model.StatusProcessing))))
			return nil
		}),
	)
	if err != nil {
		log.Fatalf("failed to create queue.depth gauge: %v", err)
	}
}

// counter defines the interface for counting jobs by status.
type counter interface {
	CountSince(ctx context.Context, since time.Time) ([]model.StatusCount, error)
}

// depthPublisher receives queue depth samples.
type depthPublisher interface {
	QueueDepth(ctx context.Context, queued, processing int)
}

// DepthReporter samples the queue depth on an interval and publishes it.
type DepthReporter struct {
	counter   counter
	publisher depthPublisher
	interval  time.Duration
}

// NewDepthReporter creates a new DepthReporter.
func NewDepthReporter(c counter, p depthPublisher, interval time.Duration) *DepthReporter {
	return &DepthReporter{counter: c, publisher: p, interval: interval}
}

// Run reports until ctx is canceled.
func (r *DepthReporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Report(ctx); err != nil {
				zlog.Logger.Warn().Err(err).Msg("failed to report queue depth")
			}
		}
	}
}

// Report takes one sample.
func (r *DepthReporter) Report(ctx context.Context) error {
	counts, err := r.counter.CountSince(ctx, time.Time{})
	if err != nil {
		return err
	}

	var queued, processing int
	for _, c := range counts {
		switch c.Status {
		case model.StatusQueued:
			queued = c.Count
		case model.StatusProcessing:
			processing = c.Count
		}
	}

	queuedDepth.Store(int64(queued))
	processingDepth.Store(int64(processing))
	r.publisher.QueueDepth(ctx, queued, processing)

	return nil
}
