package job

import (
	"context"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/aliskhannn/asset-pipeline/internal/model"
)

var (
	jobOutcomes  metric.Int64Counter
	jobDuration  metric.Float64Histogram
	stalledJobs  metric.Int64Counter
	outputsTotal metric.Int64Counter
)

func init() {
	meter := otel.Meter("github.com/aliskhannn/asset-pipeline/internal/service/job")

	var err error

	jobOutcomes, err = meter.Int64Counter(
		"asset_pipeline.job.outcomes",
		metric.WithDescription("Jobs that reached a terminal state"),
	)
	if err != nil {
		log.Fatalf("failed to create job.outcomes counter: %v", err)
	}

	jobDuration, err = meter.Float64Histogram(
		"asset_pipeline.job.duration",
		metric.WithDescription("Time from claim to terminal state"),
		metric.WithUnit("s"),
	)
	if err != nil {
		log.Fatalf("failed to create job.duration histogram: %v", err)
	}

	stalledJobs, err = meter.Int64Counter(
		"asset_pipeline.job.requeued",
		metric.WithDescription("Stalled jobs handed back to the queue"),
	)
	if err != nil {
		log.Fatalf("failed to create job.requeued counter: %v", err)
	}

	outputsTotal, err = meter.Int64Counter(
		"asset_pipeline.job.outputs",
		metric.WithDescription("Output files written"),
	)
	if err != nil {
		log.Fatalf("failed to create job.outputs counter: %v", err)
	}
}

func recordOutcome(ctx context.Context, status model.Status, d time.Duration, outputs int) {
	attrs := metric.WithAttributes(attribute.String("status", string(status)))
	jobOutcomes.Add(ctx, 1, attrs)
	jobDuration.Record(ctx, d.Seconds(), attrs)
	outputsTotal.Add(ctx, int64(outputs))
}
