package processor

import (
	"context"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/aliskhannn/asset-pipeline/internal/model"
)

var stageDuration metric.Float64Histogram

func init() {
	meter := otel.Meter("github.com/aliskhannn/asset-pipeline/internal/processor")

	var err error

	stageDuration, err = meter.Float64Histogram(
		"asset_pipeline.stage.duration",
		metric.WithDescription("Time spent in each transform stage"),
		metric.WithUnit("s"),
	)
	if err != nil {
		log.Fatalf("failed to create stage.duration histogram: %v", err)
	}
}

func recordStage(ctx context.Context, stage model.Stage, d time.Duration, err error) {
	stageDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("stage", stage.String()),
		attribute.Bool("failed", err != nil),
	))
}
