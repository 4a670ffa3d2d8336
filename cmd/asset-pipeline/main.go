package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/dbpg"
	"github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"

	batchapi "github.com/aliskhannn/asset-pipeline/internal/api/handlers/batch"
	jobapi "github.com/aliskhannn/asset-pipeline/internal/api/handlers/job"
	pipelineapi "github.com/aliskhannn/asset-pipeline/internal/api/handlers/pipeline"
	"github.com/aliskhannn/asset-pipeline/internal/api/handlers/retention"
	"github.com/aliskhannn/asset-pipeline/internal/api/router"
	"github.com/aliskhannn/asset-pipeline/internal/api/server"
	"github.com/aliskhannn/asset-pipeline/internal/batch"
	"github.com/aliskhannn/asset-pipeline/internal/config"
	"github.com/aliskhannn/asset-pipeline/internal/infra/kafka/consumer"
	"github.com/aliskhannn/asset-pipeline/internal/infra/kafka/producer"
	jobmsg "github.com/aliskhannn/asset-pipeline/internal/kafka/handlers/job"
	"github.com/aliskhannn/asset-pipeline/internal/model"
	"github.com/aliskhannn/asset-pipeline/internal/notify"
	"github.com/aliskhannn/asset-pipeline/internal/optimizer"
	"github.com/aliskhannn/asset-pipeline/internal/processor"
	batchrepo "github.com/aliskhannn/asset-pipeline/internal/repository/batch"
	jobrepo "github.com/aliskhannn/asset-pipeline/internal/repository/job"
	"github.com/aliskhannn/asset-pipeline/internal/repository/migrations"
	pipelinerepo "github.com/aliskhannn/asset-pipeline/internal/repository/pipeline"
	batchsvc "github.com/aliskhannn/asset-pipeline/internal/service/batch"
	jobsvc "github.com/aliskhannn/asset-pipeline/internal/service/job"
	pipelinesvc "github.com/aliskhannn/asset-pipeline/internal/service/pipeline"
	"github.com/aliskhannn/asset-pipeline/internal/storage/file"
	"github.com/aliskhannn/asset-pipeline/internal/storage/object"
	"github.com/aliskhannn/asset-pipeline/internal/sweeper"
)

// publisher is the status event channel, real or no-op.
type publisher interface {
	JobStatus(ctx context.Context, jobID, batchID uuid.UUID, status model.Status)
	QueueDepth(ctx context.Context, queued, processing int)
	Close() error
}

func main() {
	// Context & signals: used for graceful shutdown on system interrupts.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize logger and load application configuration.
	zlog.Init()
	cfg := config.MustLoad("./config/config.yml")

	// Connect to PostgreSQL (master and slaves).
	opts := &dbpg.Options{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}

	slaveDSNs := make([]string, 0, len(cfg.Database.Slaves))
	for _, s := range cfg.Database.Slaves {
		slaveDSNs = append(slaveDSNs, s.DSN())
	}

	db, err := dbpg.New(cfg.Database.Master.DSN(), slaveDSNs, opts)
	if err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to connect to database")
	}

	if err := migrations.RunUp(db.Master); err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to apply migrations")
	}

	// Retry strategy for Kafka, counter allocation and persistence.
	strategy := retry.Strategy{
		Attempts: cfg.Retry.Attempts,
		Delay:    cfg.Retry.Delay,
		Backoff:  cfg.Retry.Backoff,
	}

	// Inputs live in MinIO, outputs on the local filesystem.
	inputs, err := object.NewStorage(ctx, cfg.Storage.Endpoint, cfg.Storage.AccessKey, cfg.Storage.SecretKey, cfg.Storage.BucketName, cfg.Storage.UseSSL)
	if err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to connect to storage")
	}
	outputs := file.NewStorage(cfg.Storage.OutputDir)

	// Repositories.
	batches := batchrepo.NewRepository(db)
	jobs := jobrepo.NewRepository(db)
	pipelines := pipelinerepo.NewRepository(db)

	// Status events.
	var events publisher = notify.Nop{}
	if cfg.Notify.Enabled {
		events = notify.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.EventsTopic)
	}

	// Transform stages.
	opt := optimizer.New(optimizer.Options{
		Enabled:      cfg.Optimizer.Enabled,
		PNGCrushPath: cfg.Optimizer.PNGCrushPath,
		JPEGTranPath: cfg.Optimizer.JPEGTranPath,
		Timeout:      cfg.Optimizer.Timeout,
		WorkDir:      cfg.Optimizer.WorkDir,
	})
	assetProcessor := processor.New(opt, cfg.Color.ProfileDir)

	// Services.
	p := producer.New(&cfg.Kafka, strategy)
	resolver := jobsvc.NewResolver(pipelines, cfg.PipelineCache.TTL, cfg.PipelineCache.Capacity)
	purger := sweeper.NewPurger(batches, outputs, inputs)

	jobService := jobsvc.NewService(jobs, batches, resolver, assetProcessor, inputs, outputs, events, jobsvc.Options{
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		StallInterval:     cfg.Worker.StallInterval,
	})
	batchService := batchsvc.NewService(
		batch.NewGrouper(batches, strategy),
		batches, jobs, pipelines,
		inputs, outputs,
		p, purger, events,
		batchsvc.Limits{MaxFiles: cfg.Intake.MaxFiles, MaxFileSize: cfg.Intake.MaxFileSize},
	)
	pipelineService := pipelinesvc.NewService(pipelines, resolver)

	sweep := sweeper.New(batches, purger, jobService, sweeper.Options{
		Enabled:       cfg.Retention.Enabled,
		Interval:      cfg.Retention.Interval,
		CompletedDays: cfg.Retention.CompletedDays,
		FailedDays:    cfg.Retention.FailedDays,
	})
	stalls := jobsvc.NewStallWatcher(jobs, p, cfg.Worker.StallCheckInterval, cfg.Worker.StallInterval, cfg.Worker.StallBatchSize)

	// Kafka consumer group running the jobs.
	c := consumer.New(&cfg.Kafka, cfg.Worker.Concurrency, strategy, jobmsg.NewHandler(jobService), p)

	// Background loops: consumer, retention, stalled jobs, queue depth.
	var wg sync.WaitGroup
	wg.Add(1)
	go c.Consume(ctx, &wg)

	background := []func(context.Context){sweep.Run, stalls.Run}
	if cfg.Notify.Enabled {
		background = append(background, notify.NewDepthReporter(jobs, events, cfg.Notify.DepthInterval).Run)
	}
	for _, run := range background {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run(ctx)
		}()
	}

	// HTTP API.
	r := router.Setup(
		batchapi.NewHandler(batchService),
		jobapi.NewHandler(jobService),
		pipelineapi.NewHandler(pipelineService),
		retention.NewHandler(sweep),
	)
	s := server.New(cfg.Server.HTTPPort, r)
	go func() {
		if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Logger.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	zlog.Logger.Info().
		Str("addr", cfg.Server.HTTPPort).
		Int("workers", cfg.Worker.Concurrency).
		Msg("asset pipeline started")

	// Block until context is canceled (SIGINT/SIGTERM).
	<-ctx.Done()
	zlog.Logger.Info().Msg("context done")

	// Graceful shutdown with timeout for HTTP server.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	zlog.Logger.Info().Msg("shutting down server")
	if err := s.Shutdown(shutdownCtx); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to shutdown server")
	}
	if errors.Is(shutdownCtx.Err(), context.DeadlineExceeded) {
		zlog.Logger.Info().Msg("timeout exceeded, forcing shutdown")
	}

	// Wait for the consumer and background loops to finish.
	wg.Wait()

	// Close Kafka clients.
	if err := p.Client.Close(); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to close kafka producer client")
	}
	if err := c.Close(); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to close kafka consumer clients")
	}
	if err := events.Close(); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to close event publisher")
	}

	// Close master and slave databases.
	if err := db.Master.Close(); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to close master DB")
	}
	for i, s := range db.Slaves {
		if err := s.Close(); err != nil {
			zlog.Logger.Error().Err(err).Int("slave", i).Msg("failed to close slave DB")
		}
	}
}
