package consumer

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/segmentio/kafka-go"
	wbfkafka "github.com/wb-go/wbf/kafka"
	"github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"
	"golang.org/x/sync/errgroup"

	"github.com/aliskhannn/asset-pipeline/internal/config"
	"github.com/aliskhannn/asset-pipeline/internal/model"
)

// jobHandler defines the interface for handling job messages.
type jobHandler interface {
	Handle(ctx context.Context, msg kafka.Message) error
}

// republisher sends a message back to the job topic.
type republisher interface {
	Republish(ctx context.Context, key, value []byte) error
}

// reader is one group member's view of the topic.
type reader interface {
	Fetch(ctx context.Context) (kafka.Message, error)
	Commit(ctx context.Context, msg kafka.Message) error
	Close() error
}

// client adapts *wbfkafka.Consumer to reader.
type client struct {
	c *wbfkafka.Consumer
}

func (c client) Fetch(ctx context.Context) (kafka.Message, error) { return c.c.Fetch(ctx) }

func (c client) Commit(ctx context.Context, msg kafka.Message) error { return c.c.Commit(ctx, msg) }

func (c client) Close() error { return c.c.Close() }

// Consumer runs a pool of Kafka consumers in one group. Each member fetches,
// handles and commits messages sequentially, so at most one job per member
// is in flight.
type Consumer struct {
	readers     []reader
	handler     jobHandler
	republisher republisher
	cfg         *config.Kafka
	strategy    retry.Strategy
}

// New creates a new Consumer with concurrency group members.
// - cfg: Kafka configuration struct
// - s: retry strategy
// - h: handler for job messages
// - rp: used to hand a message back to the queue after persistence failures
func New(
	cfg *config.Kafka,
	concurrency int,
	s retry.Strategy,
	h jobHandler,
	rp republisher,
) *Consumer {
	readers := make([]reader, 0, concurrency)
	for i := 0; i < concurrency; i++ {
		readers = append(readers, client{c: wbfkafka.NewConsumer(cfg.Brokers, cfg.Topic, cfg.GroupID)})
	}

	return newConsumer(cfg, readers, s, h, rp)
}

func newConsumer(cfg *config.Kafka, readers []reader, s retry.Strategy, h jobHandler, rp republisher) *Consumer {
	return &Consumer{
		readers:     readers,
		handler:     h,
		republisher: rp,
		cfg:         cfg,
		strategy:    s,
	}
}

// Consume starts every group member and blocks until ctx is canceled.
func (c *Consumer) Consume(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	zlog.Logger.Info().
		Str("topic", c.cfg.Topic).
		Int("workers", len(c.readers)).
		Msg("starting consumer")

	g, gctx := errgroup.WithContext(ctx)
	for i, r := range c.readers {
		g.Go(func() error {
			c.run(gctx, i, r)
			return nil
		})
	}
	_ = g.Wait()

	zlog.Logger.Info().Msg("shutdown signal received, consumer stopped")
}

func (c *Consumer) run(ctx context.Context, worker int, r reader) {
	for {
		// Exit if context is canceled (graceful shutdown).
		if ctx.Err() != nil {
			return
		}

		// Fetch a message from Kafka with retries.
		var msg kafka.Message
		err := retry.Do(func() error {
			var fetchErr error
			msg, fetchErr = r.Fetch(ctx)
			return fetchErr
		}, c.strategy)

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// Log error and retry after a short backoff.
			zlog.Logger.Err(err).Int("worker", worker).Msg("failed to fetch message")
			time.Sleep(500 * time.Millisecond)
			continue
		}

		c.handle(ctx, worker, msg)

		// Commit the message with retries.
		err = retry.Do(func() error {
			return r.Commit(ctx, msg)
		}, c.strategy)
		if err != nil {
			zlog.Logger.Err(err).Msg("failed to commit message after retries")
			continue
		}

		zlog.Logger.Debug().
			Int("worker", worker).
			Int64("offset", msg.Offset).
			Msg("message handled")
	}
}

// handle runs the handler. Persistence failures are retried and, if they
// persist, the message is produced again so the job is redelivered after
// this offset is committed. Any other failure is final for the message.
func (c *Consumer) handle(ctx context.Context, worker int, msg kafka.Message) {
	var final error
	err := retry.Do(func() error {
		err := c.handler.Handle(ctx, msg)
		if model.IsPersistence(err) {
			return err
		}
		final = err
		return nil
	}, c.strategy)

	if err != nil {
		zlog.Logger.Err(err).
			Int("worker", worker).
			Str("key", string(msg.Key)).
			Msg("persistence unavailable, requeueing job")

		if rpErr := c.republisher.Republish(ctx, msg.Key, msg.Value); rpErr != nil {
			zlog.Logger.Err(rpErr).Str("key", string(msg.Key)).Msg("failed to requeue job")
		}
		return
	}

	if final != nil {
		zlog.Logger.Err(final).
			Int("worker", worker).
			Str("message", string(msg.Value)).
			Msg("failed to process job")
	}
}

// Close closes every group member.
func (c *Consumer) Close() error {
	var result error
	for _, r := range c.readers {
		if err := r.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result
}
