package producer

import (
	"context"
	"encoding/json"
	"fmt"

	wbfkafka "github.com/wb-go/wbf/kafka"
	"github.com/wb-go/wbf/retry"

	"github.com/aliskhannn/asset-pipeline/internal/config"
	"github.com/aliskhannn/asset-pipeline/internal/model"
)

// Producer represents a Kafka producer for job messages.
type Producer struct {
	Client   *wbfkafka.Producer
	strategy retry.Strategy
	cfg      *config.Kafka
}

// New creates a new Producer.
// - cfg: Kafka configuration struct
// - s: retry strategy
func New(
	cfg *config.Kafka,
	s retry.Strategy,
) *Producer {
	producer := wbfkafka.NewProducer(cfg.Brokers, cfg.Topic)

	return &Producer{
		Client:   producer,
		cfg:      cfg,
		strategy: s,
	}
}

// Produce serializes the job payload to JSON and sends it to Kafka.
// The job ID is used as the message key for partitioning and ordering.
func (p *Producer) Produce(ctx context.Context, payload model.JobPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	return p.Republish(ctx, []byte(payload.JobID.String()), data)
}

// Republish sends an already encoded message back to the job topic.
func (p *Producer) Republish(ctx context.Context, key, value []byte) error {
	if err := p.Client.SendWithRetry(ctx, p.strategy, key, value); err != nil {
		return fmt.Errorf("failed to send job: %w", err)
	}

	return nil
}
