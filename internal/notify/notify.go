// Package notify publishes job status and queue depth events for dashboards.
// Publishing is fire-and-forget: failures are logged and never reach the
// caller.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/asset-pipeline/internal/model"
)

const (
	TypeJobStatus  = "job_status"
	TypeQueueDepth = "queue_depth"
)

// JobStatusEvent announces a job transition.
type JobStatusEvent struct {
	Type    string       `json:"type"`
	JobID   uuid.UUID    `json:"job_id"`
	BatchID uuid.UUID    `json:"batch_id"`
	Status  model.Status `json:"status"`
	At      time.Time    `json:"at"`
}

// QueueDepthEvent reports how many jobs are waiting and running.
type QueueDepthEvent struct {
	Type       string    `json:"type"`
	Queued     int       `json:"queued"`
	Processing int       `json:"processing"`
	At         time.Time `json:"at"`
}

// writer defines the subset of *kafka.Writer used by the publisher.
type writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes events to the events topic.
type Publisher struct {
	w   writer
	now func() time.Time
}

// NewPublisher creates a Publisher with an async kafka-go writer.
func NewPublisher(brokers []string, topic string) *Publisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				zlog.Logger.Warn().Err(err).Int("messages", len(msgs)).Msg("failed to deliver events")
			}
		},
	}

	return newPublisher(w)
}

func newPublisher(w writer) *Publisher {
	return &Publisher{w: w, now: time.Now}
}

// JobStatus publishes a job transition keyed by the batch id so that events
// of one batch stay ordered.
func (p *Publisher) JobStatus(ctx context.Context, jobID, batchID uuid.UUID, status model.Status) {
	p.publish(ctx, batchID.String(), JobStatusEvent{
		Type:    TypeJobStatus,
		JobID:   jobID,
		BatchID: batchID,
		Status:  status,
		At:      p.now().UTC(),
	})
}

// QueueDepth publishes the current number of queued and processing jobs.
func (p *Publisher) QueueDepth(ctx context.Context, queued, processing int) {
	p.publish(ctx, TypeQueueDepth, QueueDepthEvent{
		Type:       TypeQueueDepth,
		Queued:     queued,
		Processing: processing,
		At:         p.now().UTC(),
	})
}

func (p *Publisher) publish(ctx context.Context, key string, event any) {
	data, err := json.Marshal(event)
	if err != nil {
		zlog.Logger.Warn().Err(err).Msg("failed to marshal event")
		return
	}

	if err := p.w.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: data}); err != nil {
		zlog.Logger.Warn().Err(err).Str("key", key).Msg("failed to publish event")
	}
}

// Close flushes pending events and closes the writer.
func (p *Publisher) Close() error {
	return p.w.Close()
}

// Nop discards every event. It is used when notifications are disabled.
type Nop struct{}

func (Nop) JobStatus(context.Context, uuid.UUID, uuid.UUID, model.Status) {}

func (Nop) QueueDepth(context.Context, int, int) {}

func (Nop) Close() error { return nil }
