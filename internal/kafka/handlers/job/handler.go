package job

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/asset-pipeline/internal/model"
)

// service defines the interface for processing queued jobs.
type service interface {
	ProcessJob(ctx context.Context, payload model.JobPayload) error
}

// Handler handles Kafka messages carrying jobs.
type Handler struct {
	service service
}

// NewHandler creates a new Handler with the given service.
func NewHandler(s service) *Handler {
	return &Handler{service: s}
}

// Handle unmarshals the job payload and runs the job.
func (h *Handler) Handle(ctx context.Context, msg kafka.Message) error {
	var payload model.JobPayload
	if err := json.Unmarshal(msg.Value, &payload); err != nil {
		return fmt.Errorf("unmarshal job: %w", err)
	}

	if err := h.service.ProcessJob(ctx, payload); err != nil {
		return fmt.Errorf("process job %s: %w", payload.JobID, err)
	}

	zlog.Logger.Info().Str("job_id", payload.JobID.String()).Msg("job handled")

	return nil
}
