package model

import (
	"time"

	"github.com/google/uuid"
)

// Job is one input file passed through one pipeline.
type Job struct {
	ID            uuid.UUID    `json:"id"`
	BatchID       uuid.UUID    `json:"batch_id"`
	PipelineID    uuid.UUID    `json:"pipeline_id"`
	InputFilename string       `json:"input_filename"`
	InputRef      string       `json:"input_ref"`
	InputSize     int64        `json:"input_size"`
	Status        Status       `json:"status"`
	Diagnostics   Diagnostics  `json:"diagnostics"`
	Outputs       []OutputFile `json:"outputs"`
	ErrorMessage  string       `json:"error_message,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	StartedAt     *time.Time   `json:"started_at,omitempty"`
	HeartbeatAt   *time.Time   `json:"heartbeat_at,omitempty"`
	CompletedAt   *time.Time   `json:"completed_at,omitempty"`
	FailedAt      *time.Time   `json:"failed_at,omitempty"`
}

// Diagnostics is the per-stage record kept on a job.
type Diagnostics struct {
	Validation  *ValidationResult `json:"validation,omitempty"`
	Warnings    []string          `json:"warnings,omitempty"`
	FailedStage *Stage            `json:"failed_stage,omitempty"`
}

// ValidationStatus is the verdict of input validation.
type ValidationStatus string

const (
	Validated ValidationStatus = "validated"
	Rejected  ValidationStatus = "rejected"
)

// ValidationResult is the diagnostic record produced by the validator.
type ValidationResult struct {
	Status             ValidationStatus `json:"status"`
	Errors             []string         `json:"errors,omitempty"`
	CorrectionsApplied []string         `json:"corrections_applied,omitempty"`
	Warnings           []string         `json:"warnings,omitempty"`
	Metadata           *ImageMetadata   `json:"metadata,omitempty"`
}

// ImageMetadata describes a decoded input without its pixels.
type ImageMetadata struct {
	Format      string `json:"format"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Space       string `json:"space"`
	Channels    int    `json:"channels"`
	HasAlpha    bool   `json:"has_alpha"`
	Depth       int    `json:"depth"`
	Pages       int    `json:"pages"`
	ICCProfiles int    `json:"icc_profiles"`
	Orientation int    `json:"orientation"`
}

// OutputFile describes one materialized output.
type OutputFile struct {
	Filename         string `json:"filename"`
	Component        string `json:"pipeline_component,omitempty"`
	Suffix           string `json:"suffix"`
	Format           Format `json:"format"`
	Width            int    `json:"width"`
	Height           int    `json:"height"`
	SizeBytes        int64  `json:"filesize_bytes"`
	ProcessingTimeMS int64  `json:"processing_time_ms"`
	Optimized        bool   `json:"optimized"`
}

// JobPayload is the queue message for one job.
type JobPayload struct {
	JobID      uuid.UUID `json:"job_id"`
	BatchID    uuid.UUID `json:"batch_id"`
	PipelineID uuid.UUID `json:"pipeline_id"`
	FileName   string    `json:"file_name"`
	InputRef   string    `json:"input_ref,omitempty"`
	FileData   []byte    `json:"file_data,omitempty"`
}

// StatusCount is a number of jobs in one state.
type StatusCount struct {
	Status Status `json:"status"`
	Count  int    `json:"count"`
}
