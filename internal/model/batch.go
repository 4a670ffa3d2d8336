package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DateLayout is the batch date format.
const DateLayout = "2006-01-02"

// Batch groups the jobs submitted together.
type Batch struct {
	ID                uuid.UUID  `json:"id"`
	CustomerPrefix    string     `json:"customer_prefix"`
	BatchDate         string     `json:"batch_date"`
	BatchCounter      int        `json:"batch_counter"`
	BaseDirectoryName string     `json:"base_directory_name"`
	RenderDescription string     `json:"render_description"`
	CustomName        *string    `json:"custom_name,omitempty"`
	NameCustomized    bool       `json:"name_customized"`
	PipelineID        uuid.UUID  `json:"pipeline_id"`
	TotalFiles        int        `json:"total_files"`
	TotalSize         int64      `json:"total_size"`
	Status            Status     `json:"status"`
	CompletedCount    int        `json:"completed_count"`
	FailedCount       int        `json:"failed_count"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`

	Jobs []Job `json:"jobs,omitempty"`
}

// DisplayName is the custom name when set, otherwise the derived base name.
func (b Batch) DisplayName() string {
	if b.NameCustomized && b.CustomName != nil && *b.CustomName != "" {
		return *b.CustomName
	}
	return b.BaseDirectoryName
}

// GenerateBaseName builds the batch directory name from its identity.
func GenerateBaseName(prefix, date string, counter int) string {
	return fmt.Sprintf("%s_%s_batch-%d", prefix, date, counter)
}

// BatchFilter selects batches for listing.
type BatchFilter struct {
	Status         Status
	CustomerPrefix string
	SortBy         string
	SortDesc       bool
	Limit          int
	Offset         int
}

// BatchStats summarises all batches.
type BatchStats struct {
	Total      int   `json:"total_batches"`
	Queued     int   `json:"queued"`
	Processing int   `json:"processing"`
	Completed  int   `json:"completed"`
	Failed     int   `json:"failed"`
	TotalFiles int64 `json:"total_files_all_time"`
	TotalSize  int64 `json:"total_size_all_time"`
}
