package batch

import "github.com/aliskhannn/asset-pipeline/internal/model"

// Summary is the derived progress of a batch.
type Summary struct {
	Total     int
	Completed int
	Failed    int
	Status    model.Status
}

// Aggregate derives the batch status from its job statuses.
func Aggregate(statuses []model.Status) Summary {
	s := Summary{Total: len(statuses)}
	for _, st := range statuses {
		switch st {
		case model.StatusCompleted:
			s.Completed++
		case model.StatusFailed:
			s.Failed++
		}
	}

	return s.derive()
}

// FromCounts is Aggregate over per-status job counts.
func FromCounts(counts []model.StatusCount) Summary {
	var s Summary
	for _, c := range counts {
		s.Total += c.Count
		switch c.Status {
		case model.StatusCompleted:
			s.Completed += c.Count
		case model.StatusFailed:
			s.Failed += c.Count
		}
	}

	return s.derive()
}

// derive holds the status rule: failed if any job failed, completed when
// every job completed, processing once at least one completed, queued
// otherwise.
func (s Summary) derive() Summary {
	switch {
	case s.Failed > 0:
		s.Status = model.StatusFailed
	case s.Total > 0 && s.Completed == s.Total:
		s.Status = model.StatusCompleted
	case s.Completed > 0:
		s.Status = model.StatusProcessing
	default:
		s.Status = model.StatusQueued
	}

	return s
}

// Apply writes the summary onto the batch's cached columns.
func (s Summary) Apply(b *model.Batch) {
	b.Status = s.Status
	b.CompletedCount = s.Completed
	b.FailedCount = s.Failed
}
