package model

import (
	"errors"
	"fmt"
)

var (
	ErrPrefixExtraction   = errors.New("could not extract customer prefix from filenames")
	ErrBatchNotFound      = errors.New("batch not found")
	ErrJobNotFound        = errors.New("job not found")
	ErrPipelineNotFound   = errors.New("pipeline not found")
	ErrPipelineProtected  = errors.New("pipeline is a protected template")
	ErrPipelineReferenced = errors.New("pipeline is used as a component of another pipeline")
	ErrPipelineArchived   = errors.New("pipeline is archived")
	ErrCounterConflict    = errors.New("batch counter already taken")
	ErrInvalidPipeline    = errors.New("invalid pipeline definition")
)

// IntakeError aborts a submission before any job is created.
type IntakeError struct {
	Err error
}

func (e *IntakeError) Error() string {
	return fmt.Sprintf("intake: %v", e.Err)
}

func (e *IntakeError) Unwrap() error { return e.Err }

// StageError is a terminal job failure tagged with the stage that raised it.
// A StageError in StageValidation is a validation rejection; any other stage
// is a transform error.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Rejection reports whether the error came from input validation.
func (e *StageError) Rejection() bool { return e.Stage == StageValidation }

// NewStageError wraps err with the given stage.
func NewStageError(stage Stage, err error) *StageError {
	return &StageError{Stage: stage, Err: err}
}

// PersistenceError means the store or storage was unavailable. The job must
// stay unfinished so that queue redelivery retries it.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsPersistence reports whether err is (or wraps) a PersistenceError.
func IsPersistence(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}

// OptimizationWarning describes a skipped or failed secondary optimization.
// It is only ever logged and recorded as a warning.
type OptimizationWarning struct {
	File   string
	Reason string
}

func (w OptimizationWarning) String() string {
	return fmt.Sprintf("optimization skipped for %s: %s", w.File, w.Reason)
}
