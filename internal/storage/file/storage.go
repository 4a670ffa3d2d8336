package file

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

var ErrInvalidName = errors.New("invalid path component")

// Storage keeps job outputs on the local filesystem under
// {basePath}/{baseDirectoryName}/{jobID}.
type Storage struct {
	basePath string
}

// NewStorage creates a new Storage rooted at basePath.
func NewStorage(basePath string) *Storage {
	return &Storage{basePath: basePath}
}

func cleanComponent(name string) (string, error) {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return name, nil
}

// BatchDir returns the directory holding every job of a batch.
func (s *Storage) BatchDir(baseName string) (string, error) {
	name, err := cleanComponent(baseName)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.basePath, name), nil
}

// JobDir returns the job-scoped output directory.
func (s *Storage) JobDir(baseName string, jobID uuid.UUID) (string, error) {
	dir, err := s.BatchDir(baseName)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, jobID.String()), nil
}

// ResetJobDir empties the job directory so a redelivered job starts clean.
func (s *Storage) ResetJobDir(baseName string, jobID uuid.UUID) error {
	dir, err := s.JobDir(baseName, jobID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to clear directory %s: %w", dir, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	return nil
}

// Save writes one output file into the job directory and returns its path.
func (s *Storage) Save(baseName string, jobID uuid.UUID, filename string, src io.Reader) (string, error) {
	dir, err := s.JobDir(baseName, jobID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	name, err := cleanComponent(filepath.Base(filename))
	if err != nil {
		return "", err
	}

	dstPath := filepath.Join(dir, name)
	dst, err := os.Create(dstPath)
	if err != nil {
		return "", fmt.Errorf("failed to create file %s: %w", dstPath, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return "", fmt.Errorf("failed to save file %s: %w", dstPath, err)
	}

	return dstPath, nil
}

// Open opens one output file of a job.
func (s *Storage) Open(baseName string, jobID uuid.UUID, filename string) (*os.File, error) {
	dir, err := s.JobDir(baseName, jobID)
	if err != nil {
		return nil, err
	}
	name, err := cleanComponent(filepath.Base(filename))
	if err != nil {
		return nil, err
	}

	return os.Open(filepath.Join(dir, name))
}

// RemoveJob deletes a job directory. A missing directory is not an error.
func (s *Storage) RemoveJob(baseName string, jobID uuid.UUID) error {
	dir, err := s.JobDir(baseName, jobID)
	if err != nil {
		return err
	}
	return removeDir(dir)
}

// RemoveBatch deletes a batch directory. A missing directory is not an error.
func (s *Storage) RemoveBatch(baseName string) error {
	dir, err := s.BatchDir(baseName)
	if err != nil {
		return err
	}
	return removeDir(dir)
}

func removeDir(dir string) error {
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove %s: %w", dir, err)
	}
	return nil
}
