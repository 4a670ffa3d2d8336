package file

import (
	"archive/zip"
	"fmt"
	"io"
	"path"

	"github.com/google/uuid"
)

// Entry names one stored output and the path it gets inside an archive.
type Entry struct {
	JobID    uuid.UUID
	Filename string
	Name     string // archive path; Filename when empty
}

// WriteZip streams the given outputs of a batch into a ZIP archive.
// Duplicate archive paths are placed under the job id.
func (s *Storage) WriteZip(w io.Writer, baseName string, entries []Entry) error {
	zw := zip.NewWriter(w)
	seen := make(map[string]struct{}, len(entries))

	for _, e := range entries {
		name := e.Name
		if name == "" {
			name = e.Filename
		}
		if _, dup := seen[name]; dup {
			name = path.Join(e.JobID.String(), name)
		}
		seen[name] = struct{}{}

		if err := s.addToZip(zw, baseName, e, name); err != nil {
			_ = zw.Close()
			return err
		}
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to finish archive: %w", err)
	}

	return nil
}

func (s *Storage) addToZip(zw *zip.Writer, baseName string, e Entry, name string) error {
	f, err := s.Open(baseName, e.JobID, e.Filename)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", e.Filename, err)
	}
	defer f.Close()

	dst, err := zw.Create(name)
	if err != nil {
		return fmt.Errorf("failed to add %s to archive: %w", name, err)
	}
	if _, err := io.Copy(dst, f); err != nil {
		return fmt.Errorf("failed to write %s to archive: %w", name, err)
	}

	return nil
}
