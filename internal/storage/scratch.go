package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ScratchDir is a process-scoped working directory for one sync run.
// The directory structure is:
//
//	{base}/sumirror-{pid}-{timestamp}/
//	  catalogs/    - filtered catalog renders before they are moved into place
//
// The caller is responsible for cleaning up by calling Remove().
type ScratchDir struct {
	root     string
	catalogs string
	created  time.Time
}

// NewScratchDir creates a scratch directory under base, or under the
// system temp directory when base is empty.
func NewScratchDir(base string) (*ScratchDir, error) {
	if base == "" {
		base = os.TempDir()
	}
	timestamp := time.Now().Format("20060102T150405")
	root := filepath.Join(base, fmt.Sprintf("sumirror-%d-%s", os.Getpid(), timestamp))

	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create scratch directory: %w", err)
	}

	catalogs := filepath.Join(root, "catalogs")
	if err := os.MkdirAll(catalogs, 0o755); err != nil {
		// Ignore cleanup error as we're already returning an error
		_ = os.RemoveAll(root)
		return nil, fmt.Errorf("failed to create catalogs directory: %w", err)
	}

	return &ScratchDir{
		root:     root,
		catalogs: catalogs,
		created:  time.Now(),
	}, nil
}

// Path returns the root scratch directory path.
// Returns empty string if ScratchDir was not initialized.
func (s *ScratchDir) Path() string {
	return s.root
}

// Catalogs returns the staging directory for catalog renders.
func (s *ScratchDir) Catalogs() string {
	return s.catalogs
}

// Remove deletes the scratch directory and all its contents. Removing an
// already removed directory is not an error.
func (s *ScratchDir) Remove() error {
	if s.root == "" {
		return nil
	}
	if _, err := os.Stat(s.root); os.IsNotExist(err) {
		return nil
	}
	if err := os.RemoveAll(s.root); err != nil {
		return fmt.Errorf("failed to remove scratch directory %s: %w", s.root, err)
	}
	return nil
}

// Age returns how long ago the scratch directory was created.
func (s *ScratchDir) Age() time.Duration {
	return time.Since(s.created)
}
