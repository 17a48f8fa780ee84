package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
)

// Scratch is a private working directory for one pipeline run. Callers defer
// Release immediately after NewScratch.
type Scratch struct {
	dir string
}

func NewScratch(base, prefix string) (*Scratch, error) {
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("create scratch base: %w", err)
	}
	dir, err := os.MkdirTemp(base, prefix+"-")
	if err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	return &Scratch{dir: dir}, nil
}

// Path returns name inside the scratch directory.
func (s *Scratch) Path(name string) string {
	return filepath.Join(s.dir, filepath.Base(name))
}

func (s *Scratch) Dir() string {
	return s.dir
}

// Release removes the directory and everything in it.
func (s *Scratch) Release() error {
	if s == nil || s.dir == "" {
		return nil
	}
	return os.RemoveAll(s.dir)
}
