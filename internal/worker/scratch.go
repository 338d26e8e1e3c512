package worker

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Scratch tracks the local files one stage run has created so they can all
// be released afterwards. Paths are recorded only once the file exists.
type Scratch struct {
	dir   string
	paths []string

	create func(name string) (*os.File, error)
	stat   func(name string) (os.FileInfo, error)
	remove func(name string) error
}

// NewScratch creates an accumulator for files under dir
func NewScratch(dir string) *Scratch {
	return &Scratch{
		dir:    dir,
		create: os.Create,
		stat:   os.Stat,
		remove: os.Remove,
	}
}

// Name returns a fresh unique path with extension ext. Nothing is created.
func (s *Scratch) Name(ext string) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s.%s", uuid.New().String(), ext))
}

// Write streams r into a new scratch file and returns its path
func (s *Scratch) Write(ext string, r io.Reader) (string, error) {
	path := s.Name(ext)
	f, err := s.create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create scratch file: %w", err)
	}
	s.paths = append(s.paths, path)

	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return "", fmt.Errorf("failed to write scratch file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to close scratch file: %w", err)
	}
	return path, nil
}

// Adopt records a file some other process wrote. It reports whether the file exists.
func (s *Scratch) Adopt(path string) bool {
	if _, err := s.stat(path); err != nil {
		return false
	}
	s.paths = append(s.paths, path)
	return true
}

// Paths returns the files recorded so far
func (s *Scratch) Paths() []string {
	return append([]string(nil), s.paths...)
}

// Cleanup removes every recorded file. Files already gone are not errors.
func (s *Scratch) Cleanup() error {
	var errs []error
	for _, path := range s.paths {
		if err := s.remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	s.paths = nil
	return errors.Join(errs...)
}
