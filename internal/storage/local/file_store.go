// Package local implements the resumable on-disk sink downloads are written to.
package local

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ErrPathTraversal reports a name that resolves outside the base directory.
var ErrPathTraversal = errors.New("path traversal detected")

// Config captures the parameters for the local file store.
type Config struct {
	// BaseDir is the root directory downloads are written under.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// FileStore appends, truncates and removes files under a base directory.
type FileStore struct {
	baseDir string
}

// New creates the base directory if needed and checks that it is writable.
func New(cfg Config) (*FileStore, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}

	info, err := os.Stat(cfg.BaseDir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("failed to create base directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to stat base directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	testFile := filepath.Join(cfg.BaseDir, ".writable_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(testFile); err != nil {
		return nil, fmt.Errorf("failed to clean up test file: %w", err)
	}

	return &FileStore{baseDir: cfg.BaseDir}, nil
}

// Path resolves name under the base directory.
func (s *FileStore) Path(name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("name is required")
	}
	cleanBase := filepath.Clean(s.baseDir)
	full := filepath.Clean(filepath.Join(s.baseDir, name))
	if !strings.HasPrefix(full, cleanBase+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrPathTraversal, name)
	}
	return full, nil
}

// Size returns the current length of name, or 0 if it does not exist.
func (s *FileStore) Size(name string) (int64, error) {
	path, err := s.Path(name)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", name, err)
	}
	return info.Size(), nil
}

// Append opens name for appending, creating it and its parents if needed.
func (s *FileStore) Append(name string) (io.WriteCloser, error) {
	return s.open(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND)
}

// Create opens name for writing from scratch, discarding any content.
func (s *FileStore) Create(name string) (io.WriteCloser, error) {
	return s.open(name, os.O_CREATE|os.O_WRONLY|os.O_TRUNC)
}

// Truncate cuts name back to size bytes.
func (s *FileStore) Truncate(name string, size int64) error {
	path, err := s.Path(name)
	if err != nil {
		return err
	}
	if err := os.Truncate(path, size); err != nil {
		return fmt.Errorf("truncate %s to %d: %w", name, size, err)
	}
	return nil
}

// Remove deletes name. A missing file is not an error.
func (s *FileStore) Remove(name string) error {
	path, err := s.Path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", name, err)
	}
	return nil
}

func (s *FileStore) open(name string, flag int) (io.WriteCloser, error) {
	path, err := s.Path(name)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}
	// #nosec G304 -- path is confined to the base directory above.
	f, err := os.OpenFile(path, flag, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	return f, nil
}
