// Package filesink stores task outputs as files below a base directory.
package filesink

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/phrazzld/flowbatch/internal/task"
)

// ErrInvalidName is returned for artifact names that are empty, absolute or
// resolve outside the base directory.
var ErrInvalidName = errors.New("invalid artifact name")

// Sink implements task.ArtifactStore on the local filesystem.
type Sink struct {
	dir    string
	logger *slog.Logger
}

var _ task.ArtifactStore = (*Sink)(nil)

// New returns a sink rooted at dir. The directory is created on first write.
func New(dir string, logger *slog.Logger) (*Sink, error) {
	if dir == "" {
		return nil, errors.New("output directory cannot be empty")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve output directory: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{dir: abs, logger: logger.With("component", "filesink")}, nil
}

// Dir returns the absolute base directory.
func (s *Sink) Dir() string {
	return s.dir
}

func (s *Sink) resolve(name string) (string, error) {
	if strings.TrimSpace(name) == "" || filepath.IsAbs(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	path := filepath.Join(s.dir, filepath.FromSlash(name))
	rel, err := filepath.Rel(s.dir, path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return path, nil
}

// Exists reports whether a regular file is stored under name.
func (s *Sink) Exists(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	path, err := s.resolve(name)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to stat artifact %q: %w", name, err)
	}
	return info.Mode().IsRegular(), nil
}

// Write stores content under name, creating parent directories. The file is
// written to a temporary sibling first and renamed into place.
func (s *Sink) Write(ctx context.Context, name, content string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.resolve(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %q: %w", name, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".flowbatch-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file for %q: %w", name, err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err = tmp.WriteString(content); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write artifact %q: %w", name, err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to close artifact %q: %w", name, err)
	}
	if err = os.Chmod(tmpName, 0o644); err != nil {
		return fmt.Errorf("failed to set permissions on %q: %w", name, err)
	}
	if err = os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to move artifact %q into place: %w", name, err)
	}

	s.logger.Debug("artifact written", "name", name, "bytes", len(content))
	return nil
}
