// Package blobstore implements the atomic file store backing the transfer
// API. Writes land on a temporary sibling and are renamed into place, so a
// reader opening the final path only ever sees complete content.
package blobstore

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"veil/internal/logging"
)

// ErrNotFound indicates no blob exists at the requested path.
var ErrNotFound = errors.New("blob not found")

// ErrInvalidPath indicates the requested path escapes the store root.
var ErrInvalidPath = errors.New("invalid blob path")

// Store owns a directory tree of blobs addressed by opaque relative paths.
// Only the storage-owning process should construct one; every other party
// goes through the transfer API with a capability.
type Store struct {
	root   string
	logger *slog.Logger
}

// New constructs a Store rooted at dir, creating it if needed.
func New(dir string, logger *slog.Logger) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("blob store root must not be empty")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve blob root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Store{root: abs, logger: logging.NewComponentLogger(logger, "blobstore")}, nil
}

// Root returns the absolute store root.
func (s *Store) Root() string {
	return s.root
}

// Write stores content at path atomically: parent directories are created,
// bytes go to a temporary sibling, and rename publishes the final path.
func (s *Store) Write(path string, r io.Reader) error {
	target, err := s.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create blob directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), "."+filepath.Base(target)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp blob: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		// No-op after a successful rename.
		_ = os.Remove(tmpName)
	}()

	if _, err := io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp blob: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		return fmt.Errorf("publish blob: %w", err)
	}
	return nil
}

// Open returns a reader for the blob at path, or ErrNotFound.
func (s *Store) Open(path string) (io.ReadCloser, error) {
	target, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(target)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("open blob: %w", err)
	}
	return f, nil
}

// Read returns the full content of the blob at path, or ErrNotFound.
func (s *Store) Read(path string) ([]byte, error) {
	f, err := s.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read blob: %w", err)
	}
	return data, nil
}

// Stat returns the size of the blob at path, or ErrNotFound.
func (s *Store) Stat(path string) (int64, error) {
	target, err := s.resolve(path)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(target)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("stat blob: %w", err)
	}
	return info.Size(), nil
}

// Delete removes the blob at path on a best-effort basis. Failures are
// logged rather than propagated; deletion is cleanup, not a correctness
// requirement for the queue.
func (s *Store) Delete(path string) {
	target, err := s.resolve(path)
	if err != nil {
		s.logger.Warn("refusing blob delete", logging.String("path", path), logging.Error(err))
		return
	}
	if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Warn("blob delete failed", logging.String("path", path), logging.Error(err))
	}
}

func (s *Store) resolve(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" || strings.HasPrefix(trimmed, "/") {
		return "", ErrInvalidPath
	}
	cleaned := filepath.Clean(trimmed)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(os.PathSeparator)) {
		return "", ErrInvalidPath
	}
	return filepath.Join(s.root, cleaned), nil
}
