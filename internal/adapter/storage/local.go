package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/semmidev/sitekeeper/internal/domain"
)

const partialSuffix = ".partial"

// LocalStorage is the archive directory on the local file system.
type LocalStorage struct {
	basePath string
}

func NewLocal(basePath string) (*LocalStorage, error) {
	if err := os.MkdirAll(basePath, 0750); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}
	return &LocalStorage{basePath: basePath}, nil
}

func (l *LocalStorage) Create(ctx context.Context, name string) (domain.ArchiveWriter, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}

	tmp, err := os.CreateTemp(l.basePath, name+".*"+partialSuffix)
	if err != nil {
		return nil, fmt.Errorf("failed to create archive: %w", err)
	}

	return &localWriter{file: tmp, finalPath: l.GetPath(name)}, nil
}

func (l *LocalStorage) Open(ctx context.Context, name string) (io.ReadCloser, int64, error) {
	if err := checkName(name); err != nil {
		return nil, 0, err
	}

	f, err := os.Open(l.GetPath(name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, 0, fmt.Errorf("%w: %s", domain.ErrArchiveMissing, name)
		}
		return nil, 0, fmt.Errorf("failed to open archive: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("failed to stat archive: %w", err)
	}

	return f, info.Size(), nil
}

// Delete removes the archive. A missing file is not an error.
func (l *LocalStorage) Delete(ctx context.Context, name string) error {
	if err := checkName(name); err != nil {
		return err
	}
	if err := os.Remove(l.GetPath(name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

func (l *LocalStorage) Exists(ctx context.Context, name string) (bool, error) {
	if err := checkName(name); err != nil {
		return false, err
	}
	_, err := os.Stat(l.GetPath(name))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("failed to stat archive: %w", err)
	}
}

// SweepPartial removes temp files left behind by writers that never
// committed, e.g. after a crash. Only files last modified before olderThan
// are touched so a writer that is still active keeps its file.
func (l *LocalStorage) SweepPartial(ctx context.Context, olderThan time.Time) (int, error) {
	entries, err := os.ReadDir(l.basePath)
	if err != nil {
		return 0, fmt.Errorf("failed to read directory: %w", err)
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), partialSuffix) {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(olderThan) {
			continue
		}
		if err := os.Remove(filepath.Join(l.basePath, entry.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return removed, fmt.Errorf("failed to remove %s: %w", entry.Name(), err)
		}
		removed++
	}

	return removed, nil
}

func (l *LocalStorage) GetPath(filename string) string {
	return filepath.Join(l.basePath, filename)
}

func checkName(name string) error {
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." {
		return fmt.Errorf("%w: invalid archive name %q", domain.ErrValidation, name)
	}
	return nil
}

type localWriter struct {
	file      *os.File
	finalPath string
	closed    bool
}

func (w *localWriter) Write(p []byte) (int, error) {
	return w.file.Write(p)
}

func (w *localWriter) Commit() (int64, error) {
	if err := w.file.Sync(); err != nil {
		return 0, fmt.Errorf("failed to sync archive: %w", err)
	}
	info, err := w.file.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat archive: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return 0, fmt.Errorf("failed to close archive: %w", err)
	}
	w.closed = true

	if _, err := os.Stat(w.finalPath); err == nil {
		return 0, fmt.Errorf("archive %s already exists", filepath.Base(w.finalPath))
	}
	if err := os.Rename(w.file.Name(), w.finalPath); err != nil {
		return 0, fmt.Errorf("failed to publish archive: %w", err)
	}

	return info.Size(), nil
}

func (w *localWriter) Abort() error {
	if !w.closed {
		w.file.Close()
		w.closed = true
	}
	if err := os.Remove(w.file.Name()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove partial archive: %w", err)
	}
	return nil
}
