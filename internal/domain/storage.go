package domain

import (
	"context"
	"io"
	"time"
)

// Storage is an offsite target that holds copies of completed archives.
type Storage interface {
	Upload(ctx context.Context, localPath string, remoteName string) error
	List(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, remoteName string) error
	GetOldFiles(ctx context.Context, cutoffTime time.Time) ([]string, error)
}

// ArchiveStore is the dedicated local archive directory.
type ArchiveStore interface {
	// Create opens a new archive for writing. Nothing is visible under name
	// until Commit succeeds.
	Create(ctx context.Context, name string) (ArchiveWriter, error)
	Open(ctx context.Context, name string) (io.ReadCloser, int64, error)
	Delete(ctx context.Context, name string) error
	Exists(ctx context.Context, name string) (bool, error)
	GetPath(name string) string
	// SweepPartial removes uncommitted archives last written before olderThan.
	SweepPartial(ctx context.Context, olderThan time.Time) (int, error)
}

type ArchiveWriter interface {
	io.Writer
	// Commit flushes, closes and atomically publishes the archive. It
	// returns the final size in bytes.
	Commit() (int64, error)
	// Abort discards everything written. Safe to call after Commit failed.
	Abort() error
}
