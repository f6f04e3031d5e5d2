package domain

import (
	"context"
	"time"
)

type ScheduleRepository interface {
	// GetSchedule returns ErrNotFound when the singleton row does not exist.
	GetSchedule(ctx context.Context) (*BackupSchedule, error)
	SaveSchedule(ctx context.Context, s *BackupSchedule) error
	// ClaimScheduleSlot moves next_run from observed to next only if nobody
	// changed it in between.
	ClaimScheduleSlot(ctx context.Context, observed *time.Time, next time.Time) (bool, error)
	// ReleaseScheduleSlot undoes a claim, putting next_run back to observed
	// if it still holds the claimed value.
	ReleaseScheduleSlot(ctx context.Context, claimed time.Time, observed *time.Time) (bool, error)
	RecordScheduleRun(ctx context.Context, lastRun, nextRun time.Time) error
}

type BackupFilter struct {
	Status BackupStatus
	Limit  int
}

type BackupRepository interface {
	// InsertBackupIfIdle stores a PENDING backup unless a backup is
	// IN_PROGRESS or a restore is RUNNING.
	InsertBackupIfIdle(ctx context.Context, b *Backup) (bool, error)
	// ClaimBackup moves a PENDING backup to IN_PROGRESS unless any other
	// backup is IN_PROGRESS or a restore is RUNNING.
	ClaimBackup(ctx context.Context, id string, now time.Time) (bool, error)
	UpdateBackup(ctx context.Context, b *Backup) error
	GetBackup(ctx context.Context, id string) (*Backup, error)
	ListBackups(ctx context.Context, filter BackupFilter) ([]*Backup, error)
	DeleteBackup(ctx context.Context, id string) error
	ListStaleBackups(ctx context.Context, before time.Time) ([]*Backup, error)
	HasActiveOperation(ctx context.Context) (bool, error)
}

type RestoreRepository interface {
	// BeginRestore stores a RUNNING restore unless a backup is IN_PROGRESS
	// or another restore is RUNNING.
	BeginRestore(ctx context.Context, r *RestoreRecord) (bool, error)
	FinishRestore(ctx context.Context, r *RestoreRecord) error
	ListRestores(ctx context.Context, limit int) ([]*RestoreRecord, error)
	FailStaleRestores(ctx context.Context, before, now time.Time) (int, error)
}

// ContentSource is the live site dataset.
type ContentSource interface {
	ListTables(ctx context.Context) ([]string, error)
	// OrderTables sorts tables so that referenced tables come first.
	OrderTables(ctx context.Context, tables []string) ([]string, error)
	DumpTable(ctx context.Context, table string) (*TableData, error)
	// ReplaceTables swaps in the given snapshots inside one transaction.
	// Snapshots must already be in dependency order.
	ReplaceTables(ctx context.Context, snapshots []TableSnapshot) error
}

type Store interface {
	ScheduleRepository
	BackupRepository
	RestoreRepository
	ContentSource
	Ping(ctx context.Context) error
	Close() error
}
