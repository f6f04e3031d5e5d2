package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/semmidev/sitekeeper/internal/domain"
	"github.com/semmidev/sitekeeper/internal/infrastructure/metrics"
)

// Retention removes completed backups that fell out of the retention window
// and handles explicit deletions. An archive file always goes before its
// record.
type Retention struct {
	store      domain.BackupRepository
	archives   domain.ArchiveStore
	replicator *Replicator
	logger     Logger
	metrics    *metrics.Metrics
	now        Clock
}

func NewRetention(
	store domain.BackupRepository,
	archives domain.ArchiveStore,
	replicator *Replicator,
	logger Logger,
	m *metrics.Metrics,
	clock Clock,
) *Retention {
	if clock == nil {
		clock = time.Now
	}
	return &Retention{
		store:      store,
		archives:   archives,
		replicator: replicator,
		logger:     logger,
		metrics:    m,
		now:        clock,
	}
}

// Enforce deletes every completed backup created before now - retentionDays,
// except the most recent one. Failed deletions keep their record and are
// returned joined so the next pass retries them.
func (uc *Retention) Enforce(ctx context.Context, retentionDays int) ([]string, error) {
	if retentionDays < 0 {
		return nil, fmt.Errorf("%w: retention days must not be negative", domain.ErrValidation)
	}

	completed, err := uc.store.ListBackups(ctx, domain.BackupFilter{Status: domain.BackupStatusCompleted})
	if err != nil {
		return nil, err
	}
	if len(completed) == 0 {
		return nil, nil
	}

	cutoff := uc.now().AddDate(0, 0, -retentionDays)
	uc.logger.Infof("Starting cleanup, retention: %d days, cutoff: %s", retentionDays, cutoff.Format(time.RFC3339))

	keep := map[string]bool{completed[0].FilePath: true}
	var expired []*domain.Backup
	for _, b := range completed[1:] {
		if b.CreatedAt.Before(cutoff) {
			expired = append(expired, b)
		} else {
			keep[b.FilePath] = true
		}
	}

	if uc.replicator.Enabled() {
		uc.replicator.Prune(ctx, cutoff, keep)
	}

	var (
		deleted []string
		errs    []error
	)
	for _, b := range expired {
		if err := uc.remove(ctx, b); err != nil {
			uc.logger.Errorf("Failed to delete expired backup %s: %v", b.ID, err)
			errs = append(errs, err)
			continue
		}
		deleted = append(deleted, b.ID)
	}

	uc.metrics.RetentionDeleted(len(deleted))
	uc.logger.Infof("Cleanup completed: deleted %d backup(s), %d failure(s)", len(deleted), len(errs))

	return deleted, errors.Join(errs...)
}

// Delete removes one backup on request. Backups that are still running
// cannot be deleted.
func (uc *Retention) Delete(ctx context.Context, id string) error {
	b, err := uc.store.GetBackup(ctx, id)
	if err != nil {
		return err
	}
	if b.IsActive() {
		return fmt.Errorf("%w: backup %s is %s", domain.ErrConflict, id, b.Status)
	}

	if b.FilePath != "" && uc.replicator.Enabled() {
		uc.replicator.Remove(ctx, b.FilePath)
	}
	if err := uc.remove(ctx, b); err != nil {
		return err
	}

	uc.logger.Infof("Deleted backup %s", id)
	return nil
}

func (uc *Retention) remove(ctx context.Context, b *domain.Backup) error {
	if b.FilePath != "" {
		if err := uc.archives.Delete(ctx, b.FilePath); err != nil {
			return fmt.Errorf("delete archive of backup %s: %w", b.ID, err)
		}
	}
	if err := uc.store.DeleteBackup(ctx, b.ID); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("delete record of backup %s: %w", b.ID, err)
	}
	return nil
}
