package usecase

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/semmidev/sitekeeper/internal/domain"
	"github.com/semmidev/sitekeeper/internal/infrastructure/metrics"
)

// Restore replaces the live content of a backup's tables with the archived
// snapshot. It is all or nothing and never retried on its own.
type Restore struct {
	store      domain.Store
	archives   domain.ArchiveStore
	compressor domain.Compressor
	janitor    *janitor
	logger     Logger
	metrics    *metrics.Metrics
	now        Clock
}

func NewRestore(
	store domain.Store,
	archives domain.ArchiveStore,
	compressor domain.Compressor,
	staleAfter time.Duration,
	logger Logger,
	m *metrics.Metrics,
	clock Clock,
) *Restore {
	if clock == nil {
		clock = time.Now
	}
	return &Restore{
		store:      store,
		archives:   archives,
		compressor: compressor,
		janitor:    &janitor{store: store, archives: archives, staleAfter: staleAfter, logger: logger},
		logger:     logger,
		metrics:    m,
		now:        clock,
	}
}

// Restore returns the finished restore record. When the restore itself ran
// and failed, both the FAILED record and the error are returned.
func (uc *Restore) Restore(ctx context.Context, backupID, actor string) (*domain.RestoreRecord, error) {
	b, err := uc.store.GetBackup(ctx, backupID)
	if err != nil {
		return nil, err
	}
	if b.Status != domain.BackupStatusCompleted {
		return nil, fmt.Errorf("%w: backup %s is %s", domain.ErrNotRestorable, b.ID, b.Status)
	}
	exists, err := uc.archives.Exists(ctx, b.FilePath)
	if err != nil {
		return nil, fmt.Errorf("check archive: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("backup %s: %w", b.ID, domain.ErrArchiveMissing)
	}

	now := uc.now()
	if err := uc.janitor.sweep(ctx, now); err != nil {
		uc.logger.Warnf("Stale operation sweep incomplete: %v", err)
	}

	if actor == "" {
		actor = domain.SystemActor
	}
	rec := &domain.RestoreRecord{
		ID:          uuid.NewString(),
		BackupID:    b.ID,
		Status:      domain.RestoreStatusRunning,
		RequestedBy: actor,
		StartedAt:   now,
	}
	ok, err := uc.store.BeginRestore(ctx, rec)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: a backup or another restore is in progress", domain.ErrConflict)
	}

	uc.logger.Infof("[%s] Restoring backup %s (%s) requested by %s", rec.ID, b.ID, b.FilePath, actor)

	applyErr := uc.apply(ctx, b)

	finished := uc.now()
	rec.FinishedAt = &finished
	if applyErr != nil {
		rec.Status = domain.RestoreStatusFailed
		rec.ErrorMessage = applyErr.Error()
		uc.logger.Errorf("[%s] Restore failed, live data left untouched: %v", rec.ID, applyErr)
	} else {
		rec.Status = domain.RestoreStatusSucceeded
		uc.logger.Infof("[%s] Restore completed in %s", rec.ID, finished.Sub(now).Round(time.Millisecond))
	}

	if err := uc.store.FinishRestore(ctx, rec); err != nil {
		uc.logger.Errorf("[%s] Failed to record restore outcome: %v", rec.ID, err)
		if applyErr == nil {
			applyErr = fmt.Errorf("record restore outcome: %w", err)
		}
	}
	uc.metrics.ObserveRestore(string(rec.Status))

	if applyErr != nil {
		return rec, fmt.Errorf("restore of backup %s failed: %w", b.ID, applyErr)
	}
	return rec, nil
}

func (uc *Restore) apply(ctx context.Context, b *domain.Backup) error {
	doc, err := uc.load(ctx, b)
	if err != nil {
		return err
	}

	ordered, err := uc.store.OrderTables(ctx, doc.Tables)
	if err != nil {
		return fmt.Errorf("order tables: %w", err)
	}

	snapshots := make([]domain.TableSnapshot, 0, len(ordered))
	for _, table := range ordered {
		snapshots = append(snapshots, domain.TableSnapshot{Table: table, Data: doc.Data[table]})
	}

	return uc.store.ReplaceTables(ctx, snapshots)
}

// load reads and verifies the whole archive before anything touches the
// live tables.
func (uc *Restore) load(ctx context.Context, b *domain.Backup) (*domain.ArchiveDocument, error) {
	rc, _, err := uc.archives.Open(ctx, b.FilePath)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	raw, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read archive: %w", err)
	}

	if b.Checksum != "" {
		sum := sha256.Sum256(raw)
		if got := "sha256:" + hex.EncodeToString(sum[:]); got != b.Checksum {
			return nil, fmt.Errorf("%w: checksum mismatch, recorded %s, archive has %s", domain.ErrCorruptArchive, b.Checksum, got)
		}
	}

	zr, err := uc.compressor.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrCorruptArchive, err)
	}
	defer zr.Close()

	var doc domain.ArchiveDocument
	if err := json.NewDecoder(zr).Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: decode archive: %v", domain.ErrCorruptArchive, err)
	}
	if err := doc.Validate(b.Tables); err != nil {
		return nil, err
	}
	return &doc, nil
}
