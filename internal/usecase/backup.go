package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/goccy/go-json"

	"github.com/semmidev/sitekeeper/internal/domain"
	"github.com/semmidev/sitekeeper/internal/infrastructure/metrics"
)

// Executor performs one backup from admission to a COMPLETED or FAILED
// record.
type Executor struct {
	store      domain.Store
	archives   domain.ArchiveStore
	compressor domain.Compressor
	replicator *Replicator
	tables     []string
	janitor    *janitor
	logger     Logger
	metrics    *metrics.Metrics
	now        Clock
}

func NewExecutor(
	store domain.Store,
	archives domain.ArchiveStore,
	compressor domain.Compressor,
	replicator *Replicator,
	tables []string,
	staleAfter time.Duration,
	logger Logger,
	m *metrics.Metrics,
	clock Clock,
) *Executor {
	if clock == nil {
		clock = time.Now
	}
	return &Executor{
		store:      store,
		archives:   archives,
		compressor: compressor,
		replicator: replicator,
		tables:     tables,
		janitor:    &janitor{store: store, archives: archives, staleAfter: staleAfter, logger: logger},
		logger:     logger,
		metrics:    m,
		now:        clock,
	}
}

func (uc *Executor) Run(ctx context.Context, req domain.BackupRequest) (*domain.Backup, error) {
	if req.Type == "" {
		req.Type = domain.BackupTypeManual
	}
	if req.Type != domain.BackupTypeManual && req.Type != domain.BackupTypeScheduled {
		return nil, fmt.Errorf("%w: unknown backup type %q", domain.ErrValidation, req.Type)
	}

	tables, err := uc.resolveTables(req.Tables)
	if err != nil {
		return nil, err
	}

	start := uc.now()
	if err := uc.janitor.sweep(ctx, start); err != nil {
		uc.logger.Warnf("Stale operation sweep incomplete: %v", err)
	}

	req.Tables, err = uc.store.OrderTables(ctx, tables)
	if err != nil {
		return nil, fmt.Errorf("order tables: %w", err)
	}

	b := domain.NewBackup(req, start)
	ok, err := uc.store.InsertBackupIfIdle(ctx, b)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: another backup or a restore is in progress", domain.ErrConflict)
	}

	startedAt := uc.now()
	claimed, err := uc.store.ClaimBackup(ctx, b.ID, startedAt)
	if err != nil || !claimed {
		if delErr := uc.store.DeleteBackup(ctx, b.ID); delErr != nil {
			uc.logger.Errorf("Failed to drop unclaimed backup %s: %v", b.ID, delErr)
		}
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: another backup started first", domain.ErrConflict)
	}
	b.Start(startedAt)

	uc.logger.Infof("[%s] Starting %s backup of %d table(s)...", b.ID, b.Type, len(b.Tables))

	name, size, checksum, err := uc.writeArchive(ctx, b)
	if err != nil {
		return b, uc.fail(ctx, b, err, start)
	}

	b.Complete(name, size, checksum, uc.now())
	if err := uc.store.UpdateBackup(ctx, b); err != nil {
		if delErr := uc.archives.Delete(ctx, name); delErr != nil {
			uc.logger.Errorf("[%s] Failed to remove unrecorded archive %s: %v", b.ID, name, delErr)
		}
		return b, uc.fail(ctx, b, fmt.Errorf("record completion: %w", err), start)
	}

	took := uc.now().Sub(start)
	uc.metrics.ObserveBackup(string(b.Type), string(b.Status), took, size)
	uc.logger.Infof("[%s] Backup completed in %s: %s (%.2f MB)",
		b.ID, took.Round(time.Millisecond), name, float64(size)/(1024*1024))

	if uc.replicator.Enabled() {
		uc.replicator.Replicate(ctx, uc.archives.GetPath(name), name)
	}

	return b, nil
}

// resolveTables checks a requested table list against the configured set.
// An empty request selects every configured table.
func (uc *Executor) resolveTables(requested []string) ([]string, error) {
	if len(requested) == 0 {
		return append([]string(nil), uc.tables...), nil
	}

	allowed := make(map[string]bool, len(uc.tables))
	for _, t := range uc.tables {
		allowed[t] = true
	}

	seen := make(map[string]bool, len(requested))
	for _, t := range requested {
		if !allowed[t] {
			return nil, fmt.Errorf("%w: table %q is not configured for backup", domain.ErrValidation, t)
		}
		if seen[t] {
			return nil, fmt.Errorf("%w: table %q requested twice", domain.ErrValidation, t)
		}
		seen[t] = true
	}
	return append([]string(nil), requested...), nil
}

func (uc *Executor) writeArchive(ctx context.Context, b *domain.Backup) (name string, size int64, checksum string, err error) {
	doc := &domain.ArchiveDocument{
		Version:   domain.ArchiveVersion,
		CreatedAt: b.CreatedAt,
		BackupID:  b.ID,
		Tables:    b.Tables,
		Data:      make(map[string]*domain.TableData, len(b.Tables)),
	}
	for _, table := range b.Tables {
		data, err := uc.store.DumpTable(ctx, table)
		if err != nil {
			return "", 0, "", fmt.Errorf("serialize %s: %w", table, err)
		}
		uc.logger.Debugf("[%s] Serialized %s: %d row(s)", b.ID, table, len(data.Rows))
		doc.Data[table] = data
	}

	name = archiveName(b.CreatedAt, b.ID, uc.compressor.Extension())
	w, err := uc.archives.Create(ctx, name)
	if err != nil {
		return "", 0, "", fmt.Errorf("create archive: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			if abortErr := w.Abort(); abortErr != nil {
				uc.logger.Warnf("[%s] Failed to discard partial archive: %v", b.ID, abortErr)
			}
		}
	}()

	hash := sha256.New()
	zw, err := uc.compressor.NewWriter(io.MultiWriter(w, hash))
	if err != nil {
		return "", 0, "", fmt.Errorf("compress: %w", err)
	}
	if err := json.NewEncoder(zw).Encode(doc); err != nil {
		zw.Close()
		return "", 0, "", fmt.Errorf("write archive: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", 0, "", fmt.Errorf("write archive: %w", err)
	}

	size, err = w.Commit()
	if err != nil {
		return "", 0, "", fmt.Errorf("commit archive: %w", err)
	}
	committed = true

	return name, size, "sha256:" + hex.EncodeToString(hash.Sum(nil)), nil
}

func (uc *Executor) fail(ctx context.Context, b *domain.Backup, cause error, start time.Time) error {
	uc.logger.Errorf("[%s] Backup failed: %v", b.ID, cause)

	b.Fail(cause.Error(), uc.now())
	if err := uc.store.UpdateBackup(ctx, b); err != nil {
		uc.logger.Errorf("[%s] Failed to record backup failure: %v", b.ID, err)
	}
	uc.metrics.ObserveBackup(string(b.Type), string(b.Status), uc.now().Sub(start), 0)

	return fmt.Errorf("backup %s failed: %w", b.ID, cause)
}
