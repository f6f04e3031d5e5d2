package usecase

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/semmidev/sitekeeper/internal/domain"
)

type Logger interface {
	Debugf(template string, args ...interface{})
	Infof(template string, args ...interface{})
	Warnf(template string, args ...interface{})
	Errorf(template string, args ...interface{})
}

// Clock returns the current time in the site's configured location.
type Clock func() time.Time

func SystemClock(loc *time.Location) Clock {
	return func() time.Time { return time.Now().In(loc) }
}

const archiveTimeLayout = "20060102-150405"

// archiveName builds backup-<yyyymmdd-hhmmss>-<id prefix>.json.gz. The id
// prefix keeps two backups started in the same second apart.
func archiveName(createdAt time.Time, backupID, ext string) string {
	short := backupID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("backup-%s-%s.json%s", createdAt.Format(archiveTimeLayout), short, ext)
}

var archiveNamePattern = regexp.MustCompile(`^backup-(\d{8}-\d{6})-[0-9a-f]{8}\.json`)

// archiveTime recovers the creation time encoded in an archive name.
func archiveTime(name string, loc *time.Location) (time.Time, error) {
	m := archiveNamePattern.FindStringSubmatch(name)
	if m == nil {
		return time.Time{}, fmt.Errorf("invalid archive name %q", name)
	}
	return time.ParseInLocation(archiveTimeLayout, m[1], loc)
}

// janitor fails operations that outlived staleAfter and clears their
// leftovers. Every entry point that needs exclusivity runs it first so a
// crashed process cannot block backups forever.
type janitor struct {
	store      domain.Store
	archives   domain.ArchiveStore
	staleAfter time.Duration
	logger     Logger
}

func (j *janitor) sweep(ctx context.Context, now time.Time) error {
	if j.staleAfter <= 0 {
		return nil
	}
	before := now.Add(-j.staleAfter)

	stale, err := j.store.ListStaleBackups(ctx, before)
	if err != nil {
		return fmt.Errorf("list stale backups: %w", err)
	}

	var errs []error
	for _, b := range stale {
		j.logger.Warnf("Backup %s stuck in %s since %s, marking FAILED", b.ID, b.Status, b.CreatedAt.Format(time.RFC3339))
		if b.FilePath != "" {
			if err := j.archives.Delete(ctx, b.FilePath); err != nil {
				errs = append(errs, fmt.Errorf("remove archive of stale backup %s: %w", b.ID, err))
				continue
			}
		}
		b.Fail(fmt.Sprintf("abandoned: still %s after %s", b.Status, j.staleAfter), now)
		if err := j.store.UpdateBackup(ctx, b); err != nil {
			errs = append(errs, fmt.Errorf("fail stale backup %s: %w", b.ID, err))
		}
	}

	n, err := j.store.FailStaleRestores(ctx, before, now)
	if err != nil {
		errs = append(errs, fmt.Errorf("fail stale restores: %w", err))
	} else if n > 0 {
		j.logger.Warnf("Marked %d stale restore(s) FAILED", n)
	}

	removed, err := j.archives.SweepPartial(ctx, before)
	if err != nil {
		errs = append(errs, fmt.Errorf("sweep partial archives: %w", err))
	} else if removed > 0 {
		j.logger.Infof("Removed %d abandoned partial archive(s)", removed)
	}

	return errors.Join(errs...)
}
