package usecase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/semmidev/sitekeeper/internal/domain"
)

type UploadTarget struct {
	Name    string
	Storage domain.Storage
}

// Replicator keeps offsite copies of completed archives. Every operation is
// best effort: failures are logged and never change a backup's status.
type Replicator struct {
	targets []UploadTarget
	logger  Logger
	loc     *time.Location
}

func NewReplicator(targets []UploadTarget, logger Logger, loc *time.Location) *Replicator {
	if loc == nil {
		loc = time.Local
	}
	return &Replicator{targets: targets, logger: logger, loc: loc}
}

func (r *Replicator) Enabled() bool {
	return r != nil && len(r.targets) > 0
}

// Replicate uploads one archive to every target concurrently and returns
// once all uploads have finished.
func (r *Replicator) Replicate(ctx context.Context, localPath, name string) {
	r.each(func(t UploadTarget) {
		r.logger.Infof("Uploading %s to %s...", name, t.Name)
		if err := t.Storage.Upload(ctx, localPath, name); err != nil {
			r.logger.Errorf("Failed to upload %s to %s: %v", name, t.Name, err)
			return
		}
		r.logger.Infof("Successfully uploaded %s to %s", name, t.Name)
	})
}

// Remove deletes the replicas of one archive.
func (r *Replicator) Remove(ctx context.Context, name string) {
	r.each(func(t UploadTarget) {
		if err := t.Storage.Delete(ctx, name); err != nil {
			r.logger.Warnf("Failed to delete %s from %s: %v", name, t.Name, err)
		}
	})
}

// Prune deletes replicas created before cutoff unless their name is in keep.
// This also catches orphans whose local record is already gone.
func (r *Replicator) Prune(ctx context.Context, cutoff time.Time, keep map[string]bool) {
	r.each(func(t UploadTarget) {
		if err := r.pruneTarget(ctx, t, cutoff, keep); err != nil {
			r.logger.Errorf("Cleanup failed for %s: %v", t.Name, err)
		}
	})
}

func (r *Replicator) each(fn func(UploadTarget)) {
	if !r.Enabled() {
		return
	}

	var wg sync.WaitGroup
	for _, target := range r.targets {
		wg.Add(1)
		go func(t UploadTarget) {
			defer wg.Done()
			fn(t)
		}(target)
	}
	wg.Wait()
}

func (r *Replicator) pruneTarget(ctx context.Context, target UploadTarget, cutoff time.Time, keep map[string]bool) error {
	files, err := target.Storage.GetOldFiles(ctx, cutoff)
	if err != nil {
		r.logger.Warnf("Listing old files on %s failed, falling back to archive names: %v", target.Name, err)
		files, err = r.fallbackListFiles(ctx, target, cutoff)
		if err != nil {
			return err
		}
	}

	deleted := 0
	for _, name := range files {
		if keep[name] || !archiveNamePattern.MatchString(name) {
			continue
		}
		r.logger.Infof("Deleting old replica from %s: %s", target.Name, name)
		if err := target.Storage.Delete(ctx, name); err != nil {
			r.logger.Errorf("Failed to delete %s from %s: %v", name, target.Name, err)
			continue
		}
		deleted++
	}

	if deleted > 0 {
		r.logger.Infof("Deleted %d old replica(s) from %s", deleted, target.Name)
	}
	return nil
}

func (r *Replicator) fallbackListFiles(ctx context.Context, target UploadTarget, cutoff time.Time) ([]string, error) {
	files, err := target.Storage.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}

	old := make([]string, 0)
	for _, name := range files {
		ts, err := archiveTime(name, r.loc)
		if err != nil {
			r.logger.Debugf("Skipping %s on %s: %v", name, target.Name, err)
			continue
		}
		if ts.Before(cutoff) {
			old = append(old, name)
		}
	}
	return old, nil
}
