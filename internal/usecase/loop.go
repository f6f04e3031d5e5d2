package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/semmidev/sitekeeper/internal/domain"
	"github.com/semmidev/sitekeeper/internal/infrastructure/metrics"
)

type TickState string

const (
	TickDisabled TickState = "disabled"
	TickWaiting  TickState = "waiting"
	// TickBusy means the slot is due but a backup or restore holds the lock.
	TickBusy TickState = "busy"
	// TickSkipped means another scheduler instance claimed the slot first.
	TickSkipped TickState = "skipped"
	TickRan     TickState = "ran"
	TickFailed  TickState = "failed"
)

// Loop is one poll of the scheduler process. The schedule is re-read on
// every tick so configuration changes apply without a restart.
type Loop struct {
	store     domain.Store
	executor  domain.BackupExecutor
	retention *Retention
	notifier  domain.Notifier
	janitor   *janitor
	logger    Logger
	metrics   *metrics.Metrics
	now       Clock
}

func NewLoop(
	store domain.Store,
	archives domain.ArchiveStore,
	executor domain.BackupExecutor,
	retention *Retention,
	notifier domain.Notifier,
	staleAfter time.Duration,
	logger Logger,
	m *metrics.Metrics,
	clock Clock,
) *Loop {
	if clock == nil {
		clock = time.Now
	}
	if notifier == nil {
		notifier = domain.NopNotifier{}
	}
	return &Loop{
		store:     store,
		executor:  executor,
		retention: retention,
		notifier:  notifier,
		janitor:   &janitor{store: store, archives: archives, staleAfter: staleAfter, logger: logger},
		logger:    logger,
		metrics:   m,
		now:       clock,
	}
}

// Startup clears what a crashed predecessor may have left behind.
func (l *Loop) Startup(ctx context.Context) error {
	if err := l.janitor.sweep(ctx, l.now()); err != nil {
		return err
	}

	sched, err := l.store.GetSchedule(ctx)
	if errors.Is(err, domain.ErrNotFound) {
		l.logger.Warnf("No backup schedule configured yet")
		return nil
	}
	if err != nil {
		return err
	}
	if sched.NextRun != nil {
		l.logger.Infof("Schedule: enabled=%t frequency=%s time=%s next run %s",
			sched.Enabled, sched.Frequency, sched.TimeOfDay, sched.NextRun.Format(time.RFC3339))
	} else {
		l.logger.Infof("Schedule: enabled=%t frequency=%s time=%s",
			sched.Enabled, sched.Frequency, sched.TimeOfDay)
	}
	return nil
}

// Tick checks the schedule once and runs the backup when it is due. Backup
// failures are recorded, logged and notified but do not make Tick fail;
// only errors reading or writing the schedule are returned.
func (l *Loop) Tick(ctx context.Context) (TickState, error) {
	state, err := l.tick(ctx)
	l.metrics.SchedulerTick(string(state))
	return state, err
}

func (l *Loop) tick(ctx context.Context) (TickState, error) {
	now := l.now()

	if err := l.janitor.sweep(ctx, now); err != nil {
		l.logger.Warnf("Stale operation sweep incomplete: %v", err)
	}

	sched, err := l.store.GetSchedule(ctx)
	if errors.Is(err, domain.ErrNotFound) {
		return TickDisabled, nil
	}
	if err != nil {
		return TickFailed, fmt.Errorf("read schedule: %w", err)
	}
	if !sched.Enabled {
		return TickDisabled, nil
	}
	if !sched.IsDue(now) {
		return TickWaiting, nil
	}

	busy, err := l.store.HasActiveOperation(ctx)
	if err != nil {
		return TickFailed, err
	}
	if busy {
		l.logger.Infof("Scheduled backup is due but another operation is running, holding")
		return TickBusy, nil
	}

	next, err := domain.NextRun(sched.Frequency, sched.TimeOfDay, now)
	if err != nil {
		return TickFailed, err
	}
	claimed, err := l.store.ClaimScheduleSlot(ctx, sched.NextRun, next)
	if err != nil {
		return TickFailed, err
	}
	if !claimed {
		l.logger.Infof("Scheduled slot already taken by another scheduler")
		return TickSkipped, nil
	}

	l.logger.Infof("Scheduled backup due, starting")
	state := TickRan
	b, runErr := l.executor.Run(ctx, domain.BackupRequest{
		Type:  domain.BackupTypeScheduled,
		Actor: domain.SystemActor,
	})
	if errors.Is(runErr, domain.ErrConflict) {
		// A manual backup or restore took the lock between our check and
		// the executor's claim. Give the slot back so the next tick runs it.
		l.logger.Infof("Scheduled backup lost the lock to another operation, holding")
		if _, err := l.store.ReleaseScheduleSlot(ctx, next, sched.NextRun); err != nil {
			return TickFailed, err
		}
		return TickBusy, nil
	}
	if runErr != nil {
		state = TickFailed
		l.logger.Errorf("Scheduled backup failed: %v", runErr)
		l.notify(ctx, fmt.Sprintf("Scheduled backup failed: %v", runErr))
	} else if l.retention != nil {
		deleted, err := l.retention.Enforce(ctx, sched.RetentionDays)
		if err != nil {
			l.logger.Errorf("Retention after backup %s incomplete: %v", b.ID, err)
			l.notify(ctx, fmt.Sprintf("Retention incomplete, will retry next run: %v", err))
		} else if len(deleted) > 0 {
			l.logger.Infof("Retention removed %d backup(s)", len(deleted))
		}
	}

	if err := l.recordRun(ctx, now); err != nil {
		return TickFailed, err
	}
	return state, nil
}

// recordRun stores lastRun and computes nextRun from the completion time
// using the schedule as it is now, in case it changed during the run.
func (l *Loop) recordRun(ctx context.Context, ranAt time.Time) error {
	sched, err := l.store.GetSchedule(ctx)
	if err != nil {
		return fmt.Errorf("reload schedule: %w", err)
	}
	next, err := domain.NextRun(sched.Frequency, sched.TimeOfDay, l.now())
	if err != nil {
		return err
	}
	if err := l.store.RecordScheduleRun(ctx, ranAt, next); err != nil {
		return err
	}
	l.logger.Infof("Next scheduled backup at %s", next.Format(time.RFC3339))
	return nil
}

func (l *Loop) notify(ctx context.Context, msg string) {
	if err := l.notifier.Notify(ctx, msg); err != nil {
		l.logger.Warnf("Failed to send notification: %v", err)
	}
}
