package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/semmidev/sitekeeper/internal/domain"
)

func (s *SQLiteStore) GetSchedule(ctx context.Context) (*domain.BackupSchedule, error) {
	var (
		sched     domain.BackupSchedule
		enabled   bool
		frequency string
		lastRun   sql.NullInt64
		nextRun   sql.NullInt64
		updatedAt int64
	)

	err := s.db.QueryRowContext(ctx, `
		SELECT enabled, frequency, time_of_day, retention_days, last_run, next_run, updated_at
		FROM backup_schedule WHERE id = 1
	`).Scan(&enabled, &frequency, &sched.TimeOfDay, &sched.RetentionDays, &lastRun, &nextRun, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("backup schedule: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get backup schedule: %w", err)
	}

	sched.Enabled = enabled
	sched.Frequency = domain.Frequency(frequency)
	sched.LastRun = s.fromNullNanos(lastRun)
	sched.NextRun = s.fromNullNanos(nextRun)
	sched.UpdatedAt = s.fromNanos(updatedAt)
	return &sched, nil
}

// SaveSchedule upserts the singleton row. last_run is owned by the
// scheduler loop and is left untouched on update.
func (s *SQLiteStore) SaveSchedule(ctx context.Context, sched *domain.BackupSchedule) error {
	if sched.UpdatedAt.IsZero() {
		sched.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO backup_schedule (id, enabled, frequency, time_of_day, retention_days, last_run, next_run, updated_at)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			enabled = excluded.enabled,
			frequency = excluded.frequency,
			time_of_day = excluded.time_of_day,
			retention_days = excluded.retention_days,
			next_run = excluded.next_run,
			updated_at = excluded.updated_at
	`,
		sched.Enabled, string(sched.Frequency), sched.TimeOfDay, sched.RetentionDays,
		toNullNanos(sched.LastRun), toNullNanos(sched.NextRun), toNanos(sched.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("save backup schedule: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ClaimScheduleSlot(ctx context.Context, observed *time.Time, next time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE backup_schedule SET next_run = ?, updated_at = ?
		WHERE id = 1 AND enabled = 1 AND next_run IS ?
	`, toNanos(next), time.Now().UnixNano(), toNullNanos(observed))
	if err != nil {
		return false, fmt.Errorf("claim schedule slot: %w", err)
	}
	return affected(res)
}

func (s *SQLiteStore) ReleaseScheduleSlot(ctx context.Context, claimed time.Time, observed *time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE backup_schedule SET next_run = ?, updated_at = ?
		WHERE id = 1 AND next_run = ?
	`, toNullNanos(observed), time.Now().UnixNano(), toNanos(claimed))
	if err != nil {
		return false, fmt.Errorf("release schedule slot: %w", err)
	}
	return affected(res)
}

func (s *SQLiteStore) RecordScheduleRun(ctx context.Context, lastRun, nextRun time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE backup_schedule SET last_run = ?, next_run = ?, updated_at = ? WHERE id = 1
	`, toNanos(lastRun), toNanos(nextRun), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("record schedule run: %w", err)
	}
	return nil
}
