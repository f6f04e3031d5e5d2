package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/semmidev/sitekeeper/internal/domain"
)

func (s *SQLiteStore) BeginRestore(ctx context.Context, r *domain.RestoreRecord) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO restores (id, backup_id, status, requested_by, started_at, finished_at, error_message)
		SELECT ?, ?, ?, ?, ?, NULL, ''
		WHERE `+idleCondition,
		r.ID, r.BackupID, string(r.Status), r.RequestedBy, toNanos(r.StartedAt),
	)
	if err != nil {
		return false, fmt.Errorf("begin restore: %w", err)
	}
	return affected(res)
}

func (s *SQLiteStore) FinishRestore(ctx context.Context, r *domain.RestoreRecord) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE restores SET status = ?, finished_at = ?, error_message = ? WHERE id = ?
	`, string(r.Status), toNullNanos(r.FinishedAt), r.ErrorMessage, r.ID)
	if err != nil {
		return fmt.Errorf("finish restore: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListRestores(ctx context.Context, limit int) ([]*domain.RestoreRecord, error) {
	query := `
		SELECT id, backup_id, status, requested_by, started_at, finished_at, error_message
		FROM restores ORDER BY started_at DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list restores: %w", err)
	}
	defer rows.Close()

	var restores []*domain.RestoreRecord
	for rows.Next() {
		var (
			r          domain.RestoreRecord
			status     string
			startedAt  int64
			finishedAt sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &r.BackupID, &status, &r.RequestedBy, &startedAt, &finishedAt, &r.ErrorMessage); err != nil {
			return nil, fmt.Errorf("scan restore: %w", err)
		}
		r.Status = domain.RestoreStatus(status)
		r.StartedAt = s.fromNanos(startedAt)
		r.FinishedAt = s.fromNullNanos(finishedAt)
		restores = append(restores, &r)
	}
	return restores, rows.Err()
}

func (s *SQLiteStore) FailStaleRestores(ctx context.Context, before, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE restores SET status = 'FAILED', finished_at = ?, error_message = 'abandoned: exceeded stale threshold'
		WHERE status = 'RUNNING' AND started_at < ?
	`, toNanos(now), toNanos(before))
	if err != nil {
		return 0, fmt.Errorf("fail stale restores: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}
