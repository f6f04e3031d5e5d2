package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/semmidev/sitekeeper/internal/domain"
)

const backupColumns = `
	id, name, description, created_at, started_at, completed_at,
	file_path, file_size_bytes, checksum, type, status, table_names,
	created_by, error_message`

// idleCondition holds while no backup is running and no restore is running.
const idleCondition = `
	NOT EXISTS (SELECT 1 FROM backups WHERE status = 'IN_PROGRESS')
	AND NOT EXISTS (SELECT 1 FROM restores WHERE status = 'RUNNING')`

func (s *SQLiteStore) InsertBackupIfIdle(ctx context.Context, b *domain.Backup) (bool, error) {
	tables, err := json.Marshal(b.Tables)
	if err != nil {
		return false, fmt.Errorf("encode tables: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO backups (`+backupColumns+`)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
		WHERE `+idleCondition,
		b.ID, b.Name, b.Description, toNanos(b.CreatedAt), toNullNanos(b.StartedAt), toNullNanos(b.CompletedAt),
		b.FilePath, b.FileSizeBytes, b.Checksum, string(b.Type), string(b.Status), string(tables),
		b.CreatedBy, b.ErrorMessage,
	)
	if err != nil {
		return false, fmt.Errorf("insert backup: %w", err)
	}
	return affected(res)
}

func (s *SQLiteStore) ClaimBackup(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE backups SET status = 'IN_PROGRESS', started_at = ?
		WHERE id = ? AND status = 'PENDING' AND `+idleCondition,
		toNanos(now), id,
	)
	if err != nil {
		// The partial unique index is the last line of defence against a
		// second IN_PROGRESS row.
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return false, nil
		}
		return false, fmt.Errorf("claim backup: %w", err)
	}
	return affected(res)
}

func (s *SQLiteStore) UpdateBackup(ctx context.Context, b *domain.Backup) error {
	tables, err := json.Marshal(b.Tables)
	if err != nil {
		return fmt.Errorf("encode tables: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE backups SET
			name = ?, description = ?, started_at = ?, completed_at = ?,
			file_path = ?, file_size_bytes = ?, checksum = ?, status = ?,
			table_names = ?, error_message = ?
		WHERE id = ?
	`,
		b.Name, b.Description, toNullNanos(b.StartedAt), toNullNanos(b.CompletedAt),
		b.FilePath, b.FileSizeBytes, b.Checksum, string(b.Status),
		string(tables), b.ErrorMessage, b.ID,
	)
	if err != nil {
		return fmt.Errorf("update backup: %w", err)
	}
	if ok, err := affected(res); err != nil {
		return fmt.Errorf("update backup: %w", err)
	} else if !ok {
		return fmt.Errorf("backup %s: %w", b.ID, domain.ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) GetBackup(ctx context.Context, id string) (*domain.Backup, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+backupColumns+` FROM backups WHERE id = ?`, id)
	b, err := s.scanBackup(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("backup %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get backup: %w", err)
	}
	return b, nil
}

// ListBackups returns backups newest first.
func (s *SQLiteStore) ListBackups(ctx context.Context, filter domain.BackupFilter) ([]*domain.Backup, error) {
	query := `SELECT ` + backupColumns + ` FROM backups`
	var args []any
	if filter.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	return s.queryBackups(ctx, query, args...)
}

func (s *SQLiteStore) DeleteBackup(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM backups WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete backup: %w", err)
	}
	if ok, err := affected(res); err != nil {
		return fmt.Errorf("delete backup: %w", err)
	} else if !ok {
		return fmt.Errorf("backup %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) ListStaleBackups(ctx context.Context, before time.Time) ([]*domain.Backup, error) {
	return s.queryBackups(ctx, `
		SELECT `+backupColumns+` FROM backups
		WHERE status IN ('PENDING', 'IN_PROGRESS') AND COALESCE(started_at, created_at) < ?
		ORDER BY created_at
	`, toNanos(before))
}

func (s *SQLiteStore) HasActiveOperation(ctx context.Context) (bool, error) {
	var busy bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM backups WHERE status IN ('PENDING', 'IN_PROGRESS'))
			OR EXISTS (SELECT 1 FROM restores WHERE status = 'RUNNING')
	`).Scan(&busy)
	if err != nil {
		return false, fmt.Errorf("check active operations: %w", err)
	}
	return busy, nil
}

func (s *SQLiteStore) queryBackups(ctx context.Context, query string, args ...any) ([]*domain.Backup, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}
	defer rows.Close()

	var backups []*domain.Backup
	for rows.Next() {
		b, err := s.scanBackup(rows)
		if err != nil {
			return nil, fmt.Errorf("scan backup: %w", err)
		}
		backups = append(backups, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}
	return backups, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) scanBackup(row scanner) (*domain.Backup, error) {
	var (
		b           domain.Backup
		createdAt   int64
		startedAt   sql.NullInt64
		completedAt sql.NullInt64
		backupType  string
		status      string
		tables      string
	)

	if err := row.Scan(
		&b.ID, &b.Name, &b.Description, &createdAt, &startedAt, &completedAt,
		&b.FilePath, &b.FileSizeBytes, &b.Checksum, &backupType, &status, &tables,
		&b.CreatedBy, &b.ErrorMessage,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(tables), &b.Tables); err != nil {
		return nil, fmt.Errorf("decode tables of backup %s: %w", b.ID, err)
	}

	b.CreatedAt = s.fromNanos(createdAt)
	b.StartedAt = s.fromNullNanos(startedAt)
	b.CompletedAt = s.fromNullNanos(completedAt)
	b.Type = domain.BackupType(backupType)
	b.Status = domain.BackupStatus(status)
	return &b, nil
}
