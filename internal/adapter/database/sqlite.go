// Package database is the SQLite data store: the site's content tables plus
// the schedule, backup and restore metadata used by the backup subsystem.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

type Migration struct {
	Version int
	Name    string
	SQL     string
}

func GetMigrations() []Migration {
	return []Migration{
		{
			Version: 1,
			Name:    "create_backup_tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS backup_schedule (
					id INTEGER PRIMARY KEY CHECK (id = 1),
					enabled INTEGER NOT NULL DEFAULT 0,
					frequency TEXT NOT NULL,
					time_of_day TEXT NOT NULL,
					retention_days INTEGER NOT NULL CHECK (retention_days >= 0),
					last_run INTEGER,
					next_run INTEGER,
					updated_at INTEGER NOT NULL
				);

				CREATE TABLE IF NOT EXISTS backups (
					id TEXT PRIMARY KEY,
					name TEXT NOT NULL,
					description TEXT NOT NULL DEFAULT '',
					created_at INTEGER NOT NULL,
					started_at INTEGER,
					completed_at INTEGER,
					file_path TEXT NOT NULL DEFAULT '',
					file_size_bytes INTEGER NOT NULL DEFAULT 0,
					checksum TEXT NOT NULL DEFAULT '',
					type TEXT NOT NULL,
					status TEXT NOT NULL,
					table_names TEXT NOT NULL,
					created_by TEXT NOT NULL,
					error_message TEXT NOT NULL DEFAULT ''
				);

				CREATE UNIQUE INDEX IF NOT EXISTS idx_backups_single_in_progress
					ON backups (status) WHERE status = 'IN_PROGRESS';
				CREATE INDEX IF NOT EXISTS idx_backups_status_created ON backups (status, created_at);
			`,
		},
		{
			Version: 2,
			Name:    "create_restores_table",
			SQL: `
				CREATE TABLE IF NOT EXISTS restores (
					id TEXT PRIMARY KEY,
					backup_id TEXT NOT NULL,
					status TEXT NOT NULL,
					requested_by TEXT NOT NULL,
					started_at INTEGER NOT NULL,
					finished_at INTEGER,
					error_message TEXT NOT NULL DEFAULT ''
				);

				CREATE UNIQUE INDEX IF NOT EXISTS idx_restores_single_running
					ON restores (status) WHERE status = 'RUNNING';
				CREATE INDEX IF NOT EXISTS idx_restores_started ON restores (started_at);
			`,
		},
	}
}

// internalTables are never backed up or restored.
var internalTables = map[string]bool{
	"backup_schedule":   true,
	"backups":           true,
	"restores":          true,
	"schema_migrations": true,
}

func IsInternalTable(name string) bool {
	return internalTables[name] || strings.HasPrefix(name, "sqlite_")
}

type SQLiteStore struct {
	db  *sql.DB
	loc *time.Location
}

// Open opens (creating if needed) the database at path and applies pending
// migrations. Times read back are expressed in loc.
func Open(ctx context.Context, path string, loc *time.Location) (*SQLiteStore, error) {
	if loc == nil {
		loc = time.Local
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := "file:" + path +
		"?_pragma=busy_timeout(10000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=foreign_keys(1)" +
		"&_txlock=immediate"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &SQLiteStore{db: db, loc: loc}
	if err := s.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// DB exposes the handle for callers that manage content tables directly.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at INTEGER NOT NULL
		)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	for _, m := range GetMigrations() {
		var count int
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, m.Version).Scan(&count); err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if count > 0 {
			continue
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Name, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`,
			m.Version, m.Name, time.Now().UnixNano()); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

func toNanos(t time.Time) int64 {
	return t.UnixNano()
}

func toNullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func (s *SQLiteStore) fromNanos(n int64) time.Time {
	return time.Unix(0, n).In(s.loc)
}

func (s *SQLiteStore) fromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := s.fromNanos(n.Int64)
	return &t
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
