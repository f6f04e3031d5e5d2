package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"strings"

	"github.com/semmidev/sitekeeper/internal/domain"
)

// ListTables returns the content tables, excluding internal bookkeeping.
func (s *SQLiteStore) ListTables(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name FROM sqlite_master WHERE type = 'table' ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		if !IsInternalTable(name) {
			tables = append(tables, name)
		}
	}
	return tables, rows.Err()
}

// OrderTables sorts tables so that a table comes after every table it
// references through a foreign key. Ties keep the input order; tables in a
// reference cycle keep their input order as well.
func (s *SQLiteStore) OrderTables(ctx context.Context, tables []string) ([]string, error) {
	inSet := make(map[string]bool, len(tables))
	for _, t := range tables {
		inSet[t] = true
	}

	deps := make(map[string]map[string]bool, len(tables))
	for _, t := range tables {
		refs, err := s.referencedTables(ctx, t)
		if err != nil {
			return nil, err
		}
		deps[t] = make(map[string]bool)
		for _, ref := range refs {
			if ref != t && inSet[ref] {
				deps[t][ref] = true
			}
		}
	}

	ordered := make([]string, 0, len(tables))
	placed := make(map[string]bool, len(tables))
	for len(ordered) < len(tables) {
		progressed := false
		for _, t := range tables {
			if placed[t] {
				continue
			}
			ready := true
			for ref := range deps[t] {
				if !placed[ref] {
					ready = false
					break
				}
			}
			if ready {
				ordered = append(ordered, t)
				placed[t] = true
				progressed = true
			}
		}
		if !progressed {
			for _, t := range tables {
				if !placed[t] {
					ordered = append(ordered, t)
					placed[t] = true
				}
			}
		}
	}

	return ordered, nil
}

func (s *SQLiteStore) referencedTables(ctx context.Context, table string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT "table" FROM pragma_foreign_key_list(?)`, table)
	if err != nil {
		return nil, fmt.Errorf("foreign keys of %s: %w", table, err)
	}
	defer rows.Close()

	var refs []string
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, fmt.Errorf("scan foreign key of %s: %w", table, err)
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

func (s *SQLiteStore) DumpTable(ctx context.Context, table string) (*domain.TableData, error) {
	columns, err := s.tableColumns(ctx, table)
	if err != nil {
		return nil, err
	}

	// Each column is read through an expression so the driver sees no
	// declared type and hands back the stored value as is. Text in a
	// DATETIME column would otherwise come back as time.Time and be written
	// back in a different format.
	exprs := make([]string, len(columns))
	for i, col := range columns {
		q := quoteIdent(col)
		exprs[i] = fmt.Sprintf(`CASE typeof(%[1]s) WHEN 'text' THEN CAST(%[1]s AS TEXT) ELSE %[1]s END AS %[1]s`, q)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+strings.Join(exprs, ", ")+` FROM `+quoteIdent(table))
	if err != nil {
		return nil, fmt.Errorf("read table %s: %w", table, err)
	}
	defer rows.Close()

	data := &domain.TableData{Columns: columns, Rows: [][]domain.Value{}}
	raw := make([]any, len(columns))
	ptrs := make([]any, len(columns))
	for i := range raw {
		ptrs[i] = &raw[i]
	}

	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row of %s: %w", table, err)
		}
		row := make([]domain.Value, len(columns))
		for i, v := range raw {
			val, err := domain.ValueOf(v)
			if err != nil {
				return nil, fmt.Errorf("%s.%s: %w", table, columns[i], err)
			}
			row[i] = val
		}
		data.Rows = append(data.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read table %s: %w", table, err)
	}

	return data, nil
}

func (s *SQLiteStore) tableColumns(ctx context.Context, table string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT * FROM `+quoteIdent(table)+` LIMIT 0`)
	if err != nil {
		return nil, fmt.Errorf("read table %s: %w", table, err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("columns of %s: %w", table, err)
	}
	return columns, nil
}

// ReplaceTables swaps in every snapshot inside a single transaction on a
// dedicated connection. Foreign key enforcement is switched off for the swap
// so ON DELETE actions never reach tables outside the snapshot set; instead
// the transaction is rolled back when the result holds a reference that was
// not dangling before.
func (s *SQLiteStore) ReplaceTables(ctx context.Context, snapshots []domain.TableSnapshot) error {
	for _, snap := range snapshots {
		if IsInternalTable(snap.Table) {
			return fmt.Errorf("%w: refusing to restore internal table %q", domain.ErrValidation, snap.Table)
		}
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire restore connection: %w", err)
	}
	defer conn.Close()

	// foreign_keys cannot change inside a transaction.
	if _, err := conn.ExecContext(ctx, `PRAGMA foreign_keys = OFF`); err != nil {
		return fmt.Errorf("disable foreign keys: %w", err)
	}
	defer func() {
		if _, err := conn.ExecContext(context.WithoutCancel(ctx), `PRAGMA foreign_keys = ON`); err != nil {
			// Never hand a connection without enforcement back to the pool.
			_ = conn.Raw(func(any) error { return driver.ErrBadConn })
		}
	}()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin restore transaction: %w", err)
	}
	defer tx.Rollback()

	before, err := foreignKeyViolations(ctx, tx)
	if err != nil {
		return err
	}

	for i := len(snapshots) - 1; i >= 0; i-- {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+quoteIdent(snapshots[i].Table)); err != nil {
			return fmt.Errorf("clear table %s: %w", snapshots[i].Table, err)
		}
	}

	for _, snap := range snapshots {
		if err := insertSnapshot(ctx, tx, snap); err != nil {
			return err
		}
	}

	after, err := foreignKeyViolations(ctx, tx)
	if err != nil {
		return err
	}
	for key := range after {
		if !before[key] {
			return fmt.Errorf("restore would leave a dangling reference (%s); live data left untouched", key)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit restore: %w", err)
	}
	return nil
}

func insertSnapshot(ctx context.Context, tx *sql.Tx, snap domain.TableSnapshot) error {
	if len(snap.Data.Rows) == 0 {
		return nil
	}

	quoted := make([]string, len(snap.Data.Columns))
	marks := make([]string, len(snap.Data.Columns))
	for i, col := range snap.Data.Columns {
		quoted[i] = quoteIdent(col)
		marks[i] = "?"
	}

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`,
		quoteIdent(snap.Table), strings.Join(quoted, ", "), strings.Join(marks, ", ")))
	if err != nil {
		return fmt.Errorf("prepare insert into %s: %w", snap.Table, err)
	}
	defer stmt.Close()

	for r, row := range snap.Data.Rows {
		args := make([]any, len(row))
		for i, v := range row {
			if args[i], err = v.Any(); err != nil {
				return fmt.Errorf("%s row %d: %w", snap.Table, r, err)
			}
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("insert into %s row %d: %w", snap.Table, r, err)
		}
	}
	return nil
}

// foreignKeyViolations lists every row whose reference has no parent, keyed
// as "table rowid -> parent #fk".
func foreignKeyViolations(ctx context.Context, tx *sql.Tx) (map[string]bool, error) {
	rows, err := tx.QueryContext(ctx, `PRAGMA foreign_key_check`)
	if err != nil {
		return nil, fmt.Errorf("foreign key check: %w", err)
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var (
			table, parent string
			rowid         sql.NullInt64
			fkid          int64
		)
		if err := rows.Scan(&table, &rowid, &parent, &fkid); err != nil {
			return nil, fmt.Errorf("scan foreign key check: %w", err)
		}
		out[fmt.Sprintf("%s %d -> %s #%d", table, rowid.Int64, parent, fkid)] = true
	}
	return out, rows.Err()
}
