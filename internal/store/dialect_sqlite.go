package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SQLiteDialect implements Dialect for SQLite via modernc.org/sqlite.
type SQLiteDialect struct{}

func (d *SQLiteDialect) Name() string       { return "sqlite" }
func (d *SQLiteDialect) DriverName() string { return "sqlite" }

func (d *SQLiteDialect) Placeholder(index int) string {
	return fmt.Sprintf("?%d", index)
}

func (d *SQLiteDialect) NewParamBuilder() ParamBuilder {
	return &paramBuilder{prefix: "?"}
}

// Rebind turns $1 into ?1. Queries must not carry '$' inside literals.
func (d *SQLiteDialect) Rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query))
	for i := 0; i < len(query); i++ {
		if query[i] == '$' && i+1 < len(query) && query[i+1] >= '0' && query[i+1] <= '9' {
			b.WriteByte('?')
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (d *SQLiteDialect) NowExpr() string    { return "datetime('now')" }
func (d *SQLiteDialect) NeedsBoolFix() bool { return true }

// SQLiteTimeLayout matches datetime('now') so stored values sort as text.
const SQLiteTimeLayout = "2006-01-02 15:04:05"

func (d *SQLiteDialect) TimeParam(t time.Time) any {
	return t.UTC().Format(SQLiteTimeLayout)
}

func (d *SQLiteDialect) ColumnType(fieldType string) string {
	switch fieldType {
	case "int", "bigint", "boolean":
		return "INTEGER"
	case "decimal":
		return "REAL"
	default:
		return "TEXT"
	}
}

func (d *SQLiteDialect) SystemTablesSQL() []string {
	return sqliteSystemTablesSQL
}

func (d *SQLiteDialect) TableExists(ctx context.Context, q Querier, tableName string) (bool, error) {
	var name string
	err := q.QueryRowContext(ctx,
		"SELECT name FROM sqlite_master WHERE type='table' AND name=?1",
		tableName,
	).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (d *SQLiteDialect) GetColumns(ctx context.Context, q Querier, tableName string) (map[string]string, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols := make(map[string]string)
	for rows.Next() {
		var cid, notNull, pk int
		var name, colType string
		var dflt any
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
			return nil, err
		}
		cols[name] = colType
	}
	return cols, rows.Err()
}

func (d *SQLiteDialect) MapError(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("%w: %w", ErrUniqueViolation, err)
	}
	return err
}

var sqliteSystemTablesSQL = []string{
	`CREATE TABLE IF NOT EXISTS _users (
    id            TEXT PRIMARY KEY,
    username      TEXT NOT NULL UNIQUE,
    email         TEXT UNIQUE,
    password_hash TEXT NOT NULL,
    role          TEXT NOT NULL DEFAULT 'user',
    active        INTEGER NOT NULL DEFAULT 1,
    expires_at    TEXT,
    created_at    TEXT NOT NULL DEFAULT (datetime('now')),
    updated_at    TEXT NOT NULL DEFAULT (datetime('now'))
)`,
	`CREATE TABLE IF NOT EXISTS _refresh_tokens (
    id         TEXT PRIMARY KEY,
    user_id    TEXT NOT NULL REFERENCES _users(id) ON DELETE CASCADE,
    token      TEXT NOT NULL UNIQUE,
    expires_at TEXT NOT NULL,
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
)`,
	`CREATE INDEX IF NOT EXISTS idx_refresh_tokens_expires ON _refresh_tokens(expires_at)`,
	`CREATE TABLE IF NOT EXISTS _oauth_states (
    state      TEXT PRIMARY KEY,
    payload    TEXT NOT NULL DEFAULT '',
    expires_at TEXT NOT NULL
)`,
}
