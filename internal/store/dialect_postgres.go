package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// PostgresDialect implements Dialect for PostgreSQL via pgx/stdlib.
type PostgresDialect struct{}

func (d *PostgresDialect) Name() string       { return "postgres" }
func (d *PostgresDialect) DriverName() string { return "pgx" }

func (d *PostgresDialect) Placeholder(index int) string {
	return fmt.Sprintf("$%d", index)
}

func (d *PostgresDialect) NewParamBuilder() ParamBuilder {
	return &paramBuilder{prefix: "$"}
}

func (d *PostgresDialect) Rebind(query string) string { return query }
func (d *PostgresDialect) NowExpr() string            { return "NOW()" }
func (d *PostgresDialect) NeedsBoolFix() bool         { return false }

func (d *PostgresDialect) TimeParam(t time.Time) any { return t.UTC() }

func (d *PostgresDialect) ColumnType(fieldType string) string {
	switch fieldType {
	case "int":
		return "INTEGER"
	case "bigint":
		return "BIGINT"
	case "decimal":
		return "NUMERIC"
	case "boolean":
		return "BOOLEAN"
	case "uuid":
		return "UUID"
	case "timestamp":
		return "TIMESTAMPTZ"
	case "json":
		return "JSONB"
	default:
		return "TEXT"
	}
}

func (d *PostgresDialect) SystemTablesSQL() []string {
	return pgSystemTablesSQL
}

func (d *PostgresDialect) TableExists(ctx context.Context, q Querier, tableName string) (bool, error) {
	var exists bool
	err := q.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM information_schema.tables WHERE table_name = $1 AND table_schema = 'public')`,
		tableName,
	).Scan(&exists)
	return exists, err
}

func (d *PostgresDialect) GetColumns(ctx context.Context, q Querier, tableName string) (map[string]string, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT column_name, data_type FROM information_schema.columns WHERE table_name = $1 AND table_schema = 'public'`,
		tableName,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols := make(map[string]string)
	for rows.Next() {
		var name, dataType string
		if err := rows.Scan(&name, &dataType); err != nil {
			return nil, err
		}
		cols[name] = dataType
	}
	return cols, rows.Err()
}

func (d *PostgresDialect) MapError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %w", ErrUniqueViolation, err)
	}
	if strings.Contains(err.Error(), "duplicate key") {
		return fmt.Errorf("%w: %w", ErrUniqueViolation, err)
	}
	return err
}

var pgSystemTablesSQL = []string{
	`CREATE TABLE IF NOT EXISTS _users (
    id            UUID PRIMARY KEY,
    username      TEXT NOT NULL UNIQUE,
    email         TEXT UNIQUE,
    password_hash TEXT NOT NULL,
    role          TEXT NOT NULL DEFAULT 'user',
    active        BOOLEAN NOT NULL DEFAULT true,
    expires_at    TIMESTAMPTZ,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`,
	`CREATE TABLE IF NOT EXISTS _refresh_tokens (
    id         UUID PRIMARY KEY,
    user_id    UUID NOT NULL REFERENCES _users(id) ON DELETE CASCADE,
    token      TEXT NOT NULL UNIQUE,
    expires_at TIMESTAMPTZ NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`,
	`CREATE INDEX IF NOT EXISTS idx_refresh_tokens_expires ON _refresh_tokens(expires_at)`,
	`CREATE TABLE IF NOT EXISTS _oauth_states (
    state      TEXT PRIMARY KEY,
    payload    TEXT NOT NULL DEFAULT '',
    expires_at TIMESTAMPTZ NOT NULL
)`,
}
