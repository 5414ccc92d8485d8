package store

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Dialect abstracts database-specific SQL generation and behavior.
type Dialect interface {
	// Name returns "postgres" or "sqlite".
	Name() string

	// DriverName returns the database/sql driver name ("pgx" or "sqlite").
	DriverName() string

	// Placeholder returns the parameter placeholder for the given 1-based index.
	Placeholder(index int) string

	// NewParamBuilder creates a dialect-aware parameter builder.
	NewParamBuilder() ParamBuilder

	// Rebind rewrites $N placeholders into the dialect's form.
	Rebind(query string) string

	// NowExpr returns the SQL expression for the current timestamp.
	NowExpr() string

	// TimeParam encodes t so it compares correctly against stored timestamps.
	TimeParam(t time.Time) any

	// ColumnType maps a metadata field type to the database DDL type.
	ColumnType(fieldType string) string

	// SystemTablesSQL returns the DDL for the identity and session tables.
	SystemTablesSQL() []string

	// TableExists checks whether a table exists.
	TableExists(ctx context.Context, q Querier, tableName string) (bool, error)

	// GetColumns returns existing column names and types for a table.
	GetColumns(ctx context.Context, q Querier, tableName string) (map[string]string, error)

	// MapError inspects a driver error and returns a well-known sentinel error if applicable.
	MapError(err error) error

	// NeedsBoolFix returns true if boolean columns come back as integers (SQLite).
	NeedsBoolFix() bool
}

// ParamBuilder accumulates query parameters and generates dialect-specific placeholders.
type ParamBuilder interface {
	// Add appends a value and returns the placeholder string.
	Add(v any) string

	// Params returns all accumulated parameter values.
	Params() []any

	// Count returns the number of parameters added so far.
	Count() int
}

// NewDialect creates a Dialect for the given driver name ("postgres" or "sqlite").
func NewDialect(driver string) Dialect {
	switch driver {
	case "sqlite":
		return &SQLiteDialect{}
	default:
		return &PostgresDialect{}
	}
}

type paramBuilder struct {
	params []any
	prefix string
}

func (p *paramBuilder) Add(v any) string {
	p.params = append(p.params, v)
	return fmt.Sprintf("%s%d", p.prefix, len(p.params))
}

func (p *paramBuilder) Params() []any { return p.params }
func (p *paramBuilder) Count() int    { return len(p.params) }

// InExpr builds "field IN (...)" with one placeholder per value. An empty
// list never matches.
func InExpr(field string, pb ParamBuilder, values []any) string {
	if len(values) == 0 {
		return "1=0"
	}
	return fmt.Sprintf("%s IN (%s)", field, placeholders(pb, values))
}

// NotInExpr builds "field NOT IN (...)". An empty list always matches.
func NotInExpr(field string, pb ParamBuilder, values []any) string {
	if len(values) == 0 {
		return "1=1"
	}
	return fmt.Sprintf("%s NOT IN (%s)", field, placeholders(pb, values))
}

func placeholders(pb ParamBuilder, values []any) string {
	phs := make([]string, len(values))
	for i, v := range values {
		phs[i] = pb.Add(v)
	}
	return strings.Join(phs, ", ")
}

// SoftDeleteIndexSQL returns the partial index used to filter live rows.
func SoftDeleteIndexSQL(table string) string {
	return fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_deleted_at ON %s (deleted_at) WHERE deleted_at IS NULL", table, table)
}
