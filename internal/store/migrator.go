package store

import (
	"context"
	"fmt"
	"strings"

	"docaudit-backend/internal/metadata"
)

type Migrator struct {
	store *Store
}

func NewMigrator(store *Store) *Migrator {
	return &Migrator{store: store}
}

// MigrateAll migrates every entity in order.
func (m *Migrator) MigrateAll(ctx context.Context, entities []*metadata.Entity) error {
	for _, e := range entities {
		if err := m.Migrate(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

// Migrate ensures the table matches the entity metadata.
// Creates the table if it doesn't exist, or adds missing columns.
func (m *Migrator) Migrate(ctx context.Context, entity *metadata.Entity) error {
	exists, err := m.store.Dialect.TableExists(ctx, m.store.DB, entity.Table)
	if err != nil {
		return fmt.Errorf("check table exists: %w", err)
	}

	if !exists {
		return m.createTable(ctx, entity)
	}

	return m.alterTable(ctx, entity)
}

func (m *Migrator) createTable(ctx context.Context, entity *metadata.Entity) error {
	var cols []string
	for _, f := range entity.Fields {
		cols = append(cols, m.buildColumnDef(entity, &f))
	}

	if entity.SoftDelete && entity.GetField("deleted_at") == nil {
		cols = append(cols, "deleted_at "+m.store.Dialect.ColumnType("timestamp"))
	}

	sql := fmt.Sprintf("CREATE TABLE %s (\n  %s\n)", entity.Table, strings.Join(cols, ",\n  "))

	if _, err := m.store.DB.ExecContext(ctx, sql); err != nil {
		return fmt.Errorf("create table %s: %w", entity.Table, err)
	}

	if err := m.createIndexes(ctx, entity); err != nil {
		return fmt.Errorf("create indexes for %s: %w", entity.Table, err)
	}

	return nil
}

func (m *Migrator) alterTable(ctx context.Context, entity *metadata.Entity) error {
	existing, err := m.store.Dialect.GetColumns(ctx, m.store.DB, entity.Table)
	if err != nil {
		return fmt.Errorf("get columns for %s: %w", entity.Table, err)
	}

	for _, f := range entity.Fields {
		if _, ok := existing[f.Name]; ok {
			continue
		}
		// new columns stay nullable so existing rows remain valid
		sql := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", entity.Table, f.Name, m.store.Dialect.ColumnType(f.Type))
		if _, err := m.store.DB.ExecContext(ctx, sql); err != nil {
			return fmt.Errorf("add column %s.%s: %w", entity.Table, f.Name, err)
		}
	}

	if entity.SoftDelete {
		if _, ok := existing["deleted_at"]; !ok {
			sql := fmt.Sprintf("ALTER TABLE %s ADD COLUMN deleted_at %s", entity.Table, m.store.Dialect.ColumnType("timestamp"))
			if _, err := m.store.DB.ExecContext(ctx, sql); err != nil {
				return fmt.Errorf("add deleted_at column to %s: %w", entity.Table, err)
			}
		}
	}

	if err := m.createIndexes(ctx, entity); err != nil {
		return fmt.Errorf("create indexes for %s: %w", entity.Table, err)
	}

	return nil
}

func (m *Migrator) buildColumnDef(entity *metadata.Entity, f *metadata.Field) string {
	d := m.store.Dialect
	col := f.Name + " " + d.ColumnType(f.Type)

	if f.Name == entity.PrimaryKey.Field {
		return col + " PRIMARY KEY"
	}

	if f.Required && !f.Nullable {
		col += " NOT NULL"
	}

	switch {
	case f.Auto != "":
		col += fmt.Sprintf(" DEFAULT (%s)", d.NowExpr())
	case f.Default != nil:
		col += " DEFAULT " + defaultLiteral(d, f.Default)
	}

	return col
}

func defaultLiteral(d Dialect, v any) string {
	switch val := v.(type) {
	case string:
		return "'" + strings.ReplaceAll(val, "'", "''") + "'"
	case bool:
		if d.NeedsBoolFix() {
			if val {
				return "1"
			}
			return "0"
		}
		return fmt.Sprintf("%t", val)
	case float64, int, int64:
		return fmt.Sprintf("%v", val)
	default:
		return fmt.Sprintf("'%v'", val)
	}
}

func (m *Migrator) createIndexes(ctx context.Context, entity *metadata.Entity) error {
	for _, f := range entity.Fields {
		if !f.Unique {
			continue
		}
		where := ""
		if entity.SoftDelete {
			// a soft-deleted row must not block reuse of the value
			where = " WHERE deleted_at IS NULL"
		}
		sql := fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS idx_%s_%s ON %s (%s)%s",
			entity.Table, f.Name, entity.Table, f.Name, where)
		if _, err := m.store.DB.ExecContext(ctx, sql); err != nil {
			return fmt.Errorf("create unique index on %s.%s: %w", entity.Table, f.Name, err)
		}
	}

	if entity.SoftDelete {
		if _, err := m.store.DB.ExecContext(ctx, SoftDeleteIndexSQL(entity.Table)); err != nil {
			return fmt.Errorf("create soft delete index on %s: %w", entity.Table, err)
		}
	}

	return nil
}
