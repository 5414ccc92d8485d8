package engine

import (
	"context"
	"fmt"

	"github.com/gofiber/fiber/v2"

	"docaudit-backend/internal/metadata"
	"docaudit-backend/internal/store"
)

// HandleCascadeDelete processes on_delete policies for all relations
// where the deleted entity is the source.
func HandleCascadeDelete(ctx context.Context, q store.Querier, d store.Dialect, reg *metadata.Registry, entity *metadata.Entity, recordID any) error {
	for _, rel := range reg.GetRelationsForSource(entity.Name) {
		if err := executeCascade(ctx, q, d, reg, rel, recordID); err != nil {
			return fmt.Errorf("cascade delete for relation %s: %w", rel.Name, err)
		}
	}
	return nil
}

func executeCascade(ctx context.Context, q store.Querier, d store.Dialect, reg *metadata.Registry, rel *metadata.Relation, parentID any) error {
	target := reg.GetEntity(rel.Target)
	if target == nil {
		return nil
	}

	switch rel.OnDelete {
	case "cascade":
		var query string
		if target.SoftDelete {
			query = fmt.Sprintf("UPDATE %s SET deleted_at = %s WHERE %s = %s AND deleted_at IS NULL",
				target.Table, d.NowExpr(), rel.TargetKey, d.Placeholder(1))
		} else {
			query = fmt.Sprintf("DELETE FROM %s WHERE %s = %s", target.Table, rel.TargetKey, d.Placeholder(1))
		}
		if _, err := store.Exec(ctx, q, query, parentID); err != nil {
			return err
		}

	case "restrict":
		countSQL := fmt.Sprintf("SELECT COUNT(*) AS count FROM %s WHERE %s = %s", target.Table, rel.TargetKey, d.Placeholder(1))
		if target.SoftDelete {
			countSQL += " AND deleted_at IS NULL"
		}
		row, err := store.QueryRow(ctx, q, countSQL, parentID)
		if err != nil {
			return err
		}
		if count, ok := toFloat64(row["count"]); ok && count > 0 {
			return &AppError{
				Code:    "CONFLICT",
				Status:  fiber.StatusConflict,
				Message: fmt.Sprintf("Cannot delete: %d related %s records exist", int64(count), rel.Target),
			}
		}
	}

	return nil
}

// BuildSoftDeleteSQL marks a live record as deleted.
func BuildSoftDeleteSQL(d store.Dialect, entity *metadata.Entity, id any) (string, []any) {
	return fmt.Sprintf("UPDATE %s SET deleted_at = %s WHERE %s = %s AND deleted_at IS NULL",
		entity.Table, d.NowExpr(), entity.PrimaryKey.Field, d.Placeholder(1)), []any{id}
}

// BuildHardDeleteSQL removes a record.
func BuildHardDeleteSQL(d store.Dialect, entity *metadata.Entity, id any) (string, []any) {
	return fmt.Sprintf("DELETE FROM %s WHERE %s = %s",
		entity.Table, entity.PrimaryKey.Field, d.Placeholder(1)), []any{id}
}
