package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"docaudit-backend/internal/metadata"
	"docaudit-backend/internal/store"
)

// WritePlan describes a validated create or update.
type WritePlan struct {
	IsCreate bool
	Entity   *metadata.Entity
	Fields   map[string]any
	ID       any // nil for create, set for update
}

// WriteHook runs inside the write transaction. For before hooks row is the
// current record (empty on create); for after hooks it is the written one.
// Returning an *AppError aborts the write with that error.
type WriteHook func(ctx context.Context, tx *sql.Tx, plan *WritePlan, row map[string]any, tc TransitionContext) error

// PlanWrite builds a WritePlan from the request body without executing any SQL.
func PlanWrite(entity *metadata.Entity, body map[string]any, existingID any) (*WritePlan, []ErrorDetail) {
	isCreate := existingID == nil

	if errs := ValidateFields(entity, body, isCreate); len(errs) > 0 {
		sort.Slice(errs, func(i, j int) bool { return errs[i].Field < errs[j].Field })
		return nil, errs
	}

	fields := make(map[string]any, len(body))
	for k, v := range body {
		fields[k] = v
	}
	if isCreate {
		for _, f := range entity.WritableFields() {
			if _, ok := fields[f.Name]; !ok && f.Default != nil {
				fields[f.Name] = f.Default
			}
		}
	}

	return &WritePlan{IsCreate: isCreate, Entity: entity, Fields: fields, ID: existingID}, nil
}

// Writer executes write plans: state machines, domain hooks, then SQL, all in
// one transaction.
type Writer struct {
	store       *store.Store
	registry    *metadata.Registry
	eval        ExpressionEvaluator
	beforeWrite map[string]WriteHook
	afterCreate map[string]WriteHook
}

func NewWriter(s *store.Store, reg *metadata.Registry, eval ExpressionEvaluator) *Writer {
	w := &Writer{store: s, registry: reg, eval: eval}
	w.beforeWrite = map[string]WriteHook{
		metadata.EntityRules:    w.checkRuleDefinition,
		metadata.EntityFeedback: w.checkFeedbackFinding,
	}
	w.afterCreate = map[string]WriteHook{
		metadata.EntityFeedback: w.recordTrainingExample,
	}
	return w
}

// Execute runs plan in its own transaction and returns the written record.
func (w *Writer) Execute(ctx context.Context, plan *WritePlan, tc TransitionContext) (map[string]any, error) {
	var record map[string]any
	err := w.store.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		record, err = w.ExecuteTx(ctx, tx, plan, tc)
		return err
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// ExecuteTx runs plan inside an existing transaction.
func (w *Writer) ExecuteTx(ctx context.Context, tx *sql.Tx, plan *WritePlan, tc TransitionContext) (map[string]any, error) {
	d := w.store.Dialect
	entity := plan.Entity

	old := map[string]any{}
	if !plan.IsCreate {
		row, err := fetchRecord(ctx, tx, d, entity, plan.ID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, NotFoundError(entity.Name, fmt.Sprint(plan.ID))
		}
		if err != nil {
			return nil, fmt.Errorf("fetch %s: %w", entity.Name, err)
		}
		old = row
	}

	if errs := EvaluateStateMachines(w.eval, w.registry, entity.Name, plan.Fields, old, plan.IsCreate, tc); len(errs) > 0 {
		return nil, ValidationError(errs)
	}

	if hook := w.beforeWrite[entity.Name]; hook != nil {
		if err := hook(ctx, tx, plan, old, tc); err != nil {
			return nil, err
		}
	}

	now := tc.Now.UTC()
	if plan.IsCreate {
		plan.ID = uuid.NewString()
		plan.Fields[entity.PrimaryKey.Field] = plan.ID
		if entity.OwnerField != "" && tc.Actor != nil {
			plan.Fields[entity.OwnerField] = tc.Actor.ID
		}
		for _, f := range entity.Fields {
			if f.IsAuto() {
				plan.Fields[f.Name] = now
			}
		}

		query, params, err := BuildInsertSQL(d, entity, plan.Fields)
		if err != nil {
			return nil, err
		}
		if _, err := store.Exec(ctx, tx, query, params...); err != nil {
			return nil, fmt.Errorf("insert %s: %w", entity.Table, d.MapError(err))
		}
	} else {
		for _, f := range entity.Fields {
			if f.Auto == "update" {
				plan.Fields[f.Name] = now
			}
		}

		query, params, err := BuildUpdateSQL(d, entity, plan.ID, plan.Fields)
		if err != nil {
			return nil, err
		}
		affected, err := store.Exec(ctx, tx, query, params...)
		if err != nil {
			return nil, fmt.Errorf("update %s: %w", entity.Table, d.MapError(err))
		}
		if affected == 0 {
			return nil, NotFoundError(entity.Name, fmt.Sprint(plan.ID))
		}
	}

	record, err := fetchRecord(ctx, tx, d, entity, plan.ID)
	if err != nil {
		return nil, fmt.Errorf("fetch written %s: %w", entity.Name, err)
	}

	if plan.IsCreate {
		if hook := w.afterCreate[entity.Name]; hook != nil {
			if err := hook(ctx, tx, plan, record, tc); err != nil {
				return nil, err
			}
		}
	}

	return record, nil
}

// BuildInsertSQL builds an INSERT for the given column values. Columns are
// emitted in name order.
func BuildInsertSQL(d store.Dialect, entity *metadata.Entity, fields map[string]any) (string, []any, error) {
	pb := d.NewParamBuilder()
	var cols, phs []string
	for _, name := range sortedKeys(fields) {
		v, err := columnValue(d, entity, name, fields[name])
		if err != nil {
			return "", nil, err
		}
		cols = append(cols, name)
		phs = append(phs, pb.Add(v))
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", entity.Table, strings.Join(cols, ", "), strings.Join(phs, ", "))
	return query, pb.Params(), nil
}

// BuildUpdateSQL builds an UPDATE of the given columns for a live record.
func BuildUpdateSQL(d store.Dialect, entity *metadata.Entity, id any, fields map[string]any) (string, []any, error) {
	pb := d.NewParamBuilder()
	var sets []string
	for _, name := range sortedKeys(fields) {
		if name == entity.PrimaryKey.Field {
			continue
		}
		v, err := columnValue(d, entity, name, fields[name])
		if err != nil {
			return "", nil, err
		}
		sets = append(sets, fmt.Sprintf("%s = %s", name, pb.Add(v)))
	}
	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s = %s",
		entity.Table, strings.Join(sets, ", "), entity.PrimaryKey.Field, pb.Add(id))
	if entity.SoftDelete {
		query += " AND deleted_at IS NULL"
	}
	return query, pb.Params(), nil
}

func columnValue(d store.Dialect, entity *metadata.Entity, name string, val any) (any, error) {
	f := entity.GetField(name)
	if f == nil {
		return nil, fmt.Errorf("%s has no column %s", entity.Name, name)
	}
	v, err := encodeFieldValue(f, val)
	if err != nil {
		return nil, err
	}
	if t, ok := v.(time.Time); ok {
		return d.TimeParam(t), nil
	}
	return v, nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func fetchRecord(ctx context.Context, q store.Querier, d store.Dialect, entity *metadata.Entity, id any) (map[string]any, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = %s",
		strings.Join(entity.Columns(), ", "), entity.Table, entity.PrimaryKey.Field, d.Placeholder(1))
	if entity.SoftDelete {
		query += " AND deleted_at IS NULL"
	}

	row, err := store.QueryRow(ctx, q, query, id)
	if err != nil {
		return nil, err
	}
	normalizeRecords(entity, []map[string]any{row})
	return row, nil
}

// normalizeRecords turns SQLite integer booleans into bools and decodes
// JSON columns.
func normalizeRecords(entity *metadata.Entity, rows []map[string]any) {
	store.NormalizeBooleans(rows, entity.BoolFields())
	for _, f := range entity.Fields {
		if f.Type != "json" {
			continue
		}
		for _, row := range rows {
			row[f.Name] = decodeJSON(row[f.Name])
		}
	}
}

func decodeJSON(v any) any {
	var raw []byte
	switch val := v.(type) {
	case string:
		raw = []byte(val)
	case []byte:
		raw = val
	default:
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return string(raw)
	}
	return out
}
