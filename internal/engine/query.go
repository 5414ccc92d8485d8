package engine

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"

	"docaudit-backend/internal/metadata"
	"docaudit-backend/internal/store"
)

const (
	defaultPerPage = 25
	maxPerPage     = 100
)

type QueryPlan struct {
	Entity  *metadata.Entity
	Filters []WhereClause
	Sorts   []OrderClause
	Page    int
	PerPage int
}

type WhereClause struct {
	Field    string
	Operator string
	Value    any
}

type OrderClause struct {
	Field string
	Dir   string // ASC or DESC
}

type QueryResult struct {
	SQL    string
	Params []any
}

var filterOperators = map[string]bool{
	"eq": true, "neq": true, "gt": true, "gte": true, "lt": true, "lte": true,
	"in": true, "not_in": true, "like": true, "null": true,
}

// ParseQueryParams parses Fiber query parameters into a QueryPlan.
func ParseQueryParams(c *fiber.Ctx, entity *metadata.Entity) (*QueryPlan, error) {
	plan := &QueryPlan{
		Entity:  entity,
		Page:    1,
		PerPage: defaultPerPage,
	}

	// filter[field]=val or filter[field.op]=val
	for key, val := range c.Queries() {
		if !strings.HasPrefix(key, "filter[") || !strings.HasSuffix(key, "]") {
			continue
		}
		field, op := parseFilterKey(key[len("filter[") : len(key)-1])

		if !entity.HasField(field) {
			return nil, NewAppError("UNKNOWN_FIELD", fiber.StatusBadRequest, fmt.Sprintf("Unknown filter field: %s", field))
		}
		if !filterOperators[op] {
			return nil, NewAppError("INVALID_PAYLOAD", fiber.StatusBadRequest, fmt.Sprintf("Unknown filter operator: %s", op))
		}

		coerced, err := coerceValue(entity.GetField(field), val, op)
		if err != nil {
			return nil, InvalidPayloadError(fmt.Sprintf("Invalid filter value for %s: %v", field, err))
		}

		plan.Filters = append(plan.Filters, WhereClause{Field: field, Operator: op, Value: coerced})
	}

	// sort=-created_at,name
	if sortParam := c.Query("sort"); sortParam != "" {
		for _, part := range strings.Split(sortParam, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			dir := "ASC"
			field := part
			if strings.HasPrefix(part, "-") {
				dir = "DESC"
				field = part[1:]
			}
			if !entity.HasField(field) {
				return nil, NewAppError("UNKNOWN_FIELD", fiber.StatusBadRequest, fmt.Sprintf("Unknown sort field: %s", field))
			}
			plan.Sorts = append(plan.Sorts, OrderClause{Field: field, Dir: dir})
		}
	}

	if v, err := strconv.Atoi(c.Query("page")); err == nil && v > 0 {
		plan.Page = v
	}
	if v, err := strconv.Atoi(c.Query("per_page")); err == nil && v > 0 {
		plan.PerPage = min(v, maxPerPage)
	}

	return plan, nil
}

// BuildSelectSQL builds a parameterized SELECT statement from the query plan.
func BuildSelectSQL(plan *QueryPlan, d store.Dialect) QueryResult {
	pb := d.NewParamBuilder()
	entity := plan.Entity

	sql := fmt.Sprintf("SELECT %s FROM %s", strings.Join(entity.Columns(), ", "), entity.Table)
	sql += buildWhere(plan, pb)

	if len(plan.Sorts) > 0 {
		var orderParts []string
		for _, s := range plan.Sorts {
			orderParts = append(orderParts, s.Field+" "+s.Dir)
		}
		sql += " ORDER BY " + strings.Join(orderParts, ", ")
	} else if entity.HasField("created_at") {
		sql += " ORDER BY created_at DESC"
	}

	limit := pb.Add(plan.PerPage)
	offset := pb.Add((plan.Page - 1) * plan.PerPage)
	sql += fmt.Sprintf(" LIMIT %s OFFSET %s", limit, offset)

	return QueryResult{SQL: sql, Params: pb.Params()}
}

// BuildCountSQL builds a COUNT query with the same filters as the select.
func BuildCountSQL(plan *QueryPlan, d store.Dialect) QueryResult {
	pb := d.NewParamBuilder()
	sql := fmt.Sprintf("SELECT COUNT(*) AS count FROM %s", plan.Entity.Table)
	sql += buildWhere(plan, pb)
	return QueryResult{SQL: sql, Params: pb.Params()}
}

func buildWhere(plan *QueryPlan, pb store.ParamBuilder) string {
	var where []string
	if plan.Entity.SoftDelete {
		where = append(where, "deleted_at IS NULL")
	}
	for _, f := range plan.Filters {
		where = append(where, buildWhereClause(f, pb))
	}
	if len(where) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(where, " AND ")
}

func buildWhereClause(f WhereClause, pb store.ParamBuilder) string {
	switch f.Operator {
	case "neq":
		return fmt.Sprintf("%s != %s", f.Field, pb.Add(f.Value))
	case "gt":
		return fmt.Sprintf("%s > %s", f.Field, pb.Add(f.Value))
	case "gte":
		return fmt.Sprintf("%s >= %s", f.Field, pb.Add(f.Value))
	case "lt":
		return fmt.Sprintf("%s < %s", f.Field, pb.Add(f.Value))
	case "lte":
		return fmt.Sprintf("%s <= %s", f.Field, pb.Add(f.Value))
	case "in":
		values, _ := f.Value.([]any)
		return store.InExpr(f.Field, pb, values)
	case "not_in":
		values, _ := f.Value.([]any)
		return store.NotInExpr(f.Field, pb, values)
	case "like":
		return fmt.Sprintf("%s LIKE %s", f.Field, pb.Add(f.Value))
	case "null":
		if isNull, _ := f.Value.(bool); isNull {
			return f.Field + " IS NULL"
		}
		return f.Field + " IS NOT NULL"
	default:
		return fmt.Sprintf("%s = %s", f.Field, pb.Add(f.Value))
	}
}

// parseFilterKey splits "size.gte" into ("size", "gte") or "status" into ("status", "eq").
func parseFilterKey(key string) (string, string) {
	if field, op, ok := strings.Cut(key, "."); ok {
		return field, op
	}
	return key, "eq"
}

// coerceValue converts string query param values to appropriate Go types based on field metadata.
func coerceValue(field *metadata.Field, val string, op string) (any, error) {
	switch op {
	case "in", "not_in":
		parts := strings.Split(val, ",")
		coerced := make([]any, len(parts))
		for i, p := range parts {
			v, err := coerceSingleValue(field, strings.TrimSpace(p))
			if err != nil {
				return nil, err
			}
			coerced[i] = v
		}
		return coerced, nil
	case "null":
		return strconv.ParseBool(val)
	}
	return coerceSingleValue(field, val)
}

func coerceSingleValue(field *metadata.Field, val string) (any, error) {
	switch field.Type {
	case "int":
		return strconv.Atoi(val)
	case "bigint":
		return strconv.ParseInt(val, 10, 64)
	case "decimal":
		return strconv.ParseFloat(val, 64)
	case "boolean":
		return strconv.ParseBool(val)
	default:
		return val, nil
	}
}
