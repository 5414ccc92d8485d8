package engine

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"docaudit-backend/internal/metadata"
)

// ValidateFields checks types, enums and required fields of a write payload.
// Unknown keys and keys the client may not set are reported as well.
func ValidateFields(entity *metadata.Entity, fields map[string]any, isCreate bool) []ErrorDetail {
	allowed := entity.UpdatableFields()
	if isCreate {
		allowed = entity.WritableFields()
	}
	settable := make(map[string]*metadata.Field, len(allowed))
	for i := range allowed {
		settable[allowed[i].Name] = &allowed[i]
	}

	var errs []ErrorDetail
	for key, val := range fields {
		f, ok := settable[key]
		if !ok {
			rule, msg := "unknown", fmt.Sprintf("Unknown field: %s", key)
			if entity.HasField(key) {
				rule, msg = "read_only", fmt.Sprintf("Field %s cannot be set", key)
			}
			errs = append(errs, ErrorDetail{Field: key, Rule: rule, Message: msg})
			continue
		}
		if detail := validateValue(f, val); detail != nil {
			errs = append(errs, *detail)
		}
	}

	if isCreate {
		for _, f := range allowed {
			if !f.Required || f.Default != nil {
				continue
			}
			if v, ok := fields[f.Name]; !ok || v == nil || v == "" {
				errs = append(errs, ErrorDetail{Field: f.Name, Rule: "required", Message: fmt.Sprintf("%s is required", f.Name)})
			}
		}
	}

	return errs
}

func validateValue(f *metadata.Field, val any) *ErrorDetail {
	if val == nil {
		if f.Required && !f.Nullable {
			return &ErrorDetail{Field: f.Name, Rule: "required", Message: fmt.Sprintf("%s cannot be null", f.Name)}
		}
		return nil
	}

	typeErr := &ErrorDetail{Field: f.Name, Rule: "type", Message: fmt.Sprintf("%s must be of type %s", f.Name, f.Type)}

	switch f.Type {
	case "string", "text":
		s, ok := val.(string)
		if !ok {
			return typeErr
		}
		if !f.AllowsValue(s) {
			return &ErrorDetail{Field: f.Name, Rule: "enum", Message: fmt.Sprintf("%s must be one of %v", f.Name, f.Enum)}
		}
	case "uuid":
		s, ok := val.(string)
		if !ok {
			return typeErr
		}
		if _, err := uuid.Parse(s); err != nil {
			return &ErrorDetail{Field: f.Name, Rule: "format", Message: fmt.Sprintf("%s must be a UUID", f.Name)}
		}
	case "int", "bigint":
		n, ok := val.(float64)
		if !ok || n != float64(int64(n)) {
			return typeErr
		}
	case "decimal":
		if _, ok := val.(float64); !ok {
			return typeErr
		}
	case "boolean":
		if _, ok := val.(bool); !ok {
			return typeErr
		}
	case "timestamp":
		s, ok := val.(string)
		if !ok {
			return typeErr
		}
		if _, err := time.Parse(time.RFC3339, s); err != nil {
			return &ErrorDetail{Field: f.Name, Rule: "format", Message: fmt.Sprintf("%s must be an RFC 3339 timestamp", f.Name)}
		}
	}
	return nil
}

// encodeFieldValue converts a decoded JSON value into a driver parameter.
func encodeFieldValue(f *metadata.Field, val any) (any, error) {
	if val == nil || f == nil {
		return val, nil
	}
	switch f.Type {
	case "json":
		b, err := json.Marshal(val)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", f.Name, err)
		}
		return string(b), nil
	case "int", "bigint":
		if n, ok := val.(float64); ok {
			return int64(n), nil
		}
	case "timestamp":
		if s, ok := val.(string); ok {
			t, err := time.Parse(time.RFC3339, s)
			if err != nil {
				return nil, fmt.Errorf("parse %s: %w", f.Name, err)
			}
			return t, nil
		}
	}
	return val, nil
}
