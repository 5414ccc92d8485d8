package engine

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"docaudit-backend/internal/metadata"
	"docaudit-backend/internal/store"
)

// RulesetDocument is the YAML form of a ruleset:
//
//	name: invoice-basics
//	doc_type: invoice
//	rules:
//	  - code: total-positive
//	    expression: float(document.total) > 0
//	    severity: error
//	  - code: vendor-present
//	    kind: field
//	    field: vendor
//	    operator: required
type RulesetDocument struct {
	Name        string      `yaml:"name"`
	Description string      `yaml:"description"`
	DocType     string      `yaml:"doc_type"`
	Version     int         `yaml:"version"`
	Rules       []AuditRule `yaml:"rules"`
}

// ParseRulesetYAML decodes and validates a ruleset document. Unknown keys are
// rejected.
func ParseRulesetYAML(data []byte) (*RulesetDocument, error) {
	var doc RulesetDocument
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, InvalidPayloadError(fmt.Sprintf("Invalid ruleset YAML: %v", err))
	}

	var errs []ErrorDetail
	if doc.Name == "" {
		errs = append(errs, ErrorDetail{Field: "name", Rule: "required", Message: "ruleset name is required"})
	}
	if doc.DocType == "" {
		doc.DocType = "invoice"
	}
	if doc.Version <= 0 {
		doc.Version = 1
	}
	if len(doc.Rules) == 0 {
		errs = append(errs, ErrorDetail{Field: "rules", Rule: "required", Message: "a ruleset needs at least one rule"})
	}

	seen := map[string]bool{}
	for i := range doc.Rules {
		r := &doc.Rules[i]
		if r.Kind == "" {
			r.Kind = metadata.RuleKindExpression
		}
		if r.Severity == "" {
			r.Severity = "warning"
		}
		prefix := fmt.Sprintf("rules[%d].", i)
		if r.Code == "" {
			errs = append(errs, ErrorDetail{Field: prefix + "code", Rule: "required", Message: "rule code is required"})
		} else if seen[r.Code] {
			errs = append(errs, ErrorDetail{Field: prefix + "code", Rule: "unique", Message: fmt.Sprintf("duplicate rule code %s", r.Code)})
		}
		seen[r.Code] = true
		for _, e := range ValidateRuleDefinition(*r) {
			e.Field = prefix + e.Field
			errs = append(errs, e)
		}
	}
	if len(errs) > 0 {
		return nil, ValidationError(errs)
	}
	return &doc, nil
}

// ImportRuleset creates the ruleset or, when a live ruleset with the same
// name exists, replaces its rules. Returns the ruleset id.
func ImportRuleset(ctx context.Context, s *store.Store, doc *RulesetDocument, now time.Time) (string, bool, error) {
	var (
		id      string
		created bool
	)
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		id, created, err = importRulesetTx(ctx, tx, s.Dialect, doc, now.UTC())
		return err
	})
	return id, created, err
}

func importRulesetTx(ctx context.Context, tx *sql.Tx, d store.Dialect, doc *RulesetDocument, now time.Time) (string, bool, error) {
	reg := metadata.NewCatalogRegistry()
	rulesets := reg.GetEntity(metadata.EntityRulesets)
	rules := reg.GetEntity(metadata.EntityRules)

	row, err := store.QueryRow(ctx, tx, d.Rebind("SELECT id FROM rulesets WHERE name = $1 AND deleted_at IS NULL"), doc.Name)
	created := errors.Is(err, store.ErrNotFound)
	if err != nil && !created {
		return "", false, fmt.Errorf("lookup ruleset: %w", err)
	}

	values := map[string]any{
		"name":        doc.Name,
		"description": doc.Description,
		"doc_type":    doc.DocType,
		"version":     float64(doc.Version),
		"updated_at":  now,
	}

	var id string
	if created {
		id = uuid.NewString()
		values["id"] = id
		values["active"] = true
		values["created_at"] = now
		query, params, err := BuildInsertSQL(d, rulesets, values)
		if err != nil {
			return "", false, err
		}
		if _, err := store.Exec(ctx, tx, query, params...); err != nil {
			return "", false, fmt.Errorf("insert ruleset: %w", d.MapError(err))
		}
	} else {
		id = str(row["id"])
		query, params, err := BuildUpdateSQL(d, rulesets, id, values)
		if err != nil {
			return "", false, err
		}
		if _, err := store.Exec(ctx, tx, query, params...); err != nil {
			return "", false, fmt.Errorf("update ruleset: %w", err)
		}
		if _, err := store.Exec(ctx, tx, d.Rebind("DELETE FROM rules WHERE ruleset_id = $1"), id); err != nil {
			return "", false, fmt.Errorf("clear rules: %w", err)
		}
	}

	for _, r := range doc.Rules {
		query, params, err := BuildInsertSQL(d, rules, map[string]any{
			"id":         uuid.NewString(),
			"ruleset_id": id,
			"code":       r.Code,
			"kind":       r.Kind,
			"expression": nilIfEmpty(r.Expression),
			"field":      nilIfEmpty(r.Field),
			"operator":   nilIfEmpty(r.Operator),
			"value":      r.Value,
			"severity":   r.Severity,
			"message":    nilIfEmpty(r.Message),
			"active":     true,
			"created_at": now,
			"updated_at": now,
		})
		if err != nil {
			return "", false, err
		}
		if _, err := store.Exec(ctx, tx, query, params...); err != nil {
			return "", false, fmt.Errorf("insert rule %s: %w", r.Code, err)
		}
	}

	return id, created, nil
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
