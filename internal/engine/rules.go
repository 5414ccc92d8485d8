package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"docaudit-backend/internal/metadata"
)

// AuditRule is one check of a ruleset, evaluated against a document.
type AuditRule struct {
	ID         string `json:"id,omitempty"`
	Code       string `json:"code"`
	Kind       string `json:"kind"`
	Expression string `json:"expression,omitempty"`
	Field      string `json:"field,omitempty"`
	Operator   string `json:"operator,omitempty"`
	Value      any    `json:"value,omitempty"`
	Severity   string `json:"severity"`
	Message    string `json:"message,omitempty"`
}

// Finding is a failed audit rule.
type Finding struct {
	RuleID   string `json:"rule_id"`
	RuleCode string `json:"rule_code"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

var fieldOperators = map[string]bool{
	"required": true, "min": true, "max": true, "min_length": true, "max_length": true, "pattern": true,
}

var severities = map[string]bool{"info": true, "warning": true, "error": true}

// AuditRuleFromRow reads a rules row.
func AuditRuleFromRow(row map[string]any) AuditRule {
	r := AuditRule{
		ID:         str(row["id"]),
		Code:       str(row["code"]),
		Kind:       str(row["kind"]),
		Expression: str(row["expression"]),
		Field:      str(row["field"]),
		Operator:   str(row["operator"]),
		Value:      row["value"],
		Severity:   str(row["severity"]),
		Message:    str(row["message"]),
	}
	if r.Kind == "" {
		r.Kind = metadata.RuleKindExpression
	}
	if r.Severity == "" {
		r.Severity = "warning"
	}
	return r
}

func str(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// ValidateRuleDefinition checks that a rule can be evaluated: expressions
// must compile, field rules need a field, a known operator and a usable value.
func ValidateRuleDefinition(r AuditRule) []ErrorDetail {
	var errs []ErrorDetail
	if r.Severity != "" && !severities[r.Severity] {
		errs = append(errs, ErrorDetail{Field: "severity", Rule: "enum", Message: "severity must be info, warning or error"})
	}

	switch r.Kind {
	case metadata.RuleKindExpression:
		if strings.TrimSpace(r.Expression) == "" {
			return append(errs, ErrorDetail{Field: "expression", Rule: "required", Message: "expression rules need an expression"})
		}
		if _, err := CompileExpression(r.Expression); err != nil {
			errs = append(errs, ErrorDetail{Field: "expression", Rule: "expression", Message: err.Error()})
		}

	case metadata.RuleKindField:
		if r.Field == "" {
			errs = append(errs, ErrorDetail{Field: "field", Rule: "required", Message: "field rules need a field"})
		}
		if !fieldOperators[r.Operator] {
			return append(errs, ErrorDetail{Field: "operator", Rule: "enum", Message: fmt.Sprintf("unknown operator %q", r.Operator)})
		}
		switch r.Operator {
		case "min", "max", "min_length", "max_length":
			if _, ok := toFloat64(r.Value); !ok {
				errs = append(errs, ErrorDetail{Field: "value", Rule: "type", Message: r.Operator + " needs a numeric value"})
			}
		case "pattern":
			pattern, ok := r.Value.(string)
			if !ok {
				errs = append(errs, ErrorDetail{Field: "value", Rule: "type", Message: "pattern needs a string value"})
			} else if _, err := regexp.Compile(pattern); err != nil {
				errs = append(errs, ErrorDetail{Field: "value", Rule: "pattern", Message: err.Error()})
			}
		}

	default:
		errs = append(errs, ErrorDetail{Field: "kind", Rule: "enum", Message: fmt.Sprintf("unknown rule kind %q", r.Kind)})
	}
	return errs
}

func (w *Writer) checkRuleDefinition(_ context.Context, _ *sql.Tx, plan *WritePlan, old map[string]any, _ TransitionContext) error {
	merged := make(map[string]any, len(old)+len(plan.Fields))
	for k, v := range old {
		merged[k] = v
	}
	for k, v := range plan.Fields {
		merged[k] = v
	}
	if errs := ValidateRuleDefinition(AuditRuleFromRow(merged)); len(errs) > 0 {
		return ValidationError(errs)
	}
	return nil
}

// AuditEnv builds the expression environment for a document: its extracted
// fields, file metadata and owning project.
func AuditEnv(document, project map[string]any) map[string]any {
	fields, _ := document["fields"].(map[string]any)
	if fields == nil {
		fields = map[string]any{}
	}
	meta := make(map[string]any, len(document))
	for k, v := range document {
		if k != "fields" {
			meta[k] = v
		}
	}
	if project == nil {
		project = map[string]any{}
	}
	return map[string]any{
		"document": fields,
		"meta":     meta,
		"project":  project,
	}
}

// EvaluateAuditRules runs every rule against env and returns one finding per
// failed rule. An expression is a pass condition: false or an evaluation
// error produces a finding.
func EvaluateAuditRules(ev ExpressionEvaluator, rules []AuditRule, env map[string]any) []Finding {
	fields, _ := env["document"].(map[string]any)

	var findings []Finding
	for _, r := range rules {
		var (
			passed bool
			msg    = r.Message
		)
		switch r.Kind {
		case metadata.RuleKindField:
			passed = EvaluateFieldRule(r, fields)
			if msg == "" {
				msg = fmt.Sprintf("field %s failed %s check", r.Field, r.Operator)
			}
		default:
			ok, err := ev.EvaluateBool(r.Expression, env)
			passed = err == nil && ok
			if err != nil {
				msg = fmt.Sprintf("rule evaluation error: %v", err)
			} else if msg == "" {
				msg = fmt.Sprintf("rule %s failed", r.Code)
			}
		}
		if !passed {
			findings = append(findings, Finding{RuleID: r.ID, RuleCode: r.Code, Severity: r.Severity, Message: msg})
		}
	}
	return findings
}

// EvaluateFieldRule reports whether the document fields satisfy a field rule.
// Absent values only fail the required operator.
func EvaluateFieldRule(rule AuditRule, fields map[string]any) bool {
	val, exists := fields[rule.Field]
	if rule.Operator == "required" {
		return exists && val != nil && val != ""
	}
	if !exists || val == nil {
		return true
	}

	switch rule.Operator {
	case "min", "max":
		num, ok := toFloat64(val)
		if !ok {
			return false
		}
		threshold, ok := toFloat64(rule.Value)
		if !ok {
			return true
		}
		if rule.Operator == "min" {
			return num >= threshold
		}
		return num <= threshold

	case "min_length", "max_length":
		s, ok := val.(string)
		if !ok {
			return false
		}
		threshold, ok := toFloat64(rule.Value)
		if !ok {
			return true
		}
		if rule.Operator == "min_length" {
			return len(s) >= int(threshold)
		}
		return len(s) <= int(threshold)

	case "pattern":
		s, ok := val.(string)
		if !ok {
			return false
		}
		pattern, ok := rule.Value.(string)
		if !ok {
			return true
		}
		matched, err := regexp.MatchString(pattern, s)
		return err == nil && matched
	}

	return true
}

// toFloat64 converts numeric types, and numeric strings as extracted from
// documents, to float64.
func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}
