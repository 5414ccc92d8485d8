package engine

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"docaudit-backend/internal/store"
)

const invoiceRuleset = `
name: invoice-basics
description: Sanity checks for supplier invoices
rules:
  - code: total-positive
    expression: float(document.total) > 0
    severity: error
    message: Invoice total must be positive
  - code: vendor-present
    kind: field
    field: vendor
    operator: required
  - code: total-cap
    kind: field
    field: total
    operator: max
    value: 10000
`

func TestParseRulesetYAML(t *testing.T) {
	doc, err := ParseRulesetYAML([]byte(invoiceRuleset))
	if err != nil {
		t.Fatalf("ParseRulesetYAML: %v", err)
	}
	if doc.Name != "invoice-basics" || doc.DocType != "invoice" || doc.Version != 1 {
		t.Errorf("defaults not applied: %+v", doc)
	}
	if len(doc.Rules) != 3 {
		t.Fatalf("rules = %d, want 3", len(doc.Rules))
	}
	if r := doc.Rules[1]; r.Kind != "field" || r.Severity != "warning" {
		t.Errorf("second rule = %+v", r)
	}
	if r := doc.Rules[0]; r.Kind != "expression" || r.Severity != "error" {
		t.Errorf("first rule = %+v", r)
	}
	if v, ok := doc.Rules[2].Value.(int); !ok || v != 10000 {
		t.Errorf("value = %#v", doc.Rules[2].Value)
	}
}

func TestParseRulesetYAML_Errors(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		code   string
		fields []string
	}{
		{
			name:  "malformed",
			input: "name: [unclosed",
			code:  "INVALID_PAYLOAD",
		},
		{
			name:  "unknown key",
			input: "name: x\nowner: bob\nrules:\n  - code: a\n    expression: 'true'\n",
			code:  "INVALID_PAYLOAD",
		},
		{
			name:   "missing name and rules",
			input:  "description: nothing here\n",
			code:   "VALIDATION_FAILED",
			fields: []string{"name", "rules"},
		},
		{
			name:   "duplicate code",
			input:  "name: x\nrules:\n  - code: a\n    expression: 'true'\n  - code: a\n    expression: 'true'\n",
			code:   "VALIDATION_FAILED",
			fields: []string{"rules[1].code"},
		},
		{
			name:   "bad expression",
			input:  "name: x\nrules:\n  - code: a\n    expression: 'document.total >'\n",
			code:   "VALIDATION_FAILED",
			fields: []string{"rules[0].expression"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRulesetYAML([]byte(tt.input))
			var appErr *AppError
			if !errors.As(err, &appErr) || appErr.Code != tt.code {
				t.Fatalf("err = %v, want %s", err, tt.code)
			}
			if len(appErr.Details) != len(tt.fields) {
				t.Fatalf("details = %+v, want fields %v", appErr.Details, tt.fields)
			}
			for i, f := range tt.fields {
				if appErr.Details[i].Field != f {
					t.Errorf("detail %d field = %s, want %s", i, appErr.Details[i].Field, f)
				}
			}
		})
	}
}

func TestImportRuleset_Create(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	s := store.NewWithDB(db, store.NewDialect("sqlite"))

	doc, err := ParseRulesetYAML([]byte(invoiceRuleset))
	if err != nil {
		t.Fatal(err)
	}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id FROM rulesets WHERE name = ?1 AND deleted_at IS NULL")).
		WithArgs("invoice-basics").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO rulesets (active, created_at, description, doc_type, id, name, updated_at, version)")).
		WithArgs(true, ts0, "Sanity checks for supplier invoices", "invoice", sqlmock.AnyArg(), "invoice-basics", ts0, int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	for range doc.Rules {
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO rules (")).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectCommit()

	id, created, err := ImportRuleset(context.Background(), s, doc, t0)
	if err != nil {
		t.Fatalf("ImportRuleset: %v", err)
	}
	if !created || id == "" {
		t.Errorf("id = %q, created = %v", id, created)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestImportRuleset_ReplacesRules(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	s := store.NewWithDB(db, store.NewDialect("sqlite"))

	doc, err := ParseRulesetYAML([]byte("name: invoice-basics\nversion: 3\nrules:\n  - code: a\n    expression: 'true'\n"))
	if err != nil {
		t.Fatal(err)
	}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id FROM rulesets WHERE name = ?1")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("rs-1"))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE rulesets SET description = ?1, doc_type = ?2, name = ?3, updated_at = ?4, version = ?5 WHERE id = ?6 AND deleted_at IS NULL")).
		WithArgs("", "invoice", "invoice-basics", ts0, int64(3), "rs-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM rules WHERE ruleset_id = ?1")).
		WithArgs("rs-1").
		WillReturnResult(sqlmock.NewResult(0, 5))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO rules (active, code, created_at, expression, field, id, kind, message, operator, ruleset_id, severity, updated_at, value)")).
		WithArgs(true, "a", ts0, "true", nil, sqlmock.AnyArg(), "expression", nil, nil, "rs-1", "warning", ts0, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	id, created, err := ImportRuleset(context.Background(), s, doc, t0)
	if err != nil {
		t.Fatalf("ImportRuleset: %v", err)
	}
	if created || id != "rs-1" {
		t.Errorf("id = %q, created = %v", id, created)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}
