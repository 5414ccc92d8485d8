package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"docaudit-backend/internal/metadata"
	"docaudit-backend/internal/store"
)

// Training labels derived from reviewer verdicts.
const (
	LabelConfirmed     = "confirmed"
	LabelFalsePositive = "false_positive"
)

func (w *Writer) checkFeedbackFinding(ctx context.Context, tx *sql.Tx, plan *WritePlan, _ map[string]any, _ TransitionContext) error {
	if !plan.IsCreate {
		return nil
	}
	findings := w.registry.GetEntity(metadata.EntityFindings)
	_, err := fetchRecord(ctx, tx, w.store.Dialect, findings, plan.Fields["finding_id"])
	if errors.Is(err, store.ErrNotFound) {
		return ValidationError([]ErrorDetail{{Field: "finding_id", Rule: "exists", Message: "Finding not found"}})
	}
	return err
}

// recordTrainingExample turns feedback marked for training into a labelled
// example in the same transaction as the feedback row.
func (w *Writer) recordTrainingExample(ctx context.Context, tx *sql.Tx, _ *WritePlan, record map[string]any, tc TransitionContext) error {
	if include, _ := record["include_in_training"].(bool); !include {
		return nil
	}

	d := w.store.Dialect
	finding, err := fetchRecord(ctx, tx, d, w.registry.GetEntity(metadata.EntityFindings), record["finding_id"])
	if err != nil {
		return fmt.Errorf("load finding: %w", err)
	}

	var docFields any
	doc, err := fetchRecord(ctx, tx, d, w.registry.GetEntity(metadata.EntityDocuments), finding["document_id"])
	switch {
	case err == nil:
		docFields = doc["fields"]
	case !errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("load document: %w", err)
	}

	label, expected := LabelFalsePositive, record["comment"]
	if record["verdict"] == "agree" {
		label, expected = LabelConfirmed, finding["message"]
	}

	now := tc.Now.UTC()
	examples := w.registry.GetEntity(metadata.EntityTrainingExamples)
	query, params, err := BuildInsertSQL(d, examples, map[string]any{
		"id":          uuid.NewString(),
		"feedback_id": record["id"],
		"finding_id":  record["finding_id"],
		"document_id": finding["document_id"],
		"label":       label,
		"input": map[string]any{
			"rule_code":       finding["rule_code"],
			"severity":        finding["severity"],
			"finding_message": finding["message"],
			"document_fields": docFields,
		},
		"expected":   expected,
		"created_at": now,
		"updated_at": now,
	})
	if err != nil {
		return err
	}
	if _, err := store.Exec(ctx, tx, query, params...); err != nil {
		return fmt.Errorf("insert training example: %w", err)
	}
	return nil
}
