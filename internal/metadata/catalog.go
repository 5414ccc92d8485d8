package metadata

import "docaudit-backend/internal/access"

// Entity names of the audit domain.
const (
	EntityProjects         = "projects"
	EntityDocuments        = "documents"
	EntityRulesets         = "rulesets"
	EntityRules            = "rules"
	EntityAnalysisRuns     = "analysis_runs"
	EntityFindings         = "findings"
	EntityFeedback         = "feedback"
	EntityTrainingExamples = "training_examples"
)

// Document review states.
const (
	DocumentUploaded = "uploaded"
	DocumentAnalyzed = "analyzed"
	DocumentApproved = "approved"
	DocumentRejected = "rejected"
)

// Rule kinds.
const (
	RuleKindExpression = "expression"
	RuleKindField      = "field"
)

// Analysis run states.
const (
	RunPending   = "pending"
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

func idField() Field { return Field{Name: "id", Type: "uuid", Required: true} }

func timestamps() []Field {
	return []Field{
		{Name: "created_at", Type: "timestamp", Auto: "create"},
		{Name: "updated_at", Type: "timestamp", Auto: "update"},
	}
}

func uuidPK() PrimaryKey { return PrimaryKey{Field: "id", Type: "uuid"} }

// Catalog returns the static entity catalog of the audit domain. Each call
// returns fresh values so callers may not corrupt a shared copy.
func Catalog() []*Entity {
	return []*Entity{
		{
			Name:       EntityProjects,
			Table:      "projects",
			PrimaryKey: uuidPK(),
			SoftDelete: true,
			OwnerField: "created_by",
			Fields: append([]Field{
				idField(),
				{Name: "name", Type: "string", Required: true},
				{Name: "client", Type: "string", Nullable: true},
				{Name: "description", Type: "text", Nullable: true},
				{Name: "status", Type: "string", Enum: []string{"active", "archived"}, Default: "active"},
				{Name: "created_by", Type: "string", Nullable: true},
			}, timestamps()...),
			Actions: map[Action]access.Permission{
				ActionRead:   access.ReadProjects,
				ActionCreate: access.WriteProjects,
				ActionUpdate: access.WriteProjects,
				ActionDelete: access.WriteProjects,
			},
		},
		{
			Name:       EntityDocuments,
			Table:      "documents",
			PrimaryKey: uuidPK(),
			SoftDelete: true,
			OwnerField: "uploaded_by",
			Fields: append([]Field{
				idField(),
				{Name: "project_id", Type: "uuid", Required: true, Immutable: true},
				{Name: "filename", Type: "string", ReadOnly: true},
				{Name: "content_type", Type: "string", ReadOnly: true},
				{Name: "size", Type: "bigint", ReadOnly: true},
				{Name: "fingerprint", Type: "string", ReadOnly: true},
				{Name: "storage_key", Type: "string", ReadOnly: true},
				{Name: "doc_type", Type: "string", Enum: []string{"invoice", "receipt", "contract", "other"}, Default: "invoice"},
				{Name: "fields", Type: "json", Nullable: true},
				{Name: "status", Type: "string", Enum: []string{DocumentUploaded, DocumentAnalyzed, DocumentApproved, DocumentRejected}, Default: DocumentUploaded},
				{Name: "reviewer_note", Type: "text", Nullable: true},
				{Name: "reviewed_by", Type: "string", Nullable: true, ReadOnly: true},
				{Name: "reviewed_at", Type: "timestamp", Nullable: true, ReadOnly: true},
				{Name: "uploaded_by", Type: "string", Nullable: true},
			}, timestamps()...),
			// documents are created through the upload endpoint
			Actions: map[Action]access.Permission{
				ActionRead:   access.ReadDocuments,
				ActionUpdate: access.UploadDocuments,
				ActionDelete: access.UploadDocuments,
			},
		},
		{
			Name:       EntityRulesets,
			Table:      "rulesets",
			PrimaryKey: uuidPK(),
			SoftDelete: true,
			Fields: append([]Field{
				idField(),
				{Name: "name", Type: "string", Required: true, Unique: true},
				{Name: "description", Type: "text", Nullable: true},
				{Name: "doc_type", Type: "string", Enum: []string{"invoice", "receipt", "contract", "other"}, Default: "invoice"},
				{Name: "version", Type: "int", Default: float64(1)},
				{Name: "active", Type: "boolean", Default: true},
			}, timestamps()...),
			Actions: map[Action]access.Permission{
				ActionRead:   access.ReadDocuments,
				ActionCreate: access.ManageRulesets,
				ActionUpdate: access.ManageRulesets,
				ActionDelete: access.ManageRulesets,
			},
		},
		{
			Name:       EntityRules,
			Table:      "rules",
			PrimaryKey: uuidPK(),
			Fields: append([]Field{
				idField(),
				{Name: "ruleset_id", Type: "uuid", Required: true, Immutable: true},
				{Name: "code", Type: "string", Required: true},
				{Name: "description", Type: "text", Nullable: true},
				{Name: "kind", Type: "string", Enum: []string{RuleKindExpression, RuleKindField}, Default: RuleKindExpression},
				{Name: "expression", Type: "text", Nullable: true},
				{Name: "field", Type: "string", Nullable: true},
				{Name: "operator", Type: "string", Nullable: true, Enum: []string{"required", "min", "max", "min_length", "max_length", "pattern"}},
				{Name: "value", Type: "json", Nullable: true},
				{Name: "severity", Type: "string", Enum: []string{"info", "warning", "error"}, Default: "warning"},
				{Name: "message", Type: "text", Nullable: true},
				{Name: "active", Type: "boolean", Default: true},
			}, timestamps()...),
			Actions: map[Action]access.Permission{
				ActionRead:   access.ReadDocuments,
				ActionCreate: access.ManageRulesets,
				ActionUpdate: access.ManageRulesets,
				ActionDelete: access.ManageRulesets,
			},
		},
		{
			Name:       EntityAnalysisRuns,
			Table:      "analysis_runs",
			PrimaryKey: uuidPK(),
			OwnerField: "started_by",
			Fields: append([]Field{
				idField(),
				{Name: "document_id", Type: "uuid", Required: true, Immutable: true},
				{Name: "ruleset_id", Type: "uuid", Required: true, Immutable: true},
				{Name: "status", Type: "string", Enum: []string{RunPending, RunRunning, RunCompleted, RunFailed}, Default: RunPending, ReadOnly: true},
				{Name: "findings_count", Type: "int", Default: float64(0), ReadOnly: true},
				{Name: "summary", Type: "json", Nullable: true, ReadOnly: true},
				{Name: "error", Type: "text", Nullable: true, ReadOnly: true},
				{Name: "started_by", Type: "string", Nullable: true},
				{Name: "started_at", Type: "timestamp", Nullable: true, ReadOnly: true},
				{Name: "finished_at", Type: "timestamp", Nullable: true, ReadOnly: true},
			}, timestamps()...),
			// runs are created through the start endpoint and advanced by workers
			Actions: map[Action]access.Permission{
				ActionRead: access.ReadDocuments,
			},
		},
		{
			Name:       EntityFindings,
			Table:      "findings",
			PrimaryKey: uuidPK(),
			Fields: append([]Field{
				idField(),
				{Name: "run_id", Type: "uuid", Required: true},
				{Name: "document_id", Type: "uuid", Required: true},
				{Name: "rule_id", Type: "uuid", Required: true},
				{Name: "rule_code", Type: "string", Required: true},
				{Name: "severity", Type: "string", Required: true},
				{Name: "message", Type: "text", Nullable: true},
			}, timestamps()...),
			Actions: map[Action]access.Permission{
				ActionRead: access.ReadDocuments,
			},
		},
		{
			Name:       EntityFeedback,
			Table:      "feedback",
			PrimaryKey: uuidPK(),
			OwnerField: "created_by",
			Fields: append([]Field{
				idField(),
				{Name: "finding_id", Type: "uuid", Required: true, Immutable: true},
				{Name: "verdict", Type: "string", Required: true, Enum: []string{"agree", "disagree"}},
				{Name: "comment", Type: "text", Nullable: true},
				{Name: "include_in_training", Type: "boolean", Default: false},
				{Name: "created_by", Type: "string", Nullable: true},
			}, timestamps()...),
			Actions: map[Action]access.Permission{
				ActionRead:   access.ReadDocuments,
				ActionCreate: access.SubmitFeedback,
			},
		},
		{
			Name:       EntityTrainingExamples,
			Table:      "training_examples",
			PrimaryKey: uuidPK(),
			Fields: append([]Field{
				idField(),
				{Name: "feedback_id", Type: "uuid", Nullable: true},
				{Name: "finding_id", Type: "uuid", Nullable: true},
				{Name: "document_id", Type: "uuid", Nullable: true},
				{Name: "label", Type: "string", Required: true},
				{Name: "input", Type: "json", Nullable: true},
				{Name: "expected", Type: "text", Nullable: true},
			}, timestamps()...),
			Actions: map[Action]access.Permission{
				ActionRead:   access.ManageTrainingData,
				ActionCreate: access.ManageTrainingData,
				ActionUpdate: access.ManageTrainingData,
				ActionDelete: access.ManageTrainingData,
			},
		},
	}
}

// StateMachines returns the lifecycle guards of the audit domain.
func StateMachines() []*StateMachine {
	return []*StateMachine{
		{
			Entity:  EntityDocuments,
			Field:   "status",
			Initial: DocumentUploaded,
			Transitions: []Transition{
				{From: []string{DocumentUploaded}, To: DocumentAnalyzed, System: true},
				{
					From: []string{DocumentAnalyzed}, To: DocumentApproved,
					Actions: []TransitionAction{{Type: "set_field", Field: "reviewed_at", Value: "now"}, {Type: "set_actor", Field: "reviewed_by"}},
				},
				{
					From: []string{DocumentAnalyzed}, To: DocumentRejected,
					Guard:   `(record.reviewer_note ?? old.reviewer_note ?? "") != ""`,
					Actions: []TransitionAction{{Type: "set_field", Field: "reviewed_at", Value: "now"}, {Type: "set_actor", Field: "reviewed_by"}},
				},
				{
					From: []string{DocumentApproved, DocumentRejected}, To: DocumentAnalyzed,
					Actions: []TransitionAction{{Type: "set_field", Field: "reviewed_at", Value: nil}, {Type: "set_field", Field: "reviewed_by", Value: nil}},
				},
			},
		},
		{
			Entity:  EntityAnalysisRuns,
			Field:   "status",
			Initial: RunPending,
			Transitions: []Transition{
				{From: []string{RunPending}, To: RunRunning, System: true},
				{From: []string{RunRunning}, To: RunCompleted, System: true},
				{From: []string{RunPending, RunRunning}, To: RunFailed, System: true},
			},
		},
	}
}

// Relations returns the parent/child links consulted on delete.
func Relations() []*Relation {
	return []*Relation{
		{Name: "project_documents", Source: EntityProjects, Target: EntityDocuments, TargetKey: "project_id", OnDelete: "restrict"},
		{Name: "ruleset_rules", Source: EntityRulesets, Target: EntityRules, TargetKey: "ruleset_id", OnDelete: "cascade"},
		{Name: "document_runs", Source: EntityDocuments, Target: EntityAnalysisRuns, TargetKey: "document_id", OnDelete: "restrict"},
	}
}

// NewCatalogRegistry returns a registry loaded with the audit catalog.
func NewCatalogRegistry() *Registry {
	reg := NewRegistry()
	reg.Load(Catalog(), StateMachines(), Relations())
	return reg
}
