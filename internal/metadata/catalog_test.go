package metadata

import (
	"testing"

	"docaudit-backend/internal/access"
)

func TestCatalog_EntitiesAreWellFormed(t *testing.T) {
	seen := map[string]bool{}
	for _, e := range Catalog() {
		if seen[e.Name] {
			t.Fatalf("duplicate entity %s", e.Name)
		}
		seen[e.Name] = true

		if e.GetField(e.PrimaryKey.Field) == nil {
			t.Errorf("%s: primary key field %s missing", e.Name, e.PrimaryKey.Field)
		}
		if e.OwnerField != "" && !e.HasField(e.OwnerField) {
			t.Errorf("%s: owner field %s missing", e.Name, e.OwnerField)
		}
		if _, ok := e.Permission(ActionRead); !ok {
			t.Errorf("%s: every entity must be readable", e.Name)
		}
		for _, f := range e.Fields {
			if f.Default == nil || len(f.Enum) == 0 {
				continue
			}
			if s, ok := f.Default.(string); ok && !f.AllowsValue(s) {
				t.Errorf("%s.%s: default %q outside enum", e.Name, f.Name, s)
			}
		}
	}
	if len(seen) != 8 {
		t.Fatalf("expected 8 entities, got %d", len(seen))
	}
}

func TestCatalog_StateMachinesMatchEnums(t *testing.T) {
	reg := NewCatalogRegistry()
	for _, sm := range StateMachines() {
		e := reg.GetEntity(sm.Entity)
		if e == nil {
			t.Fatalf("state machine for unknown entity %s", sm.Entity)
		}
		f := e.GetField(sm.Field)
		if f == nil {
			t.Fatalf("%s: state field %s missing", sm.Entity, sm.Field)
		}
		if !f.AllowsValue(sm.Initial) {
			t.Errorf("%s: initial state %s outside enum", sm.Entity, sm.Initial)
		}
		for _, tr := range sm.Transitions {
			if !f.AllowsValue(tr.To) {
				t.Errorf("%s: target %s outside enum", sm.Entity, tr.To)
			}
			for _, from := range tr.From {
				if !f.AllowsValue(from) {
					t.Errorf("%s: source %s outside enum", sm.Entity, from)
				}
			}
			for _, a := range tr.Actions {
				if !e.HasField(a.Field) {
					t.Errorf("%s: action targets unknown field %s", sm.Entity, a.Field)
				}
			}
		}
	}
}

func TestStateMachine_FindTransition(t *testing.T) {
	reg := NewCatalogRegistry()
	sm := reg.GetStateMachine(EntityDocuments, "status")
	if sm == nil {
		t.Fatal("documents.status machine missing")
	}

	tests := []struct {
		from, to string
		want     bool
	}{
		{DocumentAnalyzed, DocumentApproved, true},
		{DocumentAnalyzed, DocumentRejected, true},
		{DocumentApproved, DocumentAnalyzed, true},
		{DocumentRejected, DocumentAnalyzed, true},
		{DocumentUploaded, DocumentAnalyzed, true},
		{DocumentUploaded, DocumentApproved, false},
		{DocumentApproved, DocumentRejected, false},
	}
	for _, tt := range tests {
		got := sm.FindTransition(tt.from, tt.to) != nil
		if got != tt.want {
			t.Errorf("%s → %s: got %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestEntity_WritableFieldsSkipServerManaged(t *testing.T) {
	e := NewCatalogRegistry().GetEntity(EntityDocuments)

	writable := map[string]bool{}
	for _, f := range e.WritableFields() {
		writable[f.Name] = true
	}
	for _, name := range []string{"id", "fingerprint", "storage_key", "uploaded_by", "created_at", "updated_at", "reviewed_by"} {
		if writable[name] {
			t.Errorf("%s must not be client writable", name)
		}
	}

	updatable := map[string]bool{}
	for _, f := range e.UpdatableFields() {
		updatable[f.Name] = true
	}
	if updatable["project_id"] {
		t.Error("project_id is immutable after create")
	}
	if !updatable["status"] || !updatable["reviewer_note"] {
		t.Error("status and reviewer_note must be updatable")
	}
}

func TestEntity_ActionPermissions(t *testing.T) {
	e := NewCatalogRegistry().GetEntity(EntityDocuments)
	if _, ok := e.Permission(ActionCreate); ok {
		t.Error("documents must not be created through the generic API")
	}
	p, ok := e.Permission(ActionUpdate)
	if !ok || p != access.UploadDocuments {
		t.Errorf("documents update permission = %v, %v", p, ok)
	}
}

func TestCatalog_RelationsReferenceKnownFields(t *testing.T) {
	reg := NewCatalogRegistry()
	for _, rel := range Relations() {
		if reg.GetEntity(rel.Source) == nil {
			t.Errorf("%s: unknown source %s", rel.Name, rel.Source)
		}
		target := reg.GetEntity(rel.Target)
		if target == nil || !target.HasField(rel.TargetKey) {
			t.Errorf("%s: target key %s.%s missing", rel.Name, rel.Target, rel.TargetKey)
		}
	}
}
