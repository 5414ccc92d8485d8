package metadata

import "docaudit-backend/internal/access"

// Action is a CRUD verb exposed by the generic entity API.
type Action string

const (
	ActionRead   Action = "read"
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

type Entity struct {
	Name       string     `json:"name"`
	Table      string     `json:"table"`
	PrimaryKey PrimaryKey `json:"primary_key"`
	SoftDelete bool       `json:"soft_delete"`
	Fields     []Field    `json:"fields"`
	// Actions maps each verb the generic API serves to the permission it
	// requires. Verbs missing from the map are not served.
	Actions map[Action]access.Permission `json:"-"`
	// OwnerField, when set, is filled with the caller's id on create.
	OwnerField string `json:"owner_field,omitempty"`
}

type PrimaryKey struct {
	Field string `json:"field"`
	Type  string `json:"type"` // uuid, string
}

// Permission returns the permission guarding action and whether the action
// is served at all.
func (e *Entity) Permission(action Action) (access.Permission, bool) {
	p, ok := e.Actions[action]
	return p, ok
}

// GetField returns a pointer to the field with the given name, or nil.
func (e *Entity) GetField(name string) *Field {
	for i := range e.Fields {
		if e.Fields[i].Name == name {
			return &e.Fields[i]
		}
	}
	return nil
}

// HasField returns true if the entity has a field with the given name.
func (e *Entity) HasField(name string) bool {
	return e.GetField(name) != nil
}

// FieldNames returns all field names.
func (e *Entity) FieldNames() []string {
	names := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		names[i] = f.Name
	}
	return names
}

// Columns returns the selectable columns, including deleted_at for
// soft-deleted entities.
func (e *Entity) Columns() []string {
	cols := e.FieldNames()
	if e.SoftDelete && !e.HasField("deleted_at") {
		cols = append(cols, "deleted_at")
	}
	return cols
}

// WritableFields returns fields a client may set on create.
func (e *Entity) WritableFields() []Field {
	var fields []Field
	for _, f := range e.Fields {
		if f.Name == e.PrimaryKey.Field || f.IsAuto() || f.ReadOnly || f.Name == e.OwnerField {
			continue
		}
		fields = append(fields, f)
	}
	return fields
}

// UpdatableFields returns fields a client may set on update.
func (e *Entity) UpdatableFields() []Field {
	var fields []Field
	for _, f := range e.WritableFields() {
		if f.Immutable || f.Name == "deleted_at" {
			continue
		}
		fields = append(fields, f)
	}
	return fields
}

// BoolFields lists boolean columns, used to normalize SQLite integers.
func (e *Entity) BoolFields() []string {
	var names []string
	for _, f := range e.Fields {
		if f.Type == "boolean" {
			names = append(names, f.Name)
		}
	}
	return names
}
