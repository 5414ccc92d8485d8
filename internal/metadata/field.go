package metadata

type Field struct {
	Name     string   `json:"name"`
	Type     string   `json:"type"` // uuid, string, text, int, bigint, decimal, boolean, timestamp, json
	Required bool     `json:"required,omitempty"`
	Unique   bool     `json:"unique,omitempty"`
	Default  any      `json:"default,omitempty"`
	Nullable bool     `json:"nullable,omitempty"`
	Enum     []string `json:"enum,omitempty"`
	Auto     string   `json:"auto,omitempty"` // "create" or "update"
	// ReadOnly fields are maintained by the server only.
	ReadOnly bool `json:"read_only,omitempty"`
	// Immutable fields may be set on create but never changed.
	Immutable bool `json:"immutable,omitempty"`
}

// IsAuto returns true if the field is auto-managed by the engine.
func (f Field) IsAuto() bool {
	return f.Auto == "create" || f.Auto == "update"
}

// AllowsValue reports whether s is in the field's enum, or true when the
// field has no enum.
func (f Field) AllowsValue(s string) bool {
	if len(f.Enum) == 0 {
		return true
	}
	for _, v := range f.Enum {
		if v == s {
			return true
		}
	}
	return false
}
