package metadata

// Relation links a parent entity to the child rows that reference it.
type Relation struct {
	Name      string `json:"name"`
	Source    string `json:"source"`
	Target    string `json:"target"`
	TargetKey string `json:"target_key"` // column on target holding the source id
	OnDelete  string `json:"on_delete"`  // cascade, restrict
}
