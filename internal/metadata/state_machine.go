package metadata

// TransitionAction represents an action executed during a state transition.
type TransitionAction struct {
	Type  string `json:"type"` // "set_field" or "set_actor"
	Field string `json:"field"`
	Value any    `json:"value,omitempty"` // "now" = current timestamp
}

// Transition represents a single allowed state change.
type Transition struct {
	From    []string           `json:"from"`
	To      string             `json:"to"`
	Guard   string             `json:"guard,omitempty"`
	Actions []TransitionAction `json:"actions,omitempty"`
	// System transitions are only taken by the server itself, never through
	// a client update.
	System bool `json:"system,omitempty"`
}

// StateMachine guards the lifecycle field of an entity.
type StateMachine struct {
	Entity      string       `json:"entity"`
	Field       string       `json:"field"` // the state field (e.g., "status")
	Initial     string       `json:"initial"`
	Transitions []Transition `json:"transitions"`
}

// FindTransition returns the transition from oldState to newState, or nil.
func (sm *StateMachine) FindTransition(oldState, newState string) *Transition {
	for i := range sm.Transitions {
		t := &sm.Transitions[i]
		if t.To != newState {
			continue
		}
		for _, from := range t.From {
			if from == oldState {
				return t
			}
		}
	}
	return nil
}
