package engine

import (
	"fmt"
	"time"

	"docaudit-backend/internal/metadata"
)

// TransitionContext carries who is changing a record and when.
type TransitionContext struct {
	Actor *metadata.UserContext
	Now   time.Time
	// System is set when the server itself drives the change (analysis
	// workers). Client updates may not take system transitions.
	System bool
}

// EvaluateStateMachines checks all state machines for the entity.
// Returns validation errors if a transition is invalid or a guard fails.
// Mutates fields with transition actions on success.
func EvaluateStateMachines(ev ExpressionEvaluator, reg *metadata.Registry, entityName string, fields, old map[string]any, isCreate bool, tc TransitionContext) []ErrorDetail {
	var errs []ErrorDetail
	for _, sm := range reg.GetStateMachinesForEntity(entityName) {
		errs = append(errs, evaluateStateMachine(ev, sm, fields, old, isCreate, tc)...)
	}
	return errs
}

func evaluateStateMachine(ev ExpressionEvaluator, sm *metadata.StateMachine, fields, old map[string]any, isCreate bool, tc TransitionContext) []ErrorDetail {
	newState, hasNewState := fields[sm.Field]

	if isCreate {
		if !hasNewState || newState == nil {
			fields[sm.Field] = sm.Initial
			return nil
		}
		if s := fmt.Sprintf("%v", newState); s != sm.Initial {
			return stateError(sm, fmt.Sprintf("Initial state must be '%s', got '%s'", sm.Initial, s))
		}
		return nil
	}

	if !hasNewState {
		return nil // state field not in payload, no transition
	}

	newStateStr := fmt.Sprintf("%v", newState)
	oldState := ""
	if v, ok := old[sm.Field]; ok && v != nil {
		oldState = fmt.Sprintf("%v", v)
	}

	if oldState == newStateStr {
		return nil
	}

	transition := sm.FindTransition(oldState, newStateStr)
	if transition == nil {
		return stateError(sm, fmt.Sprintf("Invalid transition from '%s' to '%s'", oldState, newStateStr))
	}
	if transition.System && !tc.System {
		return stateError(sm, fmt.Sprintf("Transition from '%s' to '%s' is performed by the server", oldState, newStateStr))
	}

	if transition.Guard != "" {
		env := map[string]any{
			"record": fields,
			"old":    old,
			"action": "update",
		}
		allowed, err := ev.EvaluateBool(transition.Guard, env)
		if err != nil {
			return stateError(sm, fmt.Sprintf("Guard evaluation error: %v", err))
		}
		if !allowed {
			return stateError(sm, fmt.Sprintf("Transition from '%s' to '%s' blocked by guard", oldState, newStateStr))
		}
	}

	ExecuteActions(transition, fields, tc)
	return nil
}

func stateError(sm *metadata.StateMachine, msg string) []ErrorDetail {
	return []ErrorDetail{{Field: sm.Field, Rule: "state_machine", Message: msg}}
}

// ExecuteActions runs transition actions, mutating fields.
func ExecuteActions(transition *metadata.Transition, fields map[string]any, tc TransitionContext) {
	for _, action := range transition.Actions {
		switch action.Type {
		case "set_field":
			val := action.Value
			if s, ok := val.(string); ok && s == "now" {
				val = tc.Now.UTC()
			}
			fields[action.Field] = val

		case "set_actor":
			if tc.Actor != nil {
				fields[action.Field] = tc.Actor.ID
			} else {
				fields[action.Field] = nil
			}
		}
	}
}
