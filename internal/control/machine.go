// Package control holds the session status transition table. It is pure:
// the registry consults it under the session lock and applies the result,
// so a rejected action can never leave partial effects.
package control

import (
	"examhub/pkg/types"
)

// transitions maps (current status, action) to the next status.
var transitions = map[types.Status]map[string]types.Status{
	types.StatusScheduled: {
		types.ActionStart: types.StatusActive,
	},
	types.StatusActive: {
		types.ActionPause: types.StatusPaused,
		types.ActionEnd:   types.StatusEnded,
	},
	types.StatusPaused: {
		types.ActionResume: types.StatusActive,
		types.ActionEnd:    types.StatusEnded,
	},
}

// Next returns the status reached by applying action to current. Ended is
// terminal: every action against it fails with SessionClosed. Any other
// pair not in the table fails with InvalidTransition and implies no state
// change.
func Next(current types.Status, action string) (types.Status, error) {
	if current == types.StatusEnded {
		return current, types.ErrSessionClosed
	}
	next, ok := transitions[current][action]
	if !ok {
		return current, types.ErrInvalidTransition
	}
	return next, nil
}

// CanApply reports whether action is valid for current without applying it.
func CanApply(current types.Status, action string) bool {
	_, err := Next(current, action)
	return err == nil
}
