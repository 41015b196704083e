package types

import "errors"

// Error taxonomy shared across components. Registry and state machine
// failures are returned synchronously to the requesting connection as an
// error event and never affect other participants or sessions.
var (
	ErrForbidden         = errors.New("action not permitted for this role")
	ErrInvalidTransition = errors.New("control action not valid for current session status")
	ErrSessionNotFound   = errors.New("session not found")
	ErrSessionClosed     = errors.New("session has ended")

	ErrInvalidUserID    = errors.New("user ID must be 1-50 characters, alphanumeric plus underscore/hyphen")
	ErrInvalidSessionID = errors.New("session ID must be 1-64 characters, alphanumeric plus underscore/hyphen")
	ErrInvalidRole      = errors.New("role must be 'teacher' or 'student'")
	ErrInvalidAction    = errors.New("action must be start, pause, resume or end")
	ErrInvalidTitle     = errors.New("session title must be 1-200 characters")
	ErrInvalidAcademyID = errors.New("academy ID is required")
	ErrPayloadTooLarge  = errors.New("event payload exceeds 64KB limit")
)
