package dispatch

import "errors"

var (
	ErrUnknownEventType  = errors.New("unknown event type")
	ErrNotJoined         = errors.New("join a session before sending events")
	ErrAlreadyJoined     = errors.New("connection is already attached to a session")
	ErrRateLimitExceeded = errors.New("rate limit exceeded (100 events per minute)")
	ErrMalformedEvent    = errors.New("event payload is not valid JSON")
	ErrSessionMismatch   = errors.New("payload session does not match the joined session")
)
