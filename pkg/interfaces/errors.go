package interfaces

import "errors"

// Errors shared by Conn and SessionStore implementations.
var (
	ErrSendBufferFull   = errors.New("connection send buffer full")
	ErrConnectionClosed = errors.New("connection closed")
	ErrStoreClosed      = errors.New("session store is closed")
)
