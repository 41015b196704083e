package websocket

import "errors"

var ErrInvalidJSON = errors.New("failed to marshal outbound message")
