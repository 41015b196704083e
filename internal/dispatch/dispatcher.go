// Package dispatch turns raw inbound events into registry calls. It owns
// event parsing, per-user rate limiting, and the error events sent back to
// the offending connection. Failures never propagate past the connection
// that caused them.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"examhub/internal/registry"
	"examhub/pkg/interfaces"
	"examhub/pkg/types"
)

// ClientState is the identity a connection acquires through join_session.
// Owned by the transport handler, mutated only by the dispatcher.
type ClientState struct {
	SessionID string
	UserID    string
	UserName  string
	Role      string
}

func (s *ClientState) joined() bool {
	return s.SessionID != ""
}

// checkSession rejects a payload naming a different session than the one
// the connection joined. An empty payload session means "the joined one".
func (s *ClientState) checkSession(sessionID string) error {
	if sessionID != "" && sessionID != s.SessionID {
		return ErrSessionMismatch
	}
	return nil
}

type handlerFunc func(ctx context.Context, state *ClientState, conn interfaces.Conn, payload json.RawMessage) error

// Dispatcher routes inbound client events to the registry.
type Dispatcher struct {
	registry *registry.Registry
	limiter  *RateLimiter
	handlers map[string]handlerFunc
}

func New(reg *registry.Registry) *Dispatcher {
	d := &Dispatcher{
		registry: reg,
		limiter:  NewRateLimiter(),
	}
	d.handlers = map[string]handlerFunc{
		types.EventJoinSession:      d.handleJoin,
		types.EventLeave:            d.handleLeave,
		types.EventSubmitAnswer:     d.handleSubmitAnswer,
		types.EventControlSession:   d.handleControl,
		types.EventBroadcastMessage: d.handleBroadcast,
		types.EventRequestProgress:  d.handleRequestProgress,
	}
	return d
}

// HandleRaw processes one inbound frame. Any failure is reported back to
// the sender as an error event; the returned error is for the transport's
// logging only and never closes the connection.
func (d *Dispatcher) HandleRaw(ctx context.Context, state *ClientState, conn interfaces.Conn, raw []byte) error {
	if len(raw) > types.MaxPayloadBytes {
		d.sendError(state, conn, types.ErrPayloadTooLarge)
		return types.ErrPayloadTooLarge
	}

	var event types.ClientEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		d.sendError(state, conn, ErrMalformedEvent)
		return ErrMalformedEvent
	}

	handler, ok := d.handlers[event.Type]
	if !ok {
		d.sendError(state, conn, ErrUnknownEventType)
		return ErrUnknownEventType
	}

	if state.joined() && !d.limiter.Allow(state.UserID) {
		d.sendError(state, conn, ErrRateLimitExceeded)
		return ErrRateLimitExceeded
	}

	if err := handler(ctx, state, conn, event.Payload); err != nil {
		d.sendError(state, conn, err)
		return err
	}
	return nil
}

// HandleDisconnect detaches a dropped connection from its session. Safe to
// call for connections that never joined.
func (d *Dispatcher) HandleDisconnect(state *ClientState, conn interfaces.Conn) {
	if !state.joined() {
		return
	}
	d.registry.Leave(state.SessionID, state.UserID, conn)
	*state = ClientState{}
}

// CleanupLoop evicts stale rate limiter windows until ctx is done.
func (d *Dispatcher) CleanupLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.limiter.Cleanup()
		}
	}
}

func (d *Dispatcher) handleJoin(ctx context.Context, state *ClientState, conn interfaces.Conn, raw json.RawMessage) error {
	var p types.JoinSessionPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return ErrMalformedEvent
	}

	// Re-joining the same session refreshes the registration; switching
	// sessions on a live connection is not supported.
	if state.joined() && state.SessionID != p.SessionID {
		return ErrAlreadyJoined
	}

	status, err := d.registry.Join(ctx, &p, conn)
	if err != nil {
		return err
	}

	state.SessionID = p.SessionID
	state.UserID = p.UserID
	state.UserName = p.UserName
	state.Role = p.Role

	d.send(conn, p.SessionID, types.EventSessionStatus, map[string]interface{}{
		"status": status,
	})
	return nil
}

func (d *Dispatcher) handleLeave(_ context.Context, state *ClientState, conn interfaces.Conn, _ json.RawMessage) error {
	if !state.joined() {
		return ErrNotJoined
	}
	d.registry.Leave(state.SessionID, state.UserID, conn)
	*state = ClientState{}
	return nil
}

func (d *Dispatcher) handleSubmitAnswer(_ context.Context, state *ClientState, conn interfaces.Conn, raw json.RawMessage) error {
	if !state.joined() {
		return ErrNotJoined
	}

	var p types.SubmitAnswerPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return ErrMalformedEvent
	}
	if err := state.checkSession(p.SessionID); err != nil {
		return err
	}

	record, err := d.registry.SubmitAnswer(state.SessionID, state.UserID, &p)
	if err != nil {
		return err
	}

	// Confirmation is unicast; other participants never learn answer
	// contents through the fan-out.
	d.send(conn, state.SessionID, types.EventAnswerConfirmed, map[string]interface{}{
		"questionId":  record.QuestionID,
		"submittedAt": record.SubmittedAt,
	})
	return nil
}

func (d *Dispatcher) handleControl(ctx context.Context, state *ClientState, _ interfaces.Conn, raw json.RawMessage) error {
	if !state.joined() {
		return ErrNotJoined
	}

	var p types.ControlSessionPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return ErrMalformedEvent
	}
	if err := state.checkSession(p.SessionID); err != nil {
		return err
	}

	// The resulting session_control broadcast reaches the teacher too, so
	// no separate acknowledgement is sent.
	_, err := d.registry.Control(ctx, state.SessionID, state.UserID, state.Role, p.Action, p.TimeLimitSec)
	return err
}

func (d *Dispatcher) handleBroadcast(_ context.Context, state *ClientState, _ interfaces.Conn, raw json.RawMessage) error {
	if !state.joined() {
		return ErrNotJoined
	}

	var p types.BroadcastMessagePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return ErrMalformedEvent
	}
	if err := state.checkSession(p.SessionID); err != nil {
		return err
	}

	return d.registry.BroadcastMessage(state.SessionID, state.UserID, state.Role, p.Message, p.Category)
}

func (d *Dispatcher) handleRequestProgress(_ context.Context, state *ClientState, conn interfaces.Conn, raw json.RawMessage) error {
	if !state.joined() {
		return ErrNotJoined
	}

	if len(raw) > 0 {
		var p types.RequestProgressPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return ErrMalformedEvent
		}
		if err := state.checkSession(p.SessionID); err != nil {
			return err
		}
	}

	rows, err := d.registry.Progress(state.SessionID, state.UserID, state.Role)
	if err != nil {
		return err
	}

	d.send(conn, state.SessionID, types.EventProgressUpdate, map[string]interface{}{
		"students": rows,
	})
	return nil
}

func (d *Dispatcher) send(conn interfaces.Conn, sessionID, msgType string, payload map[string]interface{}) {
	msg := &types.ExamMessage{
		ID:        uuid.New().String(),
		Type:      msgType,
		SessionID: sessionID,
		Payload:   payload,
		Timestamp: time.Now(),
	}
	if err := conn.Send(msg); err != nil {
		log.Printf("Failed to send %s reply: %v", msgType, err)
	}
}

func (d *Dispatcher) sendError(state *ClientState, conn interfaces.Conn, err error) {
	d.send(conn, state.SessionID, types.EventError, map[string]interface{}{
		"code":    errorCode(err),
		"message": err.Error(),
	})
}

// errorCode maps an error to its stable wire code. Clients branch on the
// code, not the message.
func errorCode(err error) string {
	switch {
	case errors.Is(err, types.ErrForbidden):
		return "forbidden"
	case errors.Is(err, types.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, types.ErrSessionNotFound):
		return "session_not_found"
	case errors.Is(err, types.ErrSessionClosed):
		return "session_closed"
	case errors.Is(err, ErrRateLimitExceeded):
		return "rate_limited"
	case errors.Is(err, ErrUnknownEventType):
		return "unknown_event"
	case errors.Is(err, ErrNotJoined):
		return "not_joined"
	case errors.Is(err, ErrAlreadyJoined):
		return "already_joined"
	case errors.Is(err, ErrSessionMismatch):
		return "session_mismatch"
	case errors.Is(err, types.ErrPayloadTooLarge):
		return "payload_too_large"
	default:
		return "invalid_payload"
	}
}
