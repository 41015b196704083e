// Package client is the Go client for the exam session coordinator. It
// owns the connection lifecycle: dialing, the in-band join handshake, and
// automatic reconnection with exponential backoff. Session state stays
// server-authoritative; the client only tracks its own link.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"examhub/pkg/types"
)

// State is the client's connection lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
)

var (
	ErrNotConnected         = errors.New("client is not connected")
	ErrAlreadyConnected     = errors.New("client is already connected")
	ErrClientClosed         = errors.New("client is closed")
	ErrMaxReconnectAttempts = errors.New("maximum reconnect attempts exceeded")
)

// Config tunes the lifecycle manager. Zero values take the defaults below.
type Config struct {
	// ServerURL is the WebSocket endpoint, e.g. ws://localhost:8080/ws.
	ServerURL string

	BackoffBase          time.Duration // first reconnect delay, default 1s
	BackoffCap           time.Duration // delay ceiling, default 10s
	MaxReconnectAttempts int           // default 5
	HandshakeTimeout     time.Duration // default 10s
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.BackoffBase <= 0 {
		out.BackoffBase = time.Second
	}
	if out.BackoffCap <= 0 {
		out.BackoffCap = 10 * time.Second
	}
	if out.MaxReconnectAttempts <= 0 {
		out.MaxReconnectAttempts = 5
	}
	if out.HandshakeTimeout <= 0 {
		out.HandshakeTimeout = 10 * time.Second
	}
	return out
}

// Client manages one connection to the coordinator.
type Client struct {
	cfg Config

	// OnMessage receives every server message, including error events.
	// Called from the read goroutine; must not block.
	OnMessage func(*types.ExamMessage)
	// OnStateChange observes lifecycle transitions.
	OnStateChange func(State)

	mu      sync.Mutex
	state   State
	conn    *websocket.Conn
	join    *types.JoinSessionPayload
	history []*types.ExamMessage
	lastErr error
	closed  bool

	// reconnectCancel is non-nil while a reconnect loop is backing off;
	// closing it aborts the loop without waiting the delay out.
	reconnectCancel chan struct{}
}

func New(cfg Config) *Client {
	return &Client{
		cfg:   cfg.withDefaults(),
		state: StateDisconnected,
	}
}

// backoffDelay computes the reconnect delay for an attempt (zero-based):
// min(base * 2^attempt, cap).
func backoffDelay(base, cap time.Duration, attempt int) time.Duration {
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= cap {
			return cap
		}
	}
	if delay > cap {
		return cap
	}
	return delay
}

// Connect dials the server. If a join was requested before connecting, it
// is sent as soon as the link is up.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		c.mu.Lock()
		c.lastErr = err
		c.setStateLocked(StateDisconnected)
		c.mu.Unlock()
		return fmt.Errorf("failed to connect: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.setStateLocked(StateConnected)
	join := c.join
	c.mu.Unlock()

	go c.readLoop(conn)

	if join != nil {
		if err := c.sendEvent(types.EventJoinSession, join); err != nil {
			return fmt.Errorf("failed to send join: %w", err)
		}
	}
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.cfg.ServerURL, nil)
	return conn, err
}

// JoinSession registers the join intent and sends it if connected.
// Idempotent: repeating the same join refreshes the server-side
// registration and returns the latest status through OnMessage.
func (c *Client) JoinSession(p *types.JoinSessionPayload) error {
	if err := p.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	c.join = p
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !connected {
		// Deferred until Connect or the next successful reconnect.
		return nil
	}
	return c.sendEvent(types.EventJoinSession, p)
}

// Leave departs the session, closes the connection, and clears the join
// intent and the local message history. A reconnect loop in flight is
// cancelled immediately, backoff delay included.
func (c *Client) Leave() error {
	err := c.sendEvent(types.EventLeave, struct{}{})
	if errors.Is(err, ErrNotConnected) {
		err = nil
	}

	c.mu.Lock()
	c.join = nil
	c.history = nil
	conn := c.conn
	c.conn = nil
	c.cancelReconnectLocked()
	if !c.closed {
		c.setStateLocked(StateDisconnected)
	}
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	return err
}

// SubmitAnswer sends an answer for the joined session.
func (c *Client) SubmitAnswer(p *types.SubmitAnswerPayload) error {
	return c.sendEvent(types.EventSubmitAnswer, p)
}

// ControlSession sends a control action. The server rejects it unless the
// client joined as a teacher.
func (c *Client) ControlSession(p *types.ControlSessionPayload) error {
	return c.sendEvent(types.EventControlSession, p)
}

// BroadcastMessage sends a teacher announcement.
func (c *Client) BroadcastMessage(p *types.BroadcastMessagePayload) error {
	return c.sendEvent(types.EventBroadcastMessage, p)
}

// RequestProgress asks for the session progress snapshot.
func (c *Client) RequestProgress(sessionID string) error {
	return c.sendEvent(types.EventRequestProgress, &types.RequestProgressPayload{SessionID: sessionID})
}

func (c *Client) sendEvent(eventType string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected || c.conn == nil {
		return ErrNotConnected
	}
	return c.conn.WriteJSON(types.ClientEvent{Type: eventType, Payload: body})
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastError returns the error behind the most recent Disconnected or
// Failed transition.
func (c *Client) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// History returns the exam messages received since the last join, oldest
// first.
func (c *Client) History() []*types.ExamMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*types.ExamMessage, len(c.history))
	copy(out, c.history)
	return out
}

// Close tears the connection down for good; no reconnection follows.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.cancelReconnectLocked()
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		var msg types.ExamMessage
		if err := conn.ReadJSON(&msg); err != nil {
			c.handleDisconnect(conn, err)
			return
		}
		c.deliver(&msg)
	}
}

func (c *Client) deliver(msg *types.ExamMessage) {
	c.mu.Lock()
	if msg.Type == types.EventExamMessage {
		c.history = append(c.history, msg)
	}
	handler := c.OnMessage
	c.mu.Unlock()

	if handler != nil {
		handler(msg)
	}
}

// handleDisconnect drives the reconnect loop after a read failure. A
// Close-initiated failure terminates instead.
func (c *Client) handleDisconnect(conn *websocket.Conn, cause error) {
	_ = conn.Close()

	c.mu.Lock()
	if c.closed || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.lastErr = cause
	cancelled := make(chan struct{})
	c.reconnectCancel = cancelled
	c.setStateLocked(StateReconnecting)
	c.mu.Unlock()

	for attempt := 0; attempt < c.cfg.MaxReconnectAttempts; attempt++ {
		timer := time.NewTimer(backoffDelay(c.cfg.BackoffBase, c.cfg.BackoffCap, attempt))
		select {
		case <-timer.C:
		case <-cancelled:
			// Leave or Close fired; they already settled the state.
			timer.Stop()
			return
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		// Leave withdrew the join intent; nothing to reconnect for.
		if c.join == nil {
			c.setStateLocked(StateDisconnected)
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HandshakeTimeout)
		newConn, err := c.dial(ctx)
		cancel()
		if err != nil {
			c.mu.Lock()
			c.lastErr = err
			c.mu.Unlock()
			continue
		}

		c.mu.Lock()
		if c.closed || c.join == nil {
			// Close or Leave arrived while the dial was in flight.
			c.mu.Unlock()
			_ = newConn.Close()
			return
		}
		c.conn = newConn
		c.reconnectCancel = nil
		c.setStateLocked(StateConnected)
		join := c.join
		c.mu.Unlock()

		go c.readLoop(newConn)

		// Re-join restores the server-side registration; answers
		// submitted before the drop are still held by the server. A send
		// failure here surfaces through the new read loop's disconnect.
		if join != nil {
			_ = c.sendEvent(types.EventJoinSession, join)
		}
		return
	}

	c.mu.Lock()
	if c.closed || c.join == nil {
		c.mu.Unlock()
		return
	}
	c.reconnectCancel = nil
	c.lastErr = ErrMaxReconnectAttempts
	c.setStateLocked(StateFailed)
	c.mu.Unlock()
}

// cancelReconnectLocked aborts a reconnect loop waiting out its backoff.
func (c *Client) cancelReconnectLocked() {
	if c.reconnectCancel != nil {
		close(c.reconnectCancel)
		c.reconnectCancel = nil
	}
}

func (c *Client) setStateLocked(next State) {
	if c.state == next {
		return
	}
	c.state = next
	if c.OnStateChange != nil {
		// Callbacks run outside the lock to keep them deadlock-free.
		handler := c.OnStateChange
		go handler(next)
	}
}
