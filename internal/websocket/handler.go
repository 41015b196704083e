// Package websocket is the server-side transport: it upgrades HTTP
// requests, runs one read pump per connection, and forwards frames to the
// dispatcher. Identity is established in-band through the join_session
// event, not at upgrade time.
package websocket

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"examhub/internal/dispatch"
)

const (
	defaultReadTimeout  = 60 * time.Second
	defaultPingInterval = 30 * time.Second

	pongTimeout = 10 * time.Second

	// maxFrameBytes caps an inbound frame slightly above the payload limit
	// so the dispatcher can answer oversized events with a proper error.
	maxFrameBytes = 70 * 1024
)

// Options tunes the transport timeouts and per-connection buffering.
// Zero values take the package defaults.
type Options struct {
	PingInterval   time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	SendBufferSize int
}

func (o Options) withDefaults() Options {
	if o.PingInterval <= 0 {
		o.PingInterval = defaultPingInterval
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = defaultReadTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.SendBufferSize <= 0 {
		o.SendBufferSize = defaultSendBufferSize
	}
	return o
}

var upgrader = websocket.Upgrader{
	// Origin checking is delegated to the deployment's reverse proxy.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	HandshakeTimeout: 10 * time.Second,
}

// Handler accepts WebSocket connections for the event endpoint.
type Handler struct {
	dispatcher *dispatch.Dispatcher
	opts       Options
}

func NewHandler(d *dispatch.Dispatcher, opts Options) *Handler {
	return &Handler{dispatcher: d, opts: opts.withDefaults()}
}

// HandleWebSocket upgrades the request and runs the connection until the
// peer goes away.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	conn := NewConnection(wsConn, h.opts)
	go h.handleConnection(conn)
}

// handleConnection runs the heartbeat and the read pump. On any read
// failure the participant is detached from their session and the
// connection torn down.
func (h *Handler) handleConnection(conn *Connection) {
	state := &dispatch.ClientState{}

	defer func() {
		h.dispatcher.HandleDisconnect(state, conn)
		_ = conn.Close()
	}()

	conn.conn.SetReadLimit(maxFrameBytes)
	if err := conn.conn.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout)); err != nil {
		log.Printf("Failed to set read deadline: %v", err)
		return
	}
	conn.conn.SetPongHandler(func(string) error {
		return conn.conn.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout))
	})

	go func() {
		ticker := time.NewTicker(h.opts.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(pongTimeout)); err != nil {
					return
				}
			case <-conn.Done():
				return
			}
		}
	}()

	for {
		messageType, data, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket read error: %v", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		// Dispatch errors have already been reported to the client as
		// error events; they never end the connection.
		if err := h.dispatcher.HandleRaw(conn.ctx, state, conn, data); err != nil {
			log.Printf("Event rejected: user=%s err=%v", state.UserID, err)
		}
	}
}
