package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"examhub/pkg/interfaces"
)

const (
	// defaultSendBufferSize bounds how far a slow reader can fall behind
	// before messages are dropped for that connection.
	defaultSendBufferSize = 100

	defaultWriteTimeout = 5 * time.Second
)

// Connection wraps a gorilla websocket with a single writer goroutine.
// All outbound traffic funnels through writeCh; the registry's fan-out
// enqueues here and the writer drains in FIFO order, which is what gives
// each participant per-session ordered delivery.
type Connection struct {
	conn         *websocket.Conn
	writeCh      chan []byte
	writeTimeout time.Duration
	ctx          context.Context
	cancel       context.CancelFunc
	closeOnce    sync.Once
}

// NewConnection wraps an upgraded websocket and starts its writer.
func NewConnection(conn *websocket.Conn, opts Options) *Connection {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		conn:         conn,
		writeCh:      make(chan []byte, opts.SendBufferSize),
		writeTimeout: opts.WriteTimeout,
		ctx:          ctx,
		cancel:       cancel,
	}
	go c.writeLoop()
	return c
}

func (c *Connection) writeLoop() {
	for {
		select {
		case data := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// Send enqueues a message without blocking. A full buffer means this
// participant is too far behind; the message is dropped for them only.
func (c *Connection) Send(v interface{}) error {
	select {
	case <-c.ctx.Done():
		return interfaces.ErrConnectionClosed
	default:
	}

	data, err := json.Marshal(v)
	if err != nil {
		return ErrInvalidJSON
	}

	select {
	case c.writeCh <- data:
		return nil
	default:
		return interfaces.ErrSendBufferFull
	}
}

// Close stops the writer and closes the socket. Safe to call repeatedly.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		err = c.conn.Close()
	})
	return err
}

// Done is closed once the connection is torn down.
func (c *Connection) Done() <-chan struct{} {
	return c.ctx.Done()
}
