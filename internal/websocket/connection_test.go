package websocket

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"examhub/pkg/interfaces"
)

// newPairedConnection upgrades a loopback socket and returns the wrapped
// server side plus the raw client side.
func newPairedConnection(t *testing.T) (*Connection, *websocket.Conn) {
	t.Helper()

	serverSide := make(chan *Connection, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Upgrade failed: %v", err)
			return
		}
		serverSide <- NewConnection(raw, Options{})
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	select {
	case conn := <-serverSide:
		t.Cleanup(func() { _ = conn.Close() })
		return conn, client
	case <-time.After(2 * time.Second):
		t.Fatal("Server never produced a connection")
		return nil, nil
	}
}

func TestSendDeliversJSON(t *testing.T) {
	conn, client := newPairedConnection(t)

	if err := conn.Send(map[string]string{"hello": "world"}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if err := client.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	var got map[string]string
	if err := client.ReadJSON(&got); err != nil {
		t.Fatalf("Failed to read: %v", err)
	}
	if got["hello"] != "world" {
		t.Errorf("Unexpected payload: %v", got)
	}
}

func TestSendPreservesOrder(t *testing.T) {
	conn, client := newPairedConnection(t)

	for i := 0; i < 20; i++ {
		if err := conn.Send(map[string]int{"seq": i}); err != nil {
			t.Fatalf("Send %d failed: %v", i, err)
		}
	}

	if err := client.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	for i := 0; i < 20; i++ {
		var got map[string]int
		if err := client.ReadJSON(&got); err != nil {
			t.Fatalf("Failed to read message %d: %v", i, err)
		}
		if got["seq"] != i {
			t.Fatalf("Out of order delivery: expected %d, got %d", i, got["seq"])
		}
	}
}

func TestSendAfterCloseFails(t *testing.T) {
	conn, _ := newPairedConnection(t)

	if err := conn.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := conn.Send(map[string]string{"x": "y"}); err != interfaces.ErrConnectionClosed {
		t.Errorf("Expected ErrConnectionClosed, got %v", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	conn, _ := newPairedConnection(t)

	if err := conn.Close(); err != nil {
		t.Fatalf("First close failed: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Errorf("Second close failed: %v", err)
	}

	select {
	case <-conn.Done():
	default:
		t.Error("Done channel not closed after Close")
	}
}

func TestSendRejectsUnmarshalableValue(t *testing.T) {
	conn, _ := newPairedConnection(t)

	if err := conn.Send(make(chan int)); err != ErrInvalidJSON {
		t.Errorf("Expected ErrInvalidJSON, got %v", err)
	}
}

func TestOptionsDefaults(t *testing.T) {
	opts := Options{}.withDefaults()
	if opts.PingInterval != defaultPingInterval || opts.ReadTimeout != defaultReadTimeout {
		t.Errorf("Unexpected timeout defaults: %+v", opts)
	}
	if opts.WriteTimeout != defaultWriteTimeout || opts.SendBufferSize != defaultSendBufferSize {
		t.Errorf("Unexpected writer defaults: %+v", opts)
	}

	custom := Options{PingInterval: time.Second, SendBufferSize: 5}.withDefaults()
	if custom.PingInterval != time.Second || custom.SendBufferSize != 5 {
		t.Errorf("Explicit options overridden: %+v", custom)
	}
}

func TestConnectionHonorsBufferSize(t *testing.T) {
	serverSide := make(chan *Connection, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Upgrade failed: %v", err)
			return
		}
		serverSide <- NewConnection(raw, Options{SendBufferSize: 5, WriteTimeout: time.Second})
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	conn := <-serverSide
	t.Cleanup(func() { _ = conn.Close() })

	if got := cap(conn.writeCh); got != 5 {
		t.Errorf("Send buffer capacity = %d, want 5", got)
	}
	if conn.writeTimeout != time.Second {
		t.Errorf("Write timeout = %v, want 1s", conn.writeTimeout)
	}
}
