package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"examhub/internal/dispatch"
	"examhub/internal/registry"
	ws "examhub/internal/websocket"
	"examhub/pkg/types"
)

func TestBackoffDelay(t *testing.T) {
	base := time.Second
	cap := 10 * time.Second

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 10 * time.Second}, // 16s capped
		{5, 10 * time.Second},
		{20, 10 * time.Second},
	}
	for _, tc := range cases {
		if got := backoffDelay(base, cap, tc.attempt); got != tc.want {
			t.Errorf("backoffDelay(attempt=%d) = %v, expected %v", tc.attempt, got, tc.want)
		}
	}
}

func TestBackoffDelayBaseAboveCap(t *testing.T) {
	if got := backoffDelay(30*time.Second, 10*time.Second, 0); got != 10*time.Second {
		t.Errorf("Expected cap, got %v", got)
	}
}

// newCoordinatorServer runs the real server stack behind httptest.
func newCoordinatorServer(t *testing.T) *httptest.Server {
	t.Helper()
	reg := registry.New(nil, nil, registry.Options{
		TickInterval:        50 * time.Millisecond,
		DefaultExamDuration: time.Minute,
	})
	handler := ws.NewHandler(dispatch.New(reg), ws.Options{})
	srv := httptest.NewServer(http.HandlerFunc(handler.HandleWebSocket))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// messageCollector buffers OnMessage callbacks for assertions.
type messageCollector struct {
	mu       sync.Mutex
	messages []*types.ExamMessage
}

func (m *messageCollector) collect(msg *types.ExamMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
}

func (m *messageCollector) firstOfType(msgType string) *types.ExamMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range m.messages {
		if msg.Type == msgType {
			return msg
		}
	}
	return nil
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("Condition not met before deadline")
}

func TestConnectAndJoin(t *testing.T) {
	srv := newCoordinatorServer(t)
	collector := &messageCollector{}

	c := New(Config{ServerURL: wsURL(srv)})
	c.OnMessage = collector.collect
	t.Cleanup(func() { _ = c.Close() })

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if c.State() != StateConnected {
		t.Errorf("Expected connected state, got %s", c.State())
	}

	if err := c.JoinSession(&types.JoinSessionPayload{
		SessionID: "exam-1",
		UserID:    "student1",
		UserName:  "student1",
		Role:      types.RoleStudent,
	}); err != nil {
		t.Fatalf("JoinSession failed: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return collector.firstOfType(types.EventSessionStatus) != nil
	})
}

func TestJoinBeforeConnectIsDeferred(t *testing.T) {
	srv := newCoordinatorServer(t)
	collector := &messageCollector{}

	c := New(Config{ServerURL: wsURL(srv)})
	c.OnMessage = collector.collect
	t.Cleanup(func() { _ = c.Close() })

	if err := c.JoinSession(&types.JoinSessionPayload{
		SessionID: "exam-1",
		UserID:    "student1",
		UserName:  "student1",
		Role:      types.RoleStudent,
	}); err != nil {
		t.Fatalf("Deferred JoinSession failed: %v", err)
	}
	if c.State() != StateDisconnected {
		t.Errorf("Join before connect changed state to %s", c.State())
	}

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	// The deferred join fires on connect.
	waitFor(t, 2*time.Second, func() bool {
		return collector.firstOfType(types.EventSessionStatus) != nil
	})
}

func TestSendWhileDisconnected(t *testing.T) {
	c := New(Config{ServerURL: "ws://localhost:0/ws"})

	err := c.SubmitAnswer(&types.SubmitAnswerPayload{SessionID: "exam-1", QuestionID: "q1", Answer: "A"})
	if err != ErrNotConnected {
		t.Errorf("Expected ErrNotConnected, got %v", err)
	}
}

func TestHistoryCollectsExamMessages(t *testing.T) {
	srv := newCoordinatorServer(t)

	teacher := New(Config{ServerURL: wsURL(srv)})
	t.Cleanup(func() { _ = teacher.Close() })
	student := New(Config{ServerURL: wsURL(srv)})
	collector := &messageCollector{}
	student.OnMessage = collector.collect
	t.Cleanup(func() { _ = student.Close() })

	for _, c := range []*Client{teacher, student} {
		if err := c.Connect(context.Background()); err != nil {
			t.Fatalf("Connect failed: %v", err)
		}
	}
	if err := teacher.JoinSession(&types.JoinSessionPayload{
		SessionID: "exam-1", UserID: "teacher1", UserName: "teacher1", Role: types.RoleTeacher,
	}); err != nil {
		t.Fatalf("Teacher join failed: %v", err)
	}
	if err := student.JoinSession(&types.JoinSessionPayload{
		SessionID: "exam-1", UserID: "student1", UserName: "student1", Role: types.RoleStudent,
	}); err != nil {
		t.Fatalf("Student join failed: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		return collector.firstOfType(types.EventSessionStatus) != nil
	})

	if err := teacher.BroadcastMessage(&types.BroadcastMessagePayload{
		SessionID: "exam-1",
		Message:   "10 minutes remaining",
		Category:  types.CategoryWarning,
	}); err != nil {
		t.Fatalf("BroadcastMessage failed: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return len(student.History()) == 1
	})
	if got := student.History()[0].Payload["message"]; got != "10 minutes remaining" {
		t.Errorf("Unexpected history entry: %v", got)
	}

	// Leaving drops the local history.
	if err := student.Leave(); err != nil {
		t.Fatalf("Leave failed: %v", err)
	}
	if len(student.History()) != 0 {
		t.Error("History survived leave")
	}
}

func TestReconnectAfterDrop(t *testing.T) {
	srv := newCoordinatorServer(t)
	collector := &messageCollector{}

	c := New(Config{
		ServerURL:            wsURL(srv),
		BackoffBase:          20 * time.Millisecond,
		BackoffCap:           50 * time.Millisecond,
		MaxReconnectAttempts: 5,
	})
	c.OnMessage = collector.collect
	t.Cleanup(func() { _ = c.Close() })

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := c.JoinSession(&types.JoinSessionPayload{
		SessionID: "exam-1", UserID: "student1", UserName: "student1", Role: types.RoleStudent,
	}); err != nil {
		t.Fatalf("JoinSession failed: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		return collector.firstOfType(types.EventSessionStatus) != nil
	})

	// Kill the link out from under the client; it must come back and
	// re-join on its own.
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	_ = conn.Close()

	waitFor(t, 3*time.Second, func() bool {
		return c.State() == StateConnected
	})

	collector.mu.Lock()
	statusCount := 0
	for _, msg := range collector.messages {
		if msg.Type == types.EventSessionStatus {
			statusCount++
		}
	}
	collector.mu.Unlock()
	if statusCount < 2 {
		t.Errorf("Expected a fresh session_status after re-join, saw %d", statusCount)
	}
}

func TestReconnectExhaustionFails(t *testing.T) {
	srv := newCoordinatorServer(t)
	c := New(Config{
		ServerURL:            wsURL(srv),
		BackoffBase:          10 * time.Millisecond,
		BackoffCap:           20 * time.Millisecond,
		MaxReconnectAttempts: 3,
	})
	t.Cleanup(func() { _ = c.Close() })

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := c.JoinSession(&types.JoinSessionPayload{
		SessionID: "exam-1", UserID: "student1", UserName: "student1", Role: types.RoleStudent,
	}); err != nil {
		t.Fatalf("JoinSession failed: %v", err)
	}

	// Take the server away entirely so every reconnect attempt fails.
	srv.Close()

	waitFor(t, 5*time.Second, func() bool {
		return c.State() == StateFailed
	})
	if c.LastError() != ErrMaxReconnectAttempts {
		t.Errorf("Expected ErrMaxReconnectAttempts, got %v", c.LastError())
	}

	// A failed client refuses further sends.
	if err := c.SubmitAnswer(&types.SubmitAnswerPayload{SessionID: "exam-1", QuestionID: "q1", Answer: "A"}); err != ErrNotConnected {
		t.Errorf("Expected ErrNotConnected after failure, got %v", err)
	}
}

func TestLeaveClosesConnection(t *testing.T) {
	srv := newCoordinatorServer(t)
	c := New(Config{
		ServerURL:            wsURL(srv),
		BackoffBase:          10 * time.Millisecond,
		MaxReconnectAttempts: 5,
	})
	t.Cleanup(func() { _ = c.Close() })

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := c.JoinSession(&types.JoinSessionPayload{
		SessionID: "exam-1", UserID: "student1", UserName: "student1", Role: types.RoleStudent,
	}); err != nil {
		t.Fatalf("JoinSession failed: %v", err)
	}
	if err := c.Leave(); err != nil {
		t.Fatalf("Leave failed: %v", err)
	}

	// Leave tears the link down and settles at disconnected without
	// triggering the reconnect loop.
	if state := c.State(); state != StateDisconnected {
		t.Errorf("State after leave = %s, want disconnected", state)
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		t.Error("Connection still held after leave")
	}
	if err := c.SubmitAnswer(&types.SubmitAnswerPayload{SessionID: "exam-1", QuestionID: "q1", Answer: "A"}); err != ErrNotConnected {
		t.Errorf("Expected ErrNotConnected after leave, got %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if state := c.State(); state != StateDisconnected {
		t.Errorf("Left client drifted to state %s", state)
	}
}

func TestLeaveCancelsBackoffImmediately(t *testing.T) {
	srv := newCoordinatorServer(t)
	c := New(Config{
		ServerURL:            wsURL(srv),
		BackoffBase:          5 * time.Second,
		BackoffCap:           10 * time.Second,
		MaxReconnectAttempts: 5,
	})
	t.Cleanup(func() { _ = c.Close() })

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := c.JoinSession(&types.JoinSessionPayload{
		SessionID: "exam-1", UserID: "student1", UserName: "student1", Role: types.RoleStudent,
	}); err != nil {
		t.Fatalf("JoinSession failed: %v", err)
	}

	// Drop the link so the client enters its first backoff window, which
	// at 5s dwarfs the test timeout.
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	_ = conn.Close()
	waitFor(t, 2*time.Second, func() bool {
		return c.State() == StateReconnecting
	})

	start := time.Now()
	if err := c.Leave(); err != nil {
		t.Fatalf("Leave failed: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		return c.State() == StateDisconnected
	})
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Leave took %v to cancel the backoff", elapsed)
	}
}

func TestCloseCancelsBackoffImmediately(t *testing.T) {
	srv := newCoordinatorServer(t)
	c := New(Config{
		ServerURL:            wsURL(srv),
		BackoffBase:          5 * time.Second,
		BackoffCap:           10 * time.Second,
		MaxReconnectAttempts: 5,
	})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := c.JoinSession(&types.JoinSessionPayload{
		SessionID: "exam-1", UserID: "student1", UserName: "student1", Role: types.RoleStudent,
	}); err != nil {
		t.Fatalf("JoinSession failed: %v", err)
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	_ = conn.Close()
	waitFor(t, 2*time.Second, func() bool {
		return c.State() == StateReconnecting
	})

	start := time.Now()
	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		return c.State() == StateDisconnected
	})
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Close took %v to cancel the backoff", elapsed)
	}
}

func TestCloseStopsReconnects(t *testing.T) {
	srv := newCoordinatorServer(t)
	c := New(Config{
		ServerURL:            wsURL(srv),
		BackoffBase:          10 * time.Millisecond,
		MaxReconnectAttempts: 100,
	})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if state := c.State(); state != StateDisconnected {
		t.Errorf("Closed client left in state %s", state)
	}

	if err := c.Connect(context.Background()); err != ErrClientClosed {
		t.Errorf("Expected ErrClientClosed, got %v", err)
	}
}
