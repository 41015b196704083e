package websocket

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"examhub/internal/dispatch"
	"examhub/internal/registry"
	"examhub/pkg/types"
)

func newTestServer(t *testing.T) (*httptest.Server, *registry.Registry) {
	t.Helper()
	reg := registry.New(nil, nil, registry.Options{
		TickInterval:        50 * time.Millisecond,
		DefaultExamDuration: time.Minute,
	})
	handler := NewHandler(dispatch.New(reg), Options{})
	srv := httptest.NewServer(http.HandlerFunc(handler.HandleWebSocket))
	t.Cleanup(srv.Close)
	return srv, reg
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendEvent(t *testing.T, conn *websocket.Conn, eventType string, payload interface{}) {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("Failed to marshal payload: %v", err)
	}
	event := types.ClientEvent{Type: eventType, Payload: body}
	if err := conn.WriteJSON(event); err != nil {
		t.Fatalf("Failed to send %s: %v", eventType, err)
	}
}

func readMessage(t *testing.T, conn *websocket.Conn) *types.ExamMessage {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	var msg types.ExamMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}
	return &msg
}

// readUntil skips unrelated messages (time updates, join notifications)
// until one of the wanted type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, msgType string) *types.ExamMessage {
	t.Helper()
	for i := 0; i < 50; i++ {
		msg := readMessage(t, conn)
		if msg.Type == msgType {
			return msg
		}
	}
	t.Fatalf("Never received %s", msgType)
	return nil
}

func joinSession(t *testing.T, conn *websocket.Conn, sessionID, userID, role string) {
	t.Helper()
	sendEvent(t, conn, types.EventJoinSession, types.JoinSessionPayload{
		SessionID: sessionID,
		UserID:    userID,
		UserName:  userID,
		Role:      role,
	})
	readUntil(t, conn, types.EventSessionStatus)
}

func TestJoinOverWebSocket(t *testing.T) {
	srv, reg := newTestServer(t)
	conn := dial(t, srv)

	sendEvent(t, conn, types.EventJoinSession, types.JoinSessionPayload{
		SessionID: "exam-1",
		UserID:    "teacher1",
		UserName:  "teacher1",
		Role:      types.RoleTeacher,
	})

	msg := readUntil(t, conn, types.EventSessionStatus)
	if msg.SessionID != "exam-1" {
		t.Errorf("Unexpected session in status reply: %s", msg.SessionID)
	}

	if count := reg.ParticipantCount("exam-1"); count != 1 {
		t.Errorf("Expected 1 registered participant, got %d", count)
	}
}

func TestInvalidEventGetsErrorReply(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dial(t, srv)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"teleport"}`)); err != nil {
		t.Fatalf("Failed to write frame: %v", err)
	}

	msg := readUntil(t, conn, types.EventError)
	if msg.Payload["code"] != "unknown_event" {
		t.Errorf("Expected unknown_event, got %v", msg.Payload["code"])
	}
}

func TestControlBroadcastReachesStudent(t *testing.T) {
	srv, _ := newTestServer(t)
	teacher := dial(t, srv)
	student := dial(t, srv)

	joinSession(t, teacher, "exam-1", "teacher1", types.RoleTeacher)
	joinSession(t, student, "exam-1", "student1", types.RoleStudent)

	sendEvent(t, teacher, types.EventControlSession, types.ControlSessionPayload{
		Action:       types.ActionStart,
		SessionID:    "exam-1",
		TimeLimitSec: 600,
	})

	msg := readUntil(t, student, types.EventSessionControl)
	if msg.Payload["action"] != types.ActionStart {
		t.Errorf("Expected start action, got %v", msg.Payload["action"])
	}

	// The server clock drives time updates to everyone.
	readUntil(t, student, types.EventTimeUpdate)
	readUntil(t, teacher, types.EventTimeUpdate)
}

func TestDisconnectDetachesParticipant(t *testing.T) {
	srv, reg := newTestServer(t)
	teacher := dial(t, srv)
	student := dial(t, srv)

	joinSession(t, teacher, "exam-1", "teacher1", types.RoleTeacher)
	joinSession(t, student, "exam-1", "student1", types.RoleStudent)

	if err := student.Close(); err != nil {
		t.Fatalf("Failed to close student connection: %v", err)
	}

	msg := readUntil(t, teacher, types.EventUserLeft)
	if msg.Payload["userId"] != "student1" {
		t.Errorf("Expected user_left for student1, got %v", msg.Payload["userId"])
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if reg.ParticipantCount("exam-1") == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Errorf("Participant not detached, count=%d", reg.ParticipantCount("exam-1"))
}

func TestSubmitAnswerAckOverWebSocket(t *testing.T) {
	srv, _ := newTestServer(t)
	teacher := dial(t, srv)
	student := dial(t, srv)

	joinSession(t, teacher, "exam-1", "teacher1", types.RoleTeacher)
	joinSession(t, student, "exam-1", "student1", types.RoleStudent)

	sendEvent(t, teacher, types.EventControlSession, types.ControlSessionPayload{
		Action:       types.ActionStart,
		SessionID:    "exam-1",
		TimeLimitSec: 600,
	})
	readUntil(t, student, types.EventSessionControl)

	sendEvent(t, student, types.EventSubmitAnswer, types.SubmitAnswerPayload{
		SessionID:    "exam-1",
		QuestionID:   "q1",
		Answer:       "C",
		TimeSpentSec: 7,
	})

	ack := readUntil(t, student, types.EventAnswerConfirmed)
	if ack.Payload["questionId"] != "q1" {
		t.Errorf("Unexpected ack payload: %v", ack.Payload)
	}
}
