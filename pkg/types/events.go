package types

import "encoding/json"

// ClientEvent is the inbound wire envelope. The payload shape depends on
// Type; handlers unmarshal the variant they own.
type ClientEvent struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// JoinSessionPayload attaches a participant to a session.
type JoinSessionPayload struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
	UserName  string `json:"userName"`
	Role      string `json:"role"`
	AcademyID string `json:"academyId"`
}

// SubmitAnswerPayload records a student's answer for one question.
type SubmitAnswerPayload struct {
	SessionID    string `json:"sessionId"`
	QuestionID   string `json:"questionId"`
	Answer       string `json:"answer"`
	TimeSpentSec int    `json:"timeSpent"`
}

// ControlSessionPayload drives the session state machine. TimeLimitSec is
// only meaningful on a start action and overrides the stored limit.
type ControlSessionPayload struct {
	Action       string `json:"action"`
	SessionID    string `json:"sessionId"`
	TimeLimitSec int    `json:"timeLimit,omitempty"`
}

// BroadcastMessagePayload is a teacher announcement to the whole session.
// Category is carried on the wire as "type" (announcement/warning/reminder).
type BroadcastMessagePayload struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
	Category  string `json:"type"`
}

// RequestProgressPayload asks for a progress snapshot of a session.
type RequestProgressPayload struct {
	SessionID string `json:"sessionId"`
}
