package types

import (
	"time"
)

// Participant roles. Only the teacher may drive session control.
const (
	RoleTeacher = "teacher"
	RoleStudent = "student"
)

// Status is the session control state. Transitions are owned by the
// registry; nothing else may mutate a session's status.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusEnded     Status = "ended"
)

// Control actions accepted from a teacher's control_session event.
const (
	ActionStart  = "start"
	ActionPause  = "pause"
	ActionResume = "resume"
	ActionEnd    = "end"
)

// Outbound event types delivered to connected clients.
const (
	EventSessionStatus   = "session_status"
	EventExamMessage     = "exam_message"
	EventSessionControl  = "session_control"
	EventTimeUpdate      = "time_update"
	EventAnswerConfirmed = "answer_confirmed"
	EventUserJoined      = "user_joined"
	EventUserLeft        = "user_left"
	EventSessionEnd      = "session_end"
	EventProgressUpdate  = "progress_update"
	EventError           = "error"
)

// Inbound event types accepted from connected clients.
const (
	EventJoinSession      = "join_session"
	EventLeave            = "leave"
	EventSubmitAnswer     = "submit_answer"
	EventControlSession   = "control_session"
	EventBroadcastMessage = "broadcast_message"
	EventRequestProgress  = "request_progress"
)

// Categories for teacher broadcast messages.
const (
	CategoryAnnouncement = "announcement"
	CategoryWarning      = "warning"
	CategoryReminder     = "reminder"
)

// Session is one live exam administration. Scheduling fields are set when
// the session is created; Status and the started/ended stamps change only
// through control transitions.
type Session struct {
	ID             string     `json:"id" db:"id"`
	AcademyID      string     `json:"academyId" db:"academy_id"`
	ExamID         string     `json:"examId" db:"exam_id"`
	ClassID        string     `json:"classId,omitempty" db:"class_id"`
	Title          string     `json:"title" db:"title"`
	TeacherID      string     `json:"teacherId" db:"teacher_id"`
	Status         Status     `json:"status" db:"status"`
	ScheduledStart time.Time  `json:"scheduledStart" db:"scheduled_start"`
	ScheduledEnd   time.Time  `json:"scheduledEnd" db:"scheduled_end"`
	TimeLimitSec   int        `json:"timeLimitSec,omitempty" db:"time_limit_sec"`
	RemainingSec   int        `json:"remainingSec,omitempty" db:"remaining_sec"`
	StartedAt      *time.Time `json:"startedAt,omitempty" db:"started_at"`
	EndedAt        *time.Time `json:"endedAt,omitempty" db:"ended_at"`
	CreatedAt      time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt      time.Time  `json:"updatedAt" db:"updated_at"`
	DeletedAt      *time.Time `json:"-" db:"deleted_at"`
}

// Participant is a connected identity attached to a session. The live
// connection handle itself is held by the registry, not serialized here.
type Participant struct {
	SessionID   string    `json:"sessionId"`
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	Role        string    `json:"role"`
	JoinedAt    time.Time `json:"joinedAt"`
}

// SessionStatus is the derived broadcast payload recomputed on every
// registry mutation and clock tick. TimeRemaining is server-authoritative
// and monotonically non-increasing while the session is active.
type SessionStatus struct {
	SessionID                 string `json:"sessionId"`
	Status                    Status `json:"status"`
	TimeRemaining             int    `json:"timeRemaining"`
	ConnectedParticipantCount int    `json:"connectedParticipantCount"`
}

// ExamMessage is the outbound event envelope. The payload is opaque to the
// transport layer; the server assigns ID and Timestamp.
type ExamMessage struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	SessionID string                 `json:"sessionId"`
	Payload   map[string]interface{} `json:"payload"`
	Timestamp time.Time              `json:"timestamp"`
}

// AnswerRecord is a student's submission as tracked in memory for progress
// reporting. Correctness is graded elsewhere.
type AnswerRecord struct {
	QuestionID   string    `json:"questionId"`
	Answer       string    `json:"answer"`
	TimeSpentSec int       `json:"timeSpentSec"`
	SubmittedAt  time.Time `json:"submittedAt"`
}

// StudentProgress is one row of a progress_update snapshot.
type StudentProgress struct {
	UserID            string     `json:"userId"`
	DisplayName       string     `json:"displayName"`
	AnswersSubmitted  int        `json:"answersSubmitted"`
	TotalTimeSpentSec int        `json:"totalTimeSpentSec"`
	LastSubmission    *time.Time `json:"lastSubmission,omitempty"`
	Connected         bool       `json:"connected"`
}
