package interfaces

import (
	"context"
	"time"

	"examhub/pkg/types"
)

// SessionStore is the persistence collaborator for session lifecycle state.
// Rows are keyed by academy and exam identifiers and soft-deleted with a
// deleted_at marker; the registry invokes the Mark* calls on every control
// transition so status survives process restarts independent of in-memory
// state.
type SessionStore interface {
	CreateSession(ctx context.Context, session *types.Session) error
	GetSession(ctx context.Context, sessionID string) (*types.Session, error)
	UpdateSession(ctx context.Context, session *types.Session) error
	ListSessions(ctx context.Context, academyID string) ([]*types.Session, error)
	SoftDeleteSession(ctx context.Context, sessionID string) error

	// Control transition persistence. MarkPaused records the frozen
	// remaining seconds so a restarted process can resume the countdown.
	MarkStarted(ctx context.Context, sessionID string, startedAt time.Time, timeLimitSec int) error
	MarkPaused(ctx context.Context, sessionID string, remainingSec int) error
	MarkResumed(ctx context.Context, sessionID string) error
	MarkEnded(ctx context.Context, sessionID string, endedAt time.Time) error

	HealthCheck(ctx context.Context) error
	Close() error
}
