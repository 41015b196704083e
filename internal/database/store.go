package database

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	dbconfig "examhub/pkg/database"
	"examhub/pkg/interfaces"
	"examhub/pkg/types"
)

// Store implements interfaces.SessionStore on SQLite. All writes funnel
// through a single goroutine; SQLite allows concurrent readers but only one
// writer, and serializing writes here avoids busy-lock churn entirely.
type Store struct {
	db           *sql.DB
	config       *dbconfig.Config
	writeChannel chan writeOperation
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex
}

type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

const sessionColumns = `id, academy_id, exam_id, class_id, title, teacher_id, status,
	scheduled_start, scheduled_end, time_limit_sec, remaining_sec,
	started_at, ended_at, created_at, updated_at, deleted_at`

// NewStore opens the database, applies the WAL/busy-timeout options the
// store depends on, and starts the writer goroutine.
func NewStore(config *dbconfig.Config) (*Store, error) {
	db, err := sql.Open("sqlite3", config.DatabasePath+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	store := &Store{
		db:           db,
		config:       config,
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
	}

	store.wg.Add(1)
	go store.writeLoop()

	return store, nil
}

func (s *Store) writeLoop() {
	defer s.wg.Done()

	for {
		select {
		case op := <-s.writeChannel:
			err := op.operation(s.db)
			if err != nil {
				// Retry once; transient SQLITE_BUSY clears quickly under WAL.
				log.Printf("Store write failed, retrying in 5 seconds: %v", err)
				time.Sleep(5 * time.Second)
				err = op.operation(s.db)
				if err != nil {
					log.Printf("Store write failed after retry: %v", err)
				}
			}
			op.result <- err

		case <-s.shutdown:
			return
		}
	}
}

func (s *Store) executeWrite(operation func(*sql.DB) error) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return interfaces.ErrStoreClosed
	}
	s.mu.RUnlock()

	result := make(chan error, 1)

	select {
	case s.writeChannel <- writeOperation{operation: operation, result: result}:
		return <-result
	case <-time.After(30 * time.Second):
		return fmt.Errorf("write operation timeout")
	case <-s.shutdown:
		return interfaces.ErrStoreClosed
	}
}

// CreateSession inserts a new scheduled session row.
func (s *Store) CreateSession(ctx context.Context, session *types.Session) error {
	if err := session.Validate(); err != nil {
		return err
	}

	return s.executeWrite(func(db *sql.DB) error {
		now := time.Now().UTC()
		query := `
			INSERT INTO exam_sessions
				(id, academy_id, exam_id, class_id, title, teacher_id, status,
				 scheduled_start, scheduled_end, time_limit_sec, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`
		_, err := db.ExecContext(ctx, query,
			session.ID,
			session.AcademyID,
			session.ExamID,
			session.ClassID,
			session.Title,
			session.TeacherID,
			string(types.StatusScheduled),
			session.ScheduledStart,
			session.ScheduledEnd,
			session.TimeLimitSec,
			now,
			now,
		)
		if err != nil {
			return fmt.Errorf("failed to insert session: %w", err)
		}
		return nil
	})
}

// GetSession returns a session by ID. Soft-deleted rows are invisible.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*types.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM exam_sessions WHERE id = ? AND deleted_at IS NULL`

	row := s.db.QueryRowContext(ctx, query, sessionID)
	session, err := scanSession(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, types.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	return session, nil
}

// UpdateSession rewrites the mutable scheduling fields of a session.
func (s *Store) UpdateSession(ctx context.Context, session *types.Session) error {
	return s.executeWrite(func(db *sql.DB) error {
		query := `
			UPDATE exam_sessions
			SET title = ?, class_id = ?, scheduled_start = ?, scheduled_end = ?,
			    time_limit_sec = ?, status = ?, updated_at = ?
			WHERE id = ? AND deleted_at IS NULL
		`
		res, err := db.ExecContext(ctx, query,
			session.Title,
			session.ClassID,
			session.ScheduledStart,
			session.ScheduledEnd,
			session.TimeLimitSec,
			string(session.Status),
			time.Now().UTC(),
			session.ID,
		)
		if err != nil {
			return fmt.Errorf("failed to update session: %w", err)
		}
		return requireRow(res)
	})
}

// ListSessions returns all live (not soft-deleted) sessions for an academy,
// most recently scheduled first.
func (s *Store) ListSessions(ctx context.Context, academyID string) ([]*types.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM exam_sessions
		WHERE academy_id = ? AND deleted_at IS NULL
		ORDER BY scheduled_start DESC`

	rows, err := s.db.QueryContext(ctx, query, academyID)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*types.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating session rows: %w", err)
	}

	return sessions, nil
}

// SoftDeleteSession marks a session deleted without removing the row.
func (s *Store) SoftDeleteSession(ctx context.Context, sessionID string) error {
	return s.executeWrite(func(db *sql.DB) error {
		res, err := db.ExecContext(ctx,
			`UPDATE exam_sessions SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`,
			time.Now().UTC(), time.Now().UTC(), sessionID,
		)
		if err != nil {
			return fmt.Errorf("failed to soft delete session: %w", err)
		}
		return requireRow(res)
	})
}

// MarkStarted persists a start transition with the effective time limit.
func (s *Store) MarkStarted(ctx context.Context, sessionID string, startedAt time.Time, timeLimitSec int) error {
	return s.executeWrite(func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `
			UPDATE exam_sessions
			SET status = ?, started_at = ?, time_limit_sec = ?, remaining_sec = NULL, updated_at = ?
			WHERE id = ? AND deleted_at IS NULL
		`, string(types.StatusActive), startedAt.UTC(), timeLimitSec, time.Now().UTC(), sessionID)
		if err != nil {
			return fmt.Errorf("failed to mark session started: %w", err)
		}
		return requireRow(res)
	})
}

// MarkPaused persists a pause transition with the frozen remaining seconds.
func (s *Store) MarkPaused(ctx context.Context, sessionID string, remainingSec int) error {
	return s.executeWrite(func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `
			UPDATE exam_sessions
			SET status = ?, remaining_sec = ?, updated_at = ?
			WHERE id = ? AND deleted_at IS NULL
		`, string(types.StatusPaused), remainingSec, time.Now().UTC(), sessionID)
		if err != nil {
			return fmt.Errorf("failed to mark session paused: %w", err)
		}
		return requireRow(res)
	})
}

// MarkResumed persists a resume transition.
func (s *Store) MarkResumed(ctx context.Context, sessionID string) error {
	return s.executeWrite(func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `
			UPDATE exam_sessions
			SET status = ?, remaining_sec = NULL, updated_at = ?
			WHERE id = ? AND deleted_at IS NULL
		`, string(types.StatusActive), time.Now().UTC(), sessionID)
		if err != nil {
			return fmt.Errorf("failed to mark session resumed: %w", err)
		}
		return requireRow(res)
	})
}

// MarkEnded persists an end transition.
func (s *Store) MarkEnded(ctx context.Context, sessionID string, endedAt time.Time) error {
	return s.executeWrite(func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `
			UPDATE exam_sessions
			SET status = ?, ended_at = ?, remaining_sec = 0, updated_at = ?
			WHERE id = ? AND deleted_at IS NULL
		`, string(types.StatusEnded), endedAt.UTC(), time.Now().UTC(), sessionID)
		if err != nil {
			return fmt.Errorf("failed to mark session ended: %w", err)
		}
		return requireRow(res)
	})
}

// HealthCheck validates connectivity and a basic read.
func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM exam_sessions").Scan(&count); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// GetDB exposes the underlying handle for migrations and schema checks.
func (s *Store) GetDB() *sql.DB {
	return s.db
}

// Close drains the writer goroutine and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.shutdown)
	s.wg.Wait()

	return s.db.Close()
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row scanner) (*types.Session, error) {
	var session types.Session
	var status string
	var scheduledStart, scheduledEnd sql.NullTime
	var remainingSec sql.NullInt64
	var startedAt, endedAt, deletedAt sql.NullTime

	err := row.Scan(
		&session.ID,
		&session.AcademyID,
		&session.ExamID,
		&session.ClassID,
		&session.Title,
		&session.TeacherID,
		&status,
		&scheduledStart,
		&scheduledEnd,
		&session.TimeLimitSec,
		&remainingSec,
		&startedAt,
		&endedAt,
		&session.CreatedAt,
		&session.UpdatedAt,
		&deletedAt,
	)
	if err != nil {
		return nil, err
	}

	session.Status = types.Status(status)
	if remainingSec.Valid {
		session.RemainingSec = int(remainingSec.Int64)
	}
	if scheduledStart.Valid {
		session.ScheduledStart = scheduledStart.Time
	}
	if scheduledEnd.Valid {
		session.ScheduledEnd = scheduledEnd.Time
	}
	if startedAt.Valid {
		session.StartedAt = &startedAt.Time
	}
	if endedAt.Valid {
		session.EndedAt = &endedAt.Time
	}
	if deletedAt.Valid {
		session.DeletedAt = &deletedAt.Time
	}

	return &session, nil
}

func requireRow(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return types.ErrSessionNotFound
	}
	return nil
}
