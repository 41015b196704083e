// Package registry is the authoritative in-memory store for live session
// state: who is connected, what status each session is in, and what every
// student has submitted. All mutations of a session's state happen under
// that session's own lock; sessions never contend with each other.
package registry

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"examhub/internal/clock"
	"examhub/internal/control"
	"examhub/pkg/interfaces"
	"examhub/pkg/types"
)

// StatusSink receives derived status snapshots for operational tooling.
// Implementations must tolerate concurrent calls; errors are logged, never
// propagated into session processing.
type StatusSink interface {
	PublishStatus(ctx context.Context, status *types.SessionStatus) error
}

// Options tunes live session behavior.
type Options struct {
	TickInterval        time.Duration
	DefaultExamDuration time.Duration
	AllowLateJoin       bool
}

// Registry owns the session map. The outer RWMutex guards only entry
// lookup, insert and evict; each entry carries its own mutex that
// serializes every mutating operation on that session.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*sessionEntry

	store interfaces.SessionStore // optional, nil-safe
	sink  StatusSink              // optional, nil-safe
	opts  Options
}

// member is one connected participant with their authoritative handle.
type member struct {
	participant types.Participant
	conn        interfaces.Conn
}

// progressRecord survives disconnects so a reconnecting student does not
// lose submitted work.
type progressRecord struct {
	displayName string
	answers     map[string]*types.AnswerRecord
	lastSubmit  time.Time
}

type sessionEntry struct {
	mu           sync.Mutex
	session      *types.Session
	participants map[string]*member
	progress     map[string]*progressRecord

	// deadline is meaningful while active; remaining holds the frozen
	// countdown while paused.
	deadline  time.Time
	remaining time.Duration
	ticker    *clock.Ticker

	// evicted marks an entry already removed from the registry map; once
	// set under mu it never clears, so a caller holding a stale pointer
	// can detect the removal and look the session up again.
	evicted bool
}

// New creates a registry. store and sink may be nil.
func New(store interfaces.SessionStore, sink StatusSink, opts Options) *Registry {
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}
	if opts.DefaultExamDuration <= 0 {
		opts.DefaultExamDuration = 30 * time.Minute
	}
	return &Registry{
		sessions: make(map[string]*sessionEntry),
		store:    store,
		sink:     sink,
		opts:     opts,
	}
}

// Join registers or replaces the caller's connection handle and returns the
// freshly computed status snapshot. Students are refused entry to an ended
// session unless late join is allowed; teachers always succeed. All other
// current participants receive a user_joined event.
func (r *Registry) Join(ctx context.Context, p *types.JoinSessionPayload, conn interfaces.Conn) (*types.SessionStatus, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	entry := r.entryOrCreate(ctx, p.SessionID)

	entry.mu.Lock()
	for entry.evicted {
		// Lost a race against eviction of an ended, empty session;
		// registering here would leave the participant invisible to the
		// registry. Look the session up again.
		entry.mu.Unlock()
		entry = r.entryOrCreate(ctx, p.SessionID)
		entry.mu.Lock()
	}

	if p.Role == types.RoleStudent && entry.session.Status == types.StatusEnded && !r.opts.AllowLateJoin {
		entry.mu.Unlock()
		r.maybeEvict(p.SessionID, entry)
		return nil, types.ErrSessionClosed
	}

	if existing, ok := entry.participants[p.UserID]; ok && existing.conn != conn {
		// A reconnect supersedes the previous handle. Close the old one
		// asynchronously so its teardown cannot stall this session.
		old := existing.conn
		go func() {
			if err := old.Close(); err != nil {
				log.Printf("Failed to close superseded connection: user=%s err=%v", p.UserID, err)
			}
		}()
	}

	entry.participants[p.UserID] = &member{
		participant: types.Participant{
			SessionID:   p.SessionID,
			UserID:      p.UserID,
			DisplayName: p.UserName,
			Role:        p.Role,
			JoinedAt:    time.Now(),
		},
		conn: conn,
	}
	if rec, ok := entry.progress[p.UserID]; ok {
		rec.displayName = p.UserName
	}

	entry.broadcastLocked(newMessage(p.SessionID, types.EventUserJoined, map[string]interface{}{
		"userId":   p.UserID,
		"userName": p.UserName,
		"role":     p.Role,
	}), p.UserID)

	status := entry.statusLocked(r.opts.DefaultExamDuration)
	entry.mu.Unlock()

	log.Printf("Participant joined: session=%s user=%s role=%s", p.SessionID, p.UserID, p.Role)
	r.publishStatus(status)
	return status, nil
}

// Leave removes the participant's handle if conn is still the authoritative
// one for that identity; a handle already superseded by a reconnect is left
// alone. Idempotent. Emits user_left to the remaining participants and
// evicts the entry once the session is ended and empty.
func (r *Registry) Leave(sessionID, userID string, conn interfaces.Conn) {
	entry := r.entry(sessionID)
	if entry == nil {
		return
	}

	entry.mu.Lock()
	existing, ok := entry.participants[userID]
	if !ok || (conn != nil && existing.conn != conn) {
		entry.mu.Unlock()
		return
	}

	delete(entry.participants, userID)
	entry.broadcastLocked(newMessage(sessionID, types.EventUserLeft, map[string]interface{}{
		"userId":   userID,
		"userName": existing.participant.DisplayName,
		"role":     existing.participant.Role,
	}), "")
	status := entry.statusLocked(r.opts.DefaultExamDuration)
	entry.mu.Unlock()

	log.Printf("Participant left: session=%s user=%s", sessionID, userID)
	r.publishStatus(status)
	r.maybeEvict(sessionID, entry)
}

// GetStatus returns a read-only snapshot of a registered session.
func (r *Registry) GetStatus(sessionID string) (*types.SessionStatus, error) {
	entry := r.entry(sessionID)
	if entry == nil {
		return nil, types.ErrSessionNotFound
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.evicted {
		return nil, types.ErrSessionNotFound
	}
	return entry.statusLocked(r.opts.DefaultExamDuration), nil
}

// ParticipantCount returns the number of connected participants for a
// session, zero for an unknown session.
func (r *Registry) ParticipantCount(sessionID string) int {
	entry := r.entry(sessionID)
	if entry == nil {
		return 0
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return len(entry.participants)
}

// GlobalConnectedCount returns the number of connected participants across
// all sessions.
func (r *Registry) GlobalConnectedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total := 0
	for _, entry := range r.sessions {
		entry.mu.Lock()
		total += len(entry.participants)
		entry.mu.Unlock()
	}
	return total
}

// GlobalSessionCount returns the number of sessions currently registered.
func (r *Registry) GlobalSessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Control applies a teacher-issued action to the session state machine.
// On success the new status is broadcast to all participants as a
// session_control event; an end additionally emits session_end. The
// transition is persisted through the store's explicit lifecycle calls.
func (r *Registry) Control(ctx context.Context, sessionID, userID, role, action string, timeLimitSec int) (*types.SessionStatus, error) {
	if role != types.RoleTeacher {
		return nil, types.ErrForbidden
	}
	if !types.IsValidAction(action) {
		return nil, types.ErrInvalidAction
	}

	entry := r.entry(sessionID)
	if entry == nil {
		return nil, types.ErrSessionNotFound
	}

	entry.mu.Lock()

	next, err := control.Next(entry.session.Status, action)
	if err != nil {
		entry.mu.Unlock()
		return nil, err
	}

	now := time.Now()
	switch action {
	case types.ActionStart:
		limit := r.effectiveLimit(entry, timeLimitSec)
		entry.session.Status = next
		entry.session.StartedAt = &now
		entry.deadline = now.Add(limit)
		r.persist("start", func(ctx context.Context) error {
			return r.store.MarkStarted(ctx, sessionID, now, int(limit.Seconds()))
		})
		r.startTickerLocked(sessionID, entry)

	case types.ActionPause:
		entry.session.Status = next
		entry.remaining = time.Until(entry.deadline)
		if entry.remaining < 0 {
			entry.remaining = 0
		}
		r.stopTickerLocked(entry)
		remaining := int(entry.remaining / time.Second)
		r.persist("pause", func(ctx context.Context) error {
			return r.store.MarkPaused(ctx, sessionID, remaining)
		})

	case types.ActionResume:
		entry.session.Status = next
		entry.deadline = now.Add(entry.remaining)
		r.persist("resume", func(ctx context.Context) error {
			return r.store.MarkResumed(ctx, sessionID)
		})
		r.startTickerLocked(sessionID, entry)

	case types.ActionEnd:
		r.endLocked(sessionID, entry, "ended by teacher")
		status := entry.statusLocked(r.opts.DefaultExamDuration)
		entry.mu.Unlock()
		log.Printf("Session control: session=%s action=end by=%s", sessionID, userID)
		r.publishStatus(status)
		return status, nil
	}

	status := entry.statusLocked(r.opts.DefaultExamDuration)
	entry.broadcastLocked(newMessage(sessionID, types.EventSessionControl, map[string]interface{}{
		"action": action,
		"status": status,
	}), "")
	entry.mu.Unlock()

	log.Printf("Session control: session=%s action=%s by=%s status=%s", sessionID, action, userID, status.Status)
	r.publishStatus(status)
	return status, nil
}

// SubmitAnswer records a student's submission. The session must be active
// and the submitter must be a current participant. Correctness is not
// judged here.
func (r *Registry) SubmitAnswer(sessionID, userID string, p *types.SubmitAnswerPayload) (*types.AnswerRecord, error) {
	entry := r.entry(sessionID)
	if entry == nil {
		return nil, types.ErrSessionNotFound
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.session.Status != types.StatusActive {
		return nil, types.ErrSessionClosed
	}
	m, ok := entry.participants[userID]
	if !ok {
		return nil, types.ErrForbidden
	}

	rec, ok := entry.progress[userID]
	if !ok {
		rec = &progressRecord{
			displayName: m.participant.DisplayName,
			answers:     make(map[string]*types.AnswerRecord),
		}
		entry.progress[userID] = rec
	}

	answer := &types.AnswerRecord{
		QuestionID:   p.QuestionID,
		Answer:       p.Answer,
		TimeSpentSec: p.TimeSpentSec,
		SubmittedAt:  time.Now(),
	}
	rec.answers[p.QuestionID] = answer
	rec.lastSubmit = answer.SubmittedAt

	return answer, nil
}

// Progress returns the per-student snapshot for a session. Teacher-only:
// students never see each other's progress.
func (r *Registry) Progress(sessionID, userID, role string) ([]types.StudentProgress, error) {
	if role != types.RoleTeacher {
		return nil, types.ErrForbidden
	}

	entry := r.entry(sessionID)
	if entry == nil {
		return nil, types.ErrSessionNotFound
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	seen := make(map[string]bool)
	var rows []types.StudentProgress

	for id, m := range entry.participants {
		if m.participant.Role != types.RoleStudent {
			continue
		}
		rows = append(rows, entry.progressRowLocked(id, m.participant.DisplayName, true))
		seen[id] = true
	}
	// Students who submitted and then disconnected still count.
	for id, rec := range entry.progress {
		if seen[id] {
			continue
		}
		rows = append(rows, entry.progressRowLocked(id, rec.displayName, false))
	}

	return rows, nil
}

// Broadcast delivers an event to every current participant of a session in
// submission order and returns the number of connections it was handed to.
func (r *Registry) Broadcast(sessionID, msgType string, payload map[string]interface{}) (int, error) {
	entry := r.entry(sessionID)
	if entry == nil {
		return 0, types.ErrSessionNotFound
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.evicted {
		return 0, types.ErrSessionNotFound
	}
	return entry.broadcastLocked(newMessage(sessionID, msgType, payload), ""), nil
}

// BroadcastMessage sends a teacher announcement to the whole session,
// sender included. Unknown categories fall back to announcement.
func (r *Registry) BroadcastMessage(sessionID, userID, role, text, category string) error {
	if role != types.RoleTeacher {
		return types.ErrForbidden
	}
	if !types.IsValidCategory(category) {
		category = types.CategoryAnnouncement
	}

	_, err := r.Broadcast(sessionID, types.EventExamMessage, map[string]interface{}{
		"message": text,
		"type":    category,
		"from":    userID,
	})
	return err
}

// Stats reports operational counters for the admin surface.
func (r *Registry) Stats() map[string]int {
	return map[string]int{
		"activeSessions": r.GlobalSessionCount(),
		"connectedUsers": r.GlobalConnectedCount(),
	}
}

// Shutdown stops all tickers. Connections are owned by their handlers and
// closed separately.
func (r *Registry) Shutdown() {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, entry := range r.sessions {
		entry.mu.Lock()
		r.stopTickerLocked(entry)
		entry.mu.Unlock()
	}
}

// entry returns the live entry for sessionID, or nil.
func (r *Registry) entry(sessionID string) *sessionEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[sessionID]
}

// entryOrCreate returns the live entry, loading persisted state on first
// touch. A session unknown to the store starts out scheduled; the store is
// the source of truth for sessions that ended before a restart.
func (r *Registry) entryOrCreate(ctx context.Context, sessionID string) *sessionEntry {
	if entry := r.entry(sessionID); entry != nil {
		return entry
	}

	session := r.loadSession(ctx, sessionID)

	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.sessions[sessionID]; ok {
		return entry
	}

	entry := &sessionEntry{
		session:      session,
		participants: make(map[string]*member),
		progress:     make(map[string]*progressRecord),
	}
	if session.Status == types.StatusPaused {
		entry.remaining = time.Duration(session.RemainingSec) * time.Second
	}
	r.sessions[sessionID] = entry
	return entry
}

func (r *Registry) loadSession(ctx context.Context, sessionID string) *types.Session {
	if r.store != nil {
		if stored, err := r.store.GetSession(ctx, sessionID); err == nil {
			return stored
		} else if err != types.ErrSessionNotFound {
			log.Printf("Failed to load session from store: session=%s err=%v", sessionID, err)
		}
	}
	return &types.Session{
		ID:        sessionID,
		Status:    types.StatusScheduled,
		CreatedAt: time.Now(),
	}
}

// maybeEvict removes an entry once its session has ended and no
// participants remain. Lock order is always map then entry.
func (r *Registry) maybeEvict(sessionID string, entry *sessionEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.sessions[sessionID]
	if !ok || current != entry {
		return
	}

	entry.mu.Lock()
	inert := entry.session.Status == types.StatusEnded && len(entry.participants) == 0
	if inert {
		r.stopTickerLocked(entry)
		entry.evicted = true
	}
	entry.mu.Unlock()

	if inert {
		delete(r.sessions, sessionID)
		log.Printf("Session evicted: session=%s", sessionID)
	}
}

// effectiveLimit resolves the countdown duration for a start action:
// explicit control payload, then the session's stored override, then the
// configured default.
func (r *Registry) effectiveLimit(entry *sessionEntry, timeLimitSec int) time.Duration {
	if timeLimitSec > 0 {
		return time.Duration(timeLimitSec) * time.Second
	}
	if entry.session.TimeLimitSec > 0 {
		return time.Duration(entry.session.TimeLimitSec) * time.Second
	}
	return r.opts.DefaultExamDuration
}

// startTickerLocked launches the countdown loop for an active session.
func (r *Registry) startTickerLocked(sessionID string, entry *sessionEntry) {
	r.stopTickerLocked(entry)
	ticker := clock.NewTicker(r.opts.TickInterval)
	entry.ticker = ticker
	ticker.Start(func() bool { return r.tick(sessionID, entry) })
}

func (r *Registry) stopTickerLocked(entry *sessionEntry) {
	if entry.ticker != nil {
		entry.ticker.Stop()
		entry.ticker = nil
	}
}

// tick runs once per interval while the session is active. It broadcasts
// time_update and triggers the automatic end exactly once when the
// countdown reaches zero: both the manual and automatic end funnel through
// endLocked, which re-checks status under the session lock, so only one of
// a racing pair takes effect.
func (r *Registry) tick(sessionID string, entry *sessionEntry) bool {
	entry.mu.Lock()

	if entry.session.Status != types.StatusActive {
		entry.mu.Unlock()
		return false
	}

	remaining := int(time.Until(entry.deadline) / time.Second)
	if remaining <= 0 {
		r.endLocked(sessionID, entry, "time expired")
		status := entry.statusLocked(r.opts.DefaultExamDuration)
		entry.mu.Unlock()
		r.publishStatus(status)
		return false
	}

	status := entry.statusLocked(r.opts.DefaultExamDuration)
	entry.broadcastLocked(newMessage(sessionID, types.EventTimeUpdate, map[string]interface{}{
		"timeRemaining": remaining,
	}), "")
	entry.mu.Unlock()

	r.publishStatus(status)
	return true
}

// endLocked performs the terminal transition. It is a no-op if the session
// already ended, which is the idempotency guard between the clock's
// automatic end and a concurrent manual end.
func (r *Registry) endLocked(sessionID string, entry *sessionEntry, reason string) {
	if entry.session.Status == types.StatusEnded {
		return
	}

	now := time.Now()
	entry.session.Status = types.StatusEnded
	entry.session.EndedAt = &now
	entry.remaining = 0
	r.stopTickerLocked(entry)

	r.persist("end", func(ctx context.Context) error {
		return r.store.MarkEnded(ctx, sessionID, now)
	})

	status := entry.statusLocked(r.opts.DefaultExamDuration)
	entry.broadcastLocked(newMessage(sessionID, types.EventSessionControl, map[string]interface{}{
		"action": types.ActionEnd,
		"status": status,
	}), "")
	// session_end distinguishes the session's terminal transition from any
	// client-initiated disconnect that follows it.
	entry.broadcastLocked(newMessage(sessionID, types.EventSessionEnd, map[string]interface{}{
		"reason": reason,
	}), "")

	log.Printf("Session ended: session=%s reason=%q", sessionID, reason)
}

// persist runs a store call with a bounded context, logging failures. The
// in-memory registry stays authoritative for live delivery even when the
// store briefly misbehaves.
func (r *Registry) persist(op string, fn func(context.Context) error) {
	if r.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		log.Printf("Failed to persist session %s: %v", op, err)
	}
}

func (r *Registry) publishStatus(status *types.SessionStatus) {
	if r.sink == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := r.sink.PublishStatus(ctx, status); err != nil {
			log.Printf("Failed to publish status snapshot: session=%s err=%v", status.SessionID, err)
		}
	}()
}

// statusLocked derives the broadcast snapshot from the entry's state.
func (e *sessionEntry) statusLocked(defaultDuration time.Duration) *types.SessionStatus {
	var remaining int
	switch e.session.Status {
	case types.StatusActive:
		if secs := int(time.Until(e.deadline) / time.Second); secs > 0 {
			remaining = secs
		}
	case types.StatusPaused:
		remaining = int(e.remaining / time.Second)
	case types.StatusScheduled:
		if e.session.TimeLimitSec > 0 {
			remaining = e.session.TimeLimitSec
		} else {
			remaining = int(defaultDuration / time.Second)
		}
	}

	return &types.SessionStatus{
		SessionID:                 e.session.ID,
		Status:                    e.session.Status,
		TimeRemaining:             remaining,
		ConnectedParticipantCount: len(e.participants),
	}
}

// broadcastLocked hands the message to every participant's connection,
// skipping exclude. Per-connection enqueue never blocks; a participant
// whose buffer is full simply misses this message.
func (e *sessionEntry) broadcastLocked(msg *types.ExamMessage, exclude string) int {
	delivered := 0
	for id, m := range e.participants {
		if id == exclude {
			continue
		}
		if err := m.conn.Send(msg); err != nil {
			log.Printf("Dropped message: session=%s user=%s type=%s err=%v", msg.SessionID, id, msg.Type, err)
			continue
		}
		delivered++
	}
	return delivered
}

func (e *sessionEntry) progressRowLocked(userID, displayName string, connected bool) types.StudentProgress {
	row := types.StudentProgress{
		UserID:      userID,
		DisplayName: displayName,
		Connected:   connected,
	}
	if rec, ok := e.progress[userID]; ok {
		row.AnswersSubmitted = len(rec.answers)
		for _, a := range rec.answers {
			row.TotalTimeSpentSec += a.TimeSpentSec
		}
		if !rec.lastSubmit.IsZero() {
			last := rec.lastSubmit
			row.LastSubmission = &last
		}
	}
	return row
}

func newMessage(sessionID, msgType string, payload map[string]interface{}) *types.ExamMessage {
	return &types.ExamMessage{
		ID:        uuid.New().String(),
		Type:      msgType,
		SessionID: sessionID,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}
