// Package api is the admin HTTP surface: session CRUD against the store
// and live status read-outs from the coordinator. No business logic lives
// here, only HTTP handling and JSON serialization.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"examhub/pkg/interfaces"
	"examhub/pkg/types"
)

// Coordinator is the slice of the live registry the API needs. Kept as an
// interface so handlers can be tested without WebSocket machinery.
type Coordinator interface {
	GetStatus(sessionID string) (*types.SessionStatus, error)
	ParticipantCount(sessionID string) int
	Broadcast(sessionID, msgType string, payload map[string]interface{}) (int, error)
	Stats() map[string]int
}

// StatusReader serves cached snapshots for sessions this process is not
// currently coordinating. Optional.
type StatusReader interface {
	GetStatus(ctx context.Context, sessionID string) (*types.SessionStatus, error)
	HealthCheck(ctx context.Context) error
}

type Server struct {
	store       interfaces.SessionStore
	coordinator Coordinator
	statusCache StatusReader
	router      *mux.Router
}

func NewServer(store interfaces.SessionStore, coordinator Coordinator, statusCache StatusReader) *Server {
	s := &Server{
		store:       store,
		coordinator: coordinator,
		statusCache: statusCache,
		router:      mux.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.corsMiddleware, s.jsonMiddleware)

	s.router.HandleFunc("/api/sessions", s.createSession).Methods(http.MethodPost)
	s.router.HandleFunc("/api/sessions", s.listSessions).Methods(http.MethodGet)
	s.router.HandleFunc("/api/sessions/{id}", s.getSession).Methods(http.MethodGet)
	s.router.HandleFunc("/api/sessions/{id}", s.deleteSession).Methods(http.MethodDelete)
	s.router.HandleFunc("/api/status", s.globalStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/api/status/{id}", s.sessionStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/api/broadcast", s.broadcast).Methods(http.MethodPost)
	s.router.HandleFunc("/health", s.healthCheck).Methods(http.MethodGet)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type CreateSessionRequest struct {
	ID             string    `json:"id"`
	AcademyID      string    `json:"academyId"`
	ExamID         string    `json:"examId"`
	ClassID        string    `json:"classId"`
	Title          string    `json:"title"`
	TeacherID      string    `json:"teacherId"`
	ScheduledStart time.Time `json:"scheduledStart"`
	ScheduledEnd   time.Time `json:"scheduledEnd"`
	TimeLimitSec   int       `json:"timeLimitSec"`
}

type SessionResponse struct {
	Session         *types.Session `json:"session"`
	ConnectionCount int            `json:"connectionCount"`
}

type ListSessionsResponse struct {
	Sessions []SessionResponse `json:"sessions"`
}

type BroadcastRequest struct {
	SessionID string                 `json:"sessionId"`
	Type      string                 `json:"type"`
	Payload   map[string]interface{} `json:"payload"`
}

type HealthResponse struct {
	Status      string         `json:"status"`
	Timestamp   time.Time      `json:"timestamp"`
	Database    string         `json:"database"`
	Cache       string         `json:"cache,omitempty"`
	Connections map[string]int `json:"connections"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	session := &types.Session{
		ID:             req.ID,
		AcademyID:      req.AcademyID,
		ExamID:         req.ExamID,
		ClassID:        req.ClassID,
		Title:          req.Title,
		TeacherID:      req.TeacherID,
		Status:         types.StatusScheduled,
		ScheduledStart: req.ScheduledStart,
		ScheduledEnd:   req.ScheduledEnd,
		TimeLimitSec:   req.TimeLimitSec,
	}

	if err := s.store.CreateSession(r.Context(), session); err != nil {
		if isValidationError(err) {
			s.sendError(w, err.Error(), http.StatusBadRequest)
		} else {
			s.sendError(w, "Failed to create session", http.StatusInternalServerError)
		}
		return
	}

	w.WriteHeader(http.StatusCreated)
	s.writeJSON(w, SessionResponse{Session: session})
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	academyID := r.URL.Query().Get("academyId")
	if academyID == "" {
		s.sendError(w, "academyId query parameter is required", http.StatusBadRequest)
		return
	}

	sessions, err := s.store.ListSessions(r.Context(), academyID)
	if err != nil {
		s.sendError(w, "Failed to list sessions", http.StatusInternalServerError)
		return
	}

	resp := ListSessionsResponse{Sessions: make([]SessionResponse, len(sessions))}
	for i, session := range sessions {
		resp.Sessions[i] = SessionResponse{
			Session:         session,
			ConnectionCount: s.coordinator.ParticipantCount(session.ID),
		}
	}
	s.writeJSON(w, resp)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]

	session, err := s.store.GetSession(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, types.ErrSessionNotFound) {
			s.sendError(w, "Session not found", http.StatusNotFound)
		} else {
			s.sendError(w, "Failed to get session", http.StatusInternalServerError)
		}
		return
	}

	s.writeJSON(w, SessionResponse{
		Session:         session,
		ConnectionCount: s.coordinator.ParticipantCount(sessionID),
	})
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]

	// Sessions with live participants must be ended through session
	// control before they can be removed.
	if s.coordinator.ParticipantCount(sessionID) > 0 {
		s.sendError(w, "Session has connected participants", http.StatusConflict)
		return
	}

	if err := s.store.SoftDeleteSession(r.Context(), sessionID); err != nil {
		if errors.Is(err, types.ErrSessionNotFound) {
			s.sendError(w, "Session not found", http.StatusNotFound)
		} else {
			s.sendError(w, "Failed to delete session", http.StatusInternalServerError)
		}
		return
	}

	s.writeJSON(w, map[string]string{"message": "Session deleted"})
}

func (s *Server) globalStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, s.coordinator.Stats())
}

func (s *Server) sessionStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]

	status, err := s.coordinator.GetStatus(sessionID)
	if err == nil {
		s.writeJSON(w, status)
		return
	}
	if !errors.Is(err, types.ErrSessionNotFound) {
		s.sendError(w, "Failed to get session status", http.StatusInternalServerError)
		return
	}

	// Not live here; a recently coordinated session may still be cached.
	if s.statusCache != nil {
		if cached, cacheErr := s.statusCache.GetStatus(r.Context(), sessionID); cacheErr == nil && cached != nil {
			s.writeJSON(w, cached)
			return
		}
	}
	s.sendError(w, "Session not found", http.StatusNotFound)
}

func (s *Server) broadcast(w http.ResponseWriter, r *http.Request) {
	var req BroadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.SessionID == "" {
		s.sendError(w, "sessionId is required", http.StatusBadRequest)
		return
	}
	if req.Type == "" {
		req.Type = types.EventExamMessage
	}

	delivered, err := s.coordinator.Broadcast(req.SessionID, req.Type, req.Payload)
	if err != nil {
		if errors.Is(err, types.ErrSessionNotFound) {
			s.sendError(w, "Session not found", http.StatusNotFound)
		} else {
			s.sendError(w, "Failed to broadcast", http.StatusInternalServerError)
		}
		return
	}

	s.writeJSON(w, map[string]int{"delivered": delivered})
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	dbStatus := "healthy"
	if err := s.store.HealthCheck(ctx); err != nil {
		status = "unhealthy"
		dbStatus = "error: " + err.Error()
	}

	cacheStatus := ""
	if s.statusCache != nil {
		cacheStatus = "healthy"
		if err := s.statusCache.HealthCheck(ctx); err != nil {
			// Cache loss degrades the status surface, not coordination.
			cacheStatus = "error: " + err.Error()
		}
	}

	resp := HealthResponse{
		Status:      status,
		Timestamp:   time.Now(),
		Database:    dbStatus,
		Cache:       cacheStatus,
		Connections: s.coordinator.Stats(),
	}

	if status != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	s.writeJSON(w, resp)
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	w.WriteHeader(code)
	s.writeJSON(w, ErrorResponse{Error: message, Code: code})
}

func isValidationError(err error) bool {
	return errors.Is(err, types.ErrInvalidSessionID) ||
		errors.Is(err, types.ErrInvalidAcademyID) ||
		errors.Is(err, types.ErrInvalidTitle) ||
		errors.Is(err, types.ErrInvalidUserID)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
