package types

// Regexes compiled once at package initialization; validation runs on every
// inbound event.
import "regexp"

var idPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// MaxPayloadBytes bounds the serialized payload of a single event.
const MaxPayloadBytes = 65536

// IsValidUserID reports whether id is acceptable as a participant identity.
func IsValidUserID(id string) bool {
	return len(id) >= 1 && len(id) <= 50 && idPattern.MatchString(id)
}

// IsValidSessionID reports whether id is acceptable as a session identifier.
func IsValidSessionID(id string) bool {
	return len(id) >= 1 && len(id) <= 64 && idPattern.MatchString(id)
}

// IsValidRole reports whether role is a known participant role.
func IsValidRole(role string) bool {
	return role == RoleTeacher || role == RoleStudent
}

// IsValidAction reports whether action is a known control action.
func IsValidAction(action string) bool {
	switch action {
	case ActionStart, ActionPause, ActionResume, ActionEnd:
		return true
	}
	return false
}

// IsValidCategory reports whether c is a known broadcast message category.
func IsValidCategory(c string) bool {
	switch c {
	case CategoryAnnouncement, CategoryWarning, CategoryReminder:
		return true
	}
	return false
}

// Validate checks the fields a session must carry before it can be stored.
func (s *Session) Validate() error {
	if !IsValidSessionID(s.ID) {
		return ErrInvalidSessionID
	}
	if s.AcademyID == "" {
		return ErrInvalidAcademyID
	}
	if len(s.Title) < 1 || len(s.Title) > 200 {
		return ErrInvalidTitle
	}
	if !IsValidUserID(s.TeacherID) {
		return ErrInvalidUserID
	}
	return nil
}

// Validate checks a join payload before the registry sees it.
func (p *JoinSessionPayload) Validate() error {
	if !IsValidSessionID(p.SessionID) {
		return ErrInvalidSessionID
	}
	if !IsValidUserID(p.UserID) {
		return ErrInvalidUserID
	}
	if !IsValidRole(p.Role) {
		return ErrInvalidRole
	}
	return nil
}
