package domain

import (
	"strconv"
	"time"
)

// SessionStatus is the lifecycle state of a support session.
type SessionStatus string

const (
	// SessionActive means the session is open and relaying messages.
	SessionActive SessionStatus = "active"
	// SessionClosed is terminal. A closed session is never reopened; a new
	// conversation gets a new session with a new id.
	SessionClosed SessionStatus = "closed"
)

// Session binds one user to one agent through one forum topic.
//
// Invariants: at most one active session per user, and topic ids are unique
// across all sessions ever created. The agent assignment is immutable after
// creation; the only mutation a session sees is the flip to closed.
type Session struct {
	ID              int64         `json:"id"`
	UserTelegramID  int64         `json:"user_telegram_id"`
	AgentTelegramID int64         `json:"agent_telegram_id"`
	TopicID         int64         `json:"topic_id"`
	Status          SessionStatus `json:"status"`
	CreatedAt       time.Time     `json:"created_at"`
	ClosedAt        *time.Time    `json:"closed_at,omitempty"`
}

// IsActive returns true while the session is open.
func (s *Session) IsActive() bool {
	return s.Status == SessionActive
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}
