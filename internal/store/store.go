// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/aegislabs/aegisbot/internal/domain"
)

// Repository defines the interface for persisting agent and session data.
//
// Point lookups return (nil, nil) when no row matches. All multi-row
// mutations happen inside a single transaction; callers never see a
// half-applied roster diff or a closed session with a still-reserved agent.
type Repository interface {
	// ListAgents returns every agent in the roster, active or not,
	// ordered by Telegram id.
	ListAgents(ctx context.Context) ([]*domain.Agent, error)

	// GetAgent retrieves one agent by Telegram id.
	GetAgent(ctx context.Context, agentID int64) (*domain.Agent, error)

	// ApplyRosterDiff applies a reconciliation diff in one transaction.
	// It only touches roster membership (is_active), never availability.
	ApplyRosterDiff(ctx context.Context, diff domain.RosterDiff) error

	// ReserveAvailableAgent atomically selects the active, available agent
	// with the lowest Telegram id and marks it unavailable. Returns
	// (nil, nil) when no agent qualifies. Under concurrent invocation no
	// two callers ever receive the same agent.
	ReserveAvailableAgent(ctx context.Context) (*domain.Agent, error)

	// ReleaseAgent marks the agent available again. Used both on session
	// close and as the compensating action when session creation fails
	// after a reservation. The row is re-read by id inside the transaction.
	ReleaseAgent(ctx context.Context, agentID int64) error

	// CreateSession inserts a new active session and fills in its
	// auto-assigned id. Fails if the topic id was ever used before.
	CreateSession(ctx context.Context, session *domain.Session) error

	// ActiveSessionByUser retrieves the user's active session, if any.
	ActiveSessionByUser(ctx context.Context, userID int64) (*domain.Session, error)

	// ActiveSessionByTopic retrieves the active session bound to a forum
	// topic, if any.
	ActiveSessionByTopic(ctx context.Context, topicID int64) (*domain.Session, error)

	// CloseSession marks the session closed and releases its agent in one
	// transaction. It is a no-op error if the session is not active.
	CloseSession(ctx context.Context, sessionID, agentID int64, closedAt time.Time) error

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
