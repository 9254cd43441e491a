package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/aegislabs/aegisbot/internal/domain"
	"github.com/aegislabs/aegisbot/internal/shared"
	_ "modernc.org/sqlite"
)

// reserveMaxAttempts bounds SQLITE_BUSY retries during agent reservation.
// When attempts run out the caller sees "no agent available" instead of an
// unbounded retry loop.
const reserveMaxAttempts = 3

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL for concurrent readers; _txlock=immediate makes every transaction
	// take the write lock at BEGIN, which is what gives ReserveAvailableAgent
	// its mutual-exclusion guarantee (SQLite has no SELECT ... FOR UPDATE).
	// The modernc driver takes pragmas in _pragma=name(value) form and
	// applies them to every pooled connection; busy_timeout in particular
	// must hold on all connections or concurrent BEGIN IMMEDIATE fails
	// instantly with SQLITE_BUSY instead of waiting for the lock.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS agents (
		telegram_id INTEGER PRIMARY KEY,
		username TEXT NOT NULL DEFAULT '',
		is_available INTEGER NOT NULL DEFAULT 1,
		is_active INTEGER NOT NULL DEFAULT 1
	);
	CREATE INDEX IF NOT EXISTS idx_agents_allocatable ON agents(telegram_id)
		WHERE is_available = 1 AND is_active = 1;

	CREATE TABLE IF NOT EXISTS sessions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_telegram_id INTEGER NOT NULL,
		agent_telegram_id INTEGER NOT NULL REFERENCES agents(telegram_id),
		topic_id INTEGER NOT NULL UNIQUE,
		status TEXT NOT NULL DEFAULT 'active',
		created_at INTEGER NOT NULL,
		closed_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_active_user ON sessions(user_telegram_id)
		WHERE status = 'active';
	CREATE INDEX IF NOT EXISTS idx_sessions_active_topic ON sessions(topic_id)
		WHERE status = 'active';
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ListAgents returns every agent in the roster ordered by Telegram id.
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]*domain.Agent, error) {
	query := `
		SELECT telegram_id, username, is_available, is_active
		FROM agents ORDER BY telegram_id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query agents: %w", err)
	}
	defer rows.Close()

	var agents []*domain.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agent rows: %w", err)
	}
	return agents, nil
}

// GetAgent retrieves one agent by Telegram id.
func (s *SQLiteStore) GetAgent(ctx context.Context, agentID int64) (*domain.Agent, error) {
	query := `
		SELECT telegram_id, username, is_available, is_active
		FROM agents WHERE telegram_id = ?`

	agent, err := scanAgent(s.db.QueryRowContext(ctx, query, agentID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return agent, nil
}

// ApplyRosterDiff applies a reconciliation diff in one transaction.
func (s *SQLiteStore) ApplyRosterDiff(ctx context.Context, diff domain.RosterDiff) error {
	if diff.Empty() {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin roster transaction: %w", err)
	}
	defer tx.Rollback()

	for _, id := range diff.ToAdd {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO agents (telegram_id, is_available, is_active)
			VALUES (?, 1, 1)
			ON CONFLICT (telegram_id) DO UPDATE SET is_active = 1`, id)
		if err != nil {
			return fmt.Errorf("add agent %d: %w", id, err)
		}
	}
	for _, id := range diff.ToDeactivate {
		_, err := tx.ExecContext(ctx,
			`UPDATE agents SET is_active = 0 WHERE telegram_id = ?`, id)
		if err != nil {
			return fmt.Errorf("deactivate agent %d: %w", id, err)
		}
	}
	for _, id := range diff.ToReactivate {
		_, err := tx.ExecContext(ctx,
			`UPDATE agents SET is_active = 1 WHERE telegram_id = ?`, id)
		if err != nil {
			return fmt.Errorf("reactivate agent %d: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit roster transaction: %w", err)
	}
	return nil
}

// ReserveAvailableAgent atomically reserves the lowest-id allocatable agent.
// The read and the availability flip live in one immediate transaction, so
// concurrent callers serialize on the database write lock and never reserve
// the same row. SQLITE_BUSY is retried a bounded number of times and then
// reported as no-agent-available.
func (s *SQLiteStore) ReserveAvailableAgent(ctx context.Context) (*domain.Agent, error) {
	for attempt := 0; attempt < reserveMaxAttempts; attempt++ {
		agent, err := s.reserveOnce(ctx)
		if err == nil {
			return agent, nil
		}
		if shared.IsSQLiteConflictError(err) {
			slog.Debug("agent reservation hit a busy database, retrying",
				"attempt", attempt+1, "error", err)
			continue
		}
		return nil, err
	}

	slog.Warn("agent reservation gave up after repeated database conflicts",
		"attempts", reserveMaxAttempts)
	return nil, nil
}

func (s *SQLiteStore) reserveOnce(ctx context.Context) (*domain.Agent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin reserve transaction: %w", err)
	}
	defer tx.Rollback()

	// Lowest id wins: deterministic tie-break among available agents.
	query := `
		SELECT telegram_id, username, is_available, is_active
		FROM agents
		WHERE is_available = 1 AND is_active = 1
		ORDER BY telegram_id ASC LIMIT 1`

	agent, err := scanAgent(tx.QueryRowContext(ctx, query))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE agents SET is_available = 0 WHERE telegram_id = ? AND is_available = 1`,
		agent.TelegramID)
	if err != nil {
		return nil, fmt.Errorf("reserve agent %d: %w", agent.TelegramID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("reserve agent %d: %w", agent.TelegramID, err)
	}
	if affected != 1 {
		// The immediate transaction should make this unreachable; treat it
		// as exhaustion rather than corrupting the reservation.
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit reserve transaction: %w", err)
	}

	agent.IsAvailable = false
	return agent, nil
}

// ReleaseAgent marks the agent available again in its own transaction,
// re-reading the row by id rather than trusting any in-memory copy.
func (s *SQLiteStore) ReleaseAgent(ctx context.Context, agentID int64) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE agents SET is_available = 1 WHERE telegram_id = ?`, agentID)
	if err != nil {
		return fmt.Errorf("release agent %d: %w", agentID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("release agent %d: %w", agentID, err)
	}
	if affected == 0 {
		return fmt.Errorf("release agent %d: no such agent", agentID)
	}
	return nil
}

// CreateSession inserts a new active session and fills in its id.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *domain.Session) error {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (user_telegram_id, agent_telegram_id, topic_id, status, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		session.UserTelegramID, session.AgentTelegramID, session.TopicID,
		string(domain.SessionActive), session.CreatedAt.Unix())
	if err != nil {
		if shared.IsUniqueConstraintError(err) {
			return fmt.Errorf("topic %d already bound to a session: %w", session.TopicID, err)
		}
		return fmt.Errorf("insert session: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("read session id: %w", err)
	}
	session.ID = id
	session.Status = domain.SessionActive
	return nil
}

// ActiveSessionByUser retrieves the user's active session, if any.
func (s *SQLiteStore) ActiveSessionByUser(ctx context.Context, userID int64) (*domain.Session, error) {
	query := sessionSelect + ` WHERE user_telegram_id = ? AND status = 'active'`
	return s.querySession(ctx, query, userID)
}

// ActiveSessionByTopic retrieves the active session bound to a topic, if any.
func (s *SQLiteStore) ActiveSessionByTopic(ctx context.Context, topicID int64) (*domain.Session, error) {
	query := sessionSelect + ` WHERE topic_id = ? AND status = 'active'`
	return s.querySession(ctx, query, topicID)
}

// CloseSession marks the session closed and releases its agent atomically.
func (s *SQLiteStore) CloseSession(ctx context.Context, sessionID, agentID int64, closedAt time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin close transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE sessions SET status = 'closed', closed_at = ?
		WHERE id = ? AND status = 'active'`,
		closedAt.Unix(), sessionID)
	if err != nil {
		return fmt.Errorf("close session %d: %w", sessionID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("close session %d: %w", sessionID, err)
	}
	if affected == 0 {
		return fmt.Errorf("close session %d: not active", sessionID)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE agents SET is_available = 1 WHERE telegram_id = ?`, agentID); err != nil {
		return fmt.Errorf("release agent %d on close: %w", agentID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit close transaction: %w", err)
	}
	return nil
}

const sessionSelect = `
	SELECT id, user_telegram_id, agent_telegram_id, topic_id, status, created_at, closed_at
	FROM sessions`

func (s *SQLiteStore) querySession(ctx context.Context, query string, arg any) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx, query, arg)

	var session domain.Session
	var status string
	var createdAt int64
	var closedAt sql.NullInt64

	err := row.Scan(
		&session.ID, &session.UserTelegramID, &session.AgentTelegramID,
		&session.TopicID, &status, &createdAt, &closedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}

	session.Status = domain.SessionStatus(status)
	session.CreatedAt = time.Unix(createdAt, 0)
	if closedAt.Valid {
		t := time.Unix(closedAt.Int64, 0)
		session.ClosedAt = &t
	}
	return &session, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*domain.Agent, error) {
	var agent domain.Agent
	var available, active int64

	err := row.Scan(&agent.TelegramID, &agent.Username, &available, &active)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan agent row: %w", err)
	}

	agent.IsAvailable = available != 0
	agent.IsActive = active != 0
	return &agent, nil
}
