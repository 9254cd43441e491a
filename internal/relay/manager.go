package relay

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"time"

	"github.com/aegislabs/aegisbot/internal/domain"
	"github.com/aegislabs/aegisbot/internal/store"
	"github.com/aegislabs/aegisbot/internal/telegram"
)

// ErrNoAgentsAvailable reports allocation exhaustion: every active agent is
// already bound to a session. Expected during load; surfaced to the user as
// a polite decline, not logged as an error.
var ErrNoAgentsAvailable = errors.New("no agents available")

// ChannelAPI is the slice of the Telegram client the session core needs.
// Narrow on purpose so tests can inject fakes and the core stays decoupled
// from the transport package's full surface.
type ChannelAPI interface {
	SendMessage(ctx context.Context, chatID int64, text string, opts ...telegram.SendOption) error
	CreateForumTopic(ctx context.Context, chatID int64, name string) (int64, error)
	DeleteForumTopic(ctx context.Context, chatID, topicID int64) error
	ForwardMessage(ctx context.Context, toChatID, fromChatID, messageID, topicID int64) error
	CopyMessage(ctx context.Context, toChatID, fromChatID, messageID int64) error
}

// SessionManager orchestrates session creation and closure against the
// store and the channel transport, with compensating rollback when an
// external call fails partway.
type SessionManager struct {
	repo    store.Repository
	channel ChannelAPI
	groupID int64
	logger  *slog.Logger
	now     func() time.Time
}

// NewSessionManager creates a session lifecycle manager. groupID is the
// forum supergroup that hosts session topics.
func NewSessionManager(repo store.Repository, channel ChannelAPI, groupID int64, logger *slog.Logger) *SessionManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionManager{
		repo:    repo,
		channel: channel,
		groupID: groupID,
		logger:  logger,
		now:     time.Now,
	}
}

// CreateSession reserves an agent, opens a topic for the user, posts the
// intro message, and persists the session. Returns ErrNoAgentsAvailable
// when every agent is busy. If the topic creation or the intro message
// fails after the reservation, the agent is released again in a corrective
// transaction and no session row is written.
func (m *SessionManager) CreateSession(ctx context.Context, userID int64, username string) (*domain.Session, error) {
	agent, err := m.repo.ReserveAvailableAgent(ctx)
	if err != nil {
		return nil, fmt.Errorf("reserve agent: %w", err)
	}
	if agent == nil {
		m.logger.Warn("no available agents for new session", "user_id", userID)
		return nil, ErrNoAgentsAvailable
	}

	topicID, err := m.channel.CreateForumTopic(ctx, m.groupID, topicName(userID, username))
	if err != nil {
		m.logger.Error("topic creation failed, releasing reserved agent",
			"user_id", userID, "agent_id", agent.TelegramID, "error", err)
		m.releaseReserved(ctx, agent.TelegramID)
		return nil, fmt.Errorf("create topic: %w", err)
	}

	if err := m.channel.SendMessage(ctx, m.groupID, introMessage(userID, username, agent),
		telegram.WithThread(topicID)); err != nil {
		// The topic exists but is unusable without its intro; it stays
		// behind as an orphan, same as any manually created topic.
		m.logger.Error("intro message failed, releasing reserved agent",
			"user_id", userID, "agent_id", agent.TelegramID, "topic_id", topicID, "error", err)
		m.releaseReserved(ctx, agent.TelegramID)
		return nil, fmt.Errorf("post intro message: %w", err)
	}

	session := &domain.Session{
		UserTelegramID:  userID,
		AgentTelegramID: agent.TelegramID,
		TopicID:         topicID,
		Status:          domain.SessionActive,
		CreatedAt:       m.now(),
	}
	if err := m.repo.CreateSession(ctx, session); err != nil {
		m.logger.Error("session persist failed, releasing reserved agent",
			"user_id", userID, "agent_id", agent.TelegramID, "topic_id", topicID, "error", err)
		m.releaseReserved(ctx, agent.TelegramID)
		return nil, fmt.Errorf("persist session: %w", err)
	}

	m.logger.Info("session created",
		"session_id", session.ID, "user_id", userID,
		"agent_id", agent.TelegramID, "topic_id", topicID)
	return session, nil
}

// CloseSession deletes the session's topic, then marks the session closed
// and releases the agent in one transaction. If the topic deletion fails,
// nothing is mutated: the session stays active and the caller drives retry.
func (m *SessionManager) CloseSession(ctx context.Context, session *domain.Session) error {
	if err := m.channel.DeleteForumTopic(ctx, m.groupID, session.TopicID); err != nil {
		m.logger.Error("topic deletion failed, session stays open",
			"session_id", session.ID, "topic_id", session.TopicID, "error", err)
		return fmt.Errorf("delete topic: %w", err)
	}

	if err := m.repo.CloseSession(ctx, session.ID, session.AgentTelegramID, m.now()); err != nil {
		m.logger.Error("session close persist failed",
			"session_id", session.ID, "agent_id", session.AgentTelegramID, "error", err)
		return fmt.Errorf("persist close: %w", err)
	}

	m.logger.Info("session closed",
		"session_id", session.ID, "user_id", session.UserTelegramID,
		"agent_id", session.AgentTelegramID)
	return nil
}

// releaseReserved is the compensating action for a failed create. It re-reads
// the agent row by id in its own transaction; the in-memory agent from the
// failed attempt is never trusted.
func (m *SessionManager) releaseReserved(ctx context.Context, agentID int64) {
	if err := m.repo.ReleaseAgent(ctx, agentID); err != nil {
		m.logger.Error("failed to release agent after rollback; agent stays reserved",
			"agent_id", agentID, "error", err)
		return
	}
	m.logger.Info("agent released after failed session creation", "agent_id", agentID)
}

func topicName(userID int64, username string) string {
	return "Session with " + displayName(userID, username)
}

func introMessage(userID int64, username string, agent *domain.Agent) string {
	name := html.EscapeString(displayName(userID, username))
	return fmt.Sprintf(
		"✅ New support session.\n\n"+
			"👤 <b>User:</b> <a href=\"tg://user?id=%d\">%s</a>\n"+
			"🆔 <b>User ID:</b> <code>%d</code>\n\n"+
			"🧑‍💻 <b>Assigned agent:</b> %s",
		userID, name, userID, html.EscapeString(agent.Label()))
}

func displayName(userID int64, username string) string {
	if username != "" {
		return "@" + username
	}
	return fmt.Sprintf("%d", userID)
}
