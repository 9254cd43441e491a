package relay

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"

	"github.com/aegislabs/aegisbot/internal/store"
	"github.com/aegislabs/aegisbot/internal/telegram"
)

// User- and agent-facing copy. The bot speaks HTML parse mode.
const (
	msgSessionAccepted = "✅ A support agent will join your chat shortly. Please wait."
	msgNoAgents        = "😔 All support agents are currently busy. Please try again a little later."
	msgSessionClosed   = "✅ Your support session has been closed by the agent. Thank you for reaching out!"
	msgUserApology     = "⚠️ Something went wrong on our side. Please send your message again."

	msgNoActiveSession  = "⚠️ No active session found in this topic."
	msgNotYourSession   = "⛔️ You cannot close this session, it is assigned to another agent."
	msgCloseFailed      = "🔴 Failed to close the session. Please try again."
	msgDeliveryFailed   = "🔴 <b>Delivery failed!</b>\nThe message did not reach the user, they may have blocked the bot. The session stays open."
	msgUserForwardError = "⚠️ Your message could not be delivered to the support team. Please send it again."
)

// closeCommand ends a session when issued by its assigned agent inside the
// session's topic.
const closeCommand = "close"

// Router dispatches inbound updates: private-chat messages flow into the
// owning session's topic (creating the session on first contact), topic
// messages flow back to the session's user after an identity check.
type Router struct {
	repo      store.Repository
	manager   *SessionManager
	channel   ChannelAPI
	groupID   int64
	logger    *slog.Logger
	userLocks *keyedMutex
}

// NewRouter creates a message router for the given support group.
func NewRouter(repo store.Repository, manager *SessionManager, channel ChannelAPI, groupID int64, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		repo:      repo,
		manager:   manager,
		channel:   channel,
		groupID:   groupID,
		logger:    logger,
		userLocks: newKeyedMutex(),
	}
}

// HandleUpdate is the top-level entry point for one inbound update. It never
// panics outward: defects are logged with full context and converted into a
// generic apology when an affected user can be identified.
func (r *Router) HandleUpdate(ctx context.Context, update *telegram.Update) {
	message := update.Message
	if message == nil || message.From == nil || message.From.IsBot {
		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("panic while handling update",
				"update_id", update.UpdateID,
				"from_id", message.From.ID,
				"chat_id", message.Chat.ID,
				"panic", rec,
				"stack", string(debug.Stack()))
			if message.Chat.Type == telegram.ChatPrivate {
				r.notify(ctx, message.Chat.ID, msgUserApology)
			}
		}
	}()

	switch {
	case message.Chat.Type == telegram.ChatPrivate:
		r.handleUserMessage(ctx, message)
	case message.Chat.ID == r.groupID && message.MessageThreadID != 0:
		if message.IsCommand(closeCommand) {
			r.handleCloseCommand(ctx, message)
		} else {
			r.handleAgentMessage(ctx, message)
		}
	}
}

// handleUserMessage relays a private-chat message into the user's session
// topic, creating the session first if none is active. The whole
// check-then-create region runs under the user's keyed mutex so rapid
// repeated first messages cannot allocate two agents.
func (r *Router) handleUserMessage(ctx context.Context, message *telegram.Message) {
	userID := message.From.ID

	unlock := r.userLocks.lock(userID)
	defer unlock()

	session, err := r.repo.ActiveSessionByUser(ctx, userID)
	if err != nil {
		r.logger.Error("active session lookup failed", "user_id", userID, "error", err)
		r.notify(ctx, message.Chat.ID, msgUserApology)
		return
	}

	if session == nil {
		session, err = r.manager.CreateSession(ctx, userID, message.From.Username)
		if errors.Is(err, ErrNoAgentsAvailable) {
			r.notify(ctx, message.Chat.ID, msgNoAgents)
			return
		}
		if err != nil {
			r.logger.Error("session creation failed", "user_id", userID, "error", err)
			r.notify(ctx, message.Chat.ID, msgUserApology)
			return
		}
		r.notify(ctx, message.Chat.ID, msgSessionAccepted)
	}

	if err := r.channel.ForwardMessage(ctx, r.groupID, message.Chat.ID, message.MessageID, session.TopicID); err != nil {
		r.logger.Error("forward to topic failed",
			"user_id", userID, "session_id", session.ID,
			"topic_id", session.TopicID, "error", err)
		r.notify(ctx, message.Chat.ID, msgUserForwardError)
	}
}

// handleAgentMessage copies a topic message to the session's user, after
// verifying the sender is the assigned agent. Copy, not forward: the user
// must not see which account answered.
func (r *Router) handleAgentMessage(ctx context.Context, message *telegram.Message) {
	agentID := message.From.ID
	topicID := message.MessageThreadID

	session, err := r.repo.ActiveSessionByTopic(ctx, topicID)
	if err != nil {
		r.logger.Error("session lookup by topic failed", "topic_id", topicID, "error", err)
		return
	}
	if session == nil {
		r.logger.Warn("message in topic with no active session, ignoring",
			"topic_id", topicID, "sender_id", agentID)
		return
	}
	if session.AgentTelegramID != agentID {
		r.logger.Warn("message from non-assigned agent, ignoring",
			"session_id", session.ID, "sender_id", agentID,
			"assigned_agent_id", session.AgentTelegramID)
		return
	}

	if err := r.channel.CopyMessage(ctx, session.UserTelegramID, message.Chat.ID, message.MessageID); err != nil {
		r.logger.Error("copy to user failed",
			"session_id", session.ID, "user_id", session.UserTelegramID, "error", err)
		// Delivery failure is reported into the topic; it never closes
		// the session.
		r.reply(ctx, message, msgDeliveryFailed)
	}
}

// handleCloseCommand ends the topic's session when the assigned agent asks.
// Anyone else gets an explicit denial and no state changes.
func (r *Router) handleCloseCommand(ctx context.Context, message *telegram.Message) {
	agentID := message.From.ID
	topicID := message.MessageThreadID

	session, err := r.repo.ActiveSessionByTopic(ctx, topicID)
	if err != nil {
		r.logger.Error("session lookup by topic failed", "topic_id", topicID, "error", err)
		r.reply(ctx, message, msgCloseFailed)
		return
	}
	if session == nil {
		r.reply(ctx, message, msgNoActiveSession)
		return
	}
	if session.AgentTelegramID != agentID {
		r.logger.Warn("close attempt by non-assigned agent, denied",
			"session_id", session.ID, "sender_id", agentID,
			"assigned_agent_id", session.AgentTelegramID)
		r.reply(ctx, message, msgNotYourSession)
		return
	}

	if err := r.manager.CloseSession(ctx, session); err != nil {
		r.reply(ctx, message, msgCloseFailed)
		return
	}

	// The topic is gone along with the command message; the only place
	// left to confirm is the user's chat.
	r.notify(ctx, session.UserTelegramID, msgSessionClosed)
}

// notify sends a plain text to a chat, logging the failure. Used where the
// notification is a courtesy and unrelated state must not be affected.
func (r *Router) notify(ctx context.Context, chatID int64, text string) {
	if err := r.channel.SendMessage(ctx, chatID, text); err != nil {
		r.logger.Error("notification failed", "chat_id", chatID, "error", err)
	}
}

// reply answers inside the topic the message came from.
func (r *Router) reply(ctx context.Context, message *telegram.Message, text string) {
	err := r.channel.SendMessage(ctx, r.groupID, text,
		telegram.WithThread(message.MessageThreadID),
		telegram.WithReplyTo(message.MessageID))
	if err != nil {
		r.logger.Error("topic reply failed",
			"topic_id", message.MessageThreadID, "error", err)
	}
}
