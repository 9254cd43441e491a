package relay

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/aegislabs/aegisbot/internal/store"
	"github.com/aegislabs/aegisbot/internal/telegram"
)

func newTestRouter(t *testing.T) (*Router, store.Repository, *fakeChannel) {
	t.Helper()
	repo := newTestRepo(t)
	channel := newFakeChannel()
	manager := NewSessionManager(repo, channel, testGroupID, nil)
	router := NewRouter(repo, manager, channel, testGroupID, nil)
	return router, repo, channel
}

func userUpdate(userID, messageID int64, text string) *telegram.Update {
	return &telegram.Update{
		UpdateID: messageID,
		Message: &telegram.Message{
			MessageID: messageID,
			From:      &telegram.User{ID: userID, Username: "alice"},
			Chat:      telegram.Chat{ID: userID, Type: telegram.ChatPrivate},
			Text:      text,
		},
	}
}

func agentUpdate(agentID, topicID, messageID int64, text string) *telegram.Update {
	return &telegram.Update{
		UpdateID: messageID,
		Message: &telegram.Message{
			MessageID:       messageID,
			From:            &telegram.User{ID: agentID, Username: "bob"},
			Chat:            telegram.Chat{ID: testGroupID, Type: telegram.ChatSupergroup},
			Text:            text,
			MessageThreadID: topicID,
		},
	}
}

func TestRouter_UserMessage_CreatesSessionAndForwards(t *testing.T) {
	router, repo, channel := newTestRouter(t)
	ctx := context.Background()

	seedOneAgent(t, repo, 10)

	router.HandleUpdate(ctx, userUpdate(100, 1, "hello"))

	session, err := repo.ActiveSessionByUser(ctx, 100)
	if err != nil {
		t.Fatalf("ActiveSessionByUser failed: %v", err)
	}
	if session == nil {
		t.Fatal("Expected a session to be created")
	}

	// The user gets the acceptance note and the triggering message lands
	// in the new topic.
	accepted := channel.sentTo(100)
	if len(accepted) != 1 || accepted[0].text != msgSessionAccepted {
		t.Errorf("Expected acceptance message, got %v", accepted)
	}
	if len(channel.forwards) != 1 {
		t.Fatalf("Expected 1 forward, got %d", len(channel.forwards))
	}
	forward := channel.forwards[0]
	if forward.topicID != session.TopicID || forward.fromChatID != 100 || forward.messageID != 1 {
		t.Errorf("Unexpected forward %+v", forward)
	}
}

// A second message while the session is open must reuse the existing topic.
func TestRouter_UserMessage_ReusesActiveSession(t *testing.T) {
	router, repo, channel := newTestRouter(t)
	ctx := context.Background()

	seedOneAgent(t, repo, 10)

	router.HandleUpdate(ctx, userUpdate(100, 1, "hello"))
	router.HandleUpdate(ctx, userUpdate(100, 2, "still there?"))

	if len(channel.createdTopics) != 1 {
		t.Errorf("Expected 1 topic, got %d", len(channel.createdTopics))
	}
	if len(channel.forwards) != 2 {
		t.Fatalf("Expected 2 forwards, got %d", len(channel.forwards))
	}
	if channel.forwards[0].topicID != channel.forwards[1].topicID {
		t.Error("Both messages should land in the same topic")
	}
}

func TestRouter_UserMessage_NoAgentsDecline(t *testing.T) {
	router, repo, channel := newTestRouter(t)
	ctx := context.Background()

	router.HandleUpdate(ctx, userUpdate(100, 1, "hello"))

	declined := channel.sentTo(100)
	if len(declined) != 1 || declined[0].text != msgNoAgents {
		t.Errorf("Expected decline message, got %v", declined)
	}
	session, err := repo.ActiveSessionByUser(ctx, 100)
	if err != nil {
		t.Fatalf("ActiveSessionByUser failed: %v", err)
	}
	if session != nil {
		t.Errorf("No session should exist, got %+v", session)
	}
}

// Two near-simultaneous first messages from one user must produce exactly
// one session even with spare agents in the pool.
func TestRouter_UserMessage_ConcurrentFirstMessages(t *testing.T) {
	router, repo, channel := newTestRouter(t)
	ctx := context.Background()

	seedOneAgent(t, repo, 10)
	seedOneAgent(t, repo, 20)

	var wg sync.WaitGroup
	for i := int64(1); i <= 2; i++ {
		wg.Add(1)
		go func(messageID int64) {
			defer wg.Done()
			router.HandleUpdate(ctx, userUpdate(100, messageID, "hello"))
		}(i)
	}
	wg.Wait()

	if len(channel.createdTopics) != 1 {
		t.Errorf("Expected exactly 1 topic, got %d", len(channel.createdTopics))
	}

	agents, err := repo.ListAgents(ctx)
	if err != nil {
		t.Fatalf("ListAgents failed: %v", err)
	}
	reserved := 0
	for _, agent := range agents {
		if !agent.IsAvailable {
			reserved++
		}
	}
	if reserved != 1 {
		t.Errorf("Expected exactly 1 reserved agent, got %d", reserved)
	}
}

func TestRouter_AgentMessage_CopiesToUser(t *testing.T) {
	router, repo, channel := newTestRouter(t)
	ctx := context.Background()

	seedOneAgent(t, repo, 10)
	router.HandleUpdate(ctx, userUpdate(100, 1, "hello"))
	session, _ := repo.ActiveSessionByUser(ctx, 100)

	router.HandleUpdate(ctx, agentUpdate(10, session.TopicID, 50, "how can I help?"))

	if len(channel.copies) != 1 {
		t.Fatalf("Expected 1 copy, got %d", len(channel.copies))
	}
	copied := channel.copies[0]
	if copied.toChatID != 100 || copied.messageID != 50 {
		t.Errorf("Unexpected copy %+v", copied)
	}
}

// A message from an agent not assigned to the session must neither reach the
// user nor change any state.
func TestRouter_AgentMessage_WrongAgentIgnored(t *testing.T) {
	router, repo, channel := newTestRouter(t)
	ctx := context.Background()

	seedOneAgent(t, repo, 10)
	router.HandleUpdate(ctx, userUpdate(100, 1, "hello"))
	session, _ := repo.ActiveSessionByUser(ctx, 100)

	router.HandleUpdate(ctx, agentUpdate(99, session.TopicID, 50, "let me in"))

	if len(channel.copies) != 0 {
		t.Errorf("Nothing should reach the user, got %v", channel.copies)
	}
	still, err := repo.ActiveSessionByUser(ctx, 100)
	if err != nil {
		t.Fatalf("ActiveSessionByUser failed: %v", err)
	}
	if still == nil {
		t.Error("Session should remain active")
	}
}

func TestRouter_AgentMessage_OrphanTopicIgnored(t *testing.T) {
	router, _, channel := newTestRouter(t)

	router.HandleUpdate(context.Background(), agentUpdate(10, 777, 50, "anyone here?"))

	if len(channel.copies) != 0 || len(channel.sent) != 0 {
		t.Error("Orphan topic messages must be ignored silently")
	}
}

// Delivery failure to the user is reported into the topic and does not
// close the session.
func TestRouter_AgentMessage_DeliveryFailureReported(t *testing.T) {
	router, repo, channel := newTestRouter(t)
	ctx := context.Background()

	seedOneAgent(t, repo, 10)
	router.HandleUpdate(ctx, userUpdate(100, 1, "hello"))
	session, _ := repo.ActiveSessionByUser(ctx, 100)

	channel.copyErr = errors.New("user blocked the bot")
	router.HandleUpdate(ctx, agentUpdate(10, session.TopicID, 50, "hello?"))

	var reported bool
	for _, m := range channel.sentTo(testGroupID) {
		if m.topicID == session.TopicID && strings.Contains(m.text, "Delivery failed") {
			reported = true
		}
	}
	if !reported {
		t.Error("Expected a delivery-failure report in the topic")
	}

	still, err := repo.ActiveSessionByUser(ctx, 100)
	if err != nil {
		t.Fatalf("ActiveSessionByUser failed: %v", err)
	}
	if still == nil {
		t.Error("Delivery failure must not close the session")
	}
}

func TestRouter_CloseCommand(t *testing.T) {
	router, repo, channel := newTestRouter(t)
	ctx := context.Background()

	seedOneAgent(t, repo, 10)
	router.HandleUpdate(ctx, userUpdate(100, 1, "hello"))
	session, _ := repo.ActiveSessionByUser(ctx, 100)

	router.HandleUpdate(ctx, agentUpdate(10, session.TopicID, 50, "/close"))

	active, err := repo.ActiveSessionByUser(ctx, 100)
	if err != nil {
		t.Fatalf("ActiveSessionByUser failed: %v", err)
	}
	if active != nil {
		t.Error("Session should be closed")
	}

	var notified bool
	for _, m := range channel.sentTo(100) {
		if m.text == msgSessionClosed {
			notified = true
		}
	}
	if !notified {
		t.Error("User should be notified of closure")
	}
}

// The /close@botname form used in groups must work too.
func TestRouter_CloseCommand_WithBotSuffix(t *testing.T) {
	router, repo, _ := newTestRouter(t)
	ctx := context.Background()

	seedOneAgent(t, repo, 10)
	router.HandleUpdate(ctx, userUpdate(100, 1, "hello"))
	session, _ := repo.ActiveSessionByUser(ctx, 100)

	router.HandleUpdate(ctx, agentUpdate(10, session.TopicID, 50, "/close@aegisbot"))

	active, err := repo.ActiveSessionByUser(ctx, 100)
	if err != nil {
		t.Fatalf("ActiveSessionByUser failed: %v", err)
	}
	if active != nil {
		t.Error("Session should be closed")
	}
}

func TestRouter_CloseCommand_WrongAgentDenied(t *testing.T) {
	router, repo, channel := newTestRouter(t)
	ctx := context.Background()

	seedOneAgent(t, repo, 10)
	router.HandleUpdate(ctx, userUpdate(100, 1, "hello"))
	session, _ := repo.ActiveSessionByUser(ctx, 100)

	router.HandleUpdate(ctx, agentUpdate(99, session.TopicID, 50, "/close"))

	var denied bool
	for _, m := range channel.sentTo(testGroupID) {
		if m.text == msgNotYourSession {
			denied = true
		}
	}
	if !denied {
		t.Error("Expected an explicit denial in the topic")
	}

	active, err := repo.ActiveSessionByUser(ctx, 100)
	if err != nil {
		t.Fatalf("ActiveSessionByUser failed: %v", err)
	}
	if active == nil {
		t.Fatal("Session should remain active")
	}
	agent, err := repo.GetAgent(ctx, 10)
	if err != nil {
		t.Fatalf("GetAgent failed: %v", err)
	}
	if agent.IsAvailable {
		t.Error("Assigned agent must stay reserved")
	}
}

func TestRouter_CloseCommand_NoSession(t *testing.T) {
	router, _, channel := newTestRouter(t)

	router.HandleUpdate(context.Background(), agentUpdate(10, 777, 50, "/close"))

	replies := channel.sentTo(testGroupID)
	if len(replies) != 1 || replies[0].text != msgNoActiveSession {
		t.Errorf("Expected no-active-session reply, got %v", replies)
	}
}

// Channel-side close failure leaves the session active and the agent
// reserved, and prompts the agent to retry.
func TestRouter_CloseCommand_TopicDeleteFails(t *testing.T) {
	router, repo, channel := newTestRouter(t)
	ctx := context.Background()

	seedOneAgent(t, repo, 10)
	router.HandleUpdate(ctx, userUpdate(100, 1, "hello"))
	session, _ := repo.ActiveSessionByUser(ctx, 100)

	channel.deleteTopicErr = errors.New("transport down")
	router.HandleUpdate(ctx, agentUpdate(10, session.TopicID, 50, "/close"))

	var prompted bool
	for _, m := range channel.sentTo(testGroupID) {
		if m.text == msgCloseFailed {
			prompted = true
		}
	}
	if !prompted {
		t.Error("Expected a retry prompt in the topic")
	}

	active, err := repo.ActiveSessionByUser(ctx, 100)
	if err != nil {
		t.Fatalf("ActiveSessionByUser failed: %v", err)
	}
	if active == nil {
		t.Fatal("Session should remain active")
	}
	agent, err := repo.GetAgent(ctx, 10)
	if err != nil {
		t.Fatalf("GetAgent failed: %v", err)
	}
	if agent.IsAvailable {
		t.Error("Agent must stay reserved")
	}
}

func TestRouter_IgnoresBotAndNonMessageUpdates(t *testing.T) {
	router, _, channel := newTestRouter(t)
	ctx := context.Background()

	router.HandleUpdate(ctx, &telegram.Update{UpdateID: 1})
	router.HandleUpdate(ctx, &telegram.Update{
		UpdateID: 2,
		Message: &telegram.Message{
			MessageID: 1,
			From:      &telegram.User{ID: 5, IsBot: true},
			Chat:      telegram.Chat{ID: 5, Type: telegram.ChatPrivate},
			Text:      "beep",
		},
	})

	if len(channel.sent) != 0 || len(channel.forwards) != 0 {
		t.Error("Bot and empty updates must be ignored")
	}
}
