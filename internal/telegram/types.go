package telegram

import "encoding/json"

// Wire types for the subset of the Telegram Bot API this bot uses.
// Field names follow the Bot API JSON exactly.

// Update is one unit of inbound work delivered by getUpdates or a webhook.
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message,omitempty"`
}

// Message is an incoming or outgoing chat message.
type Message struct {
	MessageID       int64  `json:"message_id"`
	From            *User  `json:"from,omitempty"`
	Chat            Chat   `json:"chat"`
	Text            string `json:"text,omitempty"`
	MessageThreadID int64  `json:"message_thread_id,omitempty"`
	Date            int64  `json:"date"`
}

// User identifies a Telegram account.
type User struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
	FirstName string `json:"first_name"`
	Username  string `json:"username,omitempty"`
}

// Chat identifies a conversation: a private chat, group, or supergroup.
type Chat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

// Chat types as reported by the Bot API.
const (
	ChatPrivate    = "private"
	ChatSupergroup = "supergroup"
)

// ForumTopic is the result of createForumTopic.
type ForumTopic struct {
	MessageThreadID int64  `json:"message_thread_id"`
	Name            string `json:"name"`
}

// IsCommand reports whether the message text is a bot command, optionally a
// specific one. Commands may carry a @botname suffix in groups.
func (m *Message) IsCommand(name string) bool {
	if m.Text == "" || m.Text[0] != '/' {
		return false
	}
	cmd := m.Text
	for i := 0; i < len(cmd); i++ {
		if cmd[i] == ' ' || cmd[i] == '@' {
			cmd = cmd[:i]
			break
		}
	}
	return cmd == "/"+name
}

// apiResponse is the Bot API envelope: every call returns ok plus either a
// result payload or an error code and description.
type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result,omitempty"`
	ErrorCode   int             `json:"error_code,omitempty"`
	Description string          `json:"description,omitempty"`
	Parameters  *responseParams `json:"parameters,omitempty"`
}

type responseParams struct {
	RetryAfter int64 `json:"retry_after,omitempty"`
}
