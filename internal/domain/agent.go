// Package domain contains core domain types for the AegisBot application.
package domain

// Agent represents a support agent in the roster.
//
// An agent is active while it appears in the authoritative agent list and
// available while it is not bound to an open session. An unavailable agent
// has exactly one active session assigned to it.
type Agent struct {
	TelegramID  int64  `json:"telegram_id"`
	Username    string `json:"username,omitempty"`
	IsAvailable bool   `json:"is_available"`
	IsActive    bool   `json:"is_active"`
}

// Label returns a human-readable handle for the agent: the @username when
// one is known, otherwise the numeric Telegram id.
func (a *Agent) Label() string {
	if a.Username != "" {
		return "@" + a.Username
	}
	return formatID(a.TelegramID)
}

// RosterDiff describes the changes needed to bring the stored roster in line
// with the authoritative agent id list. Reconciliation never touches
// availability, only roster membership.
type RosterDiff struct {
	ToAdd        []int64
	ToDeactivate []int64
	ToReactivate []int64
}

// Empty returns true if applying the diff would change nothing.
func (d RosterDiff) Empty() bool {
	return len(d.ToAdd) == 0 && len(d.ToDeactivate) == 0 && len(d.ToReactivate) == 0
}
