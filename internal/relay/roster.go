// Package relay implements the support-session core: roster reconciliation,
// session lifecycle with compensating rollback, and bidirectional message
// routing between user chats and agent topics.
package relay

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aegislabs/aegisbot/internal/domain"
	"github.com/aegislabs/aegisbot/internal/store"
)

// ComputeRosterDiff compares the stored roster against the authoritative
// agent id list and returns the changes needed to reconcile them. New ids
// are added, stored agents missing from the list are deactivated, and
// previously deactivated agents that reappear are reactivated. Availability
// is never part of the diff: an agent mid-session keeps its reservation
// through a roster change.
func ComputeRosterDiff(current []*domain.Agent, desired []int64) domain.RosterDiff {
	desiredSet := make(map[int64]bool, len(desired))
	for _, id := range desired {
		desiredSet[id] = true
	}

	known := make(map[int64]bool, len(current))
	var diff domain.RosterDiff
	for _, agent := range current {
		known[agent.TelegramID] = true
		switch {
		case !desiredSet[agent.TelegramID] && agent.IsActive:
			diff.ToDeactivate = append(diff.ToDeactivate, agent.TelegramID)
		case desiredSet[agent.TelegramID] && !agent.IsActive:
			diff.ToReactivate = append(diff.ToReactivate, agent.TelegramID)
		}
	}

	// Preserve the configured order for additions; it has no semantic
	// weight but keeps logs readable.
	for _, id := range desired {
		if !known[id] {
			diff.ToAdd = append(diff.ToAdd, id)
		}
	}

	return diff
}

// SyncRoster reconciles the stored roster against the authoritative id list
// in one transaction. Idempotent: a second run with the same list is a no-op.
// Runs once at process startup.
func SyncRoster(ctx context.Context, repo store.Repository, desired []int64) error {
	current, err := repo.ListAgents(ctx)
	if err != nil {
		return fmt.Errorf("load roster: %w", err)
	}

	diff := ComputeRosterDiff(current, desired)
	if diff.Empty() {
		slog.Info("agent roster already in sync", "agents", len(desired))
		return nil
	}

	if err := repo.ApplyRosterDiff(ctx, diff); err != nil {
		return fmt.Errorf("apply roster diff: %w", err)
	}

	slog.Info("agent roster synchronized",
		"added", len(diff.ToAdd),
		"deactivated", len(diff.ToDeactivate),
		"reactivated", len(diff.ToReactivate))
	return nil
}
