package client

import (
	"context"

	"github.com/remote-agent-terminal/termmux/internal/model"
)

// TabState is what survives a client restart for one tab.
type TabState struct {
	SessionID  string
	Title      string
	Offset     uint64
	Scrollback []byte
}

// State is the durable tab bar of one profile.
type State struct {
	Tabs     []TabState
	ActiveID string
}

// IDs returns the tab order.
func (s State) IDs() []string {
	ids := make([]string, len(s.Tabs))
	for i, t := range s.Tabs {
		ids[i] = t.SessionID
	}
	return ids
}

// Tab returns the stored state for id.
func (s State) Tab(id string) (TabState, bool) {
	for _, t := range s.Tabs {
		if t.SessionID == id {
			return t, true
		}
	}
	return TabState{}, false
}

// StateStore persists tab state per profile. Loading an unknown profile
// returns an empty State.
type StateStore interface {
	Load(ctx context.Context, profile string) (State, error)
	Save(ctx context.Context, profile string, state State) error
}

// Reconcile merges the stored tab order with the sessions the server still
// has. Stored ids keep their order when present, server sessions not seen
// before are appended in server order, and focus stays on the stored active
// id when it survived, else moves to the first tab.
func Reconcile(order []string, activeID string, server []model.SessionInfo) ([]string, string) {
	live := make(map[string]bool, len(server))
	for _, s := range server {
		live[s.ID] = true
	}

	merged := make([]string, 0, len(server))
	seen := make(map[string]bool, len(order))
	for _, id := range order {
		if live[id] && !seen[id] {
			merged = append(merged, id)
			seen[id] = true
		}
	}
	for _, s := range server {
		if !seen[s.ID] {
			merged = append(merged, s.ID)
			seen[s.ID] = true
		}
	}

	focus := ""
	if live[activeID] {
		focus = activeID
	} else if len(merged) > 0 {
		focus = merged[0]
	}
	return merged, focus
}
