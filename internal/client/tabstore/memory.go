package tabstore

import (
	"context"
	"sync"

	"github.com/remote-agent-terminal/termmux/internal/client"
)

// MemoryStore keeps state in process. It is used when persistence is
// turned off and in tests.
type MemoryStore struct {
	mu     sync.Mutex
	states map[string]client.State
	saves  int
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]client.State)}
}

func (m *MemoryStore) Load(_ context.Context, profile string) (client.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return clone(m.states[profile]), nil
}

func (m *MemoryStore) Save(_ context.Context, profile string, state client.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[profile] = clone(state)
	m.saves++
	return nil
}

// Saves reports how many times Save was called.
func (m *MemoryStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

func clone(s client.State) client.State {
	out := client.State{ActiveID: s.ActiveID}
	if s.Tabs == nil {
		return out
	}
	out.Tabs = make([]client.TabState, len(s.Tabs))
	for i, t := range s.Tabs {
		t.Scrollback = append([]byte(nil), t.Scrollback...)
		out.Tabs[i] = t
	}
	return out
}
