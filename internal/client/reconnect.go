package client

import (
	"context"
	"fmt"

	"github.com/remote-agent-terminal/termmux/internal/model"
)

// ReconnectCoordinator restores a Store's attachment once the transport
// has a fresh connection. The server forgot the old attachment with the
// old connection; the sessions themselves kept running.
type ReconnectCoordinator struct {
	store *Store
}

// NewReconnectCoordinator binds a coordinator to s.
func NewReconnectCoordinator(s *Store) *ReconnectCoordinator {
	return &ReconnectCoordinator{store: s}
}

// HandleReconnect refreshes every tab from the server's session list and
// re-attaches the focused tab from its stream offset, so only the bytes
// produced while disconnected are sent. A focused session the server no
// longer has is marked exited and left detached.
func (c *ReconnectCoordinator) HandleReconnect(ctx context.Context) error {
	s := c.store
	s.focusMu.Lock()
	defer s.focusMu.Unlock()

	infos, err := s.list(ctx)
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}
	live := make(map[string]model.SessionInfo, len(infos))
	for _, info := range infos {
		live[info.ID] = info
	}

	s.mu.Lock()
	s.attached, s.attaching = "", ""
	for _, t := range s.tabs {
		info, ok := live[t.info.ID]
		if !ok {
			t.gone = true
			t.info.Exited = true
			continue
		}
		t.info = info
	}
	focusedID := ""
	if t := s.find(s.focused); t != nil && !t.gone {
		focusedID = t.info.ID
	}
	s.mu.Unlock()
	s.changed()

	if focusedID == "" {
		return nil
	}
	s.log.Info().Str("session_id", focusedID).Msg("re-attaching after reconnect")
	return s.attach(ctx, focusedID)
}
