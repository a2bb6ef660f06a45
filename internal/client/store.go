package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/remote-agent-terminal/termmux/internal/log"
	"github.com/remote-agent-terminal/termmux/internal/model"
	"github.com/remote-agent-terminal/termmux/internal/protocol"
)

// Status is the connection state shown to the user.
type Status int

const (
	StatusConnected Status = iota
	StatusReconnecting
	StatusLost
)

func (s Status) String() string {
	switch s {
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusLost:
		return "lost"
	default:
		return "unknown"
	}
}

// Tab is a snapshot of one open tab.
type Tab struct {
	SessionID string
	Title     string
	Project   string
	Exited    bool
	ExitCode  *int

	// Gone means the server no longer has the session.
	Gone bool

	// Detached is set when the server stopped streaming to us, e.g.
	// because another client attached.
	Detached string

	Focused  bool
	Attached bool
	Term     Emulator
}

type tab struct {
	info     model.SessionInfo
	gone     bool
	detached string
	term     Emulator

	// offset is the stream position of the next byte the tab expects.
	offset uint64
	// hasLocal is set once the tab holds output, so later attaches resume
	// from offset instead of replaying.
	hasLocal bool
}

// StoreOptions configures a Store.
type StoreOptions struct {
	Profile string
	States  StateStore

	// NewEmulator builds a tab's terminal. Defaults to a ScrollbackEmulator.
	NewEmulator func(sessionID string) Emulator

	Cols uint16
	Rows uint16

	// OnChange runs after tabs, focus or connection status change.
	OnChange func()
	// OnFocus runs when another tab's terminal becomes visible.
	OnFocus func(prev, next Emulator)
}

// Store is the client's set of open tabs. Only the focused tab is attached;
// frames are routed by session id and anything for another session is
// dropped.
type Store struct {
	transport Transport
	opts      StoreOptions
	reconnect *ReconnectCoordinator
	log       zerolog.Logger

	// focusMu serializes everything that decides what is attached.
	focusMu sync.Mutex

	mu        sync.Mutex
	tabs      []*tab
	focused   string
	attached  string
	attaching string
	gen       uint64
	cols      uint16
	rows      uint16
	status    Status
}

// NewStore creates an empty store using t.
func NewStore(t Transport, opts StoreOptions) *Store {
	if opts.NewEmulator == nil {
		opts.NewEmulator = func(string) Emulator { return NewScrollbackEmulator(DefaultScrollbackBytes) }
	}
	if !model.ValidGeometry(opts.Cols, opts.Rows) {
		opts.Cols, opts.Rows = model.DefaultCols, model.DefaultRows
	}

	s := &Store{
		transport: t,
		opts:      opts,
		log:       log.With().Str("component", "store").Str("profile", opts.Profile).Logger(),
		cols:      opts.Cols,
		rows:      opts.Rows,
	}
	s.reconnect = NewReconnectCoordinator(s)
	return s
}

// Run consumes transport events until ctx ends or the transport is gone.
func (s *Store) Run(ctx context.Context) error {
	events := s.transport.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-events:
			if !ok {
				return nil
			}
			switch ev.Kind {
			case EventFrame:
				s.handleFrame(ctx, ev.Frame)

			case EventDisconnected:
				s.mu.Lock()
				s.attached, s.attaching = "", ""
				s.status = StatusReconnecting
				s.mu.Unlock()
				s.changed()

			case EventReconnected:
				s.setStatus(StatusConnected)
				go func() {
					if err := s.reconnect.HandleReconnect(ctx); err != nil {
						s.log.Warn().Err(err).Msg("failed to restore attachment after reconnect")
					}
				}()

			case EventLost:
				s.setStatus(StatusLost)
				if ev.Err != nil {
					return ev.Err
				}
				return model.ErrTransportLost
			}
		}
	}
}

// Restore rebuilds the tab bar from the durable store and the server's
// session list, then focuses the remembered tab.
func (s *Store) Restore(ctx context.Context) error {
	var state State
	if s.opts.States != nil {
		loaded, err := s.opts.States.Load(ctx, s.opts.Profile)
		if err != nil {
			s.log.Warn().Err(err).Msg("failed to load tab state, starting fresh")
		} else {
			state = loaded
		}
	}

	infos, err := s.list(ctx)
	if err != nil {
		return err
	}
	order, active := Reconcile(state.IDs(), state.ActiveID, infos)

	byID := make(map[string]model.SessionInfo, len(infos))
	for _, info := range infos {
		byID[info.ID] = info
	}

	s.mu.Lock()
	s.tabs = nil
	s.focused = ""
	for _, id := range order {
		t := s.addTabLocked(byID[id])
		if ts, ok := state.Tab(id); ok && (len(ts.Scrollback) > 0 || ts.Offset > 0) {
			t.term.Write(ts.Scrollback)
			t.offset = ts.Offset
			t.hasLocal = true
		}
	}
	s.mu.Unlock()

	s.log.Info().Int("tabs", len(order)).Str("focus", active).Msg("tabs restored")
	s.changed()

	if active == "" {
		return nil
	}
	return s.Focus(ctx, active)
}

// Open creates a session and focuses its new tab.
func (s *Store) Open(ctx context.Context, project, title string) (Tab, error) {
	s.mu.Lock()
	cols, rows := s.cols, s.rows
	s.mu.Unlock()

	res, err := s.transport.Request(ctx, &protocol.Message{
		Type:    protocol.TypeCreate,
		Cols:    cols,
		Rows:    rows,
		Project: project,
		Title:   title,
	})
	if err != nil {
		return Tab{}, err
	}
	if res.Session == nil {
		return Tab{}, errors.New("create result carries no session")
	}

	s.mu.Lock()
	s.addTabLocked(*res.Session)
	s.mu.Unlock()
	s.changed()

	if err := s.Focus(ctx, res.Session.ID); err != nil {
		return Tab{}, err
	}
	t, _ := s.Tab(res.Session.ID)
	return t, nil
}

// Focus makes id the visible tab and attaches it: with replay the first
// time, and from the tab's stream offset once it holds output.
func (s *Store) Focus(ctx context.Context, id string) error {
	s.focusMu.Lock()
	defer s.focusMu.Unlock()

	s.mu.Lock()
	next := s.find(id)
	if next == nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: no tab for %s", model.ErrSessionNotFound, id)
	}
	prev := s.find(s.focused)
	s.focused = id
	s.mu.Unlock()

	if prev != next && s.opts.OnFocus != nil {
		var prevTerm Emulator
		if prev != nil {
			prevTerm = prev.term
		}
		s.opts.OnFocus(prevTerm, next.term)
	}
	s.changed()
	s.persistQuietly(ctx)

	return s.attach(ctx, id)
}

// Next focuses the tab after the focused one, wrapping around.
func (s *Store) Next(ctx context.Context) error {
	return s.step(ctx, 1)
}

// Prev focuses the tab before the focused one, wrapping around.
func (s *Store) Prev(ctx context.Context) error {
	return s.step(ctx, -1)
}

func (s *Store) step(ctx context.Context, delta int) error {
	s.mu.Lock()
	n := len(s.tabs)
	if n == 0 {
		s.mu.Unlock()
		return nil
	}
	i := s.indexLocked(s.focused)
	if i < 0 {
		i = 0
	} else {
		i = ((i+delta)%n + n) % n
	}
	id := s.tabs[i].info.ID
	s.mu.Unlock()
	return s.Focus(ctx, id)
}

// CloseTab kills the session and removes its tab. Focus moves to the
// neighbouring tab.
func (s *Store) CloseTab(ctx context.Context, id string) error {
	s.focusMu.Lock()

	if _, err := s.transport.Request(ctx, &protocol.Message{Type: protocol.TypeKill, SessionID: id}); err != nil {
		s.focusMu.Unlock()
		return err
	}

	s.mu.Lock()
	i := s.indexLocked(id)
	if i < 0 {
		s.mu.Unlock()
		s.focusMu.Unlock()
		return nil
	}
	s.tabs = append(s.tabs[:i], s.tabs[i+1:]...)
	if s.attached == id {
		s.attached = ""
	}
	next := ""
	wasFocused := s.focused == id
	if wasFocused {
		s.focused = ""
		if len(s.tabs) > 0 {
			next = s.tabs[min(i, len(s.tabs)-1)].info.ID
		}
	}
	s.mu.Unlock()
	s.focusMu.Unlock()

	s.changed()
	if next != "" {
		return s.Focus(ctx, next)
	}
	s.persistQuietly(ctx)
	return nil
}

// Rename retitles a session.
func (s *Store) Rename(ctx context.Context, id, title string) error {
	res, err := s.transport.Request(ctx, &protocol.Message{Type: protocol.TypeRename, SessionID: id, Title: title})
	if err != nil {
		if errors.Is(err, model.ErrSessionNotFound) {
			s.markGone(id)
		}
		return err
	}

	s.mu.Lock()
	if t := s.find(id); t != nil && res.Session != nil {
		t.info.Title = res.Session.Title
	}
	s.mu.Unlock()
	s.changed()
	return nil
}

// maxInputChunk keeps a base64 input frame well inside the server's read
// limit.
const maxInputChunk = 16 << 10

// Input sends keystrokes to the focused tab. Without an attachment they
// are dropped.
func (s *Store) Input(data []byte) error {
	s.mu.Lock()
	id := s.attached
	ok := id != "" && id == s.focused
	s.mu.Unlock()
	if !ok || len(data) == 0 {
		return nil
	}
	for len(data) > 0 {
		n := min(len(data), maxInputChunk)
		if err := s.transport.Send(&protocol.Message{Type: protocol.TypeInput, SessionID: id, Data: data[:n]}); err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

// Resize records the local terminal geometry and forwards it to the
// attached session. Resizes travel ahead of queued input.
func (s *Store) Resize(cols, rows uint16) error {
	if !model.ValidGeometry(cols, rows) {
		return model.ErrInvalidGeometry
	}

	s.mu.Lock()
	s.cols, s.rows = cols, rows
	if t := s.find(s.focused); t != nil {
		t.term.Resize(cols, rows)
	}
	id := s.attached
	s.mu.Unlock()

	if id == "" {
		return nil
	}
	return s.transport.Send(&protocol.Message{Type: protocol.TypeResize, SessionID: id, Cols: cols, Rows: rows})
}

// Tabs returns the tabs in bar order.
func (s *Store) Tabs() []Tab {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Tab, len(s.tabs))
	for i, t := range s.tabs {
		out[i] = s.snapshotLocked(t)
	}
	return out
}

// Tab returns one tab.
func (s *Store) Tab(id string) (Tab, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.find(id)
	if t == nil {
		return Tab{}, false
	}
	return s.snapshotLocked(t), true
}

// Focused returns the focused tab.
func (s *Store) Focused() (Tab, bool) {
	s.mu.Lock()
	id := s.focused
	s.mu.Unlock()
	return s.Tab(id)
}

// Status reports the connection state.
func (s *Store) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Persist saves the tab bar, scrollback included.
func (s *Store) Persist(ctx context.Context) error {
	if s.opts.States == nil {
		return nil
	}

	s.mu.Lock()
	state := State{ActiveID: s.focused, Tabs: make([]TabState, 0, len(s.tabs))}
	for _, t := range s.tabs {
		state.Tabs = append(state.Tabs, TabState{
			SessionID:  t.info.ID,
			Title:      t.info.Title,
			Offset:     t.offset,
			Scrollback: t.term.Scrollback(),
		})
	}
	s.mu.Unlock()

	return s.opts.States.Save(ctx, s.opts.Profile, state)
}

func (s *Store) persistQuietly(ctx context.Context) {
	if err := s.Persist(ctx); err != nil {
		s.log.Warn().Err(err).Msg("failed to save tab state")
	}
}

// attach binds the connection to id. Callers hold focusMu.
func (s *Store) attach(ctx context.Context, id string) error {
	s.mu.Lock()
	t := s.find(id)
	if t == nil || t.gone {
		s.attached = ""
		s.mu.Unlock()
		return nil
	}
	if t.info.Exited && t.hasLocal {
		// Nothing more will be produced.
		s.attached = ""
		s.mu.Unlock()
		return nil
	}

	msg := &protocol.Message{
		Type:      protocol.TypeAttach,
		SessionID: id,
		Cols:      s.cols,
		Rows:      s.rows,
	}
	if t.hasLocal {
		since := t.offset
		msg.Since = &since
	} else {
		msg.Replay = true
	}
	s.gen++
	gen := s.gen
	s.attaching = id
	s.mu.Unlock()

	res, err := s.transport.Request(ctx, msg)

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return nil
	}
	s.attaching = ""
	if err != nil {
		s.attached = ""
		if errors.Is(err, model.ErrSessionNotFound) {
			// Most likely the server restarted; keep the tab as a placeholder.
			t.gone = true
			t.info.Exited = true
			s.mu.Unlock()
			s.log.Info().Str("session_id", id).Msg("session no longer exists")
			s.changed()
			return nil
		}
		s.mu.Unlock()
		return err
	}

	s.attached = id
	t.detached = ""
	t.hasLocal = true
	if res.Session != nil {
		t.info = *res.Session
	}
	s.mu.Unlock()

	s.log.Debug().Str("session_id", id).Bool("replay", msg.Replay).Msg("attached")
	s.changed()
	return nil
}

func (s *Store) handleFrame(ctx context.Context, m *protocol.Message) {
	switch m.Type {
	case protocol.TypeOutput:
		s.mu.Lock()
		if m.SessionID != s.attached && m.SessionID != s.attaching {
			s.mu.Unlock()
			return
		}
		t := s.find(m.SessionID)
		if t == nil {
			s.mu.Unlock()
			return
		}
		data := m.Data
		end := m.Offset + uint64(len(data))
		if end <= t.offset && len(data) > 0 {
			s.mu.Unlock()
			return
		}
		if m.Offset < t.offset {
			data = data[t.offset-m.Offset:]
		}
		t.offset = end
		t.hasLocal = true
		term := t.term
		s.mu.Unlock()

		term.Write(data)

	case protocol.TypeExit:
		s.mu.Lock()
		if t := s.find(m.SessionID); t != nil {
			t.info.Exited = true
			t.info.Status = model.SessionStatusExited
			t.info.ExitCode = m.ExitCode
		}
		s.mu.Unlock()
		s.changed()

	case protocol.TypeDetached:
		s.mu.Lock()
		if m.SessionID != s.attached {
			s.mu.Unlock()
			return
		}
		s.attached = ""
		t := s.find(m.SessionID)
		focused := s.focused == m.SessionID
		if t != nil {
			switch m.Reason {
			case protocol.ReasonKilled:
				t.gone = true
				t.info.Exited = true
			case protocol.ReasonEvicted:
				t.detached = m.Reason
			}
		}
		s.mu.Unlock()
		s.log.Debug().Str("session_id", m.SessionID).Str("reason", m.Reason).Msg("detached by server")
		s.changed()

		// A lagging viewer catches up from its offset.
		if m.Reason == protocol.ReasonLagged && focused {
			go s.reattach(ctx, m.SessionID)
		}
	}
}

func (s *Store) reattach(ctx context.Context, id string) {
	s.focusMu.Lock()
	defer s.focusMu.Unlock()

	s.mu.Lock()
	still := s.focused == id && s.attached == ""
	s.mu.Unlock()
	if !still {
		return
	}
	if err := s.attach(ctx, id); err != nil {
		s.log.Warn().Err(err).Str("session_id", id).Msg("failed to re-attach")
	}
}

func (s *Store) list(ctx context.Context) ([]model.SessionInfo, error) {
	res, err := s.transport.Request(ctx, &protocol.Message{Type: protocol.TypeList})
	if err != nil {
		return nil, err
	}
	return res.Sessions, nil
}

func (s *Store) markGone(id string) {
	s.mu.Lock()
	if t := s.find(id); t != nil {
		t.gone = true
		t.info.Exited = true
	}
	s.mu.Unlock()
	s.changed()
}

func (s *Store) setStatus(status Status) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
	s.changed()
}

// SetOnChange replaces the change callback.
func (s *Store) SetOnChange(fn func()) {
	s.mu.Lock()
	s.opts.OnChange = fn
	s.mu.Unlock()
}

func (s *Store) changed() {
	s.mu.Lock()
	fn := s.opts.OnChange
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (s *Store) addTabLocked(info model.SessionInfo) *tab {
	if t := s.find(info.ID); t != nil {
		return t
	}
	t := &tab{info: info, term: s.opts.NewEmulator(info.ID)}
	t.term.Resize(s.cols, s.rows)
	s.tabs = append(s.tabs, t)
	return t
}

func (s *Store) find(id string) *tab {
	if i := s.indexLocked(id); i >= 0 {
		return s.tabs[i]
	}
	return nil
}

func (s *Store) indexLocked(id string) int {
	if id == "" {
		return -1
	}
	for i, t := range s.tabs {
		if t.info.ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) snapshotLocked(t *tab) Tab {
	return Tab{
		SessionID: t.info.ID,
		Title:     t.info.Title,
		Project:   t.info.Project,
		Exited:    t.info.Exited,
		ExitCode:  t.info.ExitCode,
		Gone:      t.gone,
		Detached:  t.detached,
		Focused:   s.focused == t.info.ID,
		Attached:  s.attached == t.info.ID,
		Term:      t.term,
	}
}
