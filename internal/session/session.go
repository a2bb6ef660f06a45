package session

import (
	"sync"
	"time"

	"github.com/remote-agent-terminal/termmux/internal/buffer"
	"github.com/remote-agent-terminal/termmux/internal/log"
	"github.com/remote-agent-terminal/termmux/internal/model"
	"github.com/remote-agent-terminal/termmux/internal/pty"
	"github.com/remote-agent-terminal/termmux/internal/recording"
)

// Session is one persistent shell. It owns its process, its output buffer
// and at most one live Subscription.
type Session struct {
	ID        string
	Owner     string
	Project   string
	CreatedAt time.Time

	proc pty.Process
	buf  *buffer.RingBuffer
	rec  *recording.Recorder

	// inMu orders input against resize without holding mu across a PTY
	// write, which can block while the shell is busy.
	inMu sync.Mutex

	mu       sync.Mutex
	title    string
	cols     uint16
	rows     uint16
	status   model.SessionStatus
	exitCode *int
	sub      *Subscription
	killed   bool
}

func newSession(id, owner string, req model.CreateSessionRequest, scrollback int) *Session {
	title := req.Title
	if title == "" {
		title = "Session " + id[:8]
	}
	return &Session{
		ID:        id,
		Owner:     owner,
		Project:   req.Project,
		CreatedAt: time.Now(),
		buf:       buffer.NewRingBuffer(scrollback),
		title:     title,
		cols:      req.Cols,
		rows:      req.Rows,
		status:    model.SessionStatusActive,
	}
}

// Info returns the session descriptor.
func (s *Session) Info() model.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.infoLocked()
}

func (s *Session) infoLocked() model.SessionInfo {
	info := model.SessionInfo{
		ID:        s.ID,
		Title:     s.title,
		Project:   s.Project,
		Cols:      s.cols,
		Rows:      s.rows,
		Status:    s.status,
		Exited:    s.status != model.SessionStatusActive,
		Attached:  s.sub != nil,
		CreatedAt: s.CreatedAt,
	}
	if s.exitCode != nil {
		code := *s.exitCode
		info.ExitCode = &code
	}
	return info
}

// Status returns the current status.
func (s *Session) Status() model.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// handleOutput appends to the buffer and forwards to the viewer under one
// lock, so an attach sees every byte either in its snapshot or live.
func (s *Session) handleOutput(data []byte) {
	if len(data) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	offset := s.buf.Written()
	s.buf.Write(data)

	if s.rec != nil {
		if err := s.rec.WriteOutput(data); err != nil {
			log.Warn().Err(err).Str("session_id", s.ID).Msg("recording output failed")
		}
	}

	if s.sub != nil && !s.sub.pushLocked(Event{Kind: EventOutput, Data: data, Offset: offset}) {
		log.Info().Str("session_id", s.ID).Uint64("offset", offset).Msg("viewer lagged, subscription dropped")
		s.sub = nil
	}
}

// markExited moves the session to exited and notifies the viewer. It
// reports whether the session had been killed first.
func (s *Session) markExited(code int) (killed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.status = model.SessionStatusExited
	s.exitCode = &code

	if s.sub != nil && !s.sub.pushLocked(Event{Kind: EventExit, ExitCode: code}) {
		s.sub = nil
	}
	return s.killed
}

// attach installs a new subscription, evicting any previous viewer, and
// queues the replay chunk ahead of any live output.
func (s *Session) attach(cols, rows uint16, replay bool, since *uint64, queue int) (*Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.killed {
		return nil, model.ErrSessionNotFound
	}

	if s.sub != nil {
		s.sub.closeLocked(ReasonEvicted)
		s.sub = nil
	}

	if model.ValidGeometry(cols, rows) && (cols != s.cols || rows != s.rows) {
		s.resizeLocked(cols, rows)
	}

	sub := newSubscription(s, queue)

	var data []byte
	switch {
	case replay:
		data, sub.Offset = s.buf.Snapshot()
	case since != nil:
		data, sub.Offset, _ = s.buf.Since(*since)
	default:
		sub.Offset = s.buf.Written()
	}

	// The queue is empty, so the replay chunk always fits.
	if len(data) > 0 {
		sub.events <- Event{Kind: EventOutput, Data: data, Offset: sub.Offset}
		sub.ReplayBytes = len(data)
	}

	s.sub = sub
	sub.Info = s.infoLocked()
	return sub, nil
}

// detach ends sub and reports whether it was still live.
func (s *Session) detach(sub *Subscription, reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sub == sub {
		s.sub = nil
	}
	if sub.closed {
		return false
	}
	sub.closeLocked(reason)
	return true
}

// resize applies new geometry. Unchanged geometry is a no-op.
func (s *Session) resize(cols, rows uint16) {
	s.inMu.Lock()
	defer s.inMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if cols == s.cols && rows == s.rows {
		return
	}
	s.resizeLocked(cols, rows)
}

func (s *Session) resizeLocked(cols, rows uint16) {
	s.cols, s.rows = cols, rows
	if s.status != model.SessionStatusActive {
		return
	}
	if err := s.proc.Resize(cols, rows); err != nil {
		log.Warn().Err(err).Str("session_id", s.ID).Msg("resize failed")
		return
	}
	if s.rec != nil {
		s.rec.WriteResize(int(cols), int(rows))
	}
}

// input writes bytes to the shell verbatim.
func (s *Session) input(data []byte) error {
	s.inMu.Lock()
	defer s.inMu.Unlock()

	if s.Status() != model.SessionStatusActive {
		return model.ErrSessionExited
	}
	if err := s.proc.Write(data); err != nil {
		return err
	}
	if s.rec != nil {
		s.rec.WriteInput(data)
	}
	return nil
}

// rename sets a new title.
func (s *Session) rename(title string) model.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.title = title
	return s.infoLocked()
}

// kill ends the viewer. It reports whether the process still needs to be
// terminated and whether a viewer was dropped.
func (s *Session) kill() (running, hadViewer bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.killed = true
	if s.sub != nil {
		s.sub.closeLocked(ReasonKilled)
		s.sub = nil
		hadViewer = true
	}
	return s.status == model.SessionStatusActive, hadViewer
}
