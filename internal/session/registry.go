// Package session owns the live terminal sessions: their shells, output
// buffers and the single viewer each may have.
package session

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/remote-agent-terminal/termmux/internal/log"
	"github.com/remote-agent-terminal/termmux/internal/metrics"
	"github.com/remote-agent-terminal/termmux/internal/model"
	"github.com/remote-agent-terminal/termmux/internal/pty"
	"github.com/remote-agent-terminal/termmux/internal/recording"
)

// Ledger records session lifecycle changes. It is satisfied by
// *repository.SessionRepository.
type Ledger interface {
	Create(ctx context.Context, rec *model.SessionRecord) error
	UpdateTitle(ctx context.Context, id, title string) error
	UpdateStatus(ctx context.Context, id string, status model.SessionStatus, exitCode *int) error
}

// Config holds configuration for the registry.
type Config struct {
	MaxSessions        int
	MaxSessionsPerUser int
	ScrollbackBytes    int
	RecordingDir       string
	QueueSize          int
}

// Registry is the set of live sessions. It is created at server start,
// shared by every connection, and torn down with Close.
type Registry struct {
	spawner pty.Spawner
	ledger  Ledger
	metrics *metrics.Metrics
	cfg     Config

	mu       sync.RWMutex
	sessions map[string]*Session
	pending  map[string]int // creates in flight, by owner
	closed   bool
}

// NewRegistry creates a registry. ledger and m may be nil.
func NewRegistry(spawner pty.Spawner, ledger Ledger, m *metrics.Metrics, cfg Config) *Registry {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 32
	}
	if cfg.MaxSessionsPerUser <= 0 {
		cfg.MaxSessionsPerUser = 10
	}
	if cfg.ScrollbackBytes <= 0 {
		cfg.ScrollbackBytes = 256 * 1024
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	return &Registry{
		spawner:  spawner,
		ledger:   ledger,
		metrics:  m,
		cfg:      cfg,
		sessions: make(map[string]*Session),
		pending:  make(map[string]int),
	}
}

// Create spawns a shell and registers a new session for owner.
func (r *Registry) Create(ctx context.Context, owner string, req model.CreateSessionRequest) (model.SessionInfo, error) {
	req.Normalize()

	if err := r.reserve(owner); err != nil {
		if err == model.ErrConcurrencyLimit {
			r.metrics.SessionRejected()
		}
		return model.SessionInfo{}, err
	}
	defer r.release(owner)

	id := uuid.New().String()
	s := newSession(id, owner, req, r.cfg.ScrollbackBytes)

	var recordingPath string
	if r.cfg.RecordingDir != "" {
		rec, path, err := recording.Create(r.cfg.RecordingDir, id)
		if err != nil {
			return model.SessionInfo{}, err
		}
		if err := rec.WriteHeader(int(req.Cols), int(req.Rows), s.title); err != nil {
			rec.Close()
			return model.SessionInfo{}, err
		}
		s.rec, recordingPath = rec, path
	}

	proc, err := r.spawner.Spawn(ctx, pty.SpawnOptions{
		ID:     id,
		Dir:    workDir(req.Project),
		Cols:   req.Cols,
		Rows:   req.Rows,
		OnData: s.handleOutput,
		OnExit: func(exitCode int, err error) {
			r.handleExit(s, exitCode, err)
		},
	})
	if err != nil {
		if s.rec != nil {
			s.rec.Close()
		}
		return model.SessionInfo{}, fmt.Errorf("failed to spawn shell: %w", err)
	}
	s.proc = proc

	if r.ledger != nil {
		pid := proc.PID()
		rec := &model.SessionRecord{
			ID:            id,
			UserID:        owner,
			Title:         s.title,
			Project:       s.Project,
			Cols:          req.Cols,
			Rows:          req.Rows,
			Status:        model.SessionStatusActive,
			PID:           &pid,
			RecordingPath: recordingPath,
			CreatedAt:     s.CreatedAt,
			UpdatedAt:     s.CreatedAt,
		}
		if err := r.ledger.Create(ctx, rec); err != nil {
			s.kill()
			proc.Kill()
			return model.SessionInfo{}, fmt.Errorf("failed to persist session: %w", err)
		}
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		s.kill()
		proc.Kill()
		return model.SessionInfo{}, model.ErrRegistryClosed
	}
	r.sessions[id] = s
	r.mu.Unlock()

	r.metrics.SessionCreated()
	r.publish()

	log.Info().
		Str("session_id", id).
		Str("user_id", owner).
		Int("pid", proc.PID()).
		Uint16("cols", req.Cols).
		Uint16("rows", req.Rows).
		Msg("session created")

	return s.Info(), nil
}

// reserve checks both caps and holds a slot for a create in flight.
func (r *Registry) reserve(owner string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return model.ErrRegistryClosed
	}

	total, mine := 0, r.pending[owner]
	for _, n := range r.pending {
		total += n
	}
	total += len(r.sessions)
	for _, s := range r.sessions {
		if s.Owner == owner {
			mine++
		}
	}

	if total >= r.cfg.MaxSessions || mine >= r.cfg.MaxSessionsPerUser {
		return model.ErrConcurrencyLimit
	}
	r.pending[owner]++
	return nil
}

func (r *Registry) release(owner string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pending[owner] <= 1 {
		delete(r.pending, owner)
		return
	}
	r.pending[owner]--
}

// lookup returns owner's session. Sessions of other users are invisible.
func (r *Registry) lookup(owner, id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok || s.Owner != owner {
		return nil, model.ErrSessionNotFound
	}
	return s, nil
}

// Get returns one session descriptor.
func (r *Registry) Get(owner, id string) (model.SessionInfo, error) {
	s, err := r.lookup(owner, id)
	if err != nil {
		return model.SessionInfo{}, err
	}
	return s.Info(), nil
}

// List returns owner's sessions, active and exited, oldest first.
func (r *Registry) List(owner string) []model.SessionInfo {
	r.mu.RLock()
	mine := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if s.Owner == owner {
			mine = append(mine, s)
		}
	}
	r.mu.RUnlock()

	sort.Slice(mine, func(i, j int) bool {
		if mine[i].CreatedAt.Equal(mine[j].CreatedAt) {
			return mine[i].ID < mine[j].ID
		}
		return mine[i].CreatedAt.Before(mine[j].CreatedAt)
	})

	infos := make([]model.SessionInfo, 0, len(mine))
	for _, s := range mine {
		infos = append(infos, s.Info())
	}
	return infos
}

// Rename sets a session's title.
func (r *Registry) Rename(ctx context.Context, owner, id, title string) (model.SessionInfo, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return model.SessionInfo{}, model.ErrTitleRequired
	}

	s, err := r.lookup(owner, id)
	if err != nil {
		return model.SessionInfo{}, err
	}

	info := s.rename(title)
	if r.ledger != nil {
		if err := r.ledger.UpdateTitle(ctx, id, title); err != nil {
			log.Warn().Err(err).Str("session_id", id).Msg("failed to record rename")
		}
	}
	return info, nil
}

// Kill terminates a session and forgets it. Unknown or foreign ids are a
// no-op, so Kill never fails.
func (r *Registry) Kill(ctx context.Context, owner, id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok && s.Owner == owner {
		delete(r.sessions, id)
	} else {
		ok = false
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	r.terminate(ctx, s)
	r.publish()
	log.Info().Str("session_id", id).Str("user_id", owner).Msg("session killed")
}

func (r *Registry) terminate(ctx context.Context, s *Session) {
	running, hadViewer := s.kill()
	if running {
		if err := s.proc.Kill(); err != nil {
			log.Warn().Err(err).Str("session_id", s.ID).Msg("failed to kill shell")
		}
	}
	if hadViewer {
		r.metrics.Detached(ReasonKilled)
	}

	if r.ledger != nil {
		if err := r.ledger.UpdateStatus(ctx, s.ID, model.SessionStatusKilled, nil); err != nil {
			log.Warn().Err(err).Str("session_id", s.ID).Msg("failed to record kill")
		}
	}
}

// Attach makes sub the only viewer of a session, evicting the previous one.
// With replay the retained buffer is queued first; with since, retained
// bytes from that offset; otherwise only future output is streamed.
func (r *Registry) Attach(owner, id string, cols, rows uint16, replay bool, since *uint64) (*Subscription, error) {
	s, err := r.lookup(owner, id)
	if err != nil {
		return nil, err
	}

	sub, err := s.attach(cols, rows, replay, since, r.cfg.QueueSize)
	if err != nil {
		return nil, err
	}

	mode := "live"
	if replay {
		mode = "replay"
	} else if since != nil {
		mode = "since"
	}
	r.metrics.Attached(mode, sub.ReplayBytes)

	log.Debug().
		Str("session_id", id).
		Str("mode", mode).
		Int("replay_bytes", sub.ReplayBytes).
		Uint64("offset", sub.Offset).
		Msg("viewer attached")
	return sub, nil
}

// Detach ends a subscription without touching the session or its shell.
func (r *Registry) Detach(sub *Subscription) {
	if sub == nil {
		return
	}
	if sub.session.detach(sub, ReasonDetached) {
		r.metrics.Detached(ReasonDetached)
	}
}

// Resize changes a session's geometry. Unchanged geometry is a no-op.
func (r *Registry) Resize(owner, id string, cols, rows uint16) error {
	if !model.ValidGeometry(cols, rows) {
		return model.ErrInvalidGeometry
	}
	s, err := r.lookup(owner, id)
	if err != nil {
		return err
	}
	s.resize(cols, rows)
	return nil
}

// Input forwards bytes to the session's shell verbatim.
func (r *Registry) Input(owner, id string, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	s, err := r.lookup(owner, id)
	if err != nil {
		return err
	}
	if err := s.input(data); err != nil {
		return err
	}
	r.metrics.Input(len(data))
	return nil
}

// handleExit is the process exit callback.
func (r *Registry) handleExit(s *Session, exitCode int, err error) {
	if err != nil {
		log.Warn().Err(err).Str("session_id", s.ID).Msg("shell wait failed")
	}

	killed := s.markExited(exitCode)
	if s.rec != nil {
		if err := s.rec.Close(); err != nil {
			log.Warn().Err(err).Str("session_id", s.ID).Msg("failed to close recording")
		}
	}

	status := model.SessionStatusExited
	if killed {
		status = model.SessionStatusKilled
	}
	if r.ledger != nil {
		if err := r.ledger.UpdateStatus(context.Background(), s.ID, status, &exitCode); err != nil {
			log.Warn().Err(err).Str("session_id", s.ID).Msg("failed to record exit")
		}
	}

	r.publish()
	log.Info().Str("session_id", s.ID).Int("exit_code", exitCode).Bool("killed", killed).Msg("session exited")
}

// publish refreshes the session gauges.
func (r *Registry) publish() {
	if r.metrics == nil {
		return
	}

	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	active, exited := 0, 0
	for _, s := range sessions {
		if s.Status() == model.SessionStatusActive {
			active++
		} else {
			exited++
		}
	}
	r.metrics.SetSessions(active, exited)
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Close kills every session and rejects further creates.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		r.terminate(context.Background(), s)
	}
	r.publish()

	log.Info().Int("sessions", len(sessions)).Msg("session registry closed")
	return nil
}

// workDir treats a project that looks like a path as the shell's working
// directory. Anything else is only a grouping label.
func workDir(project string) string {
	if strings.HasPrefix(project, "/") || project == "~" || strings.HasPrefix(project, "~/") {
		return project
	}
	return ""
}
