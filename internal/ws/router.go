package ws

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/remote-agent-terminal/termmux/internal/log"
	"github.com/remote-agent-terminal/termmux/internal/metrics"
	"github.com/remote-agent-terminal/termmux/internal/model"
	"github.com/remote-agent-terminal/termmux/internal/protocol"
	"github.com/remote-agent-terminal/termmux/internal/session"
)

// State is the lifecycle state of a connection.
type State int

const (
	StateAuthenticated State = iota
	StateAttached
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAuthenticated:
		return "authenticated"
	case StateAttached:
		return "attached"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Sessions is the registry surface a Router drives.
type Sessions interface {
	Create(ctx context.Context, owner string, req model.CreateSessionRequest) (model.SessionInfo, error)
	List(owner string) []model.SessionInfo
	Rename(ctx context.Context, owner, id, title string) (model.SessionInfo, error)
	Kill(ctx context.Context, owner, id string)
	Attach(owner, id string, cols, rows uint16, replay bool, since *uint64) (*session.Subscription, error)
	Detach(sub *session.Subscription)
	Resize(owner, id string, cols, rows uint16) error
	Input(owner, id string, data []byte) error
}

// Options tunes a Router.
type Options struct {
	// InputRate limits input frames per second. Zero disables the limit.
	InputRate  float64
	InputBurst int

	Metrics *metrics.Metrics
	Hub     *Hub
}

// attachment is the connection's view of one subscription. The forwarder
// goroutine owns the event channel until done is closed.
type attachment struct {
	sub   *session.Subscription
	stop  chan struct{}
	done  chan struct{}
	ended atomic.Bool
}

// Router handles one authenticated connection.
type Router struct {
	id       string
	userID   string
	conn     *websocket.Conn
	sessions Sessions
	opts     Options
	limiter  *rate.Limiter
	log      zerolog.Logger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	current *attachment // set only by the read goroutine
}

// NewRouter creates a Router for an upgraded connection owned by userID.
func NewRouter(conn *websocket.Conn, userID string, sessions Sessions, opts Options) *Router {
	id := uuid.New().String()
	r := &Router{
		id:       id,
		userID:   userID,
		conn:     conn,
		sessions: sessions,
		opts:     opts,
		log:      log.With().Str("conn_id", id).Str("user_id", userID).Logger(),
		send:     make(chan []byte, sendBufferSize),
		done:     make(chan struct{}),
	}
	if opts.InputRate > 0 {
		burst := opts.InputBurst
		if burst <= 0 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(opts.InputRate), burst)
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	return r
}

// ID returns the connection id.
func (r *Router) ID() string {
	return r.id
}

// UserID returns the authenticated user.
func (r *Router) UserID() string {
	return r.userID
}

// State reports the connection state.
func (r *Router) State() State {
	select {
	case <-r.done:
		return StateClosed
	default:
	}
	if r.attached() != nil {
		return StateAttached
	}
	return StateAuthenticated
}

// Serve runs the connection until the peer goes away, ctx is cancelled or
// Close is called. The attached session, if any, keeps running.
func (r *Router) Serve(ctx context.Context) {
	if r.opts.Hub != nil && !r.opts.Hub.Register(r) {
		r.conn.Close()
		return
	}
	r.opts.Metrics.ConnectionOpened()
	ev := r.log.Info()
	if r.opts.Hub != nil {
		ev = ev.Int("user_connections", r.opts.Hub.CountUser(r.userID))
	}
	ev.Msg("connection opened")

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		r.writePump()
	}()
	go func() {
		select {
		case <-ctx.Done():
			r.Close()
		case <-r.done:
		}
	}()

	r.readPump()

	r.Close()
	r.detachCurrent()
	<-writerDone

	if r.opts.Hub != nil {
		r.opts.Hub.Unregister(r)
	}
	r.opts.Metrics.ConnectionClosed()
	r.log.Info().Msg("connection closed")
}

// Close ends the connection. It is safe to call more than once.
func (r *Router) Close() {
	r.closeOnce.Do(func() {
		close(r.done)
		r.cancel()
	})
}

func (r *Router) dispatch(data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		if msg != nil && msg.RequestID != "" {
			r.reply(protocol.ErrorResult(msg.RequestID, protocol.CodeBadRequest, err.Error()))
			return
		}
		r.log.Debug().Err(err).Msg("dropping invalid frame")
		return
	}

	switch msg.Type {
	case protocol.TypeCreate:
		r.handleCreate(msg)
	case protocol.TypeList:
		r.handleList(msg)
	case protocol.TypeAttach:
		r.handleAttach(msg)
	case protocol.TypeRename:
		r.handleRename(msg)
	case protocol.TypeKill:
		r.handleKill(msg)
	case protocol.TypeResize:
		r.handleResize(msg)
	case protocol.TypeInput:
		r.handleInput(msg)
	case protocol.TypePing:
		r.reply(&protocol.Message{Type: protocol.TypePong, RequestID: msg.RequestID})
	}
}

func (r *Router) handleCreate(msg *protocol.Message) {
	info, err := r.sessions.Create(r.ctx, r.userID, model.CreateSessionRequest{
		Cols:    msg.Cols,
		Rows:    msg.Rows,
		Project: msg.Project,
		Title:   msg.Title,
	})
	if err != nil {
		r.replyError(msg, err)
		return
	}
	res := protocol.Result(msg.RequestID)
	res.SessionID = info.ID
	res.Session = &info
	r.reply(res)
}

func (r *Router) handleList(msg *protocol.Message) {
	res := protocol.Result(msg.RequestID)
	res.Sessions = r.sessions.List(r.userID)
	r.reply(res)
}

func (r *Router) handleAttach(msg *protocol.Message) {
	r.detachCurrent()

	sub, err := r.sessions.Attach(r.userID, msg.SessionID, msg.Cols, msg.Rows, msg.Replay, msg.Since)
	if err != nil {
		r.replyError(msg, err)
		return
	}

	a := &attachment{
		sub:  sub,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	r.mu.Lock()
	r.current = a
	r.mu.Unlock()

	// The result goes out before the forwarder starts so the replay chunk
	// always follows it.
	res := protocol.Result(msg.RequestID)
	res.SessionID = sub.SessionID()
	res.Session = &sub.Info
	res.Offset = sub.Offset
	r.reply(res)

	go r.forward(a)
}

func (r *Router) handleRename(msg *protocol.Message) {
	info, err := r.sessions.Rename(r.ctx, r.userID, msg.SessionID, msg.Title)
	if err != nil {
		r.replyError(msg, err)
		return
	}
	res := protocol.Result(msg.RequestID)
	res.SessionID = info.ID
	res.Session = &info
	r.reply(res)
}

func (r *Router) handleKill(msg *protocol.Message) {
	r.sessions.Kill(r.ctx, r.userID, msg.SessionID)
	res := protocol.Result(msg.RequestID)
	res.SessionID = msg.SessionID
	r.reply(res)
}

func (r *Router) handleResize(msg *protocol.Message) {
	a := r.target(msg)
	if a == nil {
		return
	}
	if err := r.sessions.Resize(r.userID, a.sub.SessionID(), msg.Cols, msg.Rows); err != nil {
		r.log.Debug().Err(err).Str("session_id", a.sub.SessionID()).Msg("resize ignored")
	}
}

func (r *Router) handleInput(msg *protocol.Message) {
	a := r.target(msg)
	if a == nil || len(msg.Data) == 0 {
		return
	}
	if r.limiter != nil {
		if err := r.limiter.Wait(r.ctx); err != nil {
			return
		}
	}
	if err := r.sessions.Input(r.userID, a.sub.SessionID(), msg.Data); err != nil {
		r.log.Debug().Err(err).Str("session_id", a.sub.SessionID()).Msg("input ignored")
	}
}

// target returns the live attachment a fire-and-forget frame applies to.
// A frame naming some other session is ignored.
func (r *Router) target(msg *protocol.Message) *attachment {
	a := r.attached()
	if a == nil {
		return nil
	}
	if msg.SessionID != "" && msg.SessionID != a.sub.SessionID() {
		return nil
	}
	return a
}

func (r *Router) attached() *attachment {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil || r.current.ended.Load() {
		return nil
	}
	return r.current
}

// detachCurrent ends the current subscription and waits for its forwarder.
func (r *Router) detachCurrent() {
	r.mu.Lock()
	a := r.current
	r.current = nil
	r.mu.Unlock()

	if a == nil {
		return
	}
	close(a.stop)
	r.sessions.Detach(a.sub)
	<-a.done
}

// forward turns subscription events into output and exit frames. When the
// registry ends the subscription the client is told why.
func (r *Router) forward(a *attachment) {
	defer close(a.done)

	id := a.sub.SessionID()
	events := a.sub.Events()
	for {
		select {
		case <-a.stop:
			return
		case ev, ok := <-events:
			if !ok {
				r.ended(a, id)
				return
			}
			switch ev.Kind {
			case session.EventOutput:
				if r.enqueue(&protocol.Message{
					Type:      protocol.TypeOutput,
					SessionID: id,
					Data:      ev.Data,
					Offset:    ev.Offset,
				}, a.stop) {
					r.opts.Metrics.Output(len(ev.Data))
				}
			case session.EventExit:
				code := ev.ExitCode
				r.enqueue(&protocol.Message{
					Type:      protocol.TypeExit,
					SessionID: id,
					ExitCode:  &code,
				}, a.stop)
			}
		}
	}
}

func (r *Router) ended(a *attachment, id string) {
	a.ended.Store(true)

	reason := a.sub.Reason()
	if reason == session.ReasonDetached {
		return
	}
	r.log.Debug().Str("session_id", id).Str("reason", reason).Msg("viewer detached by server")
	r.enqueue(&protocol.Message{
		Type:      protocol.TypeDetached,
		SessionID: id,
		Reason:    reason,
	}, a.stop)
}

func (r *Router) reply(m *protocol.Message) {
	r.enqueue(m, nil)
}

func (r *Router) replyError(msg *protocol.Message, err error) {
	code := protocol.CodeFor(err)
	if code == protocol.CodeInternal && !errors.Is(err, context.Canceled) {
		r.log.Error().Err(err).Str("type", string(msg.Type)).Msg("request failed")
	}
	r.reply(protocol.ErrorResult(msg.RequestID, code, err.Error()))
}

// enqueue hands a frame to the write pump. It blocks while the send buffer
// is full and gives up when the connection or stop closes.
func (r *Router) enqueue(m *protocol.Message, stop <-chan struct{}) bool {
	frame, err := protocol.Encode(m)
	if err != nil {
		r.log.Error().Err(err).Str("type", string(m.Type)).Msg("failed to encode frame")
		return false
	}
	select {
	case r.send <- frame:
		return true
	case <-r.done:
		return false
	case <-stop:
		return false
	}
}
