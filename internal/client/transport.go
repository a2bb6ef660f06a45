// Package client is the terminal client side of the multiplexer: a
// WebSocket transport that survives network drops, the store of open tabs,
// and the logic that restores both after a reconnect or a restart.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/remote-agent-terminal/termmux/internal/log"
	"github.com/remote-agent-terminal/termmux/internal/model"
	"github.com/remote-agent-terminal/termmux/internal/protocol"
)

const (
	// Time allowed to write a message to the server.
	writeWait = 10 * time.Second

	// The server pings every 54s, so a minute and a bit of silence means
	// the connection is dead.
	readWait = 70 * time.Second

	// Replay frames carry up to the whole server scrollback.
	maxFrameSize = 16 << 20

	laneSize        = 256
	eventBufferSize = 1024
)

// EventKind discriminates transport events.
type EventKind int

const (
	// EventFrame carries a server push: output, exit or detached.
	EventFrame EventKind = iota
	// EventDisconnected means the connection dropped and a reconnect is
	// in progress.
	EventDisconnected
	// EventReconnected means a new connection is up. Nothing is attached
	// on it yet.
	EventReconnected
	// EventLost means reconnecting gave up. It is the last event.
	EventLost
)

func (k EventKind) String() string {
	switch k {
	case EventFrame:
		return "frame"
	case EventDisconnected:
		return "disconnected"
	case EventReconnected:
		return "reconnected"
	case EventLost:
		return "lost"
	default:
		return "unknown"
	}
}

// Event is delivered on Transport.Events.
type Event struct {
	Kind  EventKind
	Frame *protocol.Message
	Err   error
}

// Transport carries protocol frames to one server.
type Transport interface {
	// Request sends a request frame and waits for its result. A failed
	// result is returned as an error matching the model sentinels.
	Request(ctx context.Context, m *protocol.Message) (*protocol.Message, error)

	// Send queues a fire-and-forget frame (input or resize).
	Send(m *protocol.Message) error

	// Events streams pushes and connection state changes. The channel is
	// closed after EventLost or Close.
	Events() <-chan Event

	Close() error
}

// Options tunes a WSTransport.
type Options struct {
	Policy Policy
	Dialer *websocket.Dialer
	Header http.Header
}

type outFrame struct {
	gen  uint64
	data []byte
}

// WSTransport is a Transport over gorilla/websocket. Requests and resizes
// travel on a control lane that is always written before queued input.
type WSTransport struct {
	url    string
	token  string
	policy Policy
	dialer *websocket.Dialer
	header http.Header
	log    zerolog.Logger

	control chan outFrame
	data    chan outFrame
	events  chan Event
	done    chan struct{}

	mu   sync.Mutex
	conn *websocket.Conn
	// gen numbers connections; frames queued for an older one are dropped.
	gen       uint64
	pending   map[string]chan *protocol.Message
	closed    bool
	closeOnce sync.Once
}

// Dial connects to url, authenticating with token. The first connection is
// not retried; later drops are.
func Dial(ctx context.Context, url, token string, opts Options) (*WSTransport, error) {
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		}
	}
	if opts.Policy.Attempts == 0 {
		opts.Policy = DefaultPolicy()
	}

	t := &WSTransport{
		url:     url,
		token:   token,
		policy:  opts.Policy,
		dialer:  opts.Dialer,
		header:  opts.Header,
		log:     log.With().Str("component", "transport").Str("url", url).Logger(),
		control: make(chan outFrame, laneSize),
		data:    make(chan outFrame, laneSize),
		events:  make(chan Event, eventBufferSize),
		done:    make(chan struct{}),
		pending: make(map[string]chan *protocol.Message),
	}

	conn, err := t.dial(ctx)
	if err != nil {
		return nil, err
	}
	t.conn = conn
	t.gen = 1
	go t.run(conn, t.gen)
	return t, nil
}

func (t *WSTransport) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	for k, v := range t.header {
		header[k] = v
	}
	if t.token != "" {
		header.Set("Authorization", "Bearer "+t.token)
	}

	conn, resp, err := t.dialer.DialContext(ctx, t.url, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("%w: server rejected token", model.ErrUnauthorized)
		}
		return nil, fmt.Errorf("failed to connect to %s: %w", t.url, err)
	}

	conn.SetReadLimit(maxFrameSize)
	conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(readWait))
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	return conn, nil
}

// run owns the connection lifecycle: serve, reconnect, repeat.
func (t *WSTransport) run(conn *websocket.Conn, gen uint64) {
	defer close(t.events)

	for {
		stop := make(chan struct{})
		writerDone := make(chan struct{})
		go func() {
			defer close(writerDone)
			t.writeLoop(conn, gen, stop)
		}()

		err := t.readLoop(conn)

		close(stop)
		conn.Close()
		<-writerDone
		t.disconnect()

		if t.isClosed() {
			return
		}
		t.log.Warn().Err(err).Msg("connection lost, reconnecting")
		t.emit(Event{Kind: EventDisconnected, Err: err})

		next, err := t.reconnect()
		if err != nil {
			t.log.Error().Err(err).Msg("giving up on server")
			t.markClosed()
			// emit would see done closed, so queue the final event directly.
			select {
			case t.events <- Event{Kind: EventLost, Err: err}:
			default:
			}
			return
		}

		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			next.Close()
			return
		}
		t.conn = next
		t.gen++
		gen = t.gen
		t.mu.Unlock()

		t.log.Info().Msg("reconnected")
		t.emit(Event{Kind: EventReconnected})
		conn = next
	}
}

// reconnect dials with backoff until the policy's budget is spent.
func (t *WSTransport) reconnect() (*websocket.Conn, error) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-t.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	var lastErr error
	for attempt := 1; attempt <= t.policy.Attempts; attempt++ {
		if err := sleepWithContext(ctx, t.policy.Delay(attempt)); err != nil {
			return nil, fmt.Errorf("%w: %v", model.ErrTransportLost, err)
		}

		conn, err := t.dial(ctx)
		if err == nil {
			return conn, nil
		}
		if errors.Is(err, model.ErrUnauthorized) {
			return nil, err
		}
		lastErr = err
		t.log.Debug().Err(err).Int("attempt", attempt).Msg("reconnect attempt failed")
	}
	return nil, fmt.Errorf("%w: gave up after %d attempts: %v", model.ErrTransportLost, t.policy.Attempts, lastErr)
}

func (t *WSTransport) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(readWait))

		var m protocol.Message
		if err := json.Unmarshal(data, &m); err != nil {
			t.log.Debug().Err(err).Msg("dropping undecodable frame")
			continue
		}

		if (m.Type == protocol.TypeResult || m.Type == protocol.TypePong) && t.resolve(&m) {
			continue
		}
		if !t.emit(Event{Kind: EventFrame, Frame: &m}) {
			return errors.New("transport closed")
		}
	}
}

// writeLoop drains the control lane before every data frame.
func (t *WSTransport) writeLoop(conn *websocket.Conn, gen uint64, stop <-chan struct{}) {
	write := func(frame outFrame) bool {
		if frame.gen != gen {
			return true
		}
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, frame.data); err != nil {
			conn.Close()
			return false
		}
		return true
	}

	for {
		select {
		case frame := <-t.control:
			if !write(frame) {
				return
			}
			continue
		default:
		}

		select {
		case frame := <-t.control:
			if !write(frame) {
				return
			}
		case frame := <-t.data:
			if !write(frame) {
				return
			}
		case <-stop:
			return
		}
	}
}

// disconnect fails every pending request and drops frames queued for the
// dead connection. A frame queued after the drain still carries the old
// generation and is skipped by the next writer.
func (t *WSTransport) disconnect() {
	t.mu.Lock()
	t.conn = nil
	pending := t.pending
	t.pending = make(map[string]chan *protocol.Message)
	t.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	for {
		select {
		case <-t.control:
		case <-t.data:
		default:
			return
		}
	}
}

func (t *WSTransport) resolve(m *protocol.Message) bool {
	t.mu.Lock()
	ch, ok := t.pending[m.RequestID]
	delete(t.pending, m.RequestID)
	t.mu.Unlock()
	if ok {
		ch <- m
	}
	return ok
}

func (t *WSTransport) emit(ev Event) bool {
	select {
	case t.events <- ev:
		return true
	case <-t.done:
		return false
	}
}

// Request implements Transport.
func (t *WSTransport) Request(ctx context.Context, m *protocol.Message) (*protocol.Message, error) {
	m.RequestID = uuid.New().String()
	frame, err := protocol.Encode(m)
	if err != nil {
		return nil, err
	}

	ch := make(chan *protocol.Message, 1)
	t.mu.Lock()
	if t.closed || t.conn == nil {
		t.mu.Unlock()
		return nil, model.ErrTransportLost
	}
	t.pending[m.RequestID] = ch
	out := outFrame{gen: t.gen, data: frame}
	t.mu.Unlock()

	forget := func() {
		t.mu.Lock()
		delete(t.pending, m.RequestID)
		t.mu.Unlock()
	}

	select {
	case t.control <- out:
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()
	case <-t.done:
		return nil, model.ErrTransportLost
	}

	select {
	case res, ok := <-ch:
		if !ok {
			return nil, model.ErrTransportLost
		}
		if res.Error != nil {
			return res, protocol.ErrorFor(res.Error)
		}
		return res, nil
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()
	case <-t.done:
		return nil, model.ErrTransportLost
	}
}

// Send implements Transport. Frames sent while reconnecting are dropped.
func (t *WSTransport) Send(m *protocol.Message) error {
	frame, err := protocol.Encode(m)
	if err != nil {
		return err
	}

	t.mu.Lock()
	down := t.closed || t.conn == nil
	out := outFrame{gen: t.gen, data: frame}
	t.mu.Unlock()
	if down {
		return model.ErrTransportLost
	}

	lane := t.data
	if m.Type != protocol.TypeInput {
		lane = t.control
	}
	select {
	case lane <- out:
		return nil
	case <-t.done:
		return model.ErrTransportLost
	}
}

// Ping round-trips a keepalive and reports the latency.
func (t *WSTransport) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if _, err := t.Request(ctx, &protocol.Message{Type: protocol.TypePing}); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// Events implements Transport.
func (t *WSTransport) Events() <-chan Event {
	return t.events
}

// Close implements Transport.
func (t *WSTransport) Close() error {
	t.markClosed()
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		return conn.Close()
	}
	return nil
}

func (t *WSTransport) markClosed() {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		t.mu.Unlock()
		close(t.done)
	})
}

func (t *WSTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}
