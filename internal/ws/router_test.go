package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/remote-agent-terminal/termmux/internal/log"
	"github.com/remote-agent-terminal/termmux/internal/model"
	"github.com/remote-agent-terminal/termmux/internal/protocol"
	"github.com/remote-agent-terminal/termmux/internal/pty/ptytest"
	"github.com/remote-agent-terminal/termmux/internal/session"
)

type testServer struct {
	url     string
	reg     *session.Registry
	spawner *ptytest.Spawner
	hub     *Hub
}

// setupTestServer serves routers over httptest. The user id is taken from
// the "user" query parameter.
func setupTestServer(t *testing.T, cfg session.Config) *testServer {
	t.Helper()

	spawner := ptytest.NewSpawner()
	reg := session.NewRegistry(spawner, nil, nil, cfg)
	hub := NewHub()
	upgrader := NewUpgrader(nil)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		NewRouter(conn, req.URL.Query().Get("user"), reg, Options{Hub: hub}).Serve(context.Background())
	}))

	t.Cleanup(func() {
		hub.Close()
		srv.Close()
		reg.Close()
	})

	return &testServer{
		url:     "ws" + strings.TrimPrefix(srv.URL, "http"),
		reg:     reg,
		spawner: spawner,
		hub:     hub,
	}
}

type testClient struct {
	t    *testing.T
	conn *websocket.Conn
	seq  atomic.Int64
}

func (s *testServer) dial(t *testing.T, user string) *testClient {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(s.url+"?user="+user, nil)
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &testClient{t: t, conn: conn}
}

func (c *testClient) write(m *protocol.Message) {
	c.t.Helper()
	data, err := protocol.Encode(m)
	if err != nil {
		c.t.Fatalf("Failed to encode: %v", err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.t.Fatalf("Failed to write: %v", err)
	}
}

func (c *testClient) next() *protocol.Message {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		c.t.Fatalf("Failed to read frame: %v", err)
	}
	var m protocol.Message
	if err := json.Unmarshal(data, &m); err != nil {
		c.t.Fatalf("Failed to decode frame %s: %v", data, err)
	}
	return &m
}

// request sends m and returns its result. Frames that arrive first are
// returned as well.
func (c *testClient) request(m *protocol.Message) (*protocol.Message, []*protocol.Message) {
	c.t.Helper()
	m.RequestID = fmt.Sprintf("r%d", c.seq.Add(1))
	c.write(m)

	var others []*protocol.Message
	for {
		f := c.next()
		if f.Type == protocol.TypeResult && f.RequestID == m.RequestID {
			return f, others
		}
		others = append(others, f)
	}
}

// sync round-trips a ping so earlier frames are known to be dispatched.
func (c *testClient) sync() []*protocol.Message {
	c.t.Helper()
	id := fmt.Sprintf("p%d", c.seq.Add(1))
	c.write(&protocol.Message{Type: protocol.TypePing, RequestID: id})

	var others []*protocol.Message
	for {
		f := c.next()
		if f.Type == protocol.TypePong && f.RequestID == id {
			return others
		}
		others = append(others, f)
	}
}

func (c *testClient) create() model.SessionInfo {
	c.t.Helper()
	res, _ := c.request(&protocol.Message{Type: protocol.TypeCreate, Cols: 80, Rows: 24})
	if res.Error != nil {
		c.t.Fatalf("create failed: %v", res.Error)
	}
	return *res.Session
}

func (c *testClient) attach(id string, replay bool, since *uint64) (*protocol.Message, []*protocol.Message) {
	c.t.Helper()
	return c.request(&protocol.Message{
		Type:      protocol.TypeAttach,
		SessionID: id,
		Cols:      80,
		Rows:      24,
		Replay:    replay,
		Since:     since,
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRouter_CreateAndList(t *testing.T) {
	s := setupTestServer(t, session.Config{})
	c := s.dial(t, "alice")

	info := c.create()
	if info.ID == "" || info.Cols != 80 || info.Rows != 24 {
		t.Errorf("unexpected session info: %+v", info)
	}
	if info.Status != model.SessionStatusActive {
		t.Errorf("expected active status, got %s", info.Status)
	}

	res, _ := c.request(&protocol.Message{Type: protocol.TypeList})
	if res.Error != nil {
		t.Fatalf("list failed: %v", res.Error)
	}
	if len(res.Sessions) != 1 || res.Sessions[0].ID != info.ID {
		t.Errorf("expected one listed session %s, got %+v", info.ID, res.Sessions)
	}
}

func TestRouter_CreateRespectsCap(t *testing.T) {
	s := setupTestServer(t, session.Config{MaxSessions: 1})
	c := s.dial(t, "alice")
	c.create()

	res, _ := c.request(&protocol.Message{Type: protocol.TypeCreate})
	if res.Error == nil || res.Error.Code != protocol.CodeResourceExhausted {
		t.Errorf("expected RESOURCE_EXHAUSTED, got %+v", res.Error)
	}
}

func TestRouter_AttachReplayAndLiveOutput(t *testing.T) {
	s := setupTestServer(t, session.Config{})
	c := s.dial(t, "alice")
	info := c.create()
	proc := s.spawner.ByID(info.ID)
	proc.Respond("ls\n", []byte("file1\r\nfile2\r\n"))

	res, early := c.attach(info.ID, true, nil)
	if res.Error != nil {
		t.Fatalf("attach failed: %v", res.Error)
	}
	if len(early) != 0 {
		t.Errorf("expected no frames before the result, got %d", len(early))
	}
	if res.Session == nil || !res.Session.Attached {
		t.Errorf("expected attached session info, got %+v", res.Session)
	}

	c.write(&protocol.Message{Type: protocol.TypeInput, Data: []byte("ls\n")})
	out := c.next()
	if out.Type != protocol.TypeOutput || out.SessionID != info.ID {
		t.Fatalf("expected output for %s, got %+v", info.ID, out)
	}
	if string(out.Data) != "file1\r\nfile2\r\n" || out.Offset != 0 {
		t.Errorf("unexpected output %q at %d", out.Data, out.Offset)
	}

	// A second viewer gets the retained output and evicts the first.
	c2 := s.dial(t, "alice")
	res, _ = c2.attach(info.ID, true, nil)
	if res.Error != nil {
		t.Fatalf("second attach failed: %v", res.Error)
	}
	replay := c2.next()
	if replay.Type != protocol.TypeOutput || string(replay.Data) != "file1\r\nfile2\r\n" {
		t.Errorf("expected replay of retained output, got %+v", replay)
	}

	detached := c.next()
	if detached.Type != protocol.TypeDetached || detached.Reason != protocol.ReasonEvicted {
		t.Errorf("expected evicted detach, got %+v", detached)
	}
	if detached.SessionID != info.ID {
		t.Errorf("expected detach for %s, got %s", info.ID, detached.SessionID)
	}
}

func TestRouter_AttachSince(t *testing.T) {
	s := setupTestServer(t, session.Config{})
	c := s.dial(t, "alice")
	info := c.create()
	s.spawner.ByID(info.ID).Emit([]byte("0123456789"))

	since := uint64(6)
	res, _ := c.attach(info.ID, false, &since)
	if res.Error != nil {
		t.Fatalf("attach failed: %v", res.Error)
	}
	if res.Offset != 6 {
		t.Errorf("expected offset 6, got %d", res.Offset)
	}
	out := c.next()
	if string(out.Data) != "6789" || out.Offset != 6 {
		t.Errorf("expected '6789' at 6, got %q at %d", out.Data, out.Offset)
	}
}

func TestRouter_AttachLiveOnly(t *testing.T) {
	s := setupTestServer(t, session.Config{})
	c := s.dial(t, "alice")
	info := c.create()
	proc := s.spawner.ByID(info.ID)
	proc.Emit([]byte("old"))

	res, _ := c.attach(info.ID, false, nil)
	if res.Offset != 3 {
		t.Errorf("expected live offset 3, got %d", res.Offset)
	}

	proc.Emit([]byte("new"))
	out := c.next()
	if string(out.Data) != "new" || out.Offset != 3 {
		t.Errorf("expected 'new' at 3, got %q at %d", out.Data, out.Offset)
	}
}

func TestRouter_DisconnectKeepsSession(t *testing.T) {
	s := setupTestServer(t, session.Config{})
	c := s.dial(t, "alice")
	info := c.create()
	c.attach(info.ID, true, nil)

	c.conn.Close()
	waitFor(t, "connection to unregister", func() bool { return s.hub.Count() == 0 })

	if s.reg.Len() != 1 {
		t.Fatalf("expected session to survive disconnect, got %d sessions", s.reg.Len())
	}
	if s.spawner.ByID(info.ID).Killed() {
		t.Error("expected shell to keep running")
	}

	got, err := s.reg.Get("alice", info.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Attached {
		t.Error("expected session to have no viewer")
	}
}

func TestRouter_ForeignSessionIsNotFound(t *testing.T) {
	s := setupTestServer(t, session.Config{})
	alice := s.dial(t, "alice")
	info := alice.create()

	bob := s.dial(t, "bob")
	res, _ := bob.attach(info.ID, true, nil)
	if res.Error == nil || res.Error.Code != protocol.CodeNotFound {
		t.Errorf("expected NOT_FOUND, got %+v", res.Error)
	}

	res, _ = bob.request(&protocol.Message{Type: protocol.TypeRename, SessionID: info.ID, Title: "mine"})
	if res.Error == nil || res.Error.Code != protocol.CodeNotFound {
		t.Errorf("expected NOT_FOUND on rename, got %+v", res.Error)
	}

	res, _ = bob.request(&protocol.Message{Type: protocol.TypeKill, SessionID: info.ID})
	if res.Error != nil {
		t.Errorf("expected kill of a foreign session to succeed silently, got %v", res.Error)
	}
	if s.spawner.ByID(info.ID).Killed() {
		t.Error("expected foreign kill to leave the shell running")
	}

	res, _ = bob.request(&protocol.Message{Type: protocol.TypeList})
	if len(res.Sessions) != 0 {
		t.Errorf("expected bob to see no sessions, got %d", len(res.Sessions))
	}
}

func TestRouter_KillAttachedSession(t *testing.T) {
	s := setupTestServer(t, session.Config{})
	c := s.dial(t, "alice")
	info := c.create()
	c.attach(info.ID, true, nil)

	res, early := c.request(&protocol.Message{Type: protocol.TypeKill, SessionID: info.ID})
	if res.Error != nil {
		t.Fatalf("kill failed: %v", res.Error)
	}
	// The detached notice may arrive on either side of the result.
	var detached *protocol.Message
	for _, f := range early {
		if f.Type == protocol.TypeDetached {
			detached = f
		}
	}
	for detached == nil {
		if f := c.next(); f.Type == protocol.TypeDetached {
			detached = f
		}
	}
	if detached.Reason != protocol.ReasonKilled || detached.SessionID != info.ID {
		t.Errorf("expected killed detach for %s, got %+v", info.ID, detached)
	}
	if s.reg.Len() != 0 {
		t.Errorf("expected session to be removed, got %d", s.reg.Len())
	}

	// Kill is idempotent.
	res, _ = c.request(&protocol.Message{Type: protocol.TypeKill, SessionID: info.ID})
	if res.Error != nil {
		t.Errorf("expected second kill to succeed, got %v", res.Error)
	}
}

func TestRouter_ExitIsPushedOnce(t *testing.T) {
	s := setupTestServer(t, session.Config{})
	c := s.dial(t, "alice")
	info := c.create()
	c.attach(info.ID, true, nil)

	proc := s.spawner.ByID(info.ID)
	proc.Exit(3)
	proc.Exit(4)

	exit := c.next()
	if exit.Type != protocol.TypeExit || exit.SessionID != info.ID {
		t.Fatalf("expected exit frame, got %+v", exit)
	}
	if exit.ExitCode == nil || *exit.ExitCode != 3 {
		t.Errorf("expected exit code 3, got %v", exit.ExitCode)
	}

	for _, f := range c.sync() {
		if f.Type == protocol.TypeExit {
			t.Errorf("expected a single exit frame, got another: %+v", f)
		}
	}

	res, _ := c.request(&protocol.Message{Type: protocol.TypeList})
	if len(res.Sessions) != 1 || !res.Sessions[0].Exited {
		t.Errorf("expected exited session to stay listed, got %+v", res.Sessions)
	}
}

func TestRouter_InputWithoutAttachIsIgnored(t *testing.T) {
	s := setupTestServer(t, session.Config{})
	c := s.dial(t, "alice")
	info := c.create()

	c.write(&protocol.Message{Type: protocol.TypeInput, Data: []byte("ls\n")})
	c.write(&protocol.Message{Type: protocol.TypeResize, Cols: 100, Rows: 50})
	c.sync()

	if ops := s.spawner.ByID(info.ID).Ops(); len(ops) != 0 {
		t.Errorf("expected no ops on the shell, got %v", ops)
	}
}

func TestRouter_ResizeThenInputOrdering(t *testing.T) {
	s := setupTestServer(t, session.Config{})
	c := s.dial(t, "alice")
	info := c.create()
	c.attach(info.ID, false, nil)

	c.write(&protocol.Message{Type: protocol.TypeResize, Cols: 120, Rows: 40})
	c.write(&protocol.Message{Type: protocol.TypeInput, Data: []byte("tput cols\n")})
	c.sync()

	ops := s.spawner.ByID(info.ID).Ops()
	if len(ops) != 2 {
		t.Fatalf("expected resize then write, got %v", ops)
	}
	if ops[0].String() != "resize 120x40" || ops[1].Kind != "write" {
		t.Errorf("expected resize before write, got %v", ops)
	}
}

func TestRouter_InputForOtherSessionIsIgnored(t *testing.T) {
	s := setupTestServer(t, session.Config{})
	c := s.dial(t, "alice")
	a := c.create()
	b := c.create()
	c.attach(a.ID, false, nil)

	c.write(&protocol.Message{Type: protocol.TypeInput, SessionID: b.ID, Data: []byte("x")})
	c.write(&protocol.Message{Type: protocol.TypeInput, SessionID: a.ID, Data: []byte("y")})
	c.sync()

	if got := s.spawner.ByID(b.ID).Input(); len(got) != 0 {
		t.Errorf("expected no input on %s, got %q", b.ID, got)
	}
	if got := s.spawner.ByID(a.ID).Input(); string(got) != "y" {
		t.Errorf("expected 'y' on %s, got %q", a.ID, got)
	}
}

func TestRouter_SwitchingSessionsDetachesPrevious(t *testing.T) {
	s := setupTestServer(t, session.Config{})
	c := s.dial(t, "alice")
	a := c.create()
	b := c.create()

	c.attach(a.ID, false, nil)
	c.attach(b.ID, false, nil)

	s.spawner.ByID(a.ID).Emit([]byte("from a"))
	s.spawner.ByID(b.ID).Emit([]byte("from b"))

	out := c.next()
	if out.SessionID != b.ID || string(out.Data) != "from b" {
		t.Errorf("expected only output from %s, got %+v", b.ID, out)
	}

	got, _ := s.reg.Get("alice", a.ID)
	if got.Attached {
		t.Error("expected previous session to have no viewer")
	}
}

func TestRouter_Rename(t *testing.T) {
	s := setupTestServer(t, session.Config{})
	c := s.dial(t, "alice")
	info := c.create()

	res, _ := c.request(&protocol.Message{Type: protocol.TypeRename, SessionID: info.ID, Title: "  build  "})
	if res.Error != nil {
		t.Fatalf("rename failed: %v", res.Error)
	}
	if res.Session.Title != "build" {
		t.Errorf("expected title 'build', got %q", res.Session.Title)
	}
}

func TestRouter_BadRequests(t *testing.T) {
	s := setupTestServer(t, session.Config{})
	c := s.dial(t, "alice")

	tests := []struct {
		name string
		msg  *protocol.Message
	}{
		{"attach without session", &protocol.Message{Type: protocol.TypeAttach}},
		{"rename without title", &protocol.Message{Type: protocol.TypeRename, SessionID: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, _ := c.request(tt.msg)
			if res.Error == nil || res.Error.Code != protocol.CodeBadRequest {
				t.Errorf("expected BAD_REQUEST, got %+v", res.Error)
			}
		})
	}

	// Garbage without a request id is dropped and the connection stays up.
	if err := c.conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	c.sync()
}

func TestRouter_InputRateLimit(t *testing.T) {
	spawner := ptytest.NewSpawner()
	reg := session.NewRegistry(spawner, nil, nil, session.Config{})
	defer reg.Close()

	info, err := reg.Create(context.Background(), "alice", model.CreateSessionRequest{})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	r := NewRouter(nil, "alice", reg, Options{InputRate: 1000, InputBurst: 1})
	r.handleAttach(&protocol.Message{Type: protocol.TypeAttach, SessionID: info.ID})
	defer r.detachCurrent()

	start := time.Now()
	for i := 0; i < 10; i++ {
		r.handleInput(&protocol.Message{Type: protocol.TypeInput, Data: []byte("x")})
	}
	if elapsed := time.Since(start); elapsed < 5*time.Millisecond {
		t.Errorf("expected input to be paced, took %v", elapsed)
	}
	if got := spawner.ByID(info.ID).Input(); !bytes.Equal(got, []byte("xxxxxxxxxx")) {
		t.Errorf("expected every input to arrive, got %q", got)
	}

	// A closed router stops waiting.
	r.Close()
	r.handleInput(&protocol.Message{Type: protocol.TypeInput, Data: []byte("y")})
	if got := spawner.ByID(info.ID).Input(); bytes.Contains(got, []byte("y")) {
		t.Error("expected input after close to be dropped")
	}
}

func TestRouter_State(t *testing.T) {
	spawner := ptytest.NewSpawner()
	reg := session.NewRegistry(spawner, nil, nil, session.Config{})
	defer reg.Close()

	info, _ := reg.Create(context.Background(), "alice", model.CreateSessionRequest{})

	r := NewRouter(nil, "alice", reg, Options{})
	if r.State() != StateAuthenticated {
		t.Errorf("expected authenticated, got %s", r.State())
	}

	r.handleAttach(&protocol.Message{Type: protocol.TypeAttach, SessionID: info.ID})
	if r.State() != StateAttached {
		t.Errorf("expected attached, got %s", r.State())
	}

	// Another viewer takes over.
	other, err := reg.Attach("alice", info.ID, 80, 24, false, nil)
	if err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	defer reg.Detach(other)

	// Drain the detached notice so the forwarder can finish.
	waitFor(t, "eviction to be noticed", func() bool {
		select {
		case <-r.send:
		default:
		}
		return r.State() == StateAuthenticated
	})

	r.Close()
	if r.State() != StateClosed {
		t.Errorf("expected closed, got %s", r.State())
	}
}

func TestHub_CloseDisconnectsClients(t *testing.T) {
	s := setupTestServer(t, session.Config{})
	c := s.dial(t, "alice")
	c.sync()
	s.dial(t, "bob").sync()

	if s.hub.Count() != 2 || s.hub.CountUser("alice") != 1 {
		t.Fatalf("expected 2 connections with 1 for alice, got %d and %d", s.hub.Count(), s.hub.CountUser("alice"))
	}

	s.hub.Close()

	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := c.conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("expected normal close, got %v", err)
	}
	waitFor(t, "connections to unregister", func() bool { return s.hub.Count() == 0 })
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRouter_LogsConnectionsPerUser(t *testing.T) {
	var out lockedBuffer
	log.SetOutput(&out)
	log.SetLevel("info")
	defer log.SetOutput(os.Stderr)

	s := setupTestServer(t, session.Config{})
	s.dial(t, "alice").sync()
	s.dial(t, "alice").sync()

	waitFor(t, "second connection to be logged", func() bool {
		return strings.Contains(out.String(), `"user_connections":2`)
	})
}

func TestNewUpgrader_CheckOrigin(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{"no list allows any", nil, "http://evil.example", true},
		{"wildcard", []string{"*"}, "http://evil.example", true},
		{"listed", []string{"http://localhost:3000"}, "http://localhost:3000", true},
		{"unlisted", []string{"http://localhost:3000"}, "http://evil.example", false},
		{"no origin header", []string{"http://localhost:3000"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/ws", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if got := NewUpgrader(tt.allowed).CheckOrigin(req); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}
