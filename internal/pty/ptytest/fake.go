// Package ptytest provides a scripted pty.Spawner for tests.
package ptytest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/remote-agent-terminal/termmux/internal/pty"
)

// Op is one call observed by a fake process, in call order.
type Op struct {
	Kind string // "write", "resize" or "kill"
	Data []byte
	Cols uint16
	Rows uint16
}

// Process is a fake shell. Output is produced explicitly with Emit, or by
// Respond rules matched against input.
type Process struct {
	Opts pty.SpawnOptions
	pid  int

	mu      sync.Mutex
	ops     []Op
	exited  bool
	respond map[string][]byte
	onKill  func(p *Process)
}

// Spawner hands out fake processes.
type Spawner struct {
	mu      sync.Mutex
	procs   []*Process
	nextPID int

	// Err makes the next Spawn calls fail.
	Err error

	// ExitOnKill makes Kill report exit code -1 immediately, as a shell
	// dying from SIGHUP would.
	ExitOnKill bool
}

// NewSpawner returns a spawner whose processes exit on Kill.
func NewSpawner() *Spawner {
	return &Spawner{nextPID: 1000, ExitOnKill: true}
}

// Spawn implements pty.Spawner.
func (s *Spawner) Spawn(ctx context.Context, opts pty.SpawnOptions) (pty.Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Err != nil {
		return nil, s.Err
	}

	s.nextPID++
	p := &Process{
		Opts:    opts,
		pid:     s.nextPID,
		respond: make(map[string][]byte),
	}
	if s.ExitOnKill {
		p.onKill = func(p *Process) { p.Exit(-1) }
	}
	s.procs = append(s.procs, p)
	return p, nil
}

// Last returns the most recently spawned process.
func (s *Spawner) Last() *Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.procs) == 0 {
		return nil
	}
	return s.procs[len(s.procs)-1]
}

// ByID returns the process spawned for a session id.
func (s *Spawner) ByID(id string) *Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.procs {
		if p.Opts.ID == id {
			return p
		}
	}
	return nil
}

// Count returns how many processes were spawned.
func (s *Spawner) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}

// Respond makes input equal to in produce out.
func (p *Process) Respond(in string, out []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.respond[in] = out
}

// Emit delivers output as if the shell printed it.
func (p *Process) Emit(data []byte) {
	p.mu.Lock()
	exited := p.exited
	p.mu.Unlock()

	if exited || p.Opts.OnData == nil {
		return
	}
	p.Opts.OnData(append([]byte(nil), data...))
}

// Exit ends the process with code. Later calls are ignored.
func (p *Process) Exit(code int) {
	p.mu.Lock()
	if p.exited {
		p.mu.Unlock()
		return
	}
	p.exited = true
	p.mu.Unlock()

	if p.Opts.OnExit != nil {
		p.Opts.OnExit(code, nil)
	}
}

// Write implements pty.Process.
func (p *Process) Write(data []byte) error {
	p.mu.Lock()
	if p.exited {
		p.mu.Unlock()
		return pty.ErrProcessClosed
	}
	p.ops = append(p.ops, Op{Kind: "write", Data: append([]byte(nil), data...)})
	out, ok := p.respond[string(data)]
	p.mu.Unlock()

	if ok {
		p.Emit(out)
	}
	return nil
}

// Resize implements pty.Process.
func (p *Process) Resize(cols, rows uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return pty.ErrProcessClosed
	}
	p.ops = append(p.ops, Op{Kind: "resize", Cols: cols, Rows: rows})
	return nil
}

// Kill implements pty.Process.
func (p *Process) Kill() error {
	p.mu.Lock()
	if p.exited {
		p.mu.Unlock()
		return nil
	}
	p.ops = append(p.ops, Op{Kind: "kill"})
	onKill := p.onKill
	p.mu.Unlock()

	if onKill != nil {
		onKill(p)
	}
	return nil
}

// PID implements pty.Process.
func (p *Process) PID() int {
	return p.pid
}

// Ops returns a copy of the calls observed so far.
func (p *Process) Ops() []Op {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Op(nil), p.ops...)
}

// Input returns everything written to the process.
func (p *Process) Input() []byte {
	var in []byte
	for _, op := range p.Ops() {
		if op.Kind == "write" {
			in = append(in, op.Data...)
		}
	}
	return in
}

// Killed reports whether Kill was called while the process was running.
func (p *Process) Killed() bool {
	for _, op := range p.Ops() {
		if op.Kind == "kill" {
			return true
		}
	}
	return false
}

// Exited reports whether the process has exited.
func (p *Process) Exited() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exited
}

func (op Op) String() string {
	switch op.Kind {
	case "resize":
		return fmt.Sprintf("resize %dx%d", op.Cols, op.Rows)
	case "write":
		return fmt.Sprintf("write %q", op.Data)
	}
	return op.Kind
}

// ErrSpawn is a convenient failure for Spawner.Err.
var ErrSpawn = errors.New("spawn failed")
