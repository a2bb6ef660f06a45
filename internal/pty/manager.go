package pty

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/creack/pty"

	"github.com/remote-agent-terminal/termmux/internal/log"
)

// ErrProcessClosed is returned when writing to a process that has exited.
var ErrProcessClosed = errors.New("process is closed")

// PTYProcess represents a running shell attached to a PTY master.
type PTYProcess struct {
	ID   string
	cmd  *exec.Cmd
	ptmx *os.File

	onData func(data []byte)
	onExit func(exitCode int, err error)

	mu       sync.RWMutex
	closed   bool
	closedCh chan struct{}
	readDone chan struct{}
}

// Manager spawns PTY processes and tracks them until they exit.
type Manager struct {
	processes map[string]*PTYProcess
	mu        sync.RWMutex

	// Shell is the program started for every session.
	Shell string
}

// NewManager creates a new PTY manager running the given shell.
func NewManager(shell string) *Manager {
	if shell == "" {
		shell = DefaultShell
	}
	return &Manager{
		processes: make(map[string]*PTYProcess),
		Shell:     shell,
	}
}

// Spawn creates and starts a new PTY process.
func (m *Manager) Spawn(ctx context.Context, opts SpawnOptions) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if opts.Rows == 0 {
		opts.Rows = 24
	}
	if opts.Cols == 0 {
		opts.Cols = 80
	}

	command := opts.Command
	if len(command) == 0 {
		command = []string{m.Shell}
	}

	dir, err := expandDir(opts.Dir)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(command[0], command[1:]...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	cmd.Env = append(cmd.Env, opts.Env...)

	// pty.StartWithSize makes the child a session leader with the PTY as its
	// controlling terminal, so its pid is also its process group id.
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: opts.Cols, Rows: opts.Rows})
	if err != nil {
		return nil, fmt.Errorf("failed to start PTY: %w", err)
	}

	p := &PTYProcess{
		ID:       opts.ID,
		cmd:      cmd,
		ptmx:     ptmx,
		onData:   opts.OnData,
		onExit:   opts.OnExit,
		closedCh: make(chan struct{}),
		readDone: make(chan struct{}),
	}

	m.mu.Lock()
	m.processes[p.ID] = p
	m.mu.Unlock()

	go p.readLoop()
	go p.waitLoop(m)

	log.Debug().Str("session_id", p.ID).Int("pid", p.PID()).Msg("pty process started")
	return p, nil
}

// Count returns the number of live processes.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.processes)
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	delete(m.processes, id)
	m.mu.Unlock()
}

// Close kills every live process.
func (m *Manager) Close() error {
	m.mu.RLock()
	processes := make([]*PTYProcess, 0, len(m.processes))
	for _, p := range m.processes {
		processes = append(processes, p)
	}
	m.mu.RUnlock()

	var firstErr error
	for _, p := range processes {
		if err := p.Kill(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// readLoop reads output from the PTY and hands it to onData.
func (p *PTYProcess) readLoop() {
	defer close(p.readDone)

	buf := make([]byte, DefaultReadBufferSize)
	for {
		n, err := p.ptmx.Read(buf)
		if n > 0 && p.onData != nil {
			data := make([]byte, n)
			copy(data, buf[:n])
			p.onData(data)
		}
		if err != nil {
			// EIO once the slave side is gone, or a closed-file error after
			// waitLoop closed the master.
			return
		}
	}
}

// waitLoop waits for the process to exit, drains output, then reports the
// exit exactly once.
func (p *PTYProcess) waitLoop(m *Manager) {
	waitErr := p.cmd.Wait()

	exitCode := 0
	var err error
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
			err = waitErr
		}
	}

	select {
	case <-p.readDone:
	case <-time.After(drainTimeout):
	}

	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.closedCh)
	}
	p.mu.Unlock()

	p.ptmx.Close()
	<-p.readDone

	m.remove(p.ID)
	log.Debug().Str("session_id", p.ID).Int("exit_code", exitCode).Msg("pty process exited")

	if p.onExit != nil {
		p.onExit(exitCode, err)
	}
}

// Write writes data to the PTY input.
func (p *PTYProcess) Write(data []byte) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrProcessClosed
	}

	if _, err := p.ptmx.Write(data); err != nil {
		return fmt.Errorf("failed to write to PTY: %w", err)
	}
	return nil
}

// Resize changes the PTY window size.
func (p *PTYProcess) Resize(cols, rows uint16) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrProcessClosed
	}

	if err := pty.Setsize(p.ptmx, &pty.Winsize{Cols: cols, Rows: rows}); err != nil {
		return fmt.Errorf("failed to resize PTY: %w", err)
	}
	return nil
}

// Kill hangs up the process group and escalates to SIGKILL if the shell is
// still around after a grace period.
func (p *PTYProcess) Kill() error {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed || p.cmd.Process == nil {
		return nil
	}

	if err := hangup(p.cmd.Process); err != nil {
		return fmt.Errorf("failed to signal process: %w", err)
	}

	go func() {
		select {
		case <-p.closedCh:
		case <-time.After(killGrace):
			_ = p.cmd.Process.Kill()
		}
	}()
	return nil
}

// PID returns the process ID of the running process.
func (p *PTYProcess) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Done is closed once the process has exited.
func (p *PTYProcess) Done() <-chan struct{} {
	return p.closedCh
}

// expandDir resolves "~" and checks that the directory exists.
func expandDir(dir string) (string, error) {
	if dir == "" {
		return "", nil
	}

	if dir == "~" || strings.HasPrefix(dir, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		dir = filepath.Join(home, strings.TrimPrefix(dir, "~"))
	}

	info, err := os.Stat(dir)
	if err != nil {
		return "", fmt.Errorf("working directory %s: %w", dir, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("working directory %s is not a directory", dir)
	}
	return dir, nil
}
