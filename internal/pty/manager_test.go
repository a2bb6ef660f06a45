package pty

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var spawnSeq atomic.Int64

type exitResult struct {
	code int
	err  error
}

// spawnScript starts /bin/sh -c script and collects its output.
func spawnScript(t *testing.T, m *Manager, script string) (Process, *bytes.Buffer, *sync.Mutex, chan exitResult) {
	t.Helper()

	if runtime.GOOS == "windows" {
		t.Skip("PTY tests require a unix system")
	}

	var (
		out  bytes.Buffer
		mu   sync.Mutex
		done = make(chan exitResult, 1)
	)

	p, err := m.Spawn(context.Background(), SpawnOptions{
		ID:      fmt.Sprintf("%s-%d", t.Name(), spawnSeq.Add(1)),
		Command: []string{"/bin/sh", "-c", script},
		Cols:    100,
		Rows:    30,
		OnData: func(data []byte) {
			mu.Lock()
			out.Write(data)
			mu.Unlock()
		},
		OnExit: func(code int, err error) {
			done <- exitResult{code, err}
		},
	})
	if err != nil {
		t.Skipf("PTY unavailable: %v", err)
	}
	return p, &out, &mu, done
}

func waitExit(t *testing.T, done chan exitResult) exitResult {
	t.Helper()
	select {
	case r := <-done:
		return r
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for process exit")
	}
	return exitResult{}
}

func TestNewManager(t *testing.T) {
	m := NewManager("")
	if m.Shell != DefaultShell {
		t.Errorf("expected shell %q, got %q", DefaultShell, m.Shell)
	}
	if m.Count() != 0 {
		t.Errorf("expected no processes, got %d", m.Count())
	}

	m = NewManager("/bin/bash")
	if m.Shell != "/bin/bash" {
		t.Errorf("expected shell /bin/bash, got %q", m.Shell)
	}
}

func TestManager_SpawnOutputAndExit(t *testing.T) {
	m := NewManager("")
	_, out, mu, done := spawnScript(t, m, "printf 'file1\\nfile2\\n'; exit 3")

	r := waitExit(t, done)
	if r.code != 3 {
		t.Errorf("expected exit code 3, got %d", r.code)
	}
	if r.err != nil {
		t.Errorf("expected nil error, got %v", r.err)
	}

	mu.Lock()
	got := out.String()
	mu.Unlock()

	// The PTY line discipline turns \n into \r\n.
	if !strings.Contains(got, "file1\r\nfile2\r\n") {
		t.Errorf("expected output to contain file listing, got %q", got)
	}

	if m.Count() != 0 {
		t.Errorf("expected process to be removed after exit, got %d", m.Count())
	}
}

func TestManager_InitialSizeAndResize(t *testing.T) {
	m := NewManager("")
	p, out, mu, done := spawnScript(t, m, "stty size; read line; stty size")

	// Wait for the first size report before resizing.
	deadline := time.Now().Add(5 * time.Second)
	for {
		mu.Lock()
		seen := out.String()
		mu.Unlock()
		if strings.Contains(seen, "30 100") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected initial size 30 100, got %q", seen)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := p.Resize(120, 40); err != nil {
		t.Fatalf("Resize failed: %v", err)
	}
	if err := p.Write([]byte("\n")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	waitExit(t, done)

	mu.Lock()
	got := out.String()
	mu.Unlock()
	if !strings.Contains(got, "40 120") {
		t.Errorf("expected resized geometry 40 120, got %q", got)
	}
}

func TestManager_KillIsIdempotent(t *testing.T) {
	m := NewManager("")
	p, _, _, done := spawnScript(t, m, "sleep 30")

	if err := p.Kill(); err != nil {
		t.Fatalf("Kill failed: %v", err)
	}
	waitExit(t, done)

	if err := p.Kill(); err != nil {
		t.Errorf("second Kill should be a no-op, got %v", err)
	}
	if err := p.Write([]byte("x")); err != ErrProcessClosed {
		t.Errorf("expected ErrProcessClosed, got %v", err)
	}
}

func TestManager_Close(t *testing.T) {
	m := NewManager("")
	_, _, _, done1 := spawnScript(t, m, "sleep 30")
	_, _, _, done2 := spawnScript(t, m, "sleep 30")

	if err := m.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	waitExit(t, done1)
	waitExit(t, done2)
}

func TestExpandDir(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}

	tmp := t.TempDir()
	file := tmp + "/plain"
	if err := os.WriteFile(file, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"empty", "", "", false},
		{"home", "~", home, false},
		{"absolute", tmp, tmp, false},
		{"missing", tmp + "/nope", "", true},
		{"not a directory", file, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := expandDir(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("expected error=%v, got %v", tt.wantErr, err)
			}
			if got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}
