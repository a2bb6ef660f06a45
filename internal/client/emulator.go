package client

import (
	"io"
	"sync"

	"github.com/remote-agent-terminal/termmux/internal/buffer"
)

// DefaultScrollbackBytes is the local history kept per tab.
const DefaultScrollbackBytes = 256 * 1024

// Emulator is one tab's terminal. It lives as long as the tab, so its
// scrollback survives focus switches.
type Emulator interface {
	io.Writer
	Resize(cols, rows uint16)
	Scrollback() []byte
}

// ScrollbackEmulator keeps a bounded byte history and mirrors output to a
// viewport writer while its tab is on screen. It does not interpret escape
// sequences; the real terminal behind the viewport does.
type ScrollbackEmulator struct {
	mu   sync.Mutex
	buf  *buffer.RingBuffer
	view io.Writer
	cols uint16
	rows uint16
}

// NewScrollbackEmulator creates an emulator keeping up to capacity bytes.
func NewScrollbackEmulator(capacity int) *ScrollbackEmulator {
	if capacity <= 0 {
		capacity = DefaultScrollbackBytes
	}
	return &ScrollbackEmulator{buf: buffer.NewRingBuffer(capacity)}
}

// Write appends output and mirrors it to the viewport, if any.
func (e *ScrollbackEmulator) Write(p []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.buf.Write(p)
	if e.view != nil {
		if _, err := e.view.Write(p); err != nil {
			// History is still kept; only the mirror stops.
			e.view = nil
		}
	}
	return len(p), nil
}

// Resize records the geometry the tab is rendered at.
func (e *ScrollbackEmulator) Resize(cols, rows uint16) {
	e.mu.Lock()
	e.cols, e.rows = cols, rows
	e.mu.Unlock()
}

// Size returns the last geometry set by Resize.
func (e *ScrollbackEmulator) Size() (cols, rows uint16) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cols, e.rows
}

// Scrollback returns a copy of the retained history.
func (e *ScrollbackEmulator) Scrollback() []byte {
	return e.buf.ReadAll()
}

// Show makes w the viewport and repaints the retained history into it.
// A nil w hides the tab.
func (e *ScrollbackEmulator) Show(w io.Writer) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.view = w
	if w == nil {
		return nil
	}
	_, err := w.Write(e.buf.ReadAll())
	return err
}
