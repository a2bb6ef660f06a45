// Package recording writes session I/O in asciinema v2 format.
package recording

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
	"unicode/utf8"
)

// Event types used in the recording stream.
const (
	EventOutput = "o"
	EventInput  = "i"
	EventResize = "r"
)

// Header is the first line of an asciinema v2 recording.
type Header struct {
	Version   int               `json:"version"`
	Width     int               `json:"width"`
	Height    int               `json:"height"`
	Timestamp int64             `json:"timestamp"`
	Title     string            `json:"title,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}

// Event is a single recorded event, encoded as [time, type, data].
type Event struct {
	Time float64
	Type string
	Data string
}

// MarshalJSON encodes the event as a three element array.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{e.Time, e.Type, e.Data})
}

// UnmarshalJSON decodes the three element array form.
func (e *Event) UnmarshalJSON(data []byte) error {
	var arr []json.RawMessage
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	if len(arr) != 3 {
		return fmt.Errorf("invalid event format: expected 3 elements, got %d", len(arr))
	}
	if err := json.Unmarshal(arr[0], &e.Time); err != nil {
		return fmt.Errorf("invalid time offset: %w", err)
	}
	if err := json.Unmarshal(arr[1], &e.Type); err != nil {
		return fmt.Errorf("invalid event type: %w", err)
	}
	if err := json.Unmarshal(arr[2], &e.Data); err != nil {
		return fmt.Errorf("invalid event data: %w", err)
	}
	return nil
}

// Recorder appends session events to an asciinema v2 stream.
type Recorder struct {
	w         *bufio.Writer
	file      *os.File // only set if we own the file
	startTime time.Time
	now       func() time.Time

	// Trailing bytes of an incomplete UTF-8 sequence, per direction.
	pending map[string][]byte

	mu     sync.Mutex
	closed bool
}

// Path returns the recording file path for a session.
func Path(dir, sessionID string) string {
	return filepath.Join(dir, sessionID+".cast")
}

// Create opens a new recording file for the session under dir.
func Create(dir, sessionID string) (*Recorder, string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, "", fmt.Errorf("failed to create recording directory: %w", err)
	}

	path := Path(dir, sessionID)
	file, err := os.Create(path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create recording file: %w", err)
	}

	r := NewRecorder(file)
	r.file = file
	return r, path, nil
}

// NewRecorder creates a Recorder writing to w. The caller keeps ownership of w.
func NewRecorder(w io.Writer) *Recorder {
	return &Recorder{
		w:         bufio.NewWriter(w),
		startTime: time.Now(),
		now:       time.Now,
		pending:   make(map[string][]byte),
	}
}

// WriteHeader writes the header line. It must be called before any event.
func (r *Recorder) WriteHeader(cols, rows int, title string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	header := Header{
		Version:   2,
		Width:     cols,
		Height:    rows,
		Timestamp: r.startTime.Unix(),
		Title:     title,
		Env:       map[string]string{"TERM": "xterm-256color"},
	}
	return r.writeLineLocked(header)
}

// WriteOutput records bytes emitted by the process.
func (r *Recorder) WriteOutput(data []byte) error {
	return r.writeData(EventOutput, data)
}

// WriteInput records bytes sent to the process.
func (r *Recorder) WriteInput(data []byte) error {
	return r.writeData(EventInput, data)
}

// WriteResize records a geometry change as "COLSxROWS".
func (r *Recorder) WriteResize(cols, rows int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.writeEventLocked(EventResize, fmt.Sprintf("%dx%d", cols, rows))
}

// writeData holds back an incomplete trailing UTF-8 sequence so a rune split
// across two reads is not recorded as two replacement characters.
func (r *Recorder) writeData(eventType string, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if carry := r.pending[eventType]; len(carry) > 0 {
		data = append(carry, data...)
		delete(r.pending, eventType)
	}

	cut := incompleteSuffix(data)
	if cut > 0 {
		r.pending[eventType] = append([]byte(nil), data[len(data)-cut:]...)
		data = data[:len(data)-cut]
	}
	if len(data) == 0 {
		return nil
	}

	return r.writeEventLocked(eventType, string(data))
}

func (r *Recorder) writeEventLocked(eventType, data string) error {
	if r.closed {
		return nil
	}
	event := Event{
		Time: r.now().Sub(r.startTime).Seconds(),
		Type: eventType,
		Data: data,
	}
	return r.writeLineLocked(event)
}

func (r *Recorder) writeLineLocked(v interface{}) error {
	line, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal recording line: %w", err)
	}
	if _, err := r.w.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write recording line: %w", err)
	}
	return nil
}

// Flush writes buffered events to the underlying writer.
func (r *Recorder) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.w.Flush()
}

// Close flushes and closes the recording file. Later writes are dropped.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	err := r.w.Flush()
	if r.file != nil {
		if cerr := r.file.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// incompleteSuffix returns how many trailing bytes form the start of a
// multi-byte rune that has not been completed yet.
func incompleteSuffix(data []byte) int {
	for i := 1; i <= utf8.UTFMax-1 && i <= len(data); i++ {
		b := data[len(data)-i]
		if b < utf8.RuneSelf {
			return 0
		}
		if utf8.RuneStart(b) {
			if utf8.FullRune(data[len(data)-i:]) {
				return 0
			}
			return i
		}
	}
	return 0
}

// Read parses a recording back into its header and events.
func Read(rd io.Reader) (Header, []Event, error) {
	var header Header
	dec := json.NewDecoder(rd)
	if err := dec.Decode(&header); err != nil {
		return header, nil, fmt.Errorf("failed to read header: %w", err)
	}

	var events []Event
	for dec.More() {
		var e Event
		if err := dec.Decode(&e); err != nil {
			return header, events, fmt.Errorf("failed to read event %d: %w", len(events), err)
		}
		events = append(events, e)
	}
	return header, events, nil
}
