// Package buffer provides the bounded output log kept for every session.
package buffer

import (
	"sync"
)

// RingBuffer is a thread-safe circular byte buffer holding the most recent
// output of a session, bounded by byte size rather than line count.
//
// Besides the retained bytes it tracks the absolute stream position: the
// total number of bytes ever written. Byte i of the stream (0-based) is
// retained while i >= Written()-Len(). Offsets let a viewer resume from the
// exact byte it last saw.
type RingBuffer struct {
	mu      sync.RWMutex
	data    []byte
	head    int // next write position
	size    int // retained bytes, 0..cap
	written uint64
}

// NewRingBuffer creates a new RingBuffer with the specified capacity.
// The capacity must be greater than 0; if not, it defaults to 1.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &RingBuffer{
		data: make([]byte, capacity),
	}
}

// Write appends data to the buffer, overwriting the oldest bytes once the
// capacity is reached. It implements io.Writer and never fails.
func (rb *RingBuffer) Write(p []byte) (n int, err error) {
	if len(p) == 0 {
		return 0, nil
	}

	rb.mu.Lock()
	defer rb.mu.Unlock()

	capacity := len(rb.data)
	rb.written += uint64(len(p))

	// Only the last 'capacity' bytes can survive
	if len(p) >= capacity {
		copy(rb.data, p[len(p)-capacity:])
		rb.head = 0
		rb.size = capacity
		return len(p), nil
	}

	first := copy(rb.data[rb.head:], p)
	copy(rb.data, p[first:])
	rb.head = (rb.head + len(p)) % capacity

	rb.size += len(p)
	if rb.size > capacity {
		rb.size = capacity
	}

	return len(p), nil
}

// Snapshot returns a copy of the retained bytes together with the stream
// offset of the first returned byte. It does not mutate the buffer.
func (rb *RingBuffer) Snapshot() ([]byte, uint64) {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	return rb.tailLocked(rb.size), rb.written - uint64(rb.size)
}

// Since returns the retained bytes at or after stream offset off, and the
// offset of the first returned byte. If off is older than the oldest retained
// byte, everything retained is returned and truncated is true.
func (rb *RingBuffer) Since(off uint64) (data []byte, start uint64, truncated bool) {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if off >= rb.written {
		return nil, rb.written, false
	}

	oldest := rb.written - uint64(rb.size)
	if off < oldest {
		off = oldest
		truncated = true
	}

	return rb.tailLocked(int(rb.written - off)), off, truncated
}

// ReadAll returns a copy of all data currently in the buffer.
func (rb *RingBuffer) ReadAll() []byte {
	data, _ := rb.Snapshot()
	return data
}

// tailLocked copies the newest n retained bytes in stream order.
func (rb *RingBuffer) tailLocked(n int) []byte {
	if n == 0 {
		return nil
	}

	capacity := len(rb.data)
	start := (rb.head - n + capacity) % capacity
	result := make([]byte, n)

	first := copy(result, rb.data[start:min(start+n, capacity)])
	copy(result[first:], rb.data[:n-first])

	return result
}

// Len returns the current number of bytes in the buffer.
func (rb *RingBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	return rb.size
}

// Written returns the total number of bytes ever written, which is also the
// stream offset of the next byte.
func (rb *RingBuffer) Written() uint64 {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	return rb.written
}

// Cap returns the capacity of the buffer.
func (rb *RingBuffer) Cap() int {
	return len(rb.data)
}
