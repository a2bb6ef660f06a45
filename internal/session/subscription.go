package session

import "github.com/remote-agent-terminal/termmux/internal/model"

// EventKind discriminates subscription events.
type EventKind int

const (
	EventOutput EventKind = iota
	EventExit
)

// Subscription end reasons.
const (
	ReasonDetached = "detached"
	ReasonEvicted  = "evicted"
	ReasonLagged   = "lagged"
	ReasonKilled   = "killed"
)

// DefaultQueueSize is the number of events a viewer may fall behind before
// its subscription is dropped as lagged.
const DefaultQueueSize = 256

// Event is one item of a session's live stream.
type Event struct {
	Kind EventKind

	// Data and Offset are set for EventOutput. Offset is the stream position
	// of Data[0].
	Data   []byte
	Offset uint64

	// ExitCode is set for EventExit.
	ExitCode int
}

// Subscription is one viewer's attachment to a session. Its event channel
// starts with the replay chunk, if any, and then carries live output in
// emission order. The channel is closed when the subscription ends.
type Subscription struct {
	session *Session
	events  chan Event

	// Guarded by session.mu.
	closed bool
	reason string

	// Info describes the session as it was at attach time.
	Info model.SessionInfo

	// Offset is the stream position the subscription starts at, i.e. the
	// offset of the first replayed byte or of the next live byte.
	Offset uint64

	// ReplayBytes is the size of the replay chunk queued at attach time.
	ReplayBytes int
}

func newSubscription(s *Session, queue int) *Subscription {
	if queue <= 0 {
		queue = DefaultQueueSize
	}
	return &Subscription{
		session: s,
		events:  make(chan Event, queue),
	}
}

// Events returns the event stream.
func (sub *Subscription) Events() <-chan Event {
	return sub.events
}

// SessionID returns the id of the attached session.
func (sub *Subscription) SessionID() string {
	return sub.session.ID
}

// Reason reports why the subscription ended, or "" while it is live.
func (sub *Subscription) Reason() string {
	sub.session.mu.Lock()
	defer sub.session.mu.Unlock()
	return sub.reason
}

// pushLocked queues an event without blocking. A full queue ends the
// subscription as lagged and reports false.
func (sub *Subscription) pushLocked(ev Event) bool {
	if sub.closed {
		return false
	}
	select {
	case sub.events <- ev:
		return true
	default:
		sub.closeLocked(ReasonLagged)
		return false
	}
}

func (sub *Subscription) closeLocked(reason string) {
	if sub.closed {
		return
	}
	sub.closed = true
	sub.reason = reason
	close(sub.events)
}
