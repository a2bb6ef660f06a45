package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/remote-agent-terminal/termmux/internal/model"
	"github.com/remote-agent-terminal/termmux/internal/protocol"
)

// fakeTransport answers requests from a handler and records every frame.
type fakeTransport struct {
	mu       sync.Mutex
	requests []*protocol.Message
	sent     []*protocol.Message
	sessions []model.SessionInfo
	fail     map[string]error
	events   chan Event
}

func newFakeTransport(sessions ...model.SessionInfo) *fakeTransport {
	return &fakeTransport{
		sessions: sessions,
		fail:     make(map[string]error),
		events:   make(chan Event, 64),
	}
}

func info(id string) model.SessionInfo {
	return model.SessionInfo{
		ID:        id,
		Title:     "tab " + id,
		Cols:      model.DefaultCols,
		Rows:      model.DefaultRows,
		Status:    model.SessionStatusActive,
		CreatedAt: time.Now(),
	}
}

// failAttach makes attach requests for id fail with err.
func (f *fakeTransport) failAttach(id string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[id] = err
}

func (f *fakeTransport) setSessions(sessions ...model.SessionInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = sessions
}

func (f *fakeTransport) Request(ctx context.Context, m *protocol.Message) (*protocol.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	cp := *m
	f.requests = append(f.requests, &cp)
	res := protocol.Result(fmt.Sprintf("r%d", len(f.requests)))

	switch m.Type {
	case protocol.TypeCreate:
		s := info(fmt.Sprintf("s%d", len(f.sessions)+1))
		s.Title = m.Title
		s.Project = m.Project
		f.sessions = append(f.sessions, s)
		res.Session = &s
	case protocol.TypeList:
		res.Sessions = append([]model.SessionInfo(nil), f.sessions...)
	case protocol.TypeAttach:
		if err := f.fail[m.SessionID]; err != nil {
			return nil, err
		}
		for _, s := range f.sessions {
			if s.ID == m.SessionID {
				s.Attached = true
				res.Session = &s
				return res, nil
			}
		}
		return nil, model.ErrSessionNotFound
	case protocol.TypeRename:
		for i := range f.sessions {
			if f.sessions[i].ID == m.SessionID {
				f.sessions[i].Title = m.Title
				s := f.sessions[i]
				res.Session = &s
				return res, nil
			}
		}
		return nil, model.ErrSessionNotFound
	case protocol.TypeKill:
		for i := range f.sessions {
			if f.sessions[i].ID == m.SessionID {
				f.sessions = append(f.sessions[:i], f.sessions[i+1:]...)
				break
			}
		}
	}
	return res, nil
}

func (f *fakeTransport) Send(m *protocol.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *m
	f.sent = append(f.sent, &cp)
	return nil
}

func (f *fakeTransport) Events() <-chan Event { return f.events }

func (f *fakeTransport) Close() error {
	close(f.events)
	return nil
}

// ofType returns the recorded requests of type typ.
func (f *fakeTransport) ofType(typ protocol.MessageType) []*protocol.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*protocol.Message
	for _, m := range f.requests {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeTransport) sentFrames() []*protocol.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*protocol.Message(nil), f.sent...)
}

func (f *fakeTransport) push(m *protocol.Message) {
	f.events <- Event{Kind: EventFrame, Frame: m}
}

func output(id string, offset uint64, data string) *protocol.Message {
	return &protocol.Message{Type: protocol.TypeOutput, SessionID: id, Offset: offset, Data: []byte(data)}
}
