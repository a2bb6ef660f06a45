// Package protocol defines the JSON frames exchanged over the terminal
// WebSocket. Every frame is a flat object discriminated by "type".
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/remote-agent-terminal/termmux/internal/model"
)

// MessageType identifies a frame.
type MessageType string

// Client to server.
const (
	TypeCreate MessageType = "create"
	TypeList   MessageType = "list"
	TypeAttach MessageType = "attach"
	TypeRename MessageType = "rename"
	TypeKill   MessageType = "kill"
	TypeResize MessageType = "resize"
	TypeInput  MessageType = "input"
	TypePing   MessageType = "ping"
)

// Server to client.
const (
	TypeResult   MessageType = "result"
	TypeOutput   MessageType = "output"
	TypeExit     MessageType = "exit"
	TypeDetached MessageType = "detached"
	TypePong     MessageType = "pong"
)

// Error codes carried in result frames.
const (
	CodeNotFound          = "NOT_FOUND"
	CodeResourceExhausted = "RESOURCE_EXHAUSTED"
	CodeUnauthorized      = "UNAUTHORIZED"
	CodeBadRequest        = "BAD_REQUEST"
	CodeInternal          = "INTERNAL"
)

// Detach reasons carried in detached frames.
const (
	ReasonEvicted = "evicted"
	ReasonLagged  = "lagged"
	ReasonKilled  = "killed"
)

// Error is the failure half of a result frame.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Message is a single frame in either direction.
type Message struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"requestId,omitempty"`
	SessionID string      `json:"sessionId,omitempty"`

	Cols    uint16  `json:"cols,omitempty"`
	Rows    uint16  `json:"rows,omitempty"`
	Project string  `json:"project,omitempty"`
	Title   string  `json:"title,omitempty"`
	Replay  bool    `json:"replay,omitempty"`
	Since   *uint64 `json:"since,omitempty"`

	// Data is base64 in JSON so binary output survives the text frame.
	Data   []byte `json:"data,omitempty"`
	Offset uint64 `json:"offset,omitempty"`

	ExitCode *int   `json:"exitCode,omitempty"`
	Reason   string `json:"reason,omitempty"`

	Session  *model.SessionInfo  `json:"session,omitempty"`
	Sessions []model.SessionInfo `json:"sessions,omitempty"`
	Error    *Error              `json:"error,omitempty"`
}

// IsRequest reports whether the frame expects a result.
func (m *Message) IsRequest() bool {
	switch m.Type {
	case TypeCreate, TypeList, TypeAttach, TypeRename, TypeKill:
		return true
	}
	return false
}

// Decode parses a frame and checks the fields its type requires.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("invalid frame: %w", err)
	}
	if err := m.Validate(); err != nil {
		return &m, err
	}
	return &m, nil
}

// Encode serializes a frame.
func Encode(m *Message) ([]byte, error) {
	return json.Marshal(m)
}

// Validate checks that a client frame carries what its type requires.
func (m *Message) Validate() error {
	switch m.Type {
	case TypeCreate, TypeList, TypePing, TypeInput:
	case TypeAttach, TypeKill:
		if m.SessionID == "" {
			return errors.New("sessionId is required")
		}
	case TypeRename:
		if m.SessionID == "" {
			return errors.New("sessionId is required")
		}
		if m.Title == "" {
			return model.ErrTitleRequired
		}
	case TypeResize:
		if !model.ValidGeometry(m.Cols, m.Rows) {
			return model.ErrInvalidGeometry
		}
	case "":
		return errors.New("type is required")
	default:
		return fmt.Errorf("unknown message type %q", m.Type)
	}
	if m.IsRequest() && m.RequestID == "" {
		return errors.New("requestId is required")
	}
	return nil
}

// Result builds a success result for a request.
func Result(requestID string) *Message {
	return &Message{Type: TypeResult, RequestID: requestID}
}

// ErrorResult builds a failed result for a request.
func ErrorResult(requestID, code, message string) *Message {
	return &Message{
		Type:      TypeResult,
		RequestID: requestID,
		Error:     &Error{Code: code, Message: message},
	}
}

// CodeFor maps registry errors onto wire codes.
func CodeFor(err error) string {
	switch {
	case errors.Is(err, model.ErrSessionNotFound):
		return CodeNotFound
	case errors.Is(err, model.ErrConcurrencyLimit):
		return CodeResourceExhausted
	case errors.Is(err, model.ErrUnauthorized):
		return CodeUnauthorized
	case errors.Is(err, model.ErrInvalidGeometry), errors.Is(err, model.ErrTitleRequired):
		return CodeBadRequest
	default:
		return CodeInternal
	}
}

// ErrorFor converts a wire error back into the matching sentinel so client
// code can use errors.Is.
func ErrorFor(e *Error) error {
	if e == nil {
		return nil
	}
	var base error
	switch e.Code {
	case CodeNotFound:
		base = model.ErrSessionNotFound
	case CodeResourceExhausted:
		base = model.ErrConcurrencyLimit
	case CodeUnauthorized:
		base = model.ErrUnauthorized
	default:
		return e
	}
	return fmt.Errorf("%w: %s", base, e.Message)
}
