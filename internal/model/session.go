package model

import (
	"strings"
	"time"
)

// SessionStatus represents the status of a terminal session.
type SessionStatus string

const (
	SessionStatusActive SessionStatus = "active"
	SessionStatusExited SessionStatus = "exited"
	// SessionStatusKilled only appears in the session ledger; live sessions
	// are removed from the registry when killed.
	SessionStatusKilled SessionStatus = "killed"
)

const (
	// DefaultCols and DefaultRows are used when a client does not report geometry.
	DefaultCols uint16 = 80
	DefaultRows uint16 = 24
)

// SessionInfo is the descriptor of a session returned by create, list and
// rename.
type SessionInfo struct {
	ID        string        `json:"id"`
	Title     string        `json:"title"`
	Project   string        `json:"project,omitempty"`
	Cols      uint16        `json:"cols"`
	Rows      uint16        `json:"rows"`
	Status    SessionStatus `json:"status"`
	Exited    bool          `json:"exited"`
	ExitCode  *int          `json:"exitCode,omitempty"`
	Attached  bool          `json:"attached"`
	CreatedAt time.Time     `json:"createdAt"`
}

// SessionRecord is the persisted ledger entry for a session. It outlives the
// live session so that history and recordings remain inspectable.
type SessionRecord struct {
	ID            string        `json:"id"`
	UserID        string        `json:"userId"`
	Title         string        `json:"title"`
	Project       string        `json:"project,omitempty"`
	Cols          uint16        `json:"cols"`
	Rows          uint16        `json:"rows"`
	Status        SessionStatus `json:"status"`
	ExitCode      *int          `json:"exitCode,omitempty"`
	PID           *int          `json:"pid,omitempty"`
	RecordingPath string        `json:"recordingPath,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

// Duration returns how long the session ran: until now while active, until
// its last status change otherwise.
func (r *SessionRecord) Duration() time.Duration {
	if r.Status == SessionStatusActive {
		return time.Since(r.CreatedAt)
	}
	return r.UpdatedAt.Sub(r.CreatedAt)
}

// CreateSessionRequest represents a request to create a new session.
type CreateSessionRequest struct {
	Cols    uint16 `json:"cols"`
	Rows    uint16 `json:"rows"`
	Project string `json:"project"`
	Title   string `json:"title"`
	UserID  string `json:"-"`
}

// Normalize fills in default geometry and trims the optional fields.
func (r *CreateSessionRequest) Normalize() {
	if r.Cols == 0 {
		r.Cols = DefaultCols
	}
	if r.Rows == 0 {
		r.Rows = DefaultRows
	}
	r.Project = strings.TrimSpace(r.Project)
	r.Title = strings.TrimSpace(r.Title)
}

// ValidGeometry reports whether cols x rows describes a usable terminal.
func ValidGeometry(cols, rows uint16) bool {
	return cols > 0 && rows > 0
}
