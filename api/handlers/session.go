// Package handlers provides HTTP API request handlers.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/remote-agent-terminal/termmux/internal/model"
	"github.com/remote-agent-terminal/termmux/internal/protocol"
	"github.com/remote-agent-terminal/termmux/internal/session"
)

// History is the ledger surface the handlers read.
type History interface {
	GetByID(ctx context.Context, id string) (*model.SessionRecord, error)
	History(ctx context.Context, userID string, limit int) ([]*model.SessionRecord, error)
}

// SessionHandler handles HTTP requests for session management.
type SessionHandler struct {
	registry *session.Registry
	history  History
}

// NewSessionHandler creates a new SessionHandler. history may be nil, in
// which case the history and recording endpoints report not found.
func NewSessionHandler(registry *session.Registry, history History) *SessionHandler {
	return &SessionHandler{
		registry: registry,
		history:  history,
	}
}

// CreateSessionRequest represents the request body for creating a session.
type CreateSessionRequest struct {
	Cols    uint16 `json:"cols"`
	Rows    uint16 `json:"rows"`
	Project string `json:"project"`
	Title   string `json:"title"`
}

// RenameSessionRequest represents the request body for renaming a session.
type RenameSessionRequest struct {
	Title string `json:"title" binding:"required"`
}

// HistoryResponse is one ledger row in API responses.
type HistoryResponse struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Project   string `json:"project,omitempty"`
	Cols      uint16 `json:"cols"`
	Rows      uint16 `json:"rows"`
	Status    string `json:"status"`
	ExitCode  *int   `json:"exitCode,omitempty"`
	Recording bool   `json:"recording"`
	Duration  string `json:"duration"`
	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error details.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

func toHistoryResponse(rec *model.SessionRecord) *HistoryResponse {
	return &HistoryResponse{
		ID:        rec.ID,
		Title:     rec.Title,
		Project:   rec.Project,
		Cols:      rec.Cols,
		Rows:      rec.Rows,
		Status:    string(rec.Status),
		ExitCode:  rec.ExitCode,
		Recording: rec.RecordingPath != "",
		Duration:  formatDuration(rec.Duration()),
		CreatedAt: rec.CreatedAt.Format(time.RFC3339),
		UpdatedAt: rec.UpdatedAt.Format(time.RFC3339),
	}
}

// formatDuration formats a duration as a human-readable string.
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return d.Round(time.Second).String()
}

// getUserID extracts the user ID set by AuthMiddleware.
func getUserID(c *gin.Context) string {
	if userID, exists := c.Get(ContextKeyUserID); exists {
		if id, ok := userID.(string); ok {
			return id
		}
	}
	return ""
}

// sendError sends an error response with the appropriate status code.
func sendError(c *gin.Context, statusCode int, code, message string) {
	c.JSON(statusCode, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// sendRegistryError maps a registry error onto a status and wire code.
func sendRegistryError(c *gin.Context, err error) {
	code := protocol.CodeFor(err)
	status := http.StatusInternalServerError
	switch code {
	case protocol.CodeNotFound:
		status = http.StatusNotFound
	case protocol.CodeResourceExhausted:
		status = http.StatusTooManyRequests
	case protocol.CodeBadRequest:
		status = http.StatusBadRequest
	case protocol.CodeUnauthorized:
		status = http.StatusUnauthorized
	}
	if errors.Is(err, model.ErrRegistryClosed) {
		status = http.StatusServiceUnavailable
	}
	sendError(c, status, code, err.Error())
}

// Create handles POST /api/sessions - creates a new session.
func (h *SessionHandler) Create(c *gin.Context) {
	var req CreateSessionRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			sendError(c, http.StatusBadRequest, protocol.CodeBadRequest, "Invalid request body: "+err.Error())
			return
		}
	}

	info, err := h.registry.Create(c.Request.Context(), getUserID(c), model.CreateSessionRequest{
		Cols:    req.Cols,
		Rows:    req.Rows,
		Project: req.Project,
		Title:   req.Title,
	})
	if err != nil {
		sendRegistryError(c, err)
		return
	}

	c.JSON(http.StatusCreated, info)
}

// List handles GET /api/sessions - lists the caller's live sessions.
func (h *SessionHandler) List(c *gin.Context) {
	c.JSON(http.StatusOK, h.registry.List(getUserID(c)))
}

// Get handles GET /api/sessions/:id - gets a specific session.
func (h *SessionHandler) Get(c *gin.Context) {
	info, err := h.registry.Get(getUserID(c), c.Param("id"))
	if err != nil {
		sendRegistryError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// Rename handles PATCH /api/sessions/:id - changes a session's title.
func (h *SessionHandler) Rename(c *gin.Context) {
	var req RenameSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, protocol.CodeBadRequest, "Invalid request body: "+err.Error())
		return
	}

	info, err := h.registry.Rename(c.Request.Context(), getUserID(c), c.Param("id"), req.Title)
	if err != nil {
		sendRegistryError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// Delete handles DELETE /api/sessions/:id - kills a session. Unknown ids
// succeed too, so retries are safe.
func (h *SessionHandler) Delete(c *gin.Context) {
	h.registry.Kill(c.Request.Context(), getUserID(c), c.Param("id"))
	c.Status(http.StatusNoContent)
}

// History handles GET /api/sessions/history - lists ledger rows, including
// sessions that are gone.
func (h *SessionHandler) History(c *gin.Context) {
	limit := defaultHistoryLimit
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			sendError(c, http.StatusBadRequest, protocol.CodeBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	if h.history == nil {
		c.JSON(http.StatusOK, []*HistoryResponse{})
		return
	}

	records, err := h.history.History(c.Request.Context(), getUserID(c), limit)
	if err != nil {
		sendError(c, http.StatusInternalServerError, protocol.CodeInternal, "Failed to read history: "+err.Error())
		return
	}

	response := make([]*HistoryResponse, len(records))
	for i, rec := range records {
		response[i] = toHistoryResponse(rec)
	}
	c.JSON(http.StatusOK, response)
}

// GetRecording handles GET /api/sessions/:id/recording - downloads the
// asciinema recording of a session.
func (h *SessionHandler) GetRecording(c *gin.Context) {
	sessionID := c.Param("id")
	if h.history == nil {
		sendError(c, http.StatusNotFound, protocol.CodeNotFound, "Recording not found for session "+sessionID)
		return
	}

	rec, err := h.history.GetByID(c.Request.Context(), sessionID)
	if err != nil || rec.UserID != getUserID(c) {
		if err != nil && !errors.Is(err, model.ErrSessionNotFound) {
			sendError(c, http.StatusInternalServerError, protocol.CodeInternal, "Failed to get session: "+err.Error())
			return
		}
		sendError(c, http.StatusNotFound, protocol.CodeNotFound, "Session "+sessionID+" not found")
		return
	}

	if rec.RecordingPath == "" {
		sendError(c, http.StatusNotFound, protocol.CodeNotFound, "Recording not found for session "+sessionID)
		return
	}
	if _, err := os.Stat(rec.RecordingPath); err != nil {
		sendError(c, http.StatusNotFound, protocol.CodeNotFound, "Recording not found for session "+sessionID)
		return
	}

	c.Header("Content-Type", "application/x-asciicast")
	c.Header("Content-Disposition", "attachment; filename="+sessionID+".cast")
	c.File(rec.RecordingPath)
}

// RegisterRoutes registers the session handler routes on a Gin router group.
func (h *SessionHandler) RegisterRoutes(rg *gin.RouterGroup) {
	sessions := rg.Group("/sessions")
	{
		sessions.POST("", h.Create)
		sessions.GET("", h.List)
		sessions.GET("/history", h.History)
		sessions.GET("/:id", h.Get)
		sessions.PATCH("/:id", h.Rename)
		sessions.DELETE("/:id", h.Delete)
		sessions.GET("/:id/recording", h.GetRecording)
	}
}
