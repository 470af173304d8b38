package handlers

import (
	"errors"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"

	"github.com/remote-agent-terminal/termmux/internal/model"
	"github.com/remote-agent-terminal/termmux/internal/recording"
	"github.com/remote-agent-terminal/termmux/internal/session"
)

// SessionHandler handles HTTP requests for single sessions.
type SessionHandler struct {
	sessions   *session.Manager
	recordings *recording.Recorder
}

// NewSessionHandler creates a new SessionHandler. recordings may be nil.
func NewSessionHandler(sessions *session.Manager, recordings *recording.Recorder) *SessionHandler {
	return &SessionHandler{sessions: sessions, recordings: recordings}
}

// CreateSessionResponse is the created session plus where to attach to it.
type CreateSessionResponse struct {
	model.Session
	SessionID string `json:"sessionId"`
	WSURL     string `json:"wsUrl"`
}

// CloseSessionResponse is the body of DELETE /api/sessions/:id.
type CloseSessionResponse struct {
	Success bool          `json:"success"`
	Session model.Session `json:"session"`
}

// Create handles POST /api/sessions.
func (h *SessionHandler) Create(c *gin.Context) {
	var req model.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, string(model.KindValidation), "invalid request body: "+err.Error())
		return
	}

	sess, err := h.sessions.CreateSession(c.Request.Context(), req)
	if err != nil {
		sendModelError(c, err)
		return
	}
	c.JSON(http.StatusCreated, CreateSessionResponse{
		Session:   sess,
		SessionID: sess.ID,
		WSURL:     "/api/sessions/" + sess.ID + "/attach",
	})
}

// Get handles GET /api/sessions/:id.
func (h *SessionHandler) Get(c *gin.Context) {
	sess, err := h.sessions.GetSession(c.Param("id"))
	if err != nil {
		sendModelError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// Delete handles DELETE /api/sessions/:id. Closing an already closed
// session returns it unchanged.
func (h *SessionHandler) Delete(c *gin.Context) {
	sess, err := h.sessions.CloseSession(c.Param("id"))
	if err != nil {
		sendModelError(c, err)
		return
	}
	c.JSON(http.StatusOK, CloseSessionResponse{Success: true, Session: sess})
}

// GetRecording handles GET /api/sessions/:id/recording.
func (h *SessionHandler) GetRecording(c *gin.Context) {
	sessionID := c.Param("id")
	if h.recordings == nil {
		sendError(c, http.StatusNotFound, string(model.KindNotFound), "recording is disabled")
		return
	}

	path, err := h.recordings.Path(sessionID)
	if err != nil {
		sendModelError(c, err)
		return
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			sendError(c, http.StatusNotFound, string(model.KindNotFound), "no recording for session "+sessionID)
			return
		}
		sendModelError(c, err)
		return
	}

	c.Header("Content-Type", "application/x-asciicast")
	c.Header("Content-Disposition", "attachment; filename="+sessionID+".cast")
	c.File(path)
}

// RegisterRoutes registers the session routes on a Gin router group.
func (h *SessionHandler) RegisterRoutes(rg *gin.RouterGroup) {
	sessions := rg.Group("/sessions")
	{
		sessions.POST("", h.Create)
		sessions.GET("/:id", h.Get)
		sessions.DELETE("/:id", h.Delete)
		sessions.GET("/:id/recording", h.GetRecording)
	}
}
