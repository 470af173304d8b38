package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/remote-agent-terminal/termmux/internal/model"
	"github.com/remote-agent-terminal/termmux/internal/repository"
	"github.com/remote-agent-terminal/termmux/internal/session"
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
)

// ProjectHandler handles project-scoped HTTP requests.
type ProjectHandler struct {
	sessions *session.Manager
	history  *repository.SessionRepository
}

// NewProjectHandler creates a new ProjectHandler. history may be nil when
// persistence is disabled.
func NewProjectHandler(sessions *session.Manager, history *repository.SessionRepository) *ProjectHandler {
	return &ProjectHandler{sessions: sessions, history: history}
}

// SetFocusRequest is the body of PUT /api/projects/:projectId/focus.
type SetFocusRequest struct {
	SessionID string `json:"sessionId" binding:"required"`
	Focused   *bool  `json:"focused" binding:"required"`
}

// ListSessions handles GET /api/projects/:projectId/sessions.
func (h *ProjectHandler) ListSessions(c *gin.Context) {
	sessions, err := h.sessions.ListSessions(c.Param("projectId"))
	if err != nil {
		sendModelError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessions)
}

// History handles GET /api/projects/:projectId/history?limit=N.
func (h *ProjectHandler) History(c *gin.Context) {
	projectID := c.Param("projectId")
	if !model.ValidProjectID(projectID) {
		sendError(c, http.StatusBadRequest, string(model.KindValidation), "invalid projectId "+projectID)
		return
	}
	if h.history == nil {
		c.JSON(http.StatusOK, []*repository.HistoryRecord{})
		return
	}

	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxHistoryLimit {
			sendError(c, http.StatusBadRequest, string(model.KindValidation), "limit must be between 1 and 1000")
			return
		}
		limit = n
	}

	records, err := h.history.ListByProject(c.Request.Context(), projectID, limit)
	if err != nil {
		sendModelError(c, err)
		return
	}
	c.JSON(http.StatusOK, records)
}

// Suspend handles POST /api/projects/:projectId/suspend.
func (h *ProjectHandler) Suspend(c *gin.Context) {
	result, err := h.sessions.SuspendProjectSessions(c.Param("projectId"))
	if err != nil {
		sendModelError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Resume handles POST /api/projects/:projectId/resume.
func (h *ProjectHandler) Resume(c *gin.Context) {
	resumed, err := h.sessions.ResumeProjectSessions(c.Param("projectId"))
	if err != nil {
		sendModelError(c, err)
		return
	}
	if resumed == nil {
		resumed = []session.Resumed{}
	}
	c.JSON(http.StatusOK, resumed)
}

// GetFocus handles GET /api/projects/:projectId/focus.
func (h *ProjectHandler) GetFocus(c *gin.Context) {
	state, err := h.sessions.GetFocus(c.Param("projectId"))
	if err != nil {
		sendModelError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

// SetFocus handles PUT /api/projects/:projectId/focus.
func (h *ProjectHandler) SetFocus(c *gin.Context) {
	var req SetFocusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, string(model.KindValidation), "invalid request body: "+err.Error())
		return
	}

	state, err := h.sessions.SetFocus(c.Param("projectId"), req.SessionID, *req.Focused)
	if err != nil {
		sendModelError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

// RegisterRoutes registers the project routes on a Gin router group.
func (h *ProjectHandler) RegisterRoutes(rg *gin.RouterGroup) {
	projects := rg.Group("/projects/:projectId")
	{
		projects.GET("/sessions", h.ListSessions)
		projects.GET("/history", h.History)
		projects.POST("/suspend", h.Suspend)
		projects.POST("/resume", h.Resume)
		projects.GET("/focus", h.GetFocus)
		projects.PUT("/focus", h.SetFocus)
	}
}
