package api

import (
	"errors"
	"net/http"

	"crm-orchestrator/internal/session"
	"crm-orchestrator/internal/timer"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

type SessionHandler struct {
	mgr    *session.Manager
	timers *timer.Engine
}

func NewSessionHandler(mgr *session.Manager, timers *timer.Engine) *SessionHandler {
	return &SessionHandler{mgr: mgr, timers: timers}
}

// Active returns all non-closed sessions for a workspace.
func (h *SessionHandler) Active(c *gin.Context) {
	workspaceID := c.Param("workspace")

	sessions, err := h.mgr.ListActive(workspaceID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, sessions)
}

// Get returns a single conversation's session.
func (h *SessionHandler) Get(c *gin.Context) {
	workspaceID := c.Param("workspace")
	conversationID := c.Param("conversation")

	s, err := h.mgr.Get(workspaceID, conversationID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, s)
}

// PendingTimers lists scheduled phase deadlines for a workspace.
func (h *SessionHandler) PendingTimers(c *gin.Context) {
	workspaceID := c.Param("workspace")

	handles, err := h.timers.Pending(workspaceID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, handles)
}
