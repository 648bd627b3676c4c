package api

import (
	"net/http"

	"crm-orchestrator/internal/event"

	"github.com/gin-gonic/gin"
)

// EventHandler is the generic intake for business events that do not arrive
// over the channel webhook: order.created from a checkout, stage.changed from
// the pipeline UI, session.start from a campaign.
type EventHandler struct {
	bus event.Bus
}

func NewEventHandler(bus event.Bus) *EventHandler {
	return &EventHandler{bus: bus}
}

var acceptedTypes = map[string]bool{
	event.TypeMessageReceived: true,
	event.TypeOrderCreated:    true,
	event.TypeStageChanged:    true,
	event.TypeTagApplied:      true,
	event.TypeSessionStart:    true,
}

func (h *EventHandler) Publish(c *gin.Context) {
	workspaceID := c.Param("workspace")

	var req struct {
		Type           string         `json:"type" binding:"required"`
		ConversationID string         `json:"conversation_id"`
		ContactID      string         `json:"contact_id"`
		OrderID        string         `json:"order_id"`
		Payload        map[string]any `json:"payload"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !acceptedTypes[req.Type] {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown event type: " + req.Type})
		return
	}

	evt := event.New(req.Type, workspaceID)
	evt.ConversationID = req.ConversationID
	evt.ContactID = req.ContactID
	evt.OrderID = req.OrderID
	for k, v := range req.Payload {
		evt.Payload[k] = v
	}

	if err := h.bus.Publish(evt); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"event_id": evt.ID})
}
