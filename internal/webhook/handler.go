package webhook

import (
	"log"
	"net/http"

	"crm-orchestrator/internal/config"
	"crm-orchestrator/internal/event"
	"crm-orchestrator/internal/models"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// Payload mirrors the channel's webhook envelope (WhatsApp Cloud shape).
type Payload struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Messages []InboundMessage `json:"messages"`
				Contacts []struct {
					Profile struct {
						Name string `json:"name"`
					} `json:"profile"`
					WaID string `json:"wa_id"`
				} `json:"contacts"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type InboundMessage struct {
	ID   string `json:"id"`
	From string `json:"from"`
	Type string `json:"type"`
	Text struct {
		Body string `json:"body"`
	} `json:"text"`
}

// Handler turns channel webhooks into message.received events on the bus.
// It stores the raw message and upserts the contact, then hands off; all
// orchestration happens in the event pipeline.
type Handler struct {
	cfg *config.Config
	db  *gorm.DB
	bus event.Bus
}

func NewHandler(cfg *config.Config, db *gorm.DB, bus event.Bus) *Handler {
	return &Handler{cfg: cfg, db: db, bus: bus}
}

func (h *Handler) Verify(c *gin.Context) {
	mode := c.Query("hub.mode")
	token := c.Query("hub.verify_token")
	challenge := c.Query("hub.challenge")

	if mode == "subscribe" && token != "" && token == h.cfg.VerifyToken {
		c.String(http.StatusOK, challenge)
		return
	}
	c.Status(http.StatusForbidden)
}

func (h *Handler) Receive(c *gin.Context) {
	workspaceID := c.Param("workspace")

	var payload Payload
	if err := c.ShouldBindJSON(&payload); err != nil {
		log.Printf("Error binding webhook JSON: %v", err)
		c.Status(http.StatusBadRequest)
		return
	}

	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			name := ""
			if len(change.Value.Contacts) > 0 {
				name = change.Value.Contacts[0].Profile.Name
			}
			for _, msg := range change.Value.Messages {
				if msg.Type != "text" {
					continue
				}
				h.ingest(workspaceID, name, msg)
			}
		}
	}

	c.Status(http.StatusOK)
}

func (h *Handler) ingest(workspaceID, contactName string, msg InboundMessage) {
	row := models.Message{
		WorkspaceID:    workspaceID,
		ConversationID: msg.From,
		Direction:      "in",
		Content:        msg.Text.Body,
	}
	if err := h.db.Create(&row).Error; err != nil {
		log.Printf("Error storing inbound message from %s: %v", msg.From, err)
	}

	var contact models.Contact
	err := h.db.Where("workspace_id = ? AND conversation_id = ?", workspaceID, msg.From).First(&contact).Error
	if err != nil {
		contact = models.Contact{
			WorkspaceID:    workspaceID,
			ConversationID: msg.From,
			Name:           contactName,
			Phone:          msg.From,
			Tags:           "[]",
		}
		if err := h.db.Create(&contact).Error; err != nil {
			log.Printf("Error saving contact %s: %v", msg.From, err)
		}
	} else if contact.Name == "" && contactName != "" {
		h.db.Model(&contact).Update("name", contactName)
	}

	evt := event.New(event.TypeMessageReceived, workspaceID)
	evt.ConversationID = msg.From
	evt.Payload["content"] = msg.Text.Body
	evt.Payload["channel_message_id"] = msg.ID
	if err := h.bus.Publish(evt); err != nil {
		log.Printf("Error publishing message.received for %s: %v", msg.From, err)
	}
}
