package automation

import (
	"crm-orchestrator/internal/event"
	"crm-orchestrator/internal/models"

	"gorm.io/gorm"
)

// BuildContext flattens the triggering event plus joined entity data into the
// key→value map conditions and templates are evaluated against. Missing
// entities simply leave their keys absent; absence is a defined state for the
// evaluator, never an error.
func BuildContext(db *gorm.DB, evt event.Event) map[string]any {
	ctx := map[string]any{
		"event.id":   evt.ID,
		"event.type": evt.Type,
	}
	if evt.ConversationID != "" {
		ctx["conversation.id"] = evt.ConversationID
	}
	if evt.ContactID != "" {
		ctx["contact.id"] = evt.ContactID
	}
	if evt.OrderID != "" {
		ctx["order.id"] = evt.OrderID
	}

	for k, v := range evt.Payload {
		ctx[k] = v
		ctx["payload."+k] = v
	}

	if evt.OrderID != "" {
		var order models.Order
		err := db.Where("workspace_id = ? AND id = ?", evt.WorkspaceID, evt.OrderID).First(&order).Error
		if err == nil {
			ctx["order.stage_id"] = order.StageID
			ctx["order.total_value"] = order.TotalValue
			ctx["order.pack"] = order.Pack
			ctx["order.status"] = order.Status
		}
	}

	if evt.ConversationID != "" {
		var contact models.Contact
		err := db.Where("workspace_id = ? AND conversation_id = ?", evt.WorkspaceID, evt.ConversationID).First(&contact).Error
		if err == nil {
			ctx["contact.name"] = contact.Name
			ctx["contact.phone"] = contact.Phone
			ctx["contact.email"] = contact.Email
			ctx["contact.city"] = contact.City
			ctx["contact.tags"] = contact.Tags
		}
	}

	return ctx
}
