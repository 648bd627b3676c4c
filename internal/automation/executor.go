package automation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"crm-orchestrator/internal/config"
	"crm-orchestrator/internal/event"
	"crm-orchestrator/internal/messaging"
	"crm-orchestrator/internal/models"

	"gorm.io/gorm"
)

// Outcome is the terminal result of executing one action.
type Outcome struct {
	Status    string
	Error     string
	Attempts  int
	Duplicate bool
}

// Executor performs one action against the external collaborators. Execution
// is idempotent per (executionID, action ordinal): if a terminal ActionLog
// row already exists for that key the cached outcome is returned and the side
// effect is not repeated, which makes at-least-once event delivery safe.
type Executor struct {
	db         *gorm.DB
	sender     messaging.Sender
	bus        event.Bus
	cfg        *config.Config
	httpClient *http.Client

	// sleep is swapped out in tests.
	sleep func(time.Duration)
}

func NewExecutor(db *gorm.DB, sender messaging.Sender, bus event.Bus, cfg *config.Config) *Executor {
	return &Executor{
		db:         db,
		sender:     sender,
		bus:        bus,
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		sleep:      time.Sleep,
	}
}

// Execute runs one action with retries and records one ActionLog row per
// attempt. Wait actions never touch collaborators; the runner turns them
// into delayed re-entry events.
func (x *Executor) Execute(executionID string, action Action, ctx map[string]any, evt event.Event) Outcome {
	if cached, ok := x.terminalOutcome(executionID, action.Ordinal); ok {
		return Outcome{Status: cached.Outcome, Error: cached.Error, Duplicate: true}
	}

	// A wait is "performed" by recording the deferral; the runner schedules
	// the delayed re-entry event. The terminal row keeps replays from
	// re-scheduling it.
	if action.Type == ActionWait {
		x.logAttempt(executionID, action.Ordinal, 1, OutcomeDeferred, "", 0)
		return Outcome{Status: OutcomeDeferred}
	}

	for attempt := 1; attempt <= x.cfg.ActionRetryMax; attempt++ {
		start := time.Now()
		err := x.perform(action, ctx, evt)
		duration := time.Since(start)

		if err == nil {
			x.logAttempt(executionID, action.Ordinal, attempt, OutcomeSuccess, "", duration)
			return Outcome{Status: OutcomeSuccess, Attempts: attempt}
		}

		if isRetryable(err) && attempt < x.cfg.ActionRetryMax {
			x.logAttempt(executionID, action.Ordinal, attempt, OutcomeRetry, err.Error(), duration)
			x.sleep(x.backoff(attempt))
			continue
		}

		x.logAttempt(executionID, action.Ordinal, attempt, OutcomeFailed, err.Error(), duration)
		return Outcome{Status: OutcomeFailed, Error: err.Error(), Attempts: attempt}
	}

	// Unreachable: the loop always returns on the last attempt.
	return Outcome{Status: OutcomeFailed, Error: "retry budget exhausted"}
}

func (x *Executor) terminalOutcome(executionID string, ordinal int) (*models.ActionLog, bool) {
	var row models.ActionLog
	err := x.db.
		Where("execution_id = ? AND ordinal = ? AND outcome IN ?", executionID, ordinal,
			[]string{OutcomeSuccess, OutcomeFailed, OutcomeDuplicate, OutcomeDeferred}).
		Order("id DESC").
		First(&row).Error
	if err != nil {
		return nil, false
	}
	return &row, true
}

func (x *Executor) logAttempt(executionID string, ordinal, attempt int, outcome, errMsg string, duration time.Duration) {
	row := models.ActionLog{
		ExecutionID: executionID,
		Ordinal:     ordinal,
		Attempt:     attempt,
		Outcome:     outcome,
		Error:       errMsg,
		DurationMS:  duration.Milliseconds(),
	}
	if err := x.db.Create(&row).Error; err != nil {
		log.Printf("Failed to write action log for %s/%d: %v", executionID, ordinal, err)
	}
}

func (x *Executor) backoff(attempt int) time.Duration {
	delay := x.cfg.ActionRetryBase << (attempt - 1)
	if x.cfg.ActionRetryMaxWait > 0 && delay > x.cfg.ActionRetryMaxWait {
		return x.cfg.ActionRetryMaxWait
	}
	return delay
}

func (x *Executor) perform(action Action, ctx map[string]any, evt event.Event) error {
	switch action.Type {
	case ActionSendMessage:
		return x.sendMessage(action, ctx, evt)
	case ActionAddTag:
		return x.addTag(action, ctx, evt)
	case ActionCreateTask:
		return x.createTask(action, ctx, evt)
	case ActionChangeStage:
		return x.changeStage(action, ctx, evt)
	case ActionWebhook:
		return x.callWebhook(action, ctx, evt)
	default:
		return fmt.Errorf("%w: unknown action type %q", ErrValidation, action.Type)
	}
}

func (x *Executor) sendMessage(action Action, ctx map[string]any, evt event.Event) error {
	conversationID := evt.ConversationID
	if conversationID == "" {
		conversationID = coerceString(ctx["conversation.id"])
	}
	if conversationID == "" {
		return fmt.Errorf("%w: send_message without a conversation", ErrValidation)
	}

	text, unresolved := Resolve(action.paramString("message"), ctx)
	if len(unresolved) > 0 {
		log.Printf("Warning: unresolved template variables %v", unresolved)
	}

	if err := x.sender.SendText(conversationID, text); err != nil {
		return err
	}

	msg := models.Message{
		WorkspaceID:    evt.WorkspaceID,
		ConversationID: conversationID,
		Direction:      "out",
		Content:        text,
	}
	if err := x.db.Create(&msg).Error; err != nil {
		log.Printf("Failed to record outbound message for %s: %v", conversationID, err)
	}
	return nil
}

func (x *Executor) addTag(action Action, ctx map[string]any, evt event.Event) error {
	tag := action.paramString("tag")

	var contact models.Contact
	err := x.db.Where("workspace_id = ? AND conversation_id = ?", evt.WorkspaceID, evt.ConversationID).First(&contact).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: add_tag target contact not found", ErrValidation)
	}
	if err != nil {
		return fmt.Errorf("%w: loading contact: %v", ErrTransient, err)
	}

	var tags []string
	if contact.Tags != "" {
		json.Unmarshal([]byte(contact.Tags), &tags)
	}
	for _, t := range tags {
		if t == tag {
			return nil // already tagged
		}
	}
	tags = append(tags, tag)
	raw, _ := json.Marshal(tags)

	if err := x.db.Model(&contact).Update("tags", string(raw)).Error; err != nil {
		return fmt.Errorf("%w: saving contact tags: %v", ErrTransient, err)
	}

	out := event.New(event.TypeTagApplied, evt.WorkspaceID)
	out.ConversationID = evt.ConversationID
	out.ContactID = fmt.Sprintf("%d", contact.ID)
	out.Payload["tag"] = tag
	return x.bus.Publish(out)
}

func (x *Executor) createTask(action Action, ctx map[string]any, evt event.Event) error {
	title, _ := Resolve(action.paramString("title"), ctx)
	description, _ := Resolve(action.paramString("description"), ctx)

	task := models.Task{
		WorkspaceID: evt.WorkspaceID,
		Title:       title,
		Description: description,
		Status:      "open",
	}

	var contact models.Contact
	if evt.ConversationID != "" {
		if err := x.db.Where("workspace_id = ? AND conversation_id = ?", evt.WorkspaceID, evt.ConversationID).First(&contact).Error; err == nil {
			task.ContactID = contact.ID
		}
	}

	if err := x.db.Create(&task).Error; err != nil {
		return fmt.Errorf("%w: creating task: %v", ErrTransient, err)
	}
	return nil
}

func (x *Executor) changeStage(action Action, ctx map[string]any, evt event.Event) error {
	orderID := action.paramString("order_id")
	if orderID == "" {
		orderID = evt.OrderID
	}
	if orderID == "" {
		return fmt.Errorf("%w: change_stage without an order", ErrValidation)
	}
	stageID := action.paramString("stage_id")

	var order models.Order
	err := x.db.Where("workspace_id = ? AND id = ?", evt.WorkspaceID, orderID).First(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: change_stage target order %s not found", ErrValidation, orderID)
	}
	if err != nil {
		return fmt.Errorf("%w: loading order: %v", ErrTransient, err)
	}
	if order.StageID == stageID {
		return nil
	}

	previous := order.StageID
	if err := x.db.Model(&order).Update("stage_id", stageID).Error; err != nil {
		return fmt.Errorf("%w: saving order stage: %v", ErrTransient, err)
	}

	out := event.New(event.TypeStageChanged, evt.WorkspaceID)
	out.ConversationID = evt.ConversationID
	out.OrderID = orderID
	out.Payload["stage"] = stageID
	out.Payload["previous_stage"] = previous
	return x.bus.Publish(out)
}

func (x *Executor) callWebhook(action Action, ctx map[string]any, evt event.Event) error {
	url, _ := Resolve(action.paramString("url"), ctx)

	body, err := json.Marshal(map[string]any{
		"event":   evt,
		"context": ctx,
	})
	if err != nil {
		return fmt.Errorf("%w: marshaling webhook payload: %v", ErrValidation, err)
	}

	resp, err := x.httpClient.Post(url, "application/json", bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("%w: webhook call: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: webhook returned %d", ErrTransient, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%w: webhook returned %d", ErrValidation, resp.StatusCode)
	}
	return nil
}
