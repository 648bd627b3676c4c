package session

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"crm-orchestrator/internal/config"
	"crm-orchestrator/internal/event"
	"crm-orchestrator/internal/keylock"
	"crm-orchestrator/internal/messaging"
	"crm-orchestrator/internal/models"
	"crm-orchestrator/internal/timer"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Flow drives the conversational sales session: collect required fields,
// offer a pack, create the order. Phase deadlines live in the timer engine;
// every handler runs under the conversation's lock, and every state change
// goes through the manager's version guard, so a timer firing into a
// customer reply resolves to exactly one winner.
//
// The pattern throughout is schedule-then-commit: the new timer handle is
// persisted first and its id written by the same guarded transition that
// enters the phase. If the transition loses the version race the fresh
// handle is cancelled again.
type Flow struct {
	db     *gorm.DB
	mgr    *Manager
	timers *timer.Engine
	sender messaging.Sender
	bus    event.Bus
	cfg    *config.Config
}

func NewFlow(db *gorm.DB, mgr *Manager, timers *timer.Engine, sender messaging.Sender, bus event.Bus, cfg *config.Config) *Flow {
	return &Flow{db: db, mgr: mgr, timers: timers, sender: sender, bus: bus, cfg: cfg}
}

// Bind subscribes the flow's handlers, serialized per conversation.
func (f *Flow) Bind(bus event.Bus, limiter *keylock.KeyLock) error {
	subscribe := func(eventType string, h func(event.Event)) error {
		return bus.Subscribe(eventType, func(evt event.Event) error {
			limiter.WithLock(evt.ConversationID, func() { h(evt) })
			return nil
		})
	}
	if err := subscribe(event.TypeSessionStart, f.HandleSessionStart); err != nil {
		return err
	}
	if err := subscribe(event.TypeMessageReceived, f.HandleMessage); err != nil {
		return err
	}
	return subscribe(event.TypeSessionTimeout, f.HandleTimeout)
}

// HandleSessionStart opens the session and asks for the first required field.
func (f *Flow) HandleSessionStart(evt event.Event) {
	s, err := f.mgr.Start(evt.WorkspaceID, evt.ConversationID)
	if err != nil {
		log.Printf("Failed to start session for %s: %v", evt.ConversationID, err)
		return
	}
	if s.Phase != models.PhaseCollectingData || s.ActiveTimerID != "" {
		return
	}

	next, ok := f.rearm(s, models.PhaseCollectingData, f.cfg.CollectDeadline, nil)
	if !ok {
		return
	}
	f.sendPrompt(next.WorkspaceID, next.ConversationID,
		"Hi! Let's get your order going. "+f.promptForNextField(FieldsMap(next)))
}

// HandleMessage is the interrupt path: a customer reply cancels the pending
// deadline and advances the phase machine.
func (f *Flow) HandleMessage(evt event.Event) {
	s, err := f.mgr.Get(evt.WorkspaceID, evt.ConversationID)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			log.Printf("Failed to load session for %s: %v", evt.ConversationID, err)
		}
		return
	}
	if s.Phase == models.PhaseClosed || s.Phase == models.PhaseIdle {
		return
	}

	content := strings.TrimSpace(payloadString(evt, "content"))

	// Best effort; if the timer already fired, the version guard rejects
	// whichever side loses.
	if s.ActiveTimerID != "" {
		f.timers.Cancel(s.ActiveTimerID)
	}

	switch s.Phase {
	case models.PhaseCollectingData:
		f.collectField(s, content)
	case models.PhaseOfferingPack:
		f.closeWithPack(s, content)
	case models.PhaseClosing:
		// Order creation is already in flight; nothing to collect.
	}
}

// HandleTimeout reacts to session.timeout events emitted by the timer engine.
func (f *Flow) HandleTimeout(evt event.Event) {
	s, err := f.mgr.Get(evt.WorkspaceID, evt.ConversationID)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			log.Printf("Failed to load session for timeout on %s: %v", evt.ConversationID, err)
		}
		return
	}

	timerID := payloadString(evt, "timer_id")
	phase := payloadString(evt, "phase")
	if s.ActiveTimerID != timerID || s.Phase != phase {
		return // stale timeout; the session moved on before the event landed
	}

	switch s.Phase {
	case models.PhaseCollectingData:
		fields := FieldsMap(s)
		if len(fields) == 0 {
			// No data at all: close out and leave the conversation pending.
			closed, err := f.mgr.Transition(s, models.PhaseClosed, func(n *models.ConversationSession) {
				n.ActiveTimerID = ""
			})
			if err != nil {
				f.logTransitionErr(s.ConversationID, err)
				return
			}
			f.sendPrompt(closed.WorkspaceID, closed.ConversationID,
				"We have not heard back from you, so we are leaving your request pending. Write to us any time to pick it up again.")
			return
		}
		// Partial data: stay in collecting_data, restart the deadline,
		// ask again.
		next, ok := f.rearm(s, models.PhaseCollectingData, f.cfg.CollectDeadline, nil)
		if !ok {
			return
		}
		f.sendPrompt(next.WorkspaceID, next.ConversationID,
			"Just checking in! "+f.promptForNextField(FieldsMap(next)))

	case models.PhaseOfferingPack:
		f.closeWithPack(s, f.cfg.DefaultPack)
	}
}

// collectField stores the reply into the first missing required field and
// either advances to the offer or re-arms the collection deadline.
func (f *Flow) collectField(s *models.ConversationSession, content string) {
	fields := FieldsMap(s)
	if content != "" {
		if missing := f.nextMissingField(fields); missing != "" {
			fields[missing] = content
		}
	}

	if f.nextMissingField(fields) == "" {
		next, ok := f.rearm(s, models.PhaseOfferingPack, f.cfg.OfferDeadline, func(n *models.ConversationSession) {
			n.Fields = EncodeFields(fields)
			n.PackOffered = f.cfg.DefaultPack
		})
		if !ok {
			return
		}
		f.sendPrompt(next.WorkspaceID, next.ConversationID,
			fmt.Sprintf("Thanks! Based on what you told us, we recommend our %q pack. Reply with a pack name to confirm.", f.cfg.DefaultPack))
		return
	}

	next, ok := f.rearm(s, models.PhaseCollectingData, f.cfg.CollectDeadline, func(n *models.ConversationSession) {
		n.Fields = EncodeFields(fields)
	})
	if !ok {
		return
	}
	f.sendPrompt(next.WorkspaceID, next.ConversationID, f.promptForNextField(fields))
}

// closeWithPack moves offering_pack -> closing -> closed, persisting the
// order in between. pack comes from the customer, or from the default on
// offer timeout.
func (f *Flow) closeWithPack(s *models.ConversationSession, pack string) {
	pack = strings.TrimSpace(pack)
	if pack == "" {
		pack = f.cfg.DefaultPack
	}

	closing, err := f.mgr.Transition(s, models.PhaseClosing, func(n *models.ConversationSession) {
		n.SelectedPack = pack
		n.ActiveTimerID = ""
	})
	if err != nil {
		f.logTransitionErr(s.ConversationID, err)
		return
	}

	order := models.Order{
		ID:             uuid.NewString(),
		WorkspaceID:    closing.WorkspaceID,
		ConversationID: closing.ConversationID,
		Pack:           pack,
		Status:         "created",
	}
	var contact models.Contact
	if err := f.db.Where("workspace_id = ? AND conversation_id = ?", closing.WorkspaceID, closing.ConversationID).First(&contact).Error; err == nil {
		order.ContactID = contact.ID
	}
	if err := f.db.Create(&order).Error; err != nil {
		log.Printf("Failed to persist order for %s: %v", closing.ConversationID, err)
		return
	}

	out := event.New(event.TypeOrderCreated, closing.WorkspaceID)
	out.ConversationID = closing.ConversationID
	out.OrderID = order.ID
	out.Payload["pack"] = pack
	if err := f.bus.Publish(out); err != nil {
		log.Printf("Failed to publish order.created for %s: %v", order.ID, err)
	}

	if _, err := f.mgr.Transition(closing, models.PhaseClosed, nil); err != nil {
		f.logTransitionErr(s.ConversationID, err)
		return
	}
	f.sendPrompt(closing.WorkspaceID, closing.ConversationID,
		fmt.Sprintf("Your %q pack is confirmed. Our team will be in touch shortly!", pack))
}

// rearm schedules a deadline for nextPhase and commits the transition that
// records the handle. A lost version race cancels the fresh handle again.
func (f *Flow) rearm(s *models.ConversationSession, nextPhase string, deadline time.Duration, mutate func(*models.ConversationSession)) (*models.ConversationSession, bool) {
	handle, err := f.timers.Schedule(s.WorkspaceID, s.ConversationID, nextPhase, time.Now().UTC().Add(deadline))
	if err != nil {
		log.Printf("Failed to schedule %s timer for %s: %v", nextPhase, s.ConversationID, err)
		return nil, false
	}

	next, err := f.mgr.Transition(s, nextPhase, func(n *models.ConversationSession) {
		if mutate != nil {
			mutate(n)
		}
		n.ActiveTimerID = handle.ID
	})
	if err != nil {
		f.timers.Cancel(handle.ID)
		f.logTransitionErr(s.ConversationID, err)
		return nil, false
	}
	return next, true
}

func (f *Flow) nextMissingField(fields map[string]string) string {
	for _, name := range f.cfg.RequiredFields {
		if strings.TrimSpace(fields[name]) == "" {
			return name
		}
	}
	return ""
}

func (f *Flow) promptForNextField(fields map[string]string) string {
	missing := f.nextMissingField(fields)
	if missing == "" {
		return "We have everything we need."
	}
	return fmt.Sprintf("Could you share your %s?", missing)
}

func (f *Flow) sendPrompt(workspaceID, conversationID, text string) {
	if err := f.sender.SendText(conversationID, text); err != nil {
		log.Printf("Failed to send prompt to %s: %v", conversationID, err)
		return
	}
	msg := models.Message{
		WorkspaceID:    workspaceID,
		ConversationID: conversationID,
		Direction:      "out",
		Content:        text,
	}
	if err := f.db.Create(&msg).Error; err != nil {
		log.Printf("Failed to record prompt for %s: %v", conversationID, err)
	}
}

func (f *Flow) logTransitionErr(conversationID string, err error) {
	if errors.Is(err, ErrStaleSession) {
		// Lost the race against a concurrent transition; the winner
		// already moved the session.
		log.Printf("Dropped stale transition for %s", conversationID)
		return
	}
	log.Printf("Session transition failed for %s: %v", conversationID, err)
}

func payloadString(evt event.Event, key string) string {
	if evt.Payload == nil {
		return ""
	}
	if v, ok := evt.Payload[key]; ok {
		return fmt.Sprintf("%v", v)
	}
	return ""
}
