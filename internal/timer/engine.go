// Package timer is the durable scheduler behind session phase deadlines.
// A pending deadline is a TimerHandle row plus a re-armed in-memory timer,
// not a blocked goroutine, so any number of sessions can wait without
// holding workers, and a restart re-arms everything from storage.
package timer

import (
	"fmt"
	"log"
	"sync"
	"time"

	"crm-orchestrator/internal/keylock"
	"crm-orchestrator/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// OnFire delivers one fired handle, serialized per conversation through the
// same limiter as inbound events. Delivery is at-least-once: a handle is only
// claimed fired after OnFire returns nil, so consumers dedupe via the session
// version guard and the active-timer check.
type OnFire func(handle models.TimerHandle) error

// fireRetryDelay spaces out redelivery attempts after a failed OnFire.
const fireRetryDelay = 15 * time.Second

type Engine struct {
	db      *gorm.DB
	limiter *keylock.KeyLock
	onFire  OnFire

	mu     sync.Mutex
	timers map[string]*time.Timer
}

func NewEngine(db *gorm.DB, limiter *keylock.KeyLock, onFire OnFire) *Engine {
	return &Engine{
		db:      db,
		limiter: limiter,
		onFire:  onFire,
		timers:  make(map[string]*time.Timer),
	}
}

// Schedule persists a pending handle and arms it. Any pending handle for the
// same conversation is cancelled first, so at most one exists per
// conversation at any time.
func (e *Engine) Schedule(workspaceID, conversationID, phase string, deadline time.Time) (*models.TimerHandle, error) {
	if err := e.CancelForConversation(conversationID); err != nil {
		return nil, err
	}

	handle := models.TimerHandle{
		ID:             uuid.NewString(),
		WorkspaceID:    workspaceID,
		ConversationID: conversationID,
		Phase:          phase,
		Deadline:       deadline.UTC(),
		Status:         models.TimerPending,
	}
	if err := e.db.Create(&handle).Error; err != nil {
		return nil, fmt.Errorf("failed to persist timer handle: %w", err)
	}

	e.arm(handle)
	return &handle, nil
}

// Cancel marks a pending handle cancelled. Returns false without touching
// anything if the handle already fired or was cancelled; the session version
// guard is the final backstop against a double transition.
func (e *Engine) Cancel(timerID string) bool {
	res := e.db.Model(&models.TimerHandle{}).
		Where("id = ? AND status = ?", timerID, models.TimerPending).
		Update("status", models.TimerCancelled)
	if res.Error != nil {
		log.Printf("Failed to cancel timer %s: %v", timerID, res.Error)
		return false
	}
	if res.RowsAffected == 0 {
		return false
	}
	e.disarm(timerID)
	return true
}

// CancelForConversation cancels every pending handle for a conversation.
func (e *Engine) CancelForConversation(conversationID string) error {
	var pending []models.TimerHandle
	err := e.db.Where("conversation_id = ? AND status = ?", conversationID, models.TimerPending).
		Find(&pending).Error
	if err != nil {
		return err
	}
	for _, h := range pending {
		e.Cancel(h.ID)
	}
	return nil
}

// Reload re-arms all pending handles from storage after a restart. Deadlines
// already in the past fire immediately.
func (e *Engine) Reload() error {
	var pending []models.TimerHandle
	if err := e.db.Where("status = ?", models.TimerPending).Find(&pending).Error; err != nil {
		return fmt.Errorf("failed to reload timer handles: %w", err)
	}
	for _, h := range pending {
		e.arm(h)
	}
	if len(pending) > 0 {
		log.Printf("Re-armed %d pending timer(s)", len(pending))
	}
	return nil
}

// Stop disarms all in-memory timers. Pending rows stay in storage for the
// next Reload.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, t := range e.timers {
		t.Stop()
		delete(e.timers, id)
	}
}

func (e *Engine) arm(h models.TimerHandle) {
	delay := time.Until(h.Deadline)
	if delay < 0 {
		delay = 0
	}
	e.mu.Lock()
	e.timers[h.ID] = time.AfterFunc(delay, func() { e.fire(h.ID) })
	e.mu.Unlock()
}

func (e *Engine) disarm(timerID string) {
	e.mu.Lock()
	if t, ok := e.timers[timerID]; ok {
		t.Stop()
		delete(e.timers, timerID)
	}
	e.mu.Unlock()
}

// fire delivers the deadline and only then claims the handle fired. A crash
// or delivery failure before the claim leaves the row pending, so the retry
// below or the next Reload delivers it again; a Cancel racing the delivery is
// resolved downstream by the active-timer check and the session version guard.
func (e *Engine) fire(timerID string) {
	var handle models.TimerHandle
	err := e.db.Where("id = ? AND status = ?", timerID, models.TimerPending).First(&handle).Error
	if err != nil {
		e.disarm(timerID) // cancelled or already claimed
		return
	}

	var deliverErr error
	e.limiter.WithLock(handle.ConversationID, func() {
		deliverErr = e.onFire(handle)
	})
	if deliverErr != nil {
		log.Printf("Timer %s delivery failed, retrying in %s: %v", timerID, fireRetryDelay, deliverErr)
		e.mu.Lock()
		e.timers[timerID] = time.AfterFunc(fireRetryDelay, func() { e.fire(timerID) })
		e.mu.Unlock()
		return
	}

	res := e.db.Model(&models.TimerHandle{}).
		Where("id = ? AND status = ?", timerID, models.TimerPending).
		Update("status", models.TimerFired)
	if res.Error != nil {
		log.Printf("Failed to claim timer %s after delivery: %v", timerID, res.Error)
	}
	e.disarm(timerID)
}

// Pending returns pending handles for the admin surface.
func (e *Engine) Pending(workspaceID string) ([]models.TimerHandle, error) {
	var handles []models.TimerHandle
	err := e.db.Where("workspace_id = ? AND status = ?", workspaceID, models.TimerPending).
		Order("deadline ASC").
		Find(&handles).Error
	return handles, err
}
