package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"crm-orchestrator/internal/models"

	"gorm.io/gorm"
)

// ErrStaleSession is returned when a transition loses the optimistic-
// concurrency race: the row's version moved since it was read. Callers must
// refetch and decide whether to retry; this is not a terminal failure.
var ErrStaleSession = errors.New("stale_session")

// ErrIllegalTransition is returned for phase changes outside the transition
// table.
var ErrIllegalTransition = errors.New("illegal session transition")

// legalTransitions is the phase table. collecting_data → collecting_data is
// the timeout re-prompt with partial data.
var legalTransitions = map[string][]string{
	models.PhaseIdle:           {models.PhaseCollectingData},
	models.PhaseCollectingData: {models.PhaseCollectingData, models.PhaseOfferingPack, models.PhaseClosed},
	models.PhaseOfferingPack:   {models.PhaseClosing},
	models.PhaseClosing:        {models.PhaseClosed},
	models.PhaseClosed:         {},
}

// Manager owns ConversationSession state. All mutation goes through
// Transition, which enforces the phase table and the version guard; no other
// component writes the sessions table.
type Manager struct {
	db *gorm.DB
}

func NewManager(db *gorm.DB) *Manager {
	return &Manager{db: db}
}

// Get returns the session for a conversation, or gorm.ErrRecordNotFound.
func (m *Manager) Get(workspaceID, conversationID string) (*models.ConversationSession, error) {
	var s models.ConversationSession
	err := m.db.Where("workspace_id = ? AND conversation_id = ?", workspaceID, conversationID).First(&s).Error
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Start opens the sales flow for a conversation: creates the session at idle
// and immediately transitions it to collecting_data. Re-starting an open
// session is a no-op returning the current state; a closed session begins a
// fresh cycle.
func (m *Manager) Start(workspaceID, conversationID string) (*models.ConversationSession, error) {
	existing, err := m.Get(workspaceID, conversationID)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	if existing != nil {
		switch existing.Phase {
		case models.PhaseClosed:
			// New cycle over the same conversation: reset collected state,
			// still guarded by the version check.
			return m.reset(existing)
		case models.PhaseIdle:
			// Left behind by a crash between create and the first
			// transition; pick it up where the interrupted Start stopped.
			return m.Transition(existing, models.PhaseCollectingData, nil)
		default:
			return existing, nil
		}
	}

	s := models.ConversationSession{
		WorkspaceID:    workspaceID,
		ConversationID: conversationID,
		Phase:          models.PhaseIdle,
		Fields:         "{}",
		Version:        0,
	}
	if err := m.db.Create(&s).Error; err != nil {
		return nil, err
	}
	return m.Transition(&s, models.PhaseCollectingData, nil)
}

func (m *Manager) reset(s *models.ConversationSession) (*models.ConversationSession, error) {
	next := *s
	next.Phase = models.PhaseCollectingData
	next.Fields = "{}"
	next.PackOffered = ""
	next.SelectedPack = ""
	next.ActiveTimerID = ""
	next.Version = s.Version + 1

	res := m.db.Model(&models.ConversationSession{}).
		Where("id = ? AND version = ?", s.ID, s.Version).
		Updates(map[string]any{
			"phase":           next.Phase,
			"fields":          next.Fields,
			"pack_offered":    "",
			"selected_pack":   "",
			"active_timer_id": "",
			"version":         next.Version,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("%w: conversation %s", ErrStaleSession, s.ConversationID)
	}
	return &next, nil
}

// Transition atomically moves the session to nextPhase. mutate, if given,
// adjusts collected fields and pack state on the candidate row before the
// write. The update is conditioned on the version read, so of two racing
// writers (timer firing vs. customer reply) exactly one commits.
func (m *Manager) Transition(s *models.ConversationSession, nextPhase string, mutate func(*models.ConversationSession)) (*models.ConversationSession, error) {
	if !transitionAllowed(s.Phase, nextPhase) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, s.Phase, nextPhase)
	}

	next := *s
	next.Phase = nextPhase
	if mutate != nil {
		mutate(&next)
	}
	next.Version = s.Version + 1
	next.UpdatedAt = time.Now().UTC()

	res := m.db.Model(&models.ConversationSession{}).
		Where("id = ? AND version = ?", s.ID, s.Version).
		Updates(map[string]any{
			"phase":           next.Phase,
			"fields":          next.Fields,
			"pack_offered":    next.PackOffered,
			"selected_pack":   next.SelectedPack,
			"active_timer_id": next.ActiveTimerID,
			"version":         next.Version,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("%w: conversation %s at version %d", ErrStaleSession, s.ConversationID, s.Version)
	}
	return &next, nil
}

func transitionAllowed(from, to string) bool {
	for _, allowed := range legalTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ListActive returns non-closed sessions for the admin surface.
func (m *Manager) ListActive(workspaceID string) ([]models.ConversationSession, error) {
	var sessions []models.ConversationSession
	err := m.db.Where("workspace_id = ? AND phase <> ?", workspaceID, models.PhaseClosed).
		Order("updated_at DESC").
		Find(&sessions).Error
	return sessions, err
}

// FieldsMap decodes the collected-fields column; a broken column reads as
// empty rather than failing a transition.
func FieldsMap(s *models.ConversationSession) map[string]string {
	fields := map[string]string{}
	if s.Fields != "" {
		json.Unmarshal([]byte(s.Fields), &fields)
	}
	return fields
}

// EncodeFields is the inverse of FieldsMap.
func EncodeFields(fields map[string]string) string {
	raw, err := json.Marshal(fields)
	if err != nil {
		return "{}"
	}
	return string(raw)
}
