package models

import (
	"time"
)

// Execution statuses for one automation run.
const (
	ExecutionRunning = "running"
	ExecutionSuccess = "success"
	ExecutionPartial = "partial"
	ExecutionFailed  = "failed"
	ExecutionSkipped = "skipped"
)

// Sales session phases.
const (
	PhaseIdle           = "idle"
	PhaseCollectingData = "collecting_data"
	PhaseOfferingPack   = "offering_pack"
	PhaseClosing        = "closing"
	PhaseClosed         = "closed"
)

// Timer handle statuses.
const (
	TimerPending   = "pending"
	TimerFired     = "fired"
	TimerCancelled = "cancelled"
)

// Automation is a user-defined trigger/condition/action rule. The engine
// reads it at evaluation time; editing happens in the configuration UI.
type Automation struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	WorkspaceID   string    `gorm:"type:varchar(64);not null;index" json:"workspace_id"`
	Name          string    `gorm:"type:varchar(255);not null" json:"name"`
	Enabled       bool      `gorm:"default:true" json:"enabled"`
	TriggerType   string    `gorm:"type:varchar(50);not null;index" json:"trigger_type"`
	TriggerConfig string    `gorm:"type:text" json:"trigger_config"` // JSON, trigger-kind specific filter
	Conditions    string    `gorm:"type:text" json:"conditions"`     // JSON ConditionGroup tree
	Actions       string    `gorm:"type:text" json:"actions"`        // JSON ordered action list
	FolderID      string    `gorm:"type:varchar(64)" json:"folder_id"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Automation) TableName() string {
	return "automations"
}

// AutomationExecution is the audit record for one run of one automation
// against one triggering event. The row is created before any side effect
// and is the idempotency anchor; the unique (automation_id, event_id) index
// guarantees at most one anchor even across concurrent workers.
type AutomationExecution struct {
	ID           string     `gorm:"primaryKey;type:varchar(64)" json:"id"`
	WorkspaceID  string     `gorm:"type:varchar(64);not null;index" json:"workspace_id"`
	AutomationID uint       `gorm:"not null;uniqueIndex:idx_executions_automation_event" json:"automation_id"`
	EventID      string     `gorm:"type:varchar(64);not null;uniqueIndex:idx_executions_automation_event" json:"event_id"`
	Status       string     `gorm:"type:varchar(20);not null" json:"status"`
	StartedAt    time.Time  `gorm:"not null" json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at"`
}

func (AutomationExecution) TableName() string {
	return "automation_executions"
}

// ActionLog records one attempt of one action within an execution.
type ActionLog struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	ExecutionID string    `gorm:"type:varchar(64);not null;index:idx_action_logs_exec_ordinal" json:"execution_id"`
	Ordinal     int       `gorm:"not null;index:idx_action_logs_exec_ordinal" json:"ordinal"`
	Attempt     int       `gorm:"not null" json:"attempt"`
	Outcome     string    `gorm:"type:varchar(30);not null" json:"outcome"`
	Error       string    `gorm:"type:text" json:"error"`
	DurationMS  int64     `json:"duration_ms"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (ActionLog) TableName() string {
	return "action_logs"
}

// ConversationSession is the per-conversation sales-flow state. Mutated only
// through the session manager; Version increments on every transition and
// guards against stale writers.
type ConversationSession struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	WorkspaceID    string    `gorm:"type:varchar(64);not null;index" json:"workspace_id"`
	ConversationID string    `gorm:"type:varchar(64);not null;uniqueIndex" json:"conversation_id"`
	Phase          string    `gorm:"type:varchar(20);not null" json:"phase"`
	Fields         string    `gorm:"type:text" json:"fields"` // JSON collected-fields map
	PackOffered    string    `gorm:"type:varchar(64)" json:"pack_offered"`
	SelectedPack   string    `gorm:"type:varchar(64)" json:"selected_pack"`
	ActiveTimerID  string    `gorm:"type:varchar(64)" json:"active_timer_id"`
	Version        int       `gorm:"not null;default:0" json:"version"`
	StartedAt      time.Time `gorm:"autoCreateTime" json:"started_at"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (ConversationSession) TableName() string {
	return "conversation_sessions"
}

// TimerHandle is a scheduled, cancellable deadline tied to a session phase.
// At most one pending handle exists per conversation.
type TimerHandle struct {
	ID             string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	WorkspaceID    string    `gorm:"type:varchar(64);not null;index" json:"workspace_id"`
	ConversationID string    `gorm:"type:varchar(64);not null;index" json:"conversation_id"`
	Phase          string    `gorm:"type:varchar(20);not null" json:"phase"`
	Deadline       time.Time `gorm:"not null" json:"deadline"`
	Status         string    `gorm:"type:varchar(20);not null;index" json:"status"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (TimerHandle) TableName() string {
	return "timer_handles"
}

// Contact is a CRM contact reachable over the messaging channel.
type Contact struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	WorkspaceID    string    `gorm:"type:varchar(64);not null;index" json:"workspace_id"`
	ConversationID string    `gorm:"type:varchar(64);not null;uniqueIndex" json:"conversation_id"`
	Name           string    `gorm:"type:varchar(255)" json:"name"`
	Phone          string    `gorm:"type:varchar(50)" json:"phone"`
	Email          string    `gorm:"type:varchar(255)" json:"email"`
	City           string    `gorm:"type:varchar(255)" json:"city"`
	Tags           string    `gorm:"type:text" json:"tags"` // JSON string array
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Contact) TableName() string {
	return "contacts"
}

// Order is a sales order created when a session closes.
type Order struct {
	ID             string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	WorkspaceID    string    `gorm:"type:varchar(64);not null;index" json:"workspace_id"`
	ConversationID string    `gorm:"type:varchar(64);index" json:"conversation_id"`
	ContactID      uint      `gorm:"index" json:"contact_id"`
	StageID        string    `gorm:"type:varchar(64)" json:"stage_id"`
	Pack           string    `gorm:"type:varchar(64)" json:"pack"`
	TotalValue     int64     `json:"total_value"`
	Status         string    `gorm:"type:varchar(20)" json:"status"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Order) TableName() string {
	return "orders"
}

// Task is a follow-up item created by the create_task action.
type Task struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	WorkspaceID string     `gorm:"type:varchar(64);not null;index" json:"workspace_id"`
	ContactID   uint       `gorm:"index" json:"contact_id"`
	Title       string     `gorm:"type:varchar(255);not null" json:"title"`
	Description string     `gorm:"type:text" json:"description"`
	DueAt       *time.Time `json:"due_at"`
	Status      string     `gorm:"type:varchar(20);default:'open'" json:"status"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
}

func (Task) TableName() string {
	return "tasks"
}

// Message is a channel message, inbound or outbound.
type Message struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	WorkspaceID    string    `gorm:"type:varchar(64);not null;index" json:"workspace_id"`
	ConversationID string    `gorm:"type:varchar(64);not null;index" json:"conversation_id"`
	Direction      string    `gorm:"type:varchar(10);not null" json:"direction"` // in | out
	Content        string    `gorm:"type:text" json:"content"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (Message) TableName() string {
	return "messages"
}
