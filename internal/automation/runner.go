package automation

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"crm-orchestrator/internal/config"
	"crm-orchestrator/internal/event"
	"crm-orchestrator/internal/keylock"
	"crm-orchestrator/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ExecutionSummary reports the outcome of one automation against one event.
// Skipped automations (condition false, malformed config) appear here but
// produce no execution row.
type ExecutionSummary struct {
	AutomationID uint   `json:"automation_id"`
	ExecutionID  string `json:"execution_id,omitempty"`
	Status       string `json:"status"`
	Error        string `json:"error,omitempty"`
}

// Runner orchestrates automation runs for incoming events: load applicable
// automations, evaluate conditions, execute the action chain in ordinal
// order, and persist the execution record.
type Runner struct {
	db   *gorm.DB
	exec *Executor
	bus  event.Bus
	cfg  *config.Config
}

func NewRunner(db *gorm.DB, exec *Executor, bus event.Bus, cfg *config.Config) *Runner {
	return &Runner{db: db, exec: exec, bus: bus, cfg: cfg}
}

// Bind subscribes the runner to every business event type, serialized per
// conversation through the limiter. Automation failures never block the
// triggering event: Run logs and swallows everything.
func (r *Runner) Bind(bus event.Bus, limiter *keylock.KeyLock) error {
	types := []string{
		event.TypeMessageReceived,
		event.TypeOrderCreated,
		event.TypeStageChanged,
		event.TypeTagApplied,
		event.TypeSessionTimeout,
		event.TypeAutomationResume,
	}
	for _, t := range types {
		if err := bus.Subscribe(t, func(evt event.Event) error {
			limiter.WithLock(evt.ConversationID, func() {
				r.Run(evt)
			})
			return nil
		}); err != nil {
			return err
		}
	}
	return nil
}

// Run evaluates and executes every enabled automation matching the event.
func (r *Runner) Run(evt event.Event) []ExecutionSummary {
	if evt.Type == event.TypeAutomationResume {
		return r.resume(evt)
	}

	var automations []models.Automation
	err := r.db.
		Where("workspace_id = ? AND trigger_type = ? AND enabled = ?", evt.WorkspaceID, evt.Type, true).
		Order("id ASC").
		Limit(r.cfg.MaxAutomationsPerWorkspace).
		Find(&automations).Error
	if err != nil {
		log.Printf("Failed to load automations for %s/%s: %v", evt.WorkspaceID, evt.Type, err)
		return nil
	}
	if len(automations) == 0 {
		return nil
	}

	ctx := BuildContext(r.db, evt)

	summaries := make([]ExecutionSummary, 0, len(automations))
	for _, a := range automations {
		summaries = append(summaries, r.runOne(a, ctx, evt))
	}
	return summaries
}

func (r *Runner) runOne(a models.Automation, ctx map[string]any, evt event.Event) ExecutionSummary {
	if !r.matchesTrigger(a, ctx) {
		return ExecutionSummary{AutomationID: a.ID, Status: models.ExecutionSkipped}
	}

	conditions, err := DecodeConditions(a.Conditions)
	if err != nil {
		log.Printf("Warning: automation %d has a malformed condition tree, skipping: %v", a.ID, err)
		return ExecutionSummary{AutomationID: a.ID, Status: models.ExecutionSkipped, Error: err.Error()}
	}
	// Condition false: no execution row on purpose, to bound audit growth.
	if !conditions.Evaluate(ctx) {
		return ExecutionSummary{AutomationID: a.ID, Status: models.ExecutionSkipped}
	}

	actions, err := DecodeActions(a.Actions)
	if err == nil {
		err = ValidateActions(actions, r.cfg.MaxActionsPerAutomation)
	}
	if err != nil {
		log.Printf("Warning: automation %d has a malformed action list, skipping: %v", a.ID, err)
		return ExecutionSummary{AutomationID: a.ID, Status: models.ExecutionSkipped, Error: err.Error()}
	}

	// The execution row is the idempotency anchor: one per (automation,
	// event), created before any side effect. Redelivery finds it instead
	// of creating a second one.
	execution, created, err := r.findOrCreateExecution(a, evt)
	if err != nil {
		log.Printf("Failed to create execution for automation %d: %v", a.ID, err)
		return ExecutionSummary{AutomationID: a.ID, Status: models.ExecutionFailed, Error: err.Error()}
	}
	if !created && execution.FinishedAt != nil {
		return ExecutionSummary{AutomationID: a.ID, ExecutionID: execution.ID, Status: execution.Status}
	}

	status := r.executeChain(execution.ID, actions, 0, ctx, evt)
	if status != models.ExecutionRunning {
		r.finishExecution(execution.ID, status)
	}
	return ExecutionSummary{AutomationID: a.ID, ExecutionID: execution.ID, Status: status}
}

// matchesTrigger applies the trigger-kind-specific filter, e.g. a stage
// automation bound to one target stage id.
func (r *Runner) matchesTrigger(a models.Automation, ctx map[string]any) bool {
	if a.TriggerConfig == "" {
		return true
	}
	var filter map[string]any
	if err := json.Unmarshal([]byte(a.TriggerConfig), &filter); err != nil {
		log.Printf("Warning: automation %d has malformed trigger config, skipping: %v", a.ID, err)
		return false
	}
	for key, want := range filter {
		got, present := ctx[key]
		if !present || coerceString(got) != coerceString(want) {
			return false
		}
	}
	return true
}

func (r *Runner) findOrCreateExecution(a models.Automation, evt event.Event) (*models.AutomationExecution, bool, error) {
	var existing models.AutomationExecution
	err := r.db.Where("automation_id = ? AND event_id = ?", a.ID, evt.ID).First(&existing).Error
	if err == nil {
		return &existing, false, nil
	}

	execution := models.AutomationExecution{
		ID:           uuid.NewString(),
		WorkspaceID:  a.WorkspaceID,
		AutomationID: a.ID,
		EventID:      evt.ID,
		Status:       models.ExecutionRunning,
		StartedAt:    time.Now().UTC(),
	}
	if err := r.db.Create(&execution).Error; err != nil {
		// Lost a concurrent-create race on the unique (automation_id,
		// event_id) index; the other worker's row is the anchor.
		if ferr := r.db.Where("automation_id = ? AND event_id = ?", a.ID, evt.ID).First(&existing).Error; ferr == nil {
			return &existing, false, nil
		}
		return nil, false, err
	}
	return &execution, true, nil
}

// executeChain runs actions strictly in ordinal order starting at from. It
// returns the execution status, or "running" when a wait deferred the rest
// of the chain to a re-entry event.
func (r *Runner) executeChain(executionID string, actions []Action, from int, ctx map[string]any, evt event.Event) string {
	succeeded := 0
	for _, action := range actions {
		if action.Ordinal < from {
			succeeded++
			continue
		}

		outcome := r.exec.Execute(executionID, action, ctx, evt)
		switch outcome.Status {
		case OutcomeSuccess, OutcomeDuplicate:
			succeeded++

		case OutcomeDeferred:
			// Already-deferred on replay means the re-entry event is (or
			// was) in flight; idempotency keys make the overlap safe.
			if outcome.Duplicate {
				succeeded++
				continue
			}
			if err := r.publishResume(executionID, action, evt); err != nil {
				log.Printf("Failed to schedule resume for %s: %v", executionID, err)
				return models.ExecutionPartial
			}
			return models.ExecutionRunning

		default:
			if succeeded > 0 {
				return models.ExecutionPartial
			}
			return models.ExecutionFailed
		}
	}
	return models.ExecutionSuccess
}

func (r *Runner) publishResume(executionID string, action Action, evt event.Event) error {
	raw, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	resume := event.New(event.TypeAutomationResume, evt.WorkspaceID)
	resume.ConversationID = evt.ConversationID
	resume.Payload["execution_id"] = executionID
	resume.Payload["resume_ordinal"] = action.Ordinal + 1
	resume.Payload["source_event"] = string(raw)
	return r.bus.PublishAfter(resume, time.Duration(action.DelaySeconds)*time.Second)
}

// resume continues a deferred execution at the recorded ordinal.
func (r *Runner) resume(evt event.Event) []ExecutionSummary {
	executionID := coerceString(evt.Payload["execution_id"])
	ordinal, _ := coerceFloat(evt.Payload["resume_ordinal"])

	var source event.Event
	if err := json.Unmarshal([]byte(coerceString(evt.Payload["source_event"])), &source); err != nil {
		log.Printf("Dropping resume event %s with undecodable source event: %v", evt.ID, err)
		return nil
	}

	var execution models.AutomationExecution
	if err := r.db.Where("id = ?", executionID).First(&execution).Error; err != nil {
		log.Printf("Dropping resume event for unknown execution %s: %v", executionID, err)
		return nil
	}
	if execution.FinishedAt != nil {
		return []ExecutionSummary{{AutomationID: execution.AutomationID, ExecutionID: execution.ID, Status: execution.Status}}
	}

	var a models.Automation
	if err := r.db.Where("id = ?", execution.AutomationID).First(&a).Error; err != nil {
		log.Printf("Dropping resume event for missing automation %d: %v", execution.AutomationID, err)
		return nil
	}
	actions, err := DecodeActions(a.Actions)
	if err != nil {
		log.Printf("Warning: automation %d action list no longer decodes, failing execution %s: %v", a.ID, execution.ID, err)
		r.finishExecution(execution.ID, models.ExecutionFailed)
		return []ExecutionSummary{{AutomationID: a.ID, ExecutionID: execution.ID, Status: models.ExecutionFailed, Error: err.Error()}}
	}

	ctx := BuildContext(r.db, source)
	status := r.executeChain(execution.ID, actions, int(ordinal), ctx, source)
	if status != models.ExecutionRunning {
		r.finishExecution(execution.ID, status)
	}
	return []ExecutionSummary{{AutomationID: a.ID, ExecutionID: execution.ID, Status: status}}
}

// finishExecution stamps the terminal status once; the row is immutable
// after finished_at is set.
func (r *Runner) finishExecution(executionID, status string) {
	now := time.Now().UTC()
	err := r.db.Model(&models.AutomationExecution{}).
		Where("id = ? AND status = ?", executionID, models.ExecutionRunning).
		Updates(map[string]any{"status": status, "finished_at": now}).Error
	if err != nil {
		log.Printf("Failed to finish execution %s: %v", executionID, err)
	}
}

// History returns finished and running executions for a workspace, newest
// first, with their action logs. Read contract used by the admin surface.
func (r *Runner) History(workspaceID string, page, pageSize int) ([]models.AutomationExecution, map[string][]models.ActionLog, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 200 {
		pageSize = 50
	}

	var executions []models.AutomationExecution
	err := r.db.Where("workspace_id = ?", workspaceID).
		Order("started_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&executions).Error
	if err != nil {
		return nil, nil, err
	}

	logs := make(map[string][]models.ActionLog, len(executions))
	for _, e := range executions {
		var rows []models.ActionLog
		if err := r.db.Where("execution_id = ?", e.ID).Order("ordinal ASC, attempt ASC").Find(&rows).Error; err != nil {
			return nil, nil, err
		}
		logs[e.ID] = rows
	}
	return executions, logs, nil
}

// Validate checks an automation's condition tree and action list. Called by
// the save path so malformed config is rejected before it can ever run.
func Validate(a models.Automation, maxActions int) error {
	conditions, err := DecodeConditions(a.Conditions)
	if err != nil {
		return err
	}
	if err := conditions.Validate(); err != nil {
		return err
	}
	actions, err := DecodeActions(a.Actions)
	if err != nil {
		return err
	}
	if a.TriggerConfig != "" {
		var filter map[string]any
		if err := json.Unmarshal([]byte(a.TriggerConfig), &filter); err != nil {
			return fmt.Errorf("%w: malformed trigger config: %v", ErrValidation, err)
		}
	}
	return ValidateActions(actions, maxActions)
}
