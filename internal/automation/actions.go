package automation

import (
	"encoding/json"
	"fmt"
)

// Closed set of action types. Anything else fails validation at save time
// instead of surprising the executor mid-run.
const (
	ActionSendMessage = "send_message"
	ActionAddTag      = "add_tag"
	ActionCreateTask  = "create_task"
	ActionChangeStage = "change_stage"
	ActionWebhook     = "webhook"
	ActionWait        = "wait"
)

// Action is one step in an automation's ordered action list. Ordinal defines
// execution order and doubles as half of the idempotency key.
type Action struct {
	Type         string         `json:"type"`
	Ordinal      int            `json:"ordinal"`
	Params       map[string]any `json:"params,omitempty"`
	DelaySeconds int            `json:"delay_seconds,omitempty"`
}

// Terminal and intermediate outcomes recorded per action attempt.
const (
	OutcomeSuccess   = "success"
	OutcomeFailed    = "failed"
	OutcomeRetry     = "retry"
	OutcomeDeferred  = "deferred"
	OutcomeDuplicate = "duplicate_suppressed"
)

// requiredParams maps each action type to the params it cannot run without.
var requiredParams = map[string][]string{
	ActionSendMessage: {"message"},
	ActionAddTag:      {"tag"},
	ActionCreateTask:  {"title"},
	ActionChangeStage: {"stage_id"},
	ActionWebhook:     {"url"},
	ActionWait:        {},
}

// ValidateActions checks the list at save time: known types, required
// params, count cap, and contiguous ordinals starting at zero.
func ValidateActions(actions []Action, maxActions int) error {
	if len(actions) == 0 {
		return fmt.Errorf("%w: automation has no actions", ErrValidation)
	}
	if maxActions > 0 && len(actions) > maxActions {
		return fmt.Errorf("%w: automation has %d actions, limit is %d", ErrValidation, len(actions), maxActions)
	}
	for i, a := range actions {
		if a.Ordinal != i {
			return fmt.Errorf("%w: action ordinals must be contiguous from 0, got %d at position %d", ErrValidation, a.Ordinal, i)
		}
		required, known := requiredParams[a.Type]
		if !known {
			return fmt.Errorf("%w: unknown action type %q", ErrValidation, a.Type)
		}
		for _, p := range required {
			if _, ok := a.Params[p]; !ok {
				return fmt.Errorf("%w: action %q missing param %q", ErrValidation, a.Type, p)
			}
		}
		if a.Type == ActionWait && a.DelaySeconds <= 0 {
			return fmt.Errorf("%w: wait action requires a positive delay", ErrValidation)
		}
	}
	return nil
}

// DecodeActions parses the stored JSON action list.
func DecodeActions(raw string) ([]Action, error) {
	if raw == "" {
		return nil, fmt.Errorf("%w: empty action list", ErrValidation)
	}
	var actions []Action
	if err := json.Unmarshal([]byte(raw), &actions); err != nil {
		return nil, fmt.Errorf("%w: malformed action list: %v", ErrValidation, err)
	}
	return actions, nil
}

// DecodeConditions parses the stored JSON condition tree. An empty column
// means "no conditions", which evaluates to true.
func DecodeConditions(raw string) (ConditionGroup, error) {
	if raw == "" {
		return ConditionGroup{}, nil
	}
	var group ConditionGroup
	if err := json.Unmarshal([]byte(raw), &group); err != nil {
		return ConditionGroup{}, fmt.Errorf("%w: malformed condition tree: %v", ErrValidation, err)
	}
	return group, nil
}

func (a Action) paramString(key string) string {
	if a.Params == nil {
		return ""
	}
	v, ok := a.Params[key]
	if !ok {
		return ""
	}
	return coerceString(v)
}
