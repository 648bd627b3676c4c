package automation

import (
	"errors"

	"crm-orchestrator/internal/messaging"
)

// Error taxonomy for action execution. Validation errors are never retried
// and halt the remaining chain; transient errors are retried with bounded
// backoff before counting as terminal.
var (
	ErrValidation = errors.New("validation error")
	ErrTransient  = errors.New("transient external error")
)

func isRetryable(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, messaging.ErrUnavailable)
}
