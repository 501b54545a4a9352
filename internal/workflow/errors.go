package workflow

import (
	"errors"
	"fmt"

	"github.com/abparts/troubleshoot/internal/storage/models"
)

// ErrInvalidInput marks requests rejected before any state is touched.
var ErrInvalidInput = errors.New("invalid input")

// StaleStepError is returned for feedback on a step that is no longer the
// open step. Clients should refetch the session.
type StaleStepError struct {
	SessionID string
	StepID    string
}

func (e *StaleStepError) Error() string {
	return fmt.Sprintf("step %s is not the open step of session %s", e.StepID, e.SessionID)
}

// SessionClosedError is returned for any action on a terminal session.
type SessionClosedError struct {
	SessionID string
	Status    models.SessionStatus
}

func (e *SessionClosedError) Error() string {
	if e.Status == "" {
		return fmt.Sprintf("session %s is closed", e.SessionID)
	}
	return fmt.Sprintf("session %s is closed (%s)", e.SessionID, e.Status)
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

func IsStaleStep(err error) bool {
	var target *StaleStepError
	return errors.As(err, &target)
}

func IsSessionClosed(err error) bool {
	var target *SessionClosedError
	return errors.As(err, &target)
}
