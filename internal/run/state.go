package run

import (
	"fmt"

	"github.com/freema/regforge/internal/apperror"
)

var validTransitions = map[Status][]Status{
	StatusPending:   {StatusRunning, StatusFailed, StatusCancelled},
	StatusRunning:   {StatusSucceeded, StatusFailed, StatusTimedOut, StatusCancelled},
	StatusSucceeded: {},
	StatusFailed:    {},
	StatusTimedOut:  {},
	StatusCancelled: {},
}

// ValidateTransition checks if the transition from current to next status is valid.
func ValidateTransition(current, next Status) error {
	allowed, ok := validTransitions[current]
	if !ok {
		return &apperror.AppError{
			Err:     apperror.ErrInvalidTransition,
			Message: fmt.Sprintf("unknown status: %s", current),
			Status:  409,
		}
	}
	for _, s := range allowed {
		if s == next {
			return nil
		}
	}
	return &apperror.AppError{
		Err:     apperror.ErrInvalidTransition,
		Message: fmt.Sprintf("invalid transition: %s → %s", current, next),
		Status:  409,
	}
}

// IsFinished returns true if the run has reached a terminal state.
func IsFinished(s Status) bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusTimedOut, StatusCancelled:
		return true
	}
	return false
}
