package subscription

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when the school has no subscription record
var ErrNotFound = errors.New("subscription not found")

// TrialAlreadyUsedError is returned when a school that already consumed its trial asks for another one
type TrialAlreadyUsedError struct {
	SchoolID string
}

func (e *TrialAlreadyUsedError) Error() string {
	return fmt.Sprintf("school %s has already used its trial", e.SchoolID)
}

// NotCancellableError is returned by Reactivate when there is no cancellation to undo
type NotCancellableError struct {
	SchoolID string
	Status   Status
}

func (e *NotCancellableError) Error() string {
	return fmt.Sprintf("subscription of school %s cannot be reactivated from %s", e.SchoolID, e.Status)
}

// InvalidTransitionError is returned when an explicit action is not allowed from the current status
type InvalidTransitionError struct {
	SchoolID string
	Status   Status
	Trigger  Trigger
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("%s is not allowed while subscription of school %s is %s", e.Trigger, e.SchoolID, e.Status)
}
