package plan

import (
	"errors"
	"fmt"
)

// ErrPlanNotFound is returned when no plan with the requested id (or version) exists
var ErrPlanNotFound = errors.New("plan not found")

// ValidationError represents malformed configuration or input that was rejected before anything was applied
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Message)
}

// IsValidationError reports whether err is, or wraps, a *ValidationError
func IsValidationError(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
