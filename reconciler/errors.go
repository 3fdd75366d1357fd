package reconciler

import "fmt"

// UnknownTenantError is returned when an event cannot be attributed to a known school
type UnknownTenantError struct {
	EventID    string
	SchoolID   string
	CustomerID string
}

func (e *UnknownTenantError) Error() string {
	return fmt.Sprintf("event %s does not belong to a known school (school: %q, customer: %q)", e.EventID, e.SchoolID, e.CustomerID)
}

// InvalidEventError is returned for events that are malformed or cannot be applied
type InvalidEventError struct {
	EventID string
	Message string
}

func (e *InvalidEventError) Error() string {
	return fmt.Sprintf("event %s is invalid: %s", e.EventID, e.Message)
}
