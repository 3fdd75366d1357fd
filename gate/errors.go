package gate

import (
	"fmt"

	"github.com/zllovesuki/schoolplan/subscription"
)

// NotEntitledError is the denial of a school whose subscription does not permit product use
type NotEntitledError struct {
	SchoolID string
	Status   subscription.Status
}

func (e *NotEntitledError) Error() string {
	if e.Status == "" {
		return fmt.Sprintf("school %s has no subscription", e.SchoolID)
	}
	return fmt.Sprintf("school %s is not entitled while %s", e.SchoolID, e.Status)
}

// PlanRestrictionError is the denial of a capability the school's plan does not include
type PlanRestrictionError struct {
	SchoolID   string
	PlanID     string
	Capability Capability
}

func (e *PlanRestrictionError) Error() string {
	return fmt.Sprintf("plan %s of school %s does not include %s", e.PlanID, e.SchoolID, e.Capability)
}
