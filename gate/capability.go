package gate

import "github.com/zllovesuki/schoolplan/plan"

// Capability is something a school may ask to do. Feature capabilities are read-only
// checks; resource capabilities reserve usage when granted.
type Capability string

// Defining the resource capabilities
const (
	AddStudent           Capability = "add_student"
	AddTeacher           Capability = "add_teacher"
	AddClass             Capability = "add_class"
	StoreFile            Capability = "store_file"
	ExportReport         Capability = "export_report"
	CreateCustomTemplate Capability = "create_custom_template"
)

type resourceRule struct {
	resource plan.Resource
	requires plan.Feature // Optional feature the plan must also grant
}

var resourceCapabilities = map[Capability]resourceRule{
	AddStudent:           {resource: plan.Students},
	AddTeacher:           {resource: plan.Teachers},
	AddClass:             {resource: plan.Classes},
	StoreFile:            {resource: plan.Storage},
	ExportReport:         {resource: plan.MonthlyExports},
	CreateCustomTemplate: {resource: plan.CustomTemplates, requires: plan.Templates},
}

// Feature returns the capability of using a plan feature
func Feature(f plan.Feature) Capability {
	return Capability(f)
}

func (c Capability) feature() (plan.Feature, bool) {
	f := plan.Feature(c)
	return f, f.IsKnown()
}

func (c Capability) resource() (resourceRule, bool) {
	rule, ok := resourceCapabilities[c]
	return rule, ok
}

// Reason explains a denial
type Reason string

// Defining the denial reasons
const (
	ReasonNotEntitled     Reason = "not_entitled"
	ReasonPlanRestriction Reason = "plan_restriction"
	ReasonLimitExceeded   Reason = "limit_exceeded"
)
