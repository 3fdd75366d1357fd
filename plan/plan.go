package plan

import (
	"sort"
	"time"
)

// Unlimited is the sentinel limit value meaning "no cap"
const Unlimited int64 = -1

// Interval is the billing frequency of a Plan
type Interval string

// Defining the supported billing intervals
const (
	Monthly Interval = "month"
	Yearly  Interval = "year"
)

// AddTo returns t advanced by one billing interval
func (i Interval) AddTo(t time.Time) time.Time {
	switch i {
	case Yearly:
		return t.AddDate(1, 0, 0)
	default:
		return t.AddDate(0, 1, 0)
	}
}

// Resource identifies a countable, limited resource of a tenant
type Resource string

// Defining the limited resources
const (
	Students        Resource = "students"
	Teachers        Resource = "teachers"
	Classes         Resource = "classes"
	Storage         Resource = "storage"
	MonthlyExports  Resource = "monthly_exports"
	CustomTemplates Resource = "custom_templates"
)

// Resources lists every limited resource in display order
var Resources = []Resource{Students, Teachers, Classes, Storage, MonthlyExports, CustomTemplates}

const bytesPerGB int64 = 1 << 30

// MaxStorageGB caps StorageGB so its size in bytes fits an int64 counter
const MaxStorageGB = 1 << 20

// Limits describes the numeric caps of a Plan. Each value is >= 0 or Unlimited.
type Limits struct {
	MaxStudents     int64 `json:"maxStudents" validate:"min=-1"`
	MaxTeachers     int64 `json:"maxTeachers" validate:"min=-1"`
	MaxClasses      int64 `json:"maxClasses" validate:"min=-1"`
	StorageGB       int64 `json:"storageGB" validate:"min=-1,max=1048576"`
	MonthlyExports  int64 `json:"monthlyExports" validate:"min=-1"`
	CustomTemplates int64 `json:"customTemplates" validate:"min=-1"`
}

// For returns the limit of r expressed in the unit the usage counter uses
// (bytes for Storage). The second return value is false for unknown resources.
func (l Limits) For(r Resource) (int64, bool) {
	switch r {
	case Students:
		return l.MaxStudents, true
	case Teachers:
		return l.MaxTeachers, true
	case Classes:
		return l.MaxClasses, true
	case Storage:
		if l.StorageGB == Unlimited {
			return Unlimited, true
		}
		return l.StorageGB * bytesPerGB, true
	case MonthlyExports:
		return l.MonthlyExports, true
	case CustomTemplates:
		return l.CustomTemplates, true
	}
	return 0, false
}

// Feature is a boolean capability flag granted by a Plan
type Feature string

// Defining the known feature flags
const (
	Materials         Feature = "materials"
	Templates         Feature = "templates"
	Assignments       Feature = "assignments"
	BasicAnalytics    Feature = "basicAnalytics"
	FinanceModule     Feature = "financeModule"
	AdvancedAnalytics Feature = "advancedAnalytics"
	PrioritySupport   Feature = "prioritySupport"
	CustomBranding    Feature = "customBranding"
	APIAccess         Feature = "apiAccess"
	WhiteLabeling     Feature = "whiteLabeling"
)

var knownFeatures = map[Feature]bool{
	Materials:         true,
	Templates:         true,
	Assignments:       true,
	BasicAnalytics:    true,
	FinanceModule:     true,
	AdvancedAnalytics: true,
	PrioritySupport:   true,
	CustomBranding:    true,
	APIAccess:         true,
	WhiteLabeling:     true,
}

// IsKnown reports whether f is one of the defined feature flags
func (f Feature) IsKnown() bool {
	return knownFeatures[f]
}

// FeatureSet is the set of features granted by a Plan. Serialized as a sorted array.
type FeatureSet []Feature

// Has reports whether f is part of the set
func (s FeatureSet) Has(f Feature) bool {
	for _, v := range s {
		if v == f {
			return true
		}
	}
	return false
}

func (s FeatureSet) normalize() FeatureSet {
	seen := make(map[Feature]bool, len(s))
	out := make(FeatureSet, 0, len(s))
	for _, f := range s {
		if seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Plan describes a subscription plan offered to schools
type Plan struct {
	ID              string     `json:"id" validate:"required"`                  // Stable key, referenced by historical subscriptions
	Name            string     `json:"name" validate:"required"`                // Shown to the customer
	Price           int64      `json:"price" validate:"min=0"`                  // Amount in minor units (e.g. cents) per interval
	Currency        string     `json:"currency" validate:"required,len=3"`      // The ISO currency code (e.g. usd)
	BillingInterval Interval   `json:"billingInterval" validate:"oneof=month year"`
	TrialDays       int        `json:"trialDays" validate:"min=0"`
	Limits          Limits     `json:"limits"`
	Features        FeatureSet `json:"features"`
	IsActive        bool       `json:"isActive"`
	Version         int        `json:"version"` // Assigned by the Catalog, starts at 1
}

// Clone returns a deep copy of the Plan
func (p Plan) Clone() Plan {
	clone := p
	clone.Features = append(FeatureSet(nil), p.Features...)
	return clone
}

// Ref points at a specific version of a Plan
type Ref struct {
	PlanID      string
	PlanVersion int
}
