package usage

import (
	"fmt"
	"time"

	"github.com/zllovesuki/schoolplan/plan"
)

// Usage is the consumption of one metric by one school
type Usage struct {
	SchoolID     string        `gorm:"primaryKey"`
	Metric       plan.Resource `gorm:"primaryKey"`
	CurrentValue int64         `gorm:"not null"`
	PeriodStart  time.Time     // Start of the accounting period, only meaningful for accumulating metrics
	UpdatedAt    time.Time
}

// TableName overrides the default "usages"
func (Usage) TableName() string {
	return "usage_counters"
}

// MetricUsage is the display view of one metric
type MetricUsage struct {
	Current   int64 `json:"current"`
	Limit     int64 `json:"limit"`
	Percent   int   `json:"percent"`
	Unlimited bool  `json:"unlimited"`
}

// LimitExceededError is returned when a reservation would take a metric over the plan limit.
// Current is the value before the rejected reservation.
type LimitExceededError struct {
	Metric  plan.Resource
	Limit   int64
	Current int64
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("%s limit of %d reached (current %d)", e.Metric, e.Limit, e.Current)
}

// CounterUnderflowWarning describes a release that would have taken a counter below zero.
// It is logged and the counter clamped; callers never receive it.
type CounterUnderflowWarning struct {
	SchoolID string
	Metric   plan.Resource
	Current  int64
	Delta    int64
}

func (w *CounterUnderflowWarning) Error() string {
	return fmt.Sprintf("release of %d %s for school %s underflows current value %d", w.Delta, w.Metric, w.SchoolID, w.Current)
}
