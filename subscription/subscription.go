package subscription

import (
	"time"

	"github.com/zllovesuki/schoolplan/plan"
)

// Status is the lifecycle state of a school's subscription
type Status string

// Defining the subscription statuses
const (
	StatusTrial       Status = "trial"
	StatusActive      Status = "active"
	StatusPastDue     Status = "past_due"
	StatusGracePeriod Status = "grace_period"
	StatusCancelled   Status = "cancelled"
	StatusExpired     Status = "expired"
)

// Statuses lists every status
var Statuses = []Status{StatusTrial, StatusActive, StatusPastDue, StatusGracePeriod, StatusCancelled, StatusExpired}

// Entitled reports whether the school may use the product while in status s
func (s Status) Entitled() bool {
	switch s {
	case StatusTrial, StatusActive, StatusGracePeriod:
		return true
	}
	return false
}

// Subscription is the single lifecycle record of a school. The row also acts as the
// registry of known schools: billing events for a school without a row are rejected.
type Subscription struct {
	SchoolID               string     `json:"schoolId" gorm:"primaryKey"`
	PlanID                 string     `json:"planId"`
	PlanVersion            int        `json:"planVersion"` // Snapshot of the plan the school is entitled to
	Status                 Status     `json:"status" gorm:"not null;index"`
	PreviousStatus         Status     `json:"-"` // Status before the last cancellation, restored by Reactivate
	CurrentPeriodStart     time.Time  `json:"currentPeriodStart"`
	CurrentPeriodEnd       time.Time  `json:"currentPeriodEnd"`
	TrialUsed              bool       `json:"trialUsed" gorm:"not null"` // Sticky, a school only ever gets one trial
	CancelAtPeriodEnd      bool       `json:"cancelAtPeriodEnd" gorm:"not null"`
	PaymentFailureCount    int        `json:"paymentFailureCount" gorm:"not null"`
	LastPaymentAttempt     *time.Time `json:"lastPaymentAttempt"`
	PastDueSince           *time.Time `json:"pastDueSince"`
	GraceEndsAt            *time.Time `json:"graceEndsAt"`
	CancelledAt            *time.Time `json:"cancelledAt"`
	ExternalCustomerID     string     `json:"-" gorm:"index"` // Corresponds to Stripe's Customer ID
	ExternalSubscriptionID string     `json:"-" gorm:"index"` // Corresponds to Stripe's Subscription ID
	CreatedAt              time.Time  `json:"createdAt"`
	UpdatedAt              time.Time  `json:"updatedAt"`
}

// Entitled reports whether the school may currently use the product
func (s *Subscription) Entitled() bool {
	return s.Status.Entitled()
}

// PlanRef returns the plan snapshot the subscription points at
func (s *Subscription) PlanRef() plan.Ref {
	return plan.Ref{
		PlanID:      s.PlanID,
		PlanVersion: s.PlanVersion,
	}
}

// DaysUntilExpiry returns the whole days left in the current period, never negative
func (s *Subscription) DaysUntilExpiry(now time.Time) int {
	if s.CurrentPeriodEnd.IsZero() || !now.Before(s.CurrentPeriodEnd) {
		return 0
	}
	return int(s.CurrentPeriodEnd.Sub(now).Hours() / 24)
}

func (s *Subscription) pin(p plan.Plan) {
	s.PlanID = p.ID
	s.PlanVersion = p.Version
}

func timePtr(t time.Time) *time.Time {
	return &t
}
