package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zllovesuki/schoolplan/plan"
)

// Trigger is anything that may move a subscription between statuses
type Trigger string

// Defining the transition triggers
const (
	TriggerActivateTrial      Trigger = "activate_trial"
	TriggerCheckoutCompleted  Trigger = "checkout_completed"
	TriggerPaymentSucceeded   Trigger = "payment_succeeded"
	TriggerPaymentFailed      Trigger = "payment_failed"
	TriggerProcessorCancelled Trigger = "processor_cancelled"
	TriggerProcessorUpdated   Trigger = "processor_updated"
	TriggerCancel             Trigger = "cancel"
	TriggerCancelAtPeriodEnd  Trigger = "cancel_at_period_end"
	TriggerReactivate         Trigger = "reactivate"
	TriggerSweep              Trigger = "sweep"
)

// Triggers lists every trigger
var Triggers = []Trigger{
	TriggerActivateTrial,
	TriggerCheckoutCompleted,
	TriggerPaymentSucceeded,
	TriggerPaymentFailed,
	TriggerProcessorCancelled,
	TriggerProcessorUpdated,
	TriggerCancel,
	TriggerCancelAtPeriodEnd,
	TriggerReactivate,
	TriggerSweep,
}

// change carries everything an effect may read while the row is locked.
// Effects must not touch the database.
type change struct {
	ctx     context.Context
	m       *Manager
	now     time.Time
	trigger Trigger
	sub     *Subscription
	event   *Event
	planID  string
}

// effect mutates c.sub and reports whether anything changed
type effect func(c *change) (bool, error)

// transitions is the authoritative (status, trigger) table. Every pair has an entry.
var transitions = map[Status]map[Trigger]effect{
	StatusTrial: {
		TriggerActivateTrial:      refuseTrial,
		TriggerCheckoutCompleted:  checkoutCompleted,
		TriggerPaymentSucceeded:   renew,
		TriggerPaymentFailed:      enterPastDue,
		TriggerProcessorCancelled: cancelNow,
		TriggerProcessorUpdated:   processorUpdated,
		TriggerCancel:             cancelNow,
		TriggerCancelAtPeriodEnd:  flagCancel,
		TriggerReactivate:         clearPendingCancel,
		TriggerSweep:              sweepPeriodEnd,
	},
	StatusActive: {
		TriggerActivateTrial:      refuseTrial,
		TriggerCheckoutCompleted:  checkoutCompleted,
		TriggerPaymentSucceeded:   renew,
		TriggerPaymentFailed:      enterPastDue,
		TriggerProcessorCancelled: cancelNow,
		TriggerProcessorUpdated:   processorUpdated,
		TriggerCancel:             cancelNow,
		TriggerCancelAtPeriodEnd:  flagCancel,
		TriggerReactivate:         clearPendingCancel,
		TriggerSweep:              sweepPeriodEnd,
	},
	StatusPastDue: {
		TriggerActivateTrial:      refuseTrial,
		TriggerCheckoutCompleted:  checkoutCompleted,
		TriggerPaymentSucceeded:   renew,
		TriggerPaymentFailed:      escalateToGrace,
		TriggerProcessorCancelled: cancelNow,
		TriggerProcessorUpdated:   processorUpdated,
		TriggerCancel:             cancelNow,
		TriggerCancelAtPeriodEnd:  flagCancel,
		TriggerReactivate:         clearPendingCancel,
		TriggerSweep:              sweepPastDue,
	},
	StatusGracePeriod: {
		TriggerActivateTrial:      refuseTrial,
		TriggerCheckoutCompleted:  checkoutCompleted,
		TriggerPaymentSucceeded:   renew,
		TriggerPaymentFailed:      countFailure,
		TriggerProcessorCancelled: cancelNow,
		TriggerProcessorUpdated:   processorUpdated,
		TriggerCancel:             cancelNow,
		TriggerCancelAtPeriodEnd:  flagCancel,
		TriggerReactivate:         clearPendingCancel,
		TriggerSweep:              sweepGrace,
	},
	StatusCancelled: {
		TriggerActivateTrial:      startTrial,
		TriggerCheckoutCompleted:  checkoutCompleted,
		TriggerPaymentSucceeded:   ignore,
		TriggerPaymentFailed:      ignore,
		TriggerProcessorCancelled: ignore,
		TriggerProcessorUpdated:   ignore,
		TriggerCancel:             ignore,
		TriggerCancelAtPeriodEnd:  ignore,
		TriggerReactivate:         reactivateCancelled,
		TriggerSweep:              ignore,
	},
	StatusExpired: {
		TriggerActivateTrial:      startTrial,
		TriggerCheckoutCompleted:  checkoutCompleted,
		TriggerPaymentSucceeded:   ignore,
		TriggerPaymentFailed:      ignore,
		TriggerProcessorCancelled: ignore,
		TriggerProcessorUpdated:   ignore,
		TriggerCancel:             ignore,
		TriggerCancelAtPeriodEnd:  ignore,
		TriggerReactivate:         notCancellable,
		TriggerSweep:              ignore,
	},
}

func init() {
	if err := validateTransitions(transitions); err != nil {
		panic(err)
	}
}

func validateTransitions(table map[Status]map[Trigger]effect) error {
	for _, status := range Statuses {
		row, ok := table[status]
		if !ok {
			return fmt.Errorf("transition table has no row for status %s", status)
		}
		for _, trigger := range Triggers {
			if row[trigger] == nil {
				return fmt.Errorf("transition table has no entry for (%s, %s)", status, trigger)
			}
		}
	}
	return nil
}

func lookupEffect(status Status, trigger Trigger) (effect, error) {
	row, ok := transitions[status]
	if !ok {
		return nil, fmt.Errorf("unknown subscription status %q", status)
	}
	fn, ok := row[trigger]
	if !ok {
		return nil, fmt.Errorf("unknown trigger %q", trigger)
	}
	return fn, nil
}

// Transition handlers

func ignore(c *change) (bool, error) {
	return false, nil
}

func invalid(c *change) (bool, error) {
	return false, &InvalidTransitionError{
		SchoolID: c.sub.SchoolID,
		Status:   c.sub.Status,
		Trigger:  c.trigger,
	}
}

func notCancellable(c *change) (bool, error) {
	return false, &NotCancellableError{
		SchoolID: c.sub.SchoolID,
		Status:   c.sub.Status,
	}
}

func refuseTrial(c *change) (bool, error) {
	if c.sub.TrialUsed {
		return false, &TrialAlreadyUsedError{SchoolID: c.sub.SchoolID}
	}
	return invalid(c)
}

func startTrial(c *change) (bool, error) {
	if c.sub.TrialUsed {
		return false, &TrialAlreadyUsedError{SchoolID: c.sub.SchoolID}
	}
	p, err := c.m.Catalog.GetPlan(c.ctx, c.planID)
	if err != nil {
		return false, err
	}
	if !p.IsActive {
		return false, &plan.ValidationError{Field: "PlanID", Message: fmt.Sprintf("plan %q is no longer offered", p.ID)}
	}
	if p.TrialDays <= 0 {
		return false, &plan.ValidationError{Field: "Plan.TrialDays", Message: fmt.Sprintf("plan %q does not offer a trial", p.ID)}
	}
	s := c.sub
	s.pin(p)
	s.Status = StatusTrial
	s.PreviousStatus = ""
	s.CurrentPeriodStart = c.now
	s.CurrentPeriodEnd = c.now.AddDate(0, 0, p.TrialDays)
	s.TrialUsed = true
	s.CancelAtPeriodEnd = false
	s.PaymentFailureCount = 0
	s.PastDueSince = nil
	s.GraceEndsAt = nil
	s.CancelledAt = nil
	return true, nil
}

// eventPlan returns the current definition of the plan named by the event, or of the
// subscription's own plan when the event does not name one
func (c *change) eventPlan() (plan.Plan, error) {
	id := c.sub.PlanID
	if c.event != nil && c.event.Payload.PlanID != "" {
		id = c.event.Payload.PlanID
	}
	p, err := c.m.Catalog.GetPlan(c.ctx, id)
	if errors.Is(err, plan.ErrPlanNotFound) {
		return plan.Plan{}, &plan.ValidationError{Field: "Payload.PlanID", Message: fmt.Sprintf("unknown plan %q", id)}
	}
	return p, err
}

func (c *change) applyExternalIDs() {
	if c.event == nil {
		return
	}
	if c.event.Payload.SubscriptionID != "" {
		c.sub.ExternalSubscriptionID = c.event.Payload.SubscriptionID
	}
	switch {
	case c.event.Payload.CustomerID != "":
		c.sub.ExternalCustomerID = c.event.Payload.CustomerID
	case c.event.CustomerID != "":
		c.sub.ExternalCustomerID = c.event.CustomerID
	}
}

// payloadPeriod returns the billing period carried by the event, if it is well formed
func (c *change) payloadPeriod() (time.Time, time.Time, bool) {
	if c.event == nil {
		return time.Time{}, time.Time{}, false
	}
	start, end := c.event.Payload.PeriodStart, c.event.Payload.PeriodEnd
	if start.IsZero() || end.IsZero() || end.Before(start) {
		return time.Time{}, time.Time{}, false
	}
	return start.UTC(), end.UTC(), true
}

func clearDelinquency(s *Subscription) {
	s.PaymentFailureCount = 0
	s.PastDueSince = nil
	s.GraceEndsAt = nil
}

func checkoutCompleted(c *change) (bool, error) {
	p, err := c.eventPlan()
	if err != nil {
		return false, err
	}
	s := c.sub
	s.pin(p)
	s.Status = StatusActive
	s.PreviousStatus = ""
	if start, end, ok := c.payloadPeriod(); ok {
		s.CurrentPeriodStart, s.CurrentPeriodEnd = start, end
	} else {
		s.CurrentPeriodStart, s.CurrentPeriodEnd = c.now, p.BillingInterval.AddTo(c.now)
	}
	s.CancelAtPeriodEnd = false
	if c.event != nil && c.event.Payload.CancelAtPeriodEnd != nil {
		s.CancelAtPeriodEnd = *c.event.Payload.CancelAtPeriodEnd
	}
	s.CancelledAt = nil
	s.LastPaymentAttempt = timePtr(c.now)
	clearDelinquency(s)
	c.applyExternalIDs()
	return true, nil
}

func renew(c *change) (bool, error) {
	p, err := c.eventPlan()
	if err != nil {
		return false, err
	}
	s := c.sub
	if start, end, ok := c.payloadPeriod(); ok && end.After(s.CurrentPeriodEnd) {
		s.CurrentPeriodStart, s.CurrentPeriodEnd = start, end
	} else {
		start := s.CurrentPeriodEnd
		if start.IsZero() {
			start = c.now
		}
		end := p.BillingInterval.AddTo(start)
		if !end.After(c.now) {
			start, end = c.now, p.BillingInterval.AddTo(c.now)
		}
		s.CurrentPeriodStart, s.CurrentPeriodEnd = start, end
	}
	// renewal moves the school onto the latest version of its plan
	s.pin(p)
	s.Status = StatusActive
	s.LastPaymentAttempt = timePtr(c.now)
	clearDelinquency(s)
	c.applyExternalIDs()
	return true, nil
}

func recordFailure(c *change) {
	c.sub.PaymentFailureCount++
	c.sub.LastPaymentAttempt = timePtr(c.now)
}

func enterPastDue(c *change) (bool, error) {
	recordFailure(c)
	c.sub.Status = StatusPastDue
	c.sub.PastDueSince = timePtr(c.now)
	return true, nil
}

func enterGrace(c *change) {
	c.sub.Status = StatusGracePeriod
	c.sub.GraceEndsAt = timePtr(c.now.Add(c.m.GraceWindow))
}

func escalateToGrace(c *change) (bool, error) {
	recordFailure(c)
	if c.sub.PaymentFailureCount >= c.m.FailureThreshold {
		enterGrace(c)
	}
	return true, nil
}

func countFailure(c *change) (bool, error) {
	recordFailure(c)
	return true, nil
}

func cancelNow(c *change) (bool, error) {
	s := c.sub
	s.PreviousStatus = s.Status
	s.Status = StatusCancelled
	s.CancelAtPeriodEnd = false
	s.CancelledAt = timePtr(c.now)
	return true, nil
}

func flagCancel(c *change) (bool, error) {
	if c.sub.CancelAtPeriodEnd {
		return false, nil
	}
	c.sub.CancelAtPeriodEnd = true
	return true, nil
}

func processorUpdated(c *change) (bool, error) {
	s := c.sub
	changed := false
	if c.event != nil && c.event.Payload.CancelAtPeriodEnd != nil && *c.event.Payload.CancelAtPeriodEnd != s.CancelAtPeriodEnd {
		s.CancelAtPeriodEnd = *c.event.Payload.CancelAtPeriodEnd
		changed = true
	}
	if c.event != nil && c.event.Payload.PlanID != "" && c.event.Payload.PlanID != s.PlanID {
		p, err := c.eventPlan()
		if err != nil {
			return false, err
		}
		s.pin(p)
		changed = true
	}
	// Only payments extend a delinquent subscription
	if start, end, ok := c.payloadPeriod(); ok && end.After(s.CurrentPeriodEnd) && c.inGoodStanding() {
		s.CurrentPeriodStart, s.CurrentPeriodEnd = start, end
		changed = true
	}
	if c.event != nil && c.event.Payload.SubscriptionID != "" && c.event.Payload.SubscriptionID != s.ExternalSubscriptionID {
		c.applyExternalIDs()
		changed = true
	}
	return changed, nil
}

func (c *change) inGoodStanding() bool {
	switch c.sub.Status {
	case StatusActive, StatusTrial:
		return c.sub.PaymentFailureCount == 0
	}
	return false
}

func reactivateCancelled(c *change) (bool, error) {
	s := c.sub
	if !c.now.Before(s.CurrentPeriodEnd) {
		return notCancellable(c)
	}
	restored := s.PreviousStatus
	if restored == "" || restored == StatusCancelled || restored == StatusExpired {
		restored = StatusActive
	}
	s.Status = restored
	s.PreviousStatus = ""
	s.CancelledAt = nil
	s.CancelAtPeriodEnd = false
	return true, nil
}

func clearPendingCancel(c *change) (bool, error) {
	if !c.sub.CancelAtPeriodEnd {
		return notCancellable(c)
	}
	c.sub.CancelAtPeriodEnd = false
	return true, nil
}

// endTerm closes a subscription whose paid or trial time ran out
func endTerm(c *change) {
	s := c.sub
	s.PreviousStatus = s.Status
	if s.CancelAtPeriodEnd {
		s.Status = StatusCancelled
		s.CancelledAt = timePtr(c.now)
	} else {
		s.Status = StatusExpired
	}
	s.CancelAtPeriodEnd = false
}

func (c *change) periodOver() bool {
	end := c.sub.CurrentPeriodEnd
	if end.IsZero() {
		return false
	}
	return !c.now.Before(end.Add(c.m.RenewalLeeway))
}

func sweepPeriodEnd(c *change) (bool, error) {
	if !c.periodOver() {
		return false, nil
	}
	endTerm(c)
	return true, nil
}

func sweepPastDue(c *change) (bool, error) {
	s := c.sub
	if s.CancelAtPeriodEnd && c.periodOver() {
		endTerm(c)
		return true, nil
	}
	since := s.PastDueSince
	if since == nil {
		since = s.LastPaymentAttempt
	}
	if since == nil || c.now.Before(since.Add(c.m.PastDueWindow)) {
		return false, nil
	}
	enterGrace(c)
	return true, nil
}

func sweepGrace(c *change) (bool, error) {
	s := c.sub
	deadline := s.CurrentPeriodEnd
	if s.GraceEndsAt != nil {
		deadline = *s.GraceEndsAt
	}
	if deadline.IsZero() || c.now.Before(deadline) {
		return false, nil
	}
	endTerm(c)
	return true, nil
}
