package subscription

import (
	"context"
	"fmt"

	"github.com/zllovesuki/schoolplan/plan"
)

// ActivateTrial starts the one trial a school is ever allowed, on planID.
// It fails with TrialAlreadyUsedError whenever the school had a trial before, on any plan.
func (m *Manager) ActivateTrial(ctx context.Context, schoolID, planID string) (*Subscription, error) {
	if planID == "" {
		return nil, &plan.ValidationError{Field: "PlanID", Message: "must not be empty"}
	}
	return m.transition(ctx, schoolID, transitionInput{
		trigger: TriggerActivateTrial,
		planID:  planID,
	})
}

// ApplyEvent dispatches a billing event to the lifecycle operation handling its type
func (m *Manager) ApplyEvent(ctx context.Context, schoolID string, event Event) (*Subscription, error) {
	trigger, ok := eventTriggers[event.Type]
	if !ok {
		return nil, &plan.ValidationError{Field: "Event.Type", Message: fmt.Sprintf("unsupported event type %q", event.Type)}
	}
	return m.applyEvent(ctx, schoolID, trigger, event)
}

var eventTriggers = map[EventType]Trigger{
	EventCheckoutCompleted:     TriggerCheckoutCompleted,
	EventInvoicePaid:           TriggerPaymentSucceeded,
	EventInvoicePaymentFailed:  TriggerPaymentFailed,
	EventSubscriptionCancelled: TriggerProcessorCancelled,
	EventSubscriptionUpdated:   TriggerProcessorUpdated,
}

func (m *Manager) applyEvent(ctx context.Context, schoolID string, trigger Trigger, event Event) (*Subscription, error) {
	if event.ID == "" {
		return nil, &plan.ValidationError{Field: "Event.ID", Message: "must not be empty"}
	}
	return m.transition(ctx, schoolID, transitionInput{
		trigger: trigger,
		event:   &event,
	})
}

// ApplyCheckoutCompleted activates a paid subscription on the plan named by the event
func (m *Manager) ApplyCheckoutCompleted(ctx context.Context, schoolID string, event Event) (*Subscription, error) {
	return m.applyEvent(ctx, schoolID, TriggerCheckoutCompleted, event)
}

// ApplyPaymentSucceeded renews the subscription for another billing period.
// Applying the same event twice has the effect of applying it once.
func (m *Manager) ApplyPaymentSucceeded(ctx context.Context, schoolID string, event Event) (*Subscription, error) {
	return m.applyEvent(ctx, schoolID, TriggerPaymentSucceeded, event)
}

// ApplyPaymentFailed records a failed payment and moves the subscription towards grace_period.
// A first failure never ends entitlement.
func (m *Manager) ApplyPaymentFailed(ctx context.Context, schoolID string, event Event) (*Subscription, error) {
	return m.applyEvent(ctx, schoolID, TriggerPaymentFailed, event)
}

// ApplyProcessorCancelled cancels the subscription after the processor ended it
func (m *Manager) ApplyProcessorCancelled(ctx context.Context, schoolID string, event Event) (*Subscription, error) {
	return m.applyEvent(ctx, schoolID, TriggerProcessorCancelled, event)
}

// ApplyProcessorUpdated syncs the cancellation flag, plan and period changed on the processor side
func (m *Manager) ApplyProcessorUpdated(ctx context.Context, schoolID string, event Event) (*Subscription, error) {
	return m.applyEvent(ctx, schoolID, TriggerProcessorUpdated, event)
}

// Cancel ends the subscription now, or flags it to end at the current period end.
// Cancelling an already cancelled or expired subscription is a no-op.
func (m *Manager) Cancel(ctx context.Context, schoolID string, atPeriodEnd bool) (*Subscription, error) {
	trigger := TriggerCancel
	if atPeriodEnd {
		trigger = TriggerCancelAtPeriodEnd
	}
	return m.transition(ctx, schoolID, transitionInput{
		trigger: trigger,
	})
}

// Reactivate undoes a cancellation: a cancelled subscription whose period has not ended
// gets its prior status back, and a pending cancel-at-period-end is cleared.
func (m *Manager) Reactivate(ctx context.Context, schoolID string) (*Subscription, error) {
	return m.transition(ctx, schoolID, transitionInput{
		trigger: TriggerReactivate,
	})
}
