package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zllovesuki/schoolplan/customer"
	"github.com/zllovesuki/schoolplan/external"
	"github.com/zllovesuki/schoolplan/gate"
	"github.com/zllovesuki/schoolplan/plan"
	"github.com/zllovesuki/schoolplan/subscription"
	"github.com/zllovesuki/schoolplan/usage"

	"go.uber.org/zap"
)

// ErrNoCustomer is returned when a school has no payment processor customer yet
var ErrNoCustomer = errors.New("school has no billing customer")

// ErrPlanNotSynced is returned when a plan was saved but the processor rejected its price
var ErrPlanNotSynced = errors.New("plan saved but not synced with the payment processor")

// Options contains the configuration for a Billing facade
type Options struct {
	Catalog       *plan.Catalog
	Subscriptions *subscription.Manager
	Meter         *usage.Meter
	Gate          *gate.Gate
	Customers     *customer.Manager
	Processor     external.Processor
	Logger        *zap.Logger
	Clock         func() time.Time
	SyncPlans     bool // Push saved plans to the processor
}

// Billing ties the engine to the payment processor for school-facing operations.
// Processor calls always happen before, and outside of, engine transactions.
type Billing struct {
	Options
}

// New returns a new Billing facade
func New(option Options) (*Billing, error) {
	if option.Catalog == nil {
		return nil, fmt.Errorf("nil Catalog is invalid")
	}
	if option.Subscriptions == nil {
		return nil, fmt.Errorf("nil Subscriptions is invalid")
	}
	if option.Meter == nil {
		return nil, fmt.Errorf("nil Meter is invalid")
	}
	if option.Gate == nil {
		return nil, fmt.Errorf("nil Gate is invalid")
	}
	if option.Customers == nil {
		return nil, fmt.Errorf("nil Customers is invalid")
	}
	if option.Processor == nil {
		return nil, fmt.Errorf("nil Processor is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if option.Clock == nil {
		option.Clock = time.Now
	}
	return &Billing{
		Options: option,
	}, nil
}

// CheckoutRequest is the input of StartCheckout
type CheckoutRequest struct {
	PlanID     string `json:"planId" validate:"required"`
	Email      string `json:"email" validate:"required,email"`
	SuccessURL string `json:"successUrl" validate:"required,url"`
	CancelURL  string `json:"cancelUrl" validate:"required,url"`
}

// StartCheckout registers the school if needed, makes sure it has a processor customer
// and returns the hosted checkout URL for the plan. The subscription only changes once
// the processor reports the completed checkout.
func (b *Billing) StartCheckout(ctx context.Context, schoolID string, req CheckoutRequest) (string, error) {
	p, err := b.Catalog.GetPlan(ctx, req.PlanID)
	if errors.Is(err, plan.ErrPlanNotFound) {
		return "", &plan.ValidationError{Field: "PlanID", Message: fmt.Sprintf("unknown plan %q", req.PlanID)}
	}
	if err != nil {
		return "", err
	}
	if !p.IsActive {
		return "", &plan.ValidationError{Field: "PlanID", Message: fmt.Sprintf("plan %q is no longer offered", p.ID)}
	}
	if _, err := b.Subscriptions.Enroll(ctx, schoolID); err != nil {
		return "", err
	}
	cust, err := b.Customers.Ensure(ctx, schoolID, req.Email)
	if err != nil {
		return "", err
	}
	return b.Processor.CreateCheckoutSession(ctx, external.CheckoutRequest{
		SchoolID:   schoolID,
		CustomerID: cust.ID,
		PlanID:     p.ID,
		SuccessURL: req.SuccessURL,
		CancelURL:  req.CancelURL,
	})
}

// StartTrial registers the school if needed and starts its trial on planID
func (b *Billing) StartTrial(ctx context.Context, schoolID, planID string) (*subscription.Subscription, error) {
	if _, err := b.Subscriptions.Enroll(ctx, schoolID); err != nil {
		return nil, err
	}
	return b.Subscriptions.ActivateTrial(ctx, schoolID, planID)
}

// PortalURL returns the self-service billing portal of the school
func (b *Billing) PortalURL(ctx context.Context, schoolID, returnURL string) (string, error) {
	cust, err := b.Customers.GetBySchool(ctx, schoolID)
	if err != nil {
		return "", err
	}
	if cust == nil {
		return "", ErrNoCustomer
	}
	return b.Processor.CreateBillingPortalSession(ctx, cust.ID, returnURL)
}

// Cancel cancels on the processor first, then in the engine. A processor failure leaves
// the engine untouched so the call can be retried.
func (b *Billing) Cancel(ctx context.Context, schoolID string, atPeriodEnd bool) (*subscription.Subscription, error) {
	sub, err := b.Subscriptions.Get(ctx, schoolID)
	if err != nil {
		return nil, err
	}
	live := sub.Status != subscription.StatusCancelled && sub.Status != subscription.StatusExpired
	if live && sub.ExternalSubscriptionID != "" && (!atPeriodEnd || !sub.CancelAtPeriodEnd) {
		if err := b.Processor.CancelSubscription(ctx, sub.ExternalSubscriptionID, atPeriodEnd); err != nil {
			return nil, err
		}
	}
	return b.Subscriptions.Cancel(ctx, schoolID, atPeriodEnd)
}

// Reactivate resumes a pending cancellation on the processor, then undoes the cancellation
// in the engine
func (b *Billing) Reactivate(ctx context.Context, schoolID string) (*subscription.Subscription, error) {
	sub, err := b.Subscriptions.Get(ctx, schoolID)
	if err != nil {
		return nil, err
	}
	if sub.CancelAtPeriodEnd && sub.ExternalSubscriptionID != "" {
		if err := b.Processor.ResumeSubscription(ctx, sub.ExternalSubscriptionID); err != nil {
			return nil, err
		}
	}
	return b.Subscriptions.Reactivate(ctx, schoolID)
}

// SavePlan stores an admin plan edit. With SyncPlans the new version also gets its
// processor price, so checkout works for the plan right away.
func (b *Billing) SavePlan(ctx context.Context, p plan.Plan) (plan.Plan, error) {
	saved, err := b.Catalog.Upsert(ctx, p)
	if err != nil {
		return plan.Plan{}, err
	}
	if !b.SyncPlans || !saved.IsActive {
		return saved, nil
	}
	if err := b.Processor.SyncPlans(ctx, []plan.Plan{saved}); err != nil {
		b.Logger.Error("Unable to sync saved plan with processor",
			zap.String("PlanID", saved.ID),
			zap.Int("PlanVersion", saved.Version),
			zap.Error(err),
		)
		return saved, fmt.Errorf("%w: %v", ErrPlanNotSynced, err)
	}
	return saved, nil
}

// Summary is the billing overview of a school
type Summary struct {
	Subscription    *subscription.Subscription          `json:"subscription"`
	Plan            *plan.Plan                          `json:"plan,omitempty"`
	Usage           map[plan.Resource]usage.MetricUsage `json:"usage"`
	Limits          []plan.LimitDisplay                 `json:"limits"`
	IsActive        bool                                `json:"isActive"`
	DaysUntilExpiry int                                 `json:"daysUntilExpiry"`
}

// Summary returns the subscription, plan, usage and limits of the school
func (b *Billing) Summary(ctx context.Context, schoolID string) (*Summary, error) {
	sub, err := b.Subscriptions.Get(ctx, schoolID)
	if err != nil {
		return nil, err
	}
	snapshot, err := b.Meter.Snapshot(ctx, schoolID)
	if err != nil {
		return nil, err
	}
	summary := &Summary{
		Subscription:    sub,
		Usage:           snapshot,
		IsActive:        sub.Entitled(),
		DaysUntilExpiry: sub.DaysUntilExpiry(b.Clock()),
	}
	if sub.PlanID != "" {
		p, err := b.Catalog.ResolveEffectivePlan(ctx, sub.PlanRef())
		if err != nil && !errors.Is(err, plan.ErrPlanNotFound) {
			return nil, err
		}
		if err == nil {
			summary.Plan = &p
			summary.Limits = plan.DisplayLimits(p.Limits)
		}
	}
	return summary, nil
}
