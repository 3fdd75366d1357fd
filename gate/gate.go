package gate

import (
	"context"
	"errors"
	"fmt"

	"github.com/zllovesuki/schoolplan/plan"
	"github.com/zllovesuki/schoolplan/subscription"
	"github.com/zllovesuki/schoolplan/usage"

	"go.uber.org/zap"
)

// SubscriptionReader loads a school's subscription
type SubscriptionReader interface {
	Get(ctx context.Context, schoolID string) (*subscription.Subscription, error)
}

// PlanResolver resolves the plan a subscription points at
type PlanResolver interface {
	ResolveEffectivePlan(ctx context.Context, ref plan.Ref) (plan.Plan, error)
}

// Meter is the usage accounting the gate delegates resource capabilities to
type Meter interface {
	CheckAndReserve(ctx context.Context, schoolID string, metric plan.Resource, delta int64) error
	Release(ctx context.Context, schoolID string, metric plan.Resource, delta int64) error
	Snapshot(ctx context.Context, schoolID string) (map[plan.Resource]usage.MetricUsage, error)
}

// Decision is the outcome of a capability check
type Decision struct {
	Allowed bool                      `json:"allowed"`
	Reason  Reason                    `json:"reason,omitempty"`
	Detail  string                    `json:"detail,omitempty"`
	Limit   *usage.LimitExceededError `json:"limit,omitempty"`
	err     error
}

// Err returns the typed denial (NotEntitledError, PlanRestrictionError or
// usage.LimitExceededError), or nil when allowed
func (d Decision) Err() error {
	return d.err
}

func allow() Decision {
	return Decision{Allowed: true}
}

func deny(reason Reason, err error) Decision {
	d := Decision{
		Reason: reason,
		Detail: err.Error(),
		err:    err,
	}
	var exceeded *usage.LimitExceededError
	if errors.As(err, &exceeded) {
		d.Limit = exceeded
	}
	return d
}

// Options contains the configuration for a Gate
type Options struct {
	Subscriptions SubscriptionReader
	Plans         PlanResolver
	Meter         Meter
	Logger        *zap.Logger
}

// Gate combines subscription status, plan entitlements and usage headroom into one decision
type Gate struct {
	Options
}

// New returns a new Gate
func New(option Options) (*Gate, error) {
	if option.Subscriptions == nil {
		return nil, fmt.Errorf("nil Subscriptions is invalid")
	}
	if option.Plans == nil {
		return nil, fmt.Errorf("nil Plans is invalid")
	}
	if option.Meter == nil {
		return nil, fmt.Errorf("nil Meter is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Gate{
		Options: option,
	}, nil
}

// CanUse decides whether the school may use capability. Feature capabilities never touch
// usage counters; resource capabilities reserve one unit when allowed.
func (g *Gate) CanUse(ctx context.Context, schoolID string, capability Capability) (Decision, error) {
	return g.Reserve(ctx, schoolID, capability, 1)
}

// Reserve is CanUse with an explicit amount for resource capabilities, such as a file
// size in bytes for StoreFile. delta is ignored for feature capabilities.
func (g *Gate) Reserve(ctx context.Context, schoolID string, capability Capability, delta int64) (Decision, error) {
	return g.decide(ctx, schoolID, capability, delta, true)
}

func (g *Gate) decide(ctx context.Context, schoolID string, capability Capability, delta int64, reserve bool) (Decision, error) {
	feature, isFeature := capability.feature()
	rule, isResource := capability.resource()
	if !isFeature && !isResource {
		return Decision{}, &plan.ValidationError{Field: "Capability", Message: fmt.Sprintf("unknown capability %q", capability)}
	}

	sub, err := g.Subscriptions.Get(ctx, schoolID)
	if errors.Is(err, subscription.ErrNotFound) {
		return deny(ReasonNotEntitled, &NotEntitledError{SchoolID: schoolID}), nil
	}
	if err != nil {
		return Decision{}, err
	}
	if !sub.Entitled() {
		return deny(ReasonNotEntitled, &NotEntitledError{SchoolID: schoolID, Status: sub.Status}), nil
	}

	p, err := g.Plans.ResolveEffectivePlan(ctx, sub.PlanRef())
	if err != nil {
		g.Logger.Error("Entitled subscription without a resolvable plan",
			zap.String("SchoolID", schoolID),
			zap.String("PlanID", sub.PlanID),
			zap.Int("PlanVersion", sub.PlanVersion),
			zap.Error(err),
		)
		return Decision{}, err
	}
	restricted := &PlanRestrictionError{SchoolID: schoolID, PlanID: p.ID, Capability: capability}

	if isFeature {
		if !p.Features.Has(feature) {
			return deny(ReasonPlanRestriction, restricted), nil
		}
		return allow(), nil
	}

	if rule.requires != "" && !p.Features.Has(rule.requires) {
		return deny(ReasonPlanRestriction, restricted), nil
	}
	if !reserve {
		return g.peek(ctx, schoolID, rule.resource, delta)
	}
	err = g.Meter.CheckAndReserve(ctx, schoolID, rule.resource, delta)
	var exceeded *usage.LimitExceededError
	if errors.As(err, &exceeded) {
		return deny(ReasonLimitExceeded, exceeded), nil
	}
	if err != nil {
		return Decision{}, err
	}
	return allow(), nil
}

func (g *Gate) peek(ctx context.Context, schoolID string, metric plan.Resource, delta int64) (Decision, error) {
	snapshot, err := g.Meter.Snapshot(ctx, schoolID)
	if err != nil {
		return Decision{}, err
	}
	u := snapshot[metric]
	if !u.Unlimited && u.Current+delta > u.Limit {
		return deny(ReasonLimitExceeded, &usage.LimitExceededError{
			Metric:  metric,
			Limit:   u.Limit,
			Current: u.Current,
		}), nil
	}
	return allow(), nil
}

// Release gives back usage reserved through a resource capability, e.g. on deletion
func (g *Gate) Release(ctx context.Context, schoolID string, capability Capability, delta int64) error {
	rule, ok := capability.resource()
	if !ok {
		return &plan.ValidationError{Field: "Capability", Message: fmt.Sprintf("%q does not consume usage", capability)}
	}
	return g.Meter.Release(ctx, schoolID, rule.resource, delta)
}

// Check is CanUse without side effects: resource capabilities are compared against a
// usage snapshot instead of reserving. The answer is advisory, a later Reserve may still
// be denied.
func (g *Gate) Check(ctx context.Context, schoolID string, capability Capability) (Decision, error) {
	return g.decide(ctx, schoolID, capability, 1, false)
}
