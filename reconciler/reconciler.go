package reconciler

import (
	"context"
	"errors"
	"fmt"

	"github.com/zllovesuki/schoolplan/customer"
	"github.com/zllovesuki/schoolplan/ledger"
	"github.com/zllovesuki/schoolplan/metrics"
	"github.com/zllovesuki/schoolplan/plan"
	"github.com/zllovesuki/schoolplan/subscription"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Lifecycle is the part of the subscription state machine events are applied to
type Lifecycle interface {
	Get(ctx context.Context, schoolID string) (*subscription.Subscription, error)
	GetByExternalCustomer(ctx context.Context, customerID string) (*subscription.Subscription, error)
	ApplyCheckoutCompleted(ctx context.Context, schoolID string, event subscription.Event) (*subscription.Subscription, error)
	ApplyPaymentSucceeded(ctx context.Context, schoolID string, event subscription.Event) (*subscription.Subscription, error)
	ApplyPaymentFailed(ctx context.Context, schoolID string, event subscription.Event) (*subscription.Subscription, error)
	ApplyProcessorCancelled(ctx context.Context, schoolID string, event subscription.Event) (*subscription.Subscription, error)
	ApplyProcessorUpdated(ctx context.Context, schoolID string, event subscription.Event) (*subscription.Subscription, error)
}

// CustomerDirectory maps processor customers to schools. GetByID returns nil for unknown customers.
type CustomerDirectory interface {
	GetByID(ctx context.Context, id string) (*customer.Customer, error)
}

// Reason explains why an event was rejected
type Reason string

// Defining the rejection reasons
const (
	ReasonUnknownTenant Reason = "unknown_tenant"
	ReasonInvalidEvent  Reason = "invalid_event"
)

// Result is the outcome of handling an event. Both outcomes are final: the processor
// must not redeliver. Rejected events are not recorded as processed.
type Result struct {
	Ack       bool
	Duplicate bool // Acked because the event was processed before
	Reason    Reason
	SchoolID  string
	err       error
}

// Err returns the typed rejection (UnknownTenantError or InvalidEventError), or nil on Ack
func (r Result) Err() error {
	return r.err
}

func ack(schoolID string) Result {
	return Result{Ack: true, SchoolID: schoolID}
}

func reject(reason Reason, err error) Result {
	return Result{Reason: reason, err: err}
}

type handler func(ctx context.Context, schoolID string, event subscription.Event) (*subscription.Subscription, error)

// Options contains the configuration for a Reconciler
type Options struct {
	DB            *gorm.DB
	Logger        *zap.Logger
	Subscriptions Lifecycle
	Customers     CustomerDirectory // Optional
	Metrics       *metrics.Metrics  // Optional
}

// Reconciler applies billing events from the payment processor exactly once
type Reconciler struct {
	Options
	handlers map[subscription.EventType]handler
}

// New returns a new Reconciler
func New(option Options) (*Reconciler, error) {
	if option.DB == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if option.Subscriptions == nil {
		return nil, fmt.Errorf("nil Subscriptions is invalid")
	}
	if err := ledger.Migrate(option.DB); err != nil {
		return nil, err
	}
	s := option.Subscriptions
	return &Reconciler{
		Options: option,
		handlers: map[subscription.EventType]handler{
			subscription.EventCheckoutCompleted:     s.ApplyCheckoutCompleted,
			subscription.EventInvoicePaid:           s.ApplyPaymentSucceeded,
			subscription.EventInvoicePaymentFailed:  s.ApplyPaymentFailed,
			subscription.EventSubscriptionCancelled: s.ApplyProcessorCancelled,
			subscription.EventSubscriptionUpdated:   s.ApplyProcessorUpdated,
		},
	}, nil
}

// Handle applies the event to the school it belongs to. A returned error is transient
// and the event should be redelivered; every other outcome is final.
func (r *Reconciler) Handle(ctx context.Context, event subscription.Event) (Result, error) {
	logger := r.Logger.With(
		zap.String("EventID", event.ID),
		zap.String("EventType", string(event.Type)),
	)

	result, err := r.handle(ctx, logger, event)
	switch {
	case err != nil:
		r.Metrics.RecordEvent(string(event.Type), "error")
		logger.Error("Unable to apply billing event",
			zap.Error(err),
		)
	case result.Duplicate:
		r.Metrics.RecordEvent(string(event.Type), "duplicate")
	case result.Ack:
		r.Metrics.RecordEvent(string(event.Type), "ack")
	default:
		r.Metrics.RecordEvent(string(event.Type), string(result.Reason))
		logger.Warn("Billing event rejected",
			zap.String("Reason", string(result.Reason)),
			zap.Error(result.err),
		)
	}
	return result, err
}

func (r *Reconciler) handle(ctx context.Context, logger *zap.Logger, event subscription.Event) (Result, error) {
	if event.ID == "" {
		return reject(ReasonInvalidEvent, &InvalidEventError{Message: "missing event id"}), nil
	}
	apply, ok := r.handlers[event.Type]
	if !ok {
		return reject(ReasonInvalidEvent, &InvalidEventError{
			EventID: event.ID,
			Message: fmt.Sprintf("unsupported event type %q", event.Type),
		}), nil
	}

	seen, err := ledger.Seen(ctx, r.DB, event.ID)
	if err != nil {
		return Result{}, err
	}
	if seen {
		logger.Debug("Billing event already processed")
		return Result{Ack: true, Duplicate: true, SchoolID: event.SchoolID}, nil
	}

	schoolID, err := r.resolveSchool(ctx, event)
	if err != nil {
		return Result{}, err
	}
	if schoolID == "" {
		return reject(ReasonUnknownTenant, &UnknownTenantError{
			EventID:    event.ID,
			SchoolID:   event.SchoolID,
			CustomerID: customerOf(event),
		}), nil
	}

	_, err = apply(ctx, schoolID, event)
	var validation *plan.ValidationError
	var invalid *subscription.InvalidTransitionError
	switch {
	case err == nil:
		logger.Debug("Billing event applied", zap.String("SchoolID", schoolID))
		return ack(schoolID), nil
	case errors.Is(err, subscription.ErrNotFound):
		return reject(ReasonUnknownTenant, &UnknownTenantError{
			EventID:    event.ID,
			SchoolID:   schoolID,
			CustomerID: customerOf(event),
		}), nil
	case errors.As(err, &validation), errors.As(err, &invalid):
		return reject(ReasonInvalidEvent, &InvalidEventError{
			EventID: event.ID,
			Message: err.Error(),
		}), nil
	default:
		return Result{}, err
	}
}

func customerOf(event subscription.Event) string {
	if event.CustomerID != "" {
		return event.CustomerID
	}
	return event.Payload.CustomerID
}

// resolveSchool finds the school of the event: the school carried by the event if it is
// known, otherwise the owner of the processor customer. Unknown yields "".
func (r *Reconciler) resolveSchool(ctx context.Context, event subscription.Event) (string, error) {
	if event.SchoolID != "" {
		_, err := r.Subscriptions.Get(ctx, event.SchoolID)
		if err == nil {
			return event.SchoolID, nil
		}
		if !errors.Is(err, subscription.ErrNotFound) {
			return "", err
		}
	}

	customerID := customerOf(event)
	if customerID == "" {
		return "", nil
	}
	if r.Customers != nil {
		cust, err := r.Customers.GetByID(ctx, customerID)
		if err != nil {
			return "", err
		}
		if cust != nil {
			return cust.SchoolID, nil
		}
	}
	sub, err := r.Subscriptions.GetByExternalCustomer(ctx, customerID)
	if errors.Is(err, subscription.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return sub.SchoolID, nil
}
