package external

import (
	"context"
	"errors"

	"github.com/zllovesuki/schoolplan/plan"
)

var (
	// ErrInvalidSignature is returned when a webhook payload does not carry a valid signature
	ErrInvalidSignature = errors.New("webhook signature verification failed")
	// ErrUnsupportedEvent is returned for processor events the engine does not consume
	ErrUnsupportedEvent = errors.New("unsupported processor event")
	// ErrMalformedEvent is returned when a verified event cannot be decoded
	ErrMalformedEvent = errors.New("malformed processor event")
)

// CheckoutRequest describes a hosted checkout for a plan
type CheckoutRequest struct {
	SchoolID   string
	CustomerID string
	PlanID     string
	SuccessURL string
	CancelURL  string
}

// Processor is the payment processor the billing facade talks to. Every call happens
// outside of any engine transaction.
type Processor interface {
	CreateCustomer(ctx context.Context, schoolID, email string) (string, error)
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (string, error)
	CreateBillingPortalSession(ctx context.Context, customerID, returnURL string) (string, error)
	CancelSubscription(ctx context.Context, subscriptionID string, atPeriodEnd bool) error
	ResumeSubscription(ctx context.Context, subscriptionID string) error
	SyncPlans(ctx context.Context, plans []plan.Plan) error
}
