package subscription

import "time"

// EventType is the closed set of billing events the engine understands
type EventType string

// Defining the billing event types
const (
	EventCheckoutCompleted     EventType = "checkout.completed"
	EventInvoicePaid           EventType = "invoice.paid"
	EventInvoicePaymentFailed  EventType = "invoice.payment_failed"
	EventSubscriptionCancelled EventType = "subscription.cancelled"
	EventSubscriptionUpdated   EventType = "subscription.updated"
)

// EventTypes lists every billing event type
var EventTypes = []EventType{
	EventCheckoutCompleted,
	EventInvoicePaid,
	EventInvoicePaymentFailed,
	EventSubscriptionCancelled,
	EventSubscriptionUpdated,
}

// Event is a billing event delivered by the payment processor
type Event struct {
	ID         string    // Idempotency key assigned by the processor
	Type       EventType
	SchoolID   string    // May be empty, then resolved through CustomerID
	CustomerID string    // Processor customer reference
	OccurredAt time.Time // Processor timestamp, only used for audit logging
	Payload    Payload
}

// Payload carries the event details the state machine may use
type Payload struct {
	PlanID            string
	SubscriptionID    string
	CustomerID        string
	PeriodStart       time.Time
	PeriodEnd         time.Time
	CancelAtPeriodEnd *bool
}
