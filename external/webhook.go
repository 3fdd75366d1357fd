package external

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/zllovesuki/schoolplan/subscription"

	extErrors "github.com/pkg/errors"
	"github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/webhook"
)

var lookupKeyRegex = regexp.MustCompile("[^a-zA-Z0-9_-]+")

const lookupKeyPrefix = "schoolplan_"

// LookupKey returns the Stripe price lookup key of a plan
func LookupKey(planID string) string {
	return lookupKeyPrefix + lookupKeyRegex.ReplaceAllString(planID, "_")
}

func planFromPrice(price *stripe.Price) string {
	if price == nil {
		return ""
	}
	if id := price.Metadata[metadataPlanID]; id != "" {
		return id
	}
	return strings.TrimPrefix(price.LookupKey, lookupKeyPrefix)
}

// ParseWebhook verifies the Stripe-Signature header and decodes the event.
// Events the engine does not consume yield ErrUnsupportedEvent.
func (s *Stripe) ParseWebhook(payload []byte, signature string) (subscription.Event, error) {
	ev, err := webhook.ConstructEvent(payload, signature, s.WebhookSecret)
	if err != nil {
		return subscription.Event{}, extErrors.Wrap(ErrInvalidSignature, err.Error())
	}
	return DecodeEvent(ev)
}

func unix(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

func customerID(c *stripe.Customer) string {
	if c == nil {
		return ""
	}
	return c.ID
}

func subscriptionID(s *stripe.Subscription) string {
	if s == nil {
		return ""
	}
	return s.ID
}

func decodeObject(ev stripe.Event, v interface{}) error {
	if ev.Data == nil || len(ev.Data.Raw) == 0 {
		return extErrors.Wrapf(ErrMalformedEvent, "event %s has no data", ev.ID)
	}
	if err := json.Unmarshal(ev.Data.Raw, v); err != nil {
		return extErrors.Wrapf(ErrMalformedEvent, "event %s: %s", ev.ID, err.Error())
	}
	return nil
}

// DecodeEvent translates a verified Stripe event into a billing event
func DecodeEvent(ev stripe.Event) (subscription.Event, error) {
	out := subscription.Event{
		ID:         ev.ID,
		OccurredAt: unix(ev.Created),
	}
	switch ev.Type {
	case "checkout.session.completed":
		var cs stripe.CheckoutSession
		if err := decodeObject(ev, &cs); err != nil {
			return out, err
		}
		if cs.Mode != stripe.CheckoutSessionModeSubscription {
			return out, ErrUnsupportedEvent
		}
		out.Type = subscription.EventCheckoutCompleted
		out.SchoolID = cs.ClientReferenceID
		if out.SchoolID == "" {
			out.SchoolID = cs.Metadata[metadataSchoolID]
		}
		out.CustomerID = customerID(cs.Customer)
		out.Payload.PlanID = cs.Metadata[metadataPlanID]
		out.Payload.SubscriptionID = subscriptionID(cs.Subscription)

	case "invoice.paid", "invoice.payment_failed":
		var inv stripe.Invoice
		if err := decodeObject(ev, &inv); err != nil {
			return out, err
		}
		if inv.Subscription == nil {
			// one-off invoices do not affect the subscription
			return out, ErrUnsupportedEvent
		}
		out.Type = subscription.EventInvoicePaid
		if ev.Type == "invoice.payment_failed" {
			out.Type = subscription.EventInvoicePaymentFailed
		}
		out.CustomerID = customerID(inv.Customer)
		out.Payload.SubscriptionID = subscriptionID(inv.Subscription)
		if inv.Lines != nil {
			for _, line := range inv.Lines.Data {
				if line == nil || line.Price == nil {
					continue
				}
				out.Payload.PlanID = planFromPrice(line.Price)
				if line.Period != nil && out.Type == subscription.EventInvoicePaid {
					out.Payload.PeriodStart = unix(line.Period.Start)
					out.Payload.PeriodEnd = unix(line.Period.End)
				}
				break
			}
		}

	case "customer.subscription.deleted", "customer.subscription.updated":
		var sub stripe.Subscription
		if err := decodeObject(ev, &sub); err != nil {
			return out, err
		}
		out.Type = subscription.EventSubscriptionCancelled
		if ev.Type == "customer.subscription.updated" {
			out.Type = subscription.EventSubscriptionUpdated
			cancel := sub.CancelAtPeriodEnd
			out.Payload.CancelAtPeriodEnd = &cancel
			out.Payload.PeriodStart = unix(sub.CurrentPeriodStart)
			out.Payload.PeriodEnd = unix(sub.CurrentPeriodEnd)
			if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0] != nil {
				out.Payload.PlanID = planFromPrice(sub.Items.Data[0].Price)
			}
		}
		out.CustomerID = customerID(sub.Customer)
		out.Payload.SubscriptionID = sub.ID
		out.SchoolID = sub.Metadata[metadataSchoolID]

	default:
		return out, ErrUnsupportedEvent
	}
	out.Payload.CustomerID = out.CustomerID
	return out, nil
}
