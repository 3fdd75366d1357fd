package external

import (
	"context"
	"fmt"

	"github.com/zllovesuki/schoolplan/plan"

	extErrors "github.com/pkg/errors"
	"github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/client"
	"go.uber.org/zap"
)

const (
	metadataSchoolID = "school_id"
	metadataPlanID   = "plan_id"
)

// NewStripeClient returns a Stripe API client. backends may be nil for the default endpoints.
func NewStripeClient(key string, backends *stripe.Backends) *client.API {
	sc := &client.API{}
	sc.Init(key, backends)
	return sc
}

// StripeOptions contains the configuration for a Stripe processor
type StripeOptions struct {
	Client        *client.API
	WebhookSecret string
	Logger        *zap.Logger
}

// Stripe implements Processor on top of Stripe Checkout and Billing
type Stripe struct {
	StripeOptions
}

// NewStripe returns a new Stripe processor
func NewStripe(option StripeOptions) (*Stripe, error) {
	if option.Client == nil {
		return nil, fmt.Errorf("nil Client is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Stripe{
		StripeOptions: option,
	}, nil
}

// CreateCustomer creates the Stripe customer of a school and returns its ID
func (s *Stripe) CreateCustomer(ctx context.Context, schoolID, email string) (string, error) {
	params := &stripe.CustomerParams{
		Params: stripe.Params{
			Context: ctx,
		},
		Email: stripe.String(email),
	}
	params.AddMetadata(metadataSchoolID, schoolID)

	c, err := s.Client.Customers.New(params)
	if err != nil {
		s.Logger.Error("Stripe returned error",
			zap.String("SchoolID", schoolID),
			zap.Error(err),
		)
		return "", extErrors.Wrap(err, "Cannot create a new Customer")
	}
	return c.ID, nil
}

// activePrice returns the active price carrying the plan's lookup key, or nil
func (s *Stripe) activePrice(ctx context.Context, planID string) (*stripe.Price, error) {
	params := &stripe.PriceListParams{
		ListParams: stripe.ListParams{
			Context: ctx,
		},
		Active: stripe.Bool(true),
		LookupKeys: []*string{
			stripe.String(LookupKey(planID)),
		},
	}
	iter := s.Client.Prices.List(params)
	var found *stripe.Price
	for iter.Next() {
		if found == nil {
			found = iter.Price()
		}
	}
	if err := iter.Err(); err != nil {
		return nil, extErrors.Wrap(err, "Cannot list prices for plan")
	}
	return found, nil
}

// CreateCheckoutSession starts a hosted subscription checkout and returns its URL.
// The school travels as the client reference so the completion event can be routed back.
func (s *Stripe) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (string, error) {
	price, err := s.activePrice(ctx, req.PlanID)
	if err != nil {
		return "", err
	}
	if price == nil {
		return "", fmt.Errorf("no active Stripe price for plan %q, sync plans first", req.PlanID)
	}

	params := &stripe.CheckoutSessionParams{
		Params: stripe.Params{
			Context: ctx,
		},
		Customer:           stripe.String(req.CustomerID),
		ClientReferenceID:  stripe.String(req.SchoolID),
		Mode:               stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		SuccessURL:         stripe.String(req.SuccessURL),
		CancelURL:          stripe.String(req.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(price.ID),
				Quantity: stripe.Int64(1),
			},
		},
	}
	params.AddMetadata(metadataSchoolID, req.SchoolID)
	params.AddMetadata(metadataPlanID, req.PlanID)

	sess, err := s.Client.CheckoutSessions.New(params)
	if err != nil {
		s.Logger.Error("Unable to create checkout session in Stripe",
			zap.String("SchoolID", req.SchoolID),
			zap.String("PlanID", req.PlanID),
			zap.Error(err),
		)
		return "", extErrors.Wrap(err, "Cannot create checkout session")
	}
	return sess.URL, nil
}

// CreateBillingPortalSession returns the URL of the self-service billing portal
func (s *Stripe) CreateBillingPortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	params := &stripe.BillingPortalSessionParams{
		Params: stripe.Params{
			Context: ctx,
		},
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	}
	sess, err := s.Client.BillingPortalSessions.New(params)
	if err != nil {
		return "", extErrors.Wrap(err, "Cannot create billing portal session")
	}
	return sess.URL, nil
}

// CancelSubscription ends the Stripe subscription now, or schedules it for the period end
func (s *Stripe) CancelSubscription(ctx context.Context, subscriptionID string, atPeriodEnd bool) error {
	if atPeriodEnd {
		_, err := s.Client.Subscriptions.Update(subscriptionID, &stripe.SubscriptionParams{
			Params: stripe.Params{
				Context: ctx,
			},
			CancelAtPeriodEnd: stripe.Bool(true),
		})
		return extErrors.Wrap(err, "Cannot schedule subscription cancellation")
	}
	_, err := s.Client.Subscriptions.Cancel(subscriptionID, &stripe.SubscriptionCancelParams{
		Params: stripe.Params{
			Context: ctx,
		},
	})
	return extErrors.Wrap(err, "Cannot cancel subscription")
}

// ResumeSubscription clears a scheduled cancellation
func (s *Stripe) ResumeSubscription(ctx context.Context, subscriptionID string) error {
	_, err := s.Client.Subscriptions.Update(subscriptionID, &stripe.SubscriptionParams{
		Params: stripe.Params{
			Context: ctx,
		},
		CancelAtPeriodEnd: stripe.Bool(false),
	})
	return extErrors.Wrap(err, "Cannot resume subscription")
}

// SyncPlans makes sure every active plan has a matching recurring price on Stripe.
// A plan whose price, currency or interval changed gets a new price that takes over
// the lookup key; existing subscribers keep their old price until they change plans.
func (s *Stripe) SyncPlans(ctx context.Context, plans []plan.Plan) error {
	for _, p := range plans {
		if !p.IsActive {
			continue
		}
		if err := s.ensurePrice(ctx, p); err != nil {
			return extErrors.Wrapf(err, "Cannot sync plan %s", p.ID)
		}
	}
	return nil
}

func priceMatches(price *stripe.Price, p plan.Plan) bool {
	if price.UnitAmount != p.Price || string(price.Currency) != p.Currency {
		return false
	}
	return price.Recurring != nil && string(price.Recurring.Interval) == string(p.BillingInterval)
}

func (s *Stripe) ensurePrice(ctx context.Context, p plan.Plan) error {
	existing, err := s.activePrice(ctx, p.ID)
	if err != nil {
		return err
	}
	if existing != nil && priceMatches(existing, p) {
		return nil
	}

	var productID string
	if existing != nil && existing.Product != nil {
		productID = existing.Product.ID
	} else {
		prodParams := &stripe.ProductParams{
			Params: stripe.Params{
				Context: ctx,
			},
			Active: stripe.Bool(true),
			Name:   stripe.String(p.Name),
		}
		prodParams.AddMetadata(metadataPlanID, p.ID)
		product, err := s.Client.Products.New(prodParams)
		if err != nil {
			return err
		}
		productID = product.ID
	}

	priceParams := &stripe.PriceParams{
		Params: stripe.Params{
			Context: ctx,
		},
		Active:            stripe.Bool(true),
		Nickname:          stripe.String(fmt.Sprintf("%s v%d", p.Name, p.Version)),
		Currency:          stripe.String(p.Currency),
		UnitAmount:        stripe.Int64(p.Price),
		Product:           stripe.String(productID),
		LookupKey:         stripe.String(LookupKey(p.ID)),
		TransferLookupKey: stripe.Bool(existing != nil),
		Recurring: &stripe.PriceRecurringParams{
			Interval:      stripe.String(string(p.BillingInterval)),
			IntervalCount: stripe.Int64(1),
			UsageType:     stripe.String("licensed"),
		},
	}
	priceParams.AddMetadata(metadataPlanID, p.ID)
	price, err := s.Client.Prices.New(priceParams)
	if err != nil {
		return err
	}
	s.Logger.Info("Created Stripe price for plan",
		zap.String("PlanID", p.ID),
		zap.Int("PlanVersion", p.Version),
		zap.String("PriceID", price.ID),
	)
	return nil
}
