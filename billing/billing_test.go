package billing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/zllovesuki/schoolplan/customer"
	"github.com/zllovesuki/schoolplan/external"
	"github.com/zllovesuki/schoolplan/gate"
	"github.com/zllovesuki/schoolplan/plan"
	"github.com/zllovesuki/schoolplan/subscription"
	"github.com/zllovesuki/schoolplan/usage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var now = time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)

type fakeProcessor struct {
	mu        sync.Mutex
	customers int
	checkouts []external.CheckoutRequest
	cancels   []string
	resumes   []string
	synced    []plan.Plan
	err       error
}

func (f *fakeProcessor) CreateCustomer(ctx context.Context, schoolID, email string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.customers++
	return "cus_" + schoolID, nil
}

func (f *fakeProcessor) CreateCheckoutSession(ctx context.Context, req external.CheckoutRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkouts = append(f.checkouts, req)
	return "https://checkout.example/" + req.SchoolID, nil
}

func (f *fakeProcessor) CreateBillingPortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	return "https://portal.example/" + customerID, nil
}

func (f *fakeProcessor) CancelSubscription(ctx context.Context, subscriptionID string, atPeriodEnd bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.cancels = append(f.cancels, subscriptionID)
	return nil
}

func (f *fakeProcessor) ResumeSubscription(ctx context.Context, subscriptionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.resumes = append(f.resumes, subscriptionID)
	return nil
}

func (f *fakeProcessor) SyncPlans(ctx context.Context, plans []plan.Plan) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.synced = plans
	return f.err
}

type fixture struct {
	billing   *Billing
	processor *fakeProcessor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	clock := func() time.Time { return now }
	catalog, err := plan.NewCatalog(plan.CatalogOptions{DB: db, Logger: zap.NewNop()})
	require.NoError(t, err)
	for _, p := range []plan.Plan{
		{
			ID: "basic", Name: "Basic", Price: 2900, Currency: "usd", BillingInterval: plan.Monthly, TrialDays: 14,
			Limits:   plan.Limits{MaxStudents: 50, MaxTeachers: 5, MaxClasses: 10, StorageGB: 5, MonthlyExports: 20},
			Features: plan.FeatureSet{plan.Materials, plan.Assignments},
			IsActive: true,
		},
		{
			ID: "legacy", Name: "Legacy", Price: 900, Currency: "usd", BillingInterval: plan.Monthly,
			IsActive: false,
		},
	} {
		_, err := catalog.Upsert(ctx, p)
		require.NoError(t, err)
	}
	subscriptions, err := subscription.NewManager(subscription.Options{
		DB: db, Logger: zap.NewNop(), Catalog: catalog, Clock: clock,
	})
	require.NoError(t, err)
	meter, err := usage.NewMeter(usage.Options{
		DB: db, Logger: zap.NewNop(), Plans: subscriptions, Clock: clock,
		Entities: usage.TableCounter{Sources: map[plan.Resource]usage.TableSource{}},
	})
	require.NoError(t, err)
	g, err := gate.New(gate.Options{Subscriptions: subscriptions, Plans: catalog, Meter: meter, Logger: zap.NewNop()})
	require.NoError(t, err)
	processor := &fakeProcessor{}
	customers, err := customer.NewManager(zap.NewNop(), db, processor)
	require.NoError(t, err)

	b, err := New(Options{
		Catalog:       catalog,
		Subscriptions: subscriptions,
		Meter:         meter,
		Gate:          g,
		Customers:     customers,
		Processor:     processor,
		Logger:        zap.NewNop(),
		Clock:         clock,
	})
	require.NoError(t, err)
	return &fixture{billing: b, processor: processor}
}

func (f *fixture) activate(t *testing.T, schoolID string) {
	t.Helper()
	_, err := f.billing.Subscriptions.Enroll(context.Background(), schoolID)
	require.NoError(t, err)
	_, err = f.billing.Subscriptions.ApplyCheckoutCompleted(context.Background(), schoolID, subscription.Event{
		ID:      "evt_checkout_" + schoolID,
		Type:    subscription.EventCheckoutCompleted,
		Payload: subscription.Payload{PlanID: "basic", SubscriptionID: "sub_" + schoolID},
	})
	require.NoError(t, err)
}

func TestNewOptions(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestStartCheckout(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	req := CheckoutRequest{PlanID: "basic", Email: "office@school.example", SuccessURL: "https://app.example/ok", CancelURL: "https://app.example/no"}

	url, err := f.billing.StartCheckout(ctx, "school-1", req)
	require.NoError(t, err)
	assert.Equal(t, "https://checkout.example/school-1", url)

	_, err = f.billing.StartCheckout(ctx, "school-1", req)
	require.NoError(t, err)
	assert.Equal(t, 1, f.processor.customers)
	require.Len(t, f.processor.checkouts, 2)
	assert.Equal(t, "cus_school-1", f.processor.checkouts[0].CustomerID)

	// checkout alone does not change the subscription
	sub, err := f.billing.Subscriptions.Get(ctx, "school-1")
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusExpired, sub.Status)

	req.PlanID = "legacy"
	_, err = f.billing.StartCheckout(ctx, "school-1", req)
	assert.True(t, plan.IsValidationError(err))
	req.PlanID = "gold"
	_, err = f.billing.StartCheckout(ctx, "school-1", req)
	assert.True(t, plan.IsValidationError(err))
}

func TestStartTrialEnrolls(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	sub, err := f.billing.StartTrial(ctx, "school-1", "basic")
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusTrial, sub.Status)
	assert.True(t, now.AddDate(0, 0, 14).Equal(sub.CurrentPeriodEnd))

	_, err = f.billing.StartTrial(ctx, "school-1", "basic")
	var used *subscription.TrialAlreadyUsedError
	assert.ErrorAs(t, err, &used)
}

func TestPortalURL(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.billing.PortalURL(ctx, "school-1", "https://app.example")
	assert.True(t, errors.Is(err, ErrNoCustomer))

	_, err = f.billing.Customers.Ensure(ctx, "school-1", "office@school.example")
	require.NoError(t, err)
	url, err := f.billing.PortalURL(ctx, "school-1", "https://app.example")
	require.NoError(t, err)
	assert.Equal(t, "https://portal.example/cus_school-1", url)
}

func TestCancelCallsProcessorFirst(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.activate(t, "school-1")

	f.processor.err = errors.New("processor unavailable")
	_, err := f.billing.Cancel(ctx, "school-1", true)
	assert.Error(t, err)
	sub, err := f.billing.Subscriptions.Get(ctx, "school-1")
	require.NoError(t, err)
	assert.False(t, sub.CancelAtPeriodEnd)

	f.processor.err = nil
	sub, err = f.billing.Cancel(ctx, "school-1", true)
	require.NoError(t, err)
	assert.True(t, sub.CancelAtPeriodEnd)
	assert.Equal(t, subscription.StatusActive, sub.Status)
	assert.Equal(t, []string{"sub_school-1"}, f.processor.cancels)

	// repeating a scheduled cancel does not call the processor again
	_, err = f.billing.Cancel(ctx, "school-1", true)
	require.NoError(t, err)
	assert.Len(t, f.processor.cancels, 1)

	sub, err = f.billing.Reactivate(ctx, "school-1")
	require.NoError(t, err)
	assert.False(t, sub.CancelAtPeriodEnd)
	assert.Equal(t, []string{"sub_school-1"}, f.processor.resumes)

	sub, err = f.billing.Cancel(ctx, "school-1", false)
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusCancelled, sub.Status)
	assert.Len(t, f.processor.cancels, 2)

	// already cancelled is a no-op everywhere
	_, err = f.billing.Cancel(ctx, "school-1", false)
	require.NoError(t, err)
	assert.Len(t, f.processor.cancels, 2)
}

func TestSummary(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.activate(t, "school-1")
	require.NoError(t, f.billing.Meter.CheckAndReserve(ctx, "school-1", plan.Students, 25))

	summary, err := f.billing.Summary(ctx, "school-1")
	require.NoError(t, err)
	assert.True(t, summary.IsActive)
	require.NotNil(t, summary.Plan)
	assert.Equal(t, "basic", summary.Plan.ID)
	assert.Equal(t, 31, summary.DaysUntilExpiry)
	assert.Equal(t, int64(25), summary.Usage[plan.Students].Current)
	assert.Equal(t, 50, summary.Usage[plan.Students].Percent)
	require.Len(t, summary.Limits, len(plan.Resources))

	_, err = f.billing.Subscriptions.Enroll(ctx, "school-2")
	require.NoError(t, err)
	summary, err = f.billing.Summary(ctx, "school-2")
	require.NoError(t, err)
	assert.False(t, summary.IsActive)
	assert.Nil(t, summary.Plan)
	assert.Equal(t, int64(0), summary.Usage[plan.Students].Limit)

	_, err = f.billing.Summary(ctx, "nobody")
	assert.True(t, errors.Is(err, subscription.ErrNotFound))
}

func TestSavePlanSyncsProcessor(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	gold := plan.Plan{
		ID: "gold", Name: "Gold", Price: 9900, Currency: "usd", BillingInterval: plan.Monthly,
		Limits:   plan.Limits{MaxStudents: 500, MaxTeachers: 50, MaxClasses: 100, StorageGB: 50, MonthlyExports: 200},
		IsActive: true,
	}

	// sync disabled leaves the processor alone
	_, err := f.billing.SavePlan(ctx, gold)
	require.NoError(t, err)
	assert.Nil(t, f.processor.synced)

	f.billing.SyncPlans = true
	gold.Price = 10900
	saved, err := f.billing.SavePlan(ctx, gold)
	require.NoError(t, err)
	assert.Equal(t, 2, saved.Version)
	require.Len(t, f.processor.synced, 1)
	assert.Equal(t, "gold", f.processor.synced[0].ID)
	assert.Equal(t, int64(10900), f.processor.synced[0].Price)

	f.processor.err = errors.New("stripe down")
	gold.Price = 11900
	saved, err = f.billing.SavePlan(ctx, gold)
	assert.ErrorIs(t, err, ErrPlanNotSynced)
	assert.Equal(t, 3, saved.Version)

	// the catalog keeps the edit even when the processor failed
	current, err := f.billing.Catalog.GetPlan(ctx, "gold")
	require.NoError(t, err)
	assert.Equal(t, int64(11900), current.Price)

	_, err = f.billing.SavePlan(ctx, plan.Plan{ID: "broken"})
	assert.True(t, plan.IsValidationError(err))
}
