package subscription

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/zllovesuki/schoolplan/ledger"
	"github.com/zllovesuki/schoolplan/plan"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingNotifier struct {
	mu      sync.Mutex
	changes []Change
}

func (n *recordingNotifier) Notify(ctx context.Context, c Change) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.changes = append(n.changes, c)
	return nil
}

func (n *recordingNotifier) Statuses() []Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Status, 0, len(n.changes))
	for _, c := range n.changes {
		out = append(out, c.To)
	}
	return out
}

type fixture struct {
	db       *gorm.DB
	catalog  *plan.Catalog
	manager  *Manager
	clock    *testClock
	notifier *recordingNotifier
}

var testPlans = []plan.Plan{
	{
		ID:              "basic",
		Name:            "Basic",
		Price:           2900,
		Currency:        "usd",
		BillingInterval: plan.Monthly,
		TrialDays:       14,
		Limits:          plan.Limits{MaxStudents: 50, MaxTeachers: 5, MaxClasses: 10, StorageGB: 5, MonthlyExports: 20},
		Features:        plan.FeatureSet{plan.Materials, plan.Templates, plan.Assignments, plan.BasicAnalytics},
		IsActive:        true,
	},
	{
		ID:              "pro",
		Name:            "Pro",
		Price:           9900,
		Currency:        "usd",
		BillingInterval: plan.Monthly,
		TrialDays:       30,
		Limits:          plan.Limits{MaxStudents: 500, MaxTeachers: 50, MaxClasses: 100, StorageGB: 50, MonthlyExports: 200, CustomTemplates: 25},
		Features:        plan.FeatureSet{plan.Materials, plan.Templates, plan.Assignments, plan.BasicAnalytics, plan.AdvancedAnalytics},
		IsActive:        true,
	},
	{
		ID:              "district",
		Name:            "District",
		Price:           199900,
		Currency:        "usd",
		BillingInterval: plan.Yearly,
		Limits:          plan.Limits{MaxStudents: plan.Unlimited, MaxTeachers: plan.Unlimited, MaxClasses: plan.Unlimited, StorageGB: plan.Unlimited, MonthlyExports: plan.Unlimited, CustomTemplates: plan.Unlimited},
		Features:        plan.FeatureSet{plan.Materials, plan.WhiteLabeling},
		IsActive:        true,
	},
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	catalog, err := plan.NewCatalog(plan.CatalogOptions{
		DB:     db,
		Logger: zap.NewNop(),
	})
	require.NoError(t, err)
	for _, p := range testPlans {
		_, err := catalog.Upsert(context.Background(), p)
		require.NoError(t, err)
	}

	clock := &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	notifier := &recordingNotifier{}
	manager, err := NewManager(Options{
		DB:               db,
		Logger:           zap.NewNop(),
		Catalog:          catalog,
		Notifier:         notifier,
		PastDueWindow:    72 * time.Hour,
		GraceWindow:      7 * 24 * time.Hour,
		FailureThreshold: 3,
		Clock:            clock.Now,
	})
	require.NoError(t, err)

	return &fixture{
		db:       db,
		catalog:  catalog,
		manager:  manager,
		clock:    clock,
		notifier: notifier,
	}
}

var eventSeq int

func newEvent(eventType EventType, payload Payload) Event {
	eventSeq++
	return Event{
		ID:      fmt.Sprintf("evt_%d", eventSeq),
		Type:    eventType,
		Payload: payload,
	}
}

// subscribe takes school through checkout on planID
func (f *fixture) subscribe(t *testing.T, schoolID, planID string) *Subscription {
	t.Helper()
	ctx := context.Background()
	_, err := f.manager.Enroll(ctx, schoolID)
	require.NoError(t, err)
	sub, err := f.manager.ApplyCheckoutCompleted(ctx, schoolID, newEvent(EventCheckoutCompleted, Payload{
		PlanID:         planID,
		SubscriptionID: "sub_" + schoolID,
		CustomerID:     "cus_" + schoolID,
	}))
	require.NoError(t, err)
	require.Equal(t, StatusActive, sub.Status)
	return sub
}

func TestNewManagerOptions(t *testing.T) {
	_, err := NewManager(Options{Logger: zap.NewNop()})
	assert.Error(t, err)

	f := newFixture(t)
	_, err = NewManager(Options{DB: f.db, Logger: zap.NewNop()})
	assert.Error(t, err)
}

func TestTransitionTableIsComplete(t *testing.T) {
	require.NoError(t, validateTransitions(transitions))

	partial := map[Status]map[Trigger]effect{}
	for status, row := range transitions {
		partial[status] = map[Trigger]effect{}
		for trigger, fn := range row {
			partial[status][trigger] = fn
		}
	}
	delete(partial[StatusGracePeriod], TriggerSweep)
	assert.Error(t, validateTransitions(partial))

	delete(partial, StatusExpired)
	assert.Error(t, validateTransitions(partial))
}

func TestEnroll(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	sub, err := f.manager.Enroll(ctx, "school-1")
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, sub.Status)
	assert.False(t, sub.TrialUsed)
	assert.False(t, sub.Entitled())

	_, err = f.manager.ActivateTrial(ctx, "school-1", "basic")
	require.NoError(t, err)

	// enrolling again must not reset anything
	sub, err = f.manager.Enroll(ctx, "school-1")
	require.NoError(t, err)
	assert.Equal(t, StatusTrial, sub.Status)
	assert.True(t, sub.TrialUsed)

	_, err = f.manager.Enroll(ctx, "")
	assert.True(t, plan.IsValidationError(err))

	_, err = f.manager.Get(ctx, "school-2")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.manager.Enroll(ctx, "school-0")
	require.NoError(t, err)
	schoolIDs, err := f.manager.SchoolIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"school-0", "school-1"}, schoolIDs)
}

func TestActivateTrial(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	now := f.clock.Now()

	_, err := f.manager.Enroll(ctx, "school-1")
	require.NoError(t, err)

	sub, err := f.manager.ActivateTrial(ctx, "school-1", "basic")
	require.NoError(t, err)
	assert.Equal(t, StatusTrial, sub.Status)
	assert.True(t, sub.TrialUsed)
	assert.True(t, sub.Entitled())
	assert.Equal(t, "basic", sub.PlanID)
	assert.Equal(t, 1, sub.PlanVersion)
	assert.True(t, now.Equal(sub.CurrentPeriodStart))
	assert.True(t, now.AddDate(0, 0, 14).Equal(sub.CurrentPeriodEnd))

	// a second trial is refused while in trial
	_, err = f.manager.ActivateTrial(ctx, "school-1", "pro")
	var used *TrialAlreadyUsedError
	require.ErrorAs(t, err, &used)

	// and after cancelling, on a different plan
	_, err = f.manager.Cancel(ctx, "school-1", false)
	require.NoError(t, err)
	_, err = f.manager.ActivateTrial(ctx, "school-1", "pro")
	require.ErrorAs(t, err, &used)

	sub, err = f.manager.Get(ctx, "school-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, sub.Status)
	assert.Equal(t, "basic", sub.PlanID)
}

func TestActivateTrialRejections(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.manager.ActivateTrial(ctx, "nobody", "basic")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.manager.Enroll(ctx, "school-1")
	require.NoError(t, err)

	_, err = f.manager.ActivateTrial(ctx, "school-1", "district")
	assert.True(t, plan.IsValidationError(err))

	_, err = f.manager.ActivateTrial(ctx, "school-1", "missing")
	assert.ErrorIs(t, err, plan.ErrPlanNotFound)

	_, err = f.catalog.Retire(ctx, "pro")
	require.NoError(t, err)
	_, err = f.manager.ActivateTrial(ctx, "school-1", "pro")
	assert.True(t, plan.IsValidationError(err))

	// a paying school that never had a trial cannot start one
	f.subscribe(t, "school-2", "basic")
	_, err = f.manager.ActivateTrial(ctx, "school-2", "basic")
	var invalid *InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, StatusActive, invalid.Status)

	sub, err := f.manager.Get(ctx, "school-1")
	require.NoError(t, err)
	assert.False(t, sub.TrialUsed)
}

func TestCheckoutCompleted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	now := f.clock.Now()

	_, err := f.manager.Enroll(ctx, "school-1")
	require.NoError(t, err)
	_, err = f.manager.ActivateTrial(ctx, "school-1", "basic")
	require.NoError(t, err)

	periodEnd := now.AddDate(0, 1, 0)
	sub, err := f.manager.ApplyCheckoutCompleted(ctx, "school-1", newEvent(EventCheckoutCompleted, Payload{
		PlanID:         "pro",
		SubscriptionID: "sub_1",
		CustomerID:     "cus_1",
		PeriodStart:    now,
		PeriodEnd:      periodEnd,
	}))
	require.NoError(t, err)
	assert.Equal(t, StatusActive, sub.Status)
	assert.Equal(t, "pro", sub.PlanID)
	assert.True(t, sub.TrialUsed)
	assert.Equal(t, "sub_1", sub.ExternalSubscriptionID)
	assert.Equal(t, "cus_1", sub.ExternalCustomerID)
	assert.True(t, periodEnd.Equal(sub.CurrentPeriodEnd))

	byCustomer, err := f.manager.GetByExternalCustomer(ctx, "cus_1")
	require.NoError(t, err)
	assert.Equal(t, "school-1", byCustomer.SchoolID)

	_, err = f.manager.GetByExternalCustomer(ctx, "cus_unknown")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.manager.ApplyCheckoutCompleted(ctx, "school-1", newEvent(EventCheckoutCompleted, Payload{PlanID: "missing"}))
	assert.True(t, plan.IsValidationError(err))
}

func TestPaymentFailedThenSucceeded(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.subscribe(t, "school-1", "basic")

	sub, err := f.manager.ApplyPaymentFailed(ctx, "school-1", newEvent(EventInvoicePaymentFailed, Payload{}))
	require.NoError(t, err)
	assert.Equal(t, StatusPastDue, sub.Status)
	assert.Equal(t, 1, sub.PaymentFailureCount)
	require.NotNil(t, sub.PastDueSince)

	sub, err = f.manager.ApplyPaymentSucceeded(ctx, "school-1", newEvent(EventInvoicePaid, Payload{}))
	require.NoError(t, err)
	assert.Equal(t, StatusActive, sub.Status)
	assert.Equal(t, 0, sub.PaymentFailureCount)
	assert.Nil(t, sub.PastDueSince)
}

func TestPaymentFailedEscalation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.subscribe(t, "school-1", "basic")

	expected := []Status{StatusPastDue, StatusPastDue, StatusGracePeriod, StatusGracePeriod}
	for i, status := range expected {
		sub, err := f.manager.ApplyPaymentFailed(ctx, "school-1", newEvent(EventInvoicePaymentFailed, Payload{}))
		require.NoError(t, err)
		assert.Equal(t, status, sub.Status, "after failure %d", i+1)
		assert.Equal(t, i+1, sub.PaymentFailureCount)
		assert.NotEqual(t, StatusExpired, sub.Status)
	}

	sub, err := f.manager.Get(ctx, "school-1")
	require.NoError(t, err)
	require.NotNil(t, sub.GraceEndsAt)
	assert.True(t, f.clock.Now().Add(7*24*time.Hour).Equal(*sub.GraceEndsAt))
	assert.True(t, sub.Entitled())

	sub, err = f.manager.ApplyPaymentSucceeded(ctx, "school-1", newEvent(EventInvoicePaid, Payload{}))
	require.NoError(t, err)
	assert.Equal(t, StatusActive, sub.Status)
	assert.Nil(t, sub.GraceEndsAt)
}

func TestTrialPaymentFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.manager.Enroll(ctx, "school-1")
	require.NoError(t, err)
	_, err = f.manager.ActivateTrial(ctx, "school-1", "basic")
	require.NoError(t, err)

	sub, err := f.manager.ApplyPaymentFailed(ctx, "school-1", newEvent(EventInvoicePaymentFailed, Payload{}))
	require.NoError(t, err)
	assert.Equal(t, StatusPastDue, sub.Status)
}

func TestEventIdempotence(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.subscribe(t, "school-1", "basic")

	paid := newEvent(EventInvoicePaid, Payload{})
	once, err := f.manager.ApplyPaymentSucceeded(ctx, "school-1", paid)
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	twice, err := f.manager.ApplyPaymentSucceeded(ctx, "school-1", paid)
	require.NoError(t, err)

	assert.Equal(t, once.Status, twice.Status)
	assert.True(t, once.CurrentPeriodStart.Equal(twice.CurrentPeriodStart))
	assert.True(t, once.CurrentPeriodEnd.Equal(twice.CurrentPeriodEnd))
	assert.Equal(t, once.PaymentFailureCount, twice.PaymentFailureCount)

	failed := newEvent(EventInvoicePaymentFailed, Payload{})
	for i := 0; i < 3; i++ {
		_, err := f.manager.ApplyPaymentFailed(ctx, "school-1", failed)
		require.NoError(t, err)
	}
	sub, err := f.manager.Get(ctx, "school-1")
	require.NoError(t, err)
	assert.Equal(t, 1, sub.PaymentFailureCount)
	assert.Equal(t, StatusPastDue, sub.Status)

	seen, err := ledger.Seen(ctx, f.db, failed.ID)
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestConcurrentDuplicateDeliveries(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.subscribe(t, "school-1", "basic")

	failed := newEvent(EventInvoicePaymentFailed, Payload{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.manager.ApplyPaymentFailed(ctx, "school-1", failed)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	sub, err := f.manager.Get(ctx, "school-1")
	require.NoError(t, err)
	assert.Equal(t, 1, sub.PaymentFailureCount)
}

func TestLatePaymentAfterCancellation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.subscribe(t, "school-1", "basic")

	cancelled, err := f.manager.ApplyProcessorCancelled(ctx, "school-1", newEvent(EventSubscriptionCancelled, Payload{}))
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)

	late := newEvent(EventInvoicePaid, Payload{})
	sub, err := f.manager.ApplyPaymentSucceeded(ctx, "school-1", late)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, sub.Status)
	assert.True(t, cancelled.CurrentPeriodEnd.Equal(sub.CurrentPeriodEnd))

	// accepted as processed
	seen, err := ledger.Seen(ctx, f.db, late.ID)
	require.NoError(t, err)
	assert.True(t, seen)

	sub, err = f.manager.ApplyPaymentFailed(ctx, "school-1", newEvent(EventInvoicePaymentFailed, Payload{}))
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, sub.Status)
	assert.Equal(t, 0, sub.PaymentFailureCount)
}

func TestRejectedEventIsNotRecorded(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.subscribe(t, "school-1", "basic")

	bad := newEvent(EventCheckoutCompleted, Payload{PlanID: "missing"})
	_, err := f.manager.ApplyCheckoutCompleted(ctx, "school-1", bad)
	require.Error(t, err)

	seen, err := ledger.Seen(ctx, f.db, bad.ID)
	require.NoError(t, err)
	assert.False(t, seen)

	_, err = f.manager.ApplyPaymentSucceeded(ctx, "school-1", Event{Type: EventInvoicePaid})
	assert.True(t, plan.IsValidationError(err))

	_, err = f.manager.ApplyEvent(ctx, "school-1", Event{ID: "evt_x", Type: "charge.refunded"})
	assert.True(t, plan.IsValidationError(err))
}

func TestProcessorUpdated(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sub := f.subscribe(t, "school-1", "basic")

	flag := true
	newEnd := sub.CurrentPeriodEnd.AddDate(0, 1, 0)
	updated, err := f.manager.ApplyProcessorUpdated(ctx, "school-1", newEvent(EventSubscriptionUpdated, Payload{
		PlanID:            "pro",
		CancelAtPeriodEnd: &flag,
		PeriodStart:       sub.CurrentPeriodEnd,
		PeriodEnd:         newEnd,
	}))
	require.NoError(t, err)
	assert.Equal(t, StatusActive, updated.Status)
	assert.True(t, updated.CancelAtPeriodEnd)
	assert.Equal(t, "pro", updated.PlanID)
	assert.True(t, newEnd.Equal(updated.CurrentPeriodEnd))

	p, err := f.manager.EffectivePlan(ctx, "school-1")
	require.NoError(t, err)
	assert.Equal(t, "pro", p.ID)
}

func TestCancelIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.subscribe(t, "school-1", "basic")

	first, err := f.manager.Cancel(ctx, "school-1", false)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, first.Status)
	require.NotNil(t, first.CancelledAt)

	f.clock.Advance(time.Hour)
	second, err := f.manager.Cancel(ctx, "school-1", false)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, second.Status)
	assert.True(t, first.CancelledAt.Equal(*second.CancelledAt))

	_, err = f.manager.Cancel(ctx, "school-1", true)
	require.NoError(t, err)
}

func TestCancelAtPeriodEndThenSweep(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sub := f.subscribe(t, "school-1", "basic")

	sub, err := f.manager.Cancel(ctx, "school-1", true)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, sub.Status)
	assert.True(t, sub.CancelAtPeriodEnd)

	_, err = f.manager.Sweep(ctx, sub.CurrentPeriodEnd.Add(-time.Minute))
	require.NoError(t, err)
	unchanged, err := f.manager.Get(ctx, "school-1")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, unchanged.Status)

	report, err := f.manager.Sweep(ctx, sub.CurrentPeriodEnd)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Transitioned)
	ended, err := f.manager.Get(ctx, "school-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, ended.Status)
	assert.False(t, ended.Entitled())
}

func TestSweepExpiresLapsedSubscriptions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	active := f.subscribe(t, "school-1", "basic")
	f.subscribe(t, "school-2", "district")

	_, err := f.manager.Enroll(ctx, "school-3")
	require.NoError(t, err)
	trial, err := f.manager.ActivateTrial(ctx, "school-3", "basic")
	require.NoError(t, err)

	// the trial ends before the monthly period
	require.True(t, trial.CurrentPeriodEnd.Before(active.CurrentPeriodEnd))
	report, err := f.manager.Sweep(ctx, trial.CurrentPeriodEnd.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 3, report.Examined)
	assert.Equal(t, 1, report.Transitioned)

	sub, err := f.manager.Get(ctx, "school-3")
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, sub.Status)

	after := active.CurrentPeriodEnd.Add(time.Second)
	report, err = f.manager.Sweep(ctx, after)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Transitioned)

	sub, err = f.manager.Get(ctx, "school-1")
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, sub.Status)

	sub, err = f.manager.Get(ctx, "school-2")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, sub.Status)

	// second run is a no-op
	report, err = f.manager.Sweep(ctx, after)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Transitioned)
	assert.Equal(t, 1, report.Examined)
}

func TestSweepDelinquencyPath(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.subscribe(t, "school-1", "basic")

	sub, err := f.manager.ApplyPaymentFailed(ctx, "school-1", newEvent(EventInvoicePaymentFailed, Payload{}))
	require.NoError(t, err)
	require.Equal(t, StatusPastDue, sub.Status)
	pastDueSince := *sub.PastDueSince

	_, err = f.manager.Sweep(ctx, pastDueSince.Add(71*time.Hour))
	require.NoError(t, err)
	sub, err = f.manager.Get(ctx, "school-1")
	require.NoError(t, err)
	assert.Equal(t, StatusPastDue, sub.Status)

	graceStart := pastDueSince.Add(72 * time.Hour)
	_, err = f.manager.Sweep(ctx, graceStart)
	require.NoError(t, err)
	sub, err = f.manager.Get(ctx, "school-1")
	require.NoError(t, err)
	assert.Equal(t, StatusGracePeriod, sub.Status)
	require.NotNil(t, sub.GraceEndsAt)
	assert.True(t, sub.Entitled())

	deadline := *sub.GraceEndsAt
	_, err = f.manager.Sweep(ctx, deadline.Add(-time.Second))
	require.NoError(t, err)
	sub, err = f.manager.Get(ctx, "school-1")
	require.NoError(t, err)
	assert.Equal(t, StatusGracePeriod, sub.Status)

	_, err = f.manager.Sweep(ctx, deadline)
	require.NoError(t, err)
	sub, err = f.manager.Get(ctx, "school-1")
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, sub.Status)

	assert.Equal(t, []Status{StatusActive, StatusPastDue, StatusGracePeriod, StatusExpired}, f.notifier.Statuses())
}

func TestSweepRenewalLeeway(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.manager.RenewalLeeway = time.Hour
	sub := f.subscribe(t, "school-1", "basic")

	_, err := f.manager.Sweep(ctx, sub.CurrentPeriodEnd.Add(30*time.Minute))
	require.NoError(t, err)
	current, err := f.manager.Get(ctx, "school-1")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, current.Status)

	_, err = f.manager.Sweep(ctx, sub.CurrentPeriodEnd.Add(time.Hour))
	require.NoError(t, err)
	current, err = f.manager.Get(ctx, "school-1")
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, current.Status)
}

func TestSweepStopsOnCancelledContext(t *testing.T) {
	f := newFixture(t)
	sub := f.subscribe(t, "school-1", "basic")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.manager.Sweep(ctx, sub.CurrentPeriodEnd.Add(time.Hour))
	assert.Error(t, err)

	// nothing was half applied
	current, err := f.manager.Get(context.Background(), "school-1")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, current.Status)
}

func TestReactivate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.subscribe(t, "school-1", "basic")

	var notCancellable *NotCancellableError
	_, err := f.manager.Reactivate(ctx, "school-1")
	require.ErrorAs(t, err, &notCancellable)

	// pending cancellation is cleared
	_, err = f.manager.Cancel(ctx, "school-1", true)
	require.NoError(t, err)
	sub, err := f.manager.Reactivate(ctx, "school-1")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, sub.Status)
	assert.False(t, sub.CancelAtPeriodEnd)

	// immediate cancellation is undone before period end
	_, err = f.manager.ApplyPaymentFailed(ctx, "school-1", newEvent(EventInvoicePaymentFailed, Payload{}))
	require.NoError(t, err)
	_, err = f.manager.Cancel(ctx, "school-1", false)
	require.NoError(t, err)
	sub, err = f.manager.Reactivate(ctx, "school-1")
	require.NoError(t, err)
	assert.Equal(t, StatusPastDue, sub.Status)
	assert.Nil(t, sub.CancelledAt)

	// too late
	_, err = f.manager.Cancel(ctx, "school-1", false)
	require.NoError(t, err)
	f.clock.Advance(sub.CurrentPeriodEnd.Sub(f.clock.Now()))
	_, err = f.manager.Reactivate(ctx, "school-1")
	require.ErrorAs(t, err, &notCancellable)
	assert.Equal(t, StatusCancelled, notCancellable.Status)
}

func TestReactivateExpired(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.manager.Enroll(ctx, "school-1")
	require.NoError(t, err)

	_, err = f.manager.Reactivate(ctx, "school-1")
	var notCancellable *NotCancellableError
	require.ErrorAs(t, err, &notCancellable)
	assert.Equal(t, StatusExpired, notCancellable.Status)
}

func TestPlanSnapshotUntilRenewal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.subscribe(t, "school-1", "basic")

	p, err := f.catalog.GetPlan(ctx, "basic")
	require.NoError(t, err)
	p.Limits.MaxStudents = 10
	p.Features = plan.FeatureSet{plan.Materials}
	_, err = f.catalog.Upsert(ctx, p)
	require.NoError(t, err)

	effective, err := f.manager.EffectivePlan(ctx, "school-1")
	require.NoError(t, err)
	assert.Equal(t, 1, effective.Version)
	assert.Equal(t, int64(50), effective.Limits.MaxStudents)
	assert.True(t, effective.Features.Has(plan.Templates))

	_, err = f.manager.ApplyPaymentSucceeded(ctx, "school-1", newEvent(EventInvoicePaid, Payload{}))
	require.NoError(t, err)

	effective, err = f.manager.EffectivePlan(ctx, "school-1")
	require.NoError(t, err)
	assert.Equal(t, 2, effective.Version)
	assert.Equal(t, int64(10), effective.Limits.MaxStudents)
}

func TestRenewalExtendsByInterval(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sub := f.subscribe(t, "school-1", "basic")
	end := sub.CurrentPeriodEnd

	renewed, err := f.manager.ApplyPaymentSucceeded(ctx, "school-1", newEvent(EventInvoicePaid, Payload{}))
	require.NoError(t, err)
	assert.True(t, end.Equal(renewed.CurrentPeriodStart))
	assert.True(t, end.AddDate(0, 1, 0).Equal(renewed.CurrentPeriodEnd))

	// the processor's period wins when it is later
	start := renewed.CurrentPeriodEnd
	processorEnd := start.AddDate(0, 1, 3)
	renewed, err = f.manager.ApplyPaymentSucceeded(ctx, "school-1", newEvent(EventInvoicePaid, Payload{
		PeriodStart: start,
		PeriodEnd:   processorEnd,
	}))
	require.NoError(t, err)
	assert.True(t, processorEnd.Equal(renewed.CurrentPeriodEnd))
}

func TestDaysUntilExpiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	sub := &Subscription{CurrentPeriodEnd: now.Add(50 * time.Hour)}
	assert.Equal(t, 2, sub.DaysUntilExpiry(now))
	assert.Equal(t, 0, sub.DaysUntilExpiry(now.Add(51*time.Hour)))
	assert.Equal(t, 0, (&Subscription{}).DaysUntilExpiry(now))
}

func TestProcessorUpdatedDoesNotExtendDelinquentPeriod(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sub := f.subscribe(t, "school-1", "basic")
	paidEnd := sub.CurrentPeriodEnd

	f.clock.Advance(paidEnd.Sub(f.clock.Now()))
	failed, err := f.manager.ApplyPaymentFailed(ctx, "school-1", newEvent(EventInvoicePaymentFailed, Payload{}))
	require.NoError(t, err)
	require.Equal(t, StatusPastDue, failed.Status)

	// the processor rolls its subscription into the next (unpaid) year
	updated, err := f.manager.ApplyProcessorUpdated(ctx, "school-1", newEvent(EventSubscriptionUpdated, Payload{
		PeriodStart: paidEnd,
		PeriodEnd:   paidEnd.AddDate(1, 0, 0),
	}))
	require.NoError(t, err)
	assert.Equal(t, StatusPastDue, updated.Status)
	assert.True(t, paidEnd.Equal(updated.CurrentPeriodEnd))

	_, err = f.manager.Sweep(ctx, paidEnd.Add(73*time.Hour))
	require.NoError(t, err)
	sub, err = f.manager.Get(ctx, "school-1")
	require.NoError(t, err)
	require.Equal(t, StatusGracePeriod, sub.Status)

	_, err = f.manager.Sweep(ctx, paidEnd.Add(30*24*time.Hour))
	require.NoError(t, err)
	sub, err = f.manager.Get(ctx, "school-1")
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, sub.Status)
	assert.False(t, sub.Entitled())
}

func TestGraceEndsAtBoundsLongPeriod(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sub := f.subscribe(t, "school-1", "basic")

	// a failure early in the period still expires at the end of the grace window
	for i := 0; i < 3; i++ {
		var err error
		sub, err = f.manager.ApplyPaymentFailed(ctx, "school-1", newEvent(EventInvoicePaymentFailed, Payload{}))
		require.NoError(t, err)
	}
	require.Equal(t, StatusGracePeriod, sub.Status)
	require.NotNil(t, sub.GraceEndsAt)
	require.True(t, sub.GraceEndsAt.Before(sub.CurrentPeriodEnd))

	_, err := f.manager.Sweep(ctx, *sub.GraceEndsAt)
	require.NoError(t, err)
	sub, err = f.manager.Get(ctx, "school-1")
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, sub.Status)
}
