package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zllovesuki/schoolplan/ledger"
	"github.com/zllovesuki/schoolplan/metrics"
	"github.com/zllovesuki/schoolplan/plan"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PlanSource is the part of the plan catalog the state machine needs
type PlanSource interface {
	GetPlan(ctx context.Context, planID string) (plan.Plan, error)
	ResolveEffectivePlan(ctx context.Context, ref plan.Ref) (plan.Plan, error)
}

// Change describes a committed status change
type Change struct {
	SchoolID string
	From     Status
	To       Status
	Trigger  Trigger
	EventID  string
	PlanID   string
	At       time.Time
}

// Notifier is told about status changes after they are committed. past_due, grace_period
// and expired notifications start dunning.
type Notifier interface {
	Notify(ctx context.Context, change Change) error
}

// Options contains the configuration for a Manager
type Options struct {
	DB               *gorm.DB
	Logger           *zap.Logger
	Catalog          PlanSource
	Notifier         Notifier         // Optional
	Metrics          *metrics.Metrics // Optional
	PastDueWindow    time.Duration    // How long past_due lasts before grace_period
	GraceWindow      time.Duration    // How long grace_period keeps the school entitled
	FailureThreshold int              // Failed payments while past_due that move into grace_period
	RenewalLeeway    time.Duration    // Slack after period end before the sweep ends the term
	SweepConcurrency int
	Clock            func() time.Time
}

// Manager owns the subscription lifecycle. All writes go through transition.
type Manager struct {
	Options
}

// NewManager returns a new Manager for subscriptions
func NewManager(option Options) (*Manager, error) {
	if option.DB == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if option.Catalog == nil {
		return nil, fmt.Errorf("nil Catalog is invalid")
	}
	if option.PastDueWindow <= 0 {
		option.PastDueWindow = 72 * time.Hour
	}
	if option.GraceWindow <= 0 {
		option.GraceWindow = 7 * 24 * time.Hour
	}
	if option.FailureThreshold <= 0 {
		option.FailureThreshold = 3
	}
	if option.RenewalLeeway < 0 {
		option.RenewalLeeway = 0
	}
	if option.SweepConcurrency <= 0 {
		option.SweepConcurrency = 8
	}
	if option.Clock == nil {
		option.Clock = time.Now
	}
	if err := option.DB.AutoMigrate(&Subscription{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initilize subscription.Manager")
	}
	if err := ledger.Migrate(option.DB); err != nil {
		return nil, err
	}
	return &Manager{
		Options: option,
	}, nil
}

func (m *Manager) now() time.Time {
	return m.Clock().UTC()
}

// Enroll registers a school. It is a no-op for a school that is already known.
func (m *Manager) Enroll(ctx context.Context, schoolID string) (*Subscription, error) {
	if schoolID == "" {
		return nil, &plan.ValidationError{Field: "SchoolID", Message: "must not be empty"}
	}
	sub := &Subscription{
		SchoolID: schoolID,
		Status:   StatusExpired,
	}
	result := m.DB.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(sub)
	if result.Error != nil {
		m.Logger.Error("Unable to enroll school in database",
			zap.String("SchoolID", schoolID),
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot enroll school")
	}
	return m.Get(ctx, schoolID)
}

// Get returns the subscription of the school, or ErrNotFound
func (m *Manager) Get(ctx context.Context, schoolID string) (*Subscription, error) {
	var sub Subscription
	result := m.DB.WithContext(ctx).First(&sub, "school_id = ?", schoolID)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get subscription by school id")
	}
	return &sub, nil
}

// GetByExternalCustomer returns the subscription linked to the processor customer, or ErrNotFound
func (m *Manager) GetByExternalCustomer(ctx context.Context, customerID string) (*Subscription, error) {
	if customerID == "" {
		return nil, ErrNotFound
	}
	var sub Subscription
	result := m.DB.WithContext(ctx).First(&sub, "external_customer_id = ?", customerID)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get subscription by customer id")
	}
	return &sub, nil
}

// SchoolIDs lists every enrolled school, ordered by ID
func (m *Manager) SchoolIDs(ctx context.Context) ([]string, error) {
	var schoolIDs []string
	result := m.DB.WithContext(ctx).
		Model(&Subscription{}).
		Order("school_id asc").
		Pluck("school_id", &schoolIDs)
	if result.Error != nil {
		return nil, extErrors.Wrap(result.Error, "Cannot list schools")
	}
	return schoolIDs, nil
}

// EffectivePlan returns the plan governing the school's entitlements, regardless of status
func (m *Manager) EffectivePlan(ctx context.Context, schoolID string) (plan.Plan, error) {
	sub, err := m.Get(ctx, schoolID)
	if err != nil {
		return plan.Plan{}, err
	}
	return m.Catalog.ResolveEffectivePlan(ctx, sub.PlanRef())
}

type transitionInput struct {
	trigger Trigger
	event   *Event
	planID  string
	now     time.Time
}

var errDuplicateEvent = errors.New("event already processed")

func (m *Manager) transition(ctx context.Context, schoolID string, in transitionInput) (*Subscription, error) {
	sub, _, err := m.apply(ctx, schoolID, in)
	return sub, err
}

// apply locks the subscription row with FOR UPDATE, runs the table entry for
// (status, trigger), saves the row and records the event id, all in one transaction.
// Notifications are sent after commit. The status before the transition is returned
// alongside the new state.
func (m *Manager) apply(ctx context.Context, schoolID string, in transitionInput) (*Subscription, Status, error) {
	if in.now.IsZero() {
		in.now = m.now()
	}
	logger := m.Logger.With(
		zap.String("SchoolID", schoolID),
		zap.String("Trigger", string(in.trigger)),
	)
	if in.event != nil {
		logger = logger.With(zap.String("EventID", in.event.ID))
	}

	var desired Subscription
	var from Status
	var changed bool
	err := m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current Subscription
		lookupRes := tx.
			Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&current, "school_id = ?", schoolID)
		if errors.Is(lookupRes.Error, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if lookupRes.Error != nil {
			return lookupRes.Error
		}
		desired = current
		from = current.Status

		// checked under the row lock so concurrent deliveries of one event serialize here
		if in.event != nil {
			seen, err := ledger.Seen(ctx, tx, in.event.ID)
			if err != nil {
				return err
			}
			if seen {
				return errDuplicateEvent
			}
		}

		fn, err := lookupEffect(current.Status, in.trigger)
		if err != nil {
			return err
		}
		changed, err = fn(&change{
			ctx:     ctx,
			m:       m,
			now:     in.now,
			trigger: in.trigger,
			sub:     &desired,
			event:   in.event,
			planID:  in.planID,
		})
		if err != nil {
			return err
		}
		if changed {
			desired.UpdatedAt = in.now
			if saveRes := tx.Save(&desired); saveRes.Error != nil {
				return saveRes.Error
			}
		}

		if in.event != nil {
			recorded, err := ledger.Record(ctx, tx, in.event.ID, string(in.event.Type), schoolID)
			if err != nil {
				return err
			}
			if !recorded {
				return errDuplicateEvent
			}
		}
		return nil
	})

	if errors.Is(err, errDuplicateEvent) {
		logger.Debug("Billing event already processed")
		sub, err := m.Get(ctx, schoolID)
		if err != nil {
			return nil, "", err
		}
		return sub, sub.Status, nil
	}
	if err != nil {
		return nil, "", err
	}

	if changed {
		logger.Info("Subscription updated",
			zap.String("From", string(from)),
			zap.String("To", string(desired.Status)),
		)
	}
	if changed && from != desired.Status {
		m.Metrics.RecordTransition(string(from), string(desired.Status), string(in.trigger))
		m.notify(ctx, logger, Change{
			SchoolID: schoolID,
			From:     from,
			To:       desired.Status,
			Trigger:  in.trigger,
			EventID:  eventID(in.event),
			PlanID:   desired.PlanID,
			At:       in.now,
		})
	}
	return &desired, from, nil
}

func (m *Manager) notify(ctx context.Context, logger *zap.Logger, c Change) {
	if m.Notifier == nil {
		return
	}
	if err := m.Notifier.Notify(ctx, c); err != nil {
		logger.Error("Unable to publish lifecycle notification",
			zap.String("To", string(c.To)),
			zap.Error(err),
		)
	}
}

func eventID(e *Event) string {
	if e == nil {
		return ""
	}
	return e.ID
}
