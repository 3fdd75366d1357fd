package task

import (
	"context"
	"fmt"
	"time"

	"github.com/zllovesuki/schoolplan/plan"
	"github.com/zllovesuki/schoolplan/subscription"

	"go.uber.org/zap"
)

// Defining the lock names of the scheduled jobs
const (
	SweepLock     = "sweep"
	ReconcileLock = "reconcile"
)

// Sweeper applies the time based subscription transitions
type Sweeper interface {
	Sweep(ctx context.Context, now time.Time) (subscription.SweepReport, error)
}

// SweepOptions contains the configuration for SweepTask
type SweepOptions struct {
	Subscriptions Sweeper
	Locker        *Locker
	Logger        *zap.Logger
	LockTTL       time.Duration // Defaults to 10 minutes
	Clock         func() time.Time
}

// SweepTask runs the subscription sweep on at most one worker at a time
type SweepTask struct {
	SweepOptions
}

// NewSweepTask returns a new SweepTask
func NewSweepTask(option SweepOptions) (*SweepTask, error) {
	if option.Subscriptions == nil {
		return nil, fmt.Errorf("nil Subscriptions is invalid")
	}
	if option.Locker == nil {
		return nil, fmt.Errorf("nil Locker is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if option.LockTTL == 0 {
		option.LockTTL = 10 * time.Minute
	}
	if option.Clock == nil {
		option.Clock = time.Now
	}
	return &SweepTask{
		SweepOptions: option,
	}, nil
}

// Run sweeps once. It returns ran=false without sweeping when another worker holds the lock.
func (t *SweepTask) Run(ctx context.Context) (bool, error) {
	return withLock(t.Locker, SweepLock, t.LockTTL, t.Logger, func() error {
		ctx, cancel := context.WithTimeout(ctx, t.LockTTL)
		defer cancel()
		_, err := t.Subscriptions.Sweep(ctx, t.Clock())
		return err
	})
}

// SchoolLister enumerates the enrolled schools
type SchoolLister interface {
	SchoolIDs(ctx context.Context) ([]string, error)
}

// UsageReconciler recomputes derived usage counters from live entities
type UsageReconciler interface {
	Reconcile(ctx context.Context, schoolID string) (map[plan.Resource]int64, error)
}

// ReconcileOptions contains the configuration for ReconcileTask
type ReconcileOptions struct {
	Schools SchoolLister
	Meter   UsageReconciler
	Locker  *Locker
	Logger  *zap.Logger
	LockTTL time.Duration // Defaults to 30 minutes
}

// ReconcileTask corrects drifted derived counters of every school
type ReconcileTask struct {
	ReconcileOptions
}

// NewReconcileTask returns a new ReconcileTask
func NewReconcileTask(option ReconcileOptions) (*ReconcileTask, error) {
	if option.Schools == nil {
		return nil, fmt.Errorf("nil Schools is invalid")
	}
	if option.Meter == nil {
		return nil, fmt.Errorf("nil Meter is invalid")
	}
	if option.Locker == nil {
		return nil, fmt.Errorf("nil Locker is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if option.LockTTL == 0 {
		option.LockTTL = 30 * time.Minute
	}
	return &ReconcileTask{
		ReconcileOptions: option,
	}, nil
}

// Run reconciles every school once. A failing school is logged and skipped.
func (t *ReconcileTask) Run(ctx context.Context) (bool, error) {
	return withLock(t.Locker, ReconcileLock, t.LockTTL, t.Logger, func() error {
		ctx, cancel := context.WithTimeout(ctx, t.LockTTL)
		defer cancel()
		schoolIDs, err := t.Schools.SchoolIDs(ctx)
		if err != nil {
			return err
		}
		var drifted, failed int
		for _, schoolID := range schoolIDs {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			corrected, err := t.Meter.Reconcile(ctx, schoolID)
			if err != nil {
				failed++
				t.Logger.Error("Unable to reconcile usage",
					zap.String("SchoolID", schoolID),
					zap.Error(err),
				)
				continue
			}
			if len(corrected) > 0 {
				drifted++
			}
		}
		t.Logger.Info("Usage reconciliation finished",
			zap.Int("Schools", len(schoolIDs)),
			zap.Int("Drifted", drifted),
			zap.Int("Failed", failed),
		)
		return nil
	})
}

func withLock(locker *Locker, name string, ttl time.Duration, logger *zap.Logger, fn func() error) (bool, error) {
	release, ok, err := locker.TryLock(name, ttl)
	if err != nil {
		return false, err
	}
	if !ok {
		logger.Debug("Skipping job, lock is held by another worker",
			zap.String("Lock", name),
		)
		return false, nil
	}
	defer func() {
		if err := release(); err != nil {
			logger.Warn("Unable to release job lock",
				zap.String("Lock", name),
				zap.Error(err),
			)
		}
	}()
	return true, fn()
}
