package subscription

import (
	"context"
	"sync/atomic"
	"time"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// SweepReport summarizes one sweep pass
type SweepReport struct {
	Examined     int
	Transitioned int
	Failed       int
}

// Sweep re-evaluates the time based transitions of every live subscription as of now.
// Each school is handled in its own transaction, so an interrupted sweep leaves the
// remaining schools for the next run. A failure for one school does not stop the others.
func (m *Manager) Sweep(ctx context.Context, now time.Time) (SweepReport, error) {
	now = now.UTC()
	start := time.Now()

	var schoolIDs []string
	result := m.DB.WithContext(ctx).
		Model(&Subscription{}).
		Where("status IN ?", []Status{StatusTrial, StatusActive, StatusPastDue, StatusGracePeriod}).
		Order("school_id asc").
		Pluck("school_id", &schoolIDs)
	if result.Error != nil {
		m.Metrics.RecordSweep("error", time.Since(start).Seconds(), 0)
		return SweepReport{}, extErrors.Wrap(result.Error, "Cannot list subscriptions to sweep")
	}

	var transitioned, failed int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.SweepConcurrency)
	for _, schoolID := range schoolIDs {
		schoolID := schoolID
		g.Go(func() error {
			if gctx.Err() != nil {
				// cancelled; the next run picks this school up
				return nil
			}
			before, after, err := m.sweepOne(gctx, schoolID, now)
			if err != nil {
				atomic.AddInt64(&failed, 1)
				m.Logger.Error("Unable to sweep subscription",
					zap.String("SchoolID", schoolID),
					zap.Error(err),
				)
				return nil
			}
			if before != after {
				atomic.AddInt64(&transitioned, 1)
			}
			return nil
		})
	}
	g.Wait()

	report := SweepReport{
		Examined:     len(schoolIDs),
		Transitioned: int(transitioned),
		Failed:       int(failed),
	}
	status := "ok"
	if ctx.Err() != nil {
		status = "interrupted"
	}
	m.Metrics.RecordSweep(status, time.Since(start).Seconds(), report.Failed)
	m.Logger.Info("Subscription sweep finished",
		zap.Time("Now", now),
		zap.Int("Examined", report.Examined),
		zap.Int("Transitioned", report.Transitioned),
		zap.Int("Failed", report.Failed),
	)
	return report, ctx.Err()
}

func (m *Manager) sweepOne(ctx context.Context, schoolID string, now time.Time) (Status, Status, error) {
	updated, before, err := m.apply(ctx, schoolID, transitionInput{
		trigger: TriggerSweep,
		now:     now,
	})
	if err != nil {
		return "", "", err
	}
	return before, updated.Status, nil
}
