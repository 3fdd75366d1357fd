package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zllovesuki/schoolplan/metrics"
	"github.com/zllovesuki/schoolplan/plan"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PlanResolver returns the plan whose limits apply to a school
type PlanResolver interface {
	EffectivePlan(ctx context.Context, schoolID string) (plan.Plan, error)
}

// Options contains the configuration for a Meter
type Options struct {
	DB       *gorm.DB
	Logger   *zap.Logger
	Plans    PlanResolver
	Entities EntityCounter    // Optional, required by Reconcile
	Metrics  *metrics.Metrics // Optional
	Counters []Counter        // Defaults to DefaultCounters()
	Clock    func() time.Time
}

// Meter tracks per school consumption and enforces plan limits
type Meter struct {
	Options
	counters map[plan.Resource]Counter
}

// NewMeter returns a new Meter
func NewMeter(option Options) (*Meter, error) {
	if option.DB == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if option.Plans == nil {
		return nil, fmt.Errorf("nil Plans is invalid")
	}
	if len(option.Counters) == 0 {
		option.Counters = DefaultCounters()
	}
	if option.Clock == nil {
		option.Clock = time.Now
	}
	if err := option.DB.AutoMigrate(&Usage{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initilize usage.Meter")
	}
	counters := make(map[plan.Resource]Counter, len(option.Counters))
	for _, c := range option.Counters {
		counters[c.Metric()] = c
	}
	return &Meter{
		Options:  option,
		counters: counters,
	}, nil
}

// WithTx returns a Meter whose writes join tx, so reservations commit or roll back
// together with the entity they account for
func (m *Meter) WithTx(tx *gorm.DB) *Meter {
	clone := *m
	clone.DB = tx
	return &clone
}

func (m *Meter) counter(metric plan.Resource) (Counter, error) {
	c, ok := m.counters[metric]
	if !ok {
		return nil, &plan.ValidationError{Field: "Metric", Message: fmt.Sprintf("unknown metric %q", metric)}
	}
	return c, nil
}

// ensureRow creates the counter row if it does not exist yet so it can be locked
func (m *Meter) ensureRow(ctx context.Context, db *gorm.DB, schoolID string, c Counter, period time.Time) error {
	result := db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&Usage{
			SchoolID:    schoolID,
			Metric:      c.Metric(),
			PeriodStart: period,
		})
	if result.Error != nil {
		return extErrors.Wrap(result.Error, "Cannot create usage counter")
	}
	return nil
}

func lockRow(tx *gorm.DB, schoolID string, metric plan.Resource) (Usage, error) {
	var row Usage
	result := tx.
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&row, "school_id = ? AND metric = ?", schoolID, metric)
	return row, result.Error
}

// current returns the value of row within period, treating a stale period as zero
func current(row Usage, period time.Time) int64 {
	if !period.IsZero() && !row.PeriodStart.Equal(period) {
		return 0
	}
	return row.CurrentValue
}

func saveRow(tx *gorm.DB, schoolID string, metric plan.Resource, value int64, period time.Time, now time.Time) error {
	return tx.Model(&Usage{}).
		Where("school_id = ? AND metric = ?", schoolID, metric).
		Updates(map[string]interface{}{
			"current_value": value,
			"period_start":  period,
			"updated_at":    now,
		}).Error
}

// CheckAndReserve adds delta to the school's metric if the result stays within the plan limit.
// Concurrent calls for the same (school, metric) are serialized by a row lock, so two callers
// can never both take the last slot. Unlimited metrics skip the check entirely.
func (m *Meter) CheckAndReserve(ctx context.Context, schoolID string, metric plan.Resource, delta int64) error {
	if delta <= 0 {
		return &plan.ValidationError{Field: "Delta", Message: "must be positive"}
	}
	c, err := m.counter(metric)
	if err != nil {
		return err
	}
	p, err := m.Plans.EffectivePlan(ctx, schoolID)
	if err != nil {
		return err
	}
	limit, _ := p.Limits.For(metric)
	now := m.Clock().UTC()
	period := c.PeriodStart(now)

	if err := m.ensureRow(ctx, m.DB, schoolID, c, period); err != nil {
		return err
	}

	if limit == plan.Unlimited {
		reserved, err := m.blindIncrement(ctx, schoolID, c, delta, period, now)
		if err != nil {
			return err
		}
		if reserved {
			return nil
		}
	}

	var exceeded *LimitExceededError
	txErr := m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := lockRow(tx, schoolID, metric)
		if err != nil {
			return err
		}
		value := current(row, period)
		if limit != plan.Unlimited && value+delta > limit {
			exceeded = &LimitExceededError{
				Metric:  metric,
				Limit:   limit,
				Current: value,
			}
			return nil
		}
		return saveRow(tx, schoolID, metric, value+delta, period, now)
	})
	if txErr != nil {
		m.Logger.Error("Unable to reserve usage",
			zap.String("SchoolID", schoolID),
			zap.String("Metric", string(metric)),
			zap.Error(txErr),
		)
		return extErrors.Wrap(txErr, "Cannot reserve usage")
	}
	if exceeded != nil {
		m.Metrics.RecordDenial(string(metric))
		return exceeded
	}
	return nil
}

// blindIncrement adds delta without reading the counter. It reports false when an
// accumulating counter rolled into a new period and needs the locked path to reset.
func (m *Meter) blindIncrement(ctx context.Context, schoolID string, c Counter, delta int64, period time.Time, now time.Time) (bool, error) {
	query := m.DB.WithContext(ctx).
		Model(&Usage{}).
		Where("school_id = ? AND metric = ?", schoolID, c.Metric())
	if !period.IsZero() {
		query = query.Where("period_start = ?", period)
	}
	result := query.UpdateColumns(map[string]interface{}{
		"current_value": gorm.Expr("current_value + ?", delta),
		"updated_at":    now,
	})
	if result.Error != nil {
		return false, extErrors.Wrap(result.Error, "Cannot increment usage")
	}
	return result.RowsAffected > 0, nil
}

// Release gives back delta of the school's metric, e.g. when an entity is deleted.
// The counter never goes below zero; an underflow is logged and clamped.
func (m *Meter) Release(ctx context.Context, schoolID string, metric plan.Resource, delta int64) error {
	if delta <= 0 {
		return &plan.ValidationError{Field: "Delta", Message: "must be positive"}
	}
	c, err := m.counter(metric)
	if err != nil {
		return err
	}
	now := m.Clock().UTC()
	period := c.PeriodStart(now)

	if err := m.ensureRow(ctx, m.DB, schoolID, c, period); err != nil {
		return err
	}

	var underflow *CounterUnderflowWarning
	txErr := m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := lockRow(tx, schoolID, metric)
		if err != nil {
			return err
		}
		value := current(row, period)
		next := value - delta
		if next < 0 {
			underflow = &CounterUnderflowWarning{
				SchoolID: schoolID,
				Metric:   metric,
				Current:  value,
				Delta:    delta,
			}
			next = 0
		}
		return saveRow(tx, schoolID, metric, next, period, now)
	})
	if txErr != nil {
		m.Logger.Error("Unable to release usage",
			zap.String("SchoolID", schoolID),
			zap.String("Metric", string(metric)),
			zap.Error(txErr),
		)
		return extErrors.Wrap(txErr, "Cannot release usage")
	}
	if underflow != nil {
		m.Metrics.RecordUnderflow(string(metric))
		m.Logger.Warn("Usage counter clamped at zero",
			zap.String("SchoolID", schoolID),
			zap.String("Metric", string(metric)),
			zap.Error(underflow),
		)
	}
	return nil
}

// Snapshot returns current usage against the plan limits for display.
// It is not synchronized with reservations and may be slightly stale.
func (m *Meter) Snapshot(ctx context.Context, schoolID string) (map[plan.Resource]MetricUsage, error) {
	var limits plan.Limits
	p, err := m.Plans.EffectivePlan(ctx, schoolID)
	switch {
	case err == nil:
		limits = p.Limits
	case errors.Is(err, plan.ErrPlanNotFound):
		// never subscribed, every limit is zero
	default:
		return nil, err
	}

	var rows []Usage
	if result := m.DB.WithContext(ctx).Find(&rows, "school_id = ?", schoolID); result.Error != nil {
		return nil, extErrors.Wrap(result.Error, "Cannot read usage counters")
	}
	byMetric := make(map[plan.Resource]Usage, len(rows))
	for _, row := range rows {
		byMetric[row.Metric] = row
	}

	now := m.Clock().UTC()
	snapshot := make(map[plan.Resource]MetricUsage, len(m.counters))
	for metric, c := range m.counters {
		limit, _ := limits.For(metric)
		var value int64
		if row, ok := byMetric[metric]; ok {
			value = current(row, c.PeriodStart(now))
		}
		snapshot[metric] = MetricUsage{
			Current:   value,
			Limit:     limit,
			Percent:   plan.PercentUsed(value, limit),
			Unlimited: limit == plan.Unlimited,
		}
	}
	return snapshot, nil
}

// Reconcile recomputes every derived metric of the school from its live entities.
// The returned map holds the metrics that had drifted, with their corrected values.
func (m *Meter) Reconcile(ctx context.Context, schoolID string) (map[plan.Resource]int64, error) {
	if m.Entities == nil {
		return nil, fmt.Errorf("nil Entities is invalid")
	}
	now := m.Clock().UTC()
	corrected := make(map[plan.Resource]int64)
	for metric, c := range m.counters {
		if !c.Derived() {
			continue
		}
		if err := m.ensureRow(ctx, m.DB, schoolID, c, time.Time{}); err != nil {
			return nil, err
		}
		txErr := m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			row, err := lockRow(tx, schoolID, metric)
			if err != nil {
				return err
			}
			actual, ok, err := m.Entities.Count(ctx, tx, schoolID, metric)
			if err != nil || !ok {
				return err
			}
			if actual != row.CurrentValue {
				m.Logger.Info("Usage counter drifted from entity count",
					zap.String("SchoolID", schoolID),
					zap.String("Metric", string(metric)),
					zap.Int64("Counter", row.CurrentValue),
					zap.Int64("Actual", actual),
				)
				corrected[metric] = actual
			}
			return saveRow(tx, schoolID, metric, actual, time.Time{}, now)
		})
		if txErr != nil {
			return nil, extErrors.Wrapf(txErr, "Cannot reconcile %s", metric)
		}
	}
	return corrected, nil
}
