package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/zllovesuki/schoolplan/plan"

	extErrors "github.com/pkg/errors"
	"gorm.io/gorm"
)

// Counter describes how a metric is accounted
type Counter interface {
	Metric() plan.Resource
	// PeriodStart returns the start of the accounting period containing now.
	// The zero time means the counter never resets.
	PeriodStart(now time.Time) time.Time
	// Derived reports whether the value mirrors a count of live entities
	Derived() bool
}

// DerivedCounter is a metric equal to the number (or total size) of live entities,
// such as students. Reconcile recomputes it from the entity tables.
type DerivedCounter struct {
	Resource plan.Resource
}

func (c DerivedCounter) Metric() plan.Resource { return c.Resource }

func (c DerivedCounter) PeriodStart(now time.Time) time.Time { return time.Time{} }

func (c DerivedCounter) Derived() bool { return true }

// AccumulatingCounter is a metric that only grows within a calendar month (UTC) and
// starts from zero in the next one, such as exports.
type AccumulatingCounter struct {
	Resource plan.Resource
}

func (c AccumulatingCounter) Metric() plan.Resource { return c.Resource }

func (c AccumulatingCounter) PeriodStart(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func (c AccumulatingCounter) Derived() bool { return false }

// DefaultCounters returns the accounting of every plan resource
func DefaultCounters() []Counter {
	return []Counter{
		DerivedCounter{Resource: plan.Students},
		DerivedCounter{Resource: plan.Teachers},
		DerivedCounter{Resource: plan.Classes},
		DerivedCounter{Resource: plan.Storage},
		AccumulatingCounter{Resource: plan.MonthlyExports},
		DerivedCounter{Resource: plan.CustomTemplates},
	}
}

// DefaultTableCounter points the derived metrics at the application's entity tables
func DefaultTableCounter() TableCounter {
	return TableCounter{
		Sources: map[plan.Resource]TableSource{
			plan.Students:        {Table: "students", Where: "deleted_at IS NULL"},
			plan.Teachers:        {Table: "teachers", Where: "deleted_at IS NULL"},
			plan.Classes:         {Table: "classes", Where: "deleted_at IS NULL"},
			plan.Storage:         {Table: "files", SumColumn: "size_bytes", Where: "deleted_at IS NULL"},
			plan.CustomTemplates: {Table: "templates", Where: "deleted_at IS NULL AND is_custom"},
		},
	}
}

// EntityCounter counts the live entities behind a derived metric. db may be a transaction.
// The second return value is false when the metric has no entity source.
type EntityCounter interface {
	Count(ctx context.Context, db *gorm.DB, schoolID string, metric plan.Resource) (int64, bool, error)
}

// TableSource points a derived metric at an entity table
type TableSource struct {
	Table        string
	SchoolColumn string // Defaults to school_id
	SumColumn    string // Sum this column instead of counting rows, e.g. a size in bytes
	Where        string // Optional extra condition, e.g. "deleted_at IS NULL"
}

// TableCounter counts entities straight from their tables
type TableCounter struct {
	Sources map[plan.Resource]TableSource
}

// Count implements EntityCounter
func (c TableCounter) Count(ctx context.Context, db *gorm.DB, schoolID string, metric plan.Resource) (int64, bool, error) {
	source, ok := c.Sources[metric]
	if !ok {
		return 0, false, nil
	}
	column := source.SchoolColumn
	if column == "" {
		column = "school_id"
	}
	query := db.WithContext(ctx).Table(source.Table).Where(fmt.Sprintf("%s = ?", column), schoolID)
	if source.Where != "" {
		query = query.Where(source.Where)
	}

	var total int64
	var err error
	if source.SumColumn != "" {
		err = query.Select(fmt.Sprintf("COALESCE(SUM(%s), 0)", source.SumColumn)).Scan(&total).Error
	} else {
		err = query.Count(&total).Error
	}
	if err != nil {
		return 0, true, extErrors.Wrapf(err, "Cannot count %s", source.Table)
	}
	return total, true, nil
}
