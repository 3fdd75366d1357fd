package plan

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPercentUsed(t *testing.T) {
	assert.Equal(t, 0, PercentUsed(1000, Unlimited))
	assert.Equal(t, 100, PercentUsed(1, 0))
	assert.Equal(t, 0, PercentUsed(0, 0))
	assert.Equal(t, 50, PercentUsed(25, 50))
	assert.Equal(t, 33, PercentUsed(1, 3))
	assert.Equal(t, 67, PercentUsed(2, 3))
	assert.Equal(t, 100, PercentUsed(80, 50))
	assert.Equal(t, 0, PercentUsed(-3, 50))
}

func TestLimitsFor(t *testing.T) {
	l := Limits{
		MaxStudents:     50,
		MaxTeachers:     5,
		MaxClasses:      10,
		StorageGB:       2,
		MonthlyExports:  Unlimited,
		CustomTemplates: 0,
	}
	v, ok := l.For(Storage)
	require.True(t, ok)
	assert.Equal(t, int64(2<<30), v)

	v, ok = l.For(MonthlyExports)
	require.True(t, ok)
	assert.Equal(t, Unlimited, v)

	v, ok = l.For(Students)
	require.True(t, ok)
	assert.Equal(t, int64(50), v)

	l.StorageGB = Unlimited
	v, _ = l.For(Storage)
	assert.Equal(t, Unlimited, v)

	_, ok = l.For("parking_spaces")
	assert.False(t, ok)
}

func TestIntervalAddTo(t *testing.T) {
	start := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 2, 15, 0, 0, 0, 0, time.UTC), Monthly.AddTo(start))
	assert.Equal(t, time.Date(2027, 1, 15, 0, 0, 0, 0, time.UTC), Yearly.AddTo(start))
}

func TestLoadFile(t *testing.T) {
	plans, err := LoadFile("testdata/plans.json")
	require.NoError(t, err)
	require.Len(t, plans, 3)
	assert.Equal(t, "starter-monthly", plans[0].ID)
	assert.Equal(t, 14, plans[0].TrialDays)
	assert.Equal(t, Unlimited, plans[2].Limits.MaxStudents)

	_, err = LoadFile("testdata/missing.json")
	assert.Error(t, err)
}

func TestDisplayLimits(t *testing.T) {
	assert.Equal(t, "unlimited", FormatLimit(Unlimited))
	assert.Equal(t, "0", FormatLimit(0))

	limits := DisplayLimits(Limits{MaxStudents: 50, MaxTeachers: Unlimited, StorageGB: 5, CustomTemplates: Unlimited})
	require.Len(t, limits, len(Resources))
	assert.Equal(t, LimitDisplay{Resource: Students, Limit: 50, Label: "50"}, limits[0])
	assert.Equal(t, LimitDisplay{Resource: Teachers, Limit: Unlimited, Unlimited: true, Label: "unlimited"}, limits[1])
	assert.Equal(t, LimitDisplay{Resource: Storage, Limit: 5, Label: "5 GB"}, limits[3])
	assert.Equal(t, "unlimited", limits[5].Label)
}

func TestStorageLimitBounded(t *testing.T) {
	p := Plan{
		ID: "huge", Name: "Huge", Currency: "usd", BillingInterval: Monthly,
		Limits: Limits{StorageGB: MaxStorageGB},
	}
	require.NoError(t, p.Validate())
	limit, ok := p.Limits.For(Storage)
	require.True(t, ok)
	assert.Equal(t, int64(MaxStorageGB)*bytesPerGB, limit)
	assert.Greater(t, limit, int64(0))

	p.Limits.StorageGB = 9_000_000_000
	err := p.Validate()
	assert.True(t, IsValidationError(err))
	assert.Contains(t, err.Error(), "StorageGB")
}
