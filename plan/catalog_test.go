package plan

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	return db
}

func newTestCatalog(t *testing.T, db *gorm.DB, resolution Resolution) *Catalog {
	t.Helper()
	c, err := NewCatalog(CatalogOptions{
		DB:         db,
		Logger:     zap.NewNop(),
		Resolution: resolution,
	})
	require.NoError(t, err)
	return c
}

func seedPlans(t *testing.T, c *Catalog) []Plan {
	t.Helper()
	plans, err := LoadFile("testdata/plans.json")
	require.NoError(t, err)
	for _, p := range plans {
		_, err := c.Upsert(context.Background(), p)
		require.NoError(t, err)
	}
	return plans
}

func TestNewCatalogOptions(t *testing.T) {
	_, err := NewCatalog(CatalogOptions{Logger: zap.NewNop()})
	assert.Error(t, err)

	_, err = NewCatalog(CatalogOptions{DB: newTestDB(t)})
	assert.Error(t, err)

	_, err = NewCatalog(CatalogOptions{DB: newTestDB(t), Logger: zap.NewNop(), Resolution: "sometimes"})
	assert.Error(t, err)
}

func TestCatalogGetAndList(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t, newTestDB(t), ResolveSnapshot)
	seedPlans(t, c)

	p, err := c.GetPlan(ctx, "pro-monthly")
	require.NoError(t, err)
	assert.Equal(t, "Pro", p.Name)
	assert.Equal(t, 1, p.Version)
	assert.True(t, p.Features.Has(FinanceModule))

	_, err = c.GetPlan(ctx, "missing")
	assert.ErrorIs(t, err, ErrPlanNotFound)

	monthly := c.ListPlans(Monthly)
	require.Len(t, monthly, 2)
	assert.Equal(t, "starter-monthly", monthly[0].ID)
	assert.Equal(t, "pro-monthly", monthly[1].ID)

	yearly := c.ListPlans(Yearly)
	require.Len(t, yearly, 1)
	assert.Equal(t, "enterprise-yearly", yearly[0].ID)

	assert.Len(t, c.ListPlans(""), 3)
}

func TestCatalogUpsertVersioning(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t, newTestDB(t), ResolveSnapshot)
	seedPlans(t, c)

	original, err := c.GetPlan(ctx, "starter-monthly")
	require.NoError(t, err)

	// identical content, features in a different order
	same := original.Clone()
	same.Features = FeatureSet{BasicAnalytics, Materials, Assignments, Templates, Materials}
	saved, err := c.Upsert(ctx, same)
	require.NoError(t, err)
	assert.Equal(t, 1, saved.Version)

	edited := original.Clone()
	edited.Limits.MaxStudents = 75
	saved, err = c.Upsert(ctx, edited)
	require.NoError(t, err)
	assert.Equal(t, 2, saved.Version)

	current, err := c.GetPlan(ctx, "starter-monthly")
	require.NoError(t, err)
	assert.Equal(t, int64(75), current.Limits.MaxStudents)

	old, err := c.GetVersion(ctx, "starter-monthly", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(50), old.Limits.MaxStudents)

	_, err = c.GetVersion(ctx, "starter-monthly", 3)
	assert.ErrorIs(t, err, ErrPlanNotFound)

	// editing keeps the insertion order
	monthly := c.ListPlans(Monthly)
	require.Len(t, monthly, 2)
	assert.Equal(t, "starter-monthly", monthly[0].ID)
}

func TestCatalogUpsertRejectsInvalid(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t, newTestDB(t), ResolveSnapshot)
	seedPlans(t, c)

	cases := map[string]func(p *Plan){
		"negative students": func(p *Plan) { p.Limits.MaxStudents = -2 },
		"negative exports":  func(p *Plan) { p.Limits.MonthlyExports = -5 },
		"negative price":    func(p *Plan) { p.Price = -1 },
		"negative trial":    func(p *Plan) { p.TrialDays = -1 },
		"weekly interval":   func(p *Plan) { p.BillingInterval = "week" },
		"empty id":          func(p *Plan) { p.ID = "" },
		"unknown feature":   func(p *Plan) { p.Features = append(p.Features, "teleportation") },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			p, err := c.GetPlan(ctx, "pro-monthly")
			require.NoError(t, err)
			mutate(&p)
			_, err = c.Upsert(ctx, p)
			require.Error(t, err)
			assert.True(t, IsValidationError(err))
		})
	}

	current, err := c.GetPlan(ctx, "pro-monthly")
	require.NoError(t, err)
	assert.Equal(t, 1, current.Version)
}

func TestCatalogRetire(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t, newTestDB(t), ResolveSnapshot)
	seedPlans(t, c)

	retired, err := c.Retire(ctx, "starter-monthly")
	require.NoError(t, err)
	assert.False(t, retired.IsActive)
	assert.Equal(t, 2, retired.Version)

	monthly := c.ListPlans(Monthly)
	require.Len(t, monthly, 1)
	assert.Equal(t, "pro-monthly", monthly[0].ID)

	// still resolvable for existing subscriptions
	p, err := c.ResolveEffectivePlan(ctx, Ref{PlanID: "starter-monthly", PlanVersion: 1})
	require.NoError(t, err)
	assert.True(t, p.IsActive)

	_, err = c.Retire(ctx, "missing")
	assert.ErrorIs(t, err, ErrPlanNotFound)
}

func TestCatalogResolution(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	snapshot := newTestCatalog(t, db, ResolveSnapshot)
	seedPlans(t, snapshot)

	p, err := snapshot.GetPlan(ctx, "pro-monthly")
	require.NoError(t, err)
	p.Limits.MaxStudents = 10
	_, err = snapshot.Upsert(ctx, p)
	require.NoError(t, err)

	ref := Ref{PlanID: "pro-monthly", PlanVersion: 1}

	resolved, err := snapshot.ResolveEffectivePlan(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, int64(500), resolved.Limits.MaxStudents)

	live := newTestCatalog(t, db, ResolveLive)
	resolved, err = live.ResolveEffectivePlan(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, int64(10), resolved.Limits.MaxStudents)

	// version 0 means nothing was pinned
	resolved, err = snapshot.ResolveEffectivePlan(ctx, Ref{PlanID: "pro-monthly"})
	require.NoError(t, err)
	assert.Equal(t, 2, resolved.Version)

	_, err = snapshot.ResolveEffectivePlan(ctx, Ref{})
	assert.ErrorIs(t, err, ErrPlanNotFound)
}

func TestCatalogRefresh(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	writer := newTestCatalog(t, db, ResolveSnapshot)
	reader := newTestCatalog(t, db, ResolveSnapshot)
	seedPlans(t, writer)

	_, err := reader.GetPlan(ctx, "pro-monthly")
	assert.ErrorIs(t, err, ErrPlanNotFound)

	require.NoError(t, reader.Refresh(ctx))
	plans := reader.ListPlans("")
	require.Len(t, plans, 3)
	assert.Equal(t, "starter-monthly", plans[0].ID)
	assert.Equal(t, "pro-monthly", plans[1].ID)
	assert.Equal(t, "enterprise-yearly", plans[2].ID)
}

func TestCatalogReturnsCopies(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t, newTestDB(t), ResolveSnapshot)
	seedPlans(t, c)

	p, err := c.GetPlan(ctx, "pro-monthly")
	require.NoError(t, err)
	p.Features[0] = WhiteLabeling

	again, err := c.GetPlan(ctx, "pro-monthly")
	require.NoError(t, err)
	assert.NotEqual(t, WhiteLabeling, again.Features[0])
}
