package plan

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Resolution decides how a subscription's plan reference is turned into entitlements
type Resolution string

// Defining the resolution modes
const (
	// ResolveSnapshot uses the plan version pinned on the subscription
	ResolveSnapshot Resolution = "snapshot"
	// ResolveLive always uses the current plan, so admin edits take effect immediately
	ResolveLive Resolution = "live"
)

// CatalogOptions contains the configuration for a Catalog
type CatalogOptions struct {
	DB         *gorm.DB
	Logger     *zap.Logger
	Resolution Resolution
	CacheSize  int
}

// Catalog holds the plan definitions. Current plans are kept in memory in insertion order;
// historical versions are loaded on demand and cached.
type Catalog struct {
	CatalogOptions
	mu        sync.RWMutex
	planArray []Plan
	planIndex map[string]int
	versions  *lru.Cache[string, Plan]
}

// NewCatalog returns a Catalog populated from the database
func NewCatalog(option CatalogOptions) (*Catalog, error) {
	if option.DB == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if option.Resolution == "" {
		option.Resolution = ResolveSnapshot
	}
	if option.Resolution != ResolveSnapshot && option.Resolution != ResolveLive {
		return nil, fmt.Errorf("unknown Resolution %q", option.Resolution)
	}
	if option.CacheSize <= 0 {
		option.CacheSize = 256
	}
	if err := option.DB.AutoMigrate(&Version{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initilize plan.Catalog")
	}
	cache, err := lru.New[string, Plan](option.CacheSize)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot create plan version cache")
	}
	c := &Catalog{
		CatalogOptions: option,
		planIndex:      make(map[string]int),
		versions:       cache,
	}
	if err := c.Refresh(context.Background()); err != nil {
		return nil, err
	}
	return c, nil
}

// Refresh reloads the latest version of every plan from the database.
// Replicas call this periodically to pick up edits made elsewhere.
func (c *Catalog) Refresh(ctx context.Context) error {
	var rows []Version
	result := c.DB.WithContext(ctx).Order("plan_id asc, version asc").Find(&rows)
	if result.Error != nil {
		return extErrors.Wrap(result.Error, "Cannot load plan versions")
	}

	latest := make(map[string]Version)
	for _, row := range rows {
		latest[row.PlanID] = row
	}
	ordered := make([]Version, 0, len(latest))
	for _, row := range latest {
		ordered = append(ordered, row)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Seq < ordered[j].Seq })

	plans := make([]Plan, 0, len(ordered))
	index := make(map[string]int, len(ordered))
	for k, row := range ordered {
		plans = append(plans, Plan(row.Data))
		index[row.PlanID] = k + 1
	}

	c.mu.Lock()
	c.planArray = plans
	c.planIndex = index
	c.mu.Unlock()
	return nil
}

// GetPlan returns the current definition of the plan
func (c *Catalog) GetPlan(ctx context.Context, planID string) (Plan, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	index := c.planIndex[planID]
	if index == 0 {
		return Plan{}, ErrPlanNotFound
	}
	return c.planArray[index-1].Clone(), nil
}

// ListPlans returns the active plans billed at interval, in insertion order.
// An empty interval lists every active plan.
func (c *Catalog) ListPlans(interval Interval) []Plan {
	c.mu.RLock()
	defer c.mu.RUnlock()
	results := make([]Plan, 0, len(c.planArray))
	for _, p := range c.planArray {
		if !p.IsActive {
			continue
		}
		if interval != "" && p.BillingInterval != interval {
			continue
		}
		results = append(results, p.Clone())
	}
	return results
}

func cacheKey(planID string, version int) string {
	return fmt.Sprintf("%s@%d", planID, version)
}

// GetVersion returns the plan exactly as it was at the given version
func (c *Catalog) GetVersion(ctx context.Context, planID string, version int) (Plan, error) {
	key := cacheKey(planID, version)
	if p, ok := c.versions.Get(key); ok {
		return p.Clone(), nil
	}
	var row Version
	result := c.DB.WithContext(ctx).First(&row, "plan_id = ? AND version = ?", planID, version)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return Plan{}, ErrPlanNotFound
	}
	if result.Error != nil {
		return Plan{}, extErrors.Wrap(result.Error, "Cannot get plan version")
	}
	p := Plan(row.Data)
	c.versions.Add(key, p)
	return p.Clone(), nil
}

// ResolveEffectivePlan returns the plan that governs a subscription's entitlements
func (c *Catalog) ResolveEffectivePlan(ctx context.Context, ref Ref) (Plan, error) {
	if ref.PlanID == "" {
		return Plan{}, ErrPlanNotFound
	}
	if c.Resolution == ResolveLive || ref.PlanVersion == 0 {
		return c.GetPlan(ctx, ref.PlanID)
	}
	return c.GetVersion(ctx, ref.PlanID, ref.PlanVersion)
}

// Upsert validates p and stores it as the current definition of p.ID.
// A new version is only created when the content differs from the latest version.
func (c *Catalog) Upsert(ctx context.Context, p Plan) (Plan, error) {
	p = p.Clone()
	p.Features = p.Features.normalize()
	if err := p.Validate(); err != nil {
		return Plan{}, err
	}
	hash, err := contentHash(p)
	if err != nil {
		return Plan{}, extErrors.Wrap(err, "Cannot fingerprint plan")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var saved Version
	var created bool
	txErr := c.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var latest Version
		lookupRes := tx.Order("version desc").First(&latest, "plan_id = ?", p.ID)
		switch {
		case lookupRes.Error == nil:
			if latest.ContentHash == hash {
				saved = latest
				return nil
			}
			p.Version = latest.Version + 1
			saved = Version{PlanID: p.ID, Version: p.Version, Seq: latest.Seq}
		case errors.Is(lookupRes.Error, gorm.ErrRecordNotFound):
			var maxSeq int
			if err := tx.Model(&Version{}).Select("COALESCE(MAX(seq), 0)").Scan(&maxSeq).Error; err != nil {
				return err
			}
			p.Version = 1
			saved = Version{PlanID: p.ID, Version: 1, Seq: maxSeq + 1}
		default:
			return lookupRes.Error
		}
		saved.ContentHash = hash
		saved.Data = Document(p)
		saved.CreatedAt = time.Now()
		created = true
		return tx.Create(&saved).Error
	})
	if txErr != nil {
		c.Logger.Error("Unable to save plan version",
			zap.String("PlanID", p.ID),
			zap.Error(txErr),
		)
		return Plan{}, extErrors.Wrap(txErr, "Cannot save plan")
	}

	current := Plan(saved.Data)
	if index := c.planIndex[current.ID]; index > 0 {
		c.planArray[index-1] = current
	} else {
		c.planArray = append(c.planArray, current)
		c.planIndex[current.ID] = len(c.planArray)
	}
	if created {
		c.versions.Remove(cacheKey(current.ID, current.Version))
		c.Logger.Info("Plan version created",
			zap.String("PlanID", current.ID),
			zap.Int("Version", current.Version),
		)
	}
	return current.Clone(), nil
}

// Retire stops selling a plan. Existing subscriptions keep resolving their pinned version.
func (c *Catalog) Retire(ctx context.Context, planID string) (Plan, error) {
	p, err := c.GetPlan(ctx, planID)
	if err != nil {
		return Plan{}, err
	}
	p.IsActive = false
	return c.Upsert(ctx, p)
}
