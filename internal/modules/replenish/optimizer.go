package replenish

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/aristath/shelfops/internal/domain"
	"github.com/aristath/shelfops/internal/modules/catalog"
	"github.com/aristath/shelfops/internal/modules/forecast"
	"github.com/aristath/shelfops/internal/tenant"
)

// serviceZ maps supported service levels to Z-scores. Requests snap to the
// closest supported level.
var serviceZ = []struct {
	level float64
	z     float64
}{
	{0.90, 1.282},
	{0.95, 1.645},
	{0.975, 1.960},
	{0.99, 2.326},
}

// clusterMultipliers scale safety stock by store tier: flagships carry more,
// long-tail stores carry less.
var clusterMultipliers = map[int]float64{0: 1.15, 1: 1.00, 2: 0.85}

// Options steer the optimizer.
type Options struct {
	Horizon         int     // Forecast days aggregated for demand stats
	ServiceLevel    float64 // Snapped to the closest supported level
	ChangeThreshold float64 // Minimum |ΔROP|/ROP to persist; default 0.10
	ModelVersion    string  // Forecast version consumed
}

// Decision is the optimizer outcome for one pair.
type Decision struct {
	StoreID     string
	ProductID   string
	Updated     bool
	Skipped     bool
	SkipReason  string
	New         domain.ReorderPoint
	Old         *domain.ReorderPoint
	DailyDemand float64
	DemandStd   float64
}

// Optimizer computes safety stock, reorder points, and EOQ per pair.
type Optimizer struct {
	forecasts *forecast.Repository
	catalog   *catalog.Repository
	repo      *Repository
	log       zerolog.Logger
}

// NewOptimizer creates an optimizer.
func NewOptimizer(forecasts *forecast.Repository, cat *catalog.Repository, repo *Repository, log zerolog.Logger) *Optimizer {
	return &Optimizer{
		forecasts: forecasts,
		catalog:   cat,
		repo:      repo,
		log:       log.With().Str("component", "replenish").Logger(),
	}
}

// Optimize runs the pipeline over the given pairs. Pairs without forecasts
// are skipped, never zero-filled.
func (o *Optimizer) Optimize(ctx context.Context, h tenant.Handle, pairs [][2]string, opts Options) ([]Decision, error) {
	if err := tenant.Require(h); err != nil {
		return nil, err
	}
	if opts.Horizon <= 0 {
		opts.Horizon = 14
	}
	if opts.ChangeThreshold <= 0 {
		opts.ChangeThreshold = 0.10
	}
	level, z := snapServiceLevel(opts.ServiceLevel)

	var decisions []Decision
	for _, pair := range pairs {
		if err := ctx.Err(); err != nil {
			return decisions, &domain.TransientError{Op: "replenish optimize", Err: err}
		}
		d, err := o.optimizePair(h, pair[0], pair[1], opts, level, z)
		if err != nil {
			return decisions, err
		}
		decisions = append(decisions, *d)
	}
	return decisions, nil
}

func (o *Optimizer) optimizePair(h tenant.Handle, storeID, productID string, opts Options, level, z float64) (*Decision, error) {
	d := &Decision{StoreID: storeID, ProductID: productID}

	demands, err := o.forecasts.NextDays(h, storeID, productID, opts.ModelVersion, todayUTC().AddDate(0, 0, 1), opts.Horizon)
	if err != nil {
		return nil, err
	}
	if len(demands) == 0 {
		d.Skipped = true
		d.SkipReason = "no forecast"
		return d, nil
	}
	demandMean, demandStd := stat.MeanStdDev(demands, nil)
	if math.IsNaN(demandStd) { // Single forecast day
		demandStd = 0
	}
	d.DailyDemand = demandMean
	d.DemandStd = demandStd

	product, err := o.catalog.GetProduct(h, productID)
	if err != nil {
		return nil, err
	}

	src, err := o.sourcing(h, productID, storeID, product.SupplierID)
	if err != nil {
		return nil, err
	}

	reliability := reliabilityMultiplier(src.onTimeRate)
	cluster := o.clusterMultiplier(h, storeID)

	// SS = ceil(max(1, Z × √(LT×σd² + D²×σLT²) × reliability × cluster))
	variance := src.leadTimeMean*demandStd*demandStd + demandMean*demandMean*src.leadTimeVariance
	ss := math.Ceil(math.Max(1, z*math.Sqrt(variance)*reliability*cluster))
	rop := math.Ceil(math.Max(1, demandMean*src.leadTimeMean+ss))

	// Wilson EOQ; holding cost defaults to a quarter of unit cost annually.
	annualDemand := demandMean * 365
	holding := product.HoldingCostPerUnitDay * 365
	if holding <= 0 {
		holding = product.UnitCost * 0.25
	}
	eoq := 1.0
	if annualDemand > 0 && holding > 0 {
		eoq = math.Ceil(math.Max(1, math.Sqrt(2*annualDemand*src.costPerOrder/holding)))
	}
	if int(eoq) < src.minOrderQty {
		eoq = float64(src.minOrderQty)
	}

	d.New = domain.ReorderPoint{
		TenantID:     h.ID(),
		StoreID:      storeID,
		ProductID:    productID,
		ROP:          int(rop),
		SafetyStock:  int(ss),
		EOQ:          int(eoq),
		LeadTimeDays: src.leadTimeMean,
		ServiceLevel: level,
	}

	old, err := o.repo.Get(h, storeID, productID)
	if err != nil {
		return nil, err
	}
	d.Old = old
	if old != nil && old.ROP > 0 {
		change := math.Abs(float64(d.New.ROP-old.ROP)) / float64(old.ROP)
		if change <= opts.ChangeThreshold {
			d.Skipped = true
			d.SkipReason = "change below threshold"
			return d, nil
		}
	}

	rationale := map[string]any{
		"daily_demand_mean":      demandMean,
		"daily_demand_std":       demandStd,
		"lead_time_mean":         src.leadTimeMean,
		"lead_time_variance":     src.leadTimeVariance,
		"service_level":          level,
		"z_score":                z,
		"reliability_multiplier": reliability,
		"cluster_multiplier":     cluster,
		"source":                 string(src.source),
		"model_version":          opts.ModelVersion,
	}
	if err := o.repo.Upsert(h, d.New, old, rationale); err != nil {
		return nil, err
	}
	d.Updated = true
	return d, nil
}

// sourcingParams is the resolved supply-side input.
type sourcingParams struct {
	source           domain.SourceType
	leadTimeMean     float64
	leadTimeVariance float64
	minOrderQty      int
	costPerOrder     float64
	onTimeRate       float64
}

// sourcing consults sourcing rules by priority and falls back to the
// supplier's scorecard.
func (o *Optimizer) sourcing(h tenant.Handle, productID, storeID, supplierID string) (*sourcingParams, error) {
	rules, err := o.catalog.SourcingRules(h, productID, storeID)
	if err != nil {
		return nil, err
	}

	p := &sourcingParams{
		source:       domain.SourceVendorDirect,
		leadTimeMean: 7,
		minOrderQty:  1,
		costPerOrder: 50,
		onTimeRate:   1.0,
	}
	if supplierID != "" {
		if supplier, err := o.catalog.GetSupplier(h, supplierID); err == nil {
			p.leadTimeMean = supplier.LeadTimeMean
			p.leadTimeVariance = supplier.LeadTimeVariance
			p.costPerOrder = supplier.CostPerOrder
			p.onTimeRate = supplier.OnTimeRate
		}
	}
	if len(rules) > 0 {
		rule := rules[0] // Ordered by priority, store-specific first
		p.source = rule.Source
		p.leadTimeMean = rule.LeadTimeMean
		p.leadTimeVariance = rule.LeadTimeVariance
		p.minOrderQty = rule.MinOrderQty
		p.costPerOrder = rule.CostPerOrder
	}
	return p, nil
}

func (o *Optimizer) clusterMultiplier(h tenant.Handle, storeID string) float64 {
	store, err := o.catalog.GetStore(h, storeID)
	if err != nil {
		return clusterMultipliers[1]
	}
	if m, ok := clusterMultipliers[store.ClusterTier]; ok {
		return m
	}
	return clusterMultipliers[1]
}

// reliabilityMultiplier maps supplier on-time rate to a safety-stock scale.
func reliabilityMultiplier(onTimeRate float64) float64 {
	switch {
	case onTimeRate >= 0.95:
		return 1.0
	case onTimeRate >= 0.85:
		return 1.2
	case onTimeRate >= 0.70:
		return 1.5
	default:
		return 1.8
	}
}

// snapServiceLevel picks the closest supported level and its Z.
func snapServiceLevel(requested float64) (float64, float64) {
	if requested <= 0 {
		requested = 0.95
	}
	best := serviceZ[0]
	for _, c := range serviceZ[1:] {
		if math.Abs(c.level-requested) < math.Abs(best.level-requested) {
			best = c
		}
	}
	return best.level, best.z
}

func todayUTC() time.Time {
	return time.Now().UTC().Truncate(24 * time.Hour)
}
