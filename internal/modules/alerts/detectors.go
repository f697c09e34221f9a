package alerts

import (
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/aristath/shelfops/internal/domain"
	"github.com/aristath/shelfops/internal/tenant"
)

// Detector produces alert candidates for one tenant pass.
type Detector interface {
	Name() string
	Detect(h tenant.Handle, asOf time.Time) ([]domain.Alert, error)
}

// StockoutDetector flags pairs whose shrinkage-adjusted available inventory
// cannot cover the next 7 days of forecast demand.
type StockoutDetector struct {
	deps          Deps
	shrinkageRate float64
}

// NewStockoutDetector creates the detector. shrinkageRate defaults to 0.02.
func NewStockoutDetector(deps Deps, shrinkageRate float64) *StockoutDetector {
	if shrinkageRate < 0 || shrinkageRate >= 1 {
		shrinkageRate = 0.02
	}
	return &StockoutDetector{deps: deps, shrinkageRate: shrinkageRate}
}

func (d *StockoutDetector) Name() string { return "stockout_predicted" }

func (d *StockoutDetector) Detect(h tenant.Handle, asOf time.Time) ([]domain.Alert, error) {
	version, err := d.deps.version(h)
	if err != nil || version == "" {
		return nil, err
	}
	levels, err := d.deps.Inventory.LatestPerPair(h)
	if err != nil {
		return nil, err
	}

	var out []domain.Alert
	for _, lvl := range levels {
		demands, err := d.deps.Forecasts.NextDays(h, lvl.StoreID, lvl.ProductID,
			version, asOf.AddDate(0, 0, 1), 7)
		if err != nil {
			return nil, err
		}
		if len(demands) == 0 {
			continue
		}
		var demand7 float64
		for _, v := range demands {
			demand7 += v
		}
		if demand7 <= 0 {
			continue
		}

		adjusted := float64(lvl.Available) * (1 - d.shrinkageRate)
		if adjusted >= demand7 {
			continue
		}

		daily := demand7 / 7
		dos := adjusted / daily
		out = append(out, domain.Alert{
			StoreID:   lvl.StoreID,
			ProductID: lvl.ProductID,
			Type:      domain.AlertStockoutPredicted,
			Severity:  stockoutSeverity(dos),
			Message: fmt.Sprintf("Forecast demand %.1f over 7 days exceeds available %.1f (%.1f days of supply)",
				demand7, adjusted, dos),
			Metadata: map[string]any{
				"current_stock":      lvl.Available,
				"forecast_demand_7d": demand7,
				"available_adjusted": adjusted,
				"days_of_supply":     dos,
			},
		})
	}
	return out, nil
}

// stockoutSeverity grades by days of supply.
func stockoutSeverity(dos float64) domain.Severity {
	switch {
	case dos <= 1:
		return domain.SeverityCritical
	case dos <= 3:
		return domain.SeverityHigh
	case dos <= 5:
		return domain.SeverityMedium
	default:
		return domain.SeverityLow
	}
}

// ReorderDetector flags planogram-active pairs at or below their reorder
// point.
type ReorderDetector struct {
	deps Deps
}

// NewReorderDetector creates the detector.
func NewReorderDetector(deps Deps) *ReorderDetector {
	return &ReorderDetector{deps: deps}
}

func (d *ReorderDetector) Name() string { return "reorder_recommended" }

func (d *ReorderDetector) Detect(h tenant.Handle, _ time.Time) ([]domain.Alert, error) {
	levels, err := d.deps.Inventory.LatestPerPair(h)
	if err != nil {
		return nil, err
	}

	var out []domain.Alert
	for _, lvl := range levels {
		rp, err := d.deps.Reorder.Get(h, lvl.StoreID, lvl.ProductID)
		if err != nil {
			return nil, err
		}
		if rp == nil || lvl.Available > rp.ROP {
			continue
		}
		active, err := d.deps.Catalog.InPlanogram(h, lvl.StoreID, lvl.ProductID)
		if err != nil {
			return nil, err
		}
		if !active {
			continue
		}

		severity := domain.SeverityMedium
		if lvl.Available <= rp.SafetyStock {
			severity = domain.SeverityHigh
		}
		out = append(out, domain.Alert{
			StoreID:   lvl.StoreID,
			ProductID: lvl.ProductID,
			Type:      domain.AlertReorderRecommended,
			Severity:  severity,
			Message: fmt.Sprintf("Available %d at or below reorder point %d (safety stock %d)",
				lvl.Available, rp.ROP, rp.SafetyStock),
			Metadata: map[string]any{
				"available":     lvl.Available,
				"rop":           rp.ROP,
				"safety_stock":  rp.SafetyStock,
				"suggested_qty": rp.EOQ,
			},
		})
	}
	return out, nil
}

// anomalyVector is the 8-feature observation scored by the anomaly detector.
type anomalyVector struct {
	storeID   string
	productID string
	features  [8]float64 // sales_7d, trend_7d, on_hand, price, dow, holiday, turnover, price_vs_category_avg
}

// AnomalyDetector scores pairs by per-feature z-scores against the tenant
// population and flags the strongest deviations.
type AnomalyDetector struct {
	deps     Deps
	holidays map[string]bool
}

// NewAnomalyDetector creates the detector.
func NewAnomalyDetector(deps Deps, holidays map[string]bool) *AnomalyDetector {
	if holidays == nil {
		holidays = map[string]bool{}
	}
	return &AnomalyDetector{deps: deps, holidays: holidays}
}

func (d *AnomalyDetector) Name() string { return "anomaly_detected" }

func (d *AnomalyDetector) Detect(h tenant.Handle, asOf time.Time) ([]domain.Alert, error) {
	vectors, err := d.collect(h, asOf)
	if err != nil {
		return nil, err
	}
	if len(vectors) < 3 { // Too small a population to score
		return nil, nil
	}

	// Column statistics over the population.
	var means, stds [8]float64
	for col := 0; col < 8; col++ {
		column := make([]float64, len(vectors))
		for i, v := range vectors {
			column[i] = v.features[col]
		}
		means[col], stds[col] = stat.MeanStdDev(column, nil)
	}

	var out []domain.Alert
	for _, v := range vectors {
		var maxZ float64
		var worstCol int
		for col := 0; col < 8; col++ {
			if stds[col] == 0 {
				continue
			}
			z := math.Abs((v.features[col] - means[col]) / stds[col])
			if z > maxZ {
				maxZ = z
				worstCol = col
			}
		}
		if maxZ < 2 {
			continue
		}
		out = append(out, domain.Alert{
			StoreID:   v.storeID,
			ProductID: v.productID,
			Type:      domain.AlertAnomalyDetected,
			Severity:  anomalySeverity(maxZ),
			Message:   fmt.Sprintf("Feature %s deviates %.1f standard deviations from tenant norm", anomalyFeatureNames[worstCol], maxZ),
			Metadata: map[string]any{
				"z_score": maxZ,
				"feature": anomalyFeatureNames[worstCol],
			},
		})
	}
	return out, nil
}

var anomalyFeatureNames = [8]string{
	"sales_7d", "trend_7d", "on_hand", "price",
	"day_of_week", "is_holiday", "turnover", "price_vs_category_avg",
}

// collect assembles one observation per pair with recent sales.
func (d *AnomalyDetector) collect(h tenant.Handle, asOf time.Time) ([]anomalyVector, error) {
	levels, err := d.deps.Inventory.LatestPerPair(h)
	if err != nil {
		return nil, err
	}

	var categoryPrices = map[string][]float64{}
	type pending struct {
		vec      anomalyVector
		category string
		price    float64
	}
	var staged []pending

	for _, lvl := range levels {
		sales, err := d.deps.Ledger.DailySales(h, lvl.StoreID, lvl.ProductID,
			asOf.AddDate(0, 0, -14), asOf)
		if err != nil {
			return nil, err
		}
		if len(sales) == 0 {
			continue
		}

		var last7, prior7 float64
		for day, qty := range sales {
			t, _ := time.Parse("2006-01-02", day)
			if t.After(asOf.AddDate(0, 0, -7)) {
				last7 += qty
			} else {
				prior7 += qty
			}
		}

		product, err := d.deps.Catalog.GetProduct(h, lvl.ProductID)
		if err != nil {
			continue
		}
		turnover := 0.0
		if lvl.OnHand > 0 {
			turnover = last7 / float64(lvl.OnHand)
		}

		v := anomalyVector{storeID: lvl.StoreID, productID: lvl.ProductID}
		v.features[0] = last7
		v.features[1] = last7 - prior7
		v.features[2] = float64(lvl.OnHand)
		v.features[3] = product.UnitPrice
		v.features[4] = float64(asOf.Weekday())
		if d.holidays[asOf.Format("2006-01-02")] {
			v.features[5] = 1
		}
		v.features[6] = turnover

		staged = append(staged, pending{vec: v, category: product.Category, price: product.UnitPrice})
		categoryPrices[product.Category] = append(categoryPrices[product.Category], product.UnitPrice)
	}

	vectors := make([]anomalyVector, 0, len(staged))
	for _, p := range staged {
		avg := stat.Mean(categoryPrices[p.category], nil)
		if avg > 0 {
			p.vec.features[7] = p.price / avg
		} else {
			p.vec.features[7] = 1
		}
		vectors = append(vectors, p.vec)
	}
	return vectors, nil
}

// anomalySeverity grades by |z|.
func anomalySeverity(z float64) domain.Severity {
	switch {
	case z >= 4:
		return domain.SeverityCritical
	case z >= 3:
		return domain.SeverityHigh
	case z >= 2.5:
		return domain.SeverityMedium
	default:
		return domain.SeverityLow
	}
}

// GhostStockDetector flags pairs whose system inventory says in-stock while
// sales run far below forecast: the shelf is probably empty or misplaced.
type GhostStockDetector struct {
	deps Deps
}

// NewGhostStockDetector creates the detector.
func NewGhostStockDetector(deps Deps) *GhostStockDetector {
	return &GhostStockDetector{deps: deps}
}

func (d *GhostStockDetector) Name() string { return "ghost_stock" }

const ghostLookbackDays = 7

func (d *GhostStockDetector) Detect(h tenant.Handle, asOf time.Time) ([]domain.Alert, error) {
	version, err := d.deps.version(h)
	if err != nil || version == "" {
		return nil, err
	}
	levels, err := d.deps.Inventory.LatestPerPair(h)
	if err != nil {
		return nil, err
	}

	var out []domain.Alert
	for _, lvl := range levels {
		if lvl.OnHand <= 0 {
			continue
		}
		from := asOf.AddDate(0, 0, -ghostLookbackDays)
		sales, err := d.deps.Ledger.DailySales(h, lvl.StoreID, lvl.ProductID, from, asOf)
		if err != nil {
			return nil, err
		}
		forecasts, err := d.deps.Forecasts.NextDays(h, lvl.StoreID, lvl.ProductID,
			version, from, ghostLookbackDays)
		if err != nil {
			return nil, err
		}
		if len(forecasts) == 0 {
			continue
		}

		lowDays := 0
		for i, fc := range forecasts {
			if fc <= 0 {
				continue
			}
			day := from.AddDate(0, 0, i).Format("2006-01-02")
			if sales[day]/fc < 0.3 {
				lowDays++
			}
		}
		if lowDays < 3 {
			continue
		}

		product, err := d.deps.Catalog.GetProduct(h, lvl.ProductID)
		if err != nil {
			continue
		}
		ghostValue := float64(lvl.OnHand) * product.UnitPrice
		confidence := float64(lowDays) / float64(ghostLookbackDays)

		if err := d.deps.Repo.InsertAnomaly(h, domain.Anomaly{
			StoreID:   lvl.StoreID,
			ProductID: lvl.ProductID,
			Kind:      "inventory_discrepancy",
			Score:     confidence,
			Details: map[string]any{
				"on_hand":     lvl.OnHand,
				"ghost_value": ghostValue,
				"low_days":    lowDays,
			},
		}); err != nil {
			return nil, err
		}

		out = append(out, domain.Alert{
			StoreID:   lvl.StoreID,
			ProductID: lvl.ProductID,
			Type:      domain.AlertAnomalyDetected,
			Severity:  domain.SeverityMedium,
			Message: fmt.Sprintf("Possible ghost stock: %d units on hand, sales below 30%% of forecast on %d of %d days",
				lvl.OnHand, lowDays, ghostLookbackDays),
			Metadata: map[string]any{
				"kind":        "inventory_discrepancy",
				"ghost_value": ghostValue,
				"confidence":  confidence,
			},
		})
	}
	return out, nil
}
