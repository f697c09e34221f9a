// Package features builds the typed feature matrices the training and
// forecast runtimes share. Two tiers exist: cold_start works from any
// (date, store, product, quantity) dataset; production adds product, store,
// inventory, and extended promotion columns. Rolling aggregates are strictly
// causal: the row at date t only sees data dated before t.
package features

import (
	"hash/fnv"
	"math"
	"sort"
	"time"

	"github.com/markcheno/go-talib"

	"github.com/aristath/shelfops/internal/contract"
	"github.com/aristath/shelfops/internal/domain"
)

// Tier selects the feature column set.
type Tier string

const (
	TierColdStart  Tier = "cold_start"
	TierProduction Tier = "production"
)

// Kind classifies a feature column.
type Kind string

const (
	KindTemporal    Kind = "temporal"
	KindRolling     Kind = "rolling"
	KindCategorical Kind = "categorical"
	KindFlag        Kind = "flag"
	KindExternal    Kind = "external"
	KindProduct     Kind = "product"
	KindStore       Kind = "store"
	KindInventory   Kind = "inventory"
	KindPromo       Kind = "promo"
)

// Column is one feature column. CausalDepth is the history window in days a
// rolling column needs; zero for point-in-time columns.
type Column struct {
	Name        string
	Kind        Kind
	CausalDepth int
}

var coldStartColumns = []Column{
	// Temporal (10)
	{Name: "day_of_week", Kind: KindTemporal},
	{Name: "day_of_month", Kind: KindTemporal},
	{Name: "day_of_year", Kind: KindTemporal},
	{Name: "week_of_year", Kind: KindTemporal},
	{Name: "month", Kind: KindTemporal},
	{Name: "quarter", Kind: KindTemporal},
	{Name: "is_weekend", Kind: KindTemporal},
	{Name: "is_month_start", Kind: KindTemporal},
	{Name: "is_month_end", Kind: KindTemporal},
	{Name: "is_holiday", Kind: KindTemporal},
	// Rolling sales history (12): mean, stddev, max over 7/14/30/90
	{Name: "sales_mean_7", Kind: KindRolling, CausalDepth: 7},
	{Name: "sales_std_7", Kind: KindRolling, CausalDepth: 7},
	{Name: "sales_max_7", Kind: KindRolling, CausalDepth: 7},
	{Name: "sales_mean_14", Kind: KindRolling, CausalDepth: 14},
	{Name: "sales_std_14", Kind: KindRolling, CausalDepth: 14},
	{Name: "sales_max_14", Kind: KindRolling, CausalDepth: 14},
	{Name: "sales_mean_30", Kind: KindRolling, CausalDepth: 30},
	{Name: "sales_std_30", Kind: KindRolling, CausalDepth: 30},
	{Name: "sales_max_30", Kind: KindRolling, CausalDepth: 30},
	{Name: "sales_mean_90", Kind: KindRolling, CausalDepth: 90},
	{Name: "sales_std_90", Kind: KindRolling, CausalDepth: 90},
	{Name: "sales_max_90", Kind: KindRolling, CausalDepth: 90},
	// Category encoding (1)
	{Name: "category_code", Kind: KindCategorical},
	// Promotion flag (1)
	{Name: "is_promotional", Kind: KindFlag},
	// External signals (3)
	{Name: "temperature", Kind: KindExternal},
	{Name: "precipitation", Kind: KindExternal},
	{Name: "oil_price", Kind: KindExternal},
}

var productionExtraColumns = []Column{
	// Product attributes (5)
	{Name: "unit_cost", Kind: KindProduct},
	{Name: "unit_price", Kind: KindProduct},
	{Name: "margin_rate", Kind: KindProduct},
	{Name: "shelf_life_days", Kind: KindProduct},
	{Name: "product_age_days", Kind: KindProduct},
	// Store performance (5)
	{Name: "store_cluster_tier", Kind: KindStore},
	{Name: "store_sales_mean_30", Kind: KindStore, CausalDepth: 30},
	{Name: "store_inventory_turnover", Kind: KindStore},
	{Name: "store_sku_count", Kind: KindStore},
	{Name: "store_revenue_rank", Kind: KindStore},
	// Inventory snapshot (5)
	{Name: "current_stock", Kind: KindInventory},
	{Name: "days_of_supply", Kind: KindInventory},
	{Name: "stock_to_sales_ratio", Kind: KindInventory},
	{Name: "weeks_of_supply", Kind: KindInventory},
	{Name: "available_ratio", Kind: KindInventory},
	// Extended promotion (4)
	{Name: "promo_depth", Kind: KindPromo},
	{Name: "promo_days_running", Kind: KindPromo},
	{Name: "promo_last_30d", Kind: KindPromo, CausalDepth: 30},
	{Name: "price_vs_category_avg", Kind: KindPromo},
}

// Columns returns the ordered column set for a tier.
func Columns(tier Tier) []Column {
	if tier == TierProduction {
		out := make([]Column, 0, len(coldStartColumns)+len(productionExtraColumns))
		out = append(out, coldStartColumns...)
		out = append(out, productionExtraColumns...)
		return out
	}
	return append([]Column(nil), coldStartColumns...)
}

// Row is one input observation. The cold-start fields come from the canonical
// contract table; production fields are zero when the source cannot supply
// them and tier detection falls back to cold_start.
type Row struct {
	Date          time.Time
	StoreID       string
	ProductID     string
	Quantity      float64
	Category      string
	IsPromotional bool
	IsHoliday     bool

	// External signals
	Temperature   float64
	Precipitation float64
	OilPrice      float64

	// Production enrichment
	UnitCost               float64
	UnitPrice              float64
	ShelfLifeDays          float64
	ProductAgeDays         float64
	StoreClusterTier       float64
	StoreInventoryTurnover float64
	StoreSKUCount          float64
	StoreRevenueRank       float64
	CurrentStock           float64
	DaysOfSupply           float64
	QuantityAvailable      float64
	PromoDepth             float64
	PromoDaysRunning       float64
	CategoryAvgPrice       float64
}

// FromTable lifts a canonical contract table into feature input rows.
func FromTable(t *contract.Table) []Row {
	rows := make([]Row, 0, len(t.Rows))
	for _, r := range t.Rows {
		rows = append(rows, Row{
			Date:          r.Date,
			StoreID:       r.StoreID,
			ProductID:     r.ProductID,
			Quantity:      r.Quantity,
			Category:      r.Category,
			IsPromotional: r.IsPromotional,
			IsHoliday:     r.IsHoliday,
		})
	}
	return rows
}

// tierSignals are the columns whose presence+non-zero promotes a dataset to
// the production tier.
var tierSignals = []func(Row) float64{
	func(r Row) float64 { return r.CurrentStock },
	func(r Row) float64 { return r.UnitCost },
	func(r Row) float64 { return r.UnitPrice },
	func(r Row) float64 { return r.StoreInventoryTurnover },
	func(r Row) float64 { return r.DaysOfSupply },
}

// DetectTier returns production only when every tier signal is non-zero in at
// least one row. Callers may force a tier instead.
func DetectTier(rows []Row) Tier {
	for _, signal := range tierSignals {
		present := false
		for _, r := range rows {
			if signal(r) != 0 {
				present = true
				break
			}
		}
		if !present {
			return TierColdStart
		}
	}
	return TierProduction
}

// Key identifies one matrix row.
type Key struct {
	Date      time.Time
	StoreID   string
	ProductID string
}

// Matrix is a built feature table: X rows align with Keys and Y.
type Matrix struct {
	Tier    Tier
	Columns []Column
	X       [][]float64
	Y       []float64
	Keys    []Key
}

// ColumnIndex returns the position of a named column, or -1.
func (m *Matrix) ColumnIndex(name string) int {
	for i, c := range m.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// LatestPerPair returns the most recent feature vector for every
// (store, product) pair in the matrix. The returned slices are copies.
func (m *Matrix) LatestPerPair() map[[2]string][]float64 {
	latest := make(map[[2]string]int)
	for i, k := range m.Keys {
		pair := [2]string{k.StoreID, k.ProductID}
		if prev, ok := latest[pair]; !ok || m.Keys[prev].Date.Before(k.Date) {
			latest[pair] = i
		}
	}
	out := make(map[[2]string][]float64, len(latest))
	for pair, i := range latest {
		vec := make([]float64, len(m.X[i]))
		copy(vec, m.X[i])
		out[pair] = vec
	}
	return out
}

// Build constructs the feature matrix for a tier. Rows are grouped per
// (store, product) and sorted by date; rolling aggregates for the row at date
// t cover only earlier dates, so the target never feeds its own features.
func Build(rows []Row, tier Tier) (*Matrix, error) {
	if len(rows) == 0 {
		return nil, domain.ErrDataUnavailable
	}
	cols := Columns(tier)

	groups := make(map[[2]string][]Row)
	for _, r := range rows {
		pair := [2]string{r.StoreID, r.ProductID}
		groups[pair] = append(groups[pair], r)
	}
	pairs := make([][2]string, 0, len(groups))
	for pair := range groups {
		pairs = append(pairs, pair)
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i][0] != pairs[j][0] {
			return pairs[i][0] < pairs[j][0]
		}
		return pairs[i][1] < pairs[j][1]
	})

	storeSeries := storeDailyTotals(rows)

	m := &Matrix{Tier: tier, Columns: cols}
	for _, pair := range pairs {
		group := groups[pair]
		sort.SliceStable(group, func(i, j int) bool { return group[i].Date.Before(group[j].Date) })

		qty := make([]float64, len(group))
		promo := make([]float64, len(group))
		for i, r := range group {
			qty[i] = r.Quantity
			if r.IsPromotional {
				promo[i] = 1
			}
		}

		roll := map[int]rolled{
			7:  rollCausal(qty, 7),
			14: rollCausal(qty, 14),
			30: rollCausal(qty, 30),
			90: rollCausal(qty, 90),
		}
		promoRoll := rollCausal(promo, 30)
		storeRoll := storeSeries[pair[0]]

		for i, r := range group {
			vec := make([]float64, len(cols))
			for c, col := range cols {
				vec[c] = featureValue(col, r, i, roll, promoRoll, storeRoll)
			}
			m.X = append(m.X, vec)
			m.Y = append(m.Y, r.Quantity)
			m.Keys = append(m.Keys, Key{Date: r.Date, StoreID: r.StoreID, ProductID: r.ProductID})
		}
	}
	return m, nil
}

// OverrideTemporal replaces the temporal columns of a feature vector with the
// calendar of a target day. Observed columns keep their last causal values.
func OverrideTemporal(cols []Column, vec []float64, day time.Time, isHoliday bool) []float64 {
	out := make([]float64, len(vec))
	copy(out, vec)
	for i, col := range cols {
		if col.Kind != KindTemporal {
			continue
		}
		out[i] = temporalValue(col.Name, day, isHoliday)
	}
	return out
}

func featureValue(col Column, r Row, i int, roll map[int]rolled, promoRoll rolled, storeRoll rolled) float64 {
	switch col.Kind {
	case KindTemporal:
		return temporalValue(col.Name, r.Date, r.IsHoliday)
	case KindRolling:
		rl := roll[col.CausalDepth]
		switch col.Name {
		case "sales_mean_7", "sales_mean_14", "sales_mean_30", "sales_mean_90":
			return rl.mean[i]
		case "sales_std_7", "sales_std_14", "sales_std_30", "sales_std_90":
			return rl.std[i]
		default:
			return rl.max[i]
		}
	case KindCategorical:
		return categoryCode(r.Category)
	case KindFlag:
		return boolF(r.IsPromotional)
	case KindExternal:
		switch col.Name {
		case "temperature":
			return r.Temperature
		case "precipitation":
			return r.Precipitation
		default:
			return r.OilPrice
		}
	case KindProduct:
		switch col.Name {
		case "unit_cost":
			return r.UnitCost
		case "unit_price":
			return r.UnitPrice
		case "margin_rate":
			if r.UnitPrice > 0 {
				return (r.UnitPrice - r.UnitCost) / r.UnitPrice
			}
			return 0
		case "shelf_life_days":
			return r.ShelfLifeDays
		default:
			return r.ProductAgeDays
		}
	case KindStore:
		switch col.Name {
		case "store_cluster_tier":
			return r.StoreClusterTier
		case "store_sales_mean_30":
			return storeRoll.at(r.Date)
		case "store_inventory_turnover":
			return r.StoreInventoryTurnover
		case "store_sku_count":
			return r.StoreSKUCount
		default:
			return r.StoreRevenueRank
		}
	case KindInventory:
		switch col.Name {
		case "current_stock":
			return r.CurrentStock
		case "days_of_supply":
			return r.DaysOfSupply
		case "stock_to_sales_ratio":
			if r.Quantity > 0 {
				return r.CurrentStock / r.Quantity
			}
			return r.CurrentStock
		case "weeks_of_supply":
			return r.DaysOfSupply / 7
		default:
			if r.CurrentStock > 0 {
				return r.QuantityAvailable / r.CurrentStock
			}
			return 0
		}
	case KindPromo:
		switch col.Name {
		case "promo_depth":
			return r.PromoDepth
		case "promo_days_running":
			return r.PromoDaysRunning
		case "promo_last_30d":
			return promoRoll.mean[i]
		default:
			if r.CategoryAvgPrice > 0 {
				return r.UnitPrice / r.CategoryAvgPrice
			}
			return 1
		}
	}
	return 0
}

func temporalValue(name string, day time.Time, isHoliday bool) float64 {
	day = day.UTC()
	switch name {
	case "day_of_week":
		return float64(day.Weekday())
	case "day_of_month":
		return float64(day.Day())
	case "day_of_year":
		return float64(day.YearDay())
	case "week_of_year":
		_, week := day.ISOWeek()
		return float64(week)
	case "month":
		return float64(day.Month())
	case "quarter":
		return float64((int(day.Month())-1)/3 + 1)
	case "is_weekend":
		return boolF(day.Weekday() == time.Saturday || day.Weekday() == time.Sunday)
	case "is_month_start":
		return boolF(day.Day() == 1)
	case "is_month_end":
		return boolF(day.AddDate(0, 0, 1).Day() == 1)
	case "is_holiday":
		return boolF(isHoliday)
	}
	return 0
}

// rolled carries causal rolling statistics aligned with the source series.
// Index i describes the window ending at i-1; index 0 is all zeros.
type rolled struct {
	mean  []float64
	std   []float64
	max   []float64
	dates []time.Time
}

// at returns the rolled mean for the latest index whose date is before day.
func (r rolled) at(day time.Time) float64 {
	if len(r.dates) == 0 {
		return 0
	}
	for i := len(r.dates) - 1; i >= 0; i-- {
		if r.dates[i].Before(day) {
			return r.mean[i+1]
		}
	}
	return 0
}

// rollCausal computes mean/stddev/max over the trailing window, shifted one
// step so position i never includes the value at i. talib handles the steady
// state; the warmup prefix is computed directly.
func rollCausal(values []float64, window int) rolled {
	n := len(values)
	out := rolled{
		mean: make([]float64, n+1),
		std:  make([]float64, n+1),
		max:  make([]float64, n+1),
	}

	var smas, stds []float64
	if n >= window {
		smas = talib.Sma(values, window)
		stds = talib.StdDev(values, window, 1.0)
	}

	for i := 1; i <= n; i++ {
		// Window over values[max(0,i-window) : i], all strictly before i.
		lo := i - window
		if lo < 0 {
			lo = 0
		}
		if i >= window && smas != nil {
			out.mean[i] = smas[i-1]
			out.std[i] = stds[i-1]
		} else {
			out.mean[i], out.std[i] = prefixStats(values[lo:i])
		}
		out.max[i] = sliceMax(values[lo:i])
	}
	return out
}

func prefixStats(window []float64) (mean, std float64) {
	if len(window) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range window {
		sum += v
	}
	mean = sum / float64(len(window))
	var ss float64
	for _, v := range window {
		d := v - mean
		ss += d * d
	}
	std = math.Sqrt(ss / float64(len(window)))
	return mean, std
}

func sliceMax(window []float64) float64 {
	var m float64
	for _, v := range window {
		if v > m {
			m = v
		}
	}
	return m
}

// storeDailyTotals builds a causal 30-day rolling mean of each store's total
// daily quantity for the store_sales_mean_30 column.
func storeDailyTotals(rows []Row) map[string]rolled {
	type dayTotal struct {
		date time.Time
		qty  float64
	}
	byStore := make(map[string]map[string]float64)
	for _, r := range rows {
		day := r.Date.Format("2006-01-02")
		if byStore[r.StoreID] == nil {
			byStore[r.StoreID] = make(map[string]float64)
		}
		byStore[r.StoreID][day] += r.Quantity
	}

	out := make(map[string]rolled, len(byStore))
	for store, days := range byStore {
		totals := make([]dayTotal, 0, len(days))
		for day, qty := range days {
			t, _ := time.Parse("2006-01-02", day)
			totals = append(totals, dayTotal{date: t, qty: qty})
		}
		sort.Slice(totals, func(i, j int) bool { return totals[i].date.Before(totals[j].date) })

		values := make([]float64, len(totals))
		dates := make([]time.Time, len(totals))
		for i, dt := range totals {
			values[i] = dt.qty
			dates[i] = dt.date
		}
		rl := rollCausal(values, 30)
		rl.dates = dates
		out[store] = rl
	}
	return out
}

// categoryCode is a stable numeric encoding of the category label.
func categoryCode(category string) float64 {
	if category == "" {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(category))
	return float64(h.Sum32() % 1000)
}

func boolF(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
