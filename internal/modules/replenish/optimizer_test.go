package replenish

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/shelfops/internal/database"
	"github.com/aristath/shelfops/internal/domain"
	"github.com/aristath/shelfops/internal/modules/catalog"
	"github.com/aristath/shelfops/internal/modules/forecast"
	"github.com/aristath/shelfops/internal/tenant"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	_, err = db.Exec(database.Schema())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

type fixture struct {
	db        *sql.DB
	catalog   *catalog.Repository
	forecasts *forecast.Repository
	repo      *Repository
	optimizer *Optimizer
	h         tenant.Handle
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testDB(t)
	f := &fixture{
		db:        db,
		catalog:   catalog.NewRepository(db, zerolog.Nop()),
		forecasts: forecast.NewRepository(db, zerolog.Nop()),
		repo:      NewRepository(db, zerolog.Nop()),
		h:         tenant.MustNew("acme"),
	}
	f.optimizer = NewOptimizer(f.forecasts, f.catalog, f.repo, zerolog.Nop())

	require.NoError(t, f.catalog.UpsertStore(f.h, domain.Store{ID: "s1", Name: "Downtown", ClusterTier: 1, Active: true}))
	require.NoError(t, f.catalog.UpsertProduct(f.h, domain.Product{
		ID: "p1", Name: "Milk 1L", Category: "dairy", UnitCost: 2.0, UnitPrice: 3.5,
	}))
	require.NoError(t, f.catalog.UpsertSourcingRule(f.h, domain.SourcingRule{
		ProductID: "p1", Priority: 1, Source: domain.SourceVendorDirect,
		LeadTimeMean: 4, LeadTimeVariance: 0, MinOrderQty: 1, CostPerOrder: 50,
	}))
	return f
}

// seedForecast writes a constant daily forecast for the optimizer's horizon
// starting tomorrow.
func (f *fixture) seedForecast(t *testing.T, version string, demand float64, days int) {
	t.Helper()
	start := time.Now().UTC().Truncate(24 * time.Hour).AddDate(0, 0, 1)
	for i := 0; i < days; i++ {
		require.NoError(t, f.forecasts.ReplaceDay(f.h, version, start.AddDate(0, 0, i),
			[]domain.DemandForecast{{StoreID: "s1", ProductID: "p1", Demand: demand}}))
	}
}

func TestOptimizeFormulaValues(t *testing.T) {
	f := newFixture(t)
	f.seedForecast(t, "v1", 10, 14)

	decisions, err := f.optimizer.Optimize(context.Background(), f.h, [][2]string{{"s1", "p1"}},
		Options{Horizon: 14, ServiceLevel: 0.95, ModelVersion: "v1"})
	require.NoError(t, err)
	require.Len(t, decisions, 1)

	d := decisions[0]
	assert.True(t, d.Updated)
	assert.Equal(t, 10.0, d.DailyDemand)
	assert.Equal(t, 0.0, d.DemandStd)

	// Zero demand variance and zero lead-time variance floor safety stock at 1.
	assert.Equal(t, 1, d.New.SafetyStock)
	// ROP = ceil(10 × 4 + 1).
	assert.Equal(t, 41, d.New.ROP)
	// Wilson EOQ with annual demand 3650, order cost 50, holding 2.0 × 0.25:
	// ceil(sqrt(2 × 3650 × 50 / 0.5)) = 855.
	assert.Equal(t, 855, d.New.EOQ)
	assert.Equal(t, 0.95, d.New.ServiceLevel)
	assert.Equal(t, 4.0, d.New.LeadTimeDays)

	// Persisted.
	stored, err := f.repo.Get(f.h, "s1", "p1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, 41, stored.ROP)
}

func TestOptimizeSkipsPairsWithoutForecast(t *testing.T) {
	f := newFixture(t)

	decisions, err := f.optimizer.Optimize(context.Background(), f.h, [][2]string{{"s1", "p1"}},
		Options{Horizon: 14, ServiceLevel: 0.95, ModelVersion: "v1"})
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.True(t, decisions[0].Skipped)
	assert.Equal(t, "no forecast", decisions[0].SkipReason)

	stored, err := f.repo.Get(f.h, "s1", "p1")
	require.NoError(t, err)
	assert.Nil(t, stored, "skipped pairs are never zero-filled")
}

func TestOptimizeSkipsSmallChanges(t *testing.T) {
	f := newFixture(t)
	f.seedForecast(t, "v1", 10, 14)
	opts := Options{Horizon: 14, ServiceLevel: 0.95, ModelVersion: "v1"}

	_, err := f.optimizer.Optimize(context.Background(), f.h, [][2]string{{"s1", "p1"}}, opts)
	require.NoError(t, err)

	// Nudge demand by a few percent: ROP moves less than 10%.
	f.seedForecast(t, "v1", 10.5, 14)
	decisions, err := f.optimizer.Optimize(context.Background(), f.h, [][2]string{{"s1", "p1"}}, opts)
	require.NoError(t, err)
	assert.True(t, decisions[0].Skipped)
	assert.Equal(t, "change below threshold", decisions[0].SkipReason)

	// Doubling demand clears the threshold.
	f.seedForecast(t, "v1", 20, 14)
	decisions, err = f.optimizer.Optimize(context.Background(), f.h, [][2]string{{"s1", "p1"}}, opts)
	require.NoError(t, err)
	assert.True(t, decisions[0].Updated)
}

func TestOptimizeClusterMultiplier(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.catalog.UpsertStore(f.h, domain.Store{ID: "s1", ClusterTier: 0, Active: true}))
	// Demand variance drives safety stock above the floor so the tier
	// multiplier is visible.
	start := time.Now().UTC().Truncate(24 * time.Hour).AddDate(0, 0, 1)
	for i := 0; i < 14; i++ {
		demand := 5.0
		if i%2 == 0 {
			demand = 15.0
		}
		require.NoError(t, f.forecasts.ReplaceDay(f.h, "v1", start.AddDate(0, 0, i),
			[]domain.DemandForecast{{StoreID: "s1", ProductID: "p1", Demand: demand}}))
	}

	decisions, err := f.optimizer.Optimize(context.Background(), f.h, [][2]string{{"s1", "p1"}},
		Options{Horizon: 14, ServiceLevel: 0.95, ModelVersion: "v1"})
	require.NoError(t, err)
	flagship := decisions[0].New.SafetyStock

	// Same demand profile, long-tail store tier.
	require.NoError(t, f.catalog.UpsertStore(f.h, domain.Store{ID: "s1", ClusterTier: 2, Active: true}))
	decisions, err = f.optimizer.Optimize(context.Background(), f.h, [][2]string{{"s1", "p1"}},
		Options{Horizon: 14, ServiceLevel: 0.95, ModelVersion: "v1", ChangeThreshold: 0.0001})
	require.NoError(t, err)
	longTail := decisions[0].New.SafetyStock

	assert.Greater(t, flagship, longTail)
}

func TestSnapServiceLevel(t *testing.T) {
	cases := []struct {
		requested, level, z float64
	}{
		{0.95, 0.95, 1.645},
		{0.94, 0.95, 1.645},
		{0.97, 0.975, 1.960},
		{0.999, 0.99, 2.326},
		{0, 0.95, 1.645},
	}
	for _, tc := range cases {
		level, z := snapServiceLevel(tc.requested)
		assert.Equal(t, tc.level, level, "requested %v", tc.requested)
		assert.Equal(t, tc.z, z, "requested %v", tc.requested)
	}
}

func TestReliabilityMultiplier(t *testing.T) {
	assert.Equal(t, 1.0, reliabilityMultiplier(0.98))
	assert.Equal(t, 1.2, reliabilityMultiplier(0.90))
	assert.Equal(t, 1.5, reliabilityMultiplier(0.75))
	assert.Equal(t, 1.8, reliabilityMultiplier(0.50))
}

func TestRepositoryUpsertHistory(t *testing.T) {
	f := newFixture(t)

	first := domain.ReorderPoint{StoreID: "s1", ProductID: "p1", ROP: 40, SafetyStock: 5, EOQ: 100,
		LeadTimeDays: 4, ServiceLevel: 0.95}
	require.NoError(t, f.repo.Upsert(f.h, first, nil, map[string]any{"reason": "initial"}))

	second := first
	second.ROP = 60
	require.NoError(t, f.repo.Upsert(f.h, second, &first, nil))

	stored, err := f.repo.Get(f.h, "s1", "p1")
	require.NoError(t, err)
	assert.Equal(t, 60, stored.ROP)

	var count int
	var oldROP sql.NullInt64
	require.NoError(t, f.db.QueryRow(`SELECT COUNT(*) FROM reorder_history WHERE tenant_id = 'acme'`).Scan(&count))
	assert.Equal(t, 2, count)
	require.NoError(t, f.db.QueryRow(`SELECT old_rop FROM reorder_history
		WHERE tenant_id = 'acme' AND new_rop = 60`).Scan(&oldROP))
	require.True(t, oldROP.Valid)
	assert.EqualValues(t, 40, oldROP.Int64)
}
