package backtest

import (
	"database/sql"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/shelfops/internal/database"
	"github.com/aristath/shelfops/internal/domain"
	"github.com/aristath/shelfops/internal/modules/forecast"
	"github.com/aristath/shelfops/internal/modules/ledger"
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

func TestEvaluateSemantics(t *testing.T) {
	rows := []joinedRow{
		{forecast: 10, actual: 10}, // Exact hit
		{forecast: 5, actual: 10},  // Under
		{forecast: 25, actual: 10}, // Overstock: forecast > 2 × actual
		{forecast: 3, actual: 0},   // Stockout miss: positive forecast, no sales
		{forecast: 0, actual: 0},   // Correct zero
	}

	result := evaluate(rows)
	assert.Equal(t, 5, result.RowsEvaluated)
	// |0| + |5| + |15| + |3| + |0| over 5 rows.
	assert.InDelta(t, 23.0/5.0, result.MAE, 1e-9)
	// (0 + 0.5 + 1.5) over the 3 nonzero-actual rows.
	assert.InDelta(t, 2.0/3.0, result.MAPE, 1e-9)
	// 1 of 2 zero-actual rows had a positive forecast.
	assert.InDelta(t, 0.5, result.StockoutMissRate, 1e-9)
	// 1 overstock row over all 5.
	assert.InDelta(t, 0.2, result.OverstockRate, 1e-9)
}

func TestEvaluateRatesBounded(t *testing.T) {
	rows := []joinedRow{
		{forecast: 100, actual: 1},
		{forecast: 100, actual: 0},
		{forecast: 100, actual: 2},
	}
	result := evaluate(rows)
	for _, rate := range []float64{result.StockoutMissRate, result.OverstockRate} {
		assert.GreaterOrEqual(t, rate, 0.0)
		assert.LessOrEqual(t, rate, 1.0)
	}
}

func TestRunValidatesParams(t *testing.T) {
	runner := NewRunner(testDB(t), zerolog.Nop())
	_, err := runner.Run(tenant.MustNew("acme"), "v1", Params{}, time.Now())
	var ce *domain.ContractError
	assert.ErrorAs(t, err, &ce)
}

func TestRunJoinsForecastsToActuals(t *testing.T) {
	db := testDB(t)
	runner := NewRunner(db, zerolog.Nop())
	forecasts := forecast.NewRepository(db, zerolog.Nop())
	txns := ledger.NewTransactionRepository(db, zerolog.Nop())
	h := tenant.MustNew("acme")
	day := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)

	require.NoError(t, forecasts.ReplaceDay(h, "v1", day, []domain.DemandForecast{
		{StoreID: "s1", ProductID: "p1", Demand: 10},
		{StoreID: "s1", ProductID: "p2", Demand: 4},
	}))
	_, err := txns.Insert(h, domain.Transaction{
		StoreID: "s1", ProductID: "p1", Timestamp: day.Add(9 * time.Hour),
		Quantity: 8, Type: domain.TxnSale,
	})
	require.NoError(t, err)

	results, err := runner.Run(h, "v1", TMinus1(), day.AddDate(0, 0, 1))
	require.NoError(t, err)
	require.Len(t, results, 1)

	w := results[0]
	assert.Equal(t, 2, w.RowsEvaluated)
	// p1: |10-8| = 2; p2 joined against zero sales: |4-0| = 4.
	assert.InDelta(t, 3.0, w.MAE, 1e-9)
	assert.InDelta(t, 0.25, w.MAPE, 1e-9)
	assert.InDelta(t, 1.0, w.StockoutMissRate, 1e-9)

	// The window persisted for the drift signal.
	mape, n, err := runner.RollingMAPE(h, "v1", 14, day.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.InDelta(t, 0.25, mape, 1e-9)
}

func TestRunSkipsEmptyWindows(t *testing.T) {
	runner := NewRunner(testDB(t), zerolog.Nop())
	results, err := runner.Run(tenant.MustNew("acme"), "v1",
		Params{WindowSize: 7, StepSize: 7, LookbackDays: 28}, time.Now())
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestRollingMAPEEmpty(t *testing.T) {
	runner := NewRunner(testDB(t), zerolog.Nop())
	mape, n, err := runner.RollingMAPE(tenant.MustNew("acme"), "v1", 14, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 0.0, mape)
}
