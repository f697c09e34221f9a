package replay

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
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

// seedHistory writes a deterministic sales pattern for two pairs covering
// days days ending at end.
func seedHistory(t *testing.T, txns *ledger.TransactionRepository, h tenant.Handle, end time.Time, days int) {
	t.Helper()
	for i := days - 1; i >= 0; i-- {
		day := end.AddDate(0, 0, -i)
		qty := 4 + day.Day()%3
		_, err := txns.Insert(h, domain.Transaction{
			StoreID: "s1", ProductID: "p1", Timestamp: day.Add(11 * time.Hour),
			Quantity: qty, UnitPrice: 1.5, Type: domain.TxnSale,
		})
		require.NoError(t, err)
		_, err = txns.Insert(h, domain.Transaction{
			StoreID: "s1", ProductID: "p2", Timestamp: day.Add(15 * time.Hour),
			Quantity: 2 + day.Day()%2, UnitPrice: 3.0, Type: domain.TxnSale,
		})
		require.NoError(t, err)
	}
}

func newEngine(t *testing.T, db *sql.DB) (*Engine, *ledger.TransactionRepository) {
	t.Helper()
	log := zerolog.Nop()
	txns := ledger.NewTransactionRepository(db, log)
	return NewEngine(db, txns, forecast.NewSQLFeatureProvider(db),
		forecast.NewRepository(db, log), nil, log), txns
}

func runConfig(dir string) Config {
	return Config{
		ModelName:        "demand-core",
		HoldoutDays:      10,
		RetrainEveryDays: 7,
		LookbackDays:     40,
		ReportDir:        dir,
	}
}

func TestRunRequiresModelName(t *testing.T) {
	engine, _ := newEngine(t, testDB(t))
	_, err := engine.Run(context.Background(), tenant.MustNew("acme"), Config{})
	var ce *domain.ContractError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "model_name", ce.Field)
}

func TestRunRequiresIngestedData(t *testing.T) {
	engine, _ := newEngine(t, testDB(t))
	_, err := engine.Run(context.Background(), tenant.MustNew("acme"),
		Config{ModelName: "demand-core", ReportDir: t.TempDir()})
	assert.ErrorIs(t, err, domain.ErrDataUnavailable)
}

func TestRunProducesReportFiles(t *testing.T) {
	db := testDB(t)
	engine, txns := newEngine(t, db)
	h := tenant.MustNew("acme")
	end := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	seedHistory(t, txns, h, end, 60)

	dir := t.TempDir()
	summary, err := engine.Run(context.Background(), h, runConfig(dir))
	require.NoError(t, err)

	assert.Equal(t, 10, summary.DaysReplayed)
	assert.Equal(t, 2, summary.Pairs)
	assert.GreaterOrEqual(t, summary.Retrains, 2, "initial plus scheduled retrains")
	assert.Equal(t, 0, summary.CriticalFailures)
	assert.Equal(t, "2026-02-19", summary.TrainEnd)

	runDir := filepath.Join(dir, summary.RunID)
	for _, name := range []string{"partition_manifest.json", "daily_log.txt", "summary.json"} {
		_, err := os.Stat(filepath.Join(runDir, name))
		assert.NoError(t, err, name)
	}

	raw, err := os.ReadFile(filepath.Join(runDir, "partition_manifest.json"))
	require.NoError(t, err)
	var manifest Manifest
	require.NoError(t, json.Unmarshal(raw, &manifest))
	assert.Equal(t, summary.RunID, manifest.RunID)
	assert.Equal(t, "2026-02-20", manifest.HoldoutStart)
	assert.Equal(t, "2026-03-01", manifest.HoldoutEnd)
	// 50 training days and 10 holdout days, two transactions each.
	assert.Equal(t, 100, manifest.TrainTxnRows)
	assert.Equal(t, 20, manifest.HoldoutTxnRows)
}

func TestRunIsByteReproducible(t *testing.T) {
	db := testDB(t)
	engine, txns := newEngine(t, db)
	h := tenant.MustNew("acme")
	end := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	seedHistory(t, txns, h, end, 60)

	dirA, dirB := t.TempDir(), t.TempDir()
	first, err := engine.Run(context.Background(), h, runConfig(dirA))
	require.NoError(t, err)
	second, err := engine.Run(context.Background(), h, runConfig(dirB))
	require.NoError(t, err)
	require.Equal(t, first.RunID, second.RunID)

	for _, name := range []string{"partition_manifest.json", "daily_log.txt", "summary.json"} {
		a, err := os.ReadFile(filepath.Join(dirA, first.RunID, name))
		require.NoError(t, err)
		b, err := os.ReadFile(filepath.Join(dirB, second.RunID, name))
		require.NoError(t, err)
		assert.Equal(t, a, b, "%s differs between identical runs", name)
	}
}

func TestRunPersistForecasts(t *testing.T) {
	db := testDB(t)
	engine, txns := newEngine(t, db)
	h := tenant.MustNew("acme")
	end := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	seedHistory(t, txns, h, end, 60)

	cfg := runConfig(t.TempDir())
	cfg.PersistForecasts = true
	_, err := engine.Run(context.Background(), h, cfg)
	require.NoError(t, err)

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM demand_forecasts
		WHERE tenant_id = 'acme' AND model_version LIKE 'sim-%'`).Scan(&n))
	assert.Greater(t, n, 0, "replay days were written under the sim version label")
}

func TestRetrainTrigger(t *testing.T) {
	cfg := Config{RetrainEveryDays: 7, DriftMAPEThreshold: 0.35}

	assert.Equal(t, "initial", retrainTrigger(0, cfg, nil))
	assert.Equal(t, "", retrainTrigger(3, cfg, nil))
	assert.Equal(t, "scheduled", retrainTrigger(7, cfg, nil))
	assert.Equal(t, "scheduled", retrainTrigger(14, cfg, nil))

	// Drift fires only once the rolling window is full and the mean exceeds
	// the threshold.
	high := make([]float64, driftWindowDays)
	for i := range high {
		high[i] = 0.5
	}
	assert.Equal(t, "drift", retrainTrigger(3, cfg, high))
	assert.Equal(t, "", retrainTrigger(3, cfg, high[:driftWindowDays-1]))

	low := make([]float64, driftWindowDays)
	for i := range low {
		low[i] = 0.1
	}
	assert.Equal(t, "", retrainTrigger(3, cfg, low))
}

func TestBaselineGate(t *testing.T) {
	b := DefaultBaseline()
	good := &Summary{MAPENonzero: 0.4, StockoutMissRate: 0.1, OverstockRate: 0.2}
	assert.True(t, passes(good, b))

	badMAPE := *good
	badMAPE.MAPENonzero = 0.7
	assert.False(t, passes(&badMAPE, b))

	failed := *good
	failed.CriticalFailures = 1
	assert.False(t, passes(&failed, b))
}

func TestHITLDecisionsDeterministic(t *testing.T) {
	engine, _ := newEngine(t, testDB(t))
	h := tenant.MustNew("acme")
	day := time.Date(2026, 2, 20, 0, 0, 0, 0, time.UTC)
	rows := []scoredRow{
		{StoreID: "s1", ProductID: "p1", Forecast: 10, Actual: 2},
		{StoreID: "s1", ProductID: "p2", Forecast: 3, Actual: 3.5},
		{StoreID: "s2", ProductID: "p1", Forecast: 6, Actual: 1},
		{StoreID: "s2", ProductID: "p2", Forecast: 0, Actual: 0},
		{StoreID: "s3", ProductID: "p1", Forecast: 2, Actual: 2.2},
	}

	first := engine.hitlDecisions(h, "demand-core", day, rows)
	second := engine.hitlDecisions(h, "demand-core", day, rows)
	assert.Equal(t, first, second, "seeded decisions reproduce exactly")
	require.Len(t, first, hitlTopRows)

	// The worst absolute error ranks first; zero/zero rows never qualify.
	assert.Equal(t, "p1", first[0].ProductID)
	assert.Equal(t, "s1", first[0].StoreID)
	for _, d := range first {
		assert.NotEqual(t, [2]string{"s2", "p2"}, [2]string{d.StoreID, d.ProductID})
		assert.Contains(t, []string{"approve", "edit", "reject"}, d.Decision)
	}
}

func TestRunIDStableAcrossInputs(t *testing.T) {
	h := tenant.MustNew("acme")
	trainEnd := time.Date(2026, 2, 19, 0, 0, 0, 0, time.UTC)

	a := runID(h, "demand-core", trainEnd, 10)
	b := runID(h, "demand-core", trainEnd, 10)
	assert.Equal(t, a, b)
	assert.Contains(t, a, "replay-20260219-")

	assert.NotEqual(t, a, runID(h, "demand-core", trainEnd, 14))
	assert.NotEqual(t, a, runID(tenant.MustNew("other"), "demand-core", trainEnd, 10))
}

func TestHashFileCountsDataRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sales.csv")
	require.NoError(t, os.WriteFile(path,
		[]byte("date,store_id,product_id,quantity\n2026-01-01,s1,p1,4\n2026-01-02,s1,p1,6\n"), 0o644))

	entry, err := hashFile(path)
	require.NoError(t, err)
	assert.Equal(t, "sales.csv", entry.Name)
	assert.Equal(t, 2, entry.Rows, "header line is not a data row")
	assert.Len(t, entry.SHA256, 64)

	again, err := hashFile(path)
	require.NoError(t, err)
	assert.Equal(t, entry.SHA256, again.SHA256)
}
