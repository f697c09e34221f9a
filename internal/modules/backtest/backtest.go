// Package backtest evaluates persisted forecasts against realized sales with
// a walk-forward window and feeds the drift signal the retraining trigger
// consumes.
package backtest

import (
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/shelfops/internal/domain"
	"github.com/aristath/shelfops/internal/tenant"
)

// Params steer the walk-forward sweep.
type Params struct {
	WindowSize   int // Days per evaluation window
	StepSize     int // Days the window advances per step
	LookbackDays int // Total history to sweep
}

// TMinus1 is the daily variant: yesterday only.
func TMinus1() Params {
	return Params{WindowSize: 1, StepSize: 1, LookbackDays: 1}
}

// WindowResult is one evaluated window.
type WindowResult struct {
	ID               string
	ModelVersion     string
	WindowEnd        time.Time
	MAE              float64
	MAPE             float64 // Over nonzero actuals only
	StockoutMissRate float64 // Zero-actual rows with forecast > 0
	OverstockRate    float64 // Rows with forecast > 2 × actual
	RowsEvaluated    int
}

// Runner joins forecasts to actuals and persists window metrics.
type Runner struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRunner creates a backtest runner.
func NewRunner(db *sql.DB, log zerolog.Logger) *Runner {
	return &Runner{db: db, log: log.With().Str("component", "backtest").Logger()}
}

// Run sweeps walk-forward windows ending at or before asOf. Windows with no
// joinable rows are skipped; every evaluated window persists one
// backtest_results row. Rates are always within [0, 1].
func (r *Runner) Run(h tenant.Handle, version string, p Params, asOf time.Time) ([]WindowResult, error) {
	if err := tenant.Require(h); err != nil {
		return nil, err
	}
	if p.WindowSize <= 0 || p.StepSize <= 0 || p.LookbackDays <= 0 {
		return nil, &domain.ContractError{Field: "params", Reason: "window, step, and lookback must be positive"}
	}

	today := asOf.UTC().Truncate(24 * time.Hour)
	earliest := today.AddDate(0, 0, -p.LookbackDays)

	var results []WindowResult
	for end := today; !end.Before(earliest); end = end.AddDate(0, 0, -p.StepSize) {
		start := end.AddDate(0, 0, -(p.WindowSize - 1))
		if start.Before(earliest) {
			start = earliest
		}

		rows, err := r.joined(h, version, start, end)
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			continue
		}

		result := evaluate(rows)
		result.ID = uuid.NewString()
		result.ModelVersion = version
		result.WindowEnd = end

		if err := r.persist(h, result); err != nil {
			return nil, err
		}
		results = append(results, result)
	}

	r.log.Debug().Str("version", version).Int("windows", len(results)).Msg("Backtest sweep complete")
	return results, nil
}

// RollingMAPE returns the mean MAPE of windows evaluated over the trailing
// days. The drift trigger compares this against its threshold.
func (r *Runner) RollingMAPE(h tenant.Handle, version string, days int, asOf time.Time) (float64, int, error) {
	if err := tenant.Require(h); err != nil {
		return 0, 0, err
	}
	since := asOf.UTC().AddDate(0, 0, -days).Format("2006-01-02")
	var mape float64
	var n int
	err := r.db.QueryRow(`SELECT COALESCE(AVG(mape), 0), COUNT(*) FROM backtest_results
		WHERE tenant_id = ? AND model_version = ? AND forecast_date >= ?`,
		h.ID(), version, since).Scan(&mape, &n)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read rolling MAPE: %w", err)
	}
	return mape, n, nil
}

// joinedRow pairs one forecast with its realized daily sales.
type joinedRow struct {
	forecast float64
	actual   float64
}

// joined matches forecasts to same-day realized sales per (store, product,
// date). Days with a forecast but no sales join as zero actuals.
func (r *Runner) joined(h tenant.Handle, version string, start, end time.Time) ([]joinedRow, error) {
	rows, err := r.db.Query(`
		SELECT f.forecasted_demand,
		       COALESCE((SELECT SUM(t.quantity) FROM transactions t
		                 WHERE t.tenant_id = f.tenant_id
		                   AND t.store_id = f.store_id
		                   AND t.product_id = f.product_id
		                   AND t.transaction_type = 'sale'
		                   AND DATE(t.ts) = f.forecast_date), 0)
		FROM demand_forecasts f
		WHERE f.tenant_id = ? AND f.model_version = ?
		  AND f.forecast_date >= ? AND f.forecast_date <= ?`,
		h.ID(), version, start.Format("2006-01-02"), end.Format("2006-01-02"))
	if err != nil {
		return nil, fmt.Errorf("failed to join forecasts to actuals: %w", err)
	}
	defer rows.Close()

	var out []joinedRow
	for rows.Next() {
		var jr joinedRow
		if err := rows.Scan(&jr.forecast, &jr.actual); err != nil {
			return nil, fmt.Errorf("failed to scan backtest row: %w", err)
		}
		if jr.actual < 0 {
			jr.actual = 0
		}
		out = append(out, jr)
	}
	return out, rows.Err()
}

func evaluate(rows []joinedRow) WindowResult {
	var absSum, pctSum float64
	var nonzero, stockoutMiss, zeroActual, overstock int
	for _, jr := range rows {
		absSum += math.Abs(jr.forecast - jr.actual)
		if jr.actual > 0 {
			pctSum += math.Abs(jr.forecast-jr.actual) / jr.actual
			nonzero++
			if jr.forecast > 2*jr.actual {
				overstock++
			}
		} else {
			zeroActual++
			if jr.forecast > 0 {
				stockoutMiss++
			}
		}
	}

	n := float64(len(rows))
	result := WindowResult{
		MAE:           absSum / n,
		RowsEvaluated: len(rows),
	}
	if nonzero > 0 {
		result.MAPE = pctSum / float64(nonzero)
	}
	if zeroActual > 0 {
		result.StockoutMissRate = float64(stockoutMiss) / float64(zeroActual)
	}
	result.OverstockRate = float64(overstock) / n
	return result
}

func (r *Runner) persist(h tenant.Handle, w WindowResult) error {
	_, err := r.db.Exec(`INSERT INTO backtest_results
		(id, tenant_id, model_version, forecast_date, mae, mape,
		 stockout_miss_rate, overstock_rate, rows_evaluated, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, h.ID(), w.ModelVersion, w.WindowEnd.Format("2006-01-02"),
		w.MAE, w.MAPE, w.StockoutMissRate, w.OverstockRate, w.RowsEvaluated,
		time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to persist backtest window: %w", err)
	}
	return nil
}
