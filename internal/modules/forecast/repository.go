// Package forecast turns the champion model into persisted daily demand
// forecasts per (store, product) pair.
package forecast

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/shelfops/internal/database"
	"github.com/aristath/shelfops/internal/domain"
	"github.com/aristath/shelfops/internal/tenant"
)

// Repository persists demand forecasts.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a forecast repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{db: db, log: log.With().Str("repo", "forecasts").Logger()}
}

// ReplaceDay deletes any existing rows for (tenant, version, date) and
// inserts the new set in one transaction, so re-runs are deterministic.
func (r *Repository) ReplaceDay(h tenant.Handle, version string, day time.Time, forecasts []domain.DemandForecast) error {
	if err := tenant.Require(h); err != nil {
		return err
	}
	dayStr := day.UTC().Format("2006-01-02")
	now := time.Now().UTC().Format(time.RFC3339)

	return database.WithTransaction(r.db, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM demand_forecasts
			WHERE tenant_id = ? AND model_version = ? AND forecast_date = ?`,
			h.ID(), version, dayStr); err != nil {
			return fmt.Errorf("failed to clear forecasts for %s: %w", dayStr, err)
		}
		stmt, err := tx.Prepare(`INSERT INTO demand_forecasts
			(tenant_id, store_id, product_id, forecast_date, model_version,
			 forecasted_demand, lower_bound, upper_bound, confidence, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("failed to prepare forecast insert: %w", err)
		}
		defer stmt.Close()

		for _, f := range forecasts {
			if _, err := stmt.Exec(h.ID(), f.StoreID, f.ProductID, dayStr, version,
				f.Demand, f.Lower, f.Upper, f.Confidence, now); err != nil {
				return fmt.Errorf("failed to insert forecast for %s/%s: %w", f.StoreID, f.ProductID, err)
			}
		}
		return nil
	})
}

// NextDays returns per-day forecast demand for a pair over [from, from+days).
func (r *Repository) NextDays(h tenant.Handle, storeID, productID, version string, from time.Time, days int) ([]float64, error) {
	if err := tenant.Require(h); err != nil {
		return nil, err
	}
	to := from.AddDate(0, 0, days)
	rows, err := r.db.Query(`SELECT forecasted_demand FROM demand_forecasts
		WHERE tenant_id = ? AND store_id = ? AND product_id = ? AND model_version = ?
		  AND forecast_date >= ? AND forecast_date < ?
		ORDER BY forecast_date`,
		h.ID(), storeID, productID, version,
		from.UTC().Format("2006-01-02"), to.UTC().Format("2006-01-02"))
	if err != nil {
		return nil, fmt.Errorf("failed to query forecasts: %w", err)
	}
	defer rows.Close()

	var out []float64
	for rows.Next() {
		var demand float64
		if err := rows.Scan(&demand); err != nil {
			return nil, fmt.Errorf("failed to scan forecast: %w", err)
		}
		out = append(out, demand)
	}
	return out, rows.Err()
}

// DayCount returns how many rows exist for (version, date).
func (r *Repository) DayCount(h tenant.Handle, version string, day time.Time) (int, error) {
	if err := tenant.Require(h); err != nil {
		return 0, err
	}
	var n int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM demand_forecasts
		WHERE tenant_id = ? AND model_version = ? AND forecast_date = ?`,
		h.ID(), version, day.UTC().Format("2006-01-02")).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count forecasts: %w", err)
	}
	return n, nil
}
