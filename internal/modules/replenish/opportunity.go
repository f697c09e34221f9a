package replenish

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/shelfops/internal/modules/catalog"
	"github.com/aristath/shelfops/internal/modules/forecast"
	"github.com/aristath/shelfops/internal/modules/ledger"
	"github.com/aristath/shelfops/internal/tenant"
)

// OpportunityCostService estimates the revenue missed on stocked-out days:
// forecast demand that could not sell, valued at the product's unit price.
type OpportunityCostService struct {
	db        *sql.DB
	forecasts *forecast.Repository
	inventory *ledger.InventoryRepository
	catalog   *catalog.Repository
	log       zerolog.Logger
}

// NewOpportunityCostService creates the service.
func NewOpportunityCostService(db *sql.DB, forecasts *forecast.Repository,
	inventory *ledger.InventoryRepository, cat *catalog.Repository, log zerolog.Logger) *OpportunityCostService {
	return &OpportunityCostService{
		db:        db,
		forecasts: forecasts,
		inventory: inventory,
		catalog:   cat,
		log:       log.With().Str("component", "opportunity_cost").Logger(),
	}
}

// LogDay scans every pair's latest inventory snapshot for the given day and
// writes one opportunity-cost row per stocked-out pair with forecast demand.
func (s *OpportunityCostService) LogDay(h tenant.Handle, version string, day time.Time) (int, error) {
	if err := tenant.Require(h); err != nil {
		return 0, err
	}
	levels, err := s.inventory.LatestPerPair(h)
	if err != nil {
		return 0, err
	}

	day = day.UTC().Truncate(24 * time.Hour)
	logged := 0
	for _, lvl := range levels {
		if lvl.Available > 0 {
			continue
		}
		demands, err := s.forecasts.NextDays(h, lvl.StoreID, lvl.ProductID, version, day, 1)
		if err != nil {
			return logged, err
		}
		if len(demands) == 0 || demands[0] <= 0 {
			continue
		}
		missedUnits := demands[0]

		product, err := s.catalog.GetProduct(h, lvl.ProductID)
		if err != nil {
			continue // Unknown product, nothing to value
		}
		missedValue := decimal.NewFromFloat(product.UnitPrice).
			Mul(decimal.NewFromFloat(missedUnits)).Round(2)

		_, err = s.db.Exec(`INSERT INTO opportunity_cost_log
			(id, tenant_id, store_id, product_id, log_date, missed_units, missed_value, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			uuid.NewString(), h.ID(), lvl.StoreID, lvl.ProductID,
			day.Format("2006-01-02"), missedUnits, missedValue.String(),
			time.Now().UTC().Format(time.RFC3339))
		if err != nil {
			return logged, fmt.Errorf("failed to log opportunity cost: %w", err)
		}
		logged++
	}

	if logged > 0 {
		s.log.Info().Int("pairs", logged).Str("date", day.Format("2006-01-02")).
			Msg("Opportunity cost logged")
	}
	return logged, nil
}
