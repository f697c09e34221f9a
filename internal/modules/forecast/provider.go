package forecast

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/aristath/shelfops/internal/modules/features"
	"github.com/aristath/shelfops/internal/tenant"
)

// FeatureProvider supplies the historical rows feature building consumes.
type FeatureProvider interface {
	Rows(h tenant.Handle, pairs [][2]string, lookbackDays int, asOf time.Time) ([]features.Row, error)
}

// SQLFeatureProvider assembles feature rows from the ledger: daily sales per
// pair joined with product attributes, store cluster, and the latest
// inventory snapshot per day.
type SQLFeatureProvider struct {
	db *sql.DB
}

// NewSQLFeatureProvider creates a provider over the application database.
func NewSQLFeatureProvider(db *sql.DB) *SQLFeatureProvider {
	return &SQLFeatureProvider{db: db}
}

// Rows builds one feature row per (pair, day with sales) over the lookback.
func (p *SQLFeatureProvider) Rows(h tenant.Handle, pairs [][2]string, lookbackDays int, asOf time.Time) ([]features.Row, error) {
	if err := tenant.Require(h); err != nil {
		return nil, err
	}
	since := asOf.UTC().AddDate(0, 0, -lookbackDays).Format("2006-01-02")
	until := asOf.UTC().Format("2006-01-02")

	var out []features.Row
	for _, pair := range pairs {
		stock, available := p.latestStock(h, pair[0], pair[1])
		rows, err := p.db.Query(`
			SELECT DATE(t.ts), SUM(t.quantity), MAX(t.unit_price),
			       COALESCE(pr.category, ''), COALESCE(pr.unit_cost, 0),
			       COALESCE(pr.unit_price, 0), COALESCE(pr.shelf_life_days, 0),
			       COALESCE(s.cluster_tier, 1)
			FROM transactions t
			LEFT JOIN products pr ON pr.tenant_id = t.tenant_id AND pr.id = t.product_id
			LEFT JOIN stores s ON s.tenant_id = t.tenant_id AND s.id = t.store_id
			WHERE t.tenant_id = ? AND t.store_id = ? AND t.product_id = ?
			  AND t.transaction_type = 'sale'
			  AND DATE(t.ts) >= ? AND DATE(t.ts) <= ?
			GROUP BY DATE(t.ts)
			ORDER BY DATE(t.ts)`,
			h.ID(), pair[0], pair[1], since, until)
		if err != nil {
			return nil, fmt.Errorf("failed to query feature rows for %s/%s: %w", pair[0], pair[1], err)
		}

		for rows.Next() {
			var dateStr, category string
			var qty, txnPrice, unitCost, unitPrice float64
			var shelfLife, clusterTier int
			if err := rows.Scan(&dateStr, &qty, &txnPrice, &category,
				&unitCost, &unitPrice, &shelfLife, &clusterTier); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan feature row: %w", err)
			}
			date, _ := time.Parse("2006-01-02", dateStr)
			if qty < 0 {
				qty = 0
			}
			if unitPrice == 0 {
				unitPrice = txnPrice
			}
			row := features.Row{
				Date:             date,
				StoreID:          pair[0],
				ProductID:        pair[1],
				Quantity:         qty,
				Category:         category,
				UnitCost:         unitCost,
				UnitPrice:        unitPrice,
				ShelfLifeDays:    float64(shelfLife),
				StoreClusterTier: float64(clusterTier),
				CurrentStock:     float64(stock),
				QuantityAvailable: float64(available),
			}
			if qty > 0 && stock > 0 {
				row.DaysOfSupply = float64(stock) / qty
			}
			out = append(out, row)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// latestStock reads the newest inventory snapshot for a pair; zeros when the
// tenant has never reported inventory for it.
func (p *SQLFeatureProvider) latestStock(h tenant.Handle, storeID, productID string) (onHand, available int) {
	_ = p.db.QueryRow(`SELECT on_hand, available FROM inventory_levels
		WHERE tenant_id = ? AND store_id = ? AND product_id = ?
		ORDER BY ts DESC LIMIT 1`,
		h.ID(), storeID, productID).Scan(&onHand, &available)
	return onHand, available
}
