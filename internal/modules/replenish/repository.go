// Package replenish owns the reorder-point optimizer: safety stock, ROP, and
// EOQ per (store, product), plus the opportunity-cost log for stocked-out
// days.
package replenish

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/shelfops/internal/domain"
	"github.com/aristath/shelfops/internal/tenant"
)

// Repository persists reorder points and their change history.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a replenishment repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{db: db, log: log.With().Str("repo", "reorder_points").Logger()}
}

// Get returns the current reorder point for a pair, or nil when none exists.
func (r *Repository) Get(h tenant.Handle, storeID, productID string) (*domain.ReorderPoint, error) {
	if err := tenant.Require(h); err != nil {
		return nil, err
	}
	var rp domain.ReorderPoint
	var updatedAt string
	err := r.db.QueryRow(`SELECT tenant_id, store_id, product_id, rop, safety_stock,
		eoq, lead_time_days, service_level, updated_at
		FROM reorder_points
		WHERE tenant_id = ? AND store_id = ? AND product_id = ?`,
		h.ID(), storeID, productID).Scan(
		&rp.TenantID, &rp.StoreID, &rp.ProductID, &rp.ROP, &rp.SafetyStock,
		&rp.EOQ, &rp.LeadTimeDays, &rp.ServiceLevel, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read reorder point: %w", err)
	}
	rp.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &rp, nil
}

// Upsert writes a reorder point and appends the change to reorder_history
// with the calculation rationale.
func (r *Repository) Upsert(h tenant.Handle, rp domain.ReorderPoint, old *domain.ReorderPoint, rationale map[string]any) error {
	if err := tenant.Require(h); err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := r.db.Exec(`INSERT INTO reorder_points
		(tenant_id, store_id, product_id, rop, safety_stock, eoq, lead_time_days, service_level, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, store_id, product_id) DO UPDATE SET
			rop = excluded.rop, safety_stock = excluded.safety_stock,
			eoq = excluded.eoq, lead_time_days = excluded.lead_time_days,
			service_level = excluded.service_level, updated_at = excluded.updated_at`,
		h.ID(), rp.StoreID, rp.ProductID, rp.ROP, rp.SafetyStock, rp.EOQ,
		rp.LeadTimeDays, rp.ServiceLevel, now)
	if err != nil {
		return fmt.Errorf("failed to upsert reorder point: %w", err)
	}

	blob, _ := json.Marshal(rationale)
	var oldROP, oldSafety, oldEOQ any
	if old != nil {
		oldROP, oldSafety, oldEOQ = old.ROP, old.SafetyStock, old.EOQ
	}
	_, err = r.db.Exec(`INSERT INTO reorder_history
		(id, tenant_id, store_id, product_id, old_rop, new_rop, old_safety, new_safety,
		 old_eoq, new_eoq, rationale, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), h.ID(), rp.StoreID, rp.ProductID,
		oldROP, rp.ROP, oldSafety, rp.SafetyStock, oldEOQ, rp.EOQ,
		string(blob), now)
	if err != nil {
		return fmt.Errorf("failed to append reorder history: %w", err)
	}
	return nil
}
