// Package catalog holds the tenant-owned reference entities: stores,
// products, suppliers, planogram membership, and sourcing rules.
package catalog

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/shelfops/internal/domain"
	"github.com/aristath/shelfops/internal/tenant"
)

const storeColumns = `tenant_id, id, name, cluster_tier, country_code, active, created_at, updated_at`

const productColumns = `tenant_id, id, name, category, lifecycle_state, perishable,
shelf_life_days, unit_cost, unit_price, holding_cost_per_unit_day, supplier_id, created_at, updated_at`

const supplierColumns = `tenant_id, id, name, on_time_rate, lead_time_mean,
lead_time_variance, distance_km, cost_per_order, created_at, updated_at`

// Repository handles reference-entity database operations.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new catalog repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "catalog").Logger(),
	}
}

// UpsertStore creates or updates a store.
func (r *Repository) UpsertStore(h tenant.Handle, s domain.Store) error {
	if err := tenant.Require(h); err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	query := "INSERT INTO stores (" + storeColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, id) DO UPDATE SET
			name = excluded.name, cluster_tier = excluded.cluster_tier,
			country_code = excluded.country_code, active = excluded.active,
			updated_at = excluded.updated_at`
	_, err := r.db.Exec(query, h.ID(), s.ID, s.Name, s.ClusterTier, s.CountryCode, boolToInt(s.Active), now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert store %s: %w", s.ID, err)
	}
	return nil
}

// GetStore returns a store by id, or nil when missing.
func (r *Repository) GetStore(h tenant.Handle, id string) (*domain.Store, error) {
	if err := tenant.Require(h); err != nil {
		return nil, err
	}
	row := r.db.QueryRow("SELECT "+storeColumns+" FROM stores WHERE tenant_id = ? AND id = ?", h.ID(), id)
	var s domain.Store
	var active int
	var created, updated string
	err := row.Scan(&s.TenantID, &s.ID, &s.Name, &s.ClusterTier, &s.CountryCode, &active, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan store: %w", err)
	}
	s.Active = active != 0
	s.CreatedAt, _ = time.Parse(time.RFC3339, created)
	s.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
	return &s, nil
}

// ListStores returns all stores for the tenant.
func (r *Repository) ListStores(h tenant.Handle) ([]domain.Store, error) {
	if err := tenant.Require(h); err != nil {
		return nil, err
	}
	rows, err := r.db.Query("SELECT "+storeColumns+" FROM stores WHERE tenant_id = ? ORDER BY id", h.ID())
	if err != nil {
		return nil, fmt.Errorf("failed to query stores: %w", err)
	}
	defer rows.Close()

	var out []domain.Store
	for rows.Next() {
		var s domain.Store
		var active int
		var created, updated string
		if err := rows.Scan(&s.TenantID, &s.ID, &s.Name, &s.ClusterTier, &s.CountryCode, &active, &created, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan store: %w", err)
		}
		s.Active = active != 0
		s.CreatedAt, _ = time.Parse(time.RFC3339, created)
		s.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
		out = append(out, s)
	}
	return out, rows.Err()
}

// UpsertProduct creates or updates a product.
func (r *Repository) UpsertProduct(h tenant.Handle, p domain.Product) error {
	if err := tenant.Require(h); err != nil {
		return err
	}
	if p.Lifecycle == "" {
		p.Lifecycle = domain.LifecycleActive
	}
	now := time.Now().UTC().Format(time.RFC3339)
	var supplier any
	if p.SupplierID != "" {
		supplier = p.SupplierID
	}
	query := "INSERT INTO products (" + productColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, id) DO UPDATE SET
			name = excluded.name, category = excluded.category,
			lifecycle_state = excluded.lifecycle_state, perishable = excluded.perishable,
			shelf_life_days = excluded.shelf_life_days, unit_cost = excluded.unit_cost,
			unit_price = excluded.unit_price,
			holding_cost_per_unit_day = excluded.holding_cost_per_unit_day,
			supplier_id = excluded.supplier_id, updated_at = excluded.updated_at`
	_, err := r.db.Exec(query, h.ID(), p.ID, p.Name, p.Category, string(p.Lifecycle),
		boolToInt(p.Perishable), p.ShelfLifeDays, p.UnitCost, p.UnitPrice,
		p.HoldingCostPerUnitDay, supplier, now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert product %s: %w", p.ID, err)
	}
	return nil
}

// GetProduct returns a product by id, or nil when missing.
func (r *Repository) GetProduct(h tenant.Handle, id string) (*domain.Product, error) {
	if err := tenant.Require(h); err != nil {
		return nil, err
	}
	row := r.db.QueryRow("SELECT "+productColumns+" FROM products WHERE tenant_id = ? AND id = ?", h.ID(), id)
	p, err := scanProduct(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan product: %w", err)
	}
	return p, nil
}

// ListProducts returns all products for the tenant.
func (r *Repository) ListProducts(h tenant.Handle) ([]domain.Product, error) {
	if err := tenant.Require(h); err != nil {
		return nil, err
	}
	rows, err := r.db.Query("SELECT "+productColumns+" FROM products WHERE tenant_id = ? ORDER BY id", h.ID())
	if err != nil {
		return nil, fmt.Errorf("failed to query products: %w", err)
	}
	defer rows.Close()

	var out []domain.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan product: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// UpsertSupplier creates or updates a supplier.
func (r *Repository) UpsertSupplier(h tenant.Handle, s domain.Supplier) error {
	if err := tenant.Require(h); err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	query := "INSERT INTO suppliers (" + supplierColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, id) DO UPDATE SET
			name = excluded.name, on_time_rate = excluded.on_time_rate,
			lead_time_mean = excluded.lead_time_mean,
			lead_time_variance = excluded.lead_time_variance,
			distance_km = excluded.distance_km, cost_per_order = excluded.cost_per_order,
			updated_at = excluded.updated_at`
	_, err := r.db.Exec(query, h.ID(), s.ID, s.Name, s.OnTimeRate, s.LeadTimeMean,
		s.LeadTimeVariance, s.DistanceKM, s.CostPerOrder, now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert supplier %s: %w", s.ID, err)
	}
	return nil
}

// GetSupplier returns a supplier by id, or nil when missing.
func (r *Repository) GetSupplier(h tenant.Handle, id string) (*domain.Supplier, error) {
	if err := tenant.Require(h); err != nil {
		return nil, err
	}
	row := r.db.QueryRow("SELECT "+supplierColumns+" FROM suppliers WHERE tenant_id = ? AND id = ?", h.ID(), id)
	var s domain.Supplier
	var created, updated string
	err := row.Scan(&s.TenantID, &s.ID, &s.Name, &s.OnTimeRate, &s.LeadTimeMean,
		&s.LeadTimeVariance, &s.DistanceKM, &s.CostPerOrder, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan supplier: %w", err)
	}
	s.CreatedAt, _ = time.Parse(time.RFC3339, created)
	s.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
	return &s, nil
}

// SetPlanogram marks a product active or inactive in a store's planogram.
func (r *Repository) SetPlanogram(h tenant.Handle, storeID, productID string, active bool) error {
	if err := tenant.Require(h); err != nil {
		return err
	}
	_, err := r.db.Exec(`INSERT INTO planogram (tenant_id, store_id, product_id, active)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (tenant_id, store_id, product_id) DO UPDATE SET active = excluded.active`,
		h.ID(), storeID, productID, boolToInt(active))
	if err != nil {
		return fmt.Errorf("failed to set planogram: %w", err)
	}
	return nil
}

// InPlanogram reports whether a product is active in a store's planogram.
// Pairs with no planogram row default to active.
func (r *Repository) InPlanogram(h tenant.Handle, storeID, productID string) (bool, error) {
	if err := tenant.Require(h); err != nil {
		return false, err
	}
	var active int
	err := r.db.QueryRow(`SELECT active FROM planogram
		WHERE tenant_id = ? AND store_id = ? AND product_id = ?`,
		h.ID(), storeID, productID).Scan(&active)
	if err == sql.ErrNoRows {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query planogram: %w", err)
	}
	return active != 0, nil
}

// UpsertSourcingRule creates or replaces a sourcing rule.
func (r *Repository) UpsertSourcingRule(h tenant.Handle, rule domain.SourcingRule) error {
	if err := tenant.Require(h); err != nil {
		return err
	}
	if rule.Priority < 1 || rule.Priority > 5 {
		return &domain.ContractError{Field: "priority", Reason: "must be in 1..5"}
	}
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	var storeID any
	if rule.StoreID != "" {
		storeID = rule.StoreID
	}
	_, err := r.db.Exec(`INSERT INTO sourcing_rules
		(id, tenant_id, product_id, store_id, priority, source_type,
		 lead_time_mean, lead_time_variance, min_order_qty, cost_per_order)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rule.ID, h.ID(), rule.ProductID, storeID, rule.Priority, string(rule.Source),
		rule.LeadTimeMean, rule.LeadTimeVariance, rule.MinOrderQty, rule.CostPerOrder)
	if err != nil {
		return fmt.Errorf("failed to upsert sourcing rule: %w", err)
	}
	return nil
}

// SourcingRules returns the rules for a product ordered by priority.
// Store-specific rules sort ahead of generic rules of the same priority.
func (r *Repository) SourcingRules(h tenant.Handle, productID, storeID string) ([]domain.SourcingRule, error) {
	if err := tenant.Require(h); err != nil {
		return nil, err
	}
	rows, err := r.db.Query(`SELECT id, tenant_id, product_id, store_id, priority, source_type,
		lead_time_mean, lead_time_variance, min_order_qty, cost_per_order
		FROM sourcing_rules
		WHERE tenant_id = ? AND product_id = ? AND (store_id IS NULL OR store_id = ?)
		ORDER BY priority ASC, store_id IS NULL ASC`, h.ID(), productID, storeID)
	if err != nil {
		return nil, fmt.Errorf("failed to query sourcing rules: %w", err)
	}
	defer rows.Close()

	var out []domain.SourcingRule
	for rows.Next() {
		var rule domain.SourcingRule
		var store sql.NullString
		var source string
		if err := rows.Scan(&rule.ID, &rule.TenantID, &rule.ProductID, &store, &rule.Priority,
			&source, &rule.LeadTimeMean, &rule.LeadTimeVariance, &rule.MinOrderQty, &rule.CostPerOrder); err != nil {
			return nil, fmt.Errorf("failed to scan sourcing rule: %w", err)
		}
		rule.StoreID = store.String
		rule.Source = domain.SourceType(source)
		out = append(out, rule)
	}
	return out, rows.Err()
}

func scanProduct(s interface{ Scan(...any) error }) (*domain.Product, error) {
	var p domain.Product
	var lifecycle string
	var perishable int
	var supplier sql.NullString
	var created, updated string
	if err := s.Scan(&p.TenantID, &p.ID, &p.Name, &p.Category, &lifecycle, &perishable,
		&p.ShelfLifeDays, &p.UnitCost, &p.UnitPrice, &p.HoldingCostPerUnitDay,
		&supplier, &created, &updated); err != nil {
		return nil, err
	}
	p.Lifecycle = domain.LifecycleState(lifecycle)
	p.Perishable = perishable != 0
	p.SupplierID = supplier.String
	p.CreatedAt, _ = time.Parse(time.RFC3339, created)
	p.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
	return &p, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
