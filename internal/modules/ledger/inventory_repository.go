package ledger

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/shelfops/internal/domain"
	"github.com/aristath/shelfops/internal/tenant"
)

const inventoryColumns = `id, tenant_id, store_id, product_id, ts, on_hand,
on_order, reserved, available, source`

// InventoryRepository handles inventory snapshot persistence.
type InventoryRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewInventoryRepository creates a new inventory repository.
func NewInventoryRepository(db *sql.DB, log zerolog.Logger) *InventoryRepository {
	return &InventoryRepository{
		db:  db,
		log: log.With().Str("repo", "inventory").Logger(),
	}
}

// Insert appends one inventory snapshot.
func (r *InventoryRepository) Insert(h tenant.Handle, lvl domain.InventoryLevel) error {
	if err := tenant.Require(h); err != nil {
		return err
	}
	if lvl.OnHand < 0 {
		return &domain.ContractError{Field: "on_hand", Reason: "must be >= 0"}
	}
	if lvl.ID == "" {
		lvl.ID = uuid.NewString()
	}

	query := "INSERT INTO inventory_levels (" + inventoryColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.Exec(query,
		lvl.ID, h.ID(), lvl.StoreID, lvl.ProductID, lvl.Timestamp.UTC().Format(time.RFC3339),
		lvl.OnHand, lvl.OnOrder, lvl.Reserved, lvl.Available, lvl.Source,
	)
	if err != nil {
		return fmt.Errorf("failed to insert inventory level: %w", err)
	}
	return nil
}

// Latest returns the most recent snapshot for a pair, or nil when none exists.
func (r *InventoryRepository) Latest(h tenant.Handle, storeID, productID string) (*domain.InventoryLevel, error) {
	if err := tenant.Require(h); err != nil {
		return nil, err
	}
	query := "SELECT " + inventoryColumns + ` FROM inventory_levels
		WHERE tenant_id = ? AND store_id = ? AND product_id = ?
		ORDER BY ts DESC LIMIT 1`

	row := r.db.QueryRow(query, h.ID(), storeID, productID)
	lvl, err := scanInventory(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan inventory level: %w", err)
	}
	return lvl, nil
}

// LatestPerPair returns the most recent snapshot for every pair with inventory.
func (r *InventoryRepository) LatestPerPair(h tenant.Handle) ([]domain.InventoryLevel, error) {
	if err := tenant.Require(h); err != nil {
		return nil, err
	}
	// Window over the per-pair max timestamp; ties broken by rowid.
	query := "SELECT " + inventoryColumns + ` FROM inventory_levels
		WHERE tenant_id = ? AND id IN (
			SELECT id FROM inventory_levels i2
			WHERE i2.tenant_id = inventory_levels.tenant_id
			  AND i2.store_id = inventory_levels.store_id
			  AND i2.product_id = inventory_levels.product_id
			ORDER BY i2.ts DESC, i2.rowid DESC LIMIT 1
		)
		ORDER BY store_id, product_id`

	rows, err := r.db.Query(query, h.ID())
	if err != nil {
		return nil, fmt.Errorf("failed to query latest inventory: %w", err)
	}
	defer rows.Close()

	var out []domain.InventoryLevel
	for rows.Next() {
		lvl, err := scanInventory(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan inventory level: %w", err)
		}
		out = append(out, *lvl)
	}
	return out, rows.Err()
}

// LatestTimestamp returns the newest snapshot timestamp for the tenant.
func (r *InventoryRepository) LatestTimestamp(h tenant.Handle) (time.Time, error) {
	if err := tenant.Require(h); err != nil {
		return time.Time{}, err
	}
	var ts sql.NullString
	err := r.db.QueryRow(
		`SELECT MAX(ts) FROM inventory_levels WHERE tenant_id = ?`, h.ID()).Scan(&ts)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to query latest inventory timestamp: %w", err)
	}
	if !ts.Valid {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, ts.String)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse inventory timestamp: %w", err)
	}
	return t, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInventory(s rowScanner) (*domain.InventoryLevel, error) {
	var lvl domain.InventoryLevel
	var ts string
	if err := s.Scan(&lvl.ID, &lvl.TenantID, &lvl.StoreID, &lvl.ProductID, &ts,
		&lvl.OnHand, &lvl.OnOrder, &lvl.Reserved, &lvl.Available, &lvl.Source); err != nil {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return nil, err
	}
	lvl.Timestamp = t
	return &lvl, nil
}
