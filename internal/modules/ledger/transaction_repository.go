// Package ledger owns the append-only fact tables: transactions and
// inventory snapshots. Writes are idempotent via external ids so re-syncs
// never duplicate facts.
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

// transactionColumns is the explicit column list for the transactions table.
const transactionColumns = `id, tenant_id, store_id, product_id, ts, quantity,
unit_price, total_amount, discount_amount, transaction_type, external_id`

// TransactionRepository handles transaction fact persistence.
type TransactionRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewTransactionRepository creates a new transaction repository.
func NewTransactionRepository(db *sql.DB, log zerolog.Logger) *TransactionRepository {
	return &TransactionRepository{
		db:  db,
		log: log.With().Str("repo", "transactions").Logger(),
	}
}

// Insert appends one transaction. When the record carries an external id and a
// row with that id already exists for the tenant, the write is a no-op and the
// existing row is preserved (idempotent re-sync).
func (r *TransactionRepository) Insert(h tenant.Handle, txn domain.Transaction) (bool, error) {
	if err := tenant.Require(h); err != nil {
		return false, err
	}
	if txn.Quantity == 0 {
		return false, &domain.ContractError{Field: "quantity", Reason: "must be nonzero"}
	}
	if txn.ID == "" {
		txn.ID = uuid.NewString()
	}

	var extID any
	if txn.ExternalID != "" {
		extID = txn.ExternalID
	}

	query := "INSERT INTO transactions (" + transactionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, external_id) WHERE external_id IS NOT NULL DO NOTHING`

	res, err := r.db.Exec(query,
		txn.ID, h.ID(), txn.StoreID, txn.ProductID, txn.Timestamp.UTC().Format(time.RFC3339),
		txn.Quantity, txn.UnitPrice, txn.TotalAmount, txn.DiscountAmount, string(txn.Type), extID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert transaction: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// InsertBatch appends transactions, returning how many were new vs skipped.
func (r *TransactionRepository) InsertBatch(h tenant.Handle, txns []domain.Transaction) (inserted, skipped int, err error) {
	for _, txn := range txns {
		ok, err := r.Insert(h, txn)
		if err != nil {
			return inserted, skipped, err
		}
		if ok {
			inserted++
		} else {
			skipped++
		}
	}
	return inserted, skipped, nil
}

// DailySales returns summed positive sale quantity per day for a pair within
// [from, to], ordered by date.
func (r *TransactionRepository) DailySales(h tenant.Handle, storeID, productID string, from, to time.Time) (map[string]float64, error) {
	if err := tenant.Require(h); err != nil {
		return nil, err
	}
	query := `SELECT DATE(ts), SUM(quantity) FROM transactions
		WHERE tenant_id = ? AND store_id = ? AND product_id = ?
		  AND transaction_type = 'sale' AND quantity > 0
		  AND DATE(ts) >= DATE(?) AND DATE(ts) <= DATE(?)
		GROUP BY DATE(ts)`

	rows, err := r.db.Query(query, h.ID(), storeID, productID,
		from.UTC().Format("2006-01-02"), to.UTC().Format("2006-01-02"))
	if err != nil {
		return nil, fmt.Errorf("failed to query daily sales: %w", err)
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var day string
		var qty float64
		if err := rows.Scan(&day, &qty); err != nil {
			return nil, fmt.Errorf("failed to scan daily sales: %w", err)
		}
		out[day] = qty
	}
	return out, rows.Err()
}

// Pairs returns all (store, product) pairs with at least one sale.
func (r *TransactionRepository) Pairs(h tenant.Handle) ([][2]string, error) {
	if err := tenant.Require(h); err != nil {
		return nil, err
	}
	rows, err := r.db.Query(
		`SELECT DISTINCT store_id, product_id FROM transactions
		 WHERE tenant_id = ? ORDER BY store_id, product_id`, h.ID())
	if err != nil {
		return nil, fmt.Errorf("failed to query pairs: %w", err)
	}
	defer rows.Close()

	var out [][2]string
	for rows.Next() {
		var s, p string
		if err := rows.Scan(&s, &p); err != nil {
			return nil, fmt.Errorf("failed to scan pair: %w", err)
		}
		out = append(out, [2]string{s, p})
	}
	return out, rows.Err()
}

// LatestTimestamp returns the newest transaction timestamp for the tenant,
// or the zero time when no facts exist. Used by the data-freshness task.
func (r *TransactionRepository) LatestTimestamp(h tenant.Handle) (time.Time, error) {
	if err := tenant.Require(h); err != nil {
		return time.Time{}, err
	}
	var ts sql.NullString
	err := r.db.QueryRow(
		`SELECT MAX(ts) FROM transactions WHERE tenant_id = ?`, h.ID()).Scan(&ts)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to query latest timestamp: %w", err)
	}
	if !ts.Valid {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, ts.String)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse latest timestamp: %w", err)
	}
	return t, nil
}
