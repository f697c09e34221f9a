package contract

import (
	"time"

	"github.com/aristath/shelfops/internal/domain"
)

// TransactionRecord is the canonical wire form of one sales fact.
type TransactionRecord struct {
	Tenant          string  `json:"tenant"`
	ExternalID      string  `json:"external_id,omitempty"`
	StoreID         string  `json:"store_id"`
	ProductID       string  `json:"product_id"`
	Timestamp       string  `json:"timestamp"` // RFC3339, converted to UTC at ingress
	Quantity        int     `json:"quantity"`
	UnitPrice       float64 `json:"unit_price"`
	TotalAmount     float64 `json:"total_amount"`
	DiscountAmount  float64 `json:"discount_amount"`
	TransactionType string  `json:"transaction_type"`
}

// InventoryRecord is the canonical wire form of one inventory snapshot.
type InventoryRecord struct {
	Tenant            string `json:"tenant"`
	StoreID           string `json:"store_id"`
	ProductID         string `json:"product_id"`
	Timestamp         string `json:"timestamp"`
	QuantityOnHand    int    `json:"quantity_on_hand"`
	QuantityAvailable int    `json:"quantity_available"`
	Source            string `json:"source"`
}

// Validate checks the record against the wire contract.
func (r *TransactionRecord) Validate() error {
	if r.StoreID == "" {
		return &domain.ContractError{Field: "store_id", Reason: "required"}
	}
	if r.ProductID == "" {
		return &domain.ContractError{Field: "product_id", Reason: "required"}
	}
	if r.Quantity == 0 {
		return &domain.ContractError{Field: "quantity", Reason: "must be nonzero"}
	}
	switch domain.TransactionType(r.TransactionType) {
	case domain.TxnSale, domain.TxnReturn, domain.TxnVoid, domain.TxnAdjustment:
	default:
		return &domain.ContractError{Field: "transaction_type", Reason: "unknown type " + r.TransactionType}
	}
	if _, err := ParseTimestamp(r.Timestamp); err != nil {
		return &domain.ContractError{Field: "timestamp", Reason: err.Error()}
	}
	return nil
}

// Validate checks the record against the wire contract.
func (r *InventoryRecord) Validate() error {
	if r.StoreID == "" {
		return &domain.ContractError{Field: "store_id", Reason: "required"}
	}
	if r.ProductID == "" {
		return &domain.ContractError{Field: "product_id", Reason: "required"}
	}
	if r.QuantityOnHand < 0 {
		return &domain.ContractError{Field: "quantity_on_hand", Reason: "must be >= 0"}
	}
	if _, err := ParseTimestamp(r.Timestamp); err != nil {
		return &domain.ContractError{Field: "timestamp", Reason: err.Error()}
	}
	return nil
}

// ToDomain converts a validated wire record into a domain transaction.
func (r *TransactionRecord) ToDomain(id string) domain.Transaction {
	ts, _ := ParseTimestamp(r.Timestamp)
	return domain.Transaction{
		ID:             id,
		TenantID:       r.Tenant,
		StoreID:        r.StoreID,
		ProductID:      r.ProductID,
		Timestamp:      ts,
		Quantity:       r.Quantity,
		UnitPrice:      r.UnitPrice,
		TotalAmount:    r.TotalAmount,
		DiscountAmount: r.DiscountAmount,
		Type:           domain.TransactionType(r.TransactionType),
		ExternalID:     r.ExternalID,
	}
}

// ToDomain converts a validated wire record into a domain inventory level.
func (r *InventoryRecord) ToDomain(id string) domain.InventoryLevel {
	ts, _ := ParseTimestamp(r.Timestamp)
	return domain.InventoryLevel{
		ID:        id,
		TenantID:  r.Tenant,
		StoreID:   r.StoreID,
		ProductID: r.ProductID,
		Timestamp: ts,
		OnHand:    r.QuantityOnHand,
		Available: r.QuantityAvailable,
		Source:    r.Source,
	}
}

// timestampLayouts are accepted in order; everything normalizes to UTC.
var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
	"01/02/2006",
}

// ParseTimestamp parses a source timestamp and converts it to UTC.
func ParseTimestamp(s string) (time.Time, error) {
	var lastErr error
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		} else {
			lastErr = err
		}
	}
	return time.Time{}, lastErr
}
