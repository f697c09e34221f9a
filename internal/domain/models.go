// Package domain holds the core entities shared across ShelfOps modules.
// The domain layer is pure: no storage or transport dependencies.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// LifecycleState is a product's merchandising lifecycle state.
type LifecycleState string

const (
	LifecycleActive            LifecycleState = "active"
	LifecycleSeasonalOut       LifecycleState = "seasonal_out"
	LifecycleDelisted          LifecycleState = "delisted"
	LifecycleDiscontinued      LifecycleState = "discontinued"
	LifecycleTest              LifecycleState = "test"
	LifecyclePendingActivation LifecycleState = "pending_activation"
)

// TransactionType classifies a sales fact.
type TransactionType string

const (
	TxnSale       TransactionType = "sale"
	TxnReturn     TransactionType = "return"
	TxnVoid       TransactionType = "void"
	TxnAdjustment TransactionType = "adjustment"
)

// SourceType is where replenishment quantity comes from.
type SourceType string

const (
	SourceVendorDirect SourceType = "vendor_direct"
	SourceDC           SourceType = "dc"
	SourceRegionalDC   SourceType = "regional_dc"
	SourceTransfer     SourceType = "transfer"
)

// Store is a tenant-owned retail location.
type Store struct {
	TenantID    string
	ID          string
	Name        string
	ClusterTier int // 0 = flagship, 1 = standard, 2 = long tail
	CountryCode string
	Active      bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Product is a tenant-owned sellable item.
type Product struct {
	TenantID              string
	ID                    string
	Name                  string
	Category              string
	Lifecycle             LifecycleState
	Perishable            bool
	ShelfLifeDays         int
	UnitCost              float64
	UnitPrice             float64
	HoldingCostPerUnitDay float64
	SupplierID            string
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Supplier carries the vendor reliability scorecard.
type Supplier struct {
	TenantID         string
	ID               string
	Name             string
	OnTimeRate       float64
	LeadTimeMean     float64
	LeadTimeVariance float64
	DistanceKM       float64
	CostPerOrder     float64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Transaction is one append-only sales fact. Quantity is signed and nonzero.
type Transaction struct {
	ID             string
	TenantID       string
	StoreID        string
	ProductID      string
	Timestamp      time.Time
	Quantity       int
	UnitPrice      float64
	TotalAmount    float64
	DiscountAmount float64
	Type           TransactionType
	ExternalID     string // Idempotency key for re-sync; empty when unknown
}

// InventoryLevel is an append-only snapshot for a (store, product).
type InventoryLevel struct {
	ID        string
	TenantID  string
	StoreID   string
	ProductID string
	Timestamp time.Time
	OnHand    int
	OnOrder   int
	Reserved  int
	Available int
	Source    string
}

// DemandForecast is one forecasted day for a (store, product, version).
type DemandForecast struct {
	TenantID   string
	StoreID    string
	ProductID  string
	Date       time.Time // Date part only, UTC
	Version    string
	Demand     float64
	Lower      *float64
	Upper      *float64
	Confidence *float64
	CreatedAt  time.Time
}

// ReorderPoint is the optimizer-owned replenishment policy for a pair.
type ReorderPoint struct {
	TenantID     string
	StoreID      string
	ProductID    string
	ROP          int
	SafetyStock  int
	EOQ          int
	LeadTimeDays float64
	ServiceLevel float64
	UpdatedAt    time.Time
}

// SourcingRule maps (product, optional store) to a replenishment source.
type SourcingRule struct {
	ID               string
	TenantID         string
	ProductID        string
	StoreID          string // Empty = applies to all stores
	Priority         int    // 1..5, lower wins
	Source           SourceType
	LeadTimeMean     float64
	LeadTimeVariance float64
	MinOrderQty      int
	CostPerOrder     float64
}

// ModelStatus is the registry lifecycle state of a model version.
type ModelStatus string

const (
	StatusCandidate  ModelStatus = "candidate"
	StatusChallenger ModelStatus = "challenger"
	StatusShadow     ModelStatus = "shadow"
	StatusChampion   ModelStatus = "champion"
	StatusArchived   ModelStatus = "archived"
)

// ModelVersion is one registered model with its lifecycle state.
type ModelVersion struct {
	TenantID      string
	ModelName     string
	Version       string // ≤20 chars, monotonic per tenant
	Status        ModelStatus
	Metrics       ModelMetrics
	RoutingWeight float64 // Champion 1.0; challenger starts 0.0 (shadow)
	SmokePassed   bool
	CreatedAt     time.Time
	PromotedAt    *time.Time
	ArchivedAt    *time.Time
}

// ModelMetrics is the metrics blob attached to a version.
type ModelMetrics struct {
	MAE          float64 `json:"mae"`
	MAPE         float64 `json:"mape"`
	Coverage     float64 `json:"coverage"`
	TrainingRows int     `json:"training_rows"`
	Tier         string  `json:"tier"`
}

// AlertType enumerates detector outputs.
type AlertType string

const (
	AlertStockoutPredicted    AlertType = "stockout_predicted"
	AlertReorderRecommended   AlertType = "reorder_recommended"
	AlertAnomalyDetected      AlertType = "anomaly_detected"
	AlertForecastAccuracyLow  AlertType = "forecast_accuracy_low"
	AlertModelDrift           AlertType = "model_drift_detected"
	AlertDataStale            AlertType = "data_stale"
	AlertReceivingDiscrepancy AlertType = "receiving_discrepancy"
	AlertVendorReliabilityLow AlertType = "vendor_reliability_low"
	AlertReorderPointChanged  AlertType = "reorder_point_changed"
)

// Severity grades an alert.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// AlertStatus is the HITL state of an alert.
type AlertStatus string

const (
	AlertOpen         AlertStatus = "open"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertResolved     AlertStatus = "resolved"
	AlertDismissed    AlertStatus = "dismissed"
)

// Alert is a detector finding awaiting a human decision.
// Metadata is mutable and used for idempotency linking (linked_po_id).
type Alert struct {
	ID        string
	TenantID  string
	StoreID   string
	ProductID string
	Type      AlertType
	Severity  Severity
	Status    AlertStatus
	Message   string
	Metadata  map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Action is an append-only audit row for user interactions on alerts.
type Action struct {
	ID        string
	TenantID  string
	AlertID   string
	Type      string // acknowledged, resolved, dismissed, ordered
	Actor     string
	Note      string
	CreatedAt time.Time
}

// POStatus is a purchase order's lifecycle state.
type POStatus string

const (
	POSuggested POStatus = "suggested"
	POApproved  POStatus = "approved"
	POOrdered   POStatus = "ordered"
	POShipped   POStatus = "shipped"
	POReceived  POStatus = "received"
	POCancelled POStatus = "cancelled"
)

// PurchaseOrder is a replenishment order in flight.
type PurchaseOrder struct {
	ID        string
	TenantID  string
	StoreID   string
	ProductID string
	Quantity  int // > 0
	Source    SourceType
	Status    POStatus
	UnitCost  decimal.Decimal
	TotalCost decimal.Decimal
	AlertID   string // Originating alert, empty for manual orders
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PODecision is the reason-coded HITL record for a purchase order.
type PODecision struct {
	ID          string
	TenantID    string
	POID        string
	Decision    string // approved, rejected, edited
	ReasonCode  string
	OriginalQty int
	FinalQty    int
	CreatedAt   time.Time
}

// ReceivingDiscrepancy records received_qty ≠ ordered_qty at PO receipt.
type ReceivingDiscrepancy struct {
	ID          string
	TenantID    string
	POID        string
	OrderedQty  int
	ReceivedQty int
	CreatedAt   time.Time
}

// Anomaly is an auxiliary fact emitted by the anomaly and ghost-stock detectors.
type Anomaly struct {
	ID        string
	TenantID  string
	StoreID   string
	ProductID string
	Kind      string
	Score     float64
	Details   map[string]any
	CreatedAt time.Time
}

// OpportunityCost records estimated missed sales for a stocked-out day.
type OpportunityCost struct {
	ID          string
	TenantID    string
	StoreID     string
	ProductID   string
	Date        time.Time
	MissedUnits float64
	MissedValue decimal.Decimal
	CreatedAt   time.Time
}
