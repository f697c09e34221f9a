// Package hitl is the human-in-the-loop decision engine: alert state
// transitions, purchase orders raised from alerts, and purchase-order
// lifecycle including receiving discrepancies.
package hitl

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/shelfops/internal/database"
	"github.com/aristath/shelfops/internal/domain"
	"github.com/aristath/shelfops/internal/events"
	"github.com/aristath/shelfops/internal/modules/alerts"
	"github.com/aristath/shelfops/internal/modules/catalog"
	"github.com/aristath/shelfops/internal/tenant"
)

// alertTransitions is the legal alert state machine.
var alertTransitions = map[domain.AlertStatus][]domain.AlertStatus{
	domain.AlertOpen:         {domain.AlertAcknowledged, domain.AlertResolved, domain.AlertDismissed},
	domain.AlertAcknowledged: {domain.AlertResolved, domain.AlertDismissed},
}

// poTransitions is the legal purchase-order state machine.
var poTransitions = map[domain.POStatus][]domain.POStatus{
	domain.POSuggested: {domain.POApproved, domain.POCancelled},
	domain.POApproved:  {domain.POOrdered, domain.POCancelled},
	domain.POOrdered:   {domain.POShipped, domain.POCancelled},
	domain.POShipped:   {domain.POReceived},
}

func transitionAllowed[S comparable](table map[S][]S, from, to S) bool {
	for _, allowed := range table[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// POEmitter sends an outbound purchase-order document to the trading partner
// when an order is placed.
type POEmitter interface {
	EmitPurchaseOrder(h tenant.Handle, po domain.PurchaseOrder) error
}

// Service executes HITL decisions.
type Service struct {
	db      *sql.DB
	alerts  *alerts.Repository
	catalog *catalog.Repository
	bus     *events.Manager
	emitter POEmitter
	log     zerolog.Logger
}

// NewService creates the decision service.
func NewService(db *sql.DB, alertRepo *alerts.Repository, cat *catalog.Repository,
	bus *events.Manager, log zerolog.Logger) *Service {
	return &Service{
		db:      db,
		alerts:  alertRepo,
		catalog: cat,
		bus:     bus,
		log:     log.With().Str("component", "hitl").Logger(),
	}
}

// SetEmitter wires outbound purchase-order emission; nil disables it.
func (s *Service) SetEmitter(e POEmitter) {
	s.emitter = e
}

// TransitionAlert moves an alert through its state machine and appends the
// audit action.
func (s *Service) TransitionAlert(h tenant.Handle, alertID string, to domain.AlertStatus, actor, note string) error {
	if err := tenant.Require(h); err != nil {
		return err
	}
	alert, err := s.alerts.Get(h, alertID)
	if err != nil {
		return err
	}
	if !transitionAllowed(alertTransitions, alert.Status, to) {
		return &domain.StateError{Entity: "alert", From: string(alert.Status), To: string(to)}
	}

	now := time.Now().UTC().Format(time.RFC3339)
	return database.WithTransaction(s.db, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`UPDATE alerts SET status = ?, updated_at = ?
			WHERE tenant_id = ? AND id = ?`,
			string(to), now, h.ID(), alertID); err != nil {
			return fmt.Errorf("failed to transition alert: %w", err)
		}
		return insertAction(tx, h, alertID, actionFor(to), actor, note, now)
	})
}

func actionFor(status domain.AlertStatus) string {
	switch status {
	case domain.AlertAcknowledged:
		return "acknowledged"
	case domain.AlertResolved:
		return "resolved"
	case domain.AlertDismissed:
		return "dismissed"
	}
	return string(status)
}

// OrderRequest carries the HITL order decision.
type OrderRequest struct {
	Quantity   int    // 0 = accept the suggested quantity
	ReasonCode string // Required when overriding the suggestion
	Actor      string
}

// OrderFromAlert raises a purchase order from a reorder_recommended alert.
// Calling it again for an already-ordered alert returns the existing PO
// instead of creating a second one; the linked_po_id re-check runs inside
// the transaction, so concurrent calls cannot both insert.
func (s *Service) OrderFromAlert(ctx context.Context, h tenant.Handle, alertID string, req OrderRequest) (*domain.PurchaseOrder, bool, error) {
	if err := tenant.Require(h); err != nil {
		return nil, false, err
	}
	alert, err := s.alerts.Get(h, alertID)
	if err != nil {
		return nil, false, err
	}
	if alert.Type != domain.AlertReorderRecommended {
		return nil, false, &domain.ContractError{Field: "alert_type",
			Reason: "orders can only be raised from reorder_recommended alerts"}
	}

	// Idempotent fast path.
	if alert.Status == domain.AlertResolved {
		if poID, ok := alert.Metadata["linked_po_id"].(string); ok && poID != "" {
			po, err := s.GetPO(h, poID)
			if err != nil {
				return nil, false, err
			}
			return po, true, nil
		}
		return nil, false, &domain.StateError{Entity: "alert", From: string(alert.Status), To: "ordered"}
	}
	if alert.Status != domain.AlertOpen && alert.Status != domain.AlertAcknowledged {
		return nil, false, &domain.StateError{Entity: "alert", From: string(alert.Status), To: "ordered"}
	}

	suggested := metadataInt(alert.Metadata, "suggested_qty")
	finalQty := req.Quantity
	if finalQty == 0 {
		finalQty = suggested
	}
	if finalQty <= 0 {
		return nil, false, &domain.ContractError{Field: "quantity", Reason: "must be positive"}
	}
	overridden := req.Quantity != 0 && req.Quantity != suggested
	if overridden && req.ReasonCode == "" {
		return nil, false, &domain.ContractError{Field: "reason_code", Reason: "required when overriding the suggested quantity"}
	}

	product, err := s.catalog.GetProduct(h, alert.ProductID)
	if err != nil {
		return nil, false, err
	}
	unitCost := decimal.NewFromFloat(product.UnitCost)
	totalCost := unitCost.Mul(decimal.NewFromInt(int64(finalQty))).Round(2)

	po := &domain.PurchaseOrder{
		ID:        uuid.NewString(),
		TenantID:  h.ID(),
		StoreID:   alert.StoreID,
		ProductID: alert.ProductID,
		Quantity:  finalQty,
		Source:    domain.SourceVendorDirect,
		Status:    domain.POApproved,
		UnitCost:  unitCost,
		TotalCost: totalCost,
		AlertID:   alertID,
	}

	decision := "approved"
	if overridden {
		decision = "edited"
	}
	now := time.Now().UTC().Format(time.RFC3339)
	var existingID string

	err = database.WithTransaction(s.db, func(tx *sql.Tx) error {
		// Re-check under the write lock: another call may have ordered first.
		var status, metadataStr string
		if err := tx.QueryRow(`SELECT status, metadata FROM alerts
			WHERE tenant_id = ? AND id = ?`, h.ID(), alertID).Scan(&status, &metadataStr); err != nil {
			return fmt.Errorf("failed to re-read alert: %w", err)
		}
		var metadata map[string]any
		_ = json.Unmarshal([]byte(metadataStr), &metadata)
		if domain.AlertStatus(status) == domain.AlertResolved {
			if poID, ok := metadata["linked_po_id"].(string); ok && poID != "" {
				existingID = poID
				return nil
			}
			return &domain.StateError{Entity: "alert", From: status, To: "ordered"}
		}

		if _, err := tx.Exec(`INSERT INTO purchase_orders
			(id, tenant_id, store_id, product_id, quantity, source_type, status,
			 unit_cost, total_cost, alert_id, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			po.ID, h.ID(), po.StoreID, po.ProductID, po.Quantity, string(po.Source),
			string(po.Status), po.UnitCost.String(), po.TotalCost.String(),
			alertID, now, now); err != nil {
			return fmt.Errorf("failed to insert purchase order: %w", err)
		}

		if _, err := tx.Exec(`INSERT INTO po_decisions
			(id, tenant_id, po_id, decision, reason_code, original_qty, final_qty, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			uuid.NewString(), h.ID(), po.ID, decision, req.ReasonCode,
			suggested, finalQty, now); err != nil {
			return fmt.Errorf("failed to insert PO decision: %w", err)
		}

		if metadata == nil {
			metadata = map[string]any{}
		}
		metadata["linked_po_id"] = po.ID
		blob, _ := json.Marshal(metadata)
		if _, err := tx.Exec(`UPDATE alerts SET status = 'resolved', metadata = ?, updated_at = ?
			WHERE tenant_id = ? AND id = ?`,
			string(blob), now, h.ID(), alertID); err != nil {
			return fmt.Errorf("failed to resolve alert: %w", err)
		}

		return insertAction(tx, h, alertID, "ordered", req.Actor,
			fmt.Sprintf("PO %s for %d units", po.ID, finalQty), now)
	})
	if err != nil {
		return nil, false, err
	}

	if existingID != "" {
		existing, err := s.GetPO(h, existingID)
		if err != nil {
			return nil, false, err
		}
		return existing, true, nil
	}

	if s.bus != nil {
		s.bus.Publish(h.ID(), events.POCreated{
			POID: po.ID, AlertID: alertID, StoreID: po.StoreID, Quantity: po.Quantity,
		})
	}
	s.log.Info().Str("po", po.ID).Str("alert", alertID).Int("qty", finalQty).
		Str("decision", decision).Msg("Purchase order raised from alert")
	return po, false, nil
}

// TransitionPO moves a purchase order through its lifecycle.
func (s *Service) TransitionPO(h tenant.Handle, poID string, to domain.POStatus) error {
	if err := tenant.Require(h); err != nil {
		return err
	}
	po, err := s.GetPO(h, poID)
	if err != nil {
		return err
	}
	if !transitionAllowed(poTransitions, po.Status, to) {
		return &domain.StateError{Entity: "purchase_order", From: string(po.Status), To: string(to)}
	}
	_, err = s.db.Exec(`UPDATE purchase_orders SET status = ?, updated_at = ?
		WHERE tenant_id = ? AND id = ?`,
		string(to), time.Now().UTC().Format(time.RFC3339), h.ID(), poID)
	if err != nil {
		return fmt.Errorf("failed to transition purchase order: %w", err)
	}

	// Placing the order sends the 850 to the trading partner. Emission
	// failure does not roll back the transition; the EDI log carries it.
	if to == domain.POOrdered && s.emitter != nil {
		po.Status = domain.POOrdered
		if err := s.emitter.EmitPurchaseOrder(h, *po); err != nil {
			s.log.Warn().Err(err).Str("po", poID).Msg("Failed to emit outbound purchase order")
		}
	}
	return nil
}

// ReceivePO marks a shipped order received. A received quantity different
// from the ordered quantity records a discrepancy and raises a
// receiving_discrepancy alert.
func (s *Service) ReceivePO(h tenant.Handle, poID string, receivedQty int) error {
	if err := tenant.Require(h); err != nil {
		return err
	}
	po, err := s.GetPO(h, poID)
	if err != nil {
		return err
	}
	if !transitionAllowed(poTransitions, po.Status, domain.POReceived) {
		return &domain.StateError{Entity: "purchase_order", From: string(po.Status), To: string(domain.POReceived)}
	}

	now := time.Now().UTC().Format(time.RFC3339)
	err = database.WithTransaction(s.db, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`UPDATE purchase_orders SET status = 'received', updated_at = ?
			WHERE tenant_id = ? AND id = ?`, now, h.ID(), poID); err != nil {
			return fmt.Errorf("failed to receive purchase order: %w", err)
		}
		if receivedQty == po.Quantity {
			return nil
		}
		if _, err := tx.Exec(`INSERT INTO receiving_discrepancies
			(id, tenant_id, po_id, ordered_qty, received_qty, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			uuid.NewString(), h.ID(), poID, po.Quantity, receivedQty, now); err != nil {
			return fmt.Errorf("failed to record receiving discrepancy: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if receivedQty != po.Quantity {
		if _, err := s.alerts.Insert(h, domain.Alert{
			StoreID:   po.StoreID,
			ProductID: po.ProductID,
			Type:      domain.AlertReceivingDiscrepancy,
			Severity:  domain.SeverityMedium,
			Message:   fmt.Sprintf("PO %s received %d of %d ordered units", poID, receivedQty, po.Quantity),
			Metadata:  map[string]any{"po_id": poID, "ordered_qty": po.Quantity, "received_qty": receivedQty},
		}); err != nil {
			s.log.Warn().Err(err).Str("po", poID).Msg("Failed to raise receiving discrepancy alert")
		}
	}
	return nil
}

// GetPO returns one purchase order or domain.ErrNotFound.
func (s *Service) GetPO(h tenant.Handle, poID string) (*domain.PurchaseOrder, error) {
	if err := tenant.Require(h); err != nil {
		return nil, err
	}
	var po domain.PurchaseOrder
	var source, status, unitCost, totalCost, createdAt, updatedAt string
	var alertID sql.NullString
	err := s.db.QueryRow(`SELECT id, tenant_id, store_id, product_id, quantity,
		source_type, status, unit_cost, total_cost, alert_id, created_at, updated_at
		FROM purchase_orders WHERE tenant_id = ? AND id = ?`,
		h.ID(), poID).Scan(&po.ID, &po.TenantID, &po.StoreID, &po.ProductID,
		&po.Quantity, &source, &status, &unitCost, &totalCost, &alertID,
		&createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read purchase order: %w", err)
	}
	po.Source = domain.SourceType(source)
	po.Status = domain.POStatus(status)
	po.UnitCost, _ = decimal.NewFromString(unitCost)
	po.TotalCost, _ = decimal.NewFromString(totalCost)
	po.AlertID = alertID.String
	po.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	po.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &po, nil
}

func insertAction(tx *sql.Tx, h tenant.Handle, alertID, actionType, actor, note, now string) error {
	if _, err := tx.Exec(`INSERT INTO actions
		(id, tenant_id, alert_id, action_type, actor, note, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), h.ID(), alertID, actionType, actor, note, now); err != nil {
		return fmt.Errorf("failed to insert action: %w", err)
	}
	return nil
}

// metadataInt reads an integer that JSON round-tripping may have widened to
// float64.
func metadataInt(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
