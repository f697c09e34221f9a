package hitl

import (
	"context"
	"database/sql"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/shelfops/internal/database"
	"github.com/aristath/shelfops/internal/domain"
	"github.com/aristath/shelfops/internal/events"
	"github.com/aristath/shelfops/internal/modules/alerts"
	"github.com/aristath/shelfops/internal/modules/catalog"
	"github.com/aristath/shelfops/internal/tenant"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	_, err = db.Exec(database.Schema())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

type fixture struct {
	db      *sql.DB
	alerts  *alerts.Repository
	catalog *catalog.Repository
	service *Service
	h       tenant.Handle
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testDB(t)
	log := zerolog.Nop()
	f := &fixture{
		db:      db,
		alerts:  alerts.NewRepository(db, log),
		catalog: catalog.NewRepository(db, log),
		h:       tenant.MustNew("acme"),
	}
	f.service = NewService(db, f.alerts, f.catalog, events.NewManager(log), log)

	require.NoError(t, f.catalog.UpsertProduct(f.h, domain.Product{
		ID: "p1", Name: "Milk 1L", Category: "dairy", UnitCost: 1.25, UnitPrice: 2.0,
	}))
	return f
}

func (f *fixture) reorderAlert(t *testing.T, suggestedQty int) string {
	t.Helper()
	id, err := f.alerts.Insert(f.h, domain.Alert{
		StoreID: "s1", ProductID: "p1",
		Type: domain.AlertReorderRecommended, Severity: domain.SeverityMedium,
		Metadata: map[string]any{"suggested_qty": suggestedQty},
	})
	require.NoError(t, err)
	return id
}

func TestTransitionAlertLifecycle(t *testing.T) {
	f := newFixture(t)
	id, err := f.alerts.Insert(f.h, domain.Alert{
		StoreID: "s1", ProductID: "p1",
		Type: domain.AlertStockoutPredicted, Severity: domain.SeverityHigh,
	})
	require.NoError(t, err)

	require.NoError(t, f.service.TransitionAlert(f.h, id, domain.AlertAcknowledged, "ops", "looking"))
	require.NoError(t, f.service.TransitionAlert(f.h, id, domain.AlertResolved, "ops", "restocked"))

	alert, err := f.alerts.Get(f.h, id)
	require.NoError(t, err)
	assert.Equal(t, domain.AlertResolved, alert.Status)

	// Every transition left an audit action.
	var n int
	require.NoError(t, f.db.QueryRow(`SELECT COUNT(*) FROM actions WHERE alert_id = ?`, id).Scan(&n))
	assert.Equal(t, 2, n)
}

func TestTransitionAlertRejectsIllegalMoves(t *testing.T) {
	f := newFixture(t)
	id, err := f.alerts.Insert(f.h, domain.Alert{
		StoreID: "s1", ProductID: "p1",
		Type: domain.AlertStockoutPredicted, Severity: domain.SeverityHigh,
	})
	require.NoError(t, err)

	require.NoError(t, f.service.TransitionAlert(f.h, id, domain.AlertResolved, "ops", ""))

	// Resolved is terminal.
	var se *domain.StateError
	err = f.service.TransitionAlert(f.h, id, domain.AlertAcknowledged, "ops", "")
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "resolved", se.From)

	// The failed transition changed nothing.
	alert, err := f.alerts.Get(f.h, id)
	require.NoError(t, err)
	assert.Equal(t, domain.AlertResolved, alert.Status)
}

func TestOrderFromAlertAcceptsSuggestion(t *testing.T) {
	f := newFixture(t)
	id := f.reorderAlert(t, 40)

	po, existing, err := f.service.OrderFromAlert(context.Background(), f.h, id, OrderRequest{Actor: "ops"})
	require.NoError(t, err)
	assert.False(t, existing)
	assert.Equal(t, 40, po.Quantity)
	assert.Equal(t, domain.POApproved, po.Status)
	assert.Equal(t, "1.25", po.UnitCost.String())
	assert.Equal(t, "50", po.TotalCost.String())

	// The alert resolved with the PO linked.
	alert, err := f.alerts.Get(f.h, id)
	require.NoError(t, err)
	assert.Equal(t, domain.AlertResolved, alert.Status)
	assert.Equal(t, po.ID, alert.Metadata["linked_po_id"])

	var decision string
	var originalQty, finalQty int
	require.NoError(t, f.db.QueryRow(`SELECT decision, original_qty, final_qty
		FROM po_decisions WHERE po_id = ?`, po.ID).Scan(&decision, &originalQty, &finalQty))
	assert.Equal(t, "approved", decision)
	assert.Equal(t, 40, originalQty)
	assert.Equal(t, 40, finalQty)
}

func TestOrderFromAlertIsIdempotent(t *testing.T) {
	f := newFixture(t)
	id := f.reorderAlert(t, 40)

	first, existing, err := f.service.OrderFromAlert(context.Background(), f.h, id, OrderRequest{})
	require.NoError(t, err)
	assert.False(t, existing)

	second, existing, err := f.service.OrderFromAlert(context.Background(), f.h, id, OrderRequest{})
	require.NoError(t, err)
	assert.True(t, existing)
	assert.Equal(t, first.ID, second.ID)

	var n int
	require.NoError(t, f.db.QueryRow(`SELECT COUNT(*) FROM purchase_orders
		WHERE tenant_id = 'acme' AND alert_id = ?`, id).Scan(&n))
	assert.Equal(t, 1, n, "exactly one PO per alert")
}

func TestOrderFromAlertOverrideNeedsReason(t *testing.T) {
	f := newFixture(t)
	id := f.reorderAlert(t, 40)

	_, _, err := f.service.OrderFromAlert(context.Background(), f.h, id, OrderRequest{Quantity: 60})
	var ce *domain.ContractError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "reason_code", ce.Field)

	po, _, err := f.service.OrderFromAlert(context.Background(), f.h, id,
		OrderRequest{Quantity: 60, ReasonCode: "promo_uplift", Actor: "ops"})
	require.NoError(t, err)
	assert.Equal(t, 60, po.Quantity)

	var decision, reason string
	var originalQty int
	require.NoError(t, f.db.QueryRow(`SELECT decision, reason_code, original_qty
		FROM po_decisions WHERE po_id = ?`, po.ID).Scan(&decision, &reason, &originalQty))
	assert.Equal(t, "edited", decision)
	assert.Equal(t, "promo_uplift", reason)
	assert.Equal(t, 40, originalQty)
}

func TestOrderFromAlertRejectsWrongType(t *testing.T) {
	f := newFixture(t)
	id, err := f.alerts.Insert(f.h, domain.Alert{
		StoreID: "s1", ProductID: "p1",
		Type: domain.AlertStockoutPredicted, Severity: domain.SeverityHigh,
	})
	require.NoError(t, err)

	_, _, err = f.service.OrderFromAlert(context.Background(), f.h, id, OrderRequest{})
	var ce *domain.ContractError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "alert_type", ce.Field)
}

func TestOrderFromAlertNoSuggestionNoQuantity(t *testing.T) {
	f := newFixture(t)
	id, err := f.alerts.Insert(f.h, domain.Alert{
		StoreID: "s1", ProductID: "p1",
		Type: domain.AlertReorderRecommended, Severity: domain.SeverityMedium,
	})
	require.NoError(t, err)

	_, _, err = f.service.OrderFromAlert(context.Background(), f.h, id, OrderRequest{})
	var ce *domain.ContractError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "quantity", ce.Field)
}

func TestPOLifecycle(t *testing.T) {
	f := newFixture(t)
	id := f.reorderAlert(t, 40)
	po, _, err := f.service.OrderFromAlert(context.Background(), f.h, id, OrderRequest{})
	require.NoError(t, err)

	require.NoError(t, f.service.TransitionPO(f.h, po.ID, domain.POOrdered))
	require.NoError(t, f.service.TransitionPO(f.h, po.ID, domain.POShipped))

	// Shipped cannot cancel, only receive.
	var se *domain.StateError
	err = f.service.TransitionPO(f.h, po.ID, domain.POCancelled)
	require.ErrorAs(t, err, &se)

	require.NoError(t, f.service.ReceivePO(f.h, po.ID, 40))
	got, err := f.service.GetPO(f.h, po.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.POReceived, got.Status)

	// Clean receipt: no discrepancy, no alert.
	var n int
	require.NoError(t, f.db.QueryRow(`SELECT COUNT(*) FROM receiving_discrepancies
		WHERE po_id = ?`, po.ID).Scan(&n))
	assert.Equal(t, 0, n)
}

func TestReceivePODiscrepancy(t *testing.T) {
	f := newFixture(t)
	id := f.reorderAlert(t, 40)
	po, _, err := f.service.OrderFromAlert(context.Background(), f.h, id, OrderRequest{})
	require.NoError(t, err)
	require.NoError(t, f.service.TransitionPO(f.h, po.ID, domain.POOrdered))
	require.NoError(t, f.service.TransitionPO(f.h, po.ID, domain.POShipped))

	require.NoError(t, f.service.ReceivePO(f.h, po.ID, 32))

	var ordered, received int
	require.NoError(t, f.db.QueryRow(`SELECT ordered_qty, received_qty
		FROM receiving_discrepancies WHERE po_id = ?`, po.ID).Scan(&ordered, &received))
	assert.Equal(t, 40, ordered)
	assert.Equal(t, 32, received)

	discrepancyAlerts, err := f.alerts.List(f.h, domain.AlertOpen, 10)
	require.NoError(t, err)
	found := false
	for _, a := range discrepancyAlerts {
		if a.Type == domain.AlertReceivingDiscrepancy {
			found = true
			assert.Equal(t, po.ID, a.Metadata["po_id"])
		}
	}
	assert.True(t, found, "short receipt raises a receiving_discrepancy alert")
}

// stubEmitter captures outbound purchase-order emissions.
type stubEmitter struct {
	emitted []domain.PurchaseOrder
	fail    error
}

func (e *stubEmitter) EmitPurchaseOrder(_ tenant.Handle, po domain.PurchaseOrder) error {
	e.emitted = append(e.emitted, po)
	return e.fail
}

func TestTransitionPOToOrderedEmitsDocument(t *testing.T) {
	f := newFixture(t)
	emitter := &stubEmitter{}
	f.service.SetEmitter(emitter)

	id := f.reorderAlert(t, 40)
	po, _, err := f.service.OrderFromAlert(context.Background(), f.h, id, OrderRequest{})
	require.NoError(t, err)
	assert.Empty(t, emitter.emitted, "approval alone sends nothing")

	require.NoError(t, f.service.TransitionPO(f.h, po.ID, domain.POOrdered))
	require.Len(t, emitter.emitted, 1)
	assert.Equal(t, po.ID, emitter.emitted[0].ID)
	assert.Equal(t, 40, emitter.emitted[0].Quantity)
	assert.Equal(t, domain.POOrdered, emitter.emitted[0].Status)

	// Later transitions stay silent.
	require.NoError(t, f.service.TransitionPO(f.h, po.ID, domain.POShipped))
	assert.Len(t, emitter.emitted, 1)
}

func TestTransitionPOSurvivesEmitterFailure(t *testing.T) {
	f := newFixture(t)
	f.service.SetEmitter(&stubEmitter{fail: assert.AnError})

	id := f.reorderAlert(t, 40)
	po, _, err := f.service.OrderFromAlert(context.Background(), f.h, id, OrderRequest{})
	require.NoError(t, err)

	require.NoError(t, f.service.TransitionPO(f.h, po.ID, domain.POOrdered))
	got, err := f.service.GetPO(f.h, po.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.POOrdered, got.Status)
}

func TestReceivePORequiresShipped(t *testing.T) {
	f := newFixture(t)
	id := f.reorderAlert(t, 40)
	po, _, err := f.service.OrderFromAlert(context.Background(), f.h, id, OrderRequest{})
	require.NoError(t, err)

	var se *domain.StateError
	err = f.service.ReceivePO(f.h, po.ID, 40)
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "approved", se.From)
}

func TestTransitionTables(t *testing.T) {
	assert.True(t, transitionAllowed(alertTransitions, domain.AlertOpen, domain.AlertDismissed))
	assert.False(t, transitionAllowed(alertTransitions, domain.AlertDismissed, domain.AlertOpen))
	assert.True(t, transitionAllowed(poTransitions, domain.POSuggested, domain.POApproved))
	assert.False(t, transitionAllowed(poTransitions, domain.POReceived, domain.POCancelled))
}

func TestGetPOMissing(t *testing.T) {
	f := newFixture(t)
	_, err := f.service.GetPO(f.h, "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
