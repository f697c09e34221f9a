package edi

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/shelfops/internal/adapters"
	"github.com/aristath/shelfops/internal/database"
	"github.com/aristath/shelfops/internal/domain"
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

// memInventory captures canonical inventory inserts.
type memInventory struct {
	levels []domain.InventoryLevel
}

func (m *memInventory) Insert(_ tenant.Handle, lvl domain.InventoryLevel) error {
	m.levels = append(m.levels, lvl)
	return nil
}

type ediFixture struct {
	adapter   *Adapter
	inventory *memInventory
	ediLog    *TransactionLogRepository
	inbound   string
	archive   string
	outbound  string
	h         tenant.Handle
}

func newEDIFixture(t *testing.T) *ediFixture {
	t.Helper()
	db := testDB(t)
	log := zerolog.Nop()
	f := &ediFixture{
		inventory: &memInventory{},
		ediLog:    NewTransactionLogRepository(db, log),
		inbound:   t.TempDir(),
		archive:   t.TempDir(),
		outbound:  t.TempDir(),
		h:         tenant.MustNew("acme"),
	}
	f.adapter = NewAdapter(Config{
		InboundDir:        f.inbound,
		ArchiveDir:        f.archive,
		OutboundDir:       f.outbound,
		PartnerID:         "DAIRYCO",
		StoreForWarehouse: map[string]string{"WH1": "s1"},
	}, f.inventory, nil, f.ediLog, adapters.NewSyncLogRepository(db, log), log)
	return f
}

func (f *ediFixture) stage(t *testing.T, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(f.inbound, name), []byte(content), 0o644))
}

func (f *ediFixture) inboundNames(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(f.inbound)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestSyncInventoryProcessesAndArchives(t *testing.T) {
	f := newEDIFixture(t)
	asOf := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	f.stage(t, "advice_001.edi", Generate846([]InventoryItem{
		{GTIN: "00012345678905", Quantity: 120, UOM: "EA"},
		{GTIN: "00012345678912", Quantity: 6, UOM: "CS"},
	}, asOf, "WH1", 1))

	res, err := f.adapter.SyncInventory(context.Background(), f.h)
	require.NoError(t, err)
	assert.Equal(t, adapters.SyncSuccess, res.Status)
	assert.Equal(t, 2, res.RecordsProcessed)
	assert.Equal(t, 1, res.Metadata["files_processed"])

	require.Len(t, f.inventory.levels, 2)
	lvl := f.inventory.levels[0]
	assert.Equal(t, "s1", lvl.StoreID, "warehouse code mapped to the store id")
	assert.Equal(t, "00012345678905", lvl.ProductID)
	assert.Equal(t, 120, lvl.OnHand)
	assert.Equal(t, "edi_846", lvl.Source)

	// The processed file moved to the archive.
	assert.Empty(t, f.inboundNames(t))
	_, err = os.Stat(filepath.Join(f.archive, "advice_001.edi"))
	assert.NoError(t, err)
}

func TestSyncInventoryClassifiesByContentNotFilename(t *testing.T) {
	f := newEDIFixture(t)
	// Misleading filename; the payload is an invoice.
	f.stage(t, "inventory_advice.edi",
		"ST*810*0001~BIG*20260215*INV-1**PO-1~TDS*100~SE*4*0001~")

	res, err := f.adapter.SyncInventory(context.Background(), f.h)
	require.NoError(t, err)
	assert.Equal(t, adapters.SyncNoData, res.Status)
	assert.Equal(t, 0, res.RecordsProcessed)

	// The file stays in place for the transactions pass.
	assert.Equal(t, []string{"inventory_advice.edi"}, f.inboundNames(t))

	res, err = f.adapter.SyncTransactions(context.Background(), f.h)
	require.NoError(t, err)
	assert.Equal(t, 1, res.RecordsProcessed)
	assert.Empty(t, f.inboundNames(t))
}

func TestSyncInventoryPicksUpShipNotices(t *testing.T) {
	f := newEDIFixture(t)
	f.stage(t, "asn_001.edi",
		"ST*856*0001~PRF*PO-1~LIN**UK*00012345678905~SN1**36*EA~SE*5*0001~")

	res, err := f.adapter.SyncInventory(context.Background(), f.h)
	require.NoError(t, err)
	assert.Equal(t, 1, res.RecordsProcessed)
	assert.Empty(t, f.inventory.levels, "ship notices set expectations, not stock")
	assert.Empty(t, f.inboundNames(t))
}

func TestSyncInventoryMalformedFileStaysInPlace(t *testing.T) {
	f := newEDIFixture(t)
	f.stage(t, "bad.edi", "this is not x12 at all")
	f.stage(t, "good.edi", Generate846([]InventoryItem{
		{GTIN: "00012345678905", Quantity: 10, UOM: "EA"},
	}, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), "WH1", 2))

	res, err := f.adapter.SyncInventory(context.Background(), f.h)
	require.NoError(t, err)
	assert.Equal(t, adapters.SyncPartial, res.Status)
	assert.Equal(t, 1, res.RecordsProcessed)
	assert.Equal(t, 1, res.RecordsFailed)

	// The bad file remains staged; the good one archived.
	assert.Equal(t, []string{"bad.edi"}, f.inboundNames(t))

	failures, err := f.ediLog.RecentFailures(f.h, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, failures["unknown"])
}

func TestSyncStoresAndProductsAreNoData(t *testing.T) {
	f := newEDIFixture(t)
	for _, sync := range []func(context.Context, tenant.Handle) (*adapters.SyncResult, error){
		f.adapter.SyncStores, f.adapter.SyncProducts,
	} {
		res, err := sync(context.Background(), f.h)
		require.NoError(t, err)
		assert.Equal(t, adapters.SyncNoData, res.Status)
	}
}

func TestIdentityResolverPrefersGTIN(t *testing.T) {
	r := identityResolver{}
	h := tenant.MustNew("acme")

	id, ok := r.ResolveProduct(h, "00012345678905", "012345678905")
	assert.True(t, ok)
	assert.Equal(t, "00012345678905", id)

	id, ok = r.ResolveProduct(h, "", "012345678905")
	assert.True(t, ok)
	assert.Equal(t, "012345678905", id)

	_, ok = r.ResolveProduct(h, "", "")
	assert.False(t, ok)
}

func TestEmitPurchaseOrder(t *testing.T) {
	f := newEDIFixture(t)
	po := domain.PurchaseOrder{
		ID:        "po-42",
		StoreID:   "s1",
		ProductID: "00012345678905",
		Quantity:  120,
		UnitCost:  decimal.NewFromFloat(1.25),
		Status:    domain.POOrdered,
	}

	require.NoError(t, f.adapter.EmitPurchaseOrder(f.h, po))

	entries, err := os.ReadDir(f.outbound)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	raw, err := os.ReadFile(filepath.Join(f.outbound, entries[0].Name()))
	require.NoError(t, err)
	doc, err := Split(string(raw))
	require.NoError(t, err)

	docType, err := doc.Classify()
	require.NoError(t, err)
	assert.Equal(t, DocPurchaseOrder, docType)

	beg, _ := doc.Find("BEG", 0)
	assert.Equal(t, "po-42", beg.Element(3))
	po1, _ := doc.Find("PO1", 0)
	assert.Equal(t, "120", po1.Element(2))
	assert.Equal(t, "00012345678905", po1.Element(7))

	// A second emission gets its own control number and file.
	require.NoError(t, f.adapter.EmitPurchaseOrder(f.h, po))
	entries, err = os.ReadDir(f.outbound)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	assert.NotEqual(t, entries[0].Name(), entries[1].Name())

	failures, err := f.ediLog.RecentFailures(f.h, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Empty(t, failures, "successful emissions log as processed")
}

func TestEmitPurchaseOrderWithoutOutboundDir(t *testing.T) {
	db := testDB(t)
	log := zerolog.Nop()
	a := NewAdapter(Config{InboundDir: t.TempDir(), ArchiveDir: t.TempDir()},
		&memInventory{}, nil, NewTransactionLogRepository(db, log),
		adapters.NewSyncLogRepository(db, log), log)

	err := a.EmitPurchaseOrder(tenant.MustNew("acme"), domain.PurchaseOrder{ID: "po-1", Quantity: 1})
	var ce *domain.ContractError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "outbound_dir", ce.Field)
}

func TestTransactionLogRoundTrip(t *testing.T) {
	db := testDB(t)
	repo := NewTransactionLogRepository(db, zerolog.Nop())
	h := tenant.MustNew("acme")

	require.NoError(t, repo.Record(h, TransactionLog{
		DocumentType: DocInventoryAdvice, Direction: "inbound",
		Status: StatusFailed, FileName: "x.edi", Errors: []string{"boom"},
	}))
	require.NoError(t, repo.Record(h, TransactionLog{
		DocumentType: DocInvoice, Direction: "inbound",
		Status: StatusProcessed, FileName: "y.edi", ParsedRecords: 1,
	}))

	failures, err := repo.RecentFailures(h, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, map[string]int{DocInventoryAdvice: 1}, failures)
}
