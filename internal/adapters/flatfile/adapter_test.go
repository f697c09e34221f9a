package flatfile

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/shelfops/internal/adapters"
	"github.com/aristath/shelfops/internal/domain"
	"github.com/aristath/shelfops/internal/tenant"
)

// memWriters captures canonical writes in arrival order.
type memWriters struct {
	stores       []domain.Store
	products     []domain.Product
	transactions []domain.Transaction
	inventory    []domain.InventoryLevel
}

func (m *memWriters) writers() Writers {
	return Writers{
		Store: func(_ tenant.Handle, s domain.Store) error {
			m.stores = append(m.stores, s)
			return nil
		},
		Product: func(_ tenant.Handle, p domain.Product) error {
			m.products = append(m.products, p)
			return nil
		},
		Transaction: func(_ tenant.Handle, txn domain.Transaction) (bool, error) {
			m.transactions = append(m.transactions, txn)
			return true, nil
		},
		Inventory: func(_ tenant.Handle, lvl domain.InventoryLevel) error {
			m.inventory = append(m.inventory, lvl)
			return nil
		},
	}
}

type ffFixture struct {
	adapter *Adapter
	sink    *memWriters
	staging string
	archive string
	h       tenant.Handle
}

func newFFFixture(t *testing.T, mappings map[FileType]Mapping) *ffFixture {
	t.Helper()
	f := &ffFixture{
		sink:    &memWriters{},
		staging: t.TempDir(),
		archive: t.TempDir(),
		h:       tenant.MustNew("acme"),
	}
	f.adapter = NewAdapter(Config{
		StagingDir: f.staging,
		ArchiveDir: f.archive,
		Mappings:   mappings,
	}, f.sink.writers(), nil, zerolog.Nop())
	return f
}

func (f *ffFixture) stage(t *testing.T, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(f.staging, name), []byte(content), 0o644))
}

func (f *ffFixture) stagedNames(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(f.staging)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func csvTransactionMapping() Mapping {
	return Mapping{
		Format: FormatCSV,
		Fields: map[string]string{
			"external_id": "txn_ref",
			"store_id":    "shop",
			"product_id":  "sku",
			"timestamp":   "sold_at",
			"quantity":    "units",
			"unit_price":  "price",
		},
	}
}

func TestSyncTransactionsCSV(t *testing.T) {
	f := newFFFixture(t, map[FileType]Mapping{FileTransactions: csvTransactionMapping()})
	f.stage(t, "transactions_20260220.csv",
		"txn_ref,shop,sku,sold_at,units,price,ignored\n"+
			"t-1,s1,p1,2026-02-20 09:15:00,3,1.50,junk\n"+
			"t-2,s1,p2,2026-02-20 10:00:00,1,4.25,junk\n")

	res, err := f.adapter.SyncTransactions(context.Background(), f.h)
	require.NoError(t, err)
	assert.Equal(t, adapters.SyncSuccess, res.Status)
	assert.Equal(t, 2, res.RecordsProcessed)

	require.Len(t, f.sink.transactions, 2)
	txn := f.sink.transactions[0]
	assert.Equal(t, "t-1", txn.ExternalID)
	assert.Equal(t, "s1", txn.StoreID)
	assert.Equal(t, "p1", txn.ProductID)
	assert.Equal(t, 3, txn.Quantity)
	assert.Equal(t, 1.50, txn.UnitPrice)
	assert.Equal(t, domain.TxnSale, txn.Type, "missing type defaults to sale")

	// Processed file moved to the archive.
	assert.Empty(t, f.stagedNames(t))
	_, err = os.Stat(filepath.Join(f.archive, "transactions_20260220.csv"))
	assert.NoError(t, err)
}

func TestSyncTransactionsBadRowKeepsFileStaged(t *testing.T) {
	f := newFFFixture(t, map[FileType]Mapping{FileTransactions: csvTransactionMapping()})
	f.stage(t, "transactions_bad.csv",
		"txn_ref,shop,sku,sold_at,units,price\n"+
			"t-1,s1,p1,2026-02-20 09:15:00,3,1.50\n"+
			"t-2,s1,p2,2026-02-20 10:00:00,many,4.25\n")

	res, err := f.adapter.SyncTransactions(context.Background(), f.h)
	require.NoError(t, err)
	assert.Equal(t, adapters.SyncPartial, res.Status)
	assert.Equal(t, 1, res.RecordsProcessed)
	assert.Equal(t, 1, res.RecordsFailed)

	// A file with failures never archives.
	assert.Equal(t, []string{"transactions_bad.csv"}, f.stagedNames(t))
}

func TestSyncIgnoresOtherFileTypes(t *testing.T) {
	f := newFFFixture(t, map[FileType]Mapping{FileTransactions: csvTransactionMapping()})
	f.stage(t, "inventory_20260220.csv", "store,sku,on_hand\ns1,p1,40\n")

	res, err := f.adapter.SyncTransactions(context.Background(), f.h)
	require.NoError(t, err)
	assert.Equal(t, adapters.SyncNoData, res.Status)
	assert.Equal(t, []string{"inventory_20260220.csv"}, f.stagedNames(t))
}

func TestSyncWithoutMappingIsNoData(t *testing.T) {
	f := newFFFixture(t, map[FileType]Mapping{})
	f.stage(t, "stores_1.csv", "id,name\ns1,Downtown\n")

	res, err := f.adapter.SyncStores(context.Background(), f.h)
	require.NoError(t, err)
	assert.Equal(t, adapters.SyncNoData, res.Status)
	assert.Empty(t, f.sink.stores)
}

func TestSyncStoresCSV(t *testing.T) {
	f := newFFFixture(t, map[FileType]Mapping{FileStores: {
		Format: FormatCSV,
		Fields: map[string]string{
			"store_id":     "id",
			"name":         "label",
			"cluster_tier": "tier",
			"country_code": "country",
		},
	}})
	f.stage(t, "stores_1.csv", "id,label,tier,country\ns1,Downtown,0,GR\ns2,Suburb,2,GR\n")

	res, err := f.adapter.SyncStores(context.Background(), f.h)
	require.NoError(t, err)
	assert.Equal(t, 2, res.RecordsProcessed)
	require.Len(t, f.sink.stores, 2)
	assert.Equal(t, "s1", f.sink.stores[0].ID)
	assert.Equal(t, "Downtown", f.sink.stores[0].Name)
	assert.Equal(t, 0, f.sink.stores[0].ClusterTier)
	assert.Equal(t, 2, f.sink.stores[1].ClusterTier)
	assert.True(t, f.sink.stores[0].Active)
}

func TestSyncProductsFixedWidth(t *testing.T) {
	f := newFFFixture(t, map[FileType]Mapping{FileProducts: {
		Format: FormatFixedWidth,
		Fields: map[string]string{
			"product_id": "SKU",
			"name":       "DESC",
			"unit_cost":  "COST",
			"unit_price": "PRICE",
		},
		FixedLayout: []FixedField{
			{Name: "SKU", Start: 0, End: 8},
			{Name: "DESC", Start: 8, End: 28},
			{Name: "COST", Start: 28, End: 36},
			{Name: "PRICE", Start: 36, End: 44},
			{Name: "UNMAPPED", Start: 44, End: 50},
		},
	}})
	f.stage(t, "products_1.dat",
		"p1      Milk 1L             0.80    1.50    xxxxxx\n"+
			"p2      Yogurt 500g         1.10    2.20\n")

	res, err := f.adapter.SyncProducts(context.Background(), f.h)
	require.NoError(t, err)
	assert.Equal(t, 2, res.RecordsProcessed)

	require.Len(t, f.sink.products, 2)
	assert.Equal(t, "p1", f.sink.products[0].ID)
	assert.Equal(t, "Milk 1L", f.sink.products[0].Name)
	assert.Equal(t, 0.80, f.sink.products[0].UnitCost)
	assert.Equal(t, 1.50, f.sink.products[0].UnitPrice)
	// Short last line: the price column is clamped to the line end.
	assert.Equal(t, 2.20, f.sink.products[1].UnitPrice)
}

func TestSyncInventoryCSVDefaultsAvailable(t *testing.T) {
	f := newFFFixture(t, map[FileType]Mapping{FileInventory: {
		Format: FormatCSV,
		Fields: map[string]string{
			"store_id":           "shop",
			"product_id":         "sku",
			"timestamp":          "counted_at",
			"quantity_on_hand":   "on_hand",
			"quantity_available": "available",
		},
	}})
	f.stage(t, "inventory_1.csv",
		"shop,sku,counted_at,on_hand,available\n"+
			"s1,p1,2026-02-20,40,38\n"+
			"s1,p2,2026-02-20,12,\n")

	res, err := f.adapter.SyncInventory(context.Background(), f.h)
	require.NoError(t, err)
	assert.Equal(t, 2, res.RecordsProcessed)

	require.Len(t, f.sink.inventory, 2)
	assert.Equal(t, 40, f.sink.inventory[0].OnHand)
	assert.Equal(t, 38, f.sink.inventory[0].Available)
	assert.Equal(t, 12, f.sink.inventory[1].Available, "blank available defaults to on hand")
	assert.Equal(t, "flatfile", f.sink.inventory[0].Source)
}

func TestParseCSVHeaderOnly(t *testing.T) {
	rows, err := parseCSV([]byte("a,b,c\n"), map[string]string{"x": "a"})
	require.NoError(t, err)
	assert.Empty(t, rows)
}
