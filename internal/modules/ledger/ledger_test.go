package ledger

import (
	"database/sql"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

func saleAt(ts time.Time, store, product string, qty int, extID string) domain.Transaction {
	return domain.Transaction{
		StoreID:    store,
		ProductID:  product,
		Timestamp:  ts,
		Quantity:   qty,
		UnitPrice:  2.50,
		Type:       domain.TxnSale,
		ExternalID: extID,
	}
}

func TestInsertRequiresTenant(t *testing.T) {
	repo := NewTransactionRepository(testDB(t), zerolog.Nop())
	_, err := repo.Insert(tenant.Handle{}, saleAt(time.Now(), "s1", "p1", 1, ""))
	assert.ErrorIs(t, err, domain.ErrTenantUnset)
}

func TestInsertRejectsZeroQuantity(t *testing.T) {
	repo := NewTransactionRepository(testDB(t), zerolog.Nop())
	_, err := repo.Insert(tenant.MustNew("acme"), saleAt(time.Now(), "s1", "p1", 0, ""))
	var ce *domain.ContractError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "quantity", ce.Field)
}

func TestInsertIdempotentOnExternalID(t *testing.T) {
	repo := NewTransactionRepository(testDB(t), zerolog.Nop())
	h := tenant.MustNew("acme")
	ts := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)

	inserted, err := repo.Insert(h, saleAt(ts, "s1", "p1", 3, "pos-001"))
	require.NoError(t, err)
	assert.True(t, inserted)

	// Same external id again: skipped, original row preserved.
	inserted, err = repo.Insert(h, saleAt(ts, "s1", "p1", 99, "pos-001"))
	require.NoError(t, err)
	assert.False(t, inserted)

	sales, err := repo.DailySales(h, "s1", "p1", ts, ts)
	require.NoError(t, err)
	assert.Equal(t, 3.0, sales["2026-01-05"])
}

func TestInsertExternalIDScopedPerTenant(t *testing.T) {
	repo := NewTransactionRepository(testDB(t), zerolog.Nop())
	ts := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)

	inserted, err := repo.Insert(tenant.MustNew("acme"), saleAt(ts, "s1", "p1", 3, "pos-001"))
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = repo.Insert(tenant.MustNew("globex"), saleAt(ts, "s1", "p1", 3, "pos-001"))
	require.NoError(t, err)
	assert.True(t, inserted, "external ids are unique per tenant, not globally")
}

func TestInsertBatchCounts(t *testing.T) {
	repo := NewTransactionRepository(testDB(t), zerolog.Nop())
	h := tenant.MustNew("acme")
	ts := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)

	batch := []domain.Transaction{
		saleAt(ts, "s1", "p1", 1, "e1"),
		saleAt(ts, "s1", "p1", 2, "e2"),
		saleAt(ts, "s1", "p1", 3, "e1"),
	}
	inserted, skipped, err := repo.InsertBatch(h, batch)
	require.NoError(t, err)
	assert.Equal(t, 2, inserted)
	assert.Equal(t, 1, skipped)
}

func TestDailySalesAggregation(t *testing.T) {
	repo := NewTransactionRepository(testDB(t), zerolog.Nop())
	h := tenant.MustNew("acme")
	day1 := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	day2 := time.Date(2026, 1, 6, 9, 0, 0, 0, time.UTC)

	for _, txn := range []domain.Transaction{
		saleAt(day1, "s1", "p1", 3, ""),
		saleAt(day1.Add(2*time.Hour), "s1", "p1", 4, ""),
		saleAt(day2, "s1", "p1", 5, ""),
		// Returns and other pairs stay out of the aggregate.
		{StoreID: "s1", ProductID: "p1", Timestamp: day1, Quantity: -2, Type: domain.TxnReturn},
		saleAt(day1, "s2", "p1", 9, ""),
	} {
		_, err := repo.Insert(h, txn)
		require.NoError(t, err)
	}

	sales, err := repo.DailySales(h, "s1", "p1", day1, day2)
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{
		"2026-01-05": 7,
		"2026-01-06": 5,
	}, sales)
}

func TestPairs(t *testing.T) {
	repo := NewTransactionRepository(testDB(t), zerolog.Nop())
	h := tenant.MustNew("acme")
	ts := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)

	for _, pair := range [][2]string{{"s2", "p1"}, {"s1", "p2"}, {"s1", "p1"}, {"s1", "p1"}} {
		_, err := repo.Insert(h, saleAt(ts, pair[0], pair[1], 1, ""))
		require.NoError(t, err)
	}
	_, err := repo.Insert(tenant.MustNew("globex"), saleAt(ts, "s9", "p9", 1, ""))
	require.NoError(t, err)

	pairs, err := repo.Pairs(h)
	require.NoError(t, err)
	assert.Equal(t, [][2]string{{"s1", "p1"}, {"s1", "p2"}, {"s2", "p1"}}, pairs)
}

func TestLatestTimestamp(t *testing.T) {
	repo := NewTransactionRepository(testDB(t), zerolog.Nop())
	h := tenant.MustNew("acme")

	ts, err := repo.LatestTimestamp(h)
	require.NoError(t, err)
	assert.True(t, ts.IsZero())

	newest := time.Date(2026, 2, 1, 14, 30, 0, 0, time.UTC)
	_, err = repo.Insert(h, saleAt(newest.Add(-48*time.Hour), "s1", "p1", 1, ""))
	require.NoError(t, err)
	_, err = repo.Insert(h, saleAt(newest, "s1", "p1", 1, ""))
	require.NoError(t, err)

	ts, err = repo.LatestTimestamp(h)
	require.NoError(t, err)
	assert.True(t, ts.Equal(newest))
}

func TestInventoryInsertAndLatest(t *testing.T) {
	repo := NewInventoryRepository(testDB(t), zerolog.Nop())
	h := tenant.MustNew("acme")
	older := time.Date(2026, 1, 5, 8, 0, 0, 0, time.UTC)
	newer := older.Add(6 * time.Hour)

	require.NoError(t, repo.Insert(h, domain.InventoryLevel{
		StoreID: "s1", ProductID: "p1", Timestamp: older,
		OnHand: 20, Available: 18, Source: "pos",
	}))
	require.NoError(t, repo.Insert(h, domain.InventoryLevel{
		StoreID: "s1", ProductID: "p1", Timestamp: newer,
		OnHand: 12, Available: 11, Source: "pos",
	}))

	lvl, err := repo.Latest(h, "s1", "p1")
	require.NoError(t, err)
	require.NotNil(t, lvl)
	assert.Equal(t, 12, lvl.OnHand)
	assert.True(t, lvl.Timestamp.Equal(newer))

	missing, err := repo.Latest(h, "s9", "p9")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestInventoryRejectsNegativeOnHand(t *testing.T) {
	repo := NewInventoryRepository(testDB(t), zerolog.Nop())
	err := repo.Insert(tenant.MustNew("acme"), domain.InventoryLevel{
		StoreID: "s1", ProductID: "p1", Timestamp: time.Now(), OnHand: -1,
	})
	var ce *domain.ContractError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "on_hand", ce.Field)
}

func TestInventoryLatestPerPair(t *testing.T) {
	repo := NewInventoryRepository(testDB(t), zerolog.Nop())
	h := tenant.MustNew("acme")
	base := time.Date(2026, 1, 5, 8, 0, 0, 0, time.UTC)

	for i, lvl := range []domain.InventoryLevel{
		{StoreID: "s1", ProductID: "p1", OnHand: 10},
		{StoreID: "s1", ProductID: "p1", OnHand: 7},
		{StoreID: "s2", ProductID: "p1", OnHand: 30},
	} {
		lvl.Timestamp = base.Add(time.Duration(i) * time.Hour)
		require.NoError(t, repo.Insert(h, lvl))
	}

	levels, err := repo.LatestPerPair(h)
	require.NoError(t, err)
	require.Len(t, levels, 2)
	assert.Equal(t, 7, levels[0].OnHand)
	assert.Equal(t, "s2", levels[1].StoreID)
	assert.Equal(t, 30, levels[1].OnHand)
}
