// Package pos implements the polling adapter for hosted point-of-sale APIs
// (Square-style). Orders are pulled since the last completed sync and each
// order line becomes one canonical transaction with a replay-safe external id
// of the form "{order_id}:{line_uid}".
package pos

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/shelfops/internal/adapters"
	"github.com/aristath/shelfops/internal/contract"
	"github.com/aristath/shelfops/internal/domain"
	"github.com/aristath/shelfops/internal/tenant"
)

// Config holds the POS API connection settings.
type Config struct {
	BaseURL     string
	AccessToken string
	LocationIDs []string          // POS location ids to poll
	StoreForLoc map[string]string // POS location id -> store id
	DemoMode    bool              // Deterministic synthetic orders, no network
	PageSize    int
}

// Order is one POS order with its line items.
type Order struct {
	ID        string      `json:"id"`
	LocationID string     `json:"location_id"`
	CreatedAt string      `json:"created_at"`
	Lines     []OrderLine `json:"line_items"`
}

// OrderLine is one line item on a POS order.
type OrderLine struct {
	UID       string  `json:"uid"`
	CatalogID string  `json:"catalog_object_id"`
	Quantity  int     `json:"quantity,string"`
	UnitPrice float64 `json:"base_price"`
	Total     float64 `json:"total"`
	Discount  float64 `json:"discount"`
}

// InventoryCount is one POS inventory count row.
type InventoryCount struct {
	CatalogID  string `json:"catalog_object_id"`
	LocationID string `json:"location_id"`
	Quantity   int    `json:"quantity,string"`
	CalculatedAt string `json:"calculated_at"`
}

// Writers are the canonical sinks the adapter feeds.
type Writers struct {
	Transaction func(h tenant.Handle, t domain.Transaction) (bool, error)
	Inventory   func(h tenant.Handle, l domain.InventoryLevel) error
}

// Checkpoint reports the last completed sync time for incremental pulls.
type Checkpoint interface {
	LastCompleted(h tenant.Handle, kind adapters.Kind) (time.Time, error)
}

// Adapter polls the POS API.
type Adapter struct {
	cfg        Config
	client     *http.Client
	writers    Writers
	checkpoint Checkpoint
	syncLog    *adapters.SyncLogRepository
	log        zerolog.Logger
	now        func() time.Time
}

// NewAdapter creates a new POS adapter.
func NewAdapter(cfg Config, writers Writers, checkpoint Checkpoint,
	syncLog *adapters.SyncLogRepository, log zerolog.Logger) *Adapter {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 200
	}
	return &Adapter{
		cfg:        cfg,
		client:     &http.Client{Timeout: 30 * time.Second},
		writers:    writers,
		checkpoint: checkpoint,
		syncLog:    syncLog,
		log:        log.With().Str("adapter", "pos").Logger(),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Kind returns the adapter variant.
func (a *Adapter) Kind() adapters.Kind { return adapters.KindPOS }

// TestConnection verifies API reachability and the token.
func (a *Adapter) TestConnection(ctx context.Context) error {
	if a.cfg.DemoMode {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.BaseURL+"/v2/locations", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+a.cfg.AccessToken)
	resp, err := a.client.Do(req)
	if err != nil {
		return &domain.TransientError{Op: "pos connection check", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		return &domain.ContractError{Field: "access_token", Reason: "POS API rejected credentials"}
	}
	if resp.StatusCode >= 500 {
		return &domain.TransientError{Op: "pos connection check", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	return nil
}

// SyncStores is not pulled from the POS; stores arrive via flat files.
func (a *Adapter) SyncStores(_ context.Context, _ tenant.Handle) (*adapters.SyncResult, error) {
	return adapters.NewSyncResult().Finish(), nil
}

// SyncProducts is not pulled from the POS; the catalog arrives via flat files.
func (a *Adapter) SyncProducts(_ context.Context, _ tenant.Handle) (*adapters.SyncResult, error) {
	return adapters.NewSyncResult().Finish(), nil
}

// SyncTransactions pulls orders created since the last completed sync.
func (a *Adapter) SyncTransactions(ctx context.Context, h tenant.Handle) (*adapters.SyncResult, error) {
	if err := tenant.Require(h); err != nil {
		return nil, err
	}
	res := adapters.NewSyncResult()

	since := a.now().Add(-24 * time.Hour)
	if a.checkpoint != nil {
		if last, err := a.checkpoint.LastCompleted(h, a.Kind()); err == nil && !last.IsZero() {
			since = last
		}
	}

	for _, loc := range a.cfg.LocationIDs {
		orders, err := a.fetchOrders(ctx, loc, since)
		if err != nil {
			res.Fail(fmt.Sprintf("location %s: %v", loc, err))
			a.recordLog(h, "transactions", res)
			return res, err
		}
		storeID := a.storeFor(loc)
		for _, order := range orders {
			for _, line := range order.Lines {
				rec := contract.TransactionRecord{
					Tenant:          h.ID(),
					ExternalID:      order.ID + ":" + line.UID,
					StoreID:         storeID,
					ProductID:       line.CatalogID,
					Timestamp:       order.CreatedAt,
					Quantity:        line.Quantity,
					UnitPrice:       line.UnitPrice,
					TotalAmount:     line.Total,
					DiscountAmount:  line.Discount,
					TransactionType: string(domain.TxnSale),
				}
				if err := rec.Validate(); err != nil {
					res.AddError(fmt.Errorf("order %s line %s: %w", order.ID, line.UID, err))
					continue
				}
				inserted, err := a.writers.Transaction(h, rec.ToDomain(""))
				if err != nil {
					res.AddError(fmt.Errorf("order %s line %s: %w", order.ID, line.UID, err))
					continue
				}
				if inserted {
					res.RecordsProcessed++
				} else {
					res.Metadata["duplicates_skipped"] = asInt(res.Metadata["duplicates_skipped"]) + 1
				}
			}
		}
	}

	res.Finish()
	a.recordLog(h, "transactions", res)
	return res, nil
}

// SyncInventory pulls current inventory counts per location.
func (a *Adapter) SyncInventory(ctx context.Context, h tenant.Handle) (*adapters.SyncResult, error) {
	if err := tenant.Require(h); err != nil {
		return nil, err
	}
	res := adapters.NewSyncResult()

	for _, loc := range a.cfg.LocationIDs {
		counts, err := a.fetchInventory(ctx, loc)
		if err != nil {
			res.Fail(fmt.Sprintf("location %s: %v", loc, err))
			a.recordLog(h, "inventory", res)
			return res, err
		}
		storeID := a.storeFor(loc)
		for _, count := range counts {
			rec := contract.InventoryRecord{
				Tenant:            h.ID(),
				StoreID:           storeID,
				ProductID:         count.CatalogID,
				Timestamp:         count.CalculatedAt,
				QuantityOnHand:    count.Quantity,
				QuantityAvailable: count.Quantity,
				Source:            "pos",
			}
			if err := rec.Validate(); err != nil {
				res.AddError(fmt.Errorf("catalog %s: %w", count.CatalogID, err))
				continue
			}
			if err := a.writers.Inventory(h, rec.ToDomain("")); err != nil {
				res.AddError(fmt.Errorf("catalog %s: %w", count.CatalogID, err))
				continue
			}
			res.RecordsProcessed++
		}
	}

	res.Finish()
	a.recordLog(h, "inventory", res)
	return res, nil
}

func (a *Adapter) recordLog(h tenant.Handle, syncType string, res *adapters.SyncResult) {
	if a.syncLog == nil {
		return
	}
	if err := a.syncLog.Record(h, a.Kind(), syncType, res); err != nil {
		a.log.Warn().Err(err).Msg("Failed to record sync log")
	}
}

func (a *Adapter) storeFor(locationID string) string {
	if mapped, ok := a.cfg.StoreForLoc[locationID]; ok {
		return mapped
	}
	return locationID
}

// fetchOrders pulls orders from the POS API, or synthesizes a deterministic
// batch in demo mode.
func (a *Adapter) fetchOrders(ctx context.Context, locationID string, since time.Time) ([]Order, error) {
	if a.cfg.DemoMode {
		return a.demoOrders(locationID, since), nil
	}

	q := url.Values{}
	q.Set("location_id", locationID)
	q.Set("created_after", since.UTC().Format(time.RFC3339))
	q.Set("limit", fmt.Sprint(a.cfg.PageSize))

	var body struct {
		Orders []Order `json:"orders"`
	}
	if err := a.get(ctx, "/v2/orders/search?"+q.Encode(), &body); err != nil {
		return nil, err
	}
	return body.Orders, nil
}

func (a *Adapter) fetchInventory(ctx context.Context, locationID string) ([]InventoryCount, error) {
	if a.cfg.DemoMode {
		return a.demoInventory(locationID), nil
	}

	q := url.Values{}
	q.Set("location_ids", locationID)

	var body struct {
		Counts []InventoryCount `json:"counts"`
	}
	if err := a.get(ctx, "/v2/inventory/counts/batch-retrieve?"+q.Encode(), &body); err != nil {
		return nil, err
	}
	return body.Counts, nil
}

func (a *Adapter) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.BaseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+a.cfg.AccessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return &domain.TransientError{Op: "pos fetch", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return &domain.TransientError{Op: "pos fetch", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &domain.ContractError{Field: "response", Reason: fmt.Sprintf("status %d: %s", resp.StatusCode, payload)}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// demoOrders synthesizes a deterministic order batch keyed on location and
// day, so repeated demo syncs dedupe through the external id.
func (a *Adapter) demoOrders(locationID string, since time.Time) []Order {
	day := a.now().Format("2006-01-02")
	seed := fnvHash(locationID + "|" + day)
	products := []string{"SKU-001", "SKU-002", "SKU-003", "SKU-004"}

	var orders []Order
	for i := 0; i < 3; i++ {
		orderID := fmt.Sprintf("demo-%s-%s-%d", locationID, day, i)
		product := products[(seed+uint64(i))%uint64(len(products))]
		qty := int((seed+uint64(i))%5) + 1
		price := 4.99 + float64((seed+uint64(i))%10)
		orders = append(orders, Order{
			ID:         orderID,
			LocationID: locationID,
			CreatedAt:  a.now().Format(time.RFC3339),
			Lines: []OrderLine{{
				UID:       "L1",
				CatalogID: product,
				Quantity:  qty,
				UnitPrice: price,
				Total:     float64(qty) * price,
			}},
		})
	}
	return orders
}

func (a *Adapter) demoInventory(locationID string) []InventoryCount {
	seed := fnvHash(locationID)
	products := []string{"SKU-001", "SKU-002", "SKU-003", "SKU-004"}
	counts := make([]InventoryCount, 0, len(products))
	for i, product := range products {
		counts = append(counts, InventoryCount{
			CatalogID:    product,
			LocationID:   locationID,
			Quantity:     int((seed+uint64(i)*7)%200) + 10,
			CalculatedAt: a.now().Format(time.RFC3339),
		})
	}
	return counts
}

func fnvHash(s string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return h.Sum64()
}

func asInt(v any) int {
	if n, ok := v.(int); ok {
		return n
	}
	return 0
}
