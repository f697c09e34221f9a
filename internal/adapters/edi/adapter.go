package edi

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/shelfops/internal/adapters"
	"github.com/aristath/shelfops/internal/contract"
	"github.com/aristath/shelfops/internal/domain"
	"github.com/aristath/shelfops/internal/tenant"
)

// InventoryWriter persists canonical inventory snapshots.
type InventoryWriter interface {
	Insert(h tenant.Handle, lvl domain.InventoryLevel) error
}

// ProductResolver maps trading-partner GTIN/UPC pairs to tenant product ids.
type ProductResolver interface {
	ResolveProduct(h tenant.Handle, gtin, upc string) (string, bool)
}

// identityResolver treats the GTIN (or UPC) as the product id.
type identityResolver struct{}

func (identityResolver) ResolveProduct(_ tenant.Handle, gtin, upc string) (string, bool) {
	if gtin != "" {
		return gtin, true
	}
	if upc != "" {
		return upc, true
	}
	return "", false
}

// Config holds the EDI adapter directories and mappings.
type Config struct {
	InboundDir string
	ArchiveDir string
	// OutboundDir receives generated 850 purchase orders. Empty disables
	// outbound emission.
	OutboundDir string
	// PartnerID names the receiving trading partner in outbound envelopes.
	PartnerID string
	// StoreForWarehouse maps the advice's warehouse code to a store id.
	// Missing codes pass through unchanged.
	StoreForWarehouse map[string]string
}

// Adapter polls the inbound directory for X12 files, dispatches on ST content,
// and archives successfully processed files atomically.
type Adapter struct {
	cfg       Config
	inventory InventoryWriter
	resolver  ProductResolver
	ediLog    *TransactionLogRepository
	syncLog   *adapters.SyncLogRepository
	ctrl      atomic.Int64 // Outbound interchange control number
	log       zerolog.Logger
}

// NewAdapter creates a new EDI adapter.
func NewAdapter(cfg Config, inventory InventoryWriter, resolver ProductResolver,
	ediLog *TransactionLogRepository, syncLog *adapters.SyncLogRepository, log zerolog.Logger) *Adapter {
	if resolver == nil {
		resolver = identityResolver{}
	}
	a := &Adapter{
		cfg:       cfg,
		inventory: inventory,
		resolver:  resolver,
		ediLog:    ediLog,
		syncLog:   syncLog,
		log:       log.With().Str("adapter", "edi").Logger(),
	}
	// Control numbers restart per process; the timestamp seed keeps them
	// monotonic across restarts within the 9-digit ISA field.
	a.ctrl.Store(time.Now().UTC().Unix() % 100_000_000)
	return a
}

// Kind returns the adapter variant.
func (a *Adapter) Kind() adapters.Kind { return adapters.KindEDI }

// TestConnection verifies both directories exist and are writable.
func (a *Adapter) TestConnection(_ context.Context) error {
	for _, dir := range []string{a.cfg.InboundDir, a.cfg.ArchiveDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return &domain.TransientError{Op: "edi directory check", Err: err}
		}
	}
	return nil
}

// SyncStores is not provided by EDI sources.
func (a *Adapter) SyncStores(_ context.Context, _ tenant.Handle) (*adapters.SyncResult, error) {
	return adapters.NewSyncResult().Finish(), nil
}

// SyncProducts is not provided by EDI sources.
func (a *Adapter) SyncProducts(_ context.Context, _ tenant.Handle) (*adapters.SyncResult, error) {
	return adapters.NewSyncResult().Finish(), nil
}

// SyncTransactions processes inbound 810 invoices into the EDI transaction log.
func (a *Adapter) SyncTransactions(ctx context.Context, h tenant.Handle) (*adapters.SyncResult, error) {
	return a.processInbound(ctx, h, DocInvoice, "transactions")
}

// SyncInventory processes inbound 846 inventory advices into canonical
// inventory snapshots.
func (a *Adapter) SyncInventory(ctx context.Context, h tenant.Handle) (*adapters.SyncResult, error) {
	return a.processInbound(ctx, h, DocInventoryAdvice, "inventory")
}

// processInbound walks the inbound directory once. Files whose ST type
// matches wantType are parsed and archived; 856 ship notices are always
// picked up alongside inventory; every other ST type is ignored and left in
// place for its own sync pass.
func (a *Adapter) processInbound(ctx context.Context, h tenant.Handle, wantType, syncType string) (*adapters.SyncResult, error) {
	if err := tenant.Require(h); err != nil {
		return nil, err
	}
	res := adapters.NewSyncResult()

	entries, err := os.ReadDir(a.cfg.InboundDir)
	if err != nil {
		return res.Fail(fmt.Sprintf("read inbound dir: %v", err)),
			&domain.TransientError{Op: "edi inbound scan", Err: err}
	}
	// Deterministic processing order.
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	processed := 0
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return res.Fail("sync deadline expired"), &domain.TransientError{Op: "edi sync", Err: err}
		}
		path := filepath.Join(a.cfg.InboundDir, name)
		raw, err := os.ReadFile(path)
		if err != nil {
			res.AddError(fmt.Errorf("%s: %w", name, err))
			continue
		}

		doc, err := Split(string(raw))
		if err != nil {
			res.AddError(fmt.Errorf("%s: %w", name, err))
			a.logDocument(h, "unknown", name, StatusFailed, 0, err)
			continue
		}
		docType, err := doc.Classify()
		if err != nil {
			res.AddError(fmt.Errorf("%s: %w", name, err))
			a.logDocument(h, "unknown", name, StatusFailed, 0, err)
			continue
		}
		if docType != wantType && !(wantType == DocInventoryAdvice && docType == DocShipNotice) {
			// Not ours. Classification is by ST content; the file stays
			// in place for whichever sync handles its type.
			continue
		}

		count, err := a.processDocument(h, docType, doc)
		if err != nil {
			res.AddError(fmt.Errorf("%s: %w", name, err))
			a.logDocument(h, docType, name, StatusFailed, count, err)
			// Partial failure: the file stays in-place for investigation.
			continue
		}

		if err := os.Rename(path, filepath.Join(a.cfg.ArchiveDir, name)); err != nil {
			res.AddError(fmt.Errorf("archive %s: %w", name, err))
			a.logDocument(h, docType, name, StatusFailed, count, err)
			continue
		}

		res.RecordsProcessed += count
		processed++
		a.logDocument(h, docType, name, StatusProcessed, count, nil)
	}

	res.Metadata["files_processed"] = processed
	res.Finish()
	if a.syncLog != nil {
		if err := a.syncLog.Record(h, a.Kind(), syncType, res); err != nil {
			a.log.Warn().Err(err).Msg("Failed to record sync log")
		}
	}
	return res, nil
}

// processDocument converts one classified document into canonical records.
func (a *Adapter) processDocument(h tenant.Handle, docType string, doc *Document) (int, error) {
	switch docType {
	case DocInventoryAdvice:
		items, err := Parse846(doc)
		if err != nil {
			return 0, err
		}
		written := 0
		for _, item := range items {
			productID, ok := a.resolver.ResolveProduct(h, item.GTIN, item.UPC)
			if !ok {
				return written, &domain.ContractError{Field: "LIN", Reason: "unresolvable product " + item.GTIN}
			}
			storeID := item.Warehouse
			if mapped, ok := a.cfg.StoreForWarehouse[item.Warehouse]; ok {
				storeID = mapped
			}
			ts := item.AsOf
			if ts.IsZero() {
				ts = time.Now().UTC()
			}
			rec := contract.InventoryRecord{
				Tenant:            h.ID(),
				StoreID:           storeID,
				ProductID:         productID,
				Timestamp:         ts.Format(time.RFC3339),
				QuantityOnHand:    item.Quantity,
				QuantityAvailable: item.Quantity,
				Source:            "edi_846",
			}
			if err := rec.Validate(); err != nil {
				return written, err
			}
			if err := a.inventory.Insert(h, rec.ToDomain("")); err != nil {
				return written, err
			}
			written++
		}
		return written, nil

	case DocShipNotice:
		items, err := Parse856(doc)
		if err != nil {
			return 0, err
		}
		// Ship notices only set receiving expectations; receipt itself is a
		// HITL purchase-order transition.
		return len(items), nil

	case DocInvoice:
		if _, err := Parse810(doc); err != nil {
			return 0, err
		}
		return 1, nil
	}
	return 0, &domain.ContractError{Field: "ST", Reason: "unsupported document type " + docType}
}

// EmitPurchaseOrder writes an outbound 850 for a newly ordered purchase
// order and records it in the EDI transaction log. The product id rides as
// the line's GTIN, mirroring the identity resolution applied inbound.
func (a *Adapter) EmitPurchaseOrder(h tenant.Handle, po domain.PurchaseOrder) error {
	if err := tenant.Require(h); err != nil {
		return err
	}
	if a.cfg.OutboundDir == "" {
		return &domain.ContractError{Field: "outbound_dir", Reason: "EDI outbound directory not configured"}
	}
	if err := os.MkdirAll(a.cfg.OutboundDir, 0755); err != nil {
		return &domain.TransientError{Op: "edi outbound dir", Err: err}
	}

	partner := a.cfg.PartnerID
	if partner == "" {
		partner = "VENDOR"
	}
	ctrl := int(a.ctrl.Add(1))
	parties := []Party{
		{Qualifier: "BY", Name: h.ID()},
		{Qualifier: "SE", Name: partner},
		{Qualifier: "ST", Name: po.StoreID},
	}
	raw := Generate850(po, po.ProductID, parties, ctrl, time.Now().UTC())

	name := fmt.Sprintf("po_%s_%09d.edi", po.ID, ctrl)
	if err := os.WriteFile(filepath.Join(a.cfg.OutboundDir, name), []byte(raw), 0o644); err != nil {
		a.logOutbound(h, name, StatusFailed, err)
		return &domain.TransientError{Op: "edi outbound write", Err: err}
	}
	a.logOutbound(h, name, StatusProcessed, nil)
	a.log.Info().Str("po", po.ID).Str("file", name).Msg("Outbound purchase order written")
	return nil
}

func (a *Adapter) logOutbound(h tenant.Handle, fileName string, status LogStatus, cause error) {
	if a.ediLog == nil {
		return
	}
	var errs []string
	if cause != nil {
		errs = []string{cause.Error()}
	}
	if err := a.ediLog.Record(h, TransactionLog{
		DocumentType:  DocPurchaseOrder,
		Direction:     "outbound",
		Status:        status,
		FileName:      fileName,
		ParsedRecords: 1,
		Errors:        errs,
	}); err != nil {
		a.log.Warn().Err(err).Str("file", fileName).Msg("Failed to record EDI log")
	}
}

func (a *Adapter) logDocument(h tenant.Handle, docType, fileName string, status LogStatus, records int, cause error) {
	if a.ediLog == nil {
		return
	}
	var errs []string
	if cause != nil {
		errs = []string{cause.Error()}
	}
	if err := a.ediLog.Record(h, TransactionLog{
		DocumentType:  docType,
		Direction:     "inbound",
		Status:        status,
		FileName:      fileName,
		ParsedRecords: records,
		Errors:        errs,
	}); err != nil {
		a.log.Warn().Err(err).Str("file", fileName).Msg("Failed to record EDI log")
	}
}
