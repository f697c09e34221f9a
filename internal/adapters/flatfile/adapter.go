// Package flatfile implements the staging-directory adapter for SFTP-dropped
// batch files. Each declared file type (stores, products, transactions,
// inventory) is read as CSV or fixed-width using a tenant-provided field
// mapping; successfully processed files move to the archive directory.
package flatfile

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/aristath/shelfops/internal/adapters"
	"github.com/aristath/shelfops/internal/contract"
	"github.com/aristath/shelfops/internal/domain"
	"github.com/aristath/shelfops/internal/tenant"
)

// FileType names a staged batch file's payload.
type FileType string

const (
	FileStores       FileType = "stores"
	FileProducts     FileType = "products"
	FileTransactions FileType = "transactions"
	FileInventory    FileType = "inventory"
)

// Format selects the file parser.
type Format string

const (
	FormatCSV        Format = "csv"
	FormatFixedWidth Format = "fixed_width"
)

// FixedField describes one fixed-width column as a half-open byte range.
type FixedField struct {
	Name  string
	Start int
	End   int
}

// Mapping is the tenant-provided field mapping for one file type.
// Fields maps canonical field names to source column names; source columns
// not present in the mapping are dropped.
type Mapping struct {
	Format      Format
	Fields      map[string]string
	FixedLayout []FixedField // Fixed-width only
}

// Writers are the canonical sinks the adapter feeds.
type Writers struct {
	Store       func(h tenant.Handle, s domain.Store) error
	Product     func(h tenant.Handle, p domain.Product) error
	Transaction func(h tenant.Handle, t domain.Transaction) (bool, error)
	Inventory   func(h tenant.Handle, l domain.InventoryLevel) error
}

// Config holds the staging and archive directories and per-type mappings.
type Config struct {
	StagingDir string
	ArchiveDir string
	Mappings   map[FileType]Mapping
}

// Adapter reads staged batch files into canonical records.
type Adapter struct {
	cfg     Config
	writers Writers
	syncLog *adapters.SyncLogRepository
	log     zerolog.Logger
}

// NewAdapter creates a new flat-file adapter.
func NewAdapter(cfg Config, writers Writers, syncLog *adapters.SyncLogRepository, log zerolog.Logger) *Adapter {
	return &Adapter{
		cfg:     cfg,
		writers: writers,
		syncLog: syncLog,
		log:     log.With().Str("adapter", "flatfile").Logger(),
	}
}

// Kind returns the adapter variant.
func (a *Adapter) Kind() adapters.Kind { return adapters.KindFlatfile }

// TestConnection verifies the staging and archive directories.
func (a *Adapter) TestConnection(_ context.Context) error {
	for _, dir := range []string{a.cfg.StagingDir, a.cfg.ArchiveDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return &domain.TransientError{Op: "flatfile directory check", Err: err}
		}
	}
	return nil
}

// SyncStores processes staged store files.
func (a *Adapter) SyncStores(ctx context.Context, h tenant.Handle) (*adapters.SyncResult, error) {
	return a.syncType(ctx, h, FileStores)
}

// SyncProducts processes staged product files.
func (a *Adapter) SyncProducts(ctx context.Context, h tenant.Handle) (*adapters.SyncResult, error) {
	return a.syncType(ctx, h, FileProducts)
}

// SyncTransactions processes staged transaction files.
func (a *Adapter) SyncTransactions(ctx context.Context, h tenant.Handle) (*adapters.SyncResult, error) {
	return a.syncType(ctx, h, FileTransactions)
}

// SyncInventory processes staged inventory files.
func (a *Adapter) SyncInventory(ctx context.Context, h tenant.Handle) (*adapters.SyncResult, error) {
	return a.syncType(ctx, h, FileInventory)
}

// syncType processes every staged file whose name starts with the file type.
func (a *Adapter) syncType(ctx context.Context, h tenant.Handle, ft FileType) (*adapters.SyncResult, error) {
	if err := tenant.Require(h); err != nil {
		return nil, err
	}
	res := adapters.NewSyncResult()

	mapping, ok := a.cfg.Mappings[ft]
	if !ok {
		res.Finish()
		return res, nil
	}

	entries, err := os.ReadDir(a.cfg.StagingDir)
	if err != nil {
		return res.Fail(fmt.Sprintf("read staging dir: %v", err)),
			&domain.TransientError{Op: "flatfile staging scan", Err: err}
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), string(ft)+"_") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return res.Fail("sync deadline expired"), &domain.TransientError{Op: "flatfile sync", Err: err}
		}
		path := filepath.Join(a.cfg.StagingDir, name)
		rows, err := a.readFile(path, mapping)
		if err != nil {
			res.AddError(fmt.Errorf("%s: %w", name, err))
			continue
		}

		fileFailed := false
		for _, row := range rows {
			if err := a.writeRow(h, ft, row); err != nil {
				res.AddError(fmt.Errorf("%s: %w", name, err))
				fileFailed = true
				continue
			}
			res.RecordsProcessed++
		}

		if fileFailed {
			// Per-file errors accumulate; the file stays staged.
			continue
		}
		if err := os.Rename(path, filepath.Join(a.cfg.ArchiveDir, name)); err != nil {
			res.AddError(fmt.Errorf("archive %s: %w", name, err))
		}
	}

	res.Finish()
	if a.syncLog != nil {
		if err := a.syncLog.Record(h, a.Kind(), string(ft), res); err != nil {
			a.log.Warn().Err(err).Msg("Failed to record sync log")
		}
	}
	return res, nil
}

// readFile parses one staged file into canonical-field rows. Source columns
// absent from the mapping are dropped.
func (a *Adapter) readFile(path string, mapping Mapping) ([]map[string]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &domain.TransientError{Op: "flatfile read", Err: err}
	}

	switch mapping.Format {
	case FormatFixedWidth:
		return parseFixedWidth(string(raw), mapping.FixedLayout, mapping.Fields), nil
	default:
		return parseCSV(raw, mapping.Fields)
	}
}

func parseCSV(raw []byte, fields map[string]string) ([]map[string]string, error) {
	reader := csv.NewReader(strings.NewReader(string(raw)))
	reader.TrimLeadingSpace = true
	records, err := reader.ReadAll()
	if err != nil {
		return nil, &domain.ContractError{Field: "csv", Reason: err.Error()}
	}
	if len(records) < 2 {
		return nil, nil
	}

	header := records[0]
	colIndex := make(map[string]int, len(header))
	for i, col := range header {
		colIndex[strings.TrimSpace(col)] = i
	}

	// Invert: canonical field -> source column index.
	fieldIndex := make(map[string]int, len(fields))
	for canonical, source := range fields {
		if idx, ok := colIndex[source]; ok {
			fieldIndex[canonical] = idx
		}
	}

	var rows []map[string]string
	for _, record := range records[1:] {
		row := make(map[string]string, len(fieldIndex))
		for canonical, idx := range fieldIndex {
			if idx < len(record) {
				row[canonical] = strings.TrimSpace(record[idx])
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func parseFixedWidth(raw string, layout []FixedField, fields map[string]string) []map[string]string {
	// Invert the mapping: source layout name -> canonical field.
	canonicalFor := make(map[string]string, len(fields))
	for canonical, source := range fields {
		canonicalFor[source] = canonical
	}

	var rows []map[string]string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		row := make(map[string]string)
		for _, f := range layout {
			canonical, ok := canonicalFor[f.Name]
			if !ok {
				continue // Unmapped column dropped
			}
			if f.Start >= len(line) {
				continue
			}
			end := f.End
			if end > len(line) {
				end = len(line)
			}
			row[canonical] = strings.TrimSpace(line[f.Start:end])
		}
		rows = append(rows, row)
	}
	return rows
}

// writeRow converts a canonical-field row into its domain entity.
func (a *Adapter) writeRow(h tenant.Handle, ft FileType, row map[string]string) error {
	switch ft {
	case FileStores:
		if row["store_id"] == "" {
			return &domain.ContractError{Field: "store_id", Reason: "required"}
		}
		tier, _ := strconv.Atoi(row["cluster_tier"])
		return a.writers.Store(h, domain.Store{
			ID:          row["store_id"],
			Name:        row["name"],
			ClusterTier: tier,
			CountryCode: row["country_code"],
			Active:      true,
		})

	case FileProducts:
		if row["product_id"] == "" {
			return &domain.ContractError{Field: "product_id", Reason: "required"}
		}
		unitCost, _ := strconv.ParseFloat(row["unit_cost"], 64)
		unitPrice, _ := strconv.ParseFloat(row["unit_price"], 64)
		shelfLife, _ := strconv.Atoi(row["shelf_life_days"])
		return a.writers.Product(h, domain.Product{
			ID:            row["product_id"],
			Name:          row["name"],
			Category:      row["category"],
			Lifecycle:     domain.LifecycleActive,
			ShelfLifeDays: shelfLife,
			UnitCost:      unitCost,
			UnitPrice:     unitPrice,
			SupplierID:    row["supplier_id"],
		})

	case FileTransactions:
		qty, err := strconv.Atoi(row["quantity"])
		if err != nil {
			return &domain.ContractError{Field: "quantity", Reason: "unparseable: " + row["quantity"]}
		}
		unitPrice, _ := strconv.ParseFloat(row["unit_price"], 64)
		txnType := row["transaction_type"]
		if txnType == "" {
			txnType = string(domain.TxnSale)
		}
		rec := contract.TransactionRecord{
			Tenant:          h.ID(),
			ExternalID:      row["external_id"],
			StoreID:         row["store_id"],
			ProductID:       row["product_id"],
			Timestamp:       row["timestamp"],
			Quantity:        qty,
			UnitPrice:       unitPrice,
			TotalAmount:     float64(qty) * unitPrice,
			TransactionType: txnType,
		}
		if err := rec.Validate(); err != nil {
			return err
		}
		_, err = a.writers.Transaction(h, rec.ToDomain(""))
		return err

	case FileInventory:
		onHand, err := strconv.Atoi(row["quantity_on_hand"])
		if err != nil {
			return &domain.ContractError{Field: "quantity_on_hand", Reason: "unparseable: " + row["quantity_on_hand"]}
		}
		available := onHand
		if v := row["quantity_available"]; v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				available = n
			}
		}
		rec := contract.InventoryRecord{
			Tenant:            h.ID(),
			StoreID:           row["store_id"],
			ProductID:         row["product_id"],
			Timestamp:         row["timestamp"],
			QuantityOnHand:    onHand,
			QuantityAvailable: available,
			Source:            "flatfile",
		}
		if err := rec.Validate(); err != nil {
			return err
		}
		return a.writers.Inventory(h, rec.ToDomain(""))
	}
	return &domain.ContractError{Field: "file_type", Reason: "unknown file type " + string(ft)}
}
