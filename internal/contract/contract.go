// Package contract normalizes heterogeneous source tables into the canonical
// transaction/inventory schema and scores data quality for onboarding.
package contract

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aristath/shelfops/internal/domain"
)

// Canonical column names. Every canonicalized table carries all of them.
const (
	ColDate              = "date"
	ColStoreID           = "store_id"
	ColProductID         = "product_id"
	ColQuantity          = "quantity"
	ColCategory          = "category"
	ColIsPromotional     = "is_promotional"
	ColIsHoliday         = "is_holiday"
	ColDatasetID         = "dataset_id"
	ColCountryCode       = "country_code"
	ColFrequency         = "frequency"
	ColProductGrain      = "product_grain"
	ColReturnsAdjustment = "returns_adjustment"
	ColIsReturnWeek      = "is_return_week"
)

// Required source columns; their absence halts ingestion.
var requiredColumns = []string{ColDate, ColStoreID, ColQuantity}

// RawRow is one untyped source row keyed by source column name.
type RawRow map[string]string

// Row is one canonicalized row.
type Row struct {
	Date              time.Time
	StoreID           string
	ProductID         string
	Quantity          float64 // Positive clip; the training target
	Category          string
	IsPromotional     bool
	IsHoliday         bool
	DatasetID         string
	CountryCode       string
	Frequency         string // "daily" or "weekly"
	ProductGrain      string // "product_level" or "store_level_only"
	ReturnsAdjustment float64
	IsReturnWeek      bool
}

// Table is a canonicalized dataset.
type Table struct {
	Rows      []Row
	DatasetID string
	Frequency string
}

// Options steer canonicalization for a particular source.
type Options struct {
	DatasetID    string
	CountryCode  string
	Frequency    string // "daily" (default) or "weekly"
	StoreOnly    bool   // Rossmann-style data without a product dimension
	HolidayDates map[string]bool
	// Known reference ids; when non-nil, misses count toward ReferenceMissRate.
	KnownStores   map[string]bool
	KnownProducts map[string]bool
}

// DQReport is the data-quality scorecard produced alongside canonicalization.
type DQReport struct {
	TotalRows            int     `json:"total_rows"`
	DateParseRate        float64 `json:"date_parse_rate"`
	RequiredNullRate     float64 `json:"required_null_rate"`
	DuplicateRate        float64 `json:"duplicate_rate"`
	QuantityParseRate    float64 `json:"quantity_parse_rate"`
	MaxFutureOffsetDays  int     `json:"max_future_offset_days"`
	HistorySpanDays      int     `json:"history_span_days"`
	ReferenceMissRate    float64 `json:"reference_miss_rate"`
	RowsRejected         int     `json:"rows_rejected"`
	ReturnsRoutedToAdj   int     `json:"returns_routed_to_adjustment"`
	StoreLevelOnlySource bool    `json:"store_level_only_source"`
}

// Thresholds gate dataset onboarding.
type Thresholds struct {
	MinDateParseRate     float64
	MaxRequiredNullRate  float64
	MaxDuplicateRate     float64
	MinQuantityParseRate float64
	MaxFutureOffsetDays  int
	MinHistorySpanDays   int
	MaxReferenceMissRate float64
}

// DefaultThresholds are the onboarding defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinDateParseRate:     0.98,
		MaxRequiredNullRate:  0.02,
		MaxDuplicateRate:     0.05,
		MinQuantityParseRate: 0.98,
		MaxFutureOffsetDays:  1,
		MinHistorySpanDays:   56,
		MaxReferenceMissRate: 0.10,
	}
}

// Gate checks the report against thresholds and returns a DQGateError listing
// every failed check, or nil when the dataset passes.
func (r *DQReport) Gate(t Thresholds) error {
	var failures []string
	if r.DateParseRate < t.MinDateParseRate {
		failures = append(failures, fmt.Sprintf("date_parse_rate %.3f < %.3f", r.DateParseRate, t.MinDateParseRate))
	}
	if r.RequiredNullRate > t.MaxRequiredNullRate {
		failures = append(failures, fmt.Sprintf("required_null_rate %.3f > %.3f", r.RequiredNullRate, t.MaxRequiredNullRate))
	}
	if r.DuplicateRate > t.MaxDuplicateRate {
		failures = append(failures, fmt.Sprintf("duplicate_rate %.3f > %.3f", r.DuplicateRate, t.MaxDuplicateRate))
	}
	if r.QuantityParseRate < t.MinQuantityParseRate {
		failures = append(failures, fmt.Sprintf("quantity_parse_rate %.3f < %.3f", r.QuantityParseRate, t.MinQuantityParseRate))
	}
	if r.MaxFutureOffsetDays > t.MaxFutureOffsetDays {
		failures = append(failures, fmt.Sprintf("max_future_offset_days %d > %d", r.MaxFutureOffsetDays, t.MaxFutureOffsetDays))
	}
	if r.HistorySpanDays < t.MinHistorySpanDays {
		failures = append(failures, fmt.Sprintf("history_span_days %d < %d", r.HistorySpanDays, t.MinHistorySpanDays))
	}
	if r.ReferenceMissRate > t.MaxReferenceMissRate {
		failures = append(failures, fmt.Sprintf("reference_miss_rate %.3f > %.3f", r.ReferenceMissRate, t.MaxReferenceMissRate))
	}
	if len(failures) > 0 {
		return &domain.DQGateError{Failures: failures}
	}
	return nil
}

// Canonicalize normalizes a source table into the canonical schema and scores
// its data quality. A missing required column halts ingestion with a
// ContractError; individual bad rows are rejected and counted, not fatal.
func Canonicalize(rows []RawRow, now time.Time, opts Options) (*Table, *DQReport, error) {
	if len(rows) > 0 {
		for _, col := range requiredColumns {
			if _, ok := rows[0][col]; !ok {
				return nil, nil, &domain.ContractError{Field: col, Reason: "required column missing"}
			}
		}
		if !opts.StoreOnly {
			if _, ok := rows[0][ColProductID]; !ok {
				return nil, nil, &domain.ContractError{Field: ColProductID, Reason: "required column missing"}
			}
		}
	}

	freq := opts.Frequency
	if freq == "" {
		freq = "daily"
	}
	weekly := freq == "weekly"

	report := &DQReport{
		TotalRows:            len(rows),
		StoreLevelOnlySource: opts.StoreOnly,
	}

	table := &Table{DatasetID: opts.DatasetID, Frequency: freq}
	seen := make(map[string]bool, len(rows))
	var datesParsed, qtyParsed, nullMisses, refChecked, refMisses, duplicates int
	var minDate, maxDate time.Time

	for _, raw := range rows {
		dateStr := strings.TrimSpace(raw[ColDate])
		storeID := strings.TrimSpace(raw[ColStoreID])
		if dateStr == "" || storeID == "" {
			nullMisses++
			report.RowsRejected++
			continue
		}

		date, err := ParseTimestamp(dateStr)
		if err != nil {
			report.RowsRejected++
			continue
		}
		datesParsed++
		date = date.Truncate(24 * time.Hour)

		productID := strings.TrimSpace(raw[ColProductID])
		grain := "product_level"
		if opts.StoreOnly || productID == "" {
			// Store-only datasets collapse the product dimension.
			productID = "all"
			grain = "store_level_only"
		}

		qty, err := strconv.ParseFloat(strings.TrimSpace(raw[ColQuantity]), 64)
		if err != nil {
			report.RowsRejected++
			continue
		}
		qtyParsed++

		row := Row{
			Date:          date,
			StoreID:       storeID,
			ProductID:     productID,
			Category:      strings.TrimSpace(raw[ColCategory]),
			IsPromotional: parseBool(raw[ColIsPromotional]),
			IsHoliday:     opts.HolidayDates[date.Format("2006-01-02")] || parseBool(raw[ColIsHoliday]),
			DatasetID:     opts.DatasetID,
			CountryCode:   opts.CountryCode,
			Frequency:     freq,
			ProductGrain:  grain,
		}

		if qty < 0 && weekly {
			// Weekly sources report net quantities; negatives are returns
			// routed to the adjustment column, the positive clip trains.
			row.ReturnsAdjustment = qty
			row.IsReturnWeek = true
			row.Quantity = 0
			report.ReturnsRoutedToAdj++
		} else if qty < 0 {
			row.Quantity = 0
			row.ReturnsAdjustment = qty
		} else {
			row.Quantity = qty
		}

		key := date.Format("2006-01-02") + "|" + storeID + "|" + productID
		if seen[key] {
			duplicates++
		}
		seen[key] = true

		if opts.KnownStores != nil {
			refChecked++
			if !opts.KnownStores[storeID] {
				refMisses++
			}
		}
		if opts.KnownProducts != nil && grain == "product_level" {
			refChecked++
			if !opts.KnownProducts[productID] {
				refMisses++
			}
		}

		if minDate.IsZero() || date.Before(minDate) {
			minDate = date
		}
		if date.After(maxDate) {
			maxDate = date
		}

		table.Rows = append(table.Rows, row)
	}

	sort.SliceStable(table.Rows, func(i, j int) bool {
		if !table.Rows[i].Date.Equal(table.Rows[j].Date) {
			return table.Rows[i].Date.Before(table.Rows[j].Date)
		}
		if table.Rows[i].StoreID != table.Rows[j].StoreID {
			return table.Rows[i].StoreID < table.Rows[j].StoreID
		}
		return table.Rows[i].ProductID < table.Rows[j].ProductID
	})

	if report.TotalRows > 0 {
		report.DateParseRate = float64(datesParsed) / float64(report.TotalRows)
		report.QuantityParseRate = float64(qtyParsed) / float64(report.TotalRows)
		report.RequiredNullRate = float64(nullMisses) / float64(report.TotalRows)
		report.DuplicateRate = float64(duplicates) / float64(report.TotalRows)
	}
	if refChecked > 0 {
		report.ReferenceMissRate = float64(refMisses) / float64(refChecked)
	}
	if !maxDate.IsZero() {
		today := now.UTC().Truncate(24 * time.Hour)
		if maxDate.After(today) {
			report.MaxFutureOffsetDays = int(maxDate.Sub(today).Hours() / 24)
		}
		report.HistorySpanDays = int(maxDate.Sub(minDate).Hours()/24) + 1
	}

	return table, report, nil
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "t", "yes", "y":
		return true
	}
	return false
}
