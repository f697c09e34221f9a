package edi

import (
	"fmt"
	"strconv"
	"time"

	"github.com/aristath/shelfops/internal/domain"
)

// InventoryItem is one LIN/QTY pair from an 846 inventory advice.
type InventoryItem struct {
	LineNumber int
	GTIN       string
	UPC        string
	Quantity   int
	UOM        string // EA, CS, ...
	AsOf       time.Time
	Warehouse  string
}

// ShipNoticeItem is one line from an 856 advance ship notice.
type ShipNoticeItem struct {
	GTIN     string
	Quantity int
	UOM      string
	PONumber string
}

// InvoiceSummary is the header-level read of an 810 invoice.
type InvoiceSummary struct {
	InvoiceNumber string
	InvoiceDate   time.Time
	PONumber      string
	TotalAmount   float64
	LineCount     int
}

const ediDateLayout = "20060102"

// Parse846 extracts inventory items from an 846 inventory advice. The
// document must already classify as 846.
func Parse846(doc *Document) ([]InventoryItem, error) {
	docType, err := doc.Classify()
	if err != nil {
		return nil, err
	}
	if docType != DocInventoryAdvice {
		return nil, &domain.ContractError{Field: "ST", Reason: "not an 846 document: " + docType}
	}

	var asOf time.Time
	if bia, _ := doc.Find("BIA", 0); bia.ID != "" {
		if t, err := time.Parse(ediDateLayout, bia.Element(4)); err == nil {
			asOf = t.UTC()
		}
	}

	warehouse := ""
	if n1, _ := doc.Find("N1", 0); n1.ID != "" && n1.Element(1) == "WH" {
		warehouse = n1.Element(2)
	}

	var items []InventoryItem
	for i, seg := range doc.Segments {
		if seg.ID != "LIN" {
			continue
		}
		item := InventoryItem{
			AsOf:      asOf,
			Warehouse: warehouse,
		}
		if n, err := strconv.Atoi(seg.Element(1)); err == nil {
			item.LineNumber = n
		}
		// LIN id qualifiers come in pairs after the line number.
		for j := 2; j+1 <= len(seg.Elements); j += 2 {
			qualifier := seg.Element(j)
			value := seg.Element(j + 1)
			switch qualifier {
			case "UK", "EN": // GTIN-14 / EAN-13
				item.GTIN = value
			case "UP": // UPC-A
				item.UPC = value
			}
		}

		// The companion QTY segment follows its LIN.
		if qty, qi := doc.Find("QTY", i+1); qi != -1 && qty.Element(1) == "33" {
			n, err := strconv.Atoi(qty.Element(2))
			if err != nil {
				return nil, &domain.ContractError{Field: "QTY", Reason: "unparseable quantity: " + qty.Element(2)}
			}
			item.Quantity = n
			item.UOM = qty.Element(3)
		}

		if item.GTIN == "" && item.UPC == "" {
			return nil, &domain.ContractError{Field: "LIN", Reason: fmt.Sprintf("line %d carries no product id", item.LineNumber)}
		}
		items = append(items, item)
	}

	if len(items) == 0 {
		return nil, &domain.ContractError{Field: "LIN", Reason: "846 carries no line items"}
	}
	return items, nil
}

// Parse856 extracts shipment lines from an 856 advance ship notice.
func Parse856(doc *Document) ([]ShipNoticeItem, error) {
	docType, err := doc.Classify()
	if err != nil {
		return nil, err
	}
	if docType != DocShipNotice {
		return nil, &domain.ContractError{Field: "ST", Reason: "not an 856 document: " + docType}
	}

	poNumber := ""
	if prf, _ := doc.Find("PRF", 0); prf.ID != "" {
		poNumber = prf.Element(1)
	}

	var items []ShipNoticeItem
	for i, seg := range doc.Segments {
		if seg.ID != "LIN" {
			continue
		}
		item := ShipNoticeItem{PONumber: poNumber}
		for j := 2; j+1 <= len(seg.Elements); j += 2 {
			if q := seg.Element(j); q == "UK" || q == "EN" {
				item.GTIN = seg.Element(j + 1)
			}
		}
		if sn1, si := doc.Find("SN1", i+1); si != -1 {
			if n, err := strconv.Atoi(sn1.Element(2)); err == nil {
				item.Quantity = n
			}
			item.UOM = sn1.Element(3)
		}
		items = append(items, item)
	}
	if len(items) == 0 {
		return nil, &domain.ContractError{Field: "LIN", Reason: "856 carries no line items"}
	}
	return items, nil
}

// Parse810 reads the invoice header of an 810.
func Parse810(doc *Document) (*InvoiceSummary, error) {
	docType, err := doc.Classify()
	if err != nil {
		return nil, err
	}
	if docType != DocInvoice {
		return nil, &domain.ContractError{Field: "ST", Reason: "not an 810 document: " + docType}
	}

	big, _ := doc.Find("BIG", 0)
	if big.ID == "" {
		return nil, &domain.ContractError{Field: "BIG", Reason: "810 missing invoice header"}
	}
	summary := &InvoiceSummary{
		InvoiceNumber: big.Element(2),
		PONumber:      big.Element(4),
	}
	if t, err := time.Parse(ediDateLayout, big.Element(1)); err == nil {
		summary.InvoiceDate = t.UTC()
	}
	if tds, _ := doc.Find("TDS", 0); tds.ID != "" {
		// TDS01 is total amount in cents.
		if cents, err := strconv.ParseFloat(tds.Element(1), 64); err == nil {
			summary.TotalAmount = cents / 100
		}
	}
	for _, seg := range doc.Segments {
		if seg.ID == "IT1" {
			summary.LineCount++
		}
	}
	return summary, nil
}

// Party is a name/address block for N1/N3/N4 loops in outbound documents.
type Party struct {
	Qualifier string // BY buyer, SE seller, ST ship-to, WH warehouse
	Name      string
	Address   string
	City      string
	State     string
	Zip       string
}

// Generate850 builds an outbound 850 purchase order:
// ISA -> GS -> ST -> BEG -> N1/N3/N4 -> PO1 -> SE -> GE -> IEA, with the
// inclusive segment count stamped in SE.
func Generate850(po domain.PurchaseOrder, gtin string, parties []Party, controlNumber int, now time.Time) string {
	b := newBuilder()
	ctrl9 := fmt.Sprintf("%09d", controlNumber)
	ctrl4 := fmt.Sprintf("%04d", controlNumber%10000)

	b.add("ISA",
		"00", padRight("", 10),
		"00", padRight("", 10),
		"ZZ", padRight("SHELFOPS", 15),
		"ZZ", padRight("VENDOR", 15),
		now.UTC().Format("060102"), now.UTC().Format("1504"),
		"U", "00401", ctrl9, "0", "P", ">")
	b.add("GS", "PO", "SHELFOPS", "VENDOR", now.UTC().Format(ediDateLayout), now.UTC().Format("1504"), strconv.Itoa(controlNumber), "X", "004010")
	b.startTransaction(DocPurchaseOrder, ctrl4)
	b.add("BEG", "00", "NE", po.ID, "", now.UTC().Format(ediDateLayout))
	for _, p := range parties {
		b.add("N1", p.Qualifier, p.Name)
		if p.Address != "" {
			b.add("N3", p.Address)
		}
		if p.City != "" {
			b.add("N4", p.City, p.State, p.Zip)
		}
	}
	b.add("PO1", "1", strconv.Itoa(po.Quantity), "EA", po.UnitCost.StringFixed(2), "", "UK", gtin)
	b.endTransaction(ctrl4)
	b.add("GE", "1", strconv.Itoa(controlNumber))
	b.add("IEA", "1", ctrl9)
	return b.String()
}

// Generate846 builds an 846 inventory advice from items. Used for outbound
// advice to trading partners and as the round-trip fixture for the parser.
func Generate846(items []InventoryItem, asOf time.Time, warehouse string, controlNumber int) string {
	b := newBuilder()
	ctrl9 := fmt.Sprintf("%09d", controlNumber)
	ctrl4 := fmt.Sprintf("%04d", controlNumber%10000)

	b.add("ISA",
		"00", padRight("", 10),
		"00", padRight("", 10),
		"ZZ", padRight("SHELFOPS", 15),
		"ZZ", padRight("PARTNER", 15),
		asOf.UTC().Format("060102"), "0000",
		"U", "00401", ctrl9, "0", "P", ">")
	b.add("GS", "IB", "SHELFOPS", "PARTNER", asOf.UTC().Format(ediDateLayout), "0000", strconv.Itoa(controlNumber), "X", "004010")
	b.startTransaction(DocInventoryAdvice, ctrl4)
	b.add("BIA", "00", "MM", "ADVICE"+strconv.Itoa(controlNumber), asOf.UTC().Format(ediDateLayout))
	if warehouse != "" {
		b.add("N1", "WH", warehouse)
	}
	for i, item := range items {
		line := strconv.Itoa(i + 1)
		switch {
		case item.GTIN != "" && item.UPC != "":
			b.add("LIN", line, "UK", item.GTIN, "UP", item.UPC)
		case item.GTIN != "":
			b.add("LIN", line, "UK", item.GTIN)
		default:
			b.add("LIN", line, "UP", item.UPC)
		}
		b.add("QTY", "33", strconv.Itoa(item.Quantity), item.UOM)
	}
	b.endTransaction(ctrl4)
	b.add("GE", "1", strconv.Itoa(controlNumber))
	b.add("IEA", "1", ctrl9)
	return b.String()
}
