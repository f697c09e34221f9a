// Package edi implements the X12 document codec and the inbound-directory
// adapter for 846 inventory advice, 856 ship notices, and 810 invoices, plus
// outbound 850 purchase-order generation.
//
// The codec is deliberately low-level: segments end with '~', elements are
// separated by '*'. Classification is content-based on the ST segment, never
// on filenames.
package edi

import (
	"strconv"
	"strings"

	"github.com/aristath/shelfops/internal/domain"
)

const (
	// SegmentTerminator ends every X12 segment.
	SegmentTerminator = "~"
	// ElementSeparator splits elements inside a segment.
	ElementSeparator = "*"
)

// Document types dispatched by ST content.
const (
	DocInventoryAdvice = "846"
	DocPurchaseOrder   = "850"
	DocShipNotice      = "856"
	DocInvoice         = "810"
)

// Segment is one parsed X12 segment: an ID and its elements.
type Segment struct {
	ID       string
	Elements []string
}

// Element returns the 1-based element, or "" when absent.
func (s Segment) Element(n int) string {
	if n < 1 || n > len(s.Elements) {
		return ""
	}
	return s.Elements[n-1]
}

// Document is a split X12 interchange.
type Document struct {
	Segments []Segment
}

// Split parses raw X12 text into segments. It tolerates newlines between
// segments and a trailing terminator.
func Split(raw string) (*Document, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, &domain.ContractError{Field: "document", Reason: "empty X12 payload"}
	}

	parts := strings.Split(raw, SegmentTerminator)
	doc := &Document{}
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		elements := strings.Split(part, ElementSeparator)
		doc.Segments = append(doc.Segments, Segment{
			ID:       elements[0],
			Elements: elements[1:],
		})
	}
	if len(doc.Segments) == 0 {
		return nil, &domain.ContractError{Field: "document", Reason: "no segments found"}
	}
	return doc, nil
}

// Classify returns the transaction type carried by the first ST segment.
// The ST segment's second element is the document type; filenames never
// participate in classification.
func (d *Document) Classify() (string, error) {
	for _, seg := range d.Segments {
		if seg.ID == "ST" {
			docType := seg.Element(1)
			if docType == "" {
				return "", &domain.ContractError{Field: "ST", Reason: "missing document type element"}
			}
			return docType, nil
		}
	}
	return "", &domain.ContractError{Field: "ST", Reason: "no ST segment in interchange"}
}

// Find returns the first segment with the given ID after index from, and its
// index, or -1 when absent.
func (d *Document) Find(id string, from int) (Segment, int) {
	for i := from; i < len(d.Segments); i++ {
		if d.Segments[i].ID == id {
			return d.Segments[i], i
		}
	}
	return Segment{}, -1
}

// builder assembles an X12 interchange with correct envelope counters.
type builder struct {
	segments []string
	stIndex  int // Index of the current ST segment
}

func newBuilder() *builder {
	return &builder{stIndex: -1}
}

func (b *builder) add(elements ...string) {
	b.segments = append(b.segments, strings.Join(elements, ElementSeparator))
}

// startTransaction adds the ST segment and remembers where it is so the SE
// count can be computed.
func (b *builder) startTransaction(docType, controlNumber string) {
	b.stIndex = len(b.segments)
	b.add("ST", docType, controlNumber)
}

// endTransaction adds the SE segment with the inclusive ST..SE segment count.
func (b *builder) endTransaction(controlNumber string) {
	count := len(b.segments) - b.stIndex + 1 // ST through SE inclusive
	b.add("SE", strconv.Itoa(count), controlNumber)
}

func (b *builder) String() string {
	return strings.Join(b.segments, SegmentTerminator+"\n") + SegmentTerminator + "\n"
}

// padRight pads s with spaces to exactly n characters, as ISA fixed-width
// elements require.
func padRight(s string, n int) string {
	if len(s) >= n {
		return s[:n]
	}
	return s + strings.Repeat(" ", n-len(s))
}
