// Package adapters defines the ingestion capability set shared by all source
// adapters and the standard SyncResult they report with.
//
// Adapters never raise record-level failures across the pipeline boundary:
// bad records accumulate in the SyncResult and the batch continues. Only
// transport and setup failures return as errors, and the scheduler converts
// those into failed runs.
package adapters

import (
	"context"
	"time"

	"github.com/aristath/shelfops/internal/tenant"
)

// Kind tags the adapter variant. Dispatch happens by variant at the scheduler.
type Kind string

const (
	KindEDI      Kind = "edi"
	KindFlatfile Kind = "flatfile"
	KindStream   Kind = "stream"
	KindPOS      Kind = "pos"
)

// SyncStatus is the outcome class of one sync run.
type SyncStatus string

const (
	SyncSuccess SyncStatus = "success"
	SyncPartial SyncStatus = "partial"
	SyncFailed  SyncStatus = "failed"
	SyncNoData  SyncStatus = "no_data"
)

// SyncResult is the standard outcome object for any adapter run.
type SyncResult struct {
	Status           SyncStatus
	RecordsProcessed int
	RecordsFailed    int
	Errors           []string
	Metadata         map[string]any
	StartedAt        time.Time
	CompletedAt      time.Time
}

// NewSyncResult starts a result clock.
func NewSyncResult() *SyncResult {
	return &SyncResult{
		Status:    SyncNoData,
		Metadata:  make(map[string]any),
		StartedAt: time.Now().UTC(),
	}
}

// Finish stamps the completion time and derives the status from the counters
// unless a status was already forced.
func (r *SyncResult) Finish() *SyncResult {
	r.CompletedAt = time.Now().UTC()
	switch {
	case r.RecordsProcessed == 0 && r.RecordsFailed == 0:
		r.Status = SyncNoData
	case r.RecordsFailed == 0:
		r.Status = SyncSuccess
	case r.RecordsProcessed == 0:
		r.Status = SyncFailed
	default:
		r.Status = SyncPartial
	}
	return r
}

// Fail forces a failed status with a reason.
func (r *SyncResult) Fail(reason string) *SyncResult {
	r.CompletedAt = time.Now().UTC()
	r.Status = SyncFailed
	r.Errors = append(r.Errors, reason)
	return r
}

// AddError records one record-level failure.
func (r *SyncResult) AddError(err error) {
	r.RecordsFailed++
	if len(r.Errors) < 50 { // Cap the error list; counts stay exact
		r.Errors = append(r.Errors, err.Error())
	}
}

// Adapter is the capability set every ingestion source implements.
type Adapter interface {
	Kind() Kind
	TestConnection(ctx context.Context) error
	SyncStores(ctx context.Context, h tenant.Handle) (*SyncResult, error)
	SyncProducts(ctx context.Context, h tenant.Handle) (*SyncResult, error)
	SyncTransactions(ctx context.Context, h tenant.Handle) (*SyncResult, error)
	SyncInventory(ctx context.Context, h tenant.Handle) (*SyncResult, error)
}
