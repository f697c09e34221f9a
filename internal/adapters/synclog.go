package adapters

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/shelfops/internal/tenant"
)

// SyncLogRepository persists one IntegrationSyncLog row per adapter sync.
type SyncLogRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewSyncLogRepository creates a new sync log repository.
func NewSyncLogRepository(db *sql.DB, log zerolog.Logger) *SyncLogRepository {
	return &SyncLogRepository{
		db:  db,
		log: log.With().Str("repo", "sync_log").Logger(),
	}
}

// Record writes a sync log row. Logging failures are reported but must not
// fail the sync that produced the result.
func (r *SyncLogRepository) Record(h tenant.Handle, kind Kind, syncType string, res *SyncResult) error {
	if err := tenant.Require(h); err != nil {
		return err
	}
	errs, _ := json.Marshal(res.Errors)
	if errs == nil {
		errs = []byte("[]")
	}
	meta, _ := json.Marshal(res.Metadata)
	if meta == nil {
		meta = []byte("{}")
	}
	_, err := r.db.Exec(`INSERT INTO integration_sync_logs
		(id, tenant_id, adapter, sync_type, status, records_processed, records_failed,
		 errors, metadata, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), h.ID(), string(kind), syncType, string(res.Status),
		res.RecordsProcessed, res.RecordsFailed, string(errs), string(meta),
		res.StartedAt.Format(time.RFC3339), res.CompletedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to record sync log: %w", err)
	}
	return nil
}

// LastCompleted returns the completion time of the most recent successful or
// partial sync for an adapter, or the zero time when none exists.
func (r *SyncLogRepository) LastCompleted(h tenant.Handle, kind Kind) (time.Time, error) {
	if err := tenant.Require(h); err != nil {
		return time.Time{}, err
	}
	var ts sql.NullString
	err := r.db.QueryRow(`SELECT MAX(completed_at) FROM integration_sync_logs
		WHERE tenant_id = ? AND adapter = ? AND status IN ('success', 'partial')`,
		h.ID(), string(kind)).Scan(&ts)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to query last sync: %w", err)
	}
	if !ts.Valid {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, ts.String)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse sync timestamp: %w", err)
	}
	return t, nil
}
