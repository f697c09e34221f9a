package edi

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/shelfops/internal/tenant"
)

// LogStatus is the processing state of one EDI document.
type LogStatus string

const (
	StatusReceived     LogStatus = "received"
	StatusParsing      LogStatus = "parsing"
	StatusProcessed    LogStatus = "processed"
	StatusFailed       LogStatus = "failed"
	StatusAcknowledged LogStatus = "acknowledged"
)

// TransactionLog is one EDI document audit row.
type TransactionLog struct {
	ID            string
	DocumentType  string
	Direction     string // inbound or outbound
	Status        LogStatus
	FileName      string
	ParsedRecords int
	Errors        []string
	CreatedAt     time.Time
}

// TransactionLogRepository persists EDI document audit rows.
type TransactionLogRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewTransactionLogRepository creates a new EDI log repository.
func NewTransactionLogRepository(db *sql.DB, log zerolog.Logger) *TransactionLogRepository {
	return &TransactionLogRepository{
		db:  db,
		log: log.With().Str("repo", "edi_log").Logger(),
	}
}

// Record writes one audit row.
func (r *TransactionLogRepository) Record(h tenant.Handle, entry TransactionLog) error {
	if err := tenant.Require(h); err != nil {
		return err
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	errs, _ := json.Marshal(entry.Errors)
	if errs == nil {
		errs = []byte("[]")
	}
	_, err := r.db.Exec(`INSERT INTO edi_transaction_logs
		(id, tenant_id, document_type, direction, status, file_name, parsed_records, errors, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, h.ID(), entry.DocumentType, entry.Direction, string(entry.Status),
		entry.FileName, entry.ParsedRecords, string(errs), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to record EDI log: %w", err)
	}
	return nil
}

// RecentFailures returns failed document counts by type since a cutoff.
func (r *TransactionLogRepository) RecentFailures(h tenant.Handle, since time.Time) (map[string]int, error) {
	if err := tenant.Require(h); err != nil {
		return nil, err
	}
	rows, err := r.db.Query(`SELECT document_type, COUNT(*) FROM edi_transaction_logs
		WHERE tenant_id = ? AND status = 'failed' AND created_at >= ?
		GROUP BY document_type`, h.ID(), since.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("failed to query EDI failures: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var docType string
		var n int
		if err := rows.Scan(&docType, &n); err != nil {
			return nil, fmt.Errorf("failed to scan EDI failure row: %w", err)
		}
		out[docType] = n
	}
	return out, rows.Err()
}
