// Package alerts runs the detector pass: stockout prediction, reorder
// recommendation, statistical anomalies, and ghost stock. Candidates dedup
// against live alerts before persisting, then broadcast on the event bus.
package alerts

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/shelfops/internal/domain"
	"github.com/aristath/shelfops/internal/tenant"
)

const alertColumns = `id, tenant_id, store_id, product_id, alert_type, severity,
	status, message, metadata, created_at, updated_at`

// Repository persists alerts and anomaly facts.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates an alert repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{db: db, log: log.With().Str("repo", "alerts").Logger()}
}

// Insert writes one alert; blank id and timestamps are filled in.
func (r *Repository) Insert(h tenant.Handle, a domain.Alert) (string, error) {
	if err := tenant.Require(h); err != nil {
		return "", err
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Status == "" {
		a.Status = domain.AlertOpen
	}
	metadata, _ := json.Marshal(a.Metadata)
	if a.Metadata == nil {
		metadata = []byte("{}")
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := r.db.Exec(`INSERT INTO alerts
		(id, tenant_id, store_id, product_id, alert_type, severity, status, message, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, h.ID(), a.StoreID, a.ProductID, string(a.Type), string(a.Severity),
		string(a.Status), a.Message, string(metadata), now, now)
	if err != nil {
		return "", fmt.Errorf("failed to insert alert: %w", err)
	}
	return a.ID, nil
}

// Get returns one alert or domain.ErrNotFound.
func (r *Repository) Get(h tenant.Handle, id string) (*domain.Alert, error) {
	if err := tenant.Require(h); err != nil {
		return nil, err
	}
	row := r.db.QueryRow(`SELECT `+alertColumns+` FROM alerts
		WHERE tenant_id = ? AND id = ?`, h.ID(), id)
	return scanAlert(row)
}

// List returns alerts, optionally filtered by status, newest first.
func (r *Repository) List(h tenant.Handle, status domain.AlertStatus, limit int) ([]domain.Alert, error) {
	if err := tenant.Require(h); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + alertColumns + ` FROM alerts WHERE tenant_id = ?`
	args := []any{h.ID()}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer rows.Close()

	var out []domain.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// HasLive reports whether an open or acknowledged alert already exists for
// (store, product, type). Dedup key for the pipeline.
func (r *Repository) HasLive(h tenant.Handle, storeID, productID string, alertType domain.AlertType) (bool, error) {
	if err := tenant.Require(h); err != nil {
		return false, err
	}
	var n int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM alerts
		WHERE tenant_id = ? AND store_id = ? AND product_id = ? AND alert_type = ?
		  AND status IN ('open', 'acknowledged')`,
		h.ID(), storeID, productID, string(alertType)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check live alerts: %w", err)
	}
	return n > 0, nil
}

// InsertAnomaly writes one anomaly fact.
func (r *Repository) InsertAnomaly(h tenant.Handle, a domain.Anomaly) error {
	if err := tenant.Require(h); err != nil {
		return err
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	details, _ := json.Marshal(a.Details)
	if a.Details == nil {
		details = []byte("{}")
	}
	_, err := r.db.Exec(`INSERT INTO anomalies
		(id, tenant_id, store_id, product_id, kind, score, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, h.ID(), a.StoreID, a.ProductID, a.Kind, a.Score, string(details),
		time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to insert anomaly: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAlert(s rowScanner) (*domain.Alert, error) {
	var a domain.Alert
	var alertType, severity, status, metadata, createdAt, updatedAt string
	err := s.Scan(&a.ID, &a.TenantID, &a.StoreID, &a.ProductID, &alertType,
		&severity, &status, &a.Message, &metadata, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan alert: %w", err)
	}
	a.Type = domain.AlertType(alertType)
	a.Severity = domain.Severity(severity)
	a.Status = domain.AlertStatus(status)
	if err := json.Unmarshal([]byte(metadata), &a.Metadata); err != nil {
		a.Metadata = map[string]any{}
	}
	a.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	a.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &a, nil
}
