// Package registry owns the model arena: version lifecycle, the promotion
// gate, traffic routing, and shadow prediction capture.
package registry

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/shelfops/internal/domain"
	"github.com/aristath/shelfops/internal/tenant"
)

const versionColumns = `tenant_id, model_name, version, status, metrics,
	routing_weight, smoke_passed, created_at, promoted_at, archived_at`

// VersionRepository persists model versions and the champion pointer.
type VersionRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewVersionRepository creates a new version repository.
func NewVersionRepository(db *sql.DB, log zerolog.Logger) *VersionRepository {
	return &VersionRepository{
		db:  db,
		log: log.With().Str("repo", "model_versions").Logger(),
	}
}

// Register inserts a new version. Duplicate (tenant, model, version) is a
// ConflictError.
func (r *VersionRepository) Register(h tenant.Handle, v domain.ModelVersion) error {
	if err := tenant.Require(h); err != nil {
		return err
	}
	if v.Version == "" || len(v.Version) > 20 {
		return &domain.ContractError{Field: "version", Reason: "must be 1..20 chars"}
	}
	if v.Status == "" {
		v.Status = domain.StatusCandidate
	}
	metrics, err := json.Marshal(v.Metrics)
	if err != nil {
		return fmt.Errorf("failed to encode metrics: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = r.db.Exec(`INSERT INTO model_versions
		(tenant_id, model_name, version, status, metrics, routing_weight, smoke_passed, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		h.ID(), v.ModelName, v.Version, string(v.Status), string(metrics),
		v.RoutingWeight, boolToInt(v.SmokePassed), now)
	if err != nil {
		if isUniqueViolation(err) {
			return &domain.ConflictError{Entity: "model_version", ExistingID: v.Version}
		}
		return fmt.Errorf("failed to register model version: %w", err)
	}
	return nil
}

// Get returns one version or domain.ErrNotFound.
func (r *VersionRepository) Get(h tenant.Handle, modelName, version string) (*domain.ModelVersion, error) {
	if err := tenant.Require(h); err != nil {
		return nil, err
	}
	row := r.db.QueryRow(`SELECT `+versionColumns+` FROM model_versions
		WHERE tenant_id = ? AND model_name = ? AND version = ?`,
		h.ID(), modelName, version)
	return scanVersion(row)
}

// GetChampion returns the current champion or domain.ErrNotFound.
func (r *VersionRepository) GetChampion(h tenant.Handle, modelName string) (*domain.ModelVersion, error) {
	if err := tenant.Require(h); err != nil {
		return nil, err
	}
	row := r.db.QueryRow(`SELECT `+versionColumns+` FROM model_versions
		WHERE tenant_id = ? AND model_name = ? AND status = 'champion'`,
		h.ID(), modelName)
	return scanVersion(row)
}

// GetByStatus returns all versions in a status, newest first.
func (r *VersionRepository) GetByStatus(h tenant.Handle, modelName string, status domain.ModelStatus) ([]domain.ModelVersion, error) {
	if err := tenant.Require(h); err != nil {
		return nil, err
	}
	rows, err := r.db.Query(`SELECT `+versionColumns+` FROM model_versions
		WHERE tenant_id = ? AND model_name = ? AND status = ?
		ORDER BY created_at DESC`,
		h.ID(), modelName, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to query model versions: %w", err)
	}
	defer rows.Close()

	var out []domain.ModelVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}

// SetRoutingWeight raises or lowers a challenger's canary share.
func (r *VersionRepository) SetRoutingWeight(h tenant.Handle, modelName, version string, weight float64) error {
	if err := tenant.Require(h); err != nil {
		return err
	}
	if weight < 0 || weight > 1 {
		return &domain.ContractError{Field: "routing_weight", Reason: "must be in [0, 1]"}
	}
	res, err := r.db.Exec(`UPDATE model_versions SET routing_weight = ?
		WHERE tenant_id = ? AND model_name = ? AND version = ?`,
		weight, h.ID(), modelName, version)
	if err != nil {
		return fmt.Errorf("failed to set routing weight: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// LastKnownChampion reads the pointer that survives champion archival.
func (r *VersionRepository) LastKnownChampion(h tenant.Handle, modelName string) (string, error) {
	if err := tenant.Require(h); err != nil {
		return "", err
	}
	var version string
	err := r.db.QueryRow(`SELECT version FROM model_pointers
		WHERE tenant_id = ? AND model_name = ?`, h.ID(), modelName).Scan(&version)
	if err == sql.ErrNoRows {
		return "", domain.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read model pointer: %w", err)
	}
	return version, nil
}

// NextVersion mints a monotonic per-tenant version string vYYYYMMDD-NNN.
func (r *VersionRepository) NextVersion(h tenant.Handle, modelName string, now time.Time) (string, error) {
	if err := tenant.Require(h); err != nil {
		return "", err
	}
	day := now.UTC().Format("20060102")
	var counter int
	err := r.db.QueryRow(`INSERT INTO version_counters (tenant_id, model_name, day, counter)
		VALUES (?, ?, ?, 1)
		ON CONFLICT (tenant_id, model_name, day) DO UPDATE SET counter = counter + 1
		RETURNING counter`,
		h.ID(), modelName, day).Scan(&counter)
	if err != nil {
		return "", fmt.Errorf("failed to advance version counter: %w", err)
	}
	return fmt.Sprintf("v%s-%03d", day, counter), nil
}

// scanner covers *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanVersion(s scanner) (*domain.ModelVersion, error) {
	var v domain.ModelVersion
	var status, metrics, createdAt string
	var promotedAt, archivedAt sql.NullString
	var smoke int
	err := s.Scan(&v.TenantID, &v.ModelName, &v.Version, &status, &metrics,
		&v.RoutingWeight, &smoke, &createdAt, &promotedAt, &archivedAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan model version: %w", err)
	}
	v.Status = domain.ModelStatus(status)
	v.SmokePassed = smoke != 0
	if err := json.Unmarshal([]byte(metrics), &v.Metrics); err != nil {
		return nil, fmt.Errorf("failed to decode metrics for %s: %w", v.Version, err)
	}
	v.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	if promotedAt.Valid {
		t, _ := time.Parse(time.RFC3339, promotedAt.String)
		v.PromotedAt = &t
	}
	if archivedAt.Valid {
		t, _ := time.Parse(time.RFC3339, archivedAt.String)
		v.ArchivedAt = &t
	}
	return &v, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// isUniqueViolation matches sqlite's constraint error text. The modernc
// driver does not export typed errors for this.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
