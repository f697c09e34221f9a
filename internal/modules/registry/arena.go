package registry

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/shelfops/internal/database"
	"github.com/aristath/shelfops/internal/domain"
	"github.com/aristath/shelfops/internal/tenant"
)

// Arena runs the promotion gate over registered versions.
type Arena struct {
	db        *sql.DB
	versions  *VersionRepository
	threshold float64 // Candidate must reach champion × threshold on MAE and MAPE
	log       zerolog.Logger
}

// NewArena creates the arena. threshold defaults to 0.95 when out of range.
func NewArena(db *sql.DB, versions *VersionRepository, threshold float64, log zerolog.Logger) *Arena {
	if threshold <= 0 || threshold > 1 {
		threshold = 0.95
	}
	return &Arena{
		db:        db,
		versions:  versions,
		threshold: threshold,
		log:       log.With().Str("component", "arena").Logger(),
	}
}

// GateResult reports one promotion evaluation.
type GateResult struct {
	Promoted         bool
	Reason           string
	PreviousChampion string
}

// EvaluateForPromotion runs the gate for a candidate version. The first
// candidate auto-promotes; otherwise the candidate must beat the champion on
// MAE and MAPE by the threshold margin without losing coverage. Promotion
// archives the old champion and crowns the new one in one transaction, so a
// reader never sees zero or two champions.
func (a *Arena) EvaluateForPromotion(h tenant.Handle, modelName, candidateVersion string) (*GateResult, error) {
	if err := tenant.Require(h); err != nil {
		return nil, err
	}
	cand, err := a.versions.Get(h, modelName, candidateVersion)
	if err != nil {
		return nil, err
	}
	if cand.Status == domain.StatusChampion {
		return &GateResult{Promoted: false, Reason: "already champion"}, nil
	}
	if cand.Status == domain.StatusArchived {
		return nil, &domain.StateError{Entity: "model_version", From: string(cand.Status), To: string(domain.StatusChampion)}
	}

	champ, err := a.versions.GetChampion(h, modelName)
	if err != nil && err != domain.ErrNotFound {
		return nil, err
	}

	if champ == nil {
		if err := a.promote(h, modelName, candidateVersion, ""); err != nil {
			return nil, err
		}
		a.log.Info().Str("model", modelName).Str("version", candidateVersion).
			Msg("First candidate auto-promoted to champion")
		return &GateResult{Promoted: true, Reason: "first candidate"}, nil
	}

	reason, pass := a.gate(cand.Metrics, champ.Metrics)
	if !pass {
		// Losing the gate leaves the candidate as a shadow challenger.
		if err := a.setStatus(h, modelName, candidateVersion, domain.StatusChallenger, nil); err != nil {
			return nil, err
		}
		return &GateResult{Promoted: false, Reason: reason, PreviousChampion: champ.Version}, nil
	}

	if err := a.promote(h, modelName, candidateVersion, champ.Version); err != nil {
		return nil, err
	}
	a.log.Info().Str("model", modelName).
		Str("version", candidateVersion).Str("replaces", champ.Version).
		Msg("Candidate promoted to champion")
	return &GateResult{Promoted: true, Reason: reason, PreviousChampion: champ.Version}, nil
}

// gate returns the comparison narrative and whether the candidate passes.
func (a *Arena) gate(cand, champ domain.ModelMetrics) (string, bool) {
	if cand.MAE > champ.MAE*a.threshold {
		return fmt.Sprintf("MAE %.4f > champion %.4f × %.2f", cand.MAE, champ.MAE, a.threshold), false
	}
	if cand.MAPE > champ.MAPE*a.threshold {
		return fmt.Sprintf("MAPE %.4f > champion %.4f × %.2f", cand.MAPE, champ.MAPE, a.threshold), false
	}
	if cand.Coverage < champ.Coverage {
		return fmt.Sprintf("coverage %.3f < champion %.3f", cand.Coverage, champ.Coverage), false
	}
	return fmt.Sprintf("MAE %.4f vs %.4f, MAPE %.4f vs %.4f", cand.MAE, champ.MAE, cand.MAPE, champ.MAPE), true
}

// promote archives oldVersion (when set), crowns newVersion, and updates the
// last-known pointer, all in one transaction.
func (a *Arena) promote(h tenant.Handle, modelName, newVersion, oldVersion string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	return database.WithTransaction(a.db, func(tx *sql.Tx) error {
		if oldVersion != "" {
			if _, err := tx.Exec(`UPDATE model_versions
				SET status = 'archived', routing_weight = 0, archived_at = ?
				WHERE tenant_id = ? AND model_name = ? AND version = ? AND status = 'champion'`,
				now, h.ID(), modelName, oldVersion); err != nil {
				return fmt.Errorf("failed to archive champion %s: %w", oldVersion, err)
			}
		}
		res, err := tx.Exec(`UPDATE model_versions
			SET status = 'champion', routing_weight = 1.0, promoted_at = ?
			WHERE tenant_id = ? AND model_name = ? AND version = ?`,
			now, h.ID(), modelName, newVersion)
		if err != nil {
			return fmt.Errorf("failed to promote %s: %w", newVersion, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return domain.ErrNotFound
		}
		if _, err := tx.Exec(`INSERT INTO model_pointers (tenant_id, model_name, version, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (tenant_id, model_name) DO UPDATE SET version = excluded.version, updated_at = excluded.updated_at`,
			h.ID(), modelName, newVersion, now); err != nil {
			return fmt.Errorf("failed to update champion pointer: %w", err)
		}
		return nil
	})
}

func (a *Arena) setStatus(h tenant.Handle, modelName, version string, status domain.ModelStatus, weight *float64) error {
	query := `UPDATE model_versions SET status = ?`
	args := []any{string(status)}
	if weight != nil {
		query += `, routing_weight = ?`
		args = append(args, *weight)
	}
	query += ` WHERE tenant_id = ? AND model_name = ? AND version = ?`
	args = append(args, h.ID(), modelName, version)
	res, err := a.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("failed to set status %s on %s: %w", status, version, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}
