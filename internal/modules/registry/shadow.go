package registry

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/shelfops/internal/tenant"
)

// ShadowPrediction is one champion/challenger prediction pair captured while
// a challenger shadows live traffic.
type ShadowPrediction struct {
	ID                string
	ModelName         string
	StoreID           string
	ProductID         string
	ForecastDate      time.Time
	ChampionVersion   string
	ChallengerVersion string
	ChampionValue     float64
	ChallengerValue   float64
}

// ShadowPredictionRepository persists shadow pairs for later comparison.
type ShadowPredictionRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewShadowPredictionRepository creates a new shadow repository.
func NewShadowPredictionRepository(db *sql.DB, log zerolog.Logger) *ShadowPredictionRepository {
	return &ShadowPredictionRepository{
		db:  db,
		log: log.With().Str("repo", "shadow_predictions").Logger(),
	}
}

// Insert writes one shadow pair.
func (r *ShadowPredictionRepository) Insert(h tenant.Handle, p ShadowPrediction) error {
	if err := tenant.Require(h); err != nil {
		return err
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	_, err := r.db.Exec(`INSERT INTO shadow_predictions
		(id, tenant_id, model_name, store_id, product_id, forecast_date,
		 champion_version, challenger_version, champion_value, challenger_value, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, h.ID(), p.ModelName, p.StoreID, p.ProductID,
		p.ForecastDate.UTC().Format("2006-01-02"),
		p.ChampionVersion, p.ChallengerVersion, p.ChampionValue, p.ChallengerValue,
		time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to insert shadow prediction: %w", err)
	}
	return nil
}

// Divergence summarizes champion vs challenger absolute gaps for one
// challenger version over a window.
func (r *ShadowPredictionRepository) Divergence(h tenant.Handle, modelName, challengerVersion string, since time.Time) (meanAbsGap float64, n int, err error) {
	if err := tenant.Require(h); err != nil {
		return 0, 0, err
	}
	err = r.db.QueryRow(`SELECT COALESCE(AVG(ABS(champion_value - challenger_value)), 0), COUNT(*)
		FROM shadow_predictions
		WHERE tenant_id = ? AND model_name = ? AND challenger_version = ? AND created_at >= ?`,
		h.ID(), modelName, challengerVersion, since.UTC().Format(time.RFC3339)).Scan(&meanAbsGap, &n)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to summarize shadow divergence: %w", err)
	}
	return meanAbsGap, n, nil
}
