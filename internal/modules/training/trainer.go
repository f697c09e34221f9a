package training

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/shelfops/internal/contract"
	"github.com/aristath/shelfops/internal/domain"
	"github.com/aristath/shelfops/internal/modules/features"
	"github.com/aristath/shelfops/internal/modules/registry"
	"github.com/aristath/shelfops/internal/tenant"
)

// Options steer one training run.
type Options struct {
	ModelName           string
	ForceTier           features.Tier // Empty = auto-detect
	RidgeWeight         float64
	SeasonalWeight      float64
	RidgeLambda         float64
	EnableSeasonalNaive bool
	CVFolds             int
	Trigger             string // initial, scheduled, drift, manual
	Thresholds          *contract.Thresholds
}

// Result is the outcome of one training run.
type Result struct {
	Version  string
	Tier     features.Tier
	Metrics  domain.ModelMetrics
	Artifact *Artifact
}

// Trainer fits the ensemble, validates it, and registers the new version.
type Trainer struct {
	db       *sql.DB
	versions *registry.VersionRepository
	store    *ArtifactStore
	log      zerolog.Logger
}

// NewTrainer creates a trainer.
func NewTrainer(db *sql.DB, versions *registry.VersionRepository, store *ArtifactStore, log zerolog.Logger) *Trainer {
	return &Trainer{
		db:       db,
		versions: versions,
		store:    store,
		log:      log.With().Str("component", "trainer").Logger(),
	}
}

// Train runs the full pipeline: DQ gate, feature build, cross-validation,
// final fit, artifact save, registry insert, retraining-log row. A failing
// DQ gate refuses training outright.
func (t *Trainer) Train(h tenant.Handle, rows []features.Row, report *contract.DQReport, opts Options) (*Result, error) {
	if err := tenant.Require(h); err != nil {
		return nil, err
	}
	if opts.ModelName == "" {
		return nil, &domain.ContractError{Field: "model_name", Reason: "required"}
	}
	if report != nil {
		thresholds := contract.DefaultThresholds()
		if opts.Thresholds != nil {
			thresholds = *opts.Thresholds
		}
		if err := report.Gate(thresholds); err != nil {
			return nil, err
		}
	}

	tier := opts.ForceTier
	if tier == "" {
		tier = features.DetectTier(rows)
	}
	matrix, err := features.Build(rows, tier)
	if err != nil {
		return nil, err
	}

	dowIndex := matrix.ColumnIndex("day_of_week")
	weights := t.normalizedWeights(opts)
	factory := func() Regressor {
		return t.buildEnsemble(opts, weights, dowIndex)
	}

	cv, err := CrossValidate(factory, matrix.X, matrix.Y, opts.CVFolds)
	if err != nil {
		return nil, err
	}

	final := factory()
	if err := final.Fit(matrix.X, matrix.Y); err != nil {
		return nil, err
	}

	version, err := t.versions.NextVersion(h, opts.ModelName, time.Now())
	if err != nil {
		return nil, err
	}

	metrics := domain.ModelMetrics{
		MAE:          cv.MAE,
		MAPE:         cv.MAPE,
		Coverage:     cv.Coverage,
		TrainingRows: len(matrix.Y),
		Tier:         string(tier),
	}
	artifact := &Artifact{
		ModelName:      opts.ModelName,
		Version:        version,
		Tier:           string(tier),
		FeatureCols:    columnNames(matrix.Columns),
		Weights:        weights,
		TrainingRows:   len(matrix.Y),
		Metrics:        metrics,
		TrainedAt:      time.Now().UTC(),
		SchemaRevision: 1,
	}
	t.attachModels(artifact, final)

	if err := t.store.Save(h, artifact); err != nil {
		return nil, err
	}
	if err := t.versions.Register(h, domain.ModelVersion{
		ModelName: opts.ModelName,
		Version:   version,
		Status:    domain.StatusCandidate,
		Metrics:   metrics,
	}); err != nil {
		return nil, err
	}
	if err := t.logRetraining(h, opts, version, metrics); err != nil {
		t.log.Warn().Err(err).Msg("Failed to record retraining log")
	}

	t.log.Info().Str("model", opts.ModelName).Str("version", version).
		Str("tier", string(tier)).Int("rows", len(matrix.Y)).
		Float64("mae", cv.MAE).Float64("mape", cv.MAPE).
		Msg("Training complete")
	return &Result{Version: version, Tier: tier, Metrics: metrics, Artifact: artifact}, nil
}

func (t *Trainer) normalizedWeights(opts Options) map[string]float64 {
	rw := opts.RidgeWeight
	sw := opts.SeasonalWeight
	if !opts.EnableSeasonalNaive {
		sw = 0
	}
	if rw <= 0 && sw <= 0 {
		rw = 1
	}
	total := rw + sw
	weights := map[string]float64{"ridge": rw / total}
	if sw > 0 {
		weights["seasonal_naive"] = sw / total
	}
	return weights
}

func (t *Trainer) buildEnsemble(opts Options, weights map[string]float64, dowIndex int) Regressor {
	ridge := NewRidge(opts.RidgeLambda)
	if weights["seasonal_naive"] <= 0 {
		return ridge
	}
	return NewEnsemble(
		[]Regressor{ridge, NewSeasonalNaive(dowIndex)},
		[]float64{weights["ridge"], weights["seasonal_naive"]},
	)
}

// attachModels records the fitted members in the artifact. The final
// regressor is either a bare Ridge or the two-member ensemble built above.
func (t *Trainer) attachModels(a *Artifact, final Regressor) {
	switch reg := final.(type) {
	case *Ridge:
		a.Ridge = reg
	case *Ensemble:
		for _, m := range reg.members {
			switch member := m.(type) {
			case *Ridge:
				a.Ridge = member
			case *SeasonalNaive:
				a.Seasonal = member
			}
		}
	}
}

func (t *Trainer) logRetraining(h tenant.Handle, opts Options, version string, metrics domain.ModelMetrics) error {
	blob, _ := json.Marshal(metrics)
	trigger := opts.Trigger
	if trigger == "" {
		trigger = "manual"
	}
	_, err := t.db.Exec(`INSERT INTO model_retraining_log
		(id, tenant_id, model_name, version, trigger_reason, training_rows, metrics, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), h.ID(), opts.ModelName, version, trigger,
		metrics.TrainingRows, string(blob), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to insert retraining log: %w", err)
	}
	return nil
}

func columnNames(cols []features.Column) []string {
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	return names
}
