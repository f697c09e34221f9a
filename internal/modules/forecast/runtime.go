package forecast

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/shelfops/internal/domain"
	"github.com/aristath/shelfops/internal/modules/features"
	"github.com/aristath/shelfops/internal/modules/registry"
	"github.com/aristath/shelfops/internal/modules/training"
	"github.com/aristath/shelfops/internal/tenant"
)

// Summary reports one generation run.
type Summary struct {
	Version string
	Horizon int
	// Count is H × |served pairs|: one row per pair per day.
	Count   int
	Skipped []SkippedPair
}

// SkippedPair names a pair that produced no forecast and why.
type SkippedPair struct {
	StoreID   string
	ProductID string
	Reason    string
}

// Runtime generates and persists forecasts from the registered champion.
type Runtime struct {
	versions  *registry.VersionRepository
	artifacts *training.ArtifactStore
	provider  FeatureProvider
	repo      *Repository
	holidays  map[string]bool
	lookback  int
	log       zerolog.Logger
	now       func() time.Time
}

// NewRuntime creates a forecast runtime. lookbackDays bounds the history the
// feature provider loads; <= 0 defaults to 120.
func NewRuntime(versions *registry.VersionRepository, artifacts *training.ArtifactStore,
	provider FeatureProvider, repo *Repository, lookbackDays int, log zerolog.Logger) *Runtime {
	if lookbackDays <= 0 {
		lookbackDays = 120
	}
	return &Runtime{
		versions:  versions,
		artifacts: artifacts,
		provider:  provider,
		repo:      repo,
		holidays:  map[string]bool{},
		lookback:  lookbackDays,
		log:       log.With().Str("component", "forecast").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetHolidays installs the holiday calendar used for temporal overrides.
func (r *Runtime) SetHolidays(dates map[string]bool) {
	r.holidays = dates
}

// Generate forecasts every pair over [today+1, today+H] and persists each day
// with delete-then-insert, so re-runs of the same day are deterministic.
// An explicit versionOverride wins over the champion, which wins over the
// last-known champion pointer. Pairs without feature history are reported as
// skipped, not failed.
func (r *Runtime) Generate(ctx context.Context, h tenant.Handle, modelName string,
	pairs [][2]string, horizon int, versionOverride string) (*Summary, error) {
	if err := tenant.Require(h); err != nil {
		return nil, err
	}
	if horizon <= 0 {
		return nil, &domain.ContractError{Field: "horizon", Reason: "must be positive"}
	}
	if len(pairs) == 0 {
		return nil, domain.ErrDataUnavailable
	}

	version, artifact, err := r.resolveArtifact(h, modelName, versionOverride)
	if err != nil {
		return nil, err
	}
	regressor, err := artifact.Regressor()
	if err != nil {
		return nil, err
	}

	today := r.now().Truncate(24 * time.Hour)
	rows, err := r.provider.Rows(h, pairs, r.lookback, today)
	if err != nil {
		return nil, err
	}

	summary := &Summary{Version: version, Horizon: horizon}
	served, skipped := r.partitionPairs(pairs, rows)
	summary.Skipped = skipped
	if len(served) == 0 {
		return summary, nil
	}

	matrix, err := features.Build(rows, features.Tier(artifact.Tier))
	if err != nil {
		return nil, err
	}
	if err := checkColumns(matrix.Columns, artifact.FeatureCols); err != nil {
		return nil, err
	}
	latest := matrix.LatestPerPair()

	confidence := artifact.Metrics.Coverage
	for d := 1; d <= horizon; d++ {
		if err := ctx.Err(); err != nil {
			return nil, &domain.TransientError{Op: "forecast generation", Err: err}
		}
		day := today.AddDate(0, 0, d)
		isHoliday := r.holidays[day.Format("2006-01-02")]

		var dayForecasts []domain.DemandForecast
		for _, pair := range served {
			vec, ok := latest[pair]
			if !ok {
				continue
			}
			overridden := features.OverrideTemporal(matrix.Columns, vec, day, isHoliday)
			preds, err := regressor.Predict([][]float64{overridden})
			if err != nil {
				return nil, err
			}
			p := preds[0]
			lower := clipNonNegative(p.P10)
			upper := clipNonNegative(p.P90)
			conf := confidence
			dayForecasts = append(dayForecasts, domain.DemandForecast{
				TenantID:   h.ID(),
				StoreID:    pair[0],
				ProductID:  pair[1],
				Date:       day,
				Version:    version,
				Demand:     clipNonNegative(p.P50),
				Lower:      &lower,
				Upper:      &upper,
				Confidence: &conf,
			})
		}
		if err := r.repo.ReplaceDay(h, version, day, dayForecasts); err != nil {
			return nil, err
		}
		summary.Count += len(dayForecasts)
	}

	r.log.Info().Str("version", version).Int("pairs", len(served)).
		Int("horizon", horizon).Int("count", summary.Count).
		Msg("Forecast generation complete")
	return summary, nil
}

// resolveArtifact applies the version precedence and falls back to the
// last-known champion pointer when the champion row or artifact is gone.
func (r *Runtime) resolveArtifact(h tenant.Handle, modelName, override string) (string, *training.Artifact, error) {
	if override != "" {
		a, err := r.artifacts.Load(h, modelName, override)
		if err != nil {
			return "", nil, err
		}
		return override, a, nil
	}

	champ, err := r.versions.GetChampion(h, modelName)
	if err == nil {
		if a, loadErr := r.artifacts.Load(h, modelName, champ.Version); loadErr == nil {
			return champ.Version, a, nil
		} else {
			r.log.Warn().Err(loadErr).Str("version", champ.Version).
				Msg("Champion artifact unreadable, falling back to pointer")
		}
	} else if !errors.Is(err, domain.ErrNotFound) {
		return "", nil, err
	}

	pointer, err := r.versions.LastKnownChampion(h, modelName)
	if err != nil {
		return "", nil, err
	}
	a, err := r.artifacts.Load(h, modelName, pointer)
	if err != nil {
		return "", nil, err
	}
	return pointer, a, nil
}

// partitionPairs splits the request into pairs with feature history and
// pairs without any.
func (r *Runtime) partitionPairs(pairs [][2]string, rows []features.Row) ([][2]string, []SkippedPair) {
	have := make(map[[2]string]bool)
	for _, row := range rows {
		have[[2]string{row.StoreID, row.ProductID}] = true
	}
	var served [][2]string
	var skipped []SkippedPair
	for _, pair := range pairs {
		if have[pair] {
			served = append(served, pair)
		} else {
			skipped = append(skipped, SkippedPair{StoreID: pair[0], ProductID: pair[1], Reason: "no feature history"})
		}
	}
	return served, skipped
}

// checkColumns verifies prediction rebuilds exactly the column set the
// artifact recorded.
func checkColumns(built []features.Column, recorded []string) error {
	if len(built) != len(recorded) {
		return &domain.ContractError{Field: "feature_cols",
			Reason: fmt.Sprintf("built %d columns, artifact recorded %d", len(built), len(recorded))}
	}
	for i, col := range built {
		if col.Name != recorded[i] {
			return &domain.ContractError{Field: "feature_cols",
				Reason: fmt.Sprintf("column %d is %s, artifact recorded %s", i, col.Name, recorded[i])}
		}
	}
	return nil
}

func clipNonNegative(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}
