package alerts

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/shelfops/internal/domain"
	"github.com/aristath/shelfops/internal/events"
	"github.com/aristath/shelfops/internal/modules/catalog"
	"github.com/aristath/shelfops/internal/modules/forecast"
	"github.com/aristath/shelfops/internal/modules/ledger"
	"github.com/aristath/shelfops/internal/modules/registry"
	"github.com/aristath/shelfops/internal/modules/replenish"
	"github.com/aristath/shelfops/internal/tenant"
)

// Deps bundles what every detector reads.
type Deps struct {
	Inventory *ledger.InventoryRepository
	Ledger    *ledger.TransactionRepository
	Forecasts *forecast.Repository
	Reorder   *replenish.Repository
	Catalog   *catalog.Repository
	Repo      *Repository
	// ModelVersion pins the forecast version detectors consume. Empty falls
	// back to the champion of ModelName via Versions.
	ModelVersion string
	ModelName    string
	Versions     *registry.VersionRepository
}

// version resolves the forecast version to read. Empty with no resolvable
// champion means forecast-backed detectors stay quiet.
func (d Deps) version(h tenant.Handle) (string, error) {
	if d.ModelVersion != "" {
		return d.ModelVersion, nil
	}
	if d.Versions == nil {
		return "", nil
	}
	champ, err := d.Versions.GetChampion(h, d.ModelName)
	if err == nil {
		return champ.Version, nil
	}
	if err != domain.ErrNotFound {
		return "", err
	}
	version, err := d.Versions.LastKnownChampion(h, d.ModelName)
	if err == domain.ErrNotFound {
		return "", nil
	}
	return version, err
}

// RunStats summarizes one pipeline pass.
type RunStats struct {
	Candidates int
	Deduped    int
	Persisted  int
}

// Pipeline runs detect, dedup, persist, publish. Publishing is at-least-once
// and not atomic with persistence; a crash between the two re-publishes on
// the next pass only if the detector re-fires, which dedup prevents.
type Pipeline struct {
	detectors []Detector
	repo      *Repository
	bus       *events.Manager
	log       zerolog.Logger
}

// NewPipeline creates a pipeline over the given detectors.
func NewPipeline(detectors []Detector, repo *Repository, bus *events.Manager, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		detectors: detectors,
		repo:      repo,
		bus:       bus,
		log:       log.With().Str("component", "alert_pipeline").Logger(),
	}
}

// Run executes every detector and persists deduplicated candidates. With no
// new data since the previous pass, dedup yields zero new rows.
func (p *Pipeline) Run(ctx context.Context, h tenant.Handle, asOf time.Time) (*RunStats, error) {
	if err := tenant.Require(h); err != nil {
		return nil, err
	}
	stats := &RunStats{}

	for _, detector := range p.detectors {
		if err := ctx.Err(); err != nil {
			return stats, &domain.TransientError{Op: "alert pipeline", Err: err}
		}
		candidates, err := detector.Detect(h, asOf)
		if err != nil {
			p.log.Error().Err(err).Str("detector", detector.Name()).Msg("Detector failed")
			return stats, err
		}
		stats.Candidates += len(candidates)

		for _, candidate := range candidates {
			live, err := p.repo.HasLive(h, candidate.StoreID, candidate.ProductID, candidate.Type)
			if err != nil {
				return stats, err
			}
			if live {
				stats.Deduped++
				continue
			}
			id, err := p.repo.Insert(h, candidate)
			if err != nil {
				return stats, err
			}
			stats.Persisted++

			if p.bus != nil {
				p.bus.Publish(h.ID(), events.AlertRaised{
					AlertID:   id,
					StoreID:   candidate.StoreID,
					ProductID: candidate.ProductID,
					AlertType: string(candidate.Type),
					Severity:  string(candidate.Severity),
				})
			}
		}
	}

	p.log.Info().Int("candidates", stats.Candidates).Int("deduped", stats.Deduped).
		Int("persisted", stats.Persisted).Msg("Alert pass complete")
	return stats, nil
}

// DefaultDetectors assembles the standard detector set.
func DefaultDetectors(deps Deps, shrinkageRate float64, holidays map[string]bool) []Detector {
	return []Detector{
		NewStockoutDetector(deps, shrinkageRate),
		NewReorderDetector(deps),
		NewAnomalyDetector(deps, holidays),
		NewGhostStockDetector(deps),
	}
}
