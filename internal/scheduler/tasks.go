package scheduler

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/shelfops/internal/adapters"
	"github.com/aristath/shelfops/internal/config"
	"github.com/aristath/shelfops/internal/domain"
	"github.com/aristath/shelfops/internal/events"
	"github.com/aristath/shelfops/internal/modules/alerts"
	"github.com/aristath/shelfops/internal/modules/backtest"
	"github.com/aristath/shelfops/internal/modules/forecast"
	"github.com/aristath/shelfops/internal/modules/ledger"
	"github.com/aristath/shelfops/internal/modules/registry"
	"github.com/aristath/shelfops/internal/modules/replenish"
	"github.com/aristath/shelfops/internal/modules/training"
	"github.com/aristath/shelfops/internal/tenant"
)

// EveryCadence renders an interval as a cron @every spec.
func EveryCadence(d time.Duration) string {
	return "@every " + d.String()
}

// DailyCadence renders an "HH:MM" clock as a daily cron spec.
func DailyCadence(clock string) string {
	hour, minute, err := config.ParseClock(clock)
	if err != nil {
		hour, minute = 6, 0
	}
	return fmt.Sprintf("0 %d %d * * *", minute, hour)
}

// WeeklyCadence renders an "HH:MM" clock as a Sunday cron spec.
func WeeklyCadence(clock string) string {
	hour, minute, err := config.ParseClock(clock)
	if err != nil {
		hour, minute = 7, 0
	}
	return fmt.Sprintf("0 %d %d * * SUN", minute, hour)
}

// resolveVersion picks the serving forecast version: live champion first,
// then the pointer that survives archival.
func resolveVersion(versions *registry.VersionRepository, h tenant.Handle, modelName string) (string, error) {
	champ, err := versions.GetChampion(h, modelName)
	if err == nil {
		return champ.Version, nil
	}
	if err != domain.ErrNotFound {
		return "", err
	}
	return versions.LastKnownChampion(h, modelName)
}

// SyncTask drives one ingestion adapter through its four sync phases.
type SyncTask struct {
	Adapter  adapters.Adapter
	Interval time.Duration
	Bus      *events.Manager
	Log      zerolog.Logger
}

func (t *SyncTask) Name() string    { return "sync_" + string(t.Adapter.Kind()) }
func (t *SyncTask) Cadence() string { return EveryCadence(t.Interval) }
func (t *SyncTask) Retries() int    { return 3 }

func (t *SyncTask) Run(ctx context.Context, h tenant.Handle) (*TaskSummary, error) {
	summary := &TaskSummary{Counts: map[string]int{}}

	phases := []struct {
		name string
		sync func(context.Context, tenant.Handle) (*adapters.SyncResult, error)
	}{
		{"stores", t.Adapter.SyncStores},
		{"products", t.Adapter.SyncProducts},
		{"transactions", t.Adapter.SyncTransactions},
		{"inventory", t.Adapter.SyncInventory},
	}
	for _, phase := range phases {
		result, err := phase.sync(ctx, h)
		if err != nil {
			return summary, err
		}
		summary.Counts[phase.name+"_processed"] = result.RecordsProcessed
		summary.Counts[phase.name+"_failed"] = result.RecordsFailed
		if result.Status == adapters.SyncPartial {
			summary.Reasons = append(summary.Reasons,
				fmt.Sprintf("%s sync partial: %d failed", phase.name, result.RecordsFailed))
		}
		if t.Bus != nil {
			t.Bus.Publish(h.ID(), events.SyncCompleted{
				Adapter:          string(t.Adapter.Kind()),
				SyncType:         phase.name,
				Status:           string(result.Status),
				RecordsProcessed: result.RecordsProcessed,
				RecordsFailed:    result.RecordsFailed,
			})
		}
	}
	return summary, nil
}

// PipelineTask runs an alert detector pass.
type PipelineTask struct {
	TaskName string
	Pipeline *alerts.Pipeline
	Every    string // Cadence spec
	MaxTries int
}

func (t *PipelineTask) Name() string    { return t.TaskName }
func (t *PipelineTask) Cadence() string { return t.Every }
func (t *PipelineTask) Retries() int    { return t.MaxTries }

func (t *PipelineTask) Run(ctx context.Context, h tenant.Handle) (*TaskSummary, error) {
	stats, err := t.Pipeline.Run(ctx, h, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	return &TaskSummary{Counts: map[string]int{
		"candidates": stats.Candidates,
		"deduped":    stats.Deduped,
		"persisted":  stats.Persisted,
	}}, nil
}

// BacktestTask evaluates stored forecasts against realized sales.
type BacktestTask struct {
	TaskName string
	Runner   *backtest.Runner
	Versions *registry.VersionRepository
	Model    string
	Params   backtest.Params
	Spec     string
}

func (t *BacktestTask) Name() string    { return t.TaskName }
func (t *BacktestTask) Cadence() string { return t.Spec }
func (t *BacktestTask) Retries() int    { return 2 }

func (t *BacktestTask) Run(ctx context.Context, h tenant.Handle) (*TaskSummary, error) {
	version, err := resolveVersion(t.Versions, h, t.Model)
	if err == domain.ErrNotFound {
		return &TaskSummary{Reasons: []string{"no model version yet"}}, nil
	}
	if err != nil {
		return nil, err
	}
	windows, err := t.Runner.Run(h, version, t.Params, time.Now().UTC())
	if err == domain.ErrDataUnavailable {
		return &TaskSummary{Reasons: []string{"no forecast/actual overlap"}}, nil
	}
	if err != nil {
		return nil, err
	}
	return &TaskSummary{Counts: map[string]int{"windows": len(windows)}}, nil
}

// RetrainTask retrains weekly or on drift, runs the promotion gate, and
// chains the After hook (forecast regeneration) when a run happened.
type RetrainTask struct {
	DB       *sql.DB
	Ledger   *ledger.TransactionRepository
	Provider forecast.FeatureProvider
	Trainer  *training.Trainer
	Arena    *registry.Arena
	Runner   *backtest.Runner
	Versions *registry.VersionRepository
	Bus      *events.Manager

	Model        string
	EveryDays    int
	DriftMAPE    float64
	LookbackDays int
	TrainOpts    training.Options
	Spec         string
	After        func(ctx context.Context, h tenant.Handle) error
}

func (t *RetrainTask) Name() string    { return "retrain" }
func (t *RetrainTask) Cadence() string { return t.Spec }
func (t *RetrainTask) Retries() int    { return 2 }

func (t *RetrainTask) Run(ctx context.Context, h tenant.Handle) (*TaskSummary, error) {
	trigger, err := t.trigger(h)
	if err != nil {
		return nil, err
	}
	if trigger == "" {
		return &TaskSummary{Reasons: []string{"no retrain trigger"}}, nil
	}

	pairs, err := t.Ledger.Pairs(h)
	if err != nil {
		return nil, err
	}
	if len(pairs) == 0 {
		return &TaskSummary{Reasons: []string{"no transaction history"}}, nil
	}
	rows, err := t.Provider.Rows(h, pairs, t.LookbackDays, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	opts := t.TrainOpts
	opts.ModelName = t.Model
	opts.Trigger = trigger
	result, err := t.Trainer.Train(h, rows, nil, opts)
	if err == domain.ErrDataUnavailable {
		return &TaskSummary{Reasons: []string{"insufficient feature history"}}, nil
	}
	if err != nil {
		return nil, err
	}

	gate, err := t.Arena.EvaluateForPromotion(h, t.Model, result.Version)
	if err != nil {
		return nil, err
	}
	summary := &TaskSummary{
		Counts:  map[string]int{"training_rows": result.Metrics.TrainingRows},
		Reasons: []string{fmt.Sprintf("trigger=%s version=%s gate=%s", trigger, result.Version, gate.Reason)},
	}
	if gate.Promoted && t.Bus != nil {
		t.Bus.Publish(h.ID(), events.ModelPromoted{
			ModelName:   t.Model,
			Version:     result.Version,
			OldChampion: gate.PreviousChampion,
		})
	}

	if t.After != nil {
		if err := t.After(ctx, h); err != nil {
			summary.Reasons = append(summary.Reasons, "post-retrain chain: "+err.Error())
		}
	}
	return summary, nil
}

// trigger decides initial, scheduled, or drift; empty means skip this beat.
func (t *RetrainTask) trigger(h tenant.Handle) (string, error) {
	var lastStr sql.NullString
	err := t.DB.QueryRow(`SELECT MAX(created_at) FROM model_retraining_log
		WHERE tenant_id = ? AND model_name = ?`, h.ID(), t.Model).Scan(&lastStr)
	if err != nil {
		return "", fmt.Errorf("failed to read retraining log: %w", err)
	}
	if !lastStr.Valid || lastStr.String == "" {
		return "initial", nil
	}
	last, err := time.Parse(time.RFC3339, lastStr.String)
	if err != nil {
		return "initial", nil
	}
	if time.Since(last) >= time.Duration(t.EveryDays)*24*time.Hour {
		return "scheduled", nil
	}

	version, err := resolveVersion(t.Versions, h, t.Model)
	if err == domain.ErrNotFound {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	mape, n, err := t.Runner.RollingMAPE(h, version, 14, time.Now().UTC())
	if err != nil {
		return "", err
	}
	if n > 0 && mape > t.DriftMAPE {
		return "drift", nil
	}
	return "", nil
}

// ForecastTask regenerates forecasts, shadows the active challenger, and
// re-optimizes reorder policies.
type ForecastTask struct {
	Runtime   *forecast.Runtime
	Ledger    *ledger.TransactionRepository
	Optimizer *replenish.Optimizer
	Router    *registry.Router
	Shadow    *registry.ShadowPredictionRepository
	Forecasts *forecast.Repository
	Bus       *events.Manager

	Model        string
	Horizon      int
	ServiceLevel float64
	Spec         string
}

func (t *ForecastTask) Name() string    { return "forecast" }
func (t *ForecastTask) Cadence() string { return t.Spec }
func (t *ForecastTask) Retries() int    { return 2 }

func (t *ForecastTask) Run(ctx context.Context, h tenant.Handle) (*TaskSummary, error) {
	pairs, err := t.Ledger.Pairs(h)
	if err != nil {
		return nil, err
	}
	if len(pairs) == 0 {
		return &TaskSummary{Reasons: []string{"no transaction history"}}, nil
	}

	gen, err := t.Runtime.Generate(ctx, h, t.Model, pairs, t.Horizon, "")
	if err == domain.ErrNotFound || err == domain.ErrDataUnavailable {
		return &TaskSummary{Reasons: []string{"no servable model: " + err.Error()}}, nil
	}
	if err != nil {
		return nil, err
	}
	summary := &TaskSummary{Counts: map[string]int{
		"forecast_rows": gen.Count,
		"skipped_pairs": len(gen.Skipped),
	}}
	if t.Bus != nil {
		t.Bus.Publish(h.ID(), events.ForecastReady{
			Version: gen.Version, Horizon: gen.Horizon, Count: gen.Count,
		})
	}

	if shadowed, err := t.shadowChallenger(ctx, h, pairs, gen.Version); err != nil {
		summary.Reasons = append(summary.Reasons, "shadow pass: "+err.Error())
	} else if shadowed > 0 {
		summary.Counts["shadow_pairs"] = shadowed
	}

	decisions, err := t.Optimizer.Optimize(ctx, h, pairs, replenish.Options{
		Horizon:      t.Horizon,
		ServiceLevel: t.ServiceLevel,
		ModelVersion: gen.Version,
	})
	if err != nil {
		return summary, err
	}
	updated := 0
	for _, d := range decisions {
		if d.Updated {
			updated++
		}
	}
	summary.Counts["reorder_updates"] = updated
	return summary, nil
}

// shadowChallenger generates the active challenger's forecasts alongside the
// champion and records tomorrow's prediction pairs for divergence tracking.
func (t *ForecastTask) shadowChallenger(ctx context.Context, h tenant.Handle,
	pairs [][2]string, championVersion string) (int, error) {
	if t.Router == nil || t.Shadow == nil || t.Forecasts == nil {
		return 0, nil
	}
	route, err := t.Router.Resolve(h, t.Model, "", registry.StrategyShadow)
	if err == domain.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if route.Shadow == "" {
		return 0, nil
	}

	if _, err := t.Runtime.Generate(ctx, h, t.Model, pairs, t.Horizon, route.Shadow); err != nil {
		return 0, err
	}

	tomorrow := time.Now().UTC().Truncate(24 * time.Hour).AddDate(0, 0, 1)
	shadowed := 0
	for _, pair := range pairs {
		champ, err := t.Forecasts.NextDays(h, pair[0], pair[1], championVersion, tomorrow, 1)
		if err != nil {
			return shadowed, err
		}
		chal, err := t.Forecasts.NextDays(h, pair[0], pair[1], route.Shadow, tomorrow, 1)
		if err != nil {
			return shadowed, err
		}
		if len(champ) == 0 || len(chal) == 0 {
			continue
		}
		if err := t.Shadow.Insert(h, registry.ShadowPrediction{
			ModelName:         t.Model,
			StoreID:           pair[0],
			ProductID:         pair[1],
			ForecastDate:      tomorrow,
			ChampionVersion:   championVersion,
			ChallengerVersion: route.Shadow,
			ChampionValue:     champ[0],
			ChallengerValue:   chal[0],
		}); err != nil {
			return shadowed, err
		}
		shadowed++
	}
	return shadowed, nil
}

// OpportunityCostTask books yesterday's lost-sales estimate for stocked-out
// pairs.
type OpportunityCostTask struct {
	Service  *replenish.OpportunityCostService
	Versions *registry.VersionRepository
	Model    string
	Spec     string
}

func (t *OpportunityCostTask) Name() string    { return "opportunity_cost" }
func (t *OpportunityCostTask) Cadence() string { return t.Spec }
func (t *OpportunityCostTask) Retries() int    { return 2 }

func (t *OpportunityCostTask) Run(ctx context.Context, h tenant.Handle) (*TaskSummary, error) {
	version, err := resolveVersion(t.Versions, h, t.Model)
	if err == domain.ErrNotFound {
		return &TaskSummary{Reasons: []string{"no model version yet"}}, nil
	}
	if err != nil {
		return nil, err
	}
	yesterday := time.Now().UTC().AddDate(0, 0, -1)
	logged, err := t.Service.LogDay(h, version, yesterday)
	if err != nil {
		return nil, err
	}
	return &TaskSummary{Counts: map[string]int{"pairs_logged": logged}}, nil
}

// FreshnessTask raises a data_stale alert when no new transactions or
// inventory snapshots have arrived within MaxAge.
type FreshnessTask struct {
	Ledger    *ledger.TransactionRepository
	Inventory *ledger.InventoryRepository
	Alerts    *alerts.Repository
	MaxAge    time.Duration
	Spec      string
}

func (t *FreshnessTask) Name() string    { return "data_freshness" }
func (t *FreshnessTask) Cadence() string { return t.Spec }
func (t *FreshnessTask) Retries() int    { return 2 }

func (t *FreshnessTask) Run(ctx context.Context, h tenant.Handle) (*TaskSummary, error) {
	maxAge := t.MaxAge
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}

	summary := &TaskSummary{Counts: map[string]int{}}
	feeds := []struct {
		name   string
		latest func(tenant.Handle) (time.Time, error)
	}{
		{"transactions", t.Ledger.LatestTimestamp},
		{"inventory", t.Inventory.LatestTimestamp},
	}
	for _, feed := range feeds {
		latest, err := feed.latest(h)
		if err != nil {
			return nil, err
		}
		if latest.IsZero() {
			summary.Reasons = append(summary.Reasons, feed.name+": never synced")
			continue
		}
		age := time.Since(latest)
		if age <= maxAge {
			continue
		}
		live, err := t.Alerts.HasLive(h, "", "", domain.AlertDataStale)
		if err != nil {
			return nil, err
		}
		if live {
			summary.Counts["deduped"]++
			continue
		}
		if _, err := t.Alerts.Insert(h, domain.Alert{
			Type:     domain.AlertDataStale,
			Severity: domain.SeverityHigh,
			Message:  fmt.Sprintf("%s feed stale: last record %s ago", feed.name, age.Round(time.Minute)),
			Metadata: map[string]any{"feed": feed.name, "last_record_at": latest.Format(time.RFC3339)},
		}); err != nil {
			return nil, err
		}
		summary.Counts["raised"]++
	}
	return summary, nil
}
