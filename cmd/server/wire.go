package main

import (
	"context"
	"database/sql"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/shelfops/internal/adapters"
	"github.com/aristath/shelfops/internal/adapters/edi"
	"github.com/aristath/shelfops/internal/adapters/flatfile"
	"github.com/aristath/shelfops/internal/adapters/pos"
	"github.com/aristath/shelfops/internal/adapters/stream"
	"github.com/aristath/shelfops/internal/config"
	"github.com/aristath/shelfops/internal/events"
	"github.com/aristath/shelfops/internal/modules/alerts"
	"github.com/aristath/shelfops/internal/modules/backtest"
	"github.com/aristath/shelfops/internal/modules/catalog"
	"github.com/aristath/shelfops/internal/modules/forecast"
	"github.com/aristath/shelfops/internal/modules/hitl"
	"github.com/aristath/shelfops/internal/modules/ledger"
	"github.com/aristath/shelfops/internal/modules/registry"
	"github.com/aristath/shelfops/internal/modules/replenish"
	"github.com/aristath/shelfops/internal/modules/training"
	"github.com/aristath/shelfops/internal/scheduler"
	"github.com/aristath/shelfops/internal/tenant"
)

// demandModel is the single forecasting model family this deployment serves.
const demandModel = "demand"

// app holds the wired service graph.
type app struct {
	db          *sql.DB
	catalog     *catalog.Repository
	txns        *ledger.TransactionRepository
	inventory   *ledger.InventoryRepository
	syncLog     *adapters.SyncLogRepository
	alerts      *alerts.Repository
	versions    *registry.VersionRepository
	arena       *registry.Arena
	trainer     *training.Trainer
	provider    forecast.FeatureProvider
	forecasts   *forecast.Repository
	runtime     *forecast.Runtime
	reorder     *replenish.Repository
	optimizer   *replenish.Optimizer
	opportunity *replenish.OpportunityCostService
	backtests   *backtest.Runner
	hitl        *hitl.Service
	sources     []adapters.Adapter
}

func buildApp(db *sql.DB, cfg *config.Config, bus *events.Manager, log zerolog.Logger) *app {
	a := &app{
		db:        db,
		catalog:   catalog.NewRepository(db, log),
		txns:      ledger.NewTransactionRepository(db, log),
		inventory: ledger.NewInventoryRepository(db, log),
		syncLog:   adapters.NewSyncLogRepository(db, log),
		alerts:    alerts.NewRepository(db, log),
		versions:  registry.NewVersionRepository(db, log),
		forecasts: forecast.NewRepository(db, log),
		reorder:   replenish.NewRepository(db, log),
		backtests: backtest.NewRunner(db, log),
	}

	a.arena = registry.NewArena(db, a.versions, cfg.Training.PromotionThreshold, log)
	artifacts := training.NewArtifactStore(cfg.ModelDir)
	a.trainer = training.NewTrainer(db, a.versions, artifacts, log)
	a.provider = forecast.NewSQLFeatureProvider(db)
	a.runtime = forecast.NewRuntime(a.versions, artifacts, a.provider, a.forecasts, 0, log)
	a.optimizer = replenish.NewOptimizer(a.forecasts, a.catalog, a.reorder, log)
	a.opportunity = replenish.NewOpportunityCostService(db, a.forecasts, a.inventory, a.catalog, log)
	a.hitl = hitl.NewService(db, a.alerts, a.catalog, bus, log)

	a.sources = buildAdapters(cfg, a, log)
	return a
}

// buildAdapters assembles the ingestion sources this deployment polls.
func buildAdapters(cfg *config.Config, a *app, log zerolog.Logger) []adapters.Adapter {
	flatfileAdapter := flatfile.NewAdapter(flatfile.Config{
		StagingDir: cfg.Flatfile.StagingDir,
		ArchiveDir: cfg.Flatfile.ArchiveDir,
		Mappings:   defaultMappings(),
	}, flatfile.Writers{
		Store:       a.catalog.UpsertStore,
		Product:     a.catalog.UpsertProduct,
		Transaction: a.txns.Insert,
		Inventory:   a.inventory.Insert,
	}, a.syncLog, log)

	ediAdapter := edi.NewAdapter(edi.Config{
		InboundDir:  cfg.EDI.InboundDir,
		ArchiveDir:  cfg.EDI.ArchiveDir,
		OutboundDir: cfg.EDI.OutboundDir,
		PartnerID:   cfg.EDI.PartnerID,
	}, a.inventory, nil, edi.NewTransactionLogRepository(a.db, log), a.syncLog, log)
	// Ordered purchase orders go out as 850 documents.
	a.hitl.SetEmitter(ediAdapter)

	sources := []adapters.Adapter{flatfileAdapter, ediAdapter}

	if cfg.DemoMode {
		sources = append(sources, pos.NewAdapter(pos.Config{
			DemoMode: cfg.DemoMode,
		}, pos.Writers{
			Transaction: a.txns.Insert,
			Inventory:   a.inventory.Insert,
		}, a.syncLog, a.syncLog, log))
	}

	if cfg.Broker.Enabled {
		sources = append(sources, stream.NewAdapter(stream.Config{
			Brokers:        []string{cfg.Broker.URL},
			GroupID:        cfg.Broker.GroupID,
			Topics:         cfg.Broker.Topics,
			MaxPollRecords: cfg.Broker.MaxPollRecords,
		}, stream.Writers{
			Transaction: a.txns.Insert,
			Inventory:   a.inventory.Insert,
		}, a.syncLog, log))
	}
	return sources
}

// defaultMappings covers the standard batch-export header names.
func defaultMappings() map[flatfile.FileType]flatfile.Mapping {
	identity := func(fields ...string) map[string]string {
		m := make(map[string]string, len(fields))
		for _, f := range fields {
			m[f] = f
		}
		return m
	}
	return map[flatfile.FileType]flatfile.Mapping{
		flatfile.FileStores: {
			Format: flatfile.FormatCSV,
			Fields: identity("store_id", "name", "cluster_tier", "country_code"),
		},
		flatfile.FileProducts: {
			Format: flatfile.FormatCSV,
			Fields: identity("product_id", "name", "category", "unit_cost",
				"unit_price", "shelf_life_days", "supplier_id"),
		},
		flatfile.FileTransactions: {
			Format: flatfile.FormatCSV,
			Fields: identity("external_id", "store_id", "product_id", "timestamp",
				"quantity", "unit_price", "transaction_type"),
		},
		flatfile.FileInventory: {
			Format: flatfile.FormatCSV,
			Fields: identity("store_id", "product_id", "timestamp",
				"quantity_on_hand", "quantity_available"),
		},
	}
}

func registerTasks(sched *scheduler.Scheduler, a *app, cfg *config.Config,
	bus *events.Manager, log zerolog.Logger) error {

	pipelineDeps := alerts.Deps{
		Inventory: a.inventory,
		Ledger:    a.txns,
		Forecasts: a.forecasts,
		Reorder:   a.reorder,
		Catalog:   a.catalog,
		Repo:      a.alerts,
		ModelName: demandModel,
		Versions:  a.versions,
	}
	holidays := map[string]bool{}

	forecastTask := &scheduler.ForecastTask{
		Runtime:      a.runtime,
		Ledger:       a.txns,
		Optimizer:    a.optimizer,
		Router:       registry.NewRouter(a.versions),
		Shadow:       registry.NewShadowPredictionRepository(a.db, log),
		Forecasts:    a.forecasts,
		Bus:          bus,
		Model:        demandModel,
		Horizon:      14,
		ServiceLevel: 0.95,
		Spec:         scheduler.DailyCadence("05:30"),
	}

	tasks := []scheduler.Task{
		&scheduler.PipelineTask{
			TaskName: "alert_pipeline",
			Pipeline: alerts.NewPipeline(alerts.DefaultDetectors(pipelineDeps, 0.02, holidays),
				a.alerts, bus, log),
			Every:    scheduler.EveryCadence(cfg.Scheduler.AlertPipelineEvery),
			MaxTries: 1,
		},
		&scheduler.PipelineTask{
			TaskName: "anomaly_detection",
			Pipeline: alerts.NewPipeline([]alerts.Detector{
				alerts.NewAnomalyDetector(pipelineDeps, holidays),
			}, a.alerts, bus, log),
			Every:    scheduler.EveryCadence(cfg.Scheduler.AnomalyEvery),
			MaxTries: 2,
		},
		&scheduler.PipelineTask{
			TaskName: "ghost_stock",
			Pipeline: alerts.NewPipeline([]alerts.Detector{
				alerts.NewGhostStockDetector(pipelineDeps),
			}, a.alerts, bus, log),
			Every:    scheduler.DailyCadence(cfg.Scheduler.GhostStockAt),
			MaxTries: 2,
		},
		&scheduler.BacktestTask{
			TaskName: "daily_backtest",
			Runner:   a.backtests,
			Versions: a.versions,
			Model:    demandModel,
			Params:   backtest.TMinus1(),
			Spec:     scheduler.DailyCadence(cfg.Scheduler.DailyBacktestAt),
		},
		&scheduler.BacktestTask{
			TaskName: "weekly_backtest",
			Runner:   a.backtests,
			Versions: a.versions,
			Model:    demandModel,
			Params:   backtest.Params{WindowSize: 7, StepSize: 7, LookbackDays: 90},
			Spec:     scheduler.WeeklyCadence("07:00"),
		},
		&scheduler.RetrainTask{
			DB:           a.db,
			Ledger:       a.txns,
			Provider:     a.provider,
			Trainer:      a.trainer,
			Arena:        a.arena,
			Runner:       a.backtests,
			Versions:     a.versions,
			Bus:          bus,
			Model:        demandModel,
			EveryDays:    cfg.Scheduler.RetrainEveryDays,
			DriftMAPE:    cfg.Scheduler.DriftMAPEThreshold,
			LookbackDays: 120,
			TrainOpts: training.Options{
				RidgeWeight:         cfg.Training.RidgeWeight,
				SeasonalWeight:      cfg.Training.SeasonalWeight,
				RidgeLambda:         cfg.Training.RidgeLambda,
				EnableSeasonalNaive: cfg.Training.EnableSeasonalNaive,
				CVFolds:             cfg.Training.CVFolds,
			},
			Spec: scheduler.DailyCadence("05:00"),
			After: func(ctx context.Context, h tenant.Handle) error {
				_, err := forecastTask.Run(ctx, h)
				return err
			},
		},
		forecastTask,
		&scheduler.OpportunityCostTask{
			Service:  a.opportunity,
			Versions: a.versions,
			Model:    demandModel,
			Spec:     scheduler.DailyCadence(cfg.Scheduler.OpportunityCostAt),
		},
		&scheduler.FreshnessTask{
			Ledger:    a.txns,
			Inventory: a.inventory,
			Alerts:    a.alerts,
			MaxAge:    24 * time.Hour,
			Spec:      scheduler.EveryCadence(cfg.Scheduler.DataFreshnessEvery),
		},
	}

	for _, source := range a.sources {
		tasks = append(tasks, &scheduler.SyncTask{
			Adapter:  source,
			Interval: cfg.Scheduler.AdapterSyncInterval,
			Bus:      bus,
			Log:      log,
		})
	}

	for _, task := range tasks {
		if err := sched.Register(task); err != nil {
			return err
		}
	}
	return nil
}
