// Command replay runs the deterministic historical simulator against an
// already-ingested dataset and writes its report files under the configured
// report directory.
package main

import (
	"context"
	"os"
	"path/filepath"
	"strconv"

	"github.com/aristath/shelfops/internal/config"
	"github.com/aristath/shelfops/internal/database"
	"github.com/aristath/shelfops/internal/modules/forecast"
	"github.com/aristath/shelfops/internal/modules/ledger"
	"github.com/aristath/shelfops/internal/modules/replay"
	"github.com/aristath/shelfops/internal/tenant"
	"github.com/aristath/shelfops/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: true})

	tenantID := os.Getenv("REPLAY_TENANT")
	if tenantID == "" {
		log.Fatal().Msg("REPLAY_TENANT is required")
	}
	h, err := tenant.New(tenantID)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid tenant")
	}

	db, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "shelfops.db"),
		Profile: database.ProfileLedger,
		Name:    "shelfops",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("Failed to run migrations")
	}

	txns := ledger.NewTransactionRepository(db.Conn(), log)
	provider := forecast.NewSQLFeatureProvider(db.Conn())
	forecasts := forecast.NewRepository(db.Conn(), log)
	engine := replay.NewEngine(db.Conn(), txns, provider, forecasts, nil, log)

	summary, err := engine.Run(context.Background(), h, replay.Config{
		ModelName:          envOr("REPLAY_MODEL", "demand"),
		HoldoutDays:        envInt("REPLAY_HOLDOUT_DAYS", 30),
		RetrainEveryDays:   cfg.Scheduler.RetrainEveryDays,
		DriftMAPEThreshold: cfg.Scheduler.DriftMAPEThreshold,
		RidgeWeight:        cfg.Training.RidgeWeight,
		SeasonalWeight:     cfg.Training.SeasonalWeight,
		RidgeLambda:        cfg.Training.RidgeLambda,
		PortfolioMode:      envOr("REPLAY_PORTFOLIO_MODE", "fixed"),
		ReportDir:          cfg.ReportDir,
		PersistForecasts:   os.Getenv("REPLAY_PERSIST") == "true",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Replay failed")
	}

	log.Info().
		Str("run", summary.RunID).
		Float64("mape_nonzero", summary.MAPENonzero).
		Float64("stockout_miss_rate", summary.StockoutMissRate).
		Float64("overstock_rate", summary.OverstockRate).
		Bool("baseline_pass", summary.BaselinePass).
		Msg("Replay complete")
	if !summary.BaselinePass {
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
