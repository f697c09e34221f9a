// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	DataDir   string // Base directory for the sqlite database (always absolute)
	ModelDir  string // Directory for serialized model artifacts
	ReportDir string // Directory for replay reports and daily logs
	LogLevel  string
	Port      int
	DemoMode  bool // Synthesize POS mappings and seed data deterministically

	Broker    BrokerConfig
	EDI       EDIConfig
	Flatfile  FlatfileConfig
	Scheduler SchedulerConfig
	Training  TrainingConfig
	Archive   ArchiveConfig
}

// BrokerConfig holds event-stream adapter configuration
type BrokerConfig struct {
	Enabled        bool
	URL            string // Kafka broker address
	GroupID        string
	Topics         []string // Topics to consume canonical events from
	MaxPollRecords int      // Bounded batch size per poll
}

// EDIConfig holds EDI adapter directory configuration
type EDIConfig struct {
	InboundDir  string
	ArchiveDir  string
	OutboundDir string
	PartnerID   string // Receiving trading partner for outbound envelopes
}

// FlatfileConfig holds the staging-directory adapter configuration
type FlatfileConfig struct {
	StagingDir string
	ArchiveDir string
}

// SchedulerConfig holds scheduler beat cadences
type SchedulerConfig struct {
	AdapterSyncInterval  time.Duration // 5-60 min per source
	AlertPipelineEvery   time.Duration // default 15 min
	AnomalyEvery         time.Duration // default 6h
	DataFreshnessEvery   time.Duration // default 1h
	DailyBacktestAt      string        // "06:00"
	OpportunityCostAt    string        // "04:00"
	GhostStockAt         string        // "04:30"
	RetrainEveryDays     int           // default 7
	TaskTimeout          time.Duration
	TenantConcurrency    int // Bounded fan-out across tenants
	DriftMAPEThreshold   float64
	PromotionObservation int // Replay days before a version faces the gate
}

// TrainingConfig holds model training toggles
type TrainingConfig struct {
	EnableSeasonalNaive bool
	RidgeWeight         float64
	SeasonalWeight      float64
	RidgeLambda         float64
	PromotionThreshold  float64 // Candidate must reach champion × threshold
	CVFolds             int
}

// ArchiveConfig holds S3 archive settings for reports and artifacts
type ArchiveConfig struct {
	Enabled   bool
	Bucket    string
	Endpoint  string // Optional custom endpoint (R2 / MinIO)
	Region    string
	Retention time.Duration // Backups older than this are rotated out
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("SHELFOPS_DATA_DIR", "./data")
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:   absDataDir,
		ModelDir:  getEnv("SHELFOPS_MODEL_DIR", filepath.Join(absDataDir, "models")),
		ReportDir: getEnv("SHELFOPS_REPORT_DIR", filepath.Join(absDataDir, "reports")),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		Port:      getEnvAsInt("SHELFOPS_PORT", 8002),
		DemoMode:  getEnvAsBool("DEMO_MODE", false),
		Broker: BrokerConfig{
			Enabled:        getEnvAsBool("BROKER_ENABLED", false),
			URL:            getEnv("BROKER_URL", "localhost:9092"),
			GroupID:        getEnv("BROKER_GROUP_ID", "shelfops-ingest"),
			Topics:         splitCSV(getEnv("BROKER_TOPICS", "pos.transactions,pos.inventory")),
			MaxPollRecords: getEnvAsInt("BROKER_MAX_POLL_RECORDS", 500),
		},
		EDI: EDIConfig{
			InboundDir:  getEnv("EDI_INBOUND_DIR", filepath.Join(absDataDir, "edi", "inbound")),
			ArchiveDir:  getEnv("EDI_ARCHIVE_DIR", filepath.Join(absDataDir, "edi", "archive")),
			OutboundDir: getEnv("EDI_OUTBOUND_DIR", filepath.Join(absDataDir, "edi", "outbound")),
			PartnerID:   getEnv("EDI_PARTNER_ID", "VENDOR"),
		},
		Flatfile: FlatfileConfig{
			StagingDir: getEnv("FLATFILE_STAGING_DIR", filepath.Join(absDataDir, "staging")),
			ArchiveDir: getEnv("FLATFILE_ARCHIVE_DIR", filepath.Join(absDataDir, "staging-archive")),
		},
		Scheduler: SchedulerConfig{
			AdapterSyncInterval:  getEnvAsDuration("SYNC_INTERVAL", 15*time.Minute),
			AlertPipelineEvery:   getEnvAsDuration("ALERT_PIPELINE_INTERVAL", 15*time.Minute),
			AnomalyEvery:         getEnvAsDuration("ANOMALY_INTERVAL", 6*time.Hour),
			DataFreshnessEvery:   getEnvAsDuration("DATA_FRESHNESS_INTERVAL", time.Hour),
			DailyBacktestAt:      getEnv("DAILY_BACKTEST_AT", "06:00"),
			OpportunityCostAt:    getEnv("OPPORTUNITY_COST_AT", "04:00"),
			GhostStockAt:         getEnv("GHOST_STOCK_AT", "04:30"),
			RetrainEveryDays:     getEnvAsInt("RETRAIN_EVERY_DAYS", 7),
			TaskTimeout:          getEnvAsDuration("TASK_TIMEOUT", 10*time.Minute),
			TenantConcurrency:    getEnvAsInt("TENANT_CONCURRENCY", 4),
			DriftMAPEThreshold:   getEnvAsFloat("DRIFT_MAPE_THRESHOLD", 0.35),
			PromotionObservation: getEnvAsInt("PROMOTION_OBSERVATION_DAYS", 30),
		},
		Training: TrainingConfig{
			EnableSeasonalNaive: getEnvAsBool("ENABLE_SEASONAL_NAIVE", true),
			RidgeWeight:         getEnvAsFloat("RIDGE_WEIGHT", 0.7),
			SeasonalWeight:      getEnvAsFloat("SEASONAL_WEIGHT", 0.3),
			RidgeLambda:         getEnvAsFloat("RIDGE_LAMBDA", 1.0),
			PromotionThreshold:  getEnvAsFloat("PROMOTION_THRESHOLD", 0.95),
			CVFolds:             getEnvAsInt("CV_FOLDS", 5),
		},
		Archive: ArchiveConfig{
			Enabled:   getEnvAsBool("ARCHIVE_ENABLED", false),
			Bucket:    getEnv("ARCHIVE_BUCKET", ""),
			Endpoint:  getEnv("ARCHIVE_ENDPOINT", ""),
			Region:    getEnv("ARCHIVE_REGION", "auto"),
			Retention: getEnvAsDuration("ARCHIVE_RETENTION", 30*24*time.Hour),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.Broker.Enabled && c.Broker.URL == "" {
		return fmt.Errorf("broker enabled but BROKER_URL is empty")
	}
	if c.Broker.MaxPollRecords <= 0 {
		return fmt.Errorf("BROKER_MAX_POLL_RECORDS must be positive")
	}
	if c.Archive.Enabled && c.Archive.Bucket == "" {
		return fmt.Errorf("archive enabled but ARCHIVE_BUCKET is empty")
	}
	if c.Training.PromotionThreshold <= 0 || c.Training.PromotionThreshold > 1 {
		return fmt.Errorf("PROMOTION_THRESHOLD must be in (0, 1]: %f", c.Training.PromotionThreshold)
	}
	if c.Training.RidgeWeight+c.Training.SeasonalWeight <= 0 {
		return fmt.Errorf("ensemble weights must sum to a positive value")
	}
	if c.Scheduler.RetrainEveryDays <= 0 {
		return fmt.Errorf("RETRAIN_EVERY_DAYS must be positive")
	}
	for _, at := range []string{c.Scheduler.DailyBacktestAt, c.Scheduler.OpportunityCostAt, c.Scheduler.GhostStockAt} {
		if _, _, err := ParseClock(at); err != nil {
			return err
		}
	}
	return nil
}

// ParseClock parses an "HH:MM" daily schedule into hour and minute
func ParseClock(s string) (int, int, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid clock time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in clock time %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in clock time %q", s)
	}
	return h, m, nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
