// Package replay re-executes the forecasting loop over a historical holdout:
// deterministic retrains, daily scoring, seeded HITL decisions, and promotion
// gates, with byte-identical report files for identical inputs.
package replay

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/shelfops/internal/domain"
	"github.com/aristath/shelfops/internal/events"
	"github.com/aristath/shelfops/internal/modules/features"
	"github.com/aristath/shelfops/internal/modules/forecast"
	"github.com/aristath/shelfops/internal/modules/ledger"
	"github.com/aristath/shelfops/internal/modules/training"
	"github.com/aristath/shelfops/internal/tenant"
)

const (
	defaultHoldoutDays  = 30
	defaultRetrainEvery = 7
	defaultLookbackDays = 120
	gateObservationDays = 30
	driftWindowDays     = 14
	hitlTopRows         = 3
)

// Baseline is the pass/fail gate applied to the run summary.
type Baseline struct {
	MaxMAPENonzero      float64
	MaxStockoutMissRate float64
	MaxOverstockRate    float64
	MaxCriticalFailures int
}

// DefaultBaseline returns the gate a healthy portfolio should clear.
func DefaultBaseline() Baseline {
	return Baseline{
		MaxMAPENonzero:      0.60,
		MaxStockoutMissRate: 0.25,
		MaxOverstockRate:    0.30,
		MaxCriticalFailures: 0,
	}
}

// Config steers one replay run.
type Config struct {
	ModelName          string
	HoldoutDays        int
	RetrainEveryDays   int
	DriftMAPEThreshold float64
	LookbackDays       int
	RidgeWeight        float64
	SeasonalWeight     float64
	RidgeLambda        float64
	// PortfolioMode "auto" sweeps ensemble weights when the baseline fails.
	PortfolioMode string
	ReportDir     string
	// DataFiles are hashed into the partition manifest when provided.
	DataFiles []string
	// PersistForecasts writes each replay day's predictions to the DB.
	PersistForecasts bool
	Baseline         Baseline
}

func (c *Config) applyDefaults() {
	if c.HoldoutDays <= 0 {
		c.HoldoutDays = defaultHoldoutDays
	}
	if c.RetrainEveryDays <= 0 {
		c.RetrainEveryDays = defaultRetrainEvery
	}
	if c.DriftMAPEThreshold <= 0 {
		c.DriftMAPEThreshold = 0.35
	}
	if c.LookbackDays <= 0 {
		c.LookbackDays = defaultLookbackDays
	}
	if c.RidgeWeight <= 0 && c.SeasonalWeight <= 0 {
		c.RidgeWeight, c.SeasonalWeight = 0.7, 0.3
	}
	if c.RidgeLambda <= 0 {
		c.RidgeLambda = 1.0
	}
	if c.Baseline == (Baseline{}) {
		c.Baseline = DefaultBaseline()
	}
}

// Summary is the run outcome, serialized as summary.json.
type Summary struct {
	RunID            string   `json:"run_id"`
	ModelName        string   `json:"model_name"`
	TrainEnd         string   `json:"train_end"`
	HoldoutDays      int      `json:"holdout_days"`
	DaysReplayed     int      `json:"days_replayed"`
	Pairs            int      `json:"pairs"`
	Retrains         int      `json:"retrains"`
	MAPENonzero      float64  `json:"mape_nonzero"`
	StockoutMissRate float64  `json:"stockout_miss_rate"`
	OverstockRate    float64  `json:"overstock_rate"`
	CriticalFailures int      `json:"critical_failures"`
	HITLDecisions    int      `json:"hitl_decisions"`
	GateDecisions    []string `json:"gate_decisions"`
	BaselinePass     bool     `json:"baseline_pass"`
	// Set when the auto portfolio sweep replaced the configured blend.
	SweptRidgeWeight    float64 `json:"swept_ridge_weight,omitempty"`
	SweptSeasonalWeight float64 `json:"swept_seasonal_weight,omitempty"`
	SweptMAPENonzero    float64 `json:"swept_mape_nonzero,omitempty"`
}

// Engine runs replay simulations against the ingested ledger.
type Engine struct {
	db        *sql.DB
	ledger    *ledger.TransactionRepository
	provider  forecast.FeatureProvider
	forecasts *forecast.Repository
	bus       *events.Manager
	log       zerolog.Logger
}

// NewEngine creates a replay engine. forecasts may be nil when persistence is
// never requested.
func NewEngine(db *sql.DB, txns *ledger.TransactionRepository, provider forecast.FeatureProvider,
	forecasts *forecast.Repository, bus *events.Manager, log zerolog.Logger) *Engine {
	return &Engine{
		db:        db,
		ledger:    txns,
		provider:  provider,
		forecasts: forecasts,
		bus:       bus,
		log:       log.With().Str("component", "replay").Logger(),
	}
}

// simModel is one trained version living inside a run.
type simModel struct {
	label     string
	reg       training.Regressor
	matrix    *features.Matrix
	firstDay  int
	daysSeen  int
	sumMAPE   float64
	mapeCount int
	gated     bool
}

func (m *simModel) meanMAPE() float64 {
	if m.mapeCount == 0 {
		return math.Inf(1)
	}
	return m.sumMAPE / float64(m.mapeCount)
}

// Run executes the full replay and writes partition_manifest.json,
// daily_log.txt, and summary.json under ReportDir/<run id>.
func (e *Engine) Run(ctx context.Context, h tenant.Handle, cfg Config) (*Summary, error) {
	if err := tenant.Require(h); err != nil {
		return nil, err
	}
	if cfg.ModelName == "" {
		return nil, &domain.ContractError{Field: "model_name", Reason: "required"}
	}
	cfg.applyDefaults()

	latest, err := e.ledger.LatestTimestamp(h)
	if err != nil {
		return nil, err
	}
	if latest.IsZero() {
		return nil, domain.ErrDataUnavailable
	}
	maxDate := dateOnly(latest)
	trainEnd := maxDate.AddDate(0, 0, -cfg.HoldoutDays)

	pairs, err := e.ledger.Pairs(h)
	if err != nil {
		return nil, err
	}
	if len(pairs) == 0 {
		return nil, domain.ErrDataUnavailable
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i][0] != pairs[j][0] {
			return pairs[i][0] < pairs[j][0]
		}
		return pairs[i][1] < pairs[j][1]
	})

	runID := runID(h, cfg.ModelName, trainEnd, cfg.HoldoutDays)
	report := newReport(cfg.ReportDir, runID)
	if err := report.writeManifest(e.db, h, cfg, trainEnd, maxDate, pairs); err != nil {
		return nil, err
	}

	summary := &Summary{
		RunID:       runID,
		ModelName:   cfg.ModelName,
		TrainEnd:    trainEnd.Format("2006-01-02"),
		HoldoutDays: cfg.HoldoutDays,
		Pairs:       len(pairs),
	}

	outcome, err := e.replayWindow(ctx, h, cfg, pairs, trainEnd, maxDate, report, true)
	if err != nil {
		return nil, err
	}
	summary.DaysReplayed = outcome.days
	summary.Retrains = outcome.retrains
	summary.MAPENonzero = outcome.mapeNonzero()
	summary.StockoutMissRate = outcome.stockoutMissRate()
	summary.OverstockRate = outcome.overstockRate()
	summary.CriticalFailures = outcome.criticalFailures
	summary.HITLDecisions = outcome.hitlDecisions
	summary.GateDecisions = outcome.gateDecisions
	summary.BaselinePass = passes(summary, cfg.Baseline)

	if !summary.BaselinePass && cfg.PortfolioMode == "auto" {
		best, err := e.sweepWeights(ctx, h, cfg, pairs, trainEnd, maxDate)
		if err != nil {
			e.log.Warn().Err(err).Msg("Portfolio sweep failed")
		} else if best != nil {
			summary.SweptRidgeWeight = best.ridge
			summary.SweptSeasonalWeight = best.seasonal
			summary.SweptMAPENonzero = best.mape
		}
	}

	if err := report.writeSummary(summary); err != nil {
		return nil, err
	}
	if err := report.flushDailyLog(); err != nil {
		return nil, err
	}

	if e.bus != nil {
		e.bus.Publish(h.ID(), events.ReplayFinished{RunID: runID, BaselinePass: summary.BaselinePass})
	}
	e.log.Info().Str("run", runID).Bool("pass", summary.BaselinePass).
		Float64("mape_nonzero", summary.MAPENonzero).Msg("Replay finished")
	return summary, nil
}

// windowOutcome accumulates metrics over one holdout pass.
type windowOutcome struct {
	days             int
	retrains         int
	criticalFailures int
	hitlDecisions    int
	gateDecisions    []string

	pctSum      float64
	nonzero     int
	stockout    int
	zeroActual  int
	overstock   int
	totalScored int
}

func (o *windowOutcome) mapeNonzero() float64 {
	if o.nonzero == 0 {
		return 0
	}
	return o.pctSum / float64(o.nonzero)
}

func (o *windowOutcome) stockoutMissRate() float64 {
	if o.zeroActual == 0 {
		return 0
	}
	return float64(o.stockout) / float64(o.zeroActual)
}

func (o *windowOutcome) overstockRate() float64 {
	if o.totalScored == 0 {
		return 0
	}
	return float64(o.overstock) / float64(o.totalScored)
}

// replayWindow walks the holdout day by day. full=false runs the scoring loop
// without HITL, gates, logging, or persistence, for weight sweeps.
func (e *Engine) replayWindow(ctx context.Context, h tenant.Handle, cfg Config,
	pairs [][2]string, trainEnd, maxDate time.Time, report *report, full bool) (*windowOutcome, error) {

	outcome := &windowOutcome{}
	var active *simModel
	var champion *simModel
	var rollingMAPE []float64

	for day, i := trainEnd.AddDate(0, 0, 1), 0; !day.After(maxDate); day, i = day.AddDate(0, 0, 1), i+1 {
		if err := ctx.Err(); err != nil {
			return nil, &domain.TransientError{Op: "replay", Err: err}
		}

		trigger := retrainTrigger(i, cfg, rollingMAPE)
		if trigger != "" {
			model, err := e.train(h, cfg, pairs, day, i)
			if err != nil {
				outcome.criticalFailures++
				if full {
					report.logLine("%s version=%s trigger=%s error=%q",
						day.Format("2006-01-02"), labelOr(active), trigger, err.Error())
				}
			} else {
				outcome.retrains++
				active = model
				if champion == nil {
					champion = model
					if full {
						outcome.gateDecisions = append(outcome.gateDecisions,
							fmt.Sprintf("%s approve initial", model.label))
					}
				}
			}
		}
		if active == nil {
			outcome.criticalFailures++
			continue
		}

		scored, err := e.scoreDay(h, cfg, active, pairs, day)
		if err != nil {
			outcome.criticalFailures++
			if full {
				report.logLine("%s version=%s error=%q", day.Format("2006-01-02"), active.label, err.Error())
			}
			continue
		}
		outcome.absorb(scored)
		active.daysSeen++
		if scored.nonzero > 0 {
			dayMAPE := scored.pctSum / float64(scored.nonzero)
			active.sumMAPE += dayMAPE
			active.mapeCount++
			rollingMAPE = append(rollingMAPE, dayMAPE)
			if len(rollingMAPE) > driftWindowDays {
				rollingMAPE = rollingMAPE[1:]
			}
		}

		if !full {
			continue
		}

		hitl := e.hitlDecisions(h, cfg.ModelName, day, scored.rows)
		outcome.hitlDecisions += len(hitl)

		gate := "-"
		if active != champion && champion != nil && !active.gated && active.daysSeen >= gateObservationDays {
			active.gated = true
			decision := "reject"
			if active.meanMAPE() <= champion.meanMAPE()*0.95 {
				decision = "approve"
				champion = active
			}
			gate = decision
			outcome.gateDecisions = append(outcome.gateDecisions,
				fmt.Sprintf("%s %s vs %s", active.label, decision, labelOr(champion)))
		}

		report.logLine("%s version=%s trigger=%s pairs=%d scored=%d mape_nonzero=%.4f stockout_miss=%d overstock=%d hitl=%d gate=%s",
			day.Format("2006-01-02"), active.label, orDash(trigger), len(pairs),
			scored.total, safeRatio(scored.pctSum, scored.nonzero),
			scored.stockout, scored.overstock, len(hitl), gate)

		if cfg.PersistForecasts && e.forecasts != nil {
			if err := e.persistDay(h, active, day, scored); err != nil {
				return nil, err
			}
		}
	}

	outcome.days = daysBetween(trainEnd, maxDate)
	return outcome, nil
}

func (o *windowOutcome) absorb(s *dayScore) {
	o.pctSum += s.pctSum
	o.nonzero += s.nonzero
	o.stockout += s.stockout
	o.zeroActual += s.zeroActual
	o.overstock += s.overstock
	o.totalScored += s.total
}

// train fits a fresh ensemble on history strictly before day.
func (e *Engine) train(h tenant.Handle, cfg Config, pairs [][2]string, day time.Time, dayIndex int) (*simModel, error) {
	asOf := day.AddDate(0, 0, -1)
	rows, err := e.provider.Rows(h, pairs, cfg.LookbackDays, asOf)
	if err != nil {
		return nil, err
	}
	tier := features.DetectTier(rows)
	matrix, err := features.Build(rows, tier)
	if err != nil {
		return nil, err
	}

	reg := buildEnsemble(cfg.RidgeWeight, cfg.SeasonalWeight, cfg.RidgeLambda,
		matrix.ColumnIndex("day_of_week"))
	if err := reg.Fit(matrix.X, matrix.Y); err != nil {
		return nil, err
	}
	return &simModel{
		label:    fmt.Sprintf("sim-%s", day.Format("20060102")),
		reg:      reg,
		matrix:   matrix,
		firstDay: dayIndex,
	}, nil
}

func buildEnsemble(ridgeW, seasonalW, lambda float64, dowIndex int) training.Regressor {
	var members []training.Regressor
	var weights []float64
	if ridgeW > 0 {
		members = append(members, training.NewRidge(lambda))
		weights = append(weights, ridgeW)
	}
	if seasonalW > 0 && dowIndex >= 0 {
		members = append(members, training.NewSeasonalNaive(dowIndex))
		weights = append(weights, seasonalW)
	}
	if len(members) == 1 {
		return members[0]
	}
	return training.NewEnsemble(members, weights)
}

// scoredRow is one pair's prediction vs actual on a replay day.
type scoredRow struct {
	StoreID   string
	ProductID string
	Forecast  float64
	Actual    float64
}

type dayScore struct {
	rows       []scoredRow
	pctSum     float64
	nonzero    int
	stockout   int
	zeroActual int
	overstock  int
	total      int
}

// scoreDay predicts every pair for one day from the model's training matrix
// and compares against the ledger's actual sales.
func (e *Engine) scoreDay(h tenant.Handle, cfg Config, model *simModel, pairs [][2]string, day time.Time) (*dayScore, error) {
	latest := model.matrix.LatestPerPair()
	score := &dayScore{}
	dayKey := day.Format("2006-01-02")

	for _, pair := range pairs {
		vec, ok := latest[pair]
		if !ok {
			continue
		}
		input := features.OverrideTemporal(model.matrix.Columns, vec, day, false)
		preds, err := model.reg.Predict([][]float64{input})
		if err != nil {
			return nil, err
		}
		forecastQty := math.Max(0, preds[0].P50)

		sales, err := e.ledger.DailySales(h, pair[0], pair[1], day, day)
		if err != nil {
			return nil, err
		}
		actual := sales[dayKey]

		score.rows = append(score.rows, scoredRow{
			StoreID: pair[0], ProductID: pair[1], Forecast: forecastQty, Actual: actual,
		})
		score.total++
		if actual > 0 {
			score.pctSum += math.Abs(forecastQty-actual) / actual
			score.nonzero++
			if forecastQty > 2*actual {
				score.overstock++
			}
		} else {
			score.zeroActual++
			if forecastQty > 0 {
				score.stockout++
			}
		}
	}
	return score, nil
}

// hitlDecision is one simulated ordering decision.
type hitlDecision struct {
	StoreID   string
	ProductID string
	Decision  string
}

// hitlDecisions applies the seeded policy to the day's worst rows. The seed
// is FNV-1a of the decision key, so reruns reproduce every decision.
func (e *Engine) hitlDecisions(h tenant.Handle, modelName string, day time.Time, rows []scoredRow) []hitlDecision {
	ranked := make([]scoredRow, len(rows))
	copy(ranked, rows)
	sort.Slice(ranked, func(i, j int) bool {
		ei := math.Abs(ranked[i].Forecast - ranked[i].Actual)
		ej := math.Abs(ranked[j].Forecast - ranked[j].Actual)
		if ei != ej {
			return ei > ej
		}
		if ranked[i].StoreID != ranked[j].StoreID {
			return ranked[i].StoreID < ranked[j].StoreID
		}
		return ranked[i].ProductID < ranked[j].ProductID
	})

	var out []hitlDecision
	for _, row := range ranked {
		if len(out) == hitlTopRows {
			break
		}
		if row.Actual == 0 && row.Forecast == 0 {
			continue
		}
		key := fmt.Sprintf("%s|%s|%s|%s|%s", h.ID(), modelName,
			day.Format("2006-01-02"), row.StoreID, row.ProductID)
		hash := fnv.New64a()
		hash.Write([]byte(key))
		roll := hash.Sum64() % 100

		decision := "approve"
		switch {
		case roll >= 85:
			decision = "reject"
		case roll >= 60:
			decision = "edit"
		}
		out = append(out, hitlDecision{StoreID: row.StoreID, ProductID: row.ProductID, Decision: decision})
	}
	return out
}

func (e *Engine) persistDay(h tenant.Handle, model *simModel, day time.Time, score *dayScore) error {
	forecasts := make([]domain.DemandForecast, 0, len(score.rows))
	for _, row := range score.rows {
		forecasts = append(forecasts, domain.DemandForecast{
			StoreID:   row.StoreID,
			ProductID: row.ProductID,
			Date:      day,
			Version:   model.label,
			Demand:    row.Forecast,
		})
	}
	return e.forecasts.ReplaceDay(h, model.label, day, forecasts)
}

// sweepResult is the best blend found by the auto portfolio sweep.
type sweepResult struct {
	ridge    float64
	seasonal float64
	mape     float64
}

// sweepWeights re-runs the scoring loop for each candidate blend and keeps
// the lowest holdout MAPE.
func (e *Engine) sweepWeights(ctx context.Context, h tenant.Handle, cfg Config,
	pairs [][2]string, trainEnd, maxDate time.Time) (*sweepResult, error) {

	grid := []float64{0.2, 0.4, 0.5, 0.6, 0.8}
	var best *sweepResult
	for _, w := range grid {
		candidate := cfg
		candidate.RidgeWeight = w
		candidate.SeasonalWeight = 1 - w
		candidate.PersistForecasts = false

		outcome, err := e.replayWindow(ctx, h, candidate, pairs, trainEnd, maxDate, nil, false)
		if err != nil {
			return nil, err
		}
		mape := outcome.mapeNonzero()
		e.log.Debug().Float64("ridge", w).Float64("mape", mape).Msg("Sweep point")
		if best == nil || mape < best.mape {
			best = &sweepResult{ridge: w, seasonal: 1 - w, mape: mape}
		}
	}
	return best, nil
}

func passes(s *Summary, b Baseline) bool {
	return s.MAPENonzero <= b.MaxMAPENonzero &&
		s.StockoutMissRate <= b.MaxStockoutMissRate &&
		s.OverstockRate <= b.MaxOverstockRate &&
		s.CriticalFailures <= b.MaxCriticalFailures
}

func retrainTrigger(dayIndex int, cfg Config, rolling []float64) string {
	if dayIndex == 0 {
		return "initial"
	}
	if dayIndex%cfg.RetrainEveryDays == 0 {
		return "scheduled"
	}
	if len(rolling) == driftWindowDays {
		var sum float64
		for _, v := range rolling {
			sum += v
		}
		if sum/float64(len(rolling)) > cfg.DriftMAPEThreshold {
			return "drift"
		}
	}
	return ""
}

func runID(h tenant.Handle, modelName string, trainEnd time.Time, holdout int) string {
	hash := fnv.New64a()
	fmt.Fprintf(hash, "%s|%s|%s|%d", h.ID(), modelName, trainEnd.Format("2006-01-02"), holdout)
	return fmt.Sprintf("replay-%s-%08x", trainEnd.Format("20060102"), hash.Sum64()&0xffffffff)
}

func dateOnly(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

func daysBetween(trainEnd, maxDate time.Time) int {
	return int(maxDate.Sub(trainEnd).Hours() / 24)
}

func labelOr(m *simModel) string {
	if m == nil {
		return "-"
	}
	return m.label
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func safeRatio(sum float64, n int) float64 {
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
