package registry

import (
	"database/sql"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/shelfops/internal/database"
	"github.com/aristath/shelfops/internal/domain"
	"github.com/aristath/shelfops/internal/tenant"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	_, err = db.Exec(database.Schema())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func candidate(version string, mae, mape, coverage float64) domain.ModelVersion {
	return domain.ModelVersion{
		ModelName: "demand",
		Version:   version,
		Metrics:   domain.ModelMetrics{MAE: mae, MAPE: mape, Coverage: coverage},
	}
}

func TestRegisterAndGet(t *testing.T) {
	repo := NewVersionRepository(testDB(t), zerolog.Nop())
	h := tenant.MustNew("acme")

	require.NoError(t, repo.Register(h, candidate("v20260110-001", 2.0, 0.3, 0.9)))

	v, err := repo.Get(h, "demand", "v20260110-001")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCandidate, v.Status)
	assert.Equal(t, 2.0, v.Metrics.MAE)
	assert.False(t, v.SmokePassed)

	_, err = repo.Get(h, "demand", "v-missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRegisterDuplicateConflicts(t *testing.T) {
	repo := NewVersionRepository(testDB(t), zerolog.Nop())
	h := tenant.MustNew("acme")

	require.NoError(t, repo.Register(h, candidate("v1", 2.0, 0.3, 0.9)))
	err := repo.Register(h, candidate("v1", 1.0, 0.1, 0.95))

	var ce *domain.ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "v1", ce.ExistingID)
}

func TestRegisterValidatesVersion(t *testing.T) {
	repo := NewVersionRepository(testDB(t), zerolog.Nop())
	h := tenant.MustNew("acme")

	var ce *domain.ContractError
	assert.ErrorAs(t, repo.Register(h, candidate("", 1, 1, 1)), &ce)
	assert.ErrorAs(t, repo.Register(h, candidate("v-123456789012345678901", 1, 1, 1)), &ce)
}

func TestNextVersionMonotonic(t *testing.T) {
	repo := NewVersionRepository(testDB(t), zerolog.Nop())
	h := tenant.MustNew("acme")
	day := time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)

	v1, err := repo.NextVersion(h, "demand", day)
	require.NoError(t, err)
	v2, err := repo.NextVersion(h, "demand", day)
	require.NoError(t, err)
	assert.Equal(t, "v20260110-001", v1)
	assert.Equal(t, "v20260110-002", v2)

	// Counters are per tenant and reset per day.
	other, err := repo.NextVersion(tenant.MustNew("globex"), "demand", day)
	require.NoError(t, err)
	assert.Equal(t, "v20260110-001", other)

	next, err := repo.NextVersion(h, "demand", day.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Equal(t, "v20260111-001", next)
}

func TestFirstCandidateAutoPromotes(t *testing.T) {
	db := testDB(t)
	repo := NewVersionRepository(db, zerolog.Nop())
	arena := NewArena(db, repo, 0.95, zerolog.Nop())
	h := tenant.MustNew("acme")

	require.NoError(t, repo.Register(h, candidate("v1", 2.0, 0.3, 0.9)))

	res, err := arena.EvaluateForPromotion(h, "demand", "v1")
	require.NoError(t, err)
	assert.True(t, res.Promoted)
	assert.Equal(t, "first candidate", res.Reason)

	champ, err := repo.GetChampion(h, "demand")
	require.NoError(t, err)
	assert.Equal(t, "v1", champ.Version)
	assert.Equal(t, 1.0, champ.RoutingWeight)

	pointer, err := repo.LastKnownChampion(h, "demand")
	require.NoError(t, err)
	assert.Equal(t, "v1", pointer)
}

func TestGatePromotesBetterCandidate(t *testing.T) {
	db := testDB(t)
	repo := NewVersionRepository(db, zerolog.Nop())
	arena := NewArena(db, repo, 0.95, zerolog.Nop())
	h := tenant.MustNew("acme")

	require.NoError(t, repo.Register(h, candidate("v1", 2.0, 0.30, 0.90)))
	_, err := arena.EvaluateForPromotion(h, "demand", "v1")
	require.NoError(t, err)

	// Clearly better on both error metrics, coverage held.
	require.NoError(t, repo.Register(h, candidate("v2", 1.5, 0.20, 0.92)))
	res, err := arena.EvaluateForPromotion(h, "demand", "v2")
	require.NoError(t, err)
	assert.True(t, res.Promoted)
	assert.Equal(t, "v1", res.PreviousChampion)

	// Exactly one champion; the old one is archived with zero weight.
	champ, err := repo.GetChampion(h, "demand")
	require.NoError(t, err)
	assert.Equal(t, "v2", champ.Version)

	archived, err := repo.Get(h, "demand", "v1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusArchived, archived.Status)
	assert.Equal(t, 0.0, archived.RoutingWeight)
	require.NotNil(t, archived.ArchivedAt)
}

func TestGateDemotesLoserToChallenger(t *testing.T) {
	db := testDB(t)
	repo := NewVersionRepository(db, zerolog.Nop())
	arena := NewArena(db, repo, 0.95, zerolog.Nop())
	h := tenant.MustNew("acme")

	require.NoError(t, repo.Register(h, candidate("v1", 2.0, 0.30, 0.90)))
	_, err := arena.EvaluateForPromotion(h, "demand", "v1")
	require.NoError(t, err)

	// Marginally better is not enough: must clear champion × 0.95.
	require.NoError(t, repo.Register(h, candidate("v2", 1.95, 0.29, 0.90)))
	res, err := arena.EvaluateForPromotion(h, "demand", "v2")
	require.NoError(t, err)
	assert.False(t, res.Promoted)

	loser, err := repo.Get(h, "demand", "v2")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusChallenger, loser.Status)

	champ, err := repo.GetChampion(h, "demand")
	require.NoError(t, err)
	assert.Equal(t, "v1", champ.Version)
}

func TestGateRejectsCoverageRegression(t *testing.T) {
	db := testDB(t)
	repo := NewVersionRepository(db, zerolog.Nop())
	arena := NewArena(db, repo, 0.95, zerolog.Nop())
	h := tenant.MustNew("acme")

	require.NoError(t, repo.Register(h, candidate("v1", 2.0, 0.30, 0.90)))
	_, err := arena.EvaluateForPromotion(h, "demand", "v1")
	require.NoError(t, err)

	require.NoError(t, repo.Register(h, candidate("v2", 1.0, 0.10, 0.80)))
	res, err := arena.EvaluateForPromotion(h, "demand", "v2")
	require.NoError(t, err)
	assert.False(t, res.Promoted)
	assert.Contains(t, res.Reason, "coverage")
}

func TestArchivedCandidateCannotPromote(t *testing.T) {
	db := testDB(t)
	repo := NewVersionRepository(db, zerolog.Nop())
	arena := NewArena(db, repo, 0.95, zerolog.Nop())
	h := tenant.MustNew("acme")

	require.NoError(t, repo.Register(h, candidate("v1", 2.0, 0.3, 0.9)))
	_, err := arena.EvaluateForPromotion(h, "demand", "v1")
	require.NoError(t, err)
	require.NoError(t, repo.Register(h, candidate("v2", 1.0, 0.1, 0.95)))
	_, err = arena.EvaluateForPromotion(h, "demand", "v2")
	require.NoError(t, err)

	// v1 is archived now.
	_, err = arena.EvaluateForPromotion(h, "demand", "v1")
	var se *domain.StateError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "archived", se.From)
}

func TestSetRoutingWeight(t *testing.T) {
	repo := NewVersionRepository(testDB(t), zerolog.Nop())
	h := tenant.MustNew("acme")

	require.NoError(t, repo.Register(h, candidate("v1", 2, 0.3, 0.9)))
	require.NoError(t, repo.SetRoutingWeight(h, "demand", "v1", 0.1))

	v, err := repo.Get(h, "demand", "v1")
	require.NoError(t, err)
	assert.Equal(t, 0.1, v.RoutingWeight)

	var ce *domain.ContractError
	assert.ErrorAs(t, repo.SetRoutingWeight(h, "demand", "v1", 1.5), &ce)
	assert.ErrorIs(t, repo.SetRoutingWeight(h, "demand", "v-missing", 0.1), domain.ErrNotFound)
}

func TestRouterStrategies(t *testing.T) {
	db := testDB(t)
	repo := NewVersionRepository(db, zerolog.Nop())
	arena := NewArena(db, repo, 0.95, zerolog.Nop())
	router := NewRouter(repo)
	h := tenant.MustNew("acme")

	require.NoError(t, repo.Register(h, candidate("v1", 2.0, 0.30, 0.90)))
	_, err := arena.EvaluateForPromotion(h, "demand", "v1")
	require.NoError(t, err)

	// Champion only: every strategy serves the champion, shadow is empty.
	route, err := router.Resolve(h, "demand", "s1|p1", StrategyShadow)
	require.NoError(t, err)
	assert.Equal(t, "v1", route.Version)
	assert.Empty(t, route.Shadow)

	// Add a challenger via a failed gate.
	require.NoError(t, repo.Register(h, candidate("v2", 1.99, 0.29, 0.90)))
	_, err = arena.EvaluateForPromotion(h, "demand", "v2")
	require.NoError(t, err)

	route, err = router.Resolve(h, "demand", "s1|p1", StrategyShadow)
	require.NoError(t, err)
	assert.Equal(t, "v1", route.Version)
	assert.Equal(t, "v2", route.Shadow)

	// Canary with zero weight keeps all traffic on the champion.
	route, err = router.Resolve(h, "demand", "s1|p1", StrategyCanary)
	require.NoError(t, err)
	assert.Equal(t, "v1", route.Version)
	assert.False(t, route.Challenger)

	_, err = router.Resolve(h, "demand", "s1|p1", Strategy("roulette"))
	var ce *domain.ContractError
	assert.ErrorAs(t, err, &ce)
}

func TestCanaryRoutingDeterministicSplit(t *testing.T) {
	db := testDB(t)
	repo := NewVersionRepository(db, zerolog.Nop())
	arena := NewArena(db, repo, 0.95, zerolog.Nop())
	router := NewRouter(repo)
	h := tenant.MustNew("acme")

	require.NoError(t, repo.Register(h, candidate("v1", 2.0, 0.30, 0.90)))
	_, err := arena.EvaluateForPromotion(h, "demand", "v1")
	require.NoError(t, err)
	require.NoError(t, repo.Register(h, candidate("v2", 1.99, 0.29, 0.90)))
	_, err = arena.EvaluateForPromotion(h, "demand", "v2")
	require.NoError(t, err)
	require.NoError(t, repo.SetRoutingWeight(h, "demand", "v2", 0.5))

	challengerHits := 0
	for i := 0; i < 200; i++ {
		key := "store|sku-" + string(rune('a'+i%26)) + string(rune('0'+i/26))
		route, err := router.Resolve(h, "demand", key, StrategyCanary)
		require.NoError(t, err)

		// Same key always resolves the same way.
		again, err := router.Resolve(h, "demand", key, StrategyCanary)
		require.NoError(t, err)
		assert.Equal(t, route.Version, again.Version)

		if route.Challenger {
			challengerHits++
			assert.Equal(t, "v2", route.Version)
		}
	}
	// Roughly half the keys land in the 50% bucket.
	assert.Greater(t, challengerHits, 40)
	assert.Less(t, challengerHits, 160)
}

func TestShadowPredictions(t *testing.T) {
	repo := NewShadowPredictionRepository(testDB(t), zerolog.Nop())
	h := tenant.MustNew("acme")
	day := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)

	for _, pair := range []struct{ champ, chal float64 }{{10, 12}, {5, 5}, {8, 4}} {
		require.NoError(t, repo.Insert(h, ShadowPrediction{
			ModelName: "demand", StoreID: "s1", ProductID: "p1",
			ForecastDate:    day,
			ChampionVersion: "v1", ChallengerVersion: "v2",
			ChampionValue: pair.champ, ChallengerValue: pair.chal,
		}))
	}

	gap, n, err := repo.Divergence(h, "demand", "v2", day.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.InDelta(t, 2.0, gap, 1e-9)
}
