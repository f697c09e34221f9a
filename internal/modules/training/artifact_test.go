package training

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/shelfops/internal/domain"
	"github.com/aristath/shelfops/internal/tenant"
)

func fittedArtifact(t *testing.T, version string) *Artifact {
	t.Helper()
	ridge := NewRidge(1.0)
	require.NoError(t, ridge.Fit([][]float64{{1}, {2}, {3}}, []float64{2, 4, 6}))
	seasonal := NewSeasonalNaive(0)
	require.NoError(t, seasonal.Fit([][]float64{{1}, {2}, {3}}, []float64{2, 4, 6}))

	return &Artifact{
		ModelName:   "demand",
		Version:     version,
		Tier:        "cold_start",
		FeatureCols: []string{"day_of_week"},
		Weights:     map[string]float64{"ridge": 0.7, "seasonal_naive": 0.3},
		Ridge:       ridge,
		Seasonal:    seasonal,
		TrainedAt:   time.Date(2026, 1, 10, 5, 0, 0, 0, time.UTC),
	}
}

func TestArtifactSaveLoadRoundTrip(t *testing.T) {
	store := NewArtifactStore(t.TempDir())
	h := tenant.MustNew("acme")
	a := fittedArtifact(t, "v20260110-001")

	require.NoError(t, store.Save(h, a))
	assert.True(t, store.Exists(h, "demand", "v20260110-001"))

	loaded, err := store.Load(h, "demand", "v20260110-001")
	require.NoError(t, err)
	assert.Equal(t, a.Version, loaded.Version)
	assert.Equal(t, a.Weights, loaded.Weights)
	require.NotNil(t, loaded.Ridge)
	assert.InDelta(t, a.Ridge.Coef[0], loaded.Ridge.Coef[0], 1e-12)

	// The reassembled ensemble predicts identically to the original.
	orig, err := a.Regressor()
	require.NoError(t, err)
	restored, err := loaded.Regressor()
	require.NoError(t, err)

	want, err := orig.Predict([][]float64{{4}})
	require.NoError(t, err)
	got, err := restored.Predict([][]float64{{4}})
	require.NoError(t, err)
	assert.InDelta(t, want[0].P50, got[0].P50, 1e-9)
}

func TestArtifactSaveRefusesOverwrite(t *testing.T) {
	store := NewArtifactStore(t.TempDir())
	h := tenant.MustNew("acme")

	require.NoError(t, store.Save(h, fittedArtifact(t, "v20260110-001")))
	err := store.Save(h, fittedArtifact(t, "v20260110-001"))

	var ce *domain.ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "v20260110-001", ce.ExistingID)
}

func TestArtifactLoadMissing(t *testing.T) {
	store := NewArtifactStore(t.TempDir())
	_, err := store.Load(tenant.MustNew("acme"), "demand", "v-nope")
	var mle *domain.ModelLoadError
	require.ErrorAs(t, err, &mle)
	assert.Equal(t, "v-nope", mle.Version)
}

func TestArtifactIsTenantScoped(t *testing.T) {
	store := NewArtifactStore(t.TempDir())
	require.NoError(t, store.Save(tenant.MustNew("acme"), fittedArtifact(t, "v1")))

	assert.False(t, store.Exists(tenant.MustNew("globex"), "demand", "v1"))
	_, err := store.Load(tenant.MustNew("globex"), "demand", "v1")
	assert.Error(t, err)
}

func TestArtifactRegressorSingleMember(t *testing.T) {
	ridge := NewRidge(1.0)
	require.NoError(t, ridge.Fit([][]float64{{1}, {2}}, []float64{1, 2}))
	a := &Artifact{Version: "v1", Weights: map[string]float64{"ridge": 1}, Ridge: ridge}

	reg, err := a.Regressor()
	require.NoError(t, err)
	_, isRidge := reg.(*Ridge)
	assert.True(t, isRidge, "single-member artifacts skip the ensemble wrapper")
}

func TestArtifactRegressorEmpty(t *testing.T) {
	a := &Artifact{Version: "v1"}
	_, err := a.Regressor()
	var mle *domain.ModelLoadError
	assert.ErrorAs(t, err, &mle)
}
