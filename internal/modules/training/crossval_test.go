package training

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/shelfops/internal/domain"
)

func TestCrossValidateShortData(t *testing.T) {
	X := [][]float64{{1}, {2}, {3}}
	y := []float64{1, 2, 3}
	_, err := CrossValidate(func() Regressor { return NewRidge(1) }, X, y, 2)
	assert.ErrorIs(t, err, domain.ErrDataUnavailable)
}

func TestCrossValidateLinearData(t *testing.T) {
	var X [][]float64
	var y []float64
	for i := 0; i < 30; i++ {
		X = append(X, []float64{float64(i)})
		y = append(y, 3*float64(i)+2)
	}

	metrics, err := CrossValidate(func() Regressor { return NewRidge(0.001) }, X, y, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, metrics.Folds)
	assert.Less(t, metrics.MAE, 1.0, "a noiseless linear series should extrapolate cleanly")
	assert.Less(t, metrics.MAPE, 0.1)
	assert.GreaterOrEqual(t, metrics.Coverage, 0.0)
	assert.LessOrEqual(t, metrics.Coverage, 1.0)
}

func TestCrossValidateDefaultsFolds(t *testing.T) {
	var X [][]float64
	var y []float64
	for i := 0; i < 40; i++ {
		X = append(X, []float64{float64(i % 7)})
		y = append(y, float64(5+i%7))
	}
	metrics, err := CrossValidate(func() Regressor { return NewSeasonalNaive(0) }, X, y, 0)
	require.NoError(t, err)
	assert.Equal(t, 5, metrics.Folds)
}

func TestFoldMetricsSemantics(t *testing.T) {
	preds := []Prediction{
		{P10: 0, P50: 10, P90: 20},
		{P10: 0, P50: 5, P90: 8},
		{P10: 1, P50: 2, P90: 3},
	}
	actuals := []float64{10, 10, 0}

	mae, mape, coverage, hasNonzero := foldMetrics(preds, actuals)
	// |10-10| + |5-10| + |2-0| over 3 rows.
	assert.InDelta(t, 7.0/3.0, mae, 1e-9)
	// Zero-actual rows stay out of the percentage error.
	assert.InDelta(t, 0.25, mape, 1e-9)
	assert.True(t, hasNonzero)
	// Rows 1 and 2 miss their intervals (10 > 8, 0 < 1).
	assert.InDelta(t, 1.0/3.0, coverage, 1e-9)
}
