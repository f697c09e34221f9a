package training

import (
	"math"

	"github.com/aristath/shelfops/internal/domain"
)

// CVMetrics aggregates fold validation results.
type CVMetrics struct {
	MAE      float64
	MAPE     float64 // Excludes zero-actual rows
	Coverage float64 // Fraction of validation actuals inside [p10, p90]
	Folds    int
}

// CrossValidate runs time-ordered k-fold validation: the data is split into
// k+1 sequential blocks, fold i trains on blocks [0..i] and validates on
// block i+1, so validation rows always postdate training rows. newRegressor
// supplies a fresh regressor per fold.
func CrossValidate(newRegressor func() Regressor, X [][]float64, y []float64, folds int) (*CVMetrics, error) {
	if folds < 2 {
		folds = 5
	}
	n := len(X)
	if n < (folds+1)*2 {
		return nil, domain.ErrDataUnavailable
	}
	blockSize := n / (folds + 1)

	var maeSum, mapeSum, covSum float64
	var mapeFolds, run int
	for fold := 0; fold < folds; fold++ {
		trainEnd := (fold + 1) * blockSize
		valEnd := trainEnd + blockSize
		if fold == folds-1 {
			valEnd = n
		}

		reg := newRegressor()
		if err := reg.Fit(X[:trainEnd], y[:trainEnd]); err != nil {
			return nil, err
		}
		preds, err := reg.Predict(X[trainEnd:valEnd])
		if err != nil {
			return nil, err
		}

		valY := y[trainEnd:valEnd]
		mae, mape, cov, hasNonzero := foldMetrics(preds, valY)
		maeSum += mae
		covSum += cov
		if hasNonzero {
			mapeSum += mape
			mapeFolds++
		}
		run++
	}

	metrics := &CVMetrics{
		MAE:      maeSum / float64(run),
		Coverage: covSum / float64(run),
		Folds:    run,
	}
	if mapeFolds > 0 {
		metrics.MAPE = mapeSum / float64(mapeFolds)
	}
	return metrics, nil
}

func foldMetrics(preds []Prediction, actuals []float64) (mae, mape, coverage float64, hasNonzero bool) {
	var absSum, pctSum, covered float64
	var nonzero int
	for i, p := range preds {
		actual := actuals[i]
		absSum += math.Abs(p.P50 - actual)
		if actual != 0 {
			pctSum += math.Abs(p.P50-actual) / math.Abs(actual)
			nonzero++
		}
		if actual >= p.P10 && actual <= p.P90 {
			covered++
		}
	}
	n := float64(len(preds))
	mae = absSum / n
	coverage = covered / n
	if nonzero > 0 {
		mape = pctSum / float64(nonzero)
		hasNonzero = true
	}
	return mae, mape, coverage, hasNonzero
}
