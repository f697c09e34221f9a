// Package training fits the forecasting regressors, cross-validates them,
// and persists immutable model artifacts.
package training

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/aristath/shelfops/internal/domain"
)

// Prediction is one quantile triple. P50 is the point forecast; P10/P90
// bound the 90% central interval.
type Prediction struct {
	P10 float64 `msgpack:"p10" json:"p10"`
	P50 float64 `msgpack:"p50" json:"p50"`
	P90 float64 `msgpack:"p90" json:"p90"`
}

// Regressor is the capability every model implementation provides.
type Regressor interface {
	Fit(X [][]float64, y []float64) error
	Predict(X [][]float64) ([]Prediction, error)
}

// quantileZ spans the 90% central interval (5% per tail).
const quantileZ = 1.645

// Ridge is linear regression with L2 regularization, solved by normal
// equations. Fields are exported for artifact serialization.
type Ridge struct {
	Lambda      float64   `msgpack:"lambda"`
	Intercept   float64   `msgpack:"intercept"`
	Coef        []float64 `msgpack:"coef"`
	ResidualStd float64   `msgpack:"residual_std"`
}

// NewRidge creates a ridge regressor. lambda <= 0 falls back to 1.0.
func NewRidge(lambda float64) *Ridge {
	if lambda <= 0 {
		lambda = 1.0
	}
	return &Ridge{Lambda: lambda}
}

// Fit solves (XᵀX + λI)β = Xᵀy with an intercept column.
func (r *Ridge) Fit(X [][]float64, y []float64) error {
	n := len(X)
	if n == 0 || n != len(y) {
		return domain.ErrDataUnavailable
	}
	p := len(X[0]) + 1 // Leading intercept column

	data := make([]float64, n*p)
	for i, row := range X {
		data[i*p] = 1
		copy(data[i*p+1:], row)
	}
	xm := mat.NewDense(n, p, data)
	yv := mat.NewVecDense(n, y)

	var xtx mat.Dense
	xtx.Mul(xm.T(), xm)
	for j := 1; j < p; j++ { // Intercept stays unpenalized
		xtx.Set(j, j, xtx.At(j, j)+r.Lambda)
	}
	var xty mat.VecDense
	xty.MulVec(xm.T(), yv)

	var beta mat.VecDense
	if err := beta.SolveVec(&xtx, &xty); err != nil {
		return domain.ErrDataUnavailable
	}

	r.Intercept = beta.AtVec(0)
	r.Coef = make([]float64, p-1)
	for j := 1; j < p; j++ {
		r.Coef[j-1] = beta.AtVec(j)
	}

	var ss float64
	for i, row := range X {
		resid := y[i] - r.point(row)
		ss += resid * resid
	}
	r.ResidualStd = math.Sqrt(ss / float64(n))
	return nil
}

// Predict returns quantile triples; bounds come from the training residual
// dispersion.
func (r *Ridge) Predict(X [][]float64) ([]Prediction, error) {
	if r.Coef == nil {
		return nil, domain.ErrDataUnavailable
	}
	out := make([]Prediction, len(X))
	for i, row := range X {
		p50 := r.point(row)
		spread := quantileZ * r.ResidualStd
		out[i] = Prediction{P10: p50 - spread, P50: p50, P90: p50 + spread}
	}
	return out, nil
}

func (r *Ridge) point(row []float64) float64 {
	v := r.Intercept
	for j, x := range row {
		if j < len(r.Coef) {
			v += r.Coef[j] * x
		}
	}
	return v
}

// SeasonalNaive predicts the day-of-week mean with bounds from the residual
// spread around those means.
type SeasonalNaive struct {
	DowIndex    int        `msgpack:"dow_index"` // Position of day_of_week in the feature row
	Means       [7]float64 `msgpack:"means"`
	Counts      [7]int     `msgpack:"counts"`
	GlobalMean  float64    `msgpack:"global_mean"`
	ResidualStd float64    `msgpack:"residual_std"`
}

// NewSeasonalNaive creates a seasonal-naive regressor reading day-of-week
// from the given feature column index.
func NewSeasonalNaive(dowIndex int) *SeasonalNaive {
	return &SeasonalNaive{DowIndex: dowIndex}
}

// Fit computes per-DOW means over the training target.
func (s *SeasonalNaive) Fit(X [][]float64, y []float64) error {
	if len(X) == 0 || len(X) != len(y) {
		return domain.ErrDataUnavailable
	}
	var sums [7]float64
	var total float64
	s.Counts = [7]int{}
	for i, row := range X {
		dow := s.dow(row)
		sums[dow] += y[i]
		s.Counts[dow]++
		total += y[i]
	}
	s.GlobalMean = total / float64(len(y))
	for d := 0; d < 7; d++ {
		if s.Counts[d] > 0 {
			s.Means[d] = sums[d] / float64(s.Counts[d])
		} else {
			s.Means[d] = s.GlobalMean
		}
	}

	var ss float64
	for i, row := range X {
		resid := y[i] - s.Means[s.dow(row)]
		ss += resid * resid
	}
	s.ResidualStd = math.Sqrt(ss / float64(len(y)))
	return nil
}

// Predict returns the DOW mean with residual-spread bounds.
func (s *SeasonalNaive) Predict(X [][]float64) ([]Prediction, error) {
	out := make([]Prediction, len(X))
	for i, row := range X {
		p50 := s.Means[s.dow(row)]
		spread := quantileZ * s.ResidualStd
		out[i] = Prediction{P10: p50 - spread, P50: p50, P90: p50 + spread}
	}
	return out, nil
}

func (s *SeasonalNaive) dow(row []float64) int {
	if s.DowIndex < 0 || s.DowIndex >= len(row) {
		return 0
	}
	d := int(row[s.DowIndex])
	if d < 0 || d > 6 {
		return 0
	}
	return d
}

// Ensemble blends member predictions with normalized weights, combining both
// the p50s and the quantile bounds.
type Ensemble struct {
	members []Regressor
	weights []float64
}

// NewEnsemble builds a weighted ensemble. Zero-weight members are dropped.
func NewEnsemble(members []Regressor, weights []float64) *Ensemble {
	e := &Ensemble{}
	var total float64
	for i, m := range members {
		if i < len(weights) && weights[i] > 0 {
			e.members = append(e.members, m)
			e.weights = append(e.weights, weights[i])
			total += weights[i]
		}
	}
	for i := range e.weights {
		e.weights[i] /= total
	}
	return e
}

// Fit fits every member on the same data.
func (e *Ensemble) Fit(X [][]float64, y []float64) error {
	if len(e.members) == 0 {
		return domain.ErrDataUnavailable
	}
	for _, m := range e.members {
		if err := m.Fit(X, y); err != nil {
			return err
		}
	}
	return nil
}

// Predict blends member quantiles with the normalized weights.
func (e *Ensemble) Predict(X [][]float64) ([]Prediction, error) {
	if len(e.members) == 0 {
		return nil, domain.ErrDataUnavailable
	}
	out := make([]Prediction, len(X))
	for i, m := range e.members {
		preds, err := m.Predict(X)
		if err != nil {
			return nil, err
		}
		w := e.weights[i]
		for j, p := range preds {
			out[j].P10 += w * p.P10
			out[j].P50 += w * p.P50
			out[j].P90 += w * p.P90
		}
	}
	return out, nil
}
