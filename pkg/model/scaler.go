package model

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"
)

// StandardScaler removes the mean and scales to unit population variance.
// A feature with zero variance keeps scale 1.
type StandardScaler struct {
	Features []string  `json:"features" yaml:"features"`
	Mean     []float64 `json:"mean" yaml:"mean"`
	Var      []float64 `json:"var" yaml:"var"`
	Scale    []float64 `json:"scale" yaml:"scale"`
	Samples  int       `json:"n_samples_seen" yaml:"samplesSeen"`
}

// FitScaler computes per-column statistics of X.
func FitScaler(features []string, X [][]float64) (*StandardScaler, error) {
	if len(X) == 0 {
		return nil, errors.New("cannot fit scaler on empty matrix")
	}
	m := len(features)
	s := &StandardScaler{
		Features: append([]string(nil), features...),
		Mean:     make([]float64, m),
		Var:      make([]float64, m),
		Scale:    make([]float64, m),
		Samples:  len(X),
	}

	col := make([]float64, len(X))
	for j := 0; j < m; j++ {
		for i, row := range X {
			if len(row) != m {
				return nil, errors.Errorf("row %d has %d values, expected %d", i, len(row), m)
			}
			col[i] = row[j]
		}
		s.Mean[j], s.Var[j] = stat.PopMeanVariance(col, nil)
		s.Scale[j] = math.Sqrt(s.Var[j])
		if s.Scale[j] == 0 {
			s.Scale[j] = 1
		}
	}
	return s, nil
}

// Transform returns a scaled copy of X.
func (s *StandardScaler) Transform(X [][]float64) ([][]float64, error) {
	out := make([][]float64, len(X))
	for i, row := range X {
		if len(row) != len(s.Mean) {
			return nil, errors.Errorf("row %d has %d values, expected %d", i, len(row), len(s.Mean))
		}
		r := make([]float64, len(row))
		for j, v := range row {
			r[j] = (v - s.Mean[j]) / s.Scale[j]
		}
		out[i] = r
	}
	return out, nil
}
