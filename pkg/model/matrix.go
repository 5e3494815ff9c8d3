package model

import (
	"strconv"
	"strings"

	"github.com/mchmarny/churnctl/pkg/dataset"
	"github.com/pkg/errors"
)

// Matrix builds the feature matrix in the given column order. Columns with an
// encoder are encoded, all others must be numeric.
func Matrix(f *dataset.Frame, features []string, enc Encoders) ([][]float64, error) {
	idx := make([]int, len(features))
	for j, c := range features {
		if idx[j] = f.Index(c); idx[j] < 0 {
			return nil, errors.Errorf("missing feature column: %s", c)
		}
	}

	X := make([][]float64, f.Len())
	for i, row := range f.Rows {
		x := make([]float64, len(features))
		for j, c := range features {
			v := row[idx[j]]
			if e, ok := enc[c]; ok {
				code, err := e.Code(v)
				if err != nil {
					return nil, errors.Wrapf(err, "row %d column %s", i, c)
				}
				x[j] = float64(code)
				continue
			}
			n, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				return nil, errors.Wrapf(err, "row %d column %s", i, c)
			}
			x[j] = n
		}
		X[i] = x
	}
	return X, nil
}

// Labels encodes the target column into 0/1 class codes.
func Labels(f *dataset.Frame, col string, enc Encoders) ([]int, error) {
	e, ok := enc[col]
	if !ok {
		e = NewLabelEncoder(f.Column(col))
	}
	if len(e.Classes) > 2 {
		return nil, errors.Errorf("target %s has %d classes, expected at most 2", col, len(e.Classes))
	}
	return e.Transform(f.Column(col))
}

func itoa(v int) string {
	return strconv.Itoa(v)
}
