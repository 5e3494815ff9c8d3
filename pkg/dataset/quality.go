package dataset

import (
	"strings"

	"github.com/mchmarny/churnctl/pkg/errs"
)

const (
	MaxNullRatioDefault      = 0.10
	MaxDuplicateRatioDefault = 0.05

	typeInt    = "int64"
	typeFloat  = "float64"
	typeObject = "object"
)

// QualityThresholds bounds the acceptable share of nulls and duplicate rows.
type QualityThresholds struct {
	MaxNullRatio      float64 `json:"max_null_ratio" yaml:"max_null_ratio"`
	MaxDuplicateRatio float64 `json:"max_duplicate_ratio" yaml:"max_duplicate_ratio"`
}

// DefaultQualityThresholds returns the 10% null / 5% duplicate limits.
func DefaultQualityThresholds() QualityThresholds {
	return QualityThresholds{
		MaxNullRatio:      MaxNullRatioDefault,
		MaxDuplicateRatio: MaxDuplicateRatioDefault,
	}
}

// QualityReport summarizes a raw data source.
type QualityReport struct {
	TotalRows     int               `json:"total_rows" yaml:"totalRows"`
	NullValues    int               `json:"null_values" yaml:"nullValues"`
	DuplicateRows int               `json:"duplicate_rows" yaml:"duplicateRows"`
	Columns       []string          `json:"columns" yaml:"columns"`
	DataTypes     map[string]string `json:"data_types" yaml:"dataTypes"`
	Passed        bool              `json:"passed" yaml:"passed"`
}

// CheckQuality inspects a raw frame. Null counting happens after TotalCharges
// coercion so values that fail numeric parsing count as missing.
// The report is returned even when a threshold is exceeded.
func CheckQuality(f *Frame, t QualityThresholds) (*QualityReport, error) {
	if f == nil {
		return nil, errs.Errorf(errs.KindDataLoad, "check quality", "nil frame")
	}

	c := f.Clone()
	if c.Has(ColTotalCharges) {
		coerceNumeric(c, ColTotalCharges)
	}

	r := &QualityReport{
		TotalRows:     c.Len(),
		DuplicateRows: countDuplicates(f),
		Columns:       append([]string(nil), f.Columns...),
		DataTypes:     inferTypes(c),
	}
	for _, n := range nullCounts(c) {
		r.NullValues += n
	}

	total := float64(r.TotalRows)
	if float64(r.NullValues) > total*t.MaxNullRatio {
		return r, errs.Errorf(errs.KindDataLoad, "check quality",
			"too many null values: %d (>%.0f%% of %d rows)", r.NullValues, t.MaxNullRatio*100, r.TotalRows)
	}
	if float64(r.DuplicateRows) > total*t.MaxDuplicateRatio {
		return r, errs.Errorf(errs.KindDataLoad, "check quality",
			"too many duplicate rows: %d (>%.0f%% of %d rows)", r.DuplicateRows, t.MaxDuplicateRatio*100, r.TotalRows)
	}

	r.Passed = true
	return r, nil
}

// countDuplicates counts rows identical to an earlier row.
func countDuplicates(f *Frame) int {
	seen := make(map[string]struct{}, len(f.Rows))
	n := 0
	for _, row := range f.Rows {
		k := strings.Join(row, "\x1f")
		if _, ok := seen[k]; ok {
			n++
			continue
		}
		seen[k] = struct{}{}
	}
	return n
}

func inferTypes(f *Frame) map[string]string {
	m := make(map[string]string, len(f.Columns))
	for i, c := range f.Columns {
		m[c] = columnType(f, i)
	}
	return m
}

func columnType(f *Frame, i int) string {
	t := typeInt
	seen := false
	for _, row := range f.Rows {
		v := strings.TrimSpace(row[i])
		if v == "" {
			// pandas promotes int columns with missing values to float
			if t == typeInt {
				t = typeFloat
			}
			continue
		}
		n, ok := parseFloat(v)
		if !ok {
			return typeObject
		}
		seen = true
		if n != float64(int64(n)) || strings.ContainsAny(v, ".eE") {
			t = typeFloat
		}
	}
	if !seen {
		return typeObject
	}
	return t
}
