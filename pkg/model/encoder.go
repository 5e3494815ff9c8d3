package model

import (
	"slices"
	"sort"

	"github.com/mchmarny/churnctl/pkg/dataset"
	"github.com/pkg/errors"
)

// ErrUnknownClass is returned when a value was not seen while fitting an encoder.
var ErrUnknownClass = errors.New("unknown class")

// LabelEncoder maps category values to integer codes in sorted class order.
type LabelEncoder struct {
	Classes []string `json:"classes" yaml:"classes"`
}

// NewLabelEncoder fits an encoder over the given values.
func NewLabelEncoder(values []string) *LabelEncoder {
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		seen[v] = struct{}{}
	}
	classes := make([]string, 0, len(seen))
	for v := range seen {
		classes = append(classes, v)
	}
	sort.Strings(classes)
	return &LabelEncoder{Classes: classes}
}

// Code returns the integer code of a single value.
func (e *LabelEncoder) Code(v string) (int, error) {
	i, ok := slices.BinarySearch(e.Classes, v)
	if !ok {
		return 0, errors.Wrapf(ErrUnknownClass, "value %q", v)
	}
	return i, nil
}

// Transform encodes values into codes.
func (e *LabelEncoder) Transform(values []string) ([]int, error) {
	out := make([]int, len(values))
	for i, v := range values {
		c, err := e.Code(v)
		if err != nil {
			return nil, err
		}
		out[i] = c
	}
	return out, nil
}

// Inverse decodes codes back into the original values.
func (e *LabelEncoder) Inverse(codes []int) ([]string, error) {
	out := make([]string, len(codes))
	for i, c := range codes {
		if c < 0 || c >= len(e.Classes) {
			return nil, errors.Errorf("code %d out of range [0,%d)", c, len(e.Classes))
		}
		out[i] = e.Classes[c]
	}
	return out, nil
}

// Encoders holds one fitted encoder per categorical column.
type Encoders map[string]*LabelEncoder

// FitEncoders fits an encoder for every non-numeric column of the frame
// except the excluded ones.
func FitEncoders(f *dataset.Frame, exclude ...string) Encoders {
	enc := make(Encoders)
	for _, c := range f.Columns {
		if slices.Contains(exclude, c) || f.IsNumeric(c) {
			continue
		}
		enc[c] = NewLabelEncoder(f.Column(c))
	}
	return enc
}

// Columns returns the encoded column names in sorted order.
func (e Encoders) Columns() []string {
	out := make([]string, 0, len(e))
	for c := range e {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Apply replaces each encoded column of the frame with its integer codes.
func (e Encoders) Apply(f *dataset.Frame) error {
	for _, c := range e.Columns() {
		if !f.Has(c) {
			continue
		}
		codes, err := e[c].Transform(f.Column(c))
		if err != nil {
			return errors.Wrapf(err, "encode column %s", c)
		}
		vals := make([]string, len(codes))
		for i, v := range codes {
			vals[i] = itoa(v)
		}
		f.Append(c, vals)
	}
	return nil
}
