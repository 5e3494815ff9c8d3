package model

import (
	"encoding/json"
	"strconv"
)

const (
	reportAccuracy = "accuracy"
	reportMacro    = "macro avg"
	reportWeighted = "weighted avg"
)

// ClassScores are the per-class scores of a classification report.
type ClassScores struct {
	Precision float64 `json:"precision" yaml:"precision"`
	Recall    float64 `json:"recall" yaml:"recall"`
	F1        float64 `json:"f1-score" yaml:"f1Score"`
	Support   int     `json:"support" yaml:"support"`
}

// ClassificationReport holds per-class scores plus averages.
type ClassificationReport struct {
	Classes     map[int]ClassScores `json:"-" yaml:"classes"`
	Accuracy    float64             `json:"-" yaml:"accuracy"`
	MacroAvg    ClassScores         `json:"-" yaml:"macroAvg"`
	WeightedAvg ClassScores         `json:"-" yaml:"weightedAvg"`
}

// NewClassificationReport computes the report for binary labels 0 and 1.
func NewClassificationReport(y, pred []int) *ClassificationReport {
	r := &ClassificationReport{Classes: make(map[int]ClassScores, 2)}
	total := len(y)

	var correct int
	for i := range y {
		if y[i] == pred[i] {
			correct++
		}
	}
	r.Accuracy = ratio(correct, total)

	for _, class := range []int{0, 1} {
		c := confusion(y, pred, class)
		p := ratio(c.tp, c.tp+c.fp)
		rec := ratio(c.tp, c.tp+c.fn)
		s := ClassScores{
			Precision: p,
			Recall:    rec,
			F1:        f1(p, rec),
			Support:   c.tp + c.fn,
		}
		r.Classes[class] = s

		r.MacroAvg.Precision += s.Precision / 2
		r.MacroAvg.Recall += s.Recall / 2
		r.MacroAvg.F1 += s.F1 / 2

		if total > 0 {
			w := float64(s.Support) / float64(total)
			r.WeightedAvg.Precision += s.Precision * w
			r.WeightedAvg.Recall += s.Recall * w
			r.WeightedAvg.F1 += s.F1 * w
		}
	}
	r.MacroAvg.Support = total
	r.WeightedAvg.Support = total
	return r
}

// MarshalJSON writes the report in the flat layout reporting tools expect:
// one key per class label plus accuracy, macro avg and weighted avg.
func (r *ClassificationReport) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(r.Classes)+3)
	for c, s := range r.Classes {
		m[strconv.Itoa(c)] = s
	}
	m[reportAccuracy] = r.Accuracy
	m[reportMacro] = r.MacroAvg
	m[reportWeighted] = r.WeightedAvg
	return json.Marshal(m)
}
