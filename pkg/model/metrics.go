package model

import (
	"math"
	"sort"

	"github.com/pkg/errors"
)

// ErrSingleClass is returned when ROC-AUC is requested for a single-class target.
var ErrSingleClass = errors.New("only one class present in target")

// Metrics are the held-out evaluation scores of a trained model.
type Metrics struct {
	Accuracy  float64 `json:"accuracy" yaml:"accuracy"`
	Precision float64 `json:"precision" yaml:"precision"`
	Recall    float64 `json:"recall" yaml:"recall"`
	F1        float64 `json:"f1_score" yaml:"f1Score"`
	ROCAUC    float64 `json:"roc_auc" yaml:"rocAuc"`
}

// Map returns the metrics keyed by their tracking names.
func (m Metrics) Map() map[string]float64 {
	return map[string]float64{
		"accuracy":  m.Accuracy,
		"precision": m.Precision,
		"recall":    m.Recall,
		"f1_score":  m.F1,
		"roc_auc":   m.ROCAUC,
	}
}

// Evaluate scores hard predictions derived from proba at 0.5 and the
// probabilities themselves against y. The positive class is 1.
func Evaluate(y []int, proba []float64) (Metrics, error) {
	if len(y) == 0 || len(y) != len(proba) {
		return Metrics{}, errors.Errorf("invalid evaluation data: %d labels, %d predictions", len(y), len(proba))
	}

	pred := make([]int, len(proba))
	for i, p := range proba {
		if p >= 0.5 {
			pred[i] = 1
		}
	}

	c := confusion(y, pred, 1)
	auc, err := AUC(y, proba)
	if err != nil {
		return Metrics{}, err
	}

	return Metrics{
		Accuracy:  float64(c.tp+c.tn) / float64(len(y)),
		Precision: ratio(c.tp, c.tp+c.fp),
		Recall:    ratio(c.tp, c.tp+c.fn),
		F1:        f1(ratio(c.tp, c.tp+c.fp), ratio(c.tp, c.tp+c.fn)),
		ROCAUC:    auc,
	}, nil
}

// AUC computes the area under the ROC curve from ranks. Tied scores share
// their average rank.
func AUC(y []int, score []float64) (float64, error) {
	idx := make([]int, len(score))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return score[idx[a]] < score[idx[b]] })

	var pos, neg int
	rankSum := 0.0
	for i := 0; i < len(idx); {
		j := i
		for j < len(idx) && score[idx[j]] == score[idx[i]] {
			j++
		}
		avg := float64(i+j+1) / 2
		for k := i; k < j; k++ {
			if y[idx[k]] == 1 {
				rankSum += avg
			}
		}
		i = j
	}
	for _, v := range y {
		if v == 1 {
			pos++
		} else {
			neg++
		}
	}
	if pos == 0 || neg == 0 {
		return 0, ErrSingleClass
	}

	u := rankSum - float64(pos*(pos+1))/2
	return u / float64(pos*neg), nil
}

// LogLoss is the mean binary cross-entropy of probabilities p against y.
func LogLoss(y []int, p []float64) float64 {
	if len(y) == 0 {
		return 0
	}
	sum := 0.0
	for i, v := range p {
		v = math.Min(math.Max(v, probEps), 1-probEps)
		if y[i] == 1 {
			sum -= math.Log(v)
		} else {
			sum -= math.Log(1 - v)
		}
	}
	return sum / float64(len(y))
}

type counts struct {
	tp, fp, tn, fn int
}

func confusion(y, pred []int, positive int) counts {
	var c counts
	for i := range y {
		switch {
		case pred[i] == positive && y[i] == positive:
			c.tp++
		case pred[i] == positive:
			c.fp++
		case y[i] == positive:
			c.fn++
		default:
			c.tn++
		}
	}
	return c
}

// ratio returns 0 for an empty denominator.
func ratio(n, d int) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}

func f1(p, r float64) float64 {
	if p+r == 0 {
		return 0
	}
	return 2 * p * r / (p + r)
}
