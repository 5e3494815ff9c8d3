package model

import (
	"context"
	"log/slog"
	"math"
	"math/rand/v2"
	"sort"

	"github.com/pkg/errors"
)

const (
	ObjectiveBinaryLogistic = "binary:logistic"

	minHessian = 1e-16
	minGain    = 1e-6
	probEps    = 1e-15
)

// Params are the booster hyper-parameters.
type Params struct {
	NumTrees       int     `json:"n_estimators" yaml:"n_estimators"`
	MaxDepth       int     `json:"max_depth" yaml:"max_depth"`
	LearningRate   float64 `json:"learning_rate" yaml:"learning_rate"`
	Subsample      float64 `json:"subsample" yaml:"subsample"`
	ColSample      float64 `json:"colsample_bytree" yaml:"colsample_bytree"`
	Lambda         float64 `json:"reg_lambda" yaml:"reg_lambda"`
	MinChildWeight float64 `json:"min_child_weight" yaml:"min_child_weight"`
	Seed           uint64  `json:"random_state" yaml:"random_state"`
}

// DefaultParams returns the production training configuration.
func DefaultParams() Params {
	return Params{
		NumTrees:       150,
		MaxDepth:       7,
		LearningRate:   0.1,
		Subsample:      0.8,
		ColSample:      0.8,
		Lambda:         1,
		MinChildWeight: 1,
		Seed:           42,
	}
}

// Validate checks the parameter ranges.
func (p Params) Validate() error {
	switch {
	case p.NumTrees < 1:
		return errors.Errorf("n_estimators must be positive: %d", p.NumTrees)
	case p.MaxDepth < 1:
		return errors.Errorf("max_depth must be positive: %d", p.MaxDepth)
	case p.LearningRate <= 0:
		return errors.Errorf("learning_rate must be positive: %v", p.LearningRate)
	case p.Subsample <= 0 || p.Subsample > 1:
		return errors.Errorf("subsample must be in (0,1]: %v", p.Subsample)
	case p.ColSample <= 0 || p.ColSample > 1:
		return errors.Errorf("colsample_bytree must be in (0,1]: %v", p.ColSample)
	case p.Lambda < 0:
		return errors.Errorf("reg_lambda must not be negative: %v", p.Lambda)
	}
	return nil
}

// Map returns the parameters as a flat name/value map for tracking.
func (p Params) Map() map[string]any {
	return map[string]any{
		"n_estimators":     p.NumTrees,
		"max_depth":        p.MaxDepth,
		"learning_rate":    p.LearningRate,
		"subsample":        p.Subsample,
		"colsample_bytree": p.ColSample,
		"reg_lambda":       p.Lambda,
		"min_child_weight": p.MinChildWeight,
		"random_state":     p.Seed,
		"eval_metric":      "logloss",
		"objective":        ObjectiveBinaryLogistic,
	}
}

// Node is one node of a flattened regression tree. Leaves have Left == -1.
// Rows with value < Threshold go left.
type Node struct {
	Feature   int     `json:"f"`
	Threshold float64 `json:"t"`
	Left      int     `json:"l"`
	Right     int     `json:"r"`
	Value     float64 `json:"v"`
	Gain      float64 `json:"g,omitempty"`
	Cover     float64 `json:"c"`
}

// IsLeaf reports whether the node has no children.
func (n Node) IsLeaf() bool {
	return n.Left < 0
}

// Tree is a regression tree stored as a node slice rooted at index 0.
type Tree struct {
	Nodes []Node `json:"nodes"`
}

// Predict returns the leaf value for x.
func (t Tree) Predict(x []float64) float64 {
	i := 0
	for {
		n := t.Nodes[i]
		if n.IsLeaf() {
			return n.Value
		}
		if x[n.Feature] < n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}
}

// Booster is a gradient-boosted tree ensemble for binary classification.
type Booster struct {
	Objective   string    `json:"objective"`
	Params      Params    `json:"params"`
	Features    []string  `json:"features"`
	BaseMargin  float64   `json:"base_margin"`
	Trees       []Tree    `json:"trees"`
	EvalLogLoss []float64 `json:"eval_logloss,omitempty"`
}

// NewBooster creates an unfitted booster.
func NewBooster(p Params, features []string) *Booster {
	return &Booster{
		Objective: ObjectiveBinaryLogistic,
		Params:    p,
		Features:  append([]string(nil), features...),
	}
}

// EvalSet is a held-out set scored after every boosting round.
type EvalSet struct {
	X [][]float64
	Y []int
}

// Fit trains the ensemble. When eval is set its log loss is recorded per round.
func (b *Booster) Fit(ctx context.Context, X [][]float64, y []int, eval *EvalSet) error {
	if err := b.Params.Validate(); err != nil {
		return err
	}
	if len(X) == 0 || len(X) != len(y) {
		return errors.Errorf("invalid training data: %d rows, %d labels", len(X), len(y))
	}
	m := len(b.Features)
	for i, row := range X {
		if len(row) != m {
			return errors.Errorf("row %d has %d values, expected %d", i, len(row), m)
		}
	}

	pos := 0
	for _, v := range y {
		if v != 0 && v != 1 {
			return errors.Errorf("labels must be 0 or 1, got %d", v)
		}
		pos += v
	}
	mean := float64(pos) / float64(len(y))
	mean = math.Min(math.Max(mean, probEps), 1-probEps)
	b.BaseMargin = math.Log(mean / (1 - mean))
	b.Trees = make([]Tree, 0, b.Params.NumTrees)
	b.EvalLogLoss = nil

	rng := rand.New(rand.NewPCG(b.Params.Seed, b.Params.Seed^0x9e3779b97f4a7c15))
	order := sortedIndex(X, m)

	margin := make([]float64, len(X))
	for i := range margin {
		margin[i] = b.BaseMargin
	}
	var evalMargin []float64
	if eval != nil {
		evalMargin = make([]float64, len(eval.X))
		for i := range evalMargin {
			evalMargin[i] = b.BaseMargin
		}
	}

	g := make([]float64, len(X))
	h := make([]float64, len(X))
	for round := 0; round < b.Params.NumTrees; round++ {
		if err := ctx.Err(); err != nil {
			return errors.Wrap(err, "training canceled")
		}

		for i := range X {
			p := sigmoid(margin[i])
			g[i] = p - float64(y[i])
			h[i] = math.Max(p*(1-p), minHessian)
		}

		rows := sampleRows(rng, len(X), b.Params.Subsample)
		cols := sampleCols(rng, m, b.Params.ColSample)
		t := b.grow(X, g, h, order, rows, cols)
		b.Trees = append(b.Trees, t)

		for i, x := range X {
			margin[i] += t.Predict(x)
		}
		if eval != nil {
			for i, x := range eval.X {
				evalMargin[i] += t.Predict(x)
			}
			ll := logLossMargin(eval.Y, evalMargin)
			b.EvalLogLoss = append(b.EvalLogLoss, ll)
			slog.Debug("boosting round", "round", round, "validation_0-logloss", ll)
		}
	}
	return nil
}

// PredictMargin returns the raw log-odds for x.
func (b *Booster) PredictMargin(x []float64) float64 {
	v := b.BaseMargin
	for _, t := range b.Trees {
		v += t.Predict(x)
	}
	return v
}

// PredictProba returns the positive-class probability of each row.
func (b *Booster) PredictProba(X [][]float64) []float64 {
	out := make([]float64, len(X))
	for i, x := range X {
		out[i] = sigmoid(b.PredictMargin(x))
	}
	return out
}

// Predict returns hard 0/1 predictions at the 0.5 threshold.
func (b *Booster) Predict(X [][]float64) []int {
	p := b.PredictProba(X)
	out := make([]int, len(p))
	for i, v := range p {
		if v >= 0.5 {
			out[i] = 1
		}
	}
	return out
}

// Importance returns the total split gain per feature.
func (b *Booster) Importance() map[string]float64 {
	m := make(map[string]float64, len(b.Features))
	for _, t := range b.Trees {
		for _, n := range t.Nodes {
			if !n.IsLeaf() {
				m[b.Features[n.Feature]] += n.Gain
			}
		}
	}
	return m
}

type nodeStats struct {
	G, H float64
}

type split struct {
	gain      float64
	feature   int
	threshold float64
}

// grow builds one tree level by level with exact greedy split search.
func (b *Booster) grow(X [][]float64, g, h []float64, order [][]int, rows []bool, cols []int) Tree {
	p := b.Params

	nodeOf := make([]int, len(X))
	root := nodeStats{}
	for i := range X {
		if !rows[i] {
			nodeOf[i] = -1
			continue
		}
		root.G += g[i]
		root.H += h[i]
	}

	nodes := []Node{{Left: -1, Right: -1, Cover: root.H}}
	stats := []nodeStats{root}
	frontier := []int{0}

	for depth := 0; depth < p.MaxDepth && len(frontier) > 0; depth++ {
		slot := make(map[int]int, len(frontier))
		for k, id := range frontier {
			slot[id] = k
		}

		best := make([]split, len(frontier))
		gl := make([]float64, len(frontier))
		hl := make([]float64, len(frontier))
		last := make([]float64, len(frontier))
		started := make([]bool, len(frontier))

		for _, f := range cols {
			clear(gl)
			clear(hl)
			clear(started)
			for _, i := range order[f] {
				k, ok := slot[nodeOf[i]]
				if !ok {
					continue
				}
				v := X[i][f]
				if started[k] && v != last[k] {
					s := stats[frontier[k]]
					hr := s.H - hl[k]
					if hl[k] >= p.MinChildWeight && hr >= p.MinChildWeight {
						gain := splitGain(gl[k], hl[k], s.G-gl[k], hr, s.G, s.H, p.Lambda)
						if gain > best[k].gain {
							best[k] = split{gain: gain, feature: f, threshold: (last[k] + v) / 2}
						}
					}
				}
				gl[k] += g[i]
				hl[k] += h[i]
				last[k] = v
				started[k] = true
			}
		}

		next := make([]int, 0, 2*len(frontier))
		children := make(map[int][2]int)
		for k, id := range frontier {
			if best[k].gain <= minGain {
				continue
			}
			l := len(nodes)
			nodes = append(nodes, Node{Left: -1, Right: -1}, Node{Left: -1, Right: -1})
			stats = append(stats, nodeStats{}, nodeStats{})
			nodes[id].Feature = best[k].feature
			nodes[id].Threshold = best[k].threshold
			nodes[id].Gain = best[k].gain
			nodes[id].Left = l
			nodes[id].Right = l + 1
			children[id] = [2]int{l, l + 1}
			next = append(next, l, l+1)
		}
		if len(next) == 0 {
			break
		}

		for i := range X {
			c, ok := children[nodeOf[i]]
			if !ok {
				continue
			}
			n := nodes[nodeOf[i]]
			id := c[1]
			if X[i][n.Feature] < n.Threshold {
				id = c[0]
			}
			nodeOf[i] = id
			stats[id].G += g[i]
			stats[id].H += h[i]
		}
		for _, id := range next {
			nodes[id].Cover = stats[id].H
		}
		frontier = next
	}

	for id := range nodes {
		if nodes[id].IsLeaf() {
			nodes[id].Value = -stats[id].G / (stats[id].H + p.Lambda) * p.LearningRate
		}
	}
	return Tree{Nodes: nodes}
}

func splitGain(gl, hl, gr, hr, g, h, lambda float64) float64 {
	return 0.5 * (gl*gl/(hl+lambda) + gr*gr/(hr+lambda) - g*g/(h+lambda))
}

// sortedIndex returns, per feature, the row indices ordered by value.
func sortedIndex(X [][]float64, m int) [][]int {
	order := make([][]int, m)
	for f := 0; f < m; f++ {
		idx := make([]int, len(X))
		for i := range idx {
			idx[i] = i
		}
		sort.SliceStable(idx, func(a, b int) bool { return X[idx[a]][f] < X[idx[b]][f] })
		order[f] = idx
	}
	return order
}

func sampleRows(rng *rand.Rand, n int, ratio float64) []bool {
	rows := make([]bool, n)
	picked := false
	for i := range rows {
		if ratio >= 1 || rng.Float64() < ratio {
			rows[i] = true
			picked = true
		}
	}
	if !picked {
		rows[rng.IntN(n)] = true
	}
	return rows
}

func sampleCols(rng *rand.Rand, m int, ratio float64) []int {
	k := max(1, int(math.Floor(float64(m)*ratio)))
	if k >= m {
		cols := make([]int, m)
		for i := range cols {
			cols[i] = i
		}
		return cols
	}
	cols := rng.Perm(m)[:k]
	sort.Ints(cols)
	return cols
}

func sigmoid(v float64) float64 {
	return 1 / (1 + math.Exp(-v))
}

func logLossMargin(y []int, margin []float64) float64 {
	p := make([]float64, len(margin))
	for i, v := range margin {
		p[i] = sigmoid(v)
	}
	return LogLoss(y, p)
}
