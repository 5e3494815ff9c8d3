package model

import (
	"math"
	"math/rand/v2"
	"sort"

	"github.com/pkg/errors"
)

// StratifiedSplit partitions row indices into train and test sets, keeping the
// class proportions of y in both. The same seed always yields the same split.
func StratifiedSplit(y []int, testSize float64, seed uint64) (train, test []int, err error) {
	if testSize <= 0 || testSize >= 1 {
		return nil, nil, errors.Errorf("invalid test size: %v", testSize)
	}

	byClass := make(map[int][]int)
	for i, c := range y {
		byClass[c] = append(byClass[c], i)
	}
	classes := make([]int, 0, len(byClass))
	for c, rows := range byClass {
		if len(rows) < 2 {
			return nil, nil, errors.Errorf("class %d has %d rows, need at least 2 to stratify", c, len(rows))
		}
		classes = append(classes, c)
	}
	sort.Ints(classes)

	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	for _, c := range classes {
		rows := byClass[c]
		rng.Shuffle(len(rows), func(i, j int) { rows[i], rows[j] = rows[j], rows[i] })

		n := int(math.Round(float64(len(rows)) * testSize))
		n = max(1, min(n, len(rows)-1))
		test = append(test, rows[:n]...)
		train = append(train, rows[n:]...)
	}

	sort.Ints(train)
	sort.Ints(test)
	return train, test, nil
}

// Rows selects rows of X by index.
func Rows(X [][]float64, idx []int) [][]float64 {
	out := make([][]float64, len(idx))
	for i, r := range idx {
		out[i] = X[r]
	}
	return out
}

// Ints selects values of y by index.
func Ints(y []int, idx []int) []int {
	out := make([]int, len(idx))
	for i, r := range idx {
		out[i] = y[r]
	}
	return out
}
