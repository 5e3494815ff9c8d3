package dashboard

import (
	"math"
	"math/rand/v2"

	"github.com/mchmarny/churnctl/pkg/dataset"
	"github.com/mchmarny/churnctl/pkg/errs"
	"gonum.org/v1/gonum/floats"
)

const (
	DefaultClusters = 4
	DefaultSeed     = 42

	maxIterations = 300
)

// Segmentation is the k-means clustering of a view.
type Segmentation struct {
	Columns   []string    `json:"columns" yaml:"columns"`
	K         int         `json:"k" yaml:"k"`
	Labels    []int       `json:"-" yaml:"-"`
	Sizes     []int       `json:"sizes" yaml:"sizes"`
	Centroids [][]float64 `json:"centroids" yaml:"centroids"`
	Inertia   float64     `json:"inertia" yaml:"inertia"`
}

// Segment clusters the rows of f over the given numeric columns using
// k-means with k-means++ seeding. k is capped at the number of rows and
// missing or non-numeric cells count as 0. Returns nil for an empty frame.
func Segment(f *dataset.Frame, columns []string, k int, seed uint64) (*Segmentation, error) {
	if f.Len() == 0 || len(columns) == 0 {
		return nil, nil
	}
	if k < 1 {
		return nil, errs.Errorf(errs.KindConfig, "segment", "invalid cluster count: %d", k)
	}
	k = min(k, f.Len())

	X := make([][]float64, f.Len())
	for r := range X {
		X[r] = make([]float64, len(columns))
		for j, c := range columns {
			X[r][j], _ = f.Float(r, c)
		}
	}

	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	centroids := seedCentroids(rng, X, k)
	labels := make([]int, len(X))

	for it := 0; it < maxIterations; it++ {
		changed := assign(X, centroids, labels)
		if it > 0 && !changed {
			break
		}
		update(X, centroids, labels)
	}

	s := &Segmentation{
		Columns:   append([]string(nil), columns...),
		K:         k,
		Labels:    labels,
		Sizes:     make([]int, k),
		Centroids: centroids,
	}
	for i, l := range labels {
		s.Sizes[l]++
		d := floats.Distance(X[i], centroids[l], 2)
		s.Inertia += d * d
	}
	return s, nil
}

// seedCentroids picks the first centroid uniformly and each next one with
// probability proportional to the squared distance to the nearest chosen.
func seedCentroids(rng *rand.Rand, X [][]float64, k int) [][]float64 {
	centroids := make([][]float64, 0, k)
	centroids = append(centroids, append([]float64(nil), X[rng.IntN(len(X))]...))

	d2 := make([]float64, len(X))
	for len(centroids) < k {
		for i, x := range X {
			d := nearest(x, centroids)
			d2[i] = d * d
		}
		total := floats.Sum(d2)
		next := 0
		if total > 0 {
			target := rng.Float64() * total
			for i, v := range d2 {
				target -= v
				if target < 0 {
					next = i
					break
				}
			}
		} else {
			next = rng.IntN(len(X))
		}
		centroids = append(centroids, append([]float64(nil), X[next]...))
	}
	return centroids
}

func nearest(x []float64, centroids [][]float64) float64 {
	best := math.Inf(1)
	for _, c := range centroids {
		if d := floats.Distance(x, c, 2); d < best {
			best = d
		}
	}
	return best
}

func assign(X, centroids [][]float64, labels []int) bool {
	changed := false
	for i, x := range X {
		best, bestDist := 0, math.Inf(1)
		for j, c := range centroids {
			if d := floats.Distance(x, c, 2); d < bestDist {
				best, bestDist = j, d
			}
		}
		if labels[i] != best {
			labels[i] = best
			changed = true
		}
	}
	return changed
}

// update moves every centroid to the mean of its members. Empty clusters
// keep their position.
func update(X, centroids [][]float64, labels []int) {
	sizes := make([]int, len(centroids))
	sums := make([][]float64, len(centroids))
	for j := range sums {
		sums[j] = make([]float64, len(centroids[j]))
	}
	for i, x := range X {
		floats.Add(sums[labels[i]], x)
		sizes[labels[i]]++
	}
	for j, n := range sizes {
		if n == 0 {
			continue
		}
		floats.Scale(1/float64(n), sums[j])
		copy(centroids[j], sums[j])
	}
}
