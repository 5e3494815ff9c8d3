package dashboard

import (
	"context"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/mchmarny/churnctl/pkg/artifact"
	"github.com/mchmarny/churnctl/pkg/dataset"
	"github.com/mchmarny/churnctl/pkg/errs"
	"github.com/mchmarny/churnctl/pkg/model"
	"github.com/mchmarny/churnctl/pkg/risk"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFrame() *dataset.Frame {
	f := dataset.NewFrame(
		dataset.ColCustomerID, dataset.ColGender, dataset.ColTenure, dataset.ColContract,
		dataset.ColPaymentMethod, dataset.ColMonthlyCharges, dataset.ColTotalCharges, dataset.ColChurn,
	)
	f.Rows = [][]string{
		{"c1", "Female", "2", "Month-to-month", "Electronic check", "80", "160", "Yes"},
		{"c2", "Male", "60", "Two year", "Credit card (automatic)", "20", "1200", "No"},
		{"c3", "Female", "30", "One year", "Mailed check", "50.5", "1515", "No"},
		{"c4", "Male", "13", "Month-to-month", "Bank transfer (automatic)", "70", "910", "Yes"},
		{"c5", "Male", "5", "Month-to-month", "Electronic check", "90", " ", "No"},
	}
	return f
}

func testSession(t *testing.T) *Session {
	t.Helper()
	s, err := NewSession("test.csv", testFrame(), nil)
	require.NoError(t, err)
	return s
}

func TestNewSession(t *testing.T) {
	s := testSession(t)
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, 4, s.Len())
	assert.Equal(t, 5, s.Load.RowsBefore)
	assert.Equal(t, 4, s.Load.RowsAfter)
	assert.Empty(t, s.ModelVersion())
	assert.Len(t, s.Assessments(), 4)

	o := s.Options()
	assert.Equal(t, []string{"Female", "Male"}, o.Gender)
	assert.Equal(t, []string{"Month-to-month", "One year", "Two year"}, o.Contract)
	assert.Len(t, o.Payment, 4)
}

func TestNewSession_Errors(t *testing.T) {
	_, err := NewSession("x", dataset.NewFrame(dataset.ColTenure), nil)
	assert.Error(t, err)

	f := testFrame()
	f.Rows = f.Rows[4:]
	_, err = NewSession("x", f, nil)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindDataLoad))
}

func TestAnalyze_All(t *testing.T) {
	s := testSession(t)
	a, err := s.Analyze(Filter{})
	require.NoError(t, err)

	k := a.KPIs
	assert.Equal(t, 4, k.TotalClients)
	assert.Equal(t, 2, k.Churned)
	assert.Equal(t, 2, k.Loyal)
	assert.InDelta(t, 50.0, k.ChurnPct, 1e-9)
	assert.Equal(t, StatusAlert, k.ChurnStatus)
	assert.InDelta(t, 26.25, k.AvgTenure, 1e-9)
	assert.Equal(t, StatusAverage, k.TenureStatus)
	assert.Equal(t, "55.13", k.AvgMonthlyCharges.String())
	assert.True(t, k.AnnualRevenue.Equal(decimal.NewFromInt(2646)), k.AnnualRevenue.String())

	require.Len(t, a.Contracts, 3)
	m2m := a.Contracts[0]
	assert.Equal(t, "Month-to-month", m2m.Contract)
	assert.Equal(t, 2, m2m.Total)
	assert.Equal(t, 2, m2m.Churned)
	assert.InDelta(t, 100.0, m2m.ChurnRate, 1e-9)
	assert.InDelta(t, 75.0, m2m.AvgMonthlyCharges, 1e-9)
	assert.InDelta(t, 7.5, m2m.AvgTenure, 1e-9)

	require.Len(t, a.TenureGroups, 4)
	assert.Equal(t, "0-11 months", a.TenureGroups[0].Label)
	assert.Equal(t, 12, a.TenureGroups[1].Start)
	assert.Equal(t, "60-71 months", a.TenureGroups[3].Label)

	assert.InDelta(t, 60.25, a.Risk.Median, 1e-9)
	require.Len(t, a.Risk.Top, 4)
	assert.Equal(t, "c1", a.Risk.Top[0].CustomerID)
	assert.InDelta(t, risk.MaxScore, a.Risk.Top[0].Score, 1e-9)
	assert.Equal(t, risk.TierHigh, a.Risk.Top[0].Tier)
	total := 0
	for _, n := range a.Risk.Tiers {
		total += n
	}
	assert.Equal(t, 4, total)
	require.Len(t, a.Risk.ByContract, 3)
	assert.Equal(t, 2, a.Risk.ByContract[0].Tiers[risk.TierHigh]+a.Risk.ByContract[0].Tiers[risk.TierMedium]+a.Risk.ByContract[0].Tiers[risk.TierLow])

	require.NotNil(t, a.Segments)
	assert.Equal(t, 4, a.Segments.K)
	assert.Equal(t, []int{1, 1, 1, 1}, a.Segments.Sizes)
	assert.InDelta(t, 0, a.Segments.Inertia, 1e-9)

	assert.Nil(t, a.Model)
	assert.Len(t, a.Recommendations, 5)
	assert.Contains(t, a.Recommendations[1], "(2 customers)")

	for _, c := range []string{ColCluster, ColRiskScore, ColRiskLevel} {
		assert.True(t, a.Data.Has(c), c)
	}
	assert.Equal(t, "0.95", a.Data.Value(0, ColRiskScore))
	assert.Equal(t, string(risk.TierHigh), a.Data.Value(0, ColRiskLevel))
}

func TestAnalyze_FilterAndCache(t *testing.T) {
	s := testSession(t)
	f := Filter{Contract: []string{"Month-to-month"}, Gender: []string{"Male", "Female"}}
	a, err := s.Analyze(f)
	require.NoError(t, err)
	assert.Equal(t, 2, a.KPIs.TotalClients)
	assert.Equal(t, 2, a.Data.Len())
	assert.InDelta(t, 75.0, a.Risk.Median, 1e-9)

	b, err := s.Analyze(Filter{Gender: []string{"Female", "Male"}, Contract: []string{"Month-to-month"}})
	require.NoError(t, err)
	assert.Same(t, a, b)
}

func TestAnalyze_NoMatch(t *testing.T) {
	s := testSession(t)
	a, err := s.Analyze(Filter{Payment: []string{"Cash"}})
	require.NoError(t, err)
	assert.Zero(t, a.KPIs.TotalClients)
	assert.Equal(t, StatusOptimal, a.KPIs.ChurnStatus)
	assert.Nil(t, a.Segments)
	assert.Empty(t, a.Risk.Top)
	assert.Empty(t, a.Risk.Histogram)
	assert.Zero(t, a.Risk.Tiers[risk.TierHigh])
}

func TestHistogram(t *testing.T) {
	b := histogram([]float64{4, 0, 2, 1, 3}, 2)
	require.Len(t, b, 2)
	assert.Equal(t, Bucket{Lower: 0, Upper: 2, Count: 2}, b[0])
	assert.Equal(t, Bucket{Lower: 2, Upper: 4, Count: 3}, b[1])

	b = histogram([]float64{7, 7, 7}, 5)
	require.Len(t, b, 1)
	assert.Equal(t, 3, b[0].Count)

	assert.Empty(t, histogram(nil, 5))
}

func TestSegment(t *testing.T) {
	f := dataset.NewFrame("x", "y")
	f.Rows = [][]string{{"0", "0"}, {"0", "1"}, {"10", "10"}, {"10", "11"}}

	s, err := Segment(f, []string{"x", "y"}, 2, DefaultSeed)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2}, s.Sizes)
	assert.Equal(t, s.Labels[0], s.Labels[1])
	assert.Equal(t, s.Labels[2], s.Labels[3])
	assert.NotEqual(t, s.Labels[0], s.Labels[2])
	assert.InDelta(t, 1.0, s.Inertia, 1e-9)

	again, err := Segment(f, []string{"x", "y"}, 2, DefaultSeed)
	require.NoError(t, err)
	assert.Equal(t, s.Labels, again.Labels)

	s, err = Segment(f, []string{"x", "y"}, 10, DefaultSeed)
	require.NoError(t, err)
	assert.Equal(t, 4, s.K)

	_, err = Segment(f, []string{"x"}, 0, DefaultSeed)
	assert.True(t, errs.Is(err, errs.KindConfig))

	s, err = Segment(dataset.NewFrame("x"), []string{"x"}, 2, DefaultSeed)
	require.NoError(t, err)
	assert.Nil(t, s)
}

func TestReductionTarget(t *testing.T) {
	target, saved := ReductionTarget(KPIs{ChurnPct: 50, AnnualRevenue: decimal.NewFromInt(1000)})
	assert.InDelta(t, 35.0, target, 1e-9)
	assert.True(t, saved.Equal(decimal.NewFromInt(150)), saved.String())
}

func testBundle(t *testing.T, f *dataset.Frame) *artifact.Bundle {
	t.Helper()
	c := f.Clone()
	require.NoError(t, dataset.Derive(c))

	enc := model.FitEncoders(c, dataset.ColCustomerID)
	features := slices.DeleteFunc(slices.Clone(c.Columns), func(col string) bool {
		return col == dataset.ColCustomerID || col == dataset.ColChurn
	})
	X, err := model.Matrix(c, features, enc)
	require.NoError(t, err)
	y, err := model.Labels(c, dataset.ColChurn, enc)
	require.NoError(t, err)
	s, err := model.FitScaler(features, X)
	require.NoError(t, err)
	Xs, err := s.Transform(X)
	require.NoError(t, err)

	p := model.DefaultParams()
	p.NumTrees = 5
	p.MaxDepth = 3
	b := model.NewBooster(p, features)
	require.NoError(t, b.Fit(context.Background(), Xs, y, nil))
	return &artifact.Bundle{Model: b, Features: features, Encoders: enc, Scaler: s}
}

func TestOpen_WithDeployedModel(t *testing.T) {
	res, err := dataset.Clean(dataset.Synthetic(150, 5))
	require.NoError(t, err)

	dir := t.TempDir()
	path := filepath.Join(dir, "customers.csv")
	require.NoError(t, dataset.WriteFile(path, res.Frame))

	s, err := Open(path, filepath.Join(dir, "serving"))
	require.NoError(t, err)
	assert.Empty(t, s.ModelVersion())

	src := filepath.Join(dir, "model")
	_, err = testBundle(t, res.Frame).Save(src)
	require.NoError(t, err)
	serve := filepath.Join(dir, "serving")
	now := time.Date(2026, 5, 4, 3, 2, 1, 0, time.UTC)
	_, err = artifact.Deploy(src, serve, now)
	require.NoError(t, err)

	s, err = Open(path, serve)
	require.NoError(t, err)
	assert.Equal(t, "20260504_030201", s.ModelVersion())

	a, err := s.Analyze(Filter{})
	require.NoError(t, err)
	require.NotNil(t, a.Model)
	assert.Equal(t, "20260504_030201", a.Model.Version)
	assert.GreaterOrEqual(t, a.Model.MeanProbability, 0.0)
	assert.LessOrEqual(t, a.Model.MeanProbability, 1.0)
	assert.True(t, a.Data.Has(ColChurnProbability))
	assert.Equal(t, res.Frame.Len(), a.Data.Len())
}

func TestOpen_Missing(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing.csv"), "")
	assert.True(t, errs.Is(err, errs.KindDataLoad))
}
