package dashboard

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"

	"github.com/mchmarny/churnctl/pkg/dataset"
	"github.com/mchmarny/churnctl/pkg/risk"
	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

const (
	ColRiskScore        = "RiskScore"
	ColRiskLevel        = "RiskLevel"
	ColCluster          = "Cluster"
	ColChurnProbability = "ChurnProbability"

	StatusAlert   = "alert"
	StatusStable  = "stable"
	StatusOptimal = "optimal"

	StatusExcellent = "excellent"
	StatusAverage   = "average"
	StatusLow       = "needs improvement"

	churnAlertPct  = 25
	churnStablePct = 15

	tenureExcellent = 36
	tenureAverage   = 24

	tenureGroupMonths = 12
	tenureBins        = 30
	riskBins          = 20
	topRiskCount      = 10
	monthsPerYear     = 12

	predictThreshold = 0.5
)

// KPIs are the headline indicators of a filtered view.
type KPIs struct {
	TotalClients      int             `json:"total_clients" yaml:"totalClients"`
	Churned           int             `json:"churned" yaml:"churned"`
	Loyal             int             `json:"loyal" yaml:"loyal"`
	ChurnPct          float64         `json:"churn_pct" yaml:"churnPct"`
	ChurnStatus       string          `json:"churn_status" yaml:"churnStatus"`
	AvgTenure         float64         `json:"avg_tenure" yaml:"avgTenure"`
	TenureStatus      string          `json:"tenure_status" yaml:"tenureStatus"`
	AvgMonthlyCharges decimal.Decimal `json:"avg_monthly_charges" yaml:"avgMonthlyCharges"`
	AnnualRevenue     decimal.Decimal `json:"annual_revenue" yaml:"annualRevenue"`
}

// ContractSummary aggregates customers of one contract type.
type ContractSummary struct {
	Contract          string  `json:"contract" yaml:"contract"`
	Total             int     `json:"total" yaml:"total"`
	Churned           int     `json:"churned" yaml:"churned"`
	ChurnRate         float64 `json:"churn_rate" yaml:"churnRate"`
	AvgMonthlyCharges float64 `json:"avg_monthly_charges" yaml:"avgMonthlyCharges"`
	AvgTenure         float64 `json:"avg_tenure" yaml:"avgTenure"`
}

// TenureGroup counts customers in one 12-month tenure band.
type TenureGroup struct {
	Start   int    `json:"start" yaml:"start"`
	Label   string `json:"label" yaml:"label"`
	Total   int    `json:"total" yaml:"total"`
	Churned int    `json:"churned" yaml:"churned"`
}

// Bucket is one histogram bin covering [Lower, Upper).
type Bucket struct {
	Lower float64 `json:"lower" yaml:"lower"`
	Upper float64 `json:"upper" yaml:"upper"`
	Count int     `json:"count" yaml:"count"`
}

// RiskRow is one customer in the high-risk table.
type RiskRow struct {
	CustomerID     string    `json:"customer_id" yaml:"customerID"`
	Contract       string    `json:"contract" yaml:"contract"`
	Tenure         float64   `json:"tenure" yaml:"tenure"`
	MonthlyCharges float64   `json:"monthly_charges" yaml:"monthlyCharges"`
	PaymentMethod  string    `json:"payment_method" yaml:"paymentMethod"`
	Score          float64   `json:"score" yaml:"score"`
	Tier           risk.Tier `json:"tier" yaml:"tier"`
}

// ContractRisk counts tiers within one contract type.
type ContractRisk struct {
	Contract string            `json:"contract" yaml:"contract"`
	Tiers    map[risk.Tier]int `json:"tiers" yaml:"tiers"`
}

// RiskSummary is the risk detection view.
type RiskSummary struct {
	Tiers      map[risk.Tier]int `json:"tiers" yaml:"tiers"`
	Median     float64           `json:"median_monthly_charges" yaml:"medianMonthlyCharges"`
	Top        []RiskRow         `json:"top" yaml:"top"`
	ByContract []ContractRisk    `json:"by_contract" yaml:"byContract"`
	Histogram  []Bucket          `json:"histogram" yaml:"histogram"`
}

// ModelSummary describes the model probabilities of a view.
type ModelSummary struct {
	Version           string  `json:"version" yaml:"version"`
	MeanProbability   float64 `json:"mean_probability" yaml:"meanProbability"`
	PredictedChurners int     `json:"predicted_churners" yaml:"predictedChurners"`
}

// Analysis is every view of one filtered dataset.
type Analysis struct {
	Filter          Filter            `json:"filter" yaml:"filter"`
	KPIs            KPIs              `json:"kpis" yaml:"kpis"`
	Contracts       []ContractSummary `json:"contracts" yaml:"contracts"`
	TenureGroups    []TenureGroup     `json:"tenure_groups" yaml:"tenureGroups"`
	TenureHistogram []Bucket          `json:"tenure_histogram" yaml:"tenureHistogram"`
	Segments        *Segmentation     `json:"segments,omitempty" yaml:"segments,omitempty"`
	Risk            RiskSummary       `json:"risk" yaml:"risk"`
	Model           *ModelSummary     `json:"model,omitempty" yaml:"model,omitempty"`
	Recommendations []string          `json:"recommendations" yaml:"recommendations"`

	// Data is the filtered frame with the risk, cluster and probability
	// columns appended.
	Data *dataset.Frame `json:"-" yaml:"-"`
}

func analyze(flt Filter, f *dataset.Frame, list []dataset.Customer, m *Model) (*Analysis, error) {
	a := &Analysis{
		Filter:       flt,
		KPIs:         computeKPIs(list),
		Contracts:    contractSummaries(list),
		TenureGroups: tenureGroups(list),
		Data:         f,
	}

	tenure := make([]float64, len(list))
	for i, c := range list {
		tenure[i] = c.Tenure
	}
	a.TenureHistogram = histogram(tenure, tenureBins)

	seg, err := Segment(f, f.NumericColumns(), DefaultClusters, DefaultSeed)
	if err != nil {
		return nil, err
	}
	if seg != nil {
		a.Segments = seg
		labels := make([]string, len(seg.Labels))
		for i, l := range seg.Labels {
			labels[i] = strconv.Itoa(l)
		}
		f.Append(ColCluster, labels)
	}

	assessments := risk.ScoreBatch(list)
	a.Risk = riskSummary(list, assessments)

	scores := make([]string, len(list))
	levels := make([]string, len(list))
	for i, r := range assessments {
		scores[i] = strconv.FormatFloat(r.Score, 'f', 2, 64)
		levels[i] = string(r.Tier)
	}
	f.Append(ColRiskScore, scores)
	f.Append(ColRiskLevel, levels)

	if m != nil && f.Len() > 0 {
		a.Model = predict(f, m)
	}

	a.Recommendations = recommendations(a, list)
	return a, nil
}

func computeKPIs(list []dataset.Customer) KPIs {
	k := KPIs{
		TotalClients:      len(list),
		AvgMonthlyCharges: decimal.Zero,
		AnnualRevenue:     decimal.Zero,
	}
	if len(list) == 0 {
		k.ChurnStatus = StatusOptimal
		k.TenureStatus = StatusLow
		return k
	}

	tenure := make([]float64, len(list))
	monthly := decimal.Zero
	for i, c := range list {
		if c.Churned() {
			k.Churned++
		}
		tenure[i] = c.Tenure
		monthly = monthly.Add(decimal.NewFromFloat(c.MonthlyCharges))
	}
	k.Loyal = k.TotalClients - k.Churned
	k.ChurnPct = float64(k.Churned) / float64(k.TotalClients) * 100
	k.AvgTenure = stat.Mean(tenure, nil)
	k.AvgMonthlyCharges = monthly.Div(decimal.NewFromInt(int64(len(list)))).Round(2)
	k.AnnualRevenue = monthly.Mul(decimal.NewFromInt(monthsPerYear)).Round(2)

	switch {
	case k.ChurnPct > churnAlertPct:
		k.ChurnStatus = StatusAlert
	case k.ChurnPct > churnStablePct:
		k.ChurnStatus = StatusStable
	default:
		k.ChurnStatus = StatusOptimal
	}

	switch {
	case k.AvgTenure > tenureExcellent:
		k.TenureStatus = StatusExcellent
	case k.AvgTenure > tenureAverage:
		k.TenureStatus = StatusAverage
	default:
		k.TenureStatus = StatusLow
	}
	return k
}

func contractSummaries(list []dataset.Customer) []ContractSummary {
	type acc struct {
		ContractSummary
		charges float64
		tenure  float64
	}
	m := make(map[string]*acc)
	for _, c := range list {
		a, ok := m[c.Contract]
		if !ok {
			a = &acc{ContractSummary: ContractSummary{Contract: c.Contract}}
			m[c.Contract] = a
		}
		a.Total++
		if c.Churned() {
			a.Churned++
		}
		a.charges += c.MonthlyCharges
		a.tenure += c.Tenure
	}

	out := make([]ContractSummary, 0, len(m))
	for _, a := range m {
		s := a.ContractSummary
		n := float64(s.Total)
		s.ChurnRate = round(float64(s.Churned)/n*100, 1)
		s.AvgMonthlyCharges = round(a.charges/n, 2)
		s.AvgTenure = round(a.tenure/n, 2)
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Contract < out[j].Contract })
	return out
}

// TenureGroupStart returns the first month of the 12-month band of tenure.
func TenureGroupStart(tenure float64) int {
	return int(tenure) / tenureGroupMonths * tenureGroupMonths
}

func tenureGroups(list []dataset.Customer) []TenureGroup {
	m := make(map[int]*TenureGroup)
	for _, c := range list {
		start := TenureGroupStart(c.Tenure)
		g, ok := m[start]
		if !ok {
			g = &TenureGroup{
				Start: start,
				Label: fmt.Sprintf("%d-%d months", start, start+tenureGroupMonths-1),
			}
			m[start] = g
		}
		g.Total++
		if c.Churned() {
			g.Churned++
		}
	}

	out := make([]TenureGroup, 0, len(m))
	for _, g := range m {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

// histogram splits the range of values into equal-width bins. The upper edge
// of the last bin is inclusive.
func histogram(values []float64, bins int) []Bucket {
	if len(values) == 0 || bins < 1 {
		return []Bucket{}
	}
	x := append([]float64(nil), values...)
	sort.Float64s(x)
	lo, hi := x[0], x[len(x)-1]
	if lo == hi {
		return []Bucket{{Lower: lo, Upper: hi, Count: len(x)}}
	}

	dividers := floats.Span(make([]float64, bins+1), lo, hi)
	edges := append([]float64(nil), dividers...)
	dividers[bins] = math.Nextafter(hi, math.Inf(1))
	counts := stat.Histogram(nil, dividers, x, nil)

	out := make([]Bucket, bins)
	for i := range out {
		out[i] = Bucket{Lower: edges[i], Upper: edges[i+1], Count: int(counts[i])}
	}
	return out
}

func riskSummary(list []dataset.Customer, assessments []risk.Assessment) RiskSummary {
	s := RiskSummary{
		Tiers:      risk.CountByTier(assessments),
		Median:     risk.Median(list),
		Top:        make([]RiskRow, 0, topRiskCount),
		ByContract: make([]ContractRisk, 0),
	}

	idx := make([]int, len(list))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(i, j int) bool {
		return assessments[idx[i]].Score > assessments[idx[j]].Score
	})
	for _, i := range idx[:min(topRiskCount, len(idx))] {
		c, r := list[i], assessments[i]
		s.Top = append(s.Top, RiskRow{
			CustomerID:     c.ID,
			Contract:       c.Contract,
			Tenure:         c.Tenure,
			MonthlyCharges: c.MonthlyCharges,
			PaymentMethod:  c.PaymentMethod,
			Score:          r.Score,
			Tier:           r.Tier,
		})
	}

	byContract := make(map[string]map[risk.Tier]int)
	for i, c := range list {
		t, ok := byContract[c.Contract]
		if !ok {
			t = make(map[risk.Tier]int, len(risk.Tiers))
			for _, tier := range risk.Tiers {
				t[tier] = 0
			}
			byContract[c.Contract] = t
		}
		t[assessments[i].Tier]++
	}
	for contract, tiers := range byContract {
		s.ByContract = append(s.ByContract, ContractRisk{Contract: contract, Tiers: tiers})
	}
	sort.Slice(s.ByContract, func(i, j int) bool { return s.ByContract[i].Contract < s.ByContract[j].Contract })

	scores := make([]float64, len(assessments))
	for i, r := range assessments {
		scores[i] = r.Score
	}
	s.Histogram = histogram(scores, riskBins)
	return s
}

// predict adds model probabilities to f. A bundle that cannot score the
// data leaves the view without probabilities.
func predict(f *dataset.Frame, m *Model) *ModelSummary {
	proba, err := m.Bundle.Predict(f)
	if err != nil {
		slog.Default().WithGroup("dashboard").Warn("model prediction failed", "version", m.Version, "error", err)
		return nil
	}

	values := make([]string, len(proba))
	s := &ModelSummary{Version: m.Version}
	for i, p := range proba {
		values[i] = strconv.FormatFloat(p, 'f', 4, 64)
		if p >= predictThreshold {
			s.PredictedChurners++
		}
	}
	s.MeanProbability = stat.Mean(proba, nil)
	f.Append(ColChurnProbability, values)
	return s
}

func recommendations(a *Analysis, list []dataset.Customer) []string {
	monthly := 0
	for _, c := range list {
		if c.Contract == risk.ContractMonthToMonth {
			monthly++
		}
	}
	return []string{
		fmt.Sprintf("Target the %d high-risk customers with personalized retention offers", a.Risk.Tiers[risk.TierHigh]),
		fmt.Sprintf("Run a proactive retention program for month-to-month customers (%d customers)", monthly),
		"Offer early renewal to customers approaching the end of their contract",
		"Improve technical support for customers without the tech support add-on",
		"Monitor customers with low usage of additional services",
	}
}

// ReductionTarget is the churn percentage aimed for after retention actions
// and the annual revenue they would save.
func ReductionTarget(k KPIs) (float64, decimal.Decimal) {
	target := k.ChurnPct * 0.7
	saved := k.AnnualRevenue.Mul(decimal.NewFromFloat(k.ChurnPct / 100 * 0.3)).Round(0)
	return target, saved
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
