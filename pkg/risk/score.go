// Package risk implements rule-based churn risk scoring.
//
// Every customer is evaluated against seven additive factors: contract type,
// tenure, monthly charge relative to the batch median, payment method, add-on
// service usage, tech support and household. Scores range from 0.0 to 0.95.
package risk

import (
	"slices"

	"github.com/mchmarny/churnctl/pkg/dataset"
)

// Tier is a discrete bucket of the risk score.
type Tier string

const (
	TierLow    Tier = "Low"
	TierMedium Tier = "Medium"
	TierHigh   Tier = "High"

	// LowMax and MediumMax are inclusive upper bounds of the lower tiers.
	LowMax    = 0.3
	MediumMax = 0.7

	MaxScore = 0.95
)

const (
	FactorContract       = "contract"
	FactorTenure         = "tenure"
	FactorMonthlyCharges = "monthly_charges"
	FactorPaymentMethod  = "payment_method"
	FactorServices       = "services"
	FactorTechSupport    = "tech_support"
	FactorHousehold      = "household"
)

const (
	ContractMonthToMonth = "Month-to-month"
	ContractOneYear      = "One year"
	ContractTwoYear      = "Two year"

	PaymentElectronicCheck = "Electronic check"
	PaymentMailedCheck     = "Mailed check"
)

// Weights are kept in hundredths so that sums are exact and tier boundaries
// behave predictably.
const (
	ptsMonthToMonth = 45
	ptsOneYear      = 15
	ptsOtherTerm    = 5

	ptsTenureUnder6  = 25
	ptsTenureUnder12 = 15
	ptsTenureUnder24 = 5

	ptsChargeWellAbove = 15
	ptsChargeAbove     = 8

	ptsCheckPayment = 12

	ptsFewServices  = 10
	ptsManyServices = -8

	ptsNoTechSupport = 8
	ptsAlone         = 7

	ptsMax = 95

	fewServicesMax  = 1
	manyServicesMin = 5
	wellAboveFactor = 1.5
)

// Tiers lists all tiers from lowest to highest.
var Tiers = []Tier{TierLow, TierMedium, TierHigh}

// Assessment is the result of scoring a single customer.
type Assessment struct {
	CustomerID string             `json:"customer_id" yaml:"customerID"`
	Score      float64            `json:"score" yaml:"score"`
	Tier       Tier               `json:"tier" yaml:"tier"`
	Factors    map[string]float64 `json:"factors" yaml:"factors"`
}

// Score evaluates one customer against the median monthly charge of the
// batch it belongs to. The result is clamped to [0, 0.95].
func Score(c dataset.Customer, median float64) (float64, Tier) {
	a := Assess(c, median)
	return a.Score, a.Tier
}

// Assess is Score with the per-factor contribution breakdown.
func Assess(c dataset.Customer, median float64) Assessment {
	pts := map[string]int{
		FactorContract:       contractPoints(c.Contract),
		FactorTenure:         tenurePoints(c.Tenure),
		FactorMonthlyCharges: chargePoints(c.MonthlyCharges, median),
		FactorPaymentMethod:  paymentPoints(c.PaymentMethod),
		FactorServices:       servicePoints(c),
		FactorTechSupport:    0,
		FactorHousehold:      0,
	}
	if c.TechSupport == dataset.ValueNo {
		pts[FactorTechSupport] = ptsNoTechSupport
	}
	if c.Partner == dataset.ValueNo && c.Dependents == dataset.ValueNo {
		pts[FactorHousehold] = ptsAlone
	}

	total := 0
	factors := make(map[string]float64, len(pts))
	for k, v := range pts {
		total += v
		factors[k] = float64(v) / 100
	}
	total = max(0, min(total, ptsMax))

	score := float64(total) / 100
	return Assessment{
		CustomerID: c.ID,
		Score:      score,
		Tier:       TierOf(score),
		Factors:    factors,
	}
}

// TierOf buckets a score: Low up to and including 0.3, Medium up to and
// including 0.7, High above.
func TierOf(score float64) Tier {
	switch {
	case score <= LowMax:
		return TierLow
	case score <= MediumMax:
		return TierMedium
	default:
		return TierHigh
	}
}

// Median returns the median monthly charge of the batch, averaging the two
// middle values for even sizes. An empty batch has median 0.
func Median(customers []dataset.Customer) float64 {
	if len(customers) == 0 {
		return 0
	}
	v := make([]float64, len(customers))
	for i, c := range customers {
		v[i] = c.MonthlyCharges
	}
	slices.Sort(v)

	mid := len(v) / 2
	if len(v)%2 == 1 {
		return v[mid]
	}
	return (v[mid-1] + v[mid]) / 2
}

// ScoreBatch computes the batch median once and scores every customer
// against it. Removing or adding customers can change every score.
func ScoreBatch(customers []dataset.Customer) []Assessment {
	median := Median(customers)
	list := make([]Assessment, len(customers))
	for i, c := range customers {
		list[i] = Assess(c, median)
	}
	return list
}

// CountByTier tallies assessments per tier. Every tier is present in the result.
func CountByTier(list []Assessment) map[Tier]int {
	m := make(map[Tier]int, len(Tiers))
	for _, t := range Tiers {
		m[t] = 0
	}
	for _, a := range list {
		m[a.Tier]++
	}
	return m
}

func contractPoints(contract string) int {
	switch contract {
	case ContractMonthToMonth:
		return ptsMonthToMonth
	case ContractOneYear:
		return ptsOneYear
	default:
		return ptsOtherTerm
	}
}

func tenurePoints(tenure float64) int {
	switch {
	case tenure < 6:
		return ptsTenureUnder6
	case tenure < 12:
		return ptsTenureUnder12
	case tenure < 24:
		return ptsTenureUnder24
	default:
		return 0
	}
}

func chargePoints(charge, median float64) int {
	switch {
	case charge > median*wellAboveFactor:
		return ptsChargeWellAbove
	case charge > median:
		return ptsChargeAbove
	default:
		return 0
	}
}

func paymentPoints(method string) int {
	if method == PaymentElectronicCheck || method == PaymentMailedCheck {
		return ptsCheckPayment
	}
	return 0
}

func servicePoints(c dataset.Customer) int {
	n := 0
	for _, s := range c.Services() {
		if s == dataset.ValueYes {
			n++
		}
	}
	switch {
	case n <= fewServicesMax:
		return ptsFewServices
	case n >= manyServicesMin:
		return ptsManyServices
	default:
		return 0
	}
}
