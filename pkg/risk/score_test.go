package risk

import (
	"fmt"
	"testing"

	"github.com/mchmarny/churnctl/pkg/dataset"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func services(c dataset.Customer, n int) dataset.Customer {
	v := []*string{
		&c.OnlineSecurity,
		&c.OnlineBackup,
		&c.DeviceProtection,
		&c.TechSupport,
		&c.StreamingTV,
		&c.StreamingMovies,
	}
	for i, p := range v {
		if i < n {
			*p = dataset.ValueYes
		} else {
			*p = dataset.ValueNo
		}
	}
	return c
}

func TestTierOf(t *testing.T) {
	tests := []struct {
		score float64
		tier  Tier
	}{
		{0, TierLow},
		{0.29, TierLow},
		{0.3, TierLow},
		{0.31, TierMedium},
		{0.7, TierMedium},
		{0.71, TierHigh},
		{0.95, TierHigh},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%v", tt.score), func(t *testing.T) {
			assert.Equal(t, tt.tier, TierOf(tt.score))
		})
	}
}

func TestScore_Boundaries(t *testing.T) {
	low := dataset.Customer{
		Contract:       ContractOneYear,
		Tenure:         10,
		MonthlyCharges: 50,
		PaymentMethod:  "Bank transfer (automatic)",
		TechSupport:    dataset.ValueYes,
		Partner:        dataset.ValueYes,
		OnlineSecurity: dataset.ValueYes,
	}
	score, tier := Score(low, 50)
	assert.Equal(t, 0.3, score)
	assert.Equal(t, TierLow, tier)

	mid := dataset.Customer{
		Contract:       ContractMonthToMonth,
		Tenure:         20,
		MonthlyCharges: 50,
		PaymentMethod:  PaymentMailedCheck,
		OnlineSecurity: dataset.ValueYes,
		OnlineBackup:   dataset.ValueYes,
		TechSupport:    dataset.ValueNo,
		Partner:        dataset.ValueYes,
	}
	score, tier = Score(mid, 50)
	assert.Equal(t, 0.7, score)
	assert.Equal(t, TierMedium, tier)

	mid.Partner = dataset.ValueNo
	mid.Dependents = dataset.ValueNo
	score, tier = Score(mid, 50)
	assert.Equal(t, 0.77, score)
	assert.Equal(t, TierHigh, tier)
}

func TestScore_Bounds(t *testing.T) {
	contracts := []string{ContractMonthToMonth, ContractOneYear, ContractTwoYear, ""}
	payments := []string{PaymentElectronicCheck, PaymentMailedCheck, "Credit card (automatic)"}
	yesNo := []string{dataset.ValueYes, dataset.ValueNo, ""}

	for _, contract := range contracts {
		for _, tenure := range []float64{0, 5, 11, 23, 72} {
			for _, charge := range []float64{10, 55, 100} {
				for _, pay := range payments {
					for n := 0; n <= 6; n++ {
						for _, hh := range yesNo {
							c := services(dataset.Customer{
								Contract:       contract,
								Tenure:         tenure,
								MonthlyCharges: charge,
								PaymentMethod:  pay,
							}, n)
							c.Partner, c.Dependents = hh, hh

							score, tier := Score(c, 55)
							require.GreaterOrEqual(t, score, 0.0)
							require.LessOrEqual(t, score, MaxScore)
							require.Equal(t, TierOf(score), tier)
						}
					}
				}
			}
		}
	}
}

func TestScore_MissingServicesAreAbsent(t *testing.T) {
	c := dataset.Customer{
		Contract:       ContractTwoYear,
		Tenure:         40,
		MonthlyCharges: 20,
	}
	a := Assess(c, 20)
	assert.Equal(t, 0.10, a.Factors[FactorServices])
	assert.Equal(t, 0.0, a.Factors[FactorTechSupport])
	assert.Equal(t, 0.0, a.Factors[FactorHousehold])
	assert.Equal(t, 0.15, a.Score)
}

func TestScore_ClampsAtZero(t *testing.T) {
	c := services(dataset.Customer{
		Contract:       ContractTwoYear,
		Tenure:         48,
		MonthlyCharges: 20,
		PaymentMethod:  "Bank transfer (automatic)",
		Partner:        dataset.ValueYes,
	}, 6)
	a := Assess(c, 20)
	assert.Equal(t, -0.08, a.Factors[FactorServices])
	assert.Equal(t, 0.0, a.Score)
	assert.Equal(t, TierLow, a.Tier)
}

func TestMedian(t *testing.T) {
	mk := func(v ...float64) []dataset.Customer {
		list := make([]dataset.Customer, len(v))
		for i, x := range v {
			list[i].MonthlyCharges = x
		}
		return list
	}
	assert.Equal(t, 0.0, Median(nil))
	assert.Equal(t, 30.0, Median(mk(50, 10, 30)))
	assert.Equal(t, 25.0, Median(mk(40, 10, 30, 20)))
}

func TestScoreBatch_MedianShift(t *testing.T) {
	target := dataset.Customer{
		ID:             "target",
		Contract:       ContractOneYear,
		Tenure:         30,
		MonthlyCharges: 60,
		PaymentMethod:  "Bank transfer (automatic)",
	}
	other := func(charge float64) dataset.Customer {
		c := target
		c.ID = fmt.Sprintf("c-%v", charge)
		c.MonthlyCharges = charge
		return c
	}

	high := ScoreBatch([]dataset.Customer{target, other(50), other(70)})
	low := ScoreBatch([]dataset.Customer{target, other(40), other(50)})

	require.Equal(t, "target", high[0].CustomerID)
	assert.Equal(t, 0.0, high[0].Factors[FactorMonthlyCharges])
	assert.Equal(t, 0.08, low[0].Factors[FactorMonthlyCharges])
	assert.InDelta(t, 0.08, low[0].Score-high[0].Score, 1e-9)
}

func TestScoreBatch_EndToEnd(t *testing.T) {
	batch := make([]dataset.Customer, 0, 10)
	for i := 0; i < 7; i++ {
		batch = append(batch, services(dataset.Customer{
			ID:             fmt.Sprintf("m2m-%d", i),
			Contract:       ContractMonthToMonth,
			Tenure:         float64(i % 6),
			MonthlyCharges: 80,
			PaymentMethod:  PaymentElectronicCheck,
			Partner:        dataset.ValueYes,
		}, 0))
	}
	for i := 0; i < 3; i++ {
		batch = append(batch, services(dataset.Customer{
			ID:             fmt.Sprintf("2y-%d", i),
			Contract:       ContractTwoYear,
			Tenure:         float64(30 + i*10),
			MonthlyCharges: 20,
			PaymentMethod:  "Credit card (automatic)",
			Partner:        dataset.ValueYes,
		}, 5))
	}

	list := ScoreBatch(batch)
	require.Len(t, list, 10)
	for _, a := range list[:7] {
		assert.GreaterOrEqual(t, a.Score, 0.80, a.CustomerID)
		assert.Equal(t, TierHigh, a.Tier, a.CustomerID)
	}
	for _, a := range list[7:] {
		assert.LessOrEqual(t, a.Score, 0.05, a.CustomerID)
		assert.Equal(t, TierLow, a.Tier, a.CustomerID)
	}

	counts := CountByTier(list)
	assert.Equal(t, 7, counts[TierHigh])
	assert.Equal(t, 0, counts[TierMedium])
	assert.Equal(t, 3, counts[TierLow])
}
