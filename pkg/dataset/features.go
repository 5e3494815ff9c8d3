package dataset

import (
	"github.com/mchmarny/churnctl/pkg/errs"
)

const (
	// tenureEpsilon keeps the per-month average finite for brand new customers.
	tenureEpsilon = 1e-6

	longTermTenureMonths = 24
	highSpenderCharge    = 70
)

// Derive appends AvgChargesPerMonth, IsLongTermCustomer and HighSpender.
func Derive(f *Frame) error {
	for _, c := range []string{ColTenure, ColTotalCharges, ColMonthlyCharges} {
		if !f.Has(c) {
			return errs.Errorf(errs.KindConfig, "derive features", "missing required column: %s", c)
		}
	}

	n := f.Len()
	avg := make([]string, n)
	longTerm := make([]string, n)
	spender := make([]string, n)

	for r := 0; r < n; r++ {
		tenure, ok1 := f.Float(r, ColTenure)
		total, ok2 := f.Float(r, ColTotalCharges)
		monthly, ok3 := f.Float(r, ColMonthlyCharges)
		if !ok1 || !ok2 || !ok3 {
			return errs.Errorf(errs.KindDataLoad, "derive features", "row %d has non-numeric charges or tenure", r)
		}
		avg[r] = formatFloat(total / (tenure + tenureEpsilon))
		longTerm[r] = boolFlag(tenure > longTermTenureMonths)
		spender[r] = boolFlag(monthly > highSpenderCharge)
	}

	f.Append(ColAvgChargesPerMonth, avg)
	f.Append(ColIsLongTermCustomer, longTerm)
	f.Append(ColHighSpender, spender)
	return nil
}

func boolFlag(v bool) string {
	if v {
		return "1"
	}
	return "0"
}
