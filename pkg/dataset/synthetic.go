package dataset

import (
	"fmt"
	"math"
	"math/rand/v2"
)

// Synthetic generates n Telco-shaped customer rows with a churn label that
// depends on contract, tenure and payment method. The same seed always
// yields the same frame.
func Synthetic(n int, seed uint64) *Frame {
	f := NewFrame(
		ColCustomerID, ColGender, ColSeniorCitizen, ColPartner, ColDependents, ColTenure,
		ColPhoneService, ColMultipleLines, ColInternetService,
		ColOnlineSecurity, ColOnlineBackup, ColDeviceProtection, ColTechSupport,
		ColStreamingTV, ColStreamingMovies,
		ColContract, ColPaperlessBilling, ColPaymentMethod,
		ColMonthlyCharges, ColTotalCharges, ColChurn,
	)

	rng := rand.New(rand.NewPCG(seed, ^seed))
	pick := func(v ...string) string { return v[rng.IntN(len(v))] }
	yesNo := func(p float64) string {
		if rng.Float64() < p {
			return ValueYes
		}
		return ValueNo
	}

	for i := 0; i < n; i++ {
		contract := pick("Month-to-month", "Month-to-month", "One year", "Two year")
		var tenure int
		switch contract {
		case "Month-to-month":
			tenure = rng.IntN(30)
		case "One year":
			tenure = 12 + rng.IntN(40)
		default:
			tenure = 24 + rng.IntN(49)
		}

		internet := pick("DSL", "Fiber optic", "No")
		addOn := func() string {
			if internet == "No" {
				return "No internet service"
			}
			return yesNo(0.45)
		}
		services := []string{addOn(), addOn(), addOn(), addOn(), addOn(), addOn()}

		monthly := 20.0 + rng.Float64()*30
		if internet == "Fiber optic" {
			monthly += 40
		} else if internet == "DSL" {
			monthly += 15
		}
		for _, s := range services {
			if s == ValueYes {
				monthly += 5
			}
		}
		monthly = math.Round(monthly*100) / 100

		total := fmt.Sprintf("%.2f", monthly*float64(tenure))
		if tenure == 0 {
			total = " "
		}

		payment := pick("Electronic check", "Mailed check", "Bank transfer (automatic)", "Credit card (automatic)")

		p := 0.05
		if contract == "Month-to-month" {
			p += 0.35
		}
		if tenure < 12 {
			p += 0.2
		}
		if payment == "Electronic check" {
			p += 0.1
		}
		if internet == "Fiber optic" {
			p += 0.1
		}

		phone := yesNo(0.9)
		lines := "No phone service"
		if phone == ValueYes {
			lines = yesNo(0.4)
		}

		f.Rows = append(f.Rows, []string{
			fmt.Sprintf("%04d-SYNTH", i+1),
			pick("Female", "Male"),
			pick("0", "0", "0", "1"),
			yesNo(0.5),
			yesNo(0.3),
			fmt.Sprintf("%d", tenure),
			phone,
			lines,
			internet,
			services[0], services[1], services[2], services[3], services[4], services[5],
			contract,
			yesNo(0.6),
			payment,
			fmt.Sprintf("%.2f", monthly),
			total,
			yesNo(p),
		})
	}
	return f
}
