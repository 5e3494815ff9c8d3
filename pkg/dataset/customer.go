package dataset

import (
	"github.com/mchmarny/churnctl/pkg/errs"
)

// Customer is one typed row of the customer table.
type Customer struct {
	Row              int     `json:"-" yaml:"-"`
	ID               string  `json:"customer_id" yaml:"customerID"`
	Gender           string  `json:"gender,omitempty" yaml:"gender,omitempty"`
	SeniorCitizen    bool    `json:"senior_citizen" yaml:"seniorCitizen"`
	Partner          string  `json:"partner,omitempty" yaml:"partner,omitempty"`
	Dependents       string  `json:"dependents,omitempty" yaml:"dependents,omitempty"`
	Tenure           float64 `json:"tenure" yaml:"tenure"`
	PhoneService     string  `json:"phone_service,omitempty" yaml:"phoneService,omitempty"`
	MultipleLines    string  `json:"multiple_lines,omitempty" yaml:"multipleLines,omitempty"`
	InternetService  string  `json:"internet_service,omitempty" yaml:"internetService,omitempty"`
	OnlineSecurity   string  `json:"online_security,omitempty" yaml:"onlineSecurity,omitempty"`
	OnlineBackup     string  `json:"online_backup,omitempty" yaml:"onlineBackup,omitempty"`
	DeviceProtection string  `json:"device_protection,omitempty" yaml:"deviceProtection,omitempty"`
	TechSupport      string  `json:"tech_support,omitempty" yaml:"techSupport,omitempty"`
	StreamingTV      string  `json:"streaming_tv,omitempty" yaml:"streamingTV,omitempty"`
	StreamingMovies  string  `json:"streaming_movies,omitempty" yaml:"streamingMovies,omitempty"`
	Contract         string  `json:"contract" yaml:"contract"`
	PaperlessBilling string  `json:"paperless_billing,omitempty" yaml:"paperlessBilling,omitempty"`
	PaymentMethod    string  `json:"payment_method" yaml:"paymentMethod"`
	MonthlyCharges   float64 `json:"monthly_charges" yaml:"monthlyCharges"`
	TotalCharges     float64 `json:"total_charges" yaml:"totalCharges"`
	Churn            string  `json:"churn,omitempty" yaml:"churn,omitempty"`
}

// Churned reports whether the label says the customer left.
func (c Customer) Churned() bool {
	return c.Churn == ValueYes
}

// Services returns the subscription value of each add-on service in ServiceColumns order.
func (c Customer) Services() []string {
	return []string{
		c.OnlineSecurity,
		c.OnlineBackup,
		c.DeviceProtection,
		c.TechSupport,
		c.StreamingTV,
		c.StreamingMovies,
	}
}

var requiredCustomerColumns = []string{
	ColContract,
	ColTenure,
	ColMonthlyCharges,
	ColTotalCharges,
	ColPaymentMethod,
}

// Customers maps a cleaned frame to typed records. Optional columns that are
// absent leave the corresponding field empty.
func Customers(f *Frame) ([]Customer, error) {
	for _, c := range requiredCustomerColumns {
		if !f.Has(c) {
			return nil, errs.Errorf(errs.KindConfig, "customers", "missing required column: %s", c)
		}
	}

	list := make([]Customer, 0, f.Len())
	for r := range f.Rows {
		c := Customer{
			Row:              r,
			ID:               f.Value(r, ColCustomerID),
			Gender:           f.Value(r, ColGender),
			Partner:          f.Value(r, ColPartner),
			Dependents:       f.Value(r, ColDependents),
			PhoneService:     f.Value(r, ColPhoneService),
			MultipleLines:    f.Value(r, ColMultipleLines),
			InternetService:  f.Value(r, ColInternetService),
			OnlineSecurity:   f.Value(r, ColOnlineSecurity),
			OnlineBackup:     f.Value(r, ColOnlineBackup),
			DeviceProtection: f.Value(r, ColDeviceProtection),
			TechSupport:      f.Value(r, ColTechSupport),
			StreamingTV:      f.Value(r, ColStreamingTV),
			StreamingMovies:  f.Value(r, ColStreamingMovies),
			Contract:         f.Value(r, ColContract),
			PaperlessBilling: f.Value(r, ColPaperlessBilling),
			PaymentMethod:    f.Value(r, ColPaymentMethod),
			Churn:            f.Value(r, ColChurn),
		}

		var ok bool
		if c.Tenure, ok = f.Float(r, ColTenure); !ok {
			return nil, errs.Errorf(errs.KindDataLoad, "customers", "row %d: invalid %s", r, ColTenure)
		}
		if c.MonthlyCharges, ok = f.Float(r, ColMonthlyCharges); !ok {
			return nil, errs.Errorf(errs.KindDataLoad, "customers", "row %d: invalid %s", r, ColMonthlyCharges)
		}
		if c.TotalCharges, ok = f.Float(r, ColTotalCharges); !ok {
			return nil, errs.Errorf(errs.KindDataLoad, "customers", "row %d: invalid %s", r, ColTotalCharges)
		}
		if v, ok := f.Float(r, ColSeniorCitizen); ok {
			c.SeniorCitizen = v > 0
		}

		list = append(list, c)
	}
	return list, nil
}
