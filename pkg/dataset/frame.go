package dataset

import (
	"math"
	"strconv"
	"strings"
)

const (
	ColCustomerID       = "customerID"
	ColGender           = "gender"
	ColSeniorCitizen    = "SeniorCitizen"
	ColPartner          = "Partner"
	ColDependents       = "Dependents"
	ColTenure           = "tenure"
	ColPhoneService     = "PhoneService"
	ColMultipleLines    = "MultipleLines"
	ColInternetService  = "InternetService"
	ColOnlineSecurity   = "OnlineSecurity"
	ColOnlineBackup     = "OnlineBackup"
	ColDeviceProtection = "DeviceProtection"
	ColTechSupport      = "TechSupport"
	ColStreamingTV      = "StreamingTV"
	ColStreamingMovies  = "StreamingMovies"
	ColContract         = "Contract"
	ColPaperlessBilling = "PaperlessBilling"
	ColPaymentMethod    = "PaymentMethod"
	ColMonthlyCharges   = "MonthlyCharges"
	ColTotalCharges     = "TotalCharges"
	ColChurn            = "Churn"

	ColAvgChargesPerMonth = "AvgChargesPerMonth"
	ColIsLongTermCustomer = "IsLongTermCustomer"
	ColHighSpender        = "HighSpender"

	ValueYes = "Yes"
	ValueNo  = "No"
)

// ServiceColumns are the add-on services counted by the risk scorer.
var ServiceColumns = []string{
	ColOnlineSecurity,
	ColOnlineBackup,
	ColDeviceProtection,
	ColTechSupport,
	ColStreamingTV,
	ColStreamingMovies,
}

// Frame is a small column-named table of raw cell values.
// An empty cell is a missing value.
type Frame struct {
	Columns []string   `json:"columns" yaml:"columns"`
	Rows    [][]string `json:"rows" yaml:"rows"`
}

// NewFrame creates an empty frame with the given header.
func NewFrame(columns ...string) *Frame {
	return &Frame{
		Columns: append([]string(nil), columns...),
		Rows:    make([][]string, 0),
	}
}

// Len returns the number of rows.
func (f *Frame) Len() int {
	if f == nil {
		return 0
	}
	return len(f.Rows)
}

// Index returns the position of a column or -1.
func (f *Frame) Index(col string) int {
	for i, c := range f.Columns {
		if c == col {
			return i
		}
	}
	return -1
}

// Has reports whether the column exists.
func (f *Frame) Has(col string) bool {
	return f.Index(col) >= 0
}

// Value returns the cell value or empty string when the column is absent.
func (f *Frame) Value(row int, col string) string {
	i := f.Index(col)
	if i < 0 || row < 0 || row >= len(f.Rows) || i >= len(f.Rows[row]) {
		return ""
	}
	return f.Rows[row][i]
}

// Float parses a numeric cell.
func (f *Frame) Float(row int, col string) (float64, bool) {
	return parseFloat(f.Value(row, col))
}

// Column returns a copy of all values in a column.
func (f *Frame) Column(col string) []string {
	i := f.Index(col)
	if i < 0 {
		return nil
	}
	out := make([]string, len(f.Rows))
	for r, row := range f.Rows {
		out[r] = row[i]
	}
	return out
}

// Append adds a new column, or replaces an existing one, with the given values.
func (f *Frame) Append(col string, values []string) {
	i := f.Index(col)
	if i < 0 {
		f.Columns = append(f.Columns, col)
		for r := range f.Rows {
			f.Rows[r] = append(f.Rows[r], values[r])
		}
		return
	}
	for r := range f.Rows {
		f.Rows[r][i] = values[r]
	}
}

// Clone returns a deep copy.
func (f *Frame) Clone() *Frame {
	c := NewFrame(f.Columns...)
	c.Rows = make([][]string, len(f.Rows))
	for i, row := range f.Rows {
		c.Rows[i] = append([]string(nil), row...)
	}
	return c
}

// Select returns a new frame holding only the given rows, in order.
func (f *Frame) Select(rows []int) *Frame {
	c := NewFrame(f.Columns...)
	c.Rows = make([][]string, 0, len(rows))
	for _, r := range rows {
		c.Rows = append(c.Rows, append([]string(nil), f.Rows[r]...))
	}
	return c
}

// IsNumeric reports whether every value in the column parses as a number.
// Columns with no rows are not numeric.
func (f *Frame) IsNumeric(col string) bool {
	i := f.Index(col)
	if i < 0 || len(f.Rows) == 0 {
		return false
	}
	for _, row := range f.Rows {
		if _, ok := parseFloat(row[i]); !ok {
			return false
		}
	}
	return true
}

// NumericColumns lists the columns whose values are all numeric, in header order.
func (f *Frame) NumericColumns() []string {
	out := make([]string, 0)
	for _, c := range f.Columns {
		if f.IsNumeric(c) {
			out = append(out, c)
		}
	}
	return out
}

func parseFloat(v string) (float64, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, false
	}
	return n, true
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
