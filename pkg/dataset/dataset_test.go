package dataset

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mchmarny/churnctl/pkg/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

const testCSV = `customerID,gender,SeniorCitizen,Partner,Dependents,tenure,OnlineSecurity,TechSupport,Contract,PaymentMethod,MonthlyCharges,TotalCharges,Churn
0001-A,Female,0,Yes,No,1,No,No,Month-to-month,Electronic check,29.85,29.85,No
0002-B,Male,0,No,No,34,Yes,Yes,One year,Mailed check,56.95,1889.5,No
0003-C,Male,0,No,No,2,Yes,No,Month-to-month,Mailed check,53.85,108.15,Yes
0004-D,Male,1,No,No,0,Yes,Yes,Two year,Bank transfer (automatic),42.30, ,No
0005-E,Female,0,No,No,8,No,No,Month-to-month,Electronic check,99.65,820.5,Yes
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestReadCSV(t *testing.T) {
	f, err := ReadCSV(strings.NewReader(testCSV))
	require.NoError(t, err)
	assert.Equal(t, 5, f.Len())
	assert.Equal(t, ColCustomerID, f.Columns[0])
	assert.Equal(t, "Month-to-month", f.Value(0, ColContract))
	assert.Equal(t, "", f.Value(0, "missing"))

	v, ok := f.Float(1, ColMonthlyCharges)
	assert.True(t, ok)
	assert.InDelta(t, 56.95, v, 1e-9)
}

func TestDecode_Unsupported(t *testing.T) {
	_, err := Decode("data.parquet", strings.NewReader(""))
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindDataLoad))
}

func TestClean_CoercesAndDrops(t *testing.T) {
	f, err := ReadCSV(strings.NewReader(testCSV))
	require.NoError(t, err)

	res, err := Clean(f)
	require.NoError(t, err)
	assert.Equal(t, 5, res.RowsBefore)
	assert.Equal(t, 4, res.RowsAfter)
	assert.Equal(t, 1, res.NullCounts[ColTotalCharges])
	assert.Equal(t, 1, res.Nulls())
	assert.Equal(t, 5, f.Len(), "input frame is not modified")

	for r := 0; r < res.Frame.Len(); r++ {
		assert.NotEqual(t, "0004-D", res.Frame.Value(r, ColCustomerID))
	}
}

func TestClean_MissingTotalCharges(t *testing.T) {
	f := NewFrame(ColCustomerID, ColChurn)
	_, err := Clean(f)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindConfig))
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.csv"))
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindDataLoad))

	path := writeFile(t, "nolabel.csv", "customerID,TotalCharges\n1,2\n")
	_, err = Load(path)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindDataLoad))
}

func TestLoad_Idempotent(t *testing.T) {
	path := writeFile(t, "data.csv", testCSV)

	r1, err := Load(path)
	require.NoError(t, err)
	r2, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, r1.RowsBefore, r2.RowsBefore)
	assert.Equal(t, r1.RowsAfter, r2.RowsAfter)
	assert.Equal(t, r1.NullCounts, r2.NullCounts)
	assert.Equal(t, path, r1.Source)
}

func TestCheckQuality(t *testing.T) {
	f, err := ReadCSV(strings.NewReader(testCSV))
	require.NoError(t, err)

	r, err := CheckQuality(f, QualityThresholds{MaxNullRatio: 0.5, MaxDuplicateRatio: 0.5})
	require.NoError(t, err)
	assert.True(t, r.Passed)
	assert.Equal(t, 5, r.TotalRows)
	assert.Equal(t, 1, r.NullValues)
	assert.Equal(t, 0, r.DuplicateRows)
	assert.Equal(t, "int64", r.DataTypes[ColTenure])
	assert.Equal(t, "float64", r.DataTypes[ColMonthlyCharges])
	assert.Equal(t, "float64", r.DataTypes[ColTotalCharges])
	assert.Equal(t, "object", r.DataTypes[ColContract])
}

func TestCheckQuality_TooManyNulls(t *testing.T) {
	f, err := ReadCSV(strings.NewReader(testCSV))
	require.NoError(t, err)

	r, err := CheckQuality(f, DefaultQualityThresholds())
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindDataLoad))
	require.NotNil(t, r)
	assert.False(t, r.Passed)
}

func TestCheckQuality_Duplicates(t *testing.T) {
	lines := strings.Split(strings.TrimSpace(testCSV), "\n")
	content := strings.Join(append(lines, lines[1], lines[1]), "\n")
	f, err := ReadCSV(strings.NewReader(content))
	require.NoError(t, err)

	r, err := CheckQuality(f, QualityThresholds{MaxNullRatio: 1, MaxDuplicateRatio: 0.05})
	require.Error(t, err)
	assert.Equal(t, 2, r.DuplicateRows)
}

func TestCustomers(t *testing.T) {
	f, err := ReadCSV(strings.NewReader(testCSV))
	require.NoError(t, err)
	res, err := Clean(f)
	require.NoError(t, err)

	list, err := Customers(res.Frame)
	require.NoError(t, err)
	require.Len(t, list, 4)

	c := list[0]
	assert.Equal(t, "0001-A", c.ID)
	assert.Equal(t, 1.0, c.Tenure)
	assert.Equal(t, "No", c.TechSupport)
	assert.Equal(t, "", c.StreamingTV, "absent service column stays empty")
	assert.False(t, c.Churned())
	assert.False(t, list[1].Churned())
	assert.True(t, list[2].Churned())
	assert.Len(t, c.Services(), len(ServiceColumns))
}

func TestCustomers_MissingRequired(t *testing.T) {
	f := NewFrame(ColCustomerID, ColTenure)
	_, err := Customers(f)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindConfig))
}

func TestDerive(t *testing.T) {
	f := NewFrame(ColTenure, ColMonthlyCharges, ColTotalCharges)
	f.Rows = [][]string{
		{"0", "80", "0"},
		{"30", "50", "1500"},
	}
	require.NoError(t, Derive(f))

	avg, ok := f.Float(1, ColAvgChargesPerMonth)
	require.True(t, ok)
	assert.InDelta(t, 50.0, avg, 1e-4)

	avg, ok = f.Float(0, ColAvgChargesPerMonth)
	require.True(t, ok)
	assert.Equal(t, 0.0, avg)

	assert.Equal(t, "0", f.Value(0, ColIsLongTermCustomer))
	assert.Equal(t, "1", f.Value(1, ColIsLongTermCustomer))
	assert.Equal(t, "1", f.Value(0, ColHighSpender))
	assert.Equal(t, "0", f.Value(1, ColHighSpender))
}

func TestDerive_MissingColumn(t *testing.T) {
	err := Derive(NewFrame(ColTenure))
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindConfig))
}

func TestReadXLSX(t *testing.T) {
	wb := excelize.NewFile()
	sheet := wb.GetSheetName(0)
	require.NoError(t, wb.SetSheetRow(sheet, "A1", &[]any{ColCustomerID, ColTenure, ColTotalCharges}))
	require.NoError(t, wb.SetSheetRow(sheet, "A2", &[]any{"0001", 3, 12.5}))
	require.NoError(t, wb.SetSheetRow(sheet, "A3", &[]any{"0002", 24}))

	var buf bytes.Buffer
	require.NoError(t, wb.Write(&buf))

	f, err := Decode("upload.xlsx", &buf)
	require.NoError(t, err)
	assert.Equal(t, []string{ColCustomerID, ColTenure, ColTotalCharges}, f.Columns)
	require.Equal(t, 2, f.Len())
	assert.Equal(t, "12.5", f.Value(0, ColTotalCharges))
	assert.Equal(t, "", f.Value(1, ColTotalCharges))
}

func TestFrame_Helpers(t *testing.T) {
	f := NewFrame("a", "b")
	f.Rows = [][]string{{"1", "x"}, {"2", "y"}, {"3", "z"}}

	assert.Equal(t, []string{"a"}, f.NumericColumns())
	assert.Equal(t, []string{"x", "y", "z"}, f.Column("b"))
	assert.Nil(t, f.Column("c"))

	s := f.Select([]int{2, 0})
	assert.Equal(t, "z", s.Value(0, "b"))
	s.Rows[0][1] = "changed"
	assert.Equal(t, "z", f.Value(2, "b"))

	f.Append("c", []string{"p", "q", "r"})
	assert.Equal(t, "q", f.Value(1, "c"))
	f.Append("c", []string{"1", "2", "3"})
	assert.Len(t, f.Columns, 3)
	assert.True(t, f.IsNumeric("c"))
}

func TestEnsure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, testCSV)
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "sub", "data.csv")
	require.NoError(t, Ensure(context.Background(), path, srv.URL))
	res, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4, res.RowsAfter)

	// existing file is not downloaded again
	require.NoError(t, Ensure(context.Background(), path, "http://127.0.0.1:1/unreachable"))

	err = Ensure(context.Background(), filepath.Join(t.TempDir(), "x.csv"), "")
	assert.True(t, errs.Is(err, errs.KindDataLoad))
}

func TestSynthetic(t *testing.T) {
	a := Synthetic(200, 7)
	b := Synthetic(200, 7)
	require.Equal(t, a, b)
	require.Equal(t, 200, a.Len())

	path := filepath.Join(t.TempDir(), "synthetic.csv")
	require.NoError(t, WriteFile(path, a))

	res, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 200, res.RowsBefore)
	assert.Equal(t, res.RowsBefore-res.NullCounts[ColTotalCharges], res.RowsAfter)

	list, err := Customers(res.Frame)
	require.NoError(t, err)

	var yes, no int
	for _, c := range list {
		if c.Churned() {
			yes++
		} else {
			no++
		}
	}
	assert.Positive(t, yes)
	assert.Positive(t, no)
}
