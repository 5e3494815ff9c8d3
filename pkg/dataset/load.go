package dataset

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/mchmarny/churnctl/pkg/errs"
	"github.com/xuri/excelize/v2"
)

const (
	extCSV  = ".csv"
	extXLSX = ".xlsx"
	extXLS  = ".xls"
)

// LoadResult describes what Clean did to a frame.
type LoadResult struct {
	Frame      *Frame         `json:"-" yaml:"-"`
	Source     string         `json:"source,omitempty" yaml:"source,omitempty"`
	RowsBefore int            `json:"rows_before" yaml:"rowsBefore"`
	RowsAfter  int            `json:"rows_after" yaml:"rowsAfter"`
	NullCounts map[string]int `json:"null_counts" yaml:"nullCounts"`
}

// Nulls returns the total number of missing cells after coercion.
func (r *LoadResult) Nulls() int {
	n := 0
	for _, v := range r.NullCounts {
		n += v
	}
	return n
}

// ReadFile reads a CSV or spreadsheet file into a frame.
func ReadFile(path string) (*Frame, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.New(errs.KindDataLoad, "read "+path, err)
	}
	defer f.Close()
	return Decode(filepath.Base(path), f)
}

// Decode parses the content based on the file name extension.
func Decode(name string, r io.Reader) (*Frame, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case extCSV:
		return ReadCSV(r)
	case extXLSX, extXLS:
		return ReadXLSX(r)
	default:
		return nil, errs.Errorf(errs.KindDataLoad, "decode "+name, "unsupported file format")
	}
}

// ReadCSV parses delimited text with a header row.
func ReadCSV(r io.Reader) (*Frame, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, errs.New(errs.KindDataLoad, "read csv header", err)
	}

	f := NewFrame(trimHeader(header)...)
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errs.New(errs.KindDataLoad, "read csv record", err)
		}
		f.Rows = append(f.Rows, pad(rec, len(f.Columns)))
	}
	return f, nil
}

// ReadXLSX parses the first sheet of a workbook.
func ReadXLSX(r io.Reader) (*Frame, error) {
	wb, err := excelize.OpenReader(r)
	if err != nil {
		return nil, errs.New(errs.KindDataLoad, "open workbook", err)
	}
	defer wb.Close()

	sheets := wb.GetSheetList()
	if len(sheets) == 0 {
		return nil, errs.Errorf(errs.KindDataLoad, "open workbook", "no sheets")
	}

	rows, err := wb.GetRows(sheets[0])
	if err != nil {
		return nil, errs.New(errs.KindDataLoad, "read sheet "+sheets[0], err)
	}
	if len(rows) == 0 {
		return nil, errs.Errorf(errs.KindDataLoad, "read sheet "+sheets[0], "empty sheet")
	}

	f := NewFrame(trimHeader(rows[0])...)
	for _, row := range rows[1:] {
		f.Rows = append(f.Rows, pad(row, len(f.Columns)))
	}
	return f, nil
}

// Clean coerces TotalCharges to numeric and drops rows with any missing value.
func Clean(f *Frame) (*LoadResult, error) {
	if f == nil {
		return nil, errs.Errorf(errs.KindDataLoad, "clean", "nil frame")
	}
	if !f.Has(ColTotalCharges) {
		return nil, errs.Errorf(errs.KindConfig, "clean", "missing required column: %s", ColTotalCharges)
	}

	c := f.Clone()
	coerceNumeric(c, ColTotalCharges)

	res := &LoadResult{
		RowsBefore: c.Len(),
		NullCounts: nullCounts(c),
	}

	kept := make([][]string, 0, len(c.Rows))
	for _, row := range c.Rows {
		if !hasMissing(row) {
			kept = append(kept, row)
		}
	}
	c.Rows = kept

	res.Frame = c
	res.RowsAfter = c.Len()
	return res, nil
}

// Load reads a training source and cleans it. The label column must be present.
func Load(path string) (*LoadResult, error) {
	f, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	if !f.Has(ColChurn) {
		return nil, errs.Errorf(errs.KindDataLoad, "load "+path, "target column %s not found", ColChurn)
	}

	res, err := Clean(f)
	if err != nil {
		return nil, err
	}
	res.Source = path
	return res, nil
}

func coerceNumeric(f *Frame, col string) {
	i := f.Index(col)
	for _, row := range f.Rows {
		if _, ok := parseFloat(row[i]); !ok {
			row[i] = ""
		}
	}
}

func nullCounts(f *Frame) map[string]int {
	m := make(map[string]int, len(f.Columns))
	for i, c := range f.Columns {
		n := 0
		for _, row := range f.Rows {
			if row[i] == "" {
				n++
			}
		}
		m[c] = n
	}
	return m
}

func hasMissing(row []string) bool {
	for _, v := range row {
		if v == "" {
			return true
		}
	}
	return false
}

func trimHeader(h []string) []string {
	out := make([]string, len(h))
	for i, v := range h {
		out[i] = strings.TrimSpace(strings.TrimPrefix(v, "\ufeff"))
	}
	return out
}

func pad(rec []string, n int) []string {
	if len(rec) == n {
		return rec
	}
	out := make([]string, n)
	copy(out, rec)
	return out
}

func (r *LoadResult) String() string {
	return fmt.Sprintf("%d/%d rows kept", r.RowsAfter, r.RowsBefore)
}

// WriteCSV writes the frame with a header row.
func WriteCSV(w io.Writer, f *Frame) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(f.Columns); err != nil {
		return errs.New(errs.KindExport, "write csv header", err)
	}
	if err := cw.WriteAll(f.Rows); err != nil {
		return errs.New(errs.KindExport, "write csv rows", err)
	}
	return nil
}

// WriteFile saves the frame as CSV at path.
func WriteFile(path string, f *Frame) error {
	if err := os.MkdirAll(filepath.Dir(path), dirMode); err != nil {
		return errs.New(errs.KindExport, "create dir", err)
	}
	out, err := os.Create(path)
	if err != nil {
		return errs.New(errs.KindExport, "create "+path, err)
	}
	if err := WriteCSV(out, f); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
