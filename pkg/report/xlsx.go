package report

import (
	"fmt"
	"io"

	"github.com/mchmarny/churnctl/pkg/dataset"
	"github.com/mchmarny/churnctl/pkg/errs"
	"github.com/xuri/excelize/v2"
)

const (
	SheetData      = "Analysis_Data"
	SheetKPIs      = "KPI_Summary"
	SheetContracts = "Contract_Analysis"

	defaultSheet = "Sheet1"
	headerColor  = "#2E5A88"
)

var contractHeader = []any{
	"Contract", "Churned_Clients", "Total_Clients", "Avg_Monthly_Charges", "Avg_Tenure", "Churn_Rate",
}

// WriteXLSX writes the workbook with the filtered data, the KPI summary and
// the per-contract aggregate.
func WriteXLSX(w io.Writer, d *Document) error {
	if err := d.validate(); err != nil {
		return err
	}

	wb := excelize.NewFile()
	defer wb.Close()

	header, err := wb.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true, Color: "#FFFFFF"},
		Fill: excelize.Fill{Type: "pattern", Color: []string{headerColor}, Pattern: 1},
	})
	if err != nil {
		return errs.New(errs.KindExport, "xlsx style", err)
	}

	if err := wb.SetSheetName(defaultSheet, SheetData); err != nil {
		return errs.New(errs.KindExport, "xlsx sheet", err)
	}
	if err := writeFrame(wb, SheetData, d.Analysis.Data, header); err != nil {
		return errs.New(errs.KindExport, "xlsx "+SheetData, err)
	}

	k := d.Analysis.KPIs
	kpis := [][]any{
		{"KPI", "Value"},
		{"Customer portfolio", k.TotalClients},
		{"Churned customers", k.Churned},
		{"Loyal customers", k.Loyal},
		{"Churn rate", fmt.Sprintf("%.1f%%", k.ChurnPct)},
		{"Average tenure", fmt.Sprintf("%.1f months", k.AvgTenure)},
		{"Estimated annual revenue", "$" + k.AnnualRevenue.StringFixed(0)},
		{"Average monthly charges", "$" + k.AvgMonthlyCharges.StringFixed(2)},
	}
	if err := writeRows(wb, SheetKPIs, kpis, header); err != nil {
		return errs.New(errs.KindExport, "xlsx "+SheetKPIs, err)
	}

	contracts := [][]any{contractHeader}
	for _, c := range d.Analysis.Contracts {
		contracts = append(contracts, []any{c.Contract, c.Churned, c.Total, c.AvgMonthlyCharges, c.AvgTenure, c.ChurnRate})
	}
	if err := writeRows(wb, SheetContracts, contracts, header); err != nil {
		return errs.New(errs.KindExport, "xlsx "+SheetContracts, err)
	}

	wb.SetActiveSheet(0)
	if err := wb.Write(w); err != nil {
		return errs.New(errs.KindExport, "write xlsx", err)
	}
	return nil
}

// writeFrame writes f with numeric columns stored as numbers.
func writeFrame(wb *excelize.File, sheet string, f *dataset.Frame, header int) error {
	numeric := make([]bool, len(f.Columns))
	for i, c := range f.Columns {
		numeric[i] = f.IsNumeric(c)
	}

	rows := make([][]any, 0, f.Len()+1)
	head := make([]any, len(f.Columns))
	for i, c := range f.Columns {
		head[i] = c
	}
	rows = append(rows, head)

	for r, row := range f.Rows {
		out := make([]any, len(row))
		for i, v := range row {
			out[i] = v
			if numeric[i] {
				out[i], _ = f.Float(r, f.Columns[i])
			}
		}
		rows = append(rows, out)
	}
	return writeRows(wb, sheet, rows, header)
}

// writeRows creates the sheet when missing and writes rows from A1, styling
// the first row with header.
func writeRows(wb *excelize.File, sheet string, rows [][]any, header int) error {
	idx, err := wb.GetSheetIndex(sheet)
	if err != nil {
		return err
	}
	if idx < 0 {
		if _, err := wb.NewSheet(sheet); err != nil {
			return err
		}
	}

	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := wb.SetSheetRow(sheet, cell, &row); err != nil {
			return err
		}
	}
	if len(rows) == 0 || len(rows[0]) == 0 {
		return nil
	}

	last, err := excelize.CoordinatesToCellName(len(rows[0]), 1)
	if err != nil {
		return err
	}
	if err := wb.SetCellStyle(sheet, "A1", last, header); err != nil {
		return err
	}
	lastCol, err := excelize.ColumnNumberToName(len(rows[0]))
	if err != nil {
		return err
	}
	return wb.SetColWidth(sheet, "A", lastCol, 18)
}
