package report

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/go-pdf/fpdf"
	"github.com/mchmarny/churnctl/pkg/dashboard"
	"github.com/mchmarny/churnctl/pkg/errs"
	"github.com/mchmarny/churnctl/pkg/risk"
)

const (
	companyName = "Customer Analytics & Churn Prediction Platform"
	fontFamily  = "Helvetica"

	pageWidth    = 210.0
	pageMargin   = 15.0
	contentWidth = pageWidth - 2*pageMargin

	// vertical positions after which a block starts on a new page
	titleBreakY = 220.0
	chartBreakY = 180.0
	tableBreakY = 200.0

	chartBarHeight = 6.0
	chartLabelW    = 55.0
)

type rgb struct{ r, g, b int }

var (
	colorPrimary   = rgb{46, 90, 136}
	colorSecondary = rgb{212, 175, 55}
	colorText      = rgb{0, 0, 0}
	colorMuted     = rgb{80, 80, 80}
	colorWhite     = rgb{255, 255, 255}

	tierColors = map[risk.Tier]rgb{
		risk.TierHigh:   {192, 57, 43},
		risk.TierMedium: {230, 126, 34},
		risk.TierLow:    {39, 174, 96},
	}
)

type pdfWriter struct {
	*fpdf.Fpdf
	tr func(string) string
}

func newPDF(d *Document) *pdfWriter {
	f := fpdf.New("P", "mm", "A4", "")
	f.SetMargins(pageMargin, 25, pageMargin)
	f.SetAutoPageBreak(true, pageMargin)
	f.SetTitle("Churn Analysis Report", true)
	f.SetCreator("churnctl", true)
	f.AliasNbPages("")

	p := &pdfWriter{Fpdf: f, tr: f.UnicodeTranslatorFromDescriptor("")}
	generated := d.GeneratedAt.Format("2006-01-02 15:04")

	f.SetHeaderFunc(func() {
		if f.PageNo() == 1 {
			return
		}
		p.fill(colorPrimary)
		f.Rect(0, 0, pageWidth, 20, "F")
		p.text(colorWhite)
		f.SetY(4)
		f.SetFont(fontFamily, "B", 14)
		f.CellFormat(0, 8, p.tr(companyName), "", 1, "C", false, 0, "")
		f.SetFont(fontFamily, "I", 9)
		f.CellFormat(0, 5, "Strategic Analysis Report", "", 1, "C", false, 0, "")
		f.SetY(25)
	})
	f.SetFooterFunc(func() {
		f.SetY(-15)
		p.fill(colorPrimary)
		f.Rect(0, 282, pageWidth, 15, "F")
		p.text(colorWhite)
		f.SetFont(fontFamily, "I", 8)
		f.CellFormat(0, 10, fmt.Sprintf("Page %d/{nb} - Generated %s", f.PageNo(), generated), "", 0, "C", false, 0, "")
	})
	return p
}

func (p *pdfWriter) fill(c rgb) { p.SetFillColor(c.r, c.g, c.b) }
func (p *pdfWriter) text(c rgb) { p.SetTextColor(c.r, c.g, c.b) }

func (p *pdfWriter) breakAfter(y float64) {
	if p.GetY() > y {
		p.AddPage()
	}
}

func (p *pdfWriter) chapter(title string) {
	p.breakAfter(titleBreakY)
	p.fill(colorPrimary)
	p.text(colorWhite)
	p.SetFont(fontFamily, "B", 14)
	p.CellFormat(0, 10, p.tr(title), "", 1, "L", true, 0, "")
	p.Ln(4)
}

func (p *pdfWriter) section(title string) {
	p.SetFont(fontFamily, "B", 12)
	p.text(colorPrimary)
	p.CellFormat(0, 8, p.tr(title), "", 1, "L", false, 0, "")
	p.Ln(2)
}

func (p *pdfWriter) body(s string) {
	p.SetFont(fontFamily, "", 11)
	p.text(colorText)
	p.MultiCell(0, 5, p.tr(s), "", "L", false)
	p.Ln(3)
}

func (p *pdfWriter) caption(s string) {
	p.SetFont(fontFamily, "I", 9)
	p.text(rgb{60, 60, 60})
	p.MultiCell(0, 4, p.tr(s), "", "L", false)
	p.Ln(5)
}

type bar struct {
	label string
	value float64
	color rgb
}

// barChart draws a horizontal bar chart scaled to the largest value.
func (p *pdfWriter) barChart(title string, bars []bar, format string) {
	p.breakAfter(chartBreakY)
	p.section(title)
	if len(bars) == 0 {
		p.caption("No data for the current selection.")
		return
	}

	maxV := 0.0
	for _, b := range bars {
		maxV = max(maxV, b.value)
	}
	barW := contentWidth - chartLabelW - 20

	p.SetFont(fontFamily, "", 8)
	for _, b := range bars {
		p.breakAfter(270)
		y := p.GetY()
		p.text(colorMuted)
		p.CellFormat(chartLabelW, chartBarHeight, p.tr(truncate(b.label, 34)), "", 0, "R", false, 0, "")

		w := 0.0
		if maxV > 0 {
			w = b.value / maxV * barW
		}
		p.fill(b.color)
		p.Rect(pageMargin+chartLabelW+2, y+1, max(w, 0.2), chartBarHeight-2, "F")
		p.SetXY(pageMargin+chartLabelW+4+w, y)
		p.text(colorText)
		p.CellFormat(18, chartBarHeight, fmt.Sprintf(format, b.value), "", 1, "L", false, 0, "")
	}
	p.Ln(3)
}

func (p *pdfWriter) kpiTable(rows [][2]string) {
	p.breakAfter(tableBreakY)
	p.SetFont(fontFamily, "B", 10)
	p.fill(colorPrimary)
	p.text(colorWhite)
	p.CellFormat(100, 7, "INDICATOR", "1", 0, "C", true, 0, "")
	p.CellFormat(40, 7, "VALUE", "1", 1, "C", true, 0, "")

	p.SetFont(fontFamily, "", 10)
	p.text(colorText)
	for i, r := range rows {
		shade := i%2 == 1
		p.SetFillColor(240, 240, 240)
		p.CellFormat(100, 6, p.tr(r[0]), "1", 0, "L", shade, 0, "")
		p.CellFormat(40, 6, p.tr(r[1]), "1", 1, "C", shade, 0, "")
	}
	p.Ln(5)
}

func (p *pdfWriter) riskTable(rows []dashboard.RiskRow) {
	p.breakAfter(chartBreakY)
	headers := []string{"Customer ID", "Contract", "Tenure", "Charges", "Score", "Level"}
	widths := []float64{40, 40, 15, 25, 25, 25}

	p.SetFont(fontFamily, "B", 8)
	p.fill(colorSecondary)
	p.text(colorText)
	for i, h := range headers {
		p.CellFormat(widths[i], 6, h, "1", 0, "C", true, 0, "")
	}
	p.Ln(-1)

	p.SetFont(fontFamily, "", 8)
	for i, r := range rows {
		shade := i%2 == 1
		p.SetFillColor(245, 245, 245)
		p.text(colorText)
		p.CellFormat(widths[0], 6, p.tr(truncate(r.CustomerID, 15)), "1", 0, "L", shade, 0, "")
		p.CellFormat(widths[1], 6, p.tr(r.Contract), "1", 0, "L", shade, 0, "")
		p.CellFormat(widths[2], 6, fmt.Sprintf("%.0f", r.Tenure), "1", 0, "C", shade, 0, "")
		p.CellFormat(widths[3], 6, fmt.Sprintf("$%.0f", r.MonthlyCharges), "1", 0, "C", shade, 0, "")
		p.CellFormat(widths[4], 6, fmt.Sprintf("%.2f", r.Score), "1", 0, "C", shade, 0, "")
		p.text(tierColors[r.Tier])
		p.CellFormat(widths[5], 6, string(r.Tier), "1", 1, "C", shade, 0, "")
	}
	p.text(colorText)
	p.Ln(5)
}

func (p *pdfWriter) cover(d *Document) {
	p.AddPage()
	p.fill(colorPrimary)
	p.Rect(0, 0, pageWidth, 30, "F")
	p.SetY(8)
	p.SetFont(fontFamily, "B", 16)
	p.text(colorWhite)
	p.CellFormat(0, 15, p.tr(companyName), "", 1, "C", false, 0, "")

	p.SetY(45)
	p.SetFont(fontFamily, "B", 26)
	p.text(rgb{30, 30, 30})
	p.CellFormat(0, 15, "STRATEGIC ANALYSIS REPORT", "", 1, "C", false, 0, "")
	p.Ln(5)
	p.SetFont(fontFamily, "I", 18)
	p.text(colorSecondary)
	p.CellFormat(0, 10, "Customer Analytics & Churn Prediction", "", 1, "C", false, 0, "")
	p.Ln(20)

	p.SetDrawColor(200, 200, 200)
	p.Line(30, p.GetY(), 180, p.GetY())
	p.Ln(15)

	p.SetFont(fontFamily, "B", 12)
	p.text(colorMuted)
	p.SetX(30)
	p.CellFormat(150, 8, "Date: "+d.GeneratedAt.Format("2006-01-02"), "", 1, "L", false, 0, "")
	p.SetX(30)
	p.CellFormat(150, 8, p.tr("Source: "+d.Source), "", 1, "L", false, 0, "")
	if d.ModelVersion != "" {
		p.SetX(30)
		p.CellFormat(150, 8, "Model version: "+d.ModelVersion, "", 1, "L", false, 0, "")
	}
	if f := filterText(d.Analysis.Filter); f != "" {
		p.SetX(30)
		p.MultiCell(150, 8, p.tr("Filter: "+f), "", "L", false)
	}

	p.SetY(260)
	p.SetFont(fontFamily, "I", 10)
	p.text(rgb{150, 150, 150})
	p.CellFormat(0, 10, "Confidential", "", 0, "C", false, 0, "")
}

// WritePDF renders the paginated analysis report.
func WritePDF(w io.Writer, d *Document) error {
	if err := d.validate(); err != nil {
		return err
	}
	a := d.Analysis
	k := a.KPIs
	p := newPDF(d)

	p.cover(d)
	p.AddPage()

	p.chapter("1. EXECUTIVE SUMMARY")
	p.body(fmt.Sprintf("This report analyzes %s customers with a churn rate of %.1f%%. It identifies the key trends and the "+
		"segments at risk, and proposes strategic actions to improve retention and long-term customer value.",
		thousands(k.TotalClients), k.ChurnPct))
	p.body(fmt.Sprintf("The customer portfolio generates an estimated annual revenue of $%s. %s customers left the service "+
		"during the analyzed period. The average tenure is %.1f months. Month-to-month contracts carry the highest churn risk.",
		k.AnnualRevenue.StringFixed(0), thousands(k.Churned), k.AvgTenure))
	p.kpiTable(kpiRows(k))

	p.chapter("2. CHURN ANALYSIS")
	p.barChart("Churned vs Loyal Customers", []bar{
		{"Loyal", float64(k.Loyal), tierColors[risk.TierLow]},
		{"Churned", float64(k.Churned), tierColors[risk.TierHigh]},
	}, "%.0f")
	p.caption(fmt.Sprintf("%.1f%% of customers left the service while %.1f%% stayed.", k.ChurnPct, 100-k.ChurnPct))

	contracts := make([]bar, 0, len(a.Contracts))
	for _, c := range a.Contracts {
		contracts = append(contracts, bar{c.Contract, c.ChurnRate, colorPrimary})
	}
	p.barChart("Churn Rate by Contract Type (%)", contracts, "%.1f%%")
	p.caption("Churn distribution by contract type. Month-to-month contracts show the highest risk.")

	p.chapter("3. TENURE DISTRIBUTION")
	groups := make([]bar, 0, len(a.TenureGroups))
	for _, g := range a.TenureGroups {
		groups = append(groups, bar{g.Label, float64(g.Total), colorPrimary})
	}
	p.barChart("Customers by Tenure Group", groups, "%.0f")
	p.caption(fmt.Sprintf("Average customer tenure is %.1f months.", k.AvgTenure))

	p.chapter("4. SEGMENTATION")
	if s := a.Segments; s != nil {
		segs := make([]bar, 0, s.K)
		for i, n := range s.Sizes {
			segs = append(segs, bar{fmt.Sprintf("Cluster %d", i), float64(n), colorSecondary})
		}
		p.barChart("Customers per Segment", segs, "%.0f")
		p.caption(fmt.Sprintf("K-means segmentation over %s. Each cluster is a distinct customer profile.",
			strings.Join(s.Columns, ", ")))
		p.body(segmentText(s))
	} else {
		p.body("Segmentation is not available for the current selection.")
	}

	p.chapter("5. RISK DETECTION")
	tiers := make([]bar, 0, len(risk.Tiers))
	for _, t := range risk.Tiers {
		tiers = append(tiers, bar{string(t), float64(a.Risk.Tiers[t]), tierColors[t]})
	}
	p.barChart("Customers by Risk Tier", tiers, "%.0f")

	hist := make([]bar, 0, len(a.Risk.Histogram))
	for _, b := range a.Risk.Histogram {
		hist = append(hist, bar{fmt.Sprintf("%.2f - %.2f", b.Lower, b.Upper), float64(b.Count), colorPrimary})
	}
	p.barChart("Risk Score Distribution", hist, "%.0f")
	p.caption("The right tail of the distribution holds the high-risk customers.")

	if len(a.Risk.Top) > 0 {
		p.section("Top 10 High-Risk Customers")
		p.riskTable(a.Risk.Top)
	} else {
		p.body("No customers in the current selection.")
	}
	if a.Model != nil {
		p.body(fmt.Sprintf("Model %s predicts %d churners with a mean churn probability of %.2f.",
			a.Model.Version, a.Model.PredictedChurners, a.Model.MeanProbability))
	}

	p.chapter("6. RECOMMENDATIONS")
	lines := make([]string, len(a.Recommendations))
	for i, r := range a.Recommendations {
		lines[i] = fmt.Sprintf("%d. %s.", i+1, r)
	}
	p.body(strings.Join(lines, "\n"))
	target, saved := dashboard.ReductionTarget(k)
	p.body(fmt.Sprintf("Objective: reduce the churn rate from %.1f%% to %.1f%% within six months, for potential annual "+
		"savings of $%s.", k.ChurnPct, target, saved.StringFixed(0)))

	p.chapter("7. CONCLUSION")
	p.body("The analysis shows clear opportunities to improve retention. A targeted approach based on segmentation " +
		"and predictive risk detection can reduce churn while improving customer value.")
	p.body("Next steps:\n- Validate the recommendations with the operational teams.\n- Roll out retention initiatives " +
		"progressively.\n- Track the indicators on the dashboard.\n- Re-evaluate the strategy quarterly.")

	if err := p.Output(w); err != nil {
		return errs.New(errs.KindExport, "write pdf", err)
	}
	return nil
}

func kpiRows(k dashboard.KPIs) [][2]string {
	return [][2]string{
		{"Customer portfolio", thousands(k.TotalClients)},
		{"Churned customers", thousands(k.Churned)},
		{"Loyal customers", thousands(k.Loyal)},
		{"Churn rate", fmt.Sprintf("%.1f%%", k.ChurnPct)},
		{"Average tenure", fmt.Sprintf("%.1f months", k.AvgTenure)},
		{"Estimated annual revenue", "$" + k.AnnualRevenue.StringFixed(0)},
		{"Average monthly charges", "$" + k.AvgMonthlyCharges.StringFixed(2)},
	}
}

func segmentText(s *dashboard.Segmentation) string {
	lines := make([]string, 0, s.K)
	for i, c := range s.Centroids {
		parts := make([]string, len(c))
		for j, v := range c {
			parts[j] = fmt.Sprintf("%s %.1f", s.Columns[j], v)
		}
		lines = append(lines, fmt.Sprintf("- Cluster %d (%d customers): %s", i, s.Sizes[i], strings.Join(parts, ", ")))
	}
	return strings.Join(lines, "\n")
}

func filterText(f dashboard.Filter) string {
	parts := make([]string, 0, 3)
	if len(f.Gender) > 0 {
		parts = append(parts, "gender="+strings.Join(f.Gender, "|"))
	}
	if len(f.Contract) > 0 {
		parts = append(parts, "contract="+strings.Join(f.Contract, "|"))
	}
	if len(f.Payment) > 0 {
		parts = append(parts, "payment="+strings.Join(f.Payment, "|"))
	}
	return strings.Join(parts, ", ")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// thousands formats n with comma separators.
func thousands(n int) string {
	if n < 0 {
		return "-" + thousands(-n)
	}
	s := strconv.Itoa(n)
	for i := len(s) - 3; i > 0; i -= 3 {
		s = s[:i] + "," + s[i:]
	}
	return s
}
