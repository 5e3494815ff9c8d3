package cli

import (
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"slices"

	"github.com/mchmarny/churnctl/pkg/dashboard"
	"github.com/mchmarny/churnctl/pkg/risk"
)

var templateFuncs = template.FuncMap{
	"fixed1": func(v float64) string { return fmt.Sprintf("%.1f", v) },
	"fixed2": func(v float64) string { return fmt.Sprintf("%.2f", v) },
	"has":    slices.Contains[[]string, string],
	"tier":   func(m map[risk.Tier]int, t string) int { return m[risk.Tier(t)] },
}

// homeView is the data rendered by the home template.
type homeView struct {
	Version      string
	Commit       string
	BuildDate    string
	Err          string
	Session      *dashboard.Session
	Options      dashboard.Options
	ModelVersion string
	Filter       dashboard.Filter
	Analysis     *dashboard.Analysis
	Query        template.URL
	Tiers        []string
}

func homeViewHandler(tmpl *template.Template, d *dashboardServer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v := &homeView{
			Version:   version,
			Commit:    commit,
			BuildDate: date,
			Err:       r.URL.Query().Get("err"),
			Query:     template.URL(r.URL.RawQuery),
			Tiers:     []string{string(risk.TierHigh), string(risk.TierMedium), string(risk.TierLow)},
		}

		if s := d.getSession(); s != nil {
			v.Session = s
			v.Options = s.Options()
			v.ModelVersion = s.ModelVersion()
			v.Filter = filterFromQuery(r)
			a, err := s.Analyze(v.Filter)
			if err != nil {
				d.log.Error("analysis failed", "error", err)
				v.Err = "error analyzing dataset"
			}
			v.Analysis = a
		}

		if err := tmpl.ExecuteTemplate(w, "home", v); err != nil {
			slog.Error("template render failed", "error", err)
			http.Error(w, "internal server error", http.StatusInternalServerError)
		}
	}
}
