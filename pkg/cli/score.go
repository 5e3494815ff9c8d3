package cli

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/mchmarny/churnctl/pkg/dashboard"
	"github.com/mchmarny/churnctl/pkg/publish"
	"github.com/mchmarny/churnctl/pkg/report"
	urfave "github.com/urfave/cli/v2"
)

var (
	publishFlag = &urfave.BoolFlag{
		Name:  "publish",
		Usage: "Writes the predictions to the configured PostgreSQL database",
	}

	limitFlag = &urfave.IntFlag{
		Name:  "limit",
		Usage: "Number of predictions to print, highest score first, 0 prints all",
		Value: 10,
	}

	genderFlag = &urfave.StringSliceFlag{
		Name:  "gender",
		Usage: "Gender filter, repeatable (optional, default: all)",
	}

	contractFlag = &urfave.StringSliceFlag{
		Name:  "contract",
		Usage: "Contract filter, repeatable (optional, default: all)",
	}

	paymentFlag = &urfave.StringSliceFlag{
		Name:  "payment",
		Usage: "Payment method filter, repeatable (optional, default: all)",
	}

	outDirFlag = &urfave.StringFlag{
		Name:  "out",
		Usage: "Export directory (optional, default: config report_dir)",
	}

	scoreCmd = &urfave.Command{
		Name:   "score",
		Usage:  "Scores churn risk for every customer, with model probabilities when a model is deployed",
		Flags:  []urfave.Flag{dataPathFlag, publishFlag, limitFlag, debugFlag, formatFlag},
		Action: cmdScore,
	}

	exportCmd = &urfave.Command{
		Name:   "export",
		Usage:  "Exports the churn analysis as PDF report and XLSX workbook",
		Flags:  []urfave.Flag{dataPathFlag, genderFlag, contractFlag, paymentFlag, outDirFlag, debugFlag, formatFlag},
		Action: cmdExport,
	}
)

// ScoreResult is the output of the score command.
type ScoreResult struct {
	Source       string               `json:"source" yaml:"source"`
	ModelVersion string               `json:"model_version,omitempty" yaml:"modelVersion,omitempty"`
	Customers    int                  `json:"customers" yaml:"customers"`
	Tiers        map[string]int       `json:"tiers" yaml:"tiers"`
	Published    int64                `json:"published" yaml:"published"`
	Predictions  []publish.Prediction `json:"predictions" yaml:"predictions"`
}

func cmdScore(c *urfave.Context) error {
	applyFlags(c)
	cfg := getConfig(c).Config
	path := dataPath(c, cfg)

	s, err := dashboard.Open(path, cfg.ServeDir)
	if err != nil {
		return fmt.Errorf("error loading dataset: %w", err)
	}
	list, err := predictions(s, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("error scoring customers: %w", err)
	}

	res := &ScoreResult{
		Source:       s.Source,
		ModelVersion: s.ModelVersion(),
		Customers:    len(list),
		Tiers:        make(map[string]int),
	}
	for _, p := range list {
		res.Tiers[p.RiskLevel]++
	}

	if c.Bool(publishFlag.Name) {
		if cfg.Publish.PostgresDSN == "" {
			return errors.New("publishing requires publish.postgres_dsn or CHURN_POSTGRES_DSN")
		}
		sink, err := publish.NewPredictionSink(c.Context, cfg.Publish.PostgresDSN)
		if err != nil {
			return fmt.Errorf("error connecting prediction sink: %w", err)
		}
		defer sink.Close()
		if err := sink.EnsureTable(c.Context); err != nil {
			return err
		}
		if res.Published, err = sink.Write(c.Context, list); err != nil {
			return err
		}
	}

	sortPredictions(list)
	if n := c.Int(limitFlag.Name); n > 0 && n < len(list) {
		list = list[:n]
	}
	res.Predictions = list
	return print(c, res)
}

// predictions scores every session customer, adding the model probability
// when the session has a model.
func predictions(s *dashboard.Session, now time.Time) ([]publish.Prediction, error) {
	proba, err := s.Probabilities()
	if err != nil {
		return nil, err
	}
	assessments := s.Assessments()
	list := make([]publish.Prediction, len(assessments))
	for i, a := range assessments {
		list[i] = publish.Prediction{
			CustomerID:   a.CustomerID,
			ChurnScore:   a.Score,
			RiskLevel:    string(a.Tier),
			ModelVersion: s.ModelVersion(),
			ScoredAt:     now,
		}
		if proba != nil {
			p := proba[i]
			list[i].Probability = &p
		}
	}
	return list, nil
}

func sortPredictions(list []publish.Prediction) {
	slices.SortStableFunc(list, func(a, b publish.Prediction) int {
		return cmp.Compare(b.ChurnScore, a.ChurnScore)
	})
}

func filterFromFlags(c *urfave.Context) dashboard.Filter {
	return dashboard.Filter{
		Gender:   c.StringSlice(genderFlag.Name),
		Contract: c.StringSlice(contractFlag.Name),
		Payment:  c.StringSlice(paymentFlag.Name),
	}
}

func cmdExport(c *urfave.Context) error {
	applyFlags(c)
	cfg := getConfig(c).Config
	path := dataPath(c, cfg)

	dir := c.String(outDirFlag.Name)
	if dir == "" {
		dir = cfg.ReportDir
	}

	s, err := dashboard.Open(path, cfg.ServeDir)
	if err != nil {
		return fmt.Errorf("error loading dataset: %w", err)
	}
	a, err := s.Analyze(filterFromFlags(c))
	if err != nil {
		return fmt.Errorf("error analyzing dataset: %w", err)
	}

	e, err := report.ExportAll(c.Context, dir, &report.Document{
		Analysis:     a,
		Source:       s.Source,
		ModelVersion: s.ModelVersion(),
		GeneratedAt:  time.Now(),
	})
	if err != nil {
		return fmt.Errorf("error exporting report: %w", err)
	}
	return print(c, e)
}
