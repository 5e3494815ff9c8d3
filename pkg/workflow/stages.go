package workflow

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/mchmarny/churnctl/pkg/artifact"
	"github.com/mchmarny/churnctl/pkg/config"
	"github.com/mchmarny/churnctl/pkg/dataset"
	"github.com/mchmarny/churnctl/pkg/errs"
	"github.com/mchmarny/churnctl/pkg/pipeline"
	"github.com/mchmarny/churnctl/pkg/tracking"
)

const (
	StageCheckDataQuality = "check_data_quality"
	StageTrainModel       = "train_model"
	StageValidateModel    = "validate_model"
	StageDeployModel      = "deploy_model"
	StageGenerateReport   = "generate_report"

	reportPrefix = "churn_pipeline_report_"

	dirMode  = 0700
	fileMode = 0600
)

// Env is what the standard stages need from the application.
type Env struct {
	Config  *config.Config
	Tracker tracking.Tracker
	// Now defaults to time.Now.
	Now func() time.Time
}

func (e Env) now() time.Time {
	if e.Now == nil {
		return time.Now()
	}
	return e.Now()
}

// Stages returns the standard stages in execution order.
func Stages(env Env) []Stage {
	return []Stage{
		StageFunc{StageCheckDataQuality, env.checkDataQuality},
		StageFunc{StageTrainModel, env.trainModel},
		StageFunc{StageValidateModel, env.validateModel},
		StageFunc{StageDeployModel, env.deployModel},
		StageFunc{StageGenerateReport, env.generateReport},
	}
}

// NewRunner returns a runner for the standard stages configured from env.
func NewRunner(env Env, n Notifier) *Runner {
	return &Runner{
		Stages:     Stages(env),
		Retries:    env.Config.Workflow.Retries,
		RetryDelay: env.Config.Workflow.RetryDelay,
		Notifier:   n,
		Now:        env.Now,
	}
}

func (e Env) checkDataQuality(ctx context.Context, _ *RunContext) (any, error) {
	cfg := e.Config
	if err := dataset.Ensure(ctx, cfg.DataPath, cfg.DataURL); err != nil {
		return nil, err
	}
	f, err := dataset.ReadFile(cfg.DataPath)
	if err != nil {
		return nil, err
	}
	return dataset.CheckQuality(f, cfg.Quality)
}

// PipelineOptions maps the configuration onto training pipeline options.
func PipelineOptions(cfg *config.Config, now func() time.Time) pipeline.Options {
	return pipeline.Options{
		DataPath:   cfg.DataPath,
		ModelDir:   cfg.ModelDir,
		TestSize:   cfg.TestSize,
		Params:     cfg.Training,
		Experiment: cfg.Tracking.Experiment,
		ModelName:  cfg.Tracking.ModelName,
		Gate:       cfg.Promotion.GateEnabled,
		GateMetric: cfg.Promotion.Metric,
		Now:        now,
	}
}

func (e Env) trainModel(ctx context.Context, _ *RunContext) (any, error) {
	p, err := pipeline.New(e.Tracker, PipelineOptions(e.Config, e.Now))
	if err != nil {
		return nil, err
	}
	return p.Run(ctx)
}

func (e Env) validateModel(_ context.Context, _ *RunContext) (any, error) {
	return artifact.Validate(e.Config.ModelDir, e.Config.Validation.MinModelBytes)
}

func (e Env) deployModel(_ context.Context, rc *RunContext) (any, error) {
	if _, err := Result[*artifact.Validation](rc, StageValidateModel); err != nil {
		return nil, errs.New(errs.KindConfig, "deploy", err)
	}
	return artifact.Deploy(e.Config.ModelDir, e.Config.ServeDir, e.now())
}

// Report is the JSON document written at the end of a run.
type Report struct {
	Pipeline      string         `json:"pipeline"`
	RunID         string         `json:"run_id"`
	ExecutionDate time.Time      `json:"execution_date"`
	GeneratedAt   time.Time      `json:"generated_at"`
	Tasks         map[string]any `json:"tasks"`
	Status        string         `json:"status"`
}

var reportTasks = map[string]string{
	StageCheckDataQuality: "data_quality",
	StageTrainModel:       "model_training",
	StageValidateModel:    "model_validation",
	StageDeployModel:      "model_deployment",
}

func (e Env) generateReport(_ context.Context, rc *RunContext) (any, error) {
	r := Report{
		Pipeline:      PipelineName,
		RunID:         rc.ID,
		ExecutionDate: rc.StartedAt,
		GeneratedAt:   e.now(),
		Tasks:         make(map[string]any, len(reportTasks)),
		Status:        StatusCompleted,
	}
	for stage, key := range reportTasks {
		v, _ := rc.Get(stage)
		r.Tasks[key] = v
	}
	return WriteReport(e.Config.ReportDir, &r)
}

// WriteReport writes r as churn_pipeline_report_<ts>.json and returns its path.
func WriteReport(dir string, r *Report) (string, error) {
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return "", errs.New(errs.KindArtifact, "create report dir", err)
	}
	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", errs.New(errs.KindArtifact, "encode report", err)
	}
	path := filepath.Join(dir, reportPrefix+r.ExecutionDate.Format(artifact.TimestampFormat)+".json")
	if err := os.WriteFile(path, b, fileMode); err != nil {
		return "", errs.New(errs.KindArtifact, "write report", err)
	}
	return path, nil
}
