// Package pipeline trains, evaluates and registers the churn model.
//
// A Pipeline moves through its stages strictly in order:
//
//	New -> Loaded -> Preprocessed -> Trained -> Registered
//
// Calling a stage out of order returns an error and leaves the state unchanged.
// Any stage failure aborts the run; there are no internal retries.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/mchmarny/churnctl/pkg/artifact"
	"github.com/mchmarny/churnctl/pkg/dataset"
	"github.com/mchmarny/churnctl/pkg/errs"
	"github.com/mchmarny/churnctl/pkg/model"
	"github.com/mchmarny/churnctl/pkg/tracking"
)

// State is the stage a pipeline has completed.
type State int

const (
	StateNew State = iota
	StateLoaded
	StatePreprocessed
	StateTrained
	StateRegistered
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateLoaded:
		return "loaded"
	case StatePreprocessed:
		return "preprocessed"
	case StateTrained:
		return "trained"
	case StateRegistered:
		return "registered"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

const (
	runNamePrefix  = "churn_model_"
	evalMetricName = "validation_0-logloss"

	DefaultExperiment = "Churn_Prediction"
	DefaultModelName  = "churn_xgboost_prod"
	DefaultTestSize   = 0.2
	DefaultSeed       = 42
	DefaultGateMetric = "roc_auc"
)

// Options configure a pipeline.
type Options struct {
	// DataPath is the CSV or XLSX training source.
	DataPath string
	// ModelDir receives the bundle and classification report.
	ModelDir string

	TestSize   float64
	// Seed drives the train/test split. Zero selects DefaultSeed.
	Seed       uint64
	Params     model.Params
	Experiment string
	ModelName  string

	// Gate keeps the current Production version when the new model scores
	// lower on GateMetric. Registration happens either way.
	Gate       bool
	GateMetric string

	// Now is the clock used for run names. Defaults to time.Now.
	Now func() time.Time
}

func (o *Options) defaults() {
	if o.TestSize == 0 {
		o.TestSize = DefaultTestSize
	}
	if o.Seed == 0 {
		o.Seed = DefaultSeed
	}
	if o.Params == (model.Params{}) {
		o.Params = model.DefaultParams()
	}
	if o.Experiment == "" {
		o.Experiment = DefaultExperiment
	}
	if o.ModelName == "" {
		o.ModelName = DefaultModelName
	}
	if o.GateMetric == "" {
		o.GateMetric = DefaultGateMetric
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// SplitSummary describes the preprocessed training data.
type SplitSummary struct {
	Features  []string `json:"features" yaml:"features"`
	Encoded   []string `json:"encoded_columns" yaml:"encodedColumns"`
	TrainRows int      `json:"train_rows" yaml:"trainRows"`
	TestRows  int      `json:"test_rows" yaml:"testRows"`
	TrainPos  int      `json:"train_positive" yaml:"trainPositive"`
	TestPos   int      `json:"test_positive" yaml:"testPositive"`
}

// TrainResult is the outcome of the train stage.
type TrainResult struct {
	RunID     string                      `json:"run_id" yaml:"runID"`
	RunName   string                      `json:"run_name" yaml:"runName"`
	ModelURI  string                      `json:"model_uri" yaml:"modelURI"`
	ModelPath string                      `json:"model_path" yaml:"modelPath"`
	Metrics   model.Metrics               `json:"metrics" yaml:"metrics"`
	Report    *model.ClassificationReport `json:"-" yaml:"-"`
	Trees     int                         `json:"trees" yaml:"trees"`
}

// Registration is the outcome of the register stage.
type Registration struct {
	Name     string         `json:"name" yaml:"name"`
	Version  int            `json:"version" yaml:"version"`
	Stage    tracking.Stage `json:"stage" yaml:"stage"`
	Promoted bool           `json:"promoted" yaml:"promoted"`
	Reason   string         `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// Result aggregates every stage outcome of a full run.
type Result struct {
	Load         *dataset.LoadResult `json:"load" yaml:"load"`
	Split        *SplitSummary       `json:"split" yaml:"split"`
	Training     *TrainResult        `json:"training" yaml:"training"`
	Registration *Registration       `json:"registration" yaml:"registration"`
}

// Pipeline is a single-use training run.
type Pipeline struct {
	opts    Options
	tracker tracking.Tracker
	log     *slog.Logger

	state  State
	loaded *dataset.LoadResult
	frame  *dataset.Frame

	bundle *artifact.Bundle
	xTrain [][]float64
	xTest  [][]float64
	yTrain []int
	yTest  []int
	split  *SplitSummary

	run      *tracking.Run
	training *TrainResult
}

// New creates a pipeline reporting to tracker.
func New(tracker tracking.Tracker, opts Options) (*Pipeline, error) {
	if tracker == nil {
		return nil, errs.Errorf(errs.KindConfig, "new pipeline", "tracker required")
	}
	opts.defaults()
	if opts.ModelDir == "" {
		return nil, errs.Errorf(errs.KindConfig, "new pipeline", "model dir required")
	}
	if err := opts.Params.Validate(); err != nil {
		return nil, errs.New(errs.KindConfig, "new pipeline", err)
	}
	return &Pipeline{
		opts:    opts,
		tracker: tracker,
		log:     slog.Default().WithGroup("pipeline"),
	}, nil
}

// State returns the last completed stage.
func (p *Pipeline) State() State {
	return p.state
}

func (p *Pipeline) require(s State, op string) error {
	if p.state != s {
		return errs.Errorf(errs.KindConfig, op, "pipeline is %s, expected %s", p.state, s)
	}
	return nil
}

// Load reads and cleans the configured data source.
func (p *Pipeline) Load(_ context.Context) (*dataset.LoadResult, error) {
	if err := p.require(StateNew, "load"); err != nil {
		return nil, err
	}
	if p.opts.DataPath == "" {
		return nil, errs.Errorf(errs.KindConfig, "load", "data path required")
	}

	res, err := dataset.Load(p.opts.DataPath)
	if err != nil {
		return nil, err
	}
	p.setLoaded(res)
	return res, nil
}

// LoadFrame uses an in-memory frame as the data source. The label column is
// checked by Preprocess.
func (p *Pipeline) LoadFrame(_ context.Context, f *dataset.Frame, source string) (*dataset.LoadResult, error) {
	if err := p.require(StateNew, "load"); err != nil {
		return nil, err
	}
	res, err := dataset.Clean(f)
	if err != nil {
		return nil, err
	}
	res.Source = source
	p.setLoaded(res)
	return res, nil
}

func (p *Pipeline) setLoaded(res *dataset.LoadResult) {
	p.loaded = res
	p.frame = res.Frame
	p.state = StateLoaded
	p.log.Info("data loaded",
		"source", res.Source,
		"rows_before", res.RowsBefore,
		"rows_after", res.RowsAfter,
		"nulls", res.Nulls())
}

// Preprocess derives features, encodes categoricals, splits and scales.
func (p *Pipeline) Preprocess(_ context.Context) (*SplitSummary, error) {
	const op = "preprocess"
	if err := p.require(StateLoaded, op); err != nil {
		return nil, err
	}

	f := p.frame.Clone()
	if !f.Has(dataset.ColChurn) {
		return nil, errs.Errorf(errs.KindConfig, op, "label column %s not found", dataset.ColChurn)
	}
	if err := dataset.Derive(f); err != nil {
		return nil, err
	}

	enc := model.FitEncoders(f, dataset.ColCustomerID)
	features := make([]string, 0, len(f.Columns))
	for _, c := range f.Columns {
		if c != dataset.ColCustomerID && c != dataset.ColChurn {
			features = append(features, c)
		}
	}

	X, err := model.Matrix(f, features, enc)
	if err != nil {
		return nil, errs.New(errs.KindConfig, op, err)
	}
	y, err := model.Labels(f, dataset.ColChurn, enc)
	if err != nil {
		return nil, errs.New(errs.KindConfig, op, err)
	}

	trainIdx, testIdx, err := model.StratifiedSplit(y, p.opts.TestSize, p.opts.Seed)
	if err != nil {
		return nil, errs.New(errs.KindDataLoad, op, err)
	}
	xTrain := model.Rows(X, trainIdx)
	xTest := model.Rows(X, testIdx)

	scaler, err := model.FitScaler(features, xTrain)
	if err != nil {
		return nil, errs.New(errs.KindConfig, op, err)
	}
	if p.xTrain, err = scaler.Transform(xTrain); err != nil {
		return nil, errs.New(errs.KindConfig, op, err)
	}
	if p.xTest, err = scaler.Transform(xTest); err != nil {
		return nil, errs.New(errs.KindConfig, op, err)
	}
	p.yTrain = model.Ints(y, trainIdx)
	p.yTest = model.Ints(y, testIdx)

	p.bundle = &artifact.Bundle{
		Features: features,
		Encoders: enc,
		Scaler:   scaler,
	}
	p.split = &SplitSummary{
		Features:  features,
		Encoded:   enc.Columns(),
		TrainRows: len(trainIdx),
		TestRows:  len(testIdx),
		TrainPos:  sum(p.yTrain),
		TestPos:   sum(p.yTest),
	}
	p.state = StatePreprocessed

	p.log.Info("data preprocessed",
		"features", len(features),
		"encoded", len(enc),
		"train", p.split.TrainRows,
		"test", p.split.TestRows)
	return p.split, nil
}

// Train fits the model, evaluates it on the held-out split, persists the
// bundle and logs everything to the tracker.
func (p *Pipeline) Train(ctx context.Context) (*TrainResult, error) {
	const op = "train"
	if err := p.require(StatePreprocessed, op); err != nil {
		return nil, err
	}

	name := runNamePrefix + p.opts.Now().Format(artifact.TimestampFormat)
	run, err := p.tracker.StartRun(ctx, p.opts.Experiment, name)
	if err != nil {
		return nil, errs.New(errs.KindArtifact, "start run", err)
	}
	p.run = run
	log := p.log.With("run", run.ID)

	res, err := p.train(ctx, log)
	if err != nil {
		p.fail(ctx, err)
		return nil, err
	}
	p.training = res
	p.state = StateTrained
	return res, nil
}

func (p *Pipeline) train(ctx context.Context, log *slog.Logger) (*TrainResult, error) {
	runID := p.run.ID
	if err := p.tracker.LogParams(ctx, runID, p.opts.Params.Map()); err != nil {
		return nil, errs.New(errs.KindArtifact, "log params", err)
	}

	booster := model.NewBooster(p.opts.Params, p.bundle.Features)
	log.Info("training model", "trees", p.opts.Params.NumTrees, "depth", p.opts.Params.MaxDepth)
	eval := &model.EvalSet{X: p.xTest, Y: p.yTest}
	if err := booster.Fit(ctx, p.xTrain, p.yTrain, eval); err != nil {
		return nil, errs.New(errs.KindConfig, "fit", err)
	}
	p.bundle.Model = booster

	for i, v := range booster.EvalLogLoss {
		if err := p.tracker.LogMetric(ctx, runID, evalMetricName, v, i); err != nil {
			return nil, errs.New(errs.KindArtifact, "log eval metric", err)
		}
	}

	proba := booster.PredictProba(p.xTest)
	metrics, err := model.Evaluate(p.yTest, proba)
	if err != nil {
		return nil, errs.New(errs.KindConfig, "evaluate", err)
	}
	for k, v := range metrics.Map() {
		if err := p.tracker.LogMetric(ctx, runID, k, v, 0); err != nil {
			return nil, errs.New(errs.KindArtifact, "log metric", err)
		}
	}

	modelPath, err := p.bundle.Save(p.opts.ModelDir)
	if err != nil {
		return nil, err
	}
	report := model.NewClassificationReport(p.yTest, booster.Predict(p.xTest))
	reportPath, err := artifact.SaveReport(p.opts.ModelDir, report)
	if err != nil {
		return nil, err
	}

	uri, err := p.tracker.LogModel(ctx, runID, p.opts.ModelDir)
	if err != nil {
		return nil, errs.New(errs.KindArtifact, "log model", err)
	}
	if err := p.tracker.LogArtifact(ctx, runID, reportPath); err != nil {
		return nil, errs.New(errs.KindArtifact, "log report", err)
	}

	log.Info("model trained",
		"accuracy", round4(metrics.Accuracy),
		"precision", round4(metrics.Precision),
		"recall", round4(metrics.Recall),
		"f1", round4(metrics.F1),
		"roc_auc", round4(metrics.ROCAUC))

	return &TrainResult{
		RunID:     runID,
		RunName:   p.run.Name,
		ModelURI:  uri,
		ModelPath: modelPath,
		Metrics:   metrics,
		Report:    report,
		Trees:     len(booster.Trees),
	}, nil
}

// Register adds the trained model as a new version and promotes it to
// Production unless the gate keeps the current one.
func (p *Pipeline) Register(ctx context.Context) (*Registration, error) {
	const op = "register"
	if err := p.require(StateTrained, op); err != nil {
		return nil, err
	}

	reg, err := p.register(ctx)
	if err != nil {
		p.fail(ctx, err)
		return nil, err
	}
	if err := p.tracker.EndRun(ctx, p.run.ID, tracking.RunFinished); err != nil {
		return nil, errs.New(errs.KindArtifact, "end run", err)
	}
	p.state = StateRegistered
	return reg, nil
}

func (p *Pipeline) register(ctx context.Context) (*Registration, error) {
	name := p.opts.ModelName

	// read before registering so the new version is never its own baseline
	baseline, hasBaseline, err := p.baseline(ctx)
	if err != nil {
		return nil, err
	}

	mv, err := p.tracker.RegisterModel(ctx, p.training.ModelURI, name)
	if err != nil {
		return nil, errs.New(errs.KindArtifact, "register model", err)
	}
	reg := &Registration{
		Name:    mv.Name,
		Version: mv.Version,
		Stage:   mv.Stage,
	}
	p.log.Info("model registered", "name", mv.Name, "version", mv.Version)

	if hasBaseline {
		current := p.training.Metrics.Map()[p.opts.GateMetric]
		if current < baseline {
			reg.Reason = fmt.Sprintf("%s %.4f below production %.4f", p.opts.GateMetric, current, baseline)
			p.log.Warn("promotion skipped", "reason", reg.Reason)
			return reg, nil
		}
	}

	if err := p.tracker.TransitionStage(ctx, name, mv.Version, tracking.StageProduction, true); err != nil {
		return nil, errs.New(errs.KindArtifact, "promote model", err)
	}
	reg.Stage = tracking.StageProduction
	reg.Promoted = true
	p.log.Info("model promoted", "name", name, "version", mv.Version, "stage", reg.Stage)
	return reg, nil
}

// baseline returns the gate metric of the current Production version.
func (p *Pipeline) baseline(ctx context.Context) (float64, bool, error) {
	if !p.opts.Gate {
		return 0, false, nil
	}
	if !slices.Contains(gateMetrics, p.opts.GateMetric) {
		return 0, false, errs.Errorf(errs.KindConfig, "promotion gate", "unsupported metric: %s", p.opts.GateMetric)
	}

	prod, err := p.tracker.LatestVersion(ctx, p.opts.ModelName, tracking.StageProduction)
	if err != nil {
		if errors.Is(err, tracking.ErrNotFound) {
			return 0, false, nil
		}
		return 0, false, errs.New(errs.KindArtifact, "get production version", err)
	}
	v, err := p.tracker.Metric(ctx, prod.RunID, p.opts.GateMetric)
	if err != nil {
		if errors.Is(err, tracking.ErrNotFound) {
			p.log.Warn("production version has no gate metric", "version", prod.Version, "metric", p.opts.GateMetric)
			return 0, false, nil
		}
		return 0, false, errs.New(errs.KindArtifact, "get production metric", err)
	}
	return v, true, nil
}

var gateMetrics = []string{"accuracy", "precision", "recall", "f1_score", "roc_auc"}

func (p *Pipeline) fail(ctx context.Context, cause error) {
	if p.run == nil {
		return
	}
	p.log.Error("run failed", "run", p.run.ID, "error", cause)
	if err := p.tracker.EndRun(context.WithoutCancel(ctx), p.run.ID, tracking.RunFailed); err != nil {
		p.log.Error("error ending run", "run", p.run.ID, "error", err)
	}
}

// Run executes every stage of a new pipeline.
func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	res := &Result{}
	var err error
	if res.Load, err = p.Load(ctx); err != nil {
		return res, err
	}
	if res.Split, err = p.Preprocess(ctx); err != nil {
		return res, err
	}
	if res.Training, err = p.Train(ctx); err != nil {
		return res, err
	}
	if res.Registration, err = p.Register(ctx); err != nil {
		return res, err
	}
	return res, nil
}

// Bundle returns the trained bundle, or nil before training.
func (p *Pipeline) Bundle() *artifact.Bundle {
	if p.state < StateTrained {
		return nil
	}
	return p.bundle
}

func sum(v []int) int {
	n := 0
	for _, x := range v {
		n += x
	}
	return n
}

func round4(v float64) string {
	return fmt.Sprintf("%.4f", v)
}
