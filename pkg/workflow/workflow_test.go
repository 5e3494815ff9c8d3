package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mchmarny/churnctl/pkg/artifact"
	"github.com/mchmarny/churnctl/pkg/config"
	"github.com/mchmarny/churnctl/pkg/dataset"
	"github.com/mchmarny/churnctl/pkg/errs"
	"github.com/mchmarny/churnctl/pkg/pipeline"
	"github.com/mchmarny/churnctl/pkg/publish"
	"github.com/mchmarny/churnctl/pkg/tracking"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	events []publish.Event
}

func (n *recordingNotifier) Notify(_ context.Context, e publish.Event) error {
	n.events = append(n.events, e)
	return nil
}

func noSleep(context.Context, time.Duration) error { return nil }

func flaky(name string, failures int, err error) (Stage, *int) {
	calls := 0
	return StageFunc{name, func(context.Context, *RunContext) (any, error) {
		calls++
		if calls <= failures {
			return nil, err
		}
		return calls, nil
	}}, &calls
}

func TestRunner_RetriesTransientFailures(t *testing.T) {
	s, calls := flaky("train", 2, errors.New("tracking server unavailable"))
	n := &recordingNotifier{}
	r := &Runner{Stages: []Stage{s}, Retries: 2, RetryDelay: time.Minute, Sleep: noSleep, Notifier: n}

	rc := NewRunContext(time.Now())
	sum, err := r.Run(context.Background(), rc)
	require.NoError(t, err)
	assert.Equal(t, 3, *calls)
	assert.Equal(t, StatusCompleted, sum.Status)
	assert.Equal(t, 3, sum.Stages[0].Attempts)
	assert.Equal(t, StatusSuccess, sum.Stages[0].Status)

	v, err := Result[int](rc, "train")
	require.NoError(t, err)
	assert.Equal(t, 3, v)

	require.Len(t, n.events, 1)
	assert.Equal(t, publish.EventPipelineCompleted, n.events[0].Type)
	assert.Equal(t, rc.ID, n.events[0].RunID)
}

func TestRunner_StopsAndSkips(t *testing.T) {
	first, _ := flaky("check", 0, nil)
	failing, calls := flaky("train", 10, errors.New("boom"))
	last, lastCalls := flaky("deploy", 0, nil)
	n := &recordingNotifier{}
	r := &Runner{Stages: []Stage{first, failing, last}, Retries: 2, Sleep: noSleep, Notifier: n}

	sum, err := r.Run(context.Background(), NewRunContext(time.Now()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stage train")
	assert.Equal(t, 3, *calls)
	assert.Zero(t, *lastCalls)

	assert.Equal(t, StatusFailed, sum.Status)
	assert.Equal(t, StatusSuccess, sum.Stages[0].Status)
	assert.Equal(t, StatusFailed, sum.Stages[1].Status)
	assert.Equal(t, "boom", sum.Stages[1].Error)
	assert.Equal(t, StatusSkipped, sum.Stages[2].Status)

	require.Len(t, n.events, 1)
	assert.Equal(t, publish.EventPipelineFailed, n.events[0].Type)
	assert.Equal(t, StatusSkipped, n.events[0].Details["deploy"])
}

func TestRunner_ConfigErrorNotRetried(t *testing.T) {
	s, calls := flaky("train", 10, errs.Errorf(errs.KindConfig, "train", "bad params"))
	r := &Runner{Stages: []Stage{s}, Retries: 2, Sleep: noSleep}

	_, err := r.Run(context.Background(), NewRunContext(time.Now()))
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindConfig))
	assert.Equal(t, 1, *calls)
}

func TestRunner_CanceledDuringDelay(t *testing.T) {
	s, calls := flaky("train", 10, errors.New("boom"))
	r := &Runner{Stages: []Stage{s}, Retries: 2, RetryDelay: time.Hour}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Run(ctx, NewRunContext(time.Now()))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, *calls)
}

func TestResult_Errors(t *testing.T) {
	rc := NewRunContext(time.Now())
	_, err := Result[int](rc, "missing")
	assert.Error(t, err)

	rc.Set("x", "text")
	_, err = Result[int](rc, "x")
	assert.Error(t, err)
}

func testConfig(t *testing.T) *config.Config {
	dir := t.TempDir()
	cfg := config.Default(dir)
	cfg.DataURL = ""
	cfg.Training.NumTrees = 15
	cfg.Training.MaxDepth = 3
	cfg.Validation.MinModelBytes = 1024
	cfg.Workflow.RetryDelay = 0
	require.NoError(t, os.MkdirAll(filepath.Dir(cfg.DataPath), 0700))
	require.NoError(t, dataset.WriteFile(cfg.DataPath, dataset.Synthetic(300, 21)))
	return cfg
}

func TestStandardWorkflow(t *testing.T) {
	cfg := testConfig(t)
	store, err := tracking.Open(cfg.Tracking.DBPath, cfg.Tracking.ArtifactRoot)
	require.NoError(t, err)
	defer store.Close()

	now := time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC)
	n := &recordingNotifier{}
	r := NewRunner(Env{Config: cfg, Tracker: store, Now: func() time.Time { return now }}, n)

	rc := NewRunContext(now)
	sum, err := r.Run(context.Background(), rc)
	require.NoError(t, err)
	require.Len(t, sum.Stages, 5)
	for _, s := range sum.Stages {
		assert.Equal(t, StatusSuccess, s.Status, s.Name)
	}

	q, err := Result[*dataset.QualityReport](rc, StageCheckDataQuality)
	require.NoError(t, err)
	assert.Equal(t, 300, q.TotalRows)

	res, err := Result[*pipeline.Result](rc, StageTrainModel)
	require.NoError(t, err)
	assert.True(t, res.Registration.Promoted)

	dep, err := Result[*artifact.Deployment](rc, StageDeployModel)
	require.NoError(t, err)
	assert.Equal(t, "20260301_020000", dep.Version.Timestamp)
	assert.FileExists(t, filepath.Join(artifact.CurrentDir(cfg.ServeDir), artifact.ModelFile))

	path, err := Result[string](rc, StageGenerateReport)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(cfg.ReportDir, "churn_pipeline_report_20260301_020000.json"), path)

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	var report map[string]any
	require.NoError(t, json.Unmarshal(b, &report))
	assert.Equal(t, PipelineName, report["pipeline"])
	assert.Equal(t, StatusCompleted, report["status"])
	tasks := report["tasks"].(map[string]any)
	assert.Contains(t, tasks, "data_quality")
	assert.Contains(t, tasks, "model_deployment")

	require.Len(t, n.events, 1)
	assert.Equal(t, publish.EventPipelineCompleted, n.events[0].Type)
}

func TestStandardWorkflow_MissingData(t *testing.T) {
	cfg := testConfig(t)
	cfg.DataPath = filepath.Join(t.TempDir(), "missing.csv")
	store, err := tracking.Open(cfg.Tracking.DBPath, cfg.Tracking.ArtifactRoot)
	require.NoError(t, err)
	defer store.Close()

	r := NewRunner(Env{Config: cfg, Tracker: store}, nil)
	r.Sleep = noSleep
	sum, err := r.Run(context.Background(), NewRunContext(time.Now()))
	require.Error(t, err)
	assert.Equal(t, StatusFailed, sum.Stages[0].Status)
	assert.Equal(t, StatusSkipped, sum.Stages[4].Status)
}

func TestDeployRequiresValidation(t *testing.T) {
	env := Env{Config: testConfig(t)}
	_, err := env.deployModel(context.Background(), NewRunContext(time.Now()))
	assert.True(t, errs.Is(err, errs.KindConfig))
}
