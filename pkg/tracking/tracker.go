// Package tracking records training runs and versions trained models.
package tracking

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Stage is the lifecycle stage of a registered model version.
type Stage string

const (
	StageNone       Stage = "None"
	StageStaging    Stage = "Staging"
	StageProduction Stage = "Production"
	StageArchived   Stage = "Archived"
)

// RunStatus is the terminal or current state of a run.
type RunStatus string

const (
	RunRunning  RunStatus = "RUNNING"
	RunFinished RunStatus = "FINISHED"
	RunFailed   RunStatus = "FAILED"
)

const (
	// ModelArtifactPath is where LogModel stores the bundle within a run.
	ModelArtifactPath = "model"

	runsScheme = "runs:/"
)

// ErrNotFound is returned when a run, model or version does not exist.
var ErrNotFound = errors.New("not found")

// Run is one training execution.
type Run struct {
	ID          string     `json:"run_id" yaml:"runID"`
	Experiment  string     `json:"experiment" yaml:"experiment"`
	Name        string     `json:"run_name" yaml:"runName"`
	Status      RunStatus  `json:"status" yaml:"status"`
	ArtifactURI string     `json:"artifact_uri" yaml:"artifactURI"`
	StartTime   time.Time  `json:"start_time" yaml:"startTime"`
	EndTime     *time.Time `json:"end_time,omitempty" yaml:"endTime,omitempty"`

	Metrics map[string]float64 `json:"metrics,omitempty" yaml:"metrics,omitempty"`
}

// ModelVersion is one registered version of a named model.
type ModelVersion struct {
	Name      string    `json:"name" yaml:"name"`
	Version   int       `json:"version" yaml:"version"`
	Stage     Stage     `json:"current_stage" yaml:"stage"`
	Source    string    `json:"source" yaml:"source"`
	RunID     string    `json:"run_id" yaml:"runID"`
	CreatedAt time.Time `json:"creation_timestamp" yaml:"createdAt"`
}

// Tracker is the experiment tracking and model registry sink used by training.
type Tracker interface {
	// StartRun creates a run in the named experiment, creating the experiment when needed.
	StartRun(ctx context.Context, experiment, name string) (*Run, error)
	LogParams(ctx context.Context, runID string, params map[string]any) error
	LogMetric(ctx context.Context, runID, key string, value float64, step int) error
	// LogModel uploads the bundle directory and returns its model URI.
	LogModel(ctx context.Context, runID, dir string) (string, error)
	LogArtifact(ctx context.Context, runID, path string) error
	// RegisterModel adds a new version under name. Existing versions are never overwritten.
	RegisterModel(ctx context.Context, modelURI, name string) (*ModelVersion, error)
	// TransitionStage moves a version to stage, optionally archiving the
	// versions currently in that stage.
	TransitionStage(ctx context.Context, name string, version int, stage Stage, archiveExisting bool) error
	// LatestVersion returns the newest version in stage or ErrNotFound.
	LatestVersion(ctx context.Context, name string, stage Stage) (*ModelVersion, error)
	// Metric returns the last logged value of a run metric or ErrNotFound.
	Metric(ctx context.Context, runID, key string) (float64, error)
	EndRun(ctx context.Context, runID string, status RunStatus) error
	Close() error
}

// ModelURI returns the URI of the model logged in a run.
func ModelURI(runID string) string {
	return runsScheme + runID + "/" + ModelArtifactPath
}

// ParseModelURI extracts the run ID from a runs:/ URI.
func ParseModelURI(uri string) (string, error) {
	if !strings.HasPrefix(uri, runsScheme) {
		return "", errors.Errorf("unsupported model uri: %s", uri)
	}
	parts := strings.SplitN(strings.TrimPrefix(uri, runsScheme), "/", 2)
	if parts[0] == "" {
		return "", errors.Errorf("model uri without run id: %s", uri)
	}
	return parts[0], nil
}

// ParamString renders a parameter value the way tracking servers store it.
func ParamString(v any) string {
	return fmt.Sprint(v)
}
