// Package mlflow implements the tracking interface against an MLflow tracking server.
package mlflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mchmarny/churnctl/pkg/net"
	"github.com/mchmarny/churnctl/pkg/tracking"
)

const (
	apiPrefix       = "/api/2.0/mlflow/"
	artifactsPrefix = "/api/2.0/mlflow-artifacts/artifacts/"
	artifactScheme  = "mlflow-artifacts:/"

	codeNotFound      = "RESOURCE_DOES_NOT_EXIST"
	codeAlreadyExists = "RESOURCE_ALREADY_EXISTS"
)

// APIError is an error response from the tracking server.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"error_code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("mlflow: %d %s: %s", e.Status, e.Code, e.Message)
}

// Unwrap maps missing resources to tracking.ErrNotFound.
func (e *APIError) Unwrap() error {
	if e.Code == codeNotFound || e.Status == http.StatusNotFound {
		return tracking.ErrNotFound
	}
	return nil
}

// Client talks to the MLflow REST API.
type Client struct {
	base string
	http *http.Client

	mu        sync.Mutex
	artifacts map[string]string
}

// New creates a client for the server at uri. A non-empty token is sent as a
// bearer credential.
func New(ctx context.Context, uri, token string) (*Client, error) {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid tracking uri: %q", uri)
	}
	return &Client{
		base:      strings.TrimRight(uri, "/"),
		http:      net.GetOAuthClient(ctx, token),
		artifacts: make(map[string]string),
	}, nil
}

// Close is a no-op; the client holds no connections of its own.
func (c *Client) Close() error {
	return nil
}

type runInfo struct {
	RunID       string `json:"run_id"`
	RunName     string `json:"run_name"`
	Status      string `json:"status"`
	ArtifactURI string `json:"artifact_uri"`
	StartTime   millis `json:"start_time"`
	EndTime     millis `json:"end_time,omitempty"`
}

// millis is an epoch timestamp in milliseconds. Servers encode it either as a
// JSON number or as a string.
type millis int64

func (m *millis) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	v, err := strconv.ParseInt(strings.Trim(string(b), `"`), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp %s: %w", b, err)
	}
	*m = millis(v)
	return nil
}

type metric struct {
	Key       string  `json:"key"`
	Value     float64 `json:"value"`
	Timestamp int64   `json:"timestamp"`
	Step      int     `json:"step"`
}

type run struct {
	Info runInfo `json:"info"`
	Data struct {
		Metrics []metric `json:"metrics"`
	} `json:"data"`
}

type modelVersion struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	Stage     string `json:"current_stage"`
	Source    string `json:"source"`
	RunID     string `json:"run_id"`
	CreatedAt millis `json:"creation_timestamp"`
}

func (m modelVersion) toTracking() (*tracking.ModelVersion, error) {
	v, err := strconv.Atoi(m.Version)
	if err != nil {
		return nil, fmt.Errorf("invalid model version %q: %w", m.Version, err)
	}
	return &tracking.ModelVersion{
		Name:      m.Name,
		Version:   v,
		Stage:     tracking.Stage(m.Stage),
		Source:    m.Source,
		RunID:     m.RunID,
		CreatedAt: time.UnixMilli(int64(m.CreatedAt)).UTC(),
	}, nil
}

// StartRun creates a run, creating the experiment when it does not exist.
func (c *Client) StartRun(ctx context.Context, experiment, name string) (*tracking.Run, error) {
	expID, err := c.experimentID(ctx, experiment)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	req := map[string]any{
		"experiment_id": expID,
		"run_name":      name,
		"start_time":    now.UnixMilli(),
	}
	var resp struct {
		Run run `json:"run"`
	}
	if err := c.call(ctx, http.MethodPost, "runs/create", req, &resp); err != nil {
		return nil, fmt.Errorf("error creating run: %w", err)
	}

	info := resp.Run.Info
	c.mu.Lock()
	c.artifacts[info.RunID] = info.ArtifactURI
	c.mu.Unlock()

	return &tracking.Run{
		ID:          info.RunID,
		Experiment:  experiment,
		Name:        name,
		Status:      tracking.RunRunning,
		ArtifactURI: info.ArtifactURI,
		StartTime:   now,
	}, nil
}

func (c *Client) experimentID(ctx context.Context, name string) (string, error) {
	var got struct {
		Experiment struct {
			ID string `json:"experiment_id"`
		} `json:"experiment"`
	}
	err := c.call(ctx, http.MethodGet, "experiments/get-by-name?experiment_name="+url.QueryEscape(name), nil, &got)
	if err == nil {
		return got.Experiment.ID, nil
	}
	if !isNotFound(err) {
		return "", fmt.Errorf("error getting experiment %s: %w", name, err)
	}

	var created struct {
		ID string `json:"experiment_id"`
	}
	if err := c.call(ctx, http.MethodPost, "experiments/create", map[string]string{"name": name}, &created); err != nil {
		return "", fmt.Errorf("error creating experiment %s: %w", name, err)
	}
	slog.Debug("experiment created", "name", name, "id", created.ID)
	return created.ID, nil
}

// LogParams logs all parameters in one batch.
func (c *Client) LogParams(ctx context.Context, runID string, params map[string]any) error {
	list := make([]map[string]string, 0, len(params))
	for k, v := range params {
		list = append(list, map[string]string{"key": k, "value": tracking.ParamString(v)})
	}
	req := map[string]any{"run_id": runID, "params": list}
	if err := c.call(ctx, http.MethodPost, "runs/log-batch", req, nil); err != nil {
		return fmt.Errorf("error logging params: %w", err)
	}
	return nil
}

// LogMetric logs one metric value.
func (c *Client) LogMetric(ctx context.Context, runID, key string, value float64, step int) error {
	req := map[string]any{
		"run_id":    runID,
		"key":       key,
		"value":     value,
		"timestamp": time.Now().UnixMilli(),
		"step":      step,
	}
	if err := c.call(ctx, http.MethodPost, "runs/log-metric", req, nil); err != nil {
		return fmt.Errorf("error logging metric %s: %w", key, err)
	}
	return nil
}

// Metric returns the latest value of a run metric.
func (c *Client) Metric(ctx context.Context, runID, key string) (float64, error) {
	r, err := c.getRun(ctx, runID)
	if err != nil {
		return 0, err
	}
	for _, m := range r.Data.Metrics {
		if m.Key == key {
			return m.Value, nil
		}
	}
	return 0, fmt.Errorf("metric %s of run %s: %w", key, runID, tracking.ErrNotFound)
}

func (c *Client) getRun(ctx context.Context, runID string) (*run, error) {
	var resp struct {
		Run run `json:"run"`
	}
	if err := c.call(ctx, http.MethodGet, "runs/get?run_id="+url.QueryEscape(runID), nil, &resp); err != nil {
		return nil, fmt.Errorf("error getting run %s: %w", runID, err)
	}
	return &resp.Run, nil
}

// LogModel uploads every file of the bundle directory under the model path.
func (c *Client) LogModel(ctx context.Context, runID, dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("error reading model dir %s: %w", dir, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := c.upload(ctx, runID, filepath.Join(dir, e.Name()), path.Join(tracking.ModelArtifactPath, e.Name())); err != nil {
			return "", err
		}
	}
	return tracking.ModelURI(runID), nil
}

// LogArtifact uploads a single file to the run artifact root.
func (c *Client) LogArtifact(ctx context.Context, runID, file string) error {
	return c.upload(ctx, runID, file, filepath.Base(file))
}

func (c *Client) upload(ctx context.Context, runID, file, rel string) error {
	root, err := c.artifactRoot(ctx, runID)
	if err != nil {
		return err
	}

	b, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("error reading artifact %s: %w", file, err)
	}

	u := c.base + artifactsPrefix + path.Join(root, rel)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("error creating upload request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("error uploading artifact %s: %w", rel, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("error uploading artifact %s: %w", rel, decodeError(resp))
	}
	slog.Debug("artifact uploaded", "run", runID, "path", rel, "bytes", len(b))
	return nil
}

// artifactRoot returns the proxied artifact path of a run.
func (c *Client) artifactRoot(ctx context.Context, runID string) (string, error) {
	c.mu.Lock()
	uri, ok := c.artifacts[runID]
	c.mu.Unlock()

	if !ok {
		r, err := c.getRun(ctx, runID)
		if err != nil {
			return "", err
		}
		uri = r.Info.ArtifactURI
		c.mu.Lock()
		c.artifacts[runID] = uri
		c.mu.Unlock()
	}

	if !strings.HasPrefix(uri, artifactScheme) {
		return "", fmt.Errorf("artifact uri %q is not served by the tracking server", uri)
	}
	return strings.TrimLeft(strings.TrimPrefix(uri, artifactScheme), "/"), nil
}

// RegisterModel creates the registered model when needed and adds a version.
func (c *Client) RegisterModel(ctx context.Context, modelURI, name string) (*tracking.ModelVersion, error) {
	runID, err := tracking.ParseModelURI(modelURI)
	if err != nil {
		return nil, err
	}

	err = c.call(ctx, http.MethodPost, "registered-models/create", map[string]string{"name": name}, nil)
	if err != nil && !hasCode(err, codeAlreadyExists) {
		return nil, fmt.Errorf("error creating registered model %s: %w", name, err)
	}

	var resp struct {
		ModelVersion modelVersion `json:"model_version"`
	}
	req := map[string]string{"name": name, "source": modelURI, "run_id": runID}
	if err := c.call(ctx, http.MethodPost, "model-versions/create", req, &resp); err != nil {
		return nil, fmt.Errorf("error creating model version: %w", err)
	}
	return resp.ModelVersion.toTracking()
}

// TransitionStage moves a version to stage.
func (c *Client) TransitionStage(ctx context.Context, name string, version int, stage tracking.Stage, archiveExisting bool) error {
	req := map[string]any{
		"name":                      name,
		"version":                   strconv.Itoa(version),
		"stage":                     string(stage),
		"archive_existing_versions": archiveExisting,
	}
	if err := c.call(ctx, http.MethodPost, "model-versions/transition-stage", req, nil); err != nil {
		return fmt.Errorf("error transitioning %s v%d to %s: %w", name, version, stage, err)
	}
	return nil
}

// LatestVersion returns the newest version of name in stage.
func (c *Client) LatestVersion(ctx context.Context, name string, stage tracking.Stage) (*tracking.ModelVersion, error) {
	var resp struct {
		ModelVersions []modelVersion `json:"model_versions"`
	}
	req := map[string]any{"name": name, "stages": []string{string(stage)}}
	if err := c.call(ctx, http.MethodPost, "registered-models/get-latest-versions", req, &resp); err != nil {
		return nil, fmt.Errorf("error getting latest version of %s: %w", name, err)
	}
	if len(resp.ModelVersions) == 0 {
		return nil, fmt.Errorf("model %s in stage %s: %w", name, stage, tracking.ErrNotFound)
	}

	var best *tracking.ModelVersion
	for _, m := range resp.ModelVersions {
		mv, err := m.toTracking()
		if err != nil {
			return nil, err
		}
		if best == nil || mv.Version > best.Version {
			best = mv
		}
	}
	return best, nil
}

// EndRun marks the run as terminated.
func (c *Client) EndRun(ctx context.Context, runID string, status tracking.RunStatus) error {
	req := map[string]any{
		"run_id":   runID,
		"status":   string(status),
		"end_time": time.Now().UnixMilli(),
	}
	if err := c.call(ctx, http.MethodPost, "runs/update", req, nil); err != nil {
		return fmt.Errorf("error ending run %s: %w", runID, err)
	}
	return nil
}

func (c *Client) call(ctx context.Context, method, endpoint string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("error encoding request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+apiPrefix+endpoint, body)
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("error calling %s: %w", endpoint, err)
	}
	defer resp.Body.Close()
	net.PrintHTTPResponse(resp)

	if resp.StatusCode/100 != 2 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("error decoding %s response: %w", endpoint, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	e := &APIError{Status: resp.StatusCode}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err := json.Unmarshal(b, e); err != nil || e.Code == "" {
		e.Message = strings.TrimSpace(string(b))
	}
	return e
}

func isNotFound(err error) bool {
	return hasCode(err, codeNotFound)
}

func hasCode(err error, code string) bool {
	var e *APIError
	return errors.As(err, &e) && e.Code == code
}

var _ tracking.Tracker = (*Client)(nil)
