package cli

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mchmarny/churnctl/pkg/config"
	"github.com/mchmarny/churnctl/pkg/dataset"
	"github.com/mchmarny/churnctl/pkg/report"
	"github.com/mchmarny/churnctl/pkg/tracking"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
)

// runApp executes the CLI with the config rooted at dir and returns stdout.
func runApp(t *testing.T, dir, input string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	app.ErrWriter = &out
	app.Reader = strings.NewReader(input)
	err := app.Run(append([]string{appName, "--config", dir}, args...))
	return out.String(), err
}

func sampleData(t *testing.T, dir string, rows string) string {
	t.Helper()
	path := filepath.Join(dir, "data", "customers.csv")
	_, err := runApp(t, dir, "", "sample", "--rows", rows, "--data", path)
	require.NoError(t, err)
	return path
}

func TestSampleAndCheck(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data", "customers.csv")

	out, err := runApp(t, dir, "", "sample", "--rows", "200", "--data", path)
	require.NoError(t, err)
	var ds DatasetResult
	require.NoError(t, json.Unmarshal([]byte(out), &ds))
	assert.Equal(t, path, ds.Path)
	assert.Equal(t, 200, ds.Load.RowsBefore)
	assert.FileExists(t, path)
	assert.FileExists(t, filepath.Join(dir, config.FileName))

	out, err = runApp(t, dir, "", "check", "--data", path)
	require.NoError(t, err)
	var r dataset.QualityReport
	require.NoError(t, json.Unmarshal([]byte(out), &r))
	assert.True(t, r.Passed)
	assert.Equal(t, 200, r.TotalRows)
	assert.Zero(t, r.DuplicateRows)
}

func TestSample_InvalidRows(t *testing.T) {
	_, err := runApp(t, t.TempDir(), "", "sample", "--rows", "0")
	assert.Error(t, err)
}

func TestScore(t *testing.T) {
	dir := t.TempDir()
	path := sampleData(t, dir, "150")

	out, err := runApp(t, dir, "", "score", "--data", path, "--limit", "5")
	require.NoError(t, err)

	var res ScoreResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, path, res.Source)
	assert.Empty(t, res.ModelVersion)
	assert.Positive(t, res.Customers)
	assert.LessOrEqual(t, res.Customers, 150)
	assert.Zero(t, res.Published)
	require.Len(t, res.Predictions, 5)

	total := 0
	for _, n := range res.Tiers {
		total += n
	}
	assert.Equal(t, res.Customers, total)

	for i, p := range res.Predictions {
		assert.Nil(t, p.Probability)
		assert.NotEmpty(t, p.CustomerID)
		if i > 0 {
			assert.GreaterOrEqual(t, res.Predictions[i-1].ChurnScore, p.ChurnScore)
		}
	}
}

func TestScore_PublishRequiresDSN(t *testing.T) {
	dir := t.TempDir()
	path := sampleData(t, dir, "50")
	_, err := runApp(t, dir, "", "score", "--data", path, "--publish")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres_dsn")
}

func TestExport(t *testing.T) {
	dir := t.TempDir()
	path := sampleData(t, dir, "120")
	outDir := filepath.Join(dir, "exports")

	out, err := runApp(t, dir, "", "export", "--data", path, "--out", outDir, "--contract", "Month-to-month")
	require.NoError(t, err)

	var e report.Export
	require.NoError(t, json.Unmarshal([]byte(out), &e))
	assert.Equal(t, outDir, filepath.Dir(e.PDF))
	assert.FileExists(t, e.PDF)
	assert.FileExists(t, e.XLSX)
}

func TestValidate_NoModel(t *testing.T) {
	_, err := runApp(t, t.TempDir(), "", "validate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model file not found")
}

func TestRunsAndModels_Empty(t *testing.T) {
	dir := t.TempDir()

	out, err := runApp(t, dir, "", "runs")
	require.NoError(t, err)
	var runs []*tracking.Run
	require.NoError(t, json.Unmarshal([]byte(out), &runs))
	assert.Empty(t, runs)

	out, err = runApp(t, dir, "", "--format", "yaml", "models")
	require.NoError(t, err)
	assert.Equal(t, "[]\n", out)
}

func TestReset(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "tracking.db")

	out, err := runApp(t, dir, "n\n", "reset")
	require.NoError(t, err)
	assert.Contains(t, out, "Aborted.")

	out, err = runApp(t, dir, "y\n", "reset")
	require.NoError(t, err)
	assert.Contains(t, out, "Reset complete.")
	assert.FileExists(t, db)

	out, err = runApp(t, dir, "", "reset", "--yes")
	require.NoError(t, err)
	assert.NotContains(t, out, "Are you sure?")
}

func TestAuth(t *testing.T) {
	keyring.MockInit()
	dir := t.TempDir()

	status := func() AuthStatus {
		out, err := runApp(t, dir, "", "auth", "status")
		require.NoError(t, err)
		var s AuthStatus
		require.NoError(t, json.Unmarshal([]byte(out), &s))
		return s
	}

	assert.False(t, status().Saved)

	_, err := runApp(t, dir, "", "auth", "login", "--token", "secret")
	require.NoError(t, err)
	s := status()
	assert.True(t, s.Saved)
	assert.Equal(t, config.BackendSQLite, s.Backend)

	_, err = runApp(t, dir, "", "auth", "logout")
	require.NoError(t, err)
	assert.False(t, status().Saved)

	_, err = runApp(t, dir, "pasted\n", "auth", "login")
	require.NoError(t, err)
	assert.True(t, status().Saved)
}

func TestEncode(t *testing.T) {
	v := map[string]int{"a": 1}

	var buf bytes.Buffer
	require.NoError(t, encode(&buf, formatJSON, v))
	assert.Equal(t, "{\n  \"a\": 1\n}\n", buf.String())

	buf.Reset()
	require.NoError(t, encode(&buf, formatYAML, v))
	assert.Equal(t, "a: 1\n", buf.String())
}
