package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "app")

	c1, err := ReadOrCreate(dir)
	require.NoError(t, err)
	require.NotNil(t, c1)
	assert.FileExists(t, filepath.Join(dir, FileName))
	assert.Equal(t, "Churn_Prediction", c1.Tracking.Experiment)
	assert.Equal(t, 150, c1.Training.NumTrees)
	assert.NoError(t, c1.Validate())

	c1.Training.MaxDepth = 4
	c1.Promotion.GateEnabled = true
	c1.Tracking.ModelName = "test"

	require.NoError(t, Save(dir, c1))

	c2, err := ReadOrCreate(dir)
	require.NoError(t, err)
	assert.Equal(t, 4, c2.Training.MaxDepth)
	assert.True(t, c2.Promotion.GateEnabled)
	assert.Equal(t, "test", c2.Tracking.ModelName)
}

func TestReadOrCreate_PartialFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte("log_level: debug\n"), fileMode))

	c, err := ReadOrCreate(dir)
	require.NoError(t, err)
	assert.Equal(t, "debug", c.LogLevel)
	assert.Equal(t, 2, c.Workflow.Retries)
	assert.Equal(t, 8501, c.Server.Port)
}

func TestReadOrCreate_Errors(t *testing.T) {
	_, err := ReadOrCreate("")
	assert.Error(t, err)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte("training: [\n"), fileMode))
	_, err = ReadOrCreate(dir)
	assert.Error(t, err)

	assert.Error(t, Save("", Default(dir)))
	assert.Error(t, Save(dir, nil))
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"CHURN_DATA_PATH":        "/data/x.csv",
		"CHURN_TRACKING_BACKEND": BackendMLflow,
		"CHURN_TRACKING_URI":     "http://mlflow:5000",
		"CHURN_KAFKA_BROKERS":    "k1:9092, k2:9092,",
		"CHURN_PROMOTION_GATE":   "true",
		"CHURN_PORT":             "9000",
		"CHURN_RETRIES":          "nope",
		"CHURN_RETRY_DELAY":      "30s",
	}
	c := Default(t.TempDir())
	ApplyEnv(c, func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})

	assert.Equal(t, "/data/x.csv", c.DataPath)
	assert.Equal(t, BackendMLflow, c.Tracking.Backend)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, c.Publish.KafkaBrokers)
	assert.True(t, c.Promotion.GateEnabled)
	assert.Equal(t, 9000, c.Server.Port)
	assert.Equal(t, 2, c.Workflow.Retries)
	assert.Equal(t, 30*time.Second, c.Workflow.RetryDelay)
	assert.NoError(t, c.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"test size", func(c *Config) { c.TestSize = 1 }},
		{"data path", func(c *Config) { c.DataPath = "" }},
		{"params", func(c *Config) { c.Training.NumTrees = 0 }},
		{"backend", func(c *Config) { c.Tracking.Backend = "redis" }},
		{"mlflow uri", func(c *Config) { c.Tracking.Backend = BackendMLflow }},
		{"retries", func(c *Config) { c.Workflow.Retries = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default(t.TempDir())
			tt.modify(c)
			assert.Error(t, c.Validate())
		})
	}

	var c *Config
	assert.Error(t, c.Validate())
}
