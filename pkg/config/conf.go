// Package config loads the churnctl configuration file.
package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mchmarny/churnctl/pkg/dataset"
	"github.com/mchmarny/churnctl/pkg/model"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	// FileName is the name of the config file within the app directory.
	FileName = "config.yaml"

	// DirName is the app directory under the user home.
	DirName = ".churnctl"

	dirMode  = 0700
	fileMode = 0600

	envPrefix = "CHURN_"

	BackendSQLite = "sqlite"
	BackendMLflow = "mlflow"

	defaultDataURL = "https://raw.githubusercontent.com/IBM/telco-customer-churn-on-icp4d/master/data/Telco-Customer-Churn.csv"
)

// Config represents the app config object.
type Config struct {
	DataPath  string  `yaml:"data_path"`
	DataURL   string  `yaml:"data_url"`
	ModelDir  string  `yaml:"model_dir"`
	ServeDir  string  `yaml:"serve_dir"`
	ReportDir string  `yaml:"report_dir"`
	LogLevel  string  `yaml:"log_level"`
	TestSize  float64 `yaml:"test_size"`

	Quality    dataset.QualityThresholds `yaml:"quality"`
	Training   model.Params              `yaml:"training"`
	Validation Validation                `yaml:"validation"`
	Tracking   Tracking                  `yaml:"tracking"`
	Promotion  Promotion                 `yaml:"promotion"`
	Workflow   Workflow                  `yaml:"workflow"`
	Publish    Publish                   `yaml:"publish"`
	Server     Server                    `yaml:"server"`
}

// Validation configures the artifact checks run before deployment.
type Validation struct {
	MinModelBytes int64 `yaml:"min_model_bytes"`
}

// Tracking selects and configures the experiment tracking backend.
type Tracking struct {
	Backend      string `yaml:"backend"`
	DBPath       string `yaml:"db_path"`
	ArtifactRoot string `yaml:"artifact_root"`
	URI          string `yaml:"uri"`
	Experiment   string `yaml:"experiment"`
	ModelName    string `yaml:"model_name"`
}

// Promotion controls whether a new version must beat Production to replace it.
type Promotion struct {
	GateEnabled bool   `yaml:"gate_enabled"`
	Metric      string `yaml:"metric"`
}

// Workflow configures the stage runner.
type Workflow struct {
	Retries    int           `yaml:"retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// Publish configures the optional outbound sinks. Empty values disable them.
type Publish struct {
	KafkaBrokers []string `yaml:"kafka_brokers"`
	KafkaTopic   string   `yaml:"kafka_topic"`
	PostgresDSN  string   `yaml:"postgres_dsn"`
}

// Server configures the dashboard server.
type Server struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// Default returns the configuration rooted at dir.
func Default(dir string) *Config {
	return &Config{
		DataPath:  filepath.Join(dir, "data", "WA_Fn-UseC_-Telco-Customer-Churn.csv"),
		DataURL:   defaultDataURL,
		ModelDir:  filepath.Join(dir, "models"),
		ServeDir:  filepath.Join(dir, "serving"),
		ReportDir: filepath.Join(dir, "reports"),
		LogLevel:  "info",
		TestSize:  0.2,
		Quality:   dataset.DefaultQualityThresholds(),
		Training:  model.DefaultParams(),
		Validation: Validation{
			MinModelBytes: 10 * 1024,
		},
		Tracking: Tracking{
			Backend:      BackendSQLite,
			DBPath:       filepath.Join(dir, "tracking.db"),
			ArtifactRoot: filepath.Join(dir, "mlruns"),
			Experiment:   "Churn_Prediction",
			ModelName:    "churn_xgboost_prod",
		},
		Promotion: Promotion{
			Metric: "roc_auc",
		},
		Workflow: Workflow{
			Retries:    2,
			RetryDelay: 5 * time.Minute,
		},
		Publish: Publish{
			KafkaTopic: "churn.pipeline.events",
		},
		Server: Server{
			Address: "127.0.0.1",
			Port:    8501,
		},
	}
}

// Validate checks the values the pipeline cannot run without.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config required")
	}
	if c.DataPath == "" {
		return errors.New("data_path required")
	}
	if c.ModelDir == "" || c.ServeDir == "" {
		return errors.New("model_dir and serve_dir required")
	}
	if c.TestSize <= 0 || c.TestSize >= 1 {
		return errors.Errorf("test_size must be in (0,1): %v", c.TestSize)
	}
	if err := c.Training.Validate(); err != nil {
		return errors.Wrap(err, "invalid training params")
	}
	switch c.Tracking.Backend {
	case BackendSQLite:
		if c.Tracking.DBPath == "" {
			return errors.New("tracking.db_path required for sqlite backend")
		}
	case BackendMLflow:
		if c.Tracking.URI == "" {
			return errors.New("tracking.uri required for mlflow backend")
		}
	default:
		return errors.Errorf("unsupported tracking backend: %s", c.Tracking.Backend)
	}
	if c.Workflow.Retries < 0 {
		return errors.Errorf("workflow.retries must not be negative: %d", c.Workflow.Retries)
	}
	return nil
}

// Save writes c to dirPath.
func Save(dirPath string, c *Config) error {
	if dirPath == "" {
		return errors.New("config directory required")
	}
	if c == nil {
		return errors.New("config required")
	}
	b, err := yaml.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "failed to marshal config")
	}
	path := filepath.Join(dirPath, FileName)
	if err := os.WriteFile(path, b, fileMode); err != nil {
		return errors.Wrapf(err, "failed to write config file: %s", FileName)
	}
	return nil
}

// ReadOrCreate reads app config from directory or creates a new one with
// defaults. Environment overrides are applied after reading.
func ReadOrCreate(dirPath string) (*Config, error) {
	if dirPath == "" {
		return nil, errors.New("config directory required")
	}

	if _, err := os.Stat(dirPath); errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(dirPath, dirMode); err != nil {
			return nil, errors.Wrapf(err, "failed to create dir: %s", dirPath)
		}
	}

	path := filepath.Join(dirPath, FileName)

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		slog.Debug("creating default config", "path", path)
		if err := Save(dirPath, Default(dirPath)); err != nil {
			return nil, errors.Wrap(err, "failed to create default config")
		}
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "error reading config file: %s", path)
	}

	// unset keys keep their defaults
	c := Default(dirPath)
	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, errors.Wrapf(err, "error unmarshalling config file: %s", path)
	}

	ApplyEnv(c, os.LookupEnv)
	return c, nil
}

// ApplyEnv overrides config values from CHURN_* variables.
func ApplyEnv(c *Config, lookup func(string) (string, bool)) {
	str := func(key string, dst *string) {
		if v, ok := lookup(envPrefix + key); ok && v != "" {
			*dst = v
		}
	}

	str("DATA_PATH", &c.DataPath)
	str("DATA_URL", &c.DataURL)
	str("MODEL_DIR", &c.ModelDir)
	str("SERVE_DIR", &c.ServeDir)
	str("REPORT_DIR", &c.ReportDir)
	str("LOG_LEVEL", &c.LogLevel)
	str("TRACKING_BACKEND", &c.Tracking.Backend)
	str("TRACKING_DB", &c.Tracking.DBPath)
	str("TRACKING_URI", &c.Tracking.URI)
	str("EXPERIMENT", &c.Tracking.Experiment)
	str("MODEL_NAME", &c.Tracking.ModelName)
	str("KAFKA_TOPIC", &c.Publish.KafkaTopic)
	str("POSTGRES_DSN", &c.Publish.PostgresDSN)

	if v, ok := lookup(envPrefix + "KAFKA_BROKERS"); ok && v != "" {
		c.Publish.KafkaBrokers = splitList(v)
	}
	if v, ok := lookup(envPrefix + "PROMOTION_GATE"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Promotion.GateEnabled = b
		}
	}
	if v, ok := lookup(envPrefix + "PORT"); ok {
		if p, err := strconv.Atoi(v); err == nil {
			c.Server.Port = p
		}
	}
	if v, ok := lookup(envPrefix + "RETRIES"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			c.Workflow.Retries = n
		}
	}
	if v, ok := lookup(envPrefix + "RETRY_DELAY"); ok {
		if d, err := time.ParseDuration(v); err == nil {
			c.Workflow.RetryDelay = d
		}
	}
}

func splitList(v string) []string {
	var list []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			list = append(list, s)
		}
	}
	return list
}

// GetOrCreateHomeDir returns the home directory for the current user.
// The create flag is set to true if the directory was created.
func GetOrCreateHomeDir(name string) (path string, created bool, err error) {
	if name == "" {
		return "", false, errors.New("name cannot be empty")
	}

	if !strings.HasPrefix(name, ".") {
		name = "." + name
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", false, errors.Wrap(err, "failed to get user home dir")
	}
	slog.Debug("home dir", "path", home)

	dir := filepath.Join(home, name)
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		slog.Debug("creating dir", "path", dir)
		if err := os.Mkdir(dir, dirMode); err != nil {
			return "", false, errors.Wrapf(err, "failed to create dir: %s", dir)
		}
		created = true
	}
	return dir, created, nil
}
