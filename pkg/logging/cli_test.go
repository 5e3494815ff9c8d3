package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCLILogger(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error"} {
		t.Run(level, func(t *testing.T) {
			logger := NewCLILogger(level)
			require.NotNil(t, logger)
			logger.Info("test message")
		})
	}
}

func TestCLIHandler_Colors(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCLIHandler(&buf, slog.LevelInfo))

	logger.Info("info message")
	assert.Contains(t, buf.String(), colorGreen)
	buf.Reset()

	logger.Warn("warn message")
	assert.Contains(t, buf.String(), colorYellow)
	buf.Reset()

	logger.Error("error message")
	assert.Contains(t, buf.String(), colorRed)
	assert.Contains(t, buf.String(), colorReset)
}

func TestCLIHandler_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCLIHandler(&buf, slog.LevelWarn))

	logger.Debug("debug")
	logger.Info("info")
	assert.Empty(t, buf.String())

	logger.Warn("warn")
	assert.Contains(t, buf.String(), "warn")
}

func TestCLIHandler_GroupAndAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCLIHandler(&buf, slog.LevelInfo)).
		WithGroup("pipeline").
		With("run", "abc")

	logger.Info("trained", "auc", 0.84)

	out := buf.String()
	assert.Contains(t, out, "[pipeline] trained: run=abc auc=0.84")
}

func TestCLIHandler_WithAttrsDoesNotLeak(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(NewCLIHandler(&buf, slog.LevelInfo))
	_ = base.With("stage", "train")

	base.Info("plain")
	assert.NotContains(t, buf.String(), "stage=")
}

func TestNewLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "info", FormatJSON)
	logger.Info("request", "path", "/api/kpis")

	var m map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m))
	assert.Equal(t, "request", m["msg"])
	assert.Equal(t, "/api/kpis", m["path"])
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{" warn ", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"info", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLogLevel(tt.in), tt.in)
	}
}
