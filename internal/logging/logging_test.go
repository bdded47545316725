package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"info", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLevel(tt.in), "level %q", tt.in)
	}
}

func TestJSONHandlerCarriesRunAndBatch(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf, Config{Format: "json", Level: "info"}))

	ctx := WithRunID(context.Background(), "run-1")
	assert.Equal(t, "run-1", RunID(ctx))

	BatchLogger(logger.With("run_id", RunID(ctx)), 7, 25).Info("uploading batch")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "uploading batch", line["msg"])
	assert.Equal(t, "run-1", line["run_id"])
	assert.EqualValues(t, 7, line["batch"])
	assert.EqualValues(t, 25, line["documents"])
}

func TestDebugSuppressedAtInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf, Config{Format: "text", Level: "info"}))

	logger.Debug("hidden")
	assert.Empty(t, buf.String())

	WorkerLogger(logger, 3).Info("visible")
	assert.Contains(t, buf.String(), "worker_id=3")
}

func TestGenerateRunIDUnique(t *testing.T) {
	a, b := GenerateRunID(), GenerateRunID()
	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
	assert.Empty(t, RunID(context.Background()))
}
