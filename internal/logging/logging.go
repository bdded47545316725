// Package logging provides structured logging using slog.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"
)

// Config holds logging configuration.
type Config struct {
	Format string `yaml:"format"` // "json" | "text"
	Level  string `yaml:"level"`  // "debug" | "info" | "warn" | "error"
}

// Setup initializes the global slog logger based on configuration.
func Setup(cfg Config) {
	SetupWriter(os.Stdout, cfg)
}

// SetupWriter is Setup with an explicit output, used by tests and by the CLI
// when logs should go to stderr.
func SetupWriter(w io.Writer, cfg Config) {
	slog.SetDefault(slog.New(NewHandler(w, cfg)))
}

// NewHandler builds the handler Setup installs.
func NewHandler(w io.Writer, cfg Config) slog.Handler {
	opts := &slog.HandlerOptions{
		Level: ParseLevel(cfg.Level),
	}

	switch strings.ToLower(cfg.Format) {
	case "json":
		return slog.NewJSONHandler(w, opts)
	default:
		return slog.NewTextHandler(w, opts)
	}
}

// ParseLevel converts a string level to slog.Level.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// runIDKey is the context key for run IDs.
type runIDKey struct{}

// WithRunID adds a run ID to the context.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey{}, id)
}

// RunID retrieves the run ID from context.
func RunID(ctx context.Context) string {
	if id, ok := ctx.Value(runIDKey{}).(string); ok {
		return id
	}
	return ""
}

// GenerateRunID creates a new unique run ID.
func GenerateRunID() string {
	return uuid.NewString()
}

// FromContext returns the default logger annotated with the run ID, if any.
func FromContext(ctx context.Context) *slog.Logger {
	if id := RunID(ctx); id != "" {
		return slog.With("run_id", id)
	}
	return slog.Default()
}

// WorkerLogger creates a logger with worker context.
func WorkerLogger(base *slog.Logger, workerID int) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	return base.With("worker_id", workerID)
}

// BatchLogger creates a logger with batch context fields.
func BatchLogger(base *slog.Logger, seq int64, size int) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	return base.With("batch", seq, "documents", size)
}

// Component returns a logger with a component name.
func Component(name string) *slog.Logger {
	return slog.With("component", name)
}
