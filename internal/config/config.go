package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/withObsrvr/obsrvr-bulk-indexer/internal/logging"
	"github.com/withObsrvr/obsrvr-bulk-indexer/internal/metrics"
)

// MaxBatchSize is the largest batch the indexing API accepts in one request.
const MaxBatchSize = 500

type Config struct {
	Source     SourceConfig     `yaml:"source"`
	Target     TargetConfig     `yaml:"target"`
	Credential CredentialConfig `yaml:"credential"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Dedup      DedupConfig      `yaml:"dedup"`
	DeadLetter DeadLetterConfig `yaml:"dead_letter"`
	Metrics    metrics.Config   `yaml:"metrics"`
	Log        logging.Config   `yaml:"log"`
}

type SourceConfig struct {
	BucketURL   string `yaml:"bucket_url"` // s3://bucket?region=..., gs://bucket, file:///dir
	Key         string `yaml:"key"`
	IDNamespace string `yaml:"id_namespace"`

	MaxLineBytes int `yaml:"max_line_bytes"` // longer lines end the input as malformed
}

type TargetConfig struct {
	BaseURL string        `yaml:"base_url"`
	IndexID string        `yaml:"index_id"`
	Timeout time.Duration `yaml:"timeout"`
}

type CredentialConfig struct {
	ID      string        `yaml:"id"` // runtimevar URL or env://NAME
	Timeout time.Duration `yaml:"timeout"`
}

type PipelineConfig struct {
	Workers       int           `yaml:"workers"`
	MaxAttempts   int           `yaml:"max_attempts"`
	Backoff       time.Duration `yaml:"backoff"`
	BatchSize     int           `yaml:"batch_size"`
	MaxBatchCount int           `yaml:"max_batch_count"`
}

type DedupConfig struct {
	Backend string `yaml:"backend"` // "memory" | "badger"
	Dir     string `yaml:"dir"`     // badger only; empty keeps the set in memory
}

type DeadLetterConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Backend   string `yaml:"backend"` // "local" | "blob"
	LocalDir  string `yaml:"local_dir"`
	BucketURL string `yaml:"bucket_url"`
	Prefix    string `yaml:"prefix"`
}

// Default returns the configuration used when nothing overrides it:
// 25 documents per batch, at most 20000 batches, 3 attempts per batch and
// 2s between attempts.
func Default() Config {
	return Config{
		Source: SourceConfig{
			Key:          "libgen.json",
			IDNamespace:  "libgen",
			MaxLineBytes: 16 << 20,
		},
		Target: TargetConfig{
			Timeout: 30 * time.Second,
		},
		Credential: CredentialConfig{
			Timeout: 10 * time.Second,
		},
		Pipeline: PipelineConfig{
			Workers:       4,
			MaxAttempts:   3,
			Backoff:       2 * time.Second,
			BatchSize:     25,
			MaxBatchCount: 20000,
		},
		Dedup: DedupConfig{
			Backend: "memory",
		},
		DeadLetter: DeadLetterConfig{
			Backend:  "local",
			LocalDir: "./dead-letter",
			Prefix:   "dead-letter/",
		},
		Metrics: metrics.Config{
			Address:   ":9090",
			Namespace: "bulk_indexer",
		},
		Log: logging.Config{
			Format: "text",
			Level:  "info",
		},
	}
}

// Load builds a Config from defaults, the optional YAML file at path and
// the environment, in that order.
func Load(path string) (Config, error) {
	slog.Debug("loading config", "component", "config", "path", path)

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func applyEnv(cfg *Config) error {
	var errs []error

	cfg.Source.BucketURL = getenvDefault("SOURCE_BUCKET_URL", cfg.Source.BucketURL)
	cfg.Source.Key = getenvDefault("SOURCE_KEY", cfg.Source.Key)
	cfg.Source.IDNamespace = getenvDefault("ID_NAMESPACE", cfg.Source.IDNamespace)
	errs = append(errs, envInt("MAX_LINE_BYTES", &cfg.Source.MaxLineBytes))

	cfg.Target.BaseURL = getenvDefault("TARGET_BASE_URL", cfg.Target.BaseURL)
	cfg.Target.IndexID = getenvDefault("INDEX_ID", cfg.Target.IndexID)
	errs = append(errs, envDuration("HTTP_TIMEOUT", &cfg.Target.Timeout))

	cfg.Credential.ID = getenvDefault("CREDENTIAL_ID", cfg.Credential.ID)

	errs = append(errs,
		envInt("WORKER_COUNT", &cfg.Pipeline.Workers),
		envInt("MAX_ATTEMPTS", &cfg.Pipeline.MaxAttempts),
		envDuration("BACKOFF_DELAY", &cfg.Pipeline.Backoff),
		envInt("BATCH_SIZE", &cfg.Pipeline.BatchSize),
		envInt("MAX_BATCH_COUNT", &cfg.Pipeline.MaxBatchCount),
	)

	cfg.Dedup.Backend = getenvDefault("DEDUP_BACKEND", cfg.Dedup.Backend)
	cfg.Dedup.Dir = getenvDefault("DEDUP_DIR", cfg.Dedup.Dir)

	errs = append(errs, envBool("DEAD_LETTER_ENABLED", &cfg.DeadLetter.Enabled))
	cfg.DeadLetter.Backend = getenvDefault("DEAD_LETTER_BACKEND", cfg.DeadLetter.Backend)
	cfg.DeadLetter.LocalDir = getenvDefault("DEAD_LETTER_DIR", cfg.DeadLetter.LocalDir)
	cfg.DeadLetter.BucketURL = getenvDefault("DEAD_LETTER_BUCKET_URL", cfg.DeadLetter.BucketURL)
	cfg.DeadLetter.Prefix = getenvDefault("DEAD_LETTER_PREFIX", cfg.DeadLetter.Prefix)

	errs = append(errs, envBool("METRICS_ENABLED", &cfg.Metrics.Enabled))
	cfg.Metrics.Address = getenvDefault("METRICS_ADDR", cfg.Metrics.Address)

	cfg.Log.Level = getenvDefault("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getenvDefault("LOG_FORMAT", cfg.Log.Format)

	return errors.Join(errs...)
}

// Validate reports every setting that would prevent a run.
func (c Config) Validate() error {
	var errs []error

	if c.Source.BucketURL == "" {
		errs = append(errs, errors.New("source.bucket_url is required"))
	}
	if c.Source.Key == "" {
		errs = append(errs, errors.New("source.key is required"))
	}
	if c.Source.MaxLineBytes < 1 {
		errs = append(errs, fmt.Errorf("source.max_line_bytes must be >= 1, got %d", c.Source.MaxLineBytes))
	}

	if c.Target.BaseURL == "" {
		errs = append(errs, errors.New("target.base_url is required"))
	} else if u, err := url.Parse(c.Target.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("target.base_url %q is not an absolute URL", c.Target.BaseURL))
	}
	if c.Target.IndexID == "" {
		errs = append(errs, errors.New("target.index_id is required"))
	}
	if c.Target.Timeout <= 0 {
		errs = append(errs, errors.New("target.timeout must be positive"))
	}

	if c.Credential.ID == "" {
		errs = append(errs, errors.New("credential.id is required"))
	}

	p := c.Pipeline
	if p.Workers < 1 {
		errs = append(errs, fmt.Errorf("pipeline.workers must be >= 1, got %d", p.Workers))
	}
	if p.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("pipeline.max_attempts must be >= 1, got %d", p.MaxAttempts))
	}
	if p.Backoff < 0 {
		errs = append(errs, fmt.Errorf("pipeline.backoff must not be negative, got %s", p.Backoff))
	}
	if p.BatchSize < 1 || p.BatchSize > MaxBatchSize {
		errs = append(errs, fmt.Errorf("pipeline.batch_size must be in 1..%d, got %d", MaxBatchSize, p.BatchSize))
	}
	if p.MaxBatchCount < 1 {
		errs = append(errs, fmt.Errorf("pipeline.max_batch_count must be >= 1, got %d", p.MaxBatchCount))
	}

	switch c.Dedup.Backend {
	case "memory", "badger":
	default:
		errs = append(errs, fmt.Errorf("dedup.backend %q is not one of memory, badger", c.Dedup.Backend))
	}

	if c.DeadLetter.Enabled {
		switch c.DeadLetter.Backend {
		case "local":
			if c.DeadLetter.LocalDir == "" {
				errs = append(errs, errors.New("dead_letter.local_dir is required for local backend"))
			}
		case "blob":
			if c.DeadLetter.BucketURL == "" {
				errs = append(errs, errors.New("dead_letter.bucket_url is required for blob backend"))
			}
		default:
			errs = append(errs, fmt.Errorf("dead_letter.backend %q is not one of local, blob", c.DeadLetter.Backend))
		}
	}

	return errors.Join(errs...)
}

// SourceLocation describes where records are read from, for logs.
func (c Config) SourceLocation() string {
	base := c.Source.BucketURL
	if i := strings.IndexByte(base, '?'); i >= 0 {
		base = base[:i]
	}
	return strings.TrimSuffix(base, "/") + "/" + c.Source.Key
}

func getenvDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func envInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = parsed
	return nil
}

func envDuration(key string, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = parsed
	return nil
}

func envBool(key string, dst *bool) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = parsed
	return nil
}
