package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"github.com/withObsrvr/obsrvr-bulk-indexer/internal/config"
	"github.com/withObsrvr/obsrvr-bulk-indexer/internal/deadletter"
	"github.com/withObsrvr/obsrvr-bulk-indexer/internal/indexer"
	"github.com/withObsrvr/obsrvr-bulk-indexer/internal/logging"
	"github.com/withObsrvr/obsrvr-bulk-indexer/internal/metrics"
	"github.com/withObsrvr/obsrvr-bulk-indexer/internal/source"
	"github.com/withObsrvr/obsrvr-bulk-indexer/internal/storage"
)

func main() {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	if err := newApp().Run(os.Args); err != nil {
		slog.Error("exiting", "error", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "bulk-indexer",
		Usage:   "Stream NDJSON records from an object store into a remote search index",
		Version: fmt.Sprintf("%s (%s)", indexer.Version, indexer.GitSHA),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to YAML config file",
				EnvVars: []string{"CONFIG_FILE"},
			},
			&cli.StringFlag{Name: "bucket-url", Usage: "Source bucket URL (s3://, gs://, file://)"},
			&cli.StringFlag{Name: "s3-bucket", Usage: "Source S3 bucket name (builds --bucket-url)"},
			&cli.StringFlag{Name: "s3-endpoint", Usage: "S3-compatible endpoint, e.g. MinIO", EnvVars: []string{"S3_ENDPOINT"}},
			&cli.StringFlag{Name: "s3-region", Usage: "S3 region", EnvVars: []string{"AWS_REGION"}},
			&cli.StringFlag{Name: "key", Usage: "Source object key"},
			&cli.StringFlag{Name: "base-url", Usage: "Indexing API base URL"},
			&cli.StringFlag{Name: "index-id", Usage: "Target index id"},
			&cli.StringFlag{Name: "credential", Usage: "Credential id (runtimevar URL or env://NAME)"},
			&cli.IntFlag{Name: "workers", Aliases: []string{"w"}, Usage: "Number of upload workers"},
			&cli.IntFlag{Name: "batch-size", Usage: "Documents per batch"},
			&cli.IntFlag{Name: "max-batches", Usage: "Stop after this many batches"},
			&cli.IntFlag{Name: "max-attempts", Usage: "Upload attempts per batch"},
			&cli.DurationFlag{Name: "backoff", Usage: "Delay between attempts"},
			&cli.StringFlag{Name: "dedup", Usage: "Seen-id set backend (memory, badger)"},
			&cli.BoolFlag{Name: "dead-letter", Usage: "Archive fatal batches as parquet"},
			&cli.BoolFlag{Name: "metrics", Usage: "Serve Prometheus metrics"},
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Set logging level (debug, info, warn, error)",
			},
			&cli.StringFlag{Name: "log-format", Usage: "Log format (text, json)"},
		},
		Action: runCommand,
		Commands: []*cli.Command{
			{
				Name:      "inspect",
				Usage:     "Verify an archived dead-letter batch against its manifest and print it as NDJSON",
				ArgsUsage: "FILE",
				Action:    inspectCommand,
			},
			{
				Name:      "archives",
				Usage:     "List dead-letter archives in the configured store",
				ArgsUsage: "[RUN_ID]",
				Action:    archivesCommand,
			},
		},
	}
}

func loadConfig(c *cli.Context) (config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return config.Config{}, err
	}

	if c.IsSet("bucket-url") {
		cfg.Source.BucketURL = c.String("bucket-url")
	}
	if c.IsSet("s3-bucket") {
		cfg.Source.BucketURL = source.S3BucketURL(c.String("s3-bucket"), c.String("s3-endpoint"), c.String("s3-region"))
	}
	if c.IsSet("key") {
		cfg.Source.Key = c.String("key")
	}
	if c.IsSet("base-url") {
		cfg.Target.BaseURL = c.String("base-url")
	}
	if c.IsSet("index-id") {
		cfg.Target.IndexID = c.String("index-id")
	}
	if c.IsSet("credential") {
		cfg.Credential.ID = c.String("credential")
	}
	if c.IsSet("workers") {
		cfg.Pipeline.Workers = c.Int("workers")
	}
	if c.IsSet("batch-size") {
		cfg.Pipeline.BatchSize = c.Int("batch-size")
	}
	if c.IsSet("max-batches") {
		cfg.Pipeline.MaxBatchCount = c.Int("max-batches")
	}
	if c.IsSet("max-attempts") {
		cfg.Pipeline.MaxAttempts = c.Int("max-attempts")
	}
	if c.IsSet("backoff") {
		cfg.Pipeline.Backoff = c.Duration("backoff")
	}
	if c.IsSet("dedup") {
		cfg.Dedup.Backend = c.String("dedup")
	}
	if c.IsSet("dead-letter") {
		cfg.DeadLetter.Enabled = c.Bool("dead-letter")
	}
	if c.IsSet("metrics") {
		cfg.Metrics.Enabled = c.Bool("metrics")
	}
	if c.IsSet("log-level") {
		cfg.Log.Level = c.String("log-level")
	}
	if c.IsSet("log-format") {
		cfg.Log.Format = c.String("log-format")
	}

	return cfg, nil
}

func runCommand(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	logging.Setup(cfg.Log)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.Start(ctx, cfg.Metrics)

	ix, err := indexer.New(cfg, indexer.Deps{})
	if err != nil {
		return err
	}

	if _, err := ix.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return fmt.Errorf("run cancelled: %w", err)
		}
		return err
	}
	return nil
}

func inspectCommand(c *cli.Context) error {
	logging.SetupWriter(os.Stderr, logging.Config{Level: c.String("log-level"), Format: c.String("log-format")})

	if c.NArg() != 1 {
		return cli.Exit("inspect takes exactly one parquet file", 2)
	}
	path := c.Args().First()

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	manifestPath := strings.TrimSuffix(path, ".parquet") + ".manifest.json"
	raw, err := os.ReadFile(manifestPath)
	switch {
	case err == nil:
		var manifest storage.Manifest
		if err := json.Unmarshal(raw, &manifest); err != nil {
			return fmt.Errorf("parse %s: %w", manifestPath, err)
		}
		if err := deadletter.Verify(data, &manifest); err != nil {
			return fmt.Errorf("verify %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist):
		slog.Warn("no manifest next to archive, skipping verification", "manifest", manifestPath)
	default:
		return fmt.Errorf("read %s: %w", manifestPath, err)
	}

	docs, err := deadletter.Decode(data)
	if err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}

	enc := json.NewEncoder(c.App.Writer)
	for _, doc := range docs {
		if err := enc.Encode(doc); err != nil {
			return err
		}
	}
	slog.Debug("inspected archive", "path", path, "documents", len(docs))
	return nil
}

func archivesCommand(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	logging.SetupWriter(os.Stderr, cfg.Log)

	store, err := storage.NewArchiveStore(c.Context, storage.StorageConfig{
		Backend:   cfg.DeadLetter.Backend,
		LocalDir:  cfg.DeadLetter.LocalDir,
		BucketURL: cfg.DeadLetter.BucketURL,
		Prefix:    cfg.DeadLetter.Prefix,
	})
	if err != nil {
		return fmt.Errorf("open dead-letter store: %w", err)
	}
	defer store.Close()

	prefix := store.Prefix()
	if runID := c.Args().First(); runID != "" {
		prefix = storage.ArchiveRef{RunID: runID}.DirPath(prefix) + "/"
	}

	keys, err := store.List(c.Context, prefix)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if strings.HasSuffix(key, ".parquet") {
			fmt.Fprintln(c.App.Writer, store.URI(key))
		}
	}
	return nil
}
