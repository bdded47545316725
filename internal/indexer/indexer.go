// Package indexer runs one bulk indexing pass: fetch the credential, stream
// the source object through the producer and deliver its batches.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"gocloud.dev/blob"

	"github.com/withObsrvr/obsrvr-bulk-indexer/internal/config"
	"github.com/withObsrvr/obsrvr-bulk-indexer/internal/credential"
	"github.com/withObsrvr/obsrvr-bulk-indexer/internal/deadletter"
	"github.com/withObsrvr/obsrvr-bulk-indexer/internal/dedup"
	"github.com/withObsrvr/obsrvr-bulk-indexer/internal/document"
	"github.com/withObsrvr/obsrvr-bulk-indexer/internal/logging"
	"github.com/withObsrvr/obsrvr-bulk-indexer/internal/producer"
	"github.com/withObsrvr/obsrvr-bulk-indexer/internal/source"
	"github.com/withObsrvr/obsrvr-bulk-indexer/internal/storage"
	"github.com/withObsrvr/obsrvr-bulk-indexer/internal/uploader"
)

// Version information (set via ldflags)
var (
	Version = "v0.1.0"
	GitSHA  = "unknown"
)

// ErrSource means the source object could not be opened or read.
var ErrSource = errors.New("source unavailable")

// DefaultProgressInterval is how often a running pass logs progress.
const DefaultProgressInterval = 30 * time.Second

// TokenProvider supplies the API credential.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// Deps overrides collaborators that are otherwise built from the config.
type Deps struct {
	Credential   TokenProvider        // default: credential.New(cfg.Credential)
	Bucket       *blob.Bucket         // default: opened from cfg.Source.BucketURL; not closed by the indexer
	HTTPClient   *http.Client         // default: client with cfg.Target.Timeout
	ArchiveStore storage.ArchiveStore // default: built from cfg.DeadLetter; not closed by the indexer
	Logger       *slog.Logger

	ProgressInterval time.Duration
}

// Indexer orchestrates a run.
type Indexer struct {
	cfg   config.Config
	deps  Deps
	runID string
	base  *slog.Logger // run-scoped, handed to components
	log   *slog.Logger
}

// New creates an indexer. The config must be valid.
func New(cfg config.Config, deps Deps) (*Indexer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	if deps.ProgressInterval <= 0 {
		deps.ProgressInterval = DefaultProgressInterval
	}

	runID := logging.GenerateRunID()
	base := log.With("run_id", runID)
	return &Indexer{
		cfg:   cfg,
		deps:  deps,
		runID: runID,
		base:  base,
		log:   base.With("component", "indexer"),
	}, nil
}

// RunID identifies this run in logs and dead-letter archives.
func (ix *Indexer) RunID() string {
	return ix.runID
}

// Run performs the pass. The credential is fetched exactly once, before the
// source is touched. The returned Summary is filled in even on failure.
func (ix *Indexer) Run(ctx context.Context) (Summary, error) {
	start := time.Now()
	ctx = logging.WithRunID(ctx, ix.runID)
	summary := Summary{RunID: ix.runID, Source: ix.cfg.SourceLocation()}

	ix.log.Info("starting run",
		"version", Version,
		"source", summary.Source,
		"index_id", ix.cfg.Target.IndexID,
		"workers", ix.cfg.Pipeline.Workers,
		"batch_size", ix.cfg.Pipeline.BatchSize,
		"max_batch_count", ix.cfg.Pipeline.MaxBatchCount,
	)

	// 1. Credential
	token, err := ix.fetchToken(ctx)
	if err != nil {
		return ix.aborted(summary, start, err)
	}

	// 2. Source object
	stream, err := ix.openSource(ctx)
	if err != nil {
		return ix.aborted(summary, start, fmt.Errorf("%w: %w", ErrSource, err))
	}
	defer stream.Close()

	// 3. Seen-id set
	seen, err := dedup.New(dedup.Config{Backend: ix.cfg.Dedup.Backend, Dir: ix.cfg.Dedup.Dir})
	if err != nil {
		return ix.aborted(summary, start, fmt.Errorf("open dedup set: %w", err))
	}
	defer seen.Close()

	// 4. Producer, uploader and observers
	client, err := uploader.NewClient(uploader.ClientConfig{
		BaseURL:    ix.cfg.Target.BaseURL,
		IndexID:    ix.cfg.Target.IndexID,
		Timeout:    ix.cfg.Target.Timeout,
		HTTPClient: ix.deps.HTTPClient,
	})
	if err != nil {
		return ix.aborted(summary, start, fmt.Errorf("create client: %w", err))
	}
	ix.log.Info("upload target", "endpoint", client.Endpoint())

	prod := producer.New(stream, document.NewNormalizer(ix.cfg.Source.IDNamespace), seen, producer.Options{
		BatchSize:     ix.cfg.Pipeline.BatchSize,
		MaxBatchCount: ix.cfg.Pipeline.MaxBatchCount,
		Logger:        ix.base,
	})

	state := NewState()
	opts := []uploader.PoolOption{
		uploader.WithLogger(ix.base),
		uploader.WithObserver(state),
	}

	var dl *deadletter.Writer
	if ix.cfg.DeadLetter.Enabled {
		store, closeStore, err := ix.archiveStore(ctx)
		if err != nil {
			return ix.aborted(summary, start, fmt.Errorf("open dead-letter store: %w", err))
		}
		defer closeStore()

		dl = deadletter.NewWriter(store, deadletter.RunInfo{
			RunID:   ix.runID,
			Source:  summary.Source,
			IndexID: ix.cfg.Target.IndexID,
			Version: Version,
		}, ix.base)
		opts = append(opts, uploader.WithObserver(dl))
	}

	pool := uploader.NewPool(&countingSource{src: prod, state: state}, client, uploader.PoolConfig{
		Workers:     ix.cfg.Pipeline.Workers,
		MaxAttempts: ix.cfg.Pipeline.MaxAttempts,
		Backoff:     ix.cfg.Pipeline.Backoff,
		Token:       token,
	}, opts...)

	// 5. Run
	stopProgress := ix.reportProgress(state, start)
	runErr := pool.Run(ctx)
	stopProgress()

	summary = ix.summarize(summary, state, prod, dl, start)

	if runErr != nil {
		if errors.Is(runErr, uploader.ErrSourceRead) {
			runErr = fmt.Errorf("%w: %w", ErrSource, runErr)
		}
		return ix.aborted(summary, start, runErr)
	}

	ix.log.Info("done", summary.LogAttrs()...)
	return summary, nil
}

func (ix *Indexer) fetchToken(ctx context.Context) (string, error) {
	provider := ix.deps.Credential
	if provider == nil {
		p, err := credential.New(credential.Config{ID: ix.cfg.Credential.ID, Timeout: ix.cfg.Credential.Timeout})
		if err != nil {
			return "", err
		}
		provider = p
	}

	token, err := provider.Token(ctx)
	if err != nil {
		if !errors.Is(err, credential.ErrCredential) {
			err = fmt.Errorf("%w: %w", credential.ErrCredential, err)
		}
		return "", err
	}
	return token, nil
}

func (ix *Indexer) openSource(ctx context.Context) (*source.Stream, error) {
	if ix.deps.Bucket != nil {
		return source.OpenObject(ctx, ix.deps.Bucket, ix.cfg.Source.Key, ix.cfg.Source.MaxLineBytes)
	}
	return source.Open(ctx, source.Config{
		BucketURL:    ix.cfg.Source.BucketURL,
		Key:          ix.cfg.Source.Key,
		MaxLineBytes: ix.cfg.Source.MaxLineBytes,
	})
}

func (ix *Indexer) archiveStore(ctx context.Context) (storage.ArchiveStore, func(), error) {
	if ix.deps.ArchiveStore != nil {
		return ix.deps.ArchiveStore, func() {}, nil
	}

	store, err := storage.NewArchiveStore(ctx, storage.StorageConfig{
		Backend:   ix.cfg.DeadLetter.Backend,
		LocalDir:  ix.cfg.DeadLetter.LocalDir,
		BucketURL: ix.cfg.DeadLetter.BucketURL,
		Prefix:    ix.cfg.DeadLetter.Prefix,
	})
	if err != nil {
		return nil, nil, err
	}
	return store, func() {
		if err := store.Close(); err != nil {
			ix.log.Warn("failed to close dead-letter store", "error", err)
		}
	}, nil
}

// reportProgress logs the state periodically until the returned func is called.
func (ix *Indexer) reportProgress(state *State, start time.Time) func() {
	done := make(chan struct{})
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)
		ticker := time.NewTicker(ix.deps.ProgressInterval)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				snap := state.Snapshot()
				elapsed := time.Since(start)
				ix.log.Info("progress",
					"batches_produced", snap.Produced,
					"batches_delivered", snap.Delivered,
					"documents", snap.Documents,
					"in_flight", len(snap.InFlight),
					"retries", snap.Retries,
					"rate_per_sec", fmt.Sprintf("%.2f", float64(snap.Documents)/elapsed.Seconds()),
				)
			}
		}
	}()

	return func() {
		close(done)
		<-stopped
	}
}

func (ix *Indexer) summarize(s Summary, state *State, prod *producer.Producer, dl *deadletter.Writer, start time.Time) Summary {
	snap := state.Snapshot()
	stats := prod.Stats()

	s.Produced = snap.Produced
	s.Delivered = snap.Delivered
	s.Documents = snap.Documents
	s.Failed = snap.Failed
	s.Attempts = snap.Attempts
	s.Retries = snap.Retries

	s.Lines = stats.Lines
	s.BlankLines = stats.BlankLines
	s.ContentSkipped = stats.ContentSkipped
	s.Duplicates = stats.Duplicates
	s.Truncated = stats.Truncated
	s.CeilingReached = stats.CeilingReached

	if dl != nil {
		s.DeadLetters = len(dl.Written())
	}
	s.Duration = time.Since(start)
	return s
}

func (ix *Indexer) aborted(s Summary, start time.Time, err error) (Summary, error) {
	if s.Duration == 0 {
		s.Duration = time.Since(start)
	}
	attrs := append([]any{"error", err}, s.LogAttrs()...)
	ix.log.Error("aborted", attrs...)
	return s, err
}
