// Package deadletter archives batches that ended a run so an operator can
// inspect or replay them. Nothing in the pipeline reads the archive back.
package deadletter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/withObsrvr/obsrvr-bulk-indexer/internal/metrics"
	"github.com/withObsrvr/obsrvr-bulk-indexer/internal/producer"
	"github.com/withObsrvr/obsrvr-bulk-indexer/internal/storage"
	"github.com/withObsrvr/obsrvr-bulk-indexer/internal/uploader"
)

// ErrArchiveExists means the batch was already archived under this run id.
var ErrArchiveExists = errors.New("archive already exists")

// writeTimeout bounds one archive write. It runs on its own context so an
// aborted run still gets its archive.
const writeTimeout = 30 * time.Second

// RunInfo is copied into every manifest.
type RunInfo struct {
	RunID   string
	Source  string
	IndexID string
	Version string
}

// Writer archives failed batches. It is an uploader.PoolObserver.
type Writer struct {
	uploader.NopObserver

	store storage.ArchiveStore
	info  RunInfo
	log   *slog.Logger

	mu      sync.Mutex
	written []storage.ArchiveRef
}

// NewWriter creates a writer on store.
func NewWriter(store storage.ArchiveStore, info RunInfo, log *slog.Logger) *Writer {
	if log == nil {
		log = slog.Default()
	}
	return &Writer{
		store: store,
		info:  info,
		log:   log.With("component", "deadletter"),
	}
}

// BatchFailed archives the batch. Errors are logged; they never replace the
// failure that ended the run.
func (w *Writer) BatchFailed(worker int, b producer.Batch, fe *uploader.FatalError) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	m := metrics.Get()
	ref, err := w.Archive(ctx, b, fe)
	if err != nil {
		w.log.Error("failed to archive batch", "batch", b.Seq, "error", err)
		if m != nil {
			m.IncDeadLetterWrites("error")
		}
		return
	}
	if m != nil {
		m.IncDeadLetterWrites("ok")
	}
	w.log.Info("archived failed batch",
		"batch", b.Seq,
		"documents", b.Len(),
		"uri", w.store.URI(ref.Path(w.store.Prefix())))
}

// Archive writes the batch documents, then the manifest that describes them.
func (w *Writer) Archive(ctx context.Context, b producer.Batch, fe *uploader.FatalError) (storage.ArchiveRef, error) {
	ref := storage.ArchiveRef{RunID: w.info.RunID, Batch: b.Seq}

	exists, err := w.store.Exists(ctx, ref)
	if err != nil {
		return ref, fmt.Errorf("check archive: %w", err)
	}
	if exists {
		return ref, fmt.Errorf("%w: %s", ErrArchiveExists, w.store.URI(ref.Path(w.store.Prefix())))
	}

	data, err := Encode(b.Documents)
	if err != nil {
		return ref, fmt.Errorf("encode batch %d: %w", b.Seq, err)
	}

	if err := w.store.WriteParquet(ctx, ref, data); err != nil {
		return ref, fmt.Errorf("write parquet: %w", err)
	}

	manifest := &storage.Manifest{
		Batch: storage.BatchInfo{
			RunID:     w.info.RunID,
			Seq:       b.Seq,
			Documents: b.Len(),
			Source:    w.info.Source,
			IndexID:   w.info.IndexID,
		},
		File: storage.FileInfo{
			File:          fmt.Sprintf("batch-%06d.parquet", b.Seq),
			Checksum:      ComputeChecksum(data),
			RowCount:      int64(b.Len()),
			ByteSize:      int64(len(data)),
			SchemaVersion: SchemaVersion,
		},
		Producer: storage.ProducerInfo{
			Name:    "bulk-indexer",
			Version: w.info.Version,
		},
		CreatedAt: time.Now().UTC(),
	}
	if fe != nil {
		manifest.Failure = storage.FailureInfo{
			Status:   fe.Status,
			Message:  fe.Message,
			Attempts: fe.Attempts,
		}
		if fe.Err != nil {
			manifest.Failure.Error = fe.Err.Error()
		}
	}

	if err := w.store.WriteManifest(ctx, ref, manifest); err != nil {
		return ref, fmt.Errorf("write manifest: %w", err)
	}

	w.mu.Lock()
	w.written = append(w.written, ref)
	w.mu.Unlock()

	return ref, nil
}

// Written returns the archives written so far.
func (w *Writer) Written() []storage.ArchiveRef {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]storage.ArchiveRef(nil), w.written...)
}

var _ uploader.PoolObserver = (*Writer)(nil)
