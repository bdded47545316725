package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// ArchiveRef identifies the archive of one failed batch.
type ArchiveRef struct {
	RunID string
	Batch int64
}

// Path returns the storage path for the batch's parquet file.
func (r ArchiveRef) Path(prefix string) string {
	return fmt.Sprintf("%s/batch-%06d.parquet", r.DirPath(prefix), r.Batch)
}

// ManifestPath returns the storage path for the batch's manifest.
func (r ArchiveRef) ManifestPath(prefix string) string {
	return fmt.Sprintf("%s/batch-%06d.manifest.json", r.DirPath(prefix), r.Batch)
}

// DirPath returns the directory holding every archive of the run.
func (r ArchiveRef) DirPath(prefix string) string {
	return fmt.Sprintf("%srun=%s", prefix, r.RunID)
}

// Manifest describes an archived batch.
type Manifest struct {
	Batch     BatchInfo    `json:"batch"`
	File      FileInfo     `json:"file"`
	Failure   FailureInfo  `json:"failure"`
	Producer  ProducerInfo `json:"producer"`
	CreatedAt time.Time    `json:"created_at"`
}

// BatchInfo locates the batch within its run.
type BatchInfo struct {
	RunID     string `json:"run_id"`
	Seq       int64  `json:"seq"`
	Documents int    `json:"documents"`
	Source    string `json:"source,omitempty"`
	IndexID   string `json:"index_id,omitempty"`
}

// FileInfo describes the parquet payload.
type FileInfo struct {
	File          string `json:"file"`
	Checksum      string `json:"checksum"`
	RowCount      int64  `json:"row_count"`
	ByteSize      int64  `json:"byte_size"`
	SchemaVersion string `json:"schema_version"`
}

// FailureInfo records why the batch was not delivered.
type FailureInfo struct {
	Status   int    `json:"status,omitempty"`
	Message  string `json:"message,omitempty"`
	Error    string `json:"error"`
	Attempts int    `json:"attempts"`
}

// ProducerInfo describes the software that wrote the archive.
type ProducerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// MarshalJSON returns the manifest as JSON bytes.
func (m *Manifest) MarshalJSON() ([]byte, error) {
	type Alias Manifest
	return json.MarshalIndent((*Alias)(m), "", "  ")
}

// ArchiveStore abstracts writing archived batches to storage.
type ArchiveStore interface {
	// WriteParquet writes parquet bytes to storage.
	WriteParquet(ctx context.Context, ref ArchiveRef, parquetBytes []byte) error

	// WriteManifest writes a manifest file to storage.
	WriteManifest(ctx context.Context, ref ArchiveRef, manifest *Manifest) error

	// Exists checks if a batch archive already exists.
	Exists(ctx context.Context, ref ArchiveRef) (bool, error)

	// List returns all keys with the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)

	// Prefix returns the path prefix applied to every archive.
	Prefix() string

	// URI returns the canonical URI for the given key.
	// For local: file:///path, otherwise the bucket URL joined with the key.
	URI(key string) string

	// Close releases any resources.
	Close() error
}

// StorageConfig configures the storage backend.
type StorageConfig struct {
	Backend string // "local" | "blob"

	// Local filesystem
	LocalDir string // /path/to/dead-letter/

	// Any gocloud bucket: s3://, gs://, file://, mem://
	BucketURL string

	// Common
	Prefix string // "dead-letter/" (path prefix within bucket or local dir)
}

// NewArchiveStore creates a storage backend based on configuration.
func NewArchiveStore(ctx context.Context, cfg StorageConfig) (ArchiveStore, error) {
	switch cfg.Backend {
	case "", "local":
		if cfg.LocalDir == "" {
			return nil, fmt.Errorf("LocalDir required for local backend")
		}
		return NewLocalStore(cfg.LocalDir, cfg.Prefix)
	case "blob":
		if cfg.BucketURL == "" {
			return nil, fmt.Errorf("BucketURL required for blob backend")
		}
		return NewBlobStore(ctx, cfg.BucketURL, cfg.Prefix)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}
