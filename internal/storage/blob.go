package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // local directory driver
	_ "gocloud.dev/blob/gcsblob"  // GCS driver
	_ "gocloud.dev/blob/memblob"  // in-memory driver
	_ "gocloud.dev/blob/s3blob"   // S3 driver (also B2, R2, MinIO)
)

// BlobStore writes archives to any gocloud bucket. Objects become visible
// only when their writer closes cleanly, so a failed write leaves nothing
// behind.
type BlobStore struct {
	bucket    *blob.Bucket
	bucketURL string
	prefix    string
}

// NewBlobStore opens the bucket at bucketURL.
func NewBlobStore(ctx context.Context, bucketURL, prefix string) (*BlobStore, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", redactURL(bucketURL), err)
	}
	return NewBlobStoreFromBucket(bucket, bucketURL, prefix), nil
}

// NewBlobStoreFromBucket wraps an open bucket. The store takes ownership of it.
func NewBlobStoreFromBucket(bucket *blob.Bucket, bucketURL, prefix string) *BlobStore {
	return &BlobStore{
		bucket:    bucket,
		bucketURL: bucketURL,
		prefix:    prefix,
	}
}

// WriteParquet writes parquet bytes to the bucket.
func (s *BlobStore) WriteParquet(ctx context.Context, ref ArchiveRef, data []byte) error {
	return s.write(ctx, ref.Path(s.prefix), data, "application/vnd.apache.parquet")
}

// WriteManifest writes a manifest file to the bucket.
func (s *BlobStore) WriteManifest(ctx context.Context, ref ArchiveRef, manifest *Manifest) error {
	data, err := manifest.MarshalJSON()
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	return s.write(ctx, ref.ManifestPath(s.prefix), data, "application/json")
}

func (s *BlobStore) write(ctx context.Context, key string, data []byte, contentType string) error {
	w, err := s.bucket.NewWriter(ctx, key, &blob.WriterOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("create writer for %s: %w", key, err)
	}

	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("write data to %s: %w", key, err)
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("close writer for %s: %w", key, err)
	}

	return nil
}

// Exists checks if a batch archive already exists in the bucket.
func (s *BlobStore) Exists(ctx context.Context, ref ArchiveRef) (bool, error) {
	return s.bucket.Exists(ctx, ref.Path(s.prefix))
}

// List returns all keys with the given prefix.
func (s *BlobStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string

	iter := s.bucket.List(&blob.ListOptions{
		Prefix: prefix,
	})

	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		if obj.IsDir {
			continue
		}
		keys = append(keys, obj.Key)
	}

	return keys, nil
}

// Prefix returns the path prefix applied to every archive.
func (s *BlobStore) Prefix() string {
	return s.prefix
}

// URI returns the canonical URI for the given key.
func (s *BlobStore) URI(key string) string {
	base := s.bucketURL
	if i := strings.IndexByte(base, '?'); i >= 0 {
		base = base[:i]
	}
	return strings.TrimRight(base, "/") + "/" + key
}

// Close releases the bucket connection.
func (s *BlobStore) Close() error {
	if s.bucket != nil {
		return s.bucket.Close()
	}
	return nil
}

// redactURL drops the query string, which may carry endpoint credentials.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	u.RawQuery = ""
	u.User = nil
	return u.String()
}

var _ ArchiveStore = (*BlobStore)(nil)
