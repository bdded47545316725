// Package source streams newline-delimited JSON records out of an object store.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// driver
	_ "gocloud.dev/blob/gcsblob"  // GCS driver
	_ "gocloud.dev/blob/memblob"  // mem:// driver
	_ "gocloud.dev/blob/s3blob"   // S3 driver
	"gocloud.dev/gcerrors"

	"github.com/withObsrvr/obsrvr-bulk-indexer/internal/logging"
)

// ErrObjectNotFound is returned when the configured object does not exist.
var ErrObjectNotFound = errors.New("source object not found")

// Config locates the record object.
type Config struct {
	BucketURL string // s3://bucket?region=..., gs://bucket, file:///dir, mem://
	Key       string

	MaxLineBytes int // 0 means DefaultMaxLineBytes
}

// S3BucketURL builds a gocloud S3 URL. endpoint can be empty for AWS S3, or
// a custom URL for B2/R2/MinIO.
func S3BucketURL(bucketName, endpoint, region string) string {
	bucketURL := fmt.Sprintf("s3://%s", bucketName)

	params := url.Values{}
	if region != "" {
		params.Set("region", region)
	}
	if endpoint != "" {
		params.Set("endpoint", endpoint)
		// custom endpoints usually need path-style addressing
		params.Set("s3ForcePathStyle", "true")
	}
	if len(params) > 0 {
		bucketURL = bucketURL + "?" + params.Encode()
	}
	return bucketURL
}

// Stream is a forward-only line stream over one object.
type Stream struct {
	*Lines

	key     string
	bucket  *blob.Bucket
	owned   bool // bucket was opened by Open and is closed with the stream
	object  io.Closer
	decoder io.Closer
}

// Open opens cfg.BucketURL and starts reading cfg.Key.
func Open(ctx context.Context, cfg Config) (*Stream, error) {
	bucket, err := blob.OpenBucket(ctx, cfg.BucketURL)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", cfg.BucketURL, err)
	}

	s, err := OpenObject(ctx, bucket, cfg.Key, cfg.MaxLineBytes)
	if err != nil {
		bucket.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// OpenObject starts reading key from an already opened bucket.
// Objects ending in .zst or .gz are decompressed on the fly. Lines longer
// than maxLineBytes end the stream with ErrLineTooLong.
func OpenObject(ctx context.Context, bucket *blob.Bucket, key string, maxLineBytes int) (*Stream, error) {
	reader, err := bucket.NewReader(ctx, key, nil)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
		}
		return nil, fmt.Errorf("open object %s: %w", key, err)
	}

	logging.FromContext(ctx).Info("opened source object",
		"component", "source",
		"key", key,
		"size", reader.Size(),
		"content_type", reader.ContentType(),
	)

	body, decoder, err := Decompress(reader, key)
	if err != nil {
		reader.Close()
		return nil, fmt.Errorf("open object %s: %w", key, err)
	}

	return &Stream{
		Lines:   NewLines(body, maxLineBytes),
		key:     key,
		bucket:  bucket,
		object:  reader,
		decoder: decoder,
	}, nil
}

// Key returns the object key being read.
func (s *Stream) Key() string {
	return s.key
}

// Close releases the decoder, the object reader and, when Open created it,
// the bucket.
func (s *Stream) Close() error {
	var errs []error
	if s.decoder != nil {
		errs = append(errs, s.decoder.Close())
	}
	if s.object != nil {
		errs = append(errs, s.object.Close())
	}
	if s.owned && s.bucket != nil {
		errs = append(errs, s.bucket.Close())
	}
	return errors.Join(errs...)
}

func isNotFound(err error) bool {
	return gcerrors.Code(err) == gcerrors.NotFound
}
