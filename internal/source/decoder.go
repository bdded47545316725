package source

import (
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Compression identifies how an object is encoded, by key suffix.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionZstd Compression = "zstd"
	CompressionGzip Compression = "gzip"
)

// CompressionFor returns the encoding implied by an object key.
func CompressionFor(key string) Compression {
	switch {
	case strings.HasSuffix(key, ".zst"), strings.HasSuffix(key, ".zstd"):
		return CompressionZstd
	case strings.HasSuffix(key, ".gz"):
		return CompressionGzip
	default:
		return CompressionNone
	}
}

// Decompress wraps r with a streaming decoder chosen from key. The returned
// closer, if non-nil, must be closed after reading.
func Decompress(r io.Reader, key string) (io.Reader, io.Closer, error) {
	switch CompressionFor(key) {
	case CompressionZstd:
		dec, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, nil, fmt.Errorf("create zstd decoder: %w", err)
		}
		return dec, zstdCloser{dec}, nil
	case CompressionGzip:
		dec, err := gzip.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("create gzip decoder: %w", err)
		}
		return dec, dec, nil
	default:
		return r, nil, nil
	}
}

// zstdCloser adapts zstd.Decoder, whose Close returns nothing.
type zstdCloser struct {
	dec *zstd.Decoder
}

func (c zstdCloser) Close() error {
	c.dec.Close()
	return nil
}
