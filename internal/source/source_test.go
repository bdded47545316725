package source

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob"
	"gocloud.dev/blob/memblob"
)

const sample = "{\"id\":\"1\",\"title\":\"a\"}\n{\"id\":\"2\",\"title\":\"b\"}\r\n\n{\"id\":\"3\",\"title\":\"c\"}"

func readAll(t *testing.T, l interface{ ReadLine() ([]byte, error) }) []string {
	t.Helper()
	var out []string
	for {
		line, err := l.ReadLine()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, string(line))
	}
}

func TestLinesStripsTerminators(t *testing.T) {
	l := NewLines(strings.NewReader(sample), 0)
	lines := readAll(t, l)

	assert.Equal(t, []string{
		`{"id":"1","title":"a"}`,
		`{"id":"2","title":"b"}`,
		``,
		`{"id":"3","title":"c"}`,
	}, lines)
	assert.EqualValues(t, 4, l.Count())
}

func TestLinesLongLine(t *testing.T) {
	long := strings.Repeat("x", 200*1024)
	l := NewLines(strings.NewReader(long + "\nshort\n"), 0)
	lines := readAll(t, l)
	require.Len(t, lines, 2)
	assert.Len(t, lines[0], len(long))
	assert.Equal(t, "short", lines[1])
}

func TestLinesRejectsOverlongLine(t *testing.T) {
	tests := []struct {
		name string
		long int
	}{
		{"within buffer", 1000},
		{"spans buffers", 300 * 1024},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			input := "short\n" + strings.Repeat("x", tt.long) + "\nafter\n"
			l := NewLines(strings.NewReader(input), 512)

			line, err := l.ReadLine()
			require.NoError(t, err)
			assert.Equal(t, "short", string(line))

			_, err = l.ReadLine()
			assert.ErrorIs(t, err, ErrLineTooLong)
		})
	}
}

func TestLinesAtLimit(t *testing.T) {
	exact := strings.Repeat("x", 512)
	l := NewLines(strings.NewReader(exact+"\r\n"), 512)

	line, err := l.ReadLine()
	require.NoError(t, err)
	assert.Len(t, line, 512)
}

func TestCompressionFor(t *testing.T) {
	assert.Equal(t, CompressionZstd, CompressionFor("libgen.json.zst"))
	assert.Equal(t, CompressionGzip, CompressionFor("libgen.json.gz"))
	assert.Equal(t, CompressionNone, CompressionFor("libgen.json"))
}

func TestOpenObjectPlainAndCompressed(t *testing.T) {
	ctx := context.Background()
	bucket := memblob.OpenBucket(nil)
	defer bucket.Close()

	require.NoError(t, bucket.WriteAll(ctx, "plain.json", []byte(sample), nil))

	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	require.NoError(t, bucket.WriteAll(ctx, "records.json.zst", enc.EncodeAll([]byte(sample), nil), nil))
	enc.Close()

	var gz bytes.Buffer
	gw := gzip.NewWriter(&gz)
	_, err = gw.Write([]byte(sample))
	require.NoError(t, err)
	require.NoError(t, gw.Close())
	require.NoError(t, bucket.WriteAll(ctx, "records.json.gz", gz.Bytes(), nil))

	for _, key := range []string{"plain.json", "records.json.zst", "records.json.gz"} {
		t.Run(key, func(t *testing.T) {
			s, err := OpenObject(ctx, bucket, key, 0)
			require.NoError(t, err)
			defer s.Close()

			assert.Equal(t, key, s.Key())
			lines := readAll(t, s)
			assert.Len(t, lines, 4)
			assert.Equal(t, `{"id":"3","title":"c"}`, lines[3])
		})
	}
}

func TestOpenObjectNotFound(t *testing.T) {
	bucket := memblob.OpenBucket(nil)
	defer bucket.Close()

	_, err := OpenObject(context.Background(), bucket, "missing.json", 0)
	assert.ErrorIs(t, err, ErrObjectNotFound)
}

func TestOpenByURL(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	bucket, err := blob.OpenBucket(ctx, "file://"+dir)
	require.NoError(t, err)
	require.NoError(t, bucket.WriteAll(ctx, "libgen.json", []byte(sample), nil))
	require.NoError(t, bucket.Close())

	s, err := Open(ctx, Config{BucketURL: "file://" + dir, Key: "libgen.json"})
	require.NoError(t, err)
	assert.Len(t, readAll(t, s), 4)
	require.NoError(t, s.Close())
}

func TestS3BucketURL(t *testing.T) {
	assert.Equal(t, "s3://data", S3BucketURL("data", "", ""))
	assert.Equal(t, "s3://data?region=us-east-1", S3BucketURL("data", "", "us-east-1"))
	assert.Equal(t,
		"s3://data?endpoint=https%3A%2F%2Fminio.local&region=us-east-1&s3ForcePathStyle=true",
		S3BucketURL("data", "https://minio.local", "us-east-1"))
}
