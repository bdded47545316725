package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob"
	"gocloud.dev/blob/memblob"

	"github.com/withObsrvr/obsrvr-bulk-indexer/internal/config"
	"github.com/withObsrvr/obsrvr-bulk-indexer/internal/credential"
	"github.com/withObsrvr/obsrvr-bulk-indexer/internal/deadletter"
	"github.com/withObsrvr/obsrvr-bulk-indexer/internal/document"
	"github.com/withObsrvr/obsrvr-bulk-indexer/internal/producer"
	"github.com/withObsrvr/obsrvr-bulk-indexer/internal/source"
	"github.com/withObsrvr/obsrvr-bulk-indexer/internal/storage"
	"github.com/withObsrvr/obsrvr-bulk-indexer/internal/uploader"
)

// apiServer records batch requests and answers with status.
type apiServer struct {
	*httptest.Server

	mu       sync.Mutex
	batches  [][]map[string]any
	apiKeys  []string
	statuses []int
	calls    atomic.Int32
}

func newAPIServer(t *testing.T, statuses ...int) *apiServer {
	t.Helper()
	if len(statuses) == 0 {
		statuses = []int{http.StatusOK}
	}
	api := &apiServer{statuses: statuses}
	api.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(api.calls.Add(1)) - 1
		if n >= len(api.statuses) {
			n = len(api.statuses) - 1
		}

		body, _ := io.ReadAll(r.Body)
		var docs []map[string]any
		json.Unmarshal(body, &docs)

		api.mu.Lock()
		api.batches = append(api.batches, docs)
		api.apiKeys = append(api.apiKeys, r.Header.Get(uploader.APIKeyHeader))
		api.mu.Unlock()

		status := api.statuses[n]
		w.WriteHeader(status)
		if status >= 300 {
			io.WriteString(w, `{"message":"rejected by test"}`)
		}
	}))
	t.Cleanup(api.Close)
	return api
}

func memBucket(t *testing.T, key string, lines ...string) *blob.Bucket {
	t.Helper()
	bucket := memblob.OpenBucket(nil)
	t.Cleanup(func() { bucket.Close() })
	require.NoError(t, bucket.WriteAll(context.Background(), key, []byte(strings.Join(lines, "\n")+"\n"), nil))
	return bucket
}

func testConfig(api *apiServer) config.Config {
	cfg := config.Default()
	cfg.Source.BucketURL = "mem://"
	cfg.Source.Key = "libgen.json"
	cfg.Target.BaseURL = api.URL
	cfg.Target.IndexID = "books"
	cfg.Credential.ID = "constant://?val=test-key&decoder=string"
	cfg.Pipeline.Workers = 2
	cfg.Pipeline.BatchSize = 2
	cfg.Pipeline.Backoff = time.Millisecond
	return cfg
}

func testBatch(seq int64, size int) producer.Batch {
	docs := make([]document.Document, size)
	for i := range docs {
		docs[i] = document.Document{ExternalID: "libgen_" + strconv.Itoa(i), Title: "t"}
	}
	return producer.Batch{Seq: seq, Documents: docs}
}

// countingProvider counts Token calls.
type countingProvider struct {
	token string
	err   error
	calls atomic.Int32
}

func (p *countingProvider) Token(context.Context) (string, error) {
	p.calls.Add(1)
	return p.token, p.err
}

func TestRunDeliversAllBatches(t *testing.T) {
	api := newAPIServer(t)
	bucket := memBucket(t, "libgen.json",
		`{"id":"1","title":"One","descr":"first"}`,
		`{"id":"2","title":"Two","year":"2001"}`,
		`{"id":"3","title":"Three"}`,
	)

	ix, err := New(testConfig(api), Deps{Bucket: bucket})
	require.NoError(t, err)

	summary, err := ix.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(2), summary.Produced)
	assert.Equal(t, int64(2), summary.Delivered)
	assert.Equal(t, int64(3), summary.Documents)
	assert.Equal(t, int64(2), summary.Attempts)
	assert.Equal(t, ix.RunID(), summary.RunID)
	assert.Equal(t, "mem://libgen.json", summary.Source)

	assert.Equal(t, int32(2), api.calls.Load())
	for _, key := range api.apiKeys {
		assert.Equal(t, "test-key", key)
	}

	var ids []string
	for _, batch := range api.batches {
		assert.LessOrEqual(t, len(batch), 2)
		for _, doc := range batch {
			ids = append(ids, doc["__id"].(string))
		}
	}
	assert.ElementsMatch(t, []string{"libgen_1", "libgen_2", "libgen_3"}, ids)
}

func TestRunFetchesCredentialOnce(t *testing.T) {
	api := newAPIServer(t)
	lines := make([]string, 20)
	for i := range lines {
		lines[i] = `{"id":"` + string(rune('a'+i)) + `","title":"t"}`
	}
	bucket := memBucket(t, "libgen.json", lines...)

	provider := &countingProvider{token: "once"}
	cfg := testConfig(api)
	cfg.Pipeline.Workers = 4

	ix, err := New(cfg, Deps{Bucket: bucket, Credential: provider})
	require.NoError(t, err)

	summary, err := ix.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(10), summary.Delivered)
	assert.Equal(t, int32(1), provider.calls.Load())
}

func TestRunCredentialFailureStopsBeforeWork(t *testing.T) {
	api := newAPIServer(t)
	provider := &countingProvider{err: errors.New("access denied")}

	// No bucket and an unreachable source URL: the source must never be opened.
	cfg := testConfig(api)
	cfg.Source.BucketURL = "s3://never-opened?region=us-east-1"

	ix, err := New(cfg, Deps{Credential: provider})
	require.NoError(t, err)

	_, err = ix.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, credential.ErrCredential)
	assert.Equal(t, int32(0), api.calls.Load())
}

func TestRunCredentialFromConfig(t *testing.T) {
	api := newAPIServer(t)
	bucket := memBucket(t, "libgen.json", `{"id":"1","title":"One"}`)

	cfg := testConfig(api)
	cfg.Credential.ID = "env://INDEXER_TEST_MISSING_KEY"

	ix, err := New(cfg, Deps{Bucket: bucket})
	require.NoError(t, err)

	_, err = ix.Run(context.Background())
	assert.ErrorIs(t, err, credential.ErrCredential)
	assert.Equal(t, int32(0), api.calls.Load())
}

func TestRunRetriesThenDelivers(t *testing.T) {
	api := newAPIServer(t, http.StatusServiceUnavailable, http.StatusServiceUnavailable, http.StatusOK)
	bucket := memBucket(t, "libgen.json", `{"id":"1","title":"One"}`)

	cfg := testConfig(api)
	cfg.Pipeline.Workers = 1

	ix, err := New(cfg, Deps{Bucket: bucket})
	require.NoError(t, err)

	summary, err := ix.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.Delivered)
	assert.Equal(t, int64(3), summary.Attempts)
	assert.Equal(t, int64(2), summary.Retries)
}

func TestRunFatalStatusAbortsAndArchives(t *testing.T) {
	api := newAPIServer(t, http.StatusForbidden)
	bucket := memBucket(t, "libgen.json",
		`{"id":"1","title":"One"}`,
		`{"id":"2","title":"Two"}`,
		`{"id":"3","title":"Three"}`,
	)

	archive := memblob.OpenBucket(nil)
	store := storage.NewBlobStoreFromBucket(archive, "mem://", "dead-letter/")
	defer store.Close()

	cfg := testConfig(api)
	cfg.Pipeline.Workers = 1
	cfg.DeadLetter.Enabled = true
	cfg.DeadLetter.Backend = "blob"
	cfg.DeadLetter.BucketURL = "mem://"

	ix, err := New(cfg, Deps{Bucket: bucket, ArchiveStore: store})
	require.NoError(t, err)

	summary, err := ix.Run(context.Background())
	require.Error(t, err)

	var fe *uploader.FatalError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, http.StatusForbidden, fe.Status)
	assert.Equal(t, "rejected by test", fe.Message)
	assert.Equal(t, 1, fe.Attempts)

	assert.Equal(t, int32(1), api.calls.Load())
	assert.Equal(t, int64(1), summary.Failed)
	assert.Equal(t, int64(0), summary.Delivered)
	assert.Equal(t, 1, summary.DeadLetters)

	ref := storage.ArchiveRef{RunID: ix.RunID(), Batch: fe.Batch}
	data, err := archive.ReadAll(context.Background(), ref.Path("dead-letter/"))
	require.NoError(t, err)
	docs, err := deadletter.Decode(data)
	require.NoError(t, err)
	assert.Len(t, docs, 2)
}

func TestRunAttemptCeilingAborts(t *testing.T) {
	api := newAPIServer(t, http.StatusInternalServerError)
	bucket := memBucket(t, "libgen.json", `{"id":"1","title":"One"}`)

	cfg := testConfig(api)
	cfg.Pipeline.Workers = 1
	cfg.Pipeline.MaxAttempts = 3

	ix, err := New(cfg, Deps{Bucket: bucket})
	require.NoError(t, err)

	_, err = ix.Run(context.Background())
	assert.ErrorIs(t, err, uploader.ErrAttemptsExhausted)
	assert.Equal(t, int32(3), api.calls.Load())
}

func TestRunMissingSourceObject(t *testing.T) {
	api := newAPIServer(t)
	bucket := memBucket(t, "other.json", `{"id":"1","title":"One"}`)

	ix, err := New(testConfig(api), Deps{Bucket: bucket})
	require.NoError(t, err)

	_, err = ix.Run(context.Background())
	assert.ErrorIs(t, err, ErrSource)
	assert.ErrorIs(t, err, source.ErrObjectNotFound)
	assert.Equal(t, int32(0), api.calls.Load())
}

// panicTransport fails every request by panicking.
type panicTransport struct{}

func (panicTransport) RoundTrip(*http.Request) (*http.Response, error) {
	panic("transport bug")
}

func TestRunWorkerFailureIsNotSourceError(t *testing.T) {
	api := newAPIServer(t)
	bucket := memBucket(t, "libgen.json", `{"id":"1","title":"One"}`)

	cfg := testConfig(api)
	cfg.Pipeline.Workers = 1

	ix, err := New(cfg, Deps{Bucket: bucket, HTTPClient: &http.Client{Transport: panicTransport{}}})
	require.NoError(t, err)

	_, err = ix.Run(context.Background())
	require.Error(t, err)
	assert.ErrorContains(t, err, "transport bug")
	assert.NotErrorIs(t, err, ErrSource)
}

func TestRunSkipsAndTruncation(t *testing.T) {
	api := newAPIServer(t)
	bucket := memBucket(t, "libgen.json",
		`{"id":"1","title":"One"}`,
		``,
		`{"id":"2"}`,
		`{"id":"1","title":"One again"}`,
		`{"id":"3","title":"Three"}`,
		`{"id":"4","title":"Fo`,
		`{"id":"5","title":"Five"}`,
	)

	ix, err := New(testConfig(api), Deps{Bucket: bucket})
	require.NoError(t, err)

	summary, err := ix.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), summary.Documents)
	assert.Equal(t, int64(1), summary.ContentSkipped)
	assert.Equal(t, int64(1), summary.Duplicates)
	assert.Equal(t, int64(1), summary.BlankLines)
	assert.True(t, summary.Truncated)
}

func TestRunBatchCeiling(t *testing.T) {
	api := newAPIServer(t)
	lines := make([]string, 10)
	for i := range lines {
		lines[i] = `{"id":"` + string(rune('a'+i)) + `","title":"t"}`
	}
	bucket := memBucket(t, "libgen.json", lines...)

	cfg := testConfig(api)
	cfg.Pipeline.MaxBatchCount = 3

	ix, err := New(cfg, Deps{Bucket: bucket})
	require.NoError(t, err)

	summary, err := ix.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), summary.Delivered)
	assert.Equal(t, int64(6), summary.Documents)
	assert.True(t, summary.CeilingReached)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	_, err := New(cfg, Deps{})
	assert.Error(t, err)
}

func TestSummaryRate(t *testing.T) {
	s := Summary{Documents: 100, Duration: 2 * time.Second}
	assert.InDelta(t, 50.0, s.Rate(), 0.001)
	assert.Zero(t, Summary{}.Rate())
}

func TestStateTracksInFlight(t *testing.T) {
	state := NewState()
	b := testBatch(4, 3)

	state.BatchStarted(1, b)
	state.AttemptFinished(1, b, 1, uploader.Outcome{Class: uploader.ClassRetryable})
	state.BackingOff(1, b, 1, time.Second)
	state.AttemptFinished(1, b, 2, uploader.Outcome{Class: uploader.ClassRetryable})

	snap := state.Snapshot()
	assert.Equal(t, map[int64]int{4: 2}, snap.InFlight)
	assert.Equal(t, int64(2), snap.Attempts)
	assert.Equal(t, int64(1), snap.Retries)

	state.BatchDelivered(1, b, 2)
	snap = state.Snapshot()
	assert.Empty(t, snap.InFlight)
	assert.Equal(t, int64(1), snap.Delivered)
	assert.Equal(t, int64(3), snap.Documents)
}
