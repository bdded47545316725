package uploader

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/obsrvr-bulk-indexer/internal/document"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		status int
		want   Class
	}{
		{200, ClassOK},
		{201, ClassOK},
		{204, ClassOK},
		{299, ClassOK},
		{500, ClassRetryable},
		{502, ClassRetryable},
		{503, ClassRetryable},
		{599, ClassRetryable},
		{301, ClassFatal},
		{400, ClassFatal},
		{401, ClassFatal},
		{403, ClassFatal},
		{404, ClassFatal},
		{429, ClassFatal},
		{0, ClassFatal},
		{600, ClassFatal},
	}

	for _, tt := range tests {
		t.Run(strconv.Itoa(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.status))
			// Same answer every time.
			assert.Equal(t, Classify(tt.status), Classify(tt.status))
		})
	}
}

func TestClientRequest(t *testing.T) {
	var (
		gotMethod string
		gotPath   string
		gotHeader http.Header
		gotBody   []map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotHeader = r.Header.Clone()
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client, err := NewClient(ClientConfig{BaseURL: srv.URL + "/", IndexID: "books"})
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/index/books/batch", client.Endpoint())

	year := 1999
	docs := []document.Document{
		{ExternalID: "libgen_1", Title: "Book", Year: &year},
		{ExternalID: "libgen_2", Author: "Someone"},
	}
	out := client.Upload(context.Background(), "secret", docs)

	require.NoError(t, out.Err)
	assert.Equal(t, ClassOK, out.Class)
	assert.Equal(t, http.StatusOK, out.Status)

	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "/index/books/batch", gotPath)
	assert.Equal(t, "application/json", gotHeader.Get("Content-Type"))
	assert.Equal(t, "secret", gotHeader.Get("X-Api-Key"))

	require.Len(t, gotBody, 2)
	assert.Equal(t, map[string]any{"__id": "libgen_1", "title": "Book", "year": float64(1999)}, gotBody[0])
	assert.Equal(t, map[string]any{"__id": "libgen_2", "author": "Someone"}, gotBody[1])
}

func TestClientErrorMessage(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		class   Class
		message string
	}{
		{"json message", http.StatusForbidden, `{"message":"invalid api key"}`, ClassFatal, "invalid api key"},
		{"plain text", http.StatusServiceUnavailable, "try later\n", ClassRetryable, "try later"},
		{"empty", http.StatusInternalServerError, "", ClassRetryable, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			client, err := NewClient(ClientConfig{BaseURL: srv.URL, IndexID: "books"})
			require.NoError(t, err)

			out := client.Upload(context.Background(), "k", nil)
			assert.Equal(t, tt.class, out.Class)
			assert.Equal(t, tt.status, out.Status)
			assert.Equal(t, tt.message, out.Message)
			assert.NoError(t, out.Err)
		})
	}
}

func TestClientTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	client, err := NewClient(ClientConfig{BaseURL: url, IndexID: "books"})
	require.NoError(t, err)

	out := client.Upload(context.Background(), "k", nil)
	assert.Equal(t, ClassFatal, out.Class)
	assert.Equal(t, 0, out.Status)
	assert.Error(t, out.Err)
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(ClientConfig{BaseURL: "http://api.example.com", IndexID: ""})
	assert.Error(t, err)

	_, err = NewClient(ClientConfig{BaseURL: "api.example.com", IndexID: "books"})
	assert.Error(t, err)

	_, err = NewClient(ClientConfig{BaseURL: "://bad", IndexID: "books"})
	assert.Error(t, err)
}
