// Package uploader delivers document batches to the indexing API.
package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/withObsrvr/obsrvr-bulk-indexer/internal/document"
)

// APIKeyHeader carries the credential on every request.
const APIKeyHeader = "X-Api-Key"

// maxErrorBody bounds how much of an error response is read.
const maxErrorBody = 64 << 10

// ClientConfig configures a Client.
type ClientConfig struct {
	BaseURL    string
	IndexID    string
	Timeout    time.Duration // ignored when HTTPClient is set
	HTTPClient *http.Client
}

// Client posts batches to {BaseURL}/index/{IndexID}/batch.
type Client struct {
	endpoint string
	client   *http.Client
}

// NewClient creates a client for one index.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.IndexID == "" {
		return nil, fmt.Errorf("index id is required")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("base url %q must be absolute", cfg.BaseURL)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	endpoint := strings.TrimRight(cfg.BaseURL, "/") + "/index/" + url.PathEscape(cfg.IndexID) + "/batch"

	return &Client{endpoint: endpoint, client: httpClient}, nil
}

// Endpoint returns the batch URL.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// Upload sends docs as a JSON array. It never retries; the Outcome says
// whether the caller should.
func (c *Client) Upload(ctx context.Context, token string, docs []document.Document) Outcome {
	start := time.Now()
	out := c.upload(ctx, token, docs)
	out.Duration = time.Since(start)
	return out
}

func (c *Client) upload(ctx context.Context, token string, docs []document.Document) Outcome {
	if docs == nil {
		docs = []document.Document{}
	}
	body, err := json.Marshal(docs)
	if err != nil {
		return Outcome{Class: ClassFatal, Err: fmt.Errorf("marshal batch: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return Outcome{Class: ClassFatal, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(APIKeyHeader, token)

	resp, err := c.client.Do(req)
	if err != nil {
		return Outcome{Class: ClassFatal, Err: fmt.Errorf("http request: %w", err)}
	}
	defer resp.Body.Close()

	out := Outcome{Class: Classify(resp.StatusCode), Status: resp.StatusCode}
	if out.Class == ClassOK {
		io.Copy(io.Discard, resp.Body)
		return out
	}

	// Read error body
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	out.Message = errorMessage(respBody)
	return out
}

// errorMessage extracts {"message": "..."} from an error body, falling back
// to the raw text.
func errorMessage(body []byte) string {
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Message != "" {
		return payload.Message
	}
	return strings.TrimSpace(string(body))
}
