// Package mapscraper provides a client for the headless-browser map scraping
// service that turns a free-text query into business listings.
package mapscraper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
)

// Client defines the scraping service operations.
type Client interface {
	// Search runs a scrape for query and returns up to limit listings. A
	// response with Partial set carries whatever was collected before the
	// service hit its own deadline.
	Search(ctx context.Context, query string, limit int) (*SearchResponse, error)
}

// SearchRequest is the body sent to POST /v1/scrape.
type SearchRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

// SearchResponse is the parsed scrape response.
type SearchResponse struct {
	Query     string    `json:"query"`
	Results   []Listing `json:"results"`
	Partial   bool      `json:"partial"`
	ElapsedMs int64     `json:"elapsed_ms"`
}

// Listing is one business card extracted from the map provider.
type Listing struct {
	Name     string   `json:"name"`
	Phone    string   `json:"phone"`
	City     string   `json:"city"`
	Category string   `json:"category"`
	Address  string   `json:"address"`
	Rating   float64  `json:"rating"`
	Images   []string `json:"images"`
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("mapscraper: unexpected status %d: %s", e.StatusCode, e.Body)
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL sets the service base URL.
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithTimeout sets the per-request timeout. Scrapes are slow; keep this in minutes.
func WithTimeout(d time.Duration) Option {
	return func(c *httpClient) {
		c.http.Timeout = d
	}
}

// WithRetry sets how many times a 429/5xx response is attempted and the
// initial backoff between attempts.
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(c *httpClient) {
		c.maxAttempts = attempts
		c.backoff = backoff
	}
}

type httpClient struct {
	apiKey      string
	baseURL     string
	http        *http.Client
	maxAttempts int
	backoff     time.Duration
}

// NewClient creates a scraping service client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: "http://localhost:7070",
		http: &http.Client{
			Timeout: 4 * time.Minute,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		maxAttempts: 2,
		backoff:     time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.maxAttempts < 1 {
		c.maxAttempts = 1
	}
	return c
}

func retryableStatusCode(code int) bool {
	return code == http.StatusTooManyRequests ||
		code == http.StatusInternalServerError ||
		code == http.StatusBadGateway ||
		code == http.StatusServiceUnavailable
}

// retryDo sends body to url, retrying 429/500/502/503 with doubling backoff.
func (c *httpClient) retryDo(ctx context.Context, url string, body []byte) ([]byte, int, error) {
	backoff := c.backoff

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, 0, eris.Wrap(err, "mapscraper: create request")
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			if attempt < c.maxAttempts && ctx.Err() == nil {
				if !sleep(ctx, backoff) {
					return nil, 0, ctx.Err()
				}
				backoff *= 2
				continue
			}
			return nil, 0, lastErr
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, resp.StatusCode, eris.Wrap(readErr, "mapscraper: read response body")
		}

		if retryableStatusCode(resp.StatusCode) && attempt < c.maxAttempts {
			lastErr = &StatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
			if !sleep(ctx, backoff) {
				return nil, 0, ctx.Err()
			}
			backoff *= 2
			continue
		}

		return respBody, resp.StatusCode, nil
	}

	return nil, 0, lastErr
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (c *httpClient) Search(ctx context.Context, query string, limit int) (*SearchResponse, error) {
	if query == "" {
		return nil, eris.New("mapscraper: query is required")
	}
	if limit <= 0 {
		limit = 20
	}

	payload, err := json.Marshal(SearchRequest{Query: query, Limit: limit})
	if err != nil {
		return nil, eris.Wrap(err, "mapscraper: marshal request")
	}

	body, statusCode, err := c.retryDo(ctx, c.baseURL+"/v1/scrape", payload)
	if err != nil {
		return nil, eris.Wrap(err, "mapscraper: request failed")
	}

	if statusCode != http.StatusOK {
		return nil, &StatusError{StatusCode: statusCode, Body: truncate(string(body), 512)}
	}

	var result SearchResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, eris.Wrap(err, "mapscraper: unmarshal response")
	}
	if len(result.Results) > limit {
		result.Results = result.Results[:limit]
	}

	return &result, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
