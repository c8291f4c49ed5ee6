// Package closeio implements the client for the remote lead store API: a
// paginated search endpoint plus the destructive lead merge operation.
//
// The core tool consumes this API but never implements it; everything here
// is transport. Requests are paced by a rate limiter and retried with
// bounded exponential backoff on transient failures only.
package closeio

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/crmops/leadmerge/internal/types"
)

const (
	// ProductionBaseURL is the default API root.
	ProductionBaseURL = "https://api.close.com/api/v1/"
	// DevelopmentBaseURL targets a local development server instead of
	// production, mirroring the API library's development switch.
	DevelopmentBaseURL = "http://local-api.close.io:5001/api/v1/"

	maxErrorBodyBytes = 2048
)

// leadFields is the field list requested on every lead fetch. date_created
// is included because destination selection tie-breaks on it.
var leadFields = []string{
	"id", "display_name", "name", "status_label", "contacts", "opportunities", "date_created",
}

// RetryConfig bounds the retry behavior for remote calls. Retries apply
// only to transient failures (429, 5xx, network errors); client errors
// surface immediately.
type RetryConfig struct {
	MaxRetries     int           // retries after the first attempt
	InitialBackoff time.Duration // first backoff duration
	MaxBackoff     time.Duration // backoff ceiling
	Multiplier     float64       // backoff growth factor
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
	}
}

// Config holds everything needed to construct a Client.
type Config struct {
	// APIKey authenticates every request (HTTP basic auth, key as username).
	APIKey string
	// BaseURL overrides the API root. Empty means ProductionBaseURL.
	BaseURL string
	// Timeout is the per-request timeout. Zero means 60s.
	Timeout time.Duration
	// RequestsPerSecond paces all outgoing requests. Zero means 4 rps,
	// comfortably inside the store's rate limits for a sequential tool.
	RequestsPerSecond float64
	// Retry bounds transient-failure retries. Zero value means
	// DefaultRetryConfig.
	Retry RetryConfig
	// Log receives request-level debug logging. Nil means slog.Default().
	Log *slog.Logger
}

// Client is the remote lead store client. Construct one per run and pass it
// by reference into every component; there is no package-level instance.
type Client struct {
	httpClient *http.Client
	baseURL    *url.URL
	apiKey     string
	limiter    *rate.Limiter
	retry      RetryConfig
	log        *slog.Logger
}

// New creates a lead store client from the given configuration.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api key is required")
	}
	base := cfg.BaseURL
	if base == "" {
		base = ProductionBaseURL
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", base, err)
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 4
	}
	retry := cfg.Retry
	if retry == (RetryConfig{}) {
		retry = DefaultRetryConfig()
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    u,
		apiKey:     cfg.APIKey,
		limiter:    rate.NewLimiter(rate.Limit(rps), 1),
		retry:      retry,
		log:        log,
	}, nil
}

// SearchResponse is one page of lead search results.
type SearchResponse struct {
	Data         []types.Lead `json:"data"`
	TotalResults int          `json:"total_results"`
	HasMore      bool         `json:"has_more"`
}

// MergeResponse is the store's response to a merge request, kept verbatim
// for reporting and the journal.
type MergeResponse struct {
	Raw json.RawMessage
}

func (r *MergeResponse) String() string {
	if r == nil || len(r.Raw) == 0 {
		return ""
	}
	return string(r.Raw)
}

// APIError is a non-2xx response from the store. It carries enough context
// (operation and body) for the operator to retry manually.
type APIError struct {
	StatusCode int
	Method     string
	Path       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s: store returned %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// Retriable reports whether the failure is transient: rate limiting or a
// server-side error. 4xx client errors are permanent.
func (e *APIError) Retriable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Search queries the store for leads matching the given query string,
// starting at the given skip offset. fields limits the returned lead
// attributes; nil requests the standard lead field set.
func (c *Client) Search(ctx context.Context, query string, skip int, fields []string) (*SearchResponse, error) {
	if fields == nil {
		fields = leadFields
	}
	params := url.Values{}
	params.Set("query", query)
	params.Set("_skip", strconv.Itoa(skip))
	params.Set("_fields", strings.Join(fields, ","))

	var resp SearchResponse
	if err := c.do(ctx, http.MethodGet, "lead/", params, nil, &resp); err != nil {
		return nil, fmt.Errorf("lead search (skip=%d): %w", skip, err)
	}
	return &resp, nil
}

// MergeLeads merges the source lead into the destination lead. Destructive:
// the source lead ceases to exist on success.
func (c *Client) MergeLeads(ctx context.Context, sourceID, destinationID string) (*MergeResponse, error) {
	body := map[string]string{
		"source":      sourceID,
		"destination": destinationID,
	}
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodPost, "lead/merge/", nil, body, &raw); err != nil {
		return nil, fmt.Errorf("merge %s into %s: %w", sourceID, destinationID, err)
	}
	return &MergeResponse{Raw: raw}, nil
}

// do executes one API call with rate limiting and bounded retries, decoding
// a 2xx JSON response into out.
func (c *Client) do(ctx context.Context, method, path string, params url.Values, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
	}

	backoff := c.retry.InitialBackoff
	var lastErr error

	for attempt := 0; attempt <= c.retry.MaxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}

		err := c.doOnce(ctx, method, path, params, payload, out)
		if err == nil {
			if attempt > 0 {
				c.log.Debug("request succeeded after retry", "method", method, "path", path, "attempt", attempt)
			}
			return nil
		}
		lastErr = err

		if !isRetriable(err) {
			return err
		}
		if attempt == c.retry.MaxRetries {
			break
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%s %s: %w", method, path, ctx.Err())
		}

		c.log.Debug("transient failure, backing off",
			"method", method, "path", path,
			"attempt", attempt+1, "backoff", backoff, "error", err)

		select {
		case <-time.After(backoff):
			backoff = time.Duration(float64(backoff) * c.retry.Multiplier)
			if backoff > c.retry.MaxBackoff {
				backoff = c.retry.MaxBackoff
			}
		case <-ctx.Done():
			return fmt.Errorf("%s %s: %w", method, path, ctx.Err())
		}
	}

	return fmt.Errorf("%s %s failed after %d attempts: %w", method, path, c.retry.MaxRetries+1, lastErr)
}

func (c *Client) doOnce(ctx context.Context, method, path string, params url.Values, payload []byte, out any) error {
	u := c.baseURL.JoinPath(path)
	if params != nil {
		u.RawQuery = params.Encode()
	}

	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.SetBasicAuth(c.apiKey, "")
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return &APIError{
			StatusCode: resp.StatusCode,
			Method:     method,
			Path:       path,
			Body:       strings.TrimSpace(string(snippet)),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decoding response: %w", method, path, err)
	}
	return nil
}

// isRetriable classifies an error as transient. API errors answer for
// themselves; anything else that reached the network layer (connection
// reset, timeout) is worth retrying.
func isRetriable(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retriable()
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
