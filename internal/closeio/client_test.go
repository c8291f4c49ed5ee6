package closeio

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestClient points a client at the given test server with retries tuned
// for fast tests.
func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c, err := New(Config{
		APIKey:            "api_test_key",
		BaseURL:           srv.URL + "/api/v1/",
		RequestsPerSecond: 1000,
		Retry: RetryConfig{
			MaxRetries:     2,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
			Multiplier:     2.0,
		},
	})
	require.NoError(t, err)
	return c
}

func TestNewRequiresAPIKey(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api key")
}

func TestSearch(t *testing.T) {
	var gotPath, gotQuery, gotSkip, gotFields, gotUser string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.Query().Get("query")
		gotSkip = r.URL.Query().Get("_skip")
		gotFields = r.URL.Query().Get("_fields")
		gotUser, _, _ = r.BasicAuth()
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"data": [
				{"id": "lead_1", "display_name": "Acme", "name": "Acme Inc",
				 "date_created": "2020-01-01T00:00:00+00:00"}
			],
			"total_results": 1,
			"has_more": false
		}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	resp, err := c.Search(context.Background(), "sort:date_created", 50, nil)
	require.NoError(t, err)

	assert.Equal(t, "/api/v1/lead/", gotPath)
	assert.Equal(t, "sort:date_created", gotQuery)
	assert.Equal(t, "50", gotSkip)
	assert.Contains(t, gotFields, "opportunities")
	assert.Contains(t, gotFields, "date_created")
	assert.Equal(t, "api_test_key", gotUser, "API key travels as the basic auth username")

	require.Len(t, resp.Data, 1)
	assert.Equal(t, "lead_1", resp.Data[0].ID)
	assert.Equal(t, "Acme Inc", resp.Data[0].Name)
	assert.Equal(t, 2020, resp.Data[0].DateCreated.Year())
	assert.Equal(t, 1, resp.TotalResults)
	assert.False(t, resp.HasMore)
}

func TestMergeLeads(t *testing.T) {
	var gotMethod, gotPath string
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Write([]byte(`{"id": "lead_dst", "status": "merged"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	resp, err := c.MergeLeads(context.Background(), "lead_src", "lead_dst")
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "/api/v1/lead/merge/", gotPath)
	assert.Equal(t, "lead_src", gotBody["source"])
	assert.Equal(t, "lead_dst", gotBody["destination"])
	assert.Contains(t, resp.String(), "merged")
}

func TestRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"data": [], "total_results": 0, "has_more": false}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.Search(context.Background(), "sort:date_created", 0, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load(), "two 503s then success")
}

func TestDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error": "query too long"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.Search(context.Background(), "email in (...)", 0, nil)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load(), "400s are permanent, no retries")

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Contains(t, apiErr.Body, "query too long")
	assert.False(t, apiErr.Retriable())
}

func TestRetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.MergeLeads(context.Background(), "lead_a", "lead_b")
	require.Error(t, err)
	assert.Equal(t, int32(3), calls.Load(), "initial attempt plus two retries")
	assert.Contains(t, err.Error(), "failed after 3 attempts")
	assert.Contains(t, err.Error(), "lead_a", "merge failures must name the leads involved")
}

func TestAPIErrorRetriable(t *testing.T) {
	tests := []struct {
		status    int
		retriable bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusInternalServerError, true},
		{http.StatusBadGateway, true},
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, false},
		{http.StatusNotFound, false},
	}
	for _, tt := range tests {
		e := &APIError{StatusCode: tt.status}
		assert.Equal(t, tt.retriable, e.Retriable(), "status %d", tt.status)
	}
}
