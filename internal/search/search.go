// Package search wraps a web-search HTTP endpoint with retry/backoff
// over transient failures and a typed, attempt-aware error for
// terminal ones.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Result is one ranked search hit.
type Result struct {
	Rank    int    `json:"rank"`
	URL     string `json:"url"`
	Title   string `json:"title,omitempty"`
	Snippet string `json:"snippet,omitempty"`
	Source  string `json:"source,omitempty"`
}

// Provider is a ranked web-search source.
type Provider interface {
	Search(ctx context.Context, query string, maxResults int) ([]Result, error)
}

// Error is the typed error raised after retry exhaustion or a terminal
// upstream failure.
type Error struct {
	Query      string
	Attempts   int
	LastStatus int
	Elapsed    time.Duration
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("search: query %q failed after %d attempts (last status %d, %s): %v",
		e.Query, e.Attempts, e.LastStatus, e.Elapsed, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Config configures the HTTP search client.
type Config struct {
	APIKey     string
	BaseURL    string
	MaxRetries int
	RetryBase  time.Duration
	RetryCap   time.Duration
	HTTPClient *http.Client
}

type httpProvider struct {
	cfg Config
}

// New creates a Provider backed by a Tavily-shaped JSON search API:
// POST {query, max_results} -> {results: [{url, title?, content?}...]}.
// No third-party Go SDK for this shape appears anywhere in the
// reference pack, so this is the one stdlib-over-library component —
// see DESIGN.md.
func New(cfg Config) Provider {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBase == 0 {
		cfg.RetryBase = 750 * time.Millisecond
	}
	if cfg.RetryCap == 0 {
		cfg.RetryCap = 8 * time.Second
	}
	return &httpProvider{cfg: cfg}
}

type apiRequest struct {
	Query      string `json:"query"`
	MaxResults int    `json:"max_results"`
}

type apiResult struct {
	URL     string `json:"url"`
	Title   string `json:"title"`
	Content string `json:"content"`
}

type apiResponse struct {
	Results []apiResult `json:"results"`
}

func (p *httpProvider) Search(ctx context.Context, query string, maxResults int) ([]Result, error) {
	start := time.Now()
	attempts := 0
	lastStatus := 0

	bo := &exponentialWithCap{base: p.cfg.RetryBase, cap: p.cfg.RetryCap}

	operation := func() ([]Result, error) {
		attempts++
		results, status, retryAfter, err := p.doRequest(ctx, query, maxResults)
		lastStatus = status
		if err == nil {
			return results, nil
		}
		if !isRetryable(status, err) {
			return nil, backoff.Permanent(err)
		}
		// A server-supplied Retry-After hint wins over the exponential
		// schedule for the next wait, per §4.3.
		bo.override = retryAfter
		return nil, err
	}

	results, err := backoff.Retry(ctx, operation,
		backoff.WithMaxTries(uint(p.cfg.MaxRetries+1)),
		backoff.WithBackOff(bo),
	)
	if err != nil {
		return nil, &Error{
			Query:      query,
			Attempts:   attempts,
			LastStatus: lastStatus,
			Elapsed:    time.Since(start),
			Err:        err,
		}
	}
	return results, nil
}

func (p *httpProvider) doRequest(ctx context.Context, query string, maxResults int) ([]Result, int, time.Duration, error) {
	body, err := json.Marshal(apiRequest{Query: query, MaxResults: maxResults})
	if err != nil {
		return nil, 0, 0, fmt.Errorf("search: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL, bytes.NewReader(body))
	if err != nil {
		return nil, 0, 0, fmt.Errorf("search: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	resp, err := p.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("search: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		data, _ := io.ReadAll(resp.Body)
		return nil, resp.StatusCode, retryAfter, fmt.Errorf("search: status %d: %s", resp.StatusCode, string(data))
	}

	var parsed apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, resp.StatusCode, 0, fmt.Errorf("search: decoding response: %w", err)
	}

	out := make([]Result, 0, len(parsed.Results))
	rank := 0
	for _, r := range parsed.Results {
		if r.URL == "" {
			continue
		}
		rank++
		out = append(out, Result{Rank: rank, URL: r.URL, Title: r.Title, Snippet: r.Content})
	}
	return out, resp.StatusCode, 0, nil
}

func isRetryable(status int, err error) bool {
	if status == http.StatusTooManyRequests || status == 500 || status == 502 || status == 503 || status == 504 {
		return true
	}
	if status == 0 && err != nil {
		return true // network error / timeout, no response at all
	}
	return false
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		return time.Until(t)
	}
	return 0
}

// exponentialWithCap implements backoff.BackOff with
// min(cap, base*2^attempt) spacing, per spec §4.3. When the caller has
// stashed a server-supplied Retry-After hint in override, that value
// wins outright for the next wait instead of the exponential schedule.
type exponentialWithCap struct {
	base     time.Duration
	cap      time.Duration
	attempt  int
	override time.Duration
}

func (e *exponentialWithCap) NextBackOff() time.Duration {
	if e.override > 0 {
		d := e.override
		e.override = 0
		e.attempt++
		return d
	}

	d := e.base << e.attempt
	e.attempt++
	if d > e.cap || d <= 0 {
		d = e.cap
	}
	return d
}

// Reset restarts the exponential schedule and clears any pending
// Retry-After override.
func (e *exponentialWithCap) Reset() {
	e.attempt = 0
	e.override = 0
}
