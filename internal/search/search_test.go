package search

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestSearchDropsResultsWithoutURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"results":[{"url":"https://a","title":"A"},{"title":"no url"},{"url":"https://b"}]}`))
	}))
	defer srv.Close()

	p := New(Config{BaseURL: srv.URL, MaxRetries: 1, RetryBase: time.Millisecond, RetryCap: time.Millisecond})
	results, err := p.Search(context.Background(), "q", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Rank != 1 || results[1].Rank != 2 {
		t.Fatalf("expected dense ranks, got %+v", results)
	}
}

func TestSearchRetriesOn503ThenSucceeds(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"results":[{"url":"https://a"}]}`))
	}))
	defer srv.Close()

	p := New(Config{BaseURL: srv.URL, MaxRetries: 3, RetryBase: time.Millisecond, RetryCap: 5 * time.Millisecond})
	results, err := p.Search(context.Background(), "q", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result after retry, got %d", len(results))
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
}

func TestSearchExhaustsRetriesAndReturnsTypedError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := New(Config{BaseURL: srv.URL, MaxRetries: 2, RetryBase: time.Millisecond, RetryCap: 2 * time.Millisecond})
	_, err := p.Search(context.Background(), "q", 10)
	if err == nil {
		t.Fatal("expected error")
	}
	var searchErr *Error
	if !asSearchError(err, &searchErr) {
		t.Fatalf("expected *Error, got %T: %v", err, err)
	}
	if searchErr.Query != "q" {
		t.Fatalf("unexpected query on error: %+v", searchErr)
	}
}

func asSearchError(err error, target **Error) bool {
	se, ok := err.(*Error)
	if ok {
		*target = se
	}
	return ok
}
