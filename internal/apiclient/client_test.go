package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/loomworks/weft/internal/retry"
)

func TestExecuteSuccessFirstAttempt(t *testing.T) {
	var gotAuth, gotCT string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotCT = r.Header.Get("Content-Type")
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		_ = json.NewEncoder(w).Encode(map[string]any{"echo": body["k"]})
	}))
	defer srv.Close()

	c := New(nil)
	resp, err := c.ExecuteWithRetry(context.Background(), "POST", srv.URL,
		map[string]any{"k": "v"},
		RequestOptions{Auth: &Auth{Type: "bearer", Token: "tk"}})
	if err != nil {
		t.Fatalf("ExecuteWithRetry: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("status: got %d want 200", resp.StatusCode)
	}
	if gotAuth != "Bearer tk" {
		t.Fatalf("auth header: got %q", gotAuth)
	}
	if gotCT != "application/json" {
		t.Fatalf("content type: got %q", gotCT)
	}
	body, err := resp.JSON()
	if err != nil {
		t.Fatalf("JSON: %v", err)
	}
	if m, ok := body.(map[string]any); !ok || m["echo"] != "v" {
		t.Fatalf("body: got %v", body)
	}
}

func TestRetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(nil)
	policy := retry.Policy{MaxAttempts: 3, InitialDelayMS: 1, MaxDelayMS: 5, Strategy: retry.StrategyConstant}
	resp, err := c.ExecuteWithRetry(context.Background(), "GET", srv.URL, nil, RequestOptions{Policy: policy})
	if err != nil {
		t.Fatalf("ExecuteWithRetry: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("status: got %d want 200", resp.StatusCode)
	}
	if calls.Load() != 3 {
		t.Fatalf("calls: got %d want 3", calls.Load())
	}
}

func TestExhaustedAttemptsReturnStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(nil)
	policy := retry.Policy{MaxAttempts: 2, InitialDelayMS: 1, MaxDelayMS: 2, Strategy: retry.StrategyConstant}
	_, err := c.ExecuteWithRetry(context.Background(), "GET", srv.URL, nil, RequestOptions{Policy: policy})
	if err == nil {
		t.Fatalf("expected failure")
	}
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("error type: got %T want *StatusError", err)
	}
	if se.StatusCode != http.StatusBadGateway {
		t.Fatalf("status: got %d want 502", se.StatusCode)
	}
}

func TestExpectedStatusCodesWiden(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(nil)
	resp, err := c.ExecuteWithRetry(context.Background(), "GET", srv.URL, nil,
		RequestOptions{ExpectedStatusCodes: []int{200, 404}})
	if err != nil {
		t.Fatalf("404 was declared expected: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status: got %d want 404", resp.StatusCode)
	}
}

func TestBasicAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "u" || pass != "p" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(nil)
	resp, err := c.ExecuteWithRetry(context.Background(), "GET", srv.URL, nil,
		RequestOptions{Auth: &Auth{Type: "basic", User: "u", Pass: "p"}})
	if err != nil {
		t.Fatalf("ExecuteWithRetry: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("status: got %d want 200", resp.StatusCode)
	}
}

func TestContextCancellationStopsRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := New(nil)
	policy := retry.Policy{MaxAttempts: 5, InitialDelayMS: 50, MaxDelayMS: 100, Strategy: retry.StrategyConstant}
	_, err := c.ExecuteWithRetry(ctx, "GET", srv.URL, nil, RequestOptions{Policy: policy})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v want context.Canceled", err)
	}
}

func TestStringBodyPassesThrough(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b := make([]byte, 64)
		n, _ := r.Body.Read(b)
		got = string(b[:n])
	}))
	defer srv.Close()

	c := New(nil)
	if _, err := c.ExecuteWithRetry(context.Background(), "POST", srv.URL, "plain text", RequestOptions{}); err != nil {
		t.Fatalf("ExecuteWithRetry: %v", err)
	}
	if got != "plain text" {
		t.Fatalf("body: got %q", got)
	}
}
