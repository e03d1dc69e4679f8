package alert

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func countingServer(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var called atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv, &called
}

func waitFor(cond func() bool) {
	deadline := time.Now().Add(2 * time.Second)
	for !cond() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
}

func TestDispatchMatchesEventType(t *testing.T) {
	srv, called := countingServer(t)

	d := NewDispatcher([]AlertConfig{
		{URL: srv.URL, Format: "generic", Events: []string{"security_violation"}},
	}, nil)

	d.Dispatch(AlertEvent{Type: "security_violation", Severity: "critical", Tool: "custom_query"})
	waitFor(func() bool { return called.Load() == 1 })

	if called.Load() != 1 {
		t.Errorf("expected 1 call, got %d", called.Load())
	}
}

func TestDispatchMatchesSeverity(t *testing.T) {
	srv, called := countingServer(t)

	d := NewDispatcher([]AlertConfig{
		{URL: srv.URL, Format: "generic", Events: []string{"high"}},
	}, nil)

	d.Dispatch(AlertEvent{Type: "tool_execution", Severity: "high"})
	waitFor(func() bool { return called.Load() == 1 })

	if called.Load() != 1 {
		t.Errorf("expected 1 call for severity match, got %d", called.Load())
	}
}

func TestDispatchSkipsNonMatching(t *testing.T) {
	srv, called := countingServer(t)

	d := NewDispatcher([]AlertConfig{
		{URL: srv.URL, Format: "generic", Events: []string{"security_violation"}},
	}, nil)

	d.Dispatch(AlertEvent{Type: "rate_limit_exceeded", Severity: "medium"})
	time.Sleep(200 * time.Millisecond)

	if called.Load() != 0 {
		t.Errorf("expected 0 calls for non-matching event, got %d", called.Load())
	}
}

func TestDispatchEmptyEventsMatchesAll(t *testing.T) {
	srv1, c1 := countingServer(t)
	srv2, c2 := countingServer(t)

	d := NewDispatcher([]AlertConfig{
		{URL: srv1.URL},
		{URL: srv2.URL, Events: []string{"critical"}},
	}, nil)

	d.Dispatch(AlertEvent{Type: "security_violation", Severity: "critical"})
	waitFor(func() bool { return c1.Load() == 1 && c2.Load() == 1 })

	if c1.Load() != 1 || c2.Load() != 1 {
		t.Errorf("expected both webhooks called, got %d and %d", c1.Load(), c2.Load())
	}
}

func TestRetryOnServerError(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := attempts.Add(1)
		if n < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := Send(AlertConfig{URL: srv.URL, Format: "generic"}, AlertEvent{Type: "security_violation"})
	if err != nil {
		t.Errorf("expected success after retries, got: %v", err)
	}
	if attempts.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts.Load())
	}
}

func TestNoRetryOnClientError(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	err := Send(AlertConfig{URL: srv.URL, Format: "generic"}, AlertEvent{Type: "security_violation"})
	if err == nil {
		t.Error("expected error on 400, got nil")
	}
	if attempts.Load() != 1 {
		t.Errorf("expected 1 attempt (no retry on 4xx), got %d", attempts.Load())
	}
}

func TestSendContextCancelledStopsRetrying(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	if err := SendContext(ctx, AlertConfig{URL: srv.URL}, AlertEvent{}); err == nil {
		t.Error("expected error when context expires")
	}
	if attempts.Load() != 1 {
		t.Errorf("expected a single attempt before cancellation, got %d", attempts.Load())
	}
}

func TestHeadersForwarded(t *testing.T) {
	got := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- r.Header.Get("Authorization")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	cfg := AlertConfig{URL: srv.URL, Headers: map[string]string{"Authorization": "Bearer abc"}}
	if err := Send(cfg, AlertEvent{}); err != nil {
		t.Fatal(err)
	}
	if h := <-got; h != "Bearer abc" {
		t.Errorf("expected Authorization header, got %q", h)
	}
}

func TestFormatGenericJSON(t *testing.T) {
	event := AlertEvent{
		Timestamp:  "2026-01-15T14:00:00.000Z",
		EventID:    "e-123",
		Type:       "security_violation",
		Severity:   "critical",
		Subject:    "alice",
		Tool:       "custom_query",
		Violations: []string{"sql_injection"},
	}

	data, err := FormatPayload("generic", event)
	if err != nil {
		t.Fatal(err)
	}

	var parsed AlertEvent
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("generic format is not valid JSON: %v", err)
	}
	if parsed.EventID != "e-123" {
		t.Errorf("expected event_id e-123, got %s", parsed.EventID)
	}
	if len(parsed.Violations) != 1 || parsed.Violations[0] != "sql_injection" {
		t.Errorf("expected violations to round-trip, got %v", parsed.Violations)
	}
}

func TestFormatSlackBlockKit(t *testing.T) {
	data, err := FormatPayload("slack", AlertEvent{
		Type:       "security_violation",
		Severity:   "high",
		Subject:    "bob",
		Tool:       "processes",
		Violations: []string{"unauthorized_access"},
	})
	if err != nil {
		t.Fatal(err)
	}

	var parsed map[string]any
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("slack format is not valid JSON: %v", err)
	}

	blocks, ok := parsed["blocks"].([]any)
	if !ok || len(blocks) < 2 {
		t.Fatalf("expected at least 2 blocks, got %v", parsed["blocks"])
	}
	header, _ := blocks[0].(map[string]any)
	if header["type"] != "header" {
		t.Errorf("expected header block, got %s", header["type"])
	}
	section, _ := blocks[1].(map[string]any)
	fields, ok := section["fields"].([]any)
	if !ok || len(fields) < 4 {
		t.Errorf("expected at least 4 fields in section, got %v", fields)
	}
}

func TestFormatPagerDutySeverity(t *testing.T) {
	tests := map[string]string{
		"critical": "critical",
		"high":     "error",
		"medium":   "warning",
		"low":      "info",
	}
	for in, want := range tests {
		data, err := FormatPayload("pagerduty", AlertEvent{Severity: in})
		if err != nil {
			t.Fatal(err)
		}
		var parsed map[string]any
		if err := json.Unmarshal(data, &parsed); err != nil {
			t.Fatal(err)
		}
		payload, _ := parsed["payload"].(map[string]any)
		if payload["severity"] != want {
			t.Errorf("%s: expected %s, got %v", in, want, payload["severity"])
		}
		if payload["source"] != "osqgate" {
			t.Errorf("expected source osqgate, got %v", payload["source"])
		}
	}
}

func TestNewDispatcherNilOnEmpty(t *testing.T) {
	if d := NewDispatcher(nil, nil); d != nil {
		t.Error("expected nil dispatcher for empty configs")
	}
	if d := NewDispatcher([]AlertConfig{}, nil); d != nil {
		t.Error("expected nil dispatcher for zero-length configs")
	}
}
