package rest

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"warfront/client/internal/logging"
)

func drainUntil(t *testing.T, c *Client, done *bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !*done {
		if time.Now().After(deadline) {
			t.Fatalf("completion never fired")
		}
		c.Tick()
		time.Sleep(time.Millisecond)
	}
}

func TestCompletionFiresOnTick(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(RequestIDHeader) == "" {
			t.Errorf("missing request id header")
		}
		if r.Header.Get(logging.TraceIDHeader) == "" {
			t.Errorf("missing trace header")
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	client := NewClient(2, time.Second, logging.NewTestLogger())
	defer client.Close()

	var done bool
	var result Result
	client.Do(Request{
		Method: http.MethodGet,
		URL:    server.URL,
		OnComplete: func(r Result) {
			done = true
			result = r
		},
	})

	drainUntil(t, client, &done)
	if !result.Success || result.StatusCode != http.StatusOK {
		t.Fatalf("unexpected result: %+v", result)
	}
	if string(result.Body) != `{"ok":true}` {
		t.Fatalf("unexpected body: %q", result.Body)
	}
}

func TestFailureStillCompletesExactlyOnce(t *testing.T) {
	client := NewClient(1, 200*time.Millisecond, logging.NewTestLogger())
	defer client.Close()

	var done bool
	completions := 0
	client.Do(Request{
		Method: http.MethodGet,
		URL:    "http://127.0.0.1:1/unreachable",
		OnComplete: func(r Result) {
			completions++
			done = true
			if r.Err == nil {
				t.Errorf("expected transport error")
			}
			if r.Success {
				t.Errorf("failure reported as success")
			}
		},
	})

	drainUntil(t, client, &done)
	client.Tick()
	if completions != 1 {
		t.Fatalf("completion fired %d times", completions)
	}
}

func TestNonSuccessStatusIsNotSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client := NewClient(1, time.Second, logging.NewTestLogger())
	defer client.Close()

	var done bool
	client.Do(Request{
		Method: http.MethodPut,
		URL:    server.URL,
		OnComplete: func(r Result) {
			done = true
			if r.Success {
				t.Errorf("401 reported as success")
			}
			if r.StatusCode != http.StatusUnauthorized {
				t.Errorf("unexpected status: %d", r.StatusCode)
			}
		},
	})
	drainUntil(t, client, &done)
}
