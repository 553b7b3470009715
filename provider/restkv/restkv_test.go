package restkv

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc) *Provider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return New(Config{BaseURL: srv.URL, BearerToken: "tok"})
}

func readCommand(r *http.Request) []string {
	data, _ := io.ReadAll(r.Body)
	var cmd []string
	json.Unmarshal(data, &cmd)
	return cmd
}

func TestGetNotFound(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"result": nil})
	})

	v, err := p.Get(context.Background(), "missing", "")
	if v != nil || err != nil {
		t.Fatalf("expected (nil, nil), got (%v, %v)", v, err)
	}
}

func TestGetRawString(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("unexpected auth header: %q", got)
		}
		json.NewEncoder(w).Encode(map[string]any{"result": "hello"})
	})

	v, err := p.Get(context.Background(), "k1", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "hello" {
		t.Fatalf("expected hello, got %v", v)
	}
}

func TestSetSendsCorrectCommand(t *testing.T) {
	var sawCmd []string
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		sawCmd = readCommand(r)
		json.NewEncoder(w).Encode(map[string]any{"result": "OK"})
	})

	if err := p.Set(context.Background(), "k1", "v1", time.Minute); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sawCmd) < 2 || sawCmd[0] != "SET" || sawCmd[1] != "k1" {
		t.Fatalf("unexpected command: %v", sawCmd)
	}
}

func TestErrorEnvelopeSurfaces(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"error": "WRONGTYPE bad value"})
	})

	_, err := p.Get(context.Background(), "k1", "")
	if err == nil {
		t.Fatalf("expected error from error envelope")
	}
}

func TestAuthStatusIsTerminal(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":"forbidden"}`))
	})

	_, err := p.Get(context.Background(), "k1", "")
	if err == nil {
		t.Fatalf("expected error for 403 response")
	}
}

func TestRateLimitStatusSurfacesAsError(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "5")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"rate limited"}`))
	})

	_, err := p.Get(context.Background(), "k1", "")
	if err == nil {
		t.Fatalf("expected error for 429 response")
	}
}

func TestLockUsesEval(t *testing.T) {
	var sawCmd []string
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		sawCmd = readCommand(r)
		json.NewEncoder(w).Encode(map[string]any{"result": "OK"})
	})

	ok, err := p.Lock(context.Background(), "resource", "token-1", time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatalf("expected lock to succeed")
	}
	if sawCmd[0] != "EVAL" {
		t.Fatalf("expected EVAL command, got %v", sawCmd)
	}
}

func TestUnlockUsesEval(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"result": float64(1)})
	})

	ok, err := p.Unlock(context.Background(), "resource", "token-1")
	if err != nil || !ok {
		t.Fatalf("expected successful unlock, got ok=%v err=%v", ok, err)
	}
}

func TestBulkSetPrefersPipelineEndpoint(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/pipeline" {
			t.Fatalf("expected /pipeline, got %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode([]map[string]any{
			{"result": "OK"}, {"result": "OK"},
		})
	})

	results, err := p.BulkSet(context.Background(), map[string]any{"a": 1, "b": 2}, time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %v", results)
	}
}

func TestBulkSetFallsBackOnMissingPipeline(t *testing.T) {
	calls := 0
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.URL.Path == "/pipeline" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"result": "OK"})
	})

	results, err := p.BulkSet(context.Background(), map[string]any{"a": 1}, time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 1 || !results[0].Success {
		t.Fatalf("expected fallback single-exec success, got %v", results)
	}
	if calls < 2 {
		t.Fatalf("expected at least 2 calls (pipeline attempt + fallback), got %d", calls)
	}
}
