package remotekv

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc) *Provider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return New(Config{
		BaseURL:     srv.URL,
		AccountID:   "acct1",
		NamespaceID: "ns1",
		BearerToken: "tok",
	})
}

func TestGetNotFound(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
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
		w.Write([]byte("hello"))
	})

	v, err := p.Get(context.Background(), "k1", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "hello" {
		t.Fatalf("expected 'hello', got %v", v)
	}
}

func TestGetJSONTypeHint(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]int{"a": 1})
	})

	v, err := p.Get(context.Background(), "k1", "json")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m, ok := v.(map[string]any)
	if !ok || m["a"].(float64) != 1 {
		t.Fatalf("expected decoded map {a:1}, got %v", v)
	}
}

func TestSetClampsTTLAndSendsQuery(t *testing.T) {
	var sawTTL string
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		sawTTL = r.URL.Query().Get("expiration_ttl")
		w.WriteHeader(http.StatusOK)
	})

	if err := p.Set(context.Background(), "k1", "v1", time.Second); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sawTTL != "60" {
		t.Fatalf("expected ttl clamped to 60s, got %q", sawTTL)
	}
}

func TestSetErrorClassification(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte("forbidden"))
	})

	err := p.Set(context.Background(), "k1", "v1", time.Minute)
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestDeleteNotFoundIsNotAnError(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	if err := p.Delete(context.Background(), "missing"); err != nil {
		t.Fatalf("expected nil error for not-found delete, got %v", err)
	}
}

func TestDeleteServerErrorTreatedAsIdempotent(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	if err := p.Delete(context.Background(), "k1"); err != nil {
		t.Fatalf("expected nil error for 5xx delete, got %v", err)
	}
}

func TestListKeysFollowsPagination(t *testing.T) {
	calls := 0
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.Write([]byte(`{"result":[{"name":"a"},{"name":"b"}],"result_info":{"cursor":"next","list_complete":false}}`))
			return
		}
		w.Write([]byte(`{"result":[{"name":"c"}],"result_info":{"cursor":"","list_complete":true}}`))
	})

	keys, err := p.ListKeys(context.Background(), "", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Join(keys, ",") != "a,b,c" {
		t.Fatalf("expected a,b,c, got %v", keys)
	}
	if calls != 2 {
		t.Fatalf("expected 2 pagination calls, got %d", calls)
	}
}

func TestListKeysRespectsLimit(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result":[{"name":"a"},{"name":"b"},{"name":"c"}],"result_info":{"cursor":"","list_complete":true}}`))
	})

	keys, err := p.ListKeys(context.Background(), "", 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys due to limit, got %v", keys)
	}
}

func TestBulkSetSynthesizesAllSuccess(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	results, err := p.BulkSet(context.Background(), map[string]any{"a": 1, "b": 2}, time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %v", results)
	}
	for _, r := range results {
		if !r.Success {
			t.Fatalf("expected synthesized success, got %v", r)
		}
	}
}

func TestLockIsBestEffort(t *testing.T) {
	store := map[string]string{}
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimPrefix(r.URL.Path, "/accounts/acct1/storage/kv/namespaces/ns1/values/")
		switch r.Method {
		case http.MethodGet:
			v, ok := store[key]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Write([]byte(v))
		case http.MethodPut:
			body := make([]byte, r.ContentLength)
			r.Body.Read(body)
			store[key] = string(body)
		}
	})

	ok, err := p.Lock(context.Background(), "resource", "token-1", time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatalf("expected lock to succeed when no prior lock exists")
	}
}
