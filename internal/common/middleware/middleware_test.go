package middleware

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (m *memStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memStore) Reserve(_ context.Context, key string, v []byte, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[key]; ok {
		return false, nil
	}
	m.data[key] = v
	return true, nil
}

func (m *memStore) Set(_ context.Context, key string, v []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = v
	return nil
}

func (m *memStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memStore) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data)
}

func TestCorrelationID(t *testing.T) {
	var seen string
	h := CorrelationID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetCorrelationID(r.Context())
	}))

	t.Run("propagates header", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set(HeaderCorrelationID, "abc")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		if seen != "abc" || w.Header().Get(HeaderCorrelationID) != "abc" {
			t.Fatalf("correlation id = %q, header = %q", seen, w.Header().Get(HeaderCorrelationID))
		}
	})

	t.Run("generates one", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		if len(seen) != 26 {
			t.Fatalf("expected a ULID, got %q", seen)
		}
	})
}

func TestRecoverer(t *testing.T) {
	h := Recoverer(discard())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", w.Code)
	}
}

func postWithKey(h http.Handler, key, body string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodPost, "/api/v1/payments", strings.NewReader(body))
	if key != "" {
		r.Header.Set(HeaderIdempotencyKey, key)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func TestIdempotency(t *testing.T) {
	store := &memStore{data: map[string][]byte{}}
	var calls atomic.Int32
	h := Idempotency(store, time.Hour, discard())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"data":{"id":"p1"}}`)
	}))

	first := postWithKey(h, "k1", `{"amount":10}`)
	second := postWithKey(h, "k1", `{"amount":10}`)
	if calls.Load() != 1 {
		t.Fatalf("handler called %d times, want 1", calls.Load())
	}
	if second.Code != http.StatusCreated || second.Body.String() != first.Body.String() {
		t.Fatalf("replay = %d %q", second.Code, second.Body.String())
	}
	if second.Header().Get(HeaderIdempotentReplayed) != "true" {
		t.Fatal("replayed response should be marked")
	}

	t.Run("different body under the same key", func(t *testing.T) {
		w := postWithKey(h, "k1", `{"amount":999}`)
		if w.Code != http.StatusUnprocessableEntity {
			t.Fatalf("status = %d, want 422", w.Code)
		}
		if !strings.Contains(w.Body.String(), "IDEMPOTENCY_KEY_REUSED") || w.Header().Get(HeaderIdempotentReplayed) != "" {
			t.Fatalf("body = %q", w.Body.String())
		}
		if calls.Load() != 1 {
			t.Fatalf("handler called %d times", calls.Load())
		}
	})

	t.Run("requests without a key are not cached", func(t *testing.T) {
		postWithKey(h, "", `{}`)
		postWithKey(h, "", `{}`)
		if calls.Load() != 3 {
			t.Fatalf("calls = %d", calls.Load())
		}
	})
}

func TestIdempotencyConcurrentRequests(t *testing.T) {
	store := &memStore{data: map[string][]byte{}}
	var calls atomic.Int32
	entered := make(chan struct{})
	release := make(chan struct{})
	h := Idempotency(store, time.Hour, discard())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		close(entered)
		<-release
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"data":{"id":"p1"}}`)
	}))

	done := make(chan *httptest.ResponseRecorder)
	go func() { done <- postWithKey(h, "k1", `{"amount":10}`) }()
	<-entered

	second := postWithKey(h, "k1", `{"amount":10}`)
	if second.Code != http.StatusConflict {
		t.Fatalf("in-flight duplicate status = %d, want 409", second.Code)
	}
	close(release)

	if first := <-done; first.Code != http.StatusCreated {
		t.Fatalf("first status = %d", first.Code)
	}
	if calls.Load() != 1 {
		t.Fatalf("handler reached %d times, want 1", calls.Load())
	}
	if third := postWithKey(h, "k1", `{"amount":10}`); third.Code != http.StatusCreated || third.Header().Get(HeaderIdempotentReplayed) != "true" {
		t.Fatalf("after completion status = %d", third.Code)
	}
}

func TestIdempotencyReleasesKeyOnFailure(t *testing.T) {
	store := &memStore{data: map[string][]byte{}}
	status := http.StatusBadGateway
	calls := 0
	h := Idempotency(store, time.Hour, discard())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if b, _ := io.ReadAll(r.Body); string(b) != `{"amount":10}` {
			t.Errorf("handler body = %q", b)
		}
		w.WriteHeader(status)
	}))

	if w := postWithKey(h, "k1", `{"amount":10}`); w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d", w.Code)
	}
	if store.len() != 0 {
		t.Fatal("failed request should release its key")
	}

	status = http.StatusCreated
	if w := postWithKey(h, "k1", `{"amount":10}`); w.Code != http.StatusCreated || calls != 2 {
		t.Fatalf("retry status = %d calls = %d", w.Code, calls)
	}
}

type fixedLimiter struct {
	allow bool
	err   error
}

func (l fixedLimiter) Allow(context.Context, string) (bool, error) { return l.allow, l.err }

func TestRateLimit(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })

	tests := []struct {
		name        string
		limiter     fixedLimiter
		wantStatus  int
		wantLimited bool
	}{
		{"allowed", fixedLimiter{allow: true}, http.StatusNoContent, false},
		{"limited", fixedLimiter{allow: false}, http.StatusTooManyRequests, true},
		{"limiter error fails open", fixedLimiter{err: errors.New("redis down")}, http.StatusNoContent, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			limited := false
			h := RateLimit(tt.limiter, ClientIP, func(*http.Request) { limited = true })(ok)
			w := httptest.NewRecorder()
			h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", nil))
			if w.Code != tt.wantStatus || limited != tt.wantLimited {
				t.Fatalf("status = %d limited = %v", w.Code, limited)
			}
		})
	}
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.1.2.3:5555"
	if got := ClientIP(r); got != "10.1.2.3" {
		t.Fatalf("ClientIP = %q", got)
	}
}
