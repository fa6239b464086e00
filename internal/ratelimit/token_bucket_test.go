package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

func TestAllowWithinBurst(t *testing.T) {
	s := NewStore(1, 5)
	for i := 0; i < 5; i++ {
		if ok, _ := s.Allow("a"); !ok {
			t.Fatalf("expected allow on request %d within burst", i+1)
		}
	}
}

func TestBlockWhenDepleted(t *testing.T) {
	s := NewStore(1, 2)
	s.Allow("a")
	s.Allow("a")
	ok, wait := s.Allow("a")
	if ok {
		t.Fatal("expected rate limit after burst exhausted")
	}
	if wait <= 0 || wait > time.Second {
		t.Fatalf("wait = %v, want (0, 1s]", wait)
	}
}

func TestRefillOverTime(t *testing.T) {
	s := NewStore(1000, 1)
	s.Allow("a")
	time.Sleep(5 * time.Millisecond)
	if ok, _ := s.Allow("a"); !ok {
		t.Fatal("expected allow after refill")
	}
}

func TestKeysHaveSeparateBuckets(t *testing.T) {
	s := NewStore(1, 1)
	s.Allow("a")
	if ok, _ := s.Allow("b"); !ok {
		t.Fatal("expected allow on a fresh key")
	}
	if s.Len() != 2 {
		t.Fatalf("len = %d, want 2", s.Len())
	}
}

func TestSweepEvictsIdleKeys(t *testing.T) {
	s := NewStore(1, 1)
	s.Allow("a")
	time.Sleep(5 * time.Millisecond)
	s.Allow("b")
	if n := s.Sweep(3 * time.Millisecond); n != 1 {
		t.Fatalf("evicted = %d, want 1", n)
	}
	if s.Len() != 1 {
		t.Fatalf("len = %d, want 1", s.Len())
	}
}

func TestMiddlewareRejectsWithRetryAfter(t *testing.T) {
	h := Middleware(NewStore(0.5, 1))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	do := func(addr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/classify", nil)
		req.RemoteAddr = addr
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr
	}

	if rr := do("10.0.0.1:1234"); rr.Code != http.StatusOK {
		t.Fatalf("first request status = %d", rr.Code)
	}
	rr := do("10.0.0.1:5678")
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", rr.Code)
	}
	secs, err := strconv.Atoi(rr.Header().Get("Retry-After"))
	if err != nil || secs < 1 || secs > 3 {
		t.Fatalf("Retry-After = %q", rr.Header().Get("Retry-After"))
	}
	if rr := do("10.0.0.2:1234"); rr.Code != http.StatusOK {
		t.Fatalf("other client status = %d", rr.Code)
	}
}

func TestMiddlewareNilStorePassesThrough(t *testing.T) {
	called := false
	h := Middleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { called = true }))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if !called {
		t.Fatal("handler not called")
	}
}

func TestClientIP(t *testing.T) {
	cases := []struct {
		name   string
		header map[string]string
		remote string
		want   string
	}{
		{"forwarded", map[string]string{"X-Forwarded-For": "1.1.1.1, 2.2.2.2"}, "9.9.9.9:1", "1.1.1.1"},
		{"real ip", map[string]string{"X-Real-IP": "3.3.3.3"}, "9.9.9.9:1", "3.3.3.3"},
		{"remote", nil, "9.9.9.9:1", "9.9.9.9"},
		{"remote without port", nil, "9.9.9.9", "9.9.9.9"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tc.remote
			for k, v := range tc.header {
				req.Header.Set(k, v)
			}
			if got := ClientIP(req); got != tc.want {
				t.Fatalf("ClientIP = %q, want %q", got, tc.want)
			}
		})
	}
}
