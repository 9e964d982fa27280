package shield

import (
	"database/sql"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/topos/kit"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
}

func setupRateLimitDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	if err := Init(db); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func addRule(t *testing.T, db *sql.DB, endpoint string, maxReq, window, enabled int) {
	t.Helper()
	_, err := db.Exec(
		`INSERT OR REPLACE INTO rate_limits (endpoint, max_requests, window_seconds, enabled) VALUES (?, ?, ?, ?)`,
		endpoint, maxReq, window, enabled,
	)
	if err != nil {
		t.Fatal(err)
	}
}

func TestSecurityHeaders(t *testing.T) {
	handler := SecurityHeaders(DefaultHeaders())(okHandler())
	req := httptest.NewRequest("GET", "/api/topics", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	want := map[string]string{
		"X-Content-Type-Options":  "nosniff",
		"X-Frame-Options":         "DENY",
		"Referrer-Policy":         "no-referrer",
		"Content-Security-Policy": "default-src 'none'; frame-ancestors 'none'",
		"Permissions-Policy":      "camera=(), microphone=(), geolocation=()",
	}
	for h, v := range want {
		if got := w.Header().Get(h); got != v {
			t.Errorf("%s: expected %q, got %q", h, v, got)
		}
	}
}

func TestHeadToGet(t *testing.T) {
	getOnly := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	handler := HeadToGet(getOnly)
	req := httptest.NewRequest("HEAD", "/health", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200 for HEAD, got %d", w.Code)
	}
}

func TestMaxBodyLimitsReads(t *testing.T) {
	reader := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, err := io.ReadAll(r.Body)
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	handler := MaxBody(16)(reader)

	req := httptest.NewRequest("POST", "/api/topics", strings.NewReader("small"))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("expected 200 for small body, got %d", w.Code)
	}

	req = httptest.NewRequest("POST", "/api/topics", strings.NewReader(strings.Repeat("x", 64)))
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413 for oversized body, got %d", w.Code)
	}
}

func TestRequestID(t *testing.T) {
	var seen string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = kit.GetRequestID(r.Context())
		if GetLogger(r.Context()) == nil {
			t.Error("expected per-request logger in context")
		}
		w.WriteHeader(http.StatusOK)
	})

	handler := RequestID(inner)
	req := httptest.NewRequest("GET", "/api/state", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if seen == "" {
		t.Error("expected request ID in context")
	}
	if got := w.Header().Get("X-Request-ID"); got != seen {
		t.Errorf("expected header %q to match context ID %q", got, seen)
	}
}

func TestRateLimiterBlocksAfterLimit(t *testing.T) {
	db := setupRateLimitDB(t)
	addRule(t, db, "GET /api/topics", 2, 60, 1)

	rl := NewRateLimiter(db)
	handler := rl.Middleware(okHandler())

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest("GET", "/api/topics", nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, w.Code)
		}
	}

	req := httptest.NewRequest("GET", "/api/topics", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429 after limit, got %d", w.Code)
	}
	if ra := w.Header().Get("Retry-After"); ra != "60" {
		t.Errorf("expected Retry-After: 60, got %q", ra)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected JSON response, got %q", ct)
	}
	if !strings.Contains(w.Body.String(), "rate limit exceeded") {
		t.Errorf("expected error body, got %q", w.Body.String())
	}
}

func TestRateLimiterWildcardSharesBucket(t *testing.T) {
	db := setupRateLimitDB(t)
	addRule(t, db, "POST /api/tabs/*", 1, 60, 1)

	rl := NewRateLimiter(db)
	handler := rl.Middleware(okHandler())

	req := httptest.NewRequest("POST", "/api/tabs/7/capture", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 for first capture, got %d", w.Code)
	}

	// Different tab, same wildcard rule: the window is shared.
	req = httptest.NewRequest("POST", "/api/tabs/8/capture", nil)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429 for second capture, got %d", w.Code)
	}
}

func TestRateLimiterWindowResets(t *testing.T) {
	db := setupRateLimitDB(t)
	addRule(t, db, "GET /api/state", 1, 1, 1)

	rl := NewRateLimiter(db)
	handler := rl.Middleware(okHandler())

	req := httptest.NewRequest("GET", "/api/state", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	req = httptest.NewRequest("GET", "/api/state", nil)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 inside window, got %d", w.Code)
	}

	time.Sleep(1100 * time.Millisecond)

	req = httptest.NewRequest("GET", "/api/state", nil)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("expected 200 after window reset, got %d", w.Code)
	}
}

func TestRateLimiterUnknownEndpointUnlimited(t *testing.T) {
	db := setupRateLimitDB(t)
	rl := NewRateLimiter(db)
	handler := rl.Middleware(okHandler())

	for i := 0; i < 50; i++ {
		req := httptest.NewRequest("GET", "/api/unruled", nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200 without a rule, got %d", i+1, w.Code)
		}
	}
}

func TestRateLimiterDisabledRule(t *testing.T) {
	db := setupRateLimitDB(t)
	addRule(t, db, "GET /api/topics", 1, 60, 0)

	rl := NewRateLimiter(db)
	handler := rl.Middleware(okHandler())

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest("GET", "/api/topics", nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200 with disabled rule, got %d", i+1, w.Code)
		}
	}
}

func TestRateLimiterExcludedPrefix(t *testing.T) {
	db := setupRateLimitDB(t)
	addRule(t, db, "GET /health", 1, 60, 1)

	rl := NewRateLimiter(db, "/health")
	handler := rl.Middleware(okHandler())

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest("GET", "/health", nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200 for excluded path, got %d", i+1, w.Code)
		}
	}
}

func TestExtractIP(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")
	if ip := ExtractIP(req); ip != "203.0.113.5" {
		t.Errorf("expected first XFF entry, got %q", ip)
	}

	req = httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "192.0.2.9:4242"
	if ip := ExtractIP(req); ip != "192.0.2.9" {
		t.Errorf("expected host from RemoteAddr, got %q", ip)
	}
}

func TestAPIStack(t *testing.T) {
	db := setupRateLimitDB(t)
	stack, rl := APIStack(db)
	if rl == nil {
		t.Fatal("expected rate limiter handle")
	}

	handler := okHandler()
	for i := len(stack) - 1; i >= 0; i-- {
		handler = stack[i](handler)
	}

	req := httptest.NewRequest("GET", "/api/state", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID header")
	}
	if w.Header().Get("Content-Security-Policy") == "" {
		t.Error("expected security headers")
	}
}
