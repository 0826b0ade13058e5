package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

var ok = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })

func TestAuth(t *testing.T) {
	h := Auth("secret", "/health")(ok)
	cases := []struct {
		name   string
		path   string
		header [2]string
		want   int
	}{
		{"public path", "/health", [2]string{}, http.StatusOK},
		{"missing token", "/api/trades", [2]string{}, http.StatusUnauthorized},
		{"bad bearer", "/api/trades", [2]string{"Authorization", "Bearer nope"}, http.StatusUnauthorized},
		{"bearer", "/api/trades", [2]string{"Authorization", "Bearer secret"}, http.StatusOK},
		{"api key", "/api/trades", [2]string{"X-API-Key", "secret"}, http.StatusOK},
		{"query token", "/ws?token=secret", [2]string{}, http.StatusOK},
	}
	for _, c := range cases {
		r := httptest.NewRequest(http.MethodGet, c.path, nil)
		if c.header[0] != "" {
			r.Header.Set(c.header[0], c.header[1])
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, r)
		if rec.Code != c.want {
			t.Fatalf("%s: status = %d, want %d", c.name, rec.Code, c.want)
		}
	}

	rec := httptest.NewRecorder()
	Auth("")(ok).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/trades", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("disabled auth: status = %d", rec.Code)
	}
}

func TestCORS(t *testing.T) {
	h := CORS([]string{"https://dash.example"})(ok)

	r := httptest.NewRequest(http.MethodOptions, "/api/trades", nil)
	r.Header.Set("Origin", "https://dash.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://dash.example" {
		t.Fatalf("allow-origin = %q", got)
	}

	r = httptest.NewRequest(http.MethodGet, "/api/trades", nil)
	r.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("foreign origin allowed: %q", got)
	}
}

type countingLimiter struct {
	calls map[string]int
	err   error
}

func (l *countingLimiter) Allow(_ context.Context, key string, limit int, _ time.Duration) (bool, error) {
	if l.err != nil {
		return false, l.err
	}
	l.calls[key]++
	return l.calls[key] <= limit, nil
}

func TestRateLimit(t *testing.T) {
	lim := &countingLimiter{calls: map[string]int{}}
	h := RateLimit(lim, 2, time.Minute)(ok)

	var codes []int
	for i := 0; i < 3; i++ {
		r := httptest.NewRequest(http.MethodGet, "/api/trades", nil)
		r.Header.Set("X-Forwarded-For", "10.0.0.1, 10.0.0.2")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, r)
		codes = append(codes, rec.Code)
		if i == 2 && rec.Header().Get("Retry-After") != "60" {
			t.Fatalf("retry-after = %q", rec.Header().Get("Retry-After"))
		}
	}
	if codes[0] != 200 || codes[1] != 200 || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("codes = %v", codes)
	}
	if lim.calls["api:10.0.0.1"] != 3 {
		t.Fatalf("calls = %v", lim.calls)
	}

	lim.err = errors.New("redis down")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/trades", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("limiter error should fail open, got %d", rec.Code)
	}
}

func TestLoggingAssignsRequestID(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	h := Logging(logger)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("short and stout"))
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/balances", nil))
	id := rec.Header().Get(RequestIDHeader)
	if id == "" {
		t.Fatalf("no request id header")
	}

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log: %v", err)
	}
	if entry["request_id"] != id || entry["status"] != float64(http.StatusTeapot) || entry["bytes"] != float64(15) {
		t.Fatalf("log entry = %v", entry)
	}

	r := httptest.NewRequest(http.MethodGet, "/api/balances", nil)
	r.Header.Set(RequestIDHeader, "abc")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	if got := rec.Header().Get(RequestIDHeader); got != "abc" {
		t.Fatalf("request id = %q, want abc", got)
	}
}
