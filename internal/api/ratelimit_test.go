package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/labstack/echo/v4"

	redisclient "github.com/victorivanov/retrosync/internal/redis"
)

// hit sends one request through mw. userID 0 leaves the request anonymous.
func hit(t *testing.T, mw echo.MiddlewareFunc, userID int64, ip, route string) *httptest.ResponseRecorder {
	t.Helper()
	c, rec := newTestContext(http.MethodGet, route, nil)
	c.SetPath(route)
	if ip != "" {
		c.Request().Header.Set(echo.HeaderXRealIP, ip)
	}
	if userID != 0 {
		setAuthUser(c, userID)
	}

	next := func(c echo.Context) error { return c.NoContent(http.StatusOK) }
	if err := mw(next)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return rec
}

func TestRateLimit_BudgetAndHeaders(t *testing.T) {
	mw := RateLimitMiddleware(newTestRedis(t), 2, time.Minute)

	for i, wantRemaining := range []string{"1", "0"} {
		rec := hit(t, mw, 1, "", "/api/v1/messages")
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want %d", i+1, rec.Code, http.StatusOK)
		}
		if got := rec.Header().Get("X-RateLimit-Remaining"); got != wantRemaining {
			t.Fatalf("request %d: X-RateLimit-Remaining = %q, want %q", i+1, got, wantRemaining)
		}
		if got := rec.Header().Get("X-RateLimit-Limit"); got != "2" {
			t.Fatalf("request %d: X-RateLimit-Limit = %q, want 2", i+1, got)
		}
	}

	rec := hit(t, mw, 1, "", "/api/v1/messages")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusTooManyRequests)
	}

	var errResp ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &errResp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if errResp.Error.Code != "RATE_LIMITED" {
		t.Fatalf("error code = %q, want RATE_LIMITED", errResp.Error.Code)
	}

	retry, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	if err != nil || retry < 1 || retry > 60 {
		t.Fatalf("Retry-After = %q, want 1..60 seconds", rec.Header().Get("Retry-After"))
	}
	if rec.Header().Get("X-RateLimit-Reset") == "" {
		t.Fatal("X-RateLimit-Reset not set")
	}
}

func TestRateLimit_KeyedByUserAndRoute(t *testing.T) {
	mw := RateLimitMiddleware(newTestRedis(t), 1, time.Minute)

	steps := []struct {
		name   string
		userID int64
		route  string
		want   int
	}{
		{"first send", 1, "/api/v1/messages", http.StatusOK},
		{"second send", 1, "/api/v1/messages", http.StatusTooManyRequests},
		{"other route", 1, "/api/v1/status", http.StatusOK},
		{"other user", 2, "/api/v1/messages", http.StatusOK},
	}
	for _, s := range steps {
		if rec := hit(t, mw, s.userID, "", s.route); rec.Code != s.want {
			t.Fatalf("%s: status = %d, want %d", s.name, rec.Code, s.want)
		}
	}
}

func TestRateLimit_AnonymousByIP(t *testing.T) {
	mw := RateLimitMiddleware(newTestRedis(t), 1, time.Minute)

	if rec := hit(t, mw, 0, "10.0.0.1", "/health"); rec.Code != http.StatusOK {
		t.Fatalf("first request: status = %d", rec.Code)
	}
	if rec := hit(t, mw, 0, "10.0.0.1", "/health"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("repeat from same ip: status = %d, want 429", rec.Code)
	}
	if rec := hit(t, mw, 0, "10.0.0.2", "/health"); rec.Code != http.StatusOK {
		t.Fatalf("other ip: status = %d, want 200", rec.Code)
	}
}

func TestRateLimit_FailOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb, err := redisclient.NewClient("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("creating redis client: %v", err)
	}
	t.Cleanup(func() { _ = rdb.Close() })
	mr.Close()

	rec := hit(t, RateLimitMiddleware(rdb, 1, time.Minute), 1, "", "/api/v1/messages")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d with redis down", rec.Code, http.StatusOK)
	}
	if rec.Header().Get("X-RateLimit-Limit") != "" {
		t.Fatal("rate limit headers set although redis was unavailable")
	}
}
