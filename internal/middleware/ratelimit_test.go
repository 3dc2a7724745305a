package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func newTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client, mr
}

func hit(handler http.Handler, ip string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", "/api/v1/webhooks/payments", nil)
	req.RemoteAddr = ip + ":40000"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestRateLimiter_EnforcesLimit(t *testing.T) {
	client, _ := newTestRedis(t)
	handler := NewRateLimiter(client, "webhook", 3, 60).Middleware(okHandler)

	for i := 0; i < 3; i++ {
		if rec := hit(handler, "10.0.0.1"); rec.Code != http.StatusOK {
			t.Fatalf("request %d: got %d, want 200", i+1, rec.Code)
		}
	}

	rec := hit(handler, "10.0.0.1")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("over-limit request: got %d, want 429", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "60" {
		t.Fatalf("Retry-After = %q, want 60", got)
	}
}

func TestRateLimiter_PerIPBudgets(t *testing.T) {
	client, _ := newTestRedis(t)
	handler := NewRateLimiter(client, "webhook", 1, 60).Middleware(okHandler)

	hit(handler, "10.0.0.1")
	if rec := hit(handler, "10.0.0.1"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("exhausted IP: got %d, want 429", rec.Code)
	}
	if rec := hit(handler, "10.0.0.2"); rec.Code != http.StatusOK {
		t.Fatalf("fresh IP: got %d, want 200", rec.Code)
	}
}

func TestRateLimiter_PerScopeBudgets(t *testing.T) {
	client, _ := newTestRedis(t)
	webhooks := NewRateLimiter(client, "webhook", 1, 60).Middleware(okHandler)
	cron := NewRateLimiter(client, "cron", 1, 60).Middleware(okHandler)

	hit(webhooks, "10.0.0.1")
	if rec := hit(webhooks, "10.0.0.1"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("exhausted scope: got %d, want 429", rec.Code)
	}
	if rec := hit(cron, "10.0.0.1"); rec.Code != http.StatusOK {
		t.Fatalf("other scope, same IP: got %d, want 200", rec.Code)
	}
}

func TestRateLimiter_ForwardedForFirstHop(t *testing.T) {
	client, _ := newTestRedis(t)
	handler := NewRateLimiter(client, "webhook", 1, 60).Middleware(okHandler)

	send := func(xff string) int {
		req := httptest.NewRequest("POST", "/api/v1/webhooks/payments", nil)
		req.RemoteAddr = "127.0.0.1:40000"
		req.Header.Set("X-Forwarded-For", xff)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	// Both requests resolve to client 203.0.113.7 regardless of proxy chain.
	send("203.0.113.7")
	if code := send("203.0.113.7,172.16.0.1"); code != http.StatusTooManyRequests {
		t.Fatalf("same first hop: got %d, want 429", code)
	}
}

func TestRateLimiter_FailsOpenWithoutRedis(t *testing.T) {
	client, mr := newTestRedis(t)
	handler := NewRateLimiter(client, "webhook", 1, 60).Middleware(okHandler)
	mr.Close()

	if rec := hit(handler, "10.0.0.1"); rec.Code != http.StatusOK {
		t.Fatalf("redis down: got %d, want 200 (fail open)", rec.Code)
	}
}
