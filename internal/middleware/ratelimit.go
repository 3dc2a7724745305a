package middleware

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimiter is a per-IP sliding window over a Redis sorted set. It fronts
// public surfaces like the payment webhook as an abuse filter only; credit
// and quota accounting stay transactional in PostgreSQL.
//
// The window is tracked as one zset per (scope, ip): timestamps as scores,
// trim-count-add-expire in a single pipeline. Fails open when Redis is
// unreachable.
type RateLimiter struct {
	rdb    redis.Cmdable
	scope  string
	limit  int
	window time.Duration
}

// NewRateLimiter allows limit requests per windowSec seconds. scope
// namespaces keys so separate surfaces keep separate budgets.
func NewRateLimiter(rdb redis.Cmdable, scope string, limit, windowSec int) *RateLimiter {
	return &RateLimiter{
		rdb:    rdb,
		scope:  scope,
		limit:  limit,
		window: time.Duration(windowSec) * time.Second,
	}
}

func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)

		allowed, err := rl.allow(r.Context(), ip)
		switch {
		case err != nil:
			slog.Warn("rate limiter unavailable, failing open", "scope", rl.scope, "ip", ip, "error", err)
		case !allowed:
			w.Header().Set("Retry-After", strconv.Itoa(int(rl.window.Seconds())))
			http.Error(w, `{"error":"too many requests"}`, http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) allow(ctx context.Context, ip string) (bool, error) {
	key := "ratelimit:" + rl.scope + ":" + ip
	now := time.Now()
	cutoff := now.Add(-rl.window).UnixMilli()

	pipe := rl.rdb.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(cutoff, 10))
	inWindow := pipe.ZCard(ctx, key)
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(now.UnixMilli()),
		Member: strconv.FormatInt(now.UnixNano(), 10),
	})
	pipe.Expire(ctx, key, rl.window+time.Second)

	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return inWindow.Val() < int64(rl.limit), nil
}

func clientIP(r *http.Request) string {
	// Behind the reverse proxy the client is the first X-Forwarded-For hop.
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for i := 0; i < len(xff); i++ {
			if xff[i] == ',' {
				return xff[:i]
			}
		}
		return xff
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
