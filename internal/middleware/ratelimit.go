// Package middleware provides shared HTTP middleware utilities.
package middleware

import (
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RateLimiter applies a fixed-window request budget backed by Redis. The
// window is keyed per authenticated user when an identity is on the request
// context, otherwise per client IP, so one busy NAT does not starve
// signed-in callers behind it.
type RateLimiter struct {
	cache  *redis.Client
	limit  int
	window time.Duration
}

// NewRateLimiter constructs a RateLimiter; limit and window come from the
// service configuration.
func NewRateLimiter(cache *redis.Client, limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		cache:  cache,
		limit:  limit,
		window: window,
	}
}

// Limit enforces the budget. Redis being unreachable fails open: dropping
// requests because the limiter's store is down would turn a cache outage
// into an API outage.
func (rl *RateLimiter) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := rl.windowKey(r)

		count, err := rl.cache.Incr(r.Context(), key).Result()
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}
		if count == 1 {
			rl.cache.Expire(r.Context(), key, rl.window)
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.limit))
		if count > int64(rl.limit) {
			w.Header().Set("X-RateLimit-Remaining", "0")
			if ttl, err := rl.cache.TTL(r.Context(), key).Result(); err == nil && ttl > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int(ttl.Seconds())+1))
			}
			jsonError(w, http.StatusTooManyRequests, "Rate limit exceeded")
			return
		}
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(rl.limit-int(count)))

		next.ServeHTTP(w, r)
	})
}

// windowKey scopes the counter to the caller: user ID when authenticated,
// client IP otherwise.
func (rl *RateLimiter) windowKey(r *http.Request) string {
	if userID, ok := UserIDFromContext(r.Context()); ok && userID != uuid.Nil {
		return "ratelimit:user:" + userID.String()
	}
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		ip = host
	}
	return "ratelimit:ip:" + ip
}
