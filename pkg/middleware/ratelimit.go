package middleware

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/wardenhq/warden/pkg/identity"
)

// RateLimitConfig defines a fixed-window rate limit.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// DefaultRateLimitConfig limits anonymous callers.
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		RequestsPerWindow: 100,
		WindowDuration:    time.Minute,
	}
}

// PrincipalRateLimitConfig limits authenticated principals.
func PrincipalRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		RequestsPerWindow: 1000,
		WindowDuration:    time.Minute,
	}
}

// RateLimiter is a Redis-backed fixed-window limiter shared across
// instances.
type RateLimiter struct {
	redis  *redis.Client
	config *RateLimitConfig
	prefix string
}

// NewRateLimiter creates a limiter under the given key prefix.
func NewRateLimiter(redisClient *redis.Client, config *RateLimitConfig, prefix string) *RateLimiter {
	if config == nil {
		config = DefaultRateLimitConfig()
	}
	if prefix == "" {
		prefix = "warden:ratelimit"
	}
	return &RateLimiter{redis: redisClient, config: config, prefix: prefix}
}

// Allow counts one request against the key's window.
func (rl *RateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	redisKey := fmt.Sprintf("%s:%s", rl.prefix, key)

	pipe := rl.redis.Pipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.Expire(ctx, redisKey, rl.config.WindowDuration)
	if _, err := pipe.Exec(ctx); err != nil {
		return true, fmt.Errorf("redis error: %w", err)
	}

	return incr.Val() <= int64(rl.config.RequestsPerWindow), nil
}

// TTL returns the time until the window resets.
func (rl *RateLimiter) TTL(ctx context.Context, key string) (time.Duration, error) {
	return rl.redis.TTL(ctx, fmt.Sprintf("%s:%s", rl.prefix, key)).Result()
}

// RateLimit limits authenticated principals per subject and anonymous
// callers per client IP. Rate limiting is an abuse control, not an
// authorization decision, so Redis errors fail open; the resolver behind
// it stays fail-closed either way.
func RateLimit(redisClient *redis.Client) func(http.Handler) http.Handler {
	principalLimiter := NewRateLimiter(redisClient, PrincipalRateLimitConfig(), "warden:ratelimit:principal")
	anonymousLimiter := NewRateLimiter(redisClient, DefaultRateLimitConfig(), "warden:ratelimit:anon")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			var key string
			var limiter *RateLimiter
			if principal, ok := identity.FromContext(ctx); ok {
				key = "principal:" + principal.ID
				limiter = principalLimiter
			} else {
				key = "ip:" + clientIP(r)
				limiter = anonymousLimiter
			}

			allowed, err := limiter.Allow(ctx, key)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				retryAfter := limiter.config.WindowDuration.Seconds()
				if ttl, err := limiter.TTL(ctx, key); err == nil && ttl > 0 {
					retryAfter = ttl.Seconds()
				}
				w.Header().Set("Retry-After", fmt.Sprintf("%.0f", retryAfter))
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
