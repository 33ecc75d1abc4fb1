package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// RateLimiter decides whether a request identified by key may proceed.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Limit() rate.Limit
	Burst() int
}

// TokenBucketLimiter keeps one token bucket per key in process memory.
type TokenBucketLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*bucket
	idleTTL  time.Duration
	lastGC   time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewTokenBucketLimiter(rps float64, burst int) *TokenBucketLimiter {
	if burst < 1 {
		burst = 1
	}
	return &TokenBucketLimiter{
		limit:    rate.Limit(rps),
		burst:    burst,
		limiters: make(map[string]*bucket),
		idleTTL:  10 * time.Minute,
		lastGC:   time.Now(),
	}
}

func (l *TokenBucketLimiter) Allow(ctx context.Context, key string) (bool, error) {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastGC) > l.idleTTL {
		for k, b := range l.limiters {
			if now.Sub(b.lastSeen) > l.idleTTL {
				delete(l.limiters, k)
			}
		}
		l.lastGC = now
	}

	b, ok := l.limiters[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[key] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1), nil
}

func (l *TokenBucketLimiter) Limit() rate.Limit { return l.limit }

func (l *TokenBucketLimiter) Burst() int { return l.burst }

// SlidingWindowLimiter shares limits across instances through Redis. The
// count is the current window plus the previous one weighted by how much of
// it still overlaps.
type SlidingWindowLimiter struct {
	redis  *redis.Client
	prefix string
	limit  int
	window time.Duration
	now    func() time.Time
}

func NewSlidingWindowLimiter(client *redis.Client, prefix string, limit int, window time.Duration) *SlidingWindowLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &SlidingWindowLimiter{
		redis:  client,
		prefix: prefix,
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

func (s *SlidingWindowLimiter) Allow(ctx context.Context, key string) (bool, error) {
	now := s.now()
	windowMs := s.window.Milliseconds()
	current := now.UnixMilli() / windowMs
	currentKey := fmt.Sprintf("%s%s:%d", s.prefix, key, current)
	previousKey := fmt.Sprintf("%s%s:%d", s.prefix, key, current-1)

	pipe := s.redis.Pipeline()
	currentCmd := pipe.Get(ctx, currentKey)
	previousCmd := pipe.Get(ctx, previousKey)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return false, fmt.Errorf("failed to read rate limit window: %w", err)
	}
	currentCount, _ := strconv.Atoi(currentCmd.Val())
	previousCount, _ := strconv.Atoi(previousCmd.Val())

	progress := float64(now.UnixMilli()%windowMs) / float64(windowMs)
	weighted := float64(previousCount)*(1-progress) + float64(currentCount)
	if weighted >= float64(s.limit) {
		return false, nil
	}

	pipe = s.redis.TxPipeline()
	pipe.Incr(ctx, currentKey)
	pipe.Expire(ctx, currentKey, s.window*2)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("failed to record request: %w", err)
	}
	return true, nil
}

func (s *SlidingWindowLimiter) Limit() rate.Limit {
	return rate.Limit(float64(s.limit) / s.window.Seconds())
}

func (s *SlidingWindowLimiter) Burst() int { return s.limit }

// Middleware rejects requests over the limit with 429.
func Middleware(limiter RateLimiter, keyFunc func(*gin.Context) string) gin.HandlerFunc {
	if keyFunc == nil {
		keyFunc = IPKeyFunc
	}
	return func(c *gin.Context) {
		key := keyFunc(c)
		if key == "" {
			key = c.ClientIP()
		}

		allowed, err := limiter.Allow(c.Request.Context(), key)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error": "Rate limiting error",
			})
			return
		}

		if !allowed {
			c.Header("X-RateLimit-Limit", strconv.Itoa(limiter.Burst()))
			c.Header("X-RateLimit-Remaining", "0")
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "Rate limit exceeded",
				"message": "Too many requests, please try again later",
			})
			return
		}

		c.Next()
	}
}

func IPKeyFunc(c *gin.Context) string {
	return c.ClientIP()
}

// APIKeyFunc keys on the X-API-Key header, falling back to the client IP.
func APIKeyFunc(c *gin.Context) string {
	apiKey := c.GetHeader("X-API-Key")
	if apiKey == "" {
		return c.ClientIP()
	}
	return "api:" + apiKey
}
