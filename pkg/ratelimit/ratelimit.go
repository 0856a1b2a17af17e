package ratelimit

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateLimiter decides whether one more request for key may proceed.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Burst() int
}

// KeyedTokenBucket keeps one token bucket per key (workflow id, client IP, ...).
// Buckets idle for longer than idleTTL are evicted by Sweep.
type KeyedTokenBucket struct {
	mu       sync.Mutex
	limiters map[string]*bucket
	limit    rate.Limit
	burst    int
	idleTTL  time.Duration
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewKeyedTokenBucket creates an in-process limiter with one bucket per key.
func NewKeyedTokenBucket(rps float64, burst int) *KeyedTokenBucket {
	return &KeyedTokenBucket{
		limiters: make(map[string]*bucket),
		limit:    rate.Limit(rps),
		burst:    burst,
		idleTTL:  10 * time.Minute,
	}
}

// Allow never returns an error.
func (k *KeyedTokenBucket) Allow(_ context.Context, key string) (bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	b, ok := k.limiters[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(k.limit, k.burst)}
		k.limiters[key] = b
	}
	b.lastSeen = time.Now()
	return b.limiter.Allow(), nil
}

func (k *KeyedTokenBucket) Burst() int {
	return k.burst
}

// Sweep drops buckets that have not been used within the idle TTL.
func (k *KeyedTokenBucket) Sweep(now time.Time) int {
	k.mu.Lock()
	defer k.mu.Unlock()

	removed := 0
	for key, b := range k.limiters {
		if now.Sub(b.lastSeen) > k.idleTTL {
			delete(k.limiters, key)
			removed++
		}
	}
	return removed
}

// Run sweeps idle buckets until ctx is done.
func (k *KeyedTokenBucket) Run(ctx context.Context) {
	ticker := time.NewTicker(k.idleTTL)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			k.Sweep(now)
		}
	}
}

// Middleware rejects requests over the limit with 429.
func Middleware(limiter RateLimiter, keyFunc func(*gin.Context) string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := keyFunc(c)
		if key == "" {
			key = c.ClientIP()
		}

		allowed, err := limiter.Allow(c.Request.Context(), key)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"success": false,
				"message": "Rate limiting error",
			})
			return
		}

		if !allowed {
			c.Header("X-RateLimit-Limit", strconv.Itoa(limiter.Burst()))
			c.Header("X-RateLimit-Remaining", "0")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"success": false,
				"message": "Too many requests, please try again later",
			})
			return
		}

		c.Next()
	}
}

// ParamKeyFunc keys the limiter on a route parameter.
func ParamKeyFunc(name string) func(*gin.Context) string {
	return func(c *gin.Context) string {
		return c.Param(name)
	}
}
