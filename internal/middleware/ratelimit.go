package middleware

import (
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"

	apperrors "github.com/KeremKalyoncu/medresolve/internal/errors"
)

// RateLimiter implements per-client token bucket rate limiting in front of
// the API. Platform admission is the governor's job; this only protects
// the process from a single noisy caller.
type RateLimiter struct {
	clients map[string]*clientBucket
	mu      sync.Mutex
	rate    float64 // tokens per second
	burst   float64
	now     func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
}

type clientBucket struct {
	tokens     float64
	lastRefill time.Time
}

// NewRateLimiter creates a rate limiter refilling rps tokens per second up to burst
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if rps <= 0 {
		rps = 5
	}
	if burst < 1 {
		burst = 1
	}
	rl := &RateLimiter{
		clients: make(map[string]*clientBucket),
		rate:    rps,
		burst:   float64(burst),
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}

	// Cleanup goroutine - remove stale clients every 5 minutes
	go rl.cleanup()

	return rl
}

// Middleware returns Fiber middleware function
func (rl *RateLimiter) Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		ok, wait := rl.allow(c.IP())
		if !ok {
			c.Set(fiber.HeaderRetryAfter, strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			return apperrors.ErrRateLimited
		}
		return c.Next()
	}
}

// allow takes a token for clientID, or reports how long until one is available
func (rl *RateLimiter) allow(clientID string) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()

	bucket, exists := rl.clients[clientID]
	if !exists {
		bucket = &clientBucket{tokens: rl.burst, lastRefill: now}
		rl.clients[clientID] = bucket
	}

	// Refill tokens based on time elapsed
	elapsed := now.Sub(bucket.lastRefill).Seconds()
	bucket.tokens = math.Min(rl.burst, bucket.tokens+elapsed*rl.rate)
	bucket.lastRefill = now

	if bucket.tokens >= 1 {
		bucket.tokens--
		return true, 0
	}

	missing := 1 - bucket.tokens
	return false, time.Duration(missing / rl.rate * float64(time.Second))
}

// cleanup removes stale client entries
func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stopCh:
			return
		case <-ticker.C:
			rl.mu.Lock()
			now := rl.now()
			for clientID, bucket := range rl.clients {
				if now.Sub(bucket.lastRefill) > 10*time.Minute {
					delete(rl.clients, clientID)
				}
			}
			rl.mu.Unlock()
		}
	}
}

// Close stops the cleanup goroutine
func (rl *RateLimiter) Close() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}
