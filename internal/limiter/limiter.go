package limiter

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/itstheanurag/runbox/internal/metrics"
	"golang.org/x/time/rate"
)

// TenantHeader identifies the caller. Requests without it are limited by client IP.
const TenantHeader = "X-User-ID"

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
	inFlight int
}

type RateLimiter struct {
	globalLimiter *rate.Limiter
	tenantRate    rate.Limit
	tenantBurst   int
	maxConcurrent int64
	maxPerTenant  int

	mu          sync.Mutex
	tenants     map[string]*entry
	currentConc int64
	now         func() time.Time
}

// NewRateLimiter limits request rate globally and per key. At most
// maxConcurrent requests are in flight, and at most maxPerTenant of them
// share a key.
func NewRateLimiter(globalRPS float64, tenantRPS float64, tenantBurst int, maxConcurrent int, maxPerTenant int) *RateLimiter {
	globalBurst := int(globalRPS) * 2
	if globalBurst < 1 {
		globalBurst = 1
	}
	return &RateLimiter{
		globalLimiter: rate.NewLimiter(rate.Limit(globalRPS), globalBurst),
		tenantRate:    rate.Limit(tenantRPS),
		tenantBurst:   tenantBurst,
		maxConcurrent: int64(maxConcurrent),
		maxPerTenant:  maxPerTenant,
		tenants:       make(map[string]*entry),
		now:           time.Now,
	}
}

func (rl *RateLimiter) tenant(key string) *entry {
	e, ok := rl.tenants[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(rl.tenantRate, rl.tenantBurst)}
		rl.tenants[key] = e
	}
	e.lastSeen = rl.now()
	return e
}

// Allow reserves one concurrency slot for key. Callers must call Done(key)
// when Allow returned true.
func (rl *RateLimiter) Allow(key string) bool {
	if !rl.globalLimiter.Allow() {
		metrics.RateLimitHits.Inc()
		return false
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	e := rl.tenant(key)
	if e.inFlight >= rl.maxPerTenant {
		metrics.RateLimitHits.Inc()
		return false
	}
	if !e.limiter.Allow() {
		metrics.RateLimitHits.Inc()
		return false
	}
	if rl.currentConc >= rl.maxConcurrent {
		metrics.RateLimitHits.Inc()
		return false
	}
	rl.currentConc++
	e.inFlight++
	return true
}

func (rl *RateLimiter) Done(key string) {
	rl.mu.Lock()
	if rl.currentConc > 0 {
		rl.currentConc--
	}
	if e, ok := rl.tenants[key]; ok && e.inFlight > 0 {
		e.inFlight--
	}
	rl.mu.Unlock()
}

func Key(c *gin.Context) string {
	if tenant := c.GetHeader(TenantHeader); tenant != "" {
		return "tenant:" + tenant
	}
	return "ip:" + c.ClientIP()
}

func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := Key(c)
		if !rl.Allow(key) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
			return
		}
		defer rl.Done(key)

		c.Next()
	}
}

// Prune drops limiters not used since cutoff and returns how many were dropped.
func (rl *RateLimiter) Prune(cutoff time.Time) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	n := 0
	for key, e := range rl.tenants {
		if e.inFlight == 0 && e.lastSeen.Before(cutoff) {
			delete(rl.tenants, key)
			n++
		}
	}
	return n
}

// StartCleanup prunes limiters idle for longer than interval until ctx is done.
func (rl *RateLimiter) StartCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rl.Prune(rl.now().Add(-interval))
			case <-ctx.Done():
				return
			}
		}
	}()
}
