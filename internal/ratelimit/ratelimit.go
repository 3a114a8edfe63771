// Package ratelimit throttles authenticated ledger calls with one
// rate.Limiter per owner. Anonymous callers are keyed by client IP.
package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/mbd888/stakeledger/internal/auth"
	"github.com/mbd888/stakeledger/internal/metrics"
)

// Config sets the bucket shape. Reads cost one token; POSTs cost
// MutationCost tokens.
type Config struct {
	RequestsPerMinute int
	BurstSize         int
	MutationCost      int
	// IdleTTL is how long an untouched bucket is kept.
	IdleTTL time.Duration
}

// DefaultConfig allows a steady request per second with bursts of ten.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 60,
		BurstSize:         10,
		MutationCost:      1,
		IdleTTL:           2 * time.Minute,
	}
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// Decision is the outcome of one Take.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter holds the buckets. Stop releases its sweeper goroutine.
type Limiter struct {
	cfg     Config
	every   rate.Limit
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
	stop    chan struct{}
	stopped sync.Once
}

func New(cfg Config) *Limiter {
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = 1
	}
	if cfg.MutationCost <= 0 {
		cfg.MutationCost = 1
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 2 * time.Minute
	}
	l := &Limiter{
		cfg:     cfg,
		every:   rate.Limit(float64(cfg.RequestsPerMinute) / 60),
		buckets: make(map[string]*bucket),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go l.sweep()
	return l
}

func (l *Limiter) sweep() {
	t := time.NewTicker(l.cfg.IdleTTL / 2)
	defer t.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-t.C:
			l.mu.Lock()
			cutoff := l.now().Add(-l.cfg.IdleTTL)
			for k, b := range l.buckets {
				if b.seen.Before(cutoff) {
					delete(l.buckets, k)
				}
			}
			l.mu.Unlock()
		}
	}
}

// Stop is idempotent.
func (l *Limiter) Stop() {
	l.stopped.Do(func() { close(l.stop) })
}

// Allow takes one token for key.
func (l *Limiter) Allow(key string) bool {
	return l.Take(key, 1).Allowed
}

// Take removes cost tokens from key's bucket if it holds that many.
func (l *Limiter) Take(key string, cost int) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(l.every, l.cfg.BurstSize)}
		l.buckets[key] = b
	}
	b.seen = now

	if b.lim.AllowN(now, cost) {
		return Decision{Allowed: true, Remaining: int(b.lim.TokensAt(now))}
	}
	tokens := b.lim.TokensAt(now)
	d := Decision{Remaining: max(0, int(tokens)), RetryAfter: time.Minute}
	if l.every > 0 {
		d.RetryAfter = time.Duration((float64(cost) - tokens) / float64(l.every) * float64(time.Second))
	}
	return d
}

// Middleware limits by the authenticated owner when there is one. Mount it
// after auth.Middleware.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		kind, key := "ip", "ip:"+c.ClientIP()
		if owner := auth.GetAuthenticatedAddress(c); owner != "" {
			kind, key = "owner", "owner:"+owner
		}
		cost := 1
		if c.Request.Method == http.MethodPost {
			cost = l.cfg.MutationCost
		}

		d := l.Take(key, cost)
		c.Header("X-RateLimit-Limit", strconv.Itoa(l.cfg.BurstSize))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		if d.Allowed {
			c.Next()
			return
		}

		metrics.RateLimitedTotal.WithLabelValues(kind).Inc()
		secs := max(1, int(math.Ceil(d.RetryAfter.Seconds())))
		c.Header("Retry-After", strconv.Itoa(secs))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":      "rate_limit_exceeded",
			"message":    "Too many requests. Retry after " + strconv.Itoa(secs) + "s.",
			"retryAfter": secs,
		})
	}
}
