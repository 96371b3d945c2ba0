// Package ratelimit throttles API clients with per-IP token buckets.
//
// Reads and writes draw from separate buckets so a client polling the
// ledger cannot starve its own offer submissions, and a burst of writes
// cannot be used to hammer settlement.
package ratelimit

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

type Config struct {
	ReadsPerMinute  int
	WritesPerMinute int
	Burst           int
	CleanupInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		ReadsPerMinute:  600,
		WritesPerMinute: 60,
		Burst:           20,
		CleanupInterval: time.Minute,
	}
}

type bucket struct {
	tokens float64
	last   time.Time
}

// Limiter tracks buckets by key. Stop releases the cleanup goroutine.
type Limiter struct {
	cfg     Config
	mu      sync.Mutex
	buckets map[string]*bucket
	stop    chan struct{}
	once    sync.Once
	now     func() time.Time
}

func New(cfg Config) *Limiter {
	if cfg.Burst < 1 {
		cfg.Burst = 1
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	l := &Limiter{
		cfg:     cfg,
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
		now:     time.Now,
	}
	go l.cleanup()
	return l
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cutoff := l.now().Add(-2 * l.cfg.CleanupInterval)
			l.mu.Lock()
			for k, b := range l.buckets {
				if b.last.Before(cutoff) {
					delete(l.buckets, k)
				}
			}
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}

func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

// Allow takes one token from key's bucket, refilled at perMinute.
func (l *Limiter) Allow(key string, perMinute int) bool {
	if perMinute <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		l.buckets[key] = &bucket{tokens: float64(l.cfg.Burst - 1), last: now}
		return true
	}

	b.tokens += now.Sub(b.last).Seconds() * float64(perMinute) / 60
	b.tokens = min(b.tokens, float64(l.cfg.Burst))
	b.last = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

func isWrite(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	}
	return true
}

// Middleware rejects requests over the client's budget with 429.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key, rate := "r:"+c.ClientIP(), l.cfg.ReadsPerMinute
		if isWrite(c.Request.Method) {
			key, rate = "w:"+c.ClientIP(), l.cfg.WritesPerMinute
		}
		if !l.Allow(key, rate) {
			c.Header("Retry-After", strconv.Itoa(max(1, 60/max(rate, 1))))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate_limited",
				"message": "too many requests",
			})
			return
		}
		c.Next()
	}
}
