package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func newTestLimiter(t *testing.T, cfg Config) (*Limiter, *time.Time) {
	t.Helper()
	l := New(cfg)
	t.Cleanup(l.Stop)
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return clock }
	return l, &clock
}

func TestAllow_BurstThenRefill(t *testing.T) {
	l, clock := newTestLimiter(t, Config{Burst: 3})

	for i := range 3 {
		assert.True(t, l.Allow("ip", 60), "request %d within burst", i)
	}
	assert.False(t, l.Allow("ip", 60))

	*clock = clock.Add(time.Second)
	assert.True(t, l.Allow("ip", 60), "one token per second at 60/min")
	assert.False(t, l.Allow("ip", 60))

	*clock = clock.Add(time.Hour)
	for range 3 {
		assert.True(t, l.Allow("ip", 60))
	}
	assert.False(t, l.Allow("ip", 60), "refill is capped at the burst")
}

func TestAllow_KeysAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(t, Config{Burst: 1})
	assert.True(t, l.Allow("a", 60))
	assert.False(t, l.Allow("a", 60))
	assert.True(t, l.Allow("b", 60))
}

func TestAllow_ZeroRateIsUnlimited(t *testing.T) {
	l, _ := newTestLimiter(t, Config{Burst: 1})
	for range 10 {
		assert.True(t, l.Allow("a", 0))
	}
}

func TestMiddleware_WritesHaveTheirOwnBudget(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l, _ := newTestLimiter(t, Config{ReadsPerMinute: 600, WritesPerMinute: 6, Burst: 1})

	r := gin.New()
	r.Use(l.Middleware())
	r.GET("/v1/ledger", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.POST("/v1/offers", func(c *gin.Context) { c.Status(http.StatusCreated) })

	call := func(method, path string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(method, path, nil))
		return w
	}

	assert.Equal(t, http.StatusCreated, call(http.MethodPost, "/v1/offers").Code)
	w := call(http.MethodPost, "/v1/offers")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "10", w.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusOK, call(http.MethodGet, "/v1/ledger").Code)
}

func TestStop_Idempotent(t *testing.T) {
	l := New(DefaultConfig())
	l.Stop()
	l.Stop()
}
