package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// TokenBucketLimiter 按键的令牌桶限流器
type TokenBucketLimiter struct {
	limiters map[string]*rate.Limiter
	lastSeen map[string]time.Time
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
	cleanup  time.Duration
	stop     chan struct{}
	stopOnce sync.Once
}

// NewTokenBucketLimiter 创建令牌桶限流器
func NewTokenBucketLimiter(rps rate.Limit, burst int, cleanup time.Duration) *TokenBucketLimiter {
	if cleanup <= 0 {
		cleanup = 10 * time.Minute
	}
	limiter := &TokenBucketLimiter{
		limiters: make(map[string]*rate.Limiter),
		lastSeen: make(map[string]time.Time),
		rate:     rps,
		burst:    burst,
		cleanup:  cleanup,
		stop:     make(chan struct{}),
	}

	go limiter.cleanupRoutine()

	return limiter
}

// PerMinute 每分钟n次
func PerMinute(n int) rate.Limit {
	return rate.Every(time.Minute / time.Duration(n))
}

// Allow 检查是否允许请求
func (l *TokenBucketLimiter) Allow(key string) bool {
	l.mu.Lock()
	limiter, exists := l.limiters[key]
	if !exists {
		limiter = rate.NewLimiter(l.rate, l.burst)
		l.limiters[key] = limiter
	}
	l.lastSeen[key] = time.Now()
	l.mu.Unlock()

	return limiter.Allow()
}

// Remaining 剩余令牌数估算
func (l *TokenBucketLimiter) Remaining(key string) int {
	l.mu.Lock()
	limiter, exists := l.limiters[key]
	l.mu.Unlock()

	if !exists {
		return l.burst
	}
	tokens := limiter.Tokens()
	if tokens < 0 {
		return 0
	}
	return int(tokens)
}

// Stop 停止清理协程
func (l *TokenBucketLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// cleanupRoutine 定期清理过期的限流器
func (l *TokenBucketLimiter) cleanupRoutine() {
	ticker := time.NewTicker(l.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.mu.Lock()
			now := time.Now()
			for key, lastSeen := range l.lastSeen {
				if now.Sub(lastSeen) > l.cleanup {
					delete(l.limiters, key)
					delete(l.lastSeen, key)
				}
			}
			l.mu.Unlock()
		}
	}
}

// RateLimitByIP 按客户端IP限流，超限时调用onLimited（记录审计事件）
func RateLimitByIP(limiter *TokenBucketLimiter, onLimited func(c *gin.Context)) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP() + "|" + c.FullPath()
		if limiter.Allow(key) {
			c.Header("X-RateLimit-Remaining", strconv.Itoa(limiter.Remaining(key)))
			c.Next()
			return
		}

		if onLimited != nil {
			onLimited(c)
		}
		c.Header("Retry-After", "60")
		responses.Abort(c, http.StatusTooManyRequests, "rate_limited", "请求过于频繁，请稍后再试")
	}
}
