package http

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// LoggingMiddleware prints request/response metrics.
func LoggingMiddleware(log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Infow("http request",
			"method", c.Request.Method, "path", c.FullPath(),
			"status", c.Writer.Status(), "latency", time.Since(start))
	}
}

// RecoveryMiddleware turns a handler panic into a 500.
func RecoveryMiddleware(log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if p := recover(); p != nil {
				log.Errorw("http handler panic", "path", c.Request.URL.Path, "panic", p)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			}
		}()
		c.Next()
	}
}

// clientIdleTTL is how long an address keeps its bucket after its last request.
const clientIdleTTL = 10 * time.Minute

type clientBucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// ipLimiter keeps one token bucket per client address and forgets addresses
// idle for longer than ttl.
type ipLimiter struct {
	mu      sync.Mutex
	rps     rate.Limit
	burst   int
	ttl     time.Duration
	clients map[string]*clientBucket
	pruned  time.Time
	nowFn   func() time.Time
}

func newIPLimiter(rps, burst int, ttl time.Duration) *ipLimiter {
	return &ipLimiter{
		rps: rate.Limit(rps), burst: burst, ttl: ttl,
		clients: make(map[string]*clientBucket),
		nowFn:   time.Now,
	}
}

func (l *ipLimiter) allow(ip string) bool {
	l.mu.Lock()
	now := l.nowFn()
	if now.Sub(l.pruned) >= l.ttl {
		for k, b := range l.clients {
			if now.Sub(b.seen) >= l.ttl {
				delete(l.clients, k)
			}
		}
		l.pruned = now
	}
	b, ok := l.clients[ip]
	if !ok {
		b = &clientBucket{lim: rate.NewLimiter(l.rps, l.burst)}
		l.clients[ip] = b
	}
	b.seen = now
	l.mu.Unlock()
	return b.lim.AllowN(now, 1)
}

func (l *ipLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

// RateLimitMiddleware applies a token bucket per client IP.
func RateLimitMiddleware(rps, burst int) gin.HandlerFunc {
	return rateLimit(newIPLimiter(rps, burst, clientIdleTTL))
}

func rateLimit(l *ipLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		ip, _, err := net.SplitHostPort(c.Request.RemoteAddr)
		if err != nil {
			ip = c.Request.RemoteAddr
		}
		if !l.allow(ip) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
