// Package server holds the HTTP middleware and response helpers shared by
// the orchestrator, registry, and session handlers.
package server

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Error writes the shared error shape { error, message }.
func Error(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{"error": code, "message": message})
}

// ErrorWithDetails writes the error shape with a details object.
func ErrorWithDetails(c *gin.Context, status int, code, message string, details any) {
	c.AbortWithStatusJSON(status, gin.H{"error": code, "message": message, "details": details})
}

type clientBucket struct {
	bucket   *rate.Limiter
	lastSeen time.Time
}

// rateTable tracks one token bucket per client IP. Buckets idle longer than
// staleAfter are evicted by a background sweep.
type rateTable struct {
	mu      sync.Mutex
	rps     rate.Limit
	burst   int
	clients map[string]*clientBucket
}

const bucketStaleAfter = 10 * time.Minute

func (t *rateTable) allow(ip string) bool {
	t.mu.Lock()
	b, ok := t.clients[ip]
	if !ok {
		b = &clientBucket{bucket: rate.NewLimiter(t.rps, t.burst)}
		t.clients[ip] = b
	}
	b.lastSeen = time.Now()
	t.mu.Unlock()
	return b.bucket.Allow()
}

func (t *rateTable) sweep() {
	for {
		time.Sleep(5 * time.Minute)
		t.mu.Lock()
		for ip, b := range t.clients {
			if time.Since(b.lastSeen) > bucketStaleAfter {
				delete(t.clients, ip)
			}
		}
		t.mu.Unlock()
	}
}

// RateLimiter enforces per-IP token-bucket rate limiting. rps is the
// steady-state requests per second; burst is the maximum burst size.
func RateLimiter(rps, burst int) gin.HandlerFunc {
	table := &rateTable{
		rps:     rate.Limit(rps),
		burst:   burst,
		clients: make(map[string]*clientBucket),
	}
	go table.sweep()

	return func(c *gin.Context) {
		if !table.allow(c.ClientIP()) {
			c.Header("Retry-After", "1")
			Error(c, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
			return
		}
		c.Next()
	}
}

// SecurityHeaders sets the standard response hardening headers.
func SecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	}
}

// BodyLimit caps request bodies at maxBytes.
func BodyLimit(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// RequestLogger returns a Gin middleware that logs each request with zap.
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}

// CORS builds the CORS middleware for the given origins.
func CORS(origins []string) gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: !containsWildcard(origins),
		MaxAge:           12 * time.Hour,
	})
}

// containsWildcard returns true if origins includes "*".
func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}
