package mw

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// idleLimiterTTL is how long a client's limiter survives without requests.
const idleLimiterTTL = 10 * time.Minute

// ClientRateLimiter stores a rate limiter for each client address. Limiters
// of idle clients expire so kiosks that come and go do not accumulate.
type ClientRateLimiter struct {
	clients *cache.Cache
	mu      sync.Mutex
	r       rate.Limit
	b       int
}

// NewClientRateLimiter creates a new ClientRateLimiter.
func NewClientRateLimiter(r rate.Limit, b int) *ClientRateLimiter {
	return &ClientRateLimiter{
		clients: cache.New(idleLimiterTTL, idleLimiterTTL),
		r:       r,
		b:       b,
	}
}

// GetLimiter returns the rate limiter for a client, creating it on first use.
func (l *ClientRateLimiter) GetLimiter(client string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if v, found := l.clients.Get(client); found {
		limiter := v.(*rate.Limiter)
		l.clients.Set(client, limiter, cache.DefaultExpiration)
		return limiter
	}
	limiter := rate.NewLimiter(l.r, l.b)
	l.clients.Set(client, limiter, cache.DefaultExpiration)
	return limiter
}

// Clients is the number of clients currently tracked.
func (l *ClientRateLimiter) Clients() int {
	return l.clients.ItemCount()
}

// RateLimiter is a middleware for per-client rate limiting.
func RateLimiter(r rate.Limit, b int) gin.HandlerFunc {
	return RateLimiterWith(NewClientRateLimiter(r, b))
}

// RateLimiterWith is RateLimiter over an existing limiter set.
func RateLimiterWith(limiter *ClientRateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiter.GetLimiter(c.ClientIP()).Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited", "message": "too many requests"})
			return
		}
		c.Next()
	}
}
