package handler

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// Anchor writes funnel through the single-flight ledger submission queue, so
// one client bursting writes stalls every caller queued behind it. Reads only
// touch the ledger's query path. The limiter therefore keeps two buckets per
// client: a roomy one for read traffic and a tight one for writes.

const visitorTTL = 10 * time.Minute

type visitor struct {
	reads    *rate.Limiter
	writes   *rate.Limiter
	lastSeen time.Time
}

// RateLimiter returns a Gin middleware enforcing per-client token buckets,
// with separate read and write budgets. Non-GET requests draw from the write
// bucket. Clients idle past visitorTTL are evicted by a background sweep.
func RateLimiter(readRPS, writeRPS int) gin.HandlerFunc {
	var mu sync.Mutex
	visitors := make(map[string]*visitor)

	go func() {
		ticker := time.NewTicker(visitorTTL / 2)
		defer ticker.Stop()
		for range ticker.C {
			mu.Lock()
			for ip, v := range visitors {
				if time.Since(v.lastSeen) > visitorTTL {
					delete(visitors, ip)
				}
			}
			mu.Unlock()
		}
	}()

	return func(c *gin.Context) {
		ip := c.ClientIP()

		mu.Lock()
		v, ok := visitors[ip]
		if !ok {
			v = &visitor{
				reads:  rate.NewLimiter(rate.Limit(readRPS), readRPS*2),
				writes: rate.NewLimiter(rate.Limit(writeRPS), writeRPS),
			}
			visitors[ip] = v
		}
		v.lastSeen = time.Now()
		mu.Unlock()

		limiter := v.reads
		if c.Request.Method != http.MethodGet {
			limiter = v.writes
		}

		res := limiter.Reserve()
		if delay := res.Delay(); delay > 0 {
			res.Cancel()
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(delay.Seconds()))))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}
