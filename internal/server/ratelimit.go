package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/MarcoPoloResearchLab/renote/internal/faststore"
)

const defaultRateWindow = 60 * time.Second

// rateLimit is an advisory per-IP fixed-window limiter backed by fast-store
// counters. A zero max disables it, and store errors fail open: throttling is
// load shedding, not an availability dependency.
func rateLimit(store *faststore.Store, max int, window time.Duration) gin.HandlerFunc {
	if max <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	if window <= 0 {
		window = defaultRateWindow
	}
	return func(c *gin.Context) {
		bucket := time.Now().Unix() / int64(window/time.Second)
		key := fmt.Sprintf("rl:%s:%d", c.ClientIP(), bucket)
		count, err := store.IncrWithExpiry(c.Request.Context(), key, window)
		if err != nil {
			c.Next()
			return
		}
		if count > int64(max) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"ok": false, "error": "rate_limited"})
			return
		}
		c.Next()
	}
}
