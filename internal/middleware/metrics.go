package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ctf-party/balancer/internal/telemetry"
)

// Metrics records the request counter and latency histogram for every
// request passing through the router. The path label is the matched route
// template from c.FullPath(); requests that match no route (which includes
// all proxied player traffic handled by NoRoute) share a single label so
// arbitrary URLs cannot inflate cardinality.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "<no-route>"
		}

		method := c.Request.Method
		status := strconv.Itoa(c.Writer.Status())
		telemetry.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
		telemetry.HTTPRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}
