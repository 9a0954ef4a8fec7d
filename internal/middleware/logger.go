package middleware

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
)

// Logger emits one structured access log line per request. Proxied player
// traffic is logged at debug to keep the info stream readable during an
// event; API and error responses log at info and warn.
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		attrs := []any{
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("duration", time.Since(start)),
			slog.String("client_ip", c.ClientIP()),
		}
		if id, exists := c.Get(RequestIDKey); exists {
			attrs = append(attrs, slog.Any("request_id", id))
		}

		switch {
		case c.Writer.Status() >= 500:
			slog.Error("request failed", attrs...)
		case c.Writer.Status() >= 400:
			slog.Warn("request rejected", attrs...)
		case c.FullPath() == "":
			// proxied traffic
			slog.Debug("request", attrs...)
		default:
			slog.Info("request", attrs...)
		}
	}
}
