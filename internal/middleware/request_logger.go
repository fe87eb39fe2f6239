package middleware

import (
	"time"

	"github.com/cuebase/cuebase/internal/logger"
	"github.com/gin-gonic/gin"
)

// RequestLogger logs completed HTTP requests. Health and metrics probes
// are skipped to keep the log readable under polling.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		if path == "/health" || path == "/metrics" {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()

		logger.Info("%s %s -> %d (%s, %d bytes)",
			c.Request.Method, path, c.Writer.Status(),
			time.Since(start).Round(time.Millisecond), c.Writer.Size())
	}
}

// ErrorLogger surfaces handler errors attached to the gin context.
func ErrorLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		for _, err := range c.Errors {
			logger.Error("Request %s %s failed: %v", c.Request.Method, c.Request.URL.Path, err.Err)
		}
	}
}
