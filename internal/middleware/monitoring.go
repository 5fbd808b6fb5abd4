package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"exploding/gateway/internal/monitoring"
)

// HTTPMetrics HTTP 指标中间件
func HTTPMetrics(metrics *monitoring.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		metrics.RecordHTTPRequest(
			c.Request.Method,
			strconv.Itoa(c.Writer.Status()),
			time.Since(start),
		)
	}
}
