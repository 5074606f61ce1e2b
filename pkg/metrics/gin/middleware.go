package gin

import (
	"strconv"
	"time"

	"github.com/courseloom/courseloom/pkg/metrics"
	"github.com/gin-gonic/gin"
)

// PrometheusMiddleware records per-request metrics for a gin engine.
func PrometheusMiddleware(serviceName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		statusCode := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method + " " + c.FullPath()

		metrics.RecordRequest(serviceName, method, statusCode, time.Since(start))
	}
}
