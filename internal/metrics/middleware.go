package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

const unmatchedRoute = "unmatched"

// Middleware records request counts and latency per gin route template.
func (metrics *Metrics) Middleware() gin.HandlerFunc {
	return func(context *gin.Context) {
		start := time.Now()
		context.Next()

		route := context.FullPath()
		if route == "" {
			route = unmatchedRoute
		}
		status := strconv.Itoa(context.Writer.Status())
		metrics.RequestsTotal.WithLabelValues(route, context.Request.Method, status).Inc()
		metrics.RequestLatency.WithLabelValues(route, context.Request.Method, status).Observe(time.Since(start).Seconds())
	}
}
