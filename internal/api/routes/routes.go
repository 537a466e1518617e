package routes

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gocomet/ride-dispatch/internal/api/handlers"
	"github.com/gocomet/ride-dispatch/pkg/metrics"
	"github.com/newrelic/go-agent/v3/integrations/nrgin"
	"github.com/newrelic/go-agent/v3/newrelic"
)

// SetupRoutes configures all API routes
func SetupRoutes(r *gin.Engine, h *handlers.Handlers, nrApp *newrelic.Application, httpMetrics *metrics.HTTP) {
	// Add New Relic middleware if enabled
	if nrApp != nil {
		r.Use(nrgin.Middleware(nrApp))
	}
	if httpMetrics != nil {
		r.Use(Instrument(httpMetrics))
	}

	v1 := r.Group("/v1")
	{
		v1.POST("/events", h.PostEvent)
		v1.GET("/ws", h.HandleWebSocket)
	}
}

// Instrument records request counts and latency by route template
func Instrument(m *metrics.HTTP) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())
		m.RequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		m.RequestDuration.WithLabelValues(c.Request.Method, path, status).Observe(time.Since(start).Seconds())
	}
}
