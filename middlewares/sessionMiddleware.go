package middlewares

import (
	"net/http"
	"strconv"
	"time"

	"bitbucket.org/mmdatafocus/order_sync_backend/metrics"
	"bitbucket.org/mmdatafocus/order_sync_backend/utils"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const HeaderCorrelationId = "x-correlation-id"

// CorrelationId tags the request context with the caller's correlation id or
// a fresh one, and echoes it back.
func CorrelationId() gin.HandlerFunc {
	return func(c *gin.Context) {
		cid := c.GetHeader(HeaderCorrelationId)
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Header(HeaderCorrelationId, cid)
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	}
}

func RequestLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
		entry := logger.WithFields(logrus.Fields{
			"status":         c.Writer.Status(),
			"method":         c.Request.Method,
			"path":           c.Request.URL.Path,
			"latency":        latency.String(),
			"correlation_id": cid,
		})
		if companyId, ok := utils.GetCompanyIdFromContext(c.Request.Context()); ok {
			entry = entry.WithField("company_id", companyId)
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Error("request")
			return
		}
		entry.Info("request")
	}
}

// HTTPMetrics records request counts and latency by route template.
func HTTPMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())
		metrics.HTTPRequests.WithLabelValues(c.Request.Method, path, status).Inc()
		metrics.HTTPDuration.WithLabelValues(c.Request.Method, path, status).Observe(time.Since(start).Seconds())
	}
}
