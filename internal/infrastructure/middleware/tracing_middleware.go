package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"videorelay/pkg/logger"
	"videorelay/pkg/tracing"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// TracingMiddleware opens a span per request, tagged with the stream or
// channel index of video routes. Relayed viewers keep their span open for
// as long as they watch.
func TracingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		ctx, span := tracing.TraceHTTPRequest(c.Request.Context(), c.Request.Method, route)
		defer span.End()

		span.SetAttributes(
			attribute.String("http.client_ip", c.ClientIP()),
			attribute.String("http.user_agent", c.Request.UserAgent()),
		)
		if index, err := strconv.Atoi(c.Param("index")); err == nil {
			key := tracing.StreamIndexKey
			if strings.Contains(route, "/channel/") {
				key = tracing.ChannelIndexKey
			}
			span.SetAttributes(key.Int(index))
		}
		c.Request = c.Request.WithContext(ctx)

		start := time.Now()
		c.Next()

		span.SetAttributes(attribute.Int("http.status_code", c.Writer.Status()))
		tracing.MeasureDuration(ctx, start)
		if err := c.Errors.Last(); err != nil {
			tracing.RecordError(ctx, err.Err)
		} else if c.Writer.Status() >= 500 {
			span.SetStatus(codes.Error, http.StatusText(c.Writer.Status()))
		}
	}
}

// RequestLoggingMiddleware logs one line per finished request with the
// request id, viewer and trace id from the context.
func RequestLoggingMiddleware(cl *logger.ContextLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		cl.LogRequest(c.Request.Context(), logger.Request{
			Method:   c.Request.Method,
			Route:    c.FullPath(),
			Path:     c.Request.URL.Path,
			Status:   c.Writer.Status(),
			Bytes:    c.Writer.Size(),
			Duration: time.Since(start),
		})
	}
}
