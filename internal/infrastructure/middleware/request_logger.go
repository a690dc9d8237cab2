package middleware

import (
	rlog "sfugate/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	RequestIDHeader = "X-Request-ID"

	maxRequestIDLength = 64
)

// RequestLogger tags the request context with a request id, echoed in the
// X-Request-ID response header, and logs every request after it completes.
// A client supplied id is kept if it is short enough.
func RequestLogger(base *zap.SugaredLogger) gin.HandlerFunc {
	cl := rlog.NewContextLogger(base.Desugar())
	return func(c *gin.Context) {
		start := timeNow()

		id := c.GetHeader(RequestIDHeader)
		if id == "" || len(id) > maxRequestIDLength {
			id = uuid.NewString()
		}
		c.Header(RequestIDHeader, id)
		c.Request = c.Request.WithContext(rlog.WithRequestID(c.Request.Context(), id))

		c.Next()

		cl.LogRequest(c.Request.Context(),
			c.Request.Method,
			c.Request.URL.Path,
			c.Writer.Status(),
			timeNow().Sub(start).Milliseconds(),
		)
	}
}
