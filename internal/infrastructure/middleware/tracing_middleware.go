package middleware

import (
	"sfugate/pkg/errors"
	"sfugate/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
)

// SignalRoute is the route attribute for signaling upgrades, which are served
// outside gin's route table.
const SignalRoute = "signal"

// TracingMiddleware opens a server span per request, continuing any trace the
// caller propagated. Requests on signalPath are tagged with the room they join
// (falling back to defaultRoom) so a websocket session can be found by room.
func TracingMiddleware(signalPath, defaultRoom string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := otel.GetTextMapPropagator().Extract(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))

		route := c.FullPath()
		room := c.Param("room")
		signaling := c.Request.URL.Path == signalPath
		if signaling {
			route = SignalRoute
			if room = c.Query("room"); room == "" {
				room = defaultRoom
			}
		}

		ctx, span := tracing.TraceHTTPRequest(ctx, c.Request.Method, route)
		defer span.End()

		span.SetAttributes(
			attribute.String("http.remote_addr", c.ClientIP()),
			attribute.String("request.id", c.Writer.Header().Get(RequestIDHeader)),
		)
		if room != "" {
			span.SetAttributes(tracing.RoomIDKey.String(room))
		}
		if signaling {
			span.SetAttributes(attribute.Bool("signal.upgrade", websocket.IsWebSocketUpgrade(c.Request)))
		}

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(attribute.Int("http.status_code", status))
		if subject := c.GetString(ContextSubject); subject != "" {
			span.SetAttributes(attribute.String("auth.subject", subject))
		}
		if last := c.Errors.Last(); last != nil {
			span.SetAttributes(tracing.ErrorCodeKey.String(string(errors.CodeOf(last.Err))))
			tracing.RecordError(ctx, last.Err)
		}
		if status >= 500 {
			span.SetStatus(codes.Error, c.Errors.String())
		}
	}
}
