package middleware

import (
	"net/http"

	"sfugate/pkg/errors"
	rlog "sfugate/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ErrorResponse is the JSON body of every failed HTTP request.
type ErrorResponse struct {
	Error   errors.ErrorCode       `json:"error"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// AbortWithError writes err as an ErrorResponse and stops the chain.
func AbortWithError(c *gin.Context, err error) {
	_ = c.Error(err)
	appErr := errors.GetAppError(err)
	if appErr == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, ErrorResponse{
			Error:   errors.ErrCodeInternal,
			Message: "Internal server error",
		})
		return
	}
	var details map[string]interface{}
	if len(appErr.Context) > 0 {
		details = appErr.Context
	}
	c.AbortWithStatusJSON(appErr.Code.HTTPStatus(), ErrorResponse{
		Error:   appErr.Code,
		Message: appErr.Message,
		Details: details,
	})
}

// ErrorHandlerMiddleware turns errors attached by handlers into responses
// and logs them.
func ErrorHandlerMiddleware(base *zap.SugaredLogger) gin.HandlerFunc {
	cl := rlog.NewContextLogger(base.Desugar())
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}
		err := c.Errors.Last().Err
		logger := cl.Sugar(c.Request.Context())

		if appErr := errors.GetAppError(err); appErr != nil {
			log := logger.Infow
			if appErr.Code.HTTPStatus() >= http.StatusInternalServerError {
				log = logger.Errorw
			}
			log("Request failed",
				"code", appErr.Code,
				"message", appErr.Message,
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
				"error", err,
			)
		} else {
			logger.Errorw("Unhandled error",
				"error", err,
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
			)
		}

		if !c.Writer.Written() {
			AbortWithError(c, err)
		}
	}
}

// RecoveryMiddleware recovers from panics and returns proper error responses
func RecoveryMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorw("Panic recovered",
					"panic", r,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, ErrorResponse{
					Error:   errors.ErrCodeInternal,
					Message: "Internal server error",
				})
			}
		}()

		c.Next()
	}
}
