package middleware

import (
	"strings"

	"sfugate/internal/core/domain"
	"sfugate/internal/core/services"
	"sfugate/pkg/errors"

	"github.com/gin-gonic/gin"
)

const (
	ContextSubject = "subject"
	ContextRoomID  = "token_room_id"
)

func bearerToken(c *gin.Context) (string, bool) {
	parts := strings.SplitN(c.GetHeader("Authorization"), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// AuthMiddleware requires a valid bearer token. A nil service disables the
// check.
func AuthMiddleware(tokens *services.TokenService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if tokens == nil {
			c.Next()
			return
		}

		token, ok := bearerToken(c)
		if !ok {
			AbortWithError(c, errors.NewNotAuthorized("bearer token required"))
			return
		}
		claims, err := tokens.Validate(token)
		if err != nil {
			AbortWithError(c, errors.Wrap(err, errors.ErrCodeNotAuthorized, err.Error()))
			return
		}

		c.Set(ContextSubject, claims.Subject)
		c.Set(ContextRoomID, claims.RoomID)
		c.Next()
	}
}

// RoomScopeMiddleware rejects tokens scoped to a room other than the one in
// the :room path parameter. Unscoped tokens pass.
func RoomScopeMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		v, exists := c.Get(ContextRoomID)
		if !exists {
			c.Next()
			return
		}
		scope, _ := v.(domain.RoomID)
		if scope != "" && scope != domain.RoomID(c.Param("room")) {
			AbortWithError(c, errors.NewNotAuthorized("token is scoped to another room"))
			return
		}
		c.Next()
	}
}
