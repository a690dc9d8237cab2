package http

import (
	"net/http"

	"sfugate/internal/core/domain"
	"sfugate/internal/core/services"
	"sfugate/internal/infrastructure/middleware"
	apperrors "sfugate/pkg/errors"
	"sfugate/pkg/validation"

	"github.com/gin-gonic/gin"
)

// AuthHandler mints room tokens. Only callers holding an unscoped token may
// mint; the first such token is issued from the command line.
type AuthHandler struct {
	tokens *services.TokenService
}

func NewAuthHandler(tokens *services.TokenService) *AuthHandler {
	return &AuthHandler{tokens: tokens}
}

func (h *AuthHandler) SetupRoutes(api *gin.RouterGroup) {
	api.POST("/auth/token", h.IssueToken)
}

func (h *AuthHandler) IssueToken(c *gin.Context) {
	if scope, _ := c.Get(middleware.ContextRoomID); scope != nil && scope != domain.RoomID("") {
		_ = c.Error(apperrors.NewNotAuthorized("room-scoped tokens cannot issue tokens"))
		return
	}

	var req struct {
		Subject string        `json:"subject" binding:"required"`
		RoomID  domain.RoomID `json:"roomId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.NewInvalidRequest(err.Error()))
		return
	}
	if err := validation.ValidateSubject(req.Subject); err != nil {
		_ = c.Error(apperrors.NewInvalidRequest(err.Error()))
		return
	}
	if req.RoomID != "" {
		if err := validation.ValidateRoomID(string(req.RoomID)); err != nil {
			_ = c.Error(apperrors.NewInvalidRequest(err.Error()))
			return
		}
	}

	token, expires, err := h.tokens.Issue(req.Subject, req.RoomID)
	if err != nil {
		_ = c.Error(apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to issue token"))
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"token":     token,
		"roomId":    req.RoomID,
		"expiresAt": expires,
	})
}
