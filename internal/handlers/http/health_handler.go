package http

import (
	"context"
	"net/http"
	"time"

	"sfugate/internal/core/services"
	"sfugate/internal/infrastructure/monitoring"

	"github.com/gin-gonic/gin"
)

type HealthHandler struct {
	checker *monitoring.HealthChecker
	rooms   *services.RoomManager
	started time.Time
}

func NewHealthHandler(checker *monitoring.HealthChecker, rooms *services.RoomManager) *HealthHandler {
	return &HealthHandler{
		checker: checker,
		rooms:   rooms,
		started: time.Now(),
	}
}

func (h *HealthHandler) SetupRoutes(router gin.IRoutes) {
	router.GET("/health", h.Health)
	router.GET("/ready", h.Ready)
}

// Health reports liveness: the process is up. It returns the last
// background check results without running them.
func (h *HealthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    monitoring.StatusHealthy,
		"timestamp": time.Now(),
		"uptime":    time.Since(h.started).String(),
		"instance":  h.rooms.Instance(),
		"rooms":     len(h.rooms.Rooms()),
		"sessions":  h.rooms.SessionCount(),
		"checks":    h.checker.LastResults(),
	})
}

// Ready runs every check; any failure answers 503.
func (h *HealthHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := h.checker.CheckAll(ctx)
	code := http.StatusOK
	if status.Status != monitoring.StatusHealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}
