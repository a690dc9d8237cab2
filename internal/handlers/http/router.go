package http

import (
	"net/http"

	"sfugate/internal/core/services"
	"sfugate/internal/infrastructure/middleware"
	"sfugate/internal/infrastructure/pipeline"
	"sfugate/internal/infrastructure/signal"
	"sfugate/pkg/config"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RouterDeps are the components mounted on the HTTP server. Tokens,
// Pipelines and Metrics are optional.
type RouterDeps struct {
	Config    *config.Config
	Logger    *zap.SugaredLogger
	Rooms     *services.RoomManager
	Signal    *signal.WebSocketServer
	Tokens    *services.TokenService
	Pipelines *pipeline.Manager
	RoomInfo  *RoomHandler
	Health    *HealthHandler
	Metrics   http.Handler
}

func NewRouter(deps RouterDeps) *gin.Engine {
	cfg := deps.Config

	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(deps.Logger),
		middleware.RequestLogger(deps.Logger),
		middleware.ErrorHandlerMiddleware(deps.Logger),
	)
	if cfg.Tracing.Enabled {
		router.Use(middleware.TracingMiddleware(cfg.Signal.Path, cfg.Signal.DefaultRoom))
	}
	router.Use(
		middleware.CORSMiddleware(cfg.Signal.AllowedOrigins),
		middleware.NewHTTPRateLimitMiddleware(cfg),
	)

	router.GET(cfg.Signal.Path, gin.WrapF(deps.Signal.HandleWebSocket))

	deps.Health.SetupRoutes(router)
	if deps.Metrics != nil {
		router.GET(cfg.Monitoring.MetricsPath, gin.WrapH(deps.Metrics))
	}

	api := router.Group("/api/v1", middleware.AuthMiddleware(deps.Tokens))
	room := api.Group("/rooms/:room", middleware.RoomScopeMiddleware())

	deps.RoomInfo.SetupRoutes(api, room)
	if deps.Pipelines != nil {
		NewPipelineHandler(deps.Rooms, deps.Pipelines).SetupRoutes(room)
	}
	if deps.Tokens != nil {
		NewAuthHandler(deps.Tokens).SetupRoutes(api)
	}

	return router
}
