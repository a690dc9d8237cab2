package http

import (
	"net/http"

	"sfugate/internal/core/domain"
	"sfugate/internal/core/services"
	"sfugate/internal/infrastructure/pipeline"
	apperrors "sfugate/pkg/errors"

	"github.com/gin-gonic/gin"
)

type PipelineHandler struct {
	rooms     *services.RoomManager
	pipelines *pipeline.Manager
}

func NewPipelineHandler(rooms *services.RoomManager, pipelines *pipeline.Manager) *PipelineHandler {
	return &PipelineHandler{
		rooms:     rooms,
		pipelines: pipelines,
	}
}

func (h *PipelineHandler) SetupRoutes(room *gin.RouterGroup) {
	room.POST("/pipelines", h.StartPipeline)
	room.GET("/pipelines", h.ListPipelines)
	room.DELETE("/pipelines/:pid", h.StopPipeline)
}

func (h *PipelineHandler) StartPipeline(c *gin.Context) {
	var req struct {
		Kind domain.MediaKind `json:"kind" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.NewInvalidRequest(err.Error()))
		return
	}

	info, err := h.pipelines.Start(c.Request.Context(), domain.RoomID(c.Param("room")), req.Kind)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"pipeline": info})
}

func (h *PipelineHandler) ListPipelines(c *gin.Context) {
	roomID := domain.RoomID(c.Param("room"))
	if h.rooms.Room(roomID) == nil {
		_ = c.Error(apperrors.NewNotFoundError("room").WithContext("room_id", roomID))
		return
	}
	c.JSON(http.StatusOK, gin.H{"pipelines": h.pipelines.List(roomID)})
}

func (h *PipelineHandler) StopPipeline(c *gin.Context) {
	roomID := domain.RoomID(c.Param("room"))
	if h.rooms.Room(roomID) == nil {
		_ = c.Error(apperrors.NewNotFoundError("room").WithContext("room_id", roomID))
		return
	}
	if err := h.pipelines.Stop(c.Request.Context(), roomID, domain.ProducerID(c.Param("pid"))); err != nil {
		_ = c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}
