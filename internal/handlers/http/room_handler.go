package http

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"time"

	"sfugate/internal/core/domain"
	"sfugate/internal/core/ports"
	"sfugate/internal/core/services"
	"sfugate/pkg/cache"
	apperrors "sfugate/pkg/errors"
	"sfugate/pkg/validation"

	"github.com/gin-gonic/gin"
)

const clusterRoomsKey = "rooms:cluster"

// RoomHandler serves room introspection. Local rooms come from the room
// manager; scope=cluster reads the shared directory through a short cache.
type RoomHandler struct {
	rooms     *services.RoomManager
	directory ports.RoomDirectory
	cache     *cache.Cache[[]*domain.RoomRecord]
}

// NewRoomHandler builds the handler. directory may be nil, in which case
// only local rooms are visible.
func NewRoomHandler(rooms *services.RoomManager, directory ports.RoomDirectory, cacheTTL time.Duration) *RoomHandler {
	return &RoomHandler{
		rooms:     rooms,
		directory: directory,
		cache:     cache.New[[]*domain.RoomRecord](cacheTTL),
	}
}

func (h *RoomHandler) SetupRoutes(api *gin.RouterGroup, room *gin.RouterGroup) {
	api.GET("/rooms", h.ListRooms)
	room.GET("", h.GetRoom)
}

func (h *RoomHandler) localRecord(room *services.Room) *domain.RoomRecord {
	rec := room.Record(h.rooms.Instance())
	sort.Slice(rec.Peers, func(i, j int) bool { return rec.Peers[i] < rec.Peers[j] })
	return rec
}

func (h *RoomHandler) ListRooms(c *gin.Context) {
	if c.Query("scope") == "cluster" && h.directory != nil {
		recs, err := h.cache.GetOrSet(c.Request.Context(), clusterRoomsKey, func(ctx context.Context) ([]*domain.RoomRecord, error) {
			return h.directory.ListRooms(ctx)
		})
		if err != nil {
			_ = c.Error(apperrors.Wrap(err, apperrors.ErrCodeInternal, "room directory unavailable"))
			return
		}
		c.JSON(http.StatusOK, gin.H{"rooms": recs, "scope": "cluster"})
		return
	}

	live := h.rooms.Rooms()
	recs := make([]*domain.RoomRecord, 0, len(live))
	for _, room := range live {
		recs = append(recs, h.localRecord(room))
	}
	c.JSON(http.StatusOK, gin.H{"rooms": recs, "scope": "local"})
}

func (h *RoomHandler) GetRoom(c *gin.Context) {
	roomID := c.Param("room")
	if err := validation.ValidateRoomID(roomID); err != nil {
		_ = c.Error(apperrors.NewInvalidRequest(err.Error()))
		return
	}

	if room := h.rooms.Room(domain.RoomID(roomID)); room != nil {
		c.JSON(http.StatusOK, gin.H{"room": h.localRecord(room)})
		return
	}

	if h.directory != nil {
		rec, err := h.directory.GetRoom(c.Request.Context(), domain.RoomID(roomID))
		switch {
		case err == nil:
			c.JSON(http.StatusOK, gin.H{"room": rec})
			return
		case !errors.Is(err, domain.ErrRoomNotFound):
			_ = c.Error(apperrors.Wrap(err, apperrors.ErrCodeInternal, "room directory unavailable"))
			return
		}
	}
	_ = c.Error(apperrors.NewNotFoundError("room").WithContext("room_id", roomID))
}

// OnRoomEvent drops the cached cluster listing whenever another instance
// reports a room change.
func (h *RoomHandler) OnRoomEvent(event domain.RoomEvent) error {
	h.cache.Delete(clusterRoomsKey)
	return nil
}

func (h *RoomHandler) Close() {
	h.cache.Stop()
}
