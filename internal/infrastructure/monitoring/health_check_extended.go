package monitoring

import (
	"context"
	"errors"
	"time"

	"sfugate/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

var errEngineUnavailable = errors.New("media engine unavailable")

// EngineStatus is satisfied by the room manager.
type EngineStatus interface {
	Available() bool
}

// AddRedisCheck adds a Redis health check
func (h *HealthChecker) AddRedisCheck(client *redis.Client, interval, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) (bool, error) {
		if err := client.Ping(ctx).Err(); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddEngineCheck reports unhealthy while the media engine is down or restarting.
func (h *HealthChecker) AddEngineCheck(engine EngineStatus, interval time.Duration) {
	h.AddCheck("media_engine", func(ctx context.Context) (bool, error) {
		if !engine.Available() {
			return false, errEngineUnavailable
		}
		return true, nil
	}, interval, time.Second)
}

// AddRoomDirectoryCheck lists rooms to check that the directory backend answers.
func (h *HealthChecker) AddRoomDirectoryCheck(dir ports.RoomDirectory, interval, timeout time.Duration) {
	h.AddCheck("room_directory", func(ctx context.Context) (bool, error) {
		if _, err := dir.ListRooms(ctx); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// IsReady checks if the service is ready to accept traffic
func (h *HealthChecker) IsReady(ctx context.Context) bool {
	return h.CheckAll(ctx).Status == StatusHealthy
}
