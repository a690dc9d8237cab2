package distributed

import (
	"context"
	"fmt"
	"time"

	"sfugate/internal/core/ports"
	"sfugate/pkg/distributed"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const pruneLockKey = "prune-rooms"

// InstanceRegistry keeps a heartbeat key per sfugate instance. Rooms in the
// directory whose owning instance has no heartbeat are pruned.
type InstanceRegistry struct {
	client     *redis.Client
	locks      *distributed.LockManager
	directory  ports.RoomDirectory
	instanceID string
	prefix     string
	ttl        time.Duration
	logger     *zap.SugaredLogger
}

// NewInstanceRegistry returns a registry whose heartbeat expires after ttl
// (30s when zero).
func NewInstanceRegistry(client *redis.Client, directory ports.RoomDirectory, prefix, instanceID string, ttl time.Duration, logger *zap.SugaredLogger) *InstanceRegistry {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &InstanceRegistry{
		client:     client,
		locks:      distributed.NewLockManager(client, prefix+"lock:"),
		directory:  directory,
		instanceID: instanceID,
		prefix:     prefix,
		ttl:        ttl,
		logger:     logger.With("component", "instance_registry", "instance", instanceID),
	}
}

func (r *InstanceRegistry) InstanceID() string { return r.instanceID }

// Register announces this instance.
func (r *InstanceRegistry) Register(ctx context.Context) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.instanceKey(r.instanceID), time.Now().UTC().Format(time.RFC3339), r.ttl)
		pipe.SAdd(ctx, r.instancesKey(), r.instanceID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to register instance: %w", err)
	}
	r.logger.Infow("Instance registered", "ttl", r.ttl)
	return nil
}

// Run refreshes the heartbeat and prunes stale rooms until ctx ends.
func (r *InstanceRegistry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.client.Expire(ctx, r.instanceKey(r.instanceID), r.ttl).Err(); err != nil {
				r.logger.Warnw("Heartbeat failed", "error", err)
				continue
			}
			if _, err := r.PruneStale(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warnw("Pruning stale rooms failed", "error", err)
			}
		}
	}
}

func (r *InstanceRegistry) Alive(ctx context.Context, instanceID string) (bool, error) {
	n, err := r.client.Exists(ctx, r.instanceKey(instanceID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Instances lists registered instances that still have a heartbeat.
func (r *InstanceRegistry) Instances(ctx context.Context) ([]string, error) {
	ids, err := r.client.SMembers(ctx, r.instancesKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	alive := ids[:0]
	for _, id := range ids {
		ok, err := r.Alive(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			alive = append(alive, id)
		}
	}
	return alive, nil
}

// PruneStale deletes directory rooms owned by instances without a heartbeat
// and returns how many were removed. Only one instance prunes at a time.
func (r *InstanceRegistry) PruneStale(ctx context.Context) (int, error) {
	pruned := 0
	err := r.locks.WithLock(ctx, pruneLockKey, 10*time.Second, func(ctx context.Context) error {
		rooms, err := r.directory.ListRooms(ctx)
		if err != nil {
			return err
		}

		alive := map[string]bool{r.instanceID: true}
		for _, room := range rooms {
			ok, seen := alive[room.Instance]
			if !seen {
				ok, err = r.Alive(ctx, room.Instance)
				if err != nil {
					return err
				}
				alive[room.Instance] = ok
			}
			if ok {
				continue
			}
			if err := r.directory.DeleteRoom(ctx, room.ID); err != nil {
				r.logger.Warnw("Failed to prune room", "room_id", room.ID, "owner", room.Instance, "error", err)
				continue
			}
			pruned++
			r.logger.Infow("Pruned stale room", "room_id", room.ID, "owner", room.Instance)
		}

		for id, ok := range alive {
			if !ok {
				r.client.SRem(ctx, r.instancesKey(), id)
			}
		}
		return nil
	})
	return pruned, err
}

// Deregister removes this instance and the rooms it owned.
func (r *InstanceRegistry) Deregister(ctx context.Context) error {
	rooms, err := r.directory.ListRooms(ctx)
	if err != nil {
		return err
	}
	for _, room := range rooms {
		if room.Instance != r.instanceID {
			continue
		}
		if err := r.directory.DeleteRoom(ctx, room.ID); err != nil {
			r.logger.Warnw("Failed to remove room on shutdown", "room_id", room.ID, "error", err)
		}
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.instanceKey(r.instanceID))
		pipe.SRem(ctx, r.instancesKey(), r.instanceID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to deregister instance: %w", err)
	}
	r.logger.Infow("Instance deregistered")
	return nil
}

func (r *InstanceRegistry) instancesKey() string {
	return r.prefix + "instances"
}

func (r *InstanceRegistry) instanceKey(id string) string {
	return r.prefix + "instance:" + id
}
