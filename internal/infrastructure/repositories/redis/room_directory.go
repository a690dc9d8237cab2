package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"sfugate/internal/core/domain"
	"sfugate/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// RedisRoomDirectory stores room records so every instance can list the
// rooms of the cluster. Layout under prefix:
//
//	rooms                  set of room ids
//	room:<id>              room record JSON (peers and producers empty)
//	room:<id>:peers        set of session ids
//	room:<id>:producers    hash producer id -> producer record JSON
type RedisRoomDirectory struct {
	client *redis.Client
	prefix string
}

var _ ports.RoomDirectory = (*RedisRoomDirectory)(nil)

func NewRedisRoomDirectory(client *redis.Client, prefix string) *RedisRoomDirectory {
	return &RedisRoomDirectory{client: client, prefix: NormalizePrefix(prefix)}
}

func (r *RedisRoomDirectory) indexKey() string                  { return r.prefix + "rooms" }
func (r *RedisRoomDirectory) roomKey(id domain.RoomID) string     { return r.prefix + "room:" + string(id) }
func (r *RedisRoomDirectory) peersKey(id domain.RoomID) string    { return r.roomKey(id) + ":peers" }
func (r *RedisRoomDirectory) producersKey(id domain.RoomID) string { return r.roomKey(id) + ":producers" }

func (r *RedisRoomDirectory) SaveRoom(ctx context.Context, room *domain.RoomRecord) error {
	head := domain.RoomRecord{ID: room.ID, Instance: room.Instance, CreatedAt: room.CreatedAt}
	data, err := json.Marshal(head)
	if err != nil {
		return fmt.Errorf("failed to marshal room: %w", err)
	}

	producers := make(map[string]interface{}, len(room.Producers))
	for _, p := range room.Producers {
		raw, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("failed to marshal producer: %w", err)
		}
		producers[string(p.ID)] = raw
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.roomKey(room.ID), data, 0)
		pipe.SAdd(ctx, r.indexKey(), string(room.ID))
		for _, id := range room.Peers {
			pipe.SAdd(ctx, r.peersKey(room.ID), string(id))
		}
		if len(producers) > 0 {
			pipe.HSet(ctx, r.producersKey(room.ID), producers)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save room in Redis: %w", err)
	}
	return nil
}

func (r *RedisRoomDirectory) DeleteRoom(ctx context.Context, id domain.RoomID) error {
	var deleted *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		deleted = pipe.Del(ctx, r.roomKey(id))
		pipe.Del(ctx, r.peersKey(id), r.producersKey(id))
		pipe.SRem(ctx, r.indexKey(), string(id))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete room from Redis: %w", err)
	}
	if deleted.Val() == 0 {
		return domain.ErrRoomNotFound
	}
	return nil
}

func (r *RedisRoomDirectory) GetRoom(ctx context.Context, id domain.RoomID) (*domain.RoomRecord, error) {
	var (
		head      *redis.StringCmd
		peers     *redis.StringSliceCmd
		producers *redis.MapStringStringCmd
	)
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		head = pipe.Get(ctx, r.roomKey(id))
		peers = pipe.SMembers(ctx, r.peersKey(id))
		producers = pipe.HGetAll(ctx, r.producersKey(id))
		return nil
	})
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to get room from Redis: %w", err)
	}
	if head.Err() == redis.Nil {
		return nil, domain.ErrRoomNotFound
	}

	var room domain.RoomRecord
	if err := json.Unmarshal([]byte(head.Val()), &room); err != nil {
		return nil, fmt.Errorf("failed to unmarshal room: %w", err)
	}

	room.Peers = make([]domain.SessionID, 0, len(peers.Val()))
	for _, p := range peers.Val() {
		room.Peers = append(room.Peers, domain.SessionID(p))
	}
	sort.Slice(room.Peers, func(i, j int) bool { return room.Peers[i] < room.Peers[j] })

	room.Producers = make([]domain.ProducerRecord, 0, len(producers.Val()))
	for _, raw := range producers.Val() {
		var p domain.ProducerRecord
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			continue
		}
		room.Producers = append(room.Producers, p)
	}
	sort.Slice(room.Producers, func(i, j int) bool {
		return room.Producers[i].CreatedAt.Before(room.Producers[j].CreatedAt)
	})

	return &room, nil
}

func (r *RedisRoomDirectory) ListRooms(ctx context.Context) ([]*domain.RoomRecord, error) {
	ids, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list rooms from Redis: %w", err)
	}
	sort.Strings(ids)

	rooms := make([]*domain.RoomRecord, 0, len(ids))
	for _, id := range ids {
		room, err := r.GetRoom(ctx, domain.RoomID(id))
		if err != nil {
			// Skip rooms deleted since the index was read
			continue
		}
		rooms = append(rooms, room)
	}
	return rooms, nil
}

func (r *RedisRoomDirectory) exists(ctx context.Context, id domain.RoomID) error {
	n, err := r.client.Exists(ctx, r.roomKey(id)).Result()
	if err != nil {
		return fmt.Errorf("failed to check room in Redis: %w", err)
	}
	if n == 0 {
		return domain.ErrRoomNotFound
	}
	return nil
}

func (r *RedisRoomDirectory) AddPeer(ctx context.Context, roomID domain.RoomID, sessionID domain.SessionID) error {
	if err := r.exists(ctx, roomID); err != nil {
		return err
	}
	return r.client.SAdd(ctx, r.peersKey(roomID), string(sessionID)).Err()
}

func (r *RedisRoomDirectory) RemovePeer(ctx context.Context, roomID domain.RoomID, sessionID domain.SessionID) error {
	return r.client.SRem(ctx, r.peersKey(roomID), string(sessionID)).Err()
}

func (r *RedisRoomDirectory) AddProducer(ctx context.Context, roomID domain.RoomID, producer domain.ProducerRecord) error {
	if err := r.exists(ctx, roomID); err != nil {
		return err
	}
	data, err := json.Marshal(producer)
	if err != nil {
		return fmt.Errorf("failed to marshal producer: %w", err)
	}
	return r.client.HSet(ctx, r.producersKey(roomID), string(producer.ID), data).Err()
}

func (r *RedisRoomDirectory) RemoveProducer(ctx context.Context, roomID domain.RoomID, producerID domain.ProducerID) error {
	return r.client.HDel(ctx, r.producersKey(roomID), string(producerID)).Err()
}
