package distributed

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"sfugate/internal/core/domain"
	"sfugate/internal/infrastructure/repositories/memory"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLocalEventBus(t *testing.T) {
	bus := NewLocalEventBus(zap.NewNop().Sugar())

	var mu sync.Mutex
	var got []domain.RoomEvent
	unsubscribe := bus.Subscribe(func(e domain.RoomEvent) error {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
		return nil
	})
	bus.Subscribe(func(domain.RoomEvent) error { return errors.New("ignored") })

	require.NoError(t, bus.Publish(context.Background(), domain.RoomEvent{Type: domain.RoomEventCreated, RoomID: "r1"}))
	unsubscribe()
	require.NoError(t, bus.Publish(context.Background(), domain.RoomEvent{Type: domain.RoomEventClosed, RoomID: "r1"}))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, domain.RoomEventCreated, got[0].Type)
	assert.False(t, got[0].Timestamp.IsZero())
}

// Runs against a real server when SFUGATE_TEST_REDIS is set.
func newTestClient(t *testing.T) (*redis.Client, string) {
	t.Helper()
	addr := os.Getenv("SFUGATE_TEST_REDIS")
	if addr == "" {
		t.Skip("SFUGATE_TEST_REDIS not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	require.NoError(t, client.Ping(context.Background()).Err())

	prefix := "sfugate-test:" + uuid.New().String() + ":"
	t.Cleanup(func() {
		ctx := context.Background()
		keys, _ := client.Keys(ctx, prefix+"*").Result()
		if len(keys) > 0 {
			client.Del(ctx, keys...)
		}
		_ = client.Close()
	})
	return client, prefix
}

func TestEventBus_SkipsOwnEvents(t *testing.T) {
	client, prefix := newTestClient(t)
	logger := zap.NewNop().Sugar()

	a := NewEventBus(client, prefix, "a", logger)
	b := NewEventBus(client, prefix, "b", logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	received := make(chan domain.RoomEvent, 4)
	go func() {
		_ = a.Subscribe(ctx, func(e domain.RoomEvent) error {
			select {
			case received <- e:
			default:
			}
			return nil
		})
	}()

	// Subscription is asynchronous; publish until it is observed.
	require.Eventually(t, func() bool {
		_ = a.Publish(ctx, domain.RoomEvent{Type: domain.RoomEventPeerJoined, RoomID: "own"})
		_ = b.Publish(ctx, domain.RoomEvent{Type: domain.RoomEventPeerJoined, RoomID: "r1", SessionID: "s1"})
		select {
		case e := <-received:
			assert.Equal(t, domain.RoomID("r1"), e.RoomID)
			assert.Equal(t, "b", e.Instance)
			return true
		default:
			return false
		}
	}, 3*time.Second, 50*time.Millisecond)

	assert.ErrorIs(t, a.Subscribe(ctx, func(domain.RoomEvent) error { return nil }), ErrAlreadySubscribed)
}

func TestInstanceRegistry_PrunesDeadOwners(t *testing.T) {
	client, prefix := newTestClient(t)
	ctx := context.Background()
	dir := memory.NewMemoryRoomDirectory()
	logger := zap.NewNop().Sugar()

	self := NewInstanceRegistry(client, dir, prefix, "self", time.Minute, logger)
	peer := NewInstanceRegistry(client, dir, prefix, "peer", time.Minute, logger)
	require.NoError(t, self.Register(ctx))
	require.NoError(t, peer.Register(ctx))

	for _, rec := range []*domain.RoomRecord{
		{ID: "mine", Instance: "self"},
		{ID: "theirs", Instance: "peer"},
		{ID: "orphan", Instance: "gone"},
	} {
		require.NoError(t, dir.SaveRoom(ctx, rec))
	}

	instances, err := self.Instances(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"self", "peer"}, instances)

	n, err := self.PruneStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = dir.GetRoom(ctx, "orphan")
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)

	require.NoError(t, peer.Deregister(ctx))
	_, err = dir.GetRoom(ctx, "theirs")
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
	_, err = dir.GetRoom(ctx, "mine")
	assert.NoError(t, err)

	alive, err := self.Alive(ctx, "peer")
	require.NoError(t, err)
	assert.False(t, alive)
}
