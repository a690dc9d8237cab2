// Package distributed couples sfugate instances through Redis: room events
// are fanned out over pub/sub and each instance announces itself so that
// rooms left behind by a dead instance can be pruned from the directory.
package distributed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"sfugate/internal/core/domain"
	"sfugate/internal/core/ports"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var ErrAlreadySubscribed = errors.New("already subscribed")

// EventHandler receives events published by other instances.
type EventHandler func(event domain.RoomEvent) error

// EventBus publishes room events on a Redis channel shared by all instances.
type EventBus struct {
	client     *redis.Client
	instanceID string
	channel    string
	logger     *zap.SugaredLogger

	mu     sync.Mutex
	pubsub *redis.PubSub
}

var _ ports.EventPublisher = (*EventBus)(nil)

func NewEventBus(client *redis.Client, prefix, instanceID string, logger *zap.SugaredLogger) *EventBus {
	return &EventBus{
		client:     client,
		instanceID: instanceID,
		channel:    prefix + "events",
		logger:     logger.With("component", "event_bus"),
	}
}

func (eb *EventBus) Channel() string { return eb.channel }

// Publish stamps the event with this instance and sends it.
func (eb *EventBus) Publish(ctx context.Context, event domain.RoomEvent) error {
	event.Instance = eb.instanceID
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := eb.client.Publish(ctx, eb.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	eb.logger.Debugw("Published event",
		"type", event.Type,
		"room_id", event.RoomID,
		"session_id", event.SessionID,
	)
	return nil
}

// Subscribe delivers events from other instances to handler until ctx ends.
// Handler errors are logged and do not stop the subscription.
func (eb *EventBus) Subscribe(ctx context.Context, handler EventHandler) error {
	eb.mu.Lock()
	if eb.pubsub != nil {
		eb.mu.Unlock()
		return ErrAlreadySubscribed
	}
	pubsub := eb.client.Subscribe(ctx, eb.channel)
	eb.pubsub = pubsub
	eb.mu.Unlock()

	defer func() {
		eb.mu.Lock()
		eb.pubsub = nil
		eb.mu.Unlock()
		_ = pubsub.Close()
	}()

	// Subscription confirmation.
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", eb.channel, err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var event domain.RoomEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				eb.logger.Warnw("Failed to unmarshal event", "error", err, "payload", msg.Payload)
				continue
			}
			if event.Instance == eb.instanceID {
				continue
			}
			if err := handler(event); err != nil {
				eb.logger.Warnw("Error handling event", "type", event.Type, "room_id", event.RoomID, "error", err)
			}
		}
	}
}

func (eb *EventBus) Close() error {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if eb.pubsub != nil {
		return eb.pubsub.Close()
	}
	return nil
}

// LocalEventBus fans events out to in-process subscribers. It stands in for
// EventBus when Redis is disabled.
type LocalEventBus struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[int]EventHandler
	logger   *zap.SugaredLogger
}

var _ ports.EventPublisher = (*LocalEventBus)(nil)

func NewLocalEventBus(logger *zap.SugaredLogger) *LocalEventBus {
	return &LocalEventBus{
		handlers: make(map[int]EventHandler),
		logger:   logger.With("component", "event_bus"),
	}
}

func (b *LocalEventBus) Publish(_ context.Context, event domain.RoomEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		if err := h(event); err != nil {
			b.logger.Warnw("Error handling event", "type", event.Type, "room_id", event.RoomID, "error", err)
		}
	}
	return nil
}

// Subscribe registers handler and returns a function that removes it.
func (b *LocalEventBus) Subscribe(handler EventHandler) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = handler
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}
}
