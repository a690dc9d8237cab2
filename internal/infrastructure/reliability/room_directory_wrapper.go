// Package reliability wraps the room directory and event publisher with
// retries and a circuit breaker so a struggling Redis degrades to dropped
// mirror writes instead of piling up blocked calls.
package reliability

import (
	"context"
	"errors"
	"time"

	"sfugate/internal/core/domain"
	"sfugate/internal/core/ports"
	"sfugate/pkg/circuitbreaker"
	"sfugate/pkg/retry"

	"go.uber.org/zap"
)

// RoomDirectoryWrapper guards a ports.RoomDirectory. ErrRoomNotFound is an
// answer, not a failure: it is neither retried nor counted by the breaker.
type RoomDirectoryWrapper struct {
	directory ports.RoomDirectory
	retry     retry.Config
	breaker   *circuitbreaker.CircuitBreaker
	logger    *zap.SugaredLogger
}

var _ ports.RoomDirectory = (*RoomDirectoryWrapper)(nil)

func NewRoomDirectoryWrapper(directory ports.RoomDirectory, retryConfig retry.Config, cbConfig circuitbreaker.Config, logger *zap.SugaredLogger) *RoomDirectoryWrapper {
	w := &RoomDirectoryWrapper{
		directory: directory,
		retry:     retryConfig,
		breaker:   circuitbreaker.New("room_directory", cbConfig),
		logger:    logger.With("component", "room_directory"),
	}
	w.breaker.OnStateChange(logStateChange(w.logger))
	return w
}

func logStateChange(logger *zap.SugaredLogger) func(name string, from, to circuitbreaker.State) {
	return func(name string, from, to circuitbreaker.State) {
		logger.Infow("Circuit breaker state changed",
			"breaker", name,
			"from", from.String(),
			"to", to.String(),
		)
	}
}

// Breaker exposes the breaker state for health checks.
func (w *RoomDirectoryWrapper) Breaker() *circuitbreaker.CircuitBreaker { return w.breaker }

func (w *RoomDirectoryWrapper) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, w.retry, func(ctx context.Context) error {
		var answer error
		err := w.breaker.Execute(ctx, func(ctx context.Context) error {
			err := fn(ctx)
			if errors.Is(err, domain.ErrRoomNotFound) {
				answer = err
				return nil
			}
			return err
		})
		switch {
		case answer != nil:
			return retry.Permanent(answer)
		case errors.Is(err, circuitbreaker.ErrOpen):
			return retry.Permanent(err)
		}
		return err
	}, func(attempt int, err error, wait time.Duration) {
		w.logger.Debugw("Retrying directory call", "operation", op, "attempt", attempt, "wait", wait, "error", err)
	})
}

func (w *RoomDirectoryWrapper) SaveRoom(ctx context.Context, room *domain.RoomRecord) error {
	return w.do(ctx, "save_room", func(ctx context.Context) error {
		return w.directory.SaveRoom(ctx, room)
	})
}

func (w *RoomDirectoryWrapper) DeleteRoom(ctx context.Context, id domain.RoomID) error {
	return w.do(ctx, "delete_room", func(ctx context.Context) error {
		return w.directory.DeleteRoom(ctx, id)
	})
}

func (w *RoomDirectoryWrapper) GetRoom(ctx context.Context, id domain.RoomID) (*domain.RoomRecord, error) {
	var room *domain.RoomRecord
	err := w.do(ctx, "get_room", func(ctx context.Context) error {
		var err error
		room, err = w.directory.GetRoom(ctx, id)
		return err
	})
	return room, err
}

func (w *RoomDirectoryWrapper) ListRooms(ctx context.Context) ([]*domain.RoomRecord, error) {
	var rooms []*domain.RoomRecord
	err := w.do(ctx, "list_rooms", func(ctx context.Context) error {
		var err error
		rooms, err = w.directory.ListRooms(ctx)
		return err
	})
	return rooms, err
}

func (w *RoomDirectoryWrapper) AddPeer(ctx context.Context, roomID domain.RoomID, sessionID domain.SessionID) error {
	return w.do(ctx, "add_peer", func(ctx context.Context) error {
		return w.directory.AddPeer(ctx, roomID, sessionID)
	})
}

func (w *RoomDirectoryWrapper) RemovePeer(ctx context.Context, roomID domain.RoomID, sessionID domain.SessionID) error {
	return w.do(ctx, "remove_peer", func(ctx context.Context) error {
		return w.directory.RemovePeer(ctx, roomID, sessionID)
	})
}

func (w *RoomDirectoryWrapper) AddProducer(ctx context.Context, roomID domain.RoomID, producer domain.ProducerRecord) error {
	return w.do(ctx, "add_producer", func(ctx context.Context) error {
		return w.directory.AddProducer(ctx, roomID, producer)
	})
}

func (w *RoomDirectoryWrapper) RemoveProducer(ctx context.Context, roomID domain.RoomID, producerID domain.ProducerID) error {
	return w.do(ctx, "remove_producer", func(ctx context.Context) error {
		return w.directory.RemoveProducer(ctx, roomID, producerID)
	})
}

// PublisherWrapper guards a ports.EventPublisher with a breaker only; a lost
// event is not worth a retry.
type PublisherWrapper struct {
	publisher ports.EventPublisher
	breaker   *circuitbreaker.CircuitBreaker
}

var _ ports.EventPublisher = (*PublisherWrapper)(nil)

func NewPublisherWrapper(publisher ports.EventPublisher, cbConfig circuitbreaker.Config, logger *zap.SugaredLogger) *PublisherWrapper {
	w := &PublisherWrapper{
		publisher: publisher,
		breaker:   circuitbreaker.New("event_publisher", cbConfig),
	}
	w.breaker.OnStateChange(logStateChange(logger.With("component", "event_publisher")))
	return w
}

func (w *PublisherWrapper) Publish(ctx context.Context, event domain.RoomEvent) error {
	return w.breaker.Execute(ctx, func(ctx context.Context) error {
		return w.publisher.Publish(ctx, event)
	})
}
