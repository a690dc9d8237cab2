package ports

import (
	"context"

	"sfugate/internal/core/domain"
)

// RoomDirectory mirrors live rooms for introspection and for other instances.
// It is never consulted on the signaling path.
type RoomDirectory interface {
	SaveRoom(ctx context.Context, room *domain.RoomRecord) error
	DeleteRoom(ctx context.Context, id domain.RoomID) error
	GetRoom(ctx context.Context, id domain.RoomID) (*domain.RoomRecord, error)
	ListRooms(ctx context.Context) ([]*domain.RoomRecord, error)
	AddPeer(ctx context.Context, roomID domain.RoomID, sessionID domain.SessionID) error
	RemovePeer(ctx context.Context, roomID domain.RoomID, sessionID domain.SessionID) error
	AddProducer(ctx context.Context, roomID domain.RoomID, producer domain.ProducerRecord) error
	RemoveProducer(ctx context.Context, roomID domain.RoomID, producerID domain.ProducerID) error
}

type EventPublisher interface {
	Publish(ctx context.Context, event domain.RoomEvent) error
}
