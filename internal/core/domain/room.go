package domain

import "time"

// RoomRecord is the directory view of a routing domain.
type RoomRecord struct {
	ID        RoomID           `json:"id"`
	Instance  string           `json:"instance"`
	Peers     []SessionID      `json:"peers"`
	Producers []ProducerRecord `json:"producers"`
	CreatedAt time.Time        `json:"createdAt"`
}

type ProducerRecord struct {
	ID        ProducerID `json:"id"`
	Kind      MediaKind  `json:"kind"`
	SessionID SessionID  `json:"sessionId,omitempty"`
	Source    string     `json:"source"` // "peer" or "pipeline"
	Paused    bool       `json:"paused"`
	CreatedAt time.Time  `json:"createdAt"`
}

type RoomEventType string

const (
	RoomEventCreated        RoomEventType = "room.created"
	RoomEventClosed         RoomEventType = "room.closed"
	RoomEventPeerJoined     RoomEventType = "peer.joined"
	RoomEventPeerLeft       RoomEventType = "peer.left"
	RoomEventProducerAdded  RoomEventType = "producer.added"
	RoomEventProducerClosed RoomEventType = "producer.closed"
	RoomEventEngineDied     RoomEventType = "engine.died"
)

// RoomEvent is published to other instances and observers.
type RoomEvent struct {
	Type       RoomEventType `json:"type"`
	RoomID     RoomID        `json:"roomId,omitempty"`
	SessionID  SessionID     `json:"sessionId,omitempty"`
	ProducerID ProducerID    `json:"producerId,omitempty"`
	Kind       MediaKind     `json:"kind,omitempty"`
	Instance   string        `json:"instance"`
	Timestamp  time.Time     `json:"timestamp"`
}
