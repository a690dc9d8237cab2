package ports

import (
	"time"

	"sfugate/internal/core/domain"
)

// MetricsRecorder receives lifecycle counts from the core.
type MetricsRecorder interface {
	SessionOpened()
	SessionClosed()
	RoomOpened()
	RoomClosed()
	TransportOpened(role domain.TransportRole)
	TransportClosed(role domain.TransportRole)
	ProducerOpened(kind domain.MediaKind)
	ProducerClosed(kind domain.MediaKind)
	ConsumerOpened(kind domain.MediaKind)
	ConsumerClosed(kind domain.MediaKind)
	SignalRequest(messageType, code string, d time.Duration)
	EngineCall(operation string, err error, d time.Duration)
	EngineDied()
}

// Notifier delivers server initiated events to one connected peer. Notify
// must be safe for concurrent use and must not block.
type Notifier interface {
	Notify(event string, payload interface{})
}
