package ports

import (
	"context"

	"sfugate/internal/core/domain"
)

// MediaEngine is the media plane: ICE, DTLS-SRTP and RTP forwarding live
// behind it. Died fires once if the engine becomes unusable.
type MediaEngine interface {
	CreateRouter(ctx context.Context, caps domain.RtpCapabilities) (Router, error)
	Died() <-chan error
	Close() error
}

// Router is the engine side of one routing domain.
type Router interface {
	ID() string
	CreateTransport(ctx context.Context, role domain.TransportRole) (EngineTransport, error)
	// CreatePlainIngest opens a plain RTP endpoint an external encoder can
	// send to. The returned producer is live as soon as packets arrive.
	CreatePlainIngest(ctx context.Context, kind domain.MediaKind) (PlainIngest, error)
	Close() error
}

type EngineTransport interface {
	ID() string
	Parameters() domain.TransportParameters
	Connect(ctx context.Context, params domain.TransportConnectParams) error
	Produce(ctx context.Context, kind domain.MediaKind, params domain.RtpParameters) (EngineProducer, error)
	Consume(ctx context.Context, producer EngineProducer, caps domain.RtpCapabilities, paused bool) (EngineConsumer, error)
	// OnStateChange registers the handler for engine driven transitions
	// (connected, failed, closed). It is called from engine goroutines.
	OnStateChange(fn func(domain.TransportState))
	Close() error
}

type EngineProducer interface {
	ID() string
	Kind() domain.MediaKind
	RtpParameters() domain.RtpParameters
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Close() error
}

type EngineConsumer interface {
	ID() string
	Kind() domain.MediaKind
	RtpParameters() domain.RtpParameters
	Paused() bool
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Close() error
}

// IngestTarget is where an external encoder must send RTP.
type IngestTarget struct {
	IP          string `json:"ip"`
	Port        int    `json:"port"`
	PayloadType uint8  `json:"payloadType"`
	Ssrc        uint32 `json:"ssrc"`
	MimeType    string `json:"mimeType"`
	ClockRate   uint32 `json:"clockRate"`
}

type PlainIngest interface {
	EngineProducer
	Target() IngestTarget
	// OnClose fires when the ingest stops on its own (socket error, engine shutdown).
	OnClose(fn func())
}

// EngineFactory builds a fresh engine; used when restarting after engine death.
type EngineFactory func(ctx context.Context) (MediaEngine, error)
