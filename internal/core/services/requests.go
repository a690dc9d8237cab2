package services

import (
	"sfugate/internal/core/domain"
	apperrors "sfugate/pkg/errors"
)

// Request types accepted from clients.
const (
	TypeGetRtpCapabilities = "getRtpCapabilities"
	TypeCreateTransport    = "createTransport"
	TypeTransportConnect   = "transportConnect"
	TypeProduce            = "produce"
	TypeProducerPause      = "producerPause"
	TypeProducerResume     = "producerResume"
	TypeConsume            = "consume"
	TypeConsumerResume     = "consumerResume"
)

// Events pushed to clients.
const (
	EventConnectionEstablished = "connectionEstablished"
	EventNewProducer           = "newProducer"
	EventProducerClosed        = "producerClosed"
	EventTransportClosed       = "transportClosed"
	EventError                 = "error"
)

// Request is one client operation handled on the session worker.
type Request interface {
	Type() string
}

type GetRtpCapabilitiesRequest struct{}

type CreateTransportRequest struct {
	Role domain.TransportRole
}

type ConnectTransportRequest struct {
	TransportID domain.TransportID
	Params      domain.TransportConnectParams
}

type ProduceRequest struct {
	Kind          domain.MediaKind
	RtpParameters domain.RtpParameters
}

type PauseProducerRequest struct{}

type ResumeProducerRequest struct{}

type ConsumeRequest struct {
	// ProducerID is optional; the oldest eligible producer is picked when empty.
	ProducerID         domain.ProducerID
	RemoteCapabilities domain.RtpCapabilities
}

type ResumeConsumerRequest struct {
	ConsumerID domain.ConsumerID
}

func (GetRtpCapabilitiesRequest) Type() string { return TypeGetRtpCapabilities }
func (CreateTransportRequest) Type() string    { return TypeCreateTransport }
func (ConnectTransportRequest) Type() string   { return TypeTransportConnect }
func (ProduceRequest) Type() string            { return TypeProduce }
func (PauseProducerRequest) Type() string      { return TypeProducerPause }
func (ResumeProducerRequest) Type() string     { return TypeProducerResume }
func (ConsumeRequest) Type() string            { return TypeConsume }
func (ResumeConsumerRequest) Type() string     { return TypeConsumerResume }

type RtpCapabilitiesResult struct {
	RtpCapabilities domain.RtpCapabilities `json:"rtpCapabilities"`
}

type TransportResult struct {
	TransportID domain.TransportID `json:"transportId"`
	domain.TransportParameters
}

type ProduceResult struct {
	ProducerID domain.ProducerID `json:"producerId"`
}

type ConsumeResult struct {
	ConsumerID    domain.ConsumerID    `json:"consumerId"`
	ProducerID    domain.ProducerID    `json:"producerId"`
	Kind          domain.MediaKind     `json:"kind"`
	RtpParameters domain.RtpParameters `json:"rtpParameters"`
}

// Ack is the empty success payload.
type Ack struct{}

type ConnectionEstablishedEvent struct {
	SessionID domain.SessionID `json:"sessionId"`
	RoomID    domain.RoomID    `json:"roomId"`
}

type NewProducerEvent struct {
	ProducerID domain.ProducerID `json:"producerId"`
	Kind       domain.MediaKind  `json:"kind"`
}

type ProducerClosedEvent struct {
	ProducerID domain.ProducerID `json:"producerId"`
	ConsumerID domain.ConsumerID `json:"consumerId"`
}

type TransportClosedEvent struct {
	TransportID domain.TransportID `json:"transportId"`
}

type ErrorEvent struct {
	Code    apperrors.ErrorCode `json:"code"`
	Message string              `json:"message"`
}
