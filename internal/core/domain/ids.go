package domain

import "github.com/google/uuid"

type (
	SessionID   string
	RoomID      string
	TransportID string
	ProducerID  string
	ConsumerID  string
	PipelineID  string
)

func NewSessionID() SessionID     { return SessionID(uuid.New().String()) }
func NewTransportID() TransportID { return TransportID(uuid.New().String()) }
func NewProducerID() ProducerID   { return ProducerID(uuid.New().String()) }
func NewConsumerID() ConsumerID   { return ConsumerID(uuid.New().String()) }
func NewPipelineID() PipelineID   { return PipelineID(uuid.New().String()) }
