package signal

import (
	"encoding/json"
	"fmt"

	"sfugate/internal/core/domain"
	"sfugate/internal/core/services"
	apperrors "sfugate/pkg/errors"
)

// typeCreateWebRtcTransport is the older spelling of createTransport, with
// {sender: bool} instead of {role}.
const typeCreateWebRtcTransport = "createWebRtcTransport"

// ClientMessage is one request from the client.
type ClientMessage struct {
	ID      *uint64         `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ServerMessage is a response (ID set, OK set) or an event (neither set).
type ServerMessage struct {
	ID      *uint64     `json:"id,omitempty"`
	Type    string      `json:"type"`
	OK      *bool       `json:"ok,omitempty"`
	Payload interface{} `json:"payload,omitempty"`
	Error   *ErrorBody  `json:"error,omitempty"`
}

type ErrorBody struct {
	Code    apperrors.ErrorCode `json:"code"`
	Message string              `json:"message"`
}

type createTransportPayload struct {
	Role   domain.TransportRole `json:"role"`
	Sender *bool                `json:"sender"`
}

type transportConnectPayload struct {
	TransportID    domain.TransportID     `json:"transportId"`
	DtlsParameters *domain.DtlsParameters `json:"dtlsParameters"`
	IceParameters  *domain.IceParameters  `json:"iceParameters"`
	IceCandidates  []domain.IceCandidate  `json:"iceCandidates"`
}

type producePayload struct {
	Kind          domain.MediaKind     `json:"kind"`
	RtpParameters domain.RtpParameters `json:"rtpParameters"`
}

type consumePayload struct {
	ProducerID         domain.ProducerID       `json:"producerId"`
	RemoteCapabilities *domain.RtpCapabilities `json:"remoteCapabilities"`
	RtpCapabilities    *domain.RtpCapabilities `json:"rtpCapabilities"`
}

type consumerResumePayload struct {
	ConsumerID domain.ConsumerID `json:"consumerId"`
}

func response(msg ClientMessage, result interface{}, err error) ServerMessage {
	ok := err == nil
	out := ServerMessage{ID: msg.ID, Type: msg.Type, OK: &ok}
	if ok {
		out.Payload = result
		return out
	}
	out.Error = errorBody(err)
	return out
}

func event(name string, payload interface{}) ServerMessage {
	return ServerMessage{Type: name, Payload: payload}
}

func errorBody(err error) *ErrorBody {
	if appErr := apperrors.GetAppError(err); appErr != nil {
		return &ErrorBody{Code: appErr.Code, Message: appErr.Message}
	}
	return &ErrorBody{Code: apperrors.ErrCodeInternal, Message: "internal error"}
}

func decode(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return apperrors.NewInvalidRequest(fmt.Sprintf("malformed payload: %v", err))
	}
	return nil
}

// parseRequest turns a client message into a session request.
func parseRequest(msg ClientMessage) (services.Request, error) {
	switch msg.Type {
	case services.TypeGetRtpCapabilities:
		return services.GetRtpCapabilitiesRequest{}, nil

	case services.TypeCreateTransport, typeCreateWebRtcTransport:
		var p createTransportPayload
		if err := decode(msg.Payload, &p); err != nil {
			return nil, err
		}
		role := p.Role
		if role == "" && p.Sender != nil {
			role = domain.TransportRoleReceive
			if *p.Sender {
				role = domain.TransportRoleSend
			}
		}
		return services.CreateTransportRequest{Role: role}, nil

	case services.TypeTransportConnect:
		var p transportConnectPayload
		if err := decode(msg.Payload, &p); err != nil {
			return nil, err
		}
		if p.TransportID == "" {
			return nil, apperrors.NewInvalidRequest("transportId is required")
		}
		if p.DtlsParameters == nil {
			return nil, apperrors.NewInvalidRequest("dtlsParameters is required")
		}
		return services.ConnectTransportRequest{
			TransportID: p.TransportID,
			Params: domain.TransportConnectParams{
				DtlsParameters: *p.DtlsParameters,
				IceParameters:  p.IceParameters,
				IceCandidates:  p.IceCandidates,
			},
		}, nil

	case services.TypeProduce:
		var p producePayload
		if err := decode(msg.Payload, &p); err != nil {
			return nil, err
		}
		return services.ProduceRequest{Kind: p.Kind, RtpParameters: p.RtpParameters}, nil

	case services.TypeProducerPause:
		return services.PauseProducerRequest{}, nil

	case services.TypeProducerResume:
		return services.ResumeProducerRequest{}, nil

	case services.TypeConsume:
		var p consumePayload
		if err := decode(msg.Payload, &p); err != nil {
			return nil, err
		}
		caps := p.RemoteCapabilities
		if caps == nil {
			caps = p.RtpCapabilities
		}
		if caps == nil {
			return nil, apperrors.NewInvalidRequest("remoteCapabilities is required")
		}
		return services.ConsumeRequest{ProducerID: p.ProducerID, RemoteCapabilities: *caps}, nil

	case services.TypeConsumerResume:
		var p consumerResumePayload
		if err := decode(msg.Payload, &p); err != nil {
			return nil, err
		}
		if p.ConsumerID == "" {
			return nil, apperrors.NewInvalidRequest("consumerId is required")
		}
		return services.ResumeConsumerRequest{ConsumerID: p.ConsumerID}, nil

	case "":
		return nil, apperrors.NewInvalidRequest("message type is required")

	default:
		return nil, apperrors.NewInvalidRequest(fmt.Sprintf("unknown message type %q", msg.Type))
	}
}
