package domain

// SessionState is the furthest signaling milestone a peer session reached.
type SessionState int

const (
	SessionConnected SessionState = iota
	SessionCapabilitiesKnown
	SessionSendTransportCreated
	SessionSendTransportConnected
	SessionProducing
	SessionRecvTransportCreated
	SessionRecvTransportConnected
	SessionConsuming
	SessionActive
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionConnected:
		return "connected"
	case SessionCapabilitiesKnown:
		return "capabilities_known"
	case SessionSendTransportCreated:
		return "send_transport_created"
	case SessionSendTransportConnected:
		return "send_transport_connected"
	case SessionProducing:
		return "producing"
	case SessionRecvTransportCreated:
		return "recv_transport_created"
	case SessionRecvTransportConnected:
		return "recv_transport_connected"
	case SessionConsuming:
		return "consuming"
	case SessionActive:
		return "active"
	case SessionClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type PauseState string

const (
	PauseStateActive PauseState = "active"
	PauseStatePaused PauseState = "paused"
)
