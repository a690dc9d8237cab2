package domain

import "fmt"

type TransportRole string

const (
	TransportRoleSend    TransportRole = "send"
	TransportRoleReceive TransportRole = "receive"
)

func (r TransportRole) Valid() bool {
	return r == TransportRoleSend || r == TransportRoleReceive
}

// TransportState follows new -> connecting -> connected -> closed, with
// failed reachable from connecting and connected.
type TransportState string

const (
	TransportStateNew        TransportState = "new"
	TransportStateConnecting TransportState = "connecting"
	TransportStateConnected  TransportState = "connected"
	TransportStateFailed     TransportState = "failed"
	TransportStateClosed     TransportState = "closed"
)

// Terminal reports whether no further transitions are possible.
func (s TransportState) Terminal() bool {
	return s == TransportStateFailed || s == TransportStateClosed
}

type IceParameters struct {
	UsernameFragment string `json:"usernameFragment"`
	Password         string `json:"password"`
	IceLite          bool   `json:"iceLite,omitempty"`
}

type IceCandidate struct {
	Foundation string `json:"foundation"`
	Priority   uint32 `json:"priority"`
	IP         string `json:"ip"`
	Protocol   string `json:"protocol"`
	Port       uint16 `json:"port"`
	Type       string `json:"type"`
	TCPType    string `json:"tcpType,omitempty"`
}

type DtlsRole string

const (
	DtlsRoleAuto   DtlsRole = "auto"
	DtlsRoleClient DtlsRole = "client"
	DtlsRoleServer DtlsRole = "server"
)

type DtlsFingerprint struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

type DtlsParameters struct {
	Role         DtlsRole          `json:"role,omitempty"`
	Fingerprints []DtlsFingerprint `json:"fingerprints"`
}

func (p DtlsParameters) Validate() error {
	switch p.Role {
	case "", DtlsRoleAuto, DtlsRoleClient, DtlsRoleServer:
	default:
		return fmt.Errorf("unknown dtls role %q", p.Role)
	}
	if len(p.Fingerprints) == 0 {
		return fmt.Errorf("dtls parameters carry no fingerprint")
	}
	for _, fp := range p.Fingerprints {
		if fp.Algorithm == "" || fp.Value == "" {
			return fmt.Errorf("dtls fingerprint needs algorithm and value")
		}
	}
	return nil
}

// TransportParameters is what the client needs to reach a server transport.
type TransportParameters struct {
	IceParameters  IceParameters  `json:"iceParameters"`
	IceCandidates  []IceCandidate `json:"iceCandidates"`
	DtlsParameters DtlsParameters `json:"dtlsParameters"`
}

// TransportConnectParams is the remote side of the handshake. ICE fields are
// optional and only used by engines that run a full ICE agent.
type TransportConnectParams struct {
	DtlsParameters DtlsParameters
	IceParameters  *IceParameters
	IceCandidates  []IceCandidate
}
