package pion

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"sfugate/internal/core/domain"

	"github.com/pion/webrtc/v3"
)

func codecType(kind domain.MediaKind) webrtc.RTPCodecType {
	if kind == domain.MediaKindAudio {
		return webrtc.RTPCodecTypeAudio
	}
	return webrtc.RTPCodecTypeVideo
}

// fmtpLine renders codec parameters the way they appear in an a=fmtp line.
// Keys are sorted so the output is stable.
func fmtpLine(params domain.CodecParameters) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+paramValue(params[k]))
	}
	return strings.Join(parts, ";")
}

func paramValue(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == math.Trunc(t) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	default:
		return fmt.Sprint(t)
	}
}

func codecCapability(c domain.RtpCodecCapability) webrtc.RTPCodecCapability {
	feedback := make([]webrtc.RTCPFeedback, 0, len(c.RtcpFeedback))
	for _, fb := range c.RtcpFeedback {
		feedback = append(feedback, webrtc.RTCPFeedback{Type: fb.Type, Parameter: fb.Parameter})
	}
	return webrtc.RTPCodecCapability{
		MimeType:     c.MimeType,
		ClockRate:    c.ClockRate,
		Channels:     c.Channels,
		SDPFmtpLine:  fmtpLine(c.Parameters),
		RTCPFeedback: feedback,
	}
}

// newMediaEngine registers exactly the router codecs so payload types on the
// wire match what clients were told.
func newMediaEngine(caps domain.RtpCapabilities) (*webrtc.MediaEngine, error) {
	m := &webrtc.MediaEngine{}
	for _, c := range caps.Codecs {
		kind := c.Kind
		if kind == "" {
			kind = domain.KindOfMimeType(c.MimeType)
		}
		err := m.RegisterCodec(webrtc.RTPCodecParameters{
			RTPCodecCapability: codecCapability(c),
			PayloadType:        webrtc.PayloadType(c.PreferredPayloadType),
		}, codecType(kind))
		if err != nil {
			return nil, fmt.Errorf("register codec %s: %w", c.MimeType, err)
		}
	}
	for _, ext := range caps.HeaderExtensions {
		err := m.RegisterHeaderExtension(webrtc.RTPHeaderExtensionCapability{URI: ext.URI}, codecType(ext.Kind))
		if err != nil {
			return nil, fmt.Errorf("register header extension %s: %w", ext.URI, err)
		}
	}
	return m, nil
}

func toDomainCandidate(c webrtc.ICECandidate) domain.IceCandidate {
	return domain.IceCandidate{
		Foundation: c.Foundation,
		Priority:   c.Priority,
		IP:         c.Address,
		Protocol:   c.Protocol.String(),
		Port:       c.Port,
		Type:       c.Typ.String(),
		TCPType:    c.TCPType,
	}
}

func toPionCandidate(c domain.IceCandidate) (webrtc.ICECandidate, error) {
	proto, err := webrtc.NewICEProtocol(c.Protocol)
	if err != nil {
		return webrtc.ICECandidate{}, err
	}
	typ, err := webrtc.NewICECandidateType(c.Type)
	if err != nil {
		return webrtc.ICECandidate{}, err
	}
	return webrtc.ICECandidate{
		Foundation: c.Foundation,
		Priority:   c.Priority,
		Address:    c.IP,
		Protocol:   proto,
		Port:       c.Port,
		Typ:        typ,
		Component:  1,
		TCPType:    c.TCPType,
	}, nil
}

func toPionDtls(p domain.DtlsParameters) webrtc.DTLSParameters {
	out := webrtc.DTLSParameters{Role: webrtc.DTLSRoleAuto}
	switch p.Role {
	case domain.DtlsRoleClient:
		out.Role = webrtc.DTLSRoleClient
	case domain.DtlsRoleServer:
		out.Role = webrtc.DTLSRoleServer
	}
	for _, fp := range p.Fingerprints {
		out.Fingerprints = append(out.Fingerprints, webrtc.DTLSFingerprint{Algorithm: fp.Algorithm, Value: fp.Value})
	}
	return out
}

func toDomainDtls(p webrtc.DTLSParameters) domain.DtlsParameters {
	out := domain.DtlsParameters{Role: domain.DtlsRoleAuto}
	switch p.Role {
	case webrtc.DTLSRoleClient:
		out.Role = domain.DtlsRoleClient
	case webrtc.DTLSRoleServer:
		out.Role = domain.DtlsRoleServer
	}
	for _, fp := range p.Fingerprints {
		out.Fingerprints = append(out.Fingerprints, domain.DtlsFingerprint{Algorithm: fp.Algorithm, Value: fp.Value})
	}
	return out
}

// consumerParameters describes what a consumer sends, in router codec terms.
func consumerParameters(codec domain.RtpCodecCapability, mid string, ssrc uint32, cname string) domain.RtpParameters {
	return domain.RtpParameters{
		Mid: mid,
		Codecs: []domain.RtpCodecParameters{{
			MimeType:     codec.MimeType,
			PayloadType:  codec.PreferredPayloadType,
			ClockRate:    codec.ClockRate,
			Channels:     codec.Channels,
			Parameters:   codec.Parameters,
			RtcpFeedback: codec.RtcpFeedback,
		}},
		Encodings: []domain.RtpEncodingParameters{{Ssrc: ssrc}},
		Rtcp:      domain.RtcpParameters{Cname: cname, ReducedSize: true},
	}
}

func randomSSRC() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0x5f5f5f5f
	}
	v := binary.BigEndian.Uint32(b[:])
	if v == 0 {
		v = 1
	}
	return v
}
