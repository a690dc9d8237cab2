package domain

import (
	"fmt"
	"strings"
)

type MediaKind string

const (
	MediaKindAudio MediaKind = "audio"
	MediaKindVideo MediaKind = "video"
)

func (k MediaKind) Valid() bool {
	return k == MediaKindAudio || k == MediaKindVideo
}

// CodecParameters holds fmtp style codec parameters. Values are strings or
// numbers depending on the client.
type CodecParameters map[string]interface{}

type RtcpFeedback struct {
	Type      string `json:"type"`
	Parameter string `json:"parameter,omitempty"`
}

// RtpCodecCapability is one codec a router or endpoint can handle.
type RtpCodecCapability struct {
	Kind                 MediaKind       `json:"kind"`
	MimeType             string          `json:"mimeType"`
	PreferredPayloadType uint8           `json:"preferredPayloadType,omitempty"`
	ClockRate            uint32          `json:"clockRate"`
	Channels             uint16          `json:"channels,omitempty"`
	Parameters           CodecParameters `json:"parameters,omitempty"`
	RtcpFeedback         []RtcpFeedback  `json:"rtcpFeedback,omitempty"`
}

// IsRtx reports whether the codec is a retransmission codec.
func (c RtpCodecCapability) IsRtx() bool {
	return IsRtxMimeType(c.MimeType)
}

type RtpHeaderExtension struct {
	Kind        MediaKind `json:"kind"`
	URI         string    `json:"uri"`
	PreferredID int       `json:"preferredId"`
	Direction   string    `json:"direction,omitempty"`
}

// RtpCapabilities describes what a router or endpoint can send and receive.
type RtpCapabilities struct {
	Codecs           []RtpCodecCapability `json:"codecs"`
	HeaderExtensions []RtpHeaderExtension `json:"headerExtensions,omitempty"`
}

// Clone returns a deep copy so callers can hand the value out without sharing maps.
func (c RtpCapabilities) Clone() RtpCapabilities {
	out := RtpCapabilities{
		Codecs:           make([]RtpCodecCapability, len(c.Codecs)),
		HeaderExtensions: append([]RtpHeaderExtension(nil), c.HeaderExtensions...),
	}
	for i, codec := range c.Codecs {
		out.Codecs[i] = codec.Clone()
	}
	return out
}

func (c RtpCodecCapability) Clone() RtpCodecCapability {
	c.RtcpFeedback = append([]RtcpFeedback(nil), c.RtcpFeedback...)
	if c.Parameters != nil {
		params := make(CodecParameters, len(c.Parameters))
		for k, v := range c.Parameters {
			params[k] = v
		}
		c.Parameters = params
	}
	return c
}

type RtpCodecParameters struct {
	MimeType     string          `json:"mimeType"`
	PayloadType  uint8           `json:"payloadType"`
	ClockRate    uint32          `json:"clockRate"`
	Channels     uint16          `json:"channels,omitempty"`
	Parameters   CodecParameters `json:"parameters,omitempty"`
	RtcpFeedback []RtcpFeedback  `json:"rtcpFeedback,omitempty"`
}

func (c RtpCodecParameters) Kind() MediaKind {
	return KindOfMimeType(c.MimeType)
}

type RtxParameters struct {
	Ssrc uint32 `json:"ssrc"`
}

type RtpEncodingParameters struct {
	Ssrc       uint32         `json:"ssrc,omitempty"`
	Rid        string         `json:"rid,omitempty"`
	Rtx        *RtxParameters `json:"rtx,omitempty"`
	MaxBitrate uint32         `json:"maxBitrate,omitempty"`
}

type RtpHeaderExtensionParameters struct {
	URI     string `json:"uri"`
	ID      int    `json:"id"`
	Encrypt bool   `json:"encrypt,omitempty"`
}

type RtcpParameters struct {
	Cname       string `json:"cname,omitempty"`
	ReducedSize bool   `json:"reducedSize"`
}

// RtpParameters describes one concrete media flow.
type RtpParameters struct {
	Mid              string                         `json:"mid,omitempty"`
	Codecs           []RtpCodecParameters           `json:"codecs"`
	HeaderExtensions []RtpHeaderExtensionParameters `json:"headerExtensions,omitempty"`
	Encodings        []RtpEncodingParameters        `json:"encodings"`
	Rtcp             RtcpParameters                 `json:"rtcp"`
}

// PrimaryCodec returns the first non-RTX codec.
func (p RtpParameters) PrimaryCodec() (RtpCodecParameters, bool) {
	for _, c := range p.Codecs {
		if !IsRtxMimeType(c.MimeType) {
			return c, true
		}
	}
	return RtpCodecParameters{}, false
}

// Validate performs the structural checks every engine applies before produce.
func (p RtpParameters) Validate(kind MediaKind) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidRtpParameters, kind)
	}
	codec, ok := p.PrimaryCodec()
	if !ok {
		return fmt.Errorf("%w: no media codec", ErrInvalidRtpParameters)
	}
	if codec.Kind() != kind {
		return fmt.Errorf("%w: codec %s does not match kind %s", ErrInvalidRtpParameters, codec.MimeType, kind)
	}
	if codec.ClockRate == 0 {
		return fmt.Errorf("%w: codec %s has no clock rate", ErrInvalidRtpParameters, codec.MimeType)
	}
	if len(p.Encodings) == 0 {
		return fmt.Errorf("%w: no encodings", ErrInvalidRtpParameters)
	}
	for i, enc := range p.Encodings {
		if enc.Ssrc == 0 && enc.Rid == "" {
			return fmt.Errorf("%w: encoding %d has neither ssrc nor rid", ErrInvalidRtpParameters, i)
		}
	}
	return nil
}

func IsRtxMimeType(mimeType string) bool {
	return strings.HasSuffix(strings.ToLower(mimeType), "/rtx")
}

// KindOfMimeType returns the media kind prefix of a mime type, or "" when unknown.
func KindOfMimeType(mimeType string) MediaKind {
	prefix, _, found := strings.Cut(strings.ToLower(mimeType), "/")
	if !found {
		return ""
	}
	kind := MediaKind(prefix)
	if !kind.Valid() {
		return ""
	}
	return kind
}
