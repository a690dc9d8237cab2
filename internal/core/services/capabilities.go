package services

import (
	"fmt"
	"sort"
	"strings"

	"sfugate/internal/core/domain"
)

const (
	firstDynamicPayloadType = 100
	lastDynamicPayloadType  = 127
)

var canonicalSubtypes = map[string]string{
	"opus": "opus",
	"pcmu": "PCMU",
	"pcma": "PCMA",
	"g722": "G722",
	"vp8":  "VP8",
	"vp9":  "VP9",
	"h264": "H264",
	"h265": "H265",
	"av1":  "AV1",
}

var defaultHeaderExtensions = []domain.RtpHeaderExtension{
	{Kind: domain.MediaKindAudio, URI: "urn:ietf:params:rtp-hdrext:sdes:mid", PreferredID: 1, Direction: "sendrecv"},
	{Kind: domain.MediaKindVideo, URI: "urn:ietf:params:rtp-hdrext:sdes:mid", PreferredID: 1, Direction: "sendrecv"},
	{Kind: domain.MediaKindAudio, URI: "http://www.webrtc.org/experiments/rtp-hdrext/abs-send-time", PreferredID: 4, Direction: "sendrecv"},
	{Kind: domain.MediaKindVideo, URI: "http://www.webrtc.org/experiments/rtp-hdrext/abs-send-time", PreferredID: 4, Direction: "sendrecv"},
	{Kind: domain.MediaKindVideo, URI: "http://www.ietf.org/id/draft-holmer-rmcat-transport-wide-cc-extensions-01", PreferredID: 5, Direction: "sendrecv"},
	{Kind: domain.MediaKindAudio, URI: "urn:ietf:params:rtp-hdrext:ssrc-audio-level", PreferredID: 10, Direction: "sendrecv"},
	{Kind: domain.MediaKindVideo, URI: "urn:3gpp:video-orientation", PreferredID: 11, Direction: "sendrecv"},
}

// CapabilityRegistry holds the negotiated capability set of one routing
// domain. It is immutable after Negotiate returns.
type CapabilityRegistry struct {
	caps domain.RtpCapabilities
}

// Negotiate turns the configured codec list into router capabilities.
// The result depends only on the input order and contents.
func Negotiate(codecs []domain.RtpCodecCapability) (*CapabilityRegistry, error) {
	if len(codecs) == 0 {
		return nil, fmt.Errorf("no media codecs configured")
	}

	used := make(map[uint8]bool)
	for _, c := range codecs {
		if c.PreferredPayloadType == 0 {
			continue
		}
		if used[c.PreferredPayloadType] {
			return nil, fmt.Errorf("payload type %d requested twice", c.PreferredPayloadType)
		}
		used[c.PreferredPayloadType] = true
	}

	next := uint8(firstDynamicPayloadType)
	allocate := func() (uint8, error) {
		for next <= lastDynamicPayloadType {
			pt := next
			next++
			if !used[pt] {
				used[pt] = true
				return pt, nil
			}
		}
		return 0, fmt.Errorf("dynamic payload types exhausted")
	}

	seen := make(map[string]bool)
	out := domain.RtpCapabilities{}

	for i, c := range codecs {
		codec, err := normalizeCodec(c)
		if err != nil {
			return nil, fmt.Errorf("media codec %d: %w", i, err)
		}

		key := codecKey(codec)
		if seen[key] {
			return nil, fmt.Errorf("media codec %d: duplicate %s", i, codec.MimeType)
		}
		seen[key] = true

		if codec.PreferredPayloadType == 0 {
			pt, err := allocate()
			if err != nil {
				return nil, err
			}
			codec.PreferredPayloadType = pt
		}
		out.Codecs = append(out.Codecs, codec)

		if codec.Kind == domain.MediaKindVideo {
			pt, err := allocate()
			if err != nil {
				return nil, err
			}
			out.Codecs = append(out.Codecs, domain.RtpCodecCapability{
				Kind:                 domain.MediaKindVideo,
				MimeType:             "video/rtx",
				PreferredPayloadType: pt,
				ClockRate:            codec.ClockRate,
				Parameters:           domain.CodecParameters{"apt": int(codec.PreferredPayloadType)},
			})
		}
	}

	out.HeaderExtensions = append([]domain.RtpHeaderExtension(nil), defaultHeaderExtensions...)
	return &CapabilityRegistry{caps: out}, nil
}

// Capabilities returns a copy of the negotiated set.
func (r *CapabilityRegistry) Capabilities() domain.RtpCapabilities {
	return r.caps.Clone()
}

// CanConsume reports whether an endpoint with the given capabilities can
// receive media of this kind from the routing domain. It never fails.
func (r *CapabilityRegistry) CanConsume(kind domain.MediaKind, remote domain.RtpCapabilities) bool {
	for _, codec := range r.caps.Codecs {
		if codec.Kind != kind || codec.IsRtx() {
			continue
		}
		if _, ok := remote.FindCodec(codec); ok {
			return true
		}
	}
	return false
}

// MatchCodec finds the remote codec able to decode the given producer codec.
// The codec must also be part of the routing domain.
func (r *CapabilityRegistry) MatchCodec(codec domain.RtpCodecParameters, remote domain.RtpCapabilities) (domain.RtpCodecCapability, bool) {
	if !r.Supports(codec) {
		return domain.RtpCodecCapability{}, false
	}
	return remote.FindCodec(codec.AsCapability())
}

// Supports reports whether the codec was negotiated for this domain.
func (r *CapabilityRegistry) Supports(codec domain.RtpCodecParameters) bool {
	_, ok := r.caps.FindCodec(codec.AsCapability())
	return ok
}

func normalizeCodec(c domain.RtpCodecCapability) (domain.RtpCodecCapability, error) {
	prefix, subtype, found := strings.Cut(c.MimeType, "/")
	if !found || subtype == "" {
		return c, fmt.Errorf("malformed mime type %q", c.MimeType)
	}
	kind := domain.MediaKind(strings.ToLower(prefix))
	if !kind.Valid() {
		return c, fmt.Errorf("unknown media type in %q", c.MimeType)
	}
	if c.Kind != "" && c.Kind != kind {
		return c, fmt.Errorf("kind %s does not match mime type %q", c.Kind, c.MimeType)
	}
	if strings.EqualFold(subtype, "rtx") {
		return c, fmt.Errorf("rtx codecs are derived, not configured")
	}
	if c.ClockRate == 0 {
		return c, fmt.Errorf("%s needs a clock rate", c.MimeType)
	}
	if c.PreferredPayloadType != 0 && c.PreferredPayloadType > lastDynamicPayloadType {
		return c, fmt.Errorf("payload type %d out of range", c.PreferredPayloadType)
	}

	if canonical, ok := canonicalSubtypes[strings.ToLower(subtype)]; ok {
		subtype = canonical
	}

	out := c.Clone()
	out.Kind = kind
	out.MimeType = string(kind) + "/" + subtype

	if kind == domain.MediaKindAudio {
		if out.Channels == 0 {
			out.Channels = 1
		}
		if len(out.RtcpFeedback) == 0 {
			out.RtcpFeedback = []domain.RtcpFeedback{{Type: "transport-cc"}}
		}
	} else {
		out.Channels = 0
		if len(out.RtcpFeedback) == 0 {
			out.RtcpFeedback = []domain.RtcpFeedback{
				{Type: "nack"},
				{Type: "nack", Parameter: "pli"},
				{Type: "ccm", Parameter: "fir"},
				{Type: "goog-remb"},
				{Type: "transport-cc"},
			}
		}
	}
	return out, nil
}

func codecKey(c domain.RtpCodecCapability) string {
	keys := make([]string, 0, len(c.Parameters))
	for k := range c.Parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	fmt.Fprintf(&b, "%s/%d/%d", strings.ToLower(c.MimeType), c.ClockRate, c.Channels)
	for _, k := range keys {
		fmt.Fprintf(&b, ";%s=%v", k, c.Parameters[k])
	}
	return b.String()
}
