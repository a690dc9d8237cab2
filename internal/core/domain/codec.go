package domain

import (
	"fmt"
	"strings"
)

// AsCapability converts concrete codec parameters into capability form for matching.
func (c RtpCodecParameters) AsCapability() RtpCodecCapability {
	return RtpCodecCapability{
		Kind:                 c.Kind(),
		MimeType:             c.MimeType,
		PreferredPayloadType: c.PayloadType,
		ClockRate:            c.ClockRate,
		Channels:             c.Channels,
		Parameters:           c.Parameters,
		RtcpFeedback:         c.RtcpFeedback,
	}
}

// CodecsMatch reports whether two codecs describe the same media format.
// Mime types compare case-insensitively; audio channel count defaults to 1.
func CodecsMatch(a, b RtpCodecCapability) bool {
	if !strings.EqualFold(a.MimeType, b.MimeType) || a.ClockRate != b.ClockRate {
		return false
	}
	if KindOfMimeType(a.MimeType) == MediaKindAudio && channelsOrOne(a.Channels) != channelsOrOne(b.Channels) {
		return false
	}
	if strings.EqualFold(a.MimeType, "video/H264") {
		if paramString(a.Parameters, "packetization-mode", "0") != paramString(b.Parameters, "packetization-mode", "0") {
			return false
		}
	}
	return true
}

// FindCodec returns the first non-RTX codec in c matching target.
func (c RtpCapabilities) FindCodec(target RtpCodecCapability) (RtpCodecCapability, bool) {
	for _, codec := range c.Codecs {
		if codec.IsRtx() {
			continue
		}
		if CodecsMatch(codec, target) {
			return codec, true
		}
	}
	return RtpCodecCapability{}, false
}

// RtxFor returns the RTX codec whose apt points at payloadType.
func (c RtpCapabilities) RtxFor(payloadType uint8) (RtpCodecCapability, bool) {
	for _, codec := range c.Codecs {
		if codec.IsRtx() && paramString(codec.Parameters, "apt", "") == fmt.Sprint(payloadType) {
			return codec, true
		}
	}
	return RtpCodecCapability{}, false
}

func channelsOrOne(ch uint16) uint16 {
	if ch == 0 {
		return 1
	}
	return ch
}

func paramString(params CodecParameters, key, def string) string {
	v, ok := params[key]
	if !ok || v == nil {
		return def
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return fmt.Sprintf("%d", int64(t))
	default:
		return fmt.Sprint(t)
	}
}
