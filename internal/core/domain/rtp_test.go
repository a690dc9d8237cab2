package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func vp8Params() RtpParameters {
	return RtpParameters{
		Codecs: []RtpCodecParameters{
			{MimeType: "video/VP8", PayloadType: 101, ClockRate: 90000},
			{MimeType: "video/rtx", PayloadType: 102, ClockRate: 90000, Parameters: CodecParameters{"apt": 101}},
		},
		Encodings: []RtpEncodingParameters{{Ssrc: 1111}},
	}
}

func TestRtpParameters_Validate(t *testing.T) {
	assert.NoError(t, vp8Params().Validate(MediaKindVideo))

	tests := []struct {
		name   string
		kind   MediaKind
		mutate func(*RtpParameters)
	}{
		{"unknown kind", MediaKind("data"), func(p *RtpParameters) {}},
		{"kind mismatch", MediaKindAudio, func(p *RtpParameters) {}},
		{"only rtx", MediaKindVideo, func(p *RtpParameters) { p.Codecs = p.Codecs[1:] }},
		{"no clock rate", MediaKindVideo, func(p *RtpParameters) { p.Codecs[0].ClockRate = 0 }},
		{"no encodings", MediaKindVideo, func(p *RtpParameters) { p.Encodings = nil }},
		{"encoding without ssrc", MediaKindVideo, func(p *RtpParameters) { p.Encodings[0].Ssrc = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := vp8Params()
			tt.mutate(&p)
			err := p.Validate(tt.kind)
			assert.True(t, errors.Is(err, ErrInvalidRtpParameters), "got %v", err)
		})
	}
}

func TestKindOfMimeType(t *testing.T) {
	assert.Equal(t, MediaKindAudio, KindOfMimeType("audio/opus"))
	assert.Equal(t, MediaKindVideo, KindOfMimeType("VIDEO/H264"))
	assert.Equal(t, MediaKind(""), KindOfMimeType("application/json"))
	assert.Equal(t, MediaKind(""), KindOfMimeType("opus"))
}

func TestRtpCapabilities_CloneIsDeep(t *testing.T) {
	caps := RtpCapabilities{Codecs: []RtpCodecCapability{{
		Kind: MediaKindVideo, MimeType: "video/VP8", ClockRate: 90000,
		Parameters: CodecParameters{"x-google-start-bitrate": "1000"},
	}}}

	clone := caps.Clone()
	clone.Codecs[0].Parameters["x-google-start-bitrate"] = "5"
	clone.Codecs[0].MimeType = "video/H264"

	assert.Equal(t, "1000", caps.Codecs[0].Parameters["x-google-start-bitrate"])
	assert.Equal(t, "video/VP8", caps.Codecs[0].MimeType)
}

func TestDtlsParameters_Validate(t *testing.T) {
	ok := DtlsParameters{Role: DtlsRoleClient, Fingerprints: []DtlsFingerprint{{Algorithm: "sha-256", Value: "AB:CD"}}}
	assert.NoError(t, ok.Validate())

	assert.Error(t, DtlsParameters{}.Validate())
	assert.Error(t, DtlsParameters{Role: "peer", Fingerprints: ok.Fingerprints}.Validate())
	assert.Error(t, DtlsParameters{Fingerprints: []DtlsFingerprint{{Algorithm: "sha-256"}}}.Validate())
}
