package domain

import "errors"

// Errors reported by media engine adapters. The session layer maps them onto
// the signaling error codes.
var (
	ErrEngineClosed         = errors.New("media engine closed")
	ErrPortsExhausted       = errors.New("rtc port range exhausted")
	ErrInvalidRtpParameters = errors.New("invalid rtp parameters")
	ErrUnsupportedCodec     = errors.New("unsupported codec")
	ErrTransportNotReady    = errors.New("transport not connected")
	ErrHandshakeFailed      = errors.New("transport handshake failed")
)

// ErrRoomNotFound is returned by room directories for unknown rooms.
var ErrRoomNotFound = errors.New("room not found")
