package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	// RoomIDRegex validates room ids as they appear in URLs and query strings.
	RoomIDRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

	// SubjectRegex validates token subjects.
	SubjectRegex = regexp.MustCompile(`^[a-zA-Z0-9._@-]+$`)
)

const (
	MaxRoomIDLength  = 128
	MaxSubjectLength = 128
)

// ValidateRoomID validates a room id
func ValidateRoomID(roomID string) error {
	if roomID == "" {
		return fmt.Errorf("room ID is required")
	}
	if len(roomID) > MaxRoomIDLength {
		return fmt.Errorf("room ID is too long (max %d characters)", MaxRoomIDLength)
	}
	if !RoomIDRegex.MatchString(roomID) {
		return fmt.Errorf("invalid room ID format")
	}
	return nil
}

func ValidateSubject(subject string) error {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return fmt.Errorf("subject is required")
	}
	if len(subject) > MaxSubjectLength {
		return fmt.Errorf("subject is too long (max %d characters)", MaxSubjectLength)
	}
	if !SubjectRegex.MatchString(subject) {
		return fmt.Errorf("invalid subject format")
	}
	return nil
}

// ValidateOrigin accepts "*" or an http(s) origin without a path.
func ValidateOrigin(origin string) error {
	if origin == "*" {
		return nil
	}
	u, err := url.Parse(origin)
	if err != nil {
		return fmt.Errorf("invalid origin %q: %w", origin, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid origin %q (scheme must be http or https)", origin)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid origin %q (missing host)", origin)
	}
	if u.Path != "" && u.Path != "/" {
		return fmt.Errorf("invalid origin %q (must not have a path)", origin)
	}
	return nil
}

// ValidateICEURL validates a STUN or TURN server URL such as
// "stun:stun.l.google.com:19302" or "turns:turn.example.com:5349?transport=tcp".
func ValidateICEURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("ICE server URL is required")
	}
	scheme, rest, ok := strings.Cut(raw, ":")
	if !ok || rest == "" {
		return fmt.Errorf("invalid ICE server URL %q", raw)
	}
	switch scheme {
	case "stun", "stuns", "turn", "turns":
	default:
		return fmt.Errorf("invalid ICE server URL %q (scheme must be stun, stuns, turn or turns)", raw)
	}
	host, _, _ := strings.Cut(rest, "?")
	if strings.HasPrefix(host, "/") || strings.TrimSpace(host) == "" {
		return fmt.Errorf("invalid ICE server URL %q (missing host)", raw)
	}
	return nil
}

// ValidateNonEmptyString validates that string is not empty after trimming
func ValidateNonEmptyString(s, fieldName string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	return nil
}

// ValidateStringLength validates string length
func ValidateStringLength(s string, min, max int, fieldName string) error {
	length := utf8.RuneCountInString(s)
	if length < min {
		return fmt.Errorf("%s must be at least %d characters", fieldName, min)
	}
	if length > max {
		return fmt.Errorf("%s is too long (max %d characters)", fieldName, max)
	}
	return nil
}
