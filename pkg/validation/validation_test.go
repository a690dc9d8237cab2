package validation

import (
	"strings"
	"testing"
)

func TestValidateRoomID(t *testing.T) {
	tests := []struct {
		name    string
		roomID  string
		wantErr bool
	}{
		{"simple", "lobby", false},
		{"with separators", "team-1_standup.daily", false},
		{"empty", "", true},
		{"too long", strings.Repeat("r", MaxRoomIDLength+1), true},
		{"space", "my room", true},
		{"slash", "a/b", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRoomID(tt.roomID)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateRoomID() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateSubject(t *testing.T) {
	tests := []struct {
		name    string
		subject string
		wantErr bool
	}{
		{"username", "alice", false},
		{"email style", "alice@example.com", false},
		{"blank", "   ", true},
		{"too long", strings.Repeat("a", MaxSubjectLength+1), true},
		{"invalid chars", "alice smith", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSubject(tt.subject)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateSubject() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateOrigin(t *testing.T) {
	tests := []struct {
		name    string
		origin  string
		wantErr bool
	}{
		{"wildcard", "*", false},
		{"dev server", "http://localhost:5173", false},
		{"https", "https://app.example.com", false},
		{"ws scheme", "ws://localhost", true},
		{"no host", "http://", true},
		{"path", "https://app.example.com/login", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateOrigin(tt.origin)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateOrigin() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateICEURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"stun", "stun:stun.l.google.com:19302", false},
		{"turn with transport", "turns:turn.example.com:5349?transport=tcp", false},
		{"empty", "", true},
		{"http", "http://turn.example.com", true},
		{"no host", "turn:", true},
		{"slashes", "stun://example.com", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateICEURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateICEURL() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateStringLength(t *testing.T) {
	if err := ValidateStringLength("héllo", 1, 5, "name"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := ValidateStringLength("", 1, 5, "name"); err == nil {
		t.Error("expected error for empty string")
	}
	if err := ValidateNonEmptyString("  ", "name"); err == nil {
		t.Error("expected error for blank string")
	}
}
