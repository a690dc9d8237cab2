package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, uint16(2000), cfg.Engine.RTCMinPort)
	assert.Equal(t, uint16(2020), cfg.Engine.RTCMaxPort)
	assert.Equal(t, "127.0.0.1", cfg.Engine.ListenIP)
	assert.Equal(t, []string{"http://localhost:5173"}, cfg.Signal.AllowedOrigins)
	require.Len(t, cfg.MediaCodecs, 2)
	assert.Equal(t, "audio/opus", cfg.MediaCodecs[0].MimeType)
	assert.Equal(t, "1000", cfg.MediaCodecs[1].Parameters["x-google-start-bitrate"])
}

func TestLoad_UsesDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":3000", cfg.Server.Address)
	assert.Equal(t, "/ws", cfg.Signal.Path)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoad_LoadsFromYAMLAndAppliesEnvOverrides(t *testing.T) {
	path := writeTempConfig(t, `
server:
  address: ":9000"
  read_timeout: 10s
signal:
  default_room: lobby
engine:
  type: memory
  rtc_min_port: 40000
  rtc_max_port: 40100
media_codecs:
  - kind: video
    mime_type: video/H264
    clock_rate: 90000
    parameters:
      packetization-mode: "1"
`)

	t.Setenv("SFUGATE_LOG_LEVEL", "debug")
	t.Setenv("SFUGATE_ANNOUNCED_IP", "203.0.113.10")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Address)
	assert.Equal(t, 10*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 30*time.Second, cfg.Server.WriteTimeout)
	assert.Equal(t, "lobby", cfg.Signal.DefaultRoom)
	assert.Equal(t, "memory", cfg.Engine.Type)
	assert.Equal(t, uint16(40000), cfg.Engine.RTCMinPort)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "203.0.113.10", cfg.Engine.AnnouncedIP)
	require.Len(t, cfg.MediaCodecs, 1)
	assert.Equal(t, "video/H264", cfg.MediaCodecs[0].MimeType)
}

func TestLoad_RejectsInvalidYAML(t *testing.T) {
	path := writeTempConfig(t, "server: [")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate_InvalidValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty server address", func(c *Config) { c.Server.Address = "" }},
		{"signal path without slash", func(c *Config) { c.Signal.Path = "ws" }},
		{"default room with spaces", func(c *Config) { c.Signal.DefaultRoom = "main hall" }},
		{"origin with path", func(c *Config) { c.Signal.AllowedOrigins = []string{"https://app.example.com/login"} }},
		{"ice server with http url", func(c *Config) {
			c.Engine.ICEServers = []ICEServer{{URLs: []string{"http://stun.example.com"}}}
		}},
		{"pong not after ping", func(c *Config) { c.Signal.PongTimeout = c.Signal.PingInterval }},
		{"unknown engine", func(c *Config) { c.Engine.Type = "mediasoup" }},
		{"inverted port range", func(c *Config) { c.Engine.RTCMinPort, c.Engine.RTCMaxPort = 3000, 2000 }},
		{"unknown failure policy", func(c *Config) { c.Engine.OnFailure = "retry-forever" }},
		{"restart without budget", func(c *Config) {
			c.Engine.OnFailure = "restart"
			c.Engine.MaxRestarts = 0
		}},
		{"no codecs", func(c *Config) { c.MediaCodecs = nil }},
		{"bad codec kind", func(c *Config) { c.MediaCodecs[0].Kind = "data" }},
		{"codec without clock rate", func(c *Config) { c.MediaCodecs[0].ClockRate = 0 }},
		{"pipelines without command", func(c *Config) {
			c.Pipelines.Enabled = true
			c.Pipelines.Command = ""
		}},
		{"redis without address", func(c *Config) {
			c.Redis.Enabled = true
			c.Redis.Address = ""
		}},
		{"auth without secret", func(c *Config) {
			c.Auth.Enabled = true
			c.Auth.JWTSecret = ""
		}},
		{"rate limiting zero rps", func(c *Config) {
			c.RateLimiting.Enabled = true
			c.RateLimiting.HTTP.RequestsPerSecond = 0
		}},
		{"ws burst zero", func(c *Config) {
			c.RateLimiting.Enabled = true
			c.RateLimiting.WebSocket.Burst = 0
		}},
		{"sample rate out of range", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.SampleRate = 2
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidate_RateLimitingDisabled_AllowsZeroValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 0
	cfg.RateLimiting.HTTP.Burst = 0
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 0
	cfg.RateLimiting.WebSocket.Burst = 0

	assert.NoError(t, cfg.Validate())
}
