package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"sfugate/pkg/validation"

	"gopkg.in/yaml.v2"
)

// MediaCodec is one entry of the router codec list.
type MediaCodec struct {
	Kind                 string            `yaml:"kind"`
	MimeType             string            `yaml:"mime_type"`
	ClockRate            uint32            `yaml:"clock_rate"`
	Channels             uint16            `yaml:"channels,omitempty"`
	PreferredPayloadType uint8             `yaml:"preferred_payload_type,omitempty"`
	Parameters           map[string]string `yaml:"parameters,omitempty"`
}

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Signal struct {
		Path           string        `yaml:"path"`
		DefaultRoom    string        `yaml:"default_room"`
		PingInterval   time.Duration `yaml:"ping_interval"`
		PongTimeout    time.Duration `yaml:"pong_timeout"`
		WriteTimeout   time.Duration `yaml:"write_timeout"`
		SendBuffer     int           `yaml:"send_buffer"`
		MaxMessageSize int64         `yaml:"max_message_size"`
		AllowedOrigins []string      `yaml:"allowed_origins"`
	} `yaml:"signal"`

	Engine struct {
		Type           string        `yaml:"type"` // pion | memory
		ListenIP       string        `yaml:"listen_ip"`
		AnnouncedIP    string        `yaml:"announced_ip"`
		RTCMinPort     uint16        `yaml:"rtc_min_port"`
		RTCMaxPort     uint16        `yaml:"rtc_max_port"`
		GatherTimeout  time.Duration `yaml:"gather_timeout"`
		ConnectTimeout time.Duration `yaml:"connect_timeout"`
		OnFailure      string        `yaml:"on_failure"` // shutdown | restart
		MaxRestarts    int           `yaml:"max_restarts"`
		ICEServers     []ICEServer   `yaml:"ice_servers"`
	} `yaml:"engine"`

	MediaCodecs []MediaCodec `yaml:"media_codecs"`

	Rooms struct {
		MaxPeers int `yaml:"max_peers"`
		MaxRooms int `yaml:"max_rooms"`
	} `yaml:"rooms"`

	Pipelines struct {
		Enabled     bool          `yaml:"enabled"`
		Command     string        `yaml:"command"`
		Args        []string      `yaml:"args"`
		Host        string        `yaml:"host"` // overrides the ingest IP given to the command
		StopTimeout time.Duration `yaml:"stop_timeout"`
	} `yaml:"pipelines"`

	Monitoring struct {
		PrometheusEnabled bool          `yaml:"prometheus_enabled"`
		MetricsPath       string        `yaml:"metrics_path"`
		HealthInterval    time.Duration `yaml:"health_interval"`
	} `yaml:"monitoring"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled   bool   `yaml:"enabled"`
		Address   string `yaml:"address"`
		Password  string `yaml:"password"`
		DB        int    `yaml:"db"`
		PoolSize  int    `yaml:"pool_size"`
		KeyPrefix string `yaml:"key_prefix"`
	} `yaml:"redis"`

	Auth struct {
		Enabled   bool          `yaml:"enabled"`
		JWTSecret string        `yaml:"jwt_secret"`
		TokenTTL  time.Duration `yaml:"token_ttl"`
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
		} `yaml:"http"`

		WebSocket struct {
			MessagesPerSecond float64 `yaml:"messages_per_second"`
			Burst             int     `yaml:"burst"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`

	Tracing struct {
		Enabled        bool    `yaml:"enabled"`
		ServiceName    string  `yaml:"service_name"`
		JaegerEndpoint string  `yaml:"jaeger_endpoint"`
		SampleRate     float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Retry struct {
		MaxAttempts  int           `yaml:"max_attempts"`
		InitialDelay time.Duration `yaml:"initial_delay"`
		MaxDelay     time.Duration `yaml:"max_delay"`
	} `yaml:"retry"`

	CircuitBreaker struct {
		FailureThreshold int           `yaml:"failure_threshold"`
		SuccessThreshold int           `yaml:"success_threshold"`
		Timeout          time.Duration `yaml:"timeout"`
	} `yaml:"circuit_breaker"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	// Signal
	if !strings.HasPrefix(c.Signal.Path, "/") {
		return fmt.Errorf("signal.path must start with /")
	}
	if err := validation.ValidateRoomID(c.Signal.DefaultRoom); err != nil {
		return fmt.Errorf("signal.default_room: %w", err)
	}
	for _, origin := range c.Signal.AllowedOrigins {
		if err := validation.ValidateOrigin(origin); err != nil {
			return fmt.Errorf("signal.allowed_origins: %w", err)
		}
	}
	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be > signal.ping_interval")
	}
	if c.Signal.WriteTimeout <= 0 {
		return fmt.Errorf("signal.write_timeout must be > 0")
	}
	if c.Signal.SendBuffer <= 0 {
		return fmt.Errorf("signal.send_buffer must be > 0")
	}
	if c.Signal.MaxMessageSize <= 0 {
		return fmt.Errorf("signal.max_message_size must be > 0")
	}

	// Engine
	switch c.Engine.Type {
	case "pion", "memory":
	default:
		return fmt.Errorf("engine.type must be pion or memory, got %q", c.Engine.Type)
	}
	if c.Engine.ListenIP == "" {
		return fmt.Errorf("engine.listen_ip must not be empty")
	}
	if c.Engine.RTCMinPort == 0 || c.Engine.RTCMaxPort == 0 {
		return fmt.Errorf("engine.rtc_min_port and rtc_max_port must be set")
	}
	if c.Engine.RTCMinPort > c.Engine.RTCMaxPort {
		return fmt.Errorf("engine.rtc_min_port must be <= rtc_max_port")
	}
	if c.Engine.GatherTimeout <= 0 || c.Engine.ConnectTimeout <= 0 {
		return fmt.Errorf("engine.gather_timeout and connect_timeout must be > 0")
	}
	for i, server := range c.Engine.ICEServers {
		for _, u := range server.URLs {
			if err := validation.ValidateICEURL(u); err != nil {
				return fmt.Errorf("engine.ice_servers[%d]: %w", i, err)
			}
		}
	}
	switch c.Engine.OnFailure {
	case "shutdown":
	case "restart":
		if c.Engine.MaxRestarts <= 0 {
			return fmt.Errorf("engine.max_restarts must be > 0 when on_failure=restart")
		}
	default:
		return fmt.Errorf("engine.on_failure must be shutdown or restart, got %q", c.Engine.OnFailure)
	}

	// Codecs
	if len(c.MediaCodecs) == 0 {
		return fmt.Errorf("media_codecs must not be empty")
	}
	for i, codec := range c.MediaCodecs {
		if codec.Kind != "audio" && codec.Kind != "video" {
			return fmt.Errorf("media_codecs[%d].kind must be audio or video", i)
		}
		if codec.MimeType == "" || codec.ClockRate == 0 {
			return fmt.Errorf("media_codecs[%d] needs mime_type and clock_rate", i)
		}
	}

	// Rooms
	if c.Rooms.MaxPeers < 0 || c.Rooms.MaxRooms < 0 {
		return fmt.Errorf("rooms.max_peers and rooms.max_rooms must be >= 0")
	}

	// Pipelines
	if c.Pipelines.Enabled {
		if c.Pipelines.Command == "" {
			return fmt.Errorf("pipelines.command must not be empty when pipelines.enabled=true")
		}
		if c.Pipelines.StopTimeout <= 0 {
			return fmt.Errorf("pipelines.stop_timeout must be > 0")
		}
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
	}

	// Auth
	if c.Auth.Enabled {
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret must not be empty when auth.enabled=true")
		}
		if c.Auth.TokenTTL <= 0 {
			return fmt.Errorf("auth.token_ttl must be > 0")
		}
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
	}

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.JaegerEndpoint == "" {
			return fmt.Errorf("tracing.jaeger_endpoint must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
		}
	}

	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("retry.max_attempts must be >= 0")
	}
	if c.CircuitBreaker.FailureThreshold <= 0 {
		return fmt.Errorf("circuit_breaker.failure_threshold must be > 0")
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); err == nil {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config file %s: %w", configPath, err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":3000"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 15 * time.Second

	cfg.Signal.Path = "/ws"
	cfg.Signal.DefaultRoom = "default"
	cfg.Signal.PingInterval = 25 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second
	cfg.Signal.SendBuffer = 64
	cfg.Signal.MaxMessageSize = 64 * 1024
	cfg.Signal.AllowedOrigins = []string{"http://localhost:5173"}

	cfg.Engine.Type = "pion"
	cfg.Engine.ListenIP = "127.0.0.1"
	cfg.Engine.RTCMinPort = 2000
	cfg.Engine.RTCMaxPort = 2020
	cfg.Engine.GatherTimeout = 5 * time.Second
	cfg.Engine.ConnectTimeout = 15 * time.Second
	cfg.Engine.OnFailure = "shutdown"
	cfg.Engine.MaxRestarts = 3

	cfg.MediaCodecs = DefaultMediaCodecs()

	cfg.Rooms.MaxPeers = 0
	cfg.Rooms.MaxRooms = 0

	cfg.Pipelines.Enabled = false
	cfg.Pipelines.Command = "gst-launch-1.0"
	cfg.Pipelines.Args = []string{
		"-v", "videotestsrc", "is-live=true", "!",
		"vp8enc", "deadline=1", "!",
		"rtpvp8pay", "pt={{.PayloadType}}", "ssrc={{.SSRC}}", "!",
		"udpsink", "host={{.Host}}", "port={{.Port}}",
	}
	cfg.Pipelines.StopTimeout = 5 * time.Second

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.MetricsPath = "/metrics"
	cfg.Monitoring.HealthInterval = 30 * time.Second

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10
	cfg.Redis.KeyPrefix = "sfugate:"

	cfg.Auth.Enabled = false
	cfg.Auth.JWTSecret = "change-me-in-production"
	cfg.Auth.TokenTTL = time.Hour

	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 50
	cfg.RateLimiting.WebSocket.Burst = 100

	cfg.Tracing.Enabled = false
	cfg.Tracing.ServiceName = "sfugate"
	cfg.Tracing.JaegerEndpoint = "http://localhost:14268/api/traces"
	cfg.Tracing.SampleRate = 1.0

	cfg.Retry.MaxAttempts = 3
	cfg.Retry.InitialDelay = 100 * time.Millisecond
	cfg.Retry.MaxDelay = 2 * time.Second

	cfg.CircuitBreaker.FailureThreshold = 5
	cfg.CircuitBreaker.SuccessThreshold = 2
	cfg.CircuitBreaker.Timeout = 30 * time.Second

	return cfg
}

// DefaultMediaCodecs is the opus + VP8 router codec set.
func DefaultMediaCodecs() []MediaCodec {
	return []MediaCodec{
		{
			Kind:      "audio",
			MimeType:  "audio/opus",
			ClockRate: 48000,
			Channels:  2,
		},
		{
			Kind:      "video",
			MimeType:  "video/VP8",
			ClockRate: 90000,
			Parameters: map[string]string{
				"x-google-start-bitrate": "1000",
			},
		},
	}
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("SFUGATE_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if level := os.Getenv("SFUGATE_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if engine := os.Getenv("SFUGATE_ENGINE_TYPE"); engine != "" {
		c.Engine.Type = engine
	}
	if ip := os.Getenv("SFUGATE_LISTEN_IP"); ip != "" {
		c.Engine.ListenIP = ip
	}
	if ip := os.Getenv("SFUGATE_ANNOUNCED_IP"); ip != "" {
		c.Engine.AnnouncedIP = ip
	}
	if v := os.Getenv("SFUGATE_RTC_MIN_PORT"); v != "" {
		if port, err := strconv.ParseUint(v, 10, 16); err == nil {
			c.Engine.RTCMinPort = uint16(port)
		}
	}
	if v := os.Getenv("SFUGATE_RTC_MAX_PORT"); v != "" {
		if port, err := strconv.ParseUint(v, 10, 16); err == nil {
			c.Engine.RTCMaxPort = uint16(port)
		}
	}
	if origins := os.Getenv("SFUGATE_ALLOWED_ORIGINS"); origins != "" {
		c.Signal.AllowedOrigins = strings.Split(origins, ",")
	}
	if secret := os.Getenv("SFUGATE_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
	if addr := os.Getenv("SFUGATE_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
		c.Redis.Enabled = true
	}
}
