package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sfugate/internal/core/domain"
	"sfugate/internal/core/ports"
	"sfugate/internal/core/services"
	httphandlers "sfugate/internal/handlers/http"
	"sfugate/internal/infrastructure/distributed"
	"sfugate/internal/infrastructure/engine/memory"
	"sfugate/internal/infrastructure/engine/pion"
	"sfugate/internal/infrastructure/monitoring"
	"sfugate/internal/infrastructure/pipeline"
	"sfugate/internal/infrastructure/reliability"
	"sfugate/internal/infrastructure/repositories"
	sigserver "sfugate/internal/infrastructure/signal"
	"sfugate/pkg/batch"
	"sfugate/pkg/circuitbreaker"
	"sfugate/pkg/config"
	"sfugate/pkg/logger"
	"sfugate/pkg/retry"
	"sfugate/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

var defaultConfigPaths = []string{
	"configs/config.yaml",
	"./configs/config.yaml",
	"/etc/sfugate/config.yaml",
	"config.yaml",
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	for _, p := range defaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return config.Load(p)
		}
	}
	return config.Load("")
}

func routerCodecs(cfg *config.Config) []domain.RtpCodecCapability {
	codecs := make([]domain.RtpCodecCapability, 0, len(cfg.MediaCodecs))
	for _, c := range cfg.MediaCodecs {
		var params domain.CodecParameters
		if len(c.Parameters) > 0 {
			params = make(domain.CodecParameters, len(c.Parameters))
			for k, v := range c.Parameters {
				params[k] = v
			}
		}
		codecs = append(codecs, domain.RtpCodecCapability{
			Kind:                 domain.MediaKind(c.Kind),
			MimeType:             c.MimeType,
			ClockRate:            c.ClockRate,
			Channels:             c.Channels,
			PreferredPayloadType: c.PreferredPayloadType,
			Parameters:           params,
		})
	}
	return codecs
}

// engineFactory builds the configured media engine. It is also the restart
// path after an engine death.
func engineFactory(cfg *config.Config, zapLogger *zap.Logger) ports.EngineFactory {
	return func(ctx context.Context) (ports.MediaEngine, error) {
		if cfg.Engine.Type == "memory" {
			return memory.New(memory.Options{
				IP:      cfg.Engine.ListenIP,
				MinPort: int(cfg.Engine.RTCMinPort),
				MaxPort: int(cfg.Engine.RTCMaxPort),
			}, zapLogger.Sugar()), nil
		}

		iceServers := make([]webrtc.ICEServer, 0, len(cfg.Engine.ICEServers))
		for _, s := range cfg.Engine.ICEServers {
			iceServers = append(iceServers, webrtc.ICEServer{
				URLs:       s.URLs,
				Username:   s.Username,
				Credential: s.Credential,
			})
		}
		return pion.New(pion.Options{
			ListenIP:      cfg.Engine.ListenIP,
			AnnouncedIP:   cfg.Engine.AnnouncedIP,
			MinPort:       cfg.Engine.RTCMinPort,
			MaxPort:       cfg.Engine.RTCMaxPort,
			GatherTimeout: cfg.Engine.GatherTimeout,
			ICEServers:    iceServers,
		}, zapLogger)
	}
}

func instanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "sfugate"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}

func main() {
	configPath := pflag.StringP("config", "c", "", "path to the YAML config file")
	logLevel := pflag.String("log-level", "", "override logging.level (debug, info, warn, error)")
	issueToken := pflag.String("issue-token", "", "print an unscoped API token for this subject and exit")
	pflag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	if *issueToken != "" {
		token, expires, err := services.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL).Issue(*issueToken, "")
		if err != nil {
			fmt.Fprintf(os.Stderr, "issue token: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s\n# expires %s\n", token, expires.Format(time.RFC3339))
		return
	}

	zapLogger, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(2)
	}
	code := run(cfg, zapLogger, zapLogger.Sugar())
	_ = zapLogger.Sync()
	os.Exit(code)
}

func run(cfg *config.Config, zapLogger *zap.Logger, log *zap.SugaredLogger) int {
	instance := instanceID()
	log = log.With("instance", instance)

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerEndpoint,
		Environment: os.Getenv("SFUGATE_ENV"),
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Errorw("Failed to initialize tracing", "error", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(ctx)
	}()

	retryCfg := retry.DefaultConfig()
	retryCfg.MaxAttempts = cfg.Retry.MaxAttempts
	retryCfg.InitialDelay = cfg.Retry.InitialDelay
	retryCfg.MaxDelay = cfg.Retry.MaxDelay

	cbCfg := circuitbreaker.DefaultConfig()
	cbCfg.FailureThreshold = cfg.CircuitBreaker.FailureThreshold
	cbCfg.SuccessThreshold = cfg.CircuitBreaker.SuccessThreshold
	cbCfg.Timeout = cfg.CircuitBreaker.Timeout

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Room directory and event bus.
	repoFactory := repositories.NewRepositoryFactory(ctx, cfg, log)
	defer func() {
		if err := repoFactory.Close(); err != nil {
			log.Errorw("Error closing repository factory", "error", err)
		}
	}()
	directory := reliability.NewRoomDirectoryWrapper(repoFactory.CreateRoomDirectory(), retryCfg, cbCfg, log)

	var (
		events    ports.EventPublisher
		subscribe func(distributed.EventHandler)
		registry  *distributed.InstanceRegistry
	)
	if client := repoFactory.RedisClient(); client != nil {
		bus := distributed.NewEventBus(client, repoFactory.Prefix(), instance, log)
		defer bus.Close()
		subscribe = func(handler distributed.EventHandler) {
			go func() {
				if err := bus.Subscribe(ctx, handler); err != nil && ctx.Err() == nil {
					log.Warnw("Room event subscription ended", "error", err)
				}
			}()
		}
		events = reliability.NewPublisherWrapper(bus, cbCfg, log)

		registry = distributed.NewInstanceRegistry(client, directory, repoFactory.Prefix(), instance, 30*time.Second, log)
		if err := registry.Register(ctx); err != nil {
			log.Errorw("Failed to register instance", "error", err)
			return 1
		}
		go registry.Run(ctx)
	} else {
		bus := distributed.NewLocalEventBus(log)
		subscribe = func(handler distributed.EventHandler) { bus.Subscribe(handler) }
		events = bus
	}

	mirror := services.NewDirectoryMirror(directory, events, instance, batch.Config{
		BatchSize:     50,
		BatchInterval: 50 * time.Millisecond,
		MaxPending:    10000,
		FlushTimeout:  5 * time.Second,
	}, log)

	var metrics ports.MetricsRecorder = services.NopMetrics{}
	var collector *monitoring.PrometheusCollector
	if cfg.Monitoring.PrometheusEnabled {
		collector = monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)
		metrics = collector
	}

	// Media engine and rooms.
	factory := engineFactory(cfg, zapLogger)
	engine, err := factory(ctx)
	if err != nil {
		log.Errorw("Failed to start media engine", "type", cfg.Engine.Type, "error", err)
		return 1
	}
	rooms := services.NewRoomManager(services.RoomManagerConfig{
		Instance:       instance,
		Codecs:         routerCodecs(cfg),
		MaxPeers:       cfg.Rooms.MaxPeers,
		MaxRooms:       cfg.Rooms.MaxRooms,
		OnFailure:      cfg.Engine.OnFailure,
		MaxRestarts:    cfg.Engine.MaxRestarts,
		Restart:        retryCfg,
		ConnectTimeout: cfg.Engine.ConnectTimeout,
	}, engine, factory, mirror, metrics, log)

	roomInfo := httphandlers.NewRoomHandler(rooms, directory, 2*time.Second)
	subscribe(roomInfo.OnRoomEvent)

	fatal := make(chan error, 1)
	rooms.OnFatal(func(err error) {
		select {
		case fatal <- err:
		default:
		}
	})
	rooms.Start()

	var tokens *services.TokenService
	if cfg.Auth.Enabled {
		tokens = services.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	}

	wsRate := 0.0
	if cfg.RateLimiting.Enabled {
		wsRate = cfg.RateLimiting.WebSocket.MessagesPerSecond
	}
	signalServer := sigserver.NewWebSocketServer(sigserver.Config{
		DefaultRoom:       cfg.Signal.DefaultRoom,
		AllowedOrigins:    cfg.Signal.AllowedOrigins,
		PingInterval:      cfg.Signal.PingInterval,
		PongTimeout:       cfg.Signal.PongTimeout,
		WriteTimeout:      cfg.Signal.WriteTimeout,
		SendBuffer:        cfg.Signal.SendBuffer,
		MaxMessageSize:    cfg.Signal.MaxMessageSize,
		MessagesPerSecond: wsRate,
		Burst:             cfg.RateLimiting.WebSocket.Burst,
	}, rooms, tokens, metrics, log)

	var pipelines *pipeline.Manager
	if cfg.Pipelines.Enabled {
		var counter pipeline.IngestCounter
		if collector != nil {
			counter = collector
		}
		pipelines, err = pipeline.NewManager(pipeline.Config{
			Command:     cfg.Pipelines.Command,
			Args:        cfg.Pipelines.Args,
			Host:        cfg.Pipelines.Host,
			StopTimeout: cfg.Pipelines.StopTimeout,
		}, rooms, counter, log)
		if err != nil {
			log.Errorw("Invalid pipeline configuration", "error", err)
			return 1
		}
	}

	checker := monitoring.NewHealthChecker()
	checker.AddEngineCheck(rooms, cfg.Monitoring.HealthInterval)
	checker.AddRoomDirectoryCheck(directory, cfg.Monitoring.HealthInterval, 2*time.Second)
	if client := repoFactory.RedisClient(); client != nil {
		checker.AddRedisCheck(client, cfg.Monitoring.HealthInterval, 2*time.Second)
	}
	checker.StartBackgroundChecks(ctx)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	var metricsHandler http.Handler
	if cfg.Monitoring.PrometheusEnabled {
		metricsHandler = promhttp.Handler()
	}
	router := httphandlers.NewRouter(httphandlers.RouterDeps{
		Config:    cfg,
		Logger:    log,
		Rooms:     rooms,
		Signal:    signalServer,
		Tokens:    tokens,
		Pipelines: pipelines,
		RoomInfo:  roomInfo,
		Health:    httphandlers.NewHealthHandler(checker, rooms),
		Metrics:   metricsHandler,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("Starting sfugate", "address", cfg.Server.Address, "signal_path", cfg.Signal.Path, "engine", cfg.Engine.Type)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	code := 0
	select {
	case err := <-serverErr:
		log.Errorw("Server failed", "error", err)
		code = 1
	case err := <-fatal:
		log.Errorw("Media engine is gone, exiting", "error", err)
		code = 1
	case sig := <-sigChan:
		log.Infow("Received shutdown signal", "signal", sig)
	}

	log.Info("Shutting down sfugate...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// Websockets are hijacked, so Shutdown does not wait for them.
	signalServer.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("Error force closing server", "error", closeErr)
		}
	}
	if pipelines != nil {
		if err := pipelines.Close(shutdownCtx); err != nil {
			log.Errorw("Error stopping pipelines", "error", err)
		}
	}
	if err := rooms.Close(shutdownCtx); err != nil {
		log.Errorw("Error closing rooms", "error", err)
	}
	mirror.Stop()
	if registry != nil {
		if err := registry.Deregister(shutdownCtx); err != nil {
			log.Warnw("Failed to deregister instance", "error", err)
		}
	}
	roomInfo.Close()
	cancel()

	log.Info("sfugate stopped")
	return code
}
