package repositories

import (
	"context"

	"sfugate/internal/core/ports"
	"sfugate/internal/infrastructure/repositories/memory"
	redisrepo "sfugate/internal/infrastructure/repositories/redis"
	"sfugate/pkg/config"
	"sfugate/pkg/retry"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory creates the room directory with fallback support
type RepositoryFactory struct {
	useRedis    bool
	redisClient *redis.Client
	prefix      string
	logger      *zap.SugaredLogger
}

// NewRepositoryFactory connects to Redis when enabled and falls back to the
// in-process directory when it is unreachable.
func NewRepositoryFactory(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) *RepositoryFactory {
	factory := &RepositoryFactory{
		useRedis: cfg.Redis.Enabled,
		prefix:   redisrepo.NormalizePrefix(cfg.Redis.KeyPrefix),
		logger:   logger,
	}

	if cfg.Redis.Enabled {
		client, err := redisrepo.NewRedisClient(ctx, redisrepo.ClientConfig{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			PoolSize:  cfg.Redis.PoolSize,
			KeyPrefix: factory.prefix,
			Connect:   retry.DefaultConfig(),
		}, logger)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory room directory",
				"error", err,
			)
			factory.useRedis = false
		} else {
			factory.redisClient = client
			logger.Info("using Redis room directory")
		}
	}

	if !factory.useRedis {
		logger.Info("using memory room directory")
	}

	return factory
}

// Prefix is the normalized key prefix shared by every Redis-backed component.
func (f *RepositoryFactory) Prefix() string {
	return f.prefix
}

// RedisClient is nil unless Redis is in use.
func (f *RepositoryFactory) RedisClient() *redis.Client {
	return f.redisClient
}

func (f *RepositoryFactory) CreateRoomDirectory() ports.RoomDirectory {
	if f.useRedis && f.redisClient != nil {
		return redisrepo.NewRedisRoomDirectory(f.redisClient, f.prefix)
	}
	return memory.NewMemoryRoomDirectory()
}

// Close closes Redis connection if used
func (f *RepositoryFactory) Close() error {
	if f.redisClient != nil {
		return redisrepo.CloseRedisClient(f.redisClient)
	}
	return nil
}

// HealthCheck checks Redis connection health
func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.useRedis && f.redisClient != nil {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}
