package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"sfugate/pkg/retry"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const DefaultKeyPrefix = "sfugate:"

// ClientConfig is the connection shared by the room directory, the event bus
// and the instance registry. Every key they write starts with KeyPrefix.
type ClientConfig struct {
	Address   string
	Password  string
	DB        int
	PoolSize  int
	KeyPrefix string
	// Connect bounds the initial ping; zero tries once.
	Connect retry.Config
}

// NormalizePrefix defaults an empty prefix and makes sure it ends in ':'.
func NormalizePrefix(prefix string) string {
	if prefix == "" {
		return DefaultKeyPrefix
	}
	if !strings.HasSuffix(prefix, ":") {
		prefix += ":"
	}
	return prefix
}

// NewRedisClient connects, retrying the ping with backoff, and brings the
// key layout under cfg.KeyPrefix up to date.
func NewRedisClient(ctx context.Context, cfg ClientConfig, logger *zap.SugaredLogger) (*redis.Client, error) {
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     poolSize,
		MinIdleConns: 2,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})

	err := retry.Do(ctx, cfg.Connect, func(ctx context.Context) error {
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		return client.Ping(pingCtx).Err()
	}, func(attempt int, err error, wait time.Duration) {
		if logger != nil {
			logger.Warnw("Redis not reachable yet", "address", cfg.Address, "attempt", attempt, "retry_in", wait, "error", err)
		}
	})
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Address, err)
	}

	prefix := NormalizePrefix(cfg.KeyPrefix)
	if err := Migrate(ctx, client, prefix, logger); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("migrate key layout %q: %w", prefix, err)
	}

	if logger != nil {
		logger.Infow("Connected to Redis",
			"address", cfg.Address,
			"db", cfg.DB,
			"pool_size", poolSize,
			"key_prefix", prefix,
		)
	}
	return client, nil
}

// CloseRedisClient tolerates a nil client.
func CloseRedisClient(client *redis.Client) error {
	if client == nil {
		return nil
	}
	return client.Close()
}
