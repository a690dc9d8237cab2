package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Migration represents a schema migration of the key layout.
type Migration struct {
	Version int
	Up      func(ctx context.Context, client *redis.Client, prefix string) error
}

// Migrate runs all pending migrations
func Migrate(ctx context.Context, client *redis.Client, prefix string, logger *zap.SugaredLogger) error {
	prefix = NormalizePrefix(prefix)
	versionKey := prefix + "schema:version"

	currentVersion, err := getSchemaVersion(ctx, client, versionKey)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	for _, migration := range getMigrations() {
		if migration.Version <= currentVersion {
			continue
		}
		if logger != nil {
			logger.Infow("running migration", "version", migration.Version)
		}
		if err := migration.Up(ctx, client, prefix); err != nil {
			return fmt.Errorf("migration %d failed: %w", migration.Version, err)
		}
		if err := client.Set(ctx, versionKey, migration.Version, 0).Err(); err != nil {
			return fmt.Errorf("failed to update schema version: %w", err)
		}
		currentVersion = migration.Version
	}

	if logger != nil {
		logger.Infow("schema is up to date", "version", currentVersion)
	}
	return nil
}

func getSchemaVersion(ctx context.Context, client *redis.Client, key string) (int, error) {
	val, err := client.Get(ctx, key).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

// getMigrations returns all migrations in order
func getMigrations() []Migration {
	return []Migration{
		{
			// Rooms left behind by an instance that crashed keep their index
			// entry; drop index members whose record is gone.
			Version: 1,
			Up: func(ctx context.Context, client *redis.Client, prefix string) error {
				index := prefix + "rooms"
				ids, err := client.SMembers(ctx, index).Result()
				if err != nil {
					return err
				}
				for _, id := range ids {
					n, err := client.Exists(ctx, prefix+"room:"+id).Result()
					if err != nil {
						return err
					}
					if n == 0 {
						if err := client.SRem(ctx, index, id).Err(); err != nil {
							return err
						}
					}
				}
				return nil
			},
		},
	}
}
