package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	redisstorage "github.com/gofiber/storage/redis"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Config addresses the Redis compatible cache (Redis or Dragonfly).
type Config struct {
	Host     string `validate:"required"`
	Port     int    `validate:"required,min=1,max=65535"`
	Password string
	DB       int `validate:"min=0"`
}

func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// NewClient connects to the cache server. A failed ping is logged and the
// client is still returned; callers degrade gracefully while it is down.
func NewClient(cfg Config, logger zerolog.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	pong, err := client.Ping(ctx).Result()
	if err != nil {
		logger.Warn().Err(err).Str("addr", cfg.Addr()).Msg("could not connect to cache")
	} else {
		logger.Info().Str("addr", cfg.Addr()).Str("reply", pong).Msg("connected to cache")
	}
	return client
}

// Ping reports whether the cache answers within ctx.
func Ping(ctx context.Context, client *redis.Client) error {
	if client == nil {
		return fmt.Errorf("cache not configured")
	}
	return client.Ping(ctx).Err()
}

// NewFiberStorage returns a Redis backed fiber.Storage on database db, used by
// the rate limiter. The storage driver panics when Redis is unreachable, so a
// failed ping yields nil and callers fall back to in-memory storage.
func NewFiberStorage(cfg Config, db int, logger zerolog.Logger) fiber.Storage {
	probe := redis.NewClient(&redis.Options{Addr: cfg.Addr(), Password: cfg.Password, DB: db})
	defer probe.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := probe.Ping(ctx).Err(); err != nil {
		logger.Warn().Err(err).Str("addr", cfg.Addr()).Msg("rate limiter falls back to in-memory storage")
		return nil
	}

	return redisstorage.New(redisstorage.Config{
		Host:     cfg.Host,
		Port:     cfg.Port,
		Password: cfg.Password,
		Database: db,
		Reset:    false,
	})
}
