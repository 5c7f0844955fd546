package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fx-markets/refyield/pkg/utils"
)

// txRetries bounds the optimistic WATCH/MULTI loops used for
// read-modify-write records (totals, positions, cursors).
const txRetries = 16

// Store is the durable key-value state behind the referral subsystem:
// codes, bindings, settings, totals, yield positions, nonces, and sync
// cursors. Redis is the ledger of record; ClickHouse history is not.
type Store struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// New connects to Redis using environment configuration:
//   - REDIS_HOST (default "localhost"), REDIS_PORT (default "6379")
//   - REDIS_PASSWORD (default ""), REDIS_DB (default 0)
func New(ctx context.Context, logger *zap.Logger) (*Store, error) {
	host := utils.Env("REDIS_HOST", "localhost")
	port := utils.Env("REDIS_PORT", "6379")
	password := utils.Env("REDIS_PASSWORD", "")
	db := utils.EnvInt("REDIS_DB", 0)

	addr := fmt.Sprintf("%s:%s", host, port)

	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,

		PoolSize:     10,
		MinIdleConns: 2,

		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}

	logger.Info("Connected to Redis", zap.String("addr", addr), zap.Int("db", db))

	return &Store{rdb: rdb, logger: logger}, nil
}

// NewWithClient wraps an existing client; tests use this with miniredis or
// a local instance.
func NewWithClient(rdb *redis.Client, logger *zap.Logger) *Store {
	return &Store{rdb: rdb, logger: logger}
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// Health checks if Redis is reachable.
func (s *Store) Health(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Publish publishes a message to a pub/sub channel. Best-effort: the
// websocket feed must never fail an attribution write.
func (s *Store) Publish(ctx context.Context, channel string, message interface{}) {
	if err := s.rdb.Publish(ctx, channel, message).Err(); err != nil {
		s.logger.Warn("Failed to publish message",
			zap.String("channel", channel),
			zap.Error(err))
	}
}

// Subscribe subscribes to one or more pub/sub channels. The caller closes
// the returned PubSub.
func (s *Store) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return s.rdb.Subscribe(ctx, channels...)
}
