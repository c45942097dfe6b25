package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisOptions configures a RedisStore.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces the keys, normally per build: "<prefix>:status".
	Prefix string
}

// RedisStore keeps records in a Redis hash so dashboards on other hosts can
// read build status. Every Set is published on "<prefix>:updates".
type RedisStore struct {
	rdb    *redis.Client
	key    string
	topic  string
	logger zerolog.Logger
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, opts RedisOptions, logger zerolog.Logger) (*RedisStore, error) {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "verifsched"
	}

	logger.Info().Str("addr", opts.Addr).Msg("connecting to redis")
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &RedisStore{
		rdb:    rdb,
		key:    prefix + ":status",
		topic:  prefix + ":updates",
		logger: logger,
	}, nil
}

// Topic is the pub/sub channel carrying "<task>" on every update.
func (s *RedisStore) Topic() string {
	return s.topic
}

func (s *RedisStore) Get(ctx context.Context, name string) (Record, bool, error) {
	raw, err := s.rdb.HGet(ctx, s.key, name).Result()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("failed to read status of %s: %w", name, err)
	}

	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return Record{}, false, fmt.Errorf("corrupt status of %s: %w", name, err)
	}
	return rec, true, nil
}

func (s *RedisStore) Set(ctx context.Context, name string, rec Record) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode status of %s: %w", name, err)
	}

	if err := s.rdb.HSet(ctx, s.key, name, b).Err(); err != nil {
		return fmt.Errorf("failed to save status of %s: %w", name, err)
	}

	if err := s.rdb.Publish(ctx, s.topic, name).Err(); err != nil {
		s.logger.Warn().Err(err).Str("task", name).Msg("status update not published")
	}
	return nil
}

// Flush is a no-op: every Set is already written to the server.
func (s *RedisStore) Flush(context.Context) error {
	return nil
}

func (s *RedisStore) All(ctx context.Context) (map[string]Record, error) {
	raw, err := s.rdb.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read statuses: %w", err)
	}

	out := make(map[string]Record, len(raw))
	for name, v := range raw {
		var rec Record
		if err := json.Unmarshal([]byte(v), &rec); err != nil {
			return nil, fmt.Errorf("corrupt status of %s: %w", name, err)
		}
		out[name] = rec
	}
	return out, nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

// clear removes every record under the store's key. Used by tests.
func (s *RedisStore) clear(ctx context.Context) error {
	return s.rdb.Del(ctx, s.key).Err()
}
