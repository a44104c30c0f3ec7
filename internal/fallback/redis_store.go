package fallback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mechnerve/mechnerve-website/internal/logger"
	"github.com/mechnerve/mechnerve-website/internal/models"
)

// DefaultRedisKey is the list key used when none is configured.
const DefaultRedisKey = "mechnerve:fallback"

// RedisStore keeps records in a capped Redis list. Each append pushes and
// trims inside one MULTI block.
type RedisStore struct {
	client   redis.UniversalClient
	key      string
	capacity int
	logger   zerolog.Logger
}

// NewRedisStore wraps client. The caller owns the client and closes it.
func NewRedisStore(client redis.UniversalClient, key string, capacity int, log zerolog.Logger) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("fallback: redis client is required")
	}
	if key == "" {
		key = DefaultRedisKey
	}
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &RedisStore{
		client:   client,
		key:      key,
		capacity: capacity,
		logger:   logger.Component(log, "fallback_redis"),
	}, nil
}

// Append implements Store.
func (s *RedisStore) Append(ctx context.Context, rec models.FallbackRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return storageErr("encode record", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, s.key, payload)
		pipe.LTrim(ctx, s.key, int64(-s.capacity), -1)
		return nil
	})
	if err != nil {
		return storageErr("redis append", err)
	}
	return nil
}

// ReadAll implements Store.
func (s *RedisStore) ReadAll(ctx context.Context) ([]models.FallbackRecord, error) {
	values, err := s.client.LRange(ctx, s.key, 0, -1).Result()
	if err != nil {
		return nil, storageErr("redis read", err)
	}

	out := make([]models.FallbackRecord, 0, len(values))
	for _, v := range values {
		var rec models.FallbackRecord
		if err := json.Unmarshal([]byte(v), &rec); err != nil {
			s.logger.Warn().Err(err).Str("key", s.key).Msg("skipping undecodable fallback record")
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Len implements Store.
func (s *RedisStore) Len(ctx context.Context) (int, error) {
	n, err := s.client.LLen(ctx, s.key).Result()
	if err != nil {
		return 0, storageErr("redis len", err)
	}
	return int(n), nil
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return storageErr("redis ping", err)
	}
	return nil
}

func (s *RedisStore) String() string {
	return fmt.Sprintf("redis:%s", s.key)
}
