package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

const redisKey = "brigade:orders"

// RedisStore keeps the newest records in a capped Redis list.
type RedisStore struct {
	client *redis.Client
	key    string
	limit  int64
}

func NewRedisStore(ctx context.Context, addr string, limit int) (*RedisStore, error) {
	if limit <= 0 {
		limit = 1000
	}
	client := redis.NewClient(&redis.Options{Addr: strings.TrimSpace(addr)})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &RedisStore{client: client, key: redisKey, limit: int64(limit)}, nil
}

func (s *RedisStore) Append(ctx context.Context, record Record) error {
	fill(&record)
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode order: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, s.key, raw)
	pipe.LTrim(ctx, s.key, 0, s.limit-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append order: %w", err)
	}
	return nil
}

func (s *RedisStore) Recent(ctx context.Context, limit int) ([]Record, error) {
	items, err := s.client.LRange(ctx, s.key, 0, clampLimit(limit, s.limit)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("query recent orders: %w", err)
	}
	out := make([]Record, 0, len(items))
	for _, item := range items {
		var r Record
		if err := json.Unmarshal([]byte(item), &r); err != nil {
			return nil, fmt.Errorf("decode order: %w", err)
		}
		out = append(out, r)
	}
	return out, nil
}

// clampLimit bounds a requested page to (0, ceiling]; anything outside asks for
// the whole list.
func clampLimit(limit int, ceiling int64) int64 {
	if limit <= 0 || int64(limit) > ceiling {
		return ceiling
	}
	return int64(limit)
}

func (s *RedisStore) Mode() string { return "redis" }

func (s *RedisStore) Close() error { return s.client.Close() }
