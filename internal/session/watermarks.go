// Package session persists per-account read state in Redis.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"meeplemeet/api/internal/discussion"
)

const maxAdvanceAttempts = 5

// RedisWatermarks stores one read watermark per (discussion, account) as a
// JSON value.
type RedisWatermarks struct {
	client *redis.Client
	prefix string
}

// NewRedisClient parses redisURL and checks the server is reachable.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

func NewRedisWatermarks(client *redis.Client) *RedisWatermarks {
	return &RedisWatermarks{client: client, prefix: "watermark:"}
}

func (s *RedisWatermarks) key(discussionID, accountID string) string {
	return s.prefix + discussionID + ":" + accountID
}

// GetWatermark returns the zero watermark when the account has read nothing.
func (s *RedisWatermarks) GetWatermark(ctx context.Context, discussionID, accountID string) (discussion.Watermark, error) {
	w, err := s.get(ctx, s.client, s.key(discussionID, accountID))
	if err != nil {
		return discussion.Watermark{}, discussion.NewStoreError("get watermark", err)
	}
	return w, nil
}

// SetWatermark stores w if it is after the stored watermark and reports
// whether it did. Concurrent writers are serialized with WATCH, so the
// stored value never moves backwards.
func (s *RedisWatermarks) SetWatermark(ctx context.Context, discussionID, accountID string, w discussion.Watermark) (bool, error) {
	key := s.key(discussionID, accountID)
	payload, err := json.Marshal(w)
	if err != nil {
		return false, fmt.Errorf("marshal watermark: %w", err)
	}

	for attempt := 0; attempt < maxAdvanceAttempts; attempt++ {
		advanced := false
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			current, err := s.get(ctx, tx, key)
			if err != nil {
				return err
			}
			if !w.After(current) {
				return nil
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, payload, 0)
				return nil
			})
			if err == nil {
				advanced = true
			}
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return false, discussion.NewStoreError("set watermark", err)
		}
		return advanced, nil
	}
	return false, discussion.NewStoreError("set watermark", fmt.Errorf("too much contention on %s", key))
}

func (s *RedisWatermarks) get(ctx context.Context, c redis.Cmdable, key string) (discussion.Watermark, error) {
	raw, err := c.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return discussion.Watermark{}, nil
	}
	if err != nil {
		return discussion.Watermark{}, fmt.Errorf("lookup watermark: %w", err)
	}
	var w discussion.Watermark
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return discussion.Watermark{}, fmt.Errorf("unmarshal watermark: %w", err)
	}
	return w, nil
}

// Ping checks if Redis is reachable
func (s *RedisWatermarks) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
