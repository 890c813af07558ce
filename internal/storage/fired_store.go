// Package storage persists garden bookkeeping and loads garden configuration.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// FiredStore persists the last minute each schedule fired so restarts never re-fire a minute.
type FiredStore interface {
	LoadFired(ctx context.Context, gardenID string) (map[string]time.Time, error)
	SaveFired(ctx context.Context, gardenID, scheduleID string, minute time.Time) error
	DeleteFired(ctx context.Context, gardenID, scheduleID string) error
}

// RedisFiredStore keeps one hash per garden: schedule id -> unix minute.
type RedisFiredStore struct {
	redis *redis.Client
	ttl   time.Duration
}

// NewRedisFiredStore creates a store. Keys expire after ttl of inactivity when ttl > 0.
func NewRedisFiredStore(client *redis.Client, ttl time.Duration) *RedisFiredStore {
	return &RedisFiredStore{redis: client, ttl: ttl}
}

func firedKey(gardenID string) string {
	return fmt.Sprintf("garden_fired:%s", gardenID)
}

// LoadFired returns every recorded firing for a garden.
func (s *RedisFiredStore) LoadFired(ctx context.Context, gardenID string) (map[string]time.Time, error) {
	raw, err := s.redis.HGetAll(ctx, firedKey(gardenID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load fired minutes from Redis: %w", err)
	}

	fired := make(map[string]time.Time, len(raw))
	for id, v := range raw {
		var unix int64
		if _, err := fmt.Sscan(v, &unix); err != nil {
			continue
		}
		fired[id] = time.Unix(unix, 0).UTC()
	}
	return fired, nil
}

// SaveFired records the minute a schedule fired.
func (s *RedisFiredStore) SaveFired(ctx context.Context, gardenID, scheduleID string, minute time.Time) error {
	key := firedKey(gardenID)
	pipe := s.redis.TxPipeline()
	pipe.HSet(ctx, key, scheduleID, minute.Unix())
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save fired minute in Redis: %w", err)
	}
	return nil
}

// DeleteFired forgets a schedule.
func (s *RedisFiredStore) DeleteFired(ctx context.Context, gardenID, scheduleID string) error {
	if err := s.redis.HDel(ctx, firedKey(gardenID), scheduleID).Err(); err != nil {
		return fmt.Errorf("failed to delete fired minute in Redis: %w", err)
	}
	return nil
}
