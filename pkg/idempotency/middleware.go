package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store remembers processed deliveries in redis for the TTL.
type Store struct {
	rdb redis.Cmdable
	ttl time.Duration
}

func NewStore(rdb redis.Cmdable, ttl time.Duration) *Store {
	return &Store{rdb: rdb, ttl: ttl}
}

func (s *Store) Key(topic string, partition int, offset int64) string {
	return fmt.Sprintf("idem:%s:%d:%d", topic, partition, offset)
}

// ScopedKey builds a key for deliveries identified by an external id,
// e.g. a gateway transaction id.
func (s *Store) ScopedKey(scope, id string) string {
	return fmt.Sprintf("idem:%s:%s", scope, id)
}

// Exists reports whether key was marked done. It never claims the key, so a
// worker that dies mid-processing leaves the delivery open for redelivery.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Mark records key as done once its effects are committed.
func (s *Store) Mark(ctx context.Context, key string) error {
	return s.rdb.Set(ctx, key, "1", s.ttl).Err()
}
