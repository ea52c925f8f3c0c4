package cache

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const attemptKeyPrefix = "trial:attempt:"

// RedisAttemptStore tracks the last trial-start attempt per device
// fingerprint. The rapid-retry pattern only needs the most recent timestamp,
// so a single key with a TTL is enough; the window decides the expiry.
type RedisAttemptStore struct {
	client *redis.Client
	window time.Duration
}

func NewRedisAttemptStore(client *redis.Client, window time.Duration) *RedisAttemptStore {
	if window <= 0 {
		window = time.Minute
	}
	return &RedisAttemptStore{client: client, window: window}
}

func (s *RedisAttemptStore) LastAttempt(ctx context.Context, deviceID string) (time.Time, bool, error) {
	raw, err := s.client.Get(ctx, attemptKeyPrefix+deviceID).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	unix, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false, nil
	}
	return time.Unix(0, unix).UTC(), true, nil
}

func (s *RedisAttemptStore) RecordAttempt(ctx context.Context, deviceID string, at time.Time) error {
	// TTL slightly past the window so a boundary read still sees the key.
	return s.client.Set(ctx, attemptKeyPrefix+deviceID, at.UnixNano(), s.window+10*time.Second).Err()
}
