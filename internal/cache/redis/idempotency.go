package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"solpilot/internal/domain"
)

// IdempotencyStore implements domain.IdempotencyStore with SET NX EX. Unlike
// the execution lock, markers live for minutes so an upstream retry cannot
// resubmit the same logical operation after the lock has been released.
type IdempotencyStore struct {
	rdb *redis.Client
}

// NewIdempotencyStore creates an IdempotencyStore backed by the given Client.
func NewIdempotencyStore(c *Client) *IdempotencyStore {
	return &IdempotencyStore{rdb: c.Underlying()}
}

func idemKey(operationKey string) string {
	return "idem:" + operationKey
}

// CheckAndSet atomically records the operation key with the given TTL. It
// returns false when the key is already present, meaning the operation has
// run (or is running) within the window.
func (s *IdempotencyStore) CheckAndSet(ctx context.Context, operationKey string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, idemKey(operationKey), time.Now().UTC().Format(time.RFC3339Nano), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis: idempotency check-and-set %s: %w", operationKey, err)
	}
	return ok, nil
}

// Clear removes the marker, allowing the operation to run again. Called when
// an execution fails before any side effect so a legitimate retry is not
// locked out for the whole window.
func (s *IdempotencyStore) Clear(ctx context.Context, operationKey string) error {
	if err := s.rdb.Del(ctx, idemKey(operationKey)).Err(); err != nil {
		return fmt.Errorf("redis: idempotency clear %s: %w", operationKey, err)
	}
	return nil
}

// IsInProgress reports whether the marker currently exists.
func (s *IdempotencyStore) IsInProgress(ctx context.Context, operationKey string) (bool, error) {
	_, err := s.rdb.Get(ctx, idemKey(operationKey)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("redis: idempotency get %s: %w", operationKey, err)
	}
	return true, nil
}

// Compile-time interface check.
var _ domain.IdempotencyStore = (*IdempotencyStore)(nil)
