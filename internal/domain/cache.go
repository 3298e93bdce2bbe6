package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// PositionCache is the write-through mirror of position state, read by the
// evaluators on every tick to avoid per-tick database load. It is never the
// source of truth.
type PositionCache interface {
	Set(ctx context.Context, pos Position) error
	Get(ctx context.Context, id string) (Position, error)
	Delete(ctx context.Context, pos Position) error
	IDsByAgent(ctx context.Context, agentID string) ([]string, error)
	IDsByToken(ctx context.Context, token string) ([]string, error)
}

// BalanceCache mirrors balance rows keyed by agent, wallet and token.
type BalanceCache interface {
	Set(ctx context.Context, bal Balance) error
	Get(ctx context.Context, agentID, wallet, token string) (Balance, error)
	Delete(ctx context.Context, agentID, wallet, token string) error
}

// ConfigCache mirrors resolved agent risk configurations. Invalidate is
// called when an agent updates its stored override.
type ConfigCache interface {
	Set(ctx context.Context, cfg AgentRiskConfig) error
	Get(ctx context.Context, agentID string) (AgentRiskConfig, error)
	Invalidate(ctx context.Context, agentID string) error
}

// PriceCache provides fast access to the latest observed prices.
type PriceCache interface {
	SetPrice(ctx context.Context, token string, price decimal.Decimal, ts time.Time) error
	GetPrice(ctx context.Context, token string) (decimal.Decimal, time.Time, error)
}

// LockManager provides distributed locking. Acquire returns ErrLockHeld
// immediately when the lock is taken; callers treat that as the intended
// de-duplication path, not a failure.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// IdempotencyStore marks logical operations so an upstream retry cannot
// re-execute them after the execution lock has already been released.
type IdempotencyStore interface {
	// CheckAndSet atomically records the key; it returns false when the key
	// is already present within its TTL.
	CheckAndSet(ctx context.Context, operationKey string, ttl time.Duration) (bool, error)
	Clear(ctx context.Context, operationKey string) error
	IsInProgress(ctx context.Context, operationKey string) (bool, error)
}

// RateLimiter provides distributed rate limiting, shared by every process
// calling the swap aggregator.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// StreamMessage is a single entry from a durable stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub for price ticks and lifecycle events, plus
// durable streams for the ledger retry queue.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}
