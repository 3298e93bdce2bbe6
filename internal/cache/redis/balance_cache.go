package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"solpilot/internal/domain"
)

// BalanceCache implements domain.BalanceCache with JSON values keyed by
// agent, wallet and token.
type BalanceCache struct {
	rdb *redis.Client
}

// NewBalanceCache creates a BalanceCache backed by the given Client.
func NewBalanceCache(c *Client) *BalanceCache {
	return &BalanceCache{rdb: c.Underlying()}
}

func balanceKey(agentID, wallet, token string) string {
	return "balance:" + agentID + ":" + wallet + ":" + token
}

// Set stores a balance row mirror.
func (bc *BalanceCache) Set(ctx context.Context, bal domain.Balance) error {
	data, err := json.Marshal(bal)
	if err != nil {
		return fmt.Errorf("redis: marshal balance: %w", err)
	}
	key := balanceKey(bal.AgentID, bal.Wallet, bal.Token)
	if err := bc.rdb.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("redis: set balance %s: %w", key, err)
	}
	return nil
}

// Get retrieves a balance mirror; domain.ErrNotFound when absent.
func (bc *BalanceCache) Get(ctx context.Context, agentID, wallet, token string) (domain.Balance, error) {
	key := balanceKey(agentID, wallet, token)
	data, err := bc.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Balance{}, domain.ErrNotFound
		}
		return domain.Balance{}, fmt.Errorf("redis: get balance %s: %w", key, err)
	}
	var bal domain.Balance
	if err := json.Unmarshal(data, &bal); err != nil {
		return domain.Balance{}, fmt.Errorf("redis: unmarshal balance %s: %w", key, err)
	}
	return bal, nil
}

// Delete removes a balance mirror.
func (bc *BalanceCache) Delete(ctx context.Context, agentID, wallet, token string) error {
	key := balanceKey(agentID, wallet, token)
	if err := bc.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis: delete balance %s: %w", key, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.BalanceCache = (*BalanceCache)(nil)
