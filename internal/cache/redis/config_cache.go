package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"solpilot/internal/domain"
)

// configTTL bounds how long a resolved configuration may be served without a
// re-resolution; explicit invalidation on update is the primary mechanism.
const configTTL = 30 * time.Minute

// ConfigCache implements domain.ConfigCache with JSON-serialized resolved
// agent risk configurations.
type ConfigCache struct {
	rdb *redis.Client
}

// NewConfigCache creates a ConfigCache backed by the given Client.
func NewConfigCache(c *Client) *ConfigCache {
	return &ConfigCache{rdb: c.Underlying()}
}

func configKey(agentID string) string { return "config:" + agentID }

// Set stores a resolved configuration.
func (cc *ConfigCache) Set(ctx context.Context, cfg domain.AgentRiskConfig) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("redis: marshal config %s: %w", cfg.AgentID, err)
	}
	if err := cc.rdb.Set(ctx, configKey(cfg.AgentID), data, configTTL).Err(); err != nil {
		return fmt.Errorf("redis: set config %s: %w", cfg.AgentID, err)
	}
	return nil
}

// Get retrieves a resolved configuration; domain.ErrNotFound when absent.
func (cc *ConfigCache) Get(ctx context.Context, agentID string) (domain.AgentRiskConfig, error) {
	data, err := cc.rdb.Get(ctx, configKey(agentID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.AgentRiskConfig{}, domain.ErrNotFound
		}
		return domain.AgentRiskConfig{}, fmt.Errorf("redis: get config %s: %w", agentID, err)
	}
	var cfg domain.AgentRiskConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return domain.AgentRiskConfig{}, fmt.Errorf("redis: unmarshal config %s: %w", agentID, err)
	}
	return cfg, nil
}

// Invalidate drops the cached resolution; called after the agent updates its
// stored override.
func (cc *ConfigCache) Invalidate(ctx context.Context, agentID string) error {
	if err := cc.rdb.Del(ctx, configKey(agentID)).Err(); err != nil {
		return fmt.Errorf("redis: invalidate config %s: %w", agentID, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.ConfigCache = (*ConfigCache)(nil)
