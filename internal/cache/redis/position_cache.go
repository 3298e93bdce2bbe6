package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"solpilot/internal/domain"
)

// PositionCache implements domain.PositionCache with JSON-serialized
// position state plus set-membership indexes for the per-agent and per-token
// lookups the tick loop depends on.
//
// Key schema:
//
//	position:{id}            - JSON position document
//	positions:agent:{agent}  - set of position IDs
//	positions:token:{mint}   - set of position IDs
type PositionCache struct {
	rdb *redis.Client
}

// NewPositionCache creates a PositionCache backed by the given Client.
func NewPositionCache(c *Client) *PositionCache {
	return &PositionCache{rdb: c.Underlying()}
}

func positionKey(id string) string       { return "position:" + id }
func agentIndexKey(agent string) string  { return "positions:agent:" + agent }
func tokenIndexKey(token string) string  { return "positions:token:" + token }

// Set stores a position and registers it in both indexes. Entries carry no
// TTL: the cache is refreshed on every durable write and deleted on close.
func (pc *PositionCache) Set(ctx context.Context, pos domain.Position) error {
	data, err := json.Marshal(pos)
	if err != nil {
		return fmt.Errorf("redis: marshal position %s: %w", pos.ID, err)
	}

	pipe := pc.rdb.TxPipeline()
	pipe.Set(ctx, positionKey(pos.ID), data, 0)
	pipe.SAdd(ctx, agentIndexKey(pos.AgentID), pos.ID)
	pipe.SAdd(ctx, tokenIndexKey(pos.Token), pos.ID)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set position %s: %w", pos.ID, err)
	}
	return nil
}

// Get retrieves a position by its ID. It returns domain.ErrNotFound when the
// key does not exist.
func (pc *PositionCache) Get(ctx context.Context, id string) (domain.Position, error) {
	data, err := pc.rdb.Get(ctx, positionKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("redis: get position %s: %w", id, err)
	}

	var pos domain.Position
	if err := json.Unmarshal(data, &pos); err != nil {
		return domain.Position{}, fmt.Errorf("redis: unmarshal position %s: %w", id, err)
	}
	return pos, nil
}

// Delete removes a position and its index memberships; called when the
// position row is converted to history.
func (pc *PositionCache) Delete(ctx context.Context, pos domain.Position) error {
	pipe := pc.rdb.TxPipeline()
	pipe.Del(ctx, positionKey(pos.ID))
	pipe.SRem(ctx, agentIndexKey(pos.AgentID), pos.ID)
	pipe.SRem(ctx, tokenIndexKey(pos.Token), pos.ID)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: delete position %s: %w", pos.ID, err)
	}
	return nil
}

// IDsByAgent returns the cached position IDs for one agent.
func (pc *PositionCache) IDsByAgent(ctx context.Context, agentID string) ([]string, error) {
	ids, err := pc.rdb.SMembers(ctx, agentIndexKey(agentID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: positions by agent %s: %w", agentID, err)
	}
	return ids, nil
}

// IDsByToken returns the cached position IDs holding one token. One price
// tick fans out across exactly this set.
func (pc *PositionCache) IDsByToken(ctx context.Context, token string) ([]string, error) {
	ids, err := pc.rdb.SMembers(ctx, tokenIndexKey(token)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: positions by token %s: %w", token, err)
	}
	return ids, nil
}

// Compile-time interface check.
var _ domain.PositionCache = (*PositionCache)(nil)
