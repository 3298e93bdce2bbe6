package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"solpilot/internal/domain"
)

// ConfigStore persists per-agent risk-config overrides as a single JSONB
// document per agent.
type ConfigStore struct {
	pool *pgxpool.Pool
}

func NewConfigStore(pool *pgxpool.Pool) *ConfigStore {
	return &ConfigStore{pool: pool}
}

// Get returns the stored override document for the agent, or ErrNotFound
// when the agent has none and runs on pure defaults.
func (s *ConfigStore) Get(ctx context.Context, agentID string) (domain.PartialRiskConfig, error) {
	var raw []byte
	err := q(ctx, s.pool).QueryRow(ctx,
		`SELECT overrides FROM agent_risk_configs WHERE agent_id = $1`, agentID).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.PartialRiskConfig{}, domain.ErrNotFound
		}
		return domain.PartialRiskConfig{}, fmt.Errorf("postgres: get agent config %s: %w", agentID, err)
	}

	var partial domain.PartialRiskConfig
	if err := json.Unmarshal(raw, &partial); err != nil {
		return domain.PartialRiskConfig{}, fmt.Errorf("postgres: decode agent config %s: %w", agentID, err)
	}
	partial.AgentID = agentID
	return partial, nil
}

// Upsert stores or replaces the agent's override document.
func (s *ConfigStore) Upsert(ctx context.Context, partial domain.PartialRiskConfig) error {
	raw, err := json.Marshal(partial)
	if err != nil {
		return fmt.Errorf("postgres: encode agent config %s: %w", partial.AgentID, err)
	}

	_, err = q(ctx, s.pool).Exec(ctx,
		`INSERT INTO agent_risk_configs (agent_id, overrides, updated_at)
		 VALUES ($1, $2, NOW())
		 ON CONFLICT (agent_id)
		 DO UPDATE SET overrides = $2, updated_at = NOW()`,
		partial.AgentID, raw)
	if err != nil {
		return fmt.Errorf("postgres: upsert agent config %s: %w", partial.AgentID, err)
	}
	return nil
}

var _ domain.ConfigStore = (*ConfigStore)(nil)
