package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"solpilot/internal/domain"
)

// BalanceStore implements domain.BalanceStore using PostgreSQL.
type BalanceStore struct {
	pool *pgxpool.Pool
}

func NewBalanceStore(pool *pgxpool.Pool) *BalanceStore {
	return &BalanceStore{pool: pool}
}

// Upsert applies a signed delta to the agent's token balance. The existing
// row is locked for the duration of the enclosing transaction so concurrent
// executions serialize on the same balance. A delta that would drive the
// balance negative is rejected without modifying the row.
func (s *BalanceStore) Upsert(ctx context.Context, agentID, wallet, token string, delta decimal.Decimal) (domain.Balance, error) {
	conn := q(ctx, s.pool)

	var current decimal.Decimal
	err := conn.QueryRow(ctx,
		`SELECT amount FROM balances
		 WHERE agent_id = $1 AND wallet = $2 AND token = $3
		 FOR UPDATE`, agentID, wallet, token).Scan(&current)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		current = decimal.Zero
	case err != nil:
		return domain.Balance{}, fmt.Errorf("postgres: lock balance %s/%s: %w", agentID, token, err)
	}

	next := current.Add(delta)
	if next.IsNegative() {
		return domain.Balance{}, fmt.Errorf("postgres: balance %s/%s would go negative (%s + %s): %w",
			agentID, token, current, delta, domain.ErrInvariant)
	}

	var b domain.Balance
	err = conn.QueryRow(ctx,
		`INSERT INTO balances (agent_id, wallet, token, amount, updated_at)
		 VALUES ($1, $2, $3, $4, NOW())
		 ON CONFLICT (agent_id, wallet, token)
		 DO UPDATE SET amount = $4, updated_at = NOW()
		 RETURNING agent_id, wallet, token, amount, updated_at`,
		agentID, wallet, token, next).
		Scan(&b.AgentID, &b.Wallet, &b.Token, &b.Amount, &b.UpdatedAt)
	if err != nil {
		return domain.Balance{}, fmt.Errorf("postgres: upsert balance %s/%s: %w", agentID, token, err)
	}
	return b, nil
}

// Get returns the stored balance for the agent's token, or ErrNotFound.
func (s *BalanceStore) Get(ctx context.Context, agentID, wallet, token string) (domain.Balance, error) {
	var b domain.Balance
	err := q(ctx, s.pool).QueryRow(ctx,
		`SELECT agent_id, wallet, token, amount, updated_at
		 FROM balances
		 WHERE agent_id = $1 AND wallet = $2 AND token = $3`,
		agentID, wallet, token).
		Scan(&b.AgentID, &b.Wallet, &b.Token, &b.Amount, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Balance{}, domain.ErrNotFound
		}
		return domain.Balance{}, fmt.Errorf("postgres: get balance %s/%s: %w", agentID, token, err)
	}
	return b, nil
}

var _ domain.BalanceStore = (*BalanceStore)(nil)
