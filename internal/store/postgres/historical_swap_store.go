package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"solpilot/internal/domain"
)

// HistoricalSwapStore implements domain.HistoricalSwapStore using PostgreSQL.
type HistoricalSwapStore struct {
	pool *pgxpool.Pool
}

func NewHistoricalSwapStore(pool *pgxpool.Pool) *HistoricalSwapStore {
	return &HistoricalSwapStore{pool: pool}
}

const historicalSwapCols = `id, position_id, agent_id, wallet, token, symbol, reason,
	purchase_price, exit_price, purchase_amount,
	total_invested_sol, total_received_sol,
	profit_loss_sol, change_percent, profit_loss_usd,
	opened_at, closed_at`

// Create writes the terminal record for a fully closed position. It runs in
// the same transaction that deletes the live position row.
func (s *HistoricalSwapStore) Create(ctx context.Context, h domain.HistoricalSwap) error {
	const query = `
		INSERT INTO historical_swaps (
			id, position_id, agent_id, wallet, token, symbol, reason,
			purchase_price, exit_price, purchase_amount,
			total_invested_sol, total_received_sol,
			profit_loss_sol, change_percent, profit_loss_usd,
			opened_at, closed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`

	_, err := q(ctx, s.pool).Exec(ctx, query,
		h.ID, h.PositionID, h.AgentID, h.Wallet, h.Token, h.Symbol, h.Reason,
		h.PurchasePrice, h.ExitPrice, h.PurchaseAmount,
		h.TotalInvestedSol, h.TotalReceivedSol,
		h.ProfitLossSol, h.ChangePercent, h.ProfitLossUsd,
		h.OpenedAt, h.ClosedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("postgres: historical swap %s: %w", h.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("postgres: create historical swap %s: %w", h.ID, err)
	}
	return nil
}

func scanHistoricalSwaps(rows pgx.Rows) ([]domain.HistoricalSwap, error) {
	var swaps []domain.HistoricalSwap
	for rows.Next() {
		var h domain.HistoricalSwap
		if err := rows.Scan(
			&h.ID, &h.PositionID, &h.AgentID, &h.Wallet, &h.Token, &h.Symbol, &h.Reason,
			&h.PurchasePrice, &h.ExitPrice, &h.PurchaseAmount,
			&h.TotalInvestedSol, &h.TotalReceivedSol,
			&h.ProfitLossSol, &h.ChangePercent, &h.ProfitLossUsd,
			&h.OpenedAt, &h.ClosedAt,
		); err != nil {
			return nil, err
		}
		swaps = append(swaps, h)
	}
	return swaps, rows.Err()
}

// ListClosedBefore returns closed-position records with closed_at at or
// before the cutoff; used by the archive job.
func (s *HistoricalSwapStore) ListClosedBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.HistoricalSwap, error) {
	rows, err := q(ctx, s.pool).Query(ctx,
		`SELECT `+historicalSwapCols+` FROM historical_swaps
		 WHERE closed_at <= $1
		 ORDER BY closed_at ASC
		 LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list historical swaps: %w", err)
	}
	defer rows.Close()

	swaps, err := scanHistoricalSwaps(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan historical swaps: %w", err)
	}
	return swaps, nil
}

// DeleteBefore prunes archived records and returns the number removed.
func (s *HistoricalSwapStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := q(ctx, s.pool).Exec(ctx,
		`DELETE FROM historical_swaps WHERE closed_at <= $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete historical swaps: %w", err)
	}
	return tag.RowsAffected(), nil
}

var _ domain.HistoricalSwapStore = (*HistoricalSwapStore)(nil)
