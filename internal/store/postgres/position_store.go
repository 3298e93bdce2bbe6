package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"solpilot/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given
// connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `id, agent_id, wallet, token, symbol, entry_tx_id,
	purchase_price, purchase_amount, total_invested_sol, original_cost_sol,
	dca_count, last_dca_time, lowest_price, dca_tx_ids,
	current_stop_loss_pct, peak_price, last_stop_loss_update,
	remaining_amount, tp_levels_hit, tp_tx_ids, last_tp_time,
	moon_bag_activated, moon_bag_amount, realized_profit_sol,
	tp_batch_start_level, total_tp_levels, opened_at, updated_at`

func scanPosition(row pgx.Row) (domain.Position, error) {
	var (
		p                          domain.Position
		lastDCA, lastSL, lastTP    *time.Time
		remaining                  decimal.NullDecimal
	)

	err := row.Scan(
		&p.ID, &p.AgentID, &p.Wallet, &p.Token, &p.Symbol, &p.EntryTxID,
		&p.PurchasePrice, &p.PurchaseAmount, &p.TotalInvestedSol, &p.OriginalCostSol,
		&p.DCACount, &lastDCA, &p.LowestPrice, &p.DCATxIDs,
		&p.CurrentStopLossPct, &p.PeakPrice, &lastSL,
		&remaining, &p.TakeProfitLevelsHit, &p.TakeProfitTxIDs, &lastTP,
		&p.MoonBagActivated, &p.MoonBagAmount, &p.RealizedProfitSol,
		&p.TPBatchStartLevel, &p.TotalTakeProfitLevels, &p.OpenedAt, &p.UpdatedAt,
	)
	if err != nil {
		return domain.Position{}, err
	}

	if lastDCA != nil {
		p.LastDCATime = *lastDCA
	}
	if lastSL != nil {
		p.LastStopLossUpdate = *lastSL
	}
	if lastTP != nil {
		p.LastTakeProfitTime = *lastTP
	}
	if remaining.Valid {
		p.Remaining = domain.PartialRemaining(remaining.Decimal)
	} else {
		p.Remaining = domain.FullRemaining()
	}
	return p, nil
}

func scanPositions(rows pgx.Rows) ([]domain.Position, error) {
	var positions []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// positionArgs flattens a position into the insert/update argument order.
func positionArgs(p domain.Position) []any {
	var remaining decimal.NullDecimal
	if amount, explicit := p.Remaining.Explicit(); explicit {
		remaining = decimal.NullDecimal{Decimal: amount, Valid: true}
	}
	return []any{
		p.ID, p.AgentID, p.Wallet, p.Token, p.Symbol, p.EntryTxID,
		p.PurchasePrice, p.PurchaseAmount, p.TotalInvestedSol, p.OriginalCostSol,
		p.DCACount, nullTime(p.LastDCATime), p.LowestPrice, p.DCATxIDs,
		p.CurrentStopLossPct, p.PeakPrice, nullTime(p.LastStopLossUpdate),
		remaining, p.TakeProfitLevelsHit, p.TakeProfitTxIDs, nullTime(p.LastTakeProfitTime),
		p.MoonBagActivated, p.MoonBagAmount, p.RealizedProfitSol,
		p.TPBatchStartLevel, p.TotalTakeProfitLevels, p.OpenedAt,
	}
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// Create inserts a new position.
func (s *PositionStore) Create(ctx context.Context, p domain.Position) error {
	const query = `
		INSERT INTO positions (
			id, agent_id, wallet, token, symbol, entry_tx_id,
			purchase_price, purchase_amount, total_invested_sol, original_cost_sol,
			dca_count, last_dca_time, lowest_price, dca_tx_ids,
			current_stop_loss_pct, peak_price, last_stop_loss_update,
			remaining_amount, tp_levels_hit, tp_tx_ids, last_tp_time,
			moon_bag_activated, moon_bag_amount, realized_profit_sol,
			tp_batch_start_level, total_tp_levels, opened_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10,
			$11, $12, $13, $14,
			$15, $16, $17,
			$18, $19, $20, $21,
			$22, $23, $24,
			$25, $26, $27, NOW()
		)`

	_, err := q(ctx, s.pool).Exec(ctx, query, positionArgs(p)...)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("postgres: position %s: %w", p.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("postgres: create position %s: %w", p.ID, err)
	}
	return nil
}

// Update replaces all mutable fields of a position.
func (s *PositionStore) Update(ctx context.Context, p domain.Position) error {
	const query = `
		UPDATE positions SET
			agent_id              = $2,
			wallet                = $3,
			token                 = $4,
			symbol                = $5,
			entry_tx_id           = $6,
			purchase_price        = $7,
			purchase_amount       = $8,
			total_invested_sol    = $9,
			original_cost_sol     = $10,
			dca_count             = $11,
			last_dca_time         = $12,
			lowest_price          = $13,
			dca_tx_ids            = $14,
			current_stop_loss_pct = $15,
			peak_price            = $16,
			last_stop_loss_update = $17,
			remaining_amount      = $18,
			tp_levels_hit         = $19,
			tp_tx_ids             = $20,
			last_tp_time          = $21,
			moon_bag_activated    = $22,
			moon_bag_amount       = $23,
			realized_profit_sol   = $24,
			tp_batch_start_level  = $25,
			total_tp_levels       = $26,
			opened_at             = $27,
			updated_at            = NOW()
		WHERE id = $1`

	tag, err := q(ctx, s.pool).Exec(ctx, query, positionArgs(p)...)
	if err != nil {
		return fmt.Errorf("postgres: update position %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// UpdateStopLoss records a new peak and the retracement it implies. The
// write is deliberately narrow and monotonic on peak_price: the monitor
// calls this without holding the position's execution lock, so it must not
// touch any field a locked writer owns.
func (s *PositionStore) UpdateStopLoss(ctx context.Context, id string, peak, allowedPct decimal.Decimal, at time.Time) error {
	const query = `
		UPDATE positions SET
			peak_price            = GREATEST(peak_price, $2),
			current_stop_loss_pct = $3,
			last_stop_loss_update = $4,
			updated_at            = NOW()
		WHERE id = $1`

	tag, err := q(ctx, s.pool).Exec(ctx, query, id, peak, allowedPct, at)
	if err != nil {
		return fmt.Errorf("postgres: update stop-loss for %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Delete removes a position row; called within the same transaction that
// writes its historical swap record.
func (s *PositionStore) Delete(ctx context.Context, id string) error {
	tag, err := q(ctx, s.pool).Exec(ctx, `DELETE FROM positions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete position %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetByID retrieves a single position by its ID.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	row := q(ctx, s.pool).QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE id = $1`, id)

	p, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

// GetOpenByAgent returns all open positions for the given agent.
func (s *PositionStore) GetOpenByAgent(ctx context.Context, agentID string) ([]domain.Position, error) {
	rows, err := q(ctx, s.pool).Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE agent_id = $1
		 ORDER BY opened_at DESC`, agentID)
	if err != nil {
		return nil, fmt.Errorf("postgres: get positions by agent: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan positions by agent: %w", err)
	}
	return positions, nil
}

// GetOpenByToken returns all open positions holding the given token, across
// agents. One price tick re-evaluates exactly this set.
func (s *PositionStore) GetOpenByToken(ctx context.Context, token string) ([]domain.Position, error) {
	rows, err := q(ctx, s.pool).Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE token = $1
		 ORDER BY opened_at ASC`, token)
	if err != nil {
		return nil, fmt.Errorf("postgres: get positions by token: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan positions by token: %w", err)
	}
	return positions, nil
}

// ListOpenedBefore returns positions opened at or before the cutoff; used by
// the stale-close job.
func (s *PositionStore) ListOpenedBefore(ctx context.Context, cutoff time.Time) ([]domain.Position, error) {
	rows, err := q(ctx, s.pool).Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE opened_at <= $1
		 ORDER BY opened_at ASC`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions opened before: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan stale positions: %w", err)
	}
	return positions, nil
}

// Compile-time interface check.
var _ domain.PositionStore = (*PositionStore)(nil)
