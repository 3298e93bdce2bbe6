package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"solpilot/internal/domain"
)

// TransactionStore implements domain.TransactionStore using PostgreSQL.
type TransactionStore struct {
	pool *pgxpool.Pool
}

func NewTransactionStore(pool *pgxpool.Pool) *TransactionStore {
	return &TransactionStore{pool: pool}
}

// Create appends one executed trade to the ledger.
func (s *TransactionStore) Create(ctx context.Context, t domain.Transaction) error {
	const query = `
		INSERT INTO transactions (
			id, position_id, agent_id, wallet, token, type,
			token_amount, sol_amount, price, profit_loss_sol, tx_hash, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err := q(ctx, s.pool).Exec(ctx, query,
		t.ID, t.PositionID, t.AgentID, t.Wallet, t.Token, t.Type,
		t.TokenAmount, t.SolAmount, t.Price, t.ProfitLossSol, t.TxHash, t.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("postgres: transaction %s: %w", t.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("postgres: create transaction %s: %w", t.ID, err)
	}
	return nil
}

// ListByPosition returns all trades recorded against a position, oldest first.
func (s *TransactionStore) ListByPosition(ctx context.Context, positionID string) ([]domain.Transaction, error) {
	rows, err := q(ctx, s.pool).Query(ctx,
		`SELECT id, position_id, agent_id, wallet, token, type,
		        token_amount, sol_amount, price, profit_loss_sol, tx_hash, created_at
		 FROM transactions
		 WHERE position_id = $1
		 ORDER BY created_at ASC`, positionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list transactions: %w", err)
	}
	defer rows.Close()

	var txs []domain.Transaction
	for rows.Next() {
		var t domain.Transaction
		if err := rows.Scan(
			&t.ID, &t.PositionID, &t.AgentID, &t.Wallet, &t.Token, &t.Type,
			&t.TokenAmount, &t.SolAmount, &t.Price, &t.ProfitLossSol, &t.TxHash, &t.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan transaction: %w", err)
		}
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

var _ domain.TransactionStore = (*TransactionStore)(nil)
