package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// TxManager runs fn inside one durable transaction. The transaction handle
// travels in the context; store methods pick it up automatically so the
// Execution Coordinator can group multi-row writes atomically.
type TxManager interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// PositionStore is the durable source of truth for position rows.
//
// Update replaces the whole row and must only be called under the
// position's execution lock. UpdateStopLoss is the one unlocked write: it
// touches nothing but the trailing-stop fields and ratchets the peak
// monotonically, so it can never roll back state a concurrent locked
// writer has committed.
type PositionStore interface {
	Create(ctx context.Context, pos Position) error
	Update(ctx context.Context, pos Position) error
	UpdateStopLoss(ctx context.Context, id string, peak, allowedPct decimal.Decimal, at time.Time) error
	Delete(ctx context.Context, id string) error
	GetByID(ctx context.Context, id string) (Position, error)
	GetOpenByAgent(ctx context.Context, agentID string) ([]Position, error)
	GetOpenByToken(ctx context.Context, token string) ([]Position, error)
	ListOpenedBefore(ctx context.Context, cutoff time.Time) ([]Position, error)
}

// BalanceStore persists the per-(agent, wallet, token) ledger rows. Upsert
// takes a row-level lock so concurrent mutations from different code paths
// serialize on the row.
type BalanceStore interface {
	Upsert(ctx context.Context, agentID, wallet, token string, delta decimal.Decimal) (Balance, error)
	Get(ctx context.Context, agentID, wallet, token string) (Balance, error)
}

// TransactionStore persists the trade ledger.
type TransactionStore interface {
	Create(ctx context.Context, tx Transaction) error
	ListByPosition(ctx context.Context, positionID string) ([]Transaction, error)
}

// HistoricalSwapStore persists terminal close records.
type HistoricalSwapStore interface {
	Create(ctx context.Context, swap HistoricalSwap) error
	ListClosedBefore(ctx context.Context, cutoff time.Time, limit int) ([]HistoricalSwap, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// ConfigStore persists per-agent partial risk-config overrides.
type ConfigStore interface {
	Get(ctx context.Context, agentID string) (PartialRiskConfig, error)
	Upsert(ctx context.Context, partial PartialRiskConfig) error
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
}
