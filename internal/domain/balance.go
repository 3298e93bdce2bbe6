package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Balance is the fungible quantity of one token held by one agent wallet.
// It is a plain ledger row mutated by every buy and sell; it is never
// negative and is upserted under a row-level lock during concurrent updates.
type Balance struct {
	AgentID   string
	Wallet    string
	Token     string
	Amount    decimal.Decimal
	UpdatedAt time.Time
}

// TransactionType distinguishes the balance-changing operations recorded in
// the transaction ledger.
type TransactionType string

const (
	TransactionTypeBuy        TransactionType = "buy"
	TransactionTypeDCABuy     TransactionType = "dca_buy"
	TransactionTypeTakeProfit TransactionType = "take_profit"
	TransactionTypeStopLoss   TransactionType = "stop_loss"
	TransactionTypeManualSell TransactionType = "manual_sell"
	TransactionTypeStaleClose TransactionType = "stale_close"
)

// Transaction records one executed trade against a position.
type Transaction struct {
	ID            string
	PositionID    string
	AgentID       string
	Wallet        string
	Token         string
	Type          TransactionType
	TokenAmount   decimal.Decimal
	SolAmount     decimal.Decimal
	Price         decimal.Decimal
	ProfitLossSol decimal.Decimal
	TxHash        string
	CreatedAt     time.Time
}

// HistoricalSwap is the terminal record written when a position is fully
// closed; the live position row is deleted in the same transaction.
type HistoricalSwap struct {
	ID               string
	PositionID       string
	AgentID          string
	Wallet           string
	Token            string
	Symbol           string
	Reason           TransactionType
	PurchasePrice    decimal.Decimal
	ExitPrice        decimal.Decimal
	PurchaseAmount   decimal.Decimal
	TotalInvestedSol decimal.Decimal
	TotalReceivedSol decimal.Decimal
	ProfitLossSol    decimal.Decimal
	ChangePercent    decimal.Decimal
	ProfitLossUsd    decimal.Decimal
	OpenedAt         time.Time
	ClosedAt         time.Time
}
