package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceTick is one price update for a token, pushed by the external price
// feed. Price is the current price per token in the settlement currency.
type PriceTick struct {
	Token       string          `json:"token"`
	Symbol      string          `json:"symbol"`
	Price       decimal.Decimal `json:"price"`
	SolPriceUsd decimal.Decimal `json:"solPriceUsd"`
	Timestamp   time.Time       `json:"timestamp"`
}

// TradeSignal is a validated buy decision handed to the engine by an
// upstream producer. Signal sourcing and scoring are not the engine's
// concern; the signal arrives ready to size and execute.
type TradeSignal struct {
	ID        string          `json:"id"`
	AgentID   string          `json:"agentId"`
	Wallet    string          `json:"wallet"`
	Token     string          `json:"token"`
	Symbol    string          `json:"symbol"`
	AmountSol decimal.Decimal `json:"amountSol"`
	CreatedAt time.Time       `json:"createdAt"`
	ExpiresAt time.Time       `json:"expiresAt"`
}

// DecisionAction enumerates what an evaluator recommends for one tick.
type DecisionAction string

const (
	ActionNone       DecisionAction = "none"
	ActionStopLoss   DecisionAction = "stop_loss"
	ActionDCABuy     DecisionAction = "dca_buy"
	ActionTakeProfit DecisionAction = "take_profit"
	ActionStaleClose DecisionAction = "stale_close"
)

// TickDecision is the outcome of evaluating one position against one tick.
// Evaluators always return a decision, never an error; non-executing
// outcomes carry a human-readable reason so the tick loop stays quiet but
// explainable.
type TickDecision struct {
	Action     DecisionAction
	PositionID string
	AgentID    string
	Token      string
	Price      decimal.Decimal
	// Sell path.
	SellAmount      decimal.Decimal
	LevelsToExecute []int
	ActivateMoonBag bool
	MoonBagAmount   decimal.Decimal
	NewRemaining    decimal.Decimal
	// Buy path.
	BuySol   decimal.Decimal
	DCALevel int
	// Always set.
	GainPercent decimal.Decimal
	Reason      string
	Tick        PriceTick
}

// ShouldExecute reports whether the decision carries an action for the
// coordinator.
func (d TickDecision) ShouldExecute() bool {
	return d.Action != ActionNone
}

// NoAction builds a non-executing decision with a reason.
func NoAction(positionID, reason string) TickDecision {
	return TickDecision{Action: ActionNone, PositionID: positionID, Reason: reason}
}
