package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// StopLossMode selects how the allowed retracement from peak is derived from
// the position's current gain.
type StopLossMode string

const (
	StopLossModeFixed       StopLossMode = "fixed"
	StopLossModeExponential StopLossMode = "exponential"
	StopLossModeZones       StopLossMode = "zones"
	StopLossModeCustom      StopLossMode = "custom"
)

// TrailingLevel maps a gain threshold (percent above purchase price) to the
// retracement from peak allowed once that gain has been reached.
type TrailingLevel struct {
	GainPercent        decimal.Decimal `json:"gainPercent" validate:"required"`
	RetracementPercent decimal.Decimal `json:"retracementPercent" validate:"required"`
}

// StopLossConfig is the per-agent stop-loss policy.
type StopLossConfig struct {
	Enabled           bool            `json:"enabled"`
	Mode              StopLossMode    `json:"mode" validate:"omitempty,oneof=fixed exponential zones custom"`
	DefaultPercentage decimal.Decimal `json:"defaultPercentage"`
	TrailingLevels    []TrailingLevel `json:"trailingLevels" validate:"dive"`
}

// DCALevel is one re-entry rung: once price has dropped DropPercent from the
// current weighted-average price, buy BuyPercent of the current position
// value.
type DCALevel struct {
	DropPercent decimal.Decimal `json:"dropPercent" validate:"required"`
	BuyPercent  decimal.Decimal `json:"buyPercent" validate:"required"`
}

// DCAConfig is the per-agent dollar-cost-averaging policy.
type DCAConfig struct {
	Enabled         bool       `json:"enabled"`
	Levels          []DCALevel `json:"levels" validate:"dive"`
	MaxCount        int        `json:"maxCount" validate:"gte=0"`
	CooldownSeconds int        `json:"cooldownSeconds" validate:"gte=0"`
}

// TakeProfitLevel is one profit tier: at TargetPercent gain, sell SellPercent
// of the original purchase amount.
type TakeProfitLevel struct {
	TargetPercent decimal.Decimal `json:"targetPercent" validate:"required"`
	SellPercent   decimal.Decimal `json:"sellPercent" validate:"required"`
}

// MoonBagConfig controls the permanently retained remainder.
type MoonBagConfig struct {
	Enabled        bool            `json:"enabled"`
	TriggerPercent decimal.Decimal `json:"triggerPercent"`
	RetainPercent  decimal.Decimal `json:"retainPercent"`
}

// TakeProfitConfig is the per-agent tiered take-profit policy.
type TakeProfitConfig struct {
	Enabled bool              `json:"enabled"`
	Levels  []TakeProfitLevel `json:"levels" validate:"dive"`
	MoonBag MoonBagConfig     `json:"moonBag"`
}

// PurchaseConfig bounds how much an agent may commit per buy.
type PurchaseConfig struct {
	MaxPositionSol decimal.Decimal `json:"maxPositionSol"`
	MinPositionSol decimal.Decimal `json:"minPositionSol"`
	MaxOpenPositions int           `json:"maxOpenPositions" validate:"gte=0"`
}

// StaleCloseConfig governs automatic closure of positions that have gone
// nowhere for too long.
type StaleCloseConfig struct {
	Enabled       bool            `json:"enabled"`
	MaxAgeHours   int             `json:"maxAgeHours" validate:"gte=0"`
	MinPnlPercent decimal.Decimal `json:"minPnlPercent"`
}

// AgentRiskConfig is the complete resolved policy for one agent. Each agent
// owns exactly one configuration; a partial stored override is merged with
// system defaults into this immutable per-evaluation snapshot.
type AgentRiskConfig struct {
	AgentID    string           `json:"agentId" validate:"required"`
	Purchase   PurchaseConfig   `json:"purchase"`
	StopLoss   StopLossConfig   `json:"stopLoss"`
	DCA        DCAConfig        `json:"dca"`
	TakeProfit TakeProfitConfig `json:"takeProfit"`
	StaleClose StaleCloseConfig `json:"staleClose"`
	UpdatedAt  time.Time        `json:"updatedAt"`
}

// PartialRiskConfig is a stored per-agent override. Nil sections fall back to
// system defaults during resolution.
type PartialRiskConfig struct {
	AgentID    string            `json:"agentId"`
	Purchase   *PurchaseConfig   `json:"purchase,omitempty"`
	StopLoss   *StopLossConfig   `json:"stopLoss,omitempty"`
	DCA        *DCAConfig        `json:"dca,omitempty"`
	TakeProfit *TakeProfitConfig `json:"takeProfit,omitempty"`
	StaleClose *StaleCloseConfig `json:"staleClose,omitempty"`
}
