package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Remaining models how much of a position is still held. A position that has
// never been partially sold is Full: its remaining amount is whatever
// PurchaseAmount currently is, including later DCA fills. After the first
// partial sale the remainder is tracked explicitly.
type Remaining struct {
	partial bool
	amount  decimal.Decimal
}

// FullRemaining returns a Remaining representing an untouched position.
func FullRemaining() Remaining {
	return Remaining{}
}

// PartialRemaining returns a Remaining holding an explicit leftover amount.
func PartialRemaining(amount decimal.Decimal) Remaining {
	return Remaining{partial: true, amount: amount}
}

// IsPartial reports whether any part of the position has been sold.
func (r Remaining) IsPartial() bool { return r.partial }

// Amount resolves the remaining token quantity given the position's current
// cumulative purchase amount.
func (r Remaining) Amount(purchaseAmount decimal.Decimal) decimal.Decimal {
	if r.partial {
		return r.amount
	}
	return purchaseAmount
}

// Explicit returns the stored amount and whether one is stored. Persistence
// maps the non-partial case to a NULL column.
func (r Remaining) Explicit() (decimal.Decimal, bool) {
	return r.amount, r.partial
}

// MarshalJSON encodes Full as null and Partial as the explicit amount.
func (r Remaining) MarshalJSON() ([]byte, error) {
	if !r.partial {
		return []byte("null"), nil
	}
	return json.Marshal(r.amount)
}

// UnmarshalJSON decodes null as Full and a number as Partial.
func (r *Remaining) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*r = FullRemaining()
		return nil
	}
	var amount decimal.Decimal
	if err := json.Unmarshal(data, &amount); err != nil {
		return err
	}
	*r = PartialRemaining(amount)
	return nil
}

// Position is one agent's open holding of a single token, together with all
// state the risk evaluators act on. It is created atomically with its
// originating buy transaction, mutated in place by DCA buys and partial
// take-profit sales, and converted to a HistoricalSwap row on full close.
type Position struct {
	ID        string
	AgentID   string
	Wallet    string
	Token     string // token mint address
	Symbol    string
	EntryTxID string // originating buy transaction

	// Cost basis. PurchasePrice is the quantity-weighted average across all
	// fills; PurchaseAmount and TotalInvestedSol are cumulative.
	PurchasePrice    decimal.Decimal
	PurchaseAmount   decimal.Decimal
	TotalInvestedSol decimal.Decimal
	// OriginalCostSol is the cost basis of the first entry only, before any
	// DCA fills. Full-sale percent PnL is measured against this.
	OriginalCostSol decimal.Decimal

	// DCA state.
	DCACount    int
	LastDCATime time.Time
	LowestPrice decimal.Decimal
	DCATxIDs    []string

	// Stop-loss state.
	CurrentStopLossPct decimal.Decimal
	PeakPrice          decimal.Decimal
	LastStopLossUpdate time.Time

	// Take-profit state.
	Remaining           Remaining
	TakeProfitLevelsHit int
	TakeProfitTxIDs     []string
	LastTakeProfitTime  time.Time
	MoonBagActivated    bool
	MoonBagAmount       decimal.Decimal
	RealizedProfitSol   decimal.Decimal
	// TPBatchStartLevel marks where the newest batch of configured levels
	// begins after a DCA appends levels; TotalTakeProfitLevels is the
	// extended count. Progress below the batch start is never re-fired.
	TPBatchStartLevel     int
	TotalTakeProfitLevels int

	OpenedAt  time.Time
	UpdatedAt time.Time
}

// RemainingAmount resolves the tokens not yet sold.
func (p *Position) RemainingAmount() decimal.Decimal {
	return p.Remaining.Amount(p.PurchaseAmount)
}

// SellableAmount is the remainder minus the carved-out moon bag.
func (p *Position) SellableAmount() decimal.Decimal {
	rem := p.RemainingAmount()
	if !p.MoonBagActivated {
		return rem
	}
	sellable := rem.Sub(p.MoonBagAmount)
	if sellable.IsNegative() {
		return decimal.Zero
	}
	return sellable
}

// CheckInvariants verifies the structural invariants that must hold for any
// persisted position. Violations are programming errors surfaced before any
// write.
func (p *Position) CheckInvariants() error {
	if p.RemainingAmount().GreaterThan(p.PurchaseAmount) {
		return ErrInvariant
	}
	if p.TotalTakeProfitLevels > 0 && p.TakeProfitLevelsHit > p.TotalTakeProfitLevels {
		return ErrInvariant
	}
	if p.MoonBagActivated && p.MoonBagAmount.GreaterThan(p.RemainingAmount()) {
		return ErrInvariant
	}
	return nil
}
