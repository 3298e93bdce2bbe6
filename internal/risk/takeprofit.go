package risk

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"solpilot/internal/domain"
	"solpilot/internal/pnl"
)

// TakeProfitEvaluator computes which profit tiers a tick has crossed, how
// much to sell, and whether the moon bag activates. It runs on every price
// tick and therefore always returns a decision with a reason instead of
// failing.
type TakeProfitEvaluator struct{}

// NewTakeProfitEvaluator returns a stateless take-profit evaluator.
func NewTakeProfitEvaluator() *TakeProfitEvaluator { return &TakeProfitEvaluator{} }

// Evaluate walks the configured levels in ascending target order starting at
// the position's current progress. Every level whose target is at or below
// the current gain fires in the same pass, so a price gap that jumps several
// tiers produces one combined sell order. Sell sizes are percentages of the
// original cumulative purchase amount, capped so the total sold never eats
// into the moon bag.
func (e *TakeProfitEvaluator) Evaluate(pos *domain.Position, cfg domain.TakeProfitConfig, tick domain.PriceTick) domain.TickDecision {
	if !cfg.Enabled || len(cfg.Levels) == 0 {
		return domain.NoAction(pos.ID, "take-profit disabled")
	}
	if !pos.PurchasePrice.IsPositive() {
		return domain.NoAction(pos.ID, "invalid purchase price")
	}

	gain := pnl.GainPercent(pos.PurchasePrice, tick.Price)

	total := pos.TotalTakeProfitLevels
	if total == 0 {
		total = len(cfg.Levels)
	}
	if pos.TakeProfitLevelsHit >= total {
		return domain.NoAction(pos.ID, "all take-profit levels hit")
	}

	var (
		fired      []int
		sellAmount = decimal.Zero
	)
	for i := pos.TakeProfitLevelsHit; i < total; i++ {
		lvl, ok := levelAt(cfg.Levels, i, pos.TPBatchStartLevel)
		if !ok {
			break
		}
		if gain.LessThan(lvl.TargetPercent) {
			break
		}
		fired = append(fired, i)
		sellAmount = sellAmount.Add(pos.PurchaseAmount.Mul(lvl.SellPercent).Div(hundred))
	}
	if len(fired) == 0 {
		return domain.NoAction(pos.ID, fmt.Sprintf("no level crossed at %.2f%% gain", toF(gain)))
	}

	// Moon bag: once the trigger gain is crossed, carve the retained
	// fraction out of the sellable amount. The carve is monotonic; an
	// already-activated bag keeps its original amount.
	activateMoonBag := false
	moonBag := pos.MoonBagAmount
	if cfg.MoonBag.Enabled && !pos.MoonBagActivated && gain.GreaterThanOrEqual(cfg.MoonBag.TriggerPercent) {
		activateMoonBag = true
		moonBag = pos.PurchaseAmount.Mul(cfg.MoonBag.RetainPercent).Div(hundred)
	}

	remaining := pos.RemainingAmount()
	maxSellable := remaining
	if pos.MoonBagActivated || activateMoonBag {
		maxSellable = remaining.Sub(moonBag)
		if maxSellable.IsNegative() {
			maxSellable = decimal.Zero
		}
	}
	if sellAmount.GreaterThan(maxSellable) {
		sellAmount = maxSellable
	}
	if !sellAmount.IsPositive() {
		return domain.NoAction(pos.ID, "sellable amount exhausted")
	}

	return domain.TickDecision{
		Action:          domain.ActionTakeProfit,
		PositionID:      pos.ID,
		AgentID:         pos.AgentID,
		Token:           pos.Token,
		Price:           tick.Price,
		SellAmount:      sellAmount,
		LevelsToExecute: fired,
		ActivateMoonBag: activateMoonBag,
		MoonBagAmount:   moonBag,
		NewRemaining:    remaining.Sub(sellAmount),
		GainPercent:     gain,
		Reason:          fmt.Sprintf("%d take-profit level(s) crossed", len(fired)),
		Tick:            tick,
	}
}

// levelAt resolves a global level index to a configured level. Indices below
// the batch start belong to a pre-DCA batch whose progress is frozen; the
// newest batch starts at batchStart and maps onto the configured levels from
// the beginning, measured against the post-DCA average price.
func levelAt(levels []domain.TakeProfitLevel, idx, batchStart int) (domain.TakeProfitLevel, bool) {
	local := idx
	if batchStart > 0 && idx >= batchStart {
		local = idx - batchStart
	}
	if local < 0 || local >= len(levels) {
		return domain.TakeProfitLevel{}, false
	}
	return levels[local], true
}

// ApplySale folds an executed take-profit sale into the position state.
// takeProfitLevelsHit and realizedProfitSol only ever grow, and the moon bag
// never deactivates once set.
func (e *TakeProfitEvaluator) ApplySale(pos *domain.Position, d domain.TickDecision, soldTokens, profitSol decimal.Decimal, txID string, now time.Time) {
	remaining := pos.RemainingAmount().Sub(soldTokens)
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}
	pos.Remaining = domain.PartialRemaining(remaining)
	pos.TakeProfitLevelsHit += len(d.LevelsToExecute)
	if pos.TotalTakeProfitLevels > 0 && pos.TakeProfitLevelsHit > pos.TotalTakeProfitLevels {
		pos.TakeProfitLevelsHit = pos.TotalTakeProfitLevels
	}
	pos.TakeProfitTxIDs = append(pos.TakeProfitTxIDs, txID)
	pos.LastTakeProfitTime = now
	if d.ActivateMoonBag && !pos.MoonBagActivated {
		pos.MoonBagActivated = true
		pos.MoonBagAmount = d.MoonBagAmount
	}
	if profitSol.IsPositive() {
		pos.RealizedProfitSol = pos.RealizedProfitSol.Add(profitSol)
	}
	pos.UpdatedAt = now
}
