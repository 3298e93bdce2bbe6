package risk

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"solpilot/internal/domain"
	"solpilot/internal/pnl"
)

// DCAEvaluator decides whether a price drop qualifies for an additional
// buy-in. Levels are consumed sequentially; each level measures its drop
// from the position's current weighted-average price, which is recomputed
// after every fill, so later levels trail the new, lower average.
type DCAEvaluator struct{}

// NewDCAEvaluator returns a stateless DCA evaluator.
func NewDCAEvaluator() *DCAEvaluator { return &DCAEvaluator{} }

// Evaluate checks the guard conditions (level budget, cooldown, drop
// threshold) and sizes the buy as the level's percentage of the current
// position value in the settlement currency.
func (e *DCAEvaluator) Evaluate(pos *domain.Position, cfg domain.DCAConfig, tick domain.PriceTick, now time.Time) domain.TickDecision {
	if !cfg.Enabled {
		return domain.NoAction(pos.ID, "dca disabled")
	}
	if !pos.PurchasePrice.IsPositive() {
		return domain.NoAction(pos.ID, "invalid purchase price")
	}
	if cfg.MaxCount > 0 && pos.DCACount >= cfg.MaxCount {
		return domain.NoAction(pos.ID, "dca budget exhausted")
	}
	if pos.DCACount >= len(cfg.Levels) {
		return domain.NoAction(pos.ID, "no dca level remaining")
	}
	if cfg.CooldownSeconds > 0 && !pos.LastDCATime.IsZero() {
		elapsed := now.Sub(pos.LastDCATime)
		if elapsed < time.Duration(cfg.CooldownSeconds)*time.Second {
			return domain.NoAction(pos.ID, "dca cooldown active")
		}
	}

	level := cfg.Levels[pos.DCACount]
	change := pnl.GainPercent(pos.PurchasePrice, tick.Price)
	// DropPercent is negative; the change must be at or below it.
	if change.GreaterThan(level.DropPercent) {
		return domain.NoAction(pos.ID, fmt.Sprintf("drop %.2f%% above dca threshold %.2f%%",
			toF(change), toF(level.DropPercent)))
	}

	currentValueSol := pos.RemainingAmount().Mul(tick.Price)
	buySol := currentValueSol.Mul(level.BuyPercent).Div(hundred)
	if !buySol.IsPositive() {
		return domain.NoAction(pos.ID, "dca buy size is zero")
	}

	return domain.TickDecision{
		Action:      domain.ActionDCABuy,
		PositionID:  pos.ID,
		AgentID:     pos.AgentID,
		Token:       pos.Token,
		Price:       tick.Price,
		BuySol:      buySol,
		DCALevel:    pos.DCACount,
		GainPercent: change,
		Reason:      "dca level reached",
		Tick:        tick,
	}
}

// ApplyFill folds an executed DCA fill into the position: the weighted
// average entry recomputes from the new and old cost bases, the level
// counter advances, and the drop-measurement baseline resets to the new
// average. When take-profit levels are configured, a fresh batch is appended
// after the current progress rather than resetting it.
func (e *DCAEvaluator) ApplyFill(pos *domain.Position, fillPrice, fillTokens, fillSol decimal.Decimal, appendedTPLevels int, now time.Time) {
	pos.PurchasePrice = pnl.WeightedAveragePrice(pos.PurchasePrice, pos.PurchaseAmount, fillPrice, fillTokens)
	if rem, explicit := pos.Remaining.Explicit(); explicit {
		pos.Remaining = domain.PartialRemaining(rem.Add(fillTokens))
	}
	pos.PurchaseAmount = pos.PurchaseAmount.Add(fillTokens)
	pos.TotalInvestedSol = pos.TotalInvestedSol.Add(fillSol)
	pos.DCACount++
	pos.LastDCATime = now
	if pos.LowestPrice.IsZero() || fillPrice.LessThan(pos.LowestPrice) {
		pos.LowestPrice = fillPrice
	}
	if appendedTPLevels > 0 {
		pos.TPBatchStartLevel = pos.TakeProfitLevelsHit
		if pos.TotalTakeProfitLevels == 0 {
			pos.TotalTakeProfitLevels = pos.TakeProfitLevelsHit
		}
		pos.TotalTakeProfitLevels += appendedTPLevels
	}
	pos.UpdatedAt = now
}

func toF(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
