// Package risk implements the per-agent risk policy: config resolution and
// the stop-loss, DCA and take-profit evaluators. Evaluators are pure and
// never return errors; a non-executing outcome carries a reason string so
// the tick loop is never aborted by one position's state.
package risk

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"solpilot/internal/domain"
	"solpilot/internal/pnl"
)

var hundred = decimal.NewFromInt(100)

// minRetracementPct floors the exponential and zone curves so a stop can
// never tighten to zero distance from peak.
var minRetracementPct = decimal.NewFromInt(5)

// StopLossEvaluator decides whether a position's trailing stop has been
// breached and tracks the peak price that drives the trailing math.
type StopLossEvaluator struct{}

// NewStopLossEvaluator returns a stateless stop-loss evaluator.
func NewStopLossEvaluator() *StopLossEvaluator { return &StopLossEvaluator{} }

// StopLossResult is the outcome of one stop-loss evaluation.
type StopLossResult struct {
	Decision domain.TickDecision
	// NewPeak is set when the tick established a new high; the caller
	// persists it regardless of whether a close triggered.
	NewPeak    decimal.Decimal
	PeakMoved  bool
	StopPrice  decimal.Decimal
	Allowed    decimal.Decimal // allowed retracement percent from peak
}

// Evaluate compares the current price against the allowed retracement from
// peak for the position's current gain. All modes map "percent gain above
// purchase price" to "allowed retracement percent from peak" through
// allowedRetracement, so the comparison itself is mode-agnostic.
func (e *StopLossEvaluator) Evaluate(pos *domain.Position, cfg domain.StopLossConfig, tick domain.PriceTick) StopLossResult {
	res := StopLossResult{Decision: domain.NoAction(pos.ID, "stop-loss disabled")}
	if !cfg.Enabled {
		return res
	}
	if !pos.PurchasePrice.IsPositive() {
		res.Decision = domain.NoAction(pos.ID, "invalid purchase price")
		return res
	}

	peak := pos.PeakPrice
	if peak.LessThan(pos.PurchasePrice) {
		peak = pos.PurchasePrice
	}
	if tick.Price.GreaterThan(peak) {
		peak = tick.Price
		res.NewPeak = peak
		res.PeakMoved = true
	}

	gain := pnl.GainPercent(pos.PurchasePrice, peak)
	res.Allowed = allowedRetracement(cfg, gain)

	// Below the entry with no gain achieved: measure the default percentage
	// from the purchase price instead of trailing from peak.
	if peak.Equal(pos.PurchasePrice) {
		res.StopPrice = pos.PurchasePrice.Mul(hundred.Sub(cfg.DefaultPercentage)).Div(hundred)
	} else {
		res.StopPrice = peak.Mul(hundred.Sub(res.Allowed)).Div(hundred)
	}

	if tick.Price.GreaterThan(res.StopPrice) {
		res.Decision = domain.NoAction(pos.ID, "stop price not breached")
		res.Decision.GainPercent = pnl.GainPercent(pos.PurchasePrice, tick.Price)
		return res
	}

	res.Decision = domain.TickDecision{
		Action:      domain.ActionStopLoss,
		PositionID:  pos.ID,
		AgentID:     pos.AgentID,
		Token:       pos.Token,
		Price:       tick.Price,
		SellAmount:  pos.RemainingAmount(),
		GainPercent: pnl.GainPercent(pos.PurchasePrice, tick.Price),
		Reason:      "stop price breached",
		Tick:        tick,
	}
	return res
}

// allowedRetracement maps the achieved gain to the retracement from peak the
// policy tolerates before closing.
func allowedRetracement(cfg domain.StopLossConfig, gainPercent decimal.Decimal) decimal.Decimal {
	switch cfg.Mode {
	case domain.StopLossModeExponential:
		return exponentialRetracement(cfg.DefaultPercentage, gainPercent)
	case domain.StopLossModeZones:
		return zoneRetracement(cfg.DefaultPercentage, gainPercent)
	case domain.StopLossModeCustom:
		if len(cfg.TrailingLevels) > 0 {
			return tableRetracement(cfg.TrailingLevels, cfg.DefaultPercentage, gainPercent)
		}
		return cfg.DefaultPercentage
	default: // fixed
		return cfg.DefaultPercentage
	}
}

// exponentialRetracement tightens the stop smoothly as gain grows: the
// allowed retracement decays by half for every 100% of gain, floored at
// minRetracementPct.
func exponentialRetracement(base, gainPercent decimal.Decimal) decimal.Decimal {
	if !gainPercent.IsPositive() {
		return base
	}
	g, _ := gainPercent.Float64()
	factor := math.Exp2(-g / 100)
	allowed := base.Mul(decimal.NewFromFloat(factor))
	if allowed.LessThan(minRetracementPct) {
		return minRetracementPct
	}
	return allowed
}

// zoneRetracement applies discrete tightening zones.
func zoneRetracement(base, gainPercent decimal.Decimal) decimal.Decimal {
	var factor decimal.Decimal
	switch {
	case gainPercent.LessThan(decimal.NewFromInt(50)):
		return base
	case gainPercent.LessThan(decimal.NewFromInt(100)):
		factor = decimal.NewFromFloat(0.75)
	case gainPercent.LessThan(decimal.NewFromInt(200)):
		factor = decimal.NewFromFloat(0.5)
	default:
		factor = decimal.NewFromFloat(0.25)
	}
	allowed := base.Mul(factor)
	if allowed.LessThan(minRetracementPct) {
		return minRetracementPct
	}
	return allowed
}

// tableRetracement picks the retracement of the highest breakpoint whose
// gain threshold has been reached. Levels must be sorted ascending by gain.
func tableRetracement(levels []domain.TrailingLevel, base, gainPercent decimal.Decimal) decimal.Decimal {
	allowed := base
	for _, lvl := range levels {
		if gainPercent.GreaterThanOrEqual(lvl.GainPercent) {
			allowed = lvl.RetracementPercent
		} else {
			break
		}
	}
	return allowed
}

// StaleCloseDecision reports whether a position has exceeded the stale-trade
// thresholds and should be force-closed. Used by the scheduled job, not the
// tick loop.
func StaleCloseDecision(pos *domain.Position, cfg domain.StaleCloseConfig, tick domain.PriceTick, now time.Time) domain.TickDecision {
	if !cfg.Enabled || cfg.MaxAgeHours <= 0 {
		return domain.NoAction(pos.ID, "stale close disabled")
	}
	age := now.Sub(pos.OpenedAt)
	if age < time.Duration(cfg.MaxAgeHours)*time.Hour {
		return domain.NoAction(pos.ID, "position not stale yet")
	}
	gain := pnl.GainPercent(pos.PurchasePrice, tick.Price)
	if gain.GreaterThan(cfg.MinPnlPercent) {
		return domain.NoAction(pos.ID, "stale but above minimum pnl")
	}
	return domain.TickDecision{
		Action:      domain.ActionStaleClose,
		PositionID:  pos.ID,
		AgentID:     pos.AgentID,
		Token:       pos.Token,
		Price:       tick.Price,
		SellAmount:  pos.RemainingAmount(),
		GainPercent: gain,
		Reason:      "stale position auto-close",
		Tick:        tick,
	}
}
