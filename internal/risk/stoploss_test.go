package risk

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"solpilot/internal/domain"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func tick(price string) domain.PriceTick {
	return domain.PriceTick{
		Token:     "MINT",
		Price:     dec(price),
		Timestamp: time.Now().UTC(),
	}
}

func openPosition(purchasePrice, amount string) *domain.Position {
	return &domain.Position{
		ID:             "pos-1",
		AgentID:        "agent-1",
		Token:          "MINT",
		PurchasePrice:  dec(purchasePrice),
		PurchaseAmount: dec(amount),
		PeakPrice:      dec(purchasePrice),
		Remaining:      domain.FullRemaining(),
		OpenedAt:       time.Now().UTC().Add(-time.Hour),
	}
}

func fixedStopLoss(pct string) domain.StopLossConfig {
	return domain.StopLossConfig{
		Enabled:           true,
		Mode:              domain.StopLossModeFixed,
		DefaultPercentage: dec(pct),
	}
}

func TestStopLossDisabled(t *testing.T) {
	e := NewStopLossEvaluator()
	pos := openPosition("1.0", "100")
	res := e.Evaluate(pos, domain.StopLossConfig{Enabled: false}, tick("0.01"))
	assert.False(t, res.Decision.ShouldExecute())
}

func TestStopLossFixedBreach(t *testing.T) {
	e := NewStopLossEvaluator()
	pos := openPosition("1.0", "100")

	// 20% stop from a peak equal to entry: stop price 0.8.
	res := e.Evaluate(pos, fixedStopLoss("20"), tick("0.85"))
	assert.False(t, res.Decision.ShouldExecute(), "0.85 is above the 0.8 stop")

	res = e.Evaluate(pos, fixedStopLoss("20"), tick("0.80"))
	assert.True(t, res.Decision.ShouldExecute())
	assert.Equal(t, domain.ActionStopLoss, res.Decision.Action)
	assert.True(t, res.Decision.SellAmount.Equal(dec("100")))
}

func TestStopLossPeakRatchet(t *testing.T) {
	e := NewStopLossEvaluator()
	pos := openPosition("1.0", "100")

	// New high moves the peak but does not trigger.
	res := e.Evaluate(pos, fixedStopLoss("20"), tick("2.0"))
	assert.True(t, res.PeakMoved)
	assert.True(t, res.NewPeak.Equal(dec("2.0")))
	assert.False(t, res.Decision.ShouldExecute())

	// Trailing from the new peak: stop is 2.0 * 0.8 = 1.6.
	pos.PeakPrice = dec("2.0")
	res = e.Evaluate(pos, fixedStopLoss("20"), tick("1.59"))
	assert.True(t, res.Decision.ShouldExecute())
	assert.False(t, res.PeakMoved)

	// A lower tick never moves the peak back down.
	res = e.Evaluate(pos, fixedStopLoss("20"), tick("1.7"))
	assert.False(t, res.PeakMoved)
	assert.False(t, res.Decision.ShouldExecute())
}

func TestStopLossExponentialTightens(t *testing.T) {
	cfg := domain.StopLossConfig{
		Enabled:           true,
		Mode:              domain.StopLossModeExponential,
		DefaultPercentage: dec("20"),
	}

	// At 100% gain the allowed retracement halves.
	allowed := allowedRetracement(cfg, dec("100"))
	assert.True(t, allowed.Sub(dec("10")).Abs().LessThan(dec("0.0001")), "allowed = %s", allowed)

	// Deep gains floor at the minimum retracement.
	allowed = allowedRetracement(cfg, dec("1000"))
	assert.True(t, allowed.Equal(dec("5")))

	// No gain keeps the base.
	allowed = allowedRetracement(cfg, dec("0"))
	assert.True(t, allowed.Equal(dec("20")))
}

func TestStopLossZones(t *testing.T) {
	cfg := domain.StopLossConfig{
		Enabled:           true,
		Mode:              domain.StopLossModeZones,
		DefaultPercentage: dec("40"),
	}

	assert.True(t, allowedRetracement(cfg, dec("10")).Equal(dec("40")))
	assert.True(t, allowedRetracement(cfg, dec("50")).Equal(dec("30")))
	assert.True(t, allowedRetracement(cfg, dec("100")).Equal(dec("20")))
	assert.True(t, allowedRetracement(cfg, dec("250")).Equal(dec("10")))
}

func TestStopLossCustomTable(t *testing.T) {
	cfg := domain.StopLossConfig{
		Enabled:           true,
		Mode:              domain.StopLossModeCustom,
		DefaultPercentage: dec("25"),
		TrailingLevels: []domain.TrailingLevel{
			{GainPercent: dec("50"), RetracementPercent: dec("15")},
			{GainPercent: dec("200"), RetracementPercent: dec("8")},
		},
	}

	assert.True(t, allowedRetracement(cfg, dec("10")).Equal(dec("25")), "below first breakpoint")
	assert.True(t, allowedRetracement(cfg, dec("60")).Equal(dec("15")))
	assert.True(t, allowedRetracement(cfg, dec("300")).Equal(dec("8")))
}

func TestStaleCloseDecision(t *testing.T) {
	now := time.Now().UTC()
	cfg := domain.StaleCloseConfig{
		Enabled:       true,
		MaxAgeHours:   24,
		MinPnlPercent: dec("-5"),
	}

	fresh := openPosition("1.0", "100")
	fresh.OpenedAt = now.Add(-time.Hour)
	d := StaleCloseDecision(fresh, cfg, tick("0.9"), now)
	assert.False(t, d.ShouldExecute(), "too young")

	old := openPosition("1.0", "100")
	old.OpenedAt = now.Add(-48 * time.Hour)

	d = StaleCloseDecision(old, cfg, tick("1.5"), now)
	assert.False(t, d.ShouldExecute(), "profitable positions stay open")

	d = StaleCloseDecision(old, cfg, tick("0.9"), now)
	assert.True(t, d.ShouldExecute())
	assert.Equal(t, domain.ActionStaleClose, d.Action)

	d = StaleCloseDecision(old, domain.StaleCloseConfig{}, tick("0.9"), now)
	assert.False(t, d.ShouldExecute(), "disabled config")
}
