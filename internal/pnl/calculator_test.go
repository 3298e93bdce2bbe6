package pnl

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestComputeFullSalePnL(t *testing.T) {
	tests := []struct {
		name          string
		invested      string
		received      string
		originalCost  string
		solPriceUsd   string
		wantProfit    string
		wantPercent   string
		wantProfitUsd string
	}{
		{
			name:     "profit against original cost basis",
			invested: "1.5", received: "3.0", originalCost: "1.0", solPriceUsd: "150",
			wantProfit: "1.5", wantPercent: "150", wantProfitUsd: "225",
		},
		{
			name:     "loss",
			invested: "2.0", received: "1.0", originalCost: "2.0", solPriceUsd: "100",
			wantProfit: "-1", wantPercent: "-50", wantProfitUsd: "-100",
		},
		{
			name:     "zero original cost basis yields zero percent",
			invested: "1.0", received: "2.0", originalCost: "0", solPriceUsd: "100",
			wantProfit: "1", wantPercent: "0", wantProfitUsd: "100",
		},
		{
			name:     "break even",
			invested: "1.0", received: "1.0", originalCost: "1.0", solPriceUsd: "100",
			wantProfit: "0", wantPercent: "0", wantProfitUsd: "0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeFullSalePnL(dec(tt.invested), dec(tt.received), dec(tt.originalCost), dec(tt.solPriceUsd))
			assert.True(t, got.ProfitLossSol.Equal(dec(tt.wantProfit)), "profit = %s", got.ProfitLossSol)
			assert.True(t, got.ChangePercent.Equal(dec(tt.wantPercent)), "percent = %s", got.ChangePercent)
			assert.True(t, got.ProfitLossUsd.Equal(dec(tt.wantProfitUsd)), "usd = %s", got.ProfitLossUsd)
		})
	}
}

func TestComputePartialSalePnL(t *testing.T) {
	// Sell a quarter of a 200-token position bought for 2 SOL at 0.01/token,
	// at double the entry price.
	got := ComputePartialSalePnL(
		dec("2"), dec("200"), dec("50"), dec("1"),
		dec("0.01"), dec("0.02"), dec("100"),
	)

	// 50/200 of the 2 SOL cost basis is 0.5 SOL.
	assert.True(t, got.CostBasis.Equal(dec("0.5")), "cost basis = %s", got.CostBasis)
	assert.True(t, got.ProfitLossSol.Equal(dec("0.5")), "profit = %s", got.ProfitLossSol)
	assert.True(t, got.ChangePercent.Equal(dec("100")), "percent = %s", got.ChangePercent)
	assert.True(t, got.ProfitLossUsd.Equal(dec("50")), "usd = %s", got.ProfitLossUsd)
}

func TestComputePartialSalePnLZeroDenominators(t *testing.T) {
	got := ComputePartialSalePnL(
		dec("2"), dec("0"), dec("50"), dec("1"),
		dec("0"), dec("0.02"), dec("100"),
	)
	assert.True(t, got.CostBasis.IsZero())
	assert.True(t, got.ChangePercent.IsZero())
	// With no allocatable cost basis the whole sale counts as profit.
	assert.True(t, got.ProfitLossSol.Equal(dec("1")))
}

func TestWeightedAveragePrice(t *testing.T) {
	// 100 @ 1.0 plus 75 @ 0.8 averages to 160/175.
	got := WeightedAveragePrice(dec("1.0"), dec("100"), dec("0.8"), dec("75"))
	want := dec("160").Div(dec("175"))
	assert.True(t, got.Equal(want), "avg = %s", got)

	assert.True(t, WeightedAveragePrice(dec("1"), dec("0"), dec("1"), dec("0")).IsZero())

	// A zero-quantity fill leaves the average unchanged.
	same := WeightedAveragePrice(dec("1.5"), dec("10"), dec("99"), dec("0"))
	assert.True(t, same.Equal(dec("1.5")))
}

func TestGainPercent(t *testing.T) {
	assert.True(t, GainPercent(dec("2"), dec("3")).Equal(dec("50")))
	assert.True(t, GainPercent(dec("2"), dec("1")).Equal(dec("-50")))
	assert.True(t, GainPercent(dec("0"), dec("5")).IsZero())
}
