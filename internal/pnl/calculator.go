// Package pnl provides pure decimal profit-and-loss arithmetic for full and
// partial position sales. It holds no state and performs no I/O.
package pnl

import "github.com/shopspring/decimal"

var hundred = decimal.NewFromInt(100)

// FullSale is the outcome of closing an entire position.
type FullSale struct {
	ProfitLossSol decimal.Decimal
	ChangePercent decimal.Decimal
	ProfitLossUsd decimal.Decimal
}

// PartialSale is the outcome of selling part of a position.
type PartialSale struct {
	CostBasis     decimal.Decimal
	ProfitLossSol decimal.Decimal
	ChangePercent decimal.Decimal
	ProfitLossUsd decimal.Decimal
}

// ComputeFullSalePnL converts the totals of a full close into profit-and-loss
// figures. The percent denominator deliberately uses only the original cost
// basis (pre-DCA), not the DCA-inflated totalInvestedSol, so that percent
// gain reflects price appreciation relative to the first entry. A zero cost
// basis yields zero percent, not a division error.
func ComputeFullSalePnL(totalInvestedSol, totalSolReceived, originalCostBasisSol, settlementPriceUsd decimal.Decimal) FullSale {
	profitLossSol := totalSolReceived.Sub(totalInvestedSol)

	changePercent := decimal.Zero
	if originalCostBasisSol.IsPositive() {
		changePercent = profitLossSol.Div(originalCostBasisSol).Mul(hundred)
	}

	return FullSale{
		ProfitLossSol: profitLossSol,
		ChangePercent: changePercent,
		ProfitLossUsd: profitLossSol.Mul(settlementPriceUsd),
	}
}

// ComputePartialSalePnL allocates a proportional share of the cumulative cost
// basis to the fraction sold and measures the sale against it. The change
// percent is price-based (salePrice vs purchasePrice) and therefore
// independent of cost-basis rounding. Zero denominators yield zero values.
func ComputePartialSalePnL(
	totalInvestedSol, totalPurchaseAmount, sellAmountTokens, netSaleSol,
	purchasePrice, salePrice, settlementPriceUsd decimal.Decimal,
) PartialSale {
	costBasis := decimal.Zero
	if totalPurchaseAmount.IsPositive() {
		costBasis = sellAmountTokens.Div(totalPurchaseAmount).Mul(totalInvestedSol)
	}

	profitLossSol := netSaleSol.Sub(costBasis)

	changePercent := decimal.Zero
	if purchasePrice.IsPositive() {
		changePercent = salePrice.Sub(purchasePrice).Div(purchasePrice).Mul(hundred)
	}

	return PartialSale{
		CostBasis:     costBasis,
		ProfitLossSol: profitLossSol,
		ChangePercent: changePercent,
		ProfitLossUsd: profitLossSol.Mul(settlementPriceUsd),
	}
}

// WeightedAveragePrice returns the quantity-weighted average entry price
// after adding a fill of newAmount tokens at newPrice to an existing
// position of oldAmount tokens at oldPrice.
func WeightedAveragePrice(oldPrice, oldAmount, newPrice, newAmount decimal.Decimal) decimal.Decimal {
	totalAmount := oldAmount.Add(newAmount)
	if !totalAmount.IsPositive() {
		return decimal.Zero
	}
	oldCost := oldPrice.Mul(oldAmount)
	newCost := newPrice.Mul(newAmount)
	return oldCost.Add(newCost).Div(totalAmount)
}

// GainPercent returns the percent change of current over purchase, zero when
// purchase is not positive.
func GainPercent(purchasePrice, currentPrice decimal.Decimal) decimal.Decimal {
	if !purchasePrice.IsPositive() {
		return decimal.Zero
	}
	return currentPrice.Sub(purchasePrice).Div(purchasePrice).Mul(hundred)
}
