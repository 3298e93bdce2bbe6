package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// Quote is a priced route for swapping InputMint into OutputMint.
type Quote struct {
	InputMint    string
	OutputMint   string
	InAmount     decimal.Decimal
	OutAmount    decimal.Decimal
	PriceImpact  decimal.Decimal
	RoutePayload []byte // opaque route blob passed back on execution
}

// SwapResult reports the actual fill of an executed swap, which may differ
// from the quoted estimate.
type SwapResult struct {
	Success      bool
	InputAmount  decimal.Decimal
	OutputAmount decimal.Decimal
	TxHash       string
	FeesSol      decimal.Decimal
	Message      string
}

// SwapExecutor is the external on-chain swap collaborator. Implementations
// carry their own timeouts and retry transient failures with backoff;
// validation failures are never retried.
type SwapExecutor interface {
	GetQuote(ctx context.Context, inputMint, outputMint string, amount decimal.Decimal) (Quote, error)
	ExecuteSwap(ctx context.Context, quote Quote, wallet string, simulate bool) (SwapResult, error)
}
