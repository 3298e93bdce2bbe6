// Package swap implements the on-chain swap executor against a Jupiter-style
// aggregator API. Quotes and executions are plain REST calls; transient
// failures retry with exponential backoff, rejections surface immediately.
package swap

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"solpilot/internal/config"
	"solpilot/internal/domain"
)

// Aggregator request budget shared across processes via the distributed
// rate limiter.
const (
	aggregatorRateLimit  = 30
	aggregatorRateWindow = time.Second
)

// JupiterClient talks to the quote and swap endpoints of a Jupiter-style
// aggregator. All amounts cross the wire as decimal strings.
type JupiterClient struct {
	quote       *resty.Client
	swap        *resty.Client
	limiter     domain.RateLimiter
	slippageBps int
	maxRetries  int
	backoff     time.Duration
	logger      *slog.Logger
}

// NewJupiterClient builds a client from the swap section of the config.
// limiter may be nil when no request throttling is wanted.
func NewJupiterClient(cfg config.SwapConfig, limiter domain.RateLimiter, logger *slog.Logger) *JupiterClient {
	timeout := time.Duration(cfg.TimeoutSec) * time.Second

	newClient := func(host string) *resty.Client {
		return resty.New().
			SetBaseURL(host).
			SetTimeout(timeout).
			SetHeader("Accept", "application/json")
	}

	return &JupiterClient{
		quote:       newClient(cfg.QuoteHost),
		swap:        newClient(cfg.SwapHost),
		limiter:     limiter,
		slippageBps: cfg.SlippageBps,
		maxRetries:  cfg.MaxRetries,
		backoff:     cfg.RetryBackoff.Duration,
		logger:      logger.With(slog.String("component", "swap")),
	}
}

type quoteResponse struct {
	InputMint      string          `json:"inputMint"`
	OutputMint     string          `json:"outputMint"`
	InAmount       decimal.Decimal `json:"inAmount"`
	OutAmount      decimal.Decimal `json:"outAmount"`
	PriceImpactPct decimal.Decimal `json:"priceImpactPct"`
}

type swapRequest struct {
	QuoteResponse json.RawMessage `json:"quoteResponse"`
	UserPublicKey string          `json:"userPublicKey"`
	SimulateOnly  bool            `json:"simulateOnly"`
}

type swapResponse struct {
	Success      bool            `json:"success"`
	TxHash       string          `json:"txHash"`
	InputAmount  decimal.Decimal `json:"inputAmount"`
	OutputAmount decimal.Decimal `json:"outputAmount"`
	FeesSol      decimal.Decimal `json:"feesSol"`
	Error        string          `json:"error"`
}

// GetQuote fetches a priced route for swapping amount of inputMint into
// outputMint.
func (c *JupiterClient) GetQuote(ctx context.Context, inputMint, outputMint string, amount decimal.Decimal) (domain.Quote, error) {
	if err := c.throttle(ctx); err != nil {
		return domain.Quote{}, err
	}

	var parsed quoteResponse
	var raw []byte

	err := c.withRetry(ctx, "quote", func() (*resty.Response, error) {
		resp, err := c.quote.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"inputMint":   inputMint,
				"outputMint":  outputMint,
				"amount":      amount.String(),
				"slippageBps": fmt.Sprintf("%d", c.slippageBps),
			}).
			Get("/v6/quote")
		if err == nil && resp.IsSuccess() {
			raw = resp.Body()
		}
		return resp, err
	})
	if err != nil {
		return domain.Quote{}, fmt.Errorf("swap: get quote %s->%s: %w", inputMint, outputMint, err)
	}

	if err := json.Unmarshal(raw, &parsed); err != nil {
		return domain.Quote{}, fmt.Errorf("swap: decode quote: %w", err)
	}

	return domain.Quote{
		InputMint:    parsed.InputMint,
		OutputMint:   parsed.OutputMint,
		InAmount:     parsed.InAmount,
		OutAmount:    parsed.OutAmount,
		PriceImpact:  parsed.PriceImpactPct,
		RoutePayload: raw,
	}, nil
}

// ExecuteSwap submits the quoted route for execution by the given wallet.
// With simulate set, the aggregator validates the route without landing a
// transaction and the result carries a synthetic tx hash.
func (c *JupiterClient) ExecuteSwap(ctx context.Context, quote domain.Quote, wallet string, simulate bool) (domain.SwapResult, error) {
	if err := c.throttle(ctx); err != nil {
		return domain.SwapResult{}, err
	}

	var parsed swapResponse
	err := c.withRetry(ctx, "swap", func() (*resty.Response, error) {
		return c.swap.R().
			SetContext(ctx).
			SetBody(swapRequest{
				QuoteResponse: quote.RoutePayload,
				UserPublicKey: wallet,
				SimulateOnly:  simulate,
			}).
			SetResult(&parsed).
			Post("/v6/swap")
	})
	if err != nil {
		return domain.SwapResult{}, fmt.Errorf("swap: execute %s->%s: %w", quote.InputMint, quote.OutputMint, err)
	}

	if !parsed.Success {
		return domain.SwapResult{
			Success: false,
			Message: parsed.Error,
		}, fmt.Errorf("swap: execute %s->%s: %s: %w", quote.InputMint, quote.OutputMint, parsed.Error, domain.ErrSwapRejected)
	}

	c.logger.Info("swap executed",
		slog.String("input_mint", quote.InputMint),
		slog.String("output_mint", quote.OutputMint),
		slog.String("tx_hash", parsed.TxHash),
		slog.Bool("simulate", simulate))

	return domain.SwapResult{
		Success:      true,
		InputAmount:  parsed.InputAmount,
		OutputAmount: parsed.OutputAmount,
		TxHash:       parsed.TxHash,
		FeesSol:      parsed.FeesSol,
	}, nil
}

func (c *JupiterClient) throttle(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	allowed, err := c.limiter.Allow(ctx, "swap_api", aggregatorRateLimit, aggregatorRateWindow)
	if err != nil {
		// Limiter failure must not block trading.
		c.logger.Warn("rate limiter unavailable", slog.String("error", err.Error()))
		return nil
	}
	if !allowed {
		return fmt.Errorf("swap: rate limited: %w", domain.ErrSwapRejected)
	}
	return nil
}

// withRetry retries call on network errors and 5xx responses with
// exponentially growing backoff. Client errors (4xx) are terminal: the
// request itself is wrong and resending it cannot help.
func (c *JupiterClient) withRetry(ctx context.Context, op string, call func() (*resty.Response, error)) error {
	backoff := c.backoff
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Warn("retrying swap request",
				slog.String("op", op),
				slog.Int("attempt", attempt),
				slog.String("error", lastErr.Error()))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		resp, err := call()
		if err != nil {
			lastErr = err
			continue
		}
		if resp.IsSuccess() {
			return nil
		}
		if resp.StatusCode() >= 500 {
			lastErr = fmt.Errorf("server error %d: %s", resp.StatusCode(), resp.String())
			continue
		}
		return fmt.Errorf("rejected with status %d: %s: %w", resp.StatusCode(), resp.String(), domain.ErrSwapRejected)
	}
	return lastErr
}

var _ domain.SwapExecutor = (*JupiterClient)(nil)
