package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"solpilot/internal/domain"
	"solpilot/internal/pnl"
	"solpilot/internal/risk"
)

// CoordinatorOptions carries the wiring and tunables for a Coordinator.
type CoordinatorOptions struct {
	Wallet         string
	SettlementMint string
	Simulate       bool
	LockTTL        time.Duration
	IdempotencyTTL time.Duration
	EventChannel   string
	RetryStream    string
}

// Coordinator executes decisions exactly once. Each execution takes the
// position's distributed lock, re-reads durable state, re-validates the
// decision against it, performs the swap, and commits every resulting row in
// one transaction. Ledger failures after a landed swap are queued to the
// retry stream instead of being lost.
type Coordinator struct {
	positions    domain.PositionStore
	balances     domain.BalanceStore
	transactions domain.TransactionStore
	history      domain.HistoricalSwapStore
	audit        domain.AuditStore
	txm          domain.TxManager

	posCache domain.PositionCache
	balCache domain.BalanceCache
	prices   domain.PriceCache
	locks    domain.LockManager
	idem     domain.IdempotencyStore
	bus      domain.SignalBus

	swapper  domain.SwapExecutor
	resolver *risk.Resolver

	stopLoss   *risk.StopLossEvaluator
	dca        *risk.DCAEvaluator
	takeProfit *risk.TakeProfitEvaluator

	opts   CoordinatorOptions
	logger *slog.Logger
}

// NewCoordinator wires a Coordinator.
func NewCoordinator(
	positions domain.PositionStore,
	balances domain.BalanceStore,
	transactions domain.TransactionStore,
	history domain.HistoricalSwapStore,
	audit domain.AuditStore,
	txm domain.TxManager,
	posCache domain.PositionCache,
	balCache domain.BalanceCache,
	prices domain.PriceCache,
	locks domain.LockManager,
	idem domain.IdempotencyStore,
	bus domain.SignalBus,
	swapper domain.SwapExecutor,
	resolver *risk.Resolver,
	opts CoordinatorOptions,
	logger *slog.Logger,
) *Coordinator {
	if opts.LockTTL <= 0 {
		opts.LockTTL = 10 * time.Second
	}
	if opts.IdempotencyTTL <= 0 {
		opts.IdempotencyTTL = 10 * time.Minute
	}
	return &Coordinator{
		positions:    positions,
		balances:     balances,
		transactions: transactions,
		history:      history,
		audit:        audit,
		txm:          txm,
		posCache:     posCache,
		balCache:     balCache,
		prices:       prices,
		locks:        locks,
		idem:         idem,
		bus:          bus,
		swapper:      swapper,
		resolver:     resolver,
		stopLoss:     risk.NewStopLossEvaluator(),
		dca:          risk.NewDCAEvaluator(),
		takeProfit:   risk.NewTakeProfitEvaluator(),
		opts:         opts,
		logger:       logger.With(slog.String("component", "coordinator")),
	}
}

// markerKey identifies one logical operation for idempotency. The same
// level of the same position maps to the same key, so a replayed decision
// within the TTL is recognized even after the lock has been released.
func markerKey(d domain.TickDecision) string {
	switch d.Action {
	case domain.ActionDCABuy:
		return fmt.Sprintf("%s:%s:level:%d", d.Action, d.PositionID, d.DCALevel)
	case domain.ActionTakeProfit:
		first := 0
		if len(d.LevelsToExecute) > 0 {
			first = d.LevelsToExecute[0]
		}
		return fmt.Sprintf("%s:%s:level:%d", d.Action, d.PositionID, first)
	default:
		return fmt.Sprintf("%s:%s:close", d.Action, d.PositionID)
	}
}

// Execute runs one decision to completion. A held lock or a present
// idempotency marker means another worker owns or already owned this
// operation; both are silent skips, not errors.
func (c *Coordinator) Execute(ctx context.Context, d domain.TickDecision) error {
	log := c.logger.With(
		slog.String("position_id", d.PositionID),
		slog.String("action", string(d.Action)),
		slog.String("token", d.Token))

	unlock, err := c.locks.Acquire(ctx, "position:"+d.PositionID, c.opts.LockTTL)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			log.Debug("position locked elsewhere, skipping")
			return nil
		}
		return fmt.Errorf("engine: acquire lock: %w", err)
	}
	defer unlock()

	key := markerKey(d)
	fresh, err := c.idem.CheckAndSet(ctx, key, c.opts.IdempotencyTTL)
	if err != nil {
		return fmt.Errorf("engine: idempotency check: %w", err)
	}
	if !fresh {
		log.Debug("operation already executed, skipping", slog.String("key", key))
		return nil
	}

	pos, err := c.positions.GetByID(ctx, d.PositionID)
	if err != nil {
		_ = c.idem.Clear(ctx, key)
		if errors.Is(err, domain.ErrNotFound) {
			log.Debug("position gone before execution")
			return nil
		}
		return fmt.Errorf("engine: reload position: %w", err)
	}

	cfg, err := c.resolver.LoadAgentConfig(ctx, pos.AgentID)
	if err != nil {
		_ = c.idem.Clear(ctx, key)
		return fmt.Errorf("engine: resolve config: %w", err)
	}

	// Re-validate against durable state. The decision was computed from the
	// cache mirror and may be stale by the time the lock is held.
	fd := c.revalidate(&pos, cfg, d)
	if fd.Action != d.Action {
		_ = c.idem.Clear(ctx, key)
		log.Debug("decision no longer valid, skipping",
			slog.String("reason", fd.Reason))
		return nil
	}

	switch fd.Action {
	case domain.ActionDCABuy:
		err = c.executeBuy(ctx, log, pos, cfg, fd, key)
	case domain.ActionTakeProfit:
		err = c.executePartialSell(ctx, log, pos, fd, key)
	case domain.ActionStopLoss, domain.ActionStaleClose:
		err = c.executeClose(ctx, log, pos, fd, key)
	default:
		_ = c.idem.Clear(ctx, key)
		return nil
	}
	return err
}

func (c *Coordinator) revalidate(pos *domain.Position, cfg domain.AgentRiskConfig, d domain.TickDecision) domain.TickDecision {
	now := time.Now().UTC()
	switch d.Action {
	case domain.ActionStopLoss:
		return c.stopLoss.Evaluate(pos, cfg.StopLoss, d.Tick).Decision
	case domain.ActionDCABuy:
		return c.dca.Evaluate(pos, cfg.DCA, d.Tick, now)
	case domain.ActionTakeProfit:
		return c.takeProfit.Evaluate(pos, cfg.TakeProfit, d.Tick)
	case domain.ActionStaleClose:
		return risk.StaleCloseDecision(pos, cfg.StaleClose, d.Tick, now)
	default:
		return domain.NoAction(pos.ID, "unknown action")
	}
}

// executeBuy lands the DCA swap and folds the actual fill into the position.
func (c *Coordinator) executeBuy(ctx context.Context, log *slog.Logger, pos domain.Position, cfg domain.AgentRiskConfig, fd domain.TickDecision, key string) error {
	quote, err := c.swapper.GetQuote(ctx, c.opts.SettlementMint, pos.Token, fd.BuySol)
	if err != nil {
		_ = c.idem.Clear(ctx, key)
		return fmt.Errorf("engine: dca quote: %w", err)
	}
	result, err := c.swapper.ExecuteSwap(ctx, quote, c.opts.Wallet, c.opts.Simulate)
	if err != nil {
		_ = c.idem.Clear(ctx, key)
		return fmt.Errorf("engine: dca swap: %w", err)
	}

	fillSol := result.InputAmount
	fillTokens := result.OutputAmount
	fillPrice := fd.Tick.Price
	if fillTokens.IsPositive() {
		fillPrice = fillSol.Div(fillTokens)
	}

	appended := 0
	if cfg.TakeProfit.Enabled {
		appended = len(cfg.TakeProfit.Levels)
	}
	c.dca.ApplyFill(&pos, fillPrice, fillTokens, fillSol, appended, time.Now().UTC())
	pos.DCATxIDs = append(pos.DCATxIDs, result.TxHash)

	trade := domain.Transaction{
		ID:          uuid.New().String(),
		PositionID:  pos.ID,
		AgentID:     pos.AgentID,
		Wallet:      pos.Wallet,
		Token:       pos.Token,
		Type:        domain.TransactionTypeDCABuy,
		TokenAmount: fillTokens,
		SolAmount:   fillSol,
		Price:       fillPrice,
		TxHash:      result.TxHash,
		CreatedAt:   time.Now().UTC(),
	}

	if err := c.persistUpdate(ctx, pos, trade, fillTokens, fillSol.Neg()); err != nil {
		if errors.Is(err, domain.ErrInvariant) {
			return err
		}
		c.queueLedgerRetry(ctx, log, ledgerRetry{
			Kind:         retryKindUpdate,
			Position:     pos,
			Transaction:  trade,
			BalanceDelta: fillTokens,
			SolDelta:     fillSol.Neg(),
		}, err)
		return nil
	}

	c.afterCommit(ctx, log, pos, trade, false)
	log.Info("dca buy executed",
		slog.Int("level", fd.DCALevel),
		slog.String("fill_sol", fillSol.String()),
		slog.String("avg_price", pos.PurchasePrice.String()))
	return nil
}

// executePartialSell lands a take-profit sale and updates the open position.
func (c *Coordinator) executePartialSell(ctx context.Context, log *slog.Logger, pos domain.Position, fd domain.TickDecision, key string) error {
	result, soldTokens, err := c.sell(ctx, pos, fd.SellAmount, key)
	if err != nil {
		return err
	}

	sale := pnl.ComputePartialSalePnL(
		pos.TotalInvestedSol, pos.PurchaseAmount, soldTokens, result.OutputAmount,
		pos.PurchasePrice, fd.Tick.Price, fd.Tick.SolPriceUsd)

	c.takeProfit.ApplySale(&pos, fd, soldTokens, sale.ProfitLossSol, result.TxHash, time.Now().UTC())

	trade := domain.Transaction{
		ID:            uuid.New().String(),
		PositionID:    pos.ID,
		AgentID:       pos.AgentID,
		Wallet:        pos.Wallet,
		Token:         pos.Token,
		Type:          domain.TransactionTypeTakeProfit,
		TokenAmount:   soldTokens,
		SolAmount:     result.OutputAmount,
		Price:         fd.Tick.Price,
		ProfitLossSol: sale.ProfitLossSol,
		TxHash:        result.TxHash,
		CreatedAt:     time.Now().UTC(),
	}

	if err := c.persistUpdate(ctx, pos, trade, soldTokens.Neg(), result.OutputAmount); err != nil {
		if errors.Is(err, domain.ErrInvariant) {
			return err
		}
		c.queueLedgerRetry(ctx, log, ledgerRetry{
			Kind:         retryKindUpdate,
			Position:     pos,
			Transaction:  trade,
			BalanceDelta: soldTokens.Neg(),
			SolDelta:     result.OutputAmount,
		}, err)
		return nil
	}

	c.afterCommit(ctx, log, pos, trade, false)
	log.Info("take-profit executed",
		slog.Int("levels", len(fd.LevelsToExecute)),
		slog.Int("levels_hit", pos.TakeProfitLevelsHit),
		slog.Bool("moon_bag", pos.MoonBagActivated),
		slog.String("profit_sol", sale.ProfitLossSol.String()))
	return nil
}

// executeClose sells the entire remaining amount and retires the position:
// the row is deleted and the terminal record written in one transaction.
func (c *Coordinator) executeClose(ctx context.Context, log *slog.Logger, pos domain.Position, fd domain.TickDecision, key string) error {
	reason := domain.TransactionTypeStopLoss
	if fd.Action == domain.ActionStaleClose {
		reason = domain.TransactionTypeStaleClose
	}
	return c.closePosition(ctx, log, pos, fd.Tick, reason, key)
}

// CloseManually retires a position at the given price on operator request.
// It runs through the same lock, marker and close path as an automated
// close, recording the trade as a manual sell.
func (c *Coordinator) CloseManually(ctx context.Context, positionID string, price decimal.Decimal) error {
	log := c.logger.With(
		slog.String("position_id", positionID),
		slog.String("action", "manual_sell"))

	unlock, err := c.locks.Acquire(ctx, "position:"+positionID, c.opts.LockTTL)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			return fmt.Errorf("engine: position %s busy: %w", positionID, domain.ErrLockHeld)
		}
		return fmt.Errorf("engine: acquire lock: %w", err)
	}
	defer unlock()

	key := fmt.Sprintf("manual_sell:%s:close", positionID)
	fresh, err := c.idem.CheckAndSet(ctx, key, c.opts.IdempotencyTTL)
	if err != nil {
		return fmt.Errorf("engine: idempotency check: %w", err)
	}
	if !fresh {
		return fmt.Errorf("engine: position %s already closing: %w", positionID, domain.ErrIdempotentReplay)
	}

	pos, err := c.positions.GetByID(ctx, positionID)
	if err != nil {
		_ = c.idem.Clear(ctx, key)
		return fmt.Errorf("engine: reload position: %w", err)
	}

	tick := domain.PriceTick{
		Token:     pos.Token,
		Symbol:    pos.Symbol,
		Price:     price,
		Timestamp: time.Now().UTC(),
	}
	return c.closePosition(ctx, log, pos, tick, domain.TransactionTypeManualSell, key)
}

func (c *Coordinator) closePosition(ctx context.Context, log *slog.Logger, pos domain.Position, tick domain.PriceTick, reason domain.TransactionType, key string) error {
	result, soldTokens, err := c.sell(ctx, pos, pos.RemainingAmount(), key)
	if err != nil {
		return err
	}

	// Proceeds already banked by earlier partial sales count toward the
	// total received on final close.
	totalReceived := result.OutputAmount.Add(pos.RealizedProfitSol)
	full := pnl.ComputeFullSalePnL(pos.TotalInvestedSol, totalReceived, pos.OriginalCostSol, tick.SolPriceUsd)

	now := time.Now().UTC()
	hist := domain.HistoricalSwap{
		ID:               uuid.New().String(),
		PositionID:       pos.ID,
		AgentID:          pos.AgentID,
		Wallet:           pos.Wallet,
		Token:            pos.Token,
		Symbol:           pos.Symbol,
		Reason:           reason,
		PurchasePrice:    pos.PurchasePrice,
		ExitPrice:        tick.Price,
		PurchaseAmount:   pos.PurchaseAmount,
		TotalInvestedSol: pos.TotalInvestedSol,
		TotalReceivedSol: totalReceived,
		ProfitLossSol:    full.ProfitLossSol,
		ChangePercent:    full.ChangePercent,
		ProfitLossUsd:    full.ProfitLossUsd,
		OpenedAt:         pos.OpenedAt,
		ClosedAt:         now,
	}
	trade := domain.Transaction{
		ID:            uuid.New().String(),
		PositionID:    pos.ID,
		AgentID:       pos.AgentID,
		Wallet:        pos.Wallet,
		Token:         pos.Token,
		Type:          reason,
		TokenAmount:   soldTokens,
		SolAmount:     result.OutputAmount,
		Price:         tick.Price,
		ProfitLossSol: full.ProfitLossSol,
		TxHash:        result.TxHash,
		CreatedAt:     now,
	}

	if err := c.persistClose(ctx, pos, hist, trade, soldTokens.Neg(), result.OutputAmount); err != nil {
		if errors.Is(err, domain.ErrInvariant) {
			return err
		}
		c.queueLedgerRetry(ctx, log, ledgerRetry{
			Kind:         retryKindClose,
			Position:     pos,
			History:      &hist,
			Transaction:  trade,
			BalanceDelta: soldTokens.Neg(),
			SolDelta:     result.OutputAmount,
		}, err)
		return nil
	}

	c.afterCommit(ctx, log, pos, trade, true)
	log.Info("position closed",
		slog.String("reason", string(reason)),
		slog.String("pnl_sol", full.ProfitLossSol.String()),
		slog.String("change_pct", full.ChangePercent.StringFixed(2)))
	return nil
}

// sell quotes and executes a token sale. A failure here clears the
// idempotency marker: no side effect happened yet, so a later tick may try
// again.
func (c *Coordinator) sell(ctx context.Context, pos domain.Position, amount decimal.Decimal, key string) (domain.SwapResult, decimal.Decimal, error) {
	if !amount.IsPositive() {
		_ = c.idem.Clear(ctx, key)
		return domain.SwapResult{}, decimal.Zero, fmt.Errorf("engine: nothing to sell for %s: %w", pos.ID, domain.ErrStale)
	}
	quote, err := c.swapper.GetQuote(ctx, pos.Token, c.opts.SettlementMint, amount)
	if err != nil {
		_ = c.idem.Clear(ctx, key)
		return domain.SwapResult{}, decimal.Zero, fmt.Errorf("engine: sell quote: %w", err)
	}
	result, err := c.swapper.ExecuteSwap(ctx, quote, c.opts.Wallet, c.opts.Simulate)
	if err != nil {
		_ = c.idem.Clear(ctx, key)
		return domain.SwapResult{}, decimal.Zero, fmt.Errorf("engine: sell swap: %w", err)
	}
	sold := result.InputAmount
	if !sold.IsPositive() {
		sold = amount
	}
	return result, sold, nil
}

// persistUpdate commits a position update, its trade row and both ledger
// legs (traded token and settlement currency) in one transaction. Invariant
// violations abort before any row is touched.
func (c *Coordinator) persistUpdate(ctx context.Context, pos domain.Position, trade domain.Transaction, tokenDelta, solDelta decimal.Decimal) error {
	if err := pos.CheckInvariants(); err != nil {
		return fmt.Errorf("engine: position %s: %w", pos.ID, err)
	}
	return c.txm.WithinTx(ctx, func(ctx context.Context) error {
		if err := c.positions.Update(ctx, pos); err != nil {
			return err
		}
		if _, err := c.balances.Upsert(ctx, pos.AgentID, pos.Wallet, pos.Token, tokenDelta); err != nil {
			return err
		}
		if _, err := c.balances.Upsert(ctx, pos.AgentID, pos.Wallet, c.opts.SettlementMint, solDelta); err != nil {
			return err
		}
		if err := c.transactions.Create(ctx, trade); err != nil {
			return err
		}
		return c.audit.Log(ctx, "position_"+string(trade.Type), map[string]any{
			"position_id": pos.ID,
			"agent_id":    pos.AgentID,
			"token":       pos.Token,
			"tx_hash":     trade.TxHash,
			"sol_amount":  trade.SolAmount.String(),
		})
	})
}

// persistClose deletes the live row and writes the terminal record in one
// transaction, zeroing the token leg and crediting the settlement proceeds.
func (c *Coordinator) persistClose(ctx context.Context, pos domain.Position, hist domain.HistoricalSwap, trade domain.Transaction, tokenDelta, solDelta decimal.Decimal) error {
	if err := pos.CheckInvariants(); err != nil {
		return fmt.Errorf("engine: position %s: %w", pos.ID, err)
	}
	return c.txm.WithinTx(ctx, func(ctx context.Context) error {
		if err := c.positions.Delete(ctx, pos.ID); err != nil {
			return err
		}
		if err := c.history.Create(ctx, hist); err != nil {
			return err
		}
		if _, err := c.balances.Upsert(ctx, pos.AgentID, pos.Wallet, pos.Token, tokenDelta); err != nil {
			return err
		}
		if _, err := c.balances.Upsert(ctx, pos.AgentID, pos.Wallet, c.opts.SettlementMint, solDelta); err != nil {
			return err
		}
		if err := c.transactions.Create(ctx, trade); err != nil {
			return err
		}
		return c.audit.Log(ctx, "position_closed", map[string]any{
			"position_id": pos.ID,
			"agent_id":    pos.AgentID,
			"token":       pos.Token,
			"reason":      string(trade.Type),
			"pnl_sol":     hist.ProfitLossSol.String(),
		})
	})
}

// afterCommit refreshes the cache mirror and publishes the lifecycle event.
// Both are best-effort; durable state has already committed.
func (c *Coordinator) afterCommit(ctx context.Context, log *slog.Logger, pos domain.Position, trade domain.Transaction, closed bool) {
	var err error
	if closed {
		err = c.posCache.Delete(ctx, pos)
	} else {
		err = c.posCache.Set(ctx, pos)
	}
	if err != nil {
		log.Warn("cache mirror update failed", slog.String("error", err.Error()))
	}

	for _, token := range []string{pos.Token, c.opts.SettlementMint} {
		if bal, err := c.balances.Get(ctx, pos.AgentID, pos.Wallet, token); err == nil {
			if err := c.balCache.Set(ctx, bal); err != nil {
				log.Warn("balance cache update failed", slog.String("error", err.Error()))
			}
		}
	}

	event := map[string]any{
		"event":       "position_" + string(trade.Type),
		"position_id": pos.ID,
		"agent_id":    pos.AgentID,
		"token":       pos.Token,
		"tx_hash":     trade.TxHash,
		"closed":      closed,
		"timestamp":   time.Now().UTC().Format(time.RFC3339Nano),
	}
	payload, _ := json.Marshal(event)
	if err := c.bus.Publish(ctx, c.opts.EventChannel, payload); err != nil {
		log.Warn("event publish failed", slog.String("error", err.Error()))
	}
}
