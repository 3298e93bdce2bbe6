// Package service holds the position lifecycle operations that sit above the
// engine: opening positions from upstream buy signals, manual closes, and
// risk-config administration.
package service

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
	"solpilot/internal/engine"
	"solpilot/internal/risk"
)

// PositionServiceOptions carries the tunables for a PositionService.
type PositionServiceOptions struct {
	Wallet         string
	SettlementMint string
	Simulate       bool
	IdempotencyTTL time.Duration
	SignalChannel  string
	EventChannel   string
}

// PositionService opens positions from validated buy signals and handles
// operator-driven closes and config updates.
type PositionService struct {
	positions    domain.PositionStore
	balances     domain.BalanceStore
	transactions domain.TransactionStore
	configs      domain.ConfigStore
	audit        domain.AuditStore
	txm          domain.TxManager

	posCache domain.PositionCache
	prices   domain.PriceCache
	idem     domain.IdempotencyStore
	bus      domain.SignalBus

	swapper     domain.SwapExecutor
	resolver    *risk.Resolver
	coordinator *engine.Coordinator

	opts   PositionServiceOptions
	logger *slog.Logger
}

// NewPositionService creates a PositionService with all required dependencies.
func NewPositionService(
	positions domain.PositionStore,
	balances domain.BalanceStore,
	transactions domain.TransactionStore,
	configs domain.ConfigStore,
	audit domain.AuditStore,
	txm domain.TxManager,
	posCache domain.PositionCache,
	prices domain.PriceCache,
	idem domain.IdempotencyStore,
	bus domain.SignalBus,
	swapper domain.SwapExecutor,
	resolver *risk.Resolver,
	coordinator *engine.Coordinator,
	opts PositionServiceOptions,
	logger *slog.Logger,
) *PositionService {
	if opts.IdempotencyTTL <= 0 {
		opts.IdempotencyTTL = 10 * time.Minute
	}
	return &PositionService{
		positions:    positions,
		balances:     balances,
		transactions: transactions,
		configs:      configs,
		audit:        audit,
		txm:          txm,
		posCache:     posCache,
		prices:       prices,
		idem:         idem,
		bus:          bus,
		swapper:      swapper,
		resolver:     resolver,
		coordinator:  coordinator,
		opts:         opts,
		logger:       logger.With(slog.String("component", "position_service")),
	}
}

// Run subscribes to the signal channel and opens a position for each valid
// buy signal until ctx is cancelled.
func (s *PositionService) Run(ctx context.Context) error {
	ch, err := s.bus.Subscribe(ctx, s.opts.SignalChannel)
	if err != nil {
		return err
	}
	s.logger.Info("signal consumer started", slog.String("channel", s.opts.SignalChannel))
	defer s.logger.Info("signal consumer stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-ch:
			if !ok {
				return nil
			}
			var sig domain.TradeSignal
			if err := json.Unmarshal(data, &sig); err != nil {
				s.logger.Debug("dropping malformed signal", slog.Int("payload_len", len(data)))
				continue
			}
			if _, err := s.OpenFromSignal(ctx, sig); err != nil {
				if errors.Is(err, domain.ErrIdempotentReplay) {
					continue
				}
				s.logger.Warn("signal open failed",
					slog.String("signal_id", sig.ID),
					slog.String("error", err.Error()))
			}
		}
	}
}

// OpenFromSignal buys the signalled token and creates the position. The
// signal ID is the idempotency boundary: redelivery of the same signal
// within the marker TTL opens nothing.
func (s *PositionService) OpenFromSignal(ctx context.Context, sig domain.TradeSignal) (domain.Position, error) {
	if sig.ID == "" || sig.AgentID == "" || sig.Token == "" {
		return domain.Position{}, fmt.Errorf("position_service: incomplete signal: %w", domain.ErrConfigInvalid)
	}
	if !sig.ExpiresAt.IsZero() && time.Now().UTC().After(sig.ExpiresAt) {
		return domain.Position{}, fmt.Errorf("position_service: signal %s expired", sig.ID)
	}

	key := fmt.Sprintf("signal:%s:%s", sig.ID, sig.AgentID)
	fresh, err := s.idem.CheckAndSet(ctx, key, s.opts.IdempotencyTTL)
	if err != nil {
		return domain.Position{}, fmt.Errorf("position_service: idempotency check: %w", err)
	}
	if !fresh {
		return domain.Position{}, fmt.Errorf("position_service: signal %s already handled: %w", sig.ID, domain.ErrIdempotentReplay)
	}

	cfg, err := s.resolver.LoadAgentConfig(ctx, sig.AgentID)
	if err != nil {
		_ = s.idem.Clear(ctx, key)
		return domain.Position{}, fmt.Errorf("position_service: resolve config: %w", err)
	}

	amountSol, err := s.sizePurchase(ctx, sig, cfg.Purchase)
	if err != nil {
		_ = s.idem.Clear(ctx, key)
		return domain.Position{}, err
	}

	quote, err := s.swapper.GetQuote(ctx, s.opts.SettlementMint, sig.Token, amountSol)
	if err != nil {
		_ = s.idem.Clear(ctx, key)
		return domain.Position{}, fmt.Errorf("position_service: buy quote: %w", err)
	}
	result, err := s.swapper.ExecuteSwap(ctx, quote, s.wallet(sig), s.opts.Simulate)
	if err != nil {
		_ = s.idem.Clear(ctx, key)
		return domain.Position{}, fmt.Errorf("position_service: buy swap: %w", err)
	}

	fillSol := result.InputAmount
	fillTokens := result.OutputAmount
	if !fillTokens.IsPositive() {
		// From here on a swap has landed; the marker stays set.
		return domain.Position{}, fmt.Errorf("position_service: swap %s returned no tokens", result.TxHash)
	}

	now := time.Now().UTC()
	pos := domain.Position{
		ID:               uuid.New().String(),
		AgentID:          sig.AgentID,
		Wallet:           s.wallet(sig),
		Token:            sig.Token,
		Symbol:           sig.Symbol,
		EntryTxID:        result.TxHash,
		PurchasePrice:    fillSol.Div(fillTokens),
		PurchaseAmount:   fillTokens,
		TotalInvestedSol: fillSol,
		OriginalCostSol:  fillSol,
		Remaining:        domain.FullRemaining(),
		OpenedAt:         now,
		UpdatedAt:        now,
	}
	pos.PeakPrice = pos.PurchasePrice
	pos.LowestPrice = pos.PurchasePrice
	pos.CurrentStopLossPct = cfg.StopLoss.DefaultPercentage

	trade := domain.Transaction{
		ID:          uuid.New().String(),
		PositionID:  pos.ID,
		AgentID:     pos.AgentID,
		Wallet:      pos.Wallet,
		Token:       pos.Token,
		Type:        domain.TransactionTypeBuy,
		TokenAmount: fillTokens,
		SolAmount:   fillSol,
		Price:       pos.PurchasePrice,
		TxHash:      result.TxHash,
		CreatedAt:   now,
	}

	if err := pos.CheckInvariants(); err != nil {
		return domain.Position{}, fmt.Errorf("position_service: position %s: %w", pos.ID, err)
	}
	err = s.txm.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.positions.Create(ctx, pos); err != nil {
			return err
		}
		if _, err := s.balances.Upsert(ctx, pos.AgentID, pos.Wallet, pos.Token, fillTokens); err != nil {
			return err
		}
		if _, err := s.balances.Upsert(ctx, pos.AgentID, pos.Wallet, s.opts.SettlementMint, fillSol.Neg()); err != nil {
			return err
		}
		if err := s.transactions.Create(ctx, trade); err != nil {
			return err
		}
		return s.audit.Log(ctx, "position_opened", map[string]any{
			"position_id": pos.ID,
			"agent_id":    pos.AgentID,
			"signal_id":   sig.ID,
			"token":       pos.Token,
			"sol_amount":  fillSol.String(),
			"tx_hash":     result.TxHash,
		})
	})
	if err != nil {
		return domain.Position{}, fmt.Errorf("position_service: persist open: %w", err)
	}

	if err := s.posCache.Set(ctx, pos); err != nil {
		s.logger.Warn("cache mirror write failed",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()))
	}
	s.publishEvent(ctx, "position_opened", pos, result.TxHash)

	s.logger.Info("position opened",
		slog.String("position_id", pos.ID),
		slog.String("agent_id", pos.AgentID),
		slog.String("token", pos.Token),
		slog.String("entry_price", pos.PurchasePrice.String()),
		slog.String("sol_amount", fillSol.String()))
	return pos, nil
}

// sizePurchase clamps the requested size to the agent's purchase bounds and
// enforces the open-position cap.
func (s *PositionService) sizePurchase(ctx context.Context, sig domain.TradeSignal, cfg domain.PurchaseConfig) (decimal.Decimal, error) {
	amount := sig.AmountSol
	if cfg.MaxPositionSol.IsPositive() && amount.GreaterThan(cfg.MaxPositionSol) {
		amount = cfg.MaxPositionSol
	}
	if cfg.MinPositionSol.IsPositive() && amount.LessThan(cfg.MinPositionSol) {
		return decimal.Zero, fmt.Errorf("position_service: signal %s below minimum size %s", sig.ID, cfg.MinPositionSol)
	}
	if !amount.IsPositive() {
		return decimal.Zero, fmt.Errorf("position_service: signal %s has no size", sig.ID)
	}

	if cfg.MaxOpenPositions > 0 {
		open, err := s.positions.GetOpenByAgent(ctx, sig.AgentID)
		if err != nil {
			return decimal.Zero, fmt.Errorf("position_service: count open positions: %w", err)
		}
		if len(open) >= cfg.MaxOpenPositions {
			return decimal.Zero, fmt.Errorf("position_service: agent %s at open-position cap %d", sig.AgentID, cfg.MaxOpenPositions)
		}
	}
	return amount, nil
}

// Close sells a position's full remaining amount at the latest cached price.
func (s *PositionService) Close(ctx context.Context, positionID string) error {
	pos, err := s.positions.GetByID(ctx, positionID)
	if err != nil {
		return fmt.Errorf("position_service: get position %q: %w", positionID, err)
	}
	price, _, err := s.prices.GetPrice(ctx, pos.Token)
	if err != nil {
		return fmt.Errorf("position_service: no price for %s: %w", pos.Token, err)
	}
	return s.coordinator.CloseManually(ctx, positionID, price)
}

// Get returns one position, preferring the cache mirror.
func (s *PositionService) Get(ctx context.Context, positionID string) (domain.Position, error) {
	if pos, err := s.posCache.Get(ctx, positionID); err == nil {
		return pos, nil
	}
	return s.positions.GetByID(ctx, positionID)
}

// ListByAgent returns the agent's open positions from the store.
func (s *PositionService) ListByAgent(ctx context.Context, agentID string) ([]domain.Position, error) {
	return s.positions.GetOpenByAgent(ctx, agentID)
}

// History returns the trade ledger for one position, oldest first.
func (s *PositionService) History(ctx context.Context, positionID string) ([]domain.Transaction, error) {
	return s.transactions.ListByPosition(ctx, positionID)
}

// UpdateRiskConfig validates and stores an agent's override, then drops the
// cached resolved config so the next evaluation sees the new policy.
func (s *PositionService) UpdateRiskConfig(ctx context.Context, partial domain.PartialRiskConfig) error {
	if partial.AgentID == "" {
		return fmt.Errorf("position_service: override missing agent id: %w", domain.ErrConfigInvalid)
	}
	merged := s.resolver.MergeConfigs(s.resolver.Defaults(), partial)
	if err := s.resolver.ValidateConfig(merged); err != nil {
		return fmt.Errorf("position_service: override for %s: %w", partial.AgentID, err)
	}
	if err := s.configs.Upsert(ctx, partial); err != nil {
		return fmt.Errorf("position_service: store override: %w", err)
	}
	if err := s.resolver.Invalidate(ctx, partial.AgentID); err != nil {
		s.logger.Warn("config cache invalidation failed",
			slog.String("agent_id", partial.AgentID),
			slog.String("error", err.Error()))
	}
	return s.audit.Log(ctx, "risk_config_updated", map[string]any{
		"agent_id": partial.AgentID,
	})
}

func (s *PositionService) wallet(sig domain.TradeSignal) string {
	if sig.Wallet != "" {
		return sig.Wallet
	}
	return s.opts.Wallet
}

func (s *PositionService) publishEvent(ctx context.Context, event string, pos domain.Position, txHash string) {
	payload, _ := json.Marshal(map[string]any{
		"event":       event,
		"position_id": pos.ID,
		"agent_id":    pos.AgentID,
		"token":       pos.Token,
		"tx_hash":     txHash,
		"timestamp":   time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err := s.bus.Publish(ctx, s.opts.EventChannel, payload); err != nil {
		s.logger.Warn("event publish failed",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()))
	}
}
