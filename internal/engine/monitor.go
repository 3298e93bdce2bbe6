// Package engine is the position lifecycle core: the monitor turns price
// ticks into decisions, the dispatcher feeds decisions to the coordinator,
// and the coordinator executes them exactly once under a distributed lock.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"solpilot/internal/domain"
	"solpilot/internal/risk"
)

// Monitor evaluates every open position holding a ticked token and emits
// executable decisions to the decision channel. Evaluation reads only the
// cache mirror; the coordinator re-reads durable state before acting.
type Monitor struct {
	store       domain.PositionStore
	cache       domain.PositionCache
	resolver    *risk.Resolver
	stopLoss    *risk.StopLossEvaluator
	dca         *risk.DCAEvaluator
	takeProfit  *risk.TakeProfitEvaluator
	decisionCh  chan<- domain.TickDecision
	maxParallel int
	logger      *slog.Logger
}

// NewMonitor creates a Monitor emitting into decisionCh.
func NewMonitor(
	store domain.PositionStore,
	cache domain.PositionCache,
	resolver *risk.Resolver,
	decisionCh chan<- domain.TickDecision,
	maxParallel int,
	logger *slog.Logger,
) *Monitor {
	if maxParallel <= 0 {
		maxParallel = 1
	}
	return &Monitor{
		store:       store,
		cache:       cache,
		resolver:    resolver,
		stopLoss:    risk.NewStopLossEvaluator(),
		dca:         risk.NewDCAEvaluator(),
		takeProfit:  risk.NewTakeProfitEvaluator(),
		decisionCh:  decisionCh,
		maxParallel: maxParallel,
		logger:      logger.With(slog.String("component", "monitor")),
	}
}

// HandleTick fans the tick out to every open position holding the token.
// Each position is evaluated independently; one position's failure never
// blocks the others.
func (m *Monitor) HandleTick(ctx context.Context, tick domain.PriceTick) error {
	positions, err := m.positionsForToken(ctx, tick.Token)
	if err != nil {
		return err
	}
	if len(positions) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.maxParallel)
	for i := range positions {
		pos := positions[i]
		g.Go(func() error {
			m.evaluate(gctx, pos, tick)
			return nil
		})
	}
	return g.Wait()
}

// positionsForToken reads the cache index, falling back to the store and
// re-warming the mirror when the index is cold.
func (m *Monitor) positionsForToken(ctx context.Context, token string) ([]domain.Position, error) {
	ids, err := m.cache.IDsByToken(ctx, token)
	if err == nil && len(ids) > 0 {
		positions := make([]domain.Position, 0, len(ids))
		for _, id := range ids {
			pos, err := m.cache.Get(ctx, id)
			if err != nil {
				if pos, err = m.store.GetByID(ctx, id); err != nil {
					continue
				}
			}
			positions = append(positions, pos)
		}
		return positions, nil
	}

	positions, err := m.store.GetOpenByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	for i := range positions {
		if err := m.cache.Set(ctx, positions[i]); err != nil {
			m.logger.Warn("cache warm failed",
				slog.String("position_id", positions[i].ID),
				slog.String("error", err.Error()))
		}
	}
	return positions, nil
}

// evaluate runs the evaluators in priority order: stop-loss, then DCA, then
// take-profit. The first executable decision wins the tick; a new peak price
// is persisted even when nothing triggers so the trailing stop keeps
// ratcheting between executions.
func (m *Monitor) evaluate(ctx context.Context, pos domain.Position, tick domain.PriceTick) {
	cfg, err := m.resolver.LoadAgentConfig(ctx, pos.AgentID)
	if err != nil {
		m.logger.Warn("risk config unavailable, skipping position",
			slog.String("position_id", pos.ID),
			slog.String("agent_id", pos.AgentID),
			slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	slRes := m.stopLoss.Evaluate(&pos, cfg.StopLoss, tick)

	decision := slRes.Decision
	if !decision.ShouldExecute() {
		decision = m.dca.Evaluate(&pos, cfg.DCA, tick, now)
	}
	if !decision.ShouldExecute() {
		decision = m.takeProfit.Evaluate(&pos, cfg.TakeProfit, tick)
	}

	if slRes.PeakMoved && !decision.ShouldExecute() {
		m.persistPeak(ctx, pos, slRes, now)
	}

	if !decision.ShouldExecute() {
		m.logger.Debug("no action",
			slog.String("position_id", pos.ID),
			slog.String("token", tick.Token),
			slog.String("reason", decision.Reason))
		return
	}

	select {
	case <-ctx.Done():
	case m.decisionCh <- decision:
		m.logger.Info("decision emitted",
			slog.String("position_id", decision.PositionID),
			slog.String("action", string(decision.Action)),
			slog.String("token", decision.Token),
			slog.String("gain_pct", decision.GainPercent.StringFixed(2)))
	}
}

// persistPeak records a new peak price and the retracement it implies. The
// monitor holds no lock here and the position it evaluated came from the
// cache mirror, so the write must stay narrow: only the trailing-stop
// fields, with the peak ratcheted monotonically in the store. The full row
// it read must never be written back, or a stale mirror would roll back
// state a concurrent locked execution has already committed. Lost updates
// are tolerable: the peak only ever grows and the next tick re-derives it.
func (m *Monitor) persistPeak(ctx context.Context, pos domain.Position, slRes risk.StopLossResult, now time.Time) {
	if err := m.store.UpdateStopLoss(ctx, pos.ID, slRes.NewPeak, slRes.Allowed, now); err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			m.logger.Warn("peak persist failed",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()))
		}
		return
	}

	// Refresh the mirror from durable state rather than from the copy we
	// evaluated, which may predate a committed execution.
	fresh, err := m.store.GetByID(ctx, pos.ID)
	if err != nil {
		return
	}
	if err := m.cache.Set(ctx, fresh); err != nil {
		m.logger.Warn("peak cache write failed",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()))
	}
}
