package jobs

import (
	"context"
	"log/slog"
	"time"

	"solpilot/internal/domain"
	"solpilot/internal/engine"
	"solpilot/internal/risk"
)

// StaleCloseJob force-closes positions that have exceeded their agent's age
// threshold without reaching the minimum gain. Candidates are pre-filtered
// by age; the per-agent policy decides, and the coordinator's lock and
// marker make a concurrent tick execution harmless.
type StaleCloseJob struct {
	positions   domain.PositionStore
	prices      domain.PriceCache
	resolver    *risk.Resolver
	coordinator *engine.Coordinator
	logger      *slog.Logger
}

// NewStaleCloseJob creates the job.
func NewStaleCloseJob(
	positions domain.PositionStore,
	prices domain.PriceCache,
	resolver *risk.Resolver,
	coordinator *engine.Coordinator,
	logger *slog.Logger,
) *StaleCloseJob {
	return &StaleCloseJob{
		positions:   positions,
		prices:      prices,
		resolver:    resolver,
		coordinator: coordinator,
		logger:      logger.With(slog.String("component", "stale_close_job")),
	}
}

func (j *StaleCloseJob) Name() string { return "stale_close" }

// Run scans positions at least an hour old; no stale policy fires earlier
// than that, so younger positions never need resolving.
func (j *StaleCloseJob) Run(ctx context.Context) error {
	now := time.Now().UTC()
	candidates, err := j.positions.ListOpenedBefore(ctx, now.Add(-time.Hour))
	if err != nil {
		return err
	}

	for i := range candidates {
		pos := candidates[i]
		cfg, err := j.resolver.LoadAgentConfig(ctx, pos.AgentID)
		if err != nil {
			j.logger.Warn("config unavailable, skipping",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()))
			continue
		}

		price, ts, err := j.prices.GetPrice(ctx, pos.Token)
		if err != nil {
			j.logger.Warn("no cached price, skipping",
				slog.String("position_id", pos.ID),
				slog.String("token", pos.Token))
			continue
		}
		tick := domain.PriceTick{
			Token:     pos.Token,
			Symbol:    pos.Symbol,
			Price:     price,
			Timestamp: ts,
		}

		decision := risk.StaleCloseDecision(&pos, cfg.StaleClose, tick, now)
		if !decision.ShouldExecute() {
			continue
		}
		if err := j.coordinator.Execute(ctx, decision); err != nil {
			j.logger.Error("stale close failed",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()))
		}
	}
	return nil
}

var _ Job = (*StaleCloseJob)(nil)
