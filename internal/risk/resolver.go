package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"solpilot/internal/config"
	"solpilot/internal/domain"
)

// Resolver merges an agent's stored partial configuration with the system
// defaults into a complete, validated AgentRiskConfig, caching the result
// until the agent updates its override.
type Resolver struct {
	store    domain.ConfigStore
	cache    domain.ConfigCache
	defaults domain.AgentRiskConfig
	validate *validator.Validate
	logger   *slog.Logger
}

// NewResolver creates a Resolver seeded with the system defaults.
func NewResolver(store domain.ConfigStore, cache domain.ConfigCache, defaults domain.AgentRiskConfig, logger *slog.Logger) *Resolver {
	return &Resolver{
		store:    store,
		cache:    cache,
		defaults: defaults,
		validate: validator.New(),
		logger:   logger.With(slog.String("component", "config_resolver")),
	}
}

// LoadAgentConfig returns the resolved configuration for an agent, serving
// from cache when possible. A missing stored override resolves to the pure
// defaults.
func (r *Resolver) LoadAgentConfig(ctx context.Context, agentID string) (domain.AgentRiskConfig, error) {
	if cached, err := r.cache.Get(ctx, agentID); err == nil {
		return cached, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		r.logger.WarnContext(ctx, "config cache read failed",
			slog.String("agent_id", agentID),
			slog.String("error", err.Error()),
		)
	}

	partial, err := r.store.Get(ctx, agentID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return domain.AgentRiskConfig{}, fmt.Errorf("risk: load agent config %s: %w", agentID, err)
	}

	resolved := r.MergeConfigs(r.defaults, partial)
	resolved.AgentID = agentID
	resolved.UpdatedAt = time.Now().UTC()

	if verr := r.ValidateConfig(resolved); verr != nil {
		return domain.AgentRiskConfig{}, fmt.Errorf("risk: agent %s: %w", agentID, verr)
	}

	if cerr := r.cache.Set(ctx, resolved); cerr != nil {
		r.logger.WarnContext(ctx, "config cache write failed",
			slog.String("agent_id", agentID),
			slog.String("error", cerr.Error()),
		)
	}
	return resolved, nil
}

// Defaults returns the system-default configuration the resolver merges
// overrides onto.
func (r *Resolver) Defaults() domain.AgentRiskConfig {
	return r.defaults
}

// Invalidate drops the cached resolution for an agent; called after the
// agent's stored override changes.
func (r *Resolver) Invalidate(ctx context.Context, agentID string) error {
	return r.cache.Invalidate(ctx, agentID)
}

// MergeConfigs lays a partial override on top of a base configuration.
// Sections are replaced whole when present; absent sections keep the base.
func (r *Resolver) MergeConfigs(base domain.AgentRiskConfig, partial domain.PartialRiskConfig) domain.AgentRiskConfig {
	merged := base
	if partial.Purchase != nil {
		merged.Purchase = *partial.Purchase
	}
	if partial.StopLoss != nil {
		merged.StopLoss = *partial.StopLoss
	}
	if partial.DCA != nil {
		merged.DCA = *partial.DCA
	}
	if partial.TakeProfit != nil {
		merged.TakeProfit = *partial.TakeProfit
	}
	if partial.StaleClose != nil {
		merged.StaleClose = *partial.StaleClose
	}
	return merged
}

// ValidateConfig checks structural tags plus the cross-field rules the tag
// language cannot express. It wraps domain.ErrConfigInvalid so callers can
// classify the failure.
func (r *Resolver) ValidateConfig(cfg domain.AgentRiskConfig) error {
	if err := r.validate.Struct(cfg); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrConfigInvalid, err)
	}

	if cfg.StopLoss.Enabled {
		if !cfg.StopLoss.DefaultPercentage.IsPositive() || cfg.StopLoss.DefaultPercentage.GreaterThanOrEqual(decimal.NewFromInt(100)) {
			return fmt.Errorf("%w: stop-loss default percentage must be in (0,100)", domain.ErrConfigInvalid)
		}
		if !sort.SliceIsSorted(cfg.StopLoss.TrailingLevels, func(i, j int) bool {
			return cfg.StopLoss.TrailingLevels[i].GainPercent.LessThan(cfg.StopLoss.TrailingLevels[j].GainPercent)
		}) {
			return fmt.Errorf("%w: trailing levels must be sorted by gain", domain.ErrConfigInvalid)
		}
	}

	if cfg.DCA.Enabled {
		for i, lvl := range cfg.DCA.Levels {
			if !lvl.DropPercent.IsNegative() {
				return fmt.Errorf("%w: dca level %d drop percent must be negative", domain.ErrConfigInvalid, i)
			}
			if !lvl.BuyPercent.IsPositive() {
				return fmt.Errorf("%w: dca level %d buy percent must be positive", domain.ErrConfigInvalid, i)
			}
		}
	}

	if cfg.TakeProfit.Enabled {
		prev := decimal.Zero
		totalSell := decimal.Zero
		for i, lvl := range cfg.TakeProfit.Levels {
			if !lvl.TargetPercent.GreaterThan(prev) {
				return fmt.Errorf("%w: take-profit targets must be strictly ascending (level %d)", domain.ErrConfigInvalid, i)
			}
			if !lvl.SellPercent.IsPositive() {
				return fmt.Errorf("%w: take-profit level %d sell percent must be positive", domain.ErrConfigInvalid, i)
			}
			prev = lvl.TargetPercent
			totalSell = totalSell.Add(lvl.SellPercent)
		}
		if totalSell.GreaterThan(decimal.NewFromInt(100)) {
			return fmt.Errorf("%w: take-profit sell percentages exceed 100%%", domain.ErrConfigInvalid)
		}
		mb := cfg.TakeProfit.MoonBag
		if mb.Enabled {
			if !mb.RetainPercent.IsPositive() || mb.RetainPercent.GreaterThanOrEqual(decimal.NewFromInt(100)) {
				return fmt.Errorf("%w: moon bag retain percent must be in (0,100)", domain.ErrConfigInvalid)
			}
		}
	}

	return nil
}

// DefaultsFromConfig builds the system-default AgentRiskConfig from the
// operator configuration file.
func DefaultsFromConfig(rc config.RiskDefaults) domain.AgentRiskConfig {
	cfg := domain.AgentRiskConfig{
		Purchase: domain.PurchaseConfig{
			MaxPositionSol:   decimal.NewFromFloat(rc.MaxPositionSol),
			MinPositionSol:   decimal.NewFromFloat(rc.MinPositionSol),
			MaxOpenPositions: rc.MaxOpenPositions,
		},
		StopLoss: domain.StopLossConfig{
			Enabled:           rc.StopLossEnabled,
			Mode:              domain.StopLossMode(rc.StopLossMode),
			DefaultPercentage: decimal.NewFromFloat(rc.StopLossPercent),
		},
		DCA: domain.DCAConfig{
			Enabled:         rc.DCAEnabled,
			MaxCount:        rc.DCAMaxCount,
			CooldownSeconds: rc.DCACooldownSeconds,
		},
		TakeProfit: domain.TakeProfitConfig{
			Enabled: rc.TakeProfitEnabled,
			MoonBag: domain.MoonBagConfig{
				Enabled:        rc.MoonBagEnabled,
				TriggerPercent: decimal.NewFromFloat(rc.MoonBagTriggerPct),
				RetainPercent:  decimal.NewFromFloat(rc.MoonBagRetainPct),
			},
		},
		StaleClose: domain.StaleCloseConfig{
			Enabled:       rc.StaleCloseEnabled,
			MaxAgeHours:   rc.StaleMaxAgeHours,
			MinPnlPercent: decimal.NewFromFloat(rc.StaleMinPnlPercent),
		},
	}
	for i := range rc.DCADropPercents {
		if i >= len(rc.DCABuyPercents) {
			break
		}
		cfg.DCA.Levels = append(cfg.DCA.Levels, domain.DCALevel{
			DropPercent: decimal.NewFromFloat(rc.DCADropPercents[i]),
			BuyPercent:  decimal.NewFromFloat(rc.DCABuyPercents[i]),
		})
	}
	for i := range rc.TakeProfitTargets {
		if i >= len(rc.TakeProfitSells) {
			break
		}
		cfg.TakeProfit.Levels = append(cfg.TakeProfit.Levels, domain.TakeProfitLevel{
			TargetPercent: decimal.NewFromFloat(rc.TakeProfitTargets[i]),
			SellPercent:   decimal.NewFromFloat(rc.TakeProfitSells[i]),
		})
	}
	return cfg
}
