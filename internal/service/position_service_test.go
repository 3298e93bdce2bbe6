package service

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"solpilot/internal/domain"
	"solpilot/internal/engine"
	"solpilot/internal/risk"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func serviceDefaults() domain.AgentRiskConfig {
	return domain.AgentRiskConfig{
		Purchase: domain.PurchaseConfig{
			MaxPositionSol:   dec("10"),
			MinPositionSol:   dec("0.1"),
			MaxOpenPositions: 2,
		},
		StopLoss: domain.StopLossConfig{
			Enabled:           true,
			Mode:              domain.StopLossModeFixed,
			DefaultPercentage: dec("20"),
		},
		DCA: domain.DCAConfig{
			Enabled:         true,
			Levels:          []domain.DCALevel{{DropPercent: dec("-20"), BuyPercent: dec("50")}},
			MaxCount:        2,
			CooldownSeconds: 300,
		},
		TakeProfit: domain.TakeProfitConfig{
			Enabled: true,
			Levels: []domain.TakeProfitLevel{
				{TargetPercent: dec("50"), SellPercent: dec("25")},
				{TargetPercent: dec("150"), SellPercent: dec("25")},
			},
		},
		StaleClose: domain.StaleCloseConfig{Enabled: false},
	}
}

type svcFixture struct {
	positions *fakePositionStore
	balances  *fakeBalanceStore
	trades    *fakeTransactionStore
	history   *fakeHistoryStore
	configs   *fakeConfigStore
	cfgCache  *fakeConfigCache
	audit     *fakeAuditStore
	posCache  *fakePositionCache
	prices    *fakePriceCache
	idem      *fakeIdempotencyStore
	bus       *fakeBus
	swapper   *fakeSwapper
	resolver  *risk.Resolver
	svc       *PositionService
	opts      PositionServiceOptions
}

func newSvcFixture(t *testing.T, price string, positions ...domain.Position) *svcFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	f := &svcFixture{
		positions: newFakePositionStore(positions...),
		balances:  newFakeBalanceStore(),
		trades:    &fakeTransactionStore{},
		history:   &fakeHistoryStore{},
		configs:   &fakeConfigStore{},
		cfgCache:  &fakeConfigCache{},
		audit:     &fakeAuditStore{},
		posCache:  newFakePositionCache(),
		prices:    newFakePriceCache(),
		idem:      newFakeIdempotencyStore(),
		bus:       newFakeBus(),
		swapper:   &fakeSwapper{price: dec(price), settlementMint: "SOL"},
		opts: PositionServiceOptions{
			Wallet:         "wallet-1",
			SettlementMint: "SOL",
			Simulate:       true,
			IdempotencyTTL: 10 * time.Minute,
			SignalChannel:  "solpilot:signals",
			EventChannel:   "solpilot:events",
		},
	}
	f.resolver = risk.NewResolver(f.configs, f.cfgCache, serviceDefaults(), logger)

	coordinator := engine.NewCoordinator(
		f.positions, f.balances, f.trades, f.history, f.audit, passthroughTxManager{},
		f.posCache, newFakeBalanceCache(), f.prices, newFakeLockManager(), f.idem, f.bus,
		f.swapper, f.resolver,
		engine.CoordinatorOptions{
			Wallet:         "wallet-1",
			SettlementMint: "SOL",
			Simulate:       true,
			LockTTL:        10 * time.Second,
			IdempotencyTTL: 10 * time.Minute,
			EventChannel:   f.opts.EventChannel,
			RetryStream:    "solpilot:ledger-retry",
		}, logger)

	f.svc = NewPositionService(
		f.positions, f.balances, f.trades, f.configs, f.audit, passthroughTxManager{},
		f.posCache, f.prices, f.idem, f.bus,
		f.swapper, f.resolver, coordinator, f.opts, logger)

	// The agent's wallet holds settlement currency for buys, plus the token
	// balance behind any pre-seeded position.
	ctx := context.Background()
	_, err := f.balances.Upsert(ctx, "agent-1", "wallet-1", "SOL", dec("1000"))
	require.NoError(t, err)
	for _, pos := range positions {
		_, err := f.balances.Upsert(ctx, pos.AgentID, pos.Wallet, pos.Token, pos.PurchaseAmount)
		require.NoError(t, err)
		require.NoError(t, f.posCache.Set(ctx, pos))
	}
	return f
}

func buySignal() domain.TradeSignal {
	return domain.TradeSignal{
		ID:        "sig-1",
		AgentID:   "agent-1",
		Token:     "So1TokenMint111111111111111111111111111111",
		Symbol:    "TOK",
		AmountSol: dec("5"),
		CreatedAt: time.Now().UTC(),
	}
}

func openPosition(id string) domain.Position {
	now := time.Now().UTC()
	return domain.Position{
		ID:               id,
		AgentID:          "agent-1",
		Wallet:           "wallet-1",
		Token:            "So1TokenMint111111111111111111111111111111",
		Symbol:           "TOK",
		PurchasePrice:    dec("1"),
		PurchaseAmount:   dec("100"),
		TotalInvestedSol: dec("100"),
		OriginalCostSol:  dec("100"),
		LowestPrice:      dec("1"),
		PeakPrice:        dec("1"),
		Remaining:        domain.FullRemaining(),
		OpenedAt:         now.Add(-time.Hour),
		UpdatedAt:        now.Add(-time.Hour),
	}
}

func TestOpenFromSignalCreatesPosition(t *testing.T) {
	f := newSvcFixture(t, "0.5")
	ctx := context.Background()

	pos, err := f.svc.OpenFromSignal(ctx, buySignal())
	require.NoError(t, err)

	// 5 SOL at 0.5 bought 10 tokens.
	require.True(t, pos.PurchaseAmount.Equal(dec("10")), "amount %s", pos.PurchaseAmount)
	require.True(t, pos.TotalInvestedSol.Equal(dec("5")), "invested %s", pos.TotalInvestedSol)
	require.True(t, pos.PurchasePrice.Equal(dec("0.5")), "price %s", pos.PurchasePrice)
	require.True(t, pos.PeakPrice.Equal(pos.PurchasePrice))
	require.Equal(t, "tx-fake", pos.EntryTxID)
	require.False(t, pos.Remaining.IsPartial())

	stored, err := f.positions.GetByID(ctx, pos.ID)
	require.NoError(t, err)
	require.Equal(t, pos.ID, stored.ID)

	// Both ledger legs moved: tokens credited, settlement debited.
	tok, err := f.balances.Get(ctx, pos.AgentID, pos.Wallet, pos.Token)
	require.NoError(t, err)
	require.True(t, tok.Amount.Equal(dec("10")), "token balance %s", tok.Amount)
	sol, err := f.balances.Get(ctx, pos.AgentID, pos.Wallet, "SOL")
	require.NoError(t, err)
	require.True(t, sol.Amount.Equal(dec("995")), "sol balance %s", sol.Amount)

	require.Len(t, f.trades.trades, 1)
	require.Equal(t, domain.TransactionTypeBuy, f.trades.trades[0].Type)
	require.Contains(t, f.audit.events, "position_opened")

	cached, err := f.posCache.Get(ctx, pos.ID)
	require.NoError(t, err)
	require.Equal(t, pos.ID, cached.ID)

	f.bus.mu.Lock()
	published := f.bus.published[f.opts.EventChannel]
	f.bus.mu.Unlock()
	require.Len(t, published, 1)
	var event map[string]any
	require.NoError(t, json.Unmarshal(published[0], &event))
	require.Equal(t, "position_opened", event["event"])
}

func TestOpenFromSignalIdempotentRetry(t *testing.T) {
	f := newSvcFixture(t, "0.5")
	ctx := context.Background()
	sig := buySignal()

	first, err := f.svc.OpenFromSignal(ctx, sig)
	require.NoError(t, err)

	// Redelivery of the same signal buys nothing and opens nothing.
	_, err = f.svc.OpenFromSignal(ctx, sig)
	require.ErrorIs(t, err, domain.ErrIdempotentReplay)

	require.Equal(t, 1, f.swapper.executed)
	open, err := f.positions.GetOpenByAgent(ctx, sig.AgentID)
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.Equal(t, first.ID, open[0].ID)
	require.Len(t, f.trades.trades, 1)

	sol, err := f.balances.Get(ctx, sig.AgentID, "wallet-1", "SOL")
	require.NoError(t, err)
	require.True(t, sol.Amount.Equal(dec("995")), "sol balance %s", sol.Amount)
}

func TestOpenFromSignalRejectsIncompleteSignal(t *testing.T) {
	f := newSvcFixture(t, "0.5")
	sig := buySignal()
	sig.Token = ""

	_, err := f.svc.OpenFromSignal(context.Background(), sig)
	require.ErrorIs(t, err, domain.ErrConfigInvalid)
	require.Zero(t, f.swapper.executed)
	require.Empty(t, f.trades.trades)
}

func TestOpenFromSignalRejectsExpiredSignal(t *testing.T) {
	f := newSvcFixture(t, "0.5")
	sig := buySignal()
	sig.ExpiresAt = time.Now().UTC().Add(-time.Minute)

	_, err := f.svc.OpenFromSignal(context.Background(), sig)
	require.ErrorContains(t, err, "expired")
	require.Zero(t, f.swapper.executed)
}

func TestOpenFromSignalClampsToMaxPosition(t *testing.T) {
	f := newSvcFixture(t, "0.5")
	sig := buySignal()
	sig.AmountSol = dec("50")

	pos, err := f.svc.OpenFromSignal(context.Background(), sig)
	require.NoError(t, err)
	require.True(t, pos.TotalInvestedSol.Equal(dec("10")), "invested %s", pos.TotalInvestedSol)
}

func TestOpenFromSignalRejectsBelowMinimum(t *testing.T) {
	f := newSvcFixture(t, "0.5")
	ctx := context.Background()
	sig := buySignal()
	sig.AmountSol = dec("0.05")

	_, err := f.svc.OpenFromSignal(ctx, sig)
	require.ErrorContains(t, err, "below minimum")
	require.Zero(t, f.swapper.executed)

	// The marker was cleared, so a corrected signal with the same ID goes
	// through.
	held, err := f.idem.IsInProgress(ctx, "signal:sig-1:agent-1")
	require.NoError(t, err)
	require.False(t, held)
}

func TestOpenFromSignalEnforcesOpenPositionCap(t *testing.T) {
	f := newSvcFixture(t, "0.5", openPosition("pos-1"), openPosition("pos-2"))
	ctx := context.Background()

	_, err := f.svc.OpenFromSignal(ctx, buySignal())
	require.ErrorContains(t, err, "open-position cap")
	require.Zero(t, f.swapper.executed)

	open, err := f.positions.GetOpenByAgent(ctx, "agent-1")
	require.NoError(t, err)
	require.Len(t, open, 2)
}

func TestOpenFromSignalQuoteFailureAllowsRetry(t *testing.T) {
	f := newSvcFixture(t, "0.5")
	ctx := context.Background()
	f.swapper.quoteErr = errQuoteDown

	_, err := f.svc.OpenFromSignal(ctx, buySignal())
	require.ErrorContains(t, err, "buy quote")

	// Nothing landed; the same signal may retry once the quote source is
	// back.
	f.swapper.quoteErr = nil
	pos, err := f.svc.OpenFromSignal(ctx, buySignal())
	require.NoError(t, err)

	open, err := f.positions.GetOpenByAgent(ctx, "agent-1")
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.Equal(t, pos.ID, open[0].ID)
}

func TestCloseSellsAtCachedPrice(t *testing.T) {
	pos := openPosition("pos-1")
	f := newSvcFixture(t, "1.5", pos)
	ctx := context.Background()
	require.NoError(t, f.prices.SetPrice(ctx, pos.Token, dec("1.5"), time.Now().UTC()))

	require.NoError(t, f.svc.Close(ctx, pos.ID))

	_, err := f.positions.GetByID(ctx, pos.ID)
	require.ErrorIs(t, err, domain.ErrNotFound)
	require.Len(t, f.history.swaps, 1)
	require.Equal(t, domain.TransactionTypeManualSell, f.history.swaps[0].Reason)

	sol, err := f.balances.Get(ctx, pos.AgentID, pos.Wallet, "SOL")
	require.NoError(t, err)
	require.True(t, sol.Amount.Equal(dec("1150")), "sol balance %s", sol.Amount)
}

func TestCloseWithoutPriceFails(t *testing.T) {
	pos := openPosition("pos-1")
	f := newSvcFixture(t, "1.5", pos)

	err := f.svc.Close(context.Background(), pos.ID)
	require.ErrorContains(t, err, "no price")
	require.Zero(t, f.swapper.executed)
}

func TestGetPrefersCacheMirror(t *testing.T) {
	pos := openPosition("pos-1")
	f := newSvcFixture(t, "1.5", pos)
	ctx := context.Background()

	mirrored := pos
	mirrored.DCACount = 3
	require.NoError(t, f.posCache.Set(ctx, mirrored))

	got, err := f.svc.Get(ctx, pos.ID)
	require.NoError(t, err)
	require.Equal(t, 3, got.DCACount)
}

func TestUpdateRiskConfigStoresAndInvalidates(t *testing.T) {
	f := newSvcFixture(t, "1.5")
	ctx := context.Background()

	// Pre-warm the resolved-config cache so the update has something to
	// drop.
	resolved := serviceDefaults()
	resolved.AgentID = "agent-1"
	require.NoError(t, f.cfgCache.Set(ctx, resolved))

	partial := domain.PartialRiskConfig{
		AgentID: "agent-1",
		StopLoss: &domain.StopLossConfig{
			Enabled:           true,
			Mode:              domain.StopLossModeFixed,
			DefaultPercentage: dec("30"),
		},
	}
	require.NoError(t, f.svc.UpdateRiskConfig(ctx, partial))

	stored, err := f.configs.Get(ctx, "agent-1")
	require.NoError(t, err)
	require.True(t, stored.StopLoss.DefaultPercentage.Equal(dec("30")))

	_, err = f.cfgCache.Get(ctx, "agent-1")
	require.ErrorIs(t, err, domain.ErrNotFound)
	require.Contains(t, f.audit.events, "risk_config_updated")
}

func TestUpdateRiskConfigRejectsInvalidOverride(t *testing.T) {
	f := newSvcFixture(t, "1.5")

	partial := domain.PartialRiskConfig{
		AgentID: "agent-1",
		StopLoss: &domain.StopLossConfig{
			Enabled:           true,
			Mode:              domain.StopLossModeFixed,
			DefaultPercentage: dec("150"),
		},
	}
	err := f.svc.UpdateRiskConfig(context.Background(), partial)
	require.ErrorIs(t, err, domain.ErrConfigInvalid)

	_, err = f.configs.Get(context.Background(), "agent-1")
	require.ErrorIs(t, err, domain.ErrNotFound)
}
