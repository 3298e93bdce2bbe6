package engine

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"solpilot/internal/domain"
	"solpilot/internal/risk"
)

func newTestMonitor(t *testing.T, store *fakePositionStore, cache *fakePositionCache, ch chan domain.TickDecision) *Monitor {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	resolver := risk.NewResolver(&fakeConfigStore{}, &fakeConfigCache{}, engineDefaults(), logger)
	return NewMonitor(store, cache, resolver, ch, 4, logger)
}

func monitorTick(token, price string) domain.PriceTick {
	return domain.PriceTick{
		Token:       token,
		Price:       dec(price),
		SolPriceUsd: dec("200"),
		Timestamp:   time.Now().UTC(),
	}
}

func TestHandleTickEmitsStopLossDecision(t *testing.T) {
	pos := testPosition()
	store := newFakePositionStore(pos)
	cache := newFakePositionCache()
	require.NoError(t, cache.Set(context.Background(), pos))

	ch := make(chan domain.TickDecision, 8)
	m := newTestMonitor(t, store, cache, ch)

	require.NoError(t, m.HandleTick(context.Background(), monitorTick(pos.Token, "1.5")))

	require.Len(t, ch, 1)
	d := <-ch
	require.Equal(t, domain.ActionStopLoss, d.Action)
	require.Equal(t, pos.ID, d.PositionID)
	require.True(t, d.SellAmount.Equal(dec("100")), "sell %s", d.SellAmount)
}

func TestHandleTickIgnoresUnheldToken(t *testing.T) {
	pos := testPosition()
	store := newFakePositionStore(pos)
	cache := newFakePositionCache()
	require.NoError(t, cache.Set(context.Background(), pos))

	ch := make(chan domain.TickDecision, 8)
	m := newTestMonitor(t, store, cache, ch)

	require.NoError(t, m.HandleTick(context.Background(), monitorTick("OtherMint", "0.5")))
	require.Empty(t, ch)
}

func TestHandleTickWarmsColdCache(t *testing.T) {
	pos := testPosition()
	store := newFakePositionStore(pos)
	cache := newFakePositionCache()

	ch := make(chan domain.TickDecision, 8)
	m := newTestMonitor(t, store, cache, ch)

	require.NoError(t, m.HandleTick(context.Background(), monitorTick(pos.Token, "1.5")))

	// The position was found through the store and mirrored back.
	require.Len(t, ch, 1)
	cached, err := cache.Get(context.Background(), pos.ID)
	require.NoError(t, err)
	require.Equal(t, pos.ID, cached.ID)
}

func TestHandleTickPersistsNewPeak(t *testing.T) {
	pos := testPosition()
	pos.PeakPrice = dec("1")
	store := newFakePositionStore(pos)
	cache := newFakePositionCache()
	require.NoError(t, cache.Set(context.Background(), pos))

	ch := make(chan domain.TickDecision, 8)
	m := newTestMonitor(t, store, cache, ch)

	// A new high with no trigger ratchets the trailing state.
	require.NoError(t, m.HandleTick(context.Background(), monitorTick(pos.Token, "1.3")))
	require.Empty(t, ch)

	updated, err := store.GetByID(context.Background(), pos.ID)
	require.NoError(t, err)
	require.True(t, updated.PeakPrice.Equal(dec("1.3")), "peak %s", updated.PeakPrice)
	require.False(t, updated.LastStopLossUpdate.IsZero())

	cached, err := cache.Get(context.Background(), pos.ID)
	require.NoError(t, err)
	require.True(t, cached.PeakPrice.Equal(dec("1.3")))
}

func TestPeakPersistKeepsCommittedSaleState(t *testing.T) {
	// The durable row carries a committed partial sale; the cache mirror
	// still holds the pre-sale copy (briefly stale by contract). A
	// new-high tick with nothing to execute must ratchet the peak without
	// writing the stale mirror back over the sale.
	committed := testPosition()
	committed.PeakPrice = dec("1")
	committed.TakeProfitLevelsHit = 1
	committed.Remaining = domain.PartialRemaining(dec("75"))
	committed.RealizedProfitSol = dec("12.5")
	store := newFakePositionStore(committed)

	stale := testPosition()
	stale.PeakPrice = dec("1")
	cache := newFakePositionCache()
	require.NoError(t, cache.Set(context.Background(), stale))

	ch := make(chan domain.TickDecision, 8)
	m := newTestMonitor(t, store, cache, ch)

	require.NoError(t, m.HandleTick(context.Background(), monitorTick(committed.Token, "1.3")))
	require.Empty(t, ch)

	got, err := store.GetByID(context.Background(), committed.ID)
	require.NoError(t, err)
	require.True(t, got.PeakPrice.Equal(dec("1.3")), "peak %s", got.PeakPrice)
	require.Equal(t, 1, got.TakeProfitLevelsHit)
	require.True(t, got.RemainingAmount().Equal(dec("75")), "remaining %s", got.RemainingAmount())
	require.True(t, got.RealizedProfitSol.Equal(dec("12.5")), "realized %s", got.RealizedProfitSol)

	// The mirror is refreshed from durable state, not from the stale copy.
	cached, err := cache.Get(context.Background(), committed.ID)
	require.NoError(t, err)
	require.Equal(t, 1, cached.TakeProfitLevelsHit)
	require.True(t, cached.PeakPrice.Equal(dec("1.3")))
}

func TestUpdateStopLossNeverLowersPeak(t *testing.T) {
	pos := testPosition()
	store := newFakePositionStore(pos)

	err := store.UpdateStopLoss(context.Background(), pos.ID, dec("1.5"), dec("20"), time.Now().UTC())
	require.NoError(t, err)

	got, err := store.GetByID(context.Background(), pos.ID)
	require.NoError(t, err)
	require.True(t, got.PeakPrice.Equal(dec("2")), "peak %s", got.PeakPrice)
}

func TestHandleTickPrefersStopLossOverTakeProfit(t *testing.T) {
	// Gain of 60% crosses the first take-profit target, but the price also
	// sits below the trailing stop from the ratcheted peak. Stop-loss wins.
	pos := testPosition()
	pos.PeakPrice = dec("2.5")
	store := newFakePositionStore(pos)
	cache := newFakePositionCache()
	require.NoError(t, cache.Set(context.Background(), pos))

	ch := make(chan domain.TickDecision, 8)
	m := newTestMonitor(t, store, cache, ch)

	require.NoError(t, m.HandleTick(context.Background(), monitorTick(pos.Token, "1.6")))

	require.Len(t, ch, 1)
	d := <-ch
	require.Equal(t, domain.ActionStopLoss, d.Action)
}

func TestDispatcherDrainsBufferedDecisions(t *testing.T) {
	pos := testPosition()
	f := newCoordFixture(t, "1.5", pos)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	ch := make(chan domain.TickDecision, 4)
	ch <- tickDecision(domain.ActionStopLoss, pos, "1.5")

	dispatcher := NewDispatcher(ch, f.coord, logger)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := dispatcher.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	// The buffered decision still executed during drain.
	_, err = f.positions.GetByID(context.Background(), pos.ID)
	require.ErrorIs(t, err, domain.ErrNotFound)
	require.Len(t, f.history.swaps, 1)
}

func TestDispatcherStopsOnClosedChannel(t *testing.T) {
	pos := testPosition()
	f := newCoordFixture(t, "1.5", pos)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	ch := make(chan domain.TickDecision, 4)
	ch <- tickDecision(domain.ActionStopLoss, pos, "1.5")
	close(ch)

	dispatcher := NewDispatcher(ch, f.coord, logger)
	require.NoError(t, dispatcher.Run(context.Background()))
	require.Len(t, f.history.swaps, 1)
}

func TestDecisionLoggerNeverExecutes(t *testing.T) {
	pos := testPosition()
	f := newCoordFixture(t, "1.5", pos)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	ch := make(chan domain.TickDecision, 4)
	ch <- tickDecision(domain.ActionStopLoss, pos, "1.5")
	ch <- tickDecision(domain.ActionTakeProfit, pos, "1.6")
	close(ch)

	observer := NewDecisionLogger(ch, logger)
	require.NoError(t, observer.Run(context.Background()))

	// Decisions were consumed but no trade went out and the book is intact.
	require.Zero(t, f.swapper.executed)
	require.Empty(t, f.trades.trades)
	require.Empty(t, f.history.swaps)
	_, err := f.positions.GetByID(context.Background(), pos.ID)
	require.NoError(t, err)
}

func TestDecisionLoggerStopsOnCancel(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ch := make(chan domain.TickDecision)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	observer := NewDecisionLogger(ch, logger)
	require.ErrorIs(t, observer.Run(ctx), context.Canceled)
}
