package app

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"solpilot/internal/engine"
	"solpilot/internal/feed"
)

// EngineMode runs everything except the websocket consumer: the engine reads
// ticks off the bus, so a separate feed-mode process (or several) can own the
// upstream connection.
func (a *App) EngineMode(ctx context.Context, deps *Dependencies) error {
	g, ctx := errgroup.WithContext(ctx)

	feeder := feed.NewEngineFeeder(deps.Bus, deps.Monitor, a.cfg.Engine.TickChannel, a.logger)
	g.Go(func() error { return feeder.Run(ctx) })
	g.Go(func() error { return deps.Dispatcher.Run(ctx) })
	g.Go(func() error { return deps.Positioner.Run(ctx) })
	if deps.Scheduler != nil {
		g.Go(func() error { return deps.Scheduler.Run(ctx) })
	}
	if deps.API != nil {
		g.Go(func() error { return deps.API.Run(ctx) })
	}
	if deps.Alerts != nil {
		g.Go(func() error { return deps.Alerts.Run(ctx) })
	}

	a.logger.InfoContext(ctx, "engine mode started")
	return waitGroup(g)
}

// MonitorMode evaluates existing positions and logs what each tick would do.
// It never executes: decisions go to a log-only consumer, so a monitor
// replica can watch the book without ever moving funds.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	g, ctx := errgroup.WithContext(ctx)

	feeder := feed.NewEngineFeeder(deps.Bus, deps.Monitor, a.cfg.Engine.TickChannel, a.logger)
	observer := engine.NewDecisionLogger(deps.DecisionCh, a.logger)
	g.Go(func() error { return feeder.Run(ctx) })
	g.Go(func() error { return observer.Run(ctx) })

	a.logger.InfoContext(ctx, "monitor mode started")
	return waitGroup(g)
}

// FeedMode owns the upstream websocket and republishes normalized ticks on
// the bus for engine/monitor processes.
func (a *App) FeedMode(ctx context.Context, deps *Dependencies) error {
	publisher := feed.NewTickPublisher(deps.Bus, deps.PriceCache, a.cfg.Engine.TickChannel, a.logger)
	ws := feed.NewPriceWSFeed(a.cfg.Feed, a.cfg.Feed.Tokens, publisher, a.logger)

	a.logger.InfoContext(ctx, "feed mode started")
	err := ws.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// FullMode runs the feed, engine and jobs in a single process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	g, ctx := errgroup.WithContext(ctx)

	publisher := feed.NewTickPublisher(deps.Bus, deps.PriceCache, a.cfg.Engine.TickChannel, a.logger)
	ws := feed.NewPriceWSFeed(a.cfg.Feed, a.cfg.Feed.Tokens, publisher, a.logger)
	feeder := feed.NewEngineFeeder(deps.Bus, deps.Monitor, a.cfg.Engine.TickChannel, a.logger)

	g.Go(func() error { return ws.Run(ctx) })
	g.Go(func() error { return feeder.Run(ctx) })
	g.Go(func() error { return deps.Dispatcher.Run(ctx) })
	g.Go(func() error { return deps.Positioner.Run(ctx) })
	if deps.Scheduler != nil {
		g.Go(func() error { return deps.Scheduler.Run(ctx) })
	}
	if deps.API != nil {
		g.Go(func() error { return deps.API.Run(ctx) })
	}
	if deps.Alerts != nil {
		g.Go(func() error { return deps.Alerts.Run(ctx) })
	}

	a.logger.InfoContext(ctx, "full mode started")
	return waitGroup(g)
}

// waitGroup normalizes a cancellation-driven shutdown to a nil error.
func waitGroup(g *errgroup.Group) error {
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
