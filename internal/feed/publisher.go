package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"solpilot/internal/domain"
)

// TickPublisher is the TickSink on the feed side of the bus: it caches the
// latest price and publishes the tick to the tick channel so monitor
// processes can pick it up.
type TickPublisher struct {
	bus        domain.SignalBus
	priceCache domain.PriceCache
	channel    string
	logger     *slog.Logger
}

func NewTickPublisher(bus domain.SignalBus, priceCache domain.PriceCache, channel string, logger *slog.Logger) *TickPublisher {
	return &TickPublisher{
		bus:        bus,
		priceCache: priceCache,
		channel:    channel,
		logger:     logger.With(slog.String("component", "tick_publisher")),
	}
}

// HandleTick stores the price and publishes the tick. A cache write failure
// does not block publication; the price cache is advisory.
func (p *TickPublisher) HandleTick(ctx context.Context, tick domain.PriceTick) error {
	if err := p.priceCache.SetPrice(ctx, tick.Token, tick.Price, tick.Timestamp); err != nil {
		p.logger.Warn("price cache write failed",
			slog.String("token", tick.Token),
			slog.String("error", err.Error()))
	}

	payload, err := json.Marshal(tick)
	if err != nil {
		return fmt.Errorf("feed: encode tick: %w", err)
	}
	if err := p.bus.Publish(ctx, p.channel, payload); err != nil {
		return fmt.Errorf("feed: publish tick: %w", err)
	}
	return nil
}

var _ TickSink = (*TickPublisher)(nil)
