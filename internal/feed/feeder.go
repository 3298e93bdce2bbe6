package feed

import (
	"context"
	"encoding/json"
	"log/slog"

	"solpilot/internal/domain"
)

// EngineFeeder subscribes to the tick channel and delivers each decoded
// tick to the sink, which is the evaluation monitor in-process.
type EngineFeeder struct {
	bus     domain.SignalBus
	sink    TickSink
	channel string
	logger  *slog.Logger
}

// NewEngineFeeder creates an EngineFeeder.
func NewEngineFeeder(bus domain.SignalBus, sink TickSink, channel string, logger *slog.Logger) *EngineFeeder {
	return &EngineFeeder{
		bus:     bus,
		sink:    sink,
		channel: channel,
		logger:  logger.With(slog.String("component", "engine_feeder")),
	}
}

// Run subscribes and forwards ticks until ctx is cancelled.
func (f *EngineFeeder) Run(ctx context.Context) error {
	ch, err := f.bus.Subscribe(ctx, f.channel)
	if err != nil {
		return err
	}
	f.logger.Info("engine feeder started")
	defer f.logger.Info("engine feeder stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-ch:
			if !ok {
				return nil
			}
			var tick domain.PriceTick
			if err := json.Unmarshal(data, &tick); err != nil {
				f.logger.Debug("dropping malformed tick",
					slog.Int("payload_len", len(data)),
					slog.String("error", err.Error()))
				continue
			}
			if tick.Token == "" || tick.Price.IsZero() {
				continue
			}
			if err := f.sink.HandleTick(ctx, tick); err != nil {
				f.logger.Debug("tick handling failed",
					slog.String("token", tick.Token),
					slog.String("error", err.Error()))
			}
		}
	}
}
