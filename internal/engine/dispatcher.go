package engine

import (
	"context"
	"log/slog"
	"time"

	"solpilot/internal/domain"
)

// Dispatcher consumes the bounded decision channel and runs each decision
// through the coordinator. Decisions for different positions are independent
// but are executed sequentially here; the per-position lock makes running
// multiple dispatchers safe.
type Dispatcher struct {
	decisionCh  <-chan domain.TickDecision
	coordinator *Coordinator
	logger      *slog.Logger
}

// NewDispatcher creates a Dispatcher reading from decisionCh.
func NewDispatcher(decisionCh <-chan domain.TickDecision, coordinator *Coordinator, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		decisionCh:  decisionCh,
		coordinator: coordinator,
		logger:      logger.With(slog.String("component", "dispatcher")),
	}
}

// Run processes decisions until the context is cancelled, then drains
// whatever the channel still buffers so emitted decisions are not silently
// dropped on shutdown.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("dispatcher started")
	defer d.logger.Info("dispatcher stopped")

	for {
		select {
		case <-ctx.Done():
			d.drain()
			return ctx.Err()
		case dec, ok := <-d.decisionCh:
			if !ok {
				return nil
			}
			d.execute(ctx, dec)
		}
	}
}

func (d *Dispatcher) execute(ctx context.Context, dec domain.TickDecision) {
	if err := d.coordinator.Execute(ctx, dec); err != nil {
		d.logger.Error("decision execution failed",
			slog.String("position_id", dec.PositionID),
			slog.String("action", string(dec.Action)),
			slog.String("error", err.Error()))
	}
}

// DecisionLogger consumes the decision channel and records what the
// evaluators would have done, without ever touching the coordinator. It backs
// monitor mode, where positions are watched but no funds may move.
type DecisionLogger struct {
	decisionCh <-chan domain.TickDecision
	logger     *slog.Logger
}

// NewDecisionLogger creates a DecisionLogger reading from decisionCh.
func NewDecisionLogger(decisionCh <-chan domain.TickDecision, logger *slog.Logger) *DecisionLogger {
	return &DecisionLogger{
		decisionCh: decisionCh,
		logger:     logger.With(slog.String("component", "decision_logger")),
	}
}

// Run logs decisions until the context is cancelled or the channel closes.
func (d *DecisionLogger) Run(ctx context.Context) error {
	d.logger.Info("decision logger started")
	defer d.logger.Info("decision logger stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case dec, ok := <-d.decisionCh:
			if !ok {
				return nil
			}
			d.logger.Info("decision observed",
				slog.String("position_id", dec.PositionID),
				slog.String("agent_id", dec.AgentID),
				slog.String("action", string(dec.Action)),
				slog.String("price", dec.Price.String()))
		}
	}
}

// drain runs buffered decisions with a short-lived context so shutdown does
// not hang on external calls.
func (d *Dispatcher) drain() {
	for {
		select {
		case dec, ok := <-d.decisionCh:
			if !ok {
				return
			}
			d.logger.Warn("draining decision after shutdown",
				slog.String("position_id", dec.PositionID),
				slog.String("action", string(dec.Action)))
			drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			d.execute(drainCtx, dec)
			cancel()
		default:
			return
		}
	}
}
