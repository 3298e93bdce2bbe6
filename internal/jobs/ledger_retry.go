package jobs

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"solpilot/internal/domain"
	"solpilot/internal/engine"
)

const retryBatch = 100

// LedgerRetryJob drains the retry stream and re-applies queued ledger writes
// whose swap has already landed. An entry that is already applied (duplicate
// trade row, deleted position) is skipped; a transient failure stops the run
// at that entry and the next run resumes from it.
type LedgerRetryJob struct {
	bus         domain.SignalBus
	coordinator *engine.Coordinator
	stream      string
	logger      *slog.Logger

	mu     sync.Mutex
	lastID string
}

// NewLedgerRetryJob creates the job reading from the given stream.
func NewLedgerRetryJob(bus domain.SignalBus, coordinator *engine.Coordinator, stream string, logger *slog.Logger) *LedgerRetryJob {
	return &LedgerRetryJob{
		bus:         bus,
		coordinator: coordinator,
		stream:      stream,
		lastID:      "0",
		logger:      logger.With(slog.String("component", "ledger_retry_job")),
	}
}

func (j *LedgerRetryJob) Name() string { return "ledger_retry" }

func (j *LedgerRetryJob) Run(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	for {
		msgs, err := j.bus.StreamRead(ctx, j.stream, j.lastID, retryBatch)
		if err != nil {
			return err
		}
		if len(msgs) == 0 {
			return nil
		}

		for _, msg := range msgs {
			err := j.coordinator.ReplayLedger(ctx, msg.Payload)
			switch {
			case err == nil:
				j.logger.Info("ledger entry replayed", slog.String("stream_id", msg.ID))
			case errors.Is(err, domain.ErrAlreadyExists), errors.Is(err, domain.ErrNotFound):
				j.logger.Debug("ledger entry already applied, skipping",
					slog.String("stream_id", msg.ID))
			default:
				j.logger.Warn("ledger replay failed, will retry",
					slog.String("stream_id", msg.ID),
					slog.String("error", err.Error()))
				return nil
			}
			j.lastID = msg.ID
		}

		if len(msgs) < retryBatch {
			return nil
		}
	}
}

var _ Job = (*LedgerRetryJob)(nil)
