package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"solpilot/internal/domain"
)

const (
	retryKindUpdate = "update"
	retryKindClose  = "close"
)

// ledgerRetry is the durable record appended to the retry stream when the
// swap landed but the ledger transaction failed. It carries the exact
// post-swap state so a later replay commits what the original attempt would
// have committed.
type ledgerRetry struct {
	Kind         string                 `json:"kind"`
	Position     domain.Position        `json:"position"`
	History      *domain.HistoricalSwap `json:"history,omitempty"`
	Transaction  domain.Transaction     `json:"transaction"`
	BalanceDelta decimal.Decimal        `json:"balanceDelta"`
	SolDelta     decimal.Decimal        `json:"solDelta"`
	RecordedAt   time.Time              `json:"recordedAt"`
}

// queueLedgerRetry appends the failed persistence to the retry stream. The
// swap has landed on-chain, so the record must not be dropped: a stream
// append failure is the one place the coordinator logs at error level.
func (c *Coordinator) queueLedgerRetry(ctx context.Context, log *slog.Logger, rec ledgerRetry, cause error) {
	rec.RecordedAt = time.Now().UTC()
	payload, err := json.Marshal(rec)
	if err != nil {
		log.Error("ledger retry encode failed, manual reconciliation required",
			slog.String("position_id", rec.Position.ID),
			slog.String("error", err.Error()))
		return
	}
	if err := c.bus.StreamAppend(ctx, c.opts.RetryStream, payload); err != nil {
		log.Error("ledger retry enqueue failed, manual reconciliation required",
			slog.String("position_id", rec.Position.ID),
			slog.String("cause", cause.Error()),
			slog.String("error", err.Error()))
		return
	}
	log.Warn("ledger write failed, queued for retry",
		slog.String("position_id", rec.Position.ID),
		slog.String("kind", rec.Kind),
		slog.String("cause", cause.Error()))
}

// ReplayLedger re-applies one queued ledger record. Duplicate replays are
// caught by the trade row's primary key, which aborts the transaction before
// any balance is double-counted.
func (c *Coordinator) ReplayLedger(ctx context.Context, payload []byte) error {
	var rec ledgerRetry
	if err := json.Unmarshal(payload, &rec); err != nil {
		return fmt.Errorf("engine: decode ledger retry: %w", err)
	}

	var err error
	switch rec.Kind {
	case retryKindClose:
		if rec.History == nil {
			return fmt.Errorf("engine: ledger retry for %s missing close record", rec.Position.ID)
		}
		err = c.persistClose(ctx, rec.Position, *rec.History, rec.Transaction, rec.BalanceDelta, rec.SolDelta)
	case retryKindUpdate:
		err = c.persistUpdate(ctx, rec.Position, rec.Transaction, rec.BalanceDelta, rec.SolDelta)
	default:
		return fmt.Errorf("engine: unknown ledger retry kind %q", rec.Kind)
	}
	if err != nil {
		return fmt.Errorf("engine: replay ledger %s for %s: %w", rec.Kind, rec.Position.ID, err)
	}

	c.afterCommit(ctx, c.logger, rec.Position, rec.Transaction, rec.Kind == retryKindClose)
	return nil
}
