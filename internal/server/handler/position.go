package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"solpilot/internal/domain"
)

// PositionService defines the methods the position handler requires.
type PositionService interface {
	OpenFromSignal(ctx context.Context, sig domain.TradeSignal) (domain.Position, error)
	Close(ctx context.Context, positionID string) error
	Get(ctx context.Context, positionID string) (domain.Position, error)
	ListByAgent(ctx context.Context, agentID string) ([]domain.Position, error)
	History(ctx context.Context, positionID string) ([]domain.Transaction, error)
	UpdateRiskConfig(ctx context.Context, partial domain.PartialRiskConfig) error
}

// PositionHandler serves position lifecycle HTTP endpoints.
type PositionHandler struct {
	positions PositionService
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler with the given service and logger.
func NewPositionHandler(positions PositionService, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		positions: positions,
		logger:    logger,
	}
}

// positionResponse is the wire shape for a position.
type positionResponse struct {
	ID                  string          `json:"id"`
	AgentID             string          `json:"agentId"`
	Wallet              string          `json:"wallet"`
	Token               string          `json:"token"`
	Symbol              string          `json:"symbol"`
	PurchasePrice       decimal.Decimal `json:"purchasePrice"`
	PurchaseAmount      decimal.Decimal `json:"purchaseAmount"`
	RemainingAmount     decimal.Decimal `json:"remainingAmount"`
	TotalInvestedSol    decimal.Decimal `json:"totalInvestedSol"`
	RealizedProfitSol   decimal.Decimal `json:"realizedProfitSol"`
	DCACount            int             `json:"dcaCount"`
	TakeProfitLevelsHit int             `json:"takeProfitLevelsHit"`
	MoonBagActivated    bool            `json:"moonBagActivated"`
	PeakPrice           decimal.Decimal `json:"peakPrice"`
	CurrentStopLossPct  decimal.Decimal `json:"currentStopLossPct"`
	OpenedAt            time.Time       `json:"openedAt"`
	UpdatedAt           time.Time       `json:"updatedAt"`
}

func toPositionResponse(p domain.Position) positionResponse {
	return positionResponse{
		ID:                  p.ID,
		AgentID:             p.AgentID,
		Wallet:              p.Wallet,
		Token:               p.Token,
		Symbol:              p.Symbol,
		PurchasePrice:       p.PurchasePrice,
		PurchaseAmount:      p.PurchaseAmount,
		RemainingAmount:     p.RemainingAmount(),
		TotalInvestedSol:    p.TotalInvestedSol,
		RealizedProfitSol:   p.RealizedProfitSol,
		DCACount:            p.DCACount,
		TakeProfitLevelsHit: p.TakeProfitLevelsHit,
		MoonBagActivated:    p.MoonBagActivated,
		PeakPrice:           p.PeakPrice,
		CurrentStopLossPct:  p.CurrentStopLossPct,
		OpenedAt:            p.OpenedAt,
		UpdatedAt:           p.UpdatedAt,
	}
}

// transactionResponse is the wire shape for one trade against a position.
type transactionResponse struct {
	ID            string          `json:"id"`
	PositionID    string          `json:"positionId"`
	Type          string          `json:"type"`
	TokenAmount   decimal.Decimal `json:"tokenAmount"`
	SolAmount     decimal.Decimal `json:"solAmount"`
	Price         decimal.Decimal `json:"price"`
	ProfitLossSol decimal.Decimal `json:"profitLossSol"`
	TxHash        string          `json:"txHash"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// ListPositions returns all open positions for an agent.
// GET /api/positions?agent=<id>
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get("agent")
	if agentID == "" {
		writeError(w, http.StatusBadRequest, "agent query parameter required")
		return
	}

	positions, err := h.positions.ListByAgent(r.Context(), agentID)
	if err != nil {
		logHandler(h.logger, "list_positions").ErrorContext(r.Context(), "list failed",
			slog.String("agent_id", agentID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list positions")
		return
	}

	out := make([]positionResponse, 0, len(positions))
	for _, p := range positions {
		out = append(out, toPositionResponse(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": out})
}

// GetPosition returns a single position by ID.
// GET /api/positions/{id}
func (h *PositionHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	pos, err := h.positions.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "position not found")
			return
		}
		logHandler(h.logger, "get_position").ErrorContext(r.Context(), "get failed",
			slog.String("position_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to load position")
		return
	}
	writeJSON(w, http.StatusOK, toPositionResponse(pos))
}

// GetHistory returns the transaction history of a position.
// GET /api/positions/{id}/history
func (h *PositionHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	txs, err := h.positions.History(r.Context(), id)
	if err != nil {
		logHandler(h.logger, "position_history").ErrorContext(r.Context(), "history failed",
			slog.String("position_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to load history")
		return
	}

	out := make([]transactionResponse, 0, len(txs))
	for _, t := range txs {
		out = append(out, transactionResponse{
			ID:            t.ID,
			PositionID:    t.PositionID,
			Type:          string(t.Type),
			TokenAmount:   t.TokenAmount,
			SolAmount:     t.SolAmount,
			Price:         t.Price,
			ProfitLossSol: t.ProfitLossSol,
			TxHash:        t.TxHash,
			CreatedAt:     t.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": out})
}

// ClosePosition sells the remaining holding at the current market price.
// POST /api/positions/{id}/close
func (h *PositionHandler) ClosePosition(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := h.positions.Close(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "position not found")
	case errors.Is(err, domain.ErrLockHeld):
		writeError(w, http.StatusConflict, "position busy, retry shortly")
	case errors.Is(err, domain.ErrIdempotentReplay):
		// A close for this position already went through.
		writeJSON(w, http.StatusOK, map[string]string{"status": "already closed"})
	default:
		logHandler(h.logger, "close_position").ErrorContext(r.Context(), "close failed",
			slog.String("position_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to close position")
	}
}

// SubmitSignal opens a position from a buy signal, as if it arrived on the
// signal channel. Replays of the same signal ID are acknowledged, not re-run.
// POST /api/signals
func (h *PositionHandler) SubmitSignal(w http.ResponseWriter, r *http.Request) {
	var sig domain.TradeSignal
	if err := json.NewDecoder(r.Body).Decode(&sig); err != nil {
		writeError(w, http.StatusBadRequest, "invalid signal payload")
		return
	}

	pos, err := h.positions.OpenFromSignal(r.Context(), sig)
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, toPositionResponse(pos))
	case errors.Is(err, domain.ErrIdempotentReplay):
		writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate signal"})
	case errors.Is(err, domain.ErrConfigInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		logHandler(h.logger, "submit_signal").ErrorContext(r.Context(), "open failed",
			slog.String("signal_id", sig.ID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to open position")
	}
}

// UpdateRiskConfig stores an agent's partial risk-config override.
// PUT /api/risk/config
func (h *PositionHandler) UpdateRiskConfig(w http.ResponseWriter, r *http.Request) {
	var partial domain.PartialRiskConfig
	if err := json.NewDecoder(r.Body).Decode(&partial); err != nil {
		writeError(w, http.StatusBadRequest, "invalid config payload")
		return
	}
	if partial.AgentID == "" {
		writeError(w, http.StatusBadRequest, "agentId is required")
		return
	}

	if err := h.positions.UpdateRiskConfig(r.Context(), partial); err != nil {
		if errors.Is(err, domain.ErrConfigInvalid) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		logHandler(h.logger, "update_risk_config").ErrorContext(r.Context(), "update failed",
			slog.String("agent_id", partial.AgentID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to update config")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}
