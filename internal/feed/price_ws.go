// Package feed connects the external price stream to the engine. The
// websocket consumer normalizes upstream tick messages and hands them to a
// TickSink; the feeder on the other side of the bus delivers them to the
// evaluation loop.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"solpilot/internal/config"
	"solpilot/internal/domain"
)

const (
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong from the peer;
	// pings go out at pingPeriod which must stay below it.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// TickSink receives each normalized price tick.
type TickSink interface {
	HandleTick(ctx context.Context, tick domain.PriceTick) error
}

// tickMessage is the upstream wire shape.
type tickMessage struct {
	Type        string          `json:"type"`
	Mint        string          `json:"mint"`
	Symbol      string          `json:"symbol"`
	Price       decimal.Decimal `json:"price"`
	SolPriceUsd decimal.Decimal `json:"solPriceUsd"`
	Timestamp   string          `json:"timestamp"`
}

// PriceWSFeed consumes the upstream price websocket and forwards each tick
// to the sink. It reconnects with exponential backoff on disconnect.
type PriceWSFeed struct {
	wsURL        string
	tokens       []string
	sink         TickSink
	reconnectMin time.Duration
	reconnectMax time.Duration
	logger       *slog.Logger
}

// NewPriceWSFeed creates a feed subscribed to the given token mints. An
// empty token list subscribes to everything the upstream publishes.
func NewPriceWSFeed(cfg config.FeedConfig, tokens []string, sink TickSink, logger *slog.Logger) *PriceWSFeed {
	return &PriceWSFeed{
		wsURL:        cfg.WsURL,
		tokens:       tokens,
		sink:         sink,
		reconnectMin: cfg.ReconnectMin.Duration,
		reconnectMax: cfg.ReconnectMax.Duration,
		logger:       logger.With(slog.String("component", "price_ws_feed")),
	}
}

// Run connects and consumes ticks until ctx is cancelled, reconnecting with
// backoff whenever the connection drops.
func (f *PriceWSFeed) Run(ctx context.Context) error {
	delay := f.reconnectMin
	for {
		err := f.runConnection(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f.logger.Warn("price feed disconnected, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("delay", delay))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > f.reconnectMax {
			delay = f.reconnectMax
		}
	}
}

func (f *PriceWSFeed) runConnection(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.wsURL, nil)
	if err != nil {
		return fmt.Errorf("feed: connect %s: %w", f.wsURL, err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	if err := f.subscribe(conn); err != nil {
		return err
	}
	f.logger.Info("price feed subscribed", slog.Int("tokens", len(f.tokens)))

	// Close the connection when ctx ends so the blocked read returns.
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				conn.Close()
				return
			case <-done:
				return
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("feed: read: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
		f.handleMessage(ctx, raw)
	}
}

func (f *PriceWSFeed) subscribe(conn *websocket.Conn) error {
	cmd := struct {
		Type   string   `json:"type"`
		Tokens []string `json:"tokens,omitempty"`
	}{Type: "subscribe", Tokens: f.tokens}

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(cmd); err != nil {
		return fmt.Errorf("feed: subscribe: %w", err)
	}
	return nil
}

func (f *PriceWSFeed) handleMessage(ctx context.Context, raw []byte) {
	var msg tickMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		// Unparseable frames are dropped quietly; the upstream mixes in
		// heartbeat and ack messages.
		return
	}
	if msg.Type != "" && msg.Type != "tick" && msg.Type != "price" {
		return
	}
	mint := strings.TrimSpace(msg.Mint)
	if mint == "" || msg.Price.IsZero() {
		return
	}

	ts := time.Now()
	if msg.Timestamp != "" {
		if t, err := time.Parse(time.RFC3339Nano, msg.Timestamp); err == nil {
			ts = t
		}
	}

	tick := domain.PriceTick{
		Token:       mint,
		Symbol:      msg.Symbol,
		Price:       msg.Price,
		SolPriceUsd: msg.SolPriceUsd,
		Timestamp:   ts,
	}
	if err := f.sink.HandleTick(ctx, tick); err != nil {
		f.logger.Debug("tick sink failed",
			slog.String("token", mint),
			slog.String("error", err.Error()))
	}
}
