// Package notify delivers trade alerts to operator channels. An AlertConsumer
// subscribes to the position event channel on the bus and fans each event out
// to the configured senders (Telegram, Discord), optionally filtered by event
// type.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"solpilot/internal/domain"
)

// Sender is one delivery channel for alerts.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier dispatches alerts to all senders, filtered by allowed event
// types. An empty allow list lets every event through.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier delivering to the given senders.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Notify delivers the alert when its event type passes the filter. Failures
// on one channel never block the others.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) {
	if len(n.events) > 0 && !n.events[event] {
		return
	}
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.Warn("alert delivery failed",
				slog.String("sender", s.Name()),
				slog.String("event", event),
				slog.String("error", err.Error()))
		}
	}
}

// positionEvent mirrors the JSON the coordinator and position service
// publish on the event channel.
type positionEvent struct {
	Event      string `json:"event"`
	PositionID string `json:"position_id"`
	AgentID    string `json:"agent_id"`
	Token      string `json:"token"`
	TxHash     string `json:"tx_hash"`
}

// AlertConsumer turns bus position events into operator alerts.
type AlertConsumer struct {
	bus      domain.SignalBus
	notifier *Notifier
	channel  string
	logger   *slog.Logger
}

// NewAlertConsumer creates a consumer reading the given event channel.
func NewAlertConsumer(bus domain.SignalBus, notifier *Notifier, channel string, logger *slog.Logger) *AlertConsumer {
	return &AlertConsumer{
		bus:      bus,
		notifier: notifier,
		channel:  channel,
		logger:   logger.With(slog.String("component", "alert_consumer")),
	}
}

// Run consumes position events until ctx is cancelled.
func (c *AlertConsumer) Run(ctx context.Context) error {
	ch, err := c.bus.Subscribe(ctx, c.channel)
	if err != nil {
		return fmt.Errorf("notify: subscribe %s: %w", c.channel, err)
	}
	c.logger.Info("alert consumer started", slog.String("channel", c.channel))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-ch:
			if !ok {
				return nil
			}
			var ev positionEvent
			if err := json.Unmarshal(data, &ev); err != nil || ev.Event == "" {
				continue
			}
			title, body := formatEvent(ev)
			c.notifier.Notify(ctx, ev.Event, title, body)
		}
	}
}

// formatEvent renders one event as an alert title and body.
func formatEvent(ev positionEvent) (string, string) {
	var title string
	switch ev.Event {
	case "position_opened":
		title = "Position opened"
	case "position_dca_buy":
		title = "DCA buy filled"
	case "position_take_profit":
		title = "Take-profit sale"
	case "position_stop_loss":
		title = "Stop-loss triggered"
	case "position_manual_sell":
		title = "Position closed manually"
	case "position_stale_close":
		title = "Stale position closed"
	default:
		title = ev.Event
	}
	body := fmt.Sprintf("position %s (agent %s, token %s)", ev.PositionID, ev.AgentID, ev.Token)
	if ev.TxHash != "" {
		body += "\ntx: " + ev.TxHash
	}
	return title, body
}
