package telegram

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"time"

	"github.com/chaollapark/homelab/internal/config"
	"github.com/chaollapark/homelab/internal/presence"
)

// sendTimeout bounds one notification attempt. Failures are logged and
// swallowed; the journal is the durable record, chat is best effort.
const sendTimeout = 10 * time.Second

// MessageSender is the outbound half of Client, split out so tests can
// capture messages.
type MessageSender interface {
	SendMessage(ctx context.Context, text string) error
}

// Notifier turns transition events into chat messages for the devices
// that opted in. Devices without the notify flag are journaled but
// never announced.
type Notifier struct {
	sender MessageSender
	logger *slog.Logger
	notify map[string]bool // device ID → announce transitions
}

// NewNotifier creates a notifier from the tracked device list.
func NewNotifier(sender MessageSender, devices []config.DeviceConfig, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	notify := make(map[string]bool, len(devices))
	for _, d := range devices {
		notify[d.ID] = d.Notify
	}
	return &Notifier{sender: sender, logger: logger, notify: notify}
}

// Send announces a transition, best effort. Send never returns an
// error: a chat outage must not stall or fail the polling loop.
func (n *Notifier) Send(ctx context.Context, ev *presence.TransitionEvent) {
	if !n.notify[ev.DeviceID] {
		n.logger.Debug("notification suppressed for device", "device", ev.DeviceID)
		return
	}

	// Names come from config or the router host table, so they must be
	// escaped before going into an HTML parse-mode message.
	name := html.EscapeString(ev.Name)

	var text string
	switch ev.Direction {
	case presence.Arrived:
		text = fmt.Sprintf("📱 <b>Phone Arrived!</b>\n\n🟢 <b>%s</b>\nConnected at %s",
			name, ev.At.Format("15:04:05"))
	case presence.Departed:
		text = fmt.Sprintf("📱 <b>Phone Left!</b>\n\n🔴 <b>%s</b>\nDisconnected at %s",
			name, ev.At.Format("15:04:05"))
	default:
		return
	}

	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	if err := n.sender.SendMessage(ctx, text); err != nil {
		n.logger.Warn("notification send failed",
			"device", ev.DeviceID,
			"direction", ev.Direction.String(),
			"error", err,
		)
	}
}

// Announce sends a free-form message, best effort. Used for the
// startup banner.
func (n *Notifier) Announce(ctx context.Context, text string) {
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	if err := n.sender.SendMessage(ctx, text); err != nil {
		n.logger.Warn("announcement send failed", "error", err)
	}
}
