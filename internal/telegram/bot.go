package telegram

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"sort"
	"strings"
	"time"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/chaollapark/homelab/internal/config"
	"github.com/chaollapark/homelab/internal/events"
	"github.com/chaollapark/homelab/internal/journal"
	"github.com/chaollapark/homelab/internal/router"
)

// commandTimeout bounds a single command's work, router round-trips
// included.
const commandTimeout = 30 * time.Second

// pollRetryDelay is the pause after a failed getUpdates call.
const pollRetryDelay = 5 * time.Second

// StatusSource provides the current confirmed state of every tracked
// device, keyed by display name. The monitor implements this.
type StatusSource interface {
	Statuses() map[string]bool
}

// History is the journal surface the bot reads.
type History interface {
	Stats() (journal.Stats, error)
	DayEvents(day time.Time) ([]journal.Entry, error)
	WeekSummary(now time.Time) ([]journal.DaySummary, error)
}

// RouterControl is the router write surface behind the blocking and
// lockdown commands. Nil disables those commands.
type RouterControl interface {
	BlockedSites(ctx context.Context) ([]string, error)
	BlockSite(ctx context.Context, site string) (bool, error)
	UnblockSite(ctx context.Context, site string) (bool, error)
	BlockedDevices(ctx context.Context) ([]router.BlockedDevice, error)
	KickDevice(ctx context.Context, ident string) (string, bool, error)
	AllowDevice(ctx context.Context, ident string) (string, bool, error)
	SetWiFi(ctx context.Context, enable bool, accessPoints map[string]string) []router.APResult
	Lockdown(ctx context.Context, protected []string) ([]string, error)
	LiftLockdown(ctx context.Context) error
}

// BotConfig holds the dependencies for a Bot.
type BotConfig struct {
	Client        *Client
	Status        StatusSource
	History       History
	Control       RouterControl
	Bus           *events.Bus
	Logger        *slog.Logger
	AccessPoints  map[string]string
	ProtectedMACs []string
	WiFiQR        config.WiFiQRConfig
}

// Bot long-polls the Bot API and dispatches commands. Only messages
// from the configured chat are honored; everything else is dropped
// with a warning.
type Bot struct {
	client        *Client
	status        StatusSource
	history       History
	control       RouterControl
	bus           *events.Bus
	logger        *slog.Logger
	accessPoints  map[string]string
	protectedMACs []string
	wifiQR        config.WiFiQRConfig

	offset int64
}

// NewBot creates a command bot.
func NewBot(cfg BotConfig) *Bot {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bot{
		client:        cfg.Client,
		status:        cfg.Status,
		history:       cfg.History,
		control:       cfg.Control,
		bus:           cfg.Bus,
		logger:        logger,
		accessPoints:  cfg.AccessPoints,
		protectedMACs: cfg.ProtectedMACs,
		wifiQR:        cfg.WiFiQR,
	}
}

// Run polls for updates until ctx is cancelled. Poll failures back off
// and retry; a command failure is reported to chat and never escapes.
func (b *Bot) Run(ctx context.Context) {
	b.logger.Info("telegram bot started", "chat_id", b.client.ChatID())

	for {
		if ctx.Err() != nil {
			b.logger.Info("telegram bot shutting down")
			return
		}

		updates, err := b.client.Updates(ctx, b.offset+1)
		if err != nil {
			if ctx.Err() != nil {
				b.logger.Info("telegram bot shutting down")
				return
			}
			b.logger.Warn("telegram poll failed", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(pollRetryDelay):
			}
			continue
		}

		for _, update := range updates {
			if update.UpdateID > b.offset {
				b.offset = update.UpdateID
			}
			msg := update.Message
			if msg == nil || msg.Text == "" {
				continue
			}
			if msg.ChatIDString() != b.client.ChatID() {
				b.logger.Warn("telegram message from unauthorized chat",
					"chat_id", msg.ChatIDString(),
					"username", msg.From.Username,
				)
				continue
			}
			if !strings.HasPrefix(msg.Text, "/") {
				continue
			}
			b.handleCommand(ctx, msg.Text)
		}
	}
}

func (b *Bot) handleCommand(ctx context.Context, text string) {
	fields := strings.Fields(text)
	command := strings.ToLower(fields[0])
	// Group chats append the bot name: /status@presencebot.
	if i := strings.Index(command, "@"); i >= 0 {
		command = command[:i]
	}
	args := fields[1:]

	b.logger.Info("telegram command", "command", command, "args", args)
	b.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceTelegram,
		Kind:      events.KindCommand,
		Data:      map[string]any{"command": command},
	})

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	switch command {
	case "/status":
		b.cmdStatus(ctx, false)
	case "/devices":
		b.cmdStatus(ctx, true)
	case "/stats":
		b.cmdStats(ctx)
	case "/today":
		b.cmdToday(ctx)
	case "/week":
		b.cmdWeek(ctx)
	case "/help":
		b.reply(ctx, helpText)
	case "/block":
		b.cmdBlock(ctx, args)
	case "/unblock":
		b.cmdUnblock(ctx, args)
	case "/blocklist":
		b.cmdBlocklist(ctx)
	case "/kick":
		b.cmdKick(ctx, args)
	case "/allow":
		b.cmdAllow(ctx, args)
	case "/banned":
		b.cmdBanned(ctx)
	case "/wifi":
		b.cmdWiFi(ctx, args)
	case "/lockdown":
		b.cmdLockdown(ctx, args)
	default:
		b.logger.Debug("telegram unknown command", "command", command)
	}
}

// reply sends a message to the chat, logging failures.
func (b *Bot) reply(ctx context.Context, text string) {
	if err := b.client.SendMessage(ctx, text); err != nil {
		b.logger.Warn("telegram reply failed", "error", err)
	}
}

const helpText = "📱 <b>Phone Presence Monitor</b>\n\n" +
	"<b>📊 Status:</b>\n" +
	"/status - Current device status\n" +
	"/devices - List all devices\n" +
	"/stats - Overall statistics\n" +
	"/today - Today's activity\n" +
	"/week - This week's summary\n\n" +
	"<b>🌐 Site Blocking:</b>\n" +
	"/block &lt;site&gt; - Block a website\n" +
	"/unblock &lt;site&gt; - Unblock a website\n" +
	"/blocklist - Show blocked sites\n\n" +
	"<b>📵 Device Control:</b>\n" +
	"/kick &lt;device&gt; - Kick device off network\n" +
	"/allow &lt;device&gt; - Allow device back\n" +
	"/banned - Show banned devices\n" +
	"/wifi on|off - Toggle the access points\n" +
	"/wifi qr - Guest Wi-Fi join code\n\n" +
	"<b>🔒 Lockdown:</b>\n" +
	"/lockdown on - Block everything except the homelab\n" +
	"/lockdown off - Unblock all devices\n\n" +
	"/help - Show this help"

func (b *Bot) cmdStatus(ctx context.Context, full bool) {
	if b.status == nil {
		b.reply(ctx, "❌ Status not available")
		return
	}
	statuses := b.status.Statuses()

	names := make([]string, 0, len(statuses))
	online := 0
	for name, present := range statuses {
		names = append(names, name)
		if present {
			online++
		}
	}
	sort.Strings(names)

	var sb strings.Builder
	if full {
		fmt.Fprintf(&sb, "📋 <b>All Devices</b> (%d total)\n", len(names))
	} else {
		fmt.Fprintf(&sb, "📱 <b>Device Status</b> (%d/%d online)\n", online, len(names))
	}
	for _, name := range names {
		icon := "🔴"
		if statuses[name] {
			icon = "🟢"
		}
		fmt.Fprintf(&sb, "\n%s %s", icon, html.EscapeString(name))
	}
	b.reply(ctx, sb.String())
}

func (b *Bot) cmdStats(ctx context.Context) {
	stats, err := b.history.Stats()
	if err != nil {
		b.logger.Error("stats query failed", "error", err)
		b.reply(ctx, "❌ Failed to read statistics")
		return
	}
	if stats.Transitions == 0 {
		b.reply(ctx, "📊 No data yet. Check back later!")
		return
	}

	b.reply(ctx, fmt.Sprintf(
		"📊 <b>Presence Statistics</b>\n\n"+
			"Total events: %d\n"+
			"Arrivals: %d\n"+
			"Departures: %d\n"+
			"Days tracked: %d\n"+
			"Unique devices: %d",
		stats.Transitions, stats.Arrivals, stats.Departures,
		stats.DaysTracked, stats.UniqueDevices,
	))
}

func (b *Bot) cmdToday(ctx context.Context) {
	now := time.Now()
	entries, err := b.history.DayEvents(now)
	if err != nil {
		b.logger.Error("today query failed", "error", err)
		b.reply(ctx, "❌ Failed to read today's activity")
		return
	}

	var transitions []journal.Entry
	for _, e := range entries {
		if e.Kind == journal.KindTransition {
			transitions = append(transitions, e)
		}
	}
	day := now.Format("2006-01-02")
	if len(transitions) == 0 {
		b.reply(ctx, fmt.Sprintf("📅 No activity recorded today (%s)", day))
		return
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "📅 <b>Today's Activity</b> (%s)\n", day)
	shown := transitions
	if len(shown) > 15 {
		shown = shown[len(shown)-15:]
	}
	for _, e := range shown {
		icon := "🔴"
		if e.Event == "arrived" {
			icon = "🟢"
		}
		fmt.Fprintf(&sb, "\n%s %s - %s", icon, e.At.Local().Format("15:04"), html.EscapeString(e.Name))
	}
	if hidden := len(transitions) - len(shown); hidden > 0 {
		fmt.Fprintf(&sb, "\n\n... and %d more events", hidden)
	}
	b.reply(ctx, sb.String())
}

func (b *Bot) cmdWeek(ctx context.Context) {
	days, err := b.history.WeekSummary(time.Now())
	if err != nil {
		b.logger.Error("week query failed", "error", err)
		b.reply(ctx, "❌ Failed to read week summary")
		return
	}
	if len(days) == 0 {
		b.reply(ctx, "📅 No data for this week yet.")
		return
	}

	var sb strings.Builder
	sb.WriteString("📅 <b>This Week's Summary</b>\n")
	for _, d := range days {
		fmt.Fprintf(&sb, "\n<b>%s</b>: %d↑ %d↓", d.Day, d.Arrivals, d.Departures)
	}
	b.reply(ctx, sb.String())
}

// routerReady replies with an error when router control is not wired
// and reports whether the command may proceed.
func (b *Bot) routerReady(ctx context.Context) bool {
	if b.control == nil {
		b.reply(ctx, "❌ Router control not available")
		return false
	}
	return true
}

func (b *Bot) cmdBlock(ctx context.Context, args []string) {
	if !b.routerReady(ctx) {
		return
	}
	if len(args) == 0 {
		b.reply(ctx, "Usage: /block &lt;website&gt;\nExample: /block facebook.com")
		return
	}

	site := strings.ToLower(args[0])
	changed, err := b.control.BlockSite(ctx, site)
	if err != nil {
		b.reply(ctx, fmt.Sprintf("❌ Failed to block %s: %v", html.EscapeString(site), err))
		return
	}
	if !changed {
		b.reply(ctx, fmt.Sprintf("%s is already blocked", html.EscapeString(site)))
		return
	}
	b.reply(ctx, fmt.Sprintf("✅ Blocked: %s", html.EscapeString(site)))
}

func (b *Bot) cmdUnblock(ctx context.Context, args []string) {
	if !b.routerReady(ctx) {
		return
	}
	if len(args) == 0 {
		b.reply(ctx, "Usage: /unblock &lt;website&gt;\nExample: /unblock facebook.com")
		return
	}

	site := strings.ToLower(args[0])
	changed, err := b.control.UnblockSite(ctx, site)
	if err != nil {
		b.reply(ctx, fmt.Sprintf("❌ Failed to unblock %s: %v", html.EscapeString(site), err))
		return
	}
	if !changed {
		b.reply(ctx, fmt.Sprintf("%s was not blocked", html.EscapeString(site)))
		return
	}
	b.reply(ctx, fmt.Sprintf("✅ Unblocked: %s", html.EscapeString(site)))
}

func (b *Bot) cmdBlocklist(ctx context.Context) {
	if !b.routerReady(ctx) {
		return
	}
	sites, err := b.control.BlockedSites(ctx)
	if err != nil {
		b.reply(ctx, "❌ Failed to get blocked sites")
		return
	}
	if len(sites) == 0 {
		b.reply(ctx, "🌐 <b>Blocked Sites</b>\n\nNo sites are currently blocked.")
		return
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "🌐 <b>Blocked Sites</b> (%d)\n", len(sites))
	for _, site := range sites {
		fmt.Fprintf(&sb, "\n🚫 %s", html.EscapeString(site))
	}
	b.reply(ctx, sb.String())
}

func (b *Bot) cmdKick(ctx context.Context, args []string) {
	if !b.routerReady(ctx) {
		return
	}
	if len(args) == 0 {
		b.reply(ctx, "Usage: /kick &lt;device&gt;\nExample: /kick Samsung")
		return
	}

	ident := strings.Join(args, " ")
	mac, changed, err := b.control.KickDevice(ctx, ident)
	if err != nil {
		b.reply(ctx, fmt.Sprintf("❌ %v", err))
		return
	}
	if !changed {
		b.reply(ctx, fmt.Sprintf("%s (%s) is already blocked", html.EscapeString(ident), mac))
		return
	}
	b.reply(ctx, fmt.Sprintf("🚫 Kicked: %s (%s)", html.EscapeString(ident), mac))
}

func (b *Bot) cmdAllow(ctx context.Context, args []string) {
	if !b.routerReady(ctx) {
		return
	}
	if len(args) == 0 {
		b.reply(ctx, "Usage: /allow &lt;device&gt;\nExample: /allow Samsung")
		return
	}

	ident := strings.Join(args, " ")
	mac, changed, err := b.control.AllowDevice(ctx, ident)
	if err != nil {
		b.reply(ctx, fmt.Sprintf("❌ %v", err))
		return
	}
	if !changed {
		b.reply(ctx, fmt.Sprintf("%s (%s) was not blocked", html.EscapeString(ident), mac))
		return
	}
	b.reply(ctx, fmt.Sprintf("✅ Allowed: %s (%s)", html.EscapeString(ident), mac))
}

func (b *Bot) cmdBanned(ctx context.Context) {
	if !b.routerReady(ctx) {
		return
	}
	devices, err := b.control.BlockedDevices(ctx)
	if err != nil {
		b.reply(ctx, "❌ Failed to get banned devices")
		return
	}
	if len(devices) == 0 {
		b.reply(ctx, "📵 <b>Banned Devices</b>\n\nNo devices are currently banned.")
		return
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "📵 <b>Banned Devices</b> (%d)\n", len(devices))
	for _, d := range devices {
		fmt.Fprintf(&sb, "\n🚫 %s (%s)", html.EscapeString(d.Description), d.MAC)
	}
	b.reply(ctx, sb.String())
}

func (b *Bot) cmdWiFi(ctx context.Context, args []string) {
	if len(args) == 0 {
		b.reply(ctx, "Usage: /wifi on, /wifi off or /wifi qr")
		return
	}

	switch strings.ToLower(args[0]) {
	case "qr":
		b.cmdWiFiQR(ctx)
	case "on", "off":
		if !b.routerReady(ctx) {
			return
		}
		if len(b.accessPoints) == 0 {
			b.reply(ctx, "❌ No access points configured")
			return
		}
		enable := strings.EqualFold(args[0], "on")

		results := b.control.SetWiFi(ctx, enable, b.accessPoints)
		var sb strings.Builder
		failed := 0
		for _, r := range results {
			mark := "✓"
			if r.Err != nil {
				mark = "✗"
				failed++
			}
			fmt.Fprintf(&sb, "\n%s %s", mark, html.EscapeString(r.Name))
		}

		header := "📶 <b>WiFi is now ON</b>"
		if !enable {
			header = "📵 <b>WiFi is now OFF</b>\n\n<i>APs still broadcast but no internet</i>"
		}
		if failed > 0 {
			header += fmt.Sprintf("\n⚠️ %d of %d APs failed", failed, len(results))
		}
		b.reply(ctx, header+"\n"+sb.String())
	default:
		b.reply(ctx, "Usage: /wifi on, /wifi off or /wifi qr")
	}
}

func (b *Bot) cmdWiFiQR(ctx context.Context) {
	if b.wifiQR.SSID == "" {
		b.reply(ctx, "❌ Guest Wi-Fi not configured")
		return
	}

	png, err := qrcode.Encode(wifiJoinString(b.wifiQR.SSID, b.wifiQR.Password), qrcode.Medium, 512)
	if err != nil {
		b.logger.Error("wifi qr encode failed", "error", err)
		b.reply(ctx, "❌ Failed to generate QR code")
		return
	}

	caption := fmt.Sprintf("📶 Scan to join <b>%s</b>", html.EscapeString(b.wifiQR.SSID))
	if err := b.client.SendPhoto(ctx, caption, png); err != nil {
		b.logger.Warn("wifi qr send failed", "error", err)
		b.reply(ctx, "❌ Failed to send QR code")
	}
}

// wifiJoinString builds the WIFI: URI phone cameras understand.
// Backslashes, semicolons, commas, colons and quotes must be escaped.
func wifiJoinString(ssid, password string) string {
	esc := strings.NewReplacer(
		`\`, `\\`, `;`, `\;`, `,`, `\,`, `:`, `\:`, `"`, `\"`,
	)
	return fmt.Sprintf("WIFI:T:WPA;S:%s;P:%s;;", esc.Replace(ssid), esc.Replace(password))
}

func (b *Bot) cmdLockdown(ctx context.Context, args []string) {
	if !b.routerReady(ctx) {
		return
	}
	if len(args) == 0 || (args[0] != "on" && args[0] != "off") {
		b.reply(ctx, "Usage: /lockdown on or /lockdown off")
		return
	}

	if args[0] == "on" {
		b.reply(ctx, "🔒 Activating lockdown...")
		blocked, err := b.control.Lockdown(ctx, b.protectedMACs)
		if err != nil {
			b.reply(ctx, fmt.Sprintf("❌ Lockdown failed: %v", err))
			return
		}
		b.reply(ctx, fmt.Sprintf(
			"🔒 <b>LOCKDOWN ACTIVE</b>\n\n%d devices blocked\n🛡️ %d protected",
			len(blocked), len(b.protectedMACs),
		))
		return
	}

	b.reply(ctx, "🔓 Lifting lockdown...")
	if err := b.control.LiftLockdown(ctx); err != nil {
		b.reply(ctx, fmt.Sprintf("❌ Failed to lift lockdown: %v", err))
		return
	}
	b.reply(ctx, "🔓 <b>LOCKDOWN LIFTED</b>\n\nAll devices unblocked")
}
