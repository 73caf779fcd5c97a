// Presenced is a phone-presence monitor for the homelab.
//
// It polls the router's host table (or falls back to ICMP echo) on a
// fixed interval, runs each sample through a debounced presence state
// machine, and announces confirmed arrivals and departures over
// Telegram and Home Assistant MQTT. Every transition is journaled to
// SQLite so a restart resumes from the last known state instead of
// re-announcing it. Configuration is loaded from a single YAML file
// discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	presenced serve            Start the monitor
//	presenced init [dir]       Write an example config and data directory
//	presenced status           Print journal statistics and recent events
//	presenced export           Write the journal as CSV to stdout
//	presenced version          Print version and build information
//	presenced -o json version  Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/chaollapark/homelab/internal/buildinfo"
	"github.com/chaollapark/homelab/internal/config"
	"github.com/chaollapark/homelab/internal/events"
	"github.com/chaollapark/homelab/internal/journal"
	"github.com/chaollapark/homelab/internal/monitor"
	"github.com/chaollapark/homelab/internal/mqtt"
	"github.com/chaollapark/homelab/internal/presence"
	"github.com/chaollapark/homelab/internal/probe"
	"github.com/chaollapark/homelab/internal/router"
	"github.com/chaollapark/homelab/internal/telegram"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the presenced command. All OS-level
// dependencies are injected as parameters: ctx controls the lifetime of
// the process, stdout and stderr receive all program output, and args
// is os.Args[1:]. run returns nil on clean shutdown and a non-nil error
// for any failure; the caller prints the error and exits.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	// Parse arguments by hand. The flag package relies on package-level
	// globals (flag.CommandLine), which makes it impossible to call
	// run() concurrently from tests. The argument surface is small
	// enough that manual parsing is clearer than a CLI framework.
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-config", "--config":
			if i+1 >= len(args) {
				return fmt.Errorf("-config requires a path argument")
			}
			i++
			configPath = args[i]
		case "-o", "--output":
			if i+1 >= len(args) {
				return fmt.Errorf("-o requires a format argument (text or json)")
			}
			i++
			outputFmt = args[i]
		case "-h", "--help", "help":
			printUsage(stdout)
			return nil
		default:
			if command == "" {
				command = args[i]
				continue
			}
			cmdArgs = append(cmdArgs, args[i])
		}
	}

	switch command {
	case "", "serve":
		return runServe(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "status":
		return runStatus(stdout, configPath)
	case "export":
		return runExport(stdout, configPath)
	case "version":
		return runVersion(stdout, outputFmt)
	default:
		printUsage(stderr)
		return fmt.Errorf("unknown command: %s", command)
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `presenced - phone presence monitor

Usage:
  presenced [flags] <command>

Commands:
  serve        Start the monitor (default)
  init [dir]   Write an example config and data directory
  status       Print journal statistics and recent events
  export       Write the journal as CSV to stdout
  version      Print version and build information

Flags:
  -config <path>   Config file (default: search %v)
  -o <format>      Output format for version: text or json
  -h               Show this help
`, config.DefaultSearchPaths())
}

// runVersion prints build information in text or JSON format.
func runVersion(stdout io.Writer, outputFmt string) error {
	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(buildinfo.Info())
	}
	fmt.Fprintln(stdout, buildinfo.String())
	return nil
}

// runServe wires the whole monitor together and blocks until the
// process receives SIGINT or SIGTERM.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	// Bootstrap logger: plain text at Info until the config tells us
	// the real level and format.
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("presenced starting", "version", buildinfo.Version)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		logger.Warn("invalid log level, using info", "log_level", cfg.LogLevel)
		level = slog.LevelInfo
	}
	logger = newLogger(stdout, level, cfg.LogFormat)
	logger.Info("config loaded",
		"path", cfgPath,
		"devices", len(cfg.Devices),
		"probe_mode", cfg.Probe.Mode,
	)

	if len(cfg.Devices) == 0 {
		return fmt.Errorf("no devices configured in %s", cfgPath)
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- Journal ---
	journalPath := cfg.JournalPath()
	if err := os.MkdirAll(filepath.Dir(journalPath), 0755); err != nil {
		return fmt.Errorf("create journal directory: %w", err)
	}
	store, err := journal.NewStore(journalPath)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer store.Close()
	logger.Info("journal opened", "path", journalPath)

	// --- Presence engine ---
	tracked := make([]presence.TrackedDevice, 0, len(cfg.Devices))
	for _, d := range cfg.Devices {
		tracked = append(tracked, presence.TrackedDevice{
			ID:            d.ID,
			Name:          d.Name,
			MissThreshold: d.MissThreshold,
			HitThreshold:  d.HitThreshold,
		})
	}
	engine := presence.NewEngine(tracked)

	// --- Reachability source ---
	var prober monitor.Prober
	var routerClient *router.Client
	switch cfg.Probe.Mode {
	case "router":
		routerClient = router.NewClient(cfg.Router, logger)
		prober = routerClient
	case "ping":
		prober = probe.NewPinger(cfg.Probe.Timeout(), logger)
		// Router commands still work in ping mode when the router is
		// configured; they just aren't the reachability source.
		if cfg.Router.URL != "" {
			routerClient = router.NewClient(cfg.Router, logger)
		}
	}

	bus := events.New()

	// --- Telegram ---
	var tgClient *telegram.Client
	var tgNotifier *telegram.Notifier
	var notifier monitor.Notifier
	if cfg.Telegram.Enabled() {
		tgClient = telegram.NewClient(cfg.Telegram, logger)
		tgNotifier = telegram.NewNotifier(tgClient, cfg.Devices, logger)
		notifier = tgNotifier
		logger.Info("telegram notifications enabled", "chat_id", cfg.Telegram.ChatID)
	} else {
		logger.Info("telegram disabled (not configured)")
	}

	// --- Monitor ---
	mon := monitor.New(monitor.Config{
		Engine:       engine,
		Prober:       prober,
		Journal:      store,
		Notifier:     notifier,
		Bus:          bus,
		Logger:       logger,
		Interval:     cfg.Probe.Interval(),
		Timeout:      cfg.Probe.Timeout(),
		SummaryEvery: cfg.Probe.SummaryEvery,
	})
	mon.SeedFromJournal()

	// Announce the boot to chat, mirroring the config-loaded log line.
	if tgNotifier != nil {
		tgNotifier.Announce(ctx, startupMessage(cfg))
	}

	// The bot reads live statuses from the monitor, so it is wired up
	// only after the monitor exists.
	if tgClient != nil {
		botCfg := telegram.BotConfig{
			Client:        tgClient,
			Status:        mon,
			History:       store,
			Bus:           bus,
			Logger:        logger,
			AccessPoints:  cfg.Router.AccessPoints,
			ProtectedMACs: cfg.Router.ProtectedMACs,
			WiFiQR:        cfg.WiFiQR,
		}
		if routerClient != nil {
			botCfg.Control = routerClient
		}
		bot := telegram.NewBot(botCfg)
		go bot.Run(ctx)
	}

	// --- MQTT ---
	var mqttPub *mqtt.Publisher
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(filepath.Dir(journalPath))
		if err != nil {
			return fmt.Errorf("mqtt instance ID: %w", err)
		}
		mqttPub = mqtt.New(cfg.MQTT, instanceID, cfg.Devices, mon, bus, logger)
		go func() {
			if err := mqttPub.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()
		logger.Info("mqtt publishing enabled",
			"broker", cfg.MQTT.Broker,
			"device_name", cfg.MQTT.DeviceName,
		)
	} else {
		logger.Info("mqtt publishing disabled (not configured)")
	}

	// --- Graceful shutdown ---
	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		// Publish MQTT offline status before disconnecting.
		if mqttPub != nil {
			offlineCtx, offlineCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer offlineCancel()
			if err := mqttPub.Stop(offlineCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}
		if routerClient != nil {
			logoutCtx, logoutCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer logoutCancel()
			routerClient.Logout(logoutCtx)
		}
	}()

	// The poll loop is the foreground process. It blocks until ctx is
	// cancelled by a signal.
	mon.Run(ctx)

	logger.Info("presenced stopped")
	return nil
}

// startupMessage builds the one-time chat announcement sent when the
// monitor starts: probe mode, device counts, and the poll interval.
func startupMessage(cfg *config.Config) string {
	announced := 0
	for _, d := range cfg.Devices {
		if d.Notify {
			announced++
		}
	}
	return fmt.Sprintf("🔔 <b>Presence Monitor Started</b>\n\n"+
		"Mode: %s\n"+
		"Tracking: %d devices (%d announced)\n"+
		"Interval: %s\n\n"+
		"<b>Commands:</b> /status /stats /today /help",
		cfg.Probe.Mode, len(cfg.Devices), announced, cfg.Probe.Interval())
}

// runStatus prints journal statistics and the most recent events. It
// reads only the journal, never the router, so it is safe to run while
// serve is active.
func runStatus(stdout io.Writer, configPath string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	store, err := journal.NewStore(cfg.JournalPath())
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer store.Close()

	stats, err := store.Stats()
	if err != nil {
		return fmt.Errorf("read stats: %w", err)
	}

	fmt.Fprintf(stdout, "Journal: %s\n", cfg.JournalPath())
	fmt.Fprintf(stdout, "Transitions: %d (%d arrivals, %d departures)\n",
		stats.Transitions, stats.Arrivals, stats.Departures)
	fmt.Fprintf(stdout, "Days tracked: %d\n", stats.DaysTracked)
	fmt.Fprintf(stdout, "Devices seen: %d\n", stats.UniqueDevices)

	last := make(map[string]string)
	for _, d := range cfg.Devices {
		if state, ok, err := store.LastState(d.ID); err == nil && ok {
			last[d.Name] = state.String()
		}
	}
	if len(last) > 0 {
		fmt.Fprintln(stdout, "\nLast known states:")
		names := make([]string, 0, len(last))
		for name := range last {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(stdout, "  %-20s %s\n", name, last[name])
		}
	}

	recent, err := store.Recent(10)
	if err != nil {
		return fmt.Errorf("read recent events: %w", err)
	}
	if len(recent) > 0 {
		fmt.Fprintln(stdout, "\nRecent events:")
		for _, e := range recent {
			fmt.Fprintf(stdout, "  %s  %-20s %s\n",
				e.At.Local().Format("2006-01-02 15:04"), e.Name, e.Event)
		}
	}

	return nil
}

// runExport streams the whole journal as CSV to stdout.
func runExport(stdout io.Writer, configPath string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	store, err := journal.NewStore(cfg.JournalPath())
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer store.Close()

	if err := store.ExportCSV(stdout); err != nil {
		return fmt.Errorf("export journal: %w", err)
	}
	return nil
}

// newLogger creates a structured logger that writes to w at the given
// level and format. Format must be "text" or "json"; any other value
// defaults to text. All log output in presenced goes through slog; this
// helper standardizes the handler configuration across subcommands.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates and parses the YAML configuration file. If
// explicit is non-empty, that exact path is used (and must exist).
// Otherwise, [config.FindConfig] searches the default locations.
// Returns the parsed config, the path that was loaded, and any error.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
