// Package monitor runs the polling loop: probe every tracked device,
// feed the samples through the presence engine, journal and publish
// whatever transitions fall out. The engine holds no locks of its own;
// the monitor serializes all access to it.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chaollapark/homelab/internal/events"
	"github.com/chaollapark/homelab/internal/presence"
)

// Prober is the reachability source: one sample per device ID per
// round. Implementations must return an entry for every input ID — a
// failed probe is a false sample, never a missing one.
type Prober interface {
	ProbeAll(ctx context.Context, ids []string) map[string]bool
}

// Journal is the durable record the monitor writes and seeds from.
type Journal interface {
	Append(ev *presence.TransitionEvent) error
	AppendSeed(id, deviceID, name string, state presence.State, at time.Time) error
	LastState(deviceID string) (presence.State, bool, error)
}

// Notifier announces transitions, best effort.
type Notifier interface {
	Send(ctx context.Context, ev *presence.TransitionEvent)
}

// Config holds the dependencies for a Monitor.
type Config struct {
	Engine       *presence.Engine
	Prober       Prober
	Journal      Journal
	Notifier     Notifier // optional
	Bus          *events.Bus
	Logger       *slog.Logger
	Interval     time.Duration
	Timeout      time.Duration // per probe round
	SummaryEvery int           // rounds between summary logs; 0 disables
}

// Monitor drives the poll-observe-record cycle.
type Monitor struct {
	engine       *presence.Engine
	prober       Prober
	journal      Journal
	notifier     Notifier
	bus          *events.Bus
	logger       *slog.Logger
	interval     time.Duration
	timeout      time.Duration
	summaryEvery int

	mu     sync.Mutex // serializes engine access (Run vs Statuses)
	rounds int
}

// New creates a monitor.
func New(cfg Config) *Monitor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Monitor{
		engine:       cfg.Engine,
		prober:       cfg.Prober,
		journal:      cfg.Journal,
		notifier:     cfg.Notifier,
		bus:          cfg.Bus,
		logger:       logger,
		interval:     interval,
		timeout:      timeout,
		summaryEvery: cfg.SummaryEvery,
	}
}

// SeedFromJournal restores each device's last known state so a restart
// does not replay transitions that already happened. Devices with no
// journal history stay unseeded and adopt their first sample silently.
func (m *Monitor) SeedFromJournal() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range m.engine.DeviceIDs() {
		state, ok, err := m.journal.LastState(id)
		if err != nil {
			m.logger.Warn("journal read failed, device starts unseeded",
				"device", id,
				"error", err,
			)
			continue
		}
		if !ok {
			m.logger.Debug("no journal history for device", "device", id)
			continue
		}
		if err := m.engine.Seed(id, state); err != nil {
			m.logger.Warn("seed failed", "device", id, "error", err)
			continue
		}
		m.logger.Info("device seeded from journal",
			"device", id,
			"state", state.String(),
		)
	}
}

// Run polls until ctx is cancelled. The first round fires immediately.
func (m *Monitor) Run(ctx context.Context) {
	m.logger.Info("monitor started",
		"devices", len(m.engine.DeviceIDs()),
		"interval", m.interval,
	)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.round(ctx)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("monitor shutting down")
			return
		case <-ticker.C:
			m.round(ctx)
		}
	}
}

// round runs one probe cycle: gather a snapshot, then feed it through
// the engine one device at a time. Journal or notifier trouble never
// stops the round; the remaining devices still get their samples.
func (m *Monitor) round(ctx context.Context) {
	ids := m.engine.DeviceIDs()

	m.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceMonitor,
		Kind:      events.KindPollStart,
	})

	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	results := m.prober.ProbeAll(probeCtx, ids)
	cancel()

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	transitions := 0
	for _, id := range ids {
		_, seeded := m.engine.Record(id)

		ev, err := m.engine.Observe(id, results[id], now)
		if err != nil {
			m.logger.Error("observe failed", "device", id, "error", err)
			continue
		}

		if !seeded {
			m.recordSeed(id, now)
			continue
		}
		if ev == nil {
			continue
		}

		transitions++
		m.logger.Info("presence transition",
			"device", ev.DeviceID,
			"name", ev.Name,
			"direction", ev.Direction.String(),
		)

		if err := m.journal.Append(ev); err != nil {
			m.logger.Error("journal append failed", "device", ev.DeviceID, "error", err)
		}
		m.bus.Publish(events.Event{
			Timestamp:  ev.At,
			Source:     events.SourceMonitor,
			Kind:       events.KindTransition,
			Transition: ev,
		})
		if m.notifier != nil {
			m.notifier.Send(ctx, ev)
		}
	}

	m.rounds++
	if m.summaryEvery > 0 && m.rounds%m.summaryEvery == 0 {
		online, total := m.countsLocked()
		m.logger.Info("poll summary",
			"round", m.rounds,
			"online", online,
			"total", total,
		)
	}

	m.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceMonitor,
		Kind:      events.KindPollComplete,
		Data:      map[string]any{"transitions": transitions},
	})
}

// recordSeed journals a first-sighting seed row. Caller holds m.mu.
func (m *Monitor) recordSeed(id string, at time.Time) {
	rec, ok := m.engine.Record(id)
	if !ok {
		return
	}
	dev, _ := m.engine.Device(id)

	m.logger.Info("device seeded from first sample",
		"device", id,
		"state", rec.State.String(),
	)
	if err := m.journal.AppendSeed(uuid.NewString(), id, dev.Name, rec.State, at); err != nil {
		m.logger.Error("journal seed append failed", "device", id, "error", err)
	}
	m.bus.Publish(events.Event{
		Timestamp: at,
		Source:    events.SourceMonitor,
		Kind:      events.KindSeed,
		Data:      map[string]any{"device": id, "state": rec.State.String()},
	})
}

// Statuses returns the confirmed state of every seeded device keyed by
// display name. The bot's /status view.
func (m *Monitor) Statuses() map[string]bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	statuses := make(map[string]bool)
	for id, state := range m.engine.States() {
		name := id
		if dev, ok := m.engine.Device(id); ok && dev.Name != "" {
			name = dev.Name
		}
		statuses[name] = state == presence.Present
	}
	return statuses
}

// States returns the confirmed state of every seeded device keyed by
// device ID. The MQTT publisher's refresh surface.
func (m *Monitor) States() map[string]presence.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.engine.States()
}

func (m *Monitor) countsLocked() (online, total int) {
	states := m.engine.States()
	for _, state := range states {
		if state == presence.Present {
			online++
		}
	}
	return online, len(m.engine.DeviceIDs())
}
