package monitor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/chaollapark/homelab/internal/events"
	"github.com/chaollapark/homelab/internal/presence"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptProber plays back a fixed sequence of snapshots, repeating the
// last one when the script runs out.
type scriptProber struct {
	mu        sync.Mutex
	snapshots []map[string]bool
	calls     int
}

func (p *scriptProber) ProbeAll(ctx context.Context, ids []string) map[string]bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	var snapshot map[string]bool
	if len(p.snapshots) > 0 {
		snapshot = p.snapshots[0]
		if len(p.snapshots) > 1 {
			p.snapshots = p.snapshots[1:]
		}
	}
	p.calls++

	results := make(map[string]bool, len(ids))
	for _, id := range ids {
		results[id] = snapshot[id]
	}
	return results
}

// memJournal is an in-memory Journal.
type memJournal struct {
	mu        sync.Mutex
	seeds     []string
	appended  []*presence.TransitionEvent
	last      map[string]presence.State
	appendErr error
}

func (j *memJournal) Append(ev *presence.TransitionEvent) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.appendErr != nil {
		return j.appendErr
	}
	j.appended = append(j.appended, ev)
	return nil
}

func (j *memJournal) AppendSeed(id, deviceID, name string, state presence.State, at time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.seeds = append(j.seeds, deviceID)
	return nil
}

func (j *memJournal) LastState(deviceID string) (presence.State, bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	state, ok := j.last[deviceID]
	return state, ok, nil
}

// recordingNotifier captures notified transitions.
type recordingNotifier struct {
	mu   sync.Mutex
	sent []*presence.TransitionEvent
}

func (n *recordingNotifier) Send(ctx context.Context, ev *presence.TransitionEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, ev)
}

func testEngine(t *testing.T) *presence.Engine {
	t.Helper()
	return presence.NewEngine([]presence.TrackedDevice{
		{ID: "aa:bb", Name: "my-phone", MissThreshold: 2, HitThreshold: 1},
		{ID: "cc:dd", Name: "the-tv", MissThreshold: 2, HitThreshold: 1},
	})
}

func TestFirstRoundSeedsSilently(t *testing.T) {
	journal := &memJournal{}
	prober := &scriptProber{snapshots: []map[string]bool{
		{"aa:bb": true, "cc:dd": false},
	}}
	notifier := &recordingNotifier{}
	m := New(Config{
		Engine:   testEngine(t),
		Prober:   prober,
		Journal:  journal,
		Notifier: notifier,
		Logger:   discardLogger(),
	})

	m.round(context.Background())

	if len(journal.appended) != 0 {
		t.Errorf("got %d transition rows from the seeding round, want 0", len(journal.appended))
	}
	if len(journal.seeds) != 2 {
		t.Errorf("got %d seed rows, want 2", len(journal.seeds))
	}
	if len(notifier.sent) != 0 {
		t.Errorf("got %d notifications from the seeding round, want 0", len(notifier.sent))
	}

	statuses := m.Statuses()
	if !statuses["my-phone"] || statuses["the-tv"] {
		t.Errorf("Statuses() = %v, want phone present and tv absent", statuses)
	}
}

func TestDebouncedDeparture(t *testing.T) {
	journal := &memJournal{}
	prober := &scriptProber{snapshots: []map[string]bool{
		{"aa:bb": true, "cc:dd": true},  // seeding round
		{"aa:bb": false, "cc:dd": true}, // one miss, below threshold
		{"aa:bb": false, "cc:dd": true}, // second miss, transition
	}}
	notifier := &recordingNotifier{}
	m := New(Config{
		Engine:   testEngine(t),
		Prober:   prober,
		Journal:  journal,
		Notifier: notifier,
		Logger:   discardLogger(),
	})

	m.round(context.Background())
	m.round(context.Background())
	if len(journal.appended) != 0 {
		t.Fatalf("transition after a single miss, want debounce to hold")
	}

	m.round(context.Background())
	if len(journal.appended) != 1 {
		t.Fatalf("got %d transitions, want 1 departure", len(journal.appended))
	}
	ev := journal.appended[0]
	if ev.DeviceID != "aa:bb" || ev.Direction != presence.Departed {
		t.Errorf("event = %+v, want aa:bb departed", ev)
	}
	if len(notifier.sent) != 1 {
		t.Errorf("got %d notifications, want 1", len(notifier.sent))
	}
}

func TestSeedFromJournalSkipsReplay(t *testing.T) {
	journal := &memJournal{last: map[string]presence.State{
		"aa:bb": presence.Present,
	}}
	// The device is still reachable after restart: no transition, no
	// seed row, nothing to announce.
	prober := &scriptProber{snapshots: []map[string]bool{
		{"aa:bb": true, "cc:dd": true},
	}}
	m := New(Config{
		Engine:  testEngine(t),
		Prober:  prober,
		Journal: journal,
		Logger:  discardLogger(),
	})

	m.SeedFromJournal()
	m.round(context.Background())

	if len(journal.appended) != 0 {
		t.Errorf("got %d transitions after restart with unchanged state, want 0", len(journal.appended))
	}
	// Only the device without history writes a fresh seed row.
	if len(journal.seeds) != 1 || journal.seeds[0] != "cc:dd" {
		t.Errorf("seeds = %v, want only the unjournaled device", journal.seeds)
	}
}

func TestSeededAbsentDeviceArrives(t *testing.T) {
	journal := &memJournal{last: map[string]presence.State{
		"aa:bb": presence.Absent,
	}}
	prober := &scriptProber{snapshots: []map[string]bool{
		{"aa:bb": true, "cc:dd": false},
	}}
	m := New(Config{
		Engine:  testEngine(t),
		Prober:  prober,
		Journal: journal,
		Logger:  discardLogger(),
	})

	m.SeedFromJournal()
	m.round(context.Background()) // hit threshold 1: immediate arrival

	if len(journal.appended) != 1 || journal.appended[0].Direction != presence.Arrived {
		t.Fatalf("appended = %+v, want one arrival", journal.appended)
	}
}

func TestJournalFailureDoesNotStopRound(t *testing.T) {
	journal := &memJournal{
		appendErr: errors.New("disk full"),
		last: map[string]presence.State{
			"aa:bb": presence.Absent,
			"cc:dd": presence.Absent,
		},
	}
	prober := &scriptProber{snapshots: []map[string]bool{
		{"aa:bb": true, "cc:dd": true},
	}}
	notifier := &recordingNotifier{}
	m := New(Config{
		Engine:   testEngine(t),
		Prober:   prober,
		Journal:  journal,
		Notifier: notifier,
		Logger:   discardLogger(),
	})

	m.SeedFromJournal()
	m.round(context.Background())

	// Both devices still transitioned and notified despite the journal
	// being down.
	if len(notifier.sent) != 2 {
		t.Errorf("got %d notifications, want 2 — journal failure must not stop the round", len(notifier.sent))
	}
}

func TestRoundPublishesToBus(t *testing.T) {
	bus := events.New()
	ch := bus.Subscribe(16)
	defer bus.Unsubscribe(ch)

	journal := &memJournal{last: map[string]presence.State{
		"aa:bb": presence.Absent,
		"cc:dd": presence.Present,
	}}
	prober := &scriptProber{snapshots: []map[string]bool{
		{"aa:bb": true, "cc:dd": true},
	}}
	m := New(Config{
		Engine:  testEngine(t),
		Prober:  prober,
		Journal: journal,
		Bus:     bus,
		Logger:  discardLogger(),
	})

	m.SeedFromJournal()
	m.round(context.Background())

	var kinds []string
	for len(ch) > 0 {
		kinds = append(kinds, (<-ch).Kind)
	}
	want := []string{events.KindPollStart, events.KindTransition, events.KindPollComplete}
	if len(kinds) != len(want) {
		t.Fatalf("bus kinds = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("kinds[%d] = %q, want %q", i, kinds[i], want[i])
		}
	}
}

func TestRunFiresImmediateRound(t *testing.T) {
	journal := &memJournal{}
	prober := &scriptProber{snapshots: []map[string]bool{
		{"aa:bb": true, "cc:dd": true},
	}}
	m := New(Config{
		Engine:   testEngine(t),
		Prober:   prober,
		Journal:  journal,
		Logger:   discardLogger(),
		Interval: time.Hour, // only the immediate round fires
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(ctx)
	}()

	deadline := time.After(5 * time.Second)
	for {
		prober.mu.Lock()
		calls := prober.calls
		prober.mu.Unlock()
		if calls >= 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for the immediate round")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	<-done
}
