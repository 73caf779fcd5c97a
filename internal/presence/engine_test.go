package presence

import (
	"errors"
	"testing"
	"time"
)

func testEngine(t *testing.T) *Engine {
	t.Helper()
	return NewEngine([]TrackedDevice{
		{ID: "aa:bb:cc:dd:ee:01", Name: "phone", MissThreshold: 3, HitThreshold: 2},
		{ID: "aa:bb:cc:dd:ee:02", Name: "tablet", MissThreshold: 2, HitThreshold: 2},
	})
}

// feed drives a run of samples and returns every emitted event.
func feed(t *testing.T, e *Engine, id string, samples []bool) []*TransitionEvent {
	t.Helper()
	var events []*TransitionEvent
	at := time.Date(2026, 8, 1, 8, 0, 0, 0, time.UTC)
	for i, s := range samples {
		ev, err := e.Observe(id, s, at.Add(time.Duration(i)*30*time.Second))
		if err != nil {
			t.Fatalf("Observe(%q, sample %d): %v", id, i, err)
		}
		if ev != nil {
			events = append(events, ev)
		}
	}
	return events
}

func TestObserve_FirstSampleSeedsWithoutEvent(t *testing.T) {
	e := testEngine(t)

	events := feed(t, e, "aa:bb:cc:dd:ee:01", []bool{true})
	if len(events) != 0 {
		t.Fatalf("seeding emitted %d events, want 0", len(events))
	}

	rec, ok := e.Record("aa:bb:cc:dd:ee:01")
	if !ok {
		t.Fatal("Record() not found after seeding")
	}
	if rec.State != Present {
		t.Errorf("seeded state = %v, want Present", rec.State)
	}

	// Unreachable first sample seeds Absent.
	events = feed(t, e, "aa:bb:cc:dd:ee:02", []bool{false})
	if len(events) != 0 {
		t.Fatalf("seeding emitted %d events, want 0", len(events))
	}
	rec, _ = e.Record("aa:bb:cc:dd:ee:02")
	if rec.State != Absent {
		t.Errorf("seeded state = %v, want Absent", rec.State)
	}
}

func TestObserve_InterleavedHitResetsMissCounter(t *testing.T) {
	// Worked example: miss-threshold=3, hit-threshold=2, device starts
	// PRESENT. Samples [F F T F F F]: the first two misses arm nothing,
	// the hit resets the miss run, then three consecutive misses produce
	// exactly one DEPARTED after the sixth sample.
	e := testEngine(t)
	const id = "aa:bb:cc:dd:ee:01"

	feed(t, e, id, []bool{true}) // seed PRESENT

	events := feed(t, e, id, []bool{false, false, true, false, false})
	if len(events) != 0 {
		t.Fatalf("got %d events before the miss run completed, want 0", len(events))
	}
	rec, _ := e.Record(id)
	if rec.State.Confirmed() != Present {
		t.Errorf("confirmed state = %v mid-run, want Present", rec.State)
	}

	events = feed(t, e, id, []bool{false})
	if len(events) != 1 {
		t.Fatalf("got %d events after third consecutive miss, want 1", len(events))
	}
	if events[0].Direction != Departed {
		t.Errorf("direction = %v, want Departed", events[0].Direction)
	}
	if events[0].DeviceID != id || events[0].Name != "phone" {
		t.Errorf("event identity = %s/%s, want %s/phone", events[0].DeviceID, events[0].Name, id)
	}
}

func TestObserve_ArrivalAfterHitThreshold(t *testing.T) {
	e := testEngine(t)
	const id = "aa:bb:cc:dd:ee:01"

	feed(t, e, id, []bool{false}) // seed ABSENT

	events := feed(t, e, id, []bool{true})
	if len(events) != 0 {
		t.Fatalf("one hit produced %d events, want 0 (threshold is 2)", len(events))
	}

	events = feed(t, e, id, []bool{true})
	if len(events) != 1 {
		t.Fatalf("second consecutive hit produced %d events, want 1", len(events))
	}
	if events[0].Direction != Arrived {
		t.Errorf("direction = %v, want Arrived", events[0].Direction)
	}

	rec, _ := e.Record(id)
	if rec.Hits != 0 || rec.Misses != 0 {
		t.Errorf("counters after transition = hits %d misses %d, want 0/0", rec.Hits, rec.Misses)
	}
	if rec.LastTransition.IsZero() {
		t.Error("LastTransition not stamped")
	}
}

func TestObserve_InterleavedMissResetsHitCounter(t *testing.T) {
	e := testEngine(t)
	const id = "aa:bb:cc:dd:ee:01"

	feed(t, e, id, []bool{false}) // seed ABSENT

	// One hit, then a miss, then one hit: the miss must reset the hit
	// run, so no arrival fires.
	events := feed(t, e, id, []bool{true, false, true})
	if len(events) != 0 {
		t.Fatalf("got %d events, want 0 (hit run was broken)", len(events))
	}

	events = feed(t, e, id, []bool{true})
	if len(events) != 1 {
		t.Fatalf("got %d events after uninterrupted hit run, want 1", len(events))
	}
}

func TestObserve_ExactlyOneEventPerTransition(t *testing.T) {
	e := testEngine(t)
	const id = "aa:bb:cc:dd:ee:02" // miss 2 / hit 2

	feed(t, e, id, []bool{true}) // seed PRESENT

	events := feed(t, e, id, []bool{false, false, false, false, true, true, true})
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2 (one departure, one arrival)", len(events))
	}
	if events[0].Direction != Departed || events[1].Direction != Arrived {
		t.Errorf("directions = %v, %v, want Departed, Arrived", events[0].Direction, events[1].Direction)
	}
	if events[0].ID == events[1].ID {
		t.Error("events share an ID, want unique IDs")
	}
}

func TestObserve_ThresholdOneFlipsImmediately(t *testing.T) {
	e := NewEngine([]TrackedDevice{{ID: "x", Name: "x", MissThreshold: 1, HitThreshold: 1}})

	feed(t, e, "x", []bool{true})
	events := feed(t, e, "x", []bool{false, true, false})
	if len(events) != 3 {
		t.Fatalf("threshold 1 produced %d events over 3 flips, want 3", len(events))
	}
}

func TestObserve_UnknownDevice(t *testing.T) {
	e := testEngine(t)
	feed(t, e, "aa:bb:cc:dd:ee:01", []bool{true})
	before, _ := e.Record("aa:bb:cc:dd:ee:01")

	_, err := e.Observe("never-configured", true, time.Now())
	if err == nil {
		t.Fatal("Observe(unknown) returned nil error")
	}
	var unknownErr *UnknownDeviceError
	if !errors.As(err, &unknownErr) {
		t.Fatalf("error type = %T, want *UnknownDeviceError", err)
	}
	if unknownErr.DeviceID != "never-configured" {
		t.Errorf("error device = %q, want %q", unknownErr.DeviceID, "never-configured")
	}

	// No record was touched.
	after, _ := e.Record("aa:bb:cc:dd:ee:01")
	if before != after {
		t.Errorf("record changed by unknown-device observe: %+v → %+v", before, after)
	}
	if _, ok := e.Record("never-configured"); ok {
		t.Error("record materialized for unknown device")
	}
}

func TestSeed_RestartIdempotence(t *testing.T) {
	// The journal's last entry says DEPARTED; after reseeding, repeated
	// misses must stay silent, and only a full hit run re-arrives.
	e := testEngine(t)
	const id = "aa:bb:cc:dd:ee:01"

	if err := e.Seed(id, Absent); err != nil {
		t.Fatalf("Seed(): %v", err)
	}

	events := feed(t, e, id, []bool{false, false, false, false, false})
	if len(events) != 0 {
		t.Fatalf("reseeded Absent device emitted %d events on misses, want 0", len(events))
	}

	events = feed(t, e, id, []bool{true, true})
	if len(events) != 1 || events[0].Direction != Arrived {
		t.Fatalf("events after hit run = %v, want exactly one Arrived", events)
	}
}

func TestSeed_PendingStateCollapses(t *testing.T) {
	e := testEngine(t)
	const id = "aa:bb:cc:dd:ee:01"

	if err := e.Seed(id, PendingAbsent); err != nil {
		t.Fatalf("Seed(): %v", err)
	}
	rec, ok := e.Record(id)
	if !ok {
		t.Fatal("Record() not found after Seed")
	}
	if rec.State != Present {
		t.Errorf("seeded state = %v, want Present (PendingAbsent collapsed)", rec.State)
	}
}

func TestSeed_UnknownDevice(t *testing.T) {
	e := testEngine(t)
	err := e.Seed("nope", Present)
	var unknownErr *UnknownDeviceError
	if !errors.As(err, &unknownErr) {
		t.Fatalf("Seed(unknown) error = %v, want *UnknownDeviceError", err)
	}
}

func TestStates_OnlySeededDevices(t *testing.T) {
	e := testEngine(t)
	feed(t, e, "aa:bb:cc:dd:ee:01", []bool{true})

	states := e.States()
	if len(states) != 1 {
		t.Fatalf("States() has %d entries, want 1 (only the seeded device)", len(states))
	}
	if states["aa:bb:cc:dd:ee:01"] != Present {
		t.Errorf("state = %v, want Present", states["aa:bb:cc:dd:ee:01"])
	}
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		Present:        "present",
		Absent:         "absent",
		PendingAbsent:  "pending_absent",
		PendingPresent: "pending_present",
	}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", int(s), got, want)
		}
	}
	if got := Arrived.String(); got != "arrived" {
		t.Errorf("Arrived.String() = %q", got)
	}
	if got := Departed.String(); got != "departed" {
		t.Errorf("Departed.String() = %q", got)
	}
}
