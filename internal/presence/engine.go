package presence

import "time"

// Engine holds one Record per configured TrackedDevice and applies the
// debounce rules to raw reachability samples. It is not safe for
// concurrent use; the monitor loop is the single writer.
type Engine struct {
	devices map[string]TrackedDevice
	records map[string]*Record
	order   []string // config order, for deterministic status output
}

// NewEngine creates an engine with an unseeded record per device.
// Thresholds below 1 are clamped to 1 (a threshold of 1 means a single
// opposite sample flips the state — no debounce).
func NewEngine(devices []TrackedDevice) *Engine {
	e := &Engine{
		devices: make(map[string]TrackedDevice, len(devices)),
		records: make(map[string]*Record, len(devices)),
		order:   make([]string, 0, len(devices)),
	}
	for _, d := range devices {
		if d.MissThreshold < 1 {
			d.MissThreshold = 1
		}
		if d.HitThreshold < 1 {
			d.HitThreshold = 1
		}
		e.devices[d.ID] = d
		e.records[d.ID] = &Record{State: Absent}
		e.order = append(e.order, d.ID)
	}
	return e
}

// Seed rehydrates a device's confirmed state from persisted history,
// typically the journal's last entry after a restart. The next Observe
// is a normal debounced observation against this state, so a state
// that was already confirmed and logged before the restart is never
// re-announced. Pending states are collapsed to their confirmed state.
func (e *Engine) Seed(deviceID string, s State) error {
	rec, ok := e.records[deviceID]
	if !ok {
		return &UnknownDeviceError{DeviceID: deviceID}
	}
	rec.State = s.Confirmed()
	rec.Misses = 0
	rec.Hits = 0
	rec.seeded = true
	return nil
}

// Observe feeds one raw reachability sample for one device and returns
// a TransitionEvent if this sample confirms a state change, nil
// otherwise.
//
// The first-ever sample for an unseeded device initializes its record
// directly (Present if reachable, Absent otherwise) and never emits an
// event — initialization is not a transition, and emitting here would
// produce a notification storm at every cold start.
//
// After that, a sample matching the confirmed state resets the opposing
// counter; an opposite-polarity sample increments its counter, and the
// state flips exactly when the counter reaches the device's threshold.
// Both counters reset on a flip. Callers must map probe failures to
// reachable=false before calling — a failed probe is evidence of
// unreachability, not a sample to drop.
func (e *Engine) Observe(deviceID string, reachable bool, at time.Time) (*TransitionEvent, error) {
	dev, ok := e.devices[deviceID]
	if !ok {
		return nil, &UnknownDeviceError{DeviceID: deviceID}
	}
	rec := e.records[deviceID]

	if !rec.seeded {
		if reachable {
			rec.State = Present
		} else {
			rec.State = Absent
		}
		rec.Misses = 0
		rec.Hits = 0
		rec.seeded = true
		return nil, nil
	}

	switch rec.State.Confirmed() {
	case Present:
		if reachable {
			// Confirming sample: any accumulated miss run is noise.
			rec.State = Present
			rec.Misses = 0
			return nil, nil
		}
		rec.Misses++
		if rec.Misses < dev.MissThreshold {
			rec.State = PendingAbsent
			return nil, nil
		}
		rec.State = Absent
		rec.Misses = 0
		rec.Hits = 0
		rec.LastTransition = at
		return e.newEvent(dev, Departed, at), nil

	default: // Absent
		if !reachable {
			rec.State = Absent
			rec.Hits = 0
			return nil, nil
		}
		rec.Hits++
		if rec.Hits < dev.HitThreshold {
			rec.State = PendingPresent
			return nil, nil
		}
		rec.State = Present
		rec.Misses = 0
		rec.Hits = 0
		rec.LastTransition = at
		return e.newEvent(dev, Arrived, at), nil
	}
}

func (e *Engine) newEvent(dev TrackedDevice, dir Direction, at time.Time) *TransitionEvent {
	return &TransitionEvent{
		ID:        newEventID(),
		DeviceID:  dev.ID,
		Name:      dev.Name,
		Direction: dir,
		At:        at,
	}
}

// Device returns the configuration for a tracked device.
func (e *Engine) Device(deviceID string) (TrackedDevice, bool) {
	d, ok := e.devices[deviceID]
	return d, ok
}

// DeviceIDs returns the tracked device IDs in configuration order.
// The returned slice is a copy.
func (e *Engine) DeviceIDs() []string {
	ids := make([]string, len(e.order))
	copy(ids, e.order)
	return ids
}

// Record returns a copy of the current record for a device. The bool
// is false for unknown devices and for devices that have not yet been
// seeded by history or a first sample.
func (e *Engine) Record(deviceID string) (Record, bool) {
	rec, ok := e.records[deviceID]
	if !ok || !rec.seeded {
		return Record{}, false
	}
	return *rec, true
}

// States returns the confirmed state per device for every seeded
// device, in a freshly allocated map.
func (e *Engine) States() map[string]State {
	out := make(map[string]State, len(e.records))
	for id, rec := range e.records {
		if !rec.seeded {
			continue
		}
		out[id] = rec.State.Confirmed()
	}
	return out
}
