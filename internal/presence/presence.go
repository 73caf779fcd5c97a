// Package presence implements the debounced presence state machine at
// the heart of presenced. It consumes raw per-round reachability
// samples for each tracked device and decides when a device has
// genuinely arrived or departed, emitting at most one transition event
// per confirmed state change.
//
// The package performs no I/O. Probing, persistence, and notification
// are collaborator concerns; the engine only does counter arithmetic
// over an in-memory record per device. The monitor drives Observe
// strictly sequentially, so the engine needs no locking.
package presence

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// State is a device's confirmed or pending presence state.
type State int

const (
	// Present means the last confirmed state is reachable.
	Present State = iota
	// Absent means the last confirmed state is unreachable.
	Absent
	// PendingAbsent is Present with a run of misses accumulating
	// toward the miss threshold.
	PendingAbsent
	// PendingPresent is Absent with a run of hits accumulating toward
	// the hit threshold.
	PendingPresent
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case Present:
		return "present"
	case Absent:
		return "absent"
	case PendingAbsent:
		return "pending_absent"
	case PendingPresent:
		return "pending_present"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Confirmed collapses a pending state to its underlying confirmed
// state: PendingAbsent is still Present, PendingPresent still Absent.
func (s State) Confirmed() State {
	switch s {
	case PendingAbsent:
		return Present
	case PendingPresent:
		return Absent
	default:
		return s
	}
}

// Direction distinguishes the two kinds of transition.
type Direction int

const (
	// Arrived is the Absent → Present transition.
	Arrived Direction = iota
	// Departed is the Present → Absent transition.
	Departed
)

// String returns the lowercase direction name.
func (d Direction) String() string {
	if d == Arrived {
		return "arrived"
	}
	return "departed"
}

// TrackedDevice is a configured identity to monitor. Immutable for the
// process lifetime.
type TrackedDevice struct {
	// ID is the stable identifier: a MAC address when the router host
	// table is the reachability source, an IP address under ICMP.
	ID string
	// Name is the display name used in notifications and the journal.
	Name string
	// MissThreshold is the number of consecutive misses required to
	// confirm a departure.
	MissThreshold int
	// HitThreshold is the number of consecutive hits required to
	// confirm an arrival.
	HitThreshold int
}

// TransitionEvent is an immutable fact: a confirmed Present↔Absent
// state change for one device.
type TransitionEvent struct {
	ID        string
	DeviceID  string
	Name      string
	Direction Direction
	At        time.Time
}

// Record is the per-device mutable state owned by the Engine.
type Record struct {
	State          State
	Misses         int
	Hits           int
	LastTransition time.Time

	seeded bool
}

// UnknownDeviceError reports an Observe or Seed call for a device that
// was never configured. It indicates a caller bug, not a runtime
// condition; no engine state is mutated when it is returned.
type UnknownDeviceError struct {
	DeviceID string
}

func (e *UnknownDeviceError) Error() string {
	return fmt.Sprintf("presence: unknown device %q", e.DeviceID)
}

func newEventID() string {
	return uuid.NewString()
}
