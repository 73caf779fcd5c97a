// Package events provides a publish/subscribe event bus decoupling the
// monitor loop from its sinks. Confirmed transitions flow from the
// monitor to subscribers (Telegram notifier, MQTT publisher) without
// the loop ever blocking on a sink: a slow or failed consumer costs
// delivery, never a polling round. The bus is nil-safe: calling
// Publish on a nil *Bus is a no-op, so components do not need guard
// checks when a sink is not configured.
package events

import (
	"sync"
	"time"

	"github.com/chaollapark/homelab/internal/presence"
)

// Source constants identify which component published an event.
const (
	// SourceMonitor identifies events from the polling loop.
	SourceMonitor = "monitor"
	// SourceTelegram identifies events from the bot command surface.
	SourceTelegram = "telegram"
	// SourceRouter identifies events from router control operations.
	SourceRouter = "router"
)

// Kind constants describe the type of event within a source.
const (
	// KindTransition signals a confirmed presence transition.
	// Transition is set.
	KindTransition = "transition"
	// KindSeed signals a device's first-ever sighting.
	// Data: device_id, name, state.
	KindSeed = "seed"
	// KindPollStart signals the beginning of a probe round.
	// Data: round.
	KindPollStart = "poll_start"
	// KindPollComplete signals the end of a probe round.
	// Data: round, online, tracked, transitions.
	KindPollComplete = "poll_complete"
	// KindCommand signals a bot command was handled.
	// Data: command, sender, ok.
	KindCommand = "command"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Transition carries the presence transition for KindTransition
	// events, nil otherwise.
	Transition *presence.TransitionEvent `json:"transition,omitempty"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs. This allows
	// Unsubscribe to accept <-chan Event (the caller's view) without
	// an illegal type conversion.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full — drop the event rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; transitions are rare, so even
// a small buffer makes loss a non-event in practice.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
