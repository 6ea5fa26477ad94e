// Package events provides a publish/subscribe event bus for run
// telemetry. Events flow from runs and the supervisor to subscribers
// (the WebSocket stream, the MQTT forwarder) and to per-run trace
// files. The bus is nil-safe: calling Publish on a nil *Bus is a no-op,
// so components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceRuntime identifies events emitted by a run's decision loop.
	SourceRuntime = "runtime"
	// SourceRuns identifies lifecycle events from the run supervisor.
	SourceRuns = "runs"
	// SourceEngine identifies tool engine health changes.
	SourceEngine = "engine"
)

// Kind constants for supervisor and engine events. Runtime events use
// the kinds defined by the agent package.
const (
	// KindRunSubmitted signals a run was accepted.
	// Data: goal, agent, user.
	KindRunSubmitted = "run_submitted"
	// KindCancelRequested signals a cancel request for a run.
	// Data: key, correlation_id.
	KindCancelRequested = "cancel_requested"
	// KindEngineReady signals a tool engine became reachable.
	// Data: engine.
	KindEngineReady = "engine_ready"
	// KindEngineDown signals a tool engine stopped responding.
	// Data: engine, error.
	KindEngineDown = "engine_down"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// RunID ties the event to a run, when it concerns one.
	RunID string `json:"run_id,omitempty"`
	// Step is the loop iteration the event belongs to.
	Step int `json:"step,omitempty"`
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
			// Subscriber is full; drop rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default for
// WebSocket consumers.
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
