// Package events implements the structured event feed named in spec.md
// §7 ("all state transitions ... and all error kinds are observable via
// metrics and a structured event feed"). It is independent of the
// Prometheus counters in the metrics package: metrics answer "how many",
// the feed answers "what just happened, to what". Every other component
// in this repo exposes a paired output/error channel accessor
// (usbdevice.Observer's Events/Alarms, debounce.Debouncer's Batches/Errs,
// watcher.Watcher's Changes/Errs); Feed
// generalizes that same shape into a single fan-out point operators and
// tests can subscribe to.
package events

import "sync"

// Kind names one of the structured events spec.md §7 enumerates.
type Kind string

const (
	KindPluginLoaded     Kind = "plugin:loaded"
	KindPluginError      Kind = "plugin:error"
	KindWorkerCreated    Kind = "worker:created"
	KindWorkerTerminated Kind = "worker:terminated"
	KindBackpressure     Kind = "backpressure"
	KindMemoryWarning    Kind = "memory-warning"
	KindMemoryCritical   Kind = "memory-critical"
)

// Event is one structured occurrence published to the feed.
type Event struct {
	Kind    Kind
	Subject string // e.g. a plugin directory or worker id
	Reason  string // e.g. an error message, or the backpressure window multiplier as text
}

// Feed fans out Events to every current subscriber. Publishing never
// blocks: a subscriber that falls behind drops events rather than
// stalling the publisher, since the feed is an observability aid, not a
// delivery-guaranteed channel (the durable Event Stream in the stream
// package is the at-least-once path).
type Feed struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

// New creates an empty Feed.
func New() *Feed {
	return &Feed{subs: make(map[int]chan Event)}
}

// Subscribe registers a new listener with the given channel buffer size
// and returns the channel plus an unsubscribe function.
func (f *Feed) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	f.mu.Lock()
	id := f.next
	f.next++
	f.subs[id] = ch
	f.mu.Unlock()

	unsubscribe := func() {
		f.mu.Lock()
		if sub, ok := f.subs[id]; ok {
			delete(f.subs, id)
			close(sub)
		}
		f.mu.Unlock()
	}
	return ch, unsubscribe
}

// Publish fans ev out to every current subscriber, dropping it for any
// subscriber whose buffer is full.
func (f *Feed) Publish(ev Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
