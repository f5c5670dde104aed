// Package debouncetimer provides a per-key timer map shared by the Event
// Debouncer and the plugin directory Watcher, both of which need to fire a
// callback once per key after some quiet or fixed window, driven by an
// injectable clock rather than wall-clock timers.
package debouncetimer

import (
	"sync"
	"time"

	"github.com/gontrandl/autoweave-core/internal/clock"
)

// Manager schedules at most one pending timer per key.
type Manager[K comparable] struct {
	clock clock.Clock

	mu     sync.Mutex
	timers map[K]*pending
}

type pending struct {
	generation uint64
}

// New creates a Manager driven by c.
func New[K comparable](c clock.Clock) *Manager[K] {
	return &Manager[K]{clock: c, timers: make(map[K]*pending)}
}

// StartIfAbsent schedules fn to run after d if, and only if, no timer is
// currently pending for key. This implements a fixed window measured from
// the first event in a burst (the Event Debouncer's coalescing window),
// as opposed to a quiet-period reset.
func (m *Manager[K]) StartIfAbsent(key K, d time.Duration, fn func()) {
	m.mu.Lock()
	if _, exists := m.timers[key]; exists {
		m.mu.Unlock()
		return
	}
	p := &pending{}
	m.timers[key] = p
	m.mu.Unlock()

	m.wait(key, p, d, fn)
}

// Reset (re)schedules fn to run after d, cancelling any previously pending
// timer for key. This implements classic quiet-period debouncing (the
// Watcher's per-path settle window).
func (m *Manager[K]) Reset(key K, d time.Duration, fn func()) {
	m.mu.Lock()
	p := &pending{}
	m.timers[key] = p
	m.mu.Unlock()

	m.wait(key, p, d, fn)
}

func (m *Manager[K]) wait(key K, p *pending, d time.Duration, fn func()) {
	ch := m.clock.After(d)
	go func() {
		<-ch
		m.mu.Lock()
		current, ok := m.timers[key]
		if !ok || current != p {
			m.mu.Unlock()
			return
		}
		delete(m.timers, key)
		m.mu.Unlock()
		fn()
	}()
}

// Cancel drops any pending timer for key; its callback will not fire.
func (m *Manager[K]) Cancel(key K) {
	m.mu.Lock()
	delete(m.timers, key)
	m.mu.Unlock()
}

// Pending reports whether a timer is currently scheduled for key.
func (m *Manager[K]) Pending(key K) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.timers[key]
	return ok
}
