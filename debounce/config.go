package debounce

import "time"

// Config holds the Event Debouncer's tunables (spec.md §4.2, §6).
type Config struct {
	// DebounceWindow is the coalescing window measured from the first
	// event seen for a device signature.
	DebounceWindow time.Duration
	// MaxEventsPerSecond caps the Debouncer's downstream emission rate.
	// <= 0 disables rate limiting.
	MaxEventsPerSecond int
	// BatchSize is the number of coalesced events collected into one
	// downstream batch before it is flushed early.
	BatchSize int
	// BatchMaxAge flushes a partially-filled batch once its oldest
	// member has waited this long, so a quiet period never starves a
	// pending batch.
	BatchMaxAge time.Duration
	// BackpressureCapacity bounds the ring buffer sitting between
	// debounce-window flush and rate-limited batch dispatch.
	BackpressureCapacity int
}

// DefaultConfig returns the defaults named in spec.md §6
// (performance.debounce_ms, .max_events_per_second, .batch_size,
// .event_buffer_size).
func DefaultConfig() Config {
	return Config{
		DebounceWindow:       50 * time.Millisecond,
		MaxEventsPerSecond:   100,
		BatchSize:            10,
		BatchMaxAge:          50 * time.Millisecond,
		BackpressureCapacity: 1000,
	}
}
