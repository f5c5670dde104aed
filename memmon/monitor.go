// Package memmon implements the process-wide memory monitor spec.md §5
// describes: every cache in the core registers with it, and on a `warn`
// threshold crossing every registered cache's ShrinkCache is called; on
// `critical` every cache is flushed and a GC hint is issued.
package memmon

import (
	"context"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/gontrandl/autoweave-core/events"
)

// Shrinkable is implemented by every cache memmon can act on:
// manifest.Validator and usbdevice.Observer both implement it.
type Shrinkable interface {
	// ShrinkCache shrinks the cache, evicting LRU entries.
	ShrinkCache()
	// FlushCache discards every cached entry.
	FlushCache()
}

// Config tunes the monitor's polling cadence and the heap-size
// thresholds (in bytes, measured against runtime.MemStats.HeapAlloc)
// that trigger warn/critical handling.
type Config struct {
	PollInterval  time.Duration
	WarnBytes     uint64
	CriticalBytes uint64
}

// DefaultConfig polls every 10s; the byte thresholds have no
// spec-mandated default and must be set by the caller from the host's
// actual memory budget, so DefaultConfig leaves them at 0 (disabled)
// unless overridden.
func DefaultConfig() Config {
	return Config{PollInterval: 10 * time.Second}
}

// Monitor polls runtime.MemStats and drives registered Shrinkable caches
// through spec.md §5's warn/critical policy.
type Monitor struct {
	cfg    Config
	feed   *events.Feed
	caches []Shrinkable

	wasWarn, wasCritical bool
}

// New creates a Monitor publishing warn/critical transitions to feed.
func New(cfg Config, feed *events.Feed) *Monitor {
	return &Monitor{cfg: cfg, feed: feed}
}

// Register adds a cache to the set memmon shrinks/flushes on memory
// pressure. Not safe to call concurrently with Run.
func (m *Monitor) Register(c Shrinkable) {
	m.caches = append(m.caches, c)
}

// Run polls until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	if m.cfg.PollInterval <= 0 {
		return
	}
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.poll()
		}
	}
}

func (m *Monitor) poll() {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)

	switch {
	case m.cfg.CriticalBytes > 0 && stats.HeapAlloc >= m.cfg.CriticalBytes:
		if !m.wasCritical {
			m.feed.Publish(events.Event{Kind: events.KindMemoryCritical})
		}
		m.wasCritical = true
		m.wasWarn = true
		for _, c := range m.caches {
			c.FlushCache()
		}
		debug.FreeOSMemory()
	case m.cfg.WarnBytes > 0 && stats.HeapAlloc >= m.cfg.WarnBytes:
		if !m.wasWarn {
			m.feed.Publish(events.Event{Kind: events.KindMemoryWarning})
		}
		m.wasWarn = true
		m.wasCritical = false
		for _, c := range m.caches {
			c.ShrinkCache()
		}
	default:
		m.wasWarn = false
		m.wasCritical = false
	}
}
