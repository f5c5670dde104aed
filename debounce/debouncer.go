// Package debounce implements the Event Debouncer: it coalesces bursty
// USB attach/detach notifications per device signature, preserves
// opposing-action transitions that occur inside the coalescing window,
// rate-limits and batches the result, and applies bounded backpressure
// ahead of the durable Event Stream.
package debounce

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gontrandl/autoweave-core/internal/clock"
	"github.com/gontrandl/autoweave-core/internal/debouncetimer"
	"github.com/gontrandl/autoweave-core/metrics"
	"github.com/gontrandl/autoweave-core/ringbuffer"
	"github.com/gontrandl/autoweave-core/usbdevice"
)

type keyWindow struct {
	events []usbdevice.Event
}

// Debouncer coalesces usbdevice.Event values keyed by device signature.
type Debouncer struct {
	clock clock.Clock
	cfg   Config

	mu      sync.Mutex
	windows map[string]*keyWindow

	timers  *debouncetimer.Manager[string]
	limiter *tokenBucket
	ring    *ringbuffer.Ring[usbdevice.Event]

	window atomic.Int64 // nanoseconds; overrides cfg.DebounceWindow when set

	notify chan struct{}
	out    chan []usbdevice.Event
	errs   chan error
}

// New creates a Debouncer. A nil clock uses the real system clock.
func New(c clock.Clock, cfg Config) *Debouncer {
	if c == nil {
		c = clock.Real()
	}
	d := &Debouncer{
		clock:   c,
		cfg:     cfg,
		windows: make(map[string]*keyWindow),
		timers:  debouncetimer.New[string](c),
		limiter: newTokenBucket(c, cfg.MaxEventsPerSecond),
		ring:    ringbuffer.New[usbdevice.Event](cfg.BackpressureCapacity),
		notify:  make(chan struct{}, 1),
		out:     make(chan []usbdevice.Event, 4),
		errs:    make(chan error, 32),
	}
	d.window.Store(int64(cfg.DebounceWindow))
	return d
}

// SetWindow adjusts the coalescing window at runtime. main's
// backoffController calls this from the BatchPublisher's OnBackpressure
// signal to double the window under sustained publish backpressure
// (spec.md §5), and to restore it once pressure clears.
func (d *Debouncer) SetWindow(w time.Duration) {
	d.window.Store(int64(w))
}

func (d *Debouncer) currentWindow() time.Duration {
	return time.Duration(d.window.Load())
}

// Batches returns the channel of rate-limited, batched event groups.
func (d *Debouncer) Batches() <-chan []usbdevice.Event { return d.out }

// Errs returns the channel of non-fatal DebouncerError conditions.
func (d *Debouncer) Errs() <-chan error { return d.errs }

// Submit enqueues a raw observer event into its device-signature window.
// Consecutive same-action events coalesce into the most recent one;
// an opposing action arriving before the window flushes is preserved as
// a second entry rather than cancelling the pending one.
func (d *Debouncer) Submit(ev usbdevice.Event) {
	key := ev.Info.Signature

	d.mu.Lock()
	w, exists := d.windows[key]
	if !exists {
		w = &keyWindow{}
		d.windows[key] = w
	}
	if len(w.events) > 0 && w.events[len(w.events)-1].Action == ev.Action {
		w.events[len(w.events)-1] = ev
	} else {
		w.events = append(w.events, ev)
	}
	d.mu.Unlock()

	d.timers.StartIfAbsent(key, d.currentWindow(), func() { d.flushKey(key) })
}

func (d *Debouncer) flushKey(key string) {
	d.mu.Lock()
	w, ok := d.windows[key]
	delete(d.windows, key)
	d.mu.Unlock()
	if !ok {
		return
	}

	for _, ev := range w.events {
		if err := d.ring.Push(ev); err != nil {
			d.reportOverflow(key)
			continue
		}
	}
	d.signal()
}

func (d *Debouncer) reportOverflow(key string) {
	metrics.DebouncerOverflowTotal.Inc()
	select {
	case d.errs <- &DebouncerError{Kind: KindOverflow, Key: key}:
	default:
	}
}

func (d *Debouncer) signal() {
	select {
	case d.notify <- struct{}{}:
	default:
	}
}

// Run drives batching and rate-limited dispatch until ctx is cancelled.
// It flushes any partial batch before returning.
func (d *Debouncer) Run(ctx context.Context) {
	defer close(d.out)

	var batch []usbdevice.Event
	var batchDeadline time.Time

	for {
		var tokenWait time.Duration
		for {
			ev, ok := d.ring.Peek()
			if !ok {
				break
			}
			allowed, wait := d.limiter.Take()
			if !allowed {
				tokenWait = wait
				break
			}
			d.ring.Pop()
			if len(batch) == 0 {
				batchDeadline = d.clock.Now().Add(d.cfg.BatchMaxAge)
			}
			batch = append(batch, ev)
			if len(batch) >= d.cfg.BatchSize {
				batch = d.dispatch(batch)
			}
		}

		if ctx.Err() != nil {
			if len(batch) > 0 {
				d.dispatch(batch)
			}
			return
		}

		var wakeup <-chan time.Time
		switch {
		case tokenWait > 0:
			wakeup = d.clock.After(tokenWait)
		case len(batch) > 0:
			if remaining := batchDeadline.Sub(d.clock.Now()); remaining > 0 {
				wakeup = d.clock.After(remaining)
			} else {
				batch = d.dispatch(batch)
				continue
			}
		}

		select {
		case <-ctx.Done():
			if len(batch) > 0 {
				d.dispatch(batch)
			}
			return
		case <-d.notify:
		case <-wakeup:
		}
	}
}

// dispatch sends batch downstream and returns a fresh, empty batch slice.
func (d *Debouncer) dispatch(batch []usbdevice.Event) []usbdevice.Event {
	if len(batch) == 0 {
		return batch
	}
	d.out <- batch
	return nil
}
