package stream

import (
	"context"
	"time"

	"github.com/gontrandl/autoweave-core/internal/clock"
	"github.com/gontrandl/autoweave-core/metrics"
	"github.com/gontrandl/autoweave-core/usbdevice"
)

// PublisherConfig tunes the BatchPublisher's retry/backoff schedule
// (spec.md §5: "50ms base, 1s cap"), an explicit doubling schedule
// rather than a library-driven retry policy.
type PublisherConfig struct {
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	MaxRetries     int
	ShutdownWindow time.Duration
}

// DefaultPublisherConfig returns the defaults named in spec.md §6.
func DefaultPublisherConfig() PublisherConfig {
	return PublisherConfig{
		BaseBackoff:    50 * time.Millisecond,
		MaxBackoff:     time.Second,
		MaxRetries:     3,
		ShutdownWindow: 5 * time.Second,
	}
}

// BatchPublisher drains batches of coalesced USB events and appends them
// to a Store with at-least-once delivery: a batch is only dropped from
// the in-memory queue once Append succeeds.
type BatchPublisher struct {
	store   *Store
	batches <-chan []usbdevice.Event
	cfg     PublisherConfig
	clock   clock.Clock

	// OnBackpressure is invoked with true once MaxRetries consecutive
	// append attempts for a batch have failed (signalling the Debouncer to widen
	// its coalescing window), and with false once publishing recovers.
	OnBackpressure func(active bool)

	// OnAppended is invoked once a batch durably commits, with the
	// sequence-stamped records the Store assigned. The Plugin Manager's
	// Dispatch is driven from here, so dispatch only ever sees events
	// that already have an at-least-once durable home (spec.md §8
	// property 4).
	OnAppended func([]StreamEvent)

	errs chan error
	done chan struct{}
}

// NewBatchPublisher creates a BatchPublisher. A nil clock uses the real
// system clock.
func NewBatchPublisher(store *Store, batches <-chan []usbdevice.Event, cfg PublisherConfig, c clock.Clock) *BatchPublisher {
	if c == nil {
		c = clock.Real()
	}
	return &BatchPublisher{
		store:   store,
		batches: batches,
		cfg:     cfg,
		clock:   c,
		errs:    make(chan error, 32),
		done:    make(chan struct{}),
	}
}

// Errs returns the channel of publish errors that were ultimately
// retried past (informational; delivery itself is not abandoned).
func (p *BatchPublisher) Errs() <-chan error { return p.errs }

// Run drains batches until the channel closes or ctx is cancelled,
// publishing each with retry/backoff. On ctx cancellation it keeps
// trying to flush whatever batch is in flight until ShutdownWindow
// elapses, then gives up (spec.md §5's force_flush/shutdown_timeout
// escalation).
func (p *BatchPublisher) Run(ctx context.Context) {
	defer close(p.done)
	for {
		select {
		case batch, ok := <-p.batches:
			if !ok {
				return
			}
			p.publishWithRetry(ctx, batch)
		case <-ctx.Done():
			return
		}
	}
}

func (p *BatchPublisher) publishWithRetry(ctx context.Context, batch []usbdevice.Event) {
	events := make([]StreamEvent, len(batch))
	for i, ev := range batch {
		events[i] = FromObserverEvent(ev)
	}

	backoff := p.cfg.BaseBackoff
	attempts := 0
	pressureSignalled := false
	var shutdownDeadline time.Time // zero until ctx first observed cancelled

	for {
		if err := p.store.Append(events); err == nil {
			if pressureSignalled && p.OnBackpressure != nil {
				p.OnBackpressure(false)
			}
			if p.OnAppended != nil {
				p.OnAppended(events)
			}
			return
		} else {
			attempts++
			metrics.StreamAppendFailuresTotal.Inc()
			select {
			case p.errs <- err:
			default:
			}
		}

		if attempts >= p.cfg.MaxRetries && !pressureSignalled {
			pressureSignalled = true
			if p.OnBackpressure != nil {
				p.OnBackpressure(true)
			}
		}

		if ctx.Err() != nil {
			if shutdownDeadline.IsZero() {
				shutdownDeadline = p.clock.Now().Add(p.cfg.ShutdownWindow)
			}
			if !p.clock.Now().Before(shutdownDeadline) {
				return
			}
		}

		select {
		case <-p.clock.After(backoff):
		case <-ctx.Done():
		}

		backoff *= 2
		if backoff > p.cfg.MaxBackoff {
			backoff = p.cfg.MaxBackoff
		}
	}
}

// Stop waits for Run to return.
func (p *BatchPublisher) Stop() {
	<-p.done
}
