package usbdevice

import (
	"context"
	"fmt"
	"time"

	"github.com/efficientgo/core/errors"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/gontrandl/autoweave-core/internal/clock"
	"github.com/gontrandl/autoweave-core/metrics"
)

// Event is what the Observer emits downstream to the Event Debouncer.
type Event struct {
	Action Action
	Info   Info
}

const (
	defaultCacheEntries = 256
	defaultCacheTTL     = 60 * time.Second
)

type cachedDescriptor struct {
	info      Info
	expiresAt time.Time
}

// Observer implements spec.md §4.1: it subscribes to a Backend, extracts
// descriptors off the notification goroutine, memoizes them, and emits
// (action, Info) pairs.
type Observer struct {
	backend   Backend
	extractor Extractor
	clock     clock.Clock

	cache    *lru.Cache[string, cachedDescriptor]
	cacheTTL time.Duration

	out    chan Event
	alarms chan error

	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures an Observer at construction time.
type Option func(*Observer)

// WithClock overrides the clock used for TTL bookkeeping and timestamps
// (tests use clock.NewFake).
func WithClock(c clock.Clock) Option {
	return func(o *Observer) { o.clock = c }
}

// WithCacheTTL overrides the descriptor cache TTL (default 60s).
func WithCacheTTL(d time.Duration) Option {
	return func(o *Observer) { o.cacheTTL = d }
}

// NewObserver creates an Observer. cacheEntries <= 0 uses the default
// (256), per spec.md §4.1's "LRU of at most N≈256 entries".
func NewObserver(backend Backend, extractor Extractor, cacheEntries int, opts ...Option) *Observer {
	if cacheEntries <= 0 {
		cacheEntries = defaultCacheEntries
	}
	c, err := lru.New[string, cachedDescriptor](cacheEntries)
	if err != nil {
		panic(err)
	}
	o := &Observer{
		backend:   backend,
		extractor: extractor,
		clock:     clock.Real(),
		cache:     c,
		cacheTTL:  defaultCacheTTL,
		out:       make(chan Event, 256),
		alarms:    make(chan error, 32),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Events returns the channel of emitted (action, device) pairs.
func (o *Observer) Events() <-chan Event { return o.out }

// Alarms returns the channel of ObserverError component alarms
// (spec.md §7: "surfaced as a component alarm; does not terminate the
// host").
func (o *Observer) Alarms() <-chan error { return o.alarms }

func (o *Observer) cacheKey(busNumber, deviceAddress int) string {
	return fmt.Sprintf("%d:%d", busNumber, deviceAddress)
}

// Start subscribes to the backend, replays one synthetic attach per
// currently-enumerated device, and begins forwarding live events. It
// returns once the backend subscription is established; event delivery
// continues on a background goroutine until Stop is called.
func (o *Observer) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	o.cancel = cancel

	rawEvents, rawErrs, err := o.backend.Start(ctx)
	if err != nil {
		cancel()
		return err
	}

	enumerated, err := o.backend.Enumerate()
	if err != nil {
		o.alarms <- err
	}

	go o.run(ctx, rawEvents, rawErrs, enumerated)
	return nil
}

func (o *Observer) run(ctx context.Context, rawEvents <-chan RawEvent, rawErrs <-chan error, enumerated []RawEvent) {
	defer close(o.done)

	for _, ev := range enumerated {
		o.emit(ev)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-rawEvents:
			if !ok {
				return
			}
			o.emit(ev)
		case err, ok := <-rawErrs:
			if !ok {
				continue
			}
			select {
			case o.alarms <- err:
			default:
			}
		}
	}
}

// emit resolves a RawEvent to a full Info (using the memoized cache on
// detach, or a fresh extraction otherwise) and pushes it downstream.
// Descriptor extraction runs here, off the backend's notification
// goroutine, as spec.md §4.1 requires.
func (o *Observer) emit(raw RawEvent) {
	key := o.cacheKey(raw.BusNumber, raw.DeviceAddress)
	now := o.clock.Now()

	var info Info
	switch raw.Action {
	case ActionDetach:
		if cached, ok := o.cache.Get(key); ok && now.Before(cached.expiresAt) {
			info = cached.info
		} else {
			info = o.extract(raw, now)
		}
		o.cache.Remove(key)
	default:
		info = o.extract(raw, now)
		o.cache.Add(key, cachedDescriptor{info: info, expiresAt: now.Add(o.cacheTTL)})
	}

	info.TimestampMS = now.UnixMilli()
	select {
	case o.out <- Event{Action: raw.Action, Info: info}:
	default:
		// Downstream (the Debouncer's own ring buffer) is the
		// backpressure point; an Observer-side drop would violate
		// spec.md §4.1 ("never dropped"), so block until there is room
		// instead of discarding.
		o.out <- Event{Action: raw.Action, Info: info}
	}
}

func (o *Observer) extract(raw RawEvent, now time.Time) Info {
	info, err := o.extractor.Extract(raw.SysPath, raw.BusNumber, raw.DeviceAddress)
	if err != nil {
		var oerr *ObserverError
		if errors.As(err, &oerr) {
			metrics.ObserverErrorsTotal.WithLabelValues(string(oerr.Kind)).Inc()
		}
		select {
		case o.alarms <- err:
		default:
		}
		// Best-effort info is still returned by Extract on failure
		// (spec.md §4.1); we never synthesize a fabricated signature.
	}
	if info.Signature == "" {
		info.Signature = Signature(info.VendorID, info.ProductID, raw.BusNumber, raw.DeviceAddress)
	}
	return info
}

// ShrinkCache resizes the descriptor extraction cache to half the number
// of entries it currently holds, evicting the least-recently-used ones;
// that size becomes the cache's new capacity, so a cache that is not full
// ends up below half of its previous capacity. A cache holding one entry
// or none is left unchanged. It implements memmon.Shrinkable.
func (o *Observer) ShrinkCache() {
	if size := o.cache.Len(); size > 1 {
		o.cache.Resize(size / 2)
	}
}

// FlushCache discards every memoized descriptor, per spec.md §5's "on
// critical, all non-essential caches are flushed". It implements
// memmon.Shrinkable.
func (o *Observer) FlushCache() {
	o.cache.Purge()
}

// Stop unsubscribes from the backend and waits for in-flight delivery to
// finish, guaranteeing no further events are emitted after it returns.
func (o *Observer) Stop() error {
	if o.cancel != nil {
		o.cancel()
	}
	err := o.backend.Stop()
	<-o.done
	return err
}
