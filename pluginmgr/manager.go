package pluginmgr

import (
	"context"
	"sync"
	"time"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/gontrandl/autoweave-core/internal/clock"
	"github.com/gontrandl/autoweave-core/manifest"
	"github.com/gontrandl/autoweave-core/metrics"
	"github.com/gontrandl/autoweave-core/stream"
	"github.com/gontrandl/autoweave-core/watcher"
)

// Pool is the subset of the Worker Pool the Manager drives. It is an
// interface so Manager can be tested without spawning real worker
// subprocesses.
type Pool interface {
	Launch(ctx context.Context, dir string, m manifest.Manifest) (WorkerHandle, error)
	Dispatch(ctx context.Context, h WorkerHandle, hook string, device stream.StreamEvent) error
	AwaitHealthy(ctx context.Context, h WorkerHandle) error
	Stop(ctx context.Context, h WorkerHandle) error
}

// Manager implements the Plugin Manager state machine (spec.md §4.5).
type Manager struct {
	validator *manifest.Validator
	pool      Pool
	clock     clock.Clock
	logger    log.Logger

	replayWindow time.Duration
	bootTime     time.Time

	mu      sync.RWMutex
	plugins map[string]*Plugin // keyed by plugin directory
}

// New creates a Manager. replayWindow is the duration after bootTime
// for which WithinReplayWindow reports true (spec.md §9, Open Question
// 1); Dispatch does not consult it.
func New(validator *manifest.Validator, pool Pool, c clock.Clock, logger log.Logger, replayWindow time.Duration) *Manager {
	if c == nil {
		c = clock.Real()
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Manager{
		validator:    validator,
		pool:         pool,
		clock:        c,
		logger:       logger,
		replayWindow: replayWindow,
		bootTime:     c.Now(),
		plugins:      make(map[string]*Plugin),
	}
}

// WithinReplayWindow reports whether now is still inside the boot
// replay window.
func (m *Manager) WithinReplayWindow() bool {
	return m.clock.Now().Before(m.bootTime.Add(m.replayWindow))
}

func transition(p *Plugin, s State) {
	p.setState(s)
	metrics.PluginStateTransitionsTotal.WithLabelValues(string(s)).Inc()
}

// Get returns a snapshot of the named plugin directory's state.
func (m *Manager) Get(dir string) (Info, bool) {
	m.mu.RLock()
	p, ok := m.plugins[dir]
	m.mu.RUnlock()
	if !ok {
		return Info{}, false
	}
	return p.snapshot(), true
}

// List returns a snapshot of every known plugin.
func (m *Manager) List() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Info, 0, len(m.plugins))
	for _, p := range m.plugins {
		out = append(out, p.snapshot())
	}
	return out
}

// SetPriority changes a plugin's load-priority class. It never
// reorders in-flight dispatch (spec.md §4.5: "priority affects load
// order only").
func (m *Manager) SetPriority(dir string, pr manifest.Priority) error {
	m.mu.RLock()
	p, ok := m.plugins[dir]
	m.mu.RUnlock()
	if !ok {
		return errors.Newf("unknown plugin directory %q", dir)
	}
	p.setPriority(pr)
	return nil
}

// OnChange reacts to a settled watcher.Change: Added/Changed trigger
// (re)validation and (re)load; Removed drains and removes the plugin.
func (m *Manager) OnChange(ctx context.Context, c watcher.Change) error {
	switch c.Kind {
	case watcher.KindAdded, watcher.KindChanged:
		return m.loadOrReload(ctx, c.PluginDir, c.Contents)
	case watcher.KindRemoved:
		return m.remove(ctx, c.PluginDir)
	default:
		return errors.Newf("unknown watcher change kind %q", c.Kind)
	}
}

func (m *Manager) loadOrReload(ctx context.Context, dir string, raw []byte) error {
	// Ensure a Discovered stub exists before validation runs, so a
	// manifest that fails validation on its very first sighting still
	// lands in Failed and stays visible via Get/List (spec.md §4.5:
	// "the plugin is kept in-state so operators can see it"), rather
	// than vanishing silently because no Plugin was ever created.
	m.mu.Lock()
	if _, ok := m.plugins[dir]; !ok {
		m.plugins[dir] = newDiscoveredPlugin(dir)
	}
	m.mu.Unlock()

	validated, err := m.validator.Validate(raw)
	if err != nil {
		m.markFailed(dir, err)
		return err
	}

	m.mu.RLock()
	existing, hadExisting := m.plugins[dir]
	m.mu.RUnlock()
	hadExisting = hadExisting && existing.getState() != StateDiscovered && existing.getState() != StateFailed

	// Idempotence: the same manifest hash arriving again (spec.md §8's
	// "on_manifest_added idempotence" invariant) is a no-op if that
	// version is already Active or Loading.
	if hadExisting {
		snap := existing.snapshot()
		if snap.ManifestHash == validated.Hash && (snap.State == StateActive || snap.State == StateLoading) {
			return nil
		}
	}

	// The new incarnation is built and carried Loading OUTSIDE
	// m.plugins: while hadExisting, m.plugins[dir] keeps pointing at the
	// old, still-Active plugin for the entire Loading window, so
	// Dispatch keeps routing stream events to it. The map entry swaps to
	// next in a single locked write only once next reaches Active
	// (spec.md §4.5, §5: "no event is delivered to both or neither
	// during the switch").
	next := newPlugin(dir, validated)
	transition(next, StateLoading)

	handle, err := m.pool.Launch(ctx, dir, validated.Manifest)
	if err != nil {
		return m.failReload(dir, existing, next, hadExisting, err)
	}
	next.setWorker(handle)

	if err := m.pool.AwaitHealthy(ctx, handle); err != nil {
		_ = m.pool.Stop(ctx, handle)
		return m.failReload(dir, existing, next, hadExisting, err)
	}

	transition(next, StateActive)
	m.mu.Lock()
	m.plugins[dir] = next
	m.mu.Unlock()
	level.Info(m.logger).Log("msg", "plugin active", "dir", dir, "hash", validated.Hash)

	if hadExisting {
		m.drainWorker(ctx, existing)
	}
	return nil
}

// failReload records a failed (re)load attempt. If there was a
// previously Active incarnation it keeps serving dispatch untouched,
// with only a failure count recorded against it (spec.md §4.5: "if the
// new load fails, the old worker remains Active and the new attempt is
// marked Failed"); otherwise this is a plugin's first load attempt and
// it is installed into m.plugins as Failed so operators can see it via
// Get/List.
func (m *Manager) failReload(dir string, existing, next *Plugin, hadExisting bool, err error) error {
	if hadExisting {
		existing.recordFailure(err)
		level.Error(m.logger).Log("msg", "plugin reload failed; keeping previous incarnation active", "dir", dir, "err", err)
		return err
	}
	next.recordFailure(err)
	transition(next, StateFailed)
	m.mu.Lock()
	m.plugins[dir] = next
	m.mu.Unlock()
	level.Error(m.logger).Log("msg", "plugin failed", "dir", dir, "err", err)
	return err
}

func (m *Manager) remove(ctx context.Context, dir string) error {
	m.mu.Lock()
	p, ok := m.plugins[dir]
	if ok {
		delete(m.plugins, dir)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	m.drainWorker(ctx, p)
	transition(p, StateRemoved)
	return nil
}

func (m *Manager) drainWorker(ctx context.Context, p *Plugin) {
	transition(p, StateDraining)
	handle := p.getWorker()
	if handle == "" {
		return
	}
	if err := m.pool.Stop(ctx, handle); err != nil {
		level.Warn(m.logger).Log("msg", "error draining worker", "dir", p.dir, "err", err)
	}
}

func (m *Manager) markFailed(dir string, err error) {
	m.mu.RLock()
	p, ok := m.plugins[dir]
	m.mu.RUnlock()
	if !ok {
		return
	}
	p.recordFailure(err)
	transition(p, StateFailed)
	level.Error(m.logger).Log("msg", "plugin failed", "dir", dir, "err", err)
}

// Dispatch routes a durable stream event to every Active plugin whose
// USB capability grant matches it, calling onUSBAttach or onUSBDetach.
// Dispatch order across matching plugins is unspecified: spec.md §4.5
// deliberately scopes priority to load order only ("priority affects
// load order, never dispatch order"), so callers must not depend on
// any particular fan-out order here.
func (m *Manager) Dispatch(ctx context.Context, ev stream.StreamEvent) []error {
	hook := manifest.HookOnUSBAttach
	if ev.Action == "detach" {
		hook = manifest.HookOnUSBDetach
	}

	m.mu.RLock()
	targets := make([]*Plugin, 0, len(m.plugins))
	for _, p := range m.plugins {
		if p.getState() != StateActive {
			continue
		}
		mf := p.manifestCopy()
		if _, declared := mf.Hook(hook); !declared {
			continue
		}
		if !mf.Permissions.USB.Matches(ev.VendorID, ev.ProductID) {
			continue
		}
		targets = append(targets, p)
	}
	m.mu.RUnlock()

	var errs []error
	for _, p := range targets {
		handle := p.getWorker()
		if err := m.pool.Dispatch(ctx, handle, hook, ev); err != nil {
			errs = append(errs, errors.Wrapf(err, "dispatching %s to %s", hook, p.dir))
		}
	}
	return errs
}
