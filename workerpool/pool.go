package workerpool

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/efficientgo/core/errors"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/spf13/afero"

	"github.com/gontrandl/autoweave-core/manifest"
	"github.com/gontrandl/autoweave-core/metrics"
	"github.com/gontrandl/autoweave-core/stream"
)

// PoolConfig bounds the Worker Pool's capacity (spec.md §4.6, §6).
type PoolConfig struct {
	MinWorkers        int
	MaxWorkers        int
	WorkerIdleTimeout time.Duration
	ShutdownGrace     time.Duration
	Worker            WorkerConfig
}

// DefaultPoolConfig returns the defaults named in spec.md §6
// (worker_pool.min_workers, .max_workers, .idle_timeout_ms).
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MinWorkers:        2,
		MaxWorkers:        10,
		WorkerIdleTimeout: 5 * time.Minute,
		ShutdownGrace:     3 * time.Second,
		Worker:            DefaultWorkerConfig(),
	}
}

// PoolError reports a Worker Pool condition, e.g. exhausted capacity.
type PoolError struct {
	Reason string
}

func (e *PoolError) Error() string { return "workerpool: " + e.Reason }

// errAtCapacity is the PoolError Launch returns when MaxWorkers are
// already running.
func errAtCapacity() error { return &PoolError{Reason: "at capacity"} }

// Pool launches, health-checks, dispatches to, and reclaims worker
// subprocesses. It implements pluginmgr.Pool.
type Pool struct {
	cfg PoolConfig
	fs  afero.Fs

	mu      sync.Mutex
	workers map[WorkerHandle]*worker
	idle    map[WorkerHandle]*time.Timer

	// states holds each plugin's last onUnload snapshot, keyed by
	// manifest.Manifest.PluginID() rather than WorkerHandle, so it
	// survives the handle change a hot reload produces (spec.md §4.4,
	// §8 property 6). A crash, as opposed to a clean unload, never
	// populates this map; per spec.md §9's Open Question 2, crash-reload
	// state is treated as absent.
	states map[string]json.RawMessage
}

// NewPool creates a Pool. A nil fs defaults to the real OS filesystem.
func NewPool(cfg PoolConfig, fs afero.Fs) *Pool {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Pool{
		cfg:     cfg,
		fs:      fs,
		workers: make(map[WorkerHandle]*worker),
		idle:    make(map[WorkerHandle]*time.Timer),
		states:  make(map[string]json.RawMessage),
	}
}

// Launch starts a new worker subprocess for the plugin at dir. It
// returns PoolError if MaxWorkers are already running.
func (p *Pool) Launch(ctx context.Context, dir string, m manifest.Manifest) (WorkerHandle, error) {
	p.mu.Lock()
	if len(p.workers) >= p.cfg.MaxWorkers {
		p.mu.Unlock()
		return "", errAtCapacity()
	}
	p.mu.Unlock()

	workerCfg := p.cfg.Worker
	workerCfg.Resources = effectiveResources(p.cfg.Worker.Resources, m)

	w, err := startWorker(dir, m, workerCfg, p.fs, p.handleUnexpectedExit)
	if err != nil {
		return "", err
	}

	p.mu.Lock()
	p.workers[w.handle] = w
	p.mu.Unlock()
	metrics.WorkersActive.Inc()

	if fn, declared := m.Hook(manifest.HookOnLoad); declared {
		p.mu.Lock()
		priorState := p.states[m.PluginID()]
		p.mu.Unlock()
		if _, err := w.callHookWithState(ctx, fn, struct{}{}, priorState); err != nil {
			p.mu.Lock()
			delete(p.workers, w.handle)
			p.mu.Unlock()
			metrics.WorkersActive.Dec()
			_ = w.terminate(p.cfg.ShutdownGrace, reasonLoadFailed)
			return "", errors.Wrapf(err, "onLoad hook for %s", dir)
		}
	}

	go p.supervise(w)
	return w.handle, nil
}

// effectiveResources resolves the worker's enforced resource ceiling:
// the manifest's own permissions.memory.max_heap_mb (spec.md §4.4) take
// precedence over the pool's host-default Resources when both are set.
func effectiveResources(hostDefault *specs.LinuxResources, m manifest.Manifest) *specs.LinuxResources {
	if m.Permissions.Memory.MaxHeapMB <= 0 {
		return hostDefault
	}
	limit := int64(m.Permissions.Memory.MaxHeapMB) * 1024 * 1024
	return &specs.LinuxResources{Memory: &specs.LinuxMemory{Limit: &limit}}
}

// AwaitHealthy reports whether the worker's onLoad hook (already run by
// Launch) succeeded. The recurring liveness poll that keeps watching an
// Active worker for the rest of its life is supervise, started from
// Launch; AwaitHealthy itself stays a one-shot readiness check so
// pluginmgr's hot-reload sequencing (Launch, AwaitHealthy, transition to
// Active) is unaffected.
func (p *Pool) AwaitHealthy(ctx context.Context, h WorkerHandle) error {
	p.mu.Lock()
	_, ok := p.workers[h]
	p.mu.Unlock()
	if !ok {
		return errors.Newf("unknown worker handle %q", h)
	}
	return nil
}

// supervise runs for a worker's lifetime, polling its liveness
// (spec.md §4.4: health_check_interval, terminate Unresponsive after
// MaxMissedHealthChecks) and its CPU/RSS usage (terminate
// MemoryExceeded/CPUExceeded), until the worker's stdio pipe closes.
func (p *Pool) supervise(w *worker) {
	var healthC, resourceC <-chan time.Time
	if w.cfg.HealthCheckInterval > 0 {
		t := time.NewTicker(w.cfg.HealthCheckInterval)
		defer t.Stop()
		healthC = t.C
	}
	trackResources := w.cfg.CPUShare > 0 || w.cfg.maxHeapBytes() > 0
	if trackResources && w.cfg.ResourcePollInterval > 0 {
		t := time.NewTicker(w.cfg.ResourcePollInterval)
		defer t.Stop()
		resourceC = t.C
	}

	missedHealth := 0
	var cpuOverSince time.Time
	var lastSample processSample
	haveSample := false

	for {
		select {
		case <-w.readerDone:
			return

		case <-healthC:
			pingCtx, cancel := context.WithTimeout(context.Background(), w.cfg.HookTimeout)
			err := w.ping(pingCtx)
			cancel()
			if err != nil {
				missedHealth++
				if missedHealth >= w.cfg.MaxMissedHealthChecks {
					p.forceTerminate(w, reasonUnresponsive)
					return
				}
				continue
			}
			missedHealth = 0

		case <-resourceC:
			sample, err := sampleProcess(w.cmd.Process.Pid)
			if err != nil {
				continue
			}
			if maxBytes := w.cfg.maxHeapBytes(); maxBytes > 0 && sample.rssBytes > uint64(maxBytes) {
				p.forceTerminate(w, reasonMemoryExceeded)
				return
			}
			if w.cfg.CPUShare > 0 && haveSample {
				wallDelta := sample.at.Sub(lastSample.at).Seconds()
				if wallDelta > 0 {
					ratio := (sample.cpuSeconds - lastSample.cpuSeconds) / wallDelta
					if ratio > w.cfg.CPUShare {
						if cpuOverSince.IsZero() {
							cpuOverSince = sample.at
						} else if sample.at.Sub(cpuOverSince) >= w.cfg.CPUSustain {
							p.forceTerminate(w, reasonCPUExceeded)
							return
						}
					} else {
						cpuOverSince = time.Time{}
					}
				}
			}
			lastSample = sample
			haveSample = true
		}
	}
}

// forceTerminate removes a worker from the pool and kills it, for the
// resource/health watchdogs in supervise: unlike Stop, it makes no
// attempt at a graceful onUnload (the worker may be the one that is
// unresponsive or resource-exhausted).
func (p *Pool) forceTerminate(w *worker, reason string) {
	p.mu.Lock()
	_, ok := p.workers[w.handle]
	if ok {
		delete(p.workers, w.handle)
	}
	p.cancelIdleLocked(w.handle)
	p.mu.Unlock()
	if !ok {
		return
	}
	metrics.WorkersActive.Dec()
	_ = w.terminate(p.cfg.ShutdownGrace, reason)
}

// handleUnexpectedExit is invoked by a worker's readLoop when its stdio
// pipe closes without any deliberate termination path having run first,
// i.e. the subprocess exited (or was killed) on its own (spec.md §7's
// WorkerCrash).
func (p *Pool) handleUnexpectedExit(w *worker) {
	p.mu.Lock()
	_, ok := p.workers[w.handle]
	if ok {
		delete(p.workers, w.handle)
	}
	p.cancelIdleLocked(w.handle)
	p.mu.Unlock()
	if !ok {
		return
	}
	_ = w.cmd.Wait()
	metrics.WorkersActive.Dec()
	metrics.WorkerTerminationsTotal.WithLabelValues(reasonWorkerCrash).Inc()
}

// Dispatch invokes a lifecycle hook on the given worker with ev as its
// JSON payload, tracking the worker's idle timer.
func (p *Pool) Dispatch(ctx context.Context, h WorkerHandle, hook string, ev stream.StreamEvent) error {
	p.mu.Lock()
	w, ok := p.workers[h]
	p.cancelIdleLocked(h)
	p.mu.Unlock()
	if !ok {
		return errors.Newf("unknown worker handle %q", h)
	}

	result, err := w.callHook(ctx, hook, ev)
	if err != nil {
		if w.shouldDrain() {
			_ = p.Stop(ctx, h)
		}
		return err
	}
	if !result.OK {
		return errors.Newf("hook %s reported failure: %s", hook, result.Error)
	}

	p.armIdleTimer(h)
	return nil
}

// armIdleTimer schedules a worker for reclaim after WorkerIdleTimeout
// with no further dispatch.
func (p *Pool) armIdleTimer(h WorkerHandle) {
	if p.cfg.WorkerIdleTimeout <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, stillPresent := p.workers[h]; !stillPresent {
		return
	}
	if t, exists := p.idle[h]; exists {
		t.Stop()
	}
	p.idle[h] = time.AfterFunc(p.cfg.WorkerIdleTimeout, func() {
		_ = p.stopWithReason(context.Background(), h, reasonIdleReclaim)
	})
}

func (p *Pool) cancelIdleLocked(h WorkerHandle) {
	if t, exists := p.idle[h]; exists {
		t.Stop()
		delete(p.idle, h)
	}
}

// Stop runs the worker's onUnload hook (best-effort), then terminates
// the subprocess, waiting up to ShutdownGrace before killing it.
func (p *Pool) Stop(ctx context.Context, h WorkerHandle) error {
	return p.stopWithReason(ctx, h, reasonDrained)
}

func (p *Pool) stopWithReason(ctx context.Context, h WorkerHandle, reason string) error {
	p.mu.Lock()
	w, ok := p.workers[h]
	if ok {
		delete(p.workers, h)
	}
	p.cancelIdleLocked(h)
	p.mu.Unlock()
	if !ok {
		return nil
	}
	metrics.WorkersActive.Dec()

	if fn, declared := w.onUnloadHook(); declared {
		unloadCtx, cancel := context.WithTimeout(ctx, p.cfg.Worker.HookTimeout)
		result, err := w.callHook(unloadCtx, fn, struct{}{})
		cancel()
		// A snapshot is only retained from a clean onUnload return, never
		// from a crash (spec.md §9, Open Question 2) — if the hook call
		// itself failed there is nothing trustworthy to keep.
		if err == nil && result != nil && len(result.State) > 0 {
			p.mu.Lock()
			p.states[w.manifest.PluginID()] = result.State
			p.mu.Unlock()
		}
	}

	return w.terminate(p.cfg.ShutdownGrace, reason)
}

// Shutdown stops every running worker, for use during process exit.
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	handles := make([]WorkerHandle, 0, len(p.workers))
	for h := range p.workers {
		handles = append(handles, h)
	}
	p.mu.Unlock()
	for _, h := range handles {
		_ = p.Stop(ctx, h)
	}
}
