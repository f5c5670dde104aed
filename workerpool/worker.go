package workerpool

import (
	"context"
	"encoding/json"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/efficientgo/core/errors"
	"github.com/google/uuid"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/spf13/afero"

	"github.com/gontrandl/autoweave-core/manifest"
	"github.com/gontrandl/autoweave-core/metrics"
)

// Termination reasons for the spec.md §7 worker:terminated{reason}
// taxonomy.
const (
	reasonLoadFailed     = "load_failed"
	reasonDrained        = "drained"
	reasonIdleReclaim    = "idle_reclaim"
	reasonMemoryExceeded = "MemoryExceeded"
	reasonCPUExceeded    = "CPUExceeded"
	reasonUnresponsive   = "Unresponsive"
	reasonWorkerCrash    = "WorkerCrash"
)

// WorkerConfig tunes how each out-of-process worker is launched and
// supervised (spec.md §4.6).
type WorkerConfig struct {
	// Runtime is the interpreter/runtime binary used to run a plugin's
	// entry point, e.g. "node".
	Runtime string
	// HookTimeout bounds how long a single lifecycle hook call may run.
	HookTimeout time.Duration
	// MaxConsecutiveFailures is the "3 strikes" crash threshold before a
	// worker is moved to Draining (spec.md §4.5).
	MaxConsecutiveFailures int
	// Resources expresses the worker's resource ceiling in OCI
	// runtime-spec shape. Memory.Limit (bytes) is enforced as RLIMIT_AS
	// via unix.Setrlimit around the worker's fork+exec (spec.md §4.4's
	// per-plugin heap ceiling; no cgroups manager is in scope for an
	// out-of-process worker model).
	Resources *specs.LinuxResources
	// HealthCheckInterval is how often an Active worker is pinged over
	// its stdio pipe (spec.md §4.4, default health_check_interval_ms).
	// Zero disables the poll.
	HealthCheckInterval time.Duration
	// MaxMissedHealthChecks is the number of consecutive missed pings
	// before a worker is terminated Unresponsive (spec.md §4.4: "missing
	// two consecutive responses").
	MaxMissedHealthChecks int
	// CPUShare is the soft CPU budget a worker may sustain, expressed as
	// a fraction of one core (1.0 = one full core). Zero disables the
	// watchdog.
	CPUShare float64
	// CPUSustain is how long a worker may exceed CPUShare before it is
	// terminated CPUExceeded (spec.md §4.4: "exceeding for >10s").
	CPUSustain time.Duration
	// ResourcePollInterval is how often CPU/RSS are sampled to evaluate
	// CPUShare and Resources.Memory.Limit.
	ResourcePollInterval time.Duration
}

// DefaultWorkerConfig returns the defaults named in spec.md §6.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Runtime:                "node",
		HookTimeout:            5 * time.Second,
		MaxConsecutiveFailures: 3,
		HealthCheckInterval:    60 * time.Second,
		MaxMissedHealthChecks:  2,
		CPUShare:               1.0,
		CPUSustain:             10 * time.Second,
		ResourcePollInterval:   2 * time.Second,
	}
}

func (cfg WorkerConfig) maxHeapBytes() int64 {
	if cfg.Resources == nil || cfg.Resources.Memory == nil || cfg.Resources.Memory.Limit == nil {
		return 0
	}
	return *cfg.Resources.Memory.Limit
}

// worker supervises one out-of-process plugin runtime.
type worker struct {
	handle   WorkerHandle
	dir      string
	manifest manifest.Manifest
	cfg      WorkerConfig
	cmd      *exec.Cmd
	codec    *Codec
	sandbox  *Sandbox

	mu               sync.Mutex
	pending          map[string]chan Envelope
	consecutiveFails int

	// stopping is set by every deliberate termination path before the
	// process is killed/waited, so onExit can tell a requested shutdown
	// apart from an actual crash.
	stopping atomic.Bool
	// onExit, if set, is invoked once if the worker's stdio pipe closes
	// without stopping having been set first, i.e. the process exited on
	// its own (spec.md §7's WorkerCrash).
	onExit func(*worker)

	readerDone chan struct{}
}

func startWorker(dir string, m manifest.Manifest, cfg WorkerConfig, fs afero.Fs, onExit func(*worker)) (*worker, error) {
	entry := filepath.Join(dir, m.Entry)

	cmd := exec.Command(cfg.Runtime, entry)
	cmd.Dir = dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Wrap(err, "opening worker stdin")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "opening worker stdout")
	}

	// The child inherits whatever RLIMIT_AS is in effect at fork time, so
	// the ceiling is bracketed around Start: lowered just before, restored
	// immediately after (the child has already forked+execved by then).
	// rlimitMu serializes this against concurrent launches in the same
	// process, since the bracket mutates process-wide state.
	rlimitMu.Lock()
	err = withRlimitBracket(cfg.maxHeapBytes(), cmd.Start)
	rlimitMu.Unlock()
	if err != nil {
		return nil, errors.Wrapf(err, "starting worker for %s", dir)
	}

	w := &worker{
		handle:     WorkerHandle(uuid.NewString()),
		dir:        dir,
		manifest:   m,
		cfg:        cfg,
		cmd:        cmd,
		codec:      NewCodec(stdin, stdout),
		sandbox:    NewSandbox(fs, m.Permissions),
		pending:    make(map[string]chan Envelope),
		onExit:     onExit,
		readerDone: make(chan struct{}),
	}
	go w.readLoop()
	return w, nil
}

func (w *worker) readLoop() {
	defer close(w.readerDone)
	defer func() {
		if !w.stopping.Load() && w.onExit != nil {
			w.onExit(w)
		}
	}()
	for {
		env, err := w.codec.Read()
		if err != nil {
			return
		}
		switch env.Kind {
		case KindHookResult, KindHealthPong:
			w.resolvePending(env)
		case KindHostRequest:
			w.handleHostRequest(env)
		}
	}
}

func (w *worker) resolvePending(env Envelope) {
	w.mu.Lock()
	ch, ok := w.pending[env.CorrelationID]
	if ok {
		delete(w.pending, env.CorrelationID)
	}
	w.mu.Unlock()
	if ok {
		ch <- env
	}
}

func (w *worker) handleHostRequest(env Envelope) {
	if env.HostRequest == nil {
		return
	}
	resp := w.sandbox.Handle(*env.HostRequest)
	_ = w.codec.Write(Envelope{
		Kind:          KindHostResponse,
		CorrelationID: env.CorrelationID,
		HostResponse:  &resp,
	})
}

// callHook sends a HookCall and waits for its HookResult, up to
// cfg.HookTimeout or ctx's own deadline, whichever is sooner.
func (w *worker) callHook(ctx context.Context, hook string, payload any) (*HookResult, error) {
	return w.callHookWithState(ctx, hook, payload, nil)
}

// callHookWithState is callHook plus an optional prior-incarnation
// state snapshot, handed to onLoad so a hot reload round-trips the
// state the previous worker's onUnload returned (spec.md §4.4, §8
// property 6).
func (w *worker) callHookWithState(ctx context.Context, hook string, payload any, state json.RawMessage) (*HookResult, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "encoding hook payload")
	}

	correlationID := uuid.NewString()
	ch := make(chan Envelope, 1)
	w.mu.Lock()
	w.pending[correlationID] = ch
	w.mu.Unlock()

	if err := w.codec.Write(Envelope{
		Kind:          KindHookCall,
		CorrelationID: correlationID,
		Hook:          &HookCall{Hook: hook, Payload: raw, State: state},
	}); err != nil {
		w.mu.Lock()
		delete(w.pending, correlationID)
		w.mu.Unlock()
		return nil, errors.Wrapf(err, "dispatching hook %s", hook)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, w.cfg.HookTimeout)
	defer cancel()

	select {
	case env := <-ch:
		if env.HookResult == nil {
			return nil, errors.Newf("worker sent empty hook result for %s", hook)
		}
		if !env.HookResult.OK {
			w.recordFailure()
		} else {
			w.resetFailures()
		}
		return env.HookResult, nil
	case <-timeoutCtx.Done():
		w.mu.Lock()
		delete(w.pending, correlationID)
		w.mu.Unlock()
		w.recordFailure()
		return nil, errors.Wrapf(timeoutCtx.Err(), "hook %s timed out", hook)
	}
}

// ping sends a health_ping and waits for its health_pong, up to ctx's
// deadline. It does not count against consecutiveFails/shouldDrain: a
// missed ping is tracked separately by the supervising poller
// (spec.md §4.4's "missing two consecutive responses" is its own
// threshold, distinct from the hook-failure 3-strikes count).
func (w *worker) ping(ctx context.Context) error {
	correlationID := uuid.NewString()
	ch := make(chan Envelope, 1)
	w.mu.Lock()
	w.pending[correlationID] = ch
	w.mu.Unlock()

	if err := w.codec.Write(Envelope{Kind: KindHealthPing, CorrelationID: correlationID}); err != nil {
		w.mu.Lock()
		delete(w.pending, correlationID)
		w.mu.Unlock()
		return errors.Wrap(err, "sending health ping")
	}

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		w.mu.Lock()
		delete(w.pending, correlationID)
		w.mu.Unlock()
		return ctx.Err()
	}
}

func (w *worker) recordFailure() {
	w.mu.Lock()
	w.consecutiveFails++
	w.mu.Unlock()
}

func (w *worker) resetFailures() {
	w.mu.Lock()
	w.consecutiveFails = 0
	w.mu.Unlock()
}

func (w *worker) shouldDrain() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.consecutiveFails >= w.cfg.MaxConsecutiveFailures
}

// onUnloadHook returns the plugin's onUnload hook function name, if
// its manifest declares one.
func (w *worker) onUnloadHook() (string, bool) {
	return w.manifest.Hook(manifest.HookOnUnload)
}

// terminate waits for process exit, killing it if it does not exit within
// grace. It does not close the worker's stdin first, so a worker that
// keeps reading its stdin runs until the kill. It always marks the
// worker as deliberately stopping first, so readLoop's exit does not
// also report this as a WorkerCrash.
func (w *worker) terminate(grace time.Duration, reason string) error {
	w.stopping.Store(true)
	doneCh := make(chan error, 1)
	go func() { doneCh <- w.cmd.Wait() }()

	select {
	case err := <-doneCh:
		metrics.WorkerTerminationsTotal.WithLabelValues(reason).Inc()
		return err
	case <-time.After(grace):
		_ = w.cmd.Process.Kill()
		err := <-doneCh
		metrics.WorkerTerminationsTotal.WithLabelValues(reason).Inc()
		return err
	}
}
