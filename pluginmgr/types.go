// Package pluginmgr implements the Plugin Manager: the state machine
// that turns validated manifests into running, hot-reloadable workers
// and routes durable USB stream events to the plugins whose declared
// capabilities match.
package pluginmgr

import (
	"sync"
	"time"

	"github.com/gontrandl/autoweave-core/manifest"
)

// State is a Plugin's position in the lifecycle spec.md §4.5 defines:
// Discovered -> Validated -> Loading -> Active -> Draining -> Removed,
// with Failed reachable from any non-terminal state.
type State string

const (
	StateDiscovered State = "discovered"
	StateValidated  State = "validated"
	StateLoading    State = "loading"
	StateActive     State = "active"
	StateDraining   State = "draining"
	StateRemoved    State = "removed"
	StateFailed     State = "failed"
)

// WorkerHandle opaquely identifies a running worker process, as minted
// by the Worker Pool.
type WorkerHandle string

// Info is a point-in-time, lock-free snapshot of a Plugin, safe to hand
// to callers.
type Info struct {
	Dir          string
	ManifestHash string
	Manifest     manifest.Manifest
	Priority     manifest.Priority
	State        State
	Worker       WorkerHandle
	LoadedAt     time.Time
	FailureCount int
	LastError    error
}

// Plugin is the Manager's view of one plugin directory's lifecycle. Its
// fields are only ever touched while holding mu.
type Plugin struct {
	mu sync.RWMutex

	dir          string
	manifestHash string
	manifest     manifest.Manifest
	priority     manifest.Priority
	state        State
	worker       WorkerHandle
	loadedAt     time.Time
	failureCount int
	lastError    error
}

func newPlugin(dir string, v *manifest.Validated) *Plugin {
	return &Plugin{
		dir:          dir,
		manifestHash: v.Hash,
		manifest:     v.Manifest,
		// PluginManifest carries no explicit priority field (spec.md
		// §3); the Manager assigns PriorityNormal at validation time
		// and callers may raise it later via Manager.SetPriority.
		priority: manifest.PriorityNormal,
		state:    StateValidated,
	}
}

// newDiscoveredPlugin creates the placeholder Plugin recorded the
// instant a manifest path is first observed, before it has parsed far
// enough to be Validated. It exists so a manifest that fails validation
// immediately still has somewhere to carry StateFailed.
func newDiscoveredPlugin(dir string) *Plugin {
	return &Plugin{
		dir:      dir,
		priority: manifest.PriorityNormal,
		state:    StateDiscovered,
	}
}

func (p *Plugin) snapshot() Info {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Info{
		Dir:          p.dir,
		ManifestHash: p.manifestHash,
		Manifest:     p.manifest,
		Priority:     p.priority,
		State:        p.state,
		Worker:       p.worker,
		LoadedAt:     p.loadedAt,
		FailureCount: p.failureCount,
		LastError:    p.lastError,
	}
}

func (p *Plugin) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func (p *Plugin) getState() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

func (p *Plugin) setWorker(h WorkerHandle) {
	p.mu.Lock()
	p.worker = h
	p.mu.Unlock()
}

func (p *Plugin) getWorker() WorkerHandle {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.worker
}

func (p *Plugin) setPriority(pr manifest.Priority) {
	p.mu.Lock()
	p.priority = pr
	p.mu.Unlock()
}

func (p *Plugin) recordFailure(err error) {
	p.mu.Lock()
	p.failureCount++
	p.lastError = err
	p.mu.Unlock()
}

func (p *Plugin) manifestCopy() manifest.Manifest {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.manifest
}
