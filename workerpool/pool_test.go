package workerpool

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/gontrandl/autoweave-core/manifest"
)

// fakeWorkerScript is a minimal stand-in for a plugin runtime: it reads
// one JSON-framed hook_call per line from stdin and replies with a
// hook_result, echoing the correlation_id back and, for the "cleanup"
// hook only, attaching a fixed state snapshot. Every line it receives is
// also appended to debug.log in its working directory so the test can
// assert on what onLoad actually saw.
const fakeWorkerScript = `#!/bin/sh
while IFS= read -r line; do
  echo "$line" >> debug.log
  cid=$(printf '%s' "$line" | sed -n 's/.*"correlation_id":"\([^"]*\)".*/\1/p')
  hook=$(printf '%s' "$line" | sed -n 's/.*"hook":"\([^"]*\)".*/\1/p')
  if [ "$hook" = "cleanup" ]; then
    printf '{"kind":"hook_result","correlation_id":"%s","hook_result":{"ok":true,"state":{"counter":1}}}\n' "$cid"
  else
    printf '{"kind":"hook_result","correlation_id":"%s","hook_result":{"ok":true}}\n' "$cid"
  fi
done
`

// crashingWorkerScript replies to exactly one hook call and then exits,
// simulating a worker that dies on its own rather than being stopped.
const crashingWorkerScript = `#!/bin/sh
IFS= read -r line
cid=$(printf '%s' "$line" | sed -n 's/.*"correlation_id":"\([^"]*\)".*/\1/p')
printf '{"kind":"hook_result","correlation_id":"%s","hook_result":{"ok":true}}\n' "$cid"
exit 1
`

func TestPoolHandlesWorkerCrashAfterLoad(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh available to drive the fake worker script")
	}
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "worker.sh"), []byte(crashingWorkerScript), 0o755))

	cfg := DefaultPoolConfig()
	cfg.Worker.Runtime = "sh"
	cfg.Worker.HookTimeout = 2 * time.Second
	cfg.Worker.HealthCheckInterval = 0 // isolate crash detection from the liveness poller
	pool := NewPool(cfg, afero.NewOsFs())

	m := manifest.Manifest{
		Name:  "crashy",
		Entry: "worker.sh",
		Hooks: map[string]string{manifest.HookOnLoad: "init"},
	}

	handle, err := pool.Launch(context.Background(), dir, m)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		pool.mu.Lock()
		_, ok := pool.workers[handle]
		pool.mu.Unlock()
		return !ok
	}, 2*time.Second, 10*time.Millisecond, "a worker that exits on its own must be reaped from the pool")
}

func newFakeWorkerPool(t *testing.T) (*Pool, string, manifest.Manifest) {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh available to drive the fake worker script")
	}
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "worker.sh"), []byte(fakeWorkerScript), 0o755))

	cfg := DefaultPoolConfig()
	cfg.Worker.Runtime = "sh"
	cfg.Worker.HookTimeout = 2 * time.Second
	pool := NewPool(cfg, afero.NewOsFs())

	m := manifest.Manifest{
		Name:  "demo",
		Entry: "worker.sh",
		Hooks: map[string]string{
			manifest.HookOnLoad:   "init",
			manifest.HookOnUnload: "cleanup",
		},
	}
	return pool, dir, m
}

func TestPoolHotReloadRoundTripsOnUnloadStateToOnLoad(t *testing.T) {
	pool, dir, m := newFakeWorkerPool(t)
	ctx := context.Background()

	handleA, err := pool.Launch(ctx, dir, m)
	require.NoError(t, err)
	require.NoError(t, pool.Stop(ctx, handleA))

	// The previous incarnation's onUnload returned {"counter":1}; the
	// next incarnation's onLoad must receive it, keyed by PluginID
	// rather than the (now different) WorkerHandle.
	pool.mu.Lock()
	stored, ok := pool.states[m.PluginID()]
	pool.mu.Unlock()
	require.True(t, ok)
	require.JSONEq(t, `{"counter":1}`, string(stored))

	handleB, err := pool.Launch(ctx, dir, m)
	require.NoError(t, err)
	require.NotEqual(t, handleA, handleB)
	require.NoError(t, pool.Stop(ctx, handleB))

	log, err := os.ReadFile(filepath.Join(dir, "debug.log"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(log)), "\n")
	require.GreaterOrEqual(t, len(lines), 3)

	// Third line is worker B's onLoad ("init") call; it must carry the
	// state worker A's onUnload ("cleanup") snapshot produced.
	require.Contains(t, lines[2], `"hook":"init"`)
	require.Contains(t, lines[2], `"state":{"counter":1}`)
}

func TestPoolLaunchAtCapacity(t *testing.T) {
	pool, dir, m := newFakeWorkerPool(t)
	pool.cfg.MaxWorkers = 1
	ctx := context.Background()

	handleA, err := pool.Launch(ctx, dir, m)
	require.NoError(t, err)
	defer pool.Stop(ctx, handleA)

	_, err = pool.Launch(ctx, dir, m)
	require.Error(t, err)
	var poolErr *PoolError
	require.ErrorAs(t, err, &poolErr)
}
