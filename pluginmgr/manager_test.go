package pluginmgr

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gontrandl/autoweave-core/internal/clock"
	"github.com/gontrandl/autoweave-core/manifest"
	"github.com/gontrandl/autoweave-core/stream"
	"github.com/gontrandl/autoweave-core/watcher"
)

const testManifest = `{
  "name": "demo",
  "version": "1.0.0",
  "entry": "index.js",
  "permissions": {
    "usb": {"vendor_ids": ["0x0403"]}
  },
  "hooks": {"onUSBAttach": "handleAttach", "onUSBDetach": "handleDetach"}
}`

type fakePool struct {
	mu       sync.Mutex
	launches int
	stops    int
	dispatch []string
	failNext bool

	// failHealthyFrom, if non-zero, makes AwaitHealthy fail starting at
	// the launch with this ordinal (1-based), to exercise a reload whose
	// new worker never reaches Active.
	failHealthyFrom int
}

func (f *fakePool) Launch(ctx context.Context, dir string, m manifest.Manifest) (WorkerHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launches++
	return WorkerHandle(dir), nil
}

func (f *fakePool) AwaitHealthy(ctx context.Context, h WorkerHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failHealthyFrom != 0 && f.launches >= f.failHealthyFrom {
		return errors.New("worker never became healthy")
	}
	return nil
}

func (f *fakePool) Dispatch(ctx context.Context, h WorkerHandle, hook string, ev stream.StreamEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dispatch = append(f.dispatch, hook)
	return nil
}

func (f *fakePool) Stop(ctx context.Context, h WorkerHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

func newTestManager(t *testing.T, pool Pool) *Manager {
	t.Helper()
	v := manifest.NewValidator(4096)
	fc := clock.NewFake(time.Unix(0, 0))
	return New(v, pool, fc, nil, 10*time.Second)
}

func TestManagerLoadReachesActive(t *testing.T) {
	pool := &fakePool{}
	m := newTestManager(t, pool)

	err := m.OnChange(context.Background(), watcher.Change{
		Kind:      watcher.KindAdded,
		PluginDir: "/plugins/demo",
		Contents:  []byte(testManifest),
	})
	require.NoError(t, err)

	info, ok := m.Get("/plugins/demo")
	require.True(t, ok)
	require.Equal(t, StateActive, info.State)
	require.Equal(t, 1, pool.launches)
}

func TestManagerRejectsInvalidManifest(t *testing.T) {
	pool := &fakePool{}
	m := newTestManager(t, pool)

	err := m.OnChange(context.Background(), watcher.Change{
		Kind:      watcher.KindAdded,
		PluginDir: "/plugins/bad",
		Contents:  []byte(`{}`),
	})
	require.Error(t, err)
	require.Equal(t, 0, pool.launches)

	info, ok := m.Get("/plugins/bad")
	require.True(t, ok, "a plugin that fails validation on first sight must stay visible")
	require.Equal(t, StateFailed, info.State)
	require.Equal(t, 1, info.FailureCount)
}

func TestManagerHotReloadDrainsOldWorker(t *testing.T) {
	pool := &fakePool{}
	m := newTestManager(t, pool)

	require.NoError(t, m.OnChange(context.Background(), watcher.Change{
		Kind: watcher.KindAdded, PluginDir: "/plugins/demo", Contents: []byte(testManifest),
	}))

	reloaded := `{
  "name": "demo",
  "version": "1.0.1",
  "entry": "index.js",
  "permissions": {"usb": {"vendor_ids": ["0x0403"]}},
  "hooks": {"onUSBAttach": "handleAttach"}
}`
	require.NoError(t, m.OnChange(context.Background(), watcher.Change{
		Kind: watcher.KindChanged, PluginDir: "/plugins/demo", Contents: []byte(reloaded),
	}))

	info, ok := m.Get("/plugins/demo")
	require.True(t, ok)
	require.Equal(t, StateActive, info.State)
	require.Equal(t, 2, pool.launches)
	require.Equal(t, 1, pool.stops)
}

func TestManagerFailedReloadKeepsOldWorkerActiveAndDispatching(t *testing.T) {
	pool := &fakePool{failHealthyFrom: 2}
	m := newTestManager(t, pool)

	require.NoError(t, m.OnChange(context.Background(), watcher.Change{
		Kind: watcher.KindAdded, PluginDir: "/plugins/demo", Contents: []byte(testManifest),
	}))

	reloaded := `{
  "name": "demo",
  "version": "1.0.1",
  "entry": "index.js",
  "permissions": {"usb": {"vendor_ids": ["0x0403"]}},
  "hooks": {"onUSBAttach": "handleAttach"}
}`
	err := m.OnChange(context.Background(), watcher.Change{
		Kind: watcher.KindChanged, PluginDir: "/plugins/demo", Contents: []byte(reloaded),
	})
	require.Error(t, err)

	info, ok := m.Get("/plugins/demo")
	require.True(t, ok)
	require.Equal(t, StateActive, info.State, "the old incarnation must stay Active when the reload fails")
	require.Equal(t, "1.0.0", info.Manifest.Version, "the pre-reload manifest must still be in effect")
	require.Equal(t, 1, info.FailureCount, "the failed attempt is recorded against the old incarnation")

	errs := m.Dispatch(context.Background(), stream.StreamEvent{Action: "attach", VendorID: "0x0403"})
	require.Empty(t, errs)
	require.Equal(t, []string{manifest.HookOnUSBAttach}, pool.dispatch, "dispatch must keep reaching the still-Active old worker")
}

func TestManagerRemoveDrainsWorker(t *testing.T) {
	pool := &fakePool{}
	m := newTestManager(t, pool)

	require.NoError(t, m.OnChange(context.Background(), watcher.Change{
		Kind: watcher.KindAdded, PluginDir: "/plugins/demo", Contents: []byte(testManifest),
	}))
	require.NoError(t, m.OnChange(context.Background(), watcher.Change{
		Kind: watcher.KindRemoved, PluginDir: "/plugins/demo",
	}))

	_, ok := m.Get("/plugins/demo")
	require.False(t, ok)
	require.Equal(t, 1, pool.stops)
}

func TestManagerDispatchMatchesUSBGrant(t *testing.T) {
	pool := &fakePool{}
	m := newTestManager(t, pool)

	require.NoError(t, m.OnChange(context.Background(), watcher.Change{
		Kind: watcher.KindAdded, PluginDir: "/plugins/demo", Contents: []byte(testManifest),
	}))

	errs := m.Dispatch(context.Background(), stream.StreamEvent{Action: "attach", VendorID: "0x0403"})
	require.Empty(t, errs)
	require.Equal(t, []string{manifest.HookOnUSBAttach}, pool.dispatch)
}

func TestManagerDispatchSkipsNonMatchingVendor(t *testing.T) {
	pool := &fakePool{}
	m := newTestManager(t, pool)

	require.NoError(t, m.OnChange(context.Background(), watcher.Change{
		Kind: watcher.KindAdded, PluginDir: "/plugins/demo", Contents: []byte(testManifest),
	}))

	errs := m.Dispatch(context.Background(), stream.StreamEvent{Action: "attach", VendorID: "0xffff"})
	require.Empty(t, errs)
	require.Empty(t, pool.dispatch)
}

func TestManagerIdempotentOnDuplicateManifest(t *testing.T) {
	pool := &fakePool{}
	m := newTestManager(t, pool)

	change := watcher.Change{Kind: watcher.KindAdded, PluginDir: "/plugins/demo", Contents: []byte(testManifest)}
	require.NoError(t, m.OnChange(context.Background(), change))
	require.NoError(t, m.OnChange(context.Background(), change))

	require.Equal(t, 1, pool.launches)
}
