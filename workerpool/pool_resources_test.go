package workerpool

import (
	"testing"
	"time"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/stretchr/testify/require"

	"github.com/gontrandl/autoweave-core/manifest"
)

func TestEffectiveResourcesPrefersManifestOverHostDefault(t *testing.T) {
	hostLimit := int64(512 * 1024 * 1024)
	hostDefault := &specs.LinuxResources{Memory: &specs.LinuxMemory{Limit: &hostLimit}}

	m := manifest.Manifest{}
	m.Permissions.Memory.MaxHeapMB = 128

	got := effectiveResources(hostDefault, m)
	require.NotNil(t, got)
	require.NotNil(t, got.Memory)
	require.NotNil(t, got.Memory.Limit)
	require.Equal(t, int64(128*1024*1024), *got.Memory.Limit)
}

func TestEffectiveResourcesFallsBackToHostDefault(t *testing.T) {
	hostLimit := int64(512 * 1024 * 1024)
	hostDefault := &specs.LinuxResources{Memory: &specs.LinuxMemory{Limit: &hostLimit}}

	got := effectiveResources(hostDefault, manifest.Manifest{})
	require.Same(t, hostDefault, got)
}

func TestDefaultWorkerConfigEnablesWatchdogs(t *testing.T) {
	cfg := DefaultWorkerConfig()
	require.Greater(t, cfg.HealthCheckInterval, time.Duration(0))
	require.Equal(t, 2, cfg.MaxMissedHealthChecks)
	require.Greater(t, cfg.CPUShare, 0.0)
	require.Greater(t, cfg.CPUSustain, time.Duration(0))
}

func TestMaxHeapBytesZeroWhenResourcesNil(t *testing.T) {
	var cfg WorkerConfig
	require.Equal(t, int64(0), cfg.maxHeapBytes())
}
