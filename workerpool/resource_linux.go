//go:build linux

package workerpool

import (
	"time"

	"github.com/prometheus/procfs"
)

// processSample is a point-in-time CPU/memory reading for a worker's
// pid, used by the soft CPU-share poller and the memory watchdog
// (spec.md §4.4).
type processSample struct {
	at         time.Time
	cpuSeconds float64
	rssBytes   uint64
}

// sampleProcess reads /proc/<pid>/stat via procfs, the same dependency
// client_golang's own process collector uses for host introspection,
// promoted here to a direct worker-pool concern.
func sampleProcess(pid int) (processSample, error) {
	proc, err := procfs.NewProc(pid)
	if err != nil {
		return processSample{}, err
	}
	stat, err := proc.Stat()
	if err != nil {
		return processSample{}, err
	}
	return processSample{
		at:         time.Now(),
		cpuSeconds: stat.CPUTime(),
		rssBytes:   uint64(stat.ResidentMemory()),
	}, nil
}
