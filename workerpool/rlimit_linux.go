//go:build linux

package workerpool

import (
	"sync"

	"golang.org/x/sys/unix"
)

// rlimitMu serializes the get/set/fork/restore bracket below: a
// Setrlimit call changes the calling process's own limits, which a
// forked child inherits at fork time, so two concurrent worker
// launches must not interleave their brackets.
var rlimitMu sync.Mutex

// withRlimitBracket lowers RLIMIT_AS to maxHeapBytes for the duration
// of fn (expected to fork+exec a child), then restores the prior
// limit. This is the mechanism SPEC_FULL.md's worker pool names for
// spec.md §4.4's per-plugin heap ceiling: os/exec exposes no direct
// rlimit hook for a child process, but a child inherits whatever
// limit is in effect in its parent at fork(2) time.
func withRlimitBracket(maxHeapBytes int64, fn func() error) error {
	if maxHeapBytes <= 0 {
		return fn()
	}

	var cur unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_AS, &cur); err != nil {
		return fn()
	}
	next := unix.Rlimit{Cur: uint64(maxHeapBytes), Max: cur.Max}
	if cur.Max != unix.RLIM_INFINITY && next.Cur > cur.Max {
		next.Max = next.Cur
	}
	if err := unix.Setrlimit(unix.RLIMIT_AS, &next); err != nil {
		return fn()
	}

	err := fn()
	_ = unix.Setrlimit(unix.RLIMIT_AS, &cur)
	return err
}
