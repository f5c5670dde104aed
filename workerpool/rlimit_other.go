//go:build !linux

package workerpool

import "sync"

var rlimitMu sync.Mutex

// withRlimitBracket is a no-op outside Linux: RLIMIT_AS enforcement
// here is scoped to the platform the teacher itself targets (its own
// AF_NETLINK device backend is Linux-only too).
func withRlimitBracket(maxHeapBytes int64, fn func() error) error {
	return fn()
}
