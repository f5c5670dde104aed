package stream

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gontrandl/autoweave-core/internal/clock"
	"github.com/gontrandl/autoweave-core/usbdevice"
)

func batchOf(sigs ...string) []usbdevice.Event {
	var out []usbdevice.Event
	for _, sig := range sigs {
		out = append(out, usbdevice.Event{Action: usbdevice.ActionAttach, Info: usbdevice.Info{Signature: sig}})
	}
	return out
}

func TestBatchPublisherAppendsSuccessfulBatch(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "s.db"))
	require.NoError(t, err)
	defer store.Close()

	batches := make(chan []usbdevice.Event, 1)
	batches <- batchOf("d1", "d2")
	close(batches)

	pub := NewBatchPublisher(store, batches, DefaultPublisherConfig(), clock.NewFake(time.Unix(0, 0)))
	pub.Run(context.Background())

	all, err := store.ReadFrom(0)
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestBatchPublisherSignalsBackpressureAfterMaxRetries(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "s.db"))
	require.NoError(t, err)
	defer store.Close()

	fc := clock.NewFake(time.Unix(0, 0))
	batches := make(chan []usbdevice.Event, 1)
	batches <- batchOf("flaky")

	cfg := DefaultPublisherConfig()
	cfg.MaxRetries = 2
	pub := NewBatchPublisher(store, batches, cfg, fc)

	var signalled []bool
	var mu sync.Mutex
	pub.OnBackpressure = func(active bool) {
		mu.Lock()
		signalled = append(signalled, active)
		mu.Unlock()
	}

	// Force failures by closing the store, so every Append fails,
	// simulating sustained publish failure.
	require.NoError(t, store.Close())

	done := make(chan struct{})
	go func() {
		pub.Run(context.Background())
		close(done)
	}()

	// Advance the clock enough times to exhaust MaxRetries worth of
	// backoff sleeps (50ms, 100ms, ...).
	for i := 0; i < 5; i++ {
		time.Sleep(5 * time.Millisecond)
		fc.Advance(time.Second)
	}

	close(batches)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher did not exit after batches channel closed")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Contains(t, signalled, true)
}
