package pubsub

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestHeartbeaterSendsWhileRunning(t *testing.T) {
	var count int32
	h := newHeartbeater(5*time.Millisecond, func() {
		atomic.AddInt32(&count, 1)
	})
	h.Start()
	defer h.Stop()

	time.Sleep(40 * time.Millisecond)
	if atomic.LoadInt32(&count) == 0 {
		t.Fatal("heartbeater never sent while running")
	}
}

func TestHeartbeaterSuppressedWhenNotRunning(t *testing.T) {
	var count int32
	h := newHeartbeater(5*time.Millisecond, func() {
		atomic.AddInt32(&count, 1)
	})
	h.SetRunning(false)
	h.Start()
	defer h.Stop()

	time.Sleep(30 * time.Millisecond)
	if atomic.LoadInt32(&count) != 0 {
		t.Fatalf("count = %d, want 0 while paused", count)
	}

	h.SetRunning(true)
	time.Sleep(30 * time.Millisecond)
	if atomic.LoadInt32(&count) == 0 {
		t.Fatal("heartbeater never resumed after SetRunning(true)")
	}
}

func TestHeartbeaterStopIsSynchronous(t *testing.T) {
	h := newHeartbeater(5*time.Millisecond, func() {})
	h.Start()
	h.Stop()
	// Stop must have waited for the loop goroutine to exit; a second
	// Stop-adjacent read of internal state should not race.
	h.SetRunning(false)
}
