package pubsub

import (
	"sync"
	"time"
)

// heartbeater sends an empty StreamingPullRequest on the stream every
// interval while the manager is Running, to delay the network's own
// idle-stream timeout. It is suppressed while Paused (spec §4.7).
// Grounded on the vendored streamingMessageIterator's pingTicker /
// pingStream.
type heartbeater struct {
	interval time.Duration
	send     func()

	mu      sync.Mutex
	running bool

	stop chan struct{}
	done chan struct{}
}

func newHeartbeater(interval time.Duration, send func()) *heartbeater {
	return &heartbeater{
		interval: interval,
		send:     send,
		running:  true,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// SetRunning toggles whether the next tick fires a heartbeat.
func (h *heartbeater) SetRunning(running bool) {
	h.mu.Lock()
	h.running = running
	h.mu.Unlock()
}

func (h *heartbeater) Start() {
	go h.loop()
}

func (h *heartbeater) loop() {
	defer close(h.done)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			h.mu.Lock()
			running := h.running
			h.mu.Unlock()
			if running {
				h.send()
			}
		}
	}
}

// Stop halts the heartbeat loop and waits for it to exit.
func (h *heartbeater) Stop() {
	close(h.stop)
	<-h.done
}
