package pubsub

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// scheduler dispatches user callbacks under two disciplines: a bounded
// worker pool for unordered messages, and a per-ordering-key FIFO for
// ordered ones, where only one callback per key runs at a time (spec
// §4.6). A saturated pool does not drop work: Schedule blocks until a
// worker is free, which holds up the receive loop that called it.
// Schedule does drop fn when ctx is done before a worker frees up, and
// when fn's ordering key is paused. Grounded on the real pubsub client's
// combination of x/sync/semaphore for its unordered pool and a
// per-key serial queue for ordered delivery.
type scheduler struct {
	sem *semaphore.Weighted

	mu     sync.Mutex
	queues map[string]*keyQueue
	paused map[string]bool
}

// keyQueue serializes callback execution for one ordering key.
type keyQueue struct {
	mu      sync.Mutex
	pending []func()
	running bool
}

func newScheduler(numGoroutines int) *scheduler {
	if numGoroutines <= 0 {
		numGoroutines = 1
	}
	return &scheduler{
		sem:    semaphore.NewWeighted(int64(numGoroutines)),
		queues: make(map[string]*keyQueue),
		paused: make(map[string]bool),
	}
}

// Schedule runs fn, bound to msg's delivery. Unordered messages
// (OrderingKey == "") run on the bounded worker pool; ordered messages
// run strictly one-at-a-time per key, in enqueue order.
func (s *scheduler) Schedule(ctx context.Context, orderingKey string, fn func()) {
	if orderingKey == "" {
		s.scheduleUnordered(ctx, fn)
		return
	}
	s.scheduleOrdered(orderingKey, fn)
}

func (s *scheduler) scheduleUnordered(ctx context.Context, fn func()) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return
	}
	go func() {
		defer s.sem.Release(1)
		fn()
	}()
}

func (s *scheduler) scheduleOrdered(key string, fn func()) {
	s.mu.Lock()
	if s.paused[key] {
		s.mu.Unlock()
		return
	}
	q, ok := s.queues[key]
	if !ok {
		q = &keyQueue{}
		s.queues[key] = q
	}
	s.mu.Unlock()

	q.mu.Lock()
	q.pending = append(q.pending, fn)
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.mu.Unlock()

	go s.drainKey(q)
}

func (s *scheduler) drainKey(q *keyQueue) {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		next := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()

		next()
	}
}

// PauseOrderingKey stops scheduling new callbacks for key (e.g. after a
// Nack on a message for that key) until ActivateOrderingKeys names it
// again. Callbacks already running or queued are unaffected.
func (s *scheduler) PauseOrderingKey(key string) {
	s.mu.Lock()
	s.paused[key] = true
	s.mu.Unlock()
}

// ActivateOrderingKeys resumes scheduling for the given keys.
func (s *scheduler) ActivateOrderingKeys(keys ...string) {
	s.mu.Lock()
	for _, k := range keys {
		delete(s.paused, k)
	}
	s.mu.Unlock()
}
