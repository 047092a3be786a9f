package pubsub

import (
	"container/list"
	"context"
	"sync"
)

// flowController bounds outstanding bytes and message counts across all
// in-flight batches (publisher side) or leased messages (subscriber
// side), per spec §4.1. A single mutex protects both counters; Block
// policy waiters are served FIFO via a list of wake channels, mirroring
// the teacher's sync.Cond-based BatchedStream buffering generalized to
// resource-limit waiting.
type flowController struct {
	mu sync.Mutex

	byteLimit    int
	messageLimit int
	behavior     LimitExceededBehavior

	bytes    int
	messages int

	waiters *list.List // of chan struct{}
}

func newFlowController(byteLimit, messageLimit int, behavior LimitExceededBehavior) *flowController {
	return &flowController{
		byteLimit:    byteLimit,
		messageLimit: messageLimit,
		behavior:     behavior,
		waiters:      list.New(),
	}
}

func (f *flowController) fitsLocked(bytes int) (bool, bool) {
	byteOK := f.byteLimit <= 0 || f.bytes+bytes <= f.byteLimit
	msgOK := f.messageLimit <= 0 || f.messages+1 <= f.messageLimit
	return byteOK, msgOK
}

// Reserve admits one message of the given byte size. Under
// FlowControlBlock it suspends the caller (cancellably via ctx) until
// space frees up; under FlowControlError it returns a
// *FlowControlLimitError immediately; under FlowControlIgnore it always
// admits, over-committing the counters (spec §4.1, invariant 3's escape
// hatch).
func (f *flowController) Reserve(ctx context.Context, bytes int) error {
	f.mu.Lock()
	byteOK, msgOK := f.fitsLocked(bytes)
	if byteOK && msgOK || f.behavior == FlowControlIgnore {
		f.bytes += bytes
		f.messages++
		f.mu.Unlock()
		return nil
	}

	if f.behavior == FlowControlError {
		limit, requested, isBytes := f.messageLimit, f.messages+1, false
		if !byteOK {
			limit, requested, isBytes = f.byteLimit, f.bytes+bytes, true
		}
		f.mu.Unlock()
		return &FlowControlLimitError{Bytes: isBytes, Requested: requested, Limit: limit}
	}

	// FlowControlBlock: enqueue as a FIFO waiter and wait for a Release
	// to wake us, re-checking fit each time (another waiter may have
	// been served first).
	ch := make(chan struct{}, 1)
	elem := f.waiters.PushBack(ch)
	f.mu.Unlock()

	for {
		select {
		case <-ch:
			f.mu.Lock()
			byteOK, msgOK = f.fitsLocked(bytes)
			if byteOK && msgOK {
				f.bytes += bytes
				f.messages++
				f.mu.Unlock()
				return nil
			}
			// Still doesn't fit: re-enqueue at the back and keep
			// waiting, preserving overall FIFO-ish fairness.
			elem = f.waiters.PushBack(ch)
			f.mu.Unlock()
		case <-ctx.Done():
			f.mu.Lock()
			f.waiters.Remove(elem)
			f.mu.Unlock()
			return ctx.Err()
		}
	}
}

// Release returns bytes and messages to the pool and wakes up to count
// blocked waiters, oldest first, giving each a chance to recheck whether
// it now fits. count is the number of Reserve calls being released at
// once (a batch of N messages reserved N times but commits, and so
// releases, as a single unit).
func (f *flowController) Release(bytes, count int) {
	f.mu.Lock()
	f.bytes -= bytes
	f.messages -= count
	if f.bytes < 0 {
		f.bytes = 0
	}
	if f.messages < 0 {
		f.messages = 0
	}
	for i := 0; i < count; i++ {
		front := f.waiters.Front()
		if front == nil {
			break
		}
		f.waiters.Remove(front)
		ch := front.Value.(chan struct{})
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	f.mu.Unlock()
}

// Outstanding returns the current byte and message totals (spec's
// outstanding_bytes / outstanding_messages, property 4).
func (f *flowController) Outstanding() (bytes, messages int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bytes, f.messages
}
