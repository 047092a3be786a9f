package pubsub

import (
	"sync"
	"time"
)

// leaseEntry tracks one outstanding message's lease bookkeeping.
type leaseEntry struct {
	maxExtension time.Time // hard cap: MaxExtensionDuration past receipt
	size         int
	receivedAt   time.Time
}

// leaser tracks every message currently leased to the subscriber
// callback and decides, once per maintenance tick, which ack ids still
// need their deadline extended and which have outlived
// MaxExtensionDuration and must be dropped (spec §4.4). Grounded on the
// vendored streamingMessageIterator's keepAliveDeadlines map and
// handleKeepAlives/checkDrained methods.
type leaser struct {
	mu sync.Mutex

	maxExtension time.Duration
	entries      map[string]*leaseEntry
	bytes        int

	// onExpire is invoked, without the lock held, once per ack id that
	// ages out past maxExtension.
	onExpire func(ackID string)
}

func newLeaser(maxExtension time.Duration, onExpire func(string)) *leaser {
	return &leaser{
		maxExtension: maxExtension,
		entries:      make(map[string]*leaseEntry),
		onExpire:     onExpire,
	}
}

// Add begins tracking ackID, received just now with the given payload
// size. Adding an ack id that is already tracked is a no-op.
func (l *leaser) Add(ackID string, size int) {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, known := l.entries[ackID]; known {
		return
	}
	entry := &leaseEntry{size: size, receivedAt: now}
	if l.maxExtension > 0 {
		entry.maxExtension = now.Add(l.maxExtension)
	}
	l.entries[ackID] = entry
	l.bytes += size
}

// Remove stops tracking ackID (called on ack or nack, and for a Drop
// request) and reports how long it had been leased, for the ack-time
// Histogram.
func (l *leaser) Remove(ackID string) (leasedFor time.Duration, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, exists := l.entries[ackID]
	if !exists {
		return 0, false
	}
	delete(l.entries, ackID)
	l.bytes -= e.size
	if l.bytes < 0 {
		l.bytes = 0
	}
	return time.Since(e.receivedAt), true
}

// ExtendDeadlines returns the ack ids still live as of now, dropping (and
// reporting via onExpire) any that have passed their MaxExtensionDuration
// hard cap (spec §4.4 "Expired" edge case).
func (l *leaser) ExtendDeadlines() []string {
	now := time.Now()
	l.mu.Lock()
	var live []string
	var expired []string
	for id, e := range l.entries {
		if l.maxExtension > 0 && !e.maxExtension.IsZero() && now.After(e.maxExtension) {
			delete(l.entries, id)
			l.bytes -= e.size
			if l.bytes < 0 {
				l.bytes = 0
			}
			expired = append(expired, id)
			continue
		}
		live = append(live, id)
	}
	l.mu.Unlock()

	if l.onExpire != nil {
		for _, id := range expired {
			l.onExpire(id)
		}
	}
	return live
}

// MessageCount reports the number of messages currently leased (spec §9
// supplemental accessor, mirrors the teacher-adjacent iterator's
// len(keepAliveDeadlines) use in checkDrained).
func (l *leaser) MessageCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Bytes reports the total payload size of messages currently leased.
func (l *leaser) Bytes() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.bytes
}

// Drained reports whether no messages remain leased, used to decide
// when a Closing StreamingPullManager may finish closing.
func (l *leaser) Drained() bool {
	return l.MessageCount() == 0
}
