package pubsub

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// sequencer is the per-(topic[,ordering key]) ordering authority (spec
// §3, §4.2).
type sequencer interface {
	Publish(ctx context.Context, msg *Message) (*PublishResult, error)
	Flush()
}

// unorderedSequencer allows multiple batches in flight concurrently: on
// each publish, if the current batch accepts, enqueue; else commit it
// asynchronously and open a new one (spec §4.2).
type unorderedSequencer struct {
	mu        sync.Mutex
	topic     string
	transport Transport
	settings  PublishSettings
	fc        *flowController
	logger    *zap.Logger
	current   *batch
}

func newUnorderedSequencer(topic string, transport Transport, settings PublishSettings, fc *flowController, logger *zap.Logger) *unorderedSequencer {
	return &unorderedSequencer{topic: topic, transport: transport, settings: settings, fc: fc, logger: logger}
}

func (s *unorderedSequencer) openLocked() *batch {
	b := newBatch(s.topic, "", s.transport, s.settings, s.fc, s.logger, func() {
		s.mu.Lock()
		if s.current == nil {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
	})
	s.current = b
	return b
}

func (s *unorderedSequencer) Publish(ctx context.Context, msg *Message) (*PublishResult, error) {
	size := msg.size()
	if s.fc != nil {
		if err := s.fc.Reserve(ctx, size); err != nil {
			return nil, err
		}
	}

	for {
		s.mu.Lock()
		b := s.current
		if b == nil {
			b = s.openLocked()
		}
		s.mu.Unlock()

		result, err := b.TryAdd(msg)
		switch err {
		case nil:
			return result, nil
		case errBatchFull:
			// seal runs the batch's onSeal hook, which takes s.mu, so it
			// must be called without s.mu held.
			b.seal()
			go b.commit()
			s.mu.Lock()
			if s.current == b {
				s.openLocked()
			}
			s.mu.Unlock()
			// retry against the freshly-opened batch
		case errBatchSealed:
			// Another goroutine sealed it between our read and TryAdd;
			// loop and pick up (or open) the replacement.
			s.mu.Lock()
			if s.current == b {
				s.openLocked()
			}
			s.mu.Unlock()
		default:
			if s.fc != nil {
				s.fc.Release(size, 1)
			}
			return nil, err
		}
	}
}

func (s *unorderedSequencer) Flush() {
	s.mu.Lock()
	b := s.current
	s.current = nil
	s.mu.Unlock()
	if b != nil {
		b.Flush()
	}
}

// orderedSequencer allows at most one batch in flight per key; new
// publishes to a key whose in-flight batch hasn't completed wait rather
// than fill a concurrent batch (spec §4.2 invariant 4).
type orderedSequencer struct {
	mu        sync.Mutex
	topic     string
	key       string
	transport Transport
	settings  PublishSettings
	fc        *flowController
	logger    *zap.Logger

	current  *batch
	paused   bool
	pauseErr error
}

func newOrderedSequencer(topic, key string, transport Transport, settings PublishSettings, fc *flowController, logger *zap.Logger) *orderedSequencer {
	return &orderedSequencer{topic: topic, key: key, transport: transport, settings: settings, fc: fc, logger: logger}
}

func (s *orderedSequencer) Publish(ctx context.Context, msg *Message) (*PublishResult, error) {
	size := msg.size()

	s.mu.Lock()
	if s.paused {
		err := s.pauseErr
		s.mu.Unlock()
		return nil, &SequencerPausedError{OrderingKey: s.key, Cause: err}
	}
	s.mu.Unlock()

	if s.fc != nil {
		if err := s.fc.Reserve(ctx, size); err != nil {
			return nil, err
		}
	}

	result := newPublishResult()
	s.enqueue(msg, result, size)
	return result, nil
}

// enqueue adds msg to the current batch, opening one if needed, and
// serializes admission so only one batch per key is ever open.
func (s *orderedSequencer) enqueue(msg *Message, result *PublishResult, size int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		s.current = s.openLocked()
	}
	b := s.current

	addResult, err := b.TryAdd(msg)
	if err == nil {
		// splice addResult into result so callers holding the original
		// future observe the same resolution.
		go func() {
			id, gerr := addResult.Get(context.Background())
			result.resolve(id, gerr)
		}()
		return
	}

	// Full or sealed: commit the current batch if needed and queue this
	// publish to run against the next one, preserving enqueue order
	// (invariant 4).
	if err == errBatchFull {
		b.seal()
		go b.commit()
	}
	s.current = nil
	next := s.openLocked()
	addResult, addErr := next.TryAdd(msg)
	if addErr != nil {
		if s.fc != nil {
			s.fc.Release(size, 1)
		}
		result.resolve("", addErr)
		return
	}
	go func() {
		id, gerr := addResult.Get(context.Background())
		result.resolve(id, gerr)
	}()
}

func (s *orderedSequencer) openLocked() *batch {
	b := newBatch(s.topic, s.key, s.transport, s.settings, s.fc, s.logger, nil)
	b.onCommitError = func(err error) {
		s.mu.Lock()
		s.paused = true
		s.pauseErr = err
		s.mu.Unlock()
	}
	return b
}

// Resume clears a pause for this sequencer's key. It is idempotent: a
// Resume call on an already-active (unpaused) sequencer is a no-op, not
// an error (spec §9 supplemental: original sequencer fixtures rely on
// this).
func (s *orderedSequencer) Resume() {
	s.mu.Lock()
	s.paused = false
	s.pauseErr = nil
	s.mu.Unlock()
}

func (s *orderedSequencer) Flush() {
	s.mu.Lock()
	b := s.current
	s.current = nil
	s.mu.Unlock()
	if b != nil {
		b.Flush()
	}
}
