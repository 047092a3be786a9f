package pubsub

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

type batchStatus int

const (
	batchAcceptingMessages batchStatus = iota
	batchInProgress
	batchComplete
	batchError
)

// batch accumulates messages for one topic (and, if ordered, one
// ordering key) up to configured thresholds, then commits them in one
// publish RPC (spec §3, §4.2).
type batch struct {
	mu sync.Mutex

	topic       string
	orderingKey string
	transport   Transport
	settings    PublishSettings
	fc          *flowController
	logger      *zap.Logger

	status   batchStatus
	messages []*Message
	results  []*PublishResult
	byteSize int
	created  time.Time
	lastErr  error

	timer *time.Timer
	// onSeal is invoked exactly once, with the lock not held, the first
	// time this batch transitions out of AcceptingMessages — whether by
	// threshold, timer, or explicit Flush. Sequencers open replacement
	// batches themselves, when TryAdd reports errBatchFull or
	// errBatchSealed.
	onSeal func()
	sealed bool
	// committing and done guard against a batch that self-sealed via
	// TryAdd's own threshold check being committed a second time by a
	// caller's later explicit Flush: only the first caller into commit
	// issues the RPC, and the rest wait on done.
	committing bool
	done       chan struct{}
	// onCommitError is invoked, if non-nil, whenever commit ends in
	// batchError — regardless of whether the commit was triggered by a
	// threshold, a timer, or an explicit Flush. It lets an ordered
	// sequencer pause on the first failing batch for its key (spec §4.2
	// invariant 4), without caring which code path drove the commit.
	onCommitError func(error)
}

func newBatch(topic, orderingKey string, transport Transport, settings PublishSettings, fc *flowController, logger *zap.Logger, onSeal func()) *batch {
	b := &batch{
		topic:       topic,
		orderingKey: orderingKey,
		transport:   transport,
		settings:    settings,
		fc:          fc,
		logger:      logger,
		status:      batchAcceptingMessages,
		created:     time.Now(),
		onSeal:      onSeal,
		done:        make(chan struct{}),
	}
	if settings.DelayThreshold > 0 {
		b.timer = time.AfterFunc(settings.DelayThreshold, b.onTimerFire)
	}
	return b
}

func (b *batch) onTimerFire() {
	b.mu.Lock()
	if b.status != batchAcceptingMessages || len(b.messages) == 0 {
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()
	b.seal()
	go b.commit()
}

// TryAdd attempts to add msg to the batch (spec §4.2). It returns
// errBatchSealed if the batch is no longer accepting messages, and
// errBatchFull if admitting msg would exceed a non-empty batch's
// thresholds (the caller should open a new batch and retry there).
func (b *batch) TryAdd(msg *Message) (*PublishResult, error) {
	size := msg.size()

	b.mu.Lock()
	if b.status != batchAcceptingMessages {
		b.mu.Unlock()
		return nil, errBatchSealed
	}

	exceedsCount := b.settings.CountThreshold > 0 && len(b.messages)+1 > b.settings.CountThreshold
	exceedsBytes := b.settings.ByteThreshold > 0 && b.byteSize+size > b.settings.ByteThreshold
	if (exceedsCount || exceedsBytes) && len(b.messages) > 0 {
		b.mu.Unlock()
		return nil, errBatchFull
	}
	// A single oversized message is admitted alone as a degenerate
	// one-message batch rather than looping forever in TryAdd/seal.

	result := newPublishResult()
	b.messages = append(b.messages, msg)
	b.results = append(b.results, result)
	b.byteSize += size

	full := (b.settings.CountThreshold > 0 && len(b.messages) >= b.settings.CountThreshold) ||
		(b.settings.ByteThreshold > 0 && b.byteSize >= b.settings.ByteThreshold)
	b.mu.Unlock()

	if full {
		b.seal()
		go b.commit()
	}
	return result, nil
}

// seal transitions AcceptingMessages -> InProgress and fires onSeal
// exactly once. Safe to call concurrently with itself.
func (b *batch) seal() {
	b.mu.Lock()
	if b.status != batchAcceptingMessages {
		b.mu.Unlock()
		return
	}
	b.status = batchInProgress
	if b.timer != nil {
		b.timer.Stop()
	}
	already := b.sealed
	b.sealed = true
	b.mu.Unlock()

	if !already && b.onSeal != nil {
		b.onSeal()
	}
}

// Flush forces this batch to seal and commit now, regardless of
// thresholds (spec §4.2 "explicit Flush from the user").
func (b *batch) Flush() {
	b.mu.Lock()
	empty := len(b.messages) == 0 && b.status == batchAcceptingMessages
	b.mu.Unlock()
	if empty {
		b.seal()
		return
	}
	b.seal()
	b.commit()
}

// commit issues the publish RPC and resolves all futures (spec §4.2).
// A batch that self-sealed inside TryAdd may also be handed to commit
// by a caller's later explicit Flush; only the first caller to arrive
// here runs the RPC, and later callers block on done instead of
// re-publishing the same messages.
func (b *batch) commit() {
	b.mu.Lock()
	if b.committing {
		done := b.done
		b.mu.Unlock()
		<-done
		return
	}
	b.committing = true
	msgs := b.messages
	results := b.results
	size := b.byteSize
	done := b.done
	b.mu.Unlock()
	defer close(done)

	if len(msgs) == 0 {
		b.mu.Lock()
		b.status = batchComplete
		b.mu.Unlock()
		return
	}

	ctx := context.Background()
	var publishedIDs []string
	runErr := commitPolicy.Run(ctx, func(ctx context.Context) error {
		got, err := b.transport.Publish(ctx, b.topic, msgs)
		if err != nil {
			return err
		}
		publishedIDs = got
		return nil
	})

	if b.fc != nil {
		b.fc.Release(size, len(msgs))
	}

	b.mu.Lock()
	if runErr != nil {
		b.status = batchError
		b.lastErr = runErr
	} else {
		b.status = batchComplete
	}
	onCommitError := b.onCommitError
	b.mu.Unlock()

	if runErr != nil {
		if b.logger != nil {
			b.logger.Warn("batch commit failed", zap.String("topic", b.topic), zap.Error(runErr))
		}
		if onCommitError != nil {
			onCommitError(runErr)
		}
		for _, r := range results {
			r.resolve("", runErr)
		}
		for _, m := range msgs {
			if m.tracingSpan != nil {
				m.tracingSpan.End()
			}
		}
		return
	}

	for i, r := range results {
		var id string
		if i < len(publishedIDs) {
			id = publishedIDs[i]
		}
		r.resolve(id, nil)
	}
	for _, m := range msgs {
		if m.tracingSpan != nil {
			m.tracingSpan.End()
		}
	}
}

// Size reports the current message count and byte size, for tests.
func (b *batch) Size() (count, bytes int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.messages), b.byteSize
}

// CreatedAt reports batch creation time, for latency-bound tests.
func (b *batch) CreatedAt() time.Time {
	return b.created
}

// Err returns the commit error, if the batch ended in batchError.
func (b *batch) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastErr
}

// Status returns the current batch status, for tests.
func (b *batch) Status() batchStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}
