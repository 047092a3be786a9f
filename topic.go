package pubsub

import (
	"context"
	"sync"
)

// Topic publishes messages to one topic, fanning out to a per-ordering-
// key sequencer (spec §3, §4.2). The zero ordering key ("") is served
// by a single unordered sequencer shared by all unordered publishes.
type Topic struct {
	id     string
	client *Client

	settings PublishSettings
	fc       *flowController

	mu        sync.Mutex
	unordered *unorderedSequencer
	ordered   map[string]*orderedSequencer
	stopped   bool
}

func newTopic(id string, c *Client) *Topic {
	settings := DefaultPublishSettings()
	return &Topic{
		id:       id,
		client:   c,
		settings: settings,
		fc:       newFlowController(settings.FlowControlSettings.ByteLimit, settings.FlowControlSettings.MessageLimit, settings.FlowControlSettings.LimitExceededBehavior),
		ordered:  make(map[string]*orderedSequencer),
	}
}

// SetPublishSettings replaces the batching thresholds and flow
// controller used by sequencers created after the call. Sequencers that
// already exist, and the batches they open, keep the settings and flow
// controller they were created with.
func (t *Topic) SetPublishSettings(s PublishSettings) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.settings = s
	t.fc = newFlowController(s.FlowControlSettings.ByteLimit, s.FlowControlSettings.MessageLimit, s.FlowControlSettings.LimitExceededBehavior)
}

// Publish enqueues msg for publication and returns a PublishResult that
// resolves once the containing batch has been committed (or permanently
// failed). The ordering key, if set, routes msg to its own sequencer
// (spec invariant 4).
func (t *Topic) Publish(ctx context.Context, msg *Message) (*PublishResult, error) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return nil, ErrClientClosed
	}
	settings, fc := t.settings, t.fc
	var seq sequencer
	if msg.OrderingKey == "" {
		if t.unordered == nil {
			t.unordered = newUnorderedSequencer(t.id, t.client.transport, settings, fc, t.client.logger)
		}
		seq = t.unordered
	} else {
		s, ok := t.ordered[msg.OrderingKey]
		if !ok {
			s = newOrderedSequencer(t.id, msg.OrderingKey, t.client.transport, settings, fc, t.client.logger)
			t.ordered[msg.OrderingKey] = s
		}
		seq = s
	}
	t.mu.Unlock()

	if t.client.tracer != nil {
		_, span := t.client.tracer.Start(ctx, "pubsub.Publish")
		msg.tracingSpan = span
	}

	return seq.Publish(ctx, msg)
}

// ResumePublish clears a paused ordering key's sequencer so subsequent
// publishes to that key are accepted again (spec §4.2 invariant 4,
// supplemental op recovered from original_source/).
func (t *Topic) ResumePublish(orderingKey string) {
	t.mu.Lock()
	s, ok := t.ordered[orderingKey]
	t.mu.Unlock()
	if ok {
		s.Resume()
	}
}

// Flush blocks until all currently-buffered messages, across every
// sequencer, have been committed.
func (t *Topic) Flush() {
	t.mu.Lock()
	u := t.unordered
	var ordered []*orderedSequencer
	for _, s := range t.ordered {
		ordered = append(ordered, s)
	}
	t.mu.Unlock()

	if u != nil {
		u.Flush()
	}
	for _, s := range ordered {
		s.Flush()
	}
}

// Stop flushes outstanding messages and marks the Topic closed; further
// Publish calls return ErrClientClosed.
func (t *Topic) Stop() {
	t.Flush()
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}
