package pubsub

import "time"

// LimitExceededBehavior controls what a FlowController does when a
// Reserve call would exceed its configured limits (spec §4.1, §6).
type LimitExceededBehavior int

const (
	// FlowControlBlock suspends the caller until space is available.
	FlowControlBlock LimitExceededBehavior = iota
	// FlowControlError returns a *FlowControlLimitError immediately.
	FlowControlError
	// FlowControlIgnore admits the request and updates counters anyway.
	FlowControlIgnore
)

// PublishFlowControlSettings configures the publisher-side FlowController
// (spec §6).
type PublishFlowControlSettings struct {
	// MessageLimit is the maximum number of outstanding (unacknowledged
	// by the server) messages. Zero means unlimited.
	MessageLimit int
	// ByteLimit is the maximum number of outstanding bytes. Zero means
	// unlimited.
	ByteLimit int
	// LimitExceededBehavior selects Block, Error, or Ignore.
	LimitExceededBehavior LimitExceededBehavior
}

// DefaultPublishFlowControlSettings returns generous defaults: 1000
// messages / 10 MiB, blocking when exceeded.
func DefaultPublishFlowControlSettings() PublishFlowControlSettings {
	return PublishFlowControlSettings{
		MessageLimit:          1000,
		ByteLimit:             10 * 1024 * 1024,
		LimitExceededBehavior: FlowControlBlock,
	}
}

// PublishSettings configures the Batch/Sequencer pipeline (spec §6).
type PublishSettings struct {
	// ByteThreshold is the maximum accumulated batch size in bytes
	// before a commit is triggered. Default 1 MiB.
	ByteThreshold int
	// CountThreshold is the maximum number of messages in a batch
	// before a commit is triggered. Default 100.
	CountThreshold int
	// DelayThreshold is the maximum time an open batch may remain
	// uncommitted. Default 10ms.
	DelayThreshold time.Duration
	// FlowControlSettings governs outstanding publish bytes/messages.
	FlowControlSettings PublishFlowControlSettings
}

// DefaultPublishSettings returns the spec's default batch thresholds:
// 100 messages, 1 MiB, 10ms (spec §4.2).
func DefaultPublishSettings() PublishSettings {
	return PublishSettings{
		ByteThreshold:       1024 * 1024,
		CountThreshold:      100,
		DelayThreshold:      10 * time.Millisecond,
		FlowControlSettings: DefaultPublishFlowControlSettings(),
	}
}

// ReceiveSettings configures the Streaming Pull Manager, Leaser,
// Scheduler, and Dispatcher (spec §6).
type ReceiveSettings struct {
	// NumGoroutines is the size of the Scheduler's unordered worker pool.
	// Default 10.
	NumGoroutines int
	// MaxOutstandingMessages is the subscriber flow-control message
	// limit (high watermark triggers Pause). Default 1000.
	MaxOutstandingMessages int
	// MaxOutstandingBytes is the subscriber flow-control byte limit.
	// Default 1 GiB.
	MaxOutstandingBytes int
	// MaxExtensionDuration is the hard cap on total lease time for a
	// message (spec's max_lease_duration). Default 60 minutes. Zero
	// disables the cap (not recommended).
	MaxExtensionDuration time.Duration
	// MinAckDeadline is the floor on the per-message ack deadline
	// extension. Default 10s.
	MinAckDeadline time.Duration
	// MaxAckDeadline is the ceiling on the per-message ack deadline
	// extension. Default 600s.
	MaxAckDeadline time.Duration
	// HeartbeatInterval is how often the Heartbeater sends an empty
	// request on the stream while the manager is not Paused. Heartbeats
	// are sent whether or not the stream carries other traffic. Default
	// 30s (spec §4.7, §9 open question (b)).
	HeartbeatInterval time.Duration
	// ExactlyOnceDelivery enables per-ack-id status checking and the
	// Dispatcher's background retry worker (spec §4.5, §8 property 7).
	ExactlyOnceDelivery bool
}

// DefaultReceiveSettings returns the spec's default subscriber settings.
func DefaultReceiveSettings() ReceiveSettings {
	return ReceiveSettings{
		NumGoroutines:          10,
		MaxOutstandingMessages: 1000,
		MaxOutstandingBytes:    1 << 30,
		MaxExtensionDuration:   60 * time.Minute,
		MinAckDeadline:         10 * time.Second,
		MaxAckDeadline:         600 * time.Second,
		HeartbeatInterval:      30 * time.Second,
	}
}

// lowWatermarkFraction is the fraction of the high watermark at which a
// Paused StreamingPullManager transitions back to Running (spec §4.3).
const lowWatermarkFraction = 0.5

// ackIDsBatchSize is ACK_IDS_BATCH_SIZE from spec §4.5: the maximum
// number of ack ids carried by one unary ack/modack call.
const ackIDsBatchSize = 2500
