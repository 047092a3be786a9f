package pubsub

import "context"

// Transport is the opaque collaborator this core consumes. The core
// never generates RPC stubs; an implementation is expected to wrap a
// generated client (spec §6).
type Transport interface {
	// Publish sends msgs to topic in one RPC and returns one
	// server-assigned message id per message, positionally aligned with
	// msgs.
	Publish(ctx context.Context, topic string, msgs []*Message) ([]string, error)

	// StreamingPull opens the bidirectional message stream described by
	// initial. initial is the stream's first request: the core passes it
	// only here and does not Send it on the returned PullStream.
	StreamingPull(ctx context.Context, initial *StreamingPullRequest) (PullStream, error)

	// ModifyAckDeadline sets ackIDs' deadline to seconds from now.
	// seconds == 0 is a nack.
	ModifyAckDeadline(ctx context.Context, subscription string, ackIDs []string, seconds int32) ([]AckIDStatus, error)

	// Acknowledge permanently acknowledges ackIDs.
	Acknowledge(ctx context.Context, subscription string, ackIDs []string) ([]AckIDStatus, error)
}

// PullStream is the bidirectional stream contract used by StreamingPull,
// shaped after grpc.ClientStream's Send/Recv/CloseSend.
type PullStream interface {
	Send(*StreamingPullRequest) error
	Recv() (*StreamingPullResponse, error)
	CloseSend() error
}

// StreamingPullRequest is the client->server frame. The initial request
// on a stream must set Subscription; subsequent requests may carry acks,
// modacks, or a flow-control update, or be empty (a heartbeat ping).
type StreamingPullRequest struct {
	// Subscription is set only on the first request on a stream.
	Subscription string
	// ClientID identifies this client instance across stream
	// reconnects, set only on the first request.
	ClientID string
	// StreamAckDeadlineSeconds is the initial per-message ack deadline,
	// set only on the first request.
	StreamAckDeadlineSeconds int32
	// MaxOutstandingMessages / MaxOutstandingBytes carry the initial
	// flow-control limits, set only on the first request.
	MaxOutstandingMessages int64
	MaxOutstandingBytes    int64

	AckIDs                []string
	ModifyDeadlineAckIDs  []string
	ModifyDeadlineSeconds []int32
}

// StreamingPullResponse is the server->client frame.
type StreamingPullResponse struct {
	ReceivedMessages []*ReceivedMessage
}

// AckIDStatus is the per-ack-id result of a unary Acknowledge or
// ModifyAckDeadline call under exactly-once delivery.
type AckIDStatus struct {
	AckID string
	// Succeeded is true if the server durably recorded the
	// ack/modack for this id.
	Succeeded bool
	// Transient is true if Succeeded is false because of a retryable
	// condition (the caller should retry this id).
	Transient bool
	// Reason classifies a permanent (non-transient) failure.
	Reason AckIDErrorReason
}
