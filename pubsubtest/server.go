// Package pubsubtest provides an in-memory fake of the pubsub.Transport
// contract, for testing code built on this library without a live
// broker — the role durablestreamstest.MockServer/MockTransport play
// for the Durable Streams client, and the role pstest plays for the
// real cloud.google.com/go/pubsub.
package pubsubtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/fluxgate/pubsub"
)

// Call records one method invocation against Server, for assertions in
// tests.
type Call struct {
	Method       string
	Topic        string
	Subscription string
	AckIDs       []string
}

// Server is an in-memory fake pubsub.Transport. The zero value is not
// ready to use; call NewServer.
type Server struct {
	mu sync.Mutex

	messages map[string][]*pubsub.Message // topic -> published messages
	nextID   int

	calls []Call

	// injected errors, consumed one at a time per method, FIFO.
	publishErrs  []error
	ackErrs      []error
	modAckErrs   []error
	streamErrs   []error
	ackStatuses  map[string]pubsub.AckIDStatus // ack id -> forced status
	pulledQueues map[string]chan *pubsub.StreamingPullResponse
}

// NewServer returns an empty fake Transport.
func NewServer() *Server {
	return &Server{
		messages:     make(map[string][]*pubsub.Message),
		ackStatuses:  make(map[string]pubsub.AckIDStatus),
		pulledQueues: make(map[string]chan *pubsub.StreamingPullResponse),
	}
}

// InjectPublishError queues err to be returned by the next Publish call.
func (s *Server) InjectPublishError(err error) {
	s.mu.Lock()
	s.publishErrs = append(s.publishErrs, err)
	s.mu.Unlock()
}

// InjectAckError queues err to be returned by the next Acknowledge call.
func (s *Server) InjectAckError(err error) {
	s.mu.Lock()
	s.ackErrs = append(s.ackErrs, err)
	s.mu.Unlock()
}

// InjectModAckError queues err to be returned by the next
// ModifyAckDeadline call.
func (s *Server) InjectModAckError(err error) {
	s.mu.Lock()
	s.modAckErrs = append(s.modAckErrs, err)
	s.mu.Unlock()
}

// SetAckStatus forces the per-ack-id status returned for ackID on the
// next Acknowledge/ModifyAckDeadline call that includes it, modeling a
// server-side exactly-once rejection or transient failure.
func (s *Server) SetAckStatus(ackID string, status pubsub.AckIDStatus) {
	s.mu.Lock()
	s.ackStatuses[ackID] = status
	s.mu.Unlock()
}

// Calls returns every recorded call, in invocation order.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// Published returns every message accepted for topic, in commit order.
func (s *Server) Published(topic string) []*pubsub.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*pubsub.Message(nil), s.messages[topic]...)
}

// Push enqueues msgs to be delivered on subscription's next
// StreamingPull Recv call. Push may be called before or after
// StreamingPull opens the stream.
func (s *Server) Push(subscription string, msgs ...*pubsub.ReceivedMessage) {
	s.mu.Lock()
	q := s.queueLocked(subscription)
	s.mu.Unlock()
	q <- &pubsub.StreamingPullResponse{ReceivedMessages: msgs}
}

func (s *Server) queueLocked(subscription string) chan *pubsub.StreamingPullResponse {
	q, ok := s.pulledQueues[subscription]
	if !ok {
		q = make(chan *pubsub.StreamingPullResponse, 64)
		s.pulledQueues[subscription] = q
	}
	return q
}

func (s *Server) record(c Call) {
	s.mu.Lock()
	s.calls = append(s.calls, c)
	s.mu.Unlock()
}

// Publish implements pubsub.Transport.
func (s *Server) Publish(ctx context.Context, topic string, msgs []*pubsub.Message) ([]string, error) {
	s.record(Call{Method: "Publish", Topic: topic})

	s.mu.Lock()
	if len(s.publishErrs) > 0 {
		err := s.publishErrs[0]
		s.publishErrs = s.publishErrs[1:]
		s.mu.Unlock()
		return nil, err
	}
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		s.nextID++
		ids[i] = fmt.Sprintf("msg-%d", s.nextID)
		s.messages[topic] = append(s.messages[topic], m)
	}
	s.mu.Unlock()
	return ids, nil
}

// StreamingPull implements pubsub.Transport.
func (s *Server) StreamingPull(ctx context.Context, initial *pubsub.StreamingPullRequest) (pubsub.PullStream, error) {
	s.record(Call{Method: "StreamingPull", Subscription: initial.Subscription})

	s.mu.Lock()
	if len(s.streamErrs) > 0 {
		err := s.streamErrs[0]
		s.streamErrs = s.streamErrs[1:]
		s.mu.Unlock()
		return nil, err
	}
	q := s.queueLocked(initial.Subscription)
	s.mu.Unlock()

	return &fakeStream{ctx: ctx, queue: q}, nil
}

// ModifyAckDeadline implements pubsub.Transport.
func (s *Server) ModifyAckDeadline(ctx context.Context, subscription string, ackIDs []string, seconds int32) ([]pubsub.AckIDStatus, error) {
	s.record(Call{Method: "ModifyAckDeadline", Subscription: subscription, AckIDs: ackIDs})

	s.mu.Lock()
	if len(s.modAckErrs) > 0 {
		err := s.modAckErrs[0]
		s.modAckErrs = s.modAckErrs[1:]
		s.mu.Unlock()
		return nil, err
	}
	statuses := s.statusesLocked(ackIDs)
	s.mu.Unlock()
	return statuses, nil
}

// Acknowledge implements pubsub.Transport.
func (s *Server) Acknowledge(ctx context.Context, subscription string, ackIDs []string) ([]pubsub.AckIDStatus, error) {
	s.record(Call{Method: "Acknowledge", Subscription: subscription, AckIDs: ackIDs})

	s.mu.Lock()
	if len(s.ackErrs) > 0 {
		err := s.ackErrs[0]
		s.ackErrs = s.ackErrs[1:]
		s.mu.Unlock()
		return nil, err
	}
	statuses := s.statusesLocked(ackIDs)
	s.mu.Unlock()
	return statuses, nil
}

// statusesLocked builds the per-id status slice, honoring any forced
// statuses from SetAckStatus and defaulting to success. Called with
// s.mu held.
func (s *Server) statusesLocked(ackIDs []string) []pubsub.AckIDStatus {
	statuses := make([]pubsub.AckIDStatus, len(ackIDs))
	for i, id := range ackIDs {
		if forced, ok := s.ackStatuses[id]; ok {
			statuses[i] = forced
			// a forced status applies to one call only
			delete(s.ackStatuses, id)
			continue
		}
		statuses[i] = pubsub.AckIDStatus{AckID: id, Succeeded: true}
	}
	return statuses
}

// fakeStream is the in-memory pubsub.PullStream returned by
// Server.StreamingPull.
type fakeStream struct {
	ctx   context.Context
	queue chan *pubsub.StreamingPullResponse
}

func (f *fakeStream) Send(*pubsub.StreamingPullRequest) error {
	return nil
}

func (f *fakeStream) Recv() (*pubsub.StreamingPullResponse, error) {
	select {
	case resp := <-f.queue:
		return resp, nil
	case <-f.ctx.Done():
		return nil, f.ctx.Err()
	}
}

func (f *fakeStream) CloseSend() error {
	return nil
}
