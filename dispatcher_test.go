package pubsub

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fluxgate/pubsub/internal/retryx"
)

// ackTransport is a fakeTransport variant focused on Acknowledge /
// ModifyAckDeadline, with per-id status injection for exactly-once
// tests.
type ackTransport struct {
	mu         sync.Mutex
	acked      [][]string
	modAcked   []modAckCall
	ackErr     error
	statusesFn func(ids []string) []AckIDStatus
}

type modAckCall struct {
	ids     []string
	seconds int32
}

func (a *ackTransport) Publish(ctx context.Context, topic string, msgs []*Message) ([]string, error) {
	return nil, errors.New("not implemented")
}

func (a *ackTransport) StreamingPull(ctx context.Context, initial *StreamingPullRequest) (PullStream, error) {
	return nil, errors.New("not implemented")
}

func (a *ackTransport) ModifyAckDeadline(ctx context.Context, sub string, ackIDs []string, seconds int32) ([]AckIDStatus, error) {
	a.mu.Lock()
	a.modAcked = append(a.modAcked, modAckCall{ids: ackIDs, seconds: seconds})
	fn := a.statusesFn
	a.mu.Unlock()
	if fn != nil {
		return fn(ackIDs), nil
	}
	return defaultStatuses(ackIDs), nil
}

func (a *ackTransport) Acknowledge(ctx context.Context, sub string, ackIDs []string) ([]AckIDStatus, error) {
	a.mu.Lock()
	a.acked = append(a.acked, ackIDs)
	err := a.ackErr
	fn := a.statusesFn
	a.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if fn != nil {
		return fn(ackIDs), nil
	}
	return defaultStatuses(ackIDs), nil
}

func defaultStatuses(ids []string) []AckIDStatus {
	out := make([]AckIDStatus, len(ids))
	for i, id := range ids {
		out[i] = AckIDStatus{AckID: id, Succeeded: true}
	}
	return out
}

func TestDispatcherAckResolvesSuccess(t *testing.T) {
	at := &ackTransport{}
	lsr := newLeaser(time.Minute, nil)
	d := newDispatcher("sub", at, false, lsr, nil)
	defer d.Stop()

	r := d.Ack("a1")
	if err := r.Get(context.Background()); err != nil {
		t.Fatalf("Ack result: %v", err)
	}
}

func TestDispatcherDedupWithinTick(t *testing.T) {
	at := &ackTransport{}
	lsr := newLeaser(time.Minute, nil)
	d := newDispatcher("sub", at, true, lsr, nil)
	defer d.Stop()

	r1 := d.Ack("dup")
	r2 := d.Ack("dup")

	if err := r1.Get(context.Background()); err != nil {
		t.Fatalf("first Ack: %v", err)
	}
	err2 := r2.Get(context.Background())
	if !errors.Is(err2, ErrDuplicateAckID) {
		t.Fatalf("second Ack (exactly-once) = %v, want ErrDuplicateAckID", err2)
	}
}

func TestDispatcherDedupWithoutExactlyOnceResolvesSuccess(t *testing.T) {
	at := &ackTransport{}
	lsr := newLeaser(time.Minute, nil)
	d := newDispatcher("sub", at, false, lsr, nil)
	defer d.Stop()

	r1 := d.Ack("dup")
	r2 := d.Ack("dup")

	if err := r1.Get(context.Background()); err != nil {
		t.Fatalf("first Ack: %v", err)
	}
	if err := r2.Get(context.Background()); err != nil {
		t.Fatalf("duplicate Ack without exactly-once = %v, want nil", err)
	}
}

func TestDispatcherPermanentFailureUnderExactlyOnce(t *testing.T) {
	at := &ackTransport{
		statusesFn: func(ids []string) []AckIDStatus {
			out := make([]AckIDStatus, len(ids))
			for i, id := range ids {
				out[i] = AckIDStatus{AckID: id, Succeeded: false, Reason: AckIDErrorPermissionDenied}
			}
			return out
		},
	}
	lsr := newLeaser(time.Minute, nil)
	d := newDispatcher("sub", at, true, lsr, nil)
	defer d.Stop()

	r := d.Ack("denied")
	err := r.Get(context.Background())
	var ackErr *AckIDError
	if !errors.As(err, &ackErr) {
		t.Fatalf("Ack result = %v (%T), want *AckIDError", err, err)
	}
	if ackErr.Reason != AckIDErrorPermissionDenied {
		t.Errorf("Reason = %v, want AckIDErrorPermissionDenied", ackErr.Reason)
	}
}

// TestDispatcherExactlyOnceRetriesUntilTransientClears exercises the
// seed scenario "ack id A returns transient; two retries before
// success": each of the first two Acknowledge attempts for the id
// report it as still transient, and only the third reports success.
// The AckResult must not resolve until that third, confirmed attempt.
func TestDispatcherExactlyOnceRetriesUntilTransientClears(t *testing.T) {
	orig := ackRetryPolicy
	ackRetryPolicy = retryx.Policy{
		InitialInterval: time.Millisecond,
		Multiplier:      1,
		MaxInterval:     5 * time.Millisecond,
		MaxElapsedTime:  time.Second,
	}
	defer func() { ackRetryPolicy = orig }()

	var attempts int32
	at := &ackTransport{
		statusesFn: func(ids []string) []AckIDStatus {
			n := atomic.AddInt32(&attempts, 1)
			out := make([]AckIDStatus, len(ids))
			for i, id := range ids {
				out[i] = AckIDStatus{AckID: id, Succeeded: n > 2, Transient: n <= 2}
			}
			return out
		},
	}
	lsr := newLeaser(time.Minute, nil)
	d := newDispatcher("sub", at, true, lsr, nil)
	defer d.Stop()

	r := d.Ack("flaky")
	if err := r.Get(context.Background()); err != nil {
		t.Fatalf("Ack result after retries = %v, want nil (eventual success)", err)
	}
	if got := atomic.LoadInt32(&attempts); got < 3 {
		t.Fatalf("attempts = %d, want >= 3 (initial attempt plus two transient retries)", got)
	}
}

// TestDispatcherExactlyOnceRetryExhaustsOnPersistentTransient checks
// that a permanently-stuck-transient id eventually resolves with an
// error instead of hanging forever or resolving success.
func TestDispatcherExactlyOnceRetryExhaustsOnPersistentTransient(t *testing.T) {
	orig := ackRetryPolicy
	ackRetryPolicy = retryx.Policy{
		InitialInterval: time.Millisecond,
		Multiplier:      1,
		MaxInterval:     2 * time.Millisecond,
		MaxElapsedTime:  30 * time.Millisecond,
	}
	defer func() { ackRetryPolicy = orig }()

	at := &ackTransport{
		statusesFn: func(ids []string) []AckIDStatus {
			out := make([]AckIDStatus, len(ids))
			for i, id := range ids {
				out[i] = AckIDStatus{AckID: id, Succeeded: false, Transient: true}
			}
			return out
		},
	}
	lsr := newLeaser(time.Minute, nil)
	d := newDispatcher("sub", at, true, lsr, nil)
	defer d.Stop()

	r := d.Ack("stuck")
	if err := r.Get(context.Background()); err == nil {
		t.Fatal("Ack result = nil, want an error once the retry budget is exhausted")
	}
}

func TestDispatcherSizeSplitting(t *testing.T) {
	at := &ackTransport{}
	lsr := newLeaser(time.Minute, nil)
	d := newDispatcher("sub", at, false, lsr, nil)

	var results []*AckResult
	n := ackIDsBatchSize + 100
	for i := 0; i < n; i++ {
		results = append(results, d.Ack(idFor(i)))
	}
	for _, r := range results {
		if err := r.Get(context.Background()); err != nil {
			t.Fatalf("result: %v", err)
		}
	}
	d.Stop()

	at.mu.Lock()
	defer at.mu.Unlock()
	if len(at.acked) < 2 {
		t.Fatalf("expected at least 2 Acknowledge calls for %d ids, got %d", n, len(at.acked))
	}
	for _, chunk := range at.acked {
		if len(chunk) > ackIDsBatchSize {
			t.Errorf("chunk size %d exceeds ackIDsBatchSize %d", len(chunk), ackIDsBatchSize)
		}
	}
}

func idFor(i int) string {
	return "ack-" + strconv.Itoa(i)
}
