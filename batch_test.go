package pubsub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// fakeTransport is a minimal in-package Transport double for unit tests
// that need finer control (injected per-call errors, call counts) than
// pubsubtest.Server exposes without an import cycle back into this
// package.
type fakeTransport struct {
	mu         sync.Mutex
	publishErr error
	publishes  [][]*Message
	nextID     int
}

func (f *fakeTransport) Publish(ctx context.Context, topic string, msgs []*Message) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.publishes = append(f.publishes, msgs)
	if f.publishErr != nil {
		return nil, f.publishErr
	}
	ids := make([]string, len(msgs))
	for i := range msgs {
		f.nextID++
		ids[i] = fmt.Sprintf("id-%d", f.nextID)
	}
	return ids, nil
}

func (f *fakeTransport) StreamingPull(ctx context.Context, initial *StreamingPullRequest) (PullStream, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeTransport) ModifyAckDeadline(ctx context.Context, sub string, ackIDs []string, seconds int32) ([]AckIDStatus, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeTransport) Acknowledge(ctx context.Context, sub string, ackIDs []string) ([]AckIDStatus, error) {
	return nil, errors.New("not implemented")
}

func testSettings() PublishSettings {
	return PublishSettings{
		ByteThreshold:       1024,
		CountThreshold:      3,
		DelayThreshold:      0,
		FlowControlSettings: DefaultPublishFlowControlSettings(),
	}
}

func TestBatchTryAddAccumulatesUntilCountThreshold(t *testing.T) {
	ft := &fakeTransport{}
	b := newBatch("t", "", ft, testSettings(), nil, nil, nil)

	var results []*PublishResult
	for i := 0; i < 3; i++ {
		r, err := b.TryAdd(&Message{Data: []byte("x")})
		if err != nil {
			t.Fatalf("TryAdd %d: %v", i, err)
		}
		results = append(results, r)
	}

	for i, r := range results {
		id, err := r.Get(context.Background())
		if err != nil {
			t.Fatalf("result %d: %v", i, err)
		}
		if id == "" {
			t.Errorf("result %d: empty id", i)
		}
	}
	if b.Status() != batchComplete {
		t.Errorf("Status() = %v, want batchComplete", b.Status())
	}
}

func TestBatchTryAddRejectsOnceCountThresholdSealsBatch(t *testing.T) {
	ft := &fakeTransport{}
	settings := testSettings()
	settings.CountThreshold = 1
	b := newBatch("t", "", ft, settings, nil, nil, nil)

	if _, err := b.TryAdd(&Message{Data: []byte("x")}); err != nil {
		t.Fatalf("first TryAdd: %v", err)
	}
	// the first TryAdd already sealed+committed the batch asynchronously
	// once it hit CountThreshold; give it a moment.
	time.Sleep(10 * time.Millisecond)

	_, err := b.TryAdd(&Message{Data: []byte("y")})
	if err != errBatchSealed && err != errBatchFull {
		t.Fatalf("second TryAdd error = %v, want errBatchSealed or errBatchFull", err)
	}
}

func TestBatchCommitFailureResolvesAllFuturesWithError(t *testing.T) {
	wantErr := errors.New("boom")
	ft := &fakeTransport{publishErr: wantErr}
	settings := testSettings()
	settings.CountThreshold = 0
	settings.ByteThreshold = 0
	b := newBatch("t", "", ft, settings, nil, nil, nil)

	r, err := b.TryAdd(&Message{Data: []byte("x")})
	if err != nil {
		t.Fatalf("TryAdd: %v", err)
	}
	b.Flush()

	_, gotErr := r.Get(context.Background())
	if gotErr == nil {
		t.Fatal("expected error from failed commit")
	}
	if b.Status() != batchError {
		t.Errorf("Status() = %v, want batchError", b.Status())
	}
	if b.Err() == nil {
		t.Error("Err() = nil, want the commit failure")
	}
}

func TestBatchFlushOnEmptyBatchIsNoOp(t *testing.T) {
	ft := &fakeTransport{}
	b := newBatch("t", "", ft, testSettings(), nil, nil, nil)
	b.Flush()
	if len(ft.publishes) != 0 {
		t.Errorf("Flush on an empty batch issued %d RPCs, want 0", len(ft.publishes))
	}
}

func TestBatchCommitReleasesFlowControlForEveryMessage(t *testing.T) {
	ft := &fakeTransport{}
	settings := testSettings()
	settings.CountThreshold = 0
	settings.ByteThreshold = 0
	fc := newFlowController(1<<20, 10, FlowControlBlock)
	b := newBatch("t", "", ft, settings, fc, nil, nil)

	const n = 4
	var results []*PublishResult
	for i := 0; i < n; i++ {
		if err := fc.Reserve(context.Background(), 10); err != nil {
			t.Fatalf("Reserve %d: %v", i, err)
		}
		r, err := b.TryAdd(&Message{Data: []byte("xxxxxxxxxx")})
		if err != nil {
			t.Fatalf("TryAdd %d: %v", i, err)
		}
		results = append(results, r)
	}

	if _, messages := fc.Outstanding(); messages != n {
		t.Fatalf("Outstanding messages before commit = %d, want %d", messages, n)
	}

	b.Flush()
	for i, r := range results {
		if _, err := r.Get(context.Background()); err != nil {
			t.Fatalf("result %d: %v", i, err)
		}
	}

	bytes, messages := fc.Outstanding()
	if bytes != 0 || messages != 0 {
		t.Fatalf("Outstanding after a %d-message batch drains = (%d, %d), want (0, 0)", n, bytes, messages)
	}
}

func TestBatchDelayThresholdCommitsOnTimer(t *testing.T) {
	ft := &fakeTransport{}
	settings := testSettings()
	settings.CountThreshold = 100
	settings.ByteThreshold = 1 << 20
	settings.DelayThreshold = 20 * time.Millisecond
	b := newBatch("t", "", ft, settings, nil, nil, nil)

	r, err := b.TryAdd(&Message{Data: []byte("x")})
	if err != nil {
		t.Fatalf("TryAdd: %v", err)
	}

	id, err := r.Get(context.Background())
	if err != nil {
		t.Fatalf("result: %v", err)
	}
	if id == "" {
		t.Error("expected non-empty message id after timer-driven commit")
	}
}
