package retryx

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestDefaultClassifierRetryableCodes(t *testing.T) {
	retryable := []codes.Code{codes.DeadlineExceeded, codes.Unavailable, codes.ResourceExhausted, codes.Aborted, codes.Internal}
	for _, c := range retryable {
		err := status.Error(c, "transient")
		if !DefaultClassifier(err) {
			t.Errorf("DefaultClassifier(%v) = false, want true", c)
		}
	}
}

func TestDefaultClassifierPermanentCodes(t *testing.T) {
	permanent := []codes.Code{codes.InvalidArgument, codes.PermissionDenied, codes.NotFound, codes.AlreadyExists}
	for _, c := range permanent {
		err := status.Error(c, "permanent")
		if DefaultClassifier(err) {
			t.Errorf("DefaultClassifier(%v) = true, want false", c)
		}
	}
}

func TestDefaultClassifierNilAndNonStatusErrors(t *testing.T) {
	if DefaultClassifier(nil) {
		t.Error("DefaultClassifier(nil) = true, want false")
	}
	if DefaultClassifier(errors.New("plain error")) {
		t.Error("DefaultClassifier(plain error) = true, want false")
	}
}

func fastPolicy() Policy {
	return Policy{
		InitialInterval: time.Millisecond,
		Multiplier:      1,
		MaxInterval:     2 * time.Millisecond,
		MaxElapsedTime:  time.Second,
		Classify:        DefaultClassifier,
	}
}

func TestRunSucceedsAfterRetryableFailures(t *testing.T) {
	var attempts int32
	err := fastPolicy().Run(context.Background(), func(ctx context.Context) error {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			return status.Error(codes.Unavailable, "try again")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}

func TestRunStopsImmediatelyOnPermanentError(t *testing.T) {
	var attempts int32
	wantErr := status.Error(codes.InvalidArgument, "bad request")
	err := fastPolicy().Run(context.Background(), func(ctx context.Context) error {
		atomic.AddInt32(&attempts, 1)
		return wantErr
	})
	if err == nil {
		t.Fatal("Run returned nil, want the permanent error")
	}
	if got := atomic.LoadInt32(&attempts); got != 1 {
		t.Errorf("attempts = %d, want 1 (no retries for a permanent error)", got)
	}
}

func TestRunExhaustsMaxElapsedTimeOnPersistentRetryableError(t *testing.T) {
	policy := fastPolicy()
	policy.MaxElapsedTime = 20 * time.Millisecond
	wantErr := status.Error(codes.Unavailable, "always unavailable")

	var attempts int32
	err := policy.Run(context.Background(), func(ctx context.Context) error {
		atomic.AddInt32(&attempts, 1)
		return wantErr
	})
	if err == nil {
		t.Fatal("Run returned nil, want an error once the retry budget is exhausted")
	}
	if got := atomic.LoadInt32(&attempts); got < 2 {
		t.Errorf("attempts = %d, want at least 2 before giving up", got)
	}
}

func TestRunHonorsCustomClassifier(t *testing.T) {
	sentinel := errors.New("keep going")
	policy := fastPolicy()
	policy.Classify = func(err error) bool {
		return errors.Is(err, sentinel)
	}

	var attempts int32
	err := policy.Run(context.Background(), func(ctx context.Context) error {
		n := atomic.AddInt32(&attempts, 1)
		if n < 2 {
			return sentinel
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := atomic.LoadInt32(&attempts); got != 2 {
		t.Errorf("attempts = %d, want 2", got)
	}
}

func TestRunStopsOnContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	policy := fastPolicy()
	err := policy.Run(ctx, func(ctx context.Context) error {
		return status.Error(codes.Unavailable, "try again")
	})
	if err == nil {
		t.Fatal("Run with a cancelled context returned nil, want an error")
	}
}
