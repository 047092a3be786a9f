// Package retryx implements the retry policy shared by the publisher's
// per-batch commit retry and the subscriber dispatcher's exactly-once
// retry worker.
package retryx

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Policy configures exponential backoff retries for a class of
// operation. BatchCommitPolicy and AckRetryPolicy return the two
// policies this module uses.
type Policy struct {
	InitialInterval time.Duration
	Multiplier      float64
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
	// Classify reports whether err should be retried. Defaults to
	// DefaultClassifier when nil.
	Classify func(error) bool
}

// BatchCommitPolicy is the retry policy for a single publish batch
// commit: one retry pass, standard exponential backoff (spec §4.2).
func BatchCommitPolicy() Policy {
	return Policy{
		InitialInterval: 100 * time.Millisecond,
		Multiplier:      2,
		MaxInterval:     10 * time.Second,
		MaxElapsedTime:  60 * time.Second,
		Classify:        DefaultClassifier,
	}
}

// AckRetryPolicy is the Dispatcher's background exactly-once retry
// policy: initial 1s, factor 2, max 64s, deadline ~10 minutes (spec §4.5).
func AckRetryPolicy() Policy {
	return Policy{
		InitialInterval: time.Second,
		Multiplier:      2,
		MaxInterval:     64 * time.Second,
		MaxElapsedTime:  10 * time.Minute,
		Classify:        DefaultClassifier,
	}
}

// DefaultClassifier mirrors the retryable-code table used by the
// original publisher client: DeadlineExceeded, Unavailable,
// ResourceExhausted, Aborted, and Internal are retried; everything else
// (InvalidArgument, PermissionDenied, NotFound, AlreadyExists, ...) is
// permanent.
func DefaultClassifier(err error) bool {
	if err == nil {
		return false
	}
	st, ok := status.FromError(err)
	if !ok {
		// Not a gRPC status error (e.g. a context error, a fake
		// transport's plain error): not retried.
		return false
	}
	switch st.Code() {
	case codes.DeadlineExceeded, codes.Unavailable, codes.ResourceExhausted, codes.Aborted, codes.Internal:
		return true
	default:
		return false
	}
}

// Run executes op repeatedly until it succeeds, returns a
// non-retryable error, or the policy's MaxElapsedTime elapses. Run
// returns the last error seen if it never succeeds.
func (p Policy) Run(ctx context.Context, op func(context.Context) error) error {
	classify := p.Classify
	if classify == nil {
		classify = DefaultClassifier
	}

	wrapped := func() (struct{}, error) {
		err := op(ctx)
		if err != nil && !classify(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.InitialInterval
	bo.Multiplier = p.Multiplier
	bo.MaxInterval = p.MaxInterval

	opts := []backoff.RetryOption{backoff.WithBackOff(bo)}
	if p.MaxElapsedTime > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(p.MaxElapsedTime))
	}

	_, err := backoff.Retry(ctx, wrapped, opts...)
	if err != nil {
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			return permanent.Unwrap()
		}
	}
	return err
}
