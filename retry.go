package pubsub

import "github.com/fluxgate/pubsub/internal/retryx"

// commitPolicy is the retry policy applied to a single batch's publish
// RPC (spec §4.2: "Retries for transient errors are performed once per
// batch via a standard retry policy").
var commitPolicy = retryx.BatchCommitPolicy()

// ackRetryPolicy is the Dispatcher's background exactly-once retry
// policy (spec §4.5).
var ackRetryPolicy = retryx.AckRetryPolicy()
