package pubsub

import (
	"context"
	"errors"
	"sync"

	"github.com/fluxgate/pubsub/internal/retryx"
	"go.uber.org/zap"
)

type requestKind int

const (
	requestAck requestKind = iota
	requestNack
	requestModAck
	requestLease
	requestDrop
)

// dispatchRequest is one item on the Dispatcher's bounded queue (spec
// §4.5, §3 "Ack Request / ModAck / Nack / Lease / Drop"). Lease and
// Drop are internal bookkeeping items that add an ack id to, or remove
// it from, the Leaser; they carry no result future. The receive loop
// raises Lease. Nothing in this package enqueues Drop: the Leaser
// removes expired ack ids itself in ExtendDeadlines.
type dispatchRequest struct {
	kind    requestKind
	ackID   string
	seconds int32 // for modAck
	size    int   // for lease
	result  *AckResult
}

// dispatcher drains its request queue on a single worker goroutine,
// classifying items into per-tick buckets and issuing the RPCs for each
// non-empty bucket, in a fixed order (ack, modack, nack) so that an ack
// and an immediate redelivery of the same id in one tick cannot race
// (spec §4.5, §9 supplemental: original dispatcher test fixtures pin
// this order). Grounded on the vendored streamingMessageIterator's
// sender()/sendAckIDRPC/splitRequestIDs.
type dispatcher struct {
	subscription string
	transport    Transport
	exactlyOnce  bool
	logger       *zap.Logger

	leaser *leaser

	queue chan *dispatchRequest
	done  chan struct{}
	wg    sync.WaitGroup
}

func newDispatcher(subscription string, transport Transport, exactlyOnce bool, l *leaser, logger *zap.Logger) *dispatcher {
	d := &dispatcher{
		subscription: subscription,
		transport:    transport,
		exactlyOnce:  exactlyOnce,
		logger:       logger,
		leaser:       l,
		queue:        make(chan *dispatchRequest, 4096),
		done:         make(chan struct{}),
	}
	d.wg.Add(1)
	go d.run()
	return d
}

// Enqueue places a request on the queue. While the dispatcher runs it
// never drops; if the queue is full the caller blocks, which is the
// mechanism by which dispatcher backpressure reaches the Streaming Pull
// Manager's watermark check. Once Stop has been called, the request is
// discarded.
func (d *dispatcher) Enqueue(r *dispatchRequest) {
	select {
	case d.queue <- r:
	case <-d.done:
	}
}

// Ack enqueues an ack and returns its result future.
func (d *dispatcher) Ack(ackID string) *AckResult {
	r := newAckResult()
	d.Enqueue(&dispatchRequest{kind: requestAck, ackID: ackID, result: r})
	return r
}

// Nack enqueues a nack (modack to deadline zero).
func (d *dispatcher) Nack(ackID string) *AckResult {
	r := newAckResult()
	d.Enqueue(&dispatchRequest{kind: requestNack, ackID: ackID, result: r})
	return r
}

// ModAck enqueues a deadline extension for ackID to seconds from now.
func (d *dispatcher) ModAck(ackID string, seconds int32) *AckResult {
	r := newAckResult()
	d.Enqueue(&dispatchRequest{kind: requestModAck, ackID: ackID, seconds: seconds, result: r})
	return r
}

// Stop signals the worker to shut down and blocks until it has
// committed every item still on the queue (spec §4.5 "Shutdown").
func (d *dispatcher) Stop() {
	close(d.done)
	d.wg.Wait()
}

// modAckItem is one pending deadline-modification in a dispatcher tick:
// either a real modack (receipt extension or keep-alive) or a nack
// disguised as a modack to deadline zero.
type modAckItem struct {
	seconds int32
	result  *AckResult
}

func (d *dispatcher) run() {
	defer d.wg.Done()
	for {
		acks := map[string]*AckResult{}
		nacks := map[string]*AckResult{}
		modAcks := map[string]modAckItem{}

		select {
		case <-d.done:
			d.drain(acks, nacks, modAcks)
			return
		case r := <-d.queue:
			d.classify(r, acks, nacks, modAcks)
			d.drainNonBlocking(acks, nacks, modAcks)
		}

		d.commitTick(acks, nacks, modAcks)
	}
}

func (d *dispatcher) classify(r *dispatchRequest, acks, nacks map[string]*AckResult, modAcks map[string]modAckItem) {
	switch r.kind {
	case requestAck:
		d.dedupInto(acks, r.ackID, r.result)
	case requestNack:
		d.dedupInto(nacks, r.ackID, r.result)
	case requestModAck:
		if _, dup := modAcks[r.ackID]; dup {
			d.resolveDuplicate(r.result)
			return
		}
		modAcks[r.ackID] = modAckItem{r.seconds, r.result}
	case requestLease:
		d.leaser.Add(r.ackID, r.size)
	case requestDrop:
		d.leaser.Remove(r.ackID)
	}
}

// dedupInto records id -> result, resolving later duplicates within the
// same tick per spec §4.5.
func (d *dispatcher) dedupInto(m map[string]*AckResult, id string, result *AckResult) {
	if _, dup := m[id]; dup {
		d.resolveDuplicate(result)
		return
	}
	m[id] = result
}

func (d *dispatcher) resolveDuplicate(result *AckResult) {
	if result == nil {
		return
	}
	if d.exactlyOnce {
		result.resolve(ErrDuplicateAckID)
	} else {
		result.resolve(nil)
	}
}

// drainNonBlocking folds in any further items already queued, so one
// tick processes a full backlog rather than one item at a time.
func (d *dispatcher) drainNonBlocking(acks, nacks map[string]*AckResult, modAcks map[string]modAckItem) {
	for {
		select {
		case r := <-d.queue:
			d.classify(r, acks, nacks, modAcks)
		default:
			return
		}
	}
}

func (d *dispatcher) drain(acks, nacks map[string]*AckResult, modAcks map[string]modAckItem) {
	for {
		select {
		case r := <-d.queue:
			d.classify(r, acks, nacks, modAcks)
		default:
			d.commitTick(acks, nacks, modAcks)
			return
		}
	}
}

// commitTick commits the buckets in the fixed order ack, modack, nack,
// so an ack and an immediate redelivery of the same id within one tick
// cannot race (spec §9 supplemental). A bucket may take several RPCs:
// ids are split into chunks of at most ackIDsBatchSize, and modacks are
// further grouped by deadline.
func (d *dispatcher) commitTick(acks, nacks map[string]*AckResult, modAcks map[string]modAckItem) {
	if len(acks) > 0 {
		d.commitAck(acks)
	}
	if len(modAcks) > 0 {
		d.commitModAck(modAcks)
	}
	if len(nacks) > 0 {
		nackAsModAck := make(map[string]modAckItem, len(nacks))
		for id, r := range nacks {
			nackAsModAck[id] = modAckItem{0, r}
		}
		d.commitModAck(nackAsModAck)
	}
}

func (d *dispatcher) commitAck(acks map[string]*AckResult) {
	ids := make([]string, 0, len(acks))
	for id := range acks {
		ids = append(ids, id)
	}
	for _, chunk := range splitAckIDs(ids, ackIDsBatchSize) {
		statuses, err := d.transport.Acknowledge(context.Background(), d.subscription, chunk)
		d.resolveAckIDs(chunk, acks, statuses, err)
	}
}

func (d *dispatcher) commitModAck(items map[string]modAckItem) {
	// Group by seconds so every RPC carries a single uniform deadline,
	// matching Transport.ModifyAckDeadline's one-seconds-per-call shape.
	bySeconds := map[int32][]string{}
	for id, v := range items {
		bySeconds[v.seconds] = append(bySeconds[v.seconds], id)
	}
	results := make(map[string]*AckResult, len(items))
	for id, v := range items {
		results[id] = v.result
	}
	for seconds, ids := range bySeconds {
		for _, chunk := range splitAckIDs(ids, ackIDsBatchSize) {
			statuses, err := d.transport.ModifyAckDeadline(context.Background(), d.subscription, chunk, seconds)
			d.resolveAckIDs(chunk, results, statuses, err)
		}
	}
}

// resolveAckIDs resolves each id's future from the per-id statuses the
// transport returned, or, for a non-exactly-once call or a call that
// failed outright, resolves every id the same way.
func (d *dispatcher) resolveAckIDs(ids []string, results map[string]*AckResult, statuses []AckIDStatus, err error) {
	if !d.exactlyOnce {
		for _, id := range ids {
			if r := results[id]; r != nil {
				r.resolve(nil)
			}
		}
		return
	}

	if err != nil {
		for _, id := range ids {
			if r := results[id]; r != nil {
				r.resolve(err)
			}
		}
		return
	}

	byID := make(map[string]AckIDStatus, len(statuses))
	for _, s := range statuses {
		byID[s.AckID] = s
	}

	var retryIDs []string
	for _, id := range ids {
		st, ok := byID[id]
		r := results[id]
		switch {
		case !ok || st.Succeeded:
			if r != nil {
				r.resolve(nil)
			}
		case st.Transient:
			retryIDs = append(retryIDs, id)
		default:
			if r != nil {
				r.resolve(&AckIDError{AckID: id, Reason: st.Reason})
			}
		}
	}

	if len(retryIDs) > 0 {
		d.retryAckIDs(retryIDs, results)
	}
}

// ackRetryClassify extends ackRetryPolicy's classifier so a still-
// transient ack id keeps the retry loop going, alongside whatever
// transport-level errors retryx.DefaultClassifier already retries.
func ackRetryClassify(err error) bool {
	if errors.Is(err, errAckIDStillTransient) {
		return true
	}
	return retryx.DefaultClassifier(err)
}

// retryAckIDs hands temporarily-failed ack ids to a fresh background
// worker using the exactly-once retry policy (spec §4.5, invariant 6:
// an ack id's AckResult may only resolve SUCCESS once the server has
// actually confirmed it — a still-transient status on a retry attempt
// must not be mistaken for success).
func (d *dispatcher) retryAckIDs(ids []string, results map[string]*AckResult) {
	go func() {
		policy := ackRetryPolicy
		policy.Classify = ackRetryClassify

		err := policy.Run(context.Background(), func(ctx context.Context) error {
			statuses, err := d.transport.Acknowledge(ctx, d.subscription, ids)
			if err != nil {
				return err
			}
			byID := make(map[string]AckIDStatus, len(statuses))
			for _, s := range statuses {
				byID[s.AckID] = s
			}
			for _, id := range ids {
				st, ok := byID[id]
				if !ok || st.Succeeded {
					continue
				}
				if !st.Transient {
					// permanent failure surfaces as a classification error
					// that ackRetryClassify will not retry further.
					return &AckIDError{AckID: id, Reason: st.Reason}
				}
				// Still transient: keep retrying rather than declaring
				// victory on an attempt the server has not confirmed.
				return errAckIDStillTransient
			}
			return nil
		})
		if errors.Is(err, errAckIDStillTransient) {
			// The retry budget ran out while the server still reported
			// the id as transient.
			for _, id := range ids {
				if r := results[id]; r != nil {
					r.resolve(&AckIDError{AckID: id, Reason: AckIDErrorOther})
				}
			}
			return
		}
		for _, id := range ids {
			if r := results[id]; r != nil {
				r.resolve(err)
			}
		}
	}()
}

// splitAckIDs partitions ids into chunks of at most max entries,
// preserving order (spec §4.5 "Size splitting").
func splitAckIDs(ids []string, max int) [][]string {
	if len(ids) <= max {
		return [][]string{ids}
	}
	var chunks [][]string
	for len(ids) > 0 {
		n := max
		if n > len(ids) {
			n = len(ids)
		}
		chunks = append(chunks, ids[:n])
		ids = ids[n:]
	}
	return chunks
}
