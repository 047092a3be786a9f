package pubsub

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type managerState int

const (
	managerOpening managerState = iota
	managerRunning
	managerPaused
	managerClosing
	managerClosed
)

// Subscription is a handle for pulling from one subscription. Receive
// blocks, delivering messages to f until ctx is cancelled or the stream
// returns an error; the stream is not reopened after an error.
type Subscription struct {
	id     string
	client *Client

	mu       sync.Mutex
	settings ReceiveSettings
}

func newSubscription(id string, c *Client) *Subscription {
	return &Subscription{id: id, client: c, settings: DefaultReceiveSettings()}
}

// SetReceiveSettings reconfigures the settings used by the next Receive
// call. It has no effect on a Receive already in progress.
func (s *Subscription) SetReceiveSettings(settings ReceiveSettings) {
	s.mu.Lock()
	s.settings = settings
	s.mu.Unlock()
}

// Receive opens a Streaming Pull Manager and delivers messages to f on
// the Scheduler's worker pool until ctx is done or the stream returns an
// error. Any stream error ends Receive and is returned; the stream is
// not reopened.
func (s *Subscription) Receive(ctx context.Context, f func(context.Context, *ReceivedMessage)) error {
	s.mu.Lock()
	settings := s.settings
	s.mu.Unlock()

	m := newStreamingPullManager(s.id, s.client, settings, f)
	return m.run(ctx)
}

// streamingPullManager owns one bidirectional stream and its attendant
// subscriber-side workers (spec §4.3). Grounded on the vendored
// streamingMessageIterator's overall shape, factored here into
// separately-testable Leaser/Dispatcher/Heartbeater/Scheduler
// collaborators instead of one monolithic type.
type streamingPullManager struct {
	subscription string
	client       *Client
	settings     ReceiveSettings
	callback     func(context.Context, *ReceivedMessage)
	logger       *zap.Logger

	histogram *Histogram

	mu    sync.Mutex
	state managerState
}

func newStreamingPullManager(subscription string, c *Client, settings ReceiveSettings, callback func(context.Context, *ReceivedMessage)) *streamingPullManager {
	return &streamingPullManager{
		subscription: subscription,
		client:       c,
		settings:     settings,
		callback:     callback,
		logger:       c.logger,
		histogram:    NewHistogram(),
		state:        managerOpening,
	}
}

func (m *streamingPullManager) setState(s managerState) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *streamingPullManager) getState() managerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *streamingPullManager) run(ctx context.Context) error {
	stream, err := m.client.transport.StreamingPull(ctx, &StreamingPullRequest{
		Subscription:             m.subscription,
		ClientID:                 m.client.clientID,
		StreamAckDeadlineSeconds: int32(m.settings.MinAckDeadline / time.Second),
		MaxOutstandingMessages:   int64(m.settings.MaxOutstandingMessages),
		MaxOutstandingBytes:      int64(m.settings.MaxOutstandingBytes),
	})
	if err != nil {
		return err
	}
	m.setState(managerRunning)
	if m.logger != nil {
		m.logger.Info("streaming pull opened", zap.String("subscription", m.subscription))
	}

	lsr := newLeaser(m.settings.MaxExtensionDuration, nil)
	disp := newDispatcher(m.subscription, m.client.transport, m.settings.ExactlyOnceDelivery, lsr, m.logger)
	sched := newScheduler(m.settings.NumGoroutines)

	lsr.onExpire = func(ackID string) {
		if m.logger != nil {
			m.logger.Warn("message lease expired", zap.String("ack_id", ackID))
		}
	}

	heartbeat := newHeartbeater(m.settings.HeartbeatInterval, func() {
		if m.getState() == managerPaused {
			return
		}
		_ = stream.Send(&StreamingPullRequest{})
	})
	heartbeat.Start()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.receiveLoop(gctx, stream, lsr, disp, sched) })
	g.Go(func() error { return m.maintenanceLoop(gctx, lsr, disp) })

	err = g.Wait()

	m.setState(managerClosing)
	heartbeat.Stop()
	disp.Stop()
	_ = stream.CloseSend()
	m.setState(managerClosed)

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// receiveLoop drains the stream and schedules callbacks (spec §4.3
// "Per-message handling on receipt").
func (m *streamingPullManager) receiveLoop(ctx context.Context, stream PullStream, lsr *leaser, disp *dispatcher, sched *scheduler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		m.waitWhilePaused(ctx, lsr)

		resp, err := stream.Recv()
		if err != nil {
			return err
		}

		deadline := m.histogram.TargetDeadline(m.settings.MinAckDeadline, m.settings.MaxAckDeadline)
		for _, rm := range resp.ReceivedMessages {
			m.handleMessage(ctx, rm, deadline, lsr, disp, sched)
		}
	}
}

// waitWhilePaused blocks the receive loop while outstanding leased
// messages are at or above the high watermark, resuming once they drop
// below the low watermark (spec §4.3 Running<->Paused transitions).
func (m *streamingPullManager) waitWhilePaused(ctx context.Context, lsr *leaser) {
	high := m.settings.MaxOutstandingMessages
	highBytes := m.settings.MaxOutstandingBytes
	if high <= 0 && highBytes <= 0 {
		return
	}
	low := int(float64(high) * lowWatermarkFraction)
	lowBytes := int(float64(highBytes) * lowWatermarkFraction)

	for {
		count, bytes := lsr.MessageCount(), lsr.Bytes()
		overHigh := (high > 0 && count >= high) || (highBytes > 0 && bytes >= highBytes)
		if !overHigh {
			return
		}
		if m.getState() != managerPaused {
			m.setState(managerPaused)
			if m.logger != nil {
				m.logger.Info("streaming pull paused", zap.Int("outstanding_messages", count))
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(50 * time.Millisecond):
		}
		count, bytes = lsr.MessageCount(), lsr.Bytes()
		underLow := (high <= 0 || count < low) && (highBytes <= 0 || bytes < lowBytes)
		if underLow {
			m.setState(managerRunning)
			return
		}
	}
}

func (m *streamingPullManager) handleMessage(ctx context.Context, rm *ReceivedMessage, deadline time.Duration, lsr *leaser, disp *dispatcher, sched *scheduler) {
	size := rm.size()
	disp.Enqueue(&dispatchRequest{kind: requestLease, ackID: rm.AckID, size: size})
	disp.ModAck(rm.AckID, int32(deadline/time.Second))

	receivedAt := time.Now()
	rm.acker = &subAcker{
		manager:  m,
		disp:     disp,
		lsr:      lsr,
		sched:    sched,
		ackID:    rm.AckID,
		key:      rm.OrderingKey,
		received: receivedAt,
	}

	sched.Schedule(ctx, rm.OrderingKey, func() {
		m.callback(ctx, rm)
	})
}

// maintenanceLoop recomputes the target deadline and extends live
// leases, dropping expired ones, on a period tied to the current
// deadline (spec §4.4).
func (m *streamingPullManager) maintenanceLoop(ctx context.Context, lsr *leaser, disp *dispatcher) error {
	for {
		deadline := m.histogram.TargetDeadline(m.settings.MinAckDeadline, m.settings.MaxAckDeadline)
		period := deadline - 5*time.Second
		if period <= 0 {
			period = deadline / 2
		}
		if period <= 0 {
			period = time.Second
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(period):
		}

		live := lsr.ExtendDeadlines()
		if len(live) == 0 {
			continue
		}
		for _, id := range live {
			disp.ModAck(id, int32(deadline/time.Second))
		}
	}
}

// subAcker implements the unexported ack/nack interface ReceivedMessage
// calls through, translating a user's Ack/Nack into dispatcher requests
// plus leaser/scheduler bookkeeping.
type subAcker struct {
	manager  *streamingPullManager
	disp     *dispatcher
	lsr      *leaser
	sched    *scheduler
	ackID    string
	key      string
	received time.Time
}

func (a *subAcker) ack(ackID string) {
	if leasedFor, ok := a.lsr.Remove(ackID); ok {
		a.manager.histogram.Record(leasedFor)
	}
	a.disp.Ack(ackID)
}

func (a *subAcker) nack(ackID string) {
	a.lsr.Remove(ackID)
	result := a.disp.Nack(ackID)
	if a.key == "" {
		return
	}
	a.sched.PauseOrderingKey(a.key)
	// Redelivery is requested by the modack-to-zero above; once the
	// server has it, the key is safe to reactivate for its next message
	// (spec §4.6 "reactivated on ActivateOrderingKeys").
	go func() {
		_ = result.Get(context.Background())
		a.sched.ActivateOrderingKeys(a.key)
	}()
}
