package pubsub

import (
	"os"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// emulatorHostEnvVar names the environment variable a transport
// implementation may consult to target a local emulator insecurely
// (spec §6). The core only reads and records it; constructing the
// insecure channel itself is the transport's job (Non-goal: endpoint
// selection).
const emulatorHostEnvVar = "PUBSUB_EMULATOR_HOST"

// Client is the shared entry point for Topics and Subscriptions. It is
// safe for concurrent use, mirroring the teacher's Client wrapping one
// http.Client for many Stream handles: here, one Transport for many
// Topic/Subscription handles.
type Client struct {
	transport Transport
	logger    *zap.Logger
	tracer    trace.Tracer
	clientID  string
	emulator  string
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger sets the *zap.Logger used by every worker this Client
// creates. Default is a no-op logger.
func WithLogger(l *zap.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// WithTracer sets the trace.Tracer used for the optional per-message and
// per-ack-request span hooks. Default is
// otel.Tracer("github.com/fluxgate/pubsub") from the global tracer
// provider, which is a no-op unless the caller has configured an
// SDK/exporter (Non-goal: observability export).
func WithTracer(t trace.Tracer) ClientOption {
	return func(c *Client) { c.tracer = t }
}

// WithClientID overrides the auto-generated client instance id sent on
// the initial StreamingPullRequest.
func WithClientID(id string) ClientOption {
	return func(c *Client) { c.clientID = id }
}

// NewClient constructs a Client around transport.
func NewClient(transport Transport, opts ...ClientOption) *Client {
	c := &Client{
		transport: transport,
		logger:    zap.NewNop(),
		tracer:    otel.Tracer("github.com/fluxgate/pubsub"),
		clientID:  uuid.NewString(),
		emulator:  os.Getenv(emulatorHostEnvVar),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// EmulatorHost returns the value of PUBSUB_EMULATOR_HOST captured at
// construction time, or "" if unset.
func (c *Client) EmulatorHost() string {
	return c.emulator
}

// Topic returns a handle for publishing to topicID. No network request
// is made until Publish is called.
func (c *Client) Topic(topicID string) *Topic {
	return newTopic(topicID, c)
}

// Subscription returns a handle for pulling from subID. No network
// request is made until Receive is called.
func (c *Client) Subscription(subID string) *Subscription {
	return newSubscription(subID, c)
}
