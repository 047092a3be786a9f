// Package pubsub provides the client-side core of a publish/subscribe
// library for a hosted message broker: a publisher batching pipeline and
// a subscriber streaming-pull pipeline.
//
// The package does not generate RPC stubs and does not implement wire
// encoding, authentication, or endpoint resolution. It consumes an opaque
// [Transport] supplied by the caller.
//
// # Publishing
//
//	client := pubsub.NewClient(transport)
//	topic := client.Topic("orders")
//	defer topic.Stop()
//
//	result, err := topic.Publish(ctx, &pubsub.Message{Data: []byte("hello")})
//	id, err := result.Get(ctx)
//
// Ordered publishing groups messages by OrderingKey and preserves
// server-receipt order for each key. If a batch for a key fails, the
// key's sequencer pauses until [Topic.ResumePublish] is called:
//
//	result, err := topic.Publish(ctx, &pubsub.Message{Data: data, OrderingKey: "customer-42"})
//
// # Subscribing
//
//	sub := client.Subscription("orders-sub")
//	err := sub.Receive(ctx, func(ctx context.Context, msg *pubsub.ReceivedMessage) {
//	    process(msg)
//	    msg.Ack()
//	})
//
// Receive blocks until ctx is cancelled or the stream returns an error.
// It does not reopen the stream after an error.
package pubsub
