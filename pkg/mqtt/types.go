package mqtt

import "context"

// MessageHandler processes one received message. It runs on its own goroutine.
type MessageHandler func(ctx context.Context, topic string, payload []byte)

// Client is the MQTT surface used by sysflash. It hides the paho types.
type Client interface {
	// Start begins connecting in the background and returns at once.
	// The connection lives until ctx is done or Disconnect is called.
	Start(ctx context.Context) error

	// Disconnect sends DISCONNECT, so the broker does not publish the will message.
	Disconnect(ctx context.Context)

	Publish(ctx context.Context, topic string, qos int, retain bool, payload []byte) error

	// Subscribe registers handler for a topic filter. Subscriptions are
	// restored after every reconnect.
	Subscribe(ctx context.Context, topic string, qos int, handler MessageHandler) error

	Unsubscribe(ctx context.Context, topic string) error

	// AwaitConnection blocks until connected or ctx is done.
	AwaitConnection(ctx context.Context) error

	IsConnected() bool
}
