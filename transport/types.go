// Package transport defines the MQTT v5 client contract the runtime is
// built against: a small Client/Subscription interface any MQTT v5 library
// can satisfy, independent of this module's own wire format concerns.
package transport

import "context"

type (
	// Client represents the underlying MQTT client used by the runtime.
	Client interface {
		// Register a topic subscription with a message handler on the
		// client. Update must be called on the returned subscription to
		// actually send the subscription to the broker.
		Register(topic string, handler MessageHandler) (Subscription, error)

		// Publish sends a publish request to the broker.
		Publish(
			ctx context.Context,
			topic string,
			payload []byte,
			opts ...PublishOption,
		) error

		// ClientID returns the identifier used by this client.
		ClientID() string

		// MaxPacketSize returns the maximum packet size negotiated with the
		// broker at CONNACK, in bytes, or 0 if the broker places no limit
		// (or none is known yet, e.g. before the first connect).
		MaxPacketSize() uint32
	}

	// Message represents a received message. The client implementation must
	// support manual ack, since acks are managed by the runtime.
	Message struct {
		Topic   string
		Payload []byte
		PublishOptions
		Ack func() error
	}

	// MessageHandler is a user-defined callback used to handle messages
	// received on a subscribed topic.
	MessageHandler func(context.Context, *Message) error

	// Subscription represents an open subscription.
	Subscription interface {
		// Unsubscribe this subscription.
		Unsubscribe(context.Context, ...UnsubscribeOption) error

		// Update or initialize the actual underlying MQTT subscription.
		Update(context.Context, ...SubscribeOption) error
	}

	// SubscribeOptions are the resolved subscribe options.
	SubscribeOptions struct {
		NoLocal        bool
		QoS            QoS
		Retain         bool
		RetainHandling RetainHandling
		UserProperties map[string]string
	}

	// SubscribeOption represents a single subscribe option.
	SubscribeOption interface{ subscribe(*SubscribeOptions) }

	// UnsubscribeOptions are the resolved unsubscribe options.
	UnsubscribeOptions struct {
		UserProperties map[string]string
	}

	// UnsubscribeOption represents a single unsubscribe option.
	UnsubscribeOption interface{ unsubscribe(*UnsubscribeOptions) }

	// PublishOptions are the resolved publish options.
	PublishOptions struct {
		ContentType     string
		CorrelationData []byte
		MessageExpiry   uint32
		PayloadFormat   PayloadFormat
		QoS             QoS
		ResponseTopic   string
		Retain          bool
		UserProperties  map[string]string
	}

	// PublishOption represents a single publish option.
	PublishOption interface{ publish(*PublishOptions) }
)
