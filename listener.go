package protocol

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/iotrpc/runtime/errors"
	"github.com/iotrpc/runtime/internal"
	"github.com/iotrpc/runtime/internal/constants"
	"github.com/iotrpc/runtime/internal/errutil"
	"github.com/iotrpc/runtime/internal/log"
	"github.com/iotrpc/runtime/internal/topic"
	"github.com/iotrpc/runtime/internal/version"
	"github.com/iotrpc/runtime/transport"
)

type (
	// Listener represents a component subscribed to an MQTT topic: a
	// CommandInvoker's response subscription, a CommandExecutor's request
	// subscription, or a TelemetryReceiver's telemetry subscription.
	Listener interface {
		Start(context.Context) error
		Close()
	}

	// Listeners is a collection of Listener, for bulk start/close (used by
	// Application.Reconnected to resubscribe everything after a clean
	// session).
	Listeners []Listener

	// listener provides the shared subscribe/dispatch plumbing for every
	// component that receives MQTT messages.
	listener[T any] struct {
		app            *Application
		client         transport.Client
		encoding       Encoding[T]
		topic          *topic.Filter
		shareName      string
		concurrency    uint
		reqCorrelation bool
		log            log.Logger
		handler        interface {
			onMsg(context.Context, *transport.Message, *Message[T]) error
			onErr(context.Context, *transport.Message, error) error
		}

		sub    transport.Subscription
		done   func()
		active atomic.Bool
	}
)

func (l *listener[T]) register() error {
	handle, done := internal.Concurrent(l.concurrency, l.handle)

	filter := l.topic.Filter()
	if l.shareName != "" {
		filter = "$share/" + l.shareName + "/" + filter
	}

	sub, err := l.client.Register(filter, func(ctx context.Context, pub *transport.Message) error {
		handle(ctx, pub)
		return nil
	})
	if err != nil {
		done()
		return err
	}

	l.sub = sub
	l.done = done
	return nil
}

func (l *listener[T]) listen(ctx context.Context) error {
	// Update runs even when already active, so a restart after a reconnect
	// that lost the session renews the subscription with the broker.
	l.active.Store(true)
	return l.sub.Update(ctx,
		transport.WithQoS(transport.QoS1),
		transport.WithNoLocal(l.shareName == ""),
	)
}

func (l *listener[T]) close() {
	if l.active.CompareAndSwap(true, false) {
		ctx := context.Background()
		if err := l.sub.Unsubscribe(ctx); err != nil {
			l.log.Err(ctx, err)
		}
	}
	l.done()
}

func (l *listener[T]) handle(ctx context.Context, pub *transport.Message) {
	msg := &Message[T]{ClientID: l.client.ClientID()}

	// Version must be checked first: if it's not understood, nothing else
	// on the message can be trusted.
	ver := pub.UserProperties[constants.ProtocolVersion]
	if !version.IsSupported(ver) {
		l.error(ctx, pub, &errors.Client{Base: errors.Base{
			Message: "unsupported protocol version",
			Kind: errors.UnsupportedVersion{
				ProtocolVersion: ver, SupportedMajorProtocolVersions: version.Supported,
			},
		}})
		return
	}

	if l.reqCorrelation && len(pub.CorrelationData) == 0 {
		l.error(ctx, pub, &errors.Client{Base: errors.Base{
			Message: "correlation data missing",
			Kind:    errors.HeaderMissing{HeaderName: constants.CorrelationData},
		}})
		return
	}
	if len(pub.CorrelationData) != 0 {
		id, err := uuid.FromBytes(pub.CorrelationData)
		if err != nil {
			l.error(ctx, pub, &errors.Client{Base: errors.Base{
				Message: "correlation data is not a valid UUID",
				Kind:    errors.HeaderInvalid{HeaderName: constants.CorrelationData},
			}})
			return
		}
		msg.CorrelationData = id.String()
	}

	if ts := pub.UserProperties[constants.Timestamp]; ts != "" {
		incoming, err := l.app.hlc.Parse(constants.Timestamp, ts)
		if err != nil {
			l.error(ctx, pub, err)
			return
		}
		if err := l.app.SetHLC(incoming); err != nil {
			// Clock drift rejection: no message is ack'd and the handler is
			// never invoked. NoReturn tells every onErr implementation to
			// skip its own ack too, not just the handler dispatch above.
			l.error(ctx, pub, errutil.NoReturn(err))
			return
		}
		msg.Timestamp = incoming
	}

	msg.Metadata = internal.PropToMetadata(pub.UserProperties)
	msg.TopicTokens, _ = l.topic.Tokens(pub.Topic)

	if err := l.handler.onMsg(ctx, pub, msg); err != nil {
		l.error(ctx, pub, err)
	}
}

func (l *listener[T]) payload(pub *transport.Message) (T, error) {
	return deserialize(l.encoding, &Data{
		Payload:       pub.Payload,
		ContentType:   pub.ContentType,
		PayloadFormat: byte(pub.PayloadFormat),
	})
}

func (l *listener[T]) ack(ctx context.Context, pub *transport.Message) {
	// Drop rather than return, so a failed ack is never retried as a
	// double-ack.
	if err := pub.Ack(); err != nil {
		l.drop(ctx, err)
	}
}

func (l *listener[T]) error(ctx context.Context, pub *transport.Message, err error) {
	if e := l.handler.onErr(ctx, pub, err); e != nil {
		l.drop(ctx, e)
	}
}

func (l *listener[T]) drop(ctx context.Context, err error) {
	l.log.Err(ctx, err)
}

// Start every listener's underlying MQTT subscription.
func (ls Listeners) Start(ctx context.Context) error {
	for _, l := range ls {
		if err := l.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Close every listener's underlying MQTT subscription and free its
// resources.
func (ls Listeners) Close() {
	for _, l := range ls {
		l.Close()
	}
}
