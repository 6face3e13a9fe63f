package protocol

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/iotrpc/runtime/errors"
	"github.com/iotrpc/runtime/internal"
	"github.com/iotrpc/runtime/internal/constants"
	"github.com/iotrpc/runtime/internal/errutil"
	"github.com/iotrpc/runtime/internal/log"
	"github.com/iotrpc/runtime/internal/topic"
	"github.com/iotrpc/runtime/transport"
)

// publisher provides the shared build/publish plumbing used by every
// component that sends an MQTT message: stamping the protocol version,
// source client id, and HLC timestamp, and serializing the payload.
type publisher[T any] struct {
	app      *Application
	client   transport.Client
	encoding Encoding[T]
	topic    *topic.Pattern
	log      log.Logger
	version  string
}

// DefaultTimeout is the timeout applied to Invoke or Send if none is
// specified.
const DefaultTimeout = 10 * time.Second

func (p *publisher[T]) build(
	msg *Message[T],
	topicTokens map[string]string,
	timeout *internal.Timeout,
) (*transport.Message, error) {
	pub := &transport.Message{}
	var err error

	if p.topic != nil {
		pub.Topic, err = p.topic.Topic(topicTokens)
		if err != nil {
			return nil, err
		}
	}

	pub.PublishOptions = transport.PublishOptions{
		QoS:           transport.QoS1,
		MessageExpiry: timeout.MessageExpiry(),
	}

	if msg != nil {
		data, err := serialize(p.encoding, msg.Payload)
		if err != nil {
			return nil, err
		}

		pub.Payload = data.Payload
		pub.ContentType = data.ContentType
		pub.PayloadFormat = transport.PayloadFormat(data.PayloadFormat)

		if msg.CorrelationData != "" {
			id, err := uuid.Parse(msg.CorrelationData)
			if err != nil {
				return nil, &errors.Remote{Base: errors.Base{
					Message: "correlation data is not a valid UUID",
					Kind:    errors.InternalLogicError{PropertyName: "CorrelationData"},
				}}
			}
			pub.CorrelationData = id[:]
		}

		if msg.Metadata != nil {
			pub.UserProperties = msg.Metadata
		} else {
			pub.UserProperties = map[string]string{}
		}
	} else {
		pub.UserProperties = map[string]string{}
	}

	ts, err := p.app.GetHLC()
	if err != nil {
		return nil, err
	}
	pub.UserProperties[constants.SenderClientID] = p.client.ClientID()
	pub.UserProperties[constants.Timestamp] = ts.String()
	pub.UserProperties[constants.ProtocolVersion] = p.version

	return pub, nil
}

func (p *publisher[T]) publish(ctx context.Context, msg *transport.Message) error {
	err := p.client.Publish(ctx, msg.Topic, msg.Payload, &msg.PublishOptions)
	return errutil.Mqtt(ctx, "publish", err)
}
