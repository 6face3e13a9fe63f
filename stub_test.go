package protocol_test

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"

	"github.com/eclipse/paho.golang/paho"
	"github.com/iotrpc/runtime/transport"
	"github.com/stretchr/testify/require"
)

var nextBrokerPort int64 = 19100

// fakeBroker spins up an in-process mochi MQTT v5 broker and hands out
// clients dialed against it; it is a stand-in for the real broker a
// transport.Client implementation would otherwise require.
type fakeBroker struct {
	t      *testing.T
	addr   string
	server *mochi.Server
}

func newFakeBroker(t *testing.T) *fakeBroker {
	t.Helper()
	return newFakeBrokerWithCapabilities(t, nil)
}

// newFakeBrokerWithCapabilities spins up a broker that advertises the given
// CONNACK capabilities (e.g. a negotiated maximum packet size), so a test
// can exercise behavior that only kicks in once the broker imposes a limit.
func newFakeBrokerWithCapabilities(t *testing.T, caps *mochi.Capabilities) *fakeBroker {
	t.Helper()

	port := atomic.AddInt64(&nextBrokerPort, 1)
	addr := fmt.Sprintf("127.0.0.1:%d", port)

	var opts *mochi.Options
	if caps != nil {
		opts = &mochi.Options{Capabilities: caps}
	}

	server := mochi.New(opts)
	require.NoError(t, server.AddHook(&auth.AllowHook{}, nil))
	require.NoError(t, server.AddListener(listeners.NewTCP(listeners.Config{
		Type:    "tcp",
		Address: addr,
	})))
	require.NoError(t, server.Serve())
	t.Cleanup(func() { _ = server.Close() })

	return &fakeBroker{t: t, addr: addr, server: server}
}

// client dials a new paho connection against the broker and wraps it as a
// transport.Client.
func (b *fakeBroker) client(id string) *fakeClient {
	b.t.Helper()

	ctx := context.Background()
	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", b.addr)
	require.NoError(b.t, err)

	c := &fakeClient{id: id, subs: map[string]transport.MessageHandler{}}
	c.paho = paho.NewClient(paho.ClientConfig{
		ClientID:                   id,
		EnableManualAcknowledgment: true,
		Conn:                       conn,
		OnPublishReceived: []func(paho.PublishReceived) (bool, error){
			c.deliver,
		},
	})

	connack, err := c.paho.Connect(ctx, &paho.Connect{
		ClientID:   id,
		CleanStart: true,
		KeepAlive:  30,
	})
	require.NoError(b.t, err)
	b.t.Cleanup(func() { _ = c.paho.Disconnect(&paho.Disconnect{ReasonCode: 0}) })

	if connack.Properties != nil && connack.Properties.MaximumPacketSize != nil {
		c.maxPacketSize.Store(*connack.Properties.MaximumPacketSize)
	}

	return c
}

// fakeClient adapts a paho.Client to the transport.Client contract the
// runtime is built against.
type fakeClient struct {
	id            string
	paho          *paho.Client
	maxPacketSize atomic.Uint32

	mu   sync.RWMutex
	subs map[string]transport.MessageHandler
}

func (c *fakeClient) ClientID() string { return c.id }

func (c *fakeClient) MaxPacketSize() uint32 { return c.maxPacketSize.Load() }

func (c *fakeClient) deliver(pr paho.PublishReceived) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	p := pr.Packet
	prop := p.Properties

	var messageExpiry uint32
	if prop.MessageExpiry != nil {
		messageExpiry = *prop.MessageExpiry
	}
	var payloadFormat transport.PayloadFormat
	if prop.PayloadFormat != nil {
		payloadFormat = transport.PayloadFormat(*prop.PayloadFormat)
	}

	msg := &transport.Message{
		Topic:   p.Topic,
		Payload: p.Payload,
		PublishOptions: transport.PublishOptions{
			ContentType:     prop.ContentType,
			CorrelationData: prop.CorrelationData,
			MessageExpiry:   messageExpiry,
			PayloadFormat:   payloadFormat,
			QoS:             transport.QoS(p.QoS),
			ResponseTopic:   prop.ResponseTopic,
			Retain:          p.Retain,
			UserProperties:  userPropertiesToMap(prop.User),
		},
		Ack: func() error { return c.paho.Ack(p) },
	}

	for filter, handler := range c.subs {
		if matchFilter(filter, msg.Topic) {
			_ = handler(context.Background(), msg)
		}
	}
	return true, nil
}

func (c *fakeClient) Register(
	filter string,
	handler transport.MessageHandler,
) (transport.Subscription, error) {
	return &fakeSubscription{client: c, filter: filter, handler: handler}, nil
}

func (c *fakeClient) Publish(
	ctx context.Context,
	topic string,
	payload []byte,
	opts ...transport.PublishOption,
) error {
	var o transport.PublishOptions
	o.Apply(opts)

	payloadFormat := byte(o.PayloadFormat)
	messageExpiry := o.MessageExpiry

	_, err := c.paho.Publish(ctx, &paho.Publish{
		QoS:     byte(o.QoS),
		Retain:  o.Retain,
		Topic:   topic,
		Payload: payload,
		Properties: &paho.PublishProperties{
			CorrelationData: o.CorrelationData,
			ContentType:     o.ContentType,
			ResponseTopic:   o.ResponseTopic,
			PayloadFormat:   &payloadFormat,
			MessageExpiry:   &messageExpiry,
			User:            mapToUserProperties(o.UserProperties),
		},
	})
	return err
}

type fakeSubscription struct {
	client  *fakeClient
	filter  string
	handler transport.MessageHandler
}

func (s *fakeSubscription) Update(ctx context.Context, opts ...transport.SubscribeOption) error {
	var o transport.SubscribeOptions
	o.Apply(opts)

	s.client.mu.Lock()
	s.client.subs[s.filter] = s.handler
	s.client.mu.Unlock()

	_, err := s.client.paho.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{
			Topic:             s.filter,
			QoS:               byte(o.QoS),
			NoLocal:           o.NoLocal,
			RetainAsPublished: o.Retain,
			RetainHandling:    byte(o.RetainHandling),
		}},
	})
	return err
}

func (s *fakeSubscription) Unsubscribe(ctx context.Context, _ ...transport.UnsubscribeOption) error {
	s.client.mu.Lock()
	delete(s.client.subs, s.filter)
	s.client.mu.Unlock()

	_, err := s.client.paho.Unsubscribe(ctx, &paho.Unsubscribe{Topics: []string{s.filter}})
	return err
}

func userPropertiesToMap(ups paho.UserProperties) map[string]string {
	m := make(map[string]string, len(ups))
	for _, prop := range ups {
		m[prop.Key] = prop.Value
	}
	return m
}

func mapToUserProperties(m map[string]string) paho.UserProperties {
	ups := make(paho.UserProperties, 0, len(m))
	for key, value := range m {
		ups = append(ups, paho.UserProperty{Key: key, Value: value})
	}
	return ups
}

// matchFilter reports whether topic matches the MQTT v5 topic filter,
// including the "+"/"#" wildcards. Shared subscriptions are resolved by the
// broker itself before delivery, so no "$share/" handling is needed here.
func matchFilter(filter, topic string) bool {
	ftoks := strings.Split(filter, "/")
	ttoks := strings.Split(topic, "/")

	for i, ft := range ftoks {
		if ft == "#" {
			return true
		}
		if i >= len(ttoks) {
			return false
		}
		if ft != "+" && ft != ttoks[i] {
			return false
		}
	}
	return len(ftoks) == len(ttoks)
}
