package protocol_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/iotrpc/runtime"
	"github.com/iotrpc/runtime/internal/constants"
	"github.com/iotrpc/runtime/internal/version"
	"github.com/iotrpc/runtime/transport"
	"github.com/stretchr/testify/require"
)

// ackTracker counts real transport.Message.Ack invocations delivered through
// a trackingClient, so a test can assert a message was never acked rather
// than merely that a handler never ran.
type ackTracker struct {
	mu    sync.Mutex
	acked int
}

func (a *ackTracker) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.acked
}

func (a *ackTracker) wrap(c transport.Client) transport.Client {
	return &trackingClient{Client: c, tracker: a}
}

// trackingClient decorates a transport.Client, instrumenting every delivered
// message's Ack so tests can observe whether it was ever called.
type trackingClient struct {
	transport.Client
	tracker *ackTracker
}

func (tc *trackingClient) Register(
	filter string,
	handler transport.MessageHandler,
) (transport.Subscription, error) {
	return tc.Client.Register(filter, func(ctx context.Context, msg *transport.Message) error {
		ack := msg.Ack
		msg.Ack = func() error {
			tc.tracker.mu.Lock()
			tc.tracker.acked++
			tc.tracker.mu.Unlock()
			return ack()
		}
		return handler(ctx, msg)
	})
}

// driftedTimestamp formats an HLC wire value far enough in the future to
// trip any reasonable MaxClockDrift.
func driftedTimestamp() string {
	return fmt.Sprintf("%015d:%05d:%s",
		time.Now().Add(time.Hour).UnixMilli(), 0, "drifted-node")
}

// TestListenerRejectsClockDrift exercises the merge-on-ingress HLC check
// shared by every listener: a QoS 1 message whose timestamp drifts beyond
// the configured maximum is never acked and never reaches the handler.
func TestListenerRejectsClockDrift(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	app, err := protocol.NewApplication(protocol.WithMaxClockDrift(time.Second))
	require.NoError(t, err)
	t.Cleanup(app.Close)

	broker := newFakeBroker(t)
	tracker := &ackTracker{}

	var handled bool
	tr, err := protocol.NewTelemetryReceiver(
		app, tracker.wrap(broker.client("receiver")),
		protocol.JSON[string]{}, "sensor/reading",
		func(_ context.Context, _ *protocol.TelemetryMessage[string]) error {
			handled = true
			return nil
		},
	)
	require.NoError(t, err)
	require.NoError(t, tr.Start(ctx))
	t.Cleanup(tr.Close)

	sender := broker.client("sender")

	payload, err := (protocol.JSON[string]{}).Serialize("too far in the future")
	require.NoError(t, err)

	err = sender.Publish(ctx, "sensor/reading", payload.Payload,
		transport.WithContentType(payload.ContentType),
		transport.WithPayloadFormat(transport.PayloadFormat(payload.PayloadFormat)),
		transport.WithQoS(transport.QoS1),
		transport.WithUserProperties{
			constants.ProtocolVersion: version.ProtocolString,
			constants.Timestamp:       driftedTimestamp(),
		},
	)
	require.NoError(t, err)

	require.Never(t, func() bool { return handled }, 200*time.Millisecond, 20*time.Millisecond)
	require.Zero(t, tracker.count(), "a clock-drift-rejected message must never be acked")
}

// TestCommandExecutorRejectsClockDrift is the CommandExecutor-side
// counterpart: a drifted request must never be acked and must never reach
// the command handler, even though a real invocation (unlike a telemetry
// publish) always carries the response topic and correlation data that let
// it pass every other listener check.
func TestCommandExecutorRejectsClockDrift(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	app, err := protocol.NewApplication(protocol.WithMaxClockDrift(time.Second))
	require.NoError(t, err)
	t.Cleanup(app.Close)

	broker := newFakeBroker(t)
	tracker := &ackTracker{}

	var calls int
	handler := func(
		_ context.Context,
		req *protocol.CommandRequest[string],
	) (*protocol.CommandResponse[string], error) {
		calls++
		return protocol.Respond(req.Payload)
	}

	ce, err := protocol.NewCommandExecutor(
		app, tracker.wrap(broker.client("executor")),
		protocol.JSON[string]{}, protocol.JSON[string]{},
		"greet/request", handler,
	)
	require.NoError(t, err)
	require.NoError(t, ce.Start(ctx))
	t.Cleanup(ce.Close)

	sender := broker.client("sender")

	payload, err := (protocol.JSON[string]{}).Serialize("hello")
	require.NoError(t, err)

	corr, err := uuid.NewV7()
	require.NoError(t, err)

	err = sender.Publish(ctx, "greet/request", payload.Payload,
		transport.WithContentType(payload.ContentType),
		transport.WithPayloadFormat(transport.PayloadFormat(payload.PayloadFormat)),
		transport.WithQoS(transport.QoS1),
		transport.WithCorrelationData(corr[:]),
		transport.WithResponseTopic("greet/response"),
		transport.WithMessageExpiry(10),
		transport.WithUserProperties{
			constants.ProtocolVersion: version.ProtocolString,
			constants.Timestamp:       driftedTimestamp(),
		},
	)
	require.NoError(t, err)

	require.Never(t, func() bool { return calls > 0 }, 200*time.Millisecond, 20*time.Millisecond)
	require.Zero(t, tracker.count(), "a clock-drift-rejected request must never be acked")
}
