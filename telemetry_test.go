package protocol_test

import (
	"context"
	"net/url"
	"sync"
	"testing"
	"time"

	mochi "github.com/mochi-mqtt/server/v2"

	"github.com/iotrpc/runtime"
	"github.com/stretchr/testify/require"
)

func TestTelemetrySenderReceiverRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	app := newTestApp(t)
	broker := newFakeBroker(t)

	received := make(chan string, 1)
	tr, err := protocol.NewTelemetryReceiver(
		app, broker.client("receiver"),
		protocol.JSON[string]{}, "sensor/reading",
		func(_ context.Context, msg *protocol.TelemetryMessage[string]) error {
			received <- msg.Payload
			return nil
		},
	)
	require.NoError(t, err)
	require.NoError(t, tr.Start(ctx))
	t.Cleanup(tr.Close)

	ts, err := protocol.NewTelemetrySender(
		app, broker.client("sender"),
		protocol.JSON[string]{}, "sensor/reading",
	)
	require.NoError(t, err)

	require.NoError(t, ts.Send(ctx, "72F"))

	select {
	case payload := <-received:
		require.Equal(t, "72F", payload)
	case <-ctx.Done():
		t.Fatal("telemetry not received before deadline")
	}
}

func TestTelemetrySenderReceiverChunked(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	app := newTestApp(t)
	broker := newFakeBroker(t)

	received := make(chan string, 1)
	tr, err := protocol.NewTelemetryReceiver(
		app, broker.client("receiver"),
		protocol.Raw{}, "blob/upload",
		func(_ context.Context, msg *protocol.TelemetryMessage[[]byte]) error {
			received <- string(msg.Payload)
			return nil
		},
	)
	require.NoError(t, err)
	require.NoError(t, tr.Start(ctx))
	t.Cleanup(tr.Close)

	ts, err := protocol.NewTelemetrySender(
		app, broker.client("sender"),
		protocol.Raw{}, "blob/upload",
		protocol.WithChunking{MaxChunkSize: 8, Timeout: time.Second},
	)
	require.NoError(t, err)

	payload := []byte("this payload is well over eight bytes long")
	require.NoError(t, ts.Send(ctx, payload))

	select {
	case got := <-received:
		require.Equal(t, string(payload), got)
	case <-ctx.Done():
		t.Fatal("chunked telemetry not reassembled before deadline")
	}
}

// TestTelemetrySenderAutoChunksFromNegotiatedPacketSize exercises chunking
// triggered purely by a broker-negotiated CONNACK max_packet_size, with no
// explicit WithChunking.MaxChunkSize override: a 1000-byte limit and a
// 100-byte static overhead yield a 900-byte threshold, so a 2500-byte
// payload should split into three chunks and still reassemble correctly.
func TestTelemetrySenderAutoChunksFromNegotiatedPacketSize(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	app := newTestApp(t)
	broker := newFakeBrokerWithCapabilities(t, &mochi.Capabilities{
		MaximumPacketSize: 1000,
	})

	received := make(chan []byte, 1)
	tr, err := protocol.NewTelemetryReceiver(
		app, broker.client("receiver"),
		protocol.Raw{}, "blob/upload",
		func(_ context.Context, msg *protocol.TelemetryMessage[[]byte]) error {
			received <- msg.Payload
			return nil
		},
	)
	require.NoError(t, err)
	require.NoError(t, tr.Start(ctx))
	t.Cleanup(tr.Close)

	sender := broker.client("sender")
	require.EqualValues(t, 1000, sender.MaxPacketSize())

	ts, err := protocol.NewTelemetrySender(
		app, sender,
		protocol.Raw{}, "blob/upload",
		protocol.WithChunking{StaticOverhead: 100, Timeout: time.Second},
	)
	require.NoError(t, err)

	payload := make([]byte, 2500)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, ts.Send(ctx, payload))

	select {
	case got := <-received:
		require.Equal(t, payload, got)
	case <-ctx.Done():
		t.Fatal("auto-chunked telemetry not reassembled before deadline")
	}
}

func TestTelemetrySenderCloudEventRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	app := newTestApp(t)
	broker := newFakeBroker(t)

	var mu sync.Mutex
	var got *protocol.CloudEvent

	tr, err := protocol.NewTelemetryReceiver(
		app, broker.client("receiver"),
		protocol.JSON[string]{}, "sensor/reading",
		func(_ context.Context, msg *protocol.TelemetryMessage[string]) error {
			ce, err := protocol.CloudEventFromTelemetry(msg)
			if err != nil {
				return err
			}
			mu.Lock()
			got = ce
			mu.Unlock()
			return nil
		},
	)
	require.NoError(t, err)
	require.NoError(t, tr.Start(ctx))
	t.Cleanup(tr.Close)

	ts, err := protocol.NewTelemetrySender(
		app, broker.client("sender"),
		protocol.JSON[string]{}, "sensor/reading",
	)
	require.NoError(t, err)

	source, err := url.Parse("aio://device/thermostat-1")
	require.NoError(t, err)

	require.NoError(t, ts.Send(ctx, "72F", &protocol.CloudEvent{Source: source}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got != nil
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "aio://device/thermostat-1", got.Source.String())
	require.Equal(t, protocol.DefaultCloudEventSpecVersion, got.SpecVersion)
	require.Equal(t, protocol.DefaultCloudEventType, got.Type)
	require.Equal(t, "sensor/reading", got.Subject)
}

func TestTelemetryReceiverManualAck(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	app := newTestApp(t)
	broker := newFakeBroker(t)

	acked := make(chan struct{}, 1)
	tr, err := protocol.NewTelemetryReceiver(
		app, broker.client("receiver"),
		protocol.JSON[string]{}, "sensor/reading",
		func(_ context.Context, msg *protocol.TelemetryMessage[string]) error {
			require.NotNil(t, msg.Ack)
			msg.Ack()
			acked <- struct{}{}
			return nil
		},
		protocol.WithManualAck(true),
	)
	require.NoError(t, err)
	require.NoError(t, tr.Start(ctx))
	t.Cleanup(tr.Close)

	ts, err := protocol.NewTelemetrySender(
		app, broker.client("sender"),
		protocol.JSON[string]{}, "sensor/reading",
	)
	require.NoError(t, err)
	require.NoError(t, ts.Send(ctx, "72F"))

	select {
	case <-acked:
	case <-ctx.Done():
		t.Fatal("manual ack never observed before deadline")
	}
}
