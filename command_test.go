package protocol_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/iotrpc/runtime"
	"github.com/stretchr/testify/require"
)

func newTestApp(t *testing.T) *protocol.Application {
	t.Helper()
	app, err := protocol.NewApplication()
	require.NoError(t, err)
	t.Cleanup(app.Close)
	return app
}

func TestCommandInvokerExecutorRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	app := newTestApp(t)
	broker := newFakeBroker(t)

	var calls int
	handler := func(
		_ context.Context,
		req *protocol.CommandRequest[string],
	) (*protocol.CommandResponse[string], error) {
		calls++
		return protocol.Respond(strings.ToUpper(req.Payload))
	}

	ce, err := protocol.NewCommandExecutor(
		app, broker.client("executor"),
		protocol.JSON[string]{}, protocol.JSON[string]{},
		"greet/request", handler,
	)
	require.NoError(t, err)
	require.NoError(t, ce.Start(ctx))
	t.Cleanup(ce.Close)

	ci, err := protocol.NewCommandInvoker[string, string](
		app, broker.client("invoker"),
		protocol.JSON[string]{}, protocol.JSON[string]{},
		"greet/request",
	)
	require.NoError(t, err)
	require.NoError(t, ci.Start(ctx))
	t.Cleanup(ci.Close)

	res, err := ci.Invoke(ctx, "hello")
	require.NoError(t, err)
	require.Equal(t, "HELLO", res.Payload)
	require.Equal(t, 1, calls)
}

func TestCommandInvokerTimeout(t *testing.T) {
	app := newTestApp(t)
	broker := newFakeBroker(t)

	// No executor subscribed at all: the invoker should time out waiting
	// for a response rather than hang forever.
	ci, err := protocol.NewCommandInvoker[string, string](
		app, broker.client("invoker"),
		protocol.JSON[string]{}, protocol.JSON[string]{},
		"nobody/listens",
	)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, ci.Start(ctx))
	t.Cleanup(ci.Close)

	_, err = ci.Invoke(ctx, "hello", protocol.WithTimeout(100*time.Millisecond))
	require.Error(t, err)
}

func TestCommandExecutorIdempotentReplay(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	app := newTestApp(t)
	broker := newFakeBroker(t)

	var calls int
	handler := func(
		_ context.Context,
		req *protocol.CommandRequest[string],
	) (*protocol.CommandResponse[string], error) {
		calls++
		return protocol.Respond(strings.ToUpper(req.Payload))
	}

	ce, err := protocol.NewCommandExecutor(
		app, broker.client("executor"),
		protocol.JSON[string]{}, protocol.JSON[string]{},
		"greet/request", handler,
		protocol.WithIdempotent(true),
	)
	require.NoError(t, err)
	require.NoError(t, ce.Start(ctx))
	t.Cleanup(ce.Close)

	ci, err := protocol.NewCommandInvoker[string, string](
		app, broker.client("invoker"),
		protocol.JSON[string]{}, protocol.JSON[string]{},
		"greet/request",
	)
	require.NoError(t, err)
	require.NoError(t, ci.Start(ctx))
	t.Cleanup(ci.Close)

	res1, err := ci.Invoke(ctx, "hello")
	require.NoError(t, err)
	require.Equal(t, "HELLO", res1.Payload)

	res2, err := ci.Invoke(ctx, "hello")
	require.NoError(t, err)
	require.Equal(t, "HELLO", res2.Payload)

	// The two Invoke calls use distinct correlation ids but the same topic
	// and payload; with WithIdempotent the second is an equivalent request,
	// so the executor replays the cached response and the handler runs once.
	require.Equal(t, 1, calls)
}
