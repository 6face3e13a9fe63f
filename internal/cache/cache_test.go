package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/iotrpc/runtime/internal/cache"
	"github.com/stretchr/testify/require"
)

type fixedClock time.Time

func (c *fixedClock) Now() time.Time  { return time.Time(*c) }
func (c *fixedClock) Add(d time.Duration) { *c = fixedClock(time.Time(*c).Add(d)) }

func req(id string, exp time.Duration) *cache.Request {
	return &cache.Request{
		CorrelationID: id,
		Topic:         "cmd/req",
		Payload:       []byte("payload-" + id),
		MessageExpiry: exp,
	}
}

func TestFreshThenReplay(t *testing.T) {
	clock := fixedClock(time.Now())
	c := cache.New(&clock, time.Minute, "cmd/req")

	r := req("1", time.Minute)

	ticket := c.Begin(r)
	require.Equal(t, cache.Fresh, ticket.State())

	c.Complete(r, cache.Result{Payload: []byte("response-1")})

	replay := c.Begin(r)
	require.Equal(t, cache.Completed, replay.State())
	require.Equal(t, []byte("response-1"), replay.Result().Payload)
}

func TestInFlightRequestBecomesWaiter(t *testing.T) {
	clock := fixedClock(time.Now())
	c := cache.New(&clock, time.Minute, "cmd/req")

	r := req("2", time.Minute)

	first := c.Begin(r)
	require.Equal(t, cache.Fresh, first.State())

	second := c.Begin(r)
	require.Equal(t, cache.Waiter, second.State())

	done := make(chan cache.Result, 1)
	go func() {
		res, err := second.Wait(context.Background())
		require.NoError(t, err)
		done <- res
	}()

	c.Complete(r, cache.Result{Payload: []byte("response-2")})

	res := <-done
	require.Equal(t, []byte("response-2"), res.Payload)
}

func TestCompleteIsIdempotent(t *testing.T) {
	clock := fixedClock(time.Now())
	c := cache.New(&clock, time.Minute, "cmd/req")

	r := req("3", time.Minute)

	c.Begin(r)
	c.Complete(r, cache.Result{Payload: []byte("first")})
	c.Complete(r, cache.Result{Payload: []byte("second")}) // no-op

	replay := c.Begin(r)
	require.Equal(t, cache.Completed, replay.State())
	require.Equal(t, []byte("first"), replay.Result().Payload)
}

func TestExpiredRequestIsFresh(t *testing.T) {
	clock := fixedClock(time.Now())
	c := cache.New(&clock, time.Minute, "cmd/req")

	r := req("4", time.Millisecond)
	c.Begin(r)
	c.Complete(r, cache.Result{Payload: []byte("stale")})

	clock.Add(time.Hour)

	replayed := c.Begin(r)
	require.Equal(t, cache.Fresh, replayed.State())
}

func TestSweepEvictsExpiredCompletedEntries(t *testing.T) {
	clock := fixedClock(time.Now())
	c := cache.New(&clock, time.Minute, "cmd/req")

	r := req("5", time.Millisecond)
	c.Begin(r)
	c.Complete(r, cache.Result{Payload: []byte("will-expire")})

	clock.Add(time.Hour)
	c.Sweep(clock.Now())

	replayed := c.Begin(r)
	require.Equal(t, cache.Fresh, replayed.State())
}

func TestSweepNeverEvictsInFlightEntry(t *testing.T) {
	clock := fixedClock(time.Now())
	c := cache.New(&clock, time.Millisecond, "cmd/req")

	r := req("6", time.Millisecond)
	c.Begin(r) // never completed

	clock.Add(time.Hour)
	c.Sweep(clock.Now())

	stillWaiter := c.Begin(r)
	require.Equal(t, cache.Waiter, stillWaiter.State())
}
