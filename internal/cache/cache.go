// Package cache implements the response cache: a correlation-id keyed,
// TTL-bounded, in-flight-aware store of command responses. Its public
// surface (Begin/Complete/Sweep) is a deliberate rework of the teacher's
// callback-style Exec(req, cb): the contract requires Begin to report
// Fresh/Waiter/Completed directly so a caller can suspend on a waiter
// without re-entering the cache, matching the at-most-one-handler-
// invocation and idempotent-complete guarantees.
package cache

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/iotrpc/runtime/internal/constants"
	"github.com/iotrpc/runtime/internal/container"
)

type (
	// Request is the subset of an incoming command request the cache needs
	// to key, deduplicate, and bound the lifetime of an entry.
	Request struct {
		CorrelationID  string
		Topic          string
		Payload        []byte
		UserProperties map[string]string
		MessageExpiry  time.Duration
	}

	// Result is the cached outcome of invoking a command handler: enough of
	// the serialized response to replay it byte-for-byte on an equivalent
	// or duplicate request, without re-invoking the handler.
	Result struct {
		Payload        []byte
		ContentType    string
		PayloadFormat  byte
		UserProperties map[string]string
		Err            error
	}

	// State reports which of the three Begin outcomes applies.
	State int

	// Clock abstracts time.Now for test dependency injection.
	Clock interface{ Now() time.Time }

	// Ticket is returned by Begin and reports whether the caller must
	// invoke the handler (Fresh), wait on another invocation in progress
	// (Waiter), or already has a Result (Completed).
	Ticket struct {
		state  State
		done   <-chan struct{}
		result *Result
	}

	entry struct {
		req    *Request
		done   chan struct{}
		result Result

		start    time.Time
		reqTTL   time.Time
		cacheTTL time.Time

		refs int
		size int
	}

	key struct{ c, t string }

	// Cache is the response cache for a single command executor.
	Cache struct {
		clock Clock
		ttl   time.Duration
		bytes int

		// Set when the request topic carries no "{executorId}" token; the
		// sender's client id is then left out of equivalent-request
		// matching.
		ignoreClient bool

		timeStore container.PriorityMap[key, *entry, int64]
		costStore container.PriorityMap[key, *entry, float64]

		mu sync.Mutex
	}
)

const (
	Fresh State = iota
	Waiter
	Completed
)

const (
	FixedProcessingOverheadMs = 10
	FixedStorageOverheadBytes = 100
	MaxEntryCount             = 10000
	MaxAggregatePayloadBytes  = 10000000
)

// New creates a new response cache. ttl bounds equivalent-request reuse
// after a response completes; requestTopic is used to detect whether this
// executor is instance-scoped (carries "{executorId}"), which determines
// whether the sender's client id participates in equivalence.
func New(clock Clock, ttl time.Duration, requestTopic string) *Cache {
	return &Cache{
		clock:        clock,
		ttl:          ttl,
		ignoreClient: !bytes.Contains([]byte(requestTopic), []byte("{executorId}")),
		timeStore:    container.NewPriorityMap[key, *entry, int64](),
		costStore:    container.NewPriorityMap[key, *entry, float64](),
	}
}

// Begin registers req as either a fresh invocation, a waiter on an
// in-flight or equivalent invocation, or a replay of a completed result.
func (c *Cache) Begin(req *Request) *Ticket {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := getKey(req)
	now := c.clock.Now().UTC()

	if cached, ok := c.timeStore.Get(id); ok {
		select {
		case <-cached.done:
			if now.After(cached.reqTTL) {
				return &Ticket{state: Fresh}
			}
			r := cached.result
			return &Ticket{state: Completed, result: &r}
		default:
			// Never drop to Fresh while the original invocation is still
			// in flight, even past its nominal reqTTL: the waiter must
			// observe the eventual Complete call.
			return &Ticket{state: Waiter, done: cached.done, result: &cached.result}
		}
	}

	e := &entry{
		req:    req,
		done:   make(chan struct{}),
		start:  now,
		reqTTL: now.Add(req.MessageExpiry),
	}
	e.cacheTTL = e.reqTTL
	c.timeStore.Set(id, e, e.cacheTTL.UnixNano())

	if equiv, ok := c.costStore.Find(func(cached *entry) bool {
		return c.equivalentRequest(req, cached.req) &&
			now.Before(cached.start.Add(c.ttl))
	}); ok {
		equiv.refs++
		c.timeStore.Delete(id) // Drop the just-created entry; reuse equiv's instead.
		select {
		case <-equiv.done:
			r := equiv.result
			return &Ticket{state: Completed, result: &r}
		default:
			return &Ticket{state: Waiter, done: equiv.done, result: &equiv.result}
		}
	}

	return &Ticket{state: Fresh, done: e.done, result: &e.result}
}

// Wait blocks until the ticket's handler invocation completes, or ctx is
// done. Only meaningful for a Waiter ticket; a Completed ticket returns
// immediately.
func (t *Ticket) Wait(ctx context.Context) (Result, error) {
	if t.done == nil {
		return *t.result, nil
	}
	select {
	case <-t.done:
		return *t.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// State reports which Begin outcome this ticket represents.
func (t *Ticket) State() State { return t.state }

// Result returns the ticket's result directly, valid only when State is
// Completed.
func (t *Ticket) Result() Result { return *t.result }

// Complete stores res as the outcome of req's invocation and wakes any
// waiters. Calling Complete for a correlation id that is absent or already
// completed is a no-op, matching the idempotent-complete guarantee.
func (c *Cache) Complete(req *Request, res Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := getKey(req)
	e, ok := c.timeStore.Get(id)
	if !ok {
		return
	}
	select {
	case <-e.done:
		return // Already completed; idempotent no-op.
	default:
	}

	now := c.clock.Now().UTC()
	e.result = res
	close(e.done)

	if c.ttl > 0 && res.Err == nil {
		if now.Add(c.ttl).After(e.cacheTTL) {
			e.cacheTTL = now.Add(c.ttl)
			c.timeStore.Set(id, e, e.cacheTTL.UnixNano())
		}
		c.costStore.Set(id, e, costWeightedBenefit(res.Payload, now.Sub(e.start)))
	} else if now.After(e.cacheTTL) {
		c.timeStore.Delete(id)
		return
	} else {
		e.req = nil
	}

	e.size = len(res.Payload)
	c.bytes += e.size

	c.trimCost(now)
}

// Sweep removes entries whose cacheTTL has elapsed as of now, in cacheTTL
// order, and stops at the first expired entry that is still in flight;
// expired entries ordered after it remain until a later sweep. The
// Application's background loop calls it once a second so entries expire
// even when no new request arrives to trigger eviction.
func (c *Cache) Sweep(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for {
		id, e, ok := c.timeStore.Next()
		if !ok || now.Before(e.cacheTTL) {
			return
		}
		select {
		case <-e.done:
			c.remove(id, e)
		default:
			// Never evict an in-flight entry, even past its nominal TTL;
			// the eventual Complete call will clean it up.
			return
		}
	}
}

func (c *Cache) trimCost(now time.Time) {
	for c.timeStore.Len() >= MaxEntryCount || c.bytes >= MaxAggregatePayloadBytes {
		id, e, ok := c.costStore.Next()
		if !ok {
			break
		}

		if now.After(e.reqTTL) {
			c.remove(id, e)
		} else {
			e.req = nil
			e.cacheTTL = e.reqTTL
			c.timeStore.Set(id, e, e.cacheTTL.UnixNano())
			c.costStore.Delete(id)
		}
	}
}

func (c *Cache) remove(id key, e *entry) {
	c.timeStore.Delete(id)
	c.costStore.Delete(id)
	e.refs--
	if e.refs < 0 {
		c.bytes -= e.size
	}
}

func costWeightedBenefit(payload []byte, exec time.Duration) float64 {
	executionBypassBenefit := FixedProcessingOverheadMs + exec.Milliseconds()
	storageCost := FixedStorageOverheadBytes + len(payload)
	return float64(executionBypassBenefit) / float64(storageCost)
}

func getKey(req *Request) key {
	return key{req.CorrelationID, req.Topic}
}

func (c *Cache) equivalentRequest(req, cached *Request) bool {
	if req.CorrelationID == cached.CorrelationID {
		return false
	}
	if len(req.UserProperties) != len(cached.UserProperties) {
		return false
	}
	if req.Topic != cached.Topic {
		return false
	}
	if !bytes.Equal(req.Payload, cached.Payload) {
		return false
	}

	for k, v := range req.UserProperties {
		if c.ignoreMetadata(k) {
			continue
		}
		if v != cached.UserProperties[k] {
			return false
		}
	}
	return true
}

func (c *Cache) ignoreMetadata(k string) bool {
	switch k {
	case constants.Timestamp, constants.Partition:
		return true
	case constants.SenderClientID:
		return c.ignoreClient
	default:
		return false
	}
}
