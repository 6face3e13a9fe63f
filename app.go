package protocol

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/iotrpc/runtime/hlc"
	"github.com/iotrpc/runtime/internal"
	"github.com/iotrpc/runtime/internal/log"
	"github.com/iotrpc/runtime/internal/wallclock"
)

type (
	// Application represents shared application state: the process-wide HLC,
	// the registry of listeners created against it, and the set of
	// background sweepers (response caches, chunk reassemblers) that need a
	// periodic tick to expire stale state.
	Application struct {
		hlc *hlc.Global
		log *slog.Logger

		mu        sync.Mutex
		listeners Listeners
		sweepers  []sweeper
		resetters []resetter

		stop func()
	}

	// ApplicationOption represents a single application option.
	ApplicationOption interface{ application(*ApplicationOptions) }

	// ApplicationOptions are the resolved application options.
	ApplicationOptions struct {
		MaxClockDrift time.Duration
		Logger        *slog.Logger
	}

	// WithMaxClockDrift specifies how long HLCs are allowed to drift from
	// the wall clock before they are considered no longer valid.
	WithMaxClockDrift time.Duration

	// sweeper is implemented by any component that needs to periodically
	// expire state on its own schedule: the response cache (TTL eviction)
	// and the chunk reassembler (partial-set timeout).
	sweeper interface{ Sweep(time.Time) }

	// resetter is implemented by any component that must discard its
	// in-progress state outright on session loss rather than merely time
	// it out: the chunk reassembler, since a dropped session means the
	// broker may never redeliver the chunks still missing from a partial
	// set.
	resetter interface{ Reset() }
)

const sweepInterval = time.Second

// NewApplication creates a new shared application state and starts its
// background sweep loop. Only one of these should be created per process.
func NewApplication(opt ...ApplicationOption) (*Application, error) {
	var opts ApplicationOptions
	opts.Apply(opt)

	a := &Application{
		hlc: hlc.New(hlc.Options{MaxClockDrift: opts.MaxClockDrift}),
		log: opts.Logger,
	}

	done := make(chan struct{})
	a.stop = sync.OnceFunc(func() { close(done) })
	go a.sweepLoop(done)

	return a, nil
}

// GetHLC syncs the application HLC instance to the current time and returns
// it.
func (a *Application) GetHLC() (hlc.HybridLogicalClock, error) {
	return a.hlc.Get()
}

// SetHLC syncs the application HLC instance to the given HLC.
func (a *Application) SetHLC(val hlc.HybridLogicalClock) error {
	return a.hlc.Set(val)
}

// Listeners returns every listener registered against this application by a
// CommandInvoker, CommandExecutor, or TelemetryReceiver constructed with it.
func (a *Application) Listeners() Listeners {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(Listeners, len(a.listeners))
	copy(out, a.listeners)
	return out
}

// Reconnected handles an MQTT reconnect: when the broker reports no session
// was present, every registered resetter discards its in-progress state and
// every registered listener is restarted to reestablish its subscription.
// Live response-cache entries and pending invocations are left to expire
// naturally rather than being force-evicted, since the broker may still
// redeliver messages sent under the old session; in-progress chunk sets get
// no such benefit of the doubt, since a lost session means the chunks still
// missing from a partial set may never be redelivered at all.
func (a *Application) Reconnected(ctx context.Context, sessionPresent bool) error {
	if sessionPresent {
		return nil
	}

	a.mu.Lock()
	resetters := append([]resetter(nil), a.resetters...)
	a.mu.Unlock()

	for _, r := range resetters {
		r.Reset()
	}

	return a.Listeners().Start(ctx)
}

// Close stops the application's background sweep loop. It does not close
// any registered listener; callers should Close their own components (or
// a.Listeners().Close()) first.
func (a *Application) Close() {
	a.stop()
}

func (a *Application) register(l Listener) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listeners = append(a.listeners, l)
}

func (a *Application) registerSweeper(s sweeper) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sweepers = append(a.sweepers, s)
}

func (a *Application) registerResetter(r resetter) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resetters = append(a.resetters, r)
}

func (a *Application) sweepLoop(done <-chan struct{}) {
	t := wallclock.Instance.NewTimer(sweepInterval)
	defer t.Stop()

	for {
		select {
		case <-done:
			return
		case now := <-t.C():
			a.mu.Lock()
			sweepers := append([]sweeper(nil), a.sweepers...)
			a.mu.Unlock()

			for _, s := range sweepers {
				s.Sweep(now)
			}
			t.Reset(sweepInterval)
		}
	}
}

// logger resolves the effective logger for a component: the per-component
// override if given, else the application's own logger.
func (a *Application) logger(override *slog.Logger) log.Logger {
	if override != nil {
		return log.Wrap(override)
	}
	return log.Wrap(a.log)
}

// Apply resolves the provided list of options.
func (o *ApplicationOptions) Apply(
	opts []ApplicationOption,
	rest ...ApplicationOption,
) {
	for opt := range internal.Apply[ApplicationOption](opts, rest...) {
		opt.application(o)
	}
}

func (o *ApplicationOptions) application(opt *ApplicationOptions) {
	if o != nil {
		*opt = *o
	}
}

func (o WithMaxClockDrift) application(opt *ApplicationOptions) {
	opt.MaxClockDrift = time.Duration(o)
}

func (WithMaxClockDrift) option() {}
