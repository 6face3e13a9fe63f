// Package hlc implements a Hybrid Logical Clock: a combination of physical
// and logical clocks used to totally order events produced by multiple
// nodes with skewed wall clocks.
package hlc

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/iotrpc/runtime/errors"
	"github.com/iotrpc/runtime/internal/wallclock"
)

type (
	// HybridLogicalClock is the (timestamp, counter, nodeID) tuple described
	// by the data model: timestamp is UTC, millisecond-truncated wall time;
	// counter is a non-negative integer that never overflows; nodeID is
	// unique per process.
	HybridLogicalClock struct {
		timestamp time.Time
		counter   uint64
		nodeID    string
		opt       *Options
	}

	// Global is a mutex-guarded, process-wide HLC instance. Only one should
	// typically be created per application.
	Global struct {
		hlc HybridLogicalClock
		mu  sync.Mutex
		opt Options
	}

	// Options are the resolved HLC options.
	Options struct {
		// MaxClockDrift is how far an HLC timestamp may run ahead of local
		// wall time before Update fails with StateInvalid; timestamps behind
		// wall time are not rejected. Defaults to one minute.
		MaxClockDrift time.Duration
	}
)

// New creates a new Global HLC instance for this process.
func New(opt Options) *Global {
	g := &Global{opt: opt}
	if g.opt.MaxClockDrift == 0 {
		g.opt.MaxClockDrift = time.Minute
	}

	g.hlc = HybridLogicalClock{
		timestamp: now(),
		nodeID:    uuid.Must(uuid.NewV7()).String(),
		opt:       &g.opt,
	}
	return g
}

// Get advances the shared HLC instance to the current time (a local event)
// and returns it.
func (g *Global) Get() (HybridLogicalClock, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var err error
	g.hlc, err = g.hlc.Update(HybridLogicalClock{})
	if err != nil {
		return HybridLogicalClock{}, err
	}
	return g.hlc, nil
}

// Set merges an externally observed HLC into the shared instance.
func (g *Global) Set(other HybridLogicalClock) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	var err error
	g.hlc, err = g.hlc.Update(other)
	return err
}

// Parse decodes an HLC from its wire representation
// (PPPPPPPPPPPPPPP:CCCCC:nodeId, base 10 throughout). Any other base is
// rejected, resolving the ambiguity between call sites that parse base 10
// and a stray comment referencing base 32.
func (g *Global) Parse(headerName, value string) (HybridLogicalClock, error) {
	parts := strings.Split(value, ":")
	if len(parts) != 3 {
		return HybridLogicalClock{}, &errors.Client{Base: errors.Base{
			Message: "HLC must contain three segments separated by ':'",
			Kind:    errors.HeaderInvalid{HeaderName: headerName, HeaderValue: value},
		}}
	}

	timestamp, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return HybridLogicalClock{}, &errors.Client{Base: errors.Base{
			Message: "first HLC segment is not a base-10 integer",
			Kind:    errors.HeaderInvalid{HeaderName: headerName, HeaderValue: value},
		}}
	}

	counter, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return HybridLogicalClock{}, &errors.Client{Base: errors.Base{
			Message: "second HLC segment is not a base-10 integer",
			Kind:    errors.HeaderInvalid{HeaderName: headerName, HeaderValue: value},
		}}
	}

	if parts[2] == "" {
		return HybridLogicalClock{}, &errors.Client{Base: errors.Base{
			Message: "HLC node id must not be empty",
			Kind:    errors.HeaderInvalid{HeaderName: headerName, HeaderValue: value},
		}}
	}

	return HybridLogicalClock{
		timestamp: time.UnixMilli(timestamp).UTC(),
		counter:   counter,
		nodeID:    parts[2],
		opt:       &g.opt,
	}, nil
}

// UTC returns the physical clock component, already normalized to UTC.
func (hlc HybridLogicalClock) UTC() time.Time { return hlc.timestamp }

// IsZero reports whether this HLC is the zero value.
func (hlc HybridLogicalClock) IsZero() bool { return hlc.timestamp.IsZero() }

// Update merges hlc with other and returns the resulting clock, per the
// five-step rule in the data model: same-node updates are a no-op, and
// drift is validated against both inputs before any mutation so an
// overflow or drift violation never leaves the receiver partially updated.
func (hlc HybridLogicalClock) Update(
	other HybridLogicalClock,
) (HybridLogicalClock, error) {
	if other.nodeID == hlc.nodeID {
		return hlc, nil
	}

	wall := now()

	if err := hlc.validate(wall); err != nil {
		return HybridLogicalClock{}, err
	}
	if err := other.validate(wall); err != nil {
		return HybridLogicalClock{}, err
	}

	updated := HybridLogicalClock{nodeID: hlc.nodeID, opt: hlc.opt}
	switch {
	case wall.After(hlc.timestamp) && wall.After(other.timestamp):
		updated.timestamp = wall
		updated.counter = 0

	case hlc.timestamp.Equal(other.timestamp):
		updated.timestamp = hlc.timestamp
		updated.counter = max(hlc.counter, other.counter) + 1

	case hlc.timestamp.After(other.timestamp):
		updated.timestamp = hlc.timestamp
		updated.counter = hlc.counter + 1

	default:
		updated.timestamp = other.timestamp
		updated.counter = other.counter + 1
	}

	return updated, nil
}

// Compare orders two HLCs lexicographically on (timestamp, counter,
// nodeID); two HLCs from the same node compare equal only when timestamp
// and counter both match.
func (hlc HybridLogicalClock) Compare(other HybridLogicalClock) int {
	if hlc.timestamp.Equal(other.timestamp) {
		switch {
		case hlc.counter > other.counter:
			return 1
		case hlc.counter < other.counter:
			return -1
		default:
			return strings.Compare(hlc.nodeID, other.nodeID)
		}
	}
	if hlc.timestamp.Before(other.timestamp) {
		return -1
	}
	return 1
}

// String encodes the HLC as PPPPPPPPPPPPPPP:CCCCC:nodeId.
func (hlc HybridLogicalClock) String() string {
	return fmt.Sprintf("%015d:%05d:%s",
		hlc.timestamp.UnixMilli(), hlc.counter, hlc.nodeID)
}

func (hlc HybridLogicalClock) validate(wall time.Time) error {
	if hlc.opt == nil {
		// Zero-value HLCs (e.g. "no incoming timestamp") behave as the wall
		// clock and never fail validation on their own.
		return nil
	}

	switch {
	case hlc.counter == math.MaxUint64:
		return &errors.Client{Base: errors.Base{
			Message: "integer overflow in HLC counter",
			Kind:    errors.InternalLogicError{PropertyName: "Counter"},
		}}

	case hlc.timestamp.Sub(wall) > hlc.opt.MaxClockDrift:
		return &errors.Client{Base: errors.Base{
			Message: "clock drift exceeds maximum",
			Kind:    errors.StateInvalid{PropertyName: "MaxClockDrift"},
		}}

	default:
		return nil
	}
}

func now() time.Time {
	return wallclock.Instance.Now().UTC().Truncate(time.Millisecond)
}
