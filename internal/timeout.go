package internal

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/iotrpc/runtime/errors"
	"github.com/iotrpc/runtime/internal/wallclock"
)

// Timeout applies an optional duration to a context and to MQTT message
// expiry, reporting a specific Timeout error (rather than plain context
// deadline exceeded) when it fires.
type Timeout struct {
	time.Duration
	Name string
	Text string
}

// Validate reports an error if the timeout is negative or exceeds the
// maximum MQTT message expiry interval.
func (to *Timeout) Validate() error {
	switch {
	case to.Duration < 0:
		return &errors.Client{Base: errors.Base{
			Message: "timeout cannot be negative",
			Kind:    errors.ConfigurationInvalid{PropertyName: "Timeout", PropertyValue: to.Duration},
		}}

	case to.Seconds() > math.MaxUint32:
		return &errors.Client{Base: errors.Base{
			Message: "timeout too large",
			Kind:    errors.ConfigurationInvalid{PropertyName: "Timeout", PropertyValue: to.Duration},
		}}

	default:
		return nil
	}
}

// Context derives a child context bounded by the timeout; zero duration
// means no deadline, only cancellation propagation.
func (to *Timeout) Context(ctx context.Context) (context.Context, context.CancelFunc) {
	if to.Duration == 0 {
		return context.WithCancel(ctx)
	}
	return wallclock.Instance.WithTimeoutCause(
		ctx,
		to.Duration,
		&errors.Client{Base: errors.Base{
			Message: fmt.Sprintf("%s timed out", to.Text),
			Kind:    errors.Timeout{TimeoutName: to.Name, TimeoutValue: to.Duration},
		}},
	)
}

// MessageExpiry returns the timeout in whole seconds, as carried on an MQTT
// publish.
func (to *Timeout) MessageExpiry() uint32 {
	return uint32(to.Seconds())
}
