// Package protocol implements the MQTT-5 RPC and telemetry runtime: command
// invocation/execution, unidirectional telemetry, and the session lifecycle
// that ties them to a single HLC and response cache per application.
package protocol

import "github.com/iotrpc/runtime/hlc"

type (
	// Message contains per-message data common to commands and telemetry,
	// exposed to handlers and returned from invocations.
	Message[T any] struct {
		Payload T

		ClientID        string
		CorrelationData string
		Timestamp       hlc.HybridLogicalClock
		TopicTokens     map[string]string
		Metadata        map[string]string
	}

	// Option is implemented by every per-call and per-component functional
	// option defined across this package.
	Option interface{ option() }
)
