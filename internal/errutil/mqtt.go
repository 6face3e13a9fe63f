package errutil

import (
	"context"

	"github.com/iotrpc/runtime/errors"
)

// Mqtt translates a transport.Client publish/subscribe return into a
// protocol error. An actual error indicates a failure in the underlying
// MQTT client; the incoming context's cancellation cause, if any, always
// takes precedence since it reflects the caller's own deadline.
func Mqtt(ctx context.Context, msg string, err error) error {
	if ctxErr := errors.Context(ctx, msg); ctxErr != nil {
		return ctxErr
	}
	if err == nil {
		return nil
	}
	if _, ok := err.(*errors.Client); ok {
		return err
	}
	return &errors.Client{Base: errors.Base{
		Message:     msg + ": " + err.Error(),
		Kind:        errors.MqttError{},
		NestedError: err,
	}}
}
