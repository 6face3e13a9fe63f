package errutil

import (
	"context"

	"github.com/google/uuid"
	"github.com/iotrpc/runtime/errors"
	"github.com/iotrpc/runtime/internal/log"
)

type noReturn struct{ error }

// NoReturn marks err as one that must never be sent back over RPC nor
// acked (e.g. a listener's HLC clock-drift rejection).
func NoReturn(err error) error {
	return noReturn{err}
}

// IsNoReturn reports whether err is marked NoReturn, and unwraps it either
// way.
func IsNoReturn(err error) (bool, error) {
	if e, ok := err.(noReturn); ok {
		return true, e.error
	}
	return false, err
}

// Return prepares err for returning to a caller: it strips any NoReturn
// flag (the flag only matters within the RPC boundary that set it), applies
// the shallow flag if err is a *errors.Client, and logs it.
func Return(ctx context.Context, err error, logger log.Logger, shallow bool) error {
	if e, ok := err.(noReturn); ok {
		err = e.error
	}
	if e, ok := err.(*errors.Client); ok {
		e.Shallow = shallow
	}
	if err != nil {
		logger.Err(ctx, err)
	}
	return err
}

// ValidateNonNil reports a ConfigurationInvalid error for the first nil
// value found in args.
func ValidateNonNil(args map[string]any) error {
	for k, v := range args {
		if v == nil {
			return &errors.Client{Base: errors.Base{
				Message: "argument is nil",
				Kind:    errors.ConfigurationInvalid{PropertyName: k},
			}}
		}
	}
	return nil
}

// NewUUID generates a UUIDv7, wrapping any failure as a protocol error.
func NewUUID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", &errors.Client{Base: errors.Base{
			Message:     err.Error(),
			Kind:        errors.UnknownError{},
			NestedError: err,
		}}
	}
	return id.String(), nil
}
