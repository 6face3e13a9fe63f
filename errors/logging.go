package errors

import "log/slog"

// Attrs returns additional slog attributes describing this error, used by
// internal/log when an error is passed to a logging call.
func (e *Client) Attrs() []slog.Attr { return attrs(e.Base, e.Provenance()) }

// Attrs returns additional slog attributes describing this error, used by
// internal/log when an error is passed to a logging call.
func (e *Remote) Attrs() []slog.Attr { return attrs(e.Base, e.Provenance()) }

func attrs(b Base, p Provenance) []slog.Attr {
	a := make([]slog.Attr, 0, 8)
	a = append(a,
		slog.Bool("in_application", p.InApplication),
		slog.Bool("is_shallow", p.IsShallow),
		slog.Bool("is_remote", p.IsRemote),
	)
	if b.NestedError != nil {
		a = append(a, slog.Any("nested_error", b.NestedError))
	}

	switch k := b.Kind.(type) {
	case HeaderMissing:
		a = append(a, slog.String("header_name", k.HeaderName))
	case HeaderInvalid:
		a = append(a,
			slog.String("header_name", k.HeaderName),
			slog.String("header_value", k.HeaderValue),
		)
	case Timeout:
		a = append(a,
			slog.String("timeout_name", k.TimeoutName),
			slog.Duration("timeout_value", k.TimeoutValue),
		)
	case ConfigurationInvalid:
		a = append(a,
			slog.String("property_name", k.PropertyName),
			slog.Any("property_value", k.PropertyValue),
		)
	case ArgumentInvalid:
		a = append(a,
			slog.String("property_name", k.PropertyName),
			slog.Any("property_value", k.PropertyValue),
		)
	case InvocationException:
		a = append(a,
			slog.String("property_name", k.PropertyName),
			slog.Any("property_value", k.PropertyValue),
		)
	case StateInvalid:
		a = append(a, slog.String("property_name", k.PropertyName))
	case InternalLogicError:
		a = append(a, slog.String("property_name", k.PropertyName))
	case UnsupportedVersion:
		a = append(a,
			slog.String("protocol_version", k.ProtocolVersion),
			slog.Any("supported_major_versions", k.SupportedMajorProtocolVersions),
		)
	}

	return a
}
