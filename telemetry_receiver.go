package protocol

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/iotrpc/runtime/chunk"
	"github.com/iotrpc/runtime/errors"
	"github.com/iotrpc/runtime/internal"
	"github.com/iotrpc/runtime/internal/constants"
	"github.com/iotrpc/runtime/internal/errutil"
	"github.com/iotrpc/runtime/internal/log"
	"github.com/iotrpc/runtime/internal/topic"
	"github.com/iotrpc/runtime/internal/wallclock"
	"github.com/iotrpc/runtime/transport"
)

type (
	// TelemetryReceiver provides the ability to handle the receipt of a
	// single telemetry.
	TelemetryReceiver[T any] struct {
		listener    *listener[T]
		handler     TelemetryHandler[T]
		manualAck   bool
		timeout     *internal.Timeout
		reassembler *chunk.Reassembler
	}

	// TelemetryReceiverOption represents a single telemetry receiver
	// option.
	TelemetryReceiverOption interface {
		telemetryReceiver(*TelemetryReceiverOptions)
	}

	// TelemetryReceiverOptions are the resolved telemetry receiver options.
	TelemetryReceiverOptions struct {
		ManualAck bool

		Concurrency uint
		Timeout     time.Duration
		ShareName   string

		TopicNamespace string
		TopicTokens    map[string]string
		Logger         *slog.Logger
	}

	// TelemetryHandler is the user-provided implementation of a single
	// telemetry event handler. It is treated as blocking; all parallelism
	// is handled by the library. This *must* be thread-safe.
	TelemetryHandler[T any] = func(context.Context, *TelemetryMessage[T]) error

	// TelemetryMessage contains per-message data and methods that are
	// exposed to the telemetry handler.
	TelemetryMessage[T any] struct {
		Message[T]

		// ContentType is the content type of the decoded payload, as
		// carried on the wire; it is only meaningful for cloud event
		// extraction, since the handler already receives the decoded T.
		ContentType string

		// Ack provides a function to manually ack if enabled and if
		// possible; it will be nil otherwise. Since a QoS 0 message cannot
		// be acked, this is nil in that case even with manual ack enabled.
		Ack func()
	}

	// WithManualAck indicates that the handler is responsible for manually
	// acking the telemetry message.
	WithManualAck bool

	// InvocationError lets a telemetry handler reject a specific request
	// property rather than failing outright, surfacing as a structured
	// errors.InvocationException to the log.
	InvocationError struct {
		Message       string
		PropertyName  string
		PropertyValue any
	}
)

func (e InvocationError) Error() string { return e.Message }

const telemetryReceiverErrStr = "telemetry receipt"

// NewTelemetryReceiver creates a new telemetry receiver.
func NewTelemetryReceiver[T any](
	app *Application,
	client transport.Client,
	encoding Encoding[T],
	topicPattern string,
	handler TelemetryHandler[T],
	opt ...TelemetryReceiverOption,
) (tr *TelemetryReceiver[T], err error) {
	var opts TelemetryReceiverOptions
	opts.Apply(opt)
	logger := app.logger(opts.Logger)

	defer func() { err = errutil.Return(context.Background(), err, logger, true) }()

	if err := errutil.ValidateNonNil(map[string]any{
		"client":   client,
		"encoding": encoding,
		"handler":  handler,
	}); err != nil {
		return nil, err
	}

	to := &internal.Timeout{
		Duration: opts.Timeout,
		Name:     "ExecutionTimeout",
		Text:     telemetryReceiverErrStr,
	}
	if err := to.Validate(); err != nil {
		return nil, err
	}

	if err := topic.ValidateShareName(opts.ShareName); err != nil {
		return nil, err
	}

	tp, err := topic.New(
		"topicPattern", topicPattern, opts.TopicTokens, opts.TopicNamespace,
	)
	if err != nil {
		return nil, err
	}

	tf, err := tp.Filter()
	if err != nil {
		return nil, err
	}

	tr = &TelemetryReceiver[T]{
		handler:     handler,
		manualAck:   opts.ManualAck,
		timeout:     to,
		reassembler: chunk.NewReassembler(),
	}
	tr.listener = &listener[T]{
		app:         app,
		client:      client,
		encoding:    encoding,
		topic:       tf,
		shareName:   opts.ShareName,
		concurrency: opts.Concurrency,
		log:         logger,
		handler:     tr,
	}

	if err := tr.listener.register(); err != nil {
		return nil, err
	}
	app.register(tr)
	app.registerSweeper(tr.reassembler)
	app.registerResetter(tr.reassembler)
	return tr, nil
}

// Start listening to the MQTT telemetry topic.
func (tr *TelemetryReceiver[T]) Start(ctx context.Context) error {
	return tr.listener.listen(ctx)
}

// Close the telemetry receiver to free its resources.
func (tr *TelemetryReceiver[T]) Close() {
	tr.listener.close()
}

func (tr *TelemetryReceiver[T]) onMsg(
	ctx context.Context,
	pub *transport.Message,
	msg *Message[T],
) error {
	if header, chunked := pub.UserProperties[constants.ChunkHeader]; chunked {
		h, err := chunk.UnmarshalHeader(header)
		if err != nil {
			return err
		}

		full, ok, err := tr.reassembler.Add(h, pub.Payload, wallclock.Instance.Now())
		if err != nil {
			return err
		}
		if !ok {
			tr.ack(ctx, pub)
			return nil
		}
		pub.Payload = full
	}

	message := &TelemetryMessage[T]{Message: *msg, ContentType: pub.ContentType}
	var err error

	message.Payload, err = tr.listener.payload(pub)
	if err != nil {
		tr.listener.log.Warn(ctx, err.Error())
		return err
	}

	if tr.manualAck && pub.QoS > 0 {
		message.Ack = func() { tr.ack(ctx, pub) }
	}

	handlerCtx, cancel := tr.timeout.Context(ctx)
	defer cancel()

	tr.listener.log.Debug(ctx, "telemetry received", slog.String("topic", pub.Topic))

	if err := tr.handle(handlerCtx, message); err != nil {
		return err
	}

	if !tr.manualAck && pub.QoS > 0 {
		tr.ack(ctx, pub)
	}
	return nil
}

func (tr *TelemetryReceiver[T]) onErr(
	ctx context.Context,
	pub *transport.Message,
	err error,
) error {
	// A NoReturn error (e.g. clock drift rejection) means the message must
	// be left wholly untouched, regardless of QoS or manual-ack settings.
	if no, e := errutil.IsNoReturn(err); no {
		return errutil.Return(ctx, e, tr.listener.log, false)
	}

	if !tr.manualAck && pub.QoS > 0 {
		tr.ack(ctx, pub)
	}
	return errutil.Return(ctx, err, tr.listener.log, false)
}

func (tr *TelemetryReceiver[T]) ack(ctx context.Context, pub *transport.Message) {
	if err := pub.Ack(); err != nil {
		tr.listener.drop(ctx, err)
	}
}

// handle calls the telemetry handler with panic recovery. The same leaked-
// goroutine caveat as the command executor applies here: a handler that
// never respects ctx never lets this goroutine exit.
func (tr *TelemetryReceiver[T]) handle(
	ctx context.Context,
	msg *TelemetryMessage[T],
) error {
	rchan := make(chan error)

	go func() {
		var err error
		defer func() {
			if ePanic := recover(); ePanic != nil {
				err = &errors.Remote{
					Base: errors.Base{
						Message: fmt.Sprint(ePanic),
						Kind:    errors.ExecutionException{},
					},
					InApplication: true,
				}
			}
			select {
			case rchan <- err:
			case <-ctx.Done():
			}
		}()

		err = tr.handler(ctx, msg)
		switch ctxErr := errors.Context(ctx, telemetryReceiverErrStr); {
		case ctxErr != nil:
			err = ctxErr
		case err == nil:
		default:
			if ie, ok := err.(InvocationError); ok {
				err = &errors.Remote{
					Base: errors.Base{
						Message: ie.Message,
						Kind: errors.InvocationException{
							PropertyName: ie.PropertyName, PropertyValue: ie.PropertyValue,
						},
					},
					InApplication: true,
				}
			} else {
				err = &errors.Remote{
					Base: errors.Base{
						Message: err.Error(),
						Kind:    errors.ExecutionException{},
					},
					InApplication: true,
				}
			}
		}
	}()

	select {
	case err := <-rchan:
		return err
	case <-ctx.Done():
		return errors.Context(ctx, telemetryReceiverErrStr)
	}
}

// Apply resolves the provided list of options.
func (o *TelemetryReceiverOptions) Apply(
	opts []TelemetryReceiverOption,
	rest ...TelemetryReceiverOption,
) {
	for opt := range internal.Apply[TelemetryReceiverOption](opts, rest...) {
		opt.telemetryReceiver(o)
	}
}

// ApplyOptions filters and resolves the provided list of options.
func (o *TelemetryReceiverOptions) ApplyOptions(opts []Option, rest ...Option) {
	for opt := range internal.Apply[TelemetryReceiverOption](opts, rest...) {
		opt.telemetryReceiver(o)
	}
}

func (o *TelemetryReceiverOptions) telemetryReceiver(
	opt *TelemetryReceiverOptions,
) {
	if o != nil {
		*opt = *o
	}
}

func (*TelemetryReceiverOptions) option() {}

func (o WithManualAck) telemetryReceiver(opt *TelemetryReceiverOptions) {
	opt.ManualAck = bool(o)
}

func (WithManualAck) option() {}
