package protocol

import (
	"context"
	"log/slog"
	"maps"
	"time"

	"github.com/iotrpc/runtime/chunk"
	"github.com/iotrpc/runtime/internal"
	"github.com/iotrpc/runtime/internal/constants"
	"github.com/iotrpc/runtime/internal/errutil"
	"github.com/iotrpc/runtime/internal/log"
	"github.com/iotrpc/runtime/internal/topic"
	"github.com/iotrpc/runtime/internal/version"
	"github.com/iotrpc/runtime/transport"
)

type (
	// TelemetrySender provides the ability to send a single telemetry.
	TelemetrySender[T any] struct {
		publisher      *publisher[T]
		maxChunkSize   int
		staticOverhead int
		chunkTimeout   time.Duration
		log            log.Logger
	}

	// TelemetrySenderOption represents a single telemetry sender option.
	TelemetrySenderOption interface {
		telemetrySender(*TelemetrySenderOptions)
	}

	// TelemetrySenderOptions are the resolved telemetry sender options.
	TelemetrySenderOptions struct {
		MaxChunkSize   int
		StaticOverhead int
		ChunkTimeout   time.Duration

		TopicNamespace string
		TopicTokens    map[string]string
		Logger         *slog.Logger
	}

	// SendOption represents a single per-send option.
	SendOption interface{ send(*SendOptions) }

	// SendOptions are the resolved per-send options.
	SendOptions struct {
		CloudEvent *CloudEvent
		Retain     bool

		Timeout     time.Duration
		TopicTokens map[string]string
		Metadata    map[string]string
	}

	// WithRetain indicates that the telemetry event should be retained by
	// the broker.
	WithRetain bool

	// WithChunking enables the chunking sub-protocol for payloads too large
	// for a single publish: the payload is split into a sequence of chunks,
	// each published separately, and reassembled on the receiving end.
	// Timeout bounds how long a receiver waits for the remaining chunks of
	// a set before discarding it.
	//
	// MaxChunkSize, if positive, is used as a fixed chunk-size threshold.
	// Left at zero, the threshold is instead derived on every Send from the
	// broker's negotiated CONNACK max_packet_size minus StaticOverhead (the
	// per-publish header and user-property overhead a chunk still carries
	// on the wire), matching how a broker-imposed limit triggers chunking
	// even with no explicit option set.
	WithChunking struct {
		MaxChunkSize   int
		StaticOverhead int
		Timeout        time.Duration
	}

	// This option is not used directly; see WithCloudEvent below.
	withCloudEvent struct{ *CloudEvent }
)

const telemetrySenderErrStr = "telemetry send"

// NewTelemetrySender creates a new telemetry sender.
func NewTelemetrySender[T any](
	app *Application,
	client transport.Client,
	encoding Encoding[T],
	topicPattern string,
	opt ...TelemetrySenderOption,
) (ts *TelemetrySender[T], err error) {
	var opts TelemetrySenderOptions
	opts.Apply(opt)
	logger := app.logger(opts.Logger)

	defer func() { err = errutil.Return(context.Background(), err, logger, true) }()

	if err := errutil.ValidateNonNil(map[string]any{
		"client":   client,
		"encoding": encoding,
	}); err != nil {
		return nil, err
	}

	tp, err := topic.New(
		"topicPattern", topicPattern, opts.TopicTokens, opts.TopicNamespace,
	)
	if err != nil {
		return nil, err
	}

	ts = &TelemetrySender[T]{
		maxChunkSize:   opts.MaxChunkSize,
		staticOverhead: opts.StaticOverhead,
		chunkTimeout:   opts.ChunkTimeout,
		log:            logger,
	}
	ts.publisher = &publisher[T]{
		app:      app,
		client:   client,
		encoding: encoding,
		version:  version.ProtocolString,
		topic:    tp,
		log:      logger,
	}

	return ts, nil
}

// Send emits the telemetry. This will block until the message (or, when
// chunked, every chunk) is ack'd.
func (ts *TelemetrySender[T]) Send(
	ctx context.Context,
	val T,
	opt ...SendOption,
) (err error) {
	shallow := true
	var opts SendOptions
	opts.Apply(opt)

	defer func() { err = errutil.Return(ctx, err, ts.log, shallow) }()

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	expiry := &internal.Timeout{
		Duration: timeout,
		Name:     "MessageExpiry",
		Text:     telemetrySenderErrStr,
	}
	if err := expiry.Validate(); err != nil {
		return err
	}

	msg := &Message[T]{
		Payload:  val,
		Metadata: opts.Metadata,
	}
	pub, err := ts.publisher.build(msg, opts.TopicTokens, expiry)
	if err != nil {
		return err
	}

	if err := opts.CloudEvent.toMessage(pub); err != nil {
		return err
	}
	pub.Retain = opts.Retain

	shallow = false

	if threshold := ts.chunkThreshold(); threshold > 0 && len(pub.Payload) > threshold {
		return ts.sendChunked(ctx, pub, threshold)
	}

	ts.log.Debug(ctx, "sending telemetry", slog.String("topic", pub.Topic))
	return ts.publisher.publish(ctx, pub)
}

// chunkThreshold resolves the effective chunk-size threshold: an explicit
// MaxChunkSize always wins, otherwise it is derived from the broker's
// negotiated max_packet_size (0 means no limit is known, which disables
// automatic chunking).
func (ts *TelemetrySender[T]) chunkThreshold() int {
	if ts.maxChunkSize > 0 {
		return ts.maxChunkSize
	}

	maxPacketSize := ts.publisher.client.MaxPacketSize()
	if maxPacketSize == 0 {
		return 0
	}

	threshold := int(maxPacketSize) - ts.staticOverhead
	if threshold <= 0 {
		return 0
	}
	return threshold
}

func (ts *TelemetrySender[T]) sendChunked(
	ctx context.Context,
	pub *transport.Message,
	maxChunkSize int,
) error {
	id, err := errutil.NewUUID()
	if err != nil {
		return err
	}

	chunkTimeout := ts.chunkTimeout
	if chunkTimeout <= 0 {
		chunkTimeout = DefaultTimeout
	}

	chunks, err := chunk.Split(id, pub.Payload, maxChunkSize, chunkTimeout)
	if err != nil {
		return err
	}

	ts.log.Debug(ctx, "sending chunked telemetry",
		slog.String("topic", pub.Topic),
		slog.String("message_id", id),
		slog.Int("chunks", len(chunks)))

	for _, c := range chunks {
		header, err := chunk.MarshalHeader(c.Header)
		if err != nil {
			return err
		}

		cpub := *pub
		cpub.Payload = c.Payload
		cpub.UserProperties = maps.Clone(pub.UserProperties)
		cpub.UserProperties[constants.ChunkHeader] = header

		if err := ts.publisher.publish(ctx, &cpub); err != nil {
			return err
		}
	}
	return nil
}

// Apply resolves the provided list of options.
func (o *TelemetrySenderOptions) Apply(
	opts []TelemetrySenderOption,
	rest ...TelemetrySenderOption,
) {
	for opt := range internal.Apply[TelemetrySenderOption](opts, rest...) {
		opt.telemetrySender(o)
	}
}

// ApplyOptions filters and resolves the provided list of options.
func (o *TelemetrySenderOptions) ApplyOptions(opts []Option, rest ...Option) {
	for opt := range internal.Apply[TelemetrySenderOption](opts, rest...) {
		opt.telemetrySender(o)
	}
}

func (o *TelemetrySenderOptions) telemetrySender(opt *TelemetrySenderOptions) {
	if o != nil {
		*opt = *o
	}
}

func (*TelemetrySenderOptions) option() {}

func (o WithChunking) telemetrySender(opt *TelemetrySenderOptions) {
	opt.MaxChunkSize = o.MaxChunkSize
	opt.StaticOverhead = o.StaticOverhead
	opt.ChunkTimeout = o.Timeout
}

func (WithChunking) option() {}

// Apply resolves the provided list of options.
func (o *SendOptions) Apply(
	opts []SendOption,
	rest ...SendOption,
) {
	for opt := range internal.Apply[SendOption](opts, rest...) {
		opt.send(o)
	}
}

func (o *SendOptions) send(opt *SendOptions) {
	if o != nil {
		*opt = *o
	}
}

func (o WithRetain) send(opt *SendOptions) {
	opt.Retain = bool(o)
}

func (WithRetain) option() {}

// WithCloudEvent adds a cloud event payload to the telemetry message.
func WithCloudEvent(ce *CloudEvent) SendOption {
	return withCloudEvent{ce}
}

func (o withCloudEvent) send(opt *SendOptions) {
	opt.CloudEvent = o.CloudEvent
}

// Support CloudEvent used as an option directly for convenience.
func (o *CloudEvent) send(opt *SendOptions) {
	opt.CloudEvent = o
}
