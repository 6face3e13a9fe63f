package protocol

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/iotrpc/runtime/errors"
	"github.com/iotrpc/runtime/internal"
	"github.com/iotrpc/runtime/internal/cache"
	"github.com/iotrpc/runtime/internal/constants"
	"github.com/iotrpc/runtime/internal/errutil"
	"github.com/iotrpc/runtime/internal/log"
	"github.com/iotrpc/runtime/internal/topic"
	"github.com/iotrpc/runtime/internal/version"
	"github.com/iotrpc/runtime/internal/wallclock"
	"github.com/iotrpc/runtime/transport"
)

type (
	// CommandExecutor provides the ability to execute a single command.
	CommandExecutor[Req any, Res any] struct {
		listener  *listener[Req]
		publisher *publisher[Res]
		handler   CommandHandler[Req, Res]
		timeout   *internal.Timeout
		cache     *cache.Cache
		log       log.Logger
	}

	// CommandExecutorOption represents a single command executor option.
	CommandExecutorOption interface{ commandExecutor(*CommandExecutorOptions) }

	// CommandExecutorOptions are the resolved command executor options.
	CommandExecutorOptions struct {
		Idempotent bool

		Concurrency uint
		Timeout     time.Duration
		ShareName   string

		TopicNamespace string
		TopicTokens    map[string]string
		Logger         *slog.Logger
	}

	// CommandHandler is the user-provided implementation of a single
	// command execution. It is treated as blocking; all parallelism is
	// handled by the library. This *must* be thread-safe.
	CommandHandler[Req any, Res any] = func(
		context.Context,
		*CommandRequest[Req],
	) (*CommandResponse[Res], error)

	// CommandRequest contains per-message data and methods that are exposed
	// to the command handler.
	CommandRequest[Req any] struct {
		Message[Req]
	}

	// CommandResponse contains per-message data and methods that are
	// returned by the command handler.
	CommandResponse[Res any] struct {
		Message[Res]
	}

	// WithIdempotent marks the command as idempotent: a duplicate request
	// (same correlation id or an equivalent payload arriving within the
	// response cache's TTL) replays the cached response rather than
	// invoking the handler again.
	WithIdempotent bool

	// RespondOption represents a single per-response option.
	RespondOption interface{ respond(*RespondOptions) }

	// RespondOptions are the resolved per-response options.
	RespondOptions struct {
		Metadata map[string]string
	}
)

const commandExecutorErrStr = "command execution"

// NewCommandExecutor creates a new command executor.
func NewCommandExecutor[Req, Res any](
	app *Application,
	client transport.Client,
	requestEncoding Encoding[Req],
	responseEncoding Encoding[Res],
	requestTopicPattern string,
	handler CommandHandler[Req, Res],
	opt ...CommandExecutorOption,
) (ce *CommandExecutor[Req, Res], err error) {
	var opts CommandExecutorOptions
	opts.Apply(opt)
	logger := app.logger(opts.Logger)

	defer func() { err = errutil.Return(context.Background(), err, logger, true) }()

	if err := errutil.ValidateNonNil(map[string]any{
		"client":           client,
		"requestEncoding":  requestEncoding,
		"responseEncoding": responseEncoding,
		"handler":          handler,
	}); err != nil {
		return nil, err
	}

	to := &internal.Timeout{
		Duration: opts.Timeout,
		Name:     "ExecutionTimeout",
		Text:     commandExecutorErrStr,
	}
	if err := to.Validate(); err != nil {
		return nil, err
	}

	if err := topic.ValidateShareName(opts.ShareName); err != nil {
		return nil, err
	}

	reqTP, err := topic.New(
		"requestTopicPattern",
		requestTopicPattern,
		opts.TopicTokens,
		opts.TopicNamespace,
	)
	if err != nil {
		return nil, err
	}

	reqTF, err := reqTP.Filter()
	if err != nil {
		return nil, err
	}

	ttl := time.Duration(0)
	if opts.Idempotent {
		ttl = DefaultTimeout
	}

	ce = &CommandExecutor[Req, Res]{
		handler: handler,
		timeout: to,
		cache:   cache.New(wallclock.Instance, ttl, requestTopicPattern),
		log:     logger,
	}
	ce.listener = &listener[Req]{
		app:            app,
		client:         client,
		encoding:       requestEncoding,
		topic:          reqTF,
		shareName:      opts.ShareName,
		concurrency:    opts.Concurrency,
		reqCorrelation: true,
		log:            logger,
		handler:        ce,
	}
	ce.publisher = &publisher[Res]{
		app:      app,
		client:   client,
		encoding: responseEncoding,
		version:  version.ProtocolString,
		log:      logger,
	}

	if err := ce.listener.register(); err != nil {
		return nil, err
	}
	app.register(ce)
	app.registerSweeper(ce.cache)
	return ce, nil
}

// Start listening to the MQTT request topic.
func (ce *CommandExecutor[Req, Res]) Start(ctx context.Context) error {
	return ce.listener.listen(ctx)
}

// Close the command executor to free its resources.
func (ce *CommandExecutor[Req, Res]) Close() {
	ce.listener.close()
}

func (ce *CommandExecutor[Req, Res]) onMsg(
	ctx context.Context,
	pub *transport.Message,
	msg *Message[Req],
) error {
	ce.log.Debug(ctx, "request received",
		slog.String("topic", pub.Topic),
		slog.String("correlation_data", msg.CorrelationData))

	if err := ignoreRequest(pub); err != nil {
		return err
	}
	if pub.MessageExpiry == 0 {
		return &errors.Remote{Base: errors.Base{
			Message: "message expiry missing",
			Kind:    errors.HeaderMissing{HeaderName: constants.MessageExpiry},
		}}
	}

	creq := &cache.Request{
		CorrelationID:  string(pub.CorrelationData),
		Topic:          pub.Topic,
		Payload:        pub.Payload,
		UserProperties: pub.UserProperties,
		MessageExpiry:  time.Duration(pub.MessageExpiry) * time.Second,
	}

	ticket := ce.cache.Begin(creq)
	var result cache.Result
	switch ticket.State() {
	case cache.Fresh:
		result = ce.invoke(ctx, pub, msg)
		ce.cache.Complete(creq, result)
	case cache.Waiter:
		var err error
		result, err = ticket.Wait(ctx)
		if err != nil {
			return errors.Context(ctx, commandExecutorErrStr)
		}
	case cache.Completed:
		result = ticket.Result()
	}

	defer ce.ack(ctx, pub)

	rpub := ce.respond(pub, result)
	if err := ce.publisher.publish(ctx, rpub); err != nil {
		// If the publish fails onErr will also fail, so just drop it.
		ce.listener.drop(ctx, err)
	} else {
		ce.log.Debug(ctx, "response sent",
			slog.String("topic", rpub.Topic),
			slog.Any("correlation_data", rpub.CorrelationData))
	}
	return nil
}

func (ce *CommandExecutor[Req, Res]) onErr(
	ctx context.Context,
	pub *transport.Message,
	err error,
) error {
	// A NoReturn error (e.g. clock drift rejection) means the request must
	// be left wholly untouched: no ack, no best-effort error response.
	if no, e := errutil.IsNoReturn(err); no {
		return e
	}

	defer ce.ack(ctx, pub)

	if e := ignoreRequest(pub); e != nil {
		ce.log.Warn(ctx, e.Error())
		return nil
	}

	rpub := ce.respond(pub, cache.Result{Err: err})
	if e := ce.publisher.publish(ctx, rpub); e != nil {
		return e
	}

	// The error made it into the response, so it's only a warning here.
	ce.log.Warn(ctx, err.Error())
	return nil
}

// invoke runs the command handler, translating its outcome into a cache
// result ready to be both stored and sent.
func (ce *CommandExecutor[Req, Res]) invoke(
	ctx context.Context,
	pub *transport.Message,
	msg *Message[Req],
) cache.Result {
	payload, err := ce.listener.payload(pub)
	if err != nil {
		return cache.Result{Err: err}
	}
	req := &CommandRequest[Req]{Message: *msg}
	req.Payload = payload

	handlerCtx, cancel := ce.timeout.Context(ctx)
	defer cancel()
	handlerCtx, cancel2 := pubTimeout(pub).Context(handlerCtx)
	defer cancel2()

	res, err := ce.handle(handlerCtx, req)
	if err != nil {
		return cache.Result{Err: err}
	}

	data, err := serialize(ce.publisher.encoding, res.Payload)
	if err != nil {
		return cache.Result{Err: err}
	}
	return cache.Result{
		Payload:        data.Payload,
		ContentType:    data.ContentType,
		PayloadFormat:  data.PayloadFormat,
		UserProperties: res.Metadata,
	}
}

// handle calls the command handler with panic recovery. A goroutine is used
// so that a handler ignoring the context deadline still lets the executor
// give up and report a timeout; the goroutine itself leaks until the
// handler eventually returns, a known limitation for handlers that block
// without respecting ctx.
func (ce *CommandExecutor[Req, Res]) handle(
	ctx context.Context,
	req *CommandRequest[Req],
) (*CommandResponse[Res], error) {
	rchan := make(chan commandReturn[Res])

	go func() {
		var ret commandReturn[Res]
		defer func() {
			if ePanic := recover(); ePanic != nil {
				ret.err = &errors.Remote{Base: errors.Base{
					Message: fmt.Sprint(ePanic),
					Kind:    errors.ExecutionException{},
				}}
			}
			select {
			case rchan <- ret:
			case <-ctx.Done():
			}
		}()

		ret.res, ret.err = ce.handler(ctx, req)
		switch ctxErr := errors.Context(ctx, commandExecutorErrStr); {
		case ctxErr != nil:
			ret.err = ctxErr
		case ret.err != nil:
			ret.err = &errors.Remote{Base: errors.Base{
				Message: ret.err.Error(),
				Kind:    errors.ExecutionException{},
			}}
		case ret.res == nil:
			ret.err = &errors.Remote{Base: errors.Base{
				Message: "command handler returned no response",
				Kind:    errors.ExecutionException{},
			}}
		}
	}()

	select {
	case ret := <-rchan:
		return ret.res, ret.err
	case <-ctx.Done():
		return nil, errors.Context(ctx, commandExecutorErrStr)
	}
}

// respond builds the response publish packet from a cache result.
func (ce *CommandExecutor[Req, Res]) respond(
	pub *transport.Message,
	result cache.Result,
) *transport.Message {
	rpub := &transport.Message{
		Topic:   pub.ResponseTopic,
		Payload: result.Payload,
		PublishOptions: transport.PublishOptions{
			QoS:             transport.QoS1,
			CorrelationData: pub.CorrelationData,
			MessageExpiry:   pub.MessageExpiry,
			ContentType:     result.ContentType,
			PayloadFormat:   transport.PayloadFormat(result.PayloadFormat),
		},
	}

	rpub.UserProperties = map[string]string{}
	maps.Copy(rpub.UserProperties, result.UserProperties)
	maps.Copy(rpub.UserProperties, errutil.ToUserProp(result.Err))

	ts, err := ce.publisher.app.GetHLC()
	if err == nil {
		rpub.UserProperties[constants.Timestamp] = ts.String()
	}
	rpub.UserProperties[constants.SenderClientID] = ce.publisher.client.ClientID()
	rpub.UserProperties[constants.ProtocolVersion] = ce.publisher.version

	return rpub
}

// ignoreRequest reports why pub should be ignored rather than answered, if
// at all.
func ignoreRequest(pub *transport.Message) error {
	if pub.ResponseTopic == "" {
		return &errors.Remote{Base: errors.Base{
			Message: "missing response topic",
			Kind:    errors.HeaderMissing{HeaderName: constants.ResponseTopic},
		}}
	}
	if !topic.Valid(pub.ResponseTopic) {
		return &errors.Remote{Base: errors.Base{
			Message: "invalid response topic",
			Kind: errors.HeaderInvalid{
				HeaderName: constants.ResponseTopic, HeaderValue: pub.ResponseTopic,
			},
		}}
	}
	return nil
}

func (ce *CommandExecutor[Req, Res]) ack(ctx context.Context, pub *transport.Message) {
	if err := pub.Ack(); err != nil {
		ce.listener.drop(ctx, err)
		return
	}
	ce.log.Debug(ctx, "request acked",
		slog.String("topic", pub.Topic),
		slog.Any("correlation_data", pub.CorrelationData))
}

// pubTimeout derives a timeout from the request's own message expiry, so a
// handler is never given longer to run than the requester is still
// waiting.
func pubTimeout(pub *transport.Message) *internal.Timeout {
	return &internal.Timeout{
		Duration: time.Duration(pub.MessageExpiry) * time.Second,
		Name:     "MessageExpiry",
		Text:     commandExecutorErrStr,
	}
}

// Respond is a shorthand to create a command response with the required
// values and options set appropriately.
func Respond[Res any](
	payload Res,
	opt ...RespondOption,
) (*CommandResponse[Res], error) {
	var opts RespondOptions
	opts.Apply(opt)

	return &CommandResponse[Res]{Message[Res]{
		Payload:  payload,
		Metadata: opts.Metadata,
	}}, nil
}

// Apply resolves the provided list of options.
func (o *CommandExecutorOptions) Apply(
	opts []CommandExecutorOption,
	rest ...CommandExecutorOption,
) {
	for opt := range internal.Apply[CommandExecutorOption](opts, rest...) {
		opt.commandExecutor(o)
	}
}

// ApplyOptions filters and resolves the provided list of options.
func (o *CommandExecutorOptions) ApplyOptions(opts []Option, rest ...Option) {
	for opt := range internal.Apply[CommandExecutorOption](opts, rest...) {
		opt.commandExecutor(o)
	}
}

func (o *CommandExecutorOptions) commandExecutor(opt *CommandExecutorOptions) {
	if o != nil {
		*opt = *o
	}
}

func (*CommandExecutorOptions) option() {}

func (o WithIdempotent) commandExecutor(opt *CommandExecutorOptions) {
	opt.Idempotent = bool(o)
}

func (WithIdempotent) option() {}

// Apply resolves the provided list of options.
func (o *RespondOptions) Apply(
	opts []RespondOption,
	rest ...RespondOption,
) {
	for opt := range internal.Apply[RespondOption](opts, rest...) {
		opt.respond(o)
	}
}

func (o *RespondOptions) respond(opt *RespondOptions) {
	if o != nil {
		*opt = *o
	}
}
