package protocol

import (
	"context"
	"log/slog"
	"time"

	"github.com/iotrpc/runtime/errors"
	"github.com/iotrpc/runtime/hlc"
	"github.com/iotrpc/runtime/internal"
	"github.com/iotrpc/runtime/internal/constants"
	"github.com/iotrpc/runtime/internal/container"
	"github.com/iotrpc/runtime/internal/errutil"
	"github.com/iotrpc/runtime/internal/topic"
	"github.com/iotrpc/runtime/internal/version"
	"github.com/iotrpc/runtime/transport"
)

type (
	// CommandInvoker provides the ability to invoke a single command.
	CommandInvoker[Req any, Res any] struct {
		publisher     *publisher[Req]
		listener      *listener[Res]
		responseTopic *topic.Pattern

		pending container.SyncMap[string, commandPending[Res]]
	}

	// CommandInvokerOption represents a single command invoker option.
	CommandInvokerOption interface{ commandInvoker(*CommandInvokerOptions) }

	// CommandInvokerOptions are the resolved command invoker options.
	CommandInvokerOptions struct {
		ResponseTopicPattern string
		ResponseTopicPrefix  string
		ResponseTopicSuffix  string

		TopicNamespace string
		TopicTokens    map[string]string
		Logger         *slog.Logger
	}

	// InvokeOption represents a single per-invoke option.
	InvokeOption interface{ invoke(*InvokeOptions) }

	// InvokeOptions are the resolved per-invoke options.
	InvokeOptions struct {
		Timeout     time.Duration
		TopicTokens map[string]string
		Metadata    map[string]string
	}

	// WithResponseTopicPattern specifies a custom response topic pattern.
	// This overrides any provided response topic prefix or suffix.
	WithResponseTopicPattern string

	// WithResponseTopicPrefix specifies a custom prefix for the response
	// topic. If no response topic options are given, this defaults to
	// "clients/<MQTT client ID>".
	WithResponseTopicPrefix string

	// WithResponseTopicSuffix specifies a custom suffix for the response
	// topic.
	WithResponseTopicSuffix string

	// WithFencingToken stamps a fencing-token user property on the request,
	// for executors implementing optimistic-concurrency state.
	WithFencingToken hlc.HybridLogicalClock

	// commandReturn carries the outcome of an invocation back to the
	// blocked Invoke call, since it is received asynchronously off the
	// listener's dispatch goroutine.
	commandReturn[Res any] struct {
		res *CommandResponse[Res]
		err error
	}

	// commandPending pairs a return channel (to deliver the eventual
	// outcome) with a done channel (so the listener never blocks sending
	// to an Invoke call that already gave up).
	commandPending[Res any] struct {
		ret  chan<- commandReturn[Res]
		done <-chan struct{}
	}
)

const commandInvokerErrStr = "command invocation"

// NewCommandInvoker creates a new command invoker.
func NewCommandInvoker[Req, Res any](
	app *Application,
	client transport.Client,
	requestEncoding Encoding[Req],
	responseEncoding Encoding[Res],
	requestTopicPattern string,
	opt ...CommandInvokerOption,
) (ci *CommandInvoker[Req, Res], err error) {
	var opts CommandInvokerOptions
	opts.Apply(opt)
	logger := app.logger(opts.Logger)

	defer func() { err = errutil.Return(context.Background(), err, logger, true) }()

	if err := errutil.ValidateNonNil(map[string]any{
		"client":           client,
		"requestEncoding":  requestEncoding,
		"responseEncoding": responseEncoding,
	}); err != nil {
		return nil, err
	}

	responseTopicPattern := opts.ResponseTopicPattern
	if responseTopicPattern == "" {
		responseTopicPattern = requestTopicPattern

		if opts.ResponseTopicPrefix != "" {
			if err := topic.ValidateComponent(
				"responseTopicPrefix",
				"invalid response topic prefix",
				opts.ResponseTopicPrefix,
			); err != nil {
				return nil, err
			}
			responseTopicPattern = opts.ResponseTopicPrefix + "/" + responseTopicPattern
		}
		if opts.ResponseTopicSuffix != "" {
			if err := topic.ValidateComponent(
				"responseTopicSuffix",
				"invalid response topic suffix",
				opts.ResponseTopicSuffix,
			); err != nil {
				return nil, err
			}
			responseTopicPattern += "/" + opts.ResponseTopicSuffix
		}

		// With no response topic options at all, apply a well-known prefix
		// so the response topic always differs from the request topic and
		// can be documented for auth configuration. This never uses topic
		// tokens, since their existence can't be guaranteed here.
		if opts.ResponseTopicPrefix == "" && opts.ResponseTopicSuffix == "" {
			responseTopicPattern = "clients/" + client.ClientID() + "/" + requestTopicPattern
		}
	}

	reqTP, err := topic.New(
		"requestTopicPattern", requestTopicPattern, opts.TopicTokens, opts.TopicNamespace,
	)
	if err != nil {
		return nil, err
	}

	resTP, err := topic.New(
		"responseTopicPattern", responseTopicPattern, opts.TopicTokens, opts.TopicNamespace,
	)
	if err != nil {
		return nil, err
	}

	resTF, err := resTP.Filter()
	if err != nil {
		return nil, err
	}

	ci = &CommandInvoker[Req, Res]{
		responseTopic: resTP,
		pending:       container.NewSyncMap[string, commandPending[Res]](),
	}
	ci.publisher = &publisher[Req]{
		app:      app,
		client:   client,
		encoding: requestEncoding,
		version:  version.ProtocolString,
		topic:    reqTP,
	}
	ci.listener = &listener[Res]{
		app:            app,
		client:         client,
		encoding:       responseEncoding,
		topic:          resTF,
		reqCorrelation: true,
		log:            logger,
		handler:        ci,
	}

	if err := ci.listener.register(); err != nil {
		return nil, err
	}
	app.register(ci)
	return ci, nil
}

// Invoke calls the command. This blocks until the command returns; any
// desired parallelism between invocations is the caller's responsibility.
func (ci *CommandInvoker[Req, Res]) Invoke(
	ctx context.Context,
	req Req,
	opt ...InvokeOption,
) (res *CommandResponse[Res], err error) {
	shallow := true
	defer func() { err = errutil.Return(ctx, err, ci.listener.log, shallow) }()

	var opts InvokeOptions
	opts.Apply(opt)

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	expiry := &internal.Timeout{
		Duration: timeout,
		Name:     "MessageExpiry",
		Text:     commandInvokerErrStr,
	}
	if err := expiry.Validate(); err != nil {
		return nil, err
	}

	correlationData, err := errutil.NewUUID()
	if err != nil {
		return nil, err
	}

	msg := &Message[Req]{
		CorrelationData: correlationData,
		Payload:         req,
		Metadata:        opts.Metadata,
	}
	pub, err := ci.publisher.build(msg, opts.TopicTokens, expiry)
	if err != nil {
		return nil, err
	}

	pub.UserProperties[constants.Partition] = ci.publisher.client.ClientID()
	pub.ResponseTopic, err = ci.responseTopic.Topic(opts.TopicTokens)
	if err != nil {
		return nil, err
	}

	listen, done := ci.initPending(string(pub.CorrelationData))
	defer done()

	shallow = false
	if err := ci.publisher.publish(ctx, pub); err != nil {
		return nil, err
	}

	ci.listener.log.Debug(ctx, "request sent",
		slog.String("correlation_data", correlationData))

	// Time out our own wait on top of the message expiry, so we stop
	// listening for a response that the broker will never deliver.
	ctx, cancel := expiry.Context(ctx)
	defer cancel()

	select {
	case res := <-listen:
		return res.res, res.err
	case <-ctx.Done():
		return nil, errors.Context(ctx, commandInvokerErrStr)
	}
}

func (ci *CommandInvoker[Req, Res]) initPending(
	correlation string,
) (<-chan commandReturn[Res], func()) {
	ret := make(chan commandReturn[Res])
	done := make(chan struct{})
	ci.pending.Store(correlation, commandPending[Res]{ret, done})
	return ret, func() {
		ci.pending.Delete(correlation)
		close(done)
	}
}

func (ci *CommandInvoker[Req, Res]) sendPending(
	ctx context.Context,
	pub *transport.Message,
	res *CommandResponse[Res],
	err error,
) error {
	defer func() {
		if e := pub.Ack(); e != nil {
			ci.listener.log.Err(ctx, e)
		}
	}()

	cdata := string(pub.CorrelationData)
	pending, ok := ci.pending.Load(cdata)
	if !ok {
		ci.listener.log.Debug(ctx, "response not for this invoker",
			slog.String("correlation_data", cdata))
		return &errors.Client{Base: errors.Base{
			Message: "unrecognized correlation data",
			Kind: errors.HeaderInvalid{
				HeaderName: constants.CorrelationData, HeaderValue: cdata,
			},
		}}
	}

	select {
	case pending.ret <- commandReturn[Res]{res, err}:
		ci.listener.log.Debug(ctx, "response delivered",
			slog.String("correlation_data", cdata))
	case <-pending.done:
	case <-ctx.Done():
	}
	return nil
}

// Start listening to the response topic. Must be called before any Invoke.
func (ci *CommandInvoker[Req, Res]) Start(ctx context.Context) error {
	return ci.listener.listen(ctx)
}

// Close the command invoker to free its resources.
func (ci *CommandInvoker[Req, Res]) Close() {
	ci.listener.close()
}

func (ci *CommandInvoker[Req, Res]) onMsg(
	ctx context.Context,
	pub *transport.Message,
	msg *Message[Res],
) error {
	var res *CommandResponse[Res]
	err := errutil.FromUserProp(pub.UserProperties)
	if err == nil {
		msg.Payload, err = ci.listener.payload(pub)
		if err == nil {
			res = &CommandResponse[Res]{*msg}
		}
	}
	if e := ci.sendPending(ctx, pub, res, err); e != nil {
		// sendPending only fails when there's no pending invocation left to
		// notify, so onErr would fail identically; just drop the message.
		ci.listener.drop(ctx, e)
	}
	return nil
}

func (ci *CommandInvoker[Req, Res]) onErr(
	ctx context.Context,
	pub *transport.Message,
	err error,
) error {
	// A NoReturn error (e.g. clock drift rejection) means the response must
	// be left wholly untouched: no ack, and no delivery to a waiting
	// Invoke as if it were a real response or executor-reported error.
	if no, e := errutil.IsNoReturn(err); no {
		return e
	}

	if re, ok := err.(*errors.Remote); ok {
		// A Remote error surfacing through the invoker's own listener is
		// actually local to this process (it describes the response we
		// just failed to parse, not an error the executor reported).
		ce := &errors.Client{Base: errors.Base{Message: re.Message, Kind: re.Kind}}
		if _, ok := ce.Kind.(errors.UnsupportedVersion); ok {
			ce.Message = "response protocol version is not supported"
		}
		err = ce
	}
	return ci.sendPending(ctx, pub, nil, err)
}

// Apply resolves the provided list of options.
func (o *CommandInvokerOptions) Apply(
	opts []CommandInvokerOption,
	rest ...CommandInvokerOption,
) {
	for opt := range internal.Apply[CommandInvokerOption](opts, rest...) {
		opt.commandInvoker(o)
	}
}

// ApplyOptions filters and resolves the provided list of options.
func (o *CommandInvokerOptions) ApplyOptions(opts []Option, rest ...Option) {
	for opt := range internal.Apply[CommandInvokerOption](opts, rest...) {
		opt.commandInvoker(o)
	}
}

func (o *CommandInvokerOptions) commandInvoker(opt *CommandInvokerOptions) {
	if o != nil {
		*opt = *o
	}
}

func (*CommandInvokerOptions) option() {}

func (o WithResponseTopicPattern) commandInvoker(opt *CommandInvokerOptions) {
	opt.ResponseTopicPattern = string(o)
}

func (WithResponseTopicPattern) option() {}

func (o WithResponseTopicPrefix) commandInvoker(opt *CommandInvokerOptions) {
	opt.ResponseTopicPrefix = string(o)
}

func (WithResponseTopicPrefix) option() {}

func (o WithResponseTopicSuffix) commandInvoker(opt *CommandInvokerOptions) {
	opt.ResponseTopicSuffix = string(o)
}

func (WithResponseTopicSuffix) option() {}

func (o WithFencingToken) invoke(opt *InvokeOptions) {
	if opt.Metadata == nil {
		opt.Metadata = map[string]string{}
	}
	opt.Metadata[constants.FencingToken] = hlc.HybridLogicalClock(o).String()
}

func (WithFencingToken) option() {}

// Apply resolves the provided list of options.
func (o *InvokeOptions) Apply(
	opts []InvokeOption,
	rest ...InvokeOption,
) {
	for opt := range internal.Apply[InvokeOption](opts, rest...) {
		opt.invoke(o)
	}
}

func (o *InvokeOptions) invoke(opt *InvokeOptions) {
	if o != nil {
		*opt = *o
	}
}
