// Package exchange moves application data between services: point
// request/response by data type, and ordered chunked streams for results
// too large for one message. Providers register per data type and join a
// queue group, so each request is served by exactly one instance.
package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/EchoingVesper/vespera-atelier-sub013/errors"
	"github.com/EchoingVesper/vespera-atelier-sub013/message"
	"github.com/EchoingVesper/vespera-atelier-sub013/transport"
)

// Request is the provider's view of one incoming data request.
type Request struct {
	RequestID  string
	DataType   string
	Parameters map[string]any
}

// ProviderFunc serves one point request. The returned value is sent back
// to the requester.
type ProviderFunc func(ctx context.Context, req Request) (any, error)

// SendFunc emits one stream chunk to the requester.
type SendFunc func(data any) error

// StreamProviderFunc serves one stream request, emitting chunks through
// send. Returning nil ends the stream cleanly; returning an error aborts
// it on the requester side.
type StreamProviderFunc func(ctx context.Context, req Request, send SendFunc) error

// provider is the registered serving functions for one data type.
type provider struct {
	point  ProviderFunc
	stream StreamProviderFunc
}

// Exchange is one process's data exchange endpoint.
type Exchange struct {
	conn      transport.Conn
	serviceID string
	logger    *slog.Logger

	requestTimeout time.Duration
	chunkTimeout   time.Duration

	mu        sync.Mutex
	providers map[string]*provider
	subs      map[string]transport.Subscription
	closed    bool
}

// ExchangeOption configures an Exchange.
type ExchangeOption func(*Exchange)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) ExchangeOption {
	return func(e *Exchange) {
		if logger != nil {
			e.logger = logger.With("component", "exchange")
		}
	}
}

// WithRequestTimeout bounds point requests.
func WithRequestTimeout(d time.Duration) ExchangeOption {
	return func(e *Exchange) {
		if d > 0 {
			e.requestTimeout = d
		}
	}
}

// WithChunkTimeout bounds the silence between consecutive stream chunks.
func WithChunkTimeout(d time.Duration) ExchangeOption {
	return func(e *Exchange) {
		if d > 0 {
			e.chunkTimeout = d
		}
	}
}

// New creates an exchange endpoint identified as serviceID.
func New(conn transport.Conn, serviceID string, opts ...ExchangeOption) (*Exchange, error) {
	if conn == nil {
		return nil, errors.WrapValidation(
			fmt.Errorf("%w: nil connection", errors.ErrInvalidConfig),
			"Exchange", "New", "check connection")
	}
	if serviceID == "" {
		return nil, errors.WrapValidation(
			fmt.Errorf("%w: missing serviceId", errors.ErrInvalidConfig),
			"Exchange", "New", "check identity")
	}

	e := &Exchange{
		conn:           conn,
		serviceID:      serviceID,
		logger:         slog.Default(),
		requestTimeout: 5 * time.Second,
		chunkTimeout:   10 * time.Second,
		providers:      make(map[string]*provider),
		subs:           make(map[string]transport.Subscription),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Close cancels all provider subscriptions.
func (e *Exchange) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	subs := e.subs
	e.subs = make(map[string]transport.Subscription)
	e.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			e.logger.Warn("unsubscribe failed", "subject", sub.Subject(), "error", err)
		}
	}
	return nil
}

// RegisterProvider installs the point provider for a data type.
func (e *Exchange) RegisterProvider(ctx context.Context, dataType string, fn ProviderFunc) error {
	if dataType == "" || fn == nil {
		return errors.WrapValidation(
			fmt.Errorf("%w: provider registration requires a type and func", errors.ErrInvalidConfig),
			"Exchange", "RegisterProvider", "check arguments")
	}
	return e.register(ctx, dataType, func(p *provider) error {
		if p.point != nil {
			return errors.WrapValidation(
				fmt.Errorf("provider for %q already registered", dataType),
				"Exchange", "RegisterProvider", "check duplicate")
		}
		p.point = fn
		return nil
	})
}

// RegisterStreamProvider installs the stream provider for a data type.
func (e *Exchange) RegisterStreamProvider(ctx context.Context, dataType string, fn StreamProviderFunc) error {
	if dataType == "" || fn == nil {
		return errors.WrapValidation(
			fmt.Errorf("%w: provider registration requires a type and func", errors.ErrInvalidConfig),
			"Exchange", "RegisterStreamProvider", "check arguments")
	}
	return e.register(ctx, dataType, func(p *provider) error {
		if p.stream != nil {
			return errors.WrapValidation(
				fmt.Errorf("stream provider for %q already registered", dataType),
				"Exchange", "RegisterStreamProvider", "check duplicate")
		}
		p.stream = fn
		return nil
	})
}

// register installs fn into the data type's provider record, subscribing
// to the request subject on first registration.
func (e *Exchange) register(ctx context.Context, dataType string, install func(*provider) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errors.ErrShuttingDown
	}

	p, exists := e.providers[dataType]
	if !exists {
		p = &provider{}
	}
	if err := install(p); err != nil {
		return err
	}
	e.providers[dataType] = p

	if !exists {
		sub, err := e.conn.Subscribe(ctx, message.SubjectDataRequest(dataType),
			e.serveRequest, transport.WithQueue(message.QueueProviders))
		if err != nil {
			delete(e.providers, dataType)
			return errors.WrapConnection(err, "Exchange", "register",
				fmt.Sprintf("subscribe %s", message.SubjectDataRequest(dataType)))
		}
		e.subs[dataType] = sub
	}
	return nil
}

// Fetch performs a point request for a data type and returns the
// provider's response.
func (e *Exchange) Fetch(ctx context.Context, dataType string, params map[string]any) (any, error) {
	if dataType == "" {
		return nil, errors.WrapValidation(
			fmt.Errorf("%w: missing data type", errors.ErrInvalidMessage),
			"Exchange", "Fetch", "check arguments")
	}

	env := message.New(message.TypeDataRequest, e.serviceID,
		&message.DataRequestPayload{
			RequestID:  uuid.New().String(),
			DataType:   dataType,
			Parameters: params,
		})
	data, err := env.Encode()
	if err != nil {
		return nil, err
	}

	replyData, err := e.conn.Request(ctx, message.SubjectDataRequest(dataType), data, e.requestTimeout)
	if err != nil {
		if errors.IsTimeout(err) {
			return nil, errors.WrapTimeout(err, "Exchange", "Fetch", "await provider")
		}
		return nil, errors.WrapConnection(err, "Exchange", "Fetch", "request data")
	}

	reply, err := message.Decode(replyData)
	if err != nil {
		return nil, err
	}
	p, ok := reply.Payload.(*message.DataResponsePayload)
	if !ok {
		return nil, errors.WrapValidation(
			fmt.Errorf("%w: unexpected reply type %s", errors.ErrInvalidMessage, reply.Type),
			"Exchange", "Fetch", "decode reply")
	}
	if p.Error != nil {
		return nil, errors.TaskExecution(
			fmt.Errorf("provider error [%s]: %s", p.Error.Code, p.Error.Message),
			false, "Exchange", "Fetch")
	}
	return p.Data, nil
}

// Stream performs a stream request and invokes handle for each chunk in
// order. It returns when the provider ends the stream, a chunk arrives
// out of sequence, the inter-chunk timeout elapses, handle returns an
// error, or ctx is done.
func (e *Exchange) Stream(ctx context.Context, dataType string, params map[string]any, handle func(data any) error) error {
	if dataType == "" || handle == nil {
		return errors.WrapValidation(
			fmt.Errorf("%w: stream requires a type and handler", errors.ErrInvalidMessage),
			"Exchange", "Stream", "check arguments")
	}

	requestID := uuid.New().String()
	streamSubject := message.SubjectStream(requestID)
	chunks := make(chan *message.StreamChunkPayload, 64)

	sub, err := e.conn.Subscribe(ctx, streamSubject, func(_ context.Context, msg *transport.Msg) {
		env, err := message.Decode(msg.Data)
		if err != nil {
			e.logger.Warn("discarding invalid stream chunk", "error", err)
			return
		}
		p, ok := env.Payload.(*message.StreamChunkPayload)
		if !ok || p.RequestID != requestID {
			return
		}
		select {
		case chunks <- p:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return errors.WrapConnection(err, "Exchange", "Stream", "subscribe chunk subject")
	}
	defer func() {
		if err := sub.Unsubscribe(); err != nil {
			e.logger.Warn("unsubscribe failed", "subject", streamSubject, "error", err)
		}
	}()

	env := message.New(message.TypeDataRequest, e.serviceID,
		&message.DataRequestPayload{
			RequestID:  requestID,
			DataType:   dataType,
			Parameters: params,
			Stream:     true,
		},
		message.WithReplyTo(streamSubject))
	data, err := env.Encode()
	if err != nil {
		return err
	}
	if err := e.conn.Publish(ctx, message.SubjectDataRequest(dataType), data); err != nil {
		return errors.WrapConnection(err, "Exchange", "Stream", "publish request")
	}

	timer := time.NewTimer(e.chunkTimeout)
	defer timer.Stop()

	next := 0
	for {
		select {
		case <-ctx.Done():
			return errors.WrapTimeout(ctx.Err(), "Exchange", "Stream", "await chunk")
		case <-timer.C:
			return errors.WrapTimeout(
				fmt.Errorf("%w: no chunk within %s", errors.ErrTimeout, e.chunkTimeout),
				"Exchange", "Stream", "await chunk")
		case p := <-chunks:
			if p.Sequence != next {
				return errors.WrapInternal(
					fmt.Errorf("%w: expected chunk %d, got %d", errors.ErrStreamGap, next, p.Sequence),
					"Exchange", "Stream", "verify sequence")
			}
			next++

			if p.Error != nil {
				return errors.TaskExecution(
					fmt.Errorf("provider error [%s]: %s", p.Error.Code, p.Error.Message),
					false, "Exchange", "Stream")
			}
			if p.Data != nil {
				if err := handle(p.Data); err != nil {
					return err
				}
			}
			if p.IsLast {
				return nil
			}

			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(e.chunkTimeout)
		}
	}
}

// serveRequest dispatches one incoming request to the registered point or
// stream provider for its data type.
func (e *Exchange) serveRequest(ctx context.Context, msg *transport.Msg) {
	env, err := message.Decode(msg.Data)
	if err != nil {
		e.logger.Warn("discarding invalid data request", "subject", msg.Subject, "error", err)
		return
	}
	p, ok := env.Payload.(*message.DataRequestPayload)
	if !ok {
		return
	}

	e.mu.Lock()
	prov := e.providers[p.DataType]
	e.mu.Unlock()
	if prov == nil {
		return
	}

	req := Request{RequestID: p.RequestID, DataType: p.DataType, Parameters: p.Parameters}
	if p.Stream {
		// Emission runs on its own goroutine so a long stream neither
		// holds up the provider's other requests on this subscription nor
		// gets cut off by the dispatch deadline.
		go e.serveStream(context.WithoutCancel(ctx), env, prov.stream, req)
		return
	}
	e.servePoint(ctx, env, msg.Reply, prov.point, req)
}

func (e *Exchange) servePoint(ctx context.Context, env *message.Envelope, replySubject string, fn ProviderFunc, req Request) {
	if replySubject == "" {
		return
	}

	resp := &message.DataResponsePayload{RequestID: req.RequestID, DataType: req.DataType}
	if fn == nil {
		resp.Error = &message.ErrorInfo{
			Code:    string(errors.CodeNotFound),
			Message: fmt.Sprintf("no point provider for %q", req.DataType),
		}
	} else if data, err := runProvider(ctx, fn, req); err != nil {
		e.logger.Warn("provider failed",
			"data_type", req.DataType, "request_id", req.RequestID, "error", err)
		resp.Error = message.FromError(err)
	} else {
		resp.Data = data
	}

	reply := message.Reply(env, message.TypeDataResponse, e.serviceID, resp)
	data, err := reply.Encode()
	if err != nil {
		e.logger.Error("encode data reply failed", "error", err)
		return
	}
	if err := e.conn.Publish(ctx, replySubject, data); err != nil {
		e.logger.Warn("data reply publish failed", "error", err)
	}
}

// runProvider contains provider panics so a bad provider fails one
// request instead of the process.
func runProvider(ctx context.Context, fn ProviderFunc, req Request) (data any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.TaskExecution(
				fmt.Errorf("provider panic: %v", r), false, "Exchange", "runProvider")
		}
	}()
	return fn(ctx, req)
}

// serveStream runs the stream provider, numbering chunks from zero and
// closing with either a terminal empty chunk or a terminal error chunk.
func (e *Exchange) serveStream(ctx context.Context, env *message.Envelope, fn StreamProviderFunc, req Request) {
	streamSubject := env.Headers.ReplyTo
	if streamSubject == "" {
		e.logger.Warn("stream request without replyTo", "request_id", req.RequestID)
		return
	}

	seq := 0
	emit := func(p *message.StreamChunkPayload) error {
		p.RequestID = req.RequestID
		p.Sequence = seq
		seq++
		chunkEnv := message.New(message.TypeStreamChunk, e.serviceID, p,
			message.WithCorrelation(env.Headers.CorrelationID))
		data, err := chunkEnv.Encode()
		if err != nil {
			return err
		}
		return e.conn.Publish(ctx, streamSubject, data)
	}

	if fn == nil {
		_ = emit(&message.StreamChunkPayload{
			IsLast: true,
			Error: &message.ErrorInfo{
				Code:    string(errors.CodeNotFound),
				Message: fmt.Sprintf("no stream provider for %q", req.DataType),
			},
		})
		return
	}

	send := func(data any) error {
		return emit(&message.StreamChunkPayload{Data: data})
	}

	err := runStreamProvider(ctx, fn, req, send)
	if err != nil {
		e.logger.Warn("stream provider failed",
			"data_type", req.DataType, "request_id", req.RequestID, "error", err)
		_ = emit(&message.StreamChunkPayload{IsLast: true, Error: message.FromError(err)})
		return
	}
	_ = emit(&message.StreamChunkPayload{IsLast: true})
}

func runStreamProvider(ctx context.Context, fn StreamProviderFunc, req Request, send SendFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.TaskExecution(
				fmt.Errorf("provider panic: %v", r), false, "Exchange", "runStreamProvider")
		}
	}()
	return fn(ctx, req, send)
}
