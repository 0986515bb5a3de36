// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package streamrpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/luxfi/streamrpc/internal/filterchain"
	"github.com/luxfi/streamrpc/internal/invoke"
)

// CallShape is the wiring of a method's request and response messages.
type CallShape uint8

const (
	Unary CallShape = iota
	ClientStreaming
	ServerStreaming
	DuplexStreaming
)

func (s CallShape) String() string {
	switch s {
	case Unary:
		return "unary"
	case ClientStreaming:
		return "client_streaming"
	case ServerStreaming:
		return "server_streaming"
	case DuplexStreaming:
		return "duplex_streaming"
	}
	return fmt.Sprintf("CallShape(%d)", uint8(s))
}

func (s CallShape) clientStreams() bool { return s == ClientStreaming || s == DuplexStreaming }

func (s CallShape) serverStreams() bool { return s == ServerStreaming || s == DuplexStreaming }

// genericErrorDetail is sent for unexpected errors when detailed errors are off.
const genericErrorDetail = "An error occurred while processing the request."

// MethodDescriptor describes one method and carries its unfiltered body.
type MethodDescriptor struct {
	Service string
	Method  string
	Shape   CallShape

	// RequestTypes is the argument list of unary and server-streaming methods,
	// or the single request element type of client and duplex streams.
	RequestTypes []reflect.Type
	ResponseType reflect.Type

	// Invoke runs the method. For unary and server-streaming calls the decoded
	// arguments are in RawRequest as []any; a result is left in RawResult.
	Invoke Handler
}

// MethodHandler is a method bound to its call shape and filter chain. It is
// immutable once registered.
type MethodHandler struct {
	desc    MethodDescriptor
	invoker Handler

	codec          Codec
	logger         *slog.Logger
	metrics        *Metrics
	detailedErrors bool
}

func newMethodHandler(o *serverOptions, desc MethodDescriptor, filters []Filter) *MethodHandler {
	return &MethodHandler{
		desc:           desc,
		invoker:        filterchain.Build(filters, desc.Invoke),
		codec:          o.codec,
		logger:         o.logger,
		metrics:        o.metrics,
		detailedErrors: o.detailedErrors,
	}
}

func (h *MethodHandler) Service() string { return h.desc.Service }

func (h *MethodHandler) Method() string { return h.desc.Method }

func (h *MethodHandler) Shape() CallShape { return h.desc.Shape }

func (h *MethodHandler) RequestTypes() []reflect.Type { return h.desc.RequestTypes }

func (h *MethodHandler) ResponseType() reflect.Type { return h.desc.ResponseType }

func (h *MethodHandler) Codec() Codec { return h.codec }

// FullName is the grpc method path, "/Service/Method".
func (h *MethodHandler) FullName() string { return "/" + h.String() }

func (h *MethodHandler) String() string { return h.desc.Service + "/" + h.desc.Method }

// Invoke runs the filter chain and the method body against c. Panics are
// returned as errors wrapping invoke.ErrPanic.
func (h *MethodHandler) Invoke(c *ServiceContext) error {
	return invoke.Guard(func() error { return h.invoker(c) })
}

// ServeUnary runs a unary call with an encoded request tuple and returns the
// encoded result. Errors are grpc status errors.
func (h *MethodHandler) ServeUnary(ctx context.Context, payload []byte) ([]byte, error) {
	c := newServiceContext(ctx, h, nil)
	defer c.cancel(nil)

	start := time.Now()
	h.logger.Debug("call started", "method", h.String(), "call_id", c.id.String())
	out, err := h.serveUnary(c, payload)
	err = h.statusError(c, err)
	h.finish(c, start, err)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (h *MethodHandler) serveUnary(c *ServiceContext, payload []byte) ([]byte, error) {
	args, err := DecodeArguments(h.codec, payload, h.desc.RequestTypes)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}
	c.SetRawRequest(args)
	if err := h.Invoke(c); err != nil {
		return nil, err
	}
	return EncodeResult(h.codec, c.RawResult())
}

// ServeStream runs a streaming call over t until the method returns. Errors
// are grpc status errors.
func (h *MethodHandler) ServeStream(ctx context.Context, t StreamTransport) error {
	c := newServiceContext(ctx, h, t)
	defer c.cancel(nil)
	defer c.CompleteStreaming()

	start := time.Now()
	h.logger.Debug("stream started", "method", h.String(), "call_id", c.id.String())
	err := h.statusError(c, h.serveStream(c))
	h.finish(c, start, err)
	return err
}

func (h *MethodHandler) serveStream(c *ServiceContext) error {
	if h.desc.Shape == ServerStreaming {
		frame, err := c.transport.Recv()
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		args, err := DecodeArguments(h.codec, frame, h.desc.RequestTypes)
		if err != nil {
			return status.Errorf(codes.InvalidArgument, "decode request: %v", err)
		}
		c.SetRawRequest(args)
	}
	if err := h.Invoke(c); err != nil {
		return err
	}
	if h.desc.Shape == ClientStreaming {
		frame, err := EncodeResult(h.codec, c.RawResult())
		if err != nil {
			return err
		}
		return c.transport.Send(frame)
	}
	return nil
}

// statusError maps a call error to the status reported to the client.
func (h *MethodHandler) statusError(c *ServiceContext, err error) error {
	if err == nil {
		return nil
	}
	if st, ok := ExplicitStatus(err); ok {
		return st.Err()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return status.FromContextError(err).Err()
	}
	c.Logger().Error("call failed", "error", err)
	if h.detailedErrors {
		return status.Error(codes.Unknown, ErrorDiagnostic(err))
	}
	return status.Error(codes.Unknown, genericErrorDetail)
}

func (h *MethodHandler) finish(c *ServiceContext, start time.Time, err error) {
	elapsed := time.Since(start)
	code := status.Code(err)
	h.metrics.ObserveCall(h.desc.Service, h.desc.Method, h.desc.Shape, code, elapsed)
	h.logger.Debug("call finished",
		"method", h.String(),
		"call_id", c.id.String(),
		"code", code.String(),
		"elapsed", elapsed,
	)
}

var serviceContextType = reflect.TypeFor[*ServiceContext]()

// RegisterService compiles every exported method of S whose first parameter
// is *ServiceContext and adds it to srv under the given service name.
// newService is called once per call to obtain the receiver.
//
// Recognized signatures:
//
//	M(c *ServiceContext, a1 A1, ..., an An) (R, error)    // unary, or error only
//	M(c *ServiceContext, a1 A1, ..., s *ServerStream[R]) error
//	M(c *ServiceContext, s *ClientStream[Q]) (R, error)
//	M(c *ServiceContext, s *DuplexStream[Q, R]) error
//
// Any other signature fails with ErrInvalidMethodShape.
func RegisterService[S any](srv *Server, name string, newService func(*ServiceContext) S, opts ...ServiceOption) error {
	descs, err := compileService(name, reflect.TypeFor[S](), func(c *ServiceContext) any { return newService(c) })
	if err != nil {
		return err
	}
	return srv.addMethods(descs, newServiceOptions(opts))
}

func compileService(service string, typ reflect.Type, newService func(*ServiceContext) any) ([]MethodDescriptor, error) {
	recv := 1
	if typ.Kind() == reflect.Interface {
		recv = 0
	}

	var descs []MethodDescriptor
	for i := 0; i < typ.NumMethod(); i++ {
		m := typ.Method(i)
		ft := m.Type
		if !m.IsExported() || ft.NumIn() <= recv || ft.In(recv) != serviceContextType {
			continue
		}
		if ft.IsVariadic() {
			return nil, fmt.Errorf("%w: %s.%s: variadic parameters", ErrInvalidMethodShape, service, m.Name)
		}
		params := make([]reflect.Type, 0, ft.NumIn()-recv-1)
		for j := recv + 1; j < ft.NumIn(); j++ {
			params = append(params, ft.In(j))
		}
		results := make([]reflect.Type, 0, ft.NumOut())
		for j := 0; j < ft.NumOut(); j++ {
			results = append(results, ft.Out(j))
		}

		sig, err := classify(params, results)
		if err != nil {
			return nil, fmt.Errorf("%w: %s.%s: %v", ErrInvalidMethodShape, service, m.Name, err)
		}
		descs = append(descs, MethodDescriptor{
			Service:      service,
			Method:       m.Name,
			Shape:        sig.shape,
			RequestTypes: sig.request,
			ResponseType: sig.response,
			Invoke:       sig.body(service, m.Name, newService),
		})
	}
	if len(descs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoMethods, service)
	}
	return descs, nil
}

type signature struct {
	shape    CallShape
	args     []reflect.Type
	stream   reflect.Type
	request  []reflect.Type
	response reflect.Type
}

func classify(params, results []reflect.Type) (signature, error) {
	var sig signature
	if len(results) == 0 || results[len(results)-1] != invoke.ErrorType() {
		return sig, errors.New("last result must be error")
	}
	if len(results) > 2 {
		return sig, errors.New("at most one value result is allowed")
	}
	var value reflect.Type
	if len(results) == 2 {
		value = results[0]
	}

	streamIdx := -1
	for i, p := range params {
		if _, ok := asStreamBinder(p); ok {
			if streamIdx >= 0 {
				return sig, errors.New("more than one stream parameter")
			}
			streamIdx = i
		}
	}

	if streamIdx < 0 {
		sig.shape = Unary
		sig.args = params
		sig.request = params
		sig.response = value
		if value == nil {
			sig.response = reflect.TypeFor[Nil]()
		}
		return sig, nil
	}
	if streamIdx != len(params)-1 {
		return sig, errors.New("stream parameter must be last")
	}

	b, _ := asStreamBinder(params[streamIdx])
	reqElem, respElem := b.elemTypes()
	sig.shape = b.callShape()
	sig.stream = params[streamIdx]
	switch sig.shape {
	case ServerStreaming:
		if value != nil {
			return sig, errors.New("server-streaming method must return only error")
		}
		sig.args = params[:streamIdx]
		sig.request = sig.args
		sig.response = respElem
	case ClientStreaming:
		if streamIdx != 0 {
			return sig, errors.New("client-streaming method takes no other arguments")
		}
		if value == nil {
			return sig, errors.New("client-streaming method must return (R, error)")
		}
		sig.request = []reflect.Type{reqElem}
		sig.response = value
	case DuplexStreaming:
		if streamIdx != 0 {
			return sig, errors.New("duplex-streaming method takes no other arguments")
		}
		if value != nil {
			return sig, errors.New("duplex-streaming method must return only error")
		}
		sig.request = []reflect.Type{reqElem}
		sig.response = respElem
	}
	return sig, nil
}

// body builds the method invoker: bind the receiver, unpack the arguments,
// call, capture the result.
func (sig signature) body(service, method string, newService func(*ServiceContext) any) Handler {
	return func(c *ServiceContext) error {
		svc := reflect.ValueOf(newService(c))
		if !svc.IsValid() {
			return fmt.Errorf("%s: service constructor returned nil", service)
		}
		fn := svc.MethodByName(method)

		in := make([]reflect.Value, 0, len(sig.args)+2)
		in = append(in, reflect.ValueOf(c))
		if len(sig.args) > 0 {
			args, _ := c.RawRequest().([]any)
			in = append(in, invoke.Values(args, sig.args)...)
		}
		if sig.stream != nil {
			s := reflect.New(sig.stream.Elem())
			s.Interface().(streamBinder).bind(c)
			in = append(in, s)
		}

		out, err := invoke.Call(fn, in)
		if err != nil {
			return err
		}
		if len(out) == 1 {
			c.SetRawResult(out[0].Interface())
		}
		return nil
	}
}
