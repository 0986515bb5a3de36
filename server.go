// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package streamrpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"google.golang.org/grpc"

	"github.com/luxfi/streamrpc/internal/filterchain"
)

const defaultShutdownTimeout = 5 * time.Second

// ServerOption configures a Server.
type ServerOption func(*serverOptions)

type serverOptions struct {
	codec           Codec
	logger          *slog.Logger
	metrics         *Metrics
	detailedErrors  bool
	globalFilters   []filterchain.Entry[Filter]
	grpcOptions     []grpc.ServerOption
	shutdownTimeout time.Duration
}

// WithCodec sets the payload codec. Defaults to MsgpackCodec.
func WithCodec(c Codec) ServerOption {
	return func(o *serverOptions) { o.codec = c }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) ServerOption {
	return func(o *serverOptions) { o.logger = l }
}

// WithMetrics records call metrics into m.
func WithMetrics(m *Metrics) ServerOption {
	return func(o *serverOptions) { o.metrics = m }
}

// WithDetailedErrors sends the text of unexpected errors to clients.
func WithDetailedErrors(enabled bool) ServerOption {
	return func(o *serverOptions) { o.detailedErrors = enabled }
}

// WithGlobalFilter adds a filter to every method of the server. Global
// filters run outside service and method filters.
func WithGlobalFilter(order int, f Filter) ServerOption {
	return func(o *serverOptions) {
		o.globalFilters = append(o.globalFilters, filterchain.Entry[Filter]{Order: order, Filter: f})
	}
}

// WithGRPCOptions passes options to the underlying grpc.Server.
func WithGRPCOptions(opts ...grpc.ServerOption) ServerOption {
	return func(o *serverOptions) { o.grpcOptions = append(o.grpcOptions, opts...) }
}

// WithShutdownTimeout bounds the graceful stop in Serve before open streams
// are closed forcibly.
func WithShutdownTimeout(d time.Duration) ServerOption {
	return func(o *serverOptions) { o.shutdownTimeout = d }
}

// Server hosts services and hubs on a grpc.Server. Methods are added before
// the server starts; the grpc service descriptors are built on start.
type Server struct {
	opts *serverOptions

	mu       sync.Mutex
	handlers map[string]*MethodHandler
	started  bool
	grpc     *grpc.Server
}

func NewServer(opts ...ServerOption) *Server {
	o := &serverOptions{
		codec:           defaultCodec,
		shutdownTimeout: defaultShutdownTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return &Server{
		opts:     o,
		handlers: make(map[string]*MethodHandler),
	}
}

func (s *Server) Codec() Codec { return s.opts.codec }

func (s *Server) Logger() *slog.Logger { return s.opts.logger }

func (s *Server) Metrics() *Metrics { return s.opts.metrics }

func (s *Server) DetailedErrors() bool { return s.opts.detailedErrors }

// AddMethod registers a method from an explicit descriptor. Method filters
// given through opts apply when their name matches desc.Method.
func (s *Server) AddMethod(desc MethodDescriptor, opts ...ServiceOption) (*MethodHandler, error) {
	if desc.Invoke == nil {
		return nil, fmt.Errorf("%w: %s/%s: nil invoker", ErrInvalidMethodShape, desc.Service, desc.Method)
	}
	if err := s.addMethods([]MethodDescriptor{desc}, newServiceOptions(opts)); err != nil {
		return nil, err
	}
	return s.Handler(desc.Service + "/" + desc.Method), nil
}

func (s *Server) addMethods(descs []MethodDescriptor, o *serviceOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrServerStarted
	}
	seen := make(map[string]bool, len(descs))
	for _, d := range descs {
		name := d.Service + "/" + d.Method
		if _, ok := s.handlers[name]; ok || seen[name] {
			return fmt.Errorf("%w: %s", ErrDuplicateMethod, name)
		}
		seen[name] = true
	}
	for _, d := range descs {
		filters := filterchain.Flatten(s.opts.globalFilters, o.filters, o.methodFilters[d.Method])
		h := newMethodHandler(s.opts, d, filters)
		s.handlers[h.String()] = h
	}
	return nil
}

// Handler returns the method registered as "Service/Method", or nil.
func (s *Server) Handler(name string) *MethodHandler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handlers[name]
}

// Handlers returns all registered methods ordered by name.
func (s *Server) Handlers() []*MethodHandler {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*MethodHandler, 0, len(s.handlers))
	for _, h := range s.handlers {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// GRPCServer returns the grpc.Server, building it on first use. No method can
// be added afterwards.
func (s *Server) GRPCServer() *grpc.Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startLocked()
}

func (s *Server) startLocked() *grpc.Server {
	if s.grpc != nil {
		return s.grpc
	}
	s.started = true
	opts := append([]grpc.ServerOption{grpc.ForceServerCodec(FrameCodec())}, s.opts.grpcOptions...)
	s.grpc = grpc.NewServer(opts...)

	services := make(map[string]*grpc.ServiceDesc)
	var names []string
	for _, h := range s.handlers {
		sd, ok := services[h.desc.Service]
		if !ok {
			sd = &grpc.ServiceDesc{
				ServiceName: h.desc.Service,
				HandlerType: (*any)(nil),
			}
			services[h.desc.Service] = sd
			names = append(names, h.desc.Service)
		}
		if h.desc.Shape == Unary {
			sd.Methods = append(sd.Methods, grpc.MethodDesc{
				MethodName: h.desc.Method,
				Handler:    unaryHandler(h),
			})
			continue
		}
		sd.Streams = append(sd.Streams, grpc.StreamDesc{
			StreamName:    h.desc.Method,
			Handler:       streamHandler(h),
			ServerStreams: h.desc.Shape.serverStreams(),
			ClientStreams: h.desc.Shape.clientStreams(),
		})
	}
	sort.Strings(names)
	for _, name := range names {
		s.grpc.RegisterService(services[name], struct{}{})
		s.opts.logger.Info("service registered",
			"service", name,
			"unary", len(services[name].Methods),
			"streams", len(services[name].Streams),
		)
	}
	return s.grpc
}

func unaryHandler(h *MethodHandler) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		var in []byte
		if err := dec(&in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return h.ServeUnary(ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: h.FullName()}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return h.ServeUnary(ctx, req.([]byte))
		})
	}
}

func streamHandler(h *MethodHandler) grpc.StreamHandler {
	return func(_ any, stream grpc.ServerStream) error {
		return h.ServeStream(stream.Context(), grpcTransport{stream: stream})
	}
}

// Serve accepts connections on lis until ctx is done or the listener fails.
// On cancellation the server stops gracefully, closing streams still open
// after the shutdown timeout.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	gs := s.GRPCServer()
	s.opts.logger.Info("serving", "addr", lis.Addr().String())

	errCh := make(chan error, 1)
	go func() { errCh <- gs.Serve(lis) }()

	select {
	case err := <-errCh:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	stopped := make(chan struct{})
	go func() {
		gs.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(s.opts.shutdownTimeout):
		s.opts.logger.Warn("graceful stop timed out, closing open streams")
		gs.Stop()
		<-stopped
	}
	<-errCh
	return nil
}

// ListenAndServe listens on the TCP address addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	lis, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, lis)
}

// Close stops the server immediately.
func (s *Server) Close() error {
	s.mu.Lock()
	gs := s.grpc
	s.started = true
	s.mu.Unlock()
	if gs != nil {
		gs.Stop()
	}
	return nil
}
