// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package hub implements streaming hubs: many RPC methods multiplexed over
// one duplex stream per client, with server-initiated broadcasts to groups
// of connected clients.
package hub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"sort"
	"sync"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/luxfi/streamrpc"
	"github.com/luxfi/streamrpc/internal/filterchain"
	"github.com/luxfi/streamrpc/internal/invoke"
)

// ConnectMethod is the duplex method clients open to join a hub.
const ConnectMethod = "Connect"

// Connector is implemented by hubs that inspect a connection before it is
// accepted. A returned error rejects the connection.
type Connector interface {
	OnConnecting(c *Connection) error
}

// Disconnector is implemented by hubs that observe the end of a connection.
// It runs after the connection stopped accepting writes and before it leaves
// its groups.
type Disconnector interface {
	OnDisconnected(c *Connection)
}

// Option configures a hub.
type Option func(*options)

type options struct {
	filters       []filterchain.Entry[Filter]
	methodFilters map[string][]filterchain.Entry[Filter]
	methodIDs     map[string]int32
	connectOpts   []streamrpc.ServiceOption
	groups        *GroupRepository
}

// WithFilter adds a filter to every hub method.
func WithFilter(order int, f Filter) Option {
	return func(o *options) {
		o.filters = append(o.filters, filterchain.Entry[Filter]{Order: order, Filter: f})
	}
}

// WithMethodFilter adds a filter to one hub method.
func WithMethodFilter(method string, order int, f Filter) Option {
	return func(o *options) {
		if o.methodFilters == nil {
			o.methodFilters = make(map[string][]filterchain.Entry[Filter])
		}
		o.methodFilters[method] = append(o.methodFilters[method], filterchain.Entry[Filter]{Order: order, Filter: f})
	}
}

// WithMethodID overrides the id of a hub method.
func WithMethodID(method string, id int32) Option {
	return func(o *options) {
		if o.methodIDs == nil {
			o.methodIDs = make(map[string]int32)
		}
		o.methodIDs[method] = id
	}
}

// WithConnectOptions configures the Connect method itself, e.g. with filters
// that run once around the whole connection.
func WithConnectOptions(opts ...streamrpc.ServiceOption) Option {
	return func(o *options) { o.connectOpts = append(o.connectOpts, opts...) }
}

// WithGroupRepository shares a group repository between hubs.
func WithGroupRepository(r *GroupRepository) Option {
	return func(o *options) { o.groups = r }
}

// Definition is a hub mapped onto a server.
type Definition struct {
	name    string
	methods map[int32]*Method
	groups  *GroupRepository
	handler *streamrpc.MethodHandler
	newHub  func(*Connection) any

	codec          streamrpc.Codec
	logger         *slog.Logger
	metrics        *streamrpc.Metrics
	detailedErrors bool
}

// Map compiles the hub methods of H and registers the hub's Connect method on
// srv. newHub is called once per connection.
func Map[H any](srv *streamrpc.Server, name string, newHub func(*Connection) H, opts ...Option) (*Definition, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	methods, err := compileMethods(name, reflect.TypeFor[H](), o)
	if err != nil {
		return nil, err
	}
	d := &Definition{
		name:           name,
		methods:        methods,
		groups:         o.groups,
		newHub:         func(c *Connection) any { return newHub(c) },
		codec:          srv.Codec(),
		logger:         srv.Logger().With("hub", name),
		metrics:        srv.Metrics(),
		detailedErrors: srv.DetailedErrors(),
	}
	if d.groups == nil {
		d.groups = NewGroupRepository(name, srv.Codec(), srv.Metrics())
	}

	d.handler, err = srv.AddMethod(streamrpc.MethodDescriptor{
		Service:      name,
		Method:       ConnectMethod,
		Shape:        streamrpc.DuplexStreaming,
		RequestTypes: []reflect.Type{reflect.TypeFor[[]byte]()},
		ResponseType: reflect.TypeFor[[]byte](),
		Invoke:       d.serve,
	}, o.connectOpts...)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Definition) Name() string { return d.name }

func (d *Definition) Groups() *GroupRepository { return d.groups }

// Handler returns the Connect method.
func (d *Definition) Handler() *streamrpc.MethodHandler { return d.handler }

// Method returns the hub method with the given id.
func (d *Definition) Method(id int32) (*Method, bool) {
	m, ok := d.methods[id]
	return m, ok
}

// Methods returns the hub methods ordered by name.
func (d *Definition) Methods() []*Method {
	out := make([]*Method, 0, len(d.methods))
	for _, m := range d.methods {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// serve runs one connection: handshake, read loop, cleanup.
func (d *Definition) serve(sc *streamrpc.ServiceContext) error {
	conn := &Connection{sc: sc, def: d}
	conn.groups = newGroups(conn, d.groups)
	conn.hub = d.newHub(conn)
	logger := d.logger.With("connection_id", conn.ID().String())

	if cn, ok := conn.hub.(Connector); ok {
		if err := cn.OnConnecting(conn); err != nil {
			return err
		}
	}
	d.metrics.HubConnected(d.name)
	defer d.metrics.HubDisconnected(d.name)

	t := sc.Transport()
	if err := t.SendHeader(metadata.Pairs(VersionHeader, ProtocolVersion)); err != nil {
		return err
	}
	sc.QueueWrite(Marker())
	logger.Debug("hub connected")

	var (
		wg      sync.WaitGroup
		spawnMu sync.Mutex
		closing bool
	)
	spawn := func(req Request) {
		spawnMu.Lock()
		defer spawnMu.Unlock()
		if closing {
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.dispatch(conn, req)
		}()
	}

	defer func() {
		sc.CompleteStreaming()
		if dc, ok := conn.hub.(Disconnector); ok {
			if err := invoke.Guard(func() error { dc.OnDisconnected(conn); return nil }); err != nil {
				logger.Error("disconnect hook failed", "error", err)
			}
		}
		conn.groups.dispose()

		spawnMu.Lock()
		closing = true
		spawnMu.Unlock()
		wg.Wait()
		logger.Debug("hub disconnected")
	}()

	readErr := make(chan error, 1)
	go func() {
		for {
			frame, err := t.Recv()
			if err != nil {
				readErr <- err
				return
			}
			req, err := DecodeRequest(frame)
			if err != nil {
				readErr <- err
				return
			}
			spawn(req)
		}
	}()

	var err error
	select {
	case err = <-readErr:
	case <-sc.Context().Done():
		err = context.Cause(sc.Context())
	}
	if isStreamEnd(err) {
		return nil
	}
	logger.Debug("hub connection terminated", "error", err)
	return err
}

// isStreamEnd reports whether err is a normal end of the stream.
func isStreamEnd(err error) bool {
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
		return true
	}
	return status.Code(err) == codes.Canceled
}

func (d *Definition) dispatch(conn *Connection, req Request) {
	m, ok := d.methods[req.MethodID]
	if !ok {
		d.logger.Debug("hub method not found", "method_id", req.MethodID)
		d.metrics.ObserveHubInvocation(d.name, "unknown", codes.Unimplemented)
		d.writeError(conn, req, codes.Unimplemented, fmt.Sprintf("Hub method %d is not found.", req.MethodID), "")
		return
	}

	args, err := streamrpc.DecodeArguments(d.codec, req.Args, m.ArgTypes)
	if err != nil {
		d.metrics.ObserveHubInvocation(d.name, m.Name, codes.InvalidArgument)
		d.writeError(conn, req, codes.InvalidArgument, fmt.Sprintf("Invalid arguments for hub method '%s'.", m.Name), err.Error())
		return
	}

	hc := newContext(conn, m, req, args)
	logger := d.logger.With("connection_id", conn.ID().String(), "method", m.Name, "message_id", req.MessageID)
	start := time.Now()
	logger.Debug("hub method started")
	err = invoke.Guard(func() error { return m.invoker(hc) })
	logger.Debug("hub method finished", "elapsed", time.Since(start), "error", err)
	if err != nil {
		code, detail, diag := d.errorStatus(hc, err)
		d.metrics.ObserveHubInvocation(d.name, m.Name, code)
		d.writeError(conn, req, code, detail, diag)
		return
	}
	d.metrics.ObserveHubInvocation(d.name, m.Name, codes.OK)

	if req.FireAndForget() {
		return
	}
	payload, err := streamrpc.EncodeResult(d.codec, hc.result)
	if err != nil {
		code, detail, diag := d.errorStatus(hc, fmt.Errorf("encode result: %w", err))
		d.writeError(conn, req, code, detail, diag)
		return
	}
	conn.QueueWrite(EncodeResponse(req.MessageID, m.ID, payload))
}

// errorStatus maps a hub method error to the error frame fields.
func (d *Definition) errorStatus(hc *Context, err error) (codes.Code, string, string) {
	if st, ok := streamrpc.ExplicitStatus(err); ok {
		return st.Code(), st.Message(), ""
	}
	hc.Logger().Error("hub method failed", "error", err)
	detail := fmt.Sprintf("An error occurred while processing handler '%s'.", hc.method.Name)
	if d.detailedErrors {
		return codes.Internal, detail, streamrpc.ErrorDiagnostic(err)
	}
	return codes.Internal, detail, ""
}

func (d *Definition) writeError(conn *Connection, req Request, code codes.Code, detail, diag string) {
	if req.FireAndForget() {
		return
	}
	if !d.detailedErrors && code == codes.InvalidArgument {
		diag = ""
	}
	conn.QueueWrite(EncodeError(req.MessageID, code, detail, diag))
}
