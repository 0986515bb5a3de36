// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package hub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc/metadata"

	"github.com/luxfi/streamrpc"
)

// Handler runs one hub method invocation.
type Handler func(c *Context) error

// Filter intercepts hub method invocations, see streamrpc.Filter.
type Filter func(c *Context, next Handler) error

// Connection is one connected hub client. It is a group Member.
type Connection struct {
	sc     *streamrpc.ServiceContext
	def    *Definition
	groups *Groups
	hub    any
}

// ID returns the connection id, which identifies the client in groups.
func (c *Connection) ID() uuid.UUID { return c.sc.ID() }

// Context is cancelled when the connection ends.
func (c *Connection) Context() context.Context { return c.sc.Context() }

func (c *Connection) ServiceContext() *streamrpc.ServiceContext { return c.sc }

func (c *Connection) Hub() *Definition { return c.def }

// Groups returns the groups of this connection.
func (c *Connection) Groups() *Groups { return c.groups }

// Metadata returns the request metadata the client connected with.
func (c *Connection) Metadata() metadata.MD { return c.sc.Metadata() }

func (c *Connection) IsDisconnected() bool { return c.sc.IsDisconnected() }

// QueueWrite enqueues a raw frame on the connection's write queue.
func (c *Connection) QueueWrite(frame []byte) bool { return c.sc.QueueWrite(frame) }

// Send invokes the receiver method of this client only.
func (c *Connection) Send(method string, value any) error {
	payload, err := streamrpc.EncodeResult(c.def.codec, value)
	if err != nil {
		return fmt.Errorf("encode %s value: %w", method, err)
	}
	if !c.QueueWrite(EncodeBroadcast(MethodID(method), payload)) {
		return fmt.Errorf("%w: connection %s", streamrpc.ErrClosed, c.ID())
	}
	return nil
}

// Context is the state of one inbound hub frame.
type Context struct {
	ctx       context.Context
	conn      *Connection
	method    *Method
	messageID int32
	args      []any
	timestamp time.Time

	itemsMu sync.Mutex
	items   *sync.Map

	result any
}

func newContext(conn *Connection, m *Method, req Request, args []any) *Context {
	return &Context{
		ctx:       conn.Context(),
		conn:      conn,
		method:    m,
		messageID: req.MessageID,
		args:      args,
		timestamp: time.Now(),
	}
}

func (c *Context) Context() context.Context { return c.ctx }

func (c *Context) SetContext(ctx context.Context) { c.ctx = ctx }

func (c *Context) Connection() *Connection { return c.conn }

// MessageID returns the client correlation id, NoResponse for
// fire-and-forget frames.
func (c *Context) MessageID() int32 { return c.messageID }

func (c *Context) FireAndForget() bool { return c.messageID == NoResponse }

func (c *Context) Method() *Method { return c.method }

// Args returns the decoded arguments.
func (c *Context) Args() []any { return c.args }

func (c *Context) Timestamp() time.Time { return c.timestamp }

// Groups returns the groups of the calling connection.
func (c *Context) Groups() *Groups { return c.conn.groups }

// Items is a per-invocation object store, created on first use.
func (c *Context) Items() *sync.Map {
	c.itemsMu.Lock()
	defer c.itemsMu.Unlock()
	if c.items == nil {
		c.items = new(sync.Map)
	}
	return c.items
}

func (c *Context) RawResult() any { return c.result }

func (c *Context) SetRawResult(v any) { c.result = v }

func (c *Context) Logger() *slog.Logger {
	return c.conn.def.logger.With(
		"connection_id", c.conn.ID().String(),
		"method", c.method.Name,
		"message_id", c.messageID,
	)
}
