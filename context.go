// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package streamrpc

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc/metadata"
)

// errConnectionWrite is the cancellation cause when a queued write fails.
var errConnectionWrite = errors.New("streamrpc: stream write failed")

// ServiceContext is the state of one call, or of one hub connection.
type ServiceContext struct {
	ctx       context.Context
	cancel    context.CancelCauseFunc
	id        uuid.UUID
	timestamp time.Time
	handler   *MethodHandler
	transport StreamTransport

	itemsMu sync.Mutex
	items   *sync.Map

	request any
	result  any

	queueOnce    sync.Once
	queue        *WriteQueue
	disconnected atomic.Bool
}

func newServiceContext(ctx context.Context, h *MethodHandler, t StreamTransport) *ServiceContext {
	ctx, cancel := context.WithCancelCause(ctx)
	return &ServiceContext{
		ctx:       ctx,
		cancel:    cancel,
		id:        uuid.New(),
		timestamp: time.Now(),
		handler:   h,
		transport: t,
	}
}

// Context returns the call context. It is cancelled when the call ends or the
// stream of a hub connection fails.
func (c *ServiceContext) Context() context.Context { return c.ctx }

// SetContext replaces the call context, e.g. from a filter adding a span.
func (c *ServiceContext) SetContext(ctx context.Context) { c.ctx = ctx }

// ID returns the call id; for hubs this is the connection id.
func (c *ServiceContext) ID() uuid.UUID { return c.id }

func (c *ServiceContext) Timestamp() time.Time { return c.timestamp }

func (c *ServiceContext) Shape() CallShape { return c.handler.desc.Shape }

func (c *ServiceContext) MethodHandler() *MethodHandler { return c.handler }

// Transport returns the stream of a streaming call, nil for unary calls.
func (c *ServiceContext) Transport() StreamTransport { return c.transport }

// Metadata returns the incoming request metadata.
func (c *ServiceContext) Metadata() metadata.MD {
	md, _ := metadata.FromIncomingContext(c.ctx)
	return md
}

// Logger returns the server logger annotated with the call.
func (c *ServiceContext) Logger() *slog.Logger {
	return c.handler.logger.With("method", c.handler.String(), "call_id", c.id.String())
}

// Items is a per-call object store, created on first use.
func (c *ServiceContext) Items() *sync.Map {
	c.itemsMu.Lock()
	defer c.itemsMu.Unlock()
	if c.items == nil {
		c.items = new(sync.Map)
	}
	return c.items
}

// RawRequest returns the decoded request tuple, set before the method body runs.
func (c *ServiceContext) RawRequest() any { return c.request }

func (c *ServiceContext) SetRawRequest(v any) { c.request = v }

// RawResult returns the value the method body produced.
func (c *ServiceContext) RawResult() any { return c.result }

func (c *ServiceContext) SetRawResult(v any) { c.result = v }

// QueueWrite enqueues frame on the call's write queue, which serializes
// concurrent writers onto the stream. It reports false once the stream is
// disconnected.
func (c *ServiceContext) QueueWrite(frame []byte) bool {
	if c.transport == nil || c.disconnected.Load() {
		return false
	}
	c.queueOnce.Do(func() {
		c.queue = NewWriteQueue(c.transport.Send, func(err error) {
			c.Logger().Debug("stream write failed", "error", err)
			c.cancel(errors.Join(errConnectionWrite, err))
		})
	})
	// CompleteStreaming may have consumed the once before a queue existed.
	if c.queue == nil {
		return false
	}
	return c.queue.Enqueue(frame)
}

// IsDisconnected reports whether CompleteStreaming was called.
func (c *ServiceContext) IsDisconnected() bool { return c.disconnected.Load() }

// CompleteStreaming marks the stream disconnected, cancels the call context
// and disposes the write queue, dropping frames that were not written yet.
// It does not wait for a write in progress.
func (c *ServiceContext) CompleteStreaming() {
	c.disconnected.Store(true)
	c.cancel(nil)
	c.queueOnce.Do(func() {})
	if c.queue != nil {
		c.queue.Dispose()
	}
}
