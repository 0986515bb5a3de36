// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package hub

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/luxfi/streamrpc"
)

var ErrClientClosed = errors.New("hub: client closed")

// ResponseError is an error frame received for an invocation.
type ResponseError struct {
	Code       codes.Code
	Detail     string
	Diagnostic string
}

func (e *ResponseError) Error() string {
	if e.Diagnostic != "" {
		return fmt.Sprintf("hub error: code = %s desc = %s: %s", e.Code, e.Detail, e.Diagnostic)
	}
	return fmt.Sprintf("hub error: code = %s desc = %s", e.Code, e.Detail)
}

func (e *ResponseError) GRPCStatus() *status.Status { return status.New(e.Code, e.Detail) }

// Receiver handles a broadcast frame. It runs on the client's read goroutine.
type Receiver func(methodID int32, payload []byte)

// ClientOption configures a hub client.
type ClientOption func(*Client)

// WithReceiver sets the handler of broadcast frames.
func WithReceiver(r Receiver) ClientOption {
	return func(c *Client) { c.receiver = r }
}

// Client is a frame-level hub client. Invocations are matched to responses by
// message id, so any number of them may be outstanding.
type Client struct {
	stream   grpc.ClientStream
	codec    streamrpc.Codec
	cancel   context.CancelFunc
	header   metadata.MD
	receiver Receiver

	writeMu  sync.Mutex
	pending  sync.Map // messageID -> chan Response
	nextID   atomic.Uint32
	closed   atomic.Bool
	readDone chan struct{}
	readErr  error
}

// Connect opens a connection to the hub called name and waits for the
// server's response header. The connection lives until ctx is done or Close
// is called.
func Connect(ctx context.Context, rc streamrpc.Client, name string, opts ...ClientOption) (*Client, error) {
	ctx, cancel := context.WithCancel(ctx)
	stream, err := rc.OpenStream(ctx, name+"/"+ConnectMethod)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("hub connect: %w", err)
	}
	header, err := stream.Header()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("hub connect: %w", err)
	}

	c := &Client{
		stream:   stream,
		codec:    rc.Codec(),
		cancel:   cancel,
		header:   header,
		readDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.readLoop()
	return c, nil
}

// Header returns the response header the server sent on connect.
func (c *Client) Header() metadata.MD { return c.header }

// Invoke calls a hub method by name and decodes its result into reply. A nil
// reply discards the result.
func (c *Client) Invoke(ctx context.Context, method string, reply any, args ...any) error {
	payload, err := streamrpc.EncodeArguments(c.codec, args...)
	if err != nil {
		return fmt.Errorf("encode args: %w", err)
	}
	resp, err := c.InvokeRaw(ctx, MethodID(method), payload)
	if err != nil {
		return err
	}
	if reply == nil || streamrpc.IsNilPayload(resp) {
		return nil
	}
	if err := c.codec.Decode(resp, reply); err != nil {
		return fmt.Errorf("decode reply: %w", err)
	}
	return nil
}

// InvokeRaw calls a hub method by id with an encoded argument tuple and
// returns the encoded result.
func (c *Client) InvokeRaw(ctx context.Context, methodID int32, payload []byte) ([]byte, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}

	messageID := c.nextMessageID()
	respCh := make(chan Response, 1)
	c.pending.Store(messageID, respCh)
	defer c.pending.Delete(messageID)

	if err := c.send(EncodeRequest(messageID, methodID, payload)); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case resp := <-respCh:
		if resp.Kind == KindError {
			return nil, &ResponseError{Code: resp.Code, Detail: resp.Detail, Diagnostic: resp.Diagnostic}
		}
		return resp.Value, nil
	case <-c.readDone:
		return nil, c.doneErr()
	}
}

// nextMessageID returns ids in [0, MaxInt32], wrapping without ever
// producing NoResponse.
func (c *Client) nextMessageID() int32 {
	return int32(c.nextID.Add(1) & math.MaxInt32)
}

// Notify calls a hub method without waiting for, or receiving, a response.
func (c *Client) Notify(method string, args ...any) error {
	payload, err := streamrpc.EncodeArguments(c.codec, args...)
	if err != nil {
		return fmt.Errorf("encode args: %w", err)
	}
	return c.NotifyRaw(MethodID(method), payload)
}

func (c *Client) NotifyRaw(methodID int32, payload []byte) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	return c.send(EncodeRequest(NoResponse, methodID, payload))
}

// SendFrame writes an arbitrary frame, bypassing request encoding.
func (c *Client) SendFrame(frame []byte) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	return c.send(frame)
}

func (c *Client) send(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.stream.SendMsg(&frame); err != nil {
		return fmt.Errorf("hub write: %w", err)
	}
	return nil
}

func (c *Client) readLoop() {
	defer close(c.readDone)

	for {
		var frame []byte
		if err := c.stream.RecvMsg(&frame); err != nil {
			c.readErr = err
			return
		}
		resp, err := DecodeResponse(frame)
		if err != nil {
			c.readErr = err
			return
		}

		switch resp.Kind {
		case KindMarker:
		case KindBroadcast:
			if c.receiver != nil {
				c.receiver(resp.MethodID, resp.Value)
			}
		default:
			if ch, ok := c.pending.Load(resp.MessageID); ok {
				select {
				case ch.(chan Response) <- resp:
				default:
				}
			}
		}
	}
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.readDone }

// Err returns the error that ended the connection, once Done is closed.
func (c *Client) Err() error {
	select {
	case <-c.readDone:
		return c.readErr
	default:
		return nil
	}
}

func (c *Client) doneErr() error {
	if c.readErr != nil {
		return fmt.Errorf("%w: %v", ErrClientClosed, c.readErr)
	}
	return ErrClientClosed
}

// Close half-closes the stream, waits for the server to end the connection
// and releases it.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.writeMu.Lock()
	err := c.stream.CloseSend()
	c.writeMu.Unlock()
	<-c.readDone
	c.cancel()
	return err
}
