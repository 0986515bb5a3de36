// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package streamrpc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/metadata"
)

func newTestHandler() *MethodHandler {
	o := &serverOptions{codec: defaultCodec, logger: discardLogger()}
	return newMethodHandler(o, MethodDescriptor{
		Service: "Test",
		Method:  "Stream",
		Shape:   DuplexStreaming,
		Invoke:  func(*ServiceContext) error { return nil },
	}, nil)
}

func TestServiceContextQueueWrite(t *testing.T) {
	p := newPipeTransport(context.Background())
	c := newServiceContext(p.ctx, newTestHandler(), p)

	require.True(t, c.QueueWrite([]byte{1}))
	require.True(t, c.QueueWrite([]byte{2}))
	assert.Equal(t, []byte{1}, <-p.out)
	assert.Equal(t, []byte{2}, <-p.out)

	c.CompleteStreaming()
	assert.True(t, c.IsDisconnected())
	assert.False(t, c.QueueWrite([]byte{3}))
	require.ErrorIs(t, c.Context().Err(), context.Canceled)
}

func TestServiceContextQueueWriteWithoutTransport(t *testing.T) {
	c := newServiceContext(context.Background(), newTestHandler(), nil)
	assert.False(t, c.QueueWrite([]byte{1}))
	c.CompleteStreaming()
}

func TestServiceContextQueueWriteAfterCompleteRace(t *testing.T) {
	p := newPipeTransport(context.Background())
	c := newServiceContext(p.ctx, newTestHandler(), p)

	// A writer that passed the disconnected check finds the queue never
	// created because CompleteStreaming ran in between.
	c.queueOnce.Do(func() {})
	assert.NotPanics(t, func() { assert.False(t, c.QueueWrite([]byte{1})) })
	c.CompleteStreaming()
}

func TestServiceContextCompleteWithBlockedWrite(t *testing.T) {
	p := newPipeTransport(context.Background())
	block := make(chan struct{})
	defer close(block)
	sending := make(chan struct{}, 1)
	c := newServiceContext(p.ctx, newTestHandler(), blockingTransport{pipeTransport: p, sending: sending, block: block})

	require.True(t, c.QueueWrite([]byte{1}))
	<-sending

	done := make(chan struct{})
	go func() {
		c.CompleteStreaming()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("CompleteStreaming waited for a blocked write")
	}
	assert.False(t, c.QueueWrite([]byte{2}))
}

// blockingTransport holds every Send until block is closed.
type blockingTransport struct {
	*pipeTransport
	sending chan struct{}
	block   chan struct{}
}

func (b blockingTransport) Send(frame []byte) error {
	select {
	case b.sending <- struct{}{}:
	default:
	}
	<-b.block
	return b.pipeTransport.Send(frame)
}

func TestServiceContextWriteFailureCancels(t *testing.T) {
	errSend := errors.New("connection reset")
	p := newPipeTransport(context.Background())
	p.sendErr = errSend
	c := newServiceContext(p.ctx, newTestHandler(), p)

	require.True(t, c.QueueWrite([]byte{1}))
	select {
	case <-c.Context().Done():
	case <-time.After(time.Second):
		t.Fatal("context not cancelled after write failure")
	}
	cause := context.Cause(c.Context())
	require.ErrorIs(t, cause, errConnectionWrite)
	require.ErrorIs(t, cause, errSend)
	c.CompleteStreaming()
}

func TestServiceContextState(t *testing.T) {
	md := metadata.Pairs("authorization", "token")
	ctx := metadata.NewIncomingContext(context.Background(), md)
	h := newTestHandler()
	c := newServiceContext(ctx, h, nil)
	defer c.cancel(nil)

	other := newServiceContext(ctx, h, nil)
	defer other.cancel(nil)
	assert.NotEqual(t, c.ID(), other.ID())

	assert.Equal(t, []string{"token"}, c.Metadata().Get("authorization"))
	assert.Equal(t, DuplexStreaming, c.Shape())
	assert.Same(t, h, c.MethodHandler())
	assert.False(t, c.Timestamp().IsZero())

	c.Items().Store("user", "alice")
	v, ok := c.Items().Load("user")
	require.True(t, ok)
	assert.Equal(t, "alice", v)

	c.SetRawRequest([]any{1})
	c.SetRawResult(2)
	assert.Equal(t, []any{1}, c.RawRequest())
	assert.Equal(t, 2, c.RawResult())

	type key struct{}
	c.SetContext(context.WithValue(c.Context(), key{}, "v"))
	assert.Equal(t, "v", c.Context().Value(key{}))
}
