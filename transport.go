// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package streamrpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/metadata"
)

// FrameCodecName is the grpc content-subtype of streamrpc frames.
const FrameCodecName = "streamrpc"

// StreamTransport is the duplex message stream of one call. Recv returns
// io.EOF when the peer half-closes. Send must not be called concurrently.
type StreamTransport interface {
	Context() context.Context
	Recv() ([]byte, error)
	Send(frame []byte) error
	SendHeader(md metadata.MD) error
}

// frameCodec passes frames through grpc untouched; serialization happens in
// the method handlers.
type frameCodec struct{}

// FrameCodec returns the pass-through codec clients must force on calls to a
// streamrpc server.
func FrameCodec() encoding.Codec { return frameCodec{} }

func (frameCodec) Name() string { return FrameCodecName }

func (frameCodec) Marshal(v any) ([]byte, error) {
	switch m := v.(type) {
	case []byte:
		return m, nil
	case *[]byte:
		return *m, nil
	}
	return nil, fmt.Errorf("%w: frame codec cannot marshal %T", ErrInvalidPayload, v)
}

func (frameCodec) Unmarshal(data []byte, v any) error {
	p, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("%w: frame codec cannot unmarshal into %T", ErrInvalidPayload, v)
	}
	*p = append((*p)[:0], data...)
	return nil
}

type grpcTransport struct {
	stream grpc.ServerStream
}

func (t grpcTransport) Context() context.Context { return t.stream.Context() }

func (t grpcTransport) Recv() ([]byte, error) {
	var frame []byte
	if err := t.stream.RecvMsg(&frame); err != nil {
		return nil, err
	}
	return frame, nil
}

func (t grpcTransport) Send(frame []byte) error { return t.stream.SendMsg(&frame) }

func (t grpcTransport) SendHeader(md metadata.MD) error { return t.stream.SendHeader(md) }
