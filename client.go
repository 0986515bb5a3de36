// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package streamrpc

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/grpc"
)

// Client calls methods of a streamrpc server. Method names are given as
// "Service/Method".
type Client interface {
	// Call makes a unary call, encoding args as a request tuple and decoding
	// the result into reply. A nil reply discards the result.
	Call(ctx context.Context, method string, reply any, args ...any) error

	// CallRaw makes a unary call with an already encoded request tuple.
	CallRaw(ctx context.Context, method string, payload []byte) ([]byte, error)

	// OpenStream opens a streaming call exchanging raw frames.
	OpenStream(ctx context.Context, method string) (grpc.ClientStream, error)

	// Codec returns the codec used by Call.
	Codec() Codec

	// Conn returns the underlying connection.
	Conn() *grpc.ClientConn

	Close() error
}

type grpcClient struct {
	conn  *grpc.ClientConn
	codec Codec
}

var rawStreamDesc = &grpc.StreamDesc{ServerStreams: true, ClientStreams: true}

func (c *grpcClient) Call(ctx context.Context, method string, reply any, args ...any) error {
	payload, err := EncodeArguments(c.codec, args...)
	if err != nil {
		return fmt.Errorf("encode args: %w", err)
	}
	resp, err := c.CallRaw(ctx, method, payload)
	if err != nil {
		return err
	}
	if reply == nil || IsNilPayload(resp) {
		return nil
	}
	if err := c.codec.Decode(resp, reply); err != nil {
		return fmt.Errorf("decode reply: %w", err)
	}
	return nil
}

func (c *grpcClient) CallRaw(ctx context.Context, method string, payload []byte) ([]byte, error) {
	var resp []byte
	err := c.conn.Invoke(ctx, methodPath(method), &payload, &resp, grpc.ForceCodec(FrameCodec()))
	return resp, err
}

func (c *grpcClient) OpenStream(ctx context.Context, method string) (grpc.ClientStream, error) {
	return c.conn.NewStream(ctx, rawStreamDesc, methodPath(method), grpc.ForceCodec(FrameCodec()))
}

func (c *grpcClient) Codec() Codec { return c.codec }

func (c *grpcClient) Conn() *grpc.ClientConn { return c.conn }

func (c *grpcClient) Close() error {
	return c.conn.Close()
}

func methodPath(method string) string {
	if strings.HasPrefix(method, "/") {
		return method
	}
	return "/" + method
}
