// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package streamrpc

import (
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// DialOption configures client connections
type DialOption func(*dialOptions)

type dialOptions struct {
	codec       Codec
	grpcOptions []grpc.DialOption
}

// WithDialCodec sets the codec used to encode arguments and decode replies
func WithDialCodec(c Codec) DialOption {
	return func(o *dialOptions) { o.codec = c }
}

// WithDialOptions passes options to grpc.NewClient. Without a credentials
// option the connection is insecure.
func WithDialOptions(opts ...grpc.DialOption) DialOption {
	return func(o *dialOptions) { o.grpcOptions = append(o.grpcOptions, opts...) }
}

// Dial creates a client for the server at target. The connection is
// established lazily on the first call.
func Dial(target string, opts ...DialOption) (Client, error) {
	o := &dialOptions{codec: defaultCodec}
	for _, opt := range opts {
		opt(o)
	}

	grpcOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}, o.grpcOptions...)
	conn, err := grpc.NewClient(target, grpcOpts...)
	if err != nil {
		return nil, fmt.Errorf("grpc dial: %w", err)
	}
	return &grpcClient{conn: conn, codec: o.codec}, nil
}
