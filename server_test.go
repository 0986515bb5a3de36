// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package streamrpc

import (
	"context"
	"errors"
	"io"
	"net"
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

func newCalcServer(t *testing.T, opts ...ServerOption) (*Server, Client) {
	t.Helper()
	srv := NewServer(append([]ServerOption{WithLogger(discardLogger())}, opts...)...)
	require.NoError(t, RegisterService(srv, "Calc", newCalc))
	return srv, startServer(t, srv)
}

func TestServerUnary(t *testing.T) {
	_, client := newCalcServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var sum int
	require.NoError(t, client.Call(ctx, "Calc/Add", &sum, 2, 3))
	assert.Equal(t, 5, sum)

	var echo string
	require.NoError(t, client.Call(ctx, "/Calc/Echo", &echo, "hello"))
	assert.Equal(t, "hello", echo)

	resp, err := client.CallRaw(ctx, "Calc/Nothing", NilPayload())
	require.NoError(t, err)
	assert.True(t, IsNilPayload(resp))
}

func TestServerUnaryErrors(t *testing.T) {
	_, client := newCalcServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := client.Call(ctx, "Calc/Deny", nil)
	st, ok := status.FromError(err)
	require.True(t, ok)
	assert.Equal(t, codes.PermissionDenied, st.Code())
	assert.Equal(t, "nope", st.Message())

	err = client.Call(ctx, "Calc/Fail", nil)
	st, ok = status.FromError(err)
	require.True(t, ok)
	assert.Equal(t, codes.Unknown, st.Code())
	assert.Equal(t, genericErrorDetail, st.Message())

	err = client.Call(ctx, "Calc/Missing", nil)
	assert.Equal(t, codes.Unimplemented, status.Code(err))
}

func TestServerDetailedErrors(t *testing.T) {
	_, client := newCalcServer(t, WithDetailedErrors(true))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := client.Call(ctx, "Calc/Fail", nil)
	st, ok := status.FromError(err)
	require.True(t, ok)
	assert.Equal(t, codes.Unknown, st.Code())
	assert.Contains(t, st.Message(), "secret failure")
}

func TestServerClientStreaming(t *testing.T) {
	_, client := newCalcServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := client.OpenStream(ctx, "Calc/Sum")
	require.NoError(t, err)
	for _, n := range []int{1, 2, 3} {
		frame := mustEncode(t, client.Codec(), n)
		require.NoError(t, stream.SendMsg(&frame))
	}
	require.NoError(t, stream.CloseSend())

	var resp []byte
	require.NoError(t, stream.RecvMsg(&resp))
	var sum int
	require.NoError(t, client.Codec().Decode(resp, &sum))
	assert.Equal(t, 6, sum)
	require.ErrorIs(t, stream.RecvMsg(&resp), io.EOF)
}

func TestServerServerStreaming(t *testing.T) {
	_, client := newCalcServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := client.OpenStream(ctx, "Calc/Range")
	require.NoError(t, err)
	args, err := EncodeArguments(client.Codec(), 4)
	require.NoError(t, err)
	require.NoError(t, stream.SendMsg(&args))
	require.NoError(t, stream.CloseSend())

	var got []int
	for {
		var frame []byte
		err := stream.RecvMsg(&frame)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		var n int
		require.NoError(t, client.Codec().Decode(frame, &n))
		got = append(got, n)
	}
	assert.Equal(t, []int{1, 2, 3, 4}, got)
}

func TestServerDuplexStreaming(t *testing.T) {
	_, client := newCalcServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := client.OpenStream(ctx, "Calc/Double")
	require.NoError(t, err)
	for _, n := range []int{1, 5, 21} {
		frame := mustEncode(t, client.Codec(), n)
		require.NoError(t, stream.SendMsg(&frame))

		var resp []byte
		require.NoError(t, stream.RecvMsg(&resp))
		var doubled int
		require.NoError(t, client.Codec().Decode(resp, &doubled))
		assert.Equal(t, n*2, doubled)
	}
	require.NoError(t, stream.CloseSend())
	var resp []byte
	require.ErrorIs(t, stream.RecvMsg(&resp), io.EOF)
}

func TestServerMetadataReachesContext(t *testing.T) {
	srv := NewServer(WithLogger(discardLogger()))
	_, err := srv.AddMethod(MethodDescriptor{
		Service:      "Meta",
		Method:       "Get",
		Shape:        Unary,
		ResponseType: reflect.TypeFor[[]string](),
		Invoke: func(c *ServiceContext) error {
			c.SetRawResult(c.Metadata().Get("x-user"))
			return nil
		},
	})
	require.NoError(t, err)
	client := startServer(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ctx = metadata.AppendToOutgoingContext(ctx, "x-user", "alice")

	var users []string
	require.NoError(t, client.Call(ctx, "Meta/Get", &users))
	assert.Equal(t, []string{"alice"}, users)
}

func TestServerUnaryInterceptor(t *testing.T) {
	var seen string
	interceptor := func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		seen = info.FullMethod
		return handler(ctx, req)
	}
	_, client := newCalcServer(t, WithGRPCOptions(grpc.UnaryInterceptor(interceptor)))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var sum int
	require.NoError(t, client.Call(ctx, "Calc/Add", &sum, 1, 1))
	assert.Equal(t, "/Calc/Add", seen)
}

func TestServerHandlersSorted(t *testing.T) {
	srv := NewServer(WithLogger(discardLogger()))
	require.NoError(t, RegisterService(srv, "Calc", newCalc))

	var names []string
	for _, h := range srv.Handlers() {
		names = append(names, h.String())
	}
	assert.Equal(t, []string{
		"Calc/Add", "Calc/Deny", "Calc/Double", "Calc/Echo", "Calc/Fail",
		"Calc/Nothing", "Calc/Panic", "Calc/Range", "Calc/Sum",
	}, names)
}

func TestServeStopsOnCancel(t *testing.T) {
	srv := NewServer(WithLogger(discardLogger()), WithShutdownTimeout(100*time.Millisecond))
	require.NoError(t, RegisterService(srv, "Calc", newCalc))

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, lis) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
