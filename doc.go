// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package streamrpc hosts plain Go types as RPC services on a gRPC server,
// with MessagePack payloads and no generated code.
//
// # Services
//
// Every exported method whose first parameter is *ServiceContext becomes a
// method of the service. Its signature selects the call shape:
//
//	type Calc struct{}
//
//	func (Calc) Add(c *streamrpc.ServiceContext, a, b int) (int, error)            // unary
//	func (Calc) Sum(c *streamrpc.ServiceContext, s *streamrpc.ClientStream[int]) (int, error)
//	func (Calc) Range(c *streamrpc.ServiceContext, n int, s *streamrpc.ServerStream[int]) error
//	func (Calc) Pipe(c *streamrpc.ServiceContext, s *streamrpc.DuplexStream[int, int]) error
//
//	srv := streamrpc.NewServer(streamrpc.WithLogger(logger))
//	err := streamrpc.RegisterService(srv, "Calc", func(*streamrpc.ServiceContext) Calc { return Calc{} })
//	err = srv.ListenAndServe(ctx, ":5000")
//
// Client usage:
//
//	client, err := streamrpc.Dial("localhost:5000")
//	var sum int
//	err = client.Call(ctx, "Calc/Add", &sum, 2, 3)
//
// # Filters
//
// Filters wrap calls at three levels: server (WithGlobalFilter), service
// (WithServiceFilter) and method (WithMethodFilter). Levels nest in that
// order and each level runs its filters by ascending order value.
//
// # Errors
//
// Return ReturnStatus(code, detail) to end a call with a specific status.
// Any other error is logged and reported as codes.Unknown; its text reaches
// the client only with WithDetailedErrors(true).
//
// # Hubs
//
// Package hub multiplexes many methods and server-initiated broadcasts over
// one duplex stream per client.
package streamrpc
