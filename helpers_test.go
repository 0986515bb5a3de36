// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package streamrpc

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/test/bufconn"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// calc covers every call shape.
type calc struct{}

func (calc) Add(_ *ServiceContext, a, b int) (int, error) { return a + b, nil }

func (calc) Echo(_ *ServiceContext, s string) (string, error) { return s, nil }

func (calc) Nothing(_ *ServiceContext) error { return nil }

func (calc) Fail(_ *ServiceContext) error { return errors.New("secret failure") }

func (calc) Deny(_ *ServiceContext) error {
	return ReturnStatus(codes.PermissionDenied, "nope")
}

func (calc) Panic(_ *ServiceContext) (int, error) { panic("boom") }

func (calc) Sum(_ *ServiceContext, s *ClientStream[int]) (int, error) {
	var total int
	err := s.ForEach(func(n int) error {
		total += n
		return nil
	})
	return total, err
}

func (calc) Range(_ *ServiceContext, n int, s *ServerStream[int]) error {
	for i := 1; i <= n; i++ {
		if err := s.Send(i); err != nil {
			return err
		}
	}
	return nil
}

func (calc) Double(_ *ServiceContext, s *DuplexStream[int, int]) error {
	return s.ForEach(func(n int) error { return s.Send(n * 2) })
}

// Name has no *ServiceContext parameter and is not a method of the service.
func (calc) Name() string { return "calc" }

func newCalc(*ServiceContext) calc { return calc{} }

// startServer serves srv over an in-memory listener and returns a client.
func startServer(t *testing.T, srv *Server) Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, lis) }()

	client, err := Dial("passthrough:///bufnet", WithDialOptions(
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	))
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = client.Close()
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})
	return client
}

// pipeTransport is an in-memory StreamTransport. Frames pushed with send are
// returned by Recv; closing the input makes Recv return io.EOF.
type pipeTransport struct {
	ctx context.Context

	in      chan []byte
	inOnce  sync.Once
	out     chan []byte
	header  chan metadata.MD
	sendErr error
}

func newPipeTransport(ctx context.Context) *pipeTransport {
	return &pipeTransport{
		ctx:    ctx,
		in:     make(chan []byte, 64),
		out:    make(chan []byte, 1024),
		header: make(chan metadata.MD, 1),
	}
}

func (p *pipeTransport) Context() context.Context { return p.ctx }

func (p *pipeTransport) Recv() ([]byte, error) {
	select {
	case f, ok := <-p.in:
		if !ok {
			return nil, io.EOF
		}
		return f, nil
	case <-p.ctx.Done():
		return nil, p.ctx.Err()
	}
}

func (p *pipeTransport) Send(frame []byte) error {
	if p.sendErr != nil {
		return p.sendErr
	}
	p.out <- append([]byte(nil), frame...)
	return nil
}

func (p *pipeTransport) SendHeader(md metadata.MD) error {
	p.header <- md
	return nil
}

func (p *pipeTransport) push(frame []byte) { p.in <- frame }

func (p *pipeTransport) closeInput() { p.inOnce.Do(func() { close(p.in) }) }

// counterValue returns the value of the counter with the given name and
// labels, or 0 if it was never observed.
func counterValue(t *testing.T, g prometheus.Gatherer, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := g.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metrics:
		for _, m := range mf.GetMetric() {
			got := make(map[string]string)
			for _, lp := range m.GetLabel() {
				got[lp.GetName()] = lp.GetValue()
			}
			for k, v := range labels {
				if got[k] != v {
					continue metrics
				}
			}
			if c := m.GetCounter(); c != nil {
				return c.GetValue()
			}
			return m.GetGauge().GetValue()
		}
	}
	return 0
}
