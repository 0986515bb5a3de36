// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package streamrpc

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/status"
)

const tracerName = "github.com/luxfi/streamrpc"

// TracingFilter starts a server span around each call. A nil tracer uses the
// global tracer provider.
func TracingFilter(tracer trace.Tracer) Filter {
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	return func(c *ServiceContext, next Handler) error {
		h := c.MethodHandler()
		ctx, span := tracer.Start(c.Context(), h.String(),
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("rpc.system", "streamrpc"),
				attribute.String("rpc.service", h.Service()),
				attribute.String("rpc.method", h.Method()),
				attribute.String("streamrpc.shape", h.Shape().String()),
				attribute.String("streamrpc.call_id", c.ID().String()),
			),
		)
		defer span.End()

		parent := c.Context()
		c.SetContext(ctx)
		err := next(c)
		c.SetContext(parent)

		if err != nil {
			span.RecordError(err)
			span.SetStatus(otelcodes.Error, err.Error())
			if st, ok := ExplicitStatus(err); ok {
				span.SetAttributes(attribute.String("rpc.grpc.status_code", st.Code().String()))
			}
			return err
		}
		span.SetAttributes(attribute.String("rpc.grpc.status_code", status.Code(nil).String()))
		span.SetStatus(otelcodes.Ok, "")
		return nil
	}
}
