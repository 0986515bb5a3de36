// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package streamrpc

import (
	"errors"
	"io"
	"reflect"
)

// streamBinder is implemented by the stream handle types. The method compiler
// recognizes a parameter as a stream handle through it.
type streamBinder interface {
	callShape() CallShape
	elemTypes() (req, resp reflect.Type)
	bind(c *ServiceContext)
}

// ClientStream reads the request messages of a client-streaming call.
type ClientStream[T any] struct {
	c *ServiceContext
}

func (s *ClientStream[T]) callShape() CallShape { return ClientStreaming }

func (s *ClientStream[T]) elemTypes() (reflect.Type, reflect.Type) {
	return reflect.TypeFor[T](), nil
}

func (s *ClientStream[T]) bind(c *ServiceContext) { s.c = c }

// Recv returns the next request message, or io.EOF after the client closed
// its side of the stream.
func (s *ClientStream[T]) Recv() (T, error) { return recvElem[T](s.c) }

// ForEach calls fn for every request message until the client closes the
// stream or fn returns an error.
func (s *ClientStream[T]) ForEach(fn func(T) error) error { return forEach(s.c, fn) }

// ServerStream writes the response messages of a server-streaming call.
type ServerStream[T any] struct {
	c *ServiceContext
}

func (s *ServerStream[T]) callShape() CallShape { return ServerStreaming }

func (s *ServerStream[T]) elemTypes() (reflect.Type, reflect.Type) {
	return nil, reflect.TypeFor[T]()
}

func (s *ServerStream[T]) bind(c *ServiceContext) { s.c = c }

func (s *ServerStream[T]) Send(v T) error { return sendElem(s.c, v) }

// DuplexStream is both ends of a duplex-streaming call. Recv and Send may be
// used from different goroutines, but Send must not be called concurrently.
type DuplexStream[Q, R any] struct {
	c *ServiceContext
}

func (s *DuplexStream[Q, R]) callShape() CallShape { return DuplexStreaming }

func (s *DuplexStream[Q, R]) elemTypes() (reflect.Type, reflect.Type) {
	return reflect.TypeFor[Q](), reflect.TypeFor[R]()
}

func (s *DuplexStream[Q, R]) bind(c *ServiceContext) { s.c = c }

func (s *DuplexStream[Q, R]) Recv() (Q, error) { return recvElem[Q](s.c) }

func (s *DuplexStream[Q, R]) Send(v R) error { return sendElem(s.c, v) }

func (s *DuplexStream[Q, R]) ForEach(fn func(Q) error) error { return forEach(s.c, fn) }

var streamBinderType = reflect.TypeFor[streamBinder]()

// asStreamBinder reports whether t is a pointer to one of the stream handle
// types and returns a zero handle for it.
func asStreamBinder(t reflect.Type) (streamBinder, bool) {
	if t.Kind() != reflect.Pointer || !t.Implements(streamBinderType) {
		return nil, false
	}
	b, ok := reflect.New(t.Elem()).Interface().(streamBinder)
	return b, ok
}

func recvElem[T any](c *ServiceContext) (T, error) {
	var zero T
	frame, err := c.transport.Recv()
	if err != nil {
		return zero, err
	}
	v, err := decodeValue(c.handler.codec, frame, reflect.TypeFor[T]())
	if err != nil {
		return zero, errors.Join(ErrInvalidPayload, err)
	}
	if v == nil {
		return zero, nil
	}
	return v.(T), nil
}

func sendElem[T any](c *ServiceContext, v T) error {
	frame, err := EncodeResult(c.handler.codec, v)
	if err != nil {
		return err
	}
	return c.transport.Send(frame)
}

func forEach[T any](c *ServiceContext, fn func(T) error) error {
	for {
		v, err := recvElem[T](c)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(v); err != nil {
			return err
		}
	}
}
