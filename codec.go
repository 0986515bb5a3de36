// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package streamrpc

import (
	"bytes"
	"fmt"
	"reflect"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"
)

// Codec encodes/decodes RPC payloads
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
}

// MsgpackCodec is the MessagePack codec used by default. Hub frames embed
// codec output verbatim, so a replacement codec must also emit MessagePack.
type MsgpackCodec struct {
	// StructTag replaces the "msgpack" struct tag when set (e.g. "json").
	StructTag string
	// CompactInts encodes integers in the smallest possible representation.
	CompactInts bool
}

func (c MsgpackCodec) Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if c.StructTag != "" {
		enc.SetCustomStructTag(c.StructTag)
	}
	enc.UseCompactInts(c.CompactInts)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c MsgpackCodec) Decode(data []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	if c.StructTag != "" {
		dec.SetCustomStructTag(c.StructTag)
	}
	return dec.Decode(v)
}

// defaultCodec is used when no codec is specified
var defaultCodec Codec = MsgpackCodec{}

// Nil is the payload of argument-less calls and of methods without a result.
// It is written as a single MessagePack nil and never reaches a Codec.
type Nil struct{}

var nilPayload = []byte{msgpcode.Nil}

// NilPayload returns the encoded Nil placeholder.
func NilPayload() []byte { return []byte{msgpcode.Nil} }

// IsNilPayload reports whether data is the encoded Nil placeholder.
func IsNilPayload(data []byte) bool { return len(data) == 0 || bytes.Equal(data, nilPayload) }

// EncodeArguments encodes call arguments as a request tuple: Nil for no
// arguments, the bare value for one, and a MessagePack array otherwise.
func EncodeArguments(codec Codec, args ...any) ([]byte, error) {
	switch len(args) {
	case 0:
		return NilPayload(), nil
	case 1:
		return codec.Encode(args[0])
	}
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := enc.EncodeArrayLen(len(args)); err != nil {
		return nil, err
	}
	for i, a := range args {
		b, err := codec.Encode(a)
		if err != nil {
			return nil, fmt.Errorf("encode argument %d: %w", i, err)
		}
		if err := enc.Encode(msgpack.RawMessage(b)); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// DecodeArguments decodes a request tuple into values of the given types.
// With no types the payload is not inspected at all.
func DecodeArguments(codec Codec, data []byte, types []reflect.Type) ([]any, error) {
	switch len(types) {
	case 0:
		return nil, nil
	case 1:
		// A single argument may also arrive wrapped in a one-element tuple.
		if len(data) > 1 && data[0] == msgpcode.FixedArrayLow|1 && !isSequence(types[0]) {
			data = data[1:]
		}
		v, err := decodeValue(codec, data, types[0])
		if err != nil {
			return nil, err
		}
		return []any{v}, nil
	}

	dec := msgpack.NewDecoder(bytes.NewReader(data))
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return nil, fmt.Errorf("decode argument tuple: %w", err)
	}
	if n != len(types) {
		return nil, fmt.Errorf("%w: argument tuple has %d elements, want %d", ErrInvalidPayload, n, len(types))
	}
	out := make([]any, n)
	for i, t := range types {
		raw, err := dec.DecodeRaw()
		if err != nil {
			return nil, fmt.Errorf("decode argument %d: %w", i, err)
		}
		if out[i], err = decodeValue(codec, raw, t); err != nil {
			return nil, fmt.Errorf("decode argument %d: %w", i, err)
		}
	}
	return out, nil
}

// EncodeResult encodes a method result. Nil and untyped nil results are
// written as the Nil placeholder without touching the codec.
func EncodeResult(codec Codec, v any) ([]byte, error) {
	switch v.(type) {
	case nil, Nil, *Nil:
		return NilPayload(), nil
	}
	return codec.Encode(v)
}

func decodeValue(codec Codec, data []byte, t reflect.Type) (any, error) {
	if t == reflect.TypeFor[Nil]() {
		return Nil{}, nil
	}
	p := reflect.New(t)
	if err := codec.Decode(data, p.Interface()); err != nil {
		return nil, err
	}
	return p.Elem().Interface(), nil
}

// isSequence reports whether t decodes from a MessagePack array, looking
// through pointers.
func isSequence(t reflect.Type) bool {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	switch t.Kind() {
	case reflect.Slice, reflect.Array, reflect.Interface:
		return true
	}
	return false
}
