// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package hub

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"
	"google.golang.org/grpc/codes"

	"github.com/luxfi/streamrpc"
)

// Frame layouts, all MessagePack arrays:
//
//	client -> server   [methodId, args]                      fire-and-forget
//	                   [messageId, methodId, args]           expects a response
//	server -> client   [messageId, methodId, value]          response
//	                   [methodId, value]                     broadcast
//	                   [messageId, code, detail, diag|nil]   error
//	                   [-1, 0, nil]                          connect marker

const (
	// NoResponse is the message id of frames that expect no response. Frames
	// carrying it from the server are out-of-band and must be ignored.
	NoResponse int32 = -1

	// VersionHeader is the response header sent when a connection opens.
	VersionHeader   = "x-streaminghub-version"
	ProtocolVersion = "2"
)

var ErrMalformedFrame = errors.New("hub: malformed frame")

// Request is a decoded client frame.
type Request struct {
	MessageID int32
	MethodID  int32
	// Args is the encoded argument tuple.
	Args []byte
}

// FireAndForget reports whether the request expects no response.
func (r Request) FireAndForget() bool { return r.MessageID == NoResponse }

// DecodeRequest decodes a client frame.
func DecodeRequest(frame []byte) (Request, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(frame))
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	req := Request{MessageID: NoResponse}
	switch n {
	case 2:
	case 3:
		if req.MessageID, err = dec.DecodeInt32(); err != nil {
			return Request{}, fmt.Errorf("%w: message id: %v", ErrMalformedFrame, err)
		}
	default:
		return Request{}, fmt.Errorf("%w: request has %d elements", ErrMalformedFrame, n)
	}
	if req.MethodID, err = dec.DecodeInt32(); err != nil {
		return Request{}, fmt.Errorf("%w: method id: %v", ErrMalformedFrame, err)
	}
	if req.Args, err = dec.DecodeRaw(); err != nil {
		return Request{}, fmt.Errorf("%w: arguments: %v", ErrMalformedFrame, err)
	}
	return req, nil
}

// EncodeRequest builds a client frame. A messageID of NoResponse produces a
// fire-and-forget frame.
func EncodeRequest(messageID, methodID int32, args []byte) []byte {
	if messageID == NoResponse {
		return encodeFrame(int64(methodID), raw(args))
	}
	return encodeFrame(int64(messageID), int64(methodID), raw(args))
}

// EncodeResponse builds the response frame of a request.
func EncodeResponse(messageID, methodID int32, value []byte) []byte {
	return encodeFrame(int64(messageID), int64(methodID), raw(value))
}

// EncodeBroadcast builds a frame invoking a client receiver method.
func EncodeBroadcast(methodID int32, value []byte) []byte {
	return encodeFrame(int64(methodID), raw(value))
}

// EncodeError builds an error response frame. An empty diagnostic is sent as nil.
func EncodeError(messageID int32, code codes.Code, detail, diagnostic string) []byte {
	var diag any
	if diagnostic != "" {
		diag = diagnostic
	}
	return encodeFrame(int64(messageID), int64(code), detail, diag)
}

// Marker is the frame written first on every connection.
func Marker() []byte { return EncodeResponse(NoResponse, 0, nil) }

// FrameKind classifies server frames.
type FrameKind uint8

const (
	KindResponse FrameKind = iota
	KindBroadcast
	KindError
	KindMarker
)

func (k FrameKind) String() string {
	switch k {
	case KindResponse:
		return "response"
	case KindBroadcast:
		return "broadcast"
	case KindError:
		return "error"
	case KindMarker:
		return "marker"
	}
	return fmt.Sprintf("FrameKind(%d)", uint8(k))
}

// Response is a decoded server frame.
type Response struct {
	Kind      FrameKind
	MessageID int32
	MethodID  int32
	// Value is the encoded result or broadcast payload.
	Value []byte

	Code       codes.Code
	Detail     string
	Diagnostic string
}

// DecodeResponse decodes a server frame.
func DecodeResponse(frame []byte) (Response, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(frame))
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	var resp Response
	switch n {
	case 2:
		resp.Kind = KindBroadcast
		resp.MessageID = NoResponse
		if resp.MethodID, err = dec.DecodeInt32(); err != nil {
			return Response{}, fmt.Errorf("%w: method id: %v", ErrMalformedFrame, err)
		}
		if resp.Value, err = dec.DecodeRaw(); err != nil {
			return Response{}, fmt.Errorf("%w: value: %v", ErrMalformedFrame, err)
		}
	case 3:
		resp.Kind = KindResponse
		if resp.MessageID, err = dec.DecodeInt32(); err != nil {
			return Response{}, fmt.Errorf("%w: message id: %v", ErrMalformedFrame, err)
		}
		if resp.MethodID, err = dec.DecodeInt32(); err != nil {
			return Response{}, fmt.Errorf("%w: method id: %v", ErrMalformedFrame, err)
		}
		if resp.Value, err = dec.DecodeRaw(); err != nil {
			return Response{}, fmt.Errorf("%w: value: %v", ErrMalformedFrame, err)
		}
		if resp.MessageID == NoResponse {
			resp.Kind = KindMarker
		}
	case 4:
		resp.Kind = KindError
		if resp.MessageID, err = dec.DecodeInt32(); err != nil {
			return Response{}, fmt.Errorf("%w: message id: %v", ErrMalformedFrame, err)
		}
		code, err := dec.DecodeUint32()
		if err != nil {
			return Response{}, fmt.Errorf("%w: status code: %v", ErrMalformedFrame, err)
		}
		resp.Code = codes.Code(code)
		if resp.Detail, err = decodeOptionalString(dec); err != nil {
			return Response{}, fmt.Errorf("%w: detail: %v", ErrMalformedFrame, err)
		}
		if resp.Diagnostic, err = decodeOptionalString(dec); err != nil {
			return Response{}, fmt.Errorf("%w: diagnostic: %v", ErrMalformedFrame, err)
		}
	default:
		return Response{}, fmt.Errorf("%w: response has %d elements", ErrMalformedFrame, n)
	}
	return resp, nil
}

func decodeOptionalString(dec *msgpack.Decoder) (string, error) {
	c, err := dec.PeekCode()
	if err != nil {
		return "", err
	}
	if c == msgpcode.Nil {
		return "", dec.DecodeNil()
	}
	return dec.DecodeString()
}

// raw embeds an already encoded value, or nil when empty.
func raw(b []byte) msgpack.RawMessage {
	if len(b) == 0 {
		return streamrpc.NilPayload()
	}
	return b
}

func encodeFrame(elems ...any) []byte {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.UseCompactInts(true)
	if err := enc.EncodeArrayLen(len(elems)); err != nil {
		panic(err)
	}
	for _, e := range elems {
		// Writes to a bytes.Buffer cannot fail for these element types.
		if err := enc.Encode(e); err != nil {
			panic(err)
		}
	}
	return buf.Bytes()
}
