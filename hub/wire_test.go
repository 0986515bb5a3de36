// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package hub

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"

	"github.com/luxfi/streamrpc"
)

func TestMarkerBytes(t *testing.T) {
	// [-1, 0, nil]
	assert.Equal(t, []byte{0x93, 0xff, 0x00, 0xc0}, Marker())

	resp, err := DecodeResponse(Marker())
	require.NoError(t, err)
	assert.Equal(t, KindMarker, resp.Kind)
}

func TestDecodeRequestWithResponse(t *testing.T) {
	// [7, 101, [42]]
	req, err := DecodeRequest([]byte{0x93, 0x07, 0x65, 0x91, 0x2a})
	require.NoError(t, err)
	assert.Equal(t, int32(7), req.MessageID)
	assert.Equal(t, int32(101), req.MethodID)
	assert.Equal(t, []byte{0x91, 0x2a}, req.Args)
	assert.False(t, req.FireAndForget())
}

func TestDecodeRequestFireAndForget(t *testing.T) {
	// [101, "x"]
	req, err := DecodeRequest([]byte{0x92, 0x65, 0xa1, 'x'})
	require.NoError(t, err)
	assert.Equal(t, NoResponse, req.MessageID)
	assert.Equal(t, int32(101), req.MethodID)
	assert.Equal(t, []byte{0xa1, 'x'}, req.Args)
	assert.True(t, req.FireAndForget())
}

func TestDecodeRequestMalformed(t *testing.T) {
	for name, frame := range map[string][]byte{
		"not an array":   {0x2a},
		"one element":    {0x91, 0x01},
		"four elements":  {0x94, 0x01, 0x02, 0x03, 0x04},
		"string method":  {0x92, 0xa1, 'x', 0xc0},
		"truncated args": {0x93, 0x01, 0x02},
		"empty":          {},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeRequest(frame)
			require.ErrorIs(t, err, ErrMalformedFrame)
		})
	}
}

func TestEncodeRequest(t *testing.T) {
	assert.Equal(t, []byte{0x93, 0x07, 0x65, 0x91, 0x2a}, EncodeRequest(7, 101, []byte{0x91, 0x2a}))
	assert.Equal(t, []byte{0x92, 0x65, 0xc0}, EncodeRequest(NoResponse, 101, nil))
}

func TestEncodeResponse(t *testing.T) {
	// [7, 101, 84]
	frame := EncodeResponse(7, 101, []byte{0x54})
	assert.Equal(t, []byte{0x93, 0x07, 0x65, 0x54}, frame)

	resp, err := DecodeResponse(frame)
	require.NoError(t, err)
	assert.Equal(t, Response{Kind: KindResponse, MessageID: 7, MethodID: 101, Value: []byte{0x54}}, resp)
}

func TestEncodeBroadcast(t *testing.T) {
	value, err := streamrpc.MsgpackCodec{}.Encode("hi")
	require.NoError(t, err)

	resp, err := DecodeResponse(EncodeBroadcast(MethodID("OnMessage"), value))
	require.NoError(t, err)
	assert.Equal(t, KindBroadcast, resp.Kind)
	assert.Equal(t, NoResponse, resp.MessageID)
	assert.Equal(t, MethodID("OnMessage"), resp.MethodID)

	var got string
	require.NoError(t, streamrpc.MsgpackCodec{}.Decode(resp.Value, &got))
	assert.Equal(t, "hi", got)
}

func TestEncodeError(t *testing.T) {
	frame := EncodeError(9, codes.NotFound, "gone", "")
	// [9, 5, "gone", nil]
	assert.Equal(t, []byte{0x94, 0x09, 0x05, 0xa4, 'g', 'o', 'n', 'e', 0xc0}, frame)

	resp, err := DecodeResponse(frame)
	require.NoError(t, err)
	assert.Equal(t, Response{Kind: KindError, MessageID: 9, Code: codes.NotFound, Detail: "gone"}, resp)

	resp, err = DecodeResponse(EncodeError(3, codes.Internal, "failed", "stack"))
	require.NoError(t, err)
	assert.Equal(t, codes.Internal, resp.Code)
	assert.Equal(t, "stack", resp.Diagnostic)
}

func TestDecodeResponseMalformed(t *testing.T) {
	_, err := DecodeResponse([]byte{0x91, 0x01})
	require.ErrorIs(t, err, ErrMalformedFrame)
	_, err = DecodeResponse([]byte{0xc0})
	require.ErrorIs(t, err, ErrMalformedFrame)
}

func TestMethodID(t *testing.T) {
	// FNV-1a 32-bit test vectors.
	empty, a := uint32(0x811c9dc5), uint32(0xe40c292c)
	assert.Equal(t, int32(empty), MethodID(""))
	assert.Equal(t, int32(a), MethodID("a"))
	assert.NotEqual(t, MethodID("Join"), MethodID("Leave"))
}

func TestFrameKindString(t *testing.T) {
	assert.Equal(t, "response", KindResponse.String())
	assert.Equal(t, "broadcast", KindBroadcast.String())
	assert.Equal(t, "error", KindError.String())
	assert.Equal(t, "marker", KindMarker.String())
	assert.Equal(t, "FrameKind(9)", FrameKind(9).String())
}
