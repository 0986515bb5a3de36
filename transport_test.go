// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package streamrpc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameCodec(t *testing.T) {
	c := FrameCodec()
	assert.Equal(t, FrameCodecName, c.Name())

	frame := []byte{0x93, 0x01, 0x02, 0x03}
	out, err := c.Marshal(frame)
	require.NoError(t, err)
	assert.Equal(t, frame, out)

	out, err = c.Marshal(&frame)
	require.NoError(t, err)
	assert.Equal(t, frame, out)

	_, err = c.Marshal("text")
	require.ErrorIs(t, err, ErrInvalidPayload)

	var got []byte
	require.NoError(t, c.Unmarshal(frame, &got))
	assert.Equal(t, frame, got)

	// The decoded frame does not alias the transport buffer.
	frame[0] = 0
	assert.Equal(t, byte(0x93), got[0])

	require.ErrorIs(t, c.Unmarshal(frame, got), ErrInvalidPayload)
}
