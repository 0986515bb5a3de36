// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package streamrpc

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestExplicitStatus(t *testing.T) {
	st, ok := ExplicitStatus(fmt.Errorf("wrapped: %w", ReturnStatus(codes.NotFound, "missing")))
	require.True(t, ok)
	assert.Equal(t, codes.NotFound, st.Code())
	assert.Equal(t, "missing", st.Message())

	st, ok = ExplicitStatus(status.Error(codes.ResourceExhausted, "slow down"))
	require.True(t, ok)
	assert.Equal(t, codes.ResourceExhausted, st.Code())

	_, ok = ExplicitStatus(errors.New("plain"))
	assert.False(t, ok)
}

func TestReturnStatusIsGRPCStatus(t *testing.T) {
	err := ReturnStatus(codes.FailedPrecondition, "not ready")
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
	assert.Contains(t, err.Error(), "not ready")
}

func TestErrorDiagnosticTruncates(t *testing.T) {
	short := errors.New("short")
	assert.Equal(t, "short", ErrorDiagnostic(short))

	line := strings.Repeat("x", 99) + "\n"
	long := errors.New(strings.Repeat(line, 100))
	got := ErrorDiagnostic(long)
	assert.LessOrEqual(t, len(got), maxErrorDetail+len("\n... (message truncated)"))
	assert.True(t, strings.HasSuffix(got, "\n... (message truncated)"))
	assert.True(t, strings.HasPrefix(got, line))

	unbroken := errors.New(strings.Repeat("y", maxErrorDetail+10))
	got = ErrorDiagnostic(unbroken)
	assert.Equal(t, strings.Repeat("y", maxErrorDetail)+"\n... (message truncated)", got)
}
