// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package streamrpc

import (
	"errors"
	"fmt"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	ErrClosed             = errors.New("streamrpc: closed")
	ErrInvalidMethodShape = errors.New("streamrpc: invalid method shape")
	ErrDuplicateMethod    = errors.New("streamrpc: duplicate method")
	ErrNoMethods          = errors.New("streamrpc: service has no methods")
	ErrServerStarted      = errors.New("streamrpc: server already started")
	ErrInvalidPayload     = errors.New("streamrpc: invalid payload")
	ErrNotSupported       = errors.New("streamrpc: operation not supported")
)

// maxErrorDetail bounds diagnostic text returned to clients.
const maxErrorDetail = 5000

// ReturnStatusError is returned by service code to end a call with a specific
// status. It is reported to the client verbatim and is not logged as a failure.
type ReturnStatusError struct {
	Code   codes.Code
	Detail string
}

// ReturnStatus builds a *ReturnStatusError.
func ReturnStatus(code codes.Code, detail string) error {
	return &ReturnStatusError{Code: code, Detail: detail}
}

func (e *ReturnStatusError) Error() string {
	return fmt.Sprintf("return status: code = %s desc = %s", e.Code, e.Detail)
}

// GRPCStatus makes the error recognisable by grpc/status.
func (e *ReturnStatusError) GRPCStatus() *status.Status {
	return status.New(e.Code, e.Detail)
}

// ExplicitStatus extracts the status of an error that carries one, either a
// *ReturnStatusError or a native grpc status error.
func ExplicitStatus(err error) (*status.Status, bool) {
	var rs *ReturnStatusError
	if errors.As(err, &rs) {
		return rs.GRPCStatus(), true
	}
	if st, ok := status.FromError(err); ok && st.Code() != codes.OK {
		return st, true
	}
	return nil, false
}

// ErrorDiagnostic renders err for clients when detailed errors are enabled.
func ErrorDiagnostic(err error) string {
	msg := err.Error()
	if len(msg) <= maxErrorDetail {
		return msg
	}
	cut := strings.LastIndexByte(msg[:maxErrorDetail], '\n')
	if cut <= 0 {
		cut = maxErrorDetail
	}
	return msg[:cut] + "\n... (message truncated)"
}
